package httpserver

import (
	"context"
	"errors"
	"net/http"

	"github.com/wilsonzlin/aero/proxy/sip-ws-relay/internal/accounts"
	"github.com/wilsonzlin/aero/proxy/sip-ws-relay/internal/auth"
	"github.com/wilsonzlin/aero/proxy/sip-ws-relay/internal/config"
	"github.com/wilsonzlin/aero/proxy/sip-ws-relay/internal/metrics"
)

// AccountFetcher loads per-account overrides for the client SIP settings.
type AccountFetcher interface {
	Fetch(ctx context.Context, id string) (accounts.Settings, error)
}

type clientConfigResponse struct {
	Janus  janusConfigJSON    `json:"janus"`
	SIP    config.SIPSettings `json:"sip"`
	WebRTC webrtcConfigJSON   `json:"webrtc"`
}

type janusConfigJSON struct {
	URL string `json:"url"`
}

type webrtcConfigJSON struct {
	STUNServers        []string         `json:"stunServers"`
	TURNServers        []turnServerJSON `json:"turnServers"`
	ICETransportPolicy string           `json:"iceTransportPolicy"`
	OpusCodec          config.OpusCodec `json:"opusCodec"`
}

func (s *Server) handleClientConfig(w http.ResponseWriter, r *http.Request) {
	s.deps.Metrics.Inc(metrics.ConfigRequests)

	identity, err := auth.Authenticate(s.deps.Identifier, r)
	if err != nil {
		s.deps.Metrics.Inc(metrics.AuthFailure)
		w.Header().Set("WWW-Authenticate", `Bearer realm="aero-sip-ws-relay"`)
		WriteJSON(w, http.StatusUnauthorized, map[string]any{"error": "unauthorized"})
		return
	}

	sip := s.deps.ClientSettings.SIP
	if s.deps.Accounts != nil && identity != "" {
		acct, err := s.deps.Accounts.Fetch(r.Context(), identity)
		switch {
		case err == nil:
			sip = mergeAccount(sip, acct)
		case errors.Is(err, accounts.ErrNotFound):
			s.log.Debug("account_not_found", "identity", identity)
		default:
			s.log.Warn("account_fetch_failed", "identity", identity, "err", err)
			WriteJSON(w, http.StatusBadGateway, map[string]any{"error": "account service unavailable"})
			return
		}
	}

	stun, turn, err := s.clientICEServers(identity)
	if err != nil {
		s.log.Error("turn_credentials_failed", "err", err)
		WriteJSON(w, http.StatusInternalServerError, map[string]any{"error": "failed to issue TURN credentials"})
		return
	}

	w.Header().Set("Cache-Control", "no-store")
	WriteJSON(w, http.StatusOK, clientConfigResponse{
		Janus: janusConfigJSON{URL: s.cfg.JanusProxyPath},
		SIP:   sip,
		WebRTC: webrtcConfigJSON{
			STUNServers:        stun,
			TURNServers:        turn,
			ICETransportPolicy: s.deps.ClientSettings.WebRTC.ICETransportPolicy,
			OpusCodec:          s.deps.ClientSettings.WebRTC.OpusCodec,
		},
	})
}

// mergeAccount overlays the non-empty account fields on the static defaults.
func mergeAccount(sip config.SIPSettings, acct accounts.Settings) config.SIPSettings {
	set := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	set(&sip.Username, acct.Username)
	set(&sip.Password, acct.Password)
	set(&sip.DisplayName, acct.DisplayName)
	set(&sip.DestinationURI, acct.DestinationURI)
	set(&sip.Server, acct.Server)
	set(&sip.Proxy, acct.Proxy)
	return sip
}
