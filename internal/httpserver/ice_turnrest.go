package httpserver

import (
	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/sip-ws-relay/internal/config"
	"github.com/wilsonzlin/aero/proxy/sip-ws-relay/internal/metrics"
)

type turnServerJSON struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username,omitempty"`
	Credential string   `json:"credential,omitempty"`
}

// clientICEServers mints TURN REST credentials for identity when enabled and
// splits the result into the STUN URL list and TURN server objects the
// softphone expects.
func (s *Server) clientICEServers(identity string) (stun []string, turn []turnServerJSON, err error) {
	servers := s.cfg.ICEServers
	if s.deps.TURN != nil && hasTURN(servers) {
		creds, err := s.deps.TURN.GenerateFor(identity)
		if err != nil {
			return nil, nil, err
		}
		servers = creds.Apply(servers)
		s.deps.Metrics.Inc(metrics.TURNCredentialsIssued)
	}

	stun = []string{}
	turn = []turnServerJSON{}
	for _, server := range servers {
		if !config.IsTURNServer(server) {
			stun = append(stun, server.URLs...)
			continue
		}
		entry := turnServerJSON{URLs: server.URLs, Username: server.Username}
		if cred, ok := server.Credential.(string); ok {
			entry.Credential = cred
		}
		turn = append(turn, entry)
	}
	return stun, turn, nil
}

func hasTURN(servers []webrtc.ICEServer) bool {
	for _, server := range servers {
		if config.IsTURNServer(server) {
			return true
		}
	}
	return false
}
