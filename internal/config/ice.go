package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/pion/stun/v3"
	"github.com/pion/webrtc/v4"
)

const (
	envICEServersJSON = "AERO_SIP_RELAY_ICE_SERVERS_JSON"

	envStunURLs       = "AERO_SIP_RELAY_STUN_URLS"
	envTurnURLs       = "AERO_SIP_RELAY_TURN_URLS"
	envTurnUsername   = "AERO_SIP_RELAY_TURN_USERNAME"
	envTurnCredential = "AERO_SIP_RELAY_TURN_CREDENTIAL"
)

// DefaultSTUNURL is advertised to browsers when no ICE servers are configured.
const DefaultSTUNURL = "stun:stun.l.google.com:19302"

// iceSettings are the raw ICE server settings. The JSON list wins over the
// comma-separated convenience values.
type iceSettings struct {
	json           string
	stunURLs       string
	turnURLs       string
	turnUsername   string
	turnCredential string
}

// servers resolves the settings into the list handed to browsers. When TURN
// REST is enabled, TURN entries may omit credentials because they are minted
// per /api/config request.
func (s iceSettings) servers(turnRESTEnabled bool) ([]webrtc.ICEServer, error) {
	if raw := strings.TrimSpace(s.json); raw != "" {
		servers, err := ParseICEServersJSON(raw, turnRESTEnabled)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", envICEServersJSON, err)
		}
		return servers, nil
	}

	servers, err := ParseICEServersFromConvenienceEnv(s.stunURLs, s.turnURLs, s.turnUsername, s.turnCredential, turnRESTEnabled)
	if err != nil {
		return nil, err
	}
	if len(servers) == 0 {
		servers = []webrtc.ICEServer{{URLs: []string{DefaultSTUNURL}}}
	}
	return servers, nil
}

// urlList accepts RTCIceServer.urls as either a string or an array.
type urlList []string

func (l *urlList) UnmarshalJSON(b []byte) error {
	var one string
	if err := json.Unmarshal(b, &one); err == nil {
		*l = splitCommaSeparated(one)
		return nil
	}
	var many []string
	if err := json.Unmarshal(b, &many); err != nil {
		return errors.New("urls must be a string or an array of strings")
	}
	*l = splitCommaSeparated(strings.Join(many, ","))
	return nil
}

// ParseICEServersJSON parses a JSON array of RTCIceServer objects.
func ParseICEServersJSON(raw string, allowTURNWithoutCredentials bool) ([]webrtc.ICEServer, error) {
	var entries []struct {
		URLs       urlList `json:"urls"`
		Username   string  `json:"username"`
		Credential string  `json:"credential"`
	}
	if err := json.Unmarshal([]byte(raw), &entries); err != nil {
		return nil, err
	}

	out := make([]webrtc.ICEServer, 0, len(entries))
	for i, e := range entries {
		server, err := newICEServer(e.URLs, e.Username, e.Credential, allowTURNWithoutCredentials)
		if err != nil {
			return nil, fmt.Errorf("iceServers[%d]: %w", i, err)
		}
		out = append(out, server)
	}
	return out, nil
}

// ParseICEServersFromConvenienceEnv builds at most one STUN and one TURN
// entry from comma-separated URL lists.
func ParseICEServersFromConvenienceEnv(stunURLs, turnURLs, turnUsername, turnCredential string, allowTURNWithoutCredentials bool) ([]webrtc.ICEServer, error) {
	var servers []webrtc.ICEServer

	if urls := splitCommaSeparated(stunURLs); len(urls) > 0 {
		server, err := newICEServer(urls, "", "", false)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", envStunURLs, err)
		}
		if IsTURNServer(server) {
			return nil, fmt.Errorf("%s: TURN urls belong in %s", envStunURLs, envTurnURLs)
		}
		servers = append(servers, server)
	}

	if urls := splitCommaSeparated(turnURLs); len(urls) > 0 {
		user, cred := strings.TrimSpace(turnUsername), strings.TrimSpace(turnCredential)
		if !allowTURNWithoutCredentials && (user == "" || cred == "") {
			return nil, fmt.Errorf("%s/%s: both must be set when %s is set", envTurnUsername, envTurnCredential, envTurnURLs)
		}
		server, err := newICEServer(urls, user, cred, allowTURNWithoutCredentials)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", envTurnURLs, err)
		}
		servers = append(servers, server)
	}

	return servers, nil
}

// newICEServer validates every URL with pion's STUN/TURN URI parser
// (RFC 7064, RFC 7065).
func newICEServer(urls []string, username, credential string, allowTURNWithoutCredentials bool) (webrtc.ICEServer, error) {
	if len(urls) == 0 {
		return webrtc.ICEServer{}, errors.New("missing urls")
	}

	turn := false
	for _, raw := range urls {
		uri, err := stun.ParseURI(raw)
		if err != nil {
			return webrtc.ICEServer{}, fmt.Errorf("invalid ice url %q: %w", raw, err)
		}
		turn = turn || isTURNScheme(uri.Scheme)
	}

	server := webrtc.ICEServer{URLs: urls, Username: strings.TrimSpace(username)}
	if strings.TrimSpace(credential) != "" {
		server.Credential = credential
	}
	if turn && !allowTURNWithoutCredentials {
		if server.Username == "" {
			return webrtc.ICEServer{}, errors.New("turn urls require username")
		}
		if server.Credential == nil {
			return webrtc.ICEServer{}, errors.New("turn urls require credential")
		}
	}
	return server, nil
}

// IsTURNServer reports whether any of the server's URLs is a TURN URL.
func IsTURNServer(server webrtc.ICEServer) bool {
	for _, raw := range server.URLs {
		if uri, err := stun.ParseURI(strings.TrimSpace(raw)); err == nil && isTURNScheme(uri.Scheme) {
			return true
		}
	}
	return false
}

func isTURNScheme(s stun.SchemeType) bool {
	return s == stun.SchemeTypeTURN || s == stun.SchemeTypeTURNS
}

func splitCommaSeparated(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
