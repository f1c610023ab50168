// Package origin implements the browser Origin policy shared by the SIP
// WebSocket listener and the HTTP API (CORS).
package origin

import (
	"net/url"
	"strconv"
	"strings"
)

// Policy decides which browser origins may talk to the relay.
//
// With an empty allow list only same-host origins are accepted. "*" accepts
// every origin.
type Policy struct {
	allowed  map[string]struct{}
	wildcard bool
}

// NewPolicy builds a Policy from normalized origins (see NormalizeHeader) or
// "*".
func NewPolicy(allowedOrigins []string) Policy {
	p := Policy{allowed: make(map[string]struct{}, len(allowedOrigins))}
	for _, o := range allowedOrigins {
		if o == "*" {
			p.wildcard = true
			continue
		}
		p.allowed[o] = struct{}{}
	}
	return p
}

// AllowsAny reports whether the policy accepts every origin.
func (p Policy) AllowsAny() bool { return p.wildcard }

// Check reports whether a request carrying originHeader and addressed to
// requestHost is allowed. Requests without an Origin header (non-browser
// clients) are always allowed. The normalized origin is returned for
// reflecting in CORS responses.
func (p Policy) Check(originHeader, requestHost string) (string, bool) {
	if strings.TrimSpace(originHeader) == "" {
		return "", true
	}
	normalized, originHost, ok := NormalizeHeader(originHeader)
	if !ok {
		return "", false
	}
	if p.wildcard {
		return normalized, true
	}
	if len(p.allowed) > 0 {
		_, ok := p.allowed[normalized]
		return normalized, ok
	}

	// Same host:port. The scheme is not compared because TLS may terminate at
	// a reverse proxy in front of the relay.
	scheme, _, found := strings.Cut(normalized, "://")
	if !found {
		// "null" never matches a host.
		return normalized, false
	}
	reqHost, ok := canonicalAuthority(strings.TrimSpace(requestHost), scheme)
	return normalized, ok && reqHost == originHost
}

// NormalizeHeader validates and normalizes a browser Origin header.
//
// It returns the normalized origin (scheme://host[:port], default ports
// dropped) and the host[:port] portion. The special value "null" is returned
// as-is.
func NormalizeHeader(originHeader string) (normalizedOrigin string, host string, ok bool) {
	trimmed := strings.TrimSpace(originHeader)
	if trimmed == "" {
		return "", "", false
	}
	if trimmed == "null" {
		return "null", "", true
	}

	u, err := url.Parse(trimmed)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "", "", false
	}
	if u.User != nil || u.RawQuery != "" || u.Fragment != "" || (u.Path != "" && u.Path != "/") {
		return "", "", false
	}

	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", "", false
	}

	host, ok = canonicalAuthority(u.Host, scheme)
	if !ok {
		return "", "", false
	}
	return scheme + "://" + host, host, true
}

// canonicalAuthority lowercases host[:port], brackets IPv6 literals and drops
// the scheme's default port.
func canonicalAuthority(authority, scheme string) (string, bool) {
	hostname, rawPort, ok := splitHostPort(strings.ToLower(authority))
	if !ok || hostname == "" {
		return "", false
	}

	var port uint64
	if rawPort != "" {
		n, err := strconv.ParseUint(rawPort, 10, 16)
		if err != nil || n == 0 {
			return "", false
		}
		port = n
	}
	if (scheme == "http" && port == 80) || (scheme == "https" && port == 443) {
		port = 0
	}

	host := hostname
	if strings.Contains(hostname, ":") {
		host = "[" + hostname + "]"
	}
	if port != 0 {
		host += ":" + strconv.FormatUint(port, 10)
	}
	return host, true
}

// splitHostPort splits an authority host[:port]. IPv6 hostnames are returned
// without brackets; the port is not validated.
func splitHostPort(rawHost string) (hostname, port string, ok bool) {
	if rawHost == "" {
		return "", "", false
	}

	if strings.HasPrefix(rawHost, "[") {
		end := strings.IndexByte(rawHost, ']')
		if end < 0 {
			return "", "", false
		}
		hostname, rest := rawHost[1:end], rawHost[end+1:]
		if rest == "" {
			return hostname, "", true
		}
		if len(rest) < 2 || rest[0] != ':' {
			return "", "", false
		}
		return hostname, rest[1:], true
	}

	switch strings.Count(rawHost, ":") {
	case 0:
		return rawHost, "", true
	case 1:
		hostname, port, _ = strings.Cut(rawHost, ":")
		if hostname == "" || port == "" {
			return "", "", false
		}
		return hostname, port, true
	default:
		// Unbracketed IPv6 literals are not valid in an authority.
		return "", "", false
	}
}
