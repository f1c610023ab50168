package sipmsg

import (
	"net"
	"strconv"
	"strings"
)

// DatagramTransport is the transport token written into rewritten headers.
const DatagramTransport = "UDP"

// Rewrite replaces the WebSocket transport references in the Via and Contact
// headers of msg with the datagram transport and host:port.
//
// Only the header section is examined (up to the first empty line). Every
// other byte of msg, including line terminators and the body, is preserved.
// If nothing matches, msg is returned unchanged.
func Rewrite(msg, host string, port uint16) string {
	out, _ := RewriteCount(msg, host, port)
	return out
}

// RewriteCount is like Rewrite but also reports how many header lines were
// changed.
func RewriteCount(msg, host string, port uint16) (string, int) {
	if host == "" || port == 0 {
		return msg, 0
	}
	hostport := net.JoinHostPort(host, strconv.Itoa(int(port)))

	var b strings.Builder
	changed := 0
	copied := 0

	for pos, lineNo := 0, 0; pos < len(msg); lineNo++ {
		next := len(msg)
		line := msg[pos:]
		if i := strings.IndexByte(line, '\n'); i >= 0 {
			line = line[:i]
			next = pos + i + 1
		}
		line = strings.TrimSuffix(line, "\r")
		if line == "" {
			// End of headers.
			break
		}

		// Line 0 is the start line.
		if lineNo > 0 {
			if replaced, ok := rewriteHeaderLine(line, hostport); ok {
				if changed == 0 {
					b.Grow(len(msg) + 64)
				}
				b.WriteString(msg[copied:pos])
				b.WriteString(replaced)
				copied = pos + len(line)
				changed++
			}
		}
		pos = next
	}

	if changed == 0 {
		return msg, 0
	}
	b.WriteString(msg[copied:])
	return b.String(), changed
}

func rewriteHeaderLine(line, hostport string) (string, bool) {
	colon := strings.IndexByte(line, ':')
	if colon <= 0 {
		return "", false
	}
	// Folded continuation lines start with whitespace and never match here.
	name := strings.TrimRight(line[:colon], " \t")
	value := line[colon+1:]

	var (
		out string
		ok  bool
	)
	switch {
	case strings.EqualFold(name, "Via"), strings.EqualFold(name, "v"):
		out, ok = rewriteVia(value, hostport)
	case strings.EqualFold(name, "Contact"), strings.EqualFold(name, "m"):
		out, ok = rewriteContact(value, hostport)
	}
	if !ok {
		return "", false
	}
	return line[:colon+1] + out, true
}

// rewriteVia rewrites each comma separated via-parm that uses a WebSocket
// transport.
func rewriteVia(value, hostport string) (string, bool) {
	parts := strings.Split(value, ",")
	changed := false
	for i, p := range parts {
		if np, ok := rewriteViaParm(p, hostport); ok {
			parts[i] = np
			changed = true
		}
	}
	if !changed {
		return value, false
	}
	return strings.Join(parts, ","), true
}

// rewriteViaParm handles one "SIP/2.0/WS sent-by;params" element.
func rewriteViaParm(p, hostport string) (string, bool) {
	lead := 0
	for lead < len(p) && isLWS(p[lead]) {
		lead++
	}
	rest := p[lead:]

	protoEnd := strings.IndexAny(rest, " \t")
	if protoEnd <= 0 {
		return "", false
	}
	proto := rest[:protoEnd]
	transport, ok := wsTransportOf(proto)
	if !ok {
		return "", false
	}

	sentBy := protoEnd
	for sentBy < len(rest) && isLWS(rest[sentBy]) {
		sentBy++
	}
	sentByEnd := sentBy
	for sentByEnd < len(rest) && rest[sentByEnd] != ';' && !isLWS(rest[sentByEnd]) {
		sentByEnd++
	}
	if sentByEnd == sentBy {
		return "", false
	}

	var b strings.Builder
	b.Grow(len(p) + len(hostport))
	b.WriteString(p[:lead])
	b.WriteString(proto[:len(proto)-len(transport)])
	b.WriteString(DatagramTransport)
	b.WriteString(rest[protoEnd:sentBy])
	b.WriteString(hostport)
	b.WriteString(rest[sentByEnd:])
	return b.String(), true
}

// wsTransportOf returns the transport token of a "SIP/2.0/<transport>"
// sent-protocol when the transport is WS or WSS.
func wsTransportOf(proto string) (string, bool) {
	name, rest, ok := strings.Cut(proto, "/")
	if !ok || !strings.EqualFold(name, "SIP") {
		return "", false
	}
	version, transport, ok := strings.Cut(rest, "/")
	if !ok || version != "2.0" {
		return "", false
	}
	if !IsWebSocketTransport(transport) {
		return "", false
	}
	return transport, true
}

// IsWebSocketTransport reports whether token names the SIP WebSocket
// transport (RFC 7118), case-insensitively.
func IsWebSocketTransport(token string) bool {
	return strings.EqualFold(token, "WS") || strings.EqualFold(token, "WSS")
}

// rewriteContact rewrites every <sip:user@host;transport=ws> name-addr of a
// Contact value. Quoted strings are skipped so header parameters like
// +sip.instance="<urn:uuid:...>" are never mistaken for an address.
func rewriteContact(value, hostport string) (string, bool) {
	var b strings.Builder
	copied := 0
	changed := false
	inQuote := false

	for i := 0; i < len(value); i++ {
		c := value[i]
		switch {
		case inQuote:
			if c == '\\' {
				i++
			} else if c == '"' {
				inQuote = false
			}
		case c == '"':
			inQuote = true
		case c == '<':
			end := strings.IndexByte(value[i+1:], '>')
			if end < 0 {
				return value, false
			}
			uri := value[i+1 : i+1+end]
			if nu, ok := rewriteContactURI(uri, hostport); ok {
				b.WriteString(value[copied : i+1])
				b.WriteString(nu)
				copied = i + 1 + end
				changed = true
			}
			i += end
		}
	}
	if inQuote || !changed {
		return value, false
	}
	b.WriteString(value[copied:])
	return b.String(), true
}

func rewriteContactURI(uri, hostport string) (string, bool) {
	const scheme = "sip:"
	if len(uri) <= len(scheme) || !strings.EqualFold(uri[:len(scheme)], scheme) {
		return "", false
	}
	rest := uri[len(scheme):]

	at := strings.IndexByte(rest, '@')
	if at <= 0 {
		return "", false
	}
	user := rest[:at]
	afterUser := rest[at+1:]

	paramsStart := strings.IndexAny(afterUser, ";?")
	if paramsStart <= 0 || afterUser[paramsStart] != ';' {
		return "", false
	}
	params := afterUser[paramsStart:]
	headers := ""
	if q := strings.IndexByte(params, '?'); q >= 0 {
		params, headers = params[:q], params[q:]
	}

	newParams, ok := rewriteTransportParam(params)
	if !ok {
		return "", false
	}
	return uri[:len(scheme)] + user + "@" + hostport + newParams + headers, true
}

// rewriteTransportParam replaces transport=ws|wss in a ";a=b;c" parameter
// list with transport=udp.
func rewriteTransportParam(params string) (string, bool) {
	list := strings.Split(params, ";")
	changed := false
	for i, p := range list {
		name, value, ok := strings.Cut(p, "=")
		if !ok || !strings.EqualFold(strings.TrimSpace(name), "transport") {
			continue
		}
		if !IsWebSocketTransport(strings.TrimSpace(value)) {
			continue
		}
		list[i] = name + "=" + strings.ToLower(DatagramTransport)
		changed = true
	}
	if !changed {
		return params, false
	}
	return strings.Join(list, ";"), true
}

func isLWS(c byte) bool {
	return c == ' ' || c == '\t'
}
