package sipmsg

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/emiago/sipgo/sip"
)

// Summary is the log-friendly identity of a SIP message.
type Summary struct {
	Method string
	Status int
	Reason string
	CallID string
	CSeq   string
}

// IsRequest reports whether the summarized message is a request.
func (s Summary) IsRequest() bool { return s.Method != "" }

func (s Summary) String() string {
	if s.IsRequest() {
		return fmt.Sprintf("%s call-id=%q cseq=%q", s.Method, s.CallID, s.CSeq)
	}
	return fmt.Sprintf("%d %s call-id=%q cseq=%q", s.Status, s.Reason, s.CallID, s.CSeq)
}

// Summarize parses data as a SIP message and extracts the fields used for
// logging. It never modifies data.
func Summarize(data []byte) (Summary, error) {
	msg, err := sip.ParseMessage(data)
	if err != nil {
		return Summary{}, fmt.Errorf("parse sip message: %w", err)
	}

	var s Summary
	switch m := msg.(type) {
	case *sip.Request:
		s.Method = string(m.Method)
	case *sip.Response:
		s.Status = int(m.StatusCode)
		s.Reason = m.Reason
	default:
		return Summary{}, fmt.Errorf("parse sip message: unexpected type %T", msg)
	}
	if h := msg.CallID(); h != nil {
		s.CallID = h.Value()
	}
	if h := msg.CSeq(); h != nil {
		s.CSeq = h.Value()
	}
	return s, nil
}

// StartLine returns the first line of msg without its terminator.
func StartLine(msg string) string {
	if i := strings.IndexByte(msg, '\n'); i >= 0 {
		msg = msg[:i]
	}
	return strings.TrimSuffix(msg, "\r")
}

// IsKeepalive reports whether data is a bare CRLF keepalive (RFC 5626) or
// empty.
func IsKeepalive(data []byte) bool {
	for _, c := range data {
		if c != '\r' && c != '\n' {
			return false
		}
	}
	return true
}

// ValidStartLine reports whether data is UTF-8 text whose first line looks
// like a SIP request line or status line. CRLFs ahead of the start line are
// skipped (RFC 3261 section 7.5).
func ValidStartLine(data []byte) bool {
	if !utf8.Valid(data) {
		return false
	}
	line := StartLine(strings.TrimLeft(string(data), "\r\n"))
	if strings.HasPrefix(line, "SIP/2.0 ") {
		rest := line[len("SIP/2.0 "):]
		if len(rest) < 3 {
			return false
		}
		for i := 0; i < 3; i++ {
			if rest[i] < '0' || rest[i] > '9' {
				return false
			}
		}
		return len(rest) == 3 || rest[3] == ' '
	}
	fields := strings.Fields(line)
	if len(fields) != 3 || fields[2] != "SIP/2.0" {
		return false
	}
	for _, r := range fields[0] {
		if r < 'A' || r > 'Z' {
			return false
		}
	}
	return true
}
