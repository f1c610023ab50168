package relay

import (
	"errors"
	"fmt"
)

var (
	ErrTooManySessions = errors.New("too many sessions")
	// ErrSessionAlreadyActive is returned when a session is registered under an
	// identity that already has a live session.
	ErrSessionAlreadyActive = errors.New("session already active")
	ErrSessionClosed        = errors.New("session closed")
)

// Kind classifies relay failures.
type Kind int

const (
	KindUnknown Kind = iota
	// KindBind: the per-connection UDP socket could not be created. Fatal to
	// that connection only.
	KindBind
	// KindResolve: the upstream SIP server address could not be resolved.
	KindResolve
	// KindSend: a datagram could not be sent. The message is lost and the
	// session continues.
	KindSend
	// KindDecode: an inbound datagram is not valid SIP text. It is dropped.
	KindDecode
	// KindRewrite: headers could not be rewritten because the local address
	// is unusable. The message is dropped.
	KindRewrite
)

func (k Kind) String() string {
	switch k {
	case KindBind:
		return "bind"
	case KindResolve:
		return "resolve"
	case KindSend:
		return "send"
	case KindDecode:
		return "decode"
	case KindRewrite:
		return "rewrite"
	default:
		return "unknown"
	}
}

// Error is a classified relay failure.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s failed", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func newError(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf returns the Kind of the first *Error in err's chain, or KindUnknown.
func KindOf(err error) Kind {
	var re *Error
	if errors.As(err, &re) {
		return re.Kind
	}
	return KindUnknown
}
