// Package errs defines the error taxonomy observable at the system boundary:
// configuration, transport, protocol, authentication, and resource errors.
package errs

import "errors"

// Kind classifies an error for logging and for deciding how the caller
// should react (reconnect, drop the connection, exit the process).
type Kind int

const (
	// KindConfig marks a malformed or semantically invalid configuration.
	KindConfig Kind = iota
	// KindTransport marks an I/O failure on a transport stream.
	KindTransport
	// KindProtocol marks a framing or message-sequencing violation.
	KindProtocol
	// KindAuth marks a failed handshake or authentication attempt.
	KindAuth
	// KindResource marks queue overflow or resource exhaustion.
	KindResource
)

func (k Kind) String() string {
	switch k {
	case KindConfig:
		return "config"
	case KindTransport:
		return "transport"
	case KindProtocol:
		return "protocol"
	case KindAuth:
		return "auth"
	case KindResource:
		return "resource"
	default:
		return "unknown"
	}
}

// Error wraps an underlying error with a Kind so callers can use errors.As
// to decide on recovery behavior without string matching.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return e.Kind.String() + ": " + e.Err.Error()
	}
	return e.Kind.String() + ": " + e.Op + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is an *Error with the same Kind, allowing
// errors.Is(err, errs.Config) style checks.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Kind == t.Kind
	}
	return false
}

func newKind(kind Kind) error { return &Error{Kind: kind, Err: errors.New(kind.String())} }

// Sentinel kind markers for use with errors.Is.
var (
	Config    = newKind(KindConfig)
	Transport = newKind(KindTransport)
	Protocol  = newKind(KindProtocol)
	Auth      = newKind(KindAuth)
	Resource  = newKind(KindResource)
)

// Configf builds a KindConfig error.
func Configf(op string, err error) error { return &Error{Kind: KindConfig, Op: op, Err: err} }

// Transportf builds a KindTransport error.
func Transportf(op string, err error) error { return &Error{Kind: KindTransport, Op: op, Err: err} }

// Protocolf builds a KindProtocol error.
func Protocolf(op string, err error) error { return &Error{Kind: KindProtocol, Op: op, Err: err} }

// Authf builds a KindAuth error.
func Authf(op string, err error) error { return &Error{Kind: KindAuth, Op: op, Err: err} }

// Resourcef builds a KindResource error.
func Resourcef(op string, err error) error { return &Error{Kind: KindResource, Op: op, Err: err} }

// Of reports the Kind of err, or false if err does not carry one.
func Of(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return 0, false
}
