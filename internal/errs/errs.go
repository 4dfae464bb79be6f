// Package errs carries the error taxonomy every non-realtime-path function
// wraps its failures in, generalized from the teacher's plain
// fmt.Errorf("...: %w", err) style (devkit.Service, clock.MasterClock.Step)
// into a Kind enum callers can branch on with errors.As.
package errs

import "fmt"

// Kind is one of the five error kinds the engine distinguishes.
type Kind int

const (
	// NoSpace: a ring was full and a message was dropped. The varchunk
	// producer already counts these (Varchunk.Dropped); this Kind exists
	// for the rarer case a caller wants to report it as an error value.
	NoSpace Kind = iota
	// BadType: state restore (or a decoded atom) carried the wrong type
	// for its field; the field is skipped and the caller logs a warning.
	BadType
	// Unsupported: a plugin declared a required feature the engine does
	// not provide; module instantiation fails and the caller replies with
	// an error to the UI.
	Unsupported
	// Unknown: a worker job failed (file not found, preset malformed);
	// state remains at its pre-job value.
	Unknown
	// FatalAlloc: pool allocation failed while adding a module; the
	// module is discarded and the rest of the graph continues running.
	FatalAlloc
)

func (k Kind) String() string {
	switch k {
	case NoSpace:
		return "no-space"
	case BadType:
		return "bad-type"
	case Unsupported:
		return "unsupported"
	case Unknown:
		return "unknown"
	case FatalAlloc:
		return "fatal-alloc"
	default:
		return "unknown-kind"
	}
}

// Error is a Kind-tagged error every non-RT-path function that can fail in
// one of the five taxonomy ways returns, instead of a bare fmt.Errorf
// string, so callers can branch with errors.As rather than substring match.
type Error struct {
	Kind    Kind
	Subject string // module URN, plugin URI, or request path, whichever applies
	Err     error  // wrapped cause, may be nil
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s (%s): %v", e.Kind, e.Subject, e.Err)
	}
	return fmt.Sprintf("%s (%s)", e.Kind, e.Subject)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds a Kind-tagged error with no wrapped cause.
func New(kind Kind, subject string) *Error {
	return &Error{Kind: kind, Subject: subject}
}

// Wrap builds a Kind-tagged error around an existing cause.
func Wrap(kind Kind, subject string, err error) *Error {
	return &Error{Kind: kind, Subject: subject, Err: err}
}
