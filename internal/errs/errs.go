// Package errs defines the gateway's error-kind taxonomy.
//
// Every error that crosses a component boundary is wrapped in a *Error
// carrying one of the Kind values below, so callers (and eventually the HTTP
// adapter) can switch on kind without parsing error strings.
package errs

import "fmt"

// Kind classifies why an operation failed.
type Kind string

const (
	Unavailable      Kind = "unavailable"       // no usable session to the device
	Timeout          Kind = "timeout"           // command exceeded its deadline
	DeadlineExceeded Kind = "deadline_exceeded" // an orchestration's overall deadline expired
	Framing          Kind = "framing"           // parse of a device reply failed
	NotFound         Kind = "not_found"         // named entity absent
	InvalidArgument  Kind = "invalid_argument"  // local validation failed, no wire traffic
	Conflict         Kind = "conflict"          // reconnect in progress / mutex held past timeout
)

// Error is the concrete error type threaded through the core.
type Error struct {
	Kind    Kind
	Op      string // operation that failed, e.g. "mrad.Volume"
	Message string
	Err     error // optional wrapped cause
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// New constructs an *Error with no wrapped cause.
func New(kind Kind, op, message string) *Error {
	return &Error{Kind: kind, Op: op, Message: message}
}

// Wrap constructs an *Error that wraps an underlying cause.
func Wrap(kind Kind, op, message string, err error) *Error {
	return &Error{Kind: kind, Op: op, Message: message, Err: err}
}

// KindOf extracts the Kind from err, or "" if err is nil or not an *Error.
func KindOf(err error) Kind {
	var e *Error
	if err == nil {
		return ""
	}
	if ae, ok := err.(*Error); ok {
		return ae.Kind
	}
	_ = e
	return ""
}
