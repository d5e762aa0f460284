// Package faults defines the error taxonomy shared by all components.
//
// Every component returns errors classified by Kind; the HTTP boundary maps
// kinds to caller-facing outcomes. Classification survives wrapping with
// fmt.Errorf("%w", ...) and can be queried with KindOf or errors.Is against
// the kind sentinels.
package faults

import (
	"errors"
	"fmt"
)

type Kind int

const (
	// KindUnknown is the zero value for errors that carry no classification.
	KindUnknown Kind = iota
	// KindTransient covers infrastructure blips (daemon busy, network reset)
	// that are safe to retry with bounded backoff.
	KindTransient
	// KindPermanent covers configuration errors (missing image, invalid
	// provider setup) that must not be retried.
	KindPermanent
	// KindProtocol covers unparseable or unexpected output from an
	// interactive program or remote provider.
	KindProtocol
	// KindUserTimeout means the user did not act within the allowed window;
	// the operation may still complete in the background.
	KindUserTimeout
	// KindConflict means another operation is already in flight for the same
	// key; the caller is rejected synchronously, never queued.
	KindConflict
	// KindNotFound means the requested session, credential or container does
	// not exist.
	KindNotFound
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindPermanent:
		return "permanent"
	case KindProtocol:
		return "protocol"
	case KindUserTimeout:
		return "user_timeout"
	case KindConflict:
		return "conflict"
	case KindNotFound:
		return "not_found"
	default:
		return "unknown"
	}
}

// Error is a classified error. Raw optionally carries the verbatim program
// output that triggered a protocol violation, so it is never swallowed.
type Error struct {
	Kind Kind
	Msg  string
	Raw  string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Err != nil && e.Msg != "":
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	case e.Err != nil:
		return e.Err.Error()
	default:
		return e.Msg
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Is lets errors.Is(err, faults.Conflict) style checks match by kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Msg == "" && t.Err == nil && t.Kind == e.Kind
}

// Kind sentinels for errors.Is.
var (
	Transient   = &Error{Kind: KindTransient}
	Permanent   = &Error{Kind: KindPermanent}
	Protocol    = &Error{Kind: KindProtocol}
	UserTimeout = &Error{Kind: KindUserTimeout}
	Conflict    = &Error{Kind: KindConflict}
	NotFound    = &Error{Kind: KindNotFound}
)

func New(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

func Wrap(kind Kind, err error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Err: err}
}

// Protocolf builds a protocol-violation error carrying the raw output.
func Protocolf(raw string, format string, args ...interface{}) *Error {
	return &Error{Kind: KindProtocol, Msg: fmt.Sprintf(format, args...), Raw: raw}
}

// KindOf walks the error chain and returns the first classification found.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// RawOutput returns the captured program output attached to err, if any.
func RawOutput(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Raw
	}
	return ""
}
