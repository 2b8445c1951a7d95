package research

import (
	"errors"
	"fmt"
)

// Kind classifies a client failure.
type Kind int

const (
	KindUnknown Kind = iota
	// KindUnavailable: the request never got an HTTP answer (dial, timeout, reset).
	KindUnavailable
	// KindBackend: non-2xx status or an unreadable body from start/resume/reset.
	KindBackend
	// KindExport: the backend could not render the report document.
	KindExport
)

func (k Kind) String() string {
	switch k {
	case KindUnavailable:
		return "backend unavailable"
	case KindBackend:
		return "backend error"
	case KindExport:
		return "export error"
	default:
		return "unknown"
	}
}

// Error is returned by every Client operation except for local validation.
type Error struct {
	Kind    Kind
	Op      string
	Status  int
	Message string
	Cause   error
}

func (e *Error) Error() string {
	msg := e.Op + ": " + e.Kind.String()
	if e.Status != 0 {
		msg += fmt.Sprintf(" (%d)", e.Status)
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Cause }

// Is matches the Kind sentinels so callers can write errors.Is(err, ErrExport).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Op == "" && t.Kind == e.Kind
}

var (
	ErrBackendUnavailable = &Error{Kind: KindUnavailable}
	ErrBackendError       = &Error{Kind: KindBackend}
	ErrExport             = &Error{Kind: KindExport}
)

// ValidationError rejects input locally; no request is sent.
type ValidationError struct {
	Field string
}

func (e *ValidationError) Error() string {
	return e.Field + " is required"
}

// IsValidation reports whether err is a local validation failure.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
