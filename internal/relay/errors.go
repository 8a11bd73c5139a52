package relay

import (
	"errors"
	"fmt"
)

// Error kinds the orchestrator and HTTP layer match on. Callers branch on
// Kind, never on message text.
const (
	KindValidation    = "validation"
	KindUnauthorized  = "unauthorized"
	KindNotFound      = "not_found"
	KindConflict      = "conflict"
	KindRateLimited   = "rate_limited"
	KindStoreDegraded = "store_degraded"
	KindTimedOut      = "timed_out"
)

// Error is a typed relay failure.
type Error struct {
	Kind string
	Msg  string
}

func (e *Error) Error() string {
	return e.Msg
}

func errf(kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// ErrKind extracts the relay error kind from err, or "" when err is not a
// relay error.
func ErrKind(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}
