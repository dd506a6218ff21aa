package relay

import (
	"errors"
	"net/http"
)

type Kind string

const (
	Unauthorized     Kind = "unauthorized"
	CsrfMismatch     Kind = "csrf_mismatch"
	RateLimited      Kind = "rate_limited"
	EmptyInput       Kind = "empty_input"
	InvalidContent   Kind = "invalid_content"
	PersistenceError Kind = "persistence_error"
	ProviderError    Kind = "provider_error"
	Busy             Kind = "busy"
)

func (k Kind) HTTPStatus() int {
	switch k {
	case Unauthorized:
		return http.StatusUnauthorized
	case CsrfMismatch:
		return http.StatusForbidden
	case RateLimited:
		return http.StatusTooManyRequests
	case EmptyInput, InvalidContent:
		return http.StatusBadRequest
	case ProviderError:
		return http.StatusServiceUnavailable
	case Busy:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// Error is a relay failure. Message is what the end user sees.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return string(e.Kind) + ": " + e.Message + ": " + e.Err.Error()
	}
	return string(e.Kind) + ": " + e.Message
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

// KindOf returns the relay kind carried by err, or PersistenceError for
// anything else.
func KindOf(err error) Kind {
	var rerr *Error
	if errors.As(err, &rerr) {
		return rerr.Kind
	}
	return PersistenceError
}

func newError(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Message: msg, Err: err}
}
