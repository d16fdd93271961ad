package payerr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for the caller-facing response
type Kind int

const (
	KindInternal Kind = iota
	KindInvalid
	KindAmountTooSmall
	KindUnauthorized
	KindForbidden
	KindNotFound
	KindConflict
	KindNotConfigured
	KindUpstream
)

// StatusCode returns the HTTP status a handler responds with
func (k Kind) StatusCode() int {
	switch k {
	case KindInvalid:
		return http.StatusBadRequest
	case KindAmountTooSmall:
		return http.StatusUnprocessableEntity
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindNotConfigured:
		return http.StatusServiceUnavailable
	case KindUpstream:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (k Kind) String() string {
	switch k {
	case KindInvalid:
		return "invalid"
	case KindAmountTooSmall:
		return "amount_too_small"
	case KindUnauthorized:
		return "unauthorized"
	case KindForbidden:
		return "forbidden"
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindNotConfigured:
		return "not_configured"
	case KindUpstream:
		return "upstream"
	default:
		return "internal"
	}
}

// Error is a domain error carrying a user-facing message.
// Err is the internal cause and is only logged.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

func New(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

func Invalid(format string, args ...any) *Error {
	return New(KindInvalid, fmt.Sprintf(format, args...), nil)
}

func Forbidden() *Error {
	return New(KindForbidden, "forbidden", nil)
}

func NotFound(what string) *Error {
	return New(KindNotFound, what+" not found", nil)
}

func Conflict(format string, args ...any) *Error {
	return New(KindConflict, fmt.Sprintf(format, args...), nil)
}

func NotConfigured(err error) *Error {
	return New(KindNotConfigured, "not configured", err)
}

func Upstream(message string, err error) *Error {
	return New(KindUpstream, message, err)
}

func Internal(err error) *Error {
	return New(KindInternal, "internal error", err)
}

// KindOf returns the Kind of err, or KindInternal for non-domain errors
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// Is reports whether err is a domain error of kind k
func Is(err error, k Kind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == k
}
