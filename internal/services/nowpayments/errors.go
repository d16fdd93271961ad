package nowpayments

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
)

// ErrorCategory is the gateway failure class, decided once at the client boundary
type ErrorCategory int

const (
	CategoryUnavailable ErrorCategory = iota
	CategoryAmountTooSmall
	CategoryBadRequest
	CategoryUnauthorized
	CategoryNotFound
	CategoryRateLimited
	CategoryTimeout
)

func (c ErrorCategory) String() string {
	switch c {
	case CategoryAmountTooSmall:
		return "amount_too_small"
	case CategoryBadRequest:
		return "bad_request"
	case CategoryUnauthorized:
		return "unauthorized"
	case CategoryNotFound:
		return "not_found"
	case CategoryRateLimited:
		return "rate_limited"
	case CategoryTimeout:
		return "timeout"
	default:
		return "unavailable"
	}
}

// Rejected reports whether the gateway definitely refused the request.
// Timeouts, 5xx and unreadable responses may hide an accepted request.
func (c ErrorCategory) Rejected() bool {
	switch c {
	case CategoryAmountTooSmall, CategoryBadRequest, CategoryUnauthorized, CategoryNotFound, CategoryRateLimited:
		return true
	}
	return false
}

// APIError is returned by every Client call that fails
type APIError struct {
	Category   ErrorCategory
	StatusCode int
	Code       string
	Message    string
	Err        error
}

func (e *APIError) Error() string {
	msg := fmt.Sprintf("nowpayments %s", e.Category)
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (%d)", e.StatusCode)
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *APIError) Unwrap() error { return e.Err }

// CategoryOf returns the category of a client error, CategoryUnavailable otherwise
func CategoryOf(err error) ErrorCategory {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Category
	}
	return CategoryUnavailable
}

// errorBody is the gateway's JSON error envelope
type errorBody struct {
	StatusCode int    `json:"statusCode"`
	Code       string `json:"code"`
	Message    string `json:"message"`
}

func classifyStatus(status int, body errorBody) ErrorCategory {
	lowered := strings.ToLower(body.Message)
	switch {
	case body.Code == "AMOUNT_MINIMAL_ERROR",
		strings.Contains(lowered, "too small"),
		strings.Contains(lowered, "less than minimal"):
		return CategoryAmountTooSmall
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return CategoryUnauthorized
	case status == http.StatusNotFound:
		return CategoryNotFound
	case status == http.StatusTooManyRequests:
		return CategoryRateLimited
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return CategoryTimeout
	case status >= 400 && status < 500:
		return CategoryBadRequest
	default:
		return CategoryUnavailable
	}
}

func classifyTransport(err error) *APIError {
	category := CategoryUnavailable
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		category = CategoryTimeout
	}
	return &APIError{Category: category, Err: err}
}
