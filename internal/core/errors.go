package core

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorKind is the categorical error taxonomy. Components raise typed errors;
// the HTTP layer maps kinds to status codes. Kinds, not messages, drive retry
// and breaker decisions.
type ErrorKind string

const (
	KindContentPolicy ErrorKind = "content_policy_violation"
	KindValidation    ErrorKind = "validation_error"
	KindAuth          ErrorKind = "auth_error"
	KindRateLimit     ErrorKind = "rate_limit_exceeded"
	KindBudget        ErrorKind = "budget_exceeded"
	KindProvider      ErrorKind = "provider_error"
	KindBreakerOpen   ErrorKind = "breaker_open"
	KindStorage       ErrorKind = "storage_error"
	KindVector        ErrorKind = "vector_error"
	KindCache         ErrorKind = "cache_error"
	KindJobNotFound   ErrorKind = "job_not_found"
	KindNotFound      ErrorKind = "not_found"
	KindJobTerminal   ErrorKind = "job_terminal"
	KindSecurity      ErrorKind = "security_threat"
	KindGuardrails    ErrorKind = "guardrails_validation_error"
	KindImageGen      ErrorKind = "image_generation_error"
	KindInternal      ErrorKind = "internal_error"
)

// Error is the typed error carried through the pipelines.
type Error struct {
	Kind    ErrorKind
	Message string
	// RetryAfter, when positive, is surfaced as a Retry-After header
	// (seconds). Set for rate-limit and budget errors.
	RetryAfter int
	// Fields holds field-level validation detail.
	Fields map[string]string
	// Ref points at related evidence, e.g. a quarantine key for threats.
	Ref   string
	cause error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// NewError builds a typed error with an optional wrapped cause.
func NewError(kind ErrorKind, msg string, cause error) *Error {
	return &Error{Kind: kind, Message: msg, cause: cause}
}

// Errorf builds a typed error with a formatted message.
func Errorf(kind ErrorKind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// KindOf extracts the error kind, defaulting to internal for untyped errors.
func KindOf(err error) ErrorKind {
	var te *Error
	if errors.As(err, &te) {
		return te.Kind
	}
	return KindInternal
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind ErrorKind) bool {
	return KindOf(err) == kind
}

// HTTPStatus maps an error kind to its response status.
func (k ErrorKind) HTTPStatus() int {
	switch k {
	case KindContentPolicy, KindJobTerminal, KindSecurity:
		return http.StatusBadRequest
	case KindValidation, KindGuardrails:
		return http.StatusUnprocessableEntity
	case KindAuth:
		return http.StatusUnauthorized
	case KindRateLimit, KindBudget:
		return http.StatusTooManyRequests
	case KindProvider, KindImageGen:
		return http.StatusBadGateway
	case KindBreakerOpen:
		return http.StatusServiceUnavailable
	case KindJobNotFound, KindNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// Retryable reports whether the kind may be retried against the provider.
// Only upstream provider failures qualify; validation and policy errors must
// never be replayed.
func (k ErrorKind) Retryable() bool {
	return k == KindProvider
}
