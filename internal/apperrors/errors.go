// Package apperrors defines the error taxonomy shared by the scheduler,
// webhook dispatcher, and notification pipeline.
package apperrors

import "fmt"

// Kind classifies an Error so callers can branch on failure category
// without string matching.
type Kind string

const (
	NotFound                Kind = "not_found"
	InvalidSchedule         Kind = "invalid_schedule"
	InvalidPayload          Kind = "invalid_payload"
	RateLimitExceeded       Kind = "rate_limit_exceeded"
	PreferencesBlocked      Kind = "preferences_blocked"
	ProviderNotConfigured   Kind = "provider_not_configured"
	ProviderAuthError       Kind = "provider_auth_error"
	ProviderConnectionError Kind = "provider_connection_error"
	Timeout                 Kind = "timeout"
	Cancelled               Kind = "cancelled"
)

// retryableKinds lists kinds that represent a transient condition worth
// retrying, as opposed to a caller/configuration mistake.
var retryableKinds = map[Kind]bool{
	ProviderConnectionError: true,
	Timeout:                 true,
	RateLimitExceeded:       true,
}

// Error is the application-level error type carried across package
// boundaries in this module.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Retryable reports whether the failure represented by this error is
// transient and worth retrying.
func (e *Error) Retryable() bool {
	return retryableKinds[e.Kind]
}

// New creates an Error of the given kind with a message.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap creates an Error of the given kind wrapping an underlying cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// Is reports whether err is an *Error of the given kind.
func Is(err error, kind Kind) bool {
	if ae, ok := err.(*Error); ok {
		return ae.Kind == kind
	}
	return false
}
