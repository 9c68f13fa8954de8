package api

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies a failed call for the orchestrator's retry policy.
type Kind int

const (
	// KindFatal is an unclassified permanent server rejection.
	KindFatal Kind = iota
	// KindValidation means the server payload was malformed or missing
	// required fields.
	KindValidation
	// KindAuth means credentials were rejected or a token expired.
	KindAuth
	// KindNetwork is a transient transport failure.
	KindNetwork
	// KindRateLimited means the server asked for backoff (429).
	KindRateLimited
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindAuth:
		return "auth"
	case KindNetwork:
		return "network"
	case KindRateLimited:
		return "rate-limited"
	default:
		return "fatal"
	}
}

// APIError represents a structured error response from the enrollment backend.
// Callers should prefer the predicate functions (IsAuth, IsRetryable, etc.)
// to inspect errors rather than asserting on this type directly.
type APIError struct {
	operation  string
	statusCode int
	message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s: HTTP %d: %s", e.operation, e.statusCode, e.message)
}

func newAPIError(operation string, statusCode int, message string) *APIError {
	return &APIError{
		operation:  operation,
		statusCode: statusCode,
		message:    message,
	}
}

// StatusCode returns the HTTP status code from the response.
func (e *APIError) StatusCode() int { return e.statusCode }

// Message returns the human-readable error message.
func (e *APIError) Message() string { return e.message }

// Operation returns a short description of the API call that failed.
func (e *APIError) Operation() string { return e.operation }

// Kind maps the HTTP status onto the retry taxonomy.
func (e *APIError) Kind() Kind {
	switch {
	case e.statusCode == http.StatusTooManyRequests:
		return KindRateLimited
	case e.statusCode == http.StatusUnauthorized || e.statusCode == http.StatusForbidden:
		return KindAuth
	case e.statusCode >= 500:
		return KindNetwork
	default:
		return KindFatal
	}
}

// ValidationError marks a well-formed HTTP exchange whose body did not carry
// what the endpoint contract requires (e.g. an empty form_prep_token).
type ValidationError struct {
	Operation string
	Detail    string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: unexpected payload: %s", e.Operation, e.Detail)
}

// ErrorOf classifies any error returned by the client into the retry
// taxonomy. Transport-level failures (no HTTP status at all) are network
// errors; malformed payloads are validation errors.
func ErrorOf(err error) Kind {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Kind()
	}
	var valErr *ValidationError
	if errors.As(err, &valErr) {
		return KindValidation
	}
	if err != nil {
		return KindNetwork
	}
	return KindFatal
}

// IsAuth reports whether err is a credential or token rejection.
func IsAuth(err error) bool { return ErrorOf(err) == KindAuth }

// IsRateLimited reports whether the server requested backoff.
func IsRateLimited(err error) bool { return ErrorOf(err) == KindRateLimited }

// IsServerRejection reports whether err carries an HTTP status at all,
// i.e. the exchange completed and the server said no. The captcha solver
// uses this to tell a NoMatch probe from an Indeterminate one.
func IsServerRejection(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr)
}

// HasStatusCode reports whether err is an API error whose HTTP status code matches.
func HasStatusCode(err error, code int) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.statusCode == code
}
