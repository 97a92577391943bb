// Package apierr defines spec.md §7's error taxonomy as sentinel errors
// and maps each one to an HTTP status code in a single table, grounded
// on the teacher's internal/mcp JSON-RPC error-code mapping
// (mcpError.Code): one small lookup from a classification to a wire code,
// rather than status codes scattered across handler bodies.
package apierr

import (
	"errors"
	"net/http"
)

var (
	ErrValidation     = errors.New("validation error")
	ErrAuth           = errors.New("auth error")
	ErrNotFound       = errors.New("not found")
	ErrTimeout        = errors.New("timeout")
	ErrUpstream       = errors.New("upstream error")
	ErrQueueSaturated = errors.New("queue saturated")
	ErrIntegrity      = errors.New("integrity error")
	ErrInternal       = errors.New("internal error")
)

// Error wraps a taxonomy sentinel with a caller-facing message and an
// optional hint, per spec.md §6's "stable short string plus an optional
// hint" requirement.
type Error struct {
	Kind    error
	Message string
	Hint    string
}

func (e *Error) Error() string { return e.Message }
func (e *Error) Unwrap() error { return e.Kind }

func New(kind error, message, hint string) *Error {
	return &Error{Kind: kind, Message: message, Hint: hint}
}

func Validation(message string) *Error { return New(ErrValidation, message, "") }
func Auth(message string) *Error       { return New(ErrAuth, message, "") }
func NotFound(message string) *Error   { return New(ErrNotFound, message, "") }
func Timeout(message string) *Error    { return New(ErrTimeout, message, "") }
func Upstream(message string) *Error   { return New(ErrUpstream, message, "") }
func Saturated(message string) *Error  { return New(ErrQueueSaturated, message, "") }
func Integrity(message string) *Error  { return New(ErrIntegrity, message, "") }
func Internal(message string) *Error   { return New(ErrInternal, message, "") }

// statusTable maps each taxonomy sentinel to its HTTP status, the one
// place this mapping is made so handlers never choose a code directly.
var statusTable = map[error]int{
	ErrValidation:     http.StatusUnprocessableEntity,
	ErrAuth:           http.StatusUnauthorized,
	ErrNotFound:       http.StatusNotFound,
	ErrTimeout:        http.StatusGatewayTimeout,
	ErrUpstream:       http.StatusBadGateway,
	ErrQueueSaturated: http.StatusServiceUnavailable,
	ErrIntegrity:      http.StatusInternalServerError,
	ErrInternal:       http.StatusInternalServerError,
}

// StatusCode resolves an error's HTTP status. Unclassified errors map to
// ErrInternal's code.
func StatusCode(err error) int {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		if code, ok := statusTable[apiErr.Kind]; ok {
			return code
		}
	}
	return statusTable[ErrInternal]
}

// Hint extracts the caller-facing hint, if any.
func Hint(err error) string {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr.Hint
	}
	return ""
}
