// Package apperrors provides the typed error kinds shared by the HTTP layer
// and the orchestrator's error classifier.
package apperrors

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind enumerates the error kinds distinguished in spec.md §7.
type Kind string

const (
	KindNotFound      Kind = "NOT_FOUND"
	KindInvalid       Kind = "INVALID"
	KindForbidden     Kind = "FORBIDDEN"
	KindLimitExceeded Kind = "LIMIT_EXCEEDED"
	KindConflict      Kind = "CONFLICT" // optimistic-lock miss
	KindInternal      Kind = "INTERNAL"
	KindUnavailable   Kind = "SERVICE_UNAVAILABLE"
)

// AppError is a typed error carrying enough context to pick an HTTP status
// and to drive the orchestrator's transient/permanent classification.
type AppError struct {
	Kind       Kind
	Message    string
	HTTPStatus int
	Err        error
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *AppError) Unwrap() error { return e.Err }

// NotFound builds a not-found error for a resource/id pair.
func NotFound(resource, id string) *AppError {
	return &AppError{Kind: KindNotFound, Message: fmt.Sprintf("%s %q not found", resource, id), HTTPStatus: http.StatusNotFound}
}

// Invalid builds a permanent validation error.
func Invalid(message string) *AppError {
	return &AppError{Kind: KindInvalid, Message: message, HTTPStatus: http.StatusBadRequest}
}

// Forbidden builds a permanent authorization error.
func Forbidden(message string) *AppError {
	return &AppError{Kind: KindForbidden, Message: message, HTTPStatus: http.StatusForbidden}
}

// LimitExceeded builds a permanent quota error (spec.md §7 LimitExceeded).
func LimitExceeded(message string) *AppError {
	return &AppError{Kind: KindLimitExceeded, Message: message, HTTPStatus: http.StatusTooManyRequests}
}

// Conflict builds an optimistic-lock-miss error (spec.md §7 OptimisticLockMiss).
func Conflict(message string) *AppError {
	return &AppError{Kind: KindConflict, Message: message, HTTPStatus: http.StatusConflict}
}

// Internal wraps an unexpected error.
func Internal(message string, err error) *AppError {
	return &AppError{Kind: KindInternal, Message: message, HTTPStatus: http.StatusInternalServerError, Err: err}
}

// Unavailable builds a transient external-dependency error.
func Unavailable(service string, err error) *AppError {
	return &AppError{Kind: KindUnavailable, Message: fmt.Sprintf("%s unavailable", service), HTTPStatus: http.StatusServiceUnavailable, Err: err}
}

func kindOf(err error) (Kind, bool) {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Kind, true
	}
	return "", false
}

// Is reports whether err carries the given kind.
func Is(err error, k Kind) bool {
	kind, ok := kindOf(err)
	return ok && kind == k
}

// IsNotFound reports a not-found error.
func IsNotFound(err error) bool { return Is(err, KindNotFound) }

// IsConflict reports an optimistic-lock-miss error.
func IsConflict(err error) bool { return Is(err, KindConflict) }

// IsLimitExceeded reports a quota error.
func IsLimitExceeded(err error) bool { return Is(err, KindLimitExceeded) }

// HTTPStatus returns the status code for err, defaulting to 500.
func HTTPStatus(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.HTTPStatus
	}
	return http.StatusInternalServerError
}
