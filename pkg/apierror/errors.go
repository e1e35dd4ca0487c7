// Package apierror defines the error taxonomy shared by every service
// component: authentication (401), authorization (403), validation (400),
// conflict (409), quota (413) and rate-limit (429) failures all surface as
// *Error values carrying a stable machine-readable code.
package apierror

import (
	"errors"
	"fmt"
	"net/http"
)

// Error is the canonical service error. Status maps to the HTTP layer,
// Code is the stable identifier clients branch on.
type Error struct {
	Status  int                    `json:"-"`
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Is matches two API errors by code, so sentinel comparisons with
// errors.Is work regardless of message wording.
func (e *Error) Is(target error) bool {
	var other *Error
	if !errors.As(target, &other) {
		return false
	}
	return e.Code == other.Code
}

// New constructs an error with an explicit status and code.
func New(status int, code, message string) *Error {
	return &Error{Status: status, Code: code, Message: message}
}

// WithDetails returns a copy of the error with the details map attached.
func (e *Error) WithDetails(details map[string]interface{}) *Error {
	clone := *e
	clone.Details = details
	return &clone
}

// Unauthenticated reports a missing or unusable identity (401).
func Unauthenticated(code, message string) *Error {
	return New(http.StatusUnauthorized, code, message)
}

// Forbidden reports an authorization denial (403).
func Forbidden(message string) *Error {
	return New(http.StatusForbidden, "FORBIDDEN", message)
}

// Invalid reports a validation failure (400).
func Invalid(code, message string) *Error {
	return New(http.StatusBadRequest, code, message)
}

// NotFound reports a missing entity (404).
func NotFound(code, message string) *Error {
	return New(http.StatusNotFound, code, message)
}

// Conflict reports a uniqueness or state conflict (409).
func Conflict(code, message string) *Error {
	return New(http.StatusConflict, code, message)
}

// Gone reports an expired entity (410).
func Gone(code, message string) *Error {
	return New(http.StatusGone, code, message)
}

// QuotaExceeded reports a storage quota rejection (413).
func QuotaExceeded(message string) *Error {
	return New(http.StatusRequestEntityTooLarge, "QUOTA_EXCEEDED", message)
}

// RateLimited reports a rate-limit rejection (429).
func RateLimited(message string) *Error {
	return New(http.StatusTooManyRequests, "RATE_LIMITED", message)
}

// Internal reports an unexpected failure (500).
func Internal(message string) *Error {
	return New(http.StatusInternalServerError, "INTERNAL_ERROR", message)
}

// From unwraps an *Error from an error chain. The second return reports
// whether one was found.
func From(err error) (*Error, bool) {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr, true
	}
	return nil, false
}

// StatusOf extracts the HTTP status for an error, defaulting to 500 for
// anything that is not an *Error.
func StatusOf(err error) int {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr.Status
	}
	return http.StatusInternalServerError
}

// CodeOf extracts the machine-readable code, defaulting to INTERNAL_ERROR.
func CodeOf(err error) string {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr.Code
	}
	return "INTERNAL_ERROR"
}
