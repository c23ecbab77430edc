// Package apperr defines the typed errors that cross the API boundary.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

const (
	CodeUnauthorized        = "UNAUTHORIZED"
	CodeForbidden           = "FORBIDDEN"
	CodeFeatureDisabled     = "FEATURE_DISABLED"
	CodeLeaseConflict       = "LEASE_CONFLICT"
	CodeLeaseExpired        = "LEASE_EXPIRED"
	CodeCapabilityMismatch  = "CAPABILITY_MISMATCH"
	CodeBundleActive        = "BUNDLE_ACTIVE"
	CodeNoTasks             = "NO_TASKS"
	CodeIdempotencyRequired = "IDEMPOTENCY_REQUIRED"
	CodeIdempotencyReplay   = "IDEMPOTENCY_REPLAY"
	CodePlaybackTooShort    = "PLAYBACK_TOO_SHORT"
	CodeValidationFailed    = "VALIDATION_FAILED"
	CodeRateLimit           = "RATE_LIMIT"
	CodeServerError         = "SERVER_ERROR"
)

// SkipReason explains why a candidate task was not offered.
type SkipReason struct {
	TaskID string `json:"task_id"`
	Reason string `json:"reason"`
}

// Error is an orchestrator failure with a stable code and HTTP status.
type Error struct {
	Code        string
	Status      int
	Message     string
	SkipReasons []SkipReason
	Err         error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

func New(code string, status int, msg string) *Error {
	return &Error{Code: code, Status: status, Message: msg}
}

// Wrap turns an unexpected failure into a SERVER_ERROR.
func Wrap(err error, msg string) *Error {
	return &Error{Code: CodeServerError, Status: http.StatusInternalServerError, Message: msg, Err: err}
}

func Forbidden(msg string) *Error {
	return New(CodeForbidden, http.StatusForbidden, msg)
}

func LeaseConflict(status int, msg string) *Error {
	return New(CodeLeaseConflict, status, msg)
}

func NoTasks(reasons []SkipReason) *Error {
	e := New(CodeNoTasks, http.StatusNotFound, "No tasks available")
	e.SkipReasons = reasons
	return e
}

func Validation(status int, msg string) *Error {
	return New(CodeValidationFailed, status, msg)
}

// As extracts an *Error from err.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// HasCode reports whether err carries the given code.
func HasCode(err error, code string) bool {
	e, ok := As(err)
	return ok && e.Code == code
}
