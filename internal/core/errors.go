package core

import "errors"

// Error codes for domain errors.
const (
	// Admission errors: surfaced to the caller of join, no retry.
	ErrCodeNotFound        = "not_found"
	ErrCodeInvalidPassword = "invalid_password"

	// Device errors per the acquisition failure taxonomy.
	ErrCodePermissionDenied = "permission_denied"
	ErrCodeNoDeviceFound    = "no_device_found"
	ErrCodeDeviceBusy       = "device_busy"
	ErrCodeMediaError       = "media_error"

	// Roster control errors.
	ErrCodeNotHost    = "not_host"
	ErrCodeBadState   = "bad_state"
	ErrCodeBadRequest = "bad_request"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrInvalidPassword = errors.New("invalid password")
	ErrNotHost         = errors.New("operation requires host")
	ErrNotActive       = errors.New("no active session")
)

// CoreError wraps a stable code and a human-readable message.
type CoreError struct {
	Code    string
	Message string
	Err     error
}

func (e *CoreError) Error() string {
	return e.Message
}

func (e *CoreError) Unwrap() error {
	return e.Err
}

// NewError builds a CoreError.
func NewError(code, msg string, err error) *CoreError {
	return &CoreError{Code: code, Message: msg, Err: err}
}

// ErrorCode extracts the domain code from err, or empty if none applies.
func ErrorCode(err error) string {
	var ce *CoreError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return ""
}
