package errcode

import (
	"errors"
	"fmt"
)

// Error is a pipeline error tagged with a catalog code
type Error struct {
	Code       Code                   `json:"code"`
	Message    string                 `json:"message"`
	StatusCode int                    `json:"statusCode,omitempty"`
	Details    map[string]interface{} `json:"details,omitempty"`
	RequestID  string                 `json:"requestId,omitempty"`
	Err        error                  `json:"-"`
}

// Error implements the error interface
func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = e.Code.Description()
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code.Name(), msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code.Name(), msg)
}

// Unwrap returns the wrapped error
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches another *Error by code, or falls through to the wrapped error
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Code == t.Code
	}
	if e.Err != nil {
		return errors.Is(e.Err, target)
	}
	return false
}

// Retryable reports whether the code is retryable
func (e *Error) Retryable() bool {
	return e.Code.Retryable()
}

// New creates a new coded error
func New(code Code, message string) *Error {
	return &Error{
		Code:    code,
		Message: message,
	}
}

// Newf creates a new coded error with a formatted message
func Newf(code Code, format string, args ...interface{}) *Error {
	return New(code, fmt.Sprintf(format, args...))
}

// Wrap wraps an error with a code and message
func Wrap(err error, code Code, message string) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// FromStatus builds an error for an HTTP status
func FromStatus(status int, message string) *Error {
	return &Error{
		Code:       FromHTTPStatus(status),
		Message:    message,
		StatusCode: status,
	}
}

// CodeOf extracts the code from err, or SystemUnknownError when err carries
// none. A nil error has no code and returns 0.
func CodeOf(err error) Code {
	if err == nil {
		return 0
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return SystemUnknownError
}

// HasCode reports whether err carries a code anywhere in its chain
func HasCode(err error) bool {
	var e *Error
	return errors.As(err, &e)
}

// IsRetryable checks if error is retryable
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code.Retryable()
	}
	return false
}

// IsAuth checks if error is authentication related
func IsAuth(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code.Category() == CategoryAuth
	}
	return false
}
