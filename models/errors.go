package models

import "fmt"

// Error codes used in API responses and internal error handling.
const (
	ErrCodeFetchFailed        = "FETCH_FAILED"
	ErrCodeInvalidContentType = "INVALID_CONTENT_TYPE"
	ErrCodeTimeout            = "RENDER_TIMEOUT"
	ErrCodeNavigation         = "NAVIGATION_FAILED"
	ErrCodeBrowserCrash       = "BROWSER_CRASH"
	ErrCodeInvalidInput       = "INVALID_INPUT"
	ErrCodeRateLimited        = "RATE_LIMITED"
	ErrCodeUnauthorized       = "UNAUTHORIZED"
	ErrCodeInternal           = "INTERNAL_ERROR"
)

// ErrorDetail is the structured error in API responses.
type ErrorDetail struct {
	Code    string `json:"code"`
	Reason  string `json:"reason,omitempty"`
	Message string `json:"message"`
}

// RenderError is the internal error type carrying an error code.
// Reason refines FETCH_FAILED with the network error reason
// (e.g. "NameNotResolved", "TimedOut").
type RenderError struct {
	Code    string
	Reason  string
	Message string
	Err     error // wrapped original error
}

func (e *RenderError) Error() string {
	msg := e.Code
	if e.Reason != "" {
		msg += "(" + e.Reason + ")"
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", msg, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", msg, e.Message)
}

func (e *RenderError) Unwrap() error {
	return e.Err
}

// NewRenderError creates a new RenderError.
func NewRenderError(code, message string, err error) *RenderError {
	return &RenderError{Code: code, Message: message, Err: err}
}

// NewFetchError creates a FETCH_FAILED error with its network reason.
func NewFetchError(reason, message string, err error) *RenderError {
	return &RenderError{Code: ErrCodeFetchFailed, Reason: reason, Message: message, Err: err}
}

// ToDetail converts an internal error to an API-facing ErrorDetail.
func (e *RenderError) ToDetail() *ErrorDetail {
	return &ErrorDetail{Code: e.Code, Reason: e.Reason, Message: e.Message}
}
