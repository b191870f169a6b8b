// Package bizerr carries operator- and customer-facing failures with a
// stable message key so presentation layers can localize them.
package bizerr

import "fmt"

// Error is a business failure safe to surface outside the process.
type Error struct {
	Key     string         `json:"key"`
	Message string         `json:"message"`
	Params  map[string]any `json:"params,omitempty"`
}

func (e *Error) Error() string {
	return e.Message
}

// New creates a business error with a localization key and English fallback.
func New(key, message string) *Error {
	return &Error{Key: key, Message: message}
}

// Newf creates a business error with a formatted fallback message.
func Newf(key, format string, args ...any) *Error {
	return &Error{Key: key, Message: fmt.Sprintf(format, args...)}
}

// WithParams attaches dynamic parameters for message interpolation.
func (e *Error) WithParams(params map[string]any) *Error {
	e.Params = params
	return e
}
