package sandbox

import "fmt"

// Error codes carried by script execution failures. Machine-readable so
// admin surfaces and retry policies can branch on them.
const (
	CodeSyntax    = "ERR_SCRIPT_SYNTAX"
	CodeNoHandler = "ERR_SCRIPT_NO_HANDLER"
	CodeRuntime   = "ERR_SCRIPT_RUNTIME"
	CodeTimeout   = "ERR_SCRIPT_TIMEOUT"
	CodeBadResult = "ERR_SCRIPT_BAD_RESULT"
	CodeFailed    = "ERR_SCRIPT_FAILED"
	CodeEgress    = "ERR_EGRESS_BLOCKED"
)

// Error is a script execution failure with a stable machine code.
type Error struct {
	Code    string
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

func newError(code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}
