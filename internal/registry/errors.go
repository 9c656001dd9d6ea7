package registry

import "fmt"

// Error codes map one-to-one onto API status codes.
const (
	CodeValidation = "VALIDATION"
	CodeNotFound   = "NOT_FOUND"
	CodeConflict   = "CONFLICT"
	CodeDatabase   = "DATABASE_UNAVAILABLE"
	CodeInternal   = "INTERNAL"
)

// Error is a coded service failure safe to surface to API clients.
type Error struct {
	Code    string
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func validationError(format string, args ...interface{}) *Error {
	return &Error{Code: CodeValidation, Message: fmt.Sprintf(format, args...)}
}

func conflictError(message string) *Error {
	return &Error{Code: CodeConflict, Message: message}
}

func notFoundError(id string) *Error {
	return &Error{Code: CodeNotFound, Message: fmt.Sprintf("url %s not found", id)}
}
