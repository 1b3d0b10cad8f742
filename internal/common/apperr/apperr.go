// Package apperr provides the error taxonomy shared by all Workhorse managers.
//
// Every operation returns either its payload or an *Error carrying one of the
// closed set of kinds below. Callers branch on kind via errors.As / Error.Kind,
// never on message text.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error into the closed taxonomy.
type Kind string

const (
	KindValidation     Kind = "VALIDATION_ERROR"
	KindGitOperation   Kind = "GIT_OPERATION_ERROR"
	KindProcessSpawn   Kind = "PROCESS_SPAWN_ERROR"
	KindProcessRuntime Kind = "PROCESS_RUNTIME_ERROR"
	KindNotFound       Kind = "NOT_FOUND"
	KindStateConflict  Kind = "STATE_CONFLICT"
	KindIO             Kind = "IO_ERROR"
)

// Error is an application error with a kind and an optional wrapped cause.
type Error struct {
	Kind    Kind   `json:"kind"`
	Message string `json:"message"`
	Err     error  `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the wrapped error for use with errors.Is and errors.As.
func (e *Error) Unwrap() error {
	return e.Err
}

// HTTPStatus maps the error kind to an HTTP status code.
func (e *Error) HTTPStatus() int {
	switch e.Kind {
	case KindValidation:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindStateConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// Validation creates a validation error (bad name/path/duplicate).
func Validation(format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Message: fmt.Sprintf(format, args...)}
}

// GitOperation creates an error for a failed worktree/branch operation.
func GitOperation(message string, err error) *Error {
	return &Error{Kind: KindGitOperation, Message: message, Err: err}
}

// ProcessSpawn creates an error for an executable/shell that could not be started.
func ProcessSpawn(message string, err error) *Error {
	return &Error{Kind: KindProcessSpawn, Message: message, Err: err}
}

// ProcessRuntime creates an error for a process that started but failed at runtime.
func ProcessRuntime(message string, exitCode int, err error) *Error {
	return &Error{
		Kind:    KindProcessRuntime,
		Message: fmt.Sprintf("%s (exit code %d)", message, exitCode),
		Err:     err,
	}
}

// NotFound creates a not found error for a resource.
func NotFound(resource, id string) *Error {
	return &Error{Kind: KindNotFound, Message: fmt.Sprintf("%s %q not found", resource, id)}
}

// StateConflict creates an error for an operation invalid in the current state.
func StateConflict(format string, args ...any) *Error {
	return &Error{Kind: KindStateConflict, Message: fmt.Sprintf(format, args...)}
}

// IO creates an error for a filesystem access/permission failure.
func IO(message string, err error) *Error {
	return &Error{Kind: KindIO, Message: message, Err: err}
}

// IsKind reports whether err is (or wraps) an *Error of the given kind.
func IsKind(err error, kind Kind) bool {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Kind == kind
	}
	return false
}

// IsNotFound reports whether err is a not-found error.
func IsNotFound(err error) bool { return IsKind(err, KindNotFound) }

// IsValidation reports whether err is a validation error.
func IsValidation(err error) bool { return IsKind(err, KindValidation) }

// IsStateConflict reports whether err is a state-conflict error.
func IsStateConflict(err error) bool { return IsKind(err, KindStateConflict) }
