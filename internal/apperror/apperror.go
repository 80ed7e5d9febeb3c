package apperror

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotFound    = errors.New("not found")
	ErrValidation  = errors.New("validation error")
	ErrConflict    = errors.New("conflict")
	ErrUnavailable = errors.New("unavailable")

	ErrUnsupportedLanguage = errors.New("unsupported language")
	ErrEmptyWorkspace      = errors.New("empty workspace")
	ErrBuildFailed         = errors.New("build failed")
	ErrTimeout             = errors.New("timeout")
	ErrInfra               = errors.New("infrastructure error")
)

type AppError struct {
	Err     error  // sentinel kind
	Message string // Human-readable error message
	Field   string // Optional: field causing the error
	Detail  string // Optional: captured process output (build stderr)
	Cause   error  // Optional: underlying error from a dependency
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

// Unwrap exposes both the sentinel and the cause to errors.Is / errors.As.
func (e *AppError) Unwrap() []error {
	if e.Cause != nil {
		return []error{e.Err, e.Cause}
	}
	return []error{e.Err}
}

func NotFound(resource, id string) *AppError {
	return &AppError{
		Err:     ErrNotFound,
		Message: fmt.Sprintf("%s not found with id %s", resource, id),
	}
}

func ValidationFailed(field, message string) *AppError {
	return &AppError{
		Err:     ErrValidation,
		Message: message,
		Field:   field,
	}
}

func Conflict(resource, id string) *AppError {
	return &AppError{
		Err:     ErrConflict,
		Message: fmt.Sprintf("%s conflict with id %s", resource, id),
	}
}

// Unavailable reports that the service cannot accept work right now.
// HTTP handlers map this to 503 Service Unavailable.
func Unavailable(message string) *AppError {
	return &AppError{
		Err:     ErrUnavailable,
		Message: message,
	}
}

func UnsupportedLanguage(language string) *AppError {
	return &AppError{
		Err:     ErrUnsupportedLanguage,
		Message: fmt.Sprintf("unsupported language: %q", language),
		Field:   "language",
	}
}

func EmptyWorkspace() *AppError {
	return &AppError{
		Err:     ErrEmptyWorkspace,
		Message: "at least one source file is required",
		Field:   "files",
	}
}

// BuildFailed carries the compiler output so callers can show it to the author.
func BuildFailed(language, output string) *AppError {
	return &AppError{
		Err:     ErrBuildFailed,
		Message: fmt.Sprintf("%s build failed", language),
		Detail:  output,
	}
}

func Timeout(limit time.Duration) *AppError {
	return &AppError{
		Err:     ErrTimeout,
		Message: fmt.Sprintf("execution timed out after %s", limit),
	}
}

// Infra wraps a failure of the sandbox host itself, never of the submitted program.
func Infra(message string, cause error) *AppError {
	return &AppError{
		Err:     ErrInfra,
		Message: message,
		Cause:   cause,
	}
}

// Kind returns a stable machine-readable name for err, used on the wire as error_kind.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrValidation):
		return "validation_error"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrConflict):
		return "conflict"
	case errors.Is(err, ErrUnavailable):
		return "unavailable"
	case errors.Is(err, ErrUnsupportedLanguage):
		return "unsupported_language"
	case errors.Is(err, ErrEmptyWorkspace):
		return "empty_workspace"
	case errors.Is(err, ErrBuildFailed):
		return "build_failed"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	default:
		return "infra_error"
	}
}

// Message returns the user-facing text of err, including captured build output.
func Message(err error) string {
	var appErr *AppError
	if !errors.As(err, &appErr) {
		return err.Error()
	}
	if appErr.Detail != "" {
		return appErr.Message + "\n" + appErr.Detail
	}
	return appErr.Error()
}
