package usecase

import "fmt"

type ErrorCode string

const (
	ErrorInvalidInput      ErrorCode = "INVALID_INPUT"
	ErrorNotFound          ErrorCode = "NOT_FOUND"
	ErrorTurnInProgress    ErrorCode = "TURN_IN_PROGRESS"
	ErrorRateLimited       ErrorCode = "RATE_LIMITED"
	ErrorCompletionFailure ErrorCode = "COMPLETION_FAILURE"
	ErrorGenerationStalled ErrorCode = "GENERATION_STALLED"
	ErrorInternal          ErrorCode = "INTERNAL_ERROR"
)

type Error struct {
	Code   ErrorCode
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err == nil {
		return fmt.Sprintf("usecase: %s (%s)", e.Code, e.Reason)
	}
	return fmt.Sprintf("usecase: %s (%s): %v", e.Code, e.Reason, e.Err)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Recoverable reports whether the caller may retry the same trigger.
func (e *Error) Recoverable() bool {
	switch e.Code {
	case ErrorCompletionFailure, ErrorGenerationStalled, ErrorRateLimited, ErrorTurnInProgress:
		return true
	}
	return false
}

func newError(code ErrorCode, reason string, err error) *Error {
	return &Error{Code: code, Reason: reason, Err: err}
}
