package core

import (
	"errors"
	"fmt"
)

var (
	ErrTaskNotFound       = errors.New("task not found")
	ErrTaskExists         = errors.New("task already exists")
	ErrExecutionNotFound  = errors.New("execution not found")
	ErrInvalidTrigger     = errors.New("invalid trigger config")
	ErrValidation         = errors.New("validation error")
	ErrScriptNotFound     = errors.New("script not found")
	ErrExecutableNotFound = errors.New("executable not found")
	ErrTimeout            = errors.New("execution timed out")
	ErrCancelled          = errors.New("execution cancelled")
	ErrTaskRunning        = errors.New("task is already running")
	ErrSchedulerStopped   = errors.New("scheduler is not running")
)

// InvalidTriggerError reports a trigger that cannot be turned into a schedule.
type InvalidTriggerError struct {
	Type       TriggerType
	Expression string
	Reason     string
}

func (e *InvalidTriggerError) Error() string {
	if e.Expression != "" {
		return fmt.Sprintf("invalid %s trigger %q: %s", e.Type, e.Expression, e.Reason)
	}
	return fmt.Sprintf("invalid %s trigger: %s", e.Type, e.Reason)
}

func (e *InvalidTriggerError) Is(target error) bool {
	return target == ErrInvalidTrigger
}

// ValidationError reports a structurally invalid field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// NewValidationError builds a ValidationError for field.
func NewValidationError(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}
