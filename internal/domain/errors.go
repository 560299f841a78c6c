package domain

import (
	"fmt"

	"github.com/cockroachdb/errors"
)

var (
	ErrValidation     = errors.New("validation failed")
	ErrNotFound       = errors.New("not found")
	ErrScheduling     = errors.New("scheduling failed")
	ErrExecution      = errors.New("execution failed")
	ErrTimeout        = errors.New("execution timed out")
	ErrTransientStore = errors.New("store temporarily unavailable")

	ErrJobNotFound        = errors.New("job not found")
	ErrRuleNotFound       = errors.New("rule not found")
	ErrInvocationNotFound = errors.New("invocation not found")

	// ErrInvocationFinalized is returned when finalizing an invocation
	// that already left the running state.
	ErrInvocationFinalized = errors.New("invocation already finalized")
)

// ValidationError describes a rejected client input. It matches
// ErrValidation under errors.Is.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

func NewValidationError(field, format string, args ...any) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

func IsNotFound(err error) bool {
	return errors.IsAny(err, ErrNotFound, ErrJobNotFound, ErrRuleNotFound, ErrInvocationNotFound)
}

// SchedulingError marks err as a rule registration failure.
func SchedulingError(err error, msg string) error {
	return errors.Mark(errors.Wrap(err, msg), ErrScheduling)
}

// TransientError marks err as a retryable store failure.
func TransientError(err error, msg string) error {
	return errors.Mark(errors.Wrap(err, msg), ErrTransientStore)
}
