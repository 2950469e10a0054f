package backend

import (
	"errors"
	"fmt"
)

var (
	// ErrInternal marks invariant violations. Not recoverable; the executor
	// typically aborts.
	ErrInternal = errors.New("internal invariant violated")

	// ErrUnknownTask names the unknown-task condition. Backend operations
	// that receive a task id with no live entry report it as an
	// InternalError (matching ErrInternal), not with this value.
	ErrUnknownTask = errors.New("unknown task")
)

// InternalError wraps an invariant violation with context.
type InternalError struct {
	Msg string
}

func (e *InternalError) Error() string {
	return fmt.Sprintf("%s: %s", ErrInternal.Error(), e.Msg)
}

func (e *InternalError) Unwrap() error { return ErrInternal }

func internalf(format string, args ...any) error {
	return &InternalError{Msg: fmt.Sprintf(format, args...)}
}
