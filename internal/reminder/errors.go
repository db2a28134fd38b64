package reminder

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrInvalidTask reports malformed create input (a client error).
	ErrInvalidTask = errors.New("invalid task")
	// ErrInvalidKey reports a routing key the registry refuses to serve.
	ErrInvalidKey = errors.New("invalid scheduler key")
)

// StoreError wraps a failed read or write of the task pool.
// When it is returned, nothing from the failed operation was committed.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string { return fmt.Sprintf("task store %s: %v", e.Op, e.Err) }
func (e *StoreError) Unwrap() error { return e.Err }

// ArmError reports that the pool was written but the wake-up could not be
// (re)armed. Pending tasks may miss their deadline until something re-arms
// the instance (the reconciler does).
type ArmError struct {
	Key   string
	At    time.Time // zero when clearing
	Clear bool
	Err   error
}

func (e *ArmError) Error() string {
	if e.Clear {
		return fmt.Sprintf("clear alarm for %q: %v", e.Key, e.Err)
	}
	return fmt.Sprintf("arm alarm for %q at %s: %v", e.Key, e.At.Format(time.RFC3339Nano), e.Err)
}

func (e *ArmError) Unwrap() error { return e.Err }

func invalidf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidTask, fmt.Sprintf(format, args...))
}
