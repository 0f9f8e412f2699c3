package process

import (
	"errors"
	"fmt"
)

// Sentinel errors for process operations.
var (
	// ErrNilThread is returned by Run when no thread is given.
	ErrNilThread = errors.New("process: nil thread")

	// ErrNoEnvironment is returned by Run when I/O wiring is requested for
	// a thread without an environment.
	ErrNoEnvironment = errors.New("process: thread has no environment")

	// ErrAlreadyRunning is returned by a second call to Run. The first call
	// already wired the environment, so wiring cannot happen twice.
	ErrAlreadyRunning = errors.New("process: already running")

	// ErrTerminated is returned by Run on a terminated process.
	ErrTerminated = errors.New("process: terminated")

	// ErrStepLimit ends a process that exceeded its configured step budget.
	ErrStepLimit = errors.New("process: step limit exceeded")
)

// StepError records the step at which a thread failed.
type StepError struct {
	Step int // 1-based index of the failing step
	Err  error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("process: step %d: %v", e.Step, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

// PanicError wraps a value recovered from a panicking step.
type PanicError struct {
	Value any
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic: %v", e.Value)
}
