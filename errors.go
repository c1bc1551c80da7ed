package dispatch

import (
	"errors"
	"fmt"
)

// ErrPoolStopped is returned by Queue.Sync when the owning ThreadPool was
// aborted by a barrier returning stop (BarrierDoStop) before the submitted
// task completed. ThreadPool.Stop alone does not cause it.
var ErrPoolStopped = errors.New("dispatch: pool stopped")

// SetupError is a programmer-error class violation: double setup, stopping
// an unstarted component, or a similar logic violation detected at the API
// boundary. It is never returned for resource or OS failures.
type SetupError struct {
	Op      string
	Message string
}

func (e *SetupError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("dispatch: invalid use of %s", e.Op)
	}
	return fmt.Sprintf("dispatch: invalid use of %s: %s", e.Op, e.Message)
}

// TaskPanicError wraps a value recovered from a panicking task. The worker
// that executed the task recovers the panic, wraps it here, logs it, and
// continues; other tasks are unaffected (spec: task exceptions never
// propagate to the caller of async/group_async).
type TaskPanicError struct {
	// Recovered is whatever value was passed to panic() by the task.
	Recovered any
	// Stack is the goroutine stack captured at the point of recovery.
	Stack []byte
}

func (e *TaskPanicError) Error() string {
	return fmt.Sprintf("dispatch: task panicked: %v", e.Recovered)
}

// Unwrap supports errors.Is/errors.As when the recovered value is itself an
// error (e.g. a task that panics with an error value).
func (e *TaskPanicError) Unwrap() error {
	if err, ok := e.Recovered.(error); ok {
		return err
	}
	return nil
}
