package dispatch

import "sync/atomic"

// BarrierState is one of the four states a Barrier token may occupy.
type BarrierState int32

const (
	// BarrierNotExecuted is the initial state: no worker has claimed the
	// barrier yet.
	BarrierNotExecuted BarrierState = iota
	// BarrierExecuting means a worker has won the CAS and is either
	// waiting for the prefix of earlier-submitted tasks to finish, or
	// running the barrier's callable.
	BarrierExecuting
	// BarrierDone means the barrier's callable ran and tasks submitted
	// after it may proceed.
	BarrierDone
	// BarrierDoStop means the barrier's callable requested orderly pool
	// shutdown; waiters observe this and terminate their workers.
	BarrierDoStop
)

func (s BarrierState) String() string {
	switch s {
	case BarrierNotExecuted:
		return "NotExecuted"
	case BarrierExecuting:
		return "Executing"
	case BarrierDone:
		return "Done"
	case BarrierDoStop:
		return "DoStop"
	default:
		return "Unknown"
	}
}

// Barrier is a one-shot serialising fence that can be inserted into a
// ParallelQueue via ParallelQueue.BarrierAsync. The transitions are
// monotone: NotExecuted -> Executing -> {Done | DoStop}.
type Barrier struct {
	state atomic.Int32
	// remaining counts tasks submitted to the owning queue strictly
	// before this barrier that have not yet completed. It is only ever
	// mutated under the owning queue's mutex.
	remaining int64
	fn        func() (stop bool)
}

func newBarrier(fn func() bool) *Barrier {
	return &Barrier{fn: fn}
}

// State returns the barrier's current state. Safe for concurrent use.
func (b *Barrier) State() BarrierState {
	return BarrierState(b.state.Load())
}
