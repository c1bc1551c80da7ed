package event

import (
	"sync/atomic"

	"github.com/tsnorri/panvc3-dispatch"
)

// Direction distinguishes a FileDescriptorSource's interest.
type Direction int

const (
	// Read watches for readability.
	Read Direction = iota
	// Write watches for writability.
	Write
)

func (d Direction) String() string {
	if d == Write {
		return "write"
	}
	return "read"
}

// sourceKey is the (identifier, filter) pair kqueue/epoll registration is
// keyed by. Multiple sources may share a key; the kernel listener is
// registered on the first and unregistered on the last.
type sourceKey struct {
	ident  int
	filter filterKind
}

type filterKind int

const (
	filterRead filterKind = iota
	filterWrite
	filterSignal
	filterTimer
)

// source is the common embedded state of every EventSource variant: an
// enabled flag (atomic, default true) and the queue/task pair invoked on
// firing.
type source struct {
	mgr     *Manager
	key     sourceKey
	queue   dispatch.Queue
	task    dispatch.Task
	enabled atomic.Bool
}

func newSource(mgr *Manager, key sourceKey, queue dispatch.Queue, task dispatch.Task) source {
	s := source{mgr: mgr, key: key, queue: queue, task: task}
	s.enabled.Store(true)
	return s
}

// Enabled reports whether the source currently fires.
func (s *source) Enabled() bool { return s.enabled.Load() }

// Enable (re)activates the source.
func (s *source) Enable() { s.enabled.Store(true) }

// Disable atomically silences the source: a firing that races with Disable
// is dropped rather than delivered.
func (s *source) Disable() { s.enabled.Store(false) }

func (s *source) fire() {
	if !s.enabled.Load() {
		return
	}
	// s.task is a persistent handler that may fire many times over the
	// source's lifetime (a repeating timer, an edge-triggered fd that
	// becomes ready repeatedly); Clone gives each dispatch its own
	// invocation guard instead of tripping Task's at-most-once check on
	// the second firing.
	s.queue.Async(s.task.Clone())
}

// FileDescriptorSource watches a single fd for read or write readiness.
type FileDescriptorSource struct {
	source
	FD        int
	Direction Direction
}

// Remove disables the source and releases the manager's reference to it;
// the kernel listener for this fd+direction is unregistered once this was
// the last such source. Idempotent: removing twice is a no-op.
func (s *FileDescriptorSource) Remove() error {
	return s.mgr.removeFD(s)
}

// SignalSource watches a single signal number.
type SignalSource struct {
	source
	Signal int
}

// Remove disables the source; once the last SignalSource for this signal
// number is removed, the manager unblocks that signal. Whether it was
// blocked before it was subscribed is not remembered. Idempotent.
func (s *SignalSource) Remove() error {
	return s.mgr.removeSignal(s)
}

// TimerSource fires once (repeats=false) or repeatedly at a fixed interval
// (repeats=true), re-arming at deadline+interval rather than now+interval
// to avoid drift. Deadlines are wall-clock Unix nanoseconds, not monotonic
// clock readings, so a step of the system clock shifts pending deadlines.
type TimerSource struct {
	source
	deadline  int64 // wall-clock Unix nanoseconds, owned by the manager's timer heap
	interval  int64
	repeats   bool
	heapIndex int
}

// Remove disables the timer and drops it from the manager's pending-timer
// heap. Idempotent.
func (s *TimerSource) Remove() error {
	return s.mgr.removeTimer(s)
}
