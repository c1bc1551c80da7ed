package dispatch

import (
	"sync/atomic"
	"weak"
)

// Task is a type-erased, movable-only unit of work. It wraps one of:
//   - the empty sentinel, a no-op;
//   - a closure;
//   - a bound call against a target the task owns outright;
//   - a bound call against a target reachable only through a weak
//     reference, which becomes a silent no-op once the target is collected.
//
// Tasks are invokable at most once, and that guarantee holds across every
// copy of a given Task value: the invocation guard lives behind a pointer
// so that copying a Task (passing it to Async, storing it in a queue item,
// stashing it on an EventSource) never resets or forks the guard.
type Task struct {
	invoked *atomic.Bool
	fn      func()
}

// NewTask wraps fn, a plain closure, as a Task.
func NewTask(fn func()) Task {
	if fn == nil {
		return Task{}
	}
	return Task{invoked: new(atomic.Bool), fn: fn}
}

// NewTaskFromMember builds a Task that invokes method against target, an
// owned or shared reference. The target is retained for the task's
// lifetime, exactly like a strong indirect_member_callable.
func NewTaskFromMember[T any](target T, method func(T)) Task {
	return NewTask(func() { method(target) })
}

// NewTaskFromWeak builds a Task that invokes method against the value
// referenced by target, resolved at execution time. If the referent has
// already been garbage collected, invocation is a silent no-op — a dangling
// weak reference is not a task failure.
func NewTaskFromWeak[T any](target weak.Pointer[T], method func(*T)) Task {
	return NewTask(func() {
		if v := target.Value(); v != nil {
			method(v)
		}
	})
}

// IsEmpty reports whether the task is the empty sentinel (either
// zero-valued or constructed from a nil func).
func (t Task) IsEmpty() bool {
	return t.fn == nil
}

// execute invokes the task's underlying callable exactly once. Calling it a
// second time — on this Task value or on any copy of it, since the guard is
// shared — panics, mirroring the "moved-from tasks are inert" invariant
// being a reuse bug, not a tolerated condition.
func (t Task) execute() {
	if t.fn == nil {
		return
	}
	if !t.invoked.CompareAndSwap(false, true) {
		panic("dispatch: task invoked more than once")
	}
	t.fn()
}

// Run invokes the task directly, bypassing any queue. Exported for callers
// that built a Task purely as a closure wrapper and want to run it inline
// (e.g. the empty task as a sentinel default). Like execute, it panics if
// the task was already invoked.
func (t Task) Run() {
	t.execute()
}

// Clone returns a Task wrapping the same callable as t, with its own fresh
// invocation guard. t itself is unaffected. This is for callers that hold
// one Task as a persistent handler but must submit it for execution more
// than once — an EventSource re-dispatching its stored handler on every
// firing, say — where each submission needs independent single-invocation
// semantics rather than sharing t's guard.
func (t Task) Clone() Task {
	if t.fn == nil {
		return Task{}
	}
	return Task{invoked: new(atomic.Bool), fn: t.fn}
}
