package dispatch

import "sync"

// Queue is a submission endpoint for Tasks. See SerialQueue and
// ParallelQueue for the two orderings.
type Queue interface {
	// Async enqueues t and returns immediately; t runs later on a pool
	// worker.
	Async(t Task)
	// Sync enqueues t and blocks until it completes, returning
	// ErrPoolStopped if the pool aborted (via barrier DoStop) before t
	// got a chance to run.
	Sync(t Task) error
	// GroupAsync is like Async, but increments g before submission and
	// decrements it after the worker returns from executing t.
	GroupAsync(g *Group, t Task)
	// Close deregisters the queue from its pool. In-flight tasks are
	// unaffected; the queue must not be used afterwards.
	Close()
}

// SerialQueue is a FIFO of tasks: at most one executing at a time, in
// strict submission order.
type SerialQueue struct {
	pool     *ThreadPool
	mu       sync.Mutex
	items    []serialItem
	draining atomicBool
}

type serialItem struct {
	task  Task
	group *Group
}

// NewSerialQueue creates a serial queue backed by pool. The queue
// registers itself with the pool immediately.
func NewSerialQueue(pool *ThreadPool) *SerialQueue {
	q := &SerialQueue{pool: pool}
	pool.registerQueue(q)
	return q
}

func (q *SerialQueue) push(item serialItem) {
	q.mu.Lock()
	q.items = append(q.items, item)
	q.mu.Unlock()
	q.pool.notify()
}

func (q *SerialQueue) Async(t Task) {
	q.push(serialItem{task: t})
}

func (q *SerialQueue) GroupAsync(g *Group, t Task) {
	g.Enter()
	q.push(serialItem{task: t, group: g})
}

func (q *SerialQueue) Sync(t Task) error {
	done := make(chan struct{})
	wrapped := NewTask(func() {
		t.execute()
		close(done)
	})
	q.push(serialItem{task: wrapped})
	return waitSync(done, q.pool)
}

func (q *SerialQueue) Close() {
	q.pool.deregisterQueue(q)
}

// tryDequeue claims the drain slot (at most one in-flight pop/execute per
// queue at a time, enforcing "at most one executing at a time"), pops one
// task if present, and returns a closure that executes it and releases the
// slot.
func (q *SerialQueue) tryDequeue() (func(), bool) {
	if !q.draining.tryAcquire() {
		return nil, false
	}
	q.mu.Lock()
	if len(q.items) == 0 {
		q.mu.Unlock()
		q.draining.release()
		return nil, false
	}
	item := q.items[0]
	q.items = q.items[1:]
	q.mu.Unlock()

	return func() {
		defer q.draining.release()
		if item.group != nil {
			defer item.group.Exit()
		}
		item.task.execute()
	}, true
}

// ParallelQueue is an unordered multi-producer, multi-consumer bag of
// tasks; submission order does not constrain execution order, except
// across a Barrier.
type ParallelQueue struct {
	pool  *ThreadPool
	mu    sync.Mutex
	cond  *sync.Cond
	items []parallelItem

	// inflight counts regular (non-barrier) tasks submitted and not yet
	// completed; a new barrier snapshots this value as its prefix count.
	inflight int64
	pending  []*Barrier
}

type parallelItem struct {
	task    Task
	group   *Group
	barrier *Barrier
}

// NewParallelQueue creates a parallel queue backed by pool. The queue
// registers itself with the pool immediately.
func NewParallelQueue(pool *ThreadPool) *ParallelQueue {
	q := &ParallelQueue{pool: pool}
	q.cond = sync.NewCond(&q.mu)
	pool.registerQueue(q)
	return q
}

func (q *ParallelQueue) Async(t Task) {
	q.mu.Lock()
	q.inflight++
	q.items = append(q.items, parallelItem{task: t})
	q.mu.Unlock()
	q.pool.notify()
}

func (q *ParallelQueue) GroupAsync(g *Group, t Task) {
	g.Enter()
	q.mu.Lock()
	q.inflight++
	q.items = append(q.items, parallelItem{task: t, group: g})
	q.mu.Unlock()
	q.pool.notify()
}

func (q *ParallelQueue) Sync(t Task) error {
	done := make(chan struct{})
	wrapped := NewTask(func() {
		t.execute()
		close(done)
	})
	q.mu.Lock()
	q.inflight++
	q.items = append(q.items, parallelItem{task: wrapped})
	q.mu.Unlock()
	q.pool.notify()
	return waitSync(done, q.pool)
}

// BarrierAsync inserts a serialising fence: fn runs only once every task
// submitted to this queue before the barrier has completed, and tasks
// submitted after the barrier may only start once fn has returned. If fn
// returns true, it is requesting orderly pool shutdown (BarrierDoStop).
func (q *ParallelQueue) BarrierAsync(fn func() (stop bool)) *Barrier {
	b := newBarrier(fn)
	q.mu.Lock()
	b.remaining = q.inflight
	q.pending = append(q.pending, b)
	q.items = append(q.items, parallelItem{barrier: b})
	q.mu.Unlock()
	q.pool.notify()
	return b
}

func (q *ParallelQueue) Close() {
	q.pool.deregisterQueue(q)
}

// tryDequeue never exposes an item past an unresolved barrier at the head
// of the queue: a barrier item is only popped once its callable has
// actually run and it has transitioned to Done/DoStop, so tasks submitted
// after it cannot be claimed by another worker while it is still pending
// or executing.
func (q *ParallelQueue) tryDequeue() (func(), bool) {
	q.mu.Lock()
	if len(q.items) == 0 {
		q.mu.Unlock()
		return nil, false
	}
	front := q.items[0]

	if front.barrier != nil {
		b := front.barrier
		if !b.state.CompareAndSwap(int32(BarrierNotExecuted), int32(BarrierExecuting)) {
			// Either already claimed by another worker (Executing) or,
			// transiently, already resolved but not yet popped by its
			// runner. Either way this worker has no work right now; the
			// barrier stays at the head, blocking everything behind it.
			q.mu.Unlock()
			return nil, false
		}
		q.mu.Unlock()
		return func() { q.runBarrier(b) }, true
	}

	q.items = q.items[1:]
	q.mu.Unlock()

	return func() {
		defer q.completeOne()
		if front.group != nil {
			defer front.group.Exit()
		}
		front.task.execute()
	}, true
}

func (q *ParallelQueue) completeOne() {
	q.mu.Lock()
	q.inflight--
	for _, b := range q.pending {
		b.remaining--
	}
	q.cond.Broadcast()
	q.mu.Unlock()
}

// runBarrier is only ever called by the one worker that won the
// NotExecuted->Executing CAS in tryDequeue; the barrier item itself
// remains at the head of q.items (unpopped) for the whole call, so no
// other worker can dequeue anything behind it until this returns.
func (q *ParallelQueue) runBarrier(b *Barrier) {
	q.mu.Lock()
	for b.remaining > 0 {
		q.cond.Wait()
	}
	for i, p := range q.pending {
		if p == b {
			q.pending = append(q.pending[:i:i], q.pending[i+1:]...)
			break
		}
	}
	q.mu.Unlock()

	stop := b.fn()
	if stop {
		b.state.Store(int32(BarrierDoStop))
	} else {
		b.state.Store(int32(BarrierDone))
	}

	q.mu.Lock()
	if len(q.items) > 0 && q.items[0].barrier == b {
		q.items = q.items[1:]
	}
	q.cond.Broadcast()
	q.mu.Unlock()

	if stop {
		q.pool.requestAbort()
	} else {
		// Post-barrier items are only now reachable. They were already
		// accounted for in waitingTasks at submission time, so wake or
		// spawn a worker to pick them up without double-counting.
		q.pool.signalOrSpawn()
	}
}

// waitSync blocks on done, unless the pool aborts first and done has not
// yet fired, in which case it returns ErrPoolStopped.
func waitSync(done chan struct{}, pool *ThreadPool) error {
	select {
	case <-done:
		return nil
	case <-pool.abortCh:
		select {
		case <-done:
			return nil
		default:
			return ErrPoolStopped
		}
	}
}
