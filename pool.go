package dispatch

import (
	"math"
	"runtime"
	"runtime/debug"
	"sync"
	"time"

	"github.com/tsnorri/panvc3-dispatch/dlog"
)

// defaultMaxWorkers mirrors the original dispatch core's
// default_max_worker_threads: ceil(1.5 * hardware concurrency), minimum 1.
func defaultMaxWorkers() int {
	n := int(math.Ceil(1.5 * float64(runtime.NumCPU())))
	if n < 1 {
		n = 1
	}
	return n
}

// queueBackend is the non-owning view a ThreadPool holds of a Queue: just
// enough to round-robin-drain it. Queues register themselves on
// construction and deregister on Close, breaking the pool/queue cyclic
// ownership by keeping the pool's references non-owning.
type queueBackend interface {
	tryDequeue() (func(), bool)
}

// ThreadPool owns a dynamically sized set of worker goroutines draining a
// round-robin list of registered queues. Workers never busy-wait: every
// idle/active transition goes through the pool's wake channel or a
// queue's own try-dequeue.
type ThreadPool struct {
	opts   poolOptions
	logger *dlog.Logger

	mu              sync.Mutex
	currentWorkers  int
	idleWorkers     int
	notifiedWorkers int
	waitingTasks    int
	shouldContinue  bool
	wakeCh          chan struct{}

	stopOnce sync.Once
	stopCh   chan struct{}

	abortOnce sync.Once
	abortCh   chan struct{}

	qmu    sync.RWMutex
	queues []queueBackend

	wg sync.WaitGroup
}

// NewThreadPool constructs a ThreadPool. No workers are started until the
// first queue submission calls notify(); growth is greedy up to
// max_workers, shrinkage is lazy via idle timeout.
func NewThreadPool(opts ...PoolOption) (*ThreadPool, error) {
	cfg, err := resolvePoolOptions(opts)
	if err != nil {
		return nil, err
	}
	return &ThreadPool{
		opts:           *cfg,
		logger:         dlog.Get(),
		shouldContinue: true,
		wakeCh:         make(chan struct{}, 1),
		stopCh:         make(chan struct{}),
		abortCh:        make(chan struct{}),
	}, nil
}

// MaxWorkers returns the configured worker ceiling.
func (p *ThreadPool) MaxWorkers() int {
	return p.opts.maxWorkers
}

// CurrentWorkers returns the number of live worker goroutines. Intended
// for tests and metrics; the value may be stale the instant it's read.
func (p *ThreadPool) CurrentWorkers() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.currentWorkers
}

func (p *ThreadPool) registerQueue(q queueBackend) {
	p.qmu.Lock()
	p.queues = append(p.queues, q)
	p.qmu.Unlock()
}

func (p *ThreadPool) deregisterQueue(q queueBackend) {
	p.qmu.Lock()
	defer p.qmu.Unlock()
	for i, qq := range p.queues {
		if qq == q {
			p.queues = append(p.queues[:i:i], p.queues[i+1:]...)
			return
		}
	}
}

func (p *ThreadPool) snapshotQueues() []queueBackend {
	p.qmu.RLock()
	defer p.qmu.RUnlock()
	if len(p.queues) == 0 {
		return nil
	}
	out := make([]queueBackend, len(p.queues))
	copy(out, p.queues)
	return out
}

// notify is called by a queue when it has new work: wakes an idle worker
// if one is available, else spawns a new one up to max_workers. It
// accounts the new work in waitingTasks, which a worker re-checks (by
// re-attempting dequeue, not by reading this counter directly) under p.mu
// immediately before committing to idle, closing the race where a task
// lands in the window between a worker's last empty scan and it recording
// itself idle.
func (p *ThreadPool) notify() {
	p.mu.Lock()
	p.waitingTasks++
	p.mu.Unlock()
	p.signalOrSpawn()
}

// signalOrSpawn wakes one idle worker, or spawns a new one up to
// max_workers, without touching waitingTasks. Used by notify (after
// accounting new work) and by a barrier that just resolved (exposing
// already-accounted-for post-barrier items, so nothing new to count).
func (p *ThreadPool) signalOrSpawn() {
	p.mu.Lock()
	if p.idleWorkers > p.notifiedWorkers {
		p.notifiedWorkers++
		p.mu.Unlock()
		select {
		case p.wakeCh <- struct{}{}:
		default:
		}
		return
	}
	spawn := p.currentWorkers < p.opts.maxWorkers
	if spawn {
		p.currentWorkers++
	}
	p.mu.Unlock()
	if spawn {
		p.startWorker()
	}
}

// clampNotifiedLocked bounds notifiedWorkers to idleWorkers. A worker that
// stops being idle via timeout or Stop, rather than by consuming a wake
// signal, may leave notifiedWorkers overcounting outstanding wakes (the
// signal it was never around to receive); without this, notify() would
// under-wake future idle workers. Caller must hold p.mu.
func (p *ThreadPool) clampNotifiedLocked() {
	if p.notifiedWorkers > p.idleWorkers {
		p.notifiedWorkers = p.idleWorkers
	}
}

func (p *ThreadPool) startWorker() {
	p.wg.Add(1)
	go p.runWorker()
}

// drainOnce runs one dequeued task, if q yields one, and accounts it
// against waitingTasks. It reports whether it found work.
func (p *ThreadPool) drainOnce(q queueBackend) bool {
	work, ok := q.tryDequeue()
	if !ok {
		return false
	}
	p.execute(work)
	p.mu.Lock()
	if p.waitingTasks > 0 {
		p.waitingTasks--
	}
	p.mu.Unlock()
	return true
}

func (p *ThreadPool) runWorker() {
	defer p.wg.Done()
	for {
		queues := p.snapshotQueues()
		progressed := false
		for _, q := range queues {
			if p.drainOnce(q) {
				progressed = true
			}
		}
		if progressed {
			continue
		}

		p.mu.Lock()
		if !p.shouldContinue {
			p.currentWorkers--
			p.mu.Unlock()
			return
		}
		// Re-attempt dequeue with p.mu held before committing to idle.
		// A concurrent Async appends to a queue (under that queue's own
		// mutex) and only then calls notify/signalOrSpawn, which needs
		// p.mu: so any submission racing with this idle transition
		// either finished its append before this re-check (and is found
		// here) or is blocked acquiring p.mu until idleWorkers is
		// incremented below (and so will correctly see this worker as
		// idle and wake it). Either way the task is never stranded.
		var late func()
		for _, q := range queues {
			if work, ok := q.tryDequeue(); ok {
				late = work
				break
			}
		}
		if late != nil {
			p.mu.Unlock()
			p.execute(late)
			p.mu.Lock()
			if p.waitingTasks > 0 {
				p.waitingTasks--
			}
			p.mu.Unlock()
			continue
		}
		p.idleWorkers++
		p.mu.Unlock()

		timer := time.NewTimer(p.opts.maxIdleTime)
		select {
		case <-p.wakeCh:
			timer.Stop()
			p.mu.Lock()
			p.idleWorkers--
			if p.notifiedWorkers > 0 {
				p.notifiedWorkers--
			}
			stop := !p.shouldContinue
			if stop {
				p.currentWorkers--
			}
			p.mu.Unlock()
			if stop {
				return
			}
		case <-p.stopCh:
			timer.Stop()
			p.mu.Lock()
			p.idleWorkers--
			p.currentWorkers--
			p.clampNotifiedLocked()
			p.mu.Unlock()
			return
		case <-timer.C:
			p.mu.Lock()
			if p.currentWorkers <= p.opts.minWorkers {
				p.idleWorkers--
				p.clampNotifiedLocked()
				p.mu.Unlock()
				continue
			}
			p.idleWorkers--
			p.currentWorkers--
			p.clampNotifiedLocked()
			p.mu.Unlock()
			return
		}
	}
}

func (p *ThreadPool) execute(work func()) {
	defer func() {
		if r := recover(); r != nil {
			stack := debug.Stack()
			p.logger.Err().Err(&TaskPanicError{Recovered: r, Stack: stack}).Log("task panicked")
			if p.opts.panicHandler != nil {
				func() {
					defer func() { _ = recover() }()
					p.opts.panicHandler(r)
				}()
			}
		}
	}()
	work()
}

// Stop transitions should_continue to false and wakes every idle worker so
// it can observe the change and terminate. Workers already mid-pass finish
// draining whatever is already in their queues before re-checking
// should_continue — pending tasks still run to completion. With wait=true,
// Stop blocks until every worker has exited.
func (p *ThreadPool) Stop(wait bool) {
	p.mu.Lock()
	p.shouldContinue = false
	p.mu.Unlock()
	p.stopOnce.Do(func() { close(p.stopCh) })
	if wait {
		p.Wait()
	}
}

// Wait blocks until every worker goroutine has exited.
func (p *ThreadPool) Wait() {
	p.wg.Wait()
}

// requestAbort is invoked when a barrier callable requests cooperative
// shutdown (DoStop): it stops the pool and additionally unblocks any Sync
// caller whose task never got a chance to run.
func (p *ThreadPool) requestAbort() {
	p.abortOnce.Do(func() { close(p.abortCh) })
	p.Stop(false)
}
