package event

import (
	"container/heap"
	"fmt"
	"sync"
	"time"

	"github.com/tsnorri/panvc3-dispatch"
	"github.com/tsnorri/panvc3-dispatch/dlog"
)

// eventKind classifies a single decoded kernel notification.
type eventKind int

const (
	evFD eventKind = iota
	evSignal
	evWake
	evStop
)

// rawEvent is what a platform backend decodes a single kernel notification
// into, before the Manager looks up interested sources.
type rawEvent struct {
	kind   eventKind
	fd     int
	dir    Direction
	signal int
}

// backend is implemented once per platform (poller_linux.go / poller_darwin.go).
type backend interface {
	close() error
	addFDInterest(fd int, dir Direction) error
	removeFDInterest(fd int, dir Direction) error
	addSignalInterest(sig int) error
	removeSignalInterest(sig int) error
	armTimer(deadline time.Time, active bool) error
	wake() error
	requestStop() error
	// wait blocks until at least one kernel notification (or the armed
	// timer, or a control event) is ready, and returns the decoded
	// notifications.
	wait() ([]rawEvent, error)
}

// Manager is a platform-abstracted kernel-event multiplexer: file
// descriptor readiness, signals, and timers, converted into task
// submissions on caller-selected dispatch queues. Setup must complete
// (via NewManager) before any Add* call; Run starts the single dispatcher
// goroutine.
type Manager struct {
	backend backend
	logger  *dlog.Logger

	mu            sync.Mutex
	fdSources     map[sourceKey][]*FileDescriptorSource
	signalSources map[int][]*SignalSource
	timers        timerHeap

	runOnce  sync.Once
	doneCh   chan struct{}
	startErr error
}

// NewManager performs platform setup (allocating the kernel handle) and
// returns a Manager ready for Add*/ScheduleTimer calls. The dispatcher
// goroutine is not started until Run is called.
func NewManager() (*Manager, error) {
	b, err := newBackend()
	if err != nil {
		return nil, err
	}
	return &Manager{
		backend:       b,
		logger:        dlog.Get(),
		fdSources:     make(map[sourceKey][]*FileDescriptorSource),
		signalSources: make(map[int][]*SignalSource),
		doneCh:        make(chan struct{}),
	}, nil
}

// Run starts the dispatcher loop and blocks until Stop is called or the
// backend reports a fatal error. It must be called at most once; calling
// it again returns a *dispatch.SetupError.
func (m *Manager) Run() error {
	started := false
	m.runOnce.Do(func() {
		started = true
		m.startErr = m.dispatchLoop()
	})
	if !started {
		return &dispatch.SetupError{Op: "Manager.Run", Message: "already started"}
	}
	return m.startErr
}

// Stop requests orderly dispatcher shutdown: it posts the stop control
// event in-band with I/O events. Pending already-submitted tasks run to
// completion on their queues; the dispatcher goroutine exits once it
// dequeues the stop event.
func (m *Manager) Stop() error {
	return m.backend.requestStop()
}

// Close releases the kernel handle. Call after Run has returned.
func (m *Manager) Close() error {
	return m.backend.close()
}

// Done returns a channel closed once the dispatcher loop has exited.
func (m *Manager) Done() <-chan struct{} {
	return m.doneCh
}

func (m *Manager) dispatchLoop() error {
	defer close(m.doneCh)
	for {
		events, err := m.backend.wait()
		if err != nil {
			m.logger.Err().Err(err).Log("event manager wait failed")
			return err
		}

		stop := false
		for _, e := range events {
			switch e.kind {
			case evStop:
				stop = true
			case evWake:
				// No-op besides re-evaluating timers below; used to
				// make the dispatcher re-check deadlines after a
				// ScheduleTimer call races ahead of the current wait.
			case evFD:
				m.dispatchFD(e.fd, e.dir)
			case evSignal:
				m.dispatchSignal(e.signal)
			}
		}

		m.dispatchTimers()

		if stop {
			return nil
		}
	}
}

func (m *Manager) dispatchFD(fd int, dir Direction) {
	m.mu.Lock()
	srcs := append([]*FileDescriptorSource(nil), m.fdSources[sourceKey{ident: fd, filter: dirFilter(dir)}]...)
	m.mu.Unlock()
	for _, s := range srcs {
		s.fire()
	}
}

func (m *Manager) dispatchSignal(sig int) {
	m.mu.Lock()
	srcs := append([]*SignalSource(nil), m.signalSources[sig]...)
	m.mu.Unlock()
	for _, s := range srcs {
		s.fire()
	}
}

func (m *Manager) dispatchTimers() {
	now := time.Now().UnixNano()
	m.mu.Lock()
	expired := popExpired(&m.timers, now)
	for _, t := range expired {
		if t.repeats {
			t.deadline += t.interval
			heap.Push(&m.timers, t)
		}
	}
	deadline, has := nextDeadline(&m.timers)
	m.mu.Unlock()

	for _, t := range expired {
		t.fire()
	}

	if has {
		_ = m.backend.armTimer(time.Unix(0, deadline), true)
	} else {
		_ = m.backend.armTimer(time.Time{}, false)
	}
}

func dirFilter(d Direction) filterKind {
	if d == Write {
		return filterWrite
	}
	return filterRead
}

// AddFileDescriptorReadEventSource registers queue/task to fire whenever fd
// becomes readable (edge-triggered: fire at most once per readiness
// transition; drain fd fully in task).
func (m *Manager) AddFileDescriptorReadEventSource(fd int, queue dispatch.Queue, task dispatch.Task) (*FileDescriptorSource, error) {
	return m.addFD(fd, Read, queue, task)
}

// AddFileDescriptorWriteEventSource registers queue/task to fire whenever
// fd becomes writable.
func (m *Manager) AddFileDescriptorWriteEventSource(fd int, queue dispatch.Queue, task dispatch.Task) (*FileDescriptorSource, error) {
	return m.addFD(fd, Write, queue, task)
}

func (m *Manager) addFD(fd int, dir Direction, queue dispatch.Queue, task dispatch.Task) (*FileDescriptorSource, error) {
	key := sourceKey{ident: fd, filter: dirFilter(dir)}
	s := &FileDescriptorSource{FD: fd, Direction: dir}
	s.source = newSource(m, key, queue, task)

	m.mu.Lock()
	first := len(m.fdSources[key]) == 0
	m.fdSources[key] = append(m.fdSources[key], s)
	m.mu.Unlock()

	if first {
		if err := m.backend.addFDInterest(fd, dir); err != nil {
			m.mu.Lock()
			m.removeLocked(key, s)
			m.mu.Unlock()
			return nil, fmt.Errorf("dispatch/event: register fd %d (%s): %w", fd, dir, err)
		}
	}
	return s, nil
}

func (m *Manager) removeFD(s *FileDescriptorSource) error {
	s.Disable()
	m.mu.Lock()
	last := m.removeLocked(s.key, s)
	m.mu.Unlock()
	if last {
		return m.backend.removeFDInterest(s.FD, s.Direction)
	}
	return nil
}

func (m *Manager) removeLocked(key sourceKey, s *FileDescriptorSource) bool {
	list := m.fdSources[key]
	for i, cand := range list {
		if cand == s {
			list = append(list[:i:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(m.fdSources, key)
		return true
	}
	m.fdSources[key] = list
	return false
}

// AddSignalEventSource blocks signo process-wide (if not already blocked
// for another source) and registers queue/task to fire on delivery.
func (m *Manager) AddSignalEventSource(signo int, queue dispatch.Queue, task dispatch.Task) (*SignalSource, error) {
	key := sourceKey{ident: signo, filter: filterSignal}
	s := &SignalSource{Signal: signo}
	s.source = newSource(m, key, queue, task)

	m.mu.Lock()
	first := len(m.signalSources[signo]) == 0
	m.signalSources[signo] = append(m.signalSources[signo], s)
	m.mu.Unlock()

	if first {
		if err := m.backend.addSignalInterest(signo); err != nil {
			m.mu.Lock()
			m.removeSignalLocked(signo, s)
			m.mu.Unlock()
			return nil, fmt.Errorf("dispatch/event: register signal %d: %w", signo, err)
		}
	}
	return s, nil
}

func (m *Manager) removeSignal(s *SignalSource) error {
	s.Disable()
	m.mu.Lock()
	last := m.removeSignalLocked(s.Signal, s)
	m.mu.Unlock()
	if last {
		return m.backend.removeSignalInterest(s.Signal)
	}
	return nil
}

func (m *Manager) removeSignalLocked(signo int, s *SignalSource) bool {
	list := m.signalSources[signo]
	for i, cand := range list {
		if cand == s {
			list = append(list[:i:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(m.signalSources, signo)
		return true
	}
	m.signalSources[signo] = list
	return false
}

// ScheduleTimer arms a timer that fires task on queue after interval. If
// repeats is true, it re-arms at deadline+interval (not wall-clock
// now+interval) to avoid drift.
func (m *Manager) ScheduleTimer(interval time.Duration, repeats bool, queue dispatch.Queue, task dispatch.Task) (*TimerSource, error) {
	if interval <= 0 {
		return nil, &dispatch.SetupError{Op: "ScheduleTimer", Message: "interval must be > 0"}
	}
	t := &TimerSource{
		deadline: time.Now().Add(interval).UnixNano(),
		interval: interval.Nanoseconds(),
		repeats:  repeats,
	}
	t.source = newSource(m, sourceKey{filter: filterTimer}, queue, task)

	m.mu.Lock()
	heap.Push(&m.timers, t)
	deadline, _ := nextDeadline(&m.timers)
	m.mu.Unlock()

	if err := m.backend.armTimer(time.Unix(0, deadline), true); err != nil {
		return nil, fmt.Errorf("dispatch/event: arm timer: %w", err)
	}
	_ = m.backend.wake()
	return t, nil
}

func (m *Manager) removeTimer(t *TimerSource) error {
	t.Disable()
	m.mu.Lock()
	removeFromHeap(&m.timers, t)
	deadline, has := nextDeadline(&m.timers)
	m.mu.Unlock()
	if has {
		return m.backend.armTimer(time.Unix(0, deadline), true)
	}
	return m.backend.armTimer(time.Time{}, false)
}
