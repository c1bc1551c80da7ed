package event

import (
	"os"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsnorri/panvc3-dispatch"
)

func newTestManager(t *testing.T) (*Manager, *dispatch.ThreadPool) {
	t.Helper()
	pool, err := dispatch.NewThreadPool(dispatch.WithMaxWorkers(4))
	require.NoError(t, err)
	t.Cleanup(func() { pool.Stop(true) })

	mgr, err := NewManager()
	require.NoError(t, err)
	t.Cleanup(func() { mgr.Close() })

	go mgr.Run()
	t.Cleanup(func() {
		mgr.Stop()
		<-mgr.Done()
	})

	return mgr, pool
}

func TestPipeReadWakeup(t *testing.T) {
	mgr, pool := newTestManager(t)
	q := dispatch.NewParallelQueue(pool)
	defer q.Close()

	r, w, err := os.Pipe()
	require.NoError(t, err)
	defer r.Close()
	defer w.Close()

	var fired atomic.Bool
	src, err := mgr.AddFileDescriptorReadEventSource(int(r.Fd()), q, dispatch.NewTask(func() {
		fired.Store(true)
	}))
	require.NoError(t, err)
	defer src.Remove()

	_, err = w.Write([]byte{1})
	require.NoError(t, err)

	require.Eventually(t, fired.Load, time.Second, 5*time.Millisecond)
}

func TestPipeWriteReadiness(t *testing.T) {
	mgr, pool := newTestManager(t)
	q := dispatch.NewParallelQueue(pool)
	defer q.Close()

	r, w, err := os.Pipe()
	require.NoError(t, err)
	defer r.Close()
	defer w.Close()

	var fired atomic.Bool
	src, err := mgr.AddFileDescriptorWriteEventSource(int(w.Fd()), q, dispatch.NewTask(func() {
		fired.Store(true)
	}))
	require.NoError(t, err)
	defer src.Remove()

	require.Eventually(t, fired.Load, time.Second, 5*time.Millisecond, "a pipe's write end is writable from the start")
}

func TestSignalDelivery(t *testing.T) {
	mgr, pool := newTestManager(t)
	q := dispatch.NewParallelQueue(pool)
	defer q.Close()

	var fired atomic.Bool
	src, err := mgr.AddSignalEventSource(int(syscall.SIGUSR1), q, dispatch.NewTask(func() {
		fired.Store(true)
	}))
	require.NoError(t, err)
	defer src.Remove()

	require.NoError(t, syscall.Kill(os.Getpid(), syscall.SIGUSR1))

	require.Eventually(t, fired.Load, time.Second, 5*time.Millisecond)
}

func TestOneShotTimer(t *testing.T) {
	mgr, pool := newTestManager(t)
	q := dispatch.NewParallelQueue(pool)
	defer q.Close()

	var n atomic.Int32
	src, err := mgr.ScheduleTimer(100*time.Millisecond, false, q, dispatch.NewTask(func() {
		n.Add(1)
	}))
	require.NoError(t, err)
	defer src.Remove()

	require.Eventually(t, func() bool { return n.Load() >= 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.EqualValues(t, 1, n.Load(), "a non-repeating timer must fire at most once")
}

func TestRepeatingTimer(t *testing.T) {
	mgr, pool := newTestManager(t)
	q := dispatch.NewParallelQueue(pool)
	defer q.Close()

	var n atomic.Int32
	src, err := mgr.ScheduleTimer(100*time.Millisecond, true, q, dispatch.NewTask(func() {
		n.Add(1)
	}))
	require.NoError(t, err)
	defer src.Remove()

	require.Eventually(t, func() bool { return n.Load() >= 2 }, time.Second, 5*time.Millisecond)
}

func TestTwoRepeatingTimers(t *testing.T) {
	mgr, pool := newTestManager(t)
	q := dispatch.NewParallelQueue(pool)
	defer q.Close()

	var slow, fast atomic.Int32
	slowSrc, err := mgr.ScheduleTimer(200*time.Millisecond, true, q, dispatch.NewTask(func() {
		slow.Add(1)
	}))
	require.NoError(t, err)
	defer slowSrc.Remove()

	fastSrc, err := mgr.ScheduleTimer(150*time.Millisecond, true, q, dispatch.NewTask(func() {
		fast.Add(1)
	}))
	require.NoError(t, err)
	defer fastSrc.Remove()

	time.Sleep(time.Second)
	assert.GreaterOrEqual(t, slow.Load(), int32(2))
	assert.GreaterOrEqual(t, fast.Load(), int32(2))
	assert.GreaterOrEqual(t, fast.Load(), slow.Load(), "the 150ms timer must fire at least as often as the 200ms one")
}

func TestDisabledSourceIsSilentlyDropped(t *testing.T) {
	mgr, pool := newTestManager(t)
	q := dispatch.NewParallelQueue(pool)
	defer q.Close()

	r, w, err := os.Pipe()
	require.NoError(t, err)
	defer r.Close()
	defer w.Close()

	var fired atomic.Bool
	src, err := mgr.AddFileDescriptorReadEventSource(int(r.Fd()), q, dispatch.NewTask(func() {
		fired.Store(true)
	}))
	require.NoError(t, err)
	src.Disable()

	_, err = w.Write([]byte{1})
	require.NoError(t, err)
	time.Sleep(50 * time.Millisecond)

	assert.False(t, fired.Load(), "a firing while disabled must be dropped, not queued")
	require.NoError(t, src.Remove())
}

func TestRemoveSourceIsIdempotent(t *testing.T) {
	mgr, pool := newTestManager(t)
	q := dispatch.NewParallelQueue(pool)
	defer q.Close()

	r, w, err := os.Pipe()
	require.NoError(t, err)
	defer r.Close()
	defer w.Close()

	src, err := mgr.AddFileDescriptorReadEventSource(int(r.Fd()), q, dispatch.NewTask(func() {}))
	require.NoError(t, err)

	require.NoError(t, src.Remove())
	require.NoError(t, src.Remove(), "removing a source twice must be a no-op, not an error")
}
