package dispatch

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewThreadPoolDefaultMaxWorkers(t *testing.T) {
	pool, err := NewThreadPool()
	require.NoError(t, err)
	defer pool.Stop(true)
	assert.GreaterOrEqual(t, pool.MaxWorkers(), 1)
}

func TestThreadPoolRespectsMaxWorkers(t *testing.T) {
	pool, err := NewThreadPool(WithMaxWorkers(2))
	require.NoError(t, err)
	defer pool.Stop(true)
	assert.Equal(t, 2, pool.MaxWorkers())

	q := NewParallelQueue(pool)
	defer q.Close()

	var inFlight atomic.Int32
	var maxInFlight atomic.Int32
	release := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(10)
	for i := 0; i < 10; i++ {
		q.Async(NewTask(func() {
			n := inFlight.Add(1)
			for {
				old := maxInFlight.Load()
				if n <= old || maxInFlight.CompareAndSwap(old, n) {
					break
				}
			}
			<-release
			inFlight.Add(-1)
			wg.Done()
		}))
	}

	time.Sleep(50 * time.Millisecond)
	close(release)
	waitWithTimeout(t, &wg, 2*time.Second)

	assert.LessOrEqual(t, int(maxInFlight.Load()), 2)
	assert.LessOrEqual(t, pool.CurrentWorkers(), 2)
}

func TestThreadPoolIdleWorkersReap(t *testing.T) {
	pool, err := NewThreadPool(WithMaxWorkers(4), WithMaxIdleTime(20*time.Millisecond))
	require.NoError(t, err)
	defer pool.Stop(true)

	q := NewParallelQueue(pool)
	defer q.Close()

	var wg sync.WaitGroup
	wg.Add(4)
	for i := 0; i < 4; i++ {
		q.Async(NewTask(func() { wg.Done() }))
	}
	waitWithTimeout(t, &wg, time.Second)

	require.Eventually(t, func() bool {
		return pool.CurrentWorkers() == 0
	}, time.Second, 5*time.Millisecond, "idle workers should be reaped after MaxIdleTime")
}

func TestThreadPoolStopWaitDrainsPending(t *testing.T) {
	pool, err := NewThreadPool(WithMaxWorkers(2))
	require.NoError(t, err)

	q := NewParallelQueue(pool)
	defer q.Close()

	var n atomic.Int64
	for i := 0; i < 20; i++ {
		q.Async(NewTask(func() {
			time.Sleep(time.Millisecond)
			n.Add(1)
		}))
	}

	pool.Stop(true)
	assert.EqualValues(t, 20, n.Load(), "Stop(true) must let pending tasks run to completion")
}

func TestThreadPoolWait(t *testing.T) {
	pool, err := NewThreadPool(WithMaxWorkers(2))
	require.NoError(t, err)

	q := NewParallelQueue(pool)
	defer q.Close()

	var ran atomic.Bool
	q.Async(NewTask(func() {
		time.Sleep(10 * time.Millisecond)
		ran.Store(true)
	}))

	pool.Stop(false)
	pool.Wait()
	assert.True(t, ran.Load())
}

func TestThreadPoolPanicRecovery(t *testing.T) {
	var handled atomic.Value
	pool, err := NewThreadPool(WithMaxWorkers(1), WithPanicHandler(func(r any) {
		handled.Store(r)
	}))
	require.NoError(t, err)
	defer pool.Stop(true)

	q := NewSerialQueue(pool)
	defer q.Close()

	q.Async(NewTask(func() { panic("boom") }))

	var ran bool
	require.NoError(t, q.Sync(NewTask(func() { ran = true })))
	assert.True(t, ran, "queue must keep processing after a task panics")

	require.Eventually(t, func() bool {
		v := handled.Load()
		return v != nil && v.(string) == "boom"
	}, time.Second, time.Millisecond)
}
