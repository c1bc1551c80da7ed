package dispatch

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPool(t *testing.T) *ThreadPool {
	t.Helper()
	pool, err := NewThreadPool(WithMaxWorkers(4), WithMaxIdleTime(50*time.Millisecond))
	require.NoError(t, err)
	t.Cleanup(func() { pool.Stop(true) })
	return pool
}

func TestSerialQueueOrdering(t *testing.T) {
	pool := newTestPool(t)
	q := NewSerialQueue(pool)
	defer q.Close()

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	wg.Add(20)
	for i := 0; i < 20; i++ {
		i := i
		q.Async(NewTask(func() {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			wg.Done()
		}))
	}
	waitWithTimeout(t, &wg, time.Second)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, order, 20)
	for i, v := range order {
		assert.Equal(t, i, v, "serial queue must preserve submission order")
	}
}

func TestSerialQueueAtMostOneExecuting(t *testing.T) {
	pool := newTestPool(t)
	q := NewSerialQueue(pool)
	defer q.Close()

	var concurrent atomic.Int32
	var maxSeen atomic.Int32
	var wg sync.WaitGroup
	wg.Add(50)
	for i := 0; i < 50; i++ {
		q.Async(NewTask(func() {
			n := concurrent.Add(1)
			for {
				old := maxSeen.Load()
				if n <= old || maxSeen.CompareAndSwap(old, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			concurrent.Add(-1)
			wg.Done()
		}))
	}
	waitWithTimeout(t, &wg, 5*time.Second)
	assert.EqualValues(t, 1, maxSeen.Load())
}

func TestParallelQueueRunsEverything(t *testing.T) {
	pool := newTestPool(t)
	q := NewParallelQueue(pool)
	defer q.Close()

	var n atomic.Int64
	var wg sync.WaitGroup
	wg.Add(100)
	for i := 0; i < 100; i++ {
		q.Async(NewTask(func() {
			n.Add(1)
			wg.Done()
		}))
	}
	waitWithTimeout(t, &wg, 5*time.Second)
	assert.EqualValues(t, 100, n.Load())
}

func TestParallelQueueGroupAsync(t *testing.T) {
	pool := newTestPool(t)
	q := NewParallelQueue(pool)
	defer q.Close()

	g := NewGroup()
	var n atomic.Int64
	for i := 0; i < 30; i++ {
		q.GroupAsync(g, NewTask(func() { n.Add(1) }))
	}
	g.Wait()
	assert.EqualValues(t, 30, n.Load())
}

func TestQueueSync(t *testing.T) {
	pool := newTestPool(t)
	q := NewSerialQueue(pool)
	defer q.Close()

	var ran bool
	err := q.Sync(NewTask(func() { ran = true }))
	require.NoError(t, err)
	assert.True(t, ran)
}

func TestParallelQueueBarrierOrdering(t *testing.T) {
	pool := newTestPool(t)
	q := NewParallelQueue(pool)
	defer q.Close()

	var mu sync.Mutex
	var events []string

	var before sync.WaitGroup
	before.Add(5)
	for i := 0; i < 5; i++ {
		q.Async(NewTask(func() {
			time.Sleep(time.Millisecond)
			mu.Lock()
			events = append(events, "before")
			mu.Unlock()
			before.Done()
		}))
	}

	barrierRan := make(chan struct{})
	b := q.BarrierAsync(func() bool {
		mu.Lock()
		events = append(events, "barrier")
		mu.Unlock()
		close(barrierRan)
		return false
	})

	var after sync.WaitGroup
	after.Add(5)
	for i := 0; i < 5; i++ {
		q.Async(NewTask(func() {
			mu.Lock()
			events = append(events, "after")
			mu.Unlock()
			after.Done()
		}))
	}

	waitWithTimeout(t, &before, 2*time.Second)
	select {
	case <-barrierRan:
	case <-time.After(2 * time.Second):
		t.Fatal("barrier never ran")
	}
	waitWithTimeout(t, &after, 2*time.Second)

	require.Eventually(t, func() bool { return b.State() == BarrierDone }, time.Second, time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	barrierIdx := -1
	for i, e := range events {
		if e == "barrier" {
			barrierIdx = i
		}
	}
	require.GreaterOrEqual(t, barrierIdx, 5, "all 5 'before' tasks must precede the barrier")
	for i := 0; i < barrierIdx; i++ {
		assert.Equal(t, "before", events[i])
	}
	for i := barrierIdx + 1; i < len(events); i++ {
		assert.Equal(t, "after", events[i])
	}
}

func waitWithTimeout(t *testing.T, wg *sync.WaitGroup, d time.Duration) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(d):
		t.Fatal("timed out waiting for tasks to complete")
	}
}
