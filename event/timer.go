package event

import "container/heap"

// timerHeap is a min-heap of *TimerSource ordered by deadline, giving the
// dispatcher O(log n) access to the next timer to expire and O(log n)
// re-insertion for repeating timers.
type timerHeap []*TimerSource

func (h timerHeap) Len() int            { return len(h) }
func (h timerHeap) Less(i, j int) bool  { return h[i].deadline < h[j].deadline }
func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].heapIndex = i
	h[j].heapIndex = j
}

func (h *timerHeap) Push(x any) {
	t := x.(*TimerSource)
	t.heapIndex = len(*h)
	*h = append(*h, t)
}

func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.heapIndex = -1
	*h = old[:n-1]
	return t
}

// popExpired removes and returns every timer whose deadline is <= now.
func popExpired(h *timerHeap, now int64) []*TimerSource {
	var expired []*TimerSource
	for h.Len() > 0 && (*h)[0].deadline <= now {
		expired = append(expired, heap.Pop(h).(*TimerSource))
	}
	return expired
}

// nextDeadline returns the soonest pending deadline and true, or (0, false)
// if no timers are pending.
func nextDeadline(h *timerHeap) (int64, bool) {
	if h.Len() == 0 {
		return 0, false
	}
	return (*h)[0].deadline, true
}

func removeFromHeap(h *timerHeap, t *TimerSource) {
	if t.heapIndex < 0 || t.heapIndex >= h.Len() || (*h)[t.heapIndex] != t {
		return
	}
	heap.Remove(h, t.heapIndex)
}
