package scheduler

import (
	"container/heap"
	"sync"
)

// task is the dispatcher's unit of work: one pending delivery of a
// packet to one subscription, keyed for min-timestamp ordering.
type task struct {
	sourceID  SourceId
	cb        SinkFunc
	ctx       any
	pkt       Packet
	timestamp Time
}

// taskHeap is a container/heap.Interface over tasks, min-first on
// timestamp. Ties break arbitrarily (heap does not guarantee FIFO among
// equal keys), which matches spec.md §7's "equal timestamps break
// arbitrarily".
type taskHeap []task

func (h taskHeap) Len() int            { return len(h) }
func (h taskHeap) Less(i, j int) bool  { return h[i].timestamp < h[j].timestamp }
func (h taskHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *taskHeap) Push(x any)         { *h = append(*h, x.(task)) }
func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	*h = old[:n-1]
	return t
}

// taskQueue is one of the two dispatch queues (worker or UI): a
// min-timestamp heap guarded by a mutex, with a buffered wake-up channel
// standing in for the original design's condition variable. A channel
// is used instead of sync.Cond because it composes with select-based
// shutdown signaling (waitOrShutdown below) without requiring a second
// goroutine to translate a Cond broadcast into something selectable.
type taskQueue struct {
	mu     sync.Mutex
	heap   taskHeap
	wake   chan struct{}
	closed bool
}

func newTaskQueue() *taskQueue {
	return &taskQueue{wake: make(chan struct{}, 1)}
}

// push adds a task and signals one waiter. Safe to call after close;
// pushes after shutdown simply accumulate tasks nobody will pop, which
// is the behavior spec.md's shutdown race requires ("enqueued tasks may
// never run because workers exit").
func (q *taskQueue) push(t task) {
	q.mu.Lock()
	heap.Push(&q.heap, t)
	q.mu.Unlock()
	q.notify()
}

func (q *taskQueue) notify() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// close marks the queue closed and wakes at most one waiter; blocked
// waiters observe shutdown via the shutdownCh passed to waitOrShutdown,
// not via this queue's own state.
func (q *taskQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.notify()
}

// tryPop pops the minimum-timestamp task if one is available, without
// blocking.
func (q *taskQueue) tryPop() (task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.heap) == 0 {
		return task{}, false
	}
	return heap.Pop(&q.heap).(task), true
}

// waitOrShutdown blocks until either a task is available (returned with
// ok=true) or shutdownCh is closed (returns ok=false). It mirrors the
// worker loop's "wait on the condition while the queue is empty; after
// waking, re-check the shutdown flag" contract from spec.md §4.C.5,
// expressed with channels instead of a condition variable. Shutdown is
// checked before every pop, so tasks still queued at shutdown are left
// unrun.
func (q *taskQueue) waitOrShutdown(shutdownCh <-chan struct{}) (task, bool) {
	for {
		select {
		case <-shutdownCh:
			return task{}, false
		default:
		}
		if t, ok := q.tryPop(); ok {
			return t, true
		}
		select {
		case <-shutdownCh:
			return task{}, false
		case <-q.wake:
		}
	}
}

// len reports the current queue depth.
func (q *taskQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.heap)
}
