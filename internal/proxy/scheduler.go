package proxy

import (
	"container/heap"
	"context"
	"sync"
)

// Request priorities, lower is served first. The model server chokes
// when too many generations run at once, so cheap control-plane calls
// jump the queue while bulk pulls wait behind everything interactive.
const (
	PrioritySystem     = 1
	PriorityGenerate   = 2
	PriorityEmbeddings = 3
	PriorityChat       = 4
	PriorityPull       = 5
	PriorityOther      = 10
)

// Scheduler admits at most capacity holders at a time. Waiters are
// served by ascending priority, FIFO within a priority.
type Scheduler struct {
	mu       sync.Mutex
	waiters  waiterHeap
	active   int
	capacity int
	seq      uint64
}

func NewScheduler(capacity int) *Scheduler {
	if capacity < 1 {
		capacity = 1
	}
	return &Scheduler{capacity: capacity}
}

type waiter struct {
	priority int
	seq      uint64
	ready    chan struct{}
	granted  bool
	index    int
}

// Acquire blocks until a slot is granted or ctx ends. The returned
// release function must be called exactly once after the work is done.
func (s *Scheduler) Acquire(ctx context.Context, priority int) (func(), error) {
	w := &waiter{priority: priority, ready: make(chan struct{})}

	s.mu.Lock()
	s.seq++
	w.seq = s.seq
	heap.Push(&s.waiters, w)
	s.grantLocked()
	s.mu.Unlock()

	select {
	case <-w.ready:
		return func() { s.release() }, nil
	case <-ctx.Done():
		s.mu.Lock()
		if w.granted {
			// The grant raced the deadline. We own a slot now, so pass
			// it straight to the next waiter.
			s.active--
			s.grantLocked()
			s.mu.Unlock()
			return nil, ctx.Err()
		}
		heap.Remove(&s.waiters, w.index)
		s.mu.Unlock()
		return nil, ctx.Err()
	}
}

func (s *Scheduler) release() {
	s.mu.Lock()
	s.active--
	s.grantLocked()
	s.mu.Unlock()
}

func (s *Scheduler) grantLocked() {
	for s.active < s.capacity && s.waiters.Len() > 0 {
		w := heap.Pop(&s.waiters).(*waiter)
		w.granted = true
		s.active++
		close(w.ready)
	}
}

// Stats reports the in-flight and queued request counts.
func (s *Scheduler) Stats() (active, queued int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active, s.waiters.Len()
}

func (s *Scheduler) Capacity() int { return s.capacity }

type waiterHeap []*waiter

func (h waiterHeap) Len() int { return len(h) }

func (h waiterHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority < h[j].priority
	}
	return h[i].seq < h[j].seq
}

func (h waiterHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *waiterHeap) Push(x any) {
	w := x.(*waiter)
	w.index = len(*h)
	*h = append(*h, w)
}

func (h *waiterHeap) Pop() any {
	old := *h
	n := len(old)
	w := old[n-1]
	old[n-1] = nil
	w.index = -1
	*h = old[:n-1]
	return w
}
