package cloudclient

import (
	"sync"

	"github.com/carnitrack/edge/internal/domain"
	"github.com/carnitrack/edge/internal/metrics"
)

// queuedRequest is one deferred call, replayed in insertion order once
// the client observes a "connected" transition.
type queuedRequest struct {
	run  func() error
	done chan error
}

// offlineQueue is a bounded FIFO. When full, the oldest entry is
// dropped and its waiter fails with ErrQueueFull — SPEC_FULL.md §5.H.
type offlineQueue struct {
	mu       sync.Mutex
	items    []*queuedRequest
	capacity int
}

func newOfflineQueue(capacity int) *offlineQueue {
	return &offlineQueue{capacity: capacity}
}

// enqueue adds run to the tail, returning a channel the caller can wait
// on for the eventual outcome once the queue drains.
func (q *offlineQueue) enqueue(run func() error) <-chan error {
	item := &queuedRequest{run: run, done: make(chan error, 1)}

	q.mu.Lock()
	if q.capacity > 0 && len(q.items) >= q.capacity {
		dropped := q.items[0]
		q.items = q.items[1:]
		dropped.done <- domain.ErrQueueFull
	}
	q.items = append(q.items, item)
	depth := len(q.items)
	q.mu.Unlock()

	metrics.CloudQueueDepth.Set(float64(depth))
	return item.done
}

// drain runs every queued request in order, re-queueing at the tail
// any that fail (SPEC_FULL.md §5.H).
// Stops and returns false the first time a request fails, leaving the
// remainder (plus the failed one) queued for the next connected event.
func (q *offlineQueue) drain() (drained int, clean bool) {
	for {
		q.mu.Lock()
		if len(q.items) == 0 {
			q.mu.Unlock()
			return drained, true
		}
		item := q.items[0]
		q.items = q.items[1:]
		q.mu.Unlock()
		metrics.CloudQueueDepth.Set(float64(q.len()))

		err := item.run()
		if err != nil {
			q.requeue(item)
			return drained, false
		}
		item.done <- nil
		drained++
	}
}

func (q *offlineQueue) requeue(item *queuedRequest) {
	q.mu.Lock()
	q.items = append(q.items, item)
	q.mu.Unlock()
	metrics.CloudQueueDepth.Set(float64(q.len()))
}

func (q *offlineQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
