package webhook

import (
	"context"
	"sync"
)

// Queue is an unbounded FIFO of deliveries. Push never blocks.
type Queue struct {
	mu     sync.Mutex
	items  []*Delivery
	closed bool

	ready chan struct{}
	done  chan struct{}
}

// NewQueue returns an empty unbounded FIFO
func NewQueue() *Queue {
	return &Queue{
		ready: make(chan struct{}, 1),
		done:  make(chan struct{}),
	}
}

// Push appends d and reports whether it was accepted; a closed queue drops it
func (q *Queue) Push(d *Delivery) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.items = append(q.items, d)
	q.mu.Unlock()

	q.signal()
	return true
}

// Pop blocks until an item is available, the queue is closed, or ctx ends
func (q *Queue) Pop(ctx context.Context) (*Delivery, bool) {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return nil, false
		}
		if len(q.items) > 0 {
			d := q.items[0]
			q.items[0] = nil
			q.items = q.items[1:]
			more := len(q.items) > 0
			q.mu.Unlock()
			if more {
				q.signal()
			}
			return d, true
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, false
		case <-q.done:
			return nil, false
		case <-q.ready:
		}
	}
}

// Len returns the number of queued deliveries
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close stops further pushes and pops. Items still queued are abandoned.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.done)
}

func (q *Queue) signal() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}
