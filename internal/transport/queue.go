package transport

import (
	"context"
	"sync"

	"github.com/ephemeralrooms/ephemeralrooms/internal/errs"
	"github.com/ephemeralrooms/ephemeralrooms/internal/wire"
)

// DefaultQueueCapacity bounds how many outbound messages a connection will
// hold before applying backpressure (spec.md §4.9 backpressure policy).
const DefaultQueueCapacity = 256

// OutboundQueue is a bounded FIFO of pending outbound frames sitting
// between a connection's writer (Enqueue) and its single drain goroutine
// (Dequeue). At capacity, an ordinary application frame is dropped to make
// room for the newest one; a control frame instead closes the queue
// permanently, since silently dropping a control frame (handshake,
// rekey, heartbeat) would desynchronize the two ends.
type OutboundQueue struct {
	mu       sync.Mutex
	items    [][]byte
	capacity int
	closed   bool
	notify   chan struct{}
}

// NewOutboundQueue builds an OutboundQueue holding at most capacity
// frames.
func NewOutboundQueue(capacity int) *OutboundQueue {
	return &OutboundQueue{
		capacity: capacity,
		notify:   make(chan struct{}, 1),
	}
}

// Enqueue appends data to the queue. When the queue is already at
// capacity, a non-control frame evicts the oldest queued non-control
// frame (or is itself dropped when every queued frame is a control
// frame); queued control frames are never evicted. A control frame instead closes the
// queue and returns errs.ErrQueueClosed, so the caller can tear the
// connection down rather than silently lose state. Enqueue on an already
// closed queue always returns errs.ErrQueueClosed.
func (q *OutboundQueue) Enqueue(data []byte, control bool) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return errs.ErrQueueClosed
	}

	if len(q.items) >= q.capacity {
		if control {
			q.closed = true
			q.wake()
			return errs.ErrQueueClosed
		}
		// Drop-oldest: make room for the newest frame rather than stall
		// the writer behind a backlog of stale chat traffic. Only an
		// application frame is evicted; queued control frames stay.
		for i, queued := range q.items {
			if !wire.IsControl(queued) {
				q.items = append(append(q.items[:i], q.items[i+1:]...), data)
				q.wake()
				return nil
			}
		}
		return nil
	}

	q.items = append(q.items, data)
	q.wake()
	return nil
}

// Dequeue blocks until a frame is available, the queue is closed, or ctx
// ends.
func (q *OutboundQueue) Dequeue(ctx context.Context) ([]byte, error) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			data := q.items[0]
			q.items = q.items[1:]
			q.mu.Unlock()
			return data, nil
		}
		closed := q.closed
		q.mu.Unlock()
		if closed {
			return nil, errs.ErrQueueClosed
		}

		select {
		case <-q.notify:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Close permanently closes the queue; any blocked or future Dequeue
// returns errs.ErrQueueClosed.
func (q *OutboundQueue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.wake()
}

// wake must be called with q.mu held.
func (q *OutboundQueue) wake() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}
