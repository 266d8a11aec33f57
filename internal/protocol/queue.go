package protocol

import (
	"errors"
	"sync"
)

// MaxQueue is the hard capacity of the per-session outbound queue.
// Producers must respect backpressure rather than grow it unboundedly.
const MaxQueue = 32

// Queue errors.
var (
	ErrQueueFull   = errors.New("protocol: outbound queue full")
	ErrQueueClosed = errors.New("protocol: outbound queue closed")
)

// Queue is the bounded FIFO of outbound events for one session. The writer
// goroutine pulls from C until it is closed; Close only takes effect after
// every queued event has been handed out, so termination never truncates
// pending user-turn data.
//
// The session coordinator is the sole producer and the one that closes the
// queue, so a push never races the close.
type Queue struct {
	mu     sync.Mutex
	ch     chan Outbound
	closed bool
}

// NewQueue creates a queue with MaxQueue capacity.
func NewQueue() *Queue {
	return &Queue{ch: make(chan Outbound, MaxQueue)}
}

// TryPush enqueues without blocking. Returns ErrQueueFull when the
// backpressure budget is exhausted; the caller defers, never drops.
func (q *Queue) TryPush(ev Outbound) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrQueueClosed
	}
	select {
	case q.ch <- ev:
		return nil
	default:
		return ErrQueueFull
	}
}

// Push enqueues, blocking while the queue is at capacity. Used for the
// small fixed sequences (opening, turn boundaries, termination) whose
// delivery must not be dropped.
func (q *Queue) Push(ev Outbound) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrQueueClosed
	}
	q.mu.Unlock()
	q.ch <- ev
	return nil
}

// Len reports the current queue depth.
func (q *Queue) Len() int { return len(q.ch) }

// Free reports whether another event fits within the budget.
func (q *Queue) Free() bool { return len(q.ch) < MaxQueue }

// Close marks the queue closed for producers. Events already queued remain
// readable from C until drained.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.ch)
	}
}

// C is the drain side consumed by the stream writer.
func (q *Queue) C() <-chan Outbound { return q.ch }
