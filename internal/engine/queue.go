package engine

import (
	"sync"

	"github.com/harborview/ledgersync/internal/gateway"
)

// eventQueue is a thread-safe FIFO queue of confirmation events.
//
// The queue is unbounded so a burst of confirmations from the gateway
// never blocks the stream reader; the single consumer drains it in order.
//
// The queue uses a channel for signaling to enable context-aware waiting
// in the Run loop.
type eventQueue struct {
	mu     sync.Mutex
	events []gateway.ConfirmationEvent
	closed bool
	signal chan struct{} // buffered, size 1; coalesces availability signals
}

// newEventQueue creates an empty event queue.
func newEventQueue() *eventQueue {
	return &eventQueue{
		events: make([]gateway.ConfirmationEvent, 0, 64),
		signal: make(chan struct{}, 1),
	}
}

// Enqueue adds an event to the back of the queue.
// Thread-safe: may be called from any goroutine.
// Returns false if the queue is closed.
func (q *eventQueue) Enqueue(ev gateway.ConfirmationEvent) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}
	q.events = append(q.events, ev)

	select {
	case q.signal <- struct{}{}:
	default:
	}
	return true
}

// TryDequeue attempts to dequeue without blocking.
// Returns (zero, false) if the queue is empty.
func (q *eventQueue) TryDequeue() (gateway.ConfirmationEvent, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.events) == 0 {
		return gateway.ConfirmationEvent{}, false
	}

	ev := q.events[0]
	q.events[0] = gateway.ConfirmationEvent{}
	if len(q.events) == 1 {
		// Last element - reset to empty keeping the backing array.
		q.events = q.events[:0]
	} else {
		q.events = q.events[1:]
	}
	return ev, true
}

// Wait returns a channel that signals when events may be available.
// Use with select alongside ctx.Done().
func (q *eventQueue) Wait() <-chan struct{} {
	return q.signal
}

// Len returns the current queue length.
func (q *eventQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.events)
}

// Close signals that no more events will be enqueued.
// Wakes any blocked waiters by closing the signal channel.
func (q *eventQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.closed = true
	close(q.signal)
}
