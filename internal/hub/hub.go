// Package hub delivers reconciliation outcomes and raw confirmation
// events to connected observers.
//
// Delivery is best-effort with no persistence: an observer connecting
// after an event misses it and must reconcile via a full-state query. All
// observers see events in the single global order they were published in;
// a slow or disconnected observer is dropped, never queued behind.
package hub

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"
)

// sendBuffer is the per-observer channel depth. An observer that falls
// this far behind is dropped to protect the publisher.
const sendBuffer = 32

// Envelope is the wire frame pushed to observers: a named event with a
// server-assigned sequence and timestamp.
type Envelope struct {
	Event string    `json:"event"`
	Seq   int64     `json:"seq"`
	At    time.Time `json:"at"`
	Data  any       `json:"data,omitempty"`
}

// Subscription is one observer's feed. C yields serialized envelopes in
// publish order; it closes when the observer is dropped or the hub shuts
// down.
type Subscription struct {
	id int64
	C  <-chan []byte
	ch chan []byte
}

// Hub is the broadcast fan-out.
//
// Thread-safety: all methods safe for concurrent use. Publish serializes
// the envelope once and fans the bytes out under a single lock, which is
// what guarantees every observer sees the same global order.
type Hub struct {
	mu     sync.Mutex
	subs   map[int64]*Subscription
	nextID int64
	seq    int64
	now    func() time.Time
	closed bool
}

// New creates an empty hub.
func New() *Hub {
	return &Hub{
		subs: make(map[int64]*Subscription),
		now:  time.Now,
	}
}

// WithNow overrides the timestamp clock for testing.
func (h *Hub) WithNow(now func() time.Time) *Hub {
	h.now = now
	return h
}

// Publish delivers a named event to every connected observer.
//
// Best-effort: an observer whose buffer is full is dropped silently; a
// marshal failure is logged and the event is skipped. Neither affects
// other observers or the caller.
func (h *Hub) Publish(event string, payload any) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}

	h.seq++
	raw, err := json.Marshal(Envelope{
		Event: event,
		Seq:   h.seq,
		At:    h.now().UTC(),
		Data:  payload,
	})
	if err != nil {
		slog.Error("hub: envelope marshal failed; event dropped", "event", event, "error", err)
		return
	}

	for id, sub := range h.subs {
		select {
		case sub.ch <- raw:
		default:
			// Observer too far behind; cut it loose rather than stall
			// or reorder its feed.
			slog.Warn("hub: dropping slow observer", "observer", id)
			delete(h.subs, id)
			close(sub.ch)
		}
	}
}

// Subscribe registers a new observer and returns its feed.
func (h *Hub) Subscribe() *Subscription {
	ch := make(chan []byte, sendBuffer)
	sub := &Subscription{C: ch, ch: ch}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		close(ch)
		return sub
	}
	h.nextID++
	sub.id = h.nextID
	h.subs[sub.id] = sub
	return sub
}

// Unsubscribe removes an observer. Safe to call after the observer was
// already dropped.
func (h *Hub) Unsubscribe(sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if s, ok := h.subs[sub.id]; ok && s == sub {
		delete(h.subs, sub.id)
		close(s.ch)
	}
}

// Observers returns the number of connected observers.
func (h *Hub) Observers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Seq returns the last published sequence number.
func (h *Hub) Seq() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.seq
}

// Close drops all observers and rejects further publishes and
// subscriptions. Idempotent.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for id, sub := range h.subs {
		delete(h.subs, id)
		close(sub.ch)
	}
}
