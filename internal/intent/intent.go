// Package intent holds write intents that have been submitted to the
// ledger gateway but not yet confirmed.
//
// An intent records the off-chain half of a submission: the metadata the
// caller wants attached to an entity whose ledger-assigned identifier is
// not yet known. Intents are keyed by the provisional transaction id the
// gateway returned at submission time, and queued FIFO per actor so that
// confirmations - which the gateway delivers in submission order for a
// single actor - match back to the right intent.
package intent

import (
	"fmt"
	"sync"
	"time"

	"github.com/harborview/ledgersync/internal/identity"
)

// Intent is a write-in-progress record awaiting ledger confirmation.
type Intent struct {
	// ProvisionalTxID is the gateway-assigned transaction identifier.
	// Opaque to the core; unique per submission.
	ProvisionalTxID string `json:"provisional_tx_id"`

	// Actor is the submitting identity, stored in normalized form.
	Actor string `json:"actor"`

	// Payload is the metadata to attach once the entity id is known.
	Payload map[string]string `json:"payload"`

	// SubmittedAt is when the command was acknowledged by the gateway.
	SubmittedAt time.Time `json:"submitted_at"`
}

// Store is the pending-intent store: one FIFO queue per actor.
//
// Concurrency contract:
//   - Put is called by many request handlers concurrently.
//   - TakeOldestForActor is called by the single reconciliation consumer.
//   - ExpireOlderThan is called by the orphan sweeper on its own timer.
//
// TakeOldestForActor and ExpireOlderThan are both "take" operations and
// must be serialized against each other, not merely against themselves:
// a sweep removing an intent must not race an in-flight match for it.
// A single mutex over all queues gives that for free; every operation
// is short (no I/O under the lock).
type Store struct {
	mu     sync.Mutex
	queues map[string][]*Intent
	clock  func() time.Time
}

// NewStore creates an empty intent store.
func NewStore() *Store {
	return &Store{
		queues: make(map[string][]*Intent),
		clock:  time.Now,
	}
}

// WithClock overrides the clock for testing.
func (s *Store) WithClock(clock func() time.Time) *Store {
	s.clock = clock
	return s
}

// Put records a pending intent. The provisional tx id is caller-supplied,
// obtained from the gateway's submission acknowledgment; Put must never
// run before that acknowledgment (no intent without a submitted command).
//
// The actor identity is normalized before queuing so that gateway-side
// representation differences cannot break matching.
func (s *Store) Put(it Intent) error {
	if it.ProvisionalTxID == "" {
		return fmt.Errorf("intent: provisional tx id must not be empty")
	}
	if it.Actor == "" {
		return fmt.Errorf("intent: actor must not be empty")
	}
	it.Actor = identity.Normalize(it.Actor)
	if it.SubmittedAt.IsZero() {
		it.SubmittedAt = s.clock()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.queues[it.Actor] = insertBySubmission(s.queues[it.Actor], &it)
	return nil
}

// TakeOldestForActor atomically removes and returns the chronologically
// earliest pending intent for the actor. The removal and the return are a
// single indivisible step: two confirmations racing for the same actor can
// never both claim the same intent.
//
// Returns (nil, false) when nothing is pending for the actor.
func (s *Store) TakeOldestForActor(actor string) (*Intent, bool) {
	key := identity.Normalize(actor)

	s.mu.Lock()
	defer s.mu.Unlock()

	q := s.queues[key]
	if len(q) == 0 {
		return nil, false
	}

	it := q[0]
	q[0] = nil // release for GC; the slice tail keeps the backing array
	if len(q) == 1 {
		delete(s.queues, key)
	} else {
		s.queues[key] = q[1:]
	}
	return it, true
}

// Requeue restores a previously taken intent, preserving chronological
// order. Used when a taken intent turns out not to be consumed - the
// duplicate-confirmation path, where commit reports the entity already
// reconciled and the intent must stay available for its real confirmation.
func (s *Store) Requeue(it *Intent) {
	if it == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queues[it.Actor] = insertBySubmission(s.queues[it.Actor], it)
}

// ExpireOlderThan removes and returns every intent submitted more than
// maxAge ago, across all actors. Expired intents are gone for good; a
// confirmation arriving later finds nothing to match.
func (s *Store) ExpireOlderThan(maxAge time.Duration) []*Intent {
	cutoff := s.clock().Add(-maxAge)

	s.mu.Lock()
	defer s.mu.Unlock()

	var expired []*Intent
	for actor, q := range s.queues {
		// Queues are ordered by SubmittedAt, so expired intents are a prefix.
		n := 0
		for n < len(q) && q[n].SubmittedAt.Before(cutoff) {
			n++
		}
		if n == 0 {
			continue
		}
		expired = append(expired, q[:n]...)
		if n == len(q) {
			delete(s.queues, actor)
		} else {
			s.queues[actor] = q[n:]
		}
	}
	return expired
}

// PendingForActor returns how many intents are queued for the actor.
func (s *Store) PendingForActor(actor string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queues[identity.Normalize(actor)])
}

// Len returns the total number of pending intents.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, q := range s.queues {
		n += len(q)
	}
	return n
}

// insertBySubmission inserts into a queue ordered by SubmittedAt.
// Equal timestamps keep insertion order, so the common append path stays
// stable under a coarse clock.
func insertBySubmission(q []*Intent, it *Intent) []*Intent {
	i := len(q)
	for i > 0 && it.SubmittedAt.Before(q[i-1].SubmittedAt) {
		i--
	}
	q = append(q, nil)
	copy(q[i+1:], q[i:])
	q[i] = it
	return q
}
