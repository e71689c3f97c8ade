package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/harborview/ledgersync/internal/intent"
)

// EventIntentExpired is the broadcast event name for orphaned intents
// dropped by the sweep.
const EventIntentExpired = "IntentExpired"

// ExpiredIntent is the broadcast payload for one dropped orphan.
type ExpiredIntent struct {
	ProvisionalTxID string    `json:"provisional_tx_id"`
	Actor           string    `json:"actor"`
	SubmittedAt     time.Time `json:"submitted_at"`
}

// Sweeper periodically drops intents whose confirmation never arrived.
//
// An unconfirmed ledger command may never confirm; retaining its intent
// forever would let it wrongly satisfy a future, unrelated confirmation
// from the same actor. Expired intents are logged and broadcast, never
// retried - the creator must resubmit for metadata after expiry.
//
// The sweep runs on its own timer; the intent store serializes its take
// against the engine's, so a sweep cannot race an in-flight match.
type Sweeper struct {
	intents  *intent.Store
	pub      Publisher
	maxAge   time.Duration
	interval time.Duration
}

// NewSweeper creates a sweeper dropping intents older than maxAge every
// interval.
func NewSweeper(intents *intent.Store, pub Publisher, maxAge, interval time.Duration) *Sweeper {
	return &Sweeper{intents: intents, pub: pub, maxAge: maxAge, interval: interval}
}

// Run sweeps until the context is cancelled. Run it in its own goroutine.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	slog.Info("orphan sweeper starting", "max_age", s.maxAge, "interval", s.interval)
	for {
		select {
		case <-ctx.Done():
			slog.Info("orphan sweeper stopping")
			return
		case <-ticker.C:
			s.Sweep()
		}
	}
}

// Sweep runs one expiry pass and returns how many intents were dropped.
func (s *Sweeper) Sweep() int {
	expired := s.intents.ExpireOlderThan(s.maxAge)
	for _, it := range expired {
		slog.Warn("intent expired without confirmation",
			"tx", it.ProvisionalTxID, "actor", it.Actor, "submitted_at", it.SubmittedAt)
		s.pub.Publish(EventIntentExpired, ExpiredIntent{
			ProvisionalTxID: it.ProvisionalTxID,
			Actor:           it.Actor,
			SubmittedAt:     it.SubmittedAt,
		})
	}
	return len(expired)
}
