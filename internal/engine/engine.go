package engine

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/harborview/ledgersync/internal/gateway"
	"github.com/harborview/ledgersync/internal/identity"
	"github.com/harborview/ledgersync/internal/intent"
	"github.com/harborview/ledgersync/internal/record"
)

// Publisher fans a named event out to connected observers.
// Implemented by hub.Hub; tests use a capture publisher.
type Publisher interface {
	Publish(event string, payload any)
}

// EventReconciliation is the broadcast event name for reconciliation
// outcomes. Raw confirmations are broadcast under their gateway names.
const EventReconciliation = "Reconciliation"

// OutcomeStatus describes how a confirmation was reconciled.
type OutcomeStatus string

const (
	// StatusMatched: the confirmation consumed a pending intent and the
	// merged record was committed.
	StatusMatched OutcomeStatus = "matched"

	// StatusUnmatched: no intent was pending for the actor. Terminal for
	// the entity - it exists on-chain with no off-chain metadata.
	StatusUnmatched OutcomeStatus = "unmatched"

	// StatusReplayed: duplicate delivery of an already reconciled
	// confirmation; handled as a no-op, the taken intent was requeued.
	StatusReplayed OutcomeStatus = "replayed"

	// StatusFailed: the commit failed at the store level; the intent is
	// lost and the event needs manual remediation. Error carries the
	// coded cause.
	StatusFailed OutcomeStatus = "failed"
)

// Outcome is the reconciliation result broadcast alongside each
// recognized creation event.
type Outcome struct {
	Seq             int64         `json:"seq"`
	Status          OutcomeStatus `json:"status"`
	EntityID        int64         `json:"entity_id"`
	Actor           string        `json:"actor"`
	ProvisionalTxID string        `json:"provisional_tx_id,omitempty"`
	Error           string        `json:"error,omitempty"`
}

// Engine is the single-consumer reconciliation loop.
type Engine struct {
	intents  *intent.Store
	records  record.Store
	pub      Publisher
	queue    *eventQueue
	clock    *Clock
	now      func() time.Time
	creation map[string]bool
}

// Option configures an Engine.
type Option func(*Engine)

// WithCreationEvents overrides the set of event names treated as
// entity-creation confirmations. Default: gateway.EventAssetRegistered.
func WithCreationEvents(names ...string) Option {
	return func(e *Engine) {
		e.creation = make(map[string]bool, len(names))
		for _, n := range names {
			e.creation[n] = true
		}
	}
}

// WithNow overrides the wall clock used for ConfirmedAt stamps (tests).
func WithNow(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// New creates an Engine over the given stores and publisher.
func New(intents *intent.Store, records record.Store, pub Publisher, opts ...Option) *Engine {
	e := &Engine{
		intents:  intents,
		records:  records,
		pub:      pub,
		queue:    newEventQueue(),
		clock:    NewClock(),
		now:      time.Now,
		creation: map[string]bool{gateway.EventAssetRegistered: true},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Enqueue submits a confirmation event for processing by the Run loop.
// Thread-safe: may be called from any goroutine.
// Returns false if the engine has been stopped.
func (e *Engine) Enqueue(ev gateway.ConfirmationEvent) bool {
	return e.queue.Enqueue(ev)
}

// Feed enqueues every event from the stream, then stops the engine when
// the stream closes. Run it in its own goroutine.
func (e *Engine) Feed(events <-chan gateway.ConfirmationEvent) {
	for ev := range events {
		e.Enqueue(ev)
	}
	e.Stop()
}

// Run starts the single-consumer loop. Blocks until the context is
// cancelled or Stop is called and the queue drains.
//
// Events are handled strictly one at a time in arrival order: event N+1
// is not touched before event N's store mutations complete. That is what
// makes FIFO-per-actor matching correct.
//
// On a processing failure the error is logged with full event context and
// the loop continues; retrying blind could attach metadata to the wrong
// future entity.
func (e *Engine) Run(ctx context.Context) error {
	slog.Info("reconciliation engine starting")

	for {
		ev, ok := e.queue.TryDequeue()
		if ok {
			if err := e.reconcile(ctx, ev); err != nil {
				slog.Error("reconciliation failed; event needs manual remediation",
					"event", ev.Name,
					"entity", ev.EntityID,
					"actor", ev.Actor,
					"sequence_hint", ev.SequenceHint,
					"error", err,
				)
			}
			continue
		}

		select {
		case <-ctx.Done():
			slog.Info("reconciliation engine stopping: context cancelled")
			e.queue.Close()
			return ctx.Err()

		case <-e.queue.Wait():
			// The signal channel closes when the queue is closed, which
			// makes this case fire immediately during shutdown.
			if e.queue.Len() == 0 {
				slog.Info("reconciliation engine stopping: queue closed")
				return nil
			}
		}
	}
}

// Stop closes the event queue; Run returns once the remaining events
// are drained.
func (e *Engine) Stop() {
	e.queue.Close()
}

// Seq exposes the outcome clock's current position (observability).
func (e *Engine) Seq() int64 {
	return e.clock.Current()
}

// reconcile processes one confirmation event.
// Called only from the Run goroutine - single-consumer guarantee.
func (e *Engine) reconcile(ctx context.Context, ev gateway.ConfirmationEvent) error {
	// Events that do not create an entity pass through unreconciled.
	if !e.creation[ev.Name] {
		slog.Debug("forwarding non-creation event", "event", ev.Name, "entity", ev.EntityID)
		e.pub.Publish(ev.Name, ev)
		return nil
	}

	actor := identity.Normalize(ev.Actor)
	outcome := Outcome{
		Seq:      e.clock.Next(),
		EntityID: ev.EntityID,
		Actor:    actor,
	}

	it, ok := e.intents.TakeOldestForActor(actor)
	if !ok {
		// No intent will retroactively appear for a confirmation already
		// consumed by sequence: the entity keeps no off-chain metadata.
		rerr := &ReconcileError{
			Code:     ErrCodeUnmatched,
			Message:  "no pending intent for actor",
			EntityID: ev.EntityID,
			Actor:    actor,
		}
		slog.Warn("unmatched confirmation: no pending intent for actor",
			"event", ev.Name, "entity", ev.EntityID, "actor", actor)
		outcome.Status = StatusUnmatched
		outcome.Error = rerr.Error()
		e.publish(ev, outcome)
		return nil
	}
	outcome.ProvisionalTxID = it.ProvisionalTxID

	err := e.records.Commit(ctx, record.ConfirmedRecord{
		EntityID:       ev.EntityID,
		Payload:        it.Payload,
		ReconciledFrom: it.ProvisionalTxID,
		ConfirmedAt:    e.now(),
	})
	switch {
	case err == nil:
		slog.Info("confirmation reconciled",
			"entity", ev.EntityID, "actor", actor, "tx", it.ProvisionalTxID, "seq", outcome.Seq)
		outcome.Status = StatusMatched

	case errors.Is(err, record.ErrAlreadyExists):
		// Duplicate delivery of an already reconciled confirmation. The
		// taken intent was not consumed by this entity; put it back so
		// its real confirmation can still claim it. A payload difference
		// here is expected - the redelivery takes the next pending
		// intent, not the one the entity was reconciled from - so the
		// existing record wins either way and only the exact-replay case
		// is quiet.
		e.intents.Requeue(it)
		outcome.Status = StatusReplayed
		var exists *record.AlreadyExistsError
		if errors.As(err, &exists) && !exists.SamePayload(it.Payload) {
			slog.Warn("duplicate confirmation; pending payload differs from committed record",
				"entity", ev.EntityID, "actor", actor,
				"existing_tx", exists.Existing.ReconciledFrom, "pending_tx", it.ProvisionalTxID)
		} else {
			slog.Debug("duplicate confirmation delivery; no-op",
				"entity", ev.EntityID, "actor", actor)
		}

	default:
		// The intent is not requeued: retrying blind could double-submit
		// its metadata to a different future entity.
		rerr := &ReconcileError{
			Code:            ErrCodeCommitFailed,
			Message:         "metadata commit failed; intent lost",
			EntityID:        ev.EntityID,
			Actor:           actor,
			ProvisionalTxID: it.ProvisionalTxID,
			Err:             err,
		}
		outcome.Status = StatusFailed
		outcome.Error = rerr.Error()
		e.publish(ev, outcome)
		return rerr
	}

	e.publish(ev, outcome)
	return nil
}

// publish forwards the raw event and its reconciliation outcome, in that
// order, to the broadcast fan-out.
func (e *Engine) publish(ev gateway.ConfirmationEvent, outcome Outcome) {
	e.pub.Publish(ev.Name, ev)
	e.pub.Publish(EventReconciliation, outcome)
}
