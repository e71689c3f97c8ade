package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/harborview/ledgersync/internal/identity"
	"github.com/harborview/ledgersync/internal/intent"
)

// Sim is an in-process Gateway with configurable confirmation latency.
//
// Commands are validated synchronously (authorization, parameters,
// lifecycle conflicts) and acknowledged with a provisional tx id; the
// state mutation and the confirmation event fire after the configured
// latency. Lifecycle conflicts are re-checked at finalization: a command
// invalidated by one that finalized first inside the latency window is
// dropped without an event. A single finalizer goroutine applies effects
// in acknowledgment order, so one actor's confirmations always arrive
// in the order its commands were accepted - the ordering the
// reconciliation engine's FIFO matching relies on.
//
// Thread-safety: all methods safe for concurrent use.
type Sim struct {
	registry *identity.Registry
	txids    intent.TxIDGenerator
	latency  time.Duration

	mu      sync.Mutex
	assets  map[int64]*Asset
	nextID  int64
	seq     int64
	closed  bool
	aborted bool

	accepted chan acceptedCmd
	events   chan ConfirmationEvent
	done     chan struct{}
}

// acceptedCmd is a validated command awaiting finalization. apply runs
// under the Sim mutex and re-validates against finalized state; it
// reports false when the state moved underneath the command inside the
// latency window, in which case no event is emitted.
type acceptedCmd struct {
	txID  string
	apply func(s *Sim) (ConfirmationEvent, bool)
}

// SimOption configures a Sim.
type SimOption func(*Sim)

// WithLatency sets the delay between acknowledgment and confirmation.
// Zero still delivers the event asynchronously via the stream.
func WithLatency(d time.Duration) SimOption {
	return func(s *Sim) { s.latency = d }
}

// WithTxIDGenerator overrides the provisional tx id generator (for tests).
func WithTxIDGenerator(gen intent.TxIDGenerator) SimOption {
	return func(s *Sim) { s.txids = gen }
}

// NewSim creates a simulator authorizing exactly the registry's actors
// and starts its finalizer.
func NewSim(registry *identity.Registry, opts ...SimOption) *Sim {
	s := &Sim{
		registry: registry,
		txids:    intent.UUIDv7Generator{},
		latency:  50 * time.Millisecond,
		assets:   make(map[int64]*Asset),
		accepted: make(chan acceptedCmd, 1024),
		events:   make(chan ConfirmationEvent, 128),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	go s.finalizer()
	return s
}

// Submit validates and acknowledges a command. The returned id is the
// provisional transaction identifier; the confirmation event carrying the
// ledger-assigned entity id arrives later on Events.
func (s *Sim) Submit(_ context.Context, cmd Command) (string, error) {
	if !s.registry.Known(cmd.Actor) {
		return "", fmt.Errorf("%w: %q", ErrNotAuthorized, cmd.Actor)
	}
	actor := identity.Normalize(cmd.Actor)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", fmt.Errorf("%w: gateway shut down", ErrRejected)
	}

	var apply func(s *Sim) (ConfirmationEvent, bool)
	switch cmd.Operation {
	case OpRegisterAsset:
		apply = func(s *Sim) (ConfirmationEvent, bool) {
			s.nextID++
			id := s.nextID
			s.assets[id] = &Asset{ID: id, Owner: actor}
			return ConfirmationEvent{Name: EventAssetRegistered, EntityID: id, Actor: actor}, true
		}

	case OpCheckoutAsset, OpReturnAsset:
		id, err := strconv.ParseInt(cmd.Params["id"], 10, 64)
		if err != nil {
			return "", fmt.Errorf("%w: bad asset id %q", ErrRejected, cmd.Params["id"])
		}
		asset, ok := s.assets[id]
		if !ok {
			return "", fmt.Errorf("%w: unknown asset %d", ErrRejected, id)
		}
		// Checkout/return mutual exclusion is checked twice: here for an
		// immediate rejection, and again in apply against finalized state,
		// because another conflicting command may finalize first inside
		// the latency window.
		if cmd.Operation == OpCheckoutAsset {
			if asset.CheckedOut {
				return "", fmt.Errorf("%w: asset %d already checked out by %s", ErrRejected, id, asset.Holder)
			}
			apply = func(s *Sim) (ConfirmationEvent, bool) {
				if asset.CheckedOut {
					return ConfirmationEvent{}, false
				}
				asset.CheckedOut = true
				asset.Holder = actor
				return ConfirmationEvent{Name: EventAssetCheckedOut, EntityID: id, Actor: actor}, true
			}
		} else {
			if !asset.CheckedOut {
				return "", fmt.Errorf("%w: asset %d is not checked out", ErrRejected, id)
			}
			if asset.Holder != actor {
				return "", fmt.Errorf("%w: asset %d held by %s, not %s", ErrRejected, id, asset.Holder, actor)
			}
			apply = func(s *Sim) (ConfirmationEvent, bool) {
				if !asset.CheckedOut || asset.Holder != actor {
					return ConfirmationEvent{}, false
				}
				asset.CheckedOut = false
				asset.Holder = ""
				return ConfirmationEvent{Name: EventAssetReturned, EntityID: id, Actor: actor}, true
			}
		}

	default:
		return "", fmt.Errorf("%w: unknown operation %q", ErrRejected, cmd.Operation)
	}

	txID := s.txids.Generate()
	select {
	case s.accepted <- acceptedCmd{txID: txID, apply: apply}:
	default:
		return "", fmt.Errorf("%w: confirmation backlog full", ErrRejected)
	}
	return txID, nil
}

// finalizer is the single goroutine that applies accepted commands in
// order and emits confirmation events.
func (s *Sim) finalizer() {
	defer close(s.events)
	for cmd := range s.accepted {
		if s.latency > 0 {
			time.Sleep(s.latency)
		}

		s.mu.Lock()
		ev, ok := cmd.apply(s)
		if !ok {
			s.mu.Unlock()
			slog.Warn("sim command dropped at finalization: state conflict", "tx", cmd.txID)
			continue
		}
		s.seq++
		ev.SequenceHint = s.seq
		s.mu.Unlock()

		slog.Debug("sim command finalized",
			"tx", cmd.txID, "event", ev.Name, "entity", ev.EntityID, "actor", ev.Actor)
		select {
		case s.events <- ev:
		case <-s.done:
			return
		}
	}
}

// Events returns the confirmation stream. Events arrive in acknowledgment
// order; the channel closes after Close drains in-flight commands.
func (s *Sim) Events() <-chan ConfirmationEvent {
	return s.events
}

// QueryAsset returns the current on-chain state of one asset, or
// (nil, ErrRejected) for an unknown id.
func (s *Sim) QueryAsset(_ context.Context, entityID int64) (*Asset, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	asset, ok := s.assets[entityID]
	if !ok {
		return nil, fmt.Errorf("%w: unknown asset %d", ErrRejected, entityID)
	}
	cp := *asset
	return &cp, nil
}

// ListAssets returns all on-chain assets ordered by id.
func (s *Sim) ListAssets(_ context.Context) ([]Asset, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Asset, 0, len(s.assets))
	for id := int64(1); id <= s.nextID; id++ {
		if a, ok := s.assets[id]; ok {
			out = append(out, *a)
		}
	}
	return out, nil
}

// Close stops accepting commands and lets the finalizer drain what was
// already acknowledged; the event stream closes when the drain finishes.
// Safe to call more than once.
func (s *Sim) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()
	close(s.accepted)
}

// Abort is Close without the drain: in-flight confirmations are dropped.
// Used on shutdown paths where nobody is reading the stream anymore.
// Safe to call more than once.
func (s *Sim) Abort() {
	s.Close()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.aborted {
		return
	}
	s.aborted = true
	close(s.done)
}
