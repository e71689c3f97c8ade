// Package record is the authoritative metadata store: reconciled,
// confirmed metadata keyed by the ledger-assigned entity identifier.
//
// Two backends implement the same contract: an in-memory map for tests
// and ephemeral runs, and SQLite for durable deployments. The store's
// semantics are deliberately simple key-value; the at-most-once call
// discipline lives upstream in the reconciliation engine.
package record

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrAlreadyExists reports a commit against an entity id that already has
// a confirmed record. Matched with errors.Is; the richer AlreadyExistsError
// carries the existing record for payload comparison.
var ErrAlreadyExists = errors.New("record: entity already reconciled")

// ConfirmedRecord is reconciled metadata for one ledger entity.
// Immutable once written.
type ConfirmedRecord struct {
	// EntityID is the ledger-assigned identifier.
	EntityID int64 `json:"entity_id"`

	// Payload is the metadata carried over from the matched intent.
	Payload map[string]string `json:"payload"`

	// ReconciledFrom is the provisional tx id of the matched intent.
	ReconciledFrom string `json:"reconciled_from"`

	// ConfirmedAt is when reconciliation committed the record.
	ConfirmedAt time.Time `json:"confirmed_at"`
}

// Store is the confirmed-metadata contract.
//
// Commit fails with an AlreadyExistsError when the entity id is already
// present; it never overwrites. Get returns (nil, nil) for an unknown id.
// Implementations must be linearizable per key and safe for concurrent
// use from request handlers alongside the reconciliation consumer.
type Store interface {
	Commit(ctx context.Context, rec ConfirmedRecord) error
	Get(ctx context.Context, entityID int64) (*ConfirmedRecord, error)
	Len(ctx context.Context) (int, error)
}

// AlreadyExistsError carries the record that blocked a commit, so the
// caller can distinguish an idempotent replay (same payload) from a
// conflicting write (different payload).
type AlreadyExistsError struct {
	Existing *ConfirmedRecord
}

func (e *AlreadyExistsError) Error() string {
	return fmt.Sprintf("record: entity %d already reconciled from %s",
		e.Existing.EntityID, e.Existing.ReconciledFrom)
}

// Unwrap makes errors.Is(err, ErrAlreadyExists) work on wrapped errors.
func (e *AlreadyExistsError) Unwrap() error { return ErrAlreadyExists }

// SamePayload reports whether a payload matches the existing record's,
// key for key.
func (e *AlreadyExistsError) SamePayload(payload map[string]string) bool {
	existing := e.Existing.Payload
	if len(existing) != len(payload) {
		return false
	}
	for k, v := range payload {
		if existing[k] != v {
			return false
		}
	}
	return true
}

func validate(rec ConfirmedRecord) error {
	if rec.EntityID <= 0 {
		return fmt.Errorf("record: entity id must be positive, got %d", rec.EntityID)
	}
	if rec.ReconciledFrom == "" {
		return fmt.Errorf("record: reconciled-from tx id must not be empty")
	}
	return nil
}
