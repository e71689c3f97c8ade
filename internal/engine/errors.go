package engine

import (
	"errors"
	"fmt"
)

// ReconcileError reports a failure while reconciling one confirmation.
//
// Failures are local to the event that caused them: the Run loop logs the
// error with full event context and continues with the next event.
type ReconcileError struct {
	// Code identifies the error category.
	Code ReconcileErrorCode

	// Message is a human-readable description.
	Message string

	// EntityID identifies the affected ledger entity.
	EntityID int64

	// Actor is the normalized actor of the confirmation.
	Actor string

	// ProvisionalTxID identifies the intent involved, when one was taken.
	ProvisionalTxID string

	// Err is the underlying cause, if any.
	Err error
}

// ReconcileErrorCode categorizes reconciliation errors.
type ReconcileErrorCode string

const (
	// ErrCodeUnmatched indicates no intent was pending for the actor at
	// confirmation time. Terminal for the entity, not for the stream.
	ErrCodeUnmatched ReconcileErrorCode = "UNMATCHED_CONFIRMATION"

	// ErrCodeCommitFailed indicates the metadata store failed for a
	// reason other than AlreadyExists. The taken intent is lost and the
	// event needs manual remediation.
	ErrCodeCommitFailed ReconcileErrorCode = "COMMIT_FAILED"
)

// Error implements the error interface.
func (e *ReconcileError) Error() string {
	if e.ProvisionalTxID != "" {
		return fmt.Sprintf("%s: %s (entity=%d, actor=%s, tx=%s)",
			e.Code, e.Message, e.EntityID, e.Actor, e.ProvisionalTxID)
	}
	return fmt.Sprintf("%s: %s (entity=%d, actor=%s)", e.Code, e.Message, e.EntityID, e.Actor)
}

// Unwrap returns the underlying cause.
func (e *ReconcileError) Unwrap() error { return e.Err }

// IsUnmatched reports whether the error is an unmatched confirmation.
// Uses errors.As to handle wrapped errors.
func IsUnmatched(err error) bool {
	var re *ReconcileError
	return errors.As(err, &re) && re.Code == ErrCodeUnmatched
}

// IsCommitFailed reports whether the error is a store-level commit
// failure. Uses errors.As to handle wrapped errors.
func IsCommitFailed(err error) bool {
	var re *ReconcileError
	return errors.As(err, &re) && re.Code == ErrCodeCommitFailed
}
