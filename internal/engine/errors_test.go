package engine

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestReconcileError_Message(t *testing.T) {
	err := &ReconcileError{
		Code:            ErrCodeCommitFailed,
		Message:         "metadata commit failed; intent lost",
		EntityID:        7,
		Actor:           "m0",
		ProvisionalTxID: "tx-1",
	}
	assert.Contains(t, err.Error(), "COMMIT_FAILED")
	assert.Contains(t, err.Error(), "entity=7")
	assert.Contains(t, err.Error(), "tx=tx-1")

	noTx := &ReconcileError{Code: ErrCodeUnmatched, Message: "no pending intent", EntityID: 7, Actor: "m0"}
	assert.NotContains(t, noTx.Error(), "tx=")
	assert.Contains(t, noTx.Error(), "UNMATCHED_CONFIRMATION")
}

func TestReconcileError_Predicates(t *testing.T) {
	unmatched := &ReconcileError{Code: ErrCodeUnmatched}
	failed := &ReconcileError{Code: ErrCodeCommitFailed}

	assert.True(t, IsUnmatched(unmatched))
	assert.False(t, IsUnmatched(failed))
	assert.True(t, IsCommitFailed(failed))
	assert.False(t, IsCommitFailed(errors.New("plain")))

	// Wrapped errors still match.
	wrapped := fmt.Errorf("outer: %w", failed)
	assert.True(t, IsCommitFailed(wrapped))
}

func TestReconcileError_Unwrap(t *testing.T) {
	cause := errors.New("disk full")
	err := &ReconcileError{Code: ErrCodeCommitFailed, Err: cause}
	assert.True(t, errors.Is(err, cause))
}
