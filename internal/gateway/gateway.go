// Package gateway is the seam to the ledger: command submission, state
// queries, and the confirmation event stream.
//
// The real gateway (chain client, signing, finalization) lives outside
// this repository; the core only depends on the interfaces here. Sim is
// an in-process implementation with configurable confirmation latency,
// used by the demo command and the tests.
package gateway

import (
	"context"
	"errors"
)

// Command operations accepted by the gateway.
const (
	OpRegisterAsset = "RegisterAsset"
	OpCheckoutAsset = "CheckoutAsset"
	OpReturnAsset   = "ReturnAsset"
)

// Confirmation event names emitted once a command finalizes.
//
// EventAssetRegistered is the only "entity created" kind; it is the event
// the reconciliation engine matches against pending intents. The others
// pass through to observers unmatched.
const (
	EventAssetRegistered = "AssetRegistered"
	EventAssetCheckedOut = "AssetCheckedOut"
	EventAssetReturned   = "AssetReturned"
)

// ErrNotAuthorized reports a submission from an actor the gateway does not
// recognize (or whose registration has not finalized yet). Retryable:
// surface to the caller as "try again shortly".
var ErrNotAuthorized = errors.New("gateway: actor not authorized")

// ErrRejected reports a command the gateway refused outright (malformed
// parameters, unknown entity, lifecycle conflict). Not retryable as-is.
var ErrRejected = errors.New("gateway: command rejected")

// Command is a state-changing operation submitted on behalf of an actor.
type Command struct {
	Actor     string
	Operation string
	Params    map[string]string
}

// ConfirmationEvent is the gateway's notification that a command finalized.
// The core consumes it; it does not own the shape.
type ConfirmationEvent struct {
	// Name identifies the event kind (see Event* constants).
	Name string `json:"name"`

	// EntityID is the ledger-assigned entity the event concerns.
	EntityID int64 `json:"entity_id"`

	// Actor is the identity the finalized command ran as. Representation
	// is the gateway's own; consumers must normalize before comparing.
	Actor string `json:"actor"`

	// SequenceHint is the gateway's finalization sequence when available,
	// zero otherwise. Informational only; delivery order is authoritative.
	SequenceHint int64 `json:"sequence_hint,omitempty"`
}

// Asset is the on-chain state of one entity, as reported by queries.
type Asset struct {
	ID         int64  `json:"id"`
	Owner      string `json:"owner"`
	Holder     string `json:"holder,omitempty"`
	CheckedOut bool   `json:"checked_out"`
}

// Submitter executes state-changing commands.
//
// Submit blocks until the gateway acknowledges the command and returns the
// provisional transaction identifier, or fails immediately with
// ErrNotAuthorized / ErrRejected. Acknowledgment is not finalization: the
// effect surfaces later on the event stream.
type Submitter interface {
	Submit(ctx context.Context, cmd Command) (provisionalTxID string, err error)
}

// Querier reads current on-chain state synchronously.
type Querier interface {
	QueryAsset(ctx context.Context, entityID int64) (*Asset, error)
	ListAssets(ctx context.Context) ([]Asset, error)
}

// Gateway is the full seam: commands, queries, and the confirmation stream.
type Gateway interface {
	Submitter
	Querier

	// Events returns the confirmation stream. Events arrive in the
	// gateway's finalization order. The channel closes when the gateway
	// shuts down.
	Events() <-chan ConfirmationEvent
}
