// Package engine reconciles ledger confirmation events with pending
// off-chain intents.
//
// The engine is a single-consumer ordered-processing loop: confirmation
// events are enqueued from the gateway stream and handled strictly one at
// a time, in arrival order. For each recognized entity-creation event it
// takes the oldest pending intent for the event's actor, commits the
// merged record to the authoritative metadata store, and broadcasts both
// the raw event and the reconciliation outcome to observers.
//
// Thread-safety model:
//   - Enqueue(): safe from any goroutine
//   - Run(): must be called from exactly one goroutine
//
// One bad event never halts the stream: processing failures are logged
// with full event context and the loop continues.
package engine
