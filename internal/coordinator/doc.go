// Package coordinator orchestrates context exchange between the local store
// and the platform transports.
//
// # Overview
//
// The Coordinator owns the full exchange lifecycle: transport subscriptions,
// the periodic reconciliation loop, the store change feed, and the echo guard
// that keeps applied external contexts from bouncing back out.
//
// # Lifecycle
//
// The coordinator moves through a fixed state machine:
//
//	uninitialized -> initializing -> ready
//	                              -> degraded
//	ready/degraded -> shutting_down -> stopped
//
// Initialize subscribes every transport, runs one immediate reconciliation
// pass, registers the store change listener, and starts the loop. Transport
// failures degrade instead of failing: the local store keeps serving even
// with every transport down. Initialize can only be called once; Shutdown is
// idempotent.
//
// # Data Flow
//
// Outbound: store changes are queued to a worker that fans each eligible
// record out to every transport except the one it came from. Eligibility is
// the same gate the loop applies: confidence at or above the threshold, not
// expired, type allowed.
//
// Inbound: one worker per transport drains its event channel. Each applied
// record is marked in the echo guard before the upsert, so the synchronous
// store callback sees the suppression and the fan-out skips the echo.
//
// Removals flow both ways on transports with visible deletes; the rest rely
// on record expiry.
//
// # Status
//
// Status returns a snapshot: lifecycle state, per-transport degradation,
// subscription counts, exchange metrics, and the loop's cycle counters.
package coordinator
