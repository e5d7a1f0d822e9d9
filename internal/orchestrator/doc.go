// Package orchestrator schedules state changes across devices and wires
// the coordinators into one running system.
//
// # Scheduling
//
// Submitted changes are tracked by the operation tracker and queued in
// five tiers: immediate, high, normal, low and background. Each tick
// pops due work in tier order, FIFO within a tier, and runs it on a
// bounded worker pool. Crisis work is always immediate, so it is never
// queued behind lower tiers, and its arrival wakes the run loop early.
//
// Work pinned to an offline device is parked per device and released
// when the device reconnects. Unpinned work is placed by the
// distribution engine on every attempt, so a retry is rerouted
// automatically.
//
// # Errors
//
// NOT_FOUND and CAPACITY_EXCEEDED are returned from Submit as rejected
// operations. Delivery timeouts re-queue with backoff until the retry
// policy is exhausted. A timed-out crisis delivery activates the local
// crisis fallback; the operation still completes locally. An integrity
// mismatch fails the operation and queues a full re-sync of the device.
//
// # Adaptive interval
//
// The run loop waits CrisisInterval between ticks while a crisis is
// active or immediate work is queued. Otherwise it starts at
// SyncInterval, doubles up to MaxInterval while the average delivery
// latency exceeds LatencyThreshold, and halves back once it recovers.
package orchestrator
