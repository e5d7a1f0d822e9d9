// Package device implements the device registry: the set of devices owned by
// the user, their capability profiles, online state and primary election.
//
// Every other coordinator reads device snapshots from the Registry; only the
// Registry mutates them. Mutations are serialized per device ID and each one
// bumps the device's state version and recomputes its content checksum.
//
// Removal cascades through OnRemoved hooks (the session coordinator uses this
// to hand off or end sessions); going offline fires OnOffline hooks (the
// orchestrator uses this to reroute queued work).
package device
