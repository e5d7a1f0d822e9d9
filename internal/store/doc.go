// Package store provides SQLite-backed durable storage for the sync engine.
//
// One database file holds:
//   - kv: opaque blobs such as the crisis fallback snapshot and session archives
//   - devices: the device registry, with content checksums
//   - conflict_audit: one row per resolved conflict
//   - operations: pruned operation history
//
// # Drivers
//
// Open selects the database/sql driver by name. DriverCGO uses
// mattn/go-sqlite3; DriverPure uses modernc.org/sqlite and needs no C
// toolchain. Both get the same schema through golang-migrate.
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//
// All list queries order by a logical key and then id, so results are
// deterministic across runs.
package store
