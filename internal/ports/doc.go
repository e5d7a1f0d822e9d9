// Package ports declares the narrow interfaces the coordination core uses to
// reach external collaborators: persistent storage, the relay transport,
// encryption, time and telemetry.
//
// The core depends only on these interfaces. Concrete adapters live in
// internal/store (SQLite), internal/transport (loopback relay) and
// internal/telemetry (in-memory metrics); hosting applications may supply
// their own.
package ports
