package ports

import "github.com/google/uuid"

// IDGenerator produces identifiers for operations, conflicts, sessions and
// audit entries. Implemented by UUIDv7Generator (production) and
// testutil.SequentialIDs (tests).
type IDGenerator interface {
	NewID() string
}

// UUIDv7Generator generates time-sortable UUIDv7 identifiers.
//
// UUIDv7 embeds a millisecond timestamp in the most significant bits, so
// IDs sort by creation time, which keeps audit listings readable.
//
// Safe for concurrent use.
type UUIDv7Generator struct{}

// NewID returns a new hyphenated UUIDv7.
// Panics only if the system random source fails.
func (UUIDv7Generator) NewID() string {
	return uuid.Must(uuid.NewV7()).String()
}
