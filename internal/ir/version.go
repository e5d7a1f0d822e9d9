package ir

// Version constants stamped into persisted records.
const (
	// SchemaVersion is the payload schema version.
	SchemaVersion = "1"

	// EngineVersion is the coordination engine version.
	EngineVersion = "0.1.0"
)
