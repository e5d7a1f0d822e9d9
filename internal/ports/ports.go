package ports

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"
)

// ErrKeyNotFound is returned by Store.Load when no value exists for a key.
var ErrKeyNotFound = errors.New("key not found")

// Store is the persistent key/value store used for crisis-state snapshots
// and session archives.
type Store interface {
	Load(ctx context.Context, key string) ([]byte, error)
	Save(ctx context.Context, key string, data []byte) error
}

// PayloadKind distinguishes relay messages.
type PayloadKind string

const (
	PayloadStateChange     PayloadKind = "state_change"
	PayloadFullResync      PayloadKind = "full_resync"
	PayloadHandoff         PayloadKind = "handoff"
	PayloadCrisisActivate  PayloadKind = "crisis_activate"
	PayloadCrisisResolve   PayloadKind = "crisis_resolve"
	PayloadConflictOutcome PayloadKind = "conflict_outcome"
)

// Payload is one relay message. Body is opaque to the transport and is
// already encrypted when the data is sensitive.
type Payload struct {
	Kind        PayloadKind `json:"kind"`
	OperationID string      `json:"operation_id,omitempty"`
	EntityType  string      `json:"entity_type,omitempty"`
	EntityID    string      `json:"entity_id,omitempty"`
	SessionID   string      `json:"session_id,omitempty"`
	Step        string      `json:"step,omitempty"`
	Priority    int         `json:"priority"`
	Checksum    string      `json:"checksum,omitempty"`
	Body        []byte      `json:"body,omitempty"`
}

// Ack confirms receipt of a payload by a device.
type Ack struct {
	DeviceID   string    `json:"device_id"`
	ReceivedAt time.Time `json:"received_at"`
}

// Transport is the request/response channel to the cloud relay.
// Delivery is at-least-once; receivers are idempotent. A missed deadline
// surfaces as an error wrapping context.DeadlineExceeded.
type Transport interface {
	Send(ctx context.Context, deviceID string, payload Payload) (Ack, error)
	Broadcast(ctx context.Context, payload Payload) ([]Ack, error)
}

// Sensitivity selects the encryption profile for data at rest and in flight.
type Sensitivity string

const (
	SensitivityLow      Sensitivity = "low"
	SensitivityStandard Sensitivity = "standard"
	SensitivityClinical Sensitivity = "clinical"
	SensitivityCrisis   Sensitivity = "crisis"
)

// Encryptor encrypts payloads and computes integrity checksums.
// The core never handles raw key material.
type Encryptor interface {
	Encrypt(ctx context.Context, data []byte, level Sensitivity) ([]byte, error)
	Checksum(data []byte) string
}

// PassthroughEncryptor returns data unchanged and checksums with SHA-256.
// Suitable for tests and local simulation only.
type PassthroughEncryptor struct{}

// Encrypt returns a copy of data.
func (PassthroughEncryptor) Encrypt(_ context.Context, data []byte, _ Sensitivity) ([]byte, error) {
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

// Checksum returns the hex SHA-256 of data.
func (PassthroughEncryptor) Checksum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Clock is the monotonic time source for SLA measurement.
type Clock interface {
	Now() time.Time
}

// SystemClock reads time.Now, which carries a monotonic reading.
type SystemClock struct{}

// Now returns the current time.
func (SystemClock) Now() time.Time { return time.Now() }

// Metrics accepts named counters and timers. Tags are key/value pairs.
type Metrics interface {
	Count(name string, delta int64, tags ...string)
	Timing(name string, d time.Duration, tags ...string)
}

// NopMetrics discards everything.
type NopMetrics struct{}

// Count does nothing.
func (NopMetrics) Count(string, int64, ...string) {}

// Timing does nothing.
func (NopMetrics) Timing(string, time.Duration, ...string) {}
