package crisis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/crossdevice/internal/ir"
	"github.com/roach88/crossdevice/internal/ports"
	"github.com/roach88/crossdevice/internal/syncerr"
)

// Level is the severity of a crisis.
type Level string

const (
	LevelLow       Level = "low"
	LevelModerate  Level = "moderate"
	LevelHigh      Level = "high"
	LevelEmergency Level = "emergency"
)

// Valid reports whether l is a known level.
func (l Level) Valid() bool {
	switch l {
	case LevelLow, LevelModerate, LevelHigh, LevelEmergency:
		return true
	}
	return false
}

// Fallback describes the local safety resources available without network.
type Fallback struct {
	EmergencyContactsReady bool `json:"emergency_contacts_ready" mapstructure:"emergency_contacts_ready"`
	HotlineAccessReady     bool `json:"hotline_access_ready" mapstructure:"hotline_access_ready"`
}

// Ready reports whether at least one local resource is available.
func (f Fallback) Ready() bool {
	return f.EmergencyContactsReady || f.HotlineAccessReady
}

// Context describes what triggered an activation.
type Context struct {
	EntityType string
	EntityID   string
	SessionID  string
	DeviceID   string
	Reason     string
}

// State is the process-wide crisis coordination state. It is never
// deleted, only reset to inactive.
type State struct {
	Active       bool
	Level        Level
	ActivatedAt  time.Time
	ResolvedAt   time.Time
	Trigger      Context
	Acknowledged []string
	Fallback     Fallback
	FallbackUsed bool
}

// SnapshotKey is the store key of the persisted fallback snapshot.
const SnapshotKey = "crisis/state"

// Snapshot is the persisted fallback layout. It is readable without
// network access.
type Snapshot struct {
	Active                 bool
	CrisisLevel            Level
	ActivatedAt            time.Time
	EmergencyContactsReady bool
	HotlineAccessReady     bool
}

// Encode renders the snapshot as canonical JSON.
func (s Snapshot) Encode() ([]byte, error) {
	activated := ""
	if !s.ActivatedAt.IsZero() {
		activated = s.ActivatedAt.UTC().Format(time.RFC3339Nano)
	}
	return ir.MarshalCanonical(ir.Object{
		"active":                 ir.Bool(s.Active),
		"crisisLevel":            ir.String(s.CrisisLevel),
		"activatedAt":            ir.String(activated),
		"emergencyContactsReady": ir.Bool(s.EmergencyContactsReady),
		"hotlineAccessReady":     ir.Bool(s.HotlineAccessReady),
	})
}

// DecodeSnapshot parses a persisted snapshot.
func DecodeSnapshot(data []byte) (Snapshot, error) {
	v, err := ir.UnmarshalValue(data)
	if err != nil {
		return Snapshot{}, fmt.Errorf("decode crisis snapshot: %w", err)
	}
	obj, ok := v.(ir.Object)
	if !ok {
		return Snapshot{}, fmt.Errorf("decode crisis snapshot: expected object, got %T", v)
	}
	var s Snapshot
	for _, field := range []string{"crisisLevel", "activatedAt", "emergencyContactsReady", "hotlineAccessReady"} {
		if _, ok := obj[field]; !ok {
			return Snapshot{}, fmt.Errorf("decode crisis snapshot: missing %q", field)
		}
	}
	if b, ok := obj["active"].(ir.Bool); ok {
		s.Active = bool(b)
	}
	level, _ := obj["crisisLevel"].(ir.String)
	s.CrisisLevel = Level(level)
	contacts, _ := obj["emergencyContactsReady"].(ir.Bool)
	s.EmergencyContactsReady = bool(contacts)
	hotline, _ := obj["hotlineAccessReady"].(ir.Bool)
	s.HotlineAccessReady = bool(hotline)
	if at, _ := obj["activatedAt"].(ir.String); at != "" {
		t, err := time.Parse(time.RFC3339Nano, string(at))
		if err != nil {
			return Snapshot{}, fmt.Errorf("decode crisis snapshot: activatedAt: %w", err)
		}
		s.ActivatedAt = t
	}
	return s, nil
}

// LoadSnapshot reads the persisted fallback snapshot from a local store.
// It never touches the transport.
func LoadSnapshot(ctx context.Context, store ports.Store) (Snapshot, error) {
	data, err := store.Load(ctx, SnapshotKey)
	if errors.Is(err, ports.ErrKeyNotFound) {
		return Snapshot{}, syncerr.NotFound("crisis_snapshot", SnapshotKey)
	}
	if err != nil {
		return Snapshot{}, fmt.Errorf("load crisis snapshot: %w", err)
	}
	return DecodeSnapshot(data)
}
