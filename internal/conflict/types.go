package conflict

import (
	"time"
)

// Kind classifies why states diverge.
type Kind string

const (
	KindDataDivergence   Kind = "data_divergence"
	KindVersionMismatch  Kind = "version_mismatch"
	KindConcurrentEdit   Kind = "concurrent_edit"
	KindPriorityConflict Kind = "priority_conflict"
	KindAccessConflict   Kind = "access_conflict"
	KindTimingConflict   Kind = "timing_conflict"
)

// Impact is the clinical-impact classification of a conflict.
type Impact string

const (
	ImpactLow      Impact = "low"
	ImpactModerate Impact = "moderate"
	ImpactHigh     Impact = "high"
	ImpactCritical Impact = "critical"
)

// Strategy is a resolution strategy.
type Strategy string

const (
	StrategyLatestWins       Strategy = "latest_wins"
	StrategyPriorityMerge    Strategy = "priority_merge"
	StrategyClinicalPriority Strategy = "clinical_priority"
	StrategyCrisisPriority   Strategy = "crisis_priority"
	StrategyMergeCRDT        Strategy = "merge_crdt"
)

// State is the resolution state of a conflict.
type State string

const (
	StatePending    State = "pending"
	StateInProgress State = "in_progress"
	StateResolved   State = "resolved"
	StateFailed     State = "failed"
)

// Snapshot is one device's report of an entity state.
type Snapshot struct {
	DeviceID      string
	Version       int64
	Timestamp     time.Time
	Priority      int
	ClinicalScore int
	CrisisCapable bool

	// ReadOnly marks a reporter without write access to the entity.
	ReadOnly bool

	// CrisisData tags the state as safety-critical.
	CrisisData bool

	Payload Payload
}

// Conflict is a detected divergence between two or more snapshots.
type Conflict struct {
	ID                 string
	EntityType         string
	EntityID           string
	OperationID        string
	Kind               Kind
	Impact             Impact
	Strategy           Strategy
	State              State
	Snapshots          []Snapshot
	CrisisDataInvolved bool
	DetectedAt         time.Time
	ResolvedAt         time.Time
	Attempts           int
	FailureReason      string
	Outcome            *Outcome
}

// Outcome is the result of a resolution.
type Outcome struct {
	ConflictID string
	Strategy   Strategy

	// WinnerDeviceID is empty when the result merges several snapshots.
	WinnerDeviceID string
	Payload        Payload
	Checksum       string
	AuditID        string
	ResolvedAt     time.Time
}

// AuditEntry is persisted for every resolution. It carries IDs and
// checksums only, never payload contents.
type AuditEntry struct {
	ID                string    `json:"id"`
	ConflictID        string    `json:"conflict_id"`
	EntityType        string    `json:"entity_type"`
	EntityID          string    `json:"entity_id"`
	OperationID       string    `json:"operation_id,omitempty"`
	OperationPriority int       `json:"operation_priority,omitempty"`
	Kind              Kind      `json:"kind"`
	Impact            Impact    `json:"impact"`
	Strategy          Strategy  `json:"strategy"`
	WinnerDeviceID    string    `json:"winner_device_id,omitempty"`
	DeviceIDs         []string  `json:"device_ids"`
	ResultChecksum    string    `json:"result_checksum"`
	At                time.Time `json:"at"`
	Checksum          string    `json:"checksum"`
}

func (c Conflict) clone() Conflict {
	out := c
	out.Snapshots = append([]Snapshot(nil), c.Snapshots...)
	if c.Outcome != nil {
		o := *c.Outcome
		out.Outcome = &o
	}
	return out
}
