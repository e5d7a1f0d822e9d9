package conflict

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/roach88/crossdevice/internal/syncerr"
)

// Report is a set of device states for one entity to compare.
type Report struct {
	EntityType string
	EntityID   string

	// OperationID links the conflict to the operation that surfaced it.
	OperationID string

	Local   Snapshot
	Remotes []Snapshot
}

// Detect compares each remote snapshot against the local one.
//
// A content mismatch, a version mismatch, or a timestamp skew beyond the
// tolerance each independently raise a conflict holding the local snapshot
// and every divergent remote. Returns false when all remotes agree.
//
// A second report for an entity that already has a pending conflict
// replaces that conflict's snapshots instead of opening another.
func (e *Engine) Detect(r Report) (Conflict, bool, error) {
	if r.EntityID == "" {
		return Conflict{}, false, syncerr.Invalid("entity id is required")
	}
	if err := validSnapshot(r.Local); err != nil {
		return Conflict{}, false, err
	}
	localSum, err := PayloadChecksum(r.Local.Payload)
	if err != nil {
		return Conflict{}, false, fmt.Errorf("checksum local state: %w", err)
	}

	var (
		divergent []Snapshot
		skewed    bool
		versioned bool
	)
	for _, remote := range r.Remotes {
		if err := validSnapshot(remote); err != nil {
			return Conflict{}, false, err
		}
		sum, err := PayloadChecksum(remote.Payload)
		if err != nil {
			return Conflict{}, false, fmt.Errorf("checksum state from %s: %w", remote.DeviceID, err)
		}
		content := sum != localSum
		version := remote.Version != r.Local.Version
		skew := absDuration(remote.Timestamp.Sub(r.Local.Timestamp)) > e.cfg.SkewTolerance
		if content || version || skew {
			divergent = append(divergent, remote)
			skewed = skewed || skew
			versioned = versioned || version
		}
	}
	if len(divergent) == 0 {
		e.metrics.Count("conflict.checked", 1, "outcome", "consistent")
		return Conflict{}, false, nil
	}

	snapshots := append([]Snapshot{r.Local}, divergent...)
	c := Conflict{
		EntityType:         r.EntityType,
		EntityID:           r.EntityID,
		OperationID:        r.OperationID,
		Kind:               e.classify(snapshots, skewed, versioned),
		Impact:             impactOf(snapshots),
		CrisisDataInvolved: crisisInvolved(snapshots),
		State:              StatePending,
		Snapshots:          snapshots,
		DetectedAt:         e.clock.Now(),
	}
	c.Strategy = selectStrategy(c, "")

	key := entityKey(r.EntityType, r.EntityID)
	e.mu.Lock()
	if id, ok := e.byKey[key]; ok {
		existing := e.active[id]
		if existing.State == StateInProgress {
			out := existing.clone()
			e.mu.Unlock()
			return out, true, nil
		}
		c.ID = existing.ID
		c.DetectedAt = existing.DetectedAt
		c.Attempts = existing.Attempts
		if c.OperationID == "" {
			c.OperationID = existing.OperationID
		}
	} else {
		c.ID = e.ids.NewID()
	}
	stored := c.clone()
	e.active[c.ID] = &stored
	e.byKey[key] = c.ID
	e.mu.Unlock()

	e.metrics.Count("conflict.detected", 1, "kind", string(c.Kind), "impact", string(c.Impact))
	e.logger.Info("conflict detected",
		zap.String("conflict_id", c.ID),
		zap.String("entity_type", c.EntityType),
		zap.String("entity_id", c.EntityID),
		zap.String("kind", string(c.Kind)),
		zap.Int("snapshots", len(c.Snapshots)),
		zap.Bool("crisis", c.CrisisDataInvolved),
	)
	return c, true, nil
}

// classify picks the conflict kind by precedence: timing, version, access,
// priority, concurrent edit, then plain divergence.
func (e *Engine) classify(snapshots []Snapshot, skewed, versioned bool) Kind {
	switch {
	case skewed:
		return KindTimingConflict
	case versioned:
		return KindVersionMismatch
	}
	first := snapshots[0]
	earliest, latest := first.Timestamp, first.Timestamp
	readOnly, priorities := false, false
	for _, s := range snapshots {
		readOnly = readOnly || s.ReadOnly
		priorities = priorities || s.Priority != first.Priority
		if s.Timestamp.Before(earliest) {
			earliest = s.Timestamp
		}
		if s.Timestamp.After(latest) {
			latest = s.Timestamp
		}
	}
	switch {
	case readOnly:
		return KindAccessConflict
	case priorities:
		return KindPriorityConflict
	case latest.Sub(earliest) <= e.cfg.ConcurrentWindow:
		return KindConcurrentEdit
	}
	return KindDataDivergence
}

func impactOf(snapshots []Snapshot) Impact {
	impact := ImpactLow
	for _, s := range snapshots {
		if s.CrisisData {
			return ImpactCritical
		}
		switch s.Payload.(type) {
		case CrisisPlan:
			return ImpactCritical
		case Assessment:
			impact = ImpactHigh
		case SessionData:
			if impact == ImpactLow {
				impact = ImpactModerate
			}
		case Record:
		}
	}
	return impact
}

func crisisInvolved(snapshots []Snapshot) bool {
	for _, s := range snapshots {
		if s.CrisisData {
			return true
		}
		if _, ok := s.Payload.(CrisisPlan); ok {
			return true
		}
	}
	return false
}

func validSnapshot(s Snapshot) error {
	if s.DeviceID == "" {
		return syncerr.Invalid("snapshot device id is required")
	}
	if s.Payload == nil {
		return &syncerr.Error{
			Code:     syncerr.CodeInvalidArgument,
			Message:  "snapshot payload is required",
			DeviceID: s.DeviceID,
		}
	}
	return nil
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
