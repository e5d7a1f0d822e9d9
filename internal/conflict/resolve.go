package conflict

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/roach88/crossdevice/internal/ir"
	"github.com/roach88/crossdevice/internal/syncerr"
)

// Strategies lists every supported resolution strategy.
var Strategies = []Strategy{
	StrategyLatestWins,
	StrategyPriorityMerge,
	StrategyClinicalPriority,
	StrategyCrisisPriority,
	StrategyMergeCRDT,
}

// selectStrategy applies the data-driven rules. Crisis data always
// resolves by crisis priority; otherwise an explicit request wins, then
// the payload variant decides.
func selectStrategy(c Conflict, requested Strategy) Strategy {
	if c.CrisisDataInvolved {
		return StrategyCrisisPriority
	}
	if requested != "" {
		return requested
	}
	kind := KindRecord
	for _, s := range c.Snapshots {
		switch s.Payload.(type) {
		case Assessment:
			return StrategyClinicalPriority
		case SessionData:
			kind = KindSessionData
		case CrisisPlan, Record:
		}
	}
	if kind == KindSessionData {
		return StrategyMergeCRDT
	}
	return StrategyLatestWins
}

func knownStrategy(s Strategy) bool {
	for _, k := range Strategies {
		if s == k {
			return true
		}
	}
	return false
}

// Resolve resolves a pending conflict.
//
// The requested strategy may be empty to use the data-driven default.
// Conflicts involving crisis data always use crisis_priority. The work,
// including the audit write, must finish within the resolution timeout
// (longer for crisis-adjacent data); on timeout the conflict returns to
// pending and a TIMEOUT error is returned.
//
// Resolving an already resolved conflict returns its recorded outcome.
func (e *Engine) Resolve(ctx context.Context, id string, requested Strategy) (Outcome, error) {
	if requested != "" && !knownStrategy(requested) {
		return Outcome{}, &syncerr.Error{
			Code:       syncerr.CodeInvalidArgument,
			Message:    fmt.Sprintf("unknown strategy %q", requested),
			ConflictID: id,
		}
	}

	e.mu.Lock()
	c, ok := e.active[id]
	if !ok {
		e.mu.Unlock()
		if prev, found := e.Get(id); found && prev.State == StateResolved && prev.Outcome != nil {
			return *prev.Outcome, nil
		}
		return Outcome{}, notFound(id)
	}
	if c.State == StateInProgress {
		e.mu.Unlock()
		return Outcome{}, &syncerr.Error{
			Code:       syncerr.CodeInvalidArgument,
			Message:    "resolution already in progress",
			ConflictID: id,
		}
	}
	c.Strategy = selectStrategy(*c, requested)
	c.State = StateInProgress
	c.Attempts++
	work := c.clone()
	e.mu.Unlock()

	timeout := e.cfg.ResolutionTimeout
	if work.CrisisDataInvolved || work.Impact == ImpactCritical {
		timeout = e.cfg.CrisisResolutionTimeout
	}
	began := e.clock.Now()

	rctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		out Outcome
		err error
	}
	done := make(chan result, 1)
	go func() {
		out, err := e.execute(rctx, work)
		done <- result{out, err}
	}()

	var res result
	select {
	case res = <-done:
	case <-rctx.Done():
		res.err = rctx.Err()
	}

	if res.err != nil {
		return Outcome{}, e.fail(work, timeout, res.err)
	}

	e.mu.Lock()
	if cur, ok := e.active[id]; ok {
		cur.State = StateResolved
		cur.ResolvedAt = res.out.ResolvedAt
		out := res.out
		cur.Outcome = &out
		e.retireLocked(id)
	}
	e.mu.Unlock()

	e.metrics.Timing("conflict.resolution", e.clock.Now().Sub(began), "strategy", string(work.Strategy))
	e.metrics.Count("conflict.resolved", 1, "strategy", string(work.Strategy))
	e.logger.Info("conflict resolved",
		zap.String("conflict_id", id),
		zap.String("strategy", string(work.Strategy)),
		zap.String("winner", res.out.WinnerDeviceID),
		zap.String("audit_id", res.out.AuditID),
	)
	return res.out, nil
}

// fail records a failed attempt. Deadlines and audit write failures leave
// the conflict pending for retry; strategy errors fail it for good.
func (e *Engine) fail(c Conflict, timeout time.Duration, cause error) error {
	var strategyErr *strategyError
	terminal := errors.As(cause, &strategyErr)

	e.mu.Lock()
	if cur, ok := e.active[c.ID]; ok {
		if terminal {
			cur.State = StateFailed
			cur.FailureReason = cause.Error()
			cur.ResolvedAt = e.clock.Now()
			e.retireLocked(c.ID)
		} else {
			cur.State = StatePending
		}
	}
	e.mu.Unlock()

	if errors.Is(cause, context.DeadlineExceeded) {
		e.metrics.Count("conflict.timeout", 1, "strategy", string(c.Strategy))
		e.logger.Warn("conflict resolution timed out",
			zap.String("conflict_id", c.ID),
			zap.Duration("timeout", timeout),
			zap.Int("attempts", c.Attempts),
		)
		err := syncerr.Timeout("conflict resolution", timeout, cause)
		err.ConflictID = c.ID
		err.EntityID = c.EntityID
		err.OperationID = c.OperationID
		return err
	}

	e.metrics.Count("conflict.failed", 1, "strategy", string(c.Strategy))
	e.logger.Warn("conflict resolution failed",
		zap.String("conflict_id", c.ID),
		zap.Bool("terminal", terminal),
		zap.Error(cause),
	)
	return fmt.Errorf("resolve conflict %s: %w", c.ID, cause)
}

type strategyError struct {
	strategy Strategy
	err      error
}

func (e *strategyError) Error() string {
	return fmt.Sprintf("strategy %s: %v", e.strategy, e.err)
}

func (e *strategyError) Unwrap() error { return e.err }

// execute applies the strategy and persists the audit entry.
func (e *Engine) execute(ctx context.Context, c Conflict) (Outcome, error) {
	winner, payload, err := apply(c.Strategy, c.Snapshots)
	if err != nil {
		return Outcome{}, &strategyError{strategy: c.Strategy, err: err}
	}
	sum, err := PayloadChecksum(payload)
	if err != nil {
		return Outcome{}, &strategyError{strategy: c.Strategy, err: err}
	}

	now := e.clock.Now()
	entry := AuditEntry{
		ID:             e.ids.NewID(),
		ConflictID:     c.ID,
		EntityType:     c.EntityType,
		EntityID:       c.EntityID,
		OperationID:    c.OperationID,
		Kind:           c.Kind,
		Impact:         c.Impact,
		Strategy:       c.Strategy,
		WinnerDeviceID: winner,
		ResultChecksum: sum,
		At:             now,
	}
	for _, s := range c.Snapshots {
		entry.DeviceIDs = append(entry.DeviceIDs, s.DeviceID)
	}
	if e.ops != nil && c.OperationID != "" {
		if op, ok := e.ops.Get(c.OperationID); ok {
			entry.OperationPriority = op.Priority
		}
	}
	entry.Checksum, err = AuditChecksum(entry)
	if err != nil {
		return Outcome{}, err
	}
	// A resolution abandoned at its deadline leaves no audit entry.
	if err := ctx.Err(); err != nil {
		return Outcome{}, err
	}
	if e.audit != nil {
		if err := e.audit.RecordAudit(ctx, entry); err != nil {
			return Outcome{}, fmt.Errorf("record audit: %w", err)
		}
	}

	return Outcome{
		ConflictID:     c.ID,
		Strategy:       c.Strategy,
		WinnerDeviceID: winner,
		Payload:        payload,
		Checksum:       sum,
		AuditID:        entry.ID,
		ResolvedAt:     now,
	}, nil
}

// AuditChecksum is the checksum of an audit entry's content, excluding
// the Checksum field itself.
func AuditChecksum(a AuditEntry) (string, error) {
	devices := make(ir.Array, len(a.DeviceIDs))
	for i, id := range a.DeviceIDs {
		devices[i] = ir.String(id)
	}
	return ir.Checksum(ir.DomainAudit, ir.Object{
		"id":                 ir.String(a.ID),
		"conflict_id":        ir.String(a.ConflictID),
		"entity_type":        ir.String(a.EntityType),
		"entity_id":          ir.String(a.EntityID),
		"operation_id":       ir.String(a.OperationID),
		"operation_priority": ir.Int(a.OperationPriority),
		"kind":               ir.String(a.Kind),
		"impact":             ir.String(a.Impact),
		"strategy":           ir.String(a.Strategy),
		"winner_device_id":   ir.String(a.WinnerDeviceID),
		"device_ids":         devices,
		"result_checksum":    ir.String(a.ResultChecksum),
		"at":                 ir.Int(a.At.UnixMilli()),
	})
}

// apply runs a strategy over the snapshots and returns the winning device
// (empty for merges) and the resulting payload.
func apply(strategy Strategy, snapshots []Snapshot) (string, Payload, error) {
	if len(snapshots) < 2 {
		return "", nil, fmt.Errorf("need at least two snapshots, have %d", len(snapshots))
	}
	switch strategy {
	case StrategyLatestWins:
		w := pick(snapshots, newer)
		return w.DeviceID, w.Payload, nil

	case StrategyClinicalPriority:
		w := pick(snapshots, func(a, b Snapshot) bool {
			if a.ClinicalScore != b.ClinicalScore {
				return a.ClinicalScore > b.ClinicalScore
			}
			return newer(a, b)
		})
		return w.DeviceID, w.Payload, nil

	case StrategyCrisisPriority:
		w := pick(snapshots, func(a, b Snapshot) bool {
			if a.CrisisCapable != b.CrisisCapable {
				return a.CrisisCapable
			}
			return newer(a, b)
		})
		return w.DeviceID, w.Payload, nil

	case StrategyPriorityMerge:
		return priorityMerge(snapshots)

	case StrategyMergeCRDT:
		p, err := mergeFields(snapshots)
		return "", p, err
	}
	return "", nil, fmt.Errorf("unsupported strategy %q", strategy)
}

// newer orders by timestamp, then version, then device ID for determinism.
func newer(a, b Snapshot) bool {
	if !a.Timestamp.Equal(b.Timestamp) {
		return a.Timestamp.After(b.Timestamp)
	}
	if a.Version != b.Version {
		return a.Version > b.Version
	}
	return a.DeviceID < b.DeviceID
}

// pick returns the snapshot ranked first by better.
func pick(snapshots []Snapshot, better func(a, b Snapshot) bool) Snapshot {
	best := snapshots[0]
	for _, s := range snapshots[1:] {
		if better(s, best) {
			best = s
		}
	}
	return best
}

// priorityMerge keeps every field of the highest-priority snapshot and
// fills fields it lacks from lower-priority ones in rank order.
func priorityMerge(snapshots []Snapshot) (string, Payload, error) {
	ranked := append([]Snapshot(nil), snapshots...)
	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].Priority != ranked[j].Priority {
			return ranked[i].Priority > ranked[j].Priority
		}
		return newer(ranked[i], ranked[j])
	})
	base := ranked[0]
	fields := base.Payload.Data().Clone()
	if fields == nil {
		fields = ir.Object{}
	}
	for _, s := range ranked[1:] {
		for k, v := range s.Payload.Data() {
			if _, ok := fields[k]; !ok {
				fields[k] = v
			}
		}
	}
	p, err := withFields(base.Payload, fields, nil)
	return base.DeviceID, p, err
}

// mergeFields takes the union of all fields; each field keeps the value
// with the latest write time. The result uses the variant of the newest
// snapshot.
func mergeFields(snapshots []Snapshot) (Payload, error) {
	type candidate struct {
		value ir.Value
		at    time.Time
		snap  Snapshot
	}
	winners := make(map[string]candidate)
	for _, s := range snapshots {
		var modified map[string]time.Time
		if sd, ok := s.Payload.(SessionData); ok {
			modified = sd.Modified
		}
		for k, v := range s.Payload.Data() {
			at := s.Timestamp
			if t, ok := modified[k]; ok {
				at = t
			}
			cur, seen := winners[k]
			if !seen || at.After(cur.at) || (at.Equal(cur.at) && newer(s, cur.snap)) {
				winners[k] = candidate{value: v, at: at, snap: s}
			}
		}
	}

	fields := make(ir.Object, len(winners))
	modified := make(map[string]time.Time, len(winners))
	for k, c := range winners {
		fields[k] = c.value
		modified[k] = c.at
	}
	newest := pick(snapshots, newer)
	return withFields(newest.Payload, fields, modified)
}
