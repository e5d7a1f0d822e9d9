package optrack

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/roach88/crossdevice/internal/keylock"
	"github.com/roach88/crossdevice/internal/ports"
	"github.com/roach88/crossdevice/internal/syncerr"
)

// Archive receives operations as they are pruned.
type Archive interface {
	ArchiveOperation(ctx context.Context, op Operation) error
}

// Config holds tracker tunables.
type Config struct {
	// Retention is how long terminal non-crisis operations are kept.
	Retention time.Duration

	// CrisisRetention is how long terminal crisis operations are kept.
	CrisisRetention time.Duration

	// EscalationBudget bounds EscalateToCrisis bookkeeping.
	EscalationBudget time.Duration

	// MaxAlerts caps the in-memory alert history.
	MaxAlerts int

	// LatencySmoothing is the EWMA weight of the newest latency sample.
	LatencySmoothing float64

	// DefaultRetry applies to operations started without a policy.
	DefaultRetry RetryPolicy
}

// DefaultConfig returns the default tracker configuration.
func DefaultConfig() Config {
	return Config{
		Retention:        24 * time.Hour,
		CrisisRetention:  7 * 24 * time.Hour,
		EscalationBudget: 50 * time.Millisecond,
		MaxAlerts:        100,
		LatencySmoothing: 0.2,
		DefaultRetry:     DefaultRetryPolicy(),
	}
}

// Tracker records operation lifecycles.
//
// Thread-safety model:
//   - transitions of one operation hold its per-ID lock
//   - the operation map is guarded by mu; callers receive copies
//   - counters are atomics so Stats never blocks on a transition
type Tracker struct {
	mu  sync.RWMutex
	ops map[string]*Operation

	locks   *keylock.Map
	cfg     Config
	clock   ports.Clock
	metrics ports.Metrics
	archive Archive
	logger  *zap.Logger

	violations atomic.Int64
	completed  atomic.Int64
	failed     atomic.Int64

	latencyMu sync.Mutex
	latency   time.Duration

	alertMu sync.Mutex
	alerts  []Alert
	onAlert func(Alert)
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithConfig sets tracker tunables.
func WithConfig(cfg Config) Option { return func(t *Tracker) { t.cfg = cfg } }

// WithClock sets the time source used for SLA measurement.
func WithClock(c ports.Clock) Option { return func(t *Tracker) { t.clock = c } }

// WithMetrics sets the telemetry sink.
func WithMetrics(m ports.Metrics) Option { return func(t *Tracker) { t.metrics = m } }

// WithArchive persists operations as they are pruned.
func WithArchive(a Archive) Option { return func(t *Tracker) { t.archive = a } }

// WithAlertHandler is called synchronously for every alert.
func WithAlertHandler(fn func(Alert)) Option { return func(t *Tracker) { t.onAlert = fn } }

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option { return func(t *Tracker) { t.logger = l } }

// New creates a Tracker.
func New(opts ...Option) *Tracker {
	t := &Tracker{
		ops:     make(map[string]*Operation),
		locks:   keylock.New(),
		cfg:     DefaultConfig(),
		clock:   ports.SystemClock{},
		metrics: ports.NopMetrics{},
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.logger == nil {
		t.logger = zap.NewNop()
	}
	return t
}

// Start begins tracking op in the queued state.
// Crisis operations are forced to MaxPriority.
func (t *Tracker) Start(op Operation) error {
	if op.ID == "" {
		return syncerr.Invalid("operation id is required")
	}
	if op.Crisis {
		op.Priority = MaxPriority
	}
	if op.Priority < MinPriority || op.Priority > MaxPriority {
		return &syncerr.Error{
			Code:        syncerr.CodeInvalidArgument,
			Message:     "priority out of range",
			OperationID: op.ID,
		}
	}
	if op.Retry == (RetryPolicy{}) {
		op.Retry = t.cfg.DefaultRetry
	}
	now := t.clock.Now()
	if op.SubmittedAt.IsZero() {
		op.SubmittedAt = now
	}
	op.QueuedAt = op.SubmittedAt
	op.Status = StatusQueued
	op.DependsOn = append([]string(nil), op.DependsOn...)

	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.ops[op.ID]; exists {
		return &syncerr.Error{
			Code:        syncerr.CodeInvalidArgument,
			Message:     "operation already tracked",
			OperationID: op.ID,
		}
	}
	t.ops[op.ID] = &op
	t.metrics.Count("operation.started", 1, "entity_type", op.EntityType)
	return nil
}

// RecordStart marks the operation as processing on deviceID.
func (t *Tracker) RecordStart(id, deviceID string) error {
	return t.mutate(id, func(op *Operation, now time.Time) error {
		op.Status = StatusProcessing
		op.StartedAt = now
		op.Attempts++
		if deviceID != "" {
			op.DeviceID = deviceID
		}
		return nil
	})
}

// RecordComplete marks the operation completed and checks its SLA.
//
// A violation increments the global counter and raises a warning alert.
// A crisis operation that exceeds its guaranteed bound raises a critical
// alert.
func (t *Tracker) RecordComplete(id string, res Result) error {
	var done Operation
	err := t.mutate(id, func(op *Operation, now time.Time) error {
		if op.StartedAt.IsZero() {
			op.StartedAt = op.QueuedAt
		}
		op.Status = StatusCompleted
		op.CompletedAt = now
		op.ExecutionTime = now.Sub(op.StartedAt)
		op.QueueWait = op.StartedAt.Sub(op.QueuedAt)
		if res.DeviceID != "" {
			op.DeviceID = res.DeviceID
		}
		op.Checksum = res.Checksum
		op.LastError = ""
		op.LastCode = ""
		op.SLAViolated = (op.SLA.MaxExecution > 0 && op.ExecutionTime > op.SLA.MaxExecution) ||
			(op.SLA.MaxQueueWait > 0 && op.QueueWait > op.SLA.MaxQueueWait)
		done = *op
		return nil
	})
	if err != nil {
		return err
	}

	t.completed.Add(1)
	t.observeLatency(done.ExecutionTime)
	t.metrics.Timing("operation.execution", done.ExecutionTime, "entity_type", done.EntityType)
	t.metrics.Timing("operation.queue_wait", done.QueueWait, "entity_type", done.EntityType)
	t.metrics.Count("operation.completed", 1)

	if done.SLAViolated {
		t.violations.Add(1)
		t.metrics.Count("sla.violation", 1, "entity_type", done.EntityType)
		limit := done.SLA.MaxExecution
		if done.SLA.MaxQueueWait > 0 && done.QueueWait > done.SLA.MaxQueueWait {
			limit = done.SLA.MaxQueueWait
		}
		t.logger.Warn("sla violation",
			zap.String("code", string(syncerr.CodeSLAViolation)),
			zap.String("operation_id", done.ID),
			zap.Duration("execution", done.ExecutionTime),
			zap.Duration("queue_wait", done.QueueWait),
		)
		t.raise(Alert{
			Severity:    SeverityWarning,
			Kind:        AlertSLAViolation,
			OperationID: done.ID,
			Elapsed:     done.ExecutionTime + done.QueueWait,
			Limit:       limit,
		})
	}

	total := done.ExecutionTime + done.QueueWait
	if done.Crisis && done.SLA.Guaranteed > 0 && total > done.SLA.Guaranteed {
		t.logger.Error("crisis operation exceeded guaranteed bound",
			zap.String("operation_id", done.ID),
			zap.Duration("elapsed", total),
			zap.Duration("guaranteed", done.SLA.Guaranteed),
		)
		t.raise(Alert{
			Severity:    SeverityCritical,
			Kind:        AlertGuaranteedExceeded,
			OperationID: done.ID,
			Elapsed:     total,
			Limit:       done.SLA.Guaranteed,
		})
	}
	return nil
}

// RecordError records a failed attempt and reports whether the operation
// will be retried.
//
// Rejections and integrity mismatches are not retried. Other failures
// re-queue with exponential backoff until MaxRetries attempts have been
// made, after which the operation is terminally failed.
func (t *Tracker) RecordError(id string, cause error) (retry bool, err error) {
	var snapshot Operation
	err = t.mutate(id, func(op *Operation, now time.Time) error {
		code := syncerr.CodeOf(cause)
		op.LastCode = code
		if cause != nil {
			op.LastError = cause.Error()
		}
		recoverable := !syncerr.Rejected(cause) && code != syncerr.CodeIntegrityMismatch
		if recoverable && op.Attempts <= op.Retry.MaxRetries {
			op.Status = StatusRetrying
			op.NextAttemptAt = now.Add(op.Retry.Backoff(op.Attempts))
			op.QueuedAt = op.NextAttemptAt
			retry = true
		} else {
			op.Status = StatusFailed
			op.CompletedAt = now
		}
		snapshot = *op
		return nil
	})
	if err != nil {
		return false, err
	}

	fields := []zap.Field{
		zap.String("operation_id", id),
		zap.String("code", string(snapshot.LastCode)),
		zap.Int("attempts", snapshot.Attempts),
	}
	if retry {
		t.metrics.Count("operation.retried", 1)
		t.logger.Info("operation will retry", append(fields, zap.Time("next_attempt_at", snapshot.NextAttemptAt))...)
		return true, nil
	}

	t.failed.Add(1)
	t.metrics.Count("operation.failed", 1, "code", string(snapshot.LastCode))
	t.logger.Warn("operation failed", fields...)
	if snapshot.Attempts > snapshot.Retry.MaxRetries {
		t.raise(Alert{Severity: SeverityWarning, Kind: AlertRetriesExhausted, OperationID: id})
	}
	return false, nil
}

// Fail terminally fails an operation without consuming an attempt,
// e.g. when a dependency failed.
func (t *Tracker) Fail(id string, cause error) error {
	err := t.mutate(id, func(op *Operation, now time.Time) error {
		op.Status = StatusFailed
		op.CompletedAt = now
		op.LastCode = syncerr.CodeOf(cause)
		if cause != nil {
			op.LastError = cause.Error()
		}
		return nil
	})
	if err == nil {
		t.failed.Add(1)
		t.metrics.Count("operation.failed", 1, "code", string(syncerr.CodeOf(cause)))
	}
	return err
}

// EscalateToCrisis forces the operation to MaxPriority and marks it
// crisis_escalated. If the bookkeeping itself takes longer than the
// escalation budget, a critical alert is raised against the operation.
func (t *Tracker) EscalateToCrisis(id, level string) error {
	began := t.clock.Now()
	err := t.mutate(id, func(op *Operation, _ time.Time) error {
		op.Priority = MaxPriority
		op.Crisis = true
		op.Status = StatusCrisisEscalated
		op.EscalationLevel = level
		return nil
	})
	if err != nil {
		return err
	}
	elapsed := t.clock.Now().Sub(began)

	t.metrics.Count("operation.escalated", 1, "level", level)
	t.logger.Info("operation escalated to crisis",
		zap.String("operation_id", id),
		zap.String("level", level),
		zap.Duration("elapsed", elapsed),
	)
	if elapsed > t.cfg.EscalationBudget {
		t.raise(Alert{
			Severity:    SeverityCritical,
			Kind:        AlertEscalationSlow,
			OperationID: id,
			Elapsed:     elapsed,
			Limit:       t.cfg.EscalationBudget,
		})
	}
	return nil
}

// MarkBypass flags the operation as running on the emergency bypass path.
func (t *Tracker) MarkBypass(id string) error {
	return t.mutate(id, func(op *Operation, _ time.Time) error {
		op.Priority = MaxPriority
		op.Status = StatusEmergencyBypass
		return nil
	})
}

// PinEntity forces every non-terminal operation on the entity to
// MaxPriority and returns the affected IDs in submission order.
func (t *Tracker) PinEntity(entityType, entityID string) []string {
	var ids []string
	for _, op := range t.List() {
		if op.Status.Terminal() || op.EntityID != entityID {
			continue
		}
		if entityType != "" && op.EntityType != entityType {
			continue
		}
		err := t.mutate(op.ID, func(o *Operation, _ time.Time) error {
			o.Priority = MaxPriority
			return nil
		})
		if err == nil {
			ids = append(ids, op.ID)
		}
	}
	return ids
}

// Ready reports whether all dependencies of the operation have completed.
// If a dependency failed, failedDep names it. Unknown dependencies were
// pruned after reaching a terminal state and count as satisfied.
func (t *Tracker) Ready(id string) (ready bool, failedDep string, err error) {
	op, ok := t.Get(id)
	if !ok {
		return false, "", syncerr.NotFound("operation", id)
	}
	ready = true
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, dep := range op.DependsOn {
		d, ok := t.ops[dep]
		if !ok {
			continue
		}
		switch d.Status {
		case StatusCompleted:
		case StatusFailed:
			return false, dep, nil
		default:
			ready = false
		}
	}
	return ready, "", nil
}

// Get returns a copy of an operation.
func (t *Tracker) Get(id string) (Operation, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	op, ok := t.ops[id]
	if !ok {
		return Operation{}, false
	}
	return clone(op), true
}

// List returns copies of all tracked operations in submission order.
func (t *Tracker) List() []Operation {
	t.mu.RLock()
	out := make([]Operation, 0, len(t.ops))
	for _, op := range t.ops {
		out = append(out, clone(op))
	}
	t.mu.RUnlock()
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].SubmittedAt.Equal(out[j].SubmittedAt) {
			return out[i].SubmittedAt.Before(out[j].SubmittedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Prune removes terminal operations past their retention window and
// returns how many were removed. Pruned operations go to the archive
// when one is configured; archive failures keep the operation for the
// next pass.
func (t *Tracker) Prune(ctx context.Context, now time.Time) int {
	var expired []Operation
	t.mu.RLock()
	for _, op := range t.ops {
		if !op.Status.Terminal() {
			continue
		}
		keep := t.cfg.Retention
		if op.Crisis {
			keep = t.cfg.CrisisRetention
		}
		if now.Sub(op.CompletedAt) > keep {
			expired = append(expired, clone(op))
		}
	}
	t.mu.RUnlock()

	pruned := 0
	for _, op := range expired {
		if t.archive != nil {
			if err := t.archive.ArchiveOperation(ctx, op); err != nil {
				t.logger.Warn("archive operation failed", zap.String("operation_id", op.ID), zap.Error(err))
				continue
			}
		}
		t.mu.Lock()
		delete(t.ops, op.ID)
		t.mu.Unlock()
		pruned++
	}
	if pruned > 0 {
		t.metrics.Count("operation.pruned", int64(pruned))
		t.logger.Debug("operations pruned", zap.Int("count", pruned))
	}
	return pruned
}

// AverageLatency returns the smoothed execution latency.
func (t *Tracker) AverageLatency() time.Duration {
	t.latencyMu.Lock()
	defer t.latencyMu.Unlock()
	return t.latency
}

// Violations returns the global SLA violation count.
func (t *Tracker) Violations() int64 {
	return t.violations.Load()
}

// Alerts returns the retained alert history, oldest first.
func (t *Tracker) Alerts() []Alert {
	t.alertMu.Lock()
	defer t.alertMu.Unlock()
	return append([]Alert(nil), t.alerts...)
}

// Stats returns a summary of tracker state.
func (t *Tracker) Stats() Stats {
	t.mu.RLock()
	s := Stats{Tracked: len(t.ops)}
	for _, op := range t.ops {
		if !op.Status.Terminal() {
			s.Active++
		}
	}
	t.mu.RUnlock()
	s.Completed = t.completed.Load()
	s.Failed = t.failed.Load()
	s.Violations = t.violations.Load()
	s.AverageLatency = t.AverageLatency()
	return s
}

// mutate applies fn to the operation under its per-ID lock.
// Terminal operations reject further transitions.
func (t *Tracker) mutate(id string, fn func(op *Operation, now time.Time) error) error {
	unlock := t.locks.Lock(id)
	defer unlock()

	t.mu.RLock()
	cur, ok := t.ops[id]
	t.mu.RUnlock()
	if !ok {
		return syncerr.NotFound("operation", id)
	}
	if cur.Status.Terminal() {
		return &syncerr.Error{
			Code:        syncerr.CodeInvalidArgument,
			Message:     "operation already " + string(cur.Status),
			OperationID: id,
		}
	}

	next := clone(cur)
	if err := fn(&next, t.clock.Now()); err != nil {
		return err
	}
	t.mu.Lock()
	t.ops[id] = &next
	t.mu.Unlock()
	return nil
}

func (t *Tracker) observeLatency(d time.Duration) {
	t.latencyMu.Lock()
	defer t.latencyMu.Unlock()
	if t.latency == 0 {
		t.latency = d
		return
	}
	alpha := t.cfg.LatencySmoothing
	if alpha <= 0 || alpha > 1 {
		alpha = 0.2
	}
	t.latency = time.Duration(alpha*float64(d) + (1-alpha)*float64(t.latency))
}

func (t *Tracker) raise(a Alert) {
	if a.At.IsZero() {
		a.At = t.clock.Now()
	}
	t.metrics.Count("alert.raised", 1, "severity", string(a.Severity), "kind", string(a.Kind))

	t.alertMu.Lock()
	t.alerts = append(t.alerts, a)
	if limit := t.cfg.MaxAlerts; limit > 0 && len(t.alerts) > limit {
		t.alerts = append([]Alert(nil), t.alerts[len(t.alerts)-limit:]...)
	}
	handler := t.onAlert
	t.alertMu.Unlock()

	if handler != nil {
		handler(a)
	}
}

func clone(op *Operation) Operation {
	c := *op
	c.DependsOn = append([]string(nil), op.DependsOn...)
	return c
}
