package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/crossdevice/internal/config"
	"github.com/roach88/crossdevice/internal/conflict"
	"github.com/roach88/crossdevice/internal/crisis"
	"github.com/roach88/crossdevice/internal/device"
	"github.com/roach88/crossdevice/internal/distribution"
	"github.com/roach88/crossdevice/internal/ir"
	"github.com/roach88/crossdevice/internal/optrack"
	"github.com/roach88/crossdevice/internal/ports"
	"github.com/roach88/crossdevice/internal/syncerr"
)

// DefaultPriority applies to changes submitted without one.
const DefaultPriority = 5

// Config holds scheduling tunables.
type Config struct {
	MaxConcurrent    int
	MaxQueueSize     int
	SyncInterval     time.Duration
	CrisisInterval   time.Duration
	MaxInterval      time.Duration
	LatencyThreshold time.Duration
	QuotaWindow      time.Duration

	// SendTimeout bounds one delivery when the operation declares no
	// MaxExecution SLA.
	SendTimeout time.Duration

	// CrisisDeadline bounds the broadcast of crisis work.
	CrisisDeadline time.Duration
}

// DefaultConfig returns ten workers and a five second sync interval.
func DefaultConfig() Config {
	return ConfigFrom(config.Default())
}

// ConfigFrom extracts the orchestrator section of a loaded config.
func ConfigFrom(c config.Config) Config {
	return Config{
		MaxConcurrent:    c.Orchestrator.MaxConcurrent,
		MaxQueueSize:     c.Orchestrator.MaxQueueSize,
		SyncInterval:     c.Orchestrator.SyncInterval,
		CrisisInterval:   c.Orchestrator.CrisisInterval,
		MaxInterval:      c.Orchestrator.MaxInterval,
		LatencyThreshold: c.Orchestrator.LatencyThreshold,
		QuotaWindow:      c.Orchestrator.QuotaWindow,
		SendTimeout:      c.Orchestrator.SendTimeout,
		CrisisDeadline:   c.Crisis.ActivationDeadline,
	}
}

// Change is a state change submitted for synchronization.
type Change struct {
	// ID is generated when empty.
	ID         string
	EntityType string
	EntityID   string
	Data       ir.Object

	// Priority is 1-10; zero means DefaultPriority.
	Priority        int
	Crisis          bool
	EmergencyBypass bool

	// Origin is the submitting device, charged against its quota.
	// Defaults to the local device.
	Origin string

	// Target pins delivery to one device instead of asking the
	// distribution engine.
	Target string

	// Kind defaults to ports.PayloadStateChange.
	Kind ports.PayloadKind

	DependsOn []string
	SLA       optrack.SLA
	Retry     optrack.RetryPolicy
}

func (c Change) urgent() bool { return c.Crisis || c.EmergencyBypass }

// Receipt acknowledges an accepted change.
type Receipt struct {
	OperationID string
	Tier        Tier
}

// Result is what a tick did with one operation.
type Result string

const (
	ResultCompleted Result = "completed"
	ResultRetrying  Result = "retrying"
	ResultFailed    Result = "failed"
	ResultDeferred  Result = "deferred"
	ResultParked    Result = "parked"
	ResultSkipped   Result = "skipped"
)

// Outcome reports the processing of one operation in a tick.
type Outcome struct {
	OperationID string
	DeviceID    string
	Result      Result
	Code        syncerr.Code
	Acks        int

	// Fallback is set when a crisis delivery timed out and the local
	// crisis fallback was activated.
	Fallback bool

	// Resync is set when an integrity mismatch queued a full re-sync.
	Resync bool
}

// Tick summarizes one scheduling pass.
type Tick struct {
	Outcomes []Outcome
}

// Count returns how many outcomes had result r.
func (t Tick) Count(r Result) int {
	n := 0
	for _, o := range t.Outcomes {
		if o.Result == r {
			n++
		}
	}
	return n
}

// Stats is a point-in-time view of the queue.
type Stats struct {
	Queued   int
	ByTier   map[Tier]int
	Interval time.Duration
	Tracker  optrack.Stats
}

// Fallback is the crisis coordinator view the orchestrator needs.
type Fallback interface {
	Active() bool
	Affects(entityType, entityID string) bool
	Activate(ctx context.Context, level crisis.Level, trigger crisis.Context) (crisis.Result, error)
}

// Orchestrator accepts changes, places them, delivers them and retries
// failures.
//
// Thread-safety model:
//   - Submit, Escalate, PinEntity and the device hooks are safe from any goroutine
//   - ProcessOnce runs up to MaxConcurrent deliveries in parallel
//   - Run must be called from one goroutine
type Orchestrator struct {
	registry  *device.Registry
	tracker   *optrack.Tracker
	placer    *distribution.Engine
	transport ports.Transport
	conflicts *conflict.Engine
	fallback  Fallback

	queue *syncQueue
	quota *QuotaEnforcer

	intervalMu sync.Mutex
	interval   time.Duration

	cfg       Config
	encryptor ports.Encryptor
	clock     ports.Clock
	ids       ports.IDGenerator
	metrics   ports.Metrics
	logger    *zap.Logger
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithConfig sets tunables.
func WithConfig(cfg Config) Option { return func(o *Orchestrator) { o.cfg = cfg } }

// WithConflicts enables Reconcile.
func WithConflicts(c *conflict.Engine) Option { return func(o *Orchestrator) { o.conflicts = c } }

// WithFallback sets the crisis fallback activated on crisis timeouts.
func WithFallback(f Fallback) Option { return func(o *Orchestrator) { o.fallback = f } }

// WithEncryptor sets the payload encryptor.
func WithEncryptor(e ports.Encryptor) Option { return func(o *Orchestrator) { o.encryptor = e } }

// WithClock sets the time source.
func WithClock(c ports.Clock) Option { return func(o *Orchestrator) { o.clock = c } }

// WithIDGenerator sets the operation ID source.
func WithIDGenerator(g ports.IDGenerator) Option { return func(o *Orchestrator) { o.ids = g } }

// WithMetrics sets the telemetry sink.
func WithMetrics(m ports.Metrics) Option { return func(o *Orchestrator) { o.metrics = m } }

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option { return func(o *Orchestrator) { o.logger = l } }

// New creates an Orchestrator.
func New(reg *device.Registry, tracker *optrack.Tracker, placer *distribution.Engine, transport ports.Transport, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		registry:  reg,
		tracker:   tracker,
		placer:    placer,
		transport: transport,
		queue:     newSyncQueue(),
		cfg:       DefaultConfig(),
		encryptor: ports.PassthroughEncryptor{},
		clock:     ports.SystemClock{},
		ids:       ports.UUIDv7Generator{},
		metrics:   ports.NopMetrics{},
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}
	if o.cfg.MaxConcurrent < 1 {
		o.cfg.MaxConcurrent = 1
	}
	o.quota = NewQuotaEnforcer(o.cfg.QuotaWindow)
	o.interval = o.cfg.SyncInterval
	return o
}

// Submit validates, tracks and queues a change.
//
// Rejections are returned as *syncerr.Error with NOT_FOUND (unknown
// origin or target device) or CAPACITY_EXCEEDED (queue full or device
// quota spent). Crisis and emergency-bypass changes skip both limits, as
// do changes to the entity that triggered an active crisis; those are
// pinned to the highest priority.
func (o *Orchestrator) Submit(ctx context.Context, ch Change) (Receipt, error) {
	return o.submit(ctx, ch, true)
}

func (o *Orchestrator) submit(ctx context.Context, ch Change, charge bool) (Receipt, error) {
	if ch.EntityType == "" {
		return Receipt{}, syncerr.Invalid("entity type is required")
	}
	if ch.Priority == 0 {
		ch.Priority = DefaultPriority
	}
	if ch.Kind == "" {
		ch.Kind = ports.PayloadStateChange
	}
	now := o.clock.Now()

	if ch.Target != "" {
		if _, ok := o.registry.Get(ch.Target); !ok {
			return Receipt{}, o.reject(ch, syncerr.NotFound("device", ch.Target))
		}
	}
	pinned := !ch.urgent() && ch.EntityID != "" && o.fallback != nil && o.fallback.Affects(ch.EntityType, ch.EntityID)
	if !ch.urgent() && !pinned {
		if o.queue.Len() >= o.cfg.MaxQueueSize {
			return Receipt{}, o.reject(ch, syncerr.CapacityExceeded("sync_queue", o.cfg.MaxQueueSize))
		}
		if charge {
			origin := ch.Origin
			if origin == "" {
				origin = o.registry.LocalID()
			}
			d, ok := o.registry.Get(origin)
			if !ok {
				return Receipt{}, o.reject(ch, syncerr.NotFound("device", origin))
			}
			if err := o.quota.Check(origin, d.Quota.MaxOpsPerHour, now); err != nil {
				return Receipt{}, o.reject(ch, err)
			}
		}
	}

	if ch.ID == "" {
		ch.ID = o.ids.NewID()
	}
	op := optrack.Operation{
		ID:         ch.ID,
		EntityType: ch.EntityType,
		EntityID:   ch.EntityID,
		Priority:   ch.Priority,
		Crisis:     ch.Crisis,
		DependsOn:  ch.DependsOn,
		SLA:        ch.SLA,
		Retry:      ch.Retry,
	}
	if err := o.tracker.Start(op); err != nil {
		return Receipt{}, err
	}
	switch {
	case ch.Crisis:
		ch.Priority = optrack.MaxPriority
		if err := o.tracker.EscalateToCrisis(ch.ID, string(crisis.LevelHigh)); err != nil {
			return Receipt{}, err
		}
	case ch.EmergencyBypass:
		ch.Priority = optrack.MaxPriority
		if err := o.tracker.MarkBypass(ch.ID); err != nil {
			return Receipt{}, err
		}
	case pinned:
		ch.Priority = optrack.MaxPriority
		o.tracker.PinEntity(ch.EntityType, ch.EntityID)
		o.logger.Info("change pinned by active crisis",
			zap.String("operation_id", ch.ID),
			zap.String("entity_type", ch.EntityType),
			zap.String("entity_id", ch.EntityID),
		)
	}

	tier := TierFor(ch.Priority, ch.urgent())
	if !o.queue.Push(item{opID: ch.ID, change: ch, tier: tier}) {
		err := syncerr.Invalid("orchestrator is closed")
		o.record(ch.ID, o.tracker.Fail(ch.ID, err))
		return Receipt{}, err
	}
	o.metrics.Count("sync.submitted", 1, "tier", tier.String())
	o.logger.Debug("change queued",
		zap.String("operation_id", ch.ID),
		zap.String("entity_type", ch.EntityType),
		zap.String("tier", tier.String()),
	)
	return Receipt{OperationID: ch.ID, Tier: tier}, nil
}

func (o *Orchestrator) reject(ch Change, err error) error {
	var se *syncerr.Error
	if errors.As(err, &se) {
		se.EntityID = ch.EntityID
		if ch.ID != "" {
			se.OperationID = ch.ID
		}
	}
	code := syncerr.CodeOf(err)
	o.metrics.Count("sync.rejected", 1, "code", string(code))
	o.logger.Info("change rejected",
		zap.String("entity_type", ch.EntityType),
		zap.String("entity_id", ch.EntityID),
		zap.String("code", string(code)),
	)
	return err
}

// Escalate raises a queued operation to crisis and moves it to the
// immediate tier.
func (o *Orchestrator) Escalate(id string, level crisis.Level) error {
	if err := o.tracker.EscalateToCrisis(id, string(level)); err != nil {
		return err
	}
	o.queue.Promote(func(it item) bool { return it.opID == id })
	return nil
}

// PinEntity forces every in-flight operation on an entity to the
// maximum priority and moves its queued work to the immediate tier.
func (o *Orchestrator) PinEntity(entityType, entityID string) []string {
	ids := o.tracker.PinEntity(entityType, entityID)
	moved := o.queue.Promote(func(it item) bool {
		return it.change.EntityID == entityID && (entityType == "" || it.change.EntityType == entityType)
	})
	if len(ids) > 0 || moved > 0 {
		o.logger.Info("entity pinned",
			zap.String("entity_type", entityType),
			zap.String("entity_id", entityID),
			zap.Int("operations", len(ids)),
			zap.Int("promoted", moved),
		)
	}
	return ids
}

// ProcessOnce runs one scheduling pass over the work that is due.
func (o *Orchestrator) ProcessOnce(ctx context.Context) Tick {
	batch := o.queue.PopReady(o.clock.Now(), o.cfg.MaxConcurrent)
	if len(batch) == 0 {
		return Tick{}
	}

	outcomes := make([]Outcome, len(batch))
	var g errgroup.Group
	g.SetLimit(o.cfg.MaxConcurrent)
	for i, it := range batch {
		g.Go(func() error {
			outcomes[i] = o.process(ctx, it)
			return nil
		})
	}
	_ = g.Wait()

	tick := Tick{Outcomes: outcomes}
	o.metrics.Count("sync.processed", int64(len(outcomes)))
	o.logger.Debug("tick complete",
		zap.Int("processed", len(outcomes)),
		zap.Int("completed", tick.Count(ResultCompleted)),
		zap.Int("retrying", tick.Count(ResultRetrying)),
		zap.Int("failed", tick.Count(ResultFailed)),
	)
	return tick
}

func (o *Orchestrator) process(ctx context.Context, it item) Outcome {
	out := Outcome{OperationID: it.opID}
	op, ok := o.tracker.Get(it.opID)
	if !ok || op.Status.Terminal() {
		out.Result = ResultSkipped
		return out
	}

	ready, failedDep, err := o.tracker.Ready(it.opID)
	if err != nil {
		out.Result = ResultSkipped
		return out
	}
	if failedDep != "" {
		cause := &syncerr.Error{
			Code:        syncerr.CodeInvalidArgument,
			Message:     "dependency failed",
			OperationID: it.opID,
			Details:     map[string]string{"dependency": failedDep},
		}
		o.record(it.opID, o.tracker.Fail(it.opID, cause))
		out.Result, out.Code = ResultFailed, cause.Code
		return out
	}
	if !ready {
		// Waiting on a dependency: rejoin behind the work it depends on.
		it.seq = 0
		o.queue.Push(it)
		out.Result = ResultDeferred
		return out
	}

	if op.Crisis || it.change.urgent() {
		return o.processUrgent(ctx, it, op)
	}

	target := it.change.Target
	if target != "" {
		d, ok := o.registry.Get(target)
		if !ok {
			cause := syncerr.NotFound("device", target)
			o.record(it.opID, o.tracker.Fail(it.opID, cause))
			out.Result, out.Code = ResultFailed, cause.Code
			return out
		}
		if !d.Online {
			o.queue.Park(target, it)
			out.Result, out.DeviceID = ResultParked, target
			return out
		}
	} else {
		sel, err := o.placer.Select(distribution.Request{OperationID: it.opID, EntityType: it.change.EntityType})
		if err != nil {
			o.record(it.opID, o.tracker.Fail(it.opID, err))
			out.Result, out.Code = ResultFailed, syncerr.CodeOf(err)
			return out
		}
		target = sel.DeviceID
	}
	out.DeviceID = target

	if err := o.tracker.RecordStart(it.opID, target); err != nil {
		out.Result = ResultSkipped
		return out
	}
	o.placer.Assign(target)
	defer o.placer.Release(target)

	payload, sum, err := o.payload(ctx, it, op)
	if err != nil {
		o.record(it.opID, o.tracker.Fail(it.opID, err))
		out.Result = ResultFailed
		return out
	}

	if target == o.registry.LocalID() {
		o.record(it.opID, o.tracker.RecordComplete(it.opID, optrack.Result{DeviceID: target, Checksum: sum}))
		out.Result = ResultCompleted
		return out
	}

	timeout := o.cfg.SendTimeout
	if op.SLA.MaxExecution > 0 {
		timeout = op.SLA.MaxExecution
	}
	sendCtx, cancel := context.WithTimeout(ctx, timeout)
	_, err = o.transport.Send(sendCtx, target, payload)
	cancel()
	if err == nil {
		o.record(it.opID, o.tracker.RecordComplete(it.opID, optrack.Result{DeviceID: target, Checksum: sum, Acks: 1}))
		out.Result, out.Acks = ResultCompleted, 1
		return out
	}

	cause := deliveryError(err, target, timeout)
	out.Code = syncerr.CodeOf(cause)
	retry, err := o.tracker.RecordError(it.opID, cause)
	if err != nil {
		o.record(it.opID, err)
		out.Result = ResultSkipped
		return out
	}
	if syncerr.IsIntegrityMismatch(cause) {
		out.Resync = o.resync(ctx, target) == nil
	}
	if retry {
		if cur, ok := o.tracker.Get(it.opID); ok {
			it.readyAt = cur.NextAttemptAt
		}
		o.queue.Push(it)
		out.Result = ResultRetrying
		return out
	}
	out.Result = ResultFailed
	return out
}

// processUrgent runs crisis and emergency-bypass work on the local
// device and broadcasts it under the crisis deadline. A missed deadline,
// or a broadcast that failed without a single acknowledgement, activates
// the local fallback instead of failing the operation.
func (o *Orchestrator) processUrgent(ctx context.Context, it item, op optrack.Operation) Outcome {
	out := Outcome{OperationID: it.opID}
	sel, err := o.placer.Select(distribution.Request{
		OperationID:     it.opID,
		EntityType:      it.change.EntityType,
		Crisis:          true,
		EmergencyBypass: it.change.EmergencyBypass,
	})
	if err != nil {
		o.record(it.opID, o.tracker.Fail(it.opID, err))
		out.Result, out.Code = ResultFailed, syncerr.CodeOf(err)
		return out
	}
	out.DeviceID = sel.DeviceID
	if err := o.tracker.RecordStart(it.opID, sel.DeviceID); err != nil {
		out.Result = ResultSkipped
		return out
	}

	payload, sum, err := o.payload(ctx, it, op)
	if err != nil {
		o.record(it.opID, o.tracker.Fail(it.opID, err))
		out.Result = ResultFailed
		return out
	}

	bctx, cancel := context.WithTimeout(ctx, o.cfg.CrisisDeadline)
	acks, err := o.transport.Broadcast(bctx, payload)
	timedOut := errors.Is(bctx.Err(), context.DeadlineExceeded)
	cancel()
	out.Acks = len(acks)

	switch {
	case timedOut:
		out.Code = syncerr.CodeTimeout
		out.Fallback = o.activateFallback(ctx, it.change, "crisis delivery timed out")
	case err != nil && len(acks) == 0:
		o.logger.Warn("crisis broadcast reached no device", zap.String("operation_id", it.opID), zap.Error(err))
		// Nothing was delivered within the crisis deadline.
		out.Code = syncerr.CodeOf(err)
		if out.Code == "" {
			out.Code = syncerr.CodeTimeout
		}
		out.Fallback = o.activateFallback(ctx, it.change, "crisis delivery reached no device")
	case err != nil:
		o.logger.Warn("crisis broadcast failed", zap.String("operation_id", it.opID), zap.Error(err))
	}

	o.record(it.opID, o.tracker.RecordComplete(it.opID, optrack.Result{DeviceID: sel.DeviceID, Checksum: sum, Acks: len(acks)}))
	out.Result = ResultCompleted
	return out
}

// record logs a tracker transition that could not be applied. The
// operation was pruned or reached a terminal state concurrently.
func (o *Orchestrator) record(opID string, err error) {
	if err != nil {
		o.logger.Warn("operation transition rejected", zap.String("operation_id", opID), zap.Error(err))
	}
}

func (o *Orchestrator) activateFallback(ctx context.Context, ch Change, reason string) bool {
	o.metrics.Count("sync.crisis_fallback", 1)
	if o.fallback == nil {
		o.logger.Error("crisis delivery failed with no fallback configured",
			zap.String("entity_id", ch.EntityID),
			zap.String("reason", reason),
		)
		return false
	}
	if o.fallback.Active() {
		return true
	}
	res, err := o.fallback.Activate(ctx, crisis.LevelHigh, crisis.Context{
		EntityType: ch.EntityType,
		EntityID:   ch.EntityID,
		DeviceID:   ch.Origin,
		Reason:     reason,
	})
	if err != nil {
		o.logger.Error("crisis fallback activation failed", zap.Error(err))
		return false
	}
	return res.Accepted
}

// deliveryError maps a transport failure to the error recorded on the
// operation. Integrity mismatches keep their code; deadlines become
// TIMEOUT; anything else is a transient delivery failure and loses its
// code so the retry policy applies.
func deliveryError(err error, deviceID string, timeout time.Duration) error {
	switch {
	case syncerr.IsIntegrityMismatch(err):
		return err
	case errors.Is(err, context.DeadlineExceeded):
		e := syncerr.Timeout("delivery", timeout, err)
		e.DeviceID = deviceID
		return e
	default:
		return fmt.Errorf("deliver to %s: %v", deviceID, err)
	}
}

func (o *Orchestrator) payload(ctx context.Context, it item, op optrack.Operation) (ports.Payload, string, error) {
	data := it.change.Data
	if data == nil {
		data = ir.Object{}
	}
	plain, err := ir.MarshalCanonical(ir.Object{
		"entity_type": ir.String(it.change.EntityType),
		"entity_id":   ir.String(it.change.EntityID),
		"priority":    ir.Int(op.Priority),
		"data":        data,
	})
	if err != nil {
		return ports.Payload{}, "", fmt.Errorf("encode change %s: %w", it.opID, err)
	}

	level := ports.SensitivityStandard
	switch {
	case op.Crisis || it.change.urgent():
		level = ports.SensitivityCrisis
	case op.Priority >= 8:
		level = ports.SensitivityClinical
	}
	body, err := o.encryptor.Encrypt(ctx, plain, level)
	if err != nil {
		return ports.Payload{}, "", fmt.Errorf("encrypt change %s: %w", it.opID, err)
	}
	sum := o.encryptor.Checksum(plain)
	return ports.Payload{
		Kind:        it.change.Kind,
		OperationID: it.opID,
		EntityType:  it.change.EntityType,
		EntityID:    it.change.EntityID,
		Priority:    op.Priority,
		Checksum:    sum,
		Body:        body,
	}, sum, nil
}

// VerifyDevice checks a device's reported checksum. A mismatch queues a
// full re-sync of that device and is returned to the caller.
func (o *Orchestrator) VerifyDevice(ctx context.Context, deviceID, checksum string) error {
	err := o.registry.Verify(deviceID, checksum)
	if syncerr.IsIntegrityMismatch(err) {
		if rerr := o.resync(ctx, deviceID); rerr != nil {
			o.logger.Warn("queue full resync failed", zap.String("device_id", deviceID), zap.Error(rerr))
		}
	}
	return err
}

func (o *Orchestrator) resync(ctx context.Context, deviceID string) error {
	_, err := o.submit(ctx, Change{
		EntityType: "device",
		EntityID:   deviceID,
		Data:       ir.Object{"reason": ir.String("integrity_mismatch")},
		Priority:   8,
		Target:     deviceID,
		Kind:       ports.PayloadFullResync,
	}, false)
	if err == nil {
		o.metrics.Count("sync.full_resync", 1)
		o.logger.Warn("full resync queued", zap.String("device_id", deviceID))
	}
	return err
}

// Reconcile checks a remote report against local state. When they
// conflict it resolves the conflict and queues the resolved state for
// propagation. ok is false when the states agree.
func (o *Orchestrator) Reconcile(ctx context.Context, r conflict.Report, strategy conflict.Strategy) (out conflict.Outcome, ok bool, err error) {
	if o.conflicts == nil {
		return conflict.Outcome{}, false, syncerr.Invalid("orchestrator has no conflict engine")
	}
	c, found, err := o.conflicts.Detect(r)
	if err != nil || !found {
		return conflict.Outcome{}, found, err
	}
	out, err = o.conflicts.Resolve(ctx, c.ID, strategy)
	if err != nil {
		return conflict.Outcome{}, true, err
	}

	ch := Change{
		EntityType: r.EntityType,
		EntityID:   r.EntityID,
		Priority:   8,
		Crisis:     out.Strategy == conflict.StrategyCrisisPriority,
		Kind:       ports.PayloadConflictOutcome,
	}
	if out.Payload != nil {
		ch.Data = out.Payload.Data()
	}
	if _, err := o.submit(ctx, ch, false); err != nil {
		return out, true, fmt.Errorf("propagate resolution of %s: %w", c.ID, err)
	}
	return out, true, nil
}

// DeviceOffline parks queued work pinned to the device.
func (o *Orchestrator) DeviceOffline(_ context.Context, deviceID string) {
	if n := o.queue.ParkTargeted(deviceID); n > 0 {
		o.logger.Info("work parked for offline device", zap.String("device_id", deviceID), zap.Int("count", n))
	}
}

// DeviceOnline releases work parked for the device.
func (o *Orchestrator) DeviceOnline(_ context.Context, deviceID string) {
	items := o.queue.Unpark(deviceID)
	for _, it := range items {
		o.queue.Push(it)
	}
	if len(items) > 0 {
		o.logger.Info("parked work released", zap.String("device_id", deviceID), zap.Int("count", len(items)))
	}
}

// DeviceRemoved fails work pinned to the device and drops its
// accounting.
func (o *Orchestrator) DeviceRemoved(_ context.Context, deviceID string) {
	o.queue.ParkTargeted(deviceID)
	for _, it := range o.queue.Unpark(deviceID) {
		o.record(it.opID, o.tracker.Fail(it.opID, syncerr.NotFound("device", deviceID)))
	}
	o.quota.Forget(deviceID)
	o.placer.Forget(deviceID)
}

// NextInterval returns how long Run waits before the next tick.
func (o *Orchestrator) NextInterval() time.Duration {
	o.intervalMu.Lock()
	defer o.intervalMu.Unlock()

	if (o.fallback != nil && o.fallback.Active()) || o.queue.TierLen(TierImmediate) > 0 {
		return o.cfg.CrisisInterval
	}
	base := o.cfg.SyncInterval
	if o.tracker.AverageLatency() > o.cfg.LatencyThreshold {
		next := max(o.interval, base) * 2
		o.interval = min(next, o.cfg.MaxInterval)
	} else {
		o.interval = max(o.interval/2, base)
	}
	return o.interval
}

// Run processes ticks until ctx is done. Immediate work wakes it early.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.logger.Info("orchestrator starting", zap.Int("max_concurrent", o.cfg.MaxConcurrent))
	defer o.logger.Info("orchestrator stopped")

	for {
		o.ProcessOnce(ctx)
		o.maintain(ctx)

		timer := time.NewTimer(o.NextInterval())
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-o.queue.Urgent():
			timer.Stop()
		case <-timer.C:
		}
	}
}

// maintain sweeps silent devices, expires stale conflicts and prunes
// finished operations.
func (o *Orchestrator) maintain(ctx context.Context) {
	now := o.clock.Now()
	o.registry.Sweep(ctx, now)
	if o.conflicts != nil {
		o.conflicts.Expire(now)
	}
	o.tracker.Prune(ctx, now)
}

// Close rejects further submissions.
func (o *Orchestrator) Close() {
	o.queue.Close()
}

// Stats returns a queue snapshot.
func (o *Orchestrator) Stats() Stats {
	s := Stats{ByTier: make(map[Tier]int, numTiers)}
	for t := TierImmediate; t < numTiers; t++ {
		n := o.queue.TierLen(t)
		s.ByTier[t] = n
		s.Queued += n
	}
	o.intervalMu.Lock()
	s.Interval = o.interval
	o.intervalMu.Unlock()
	s.Tracker = o.tracker.Stats()
	return s
}

// Parked returns how many items wait for deviceID to reconnect.
func (o *Orchestrator) Parked(deviceID string) int {
	return o.queue.ParkedLen(deviceID)
}

// QuotaUsed returns how many operations deviceID used in its current
// quota window.
func (o *Orchestrator) QuotaUsed(deviceID string) int {
	return o.quota.Used(deviceID, o.clock.Now())
}
