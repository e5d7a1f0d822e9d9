package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"github.com/roach88/crossdevice/internal/conflict"
	"github.com/roach88/crossdevice/internal/crisis"
	"github.com/roach88/crossdevice/internal/device"
	"github.com/roach88/crossdevice/internal/distribution"
	"github.com/roach88/crossdevice/internal/ir"
	"github.com/roach88/crossdevice/internal/optrack"
	"github.com/roach88/crossdevice/internal/ports"
	"github.com/roach88/crossdevice/internal/syncerr"
	"github.com/roach88/crossdevice/internal/telemetry"
	"github.com/roach88/crossdevice/internal/testutil"
	"github.com/roach88/crossdevice/internal/transport"
)

type stubFallback struct {
	mu       sync.Mutex
	active   bool
	triggers []crisis.Context
}

func (s *stubFallback) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

func (s *stubFallback) Affects(entityType, entityID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.active || len(s.triggers) == 0 {
		return false
	}
	t := s.triggers[len(s.triggers)-1]
	return t.EntityID == entityID && (t.EntityType == "" || t.EntityType == entityType)
}

func (s *stubFallback) Activate(_ context.Context, level crisis.Level, trigger crisis.Context) (crisis.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active = true
	s.triggers = append(s.triggers, trigger)
	return crisis.Result{Accepted: true, FallbackUsed: true}, nil
}

type fixture struct {
	orch      *Orchestrator
	reg       *device.Registry
	tracker   *optrack.Tracker
	relay     *transport.Loopback
	clock     *testutil.ManualClock
	metrics   *telemetry.Recorder
	conflicts *conflict.Engine
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.SendTimeout = time.Second
	cfg.CrisisDeadline = 200 * time.Millisecond
	return cfg
}

func newFixture(t *testing.T, cfg Config, opts ...Option) fixture {
	t.Helper()
	ctx := context.Background()
	clock := testutil.NewManualClock(time.Time{})
	log := zaptest.NewLogger(t)

	reg := device.NewRegistry(device.WithClock(clock), device.WithLogger(log))
	for _, info := range []device.Info{
		{ID: "phone", Local: true, Subscription: device.TierPremium},
		{ID: "tablet", Subscription: device.TierPremium},
		{ID: "watch", Subscription: device.TierTrial},
	} {
		_, err := reg.Register(ctx, info)
		require.NoError(t, err)
	}

	tracker := optrack.New(optrack.WithClock(clock), optrack.WithLogger(log))
	placer := distribution.New(reg, distribution.WithLogger(log))
	relay := transport.NewLoopback(transport.WithClock(clock), transport.WithLogger(log))
	relay.Attach("tablet", nil)
	relay.Attach("watch", nil)
	conflicts := conflict.New(
		conflict.WithClock(clock),
		conflict.WithIDGenerator(testutil.NewSequentialIDs("cf")),
		conflict.WithOperations(tracker),
		conflict.WithLogger(log),
	)
	metrics := telemetry.NewRecorder(log)

	base := []Option{
		WithConfig(cfg),
		WithConflicts(conflicts),
		WithClock(clock),
		WithIDGenerator(testutil.NewSequentialIDs("op")),
		WithMetrics(metrics),
		WithLogger(log),
	}
	orch := New(reg, tracker, placer, relay, append(base, opts...)...)
	return fixture{
		orch:      orch,
		reg:       reg,
		tracker:   tracker,
		relay:     relay,
		clock:     clock,
		metrics:   metrics,
		conflicts: conflicts,
	}
}

func (f fixture) status(t *testing.T, id string) optrack.Operation {
	t.Helper()
	op, ok := f.tracker.Get(id)
	require.True(t, ok, "operation %s not tracked", id)
	return op
}

func TestSubmit_Validation(t *testing.T) {
	f := newFixture(t, testConfig())
	ctx := context.Background()

	_, err := f.orch.Submit(ctx, Change{EntityID: "n1"})
	assert.Equal(t, syncerr.CodeInvalidArgument, syncerr.CodeOf(err))

	_, err = f.orch.Submit(ctx, Change{EntityType: "note", EntityID: "n1", Target: "ghost"})
	assert.True(t, syncerr.IsNotFound(err))

	_, err = f.orch.Submit(ctx, Change{EntityType: "note", EntityID: "n1", Origin: "ghost"})
	assert.True(t, syncerr.IsNotFound(err))

	assert.Equal(t, int64(2), f.metrics.Counter("sync.rejected", "code", string(syncerr.CodeNotFound)))
}

func TestSubmit_AssignsTierAndDefaults(t *testing.T) {
	f := newFixture(t, testConfig())
	ctx := context.Background()

	r, err := f.orch.Submit(ctx, Change{EntityType: "note", EntityID: "n1"})
	require.NoError(t, err)
	assert.Equal(t, "op-1", r.OperationID)
	assert.Equal(t, TierNormal, r.Tier)
	assert.Equal(t, DefaultPriority, f.status(t, "op-1").Priority)

	r, err = f.orch.Submit(ctx, Change{EntityType: "assessment", EntityID: "a1", Priority: 9})
	require.NoError(t, err)
	assert.Equal(t, TierHigh, r.Tier)

	r, err = f.orch.Submit(ctx, Change{EntityType: "crisis_plan", EntityID: "c1", Crisis: true, Priority: 2})
	require.NoError(t, err)
	assert.Equal(t, TierImmediate, r.Tier)
	op := f.status(t, r.OperationID)
	assert.Equal(t, optrack.MaxPriority, op.Priority)
	assert.Equal(t, optrack.StatusCrisisEscalated, op.Status)

	r, err = f.orch.Submit(ctx, Change{EntityType: "note", EntityID: "n2", EmergencyBypass: true})
	require.NoError(t, err)
	assert.Equal(t, TierImmediate, r.Tier)
	assert.Equal(t, optrack.StatusEmergencyBypass, f.status(t, r.OperationID).Status)

	stats := f.orch.Stats()
	assert.Equal(t, 4, stats.Queued)
	assert.Equal(t, 2, stats.ByTier[TierImmediate])
}

func TestSubmit_QueueFullExemptsCrisis(t *testing.T) {
	cfg := testConfig()
	cfg.MaxQueueSize = 1
	f := newFixture(t, cfg)
	ctx := context.Background()

	_, err := f.orch.Submit(ctx, Change{EntityType: "note", EntityID: "n1"})
	require.NoError(t, err)

	_, err = f.orch.Submit(ctx, Change{EntityType: "note", EntityID: "n2"})
	require.Error(t, err)
	assert.True(t, syncerr.IsCapacityExceeded(err))
	var se *syncerr.Error
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "n2", se.EntityID)

	_, err = f.orch.Submit(ctx, Change{EntityType: "crisis_plan", EntityID: "c1", Crisis: true})
	assert.NoError(t, err)
}

func TestSubmit_DeviceQuota(t *testing.T) {
	f := newFixture(t, testConfig())
	ctx := context.Background()
	limit := device.QuotaFor(device.TierTrial).MaxOpsPerHour

	for i := 0; i < limit; i++ {
		_, err := f.orch.Submit(ctx, Change{EntityType: "mood", EntityID: "m", Origin: "watch"})
		require.NoError(t, err)
	}
	assert.Equal(t, limit, f.orch.QuotaUsed("watch"))

	_, err := f.orch.Submit(ctx, Change{EntityType: "mood", EntityID: "m", Origin: "watch"})
	require.Error(t, err)
	assert.True(t, syncerr.IsCapacityExceeded(err))
	var se *syncerr.Error
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "watch", se.DeviceID)

	// Crisis work is never charged.
	_, err = f.orch.Submit(ctx, Change{EntityType: "crisis_plan", EntityID: "c1", Origin: "watch", Crisis: true})
	require.NoError(t, err)
	assert.Equal(t, limit, f.orch.QuotaUsed("watch"))

	// Other devices keep their own budget.
	_, err = f.orch.Submit(ctx, Change{EntityType: "mood", EntityID: "m", Origin: "tablet"})
	assert.NoError(t, err)

	f.clock.Advance(time.Hour)
	_, err = f.orch.Submit(ctx, Change{EntityType: "mood", EntityID: "m", Origin: "watch"})
	assert.NoError(t, err)
}

func TestProcessOnce_CrisisRunsLocallyFirst(t *testing.T) {
	cfg := testConfig()
	cfg.MaxConcurrent = 1
	f := newFixture(t, cfg)
	ctx := context.Background()

	normal, err := f.orch.Submit(ctx, Change{EntityType: "note", EntityID: "n1", Target: "tablet"})
	require.NoError(t, err)
	urgent, err := f.orch.Submit(ctx, Change{EntityType: "crisis_plan", EntityID: "c1", Crisis: true})
	require.NoError(t, err)

	tick := f.orch.ProcessOnce(ctx)
	require.Len(t, tick.Outcomes, 1)
	out := tick.Outcomes[0]
	assert.Equal(t, urgent.OperationID, out.OperationID)
	assert.Equal(t, ResultCompleted, out.Result)
	assert.Equal(t, "phone", out.DeviceID)
	assert.Equal(t, 2, out.Acks)
	assert.False(t, out.Fallback)

	op := f.status(t, urgent.OperationID)
	assert.Equal(t, optrack.StatusCompleted, op.Status)
	assert.Equal(t, "phone", op.DeviceID)
	assert.NotEmpty(t, op.Checksum)

	tick = f.orch.ProcessOnce(ctx)
	require.Len(t, tick.Outcomes, 1)
	assert.Equal(t, normal.OperationID, tick.Outcomes[0].OperationID)
	assert.Equal(t, "tablet", tick.Outcomes[0].DeviceID)
	assert.Equal(t, ResultCompleted, tick.Outcomes[0].Result)
}

func TestProcessOnce_PayloadSensitivity(t *testing.T) {
	f := newFixture(t, testConfig())
	ctx := context.Background()

	var (
		mu   sync.Mutex
		seen = map[string]ports.Payload{}
	)
	f.relay.Attach("tablet", func(_ context.Context, p ports.Payload) error {
		mu.Lock()
		defer mu.Unlock()
		seen[p.EntityID] = p
		return nil
	})

	_, err := f.orch.Submit(ctx, Change{
		EntityType: "assessment",
		EntityID:   "a1",
		Priority:   9,
		Target:     "tablet",
		Data:       ir.Object{"score": ir.Int(12)},
	})
	require.NoError(t, err)
	tick := f.orch.ProcessOnce(ctx)
	require.Equal(t, 1, tick.Count(ResultCompleted))

	mu.Lock()
	defer mu.Unlock()
	p := seen["a1"]
	assert.Equal(t, ports.PayloadStateChange, p.Kind)
	assert.Equal(t, 9, p.Priority)
	assert.NotEmpty(t, p.Checksum)
	assert.Contains(t, string(p.Body), `"score":12`)
}

func TestProcessOnce_RetriesWithBackoffThenFails(t *testing.T) {
	f := newFixture(t, testConfig())
	ctx := context.Background()
	f.relay.SetDown("tablet", true)

	r, err := f.orch.Submit(ctx, Change{
		EntityType: "note",
		EntityID:   "n1",
		Target:     "tablet",
		Retry:      optrack.RetryPolicy{MaxRetries: 2, BaseBackoff: time.Second, MaxBackoff: time.Minute},
	})
	require.NoError(t, err)

	tick := f.orch.ProcessOnce(ctx)
	require.Len(t, tick.Outcomes, 1)
	assert.Equal(t, ResultRetrying, tick.Outcomes[0].Result)
	op := f.status(t, r.OperationID)
	assert.Equal(t, optrack.StatusRetrying, op.Status)
	assert.Equal(t, 1, op.Attempts)

	// Still backing off.
	assert.Empty(t, f.orch.ProcessOnce(ctx).Outcomes)

	f.clock.Advance(time.Second)
	tick = f.orch.ProcessOnce(ctx)
	require.Len(t, tick.Outcomes, 1)
	assert.Equal(t, ResultRetrying, tick.Outcomes[0].Result)

	f.clock.Advance(2 * time.Second)
	tick = f.orch.ProcessOnce(ctx)
	require.Len(t, tick.Outcomes, 1)
	assert.Equal(t, ResultFailed, tick.Outcomes[0].Result)

	op = f.status(t, r.OperationID)
	assert.Equal(t, optrack.StatusFailed, op.Status)
	assert.Equal(t, 3, op.Attempts)
	assert.Contains(t, op.LastError, "unreachable")
	assert.Zero(t, f.orch.Stats().Queued)
}

func TestProcessOnce_SendTimeoutIsRetried(t *testing.T) {
	cfg := testConfig()
	cfg.SendTimeout = 20 * time.Millisecond
	f := newFixture(t, cfg)
	ctx := context.Background()
	f.relay.SetLatency("tablet", time.Second)

	r, err := f.orch.Submit(ctx, Change{EntityType: "note", EntityID: "n1", Target: "tablet"})
	require.NoError(t, err)

	tick := f.orch.ProcessOnce(ctx)
	require.Len(t, tick.Outcomes, 1)
	assert.Equal(t, ResultRetrying, tick.Outcomes[0].Result)
	assert.Equal(t, syncerr.CodeTimeout, tick.Outcomes[0].Code)
	assert.Equal(t, syncerr.CodeTimeout, f.status(t, r.OperationID).LastCode)
}

func TestProcessOnce_FailedDependencyFailsDependent(t *testing.T) {
	cfg := testConfig()
	cfg.MaxConcurrent = 1
	f := newFixture(t, cfg)
	ctx := context.Background()
	f.relay.SetDown("tablet", true)

	_, err := f.orch.Submit(ctx, Change{
		ID:         "op-a",
		EntityType: "note",
		EntityID:   "n1",
		Target:     "tablet",
		Retry:      optrack.RetryPolicy{MaxRetries: 0, BaseBackoff: time.Millisecond},
	})
	require.NoError(t, err)
	_, err = f.orch.Submit(ctx, Change{ID: "op-b", EntityType: "note", EntityID: "n1", DependsOn: []string{"op-a"}})
	require.NoError(t, err)

	tick := f.orch.ProcessOnce(ctx)
	require.Len(t, tick.Outcomes, 1)
	assert.Equal(t, ResultFailed, tick.Outcomes[0].Result)

	tick = f.orch.ProcessOnce(ctx)
	require.Len(t, tick.Outcomes, 1)
	assert.Equal(t, "op-b", tick.Outcomes[0].OperationID)
	assert.Equal(t, ResultFailed, tick.Outcomes[0].Result)
	assert.Equal(t, syncerr.CodeInvalidArgument, tick.Outcomes[0].Code)
	assert.Equal(t, optrack.StatusFailed, f.status(t, "op-b").Status)
}

func TestProcessOnce_PendingDependencyDefers(t *testing.T) {
	cfg := testConfig()
	cfg.MaxConcurrent = 1
	f := newFixture(t, cfg)
	ctx := context.Background()

	_, err := f.orch.Submit(ctx, Change{ID: "op-b", EntityType: "note", EntityID: "n1", DependsOn: []string{"op-a"}})
	require.NoError(t, err)
	_, err = f.orch.Submit(ctx, Change{ID: "op-a", EntityType: "note", EntityID: "n1", Target: "tablet"})
	require.NoError(t, err)

	var order []Result
	for i := 0; i < 3; i++ {
		tick := f.orch.ProcessOnce(ctx)
		require.Len(t, tick.Outcomes, 1)
		order = append(order, tick.Outcomes[0].Result)
	}
	assert.Equal(t, []Result{ResultDeferred, ResultCompleted, ResultCompleted}, order)
	assert.Equal(t, optrack.StatusCompleted, f.status(t, "op-b").Status)
}

func TestProcessOnce_ParksWorkForOfflineTarget(t *testing.T) {
	f := newFixture(t, testConfig())
	ctx := context.Background()
	require.NoError(t, f.reg.Update(ctx, "tablet", device.Patch{Online: device.Bool(false)}))

	r, err := f.orch.Submit(ctx, Change{EntityType: "note", EntityID: "n1", Target: "tablet"})
	require.NoError(t, err)

	tick := f.orch.ProcessOnce(ctx)
	require.Len(t, tick.Outcomes, 1)
	assert.Equal(t, ResultParked, tick.Outcomes[0].Result)
	assert.Equal(t, 1, f.orch.Parked("tablet"))
	assert.Empty(t, f.orch.ProcessOnce(ctx).Outcomes)

	require.NoError(t, f.reg.Heartbeat(ctx, "tablet"))
	f.orch.DeviceOnline(ctx, "tablet")
	assert.Zero(t, f.orch.Parked("tablet"))

	tick = f.orch.ProcessOnce(ctx)
	require.Len(t, tick.Outcomes, 1)
	assert.Equal(t, ResultCompleted, tick.Outcomes[0].Result)
	assert.Equal(t, optrack.StatusCompleted, f.status(t, r.OperationID).Status)
}

func TestDeviceOffline_ParksQueuedTargetedWork(t *testing.T) {
	f := newFixture(t, testConfig())
	ctx := context.Background()

	_, err := f.orch.Submit(ctx, Change{EntityType: "note", EntityID: "n1", Target: "tablet"})
	require.NoError(t, err)
	_, err = f.orch.Submit(ctx, Change{EntityType: "note", EntityID: "n2"})
	require.NoError(t, err)

	f.orch.DeviceOffline(ctx, "tablet")
	assert.Equal(t, 1, f.orch.Parked("tablet"))
	assert.Equal(t, 1, f.orch.Stats().Queued)
}

func TestDeviceRemoved_FailsPinnedWork(t *testing.T) {
	f := newFixture(t, testConfig())
	ctx := context.Background()

	r, err := f.orch.Submit(ctx, Change{EntityType: "mood", EntityID: "m1", Target: "watch", Origin: "watch"})
	require.NoError(t, err)
	require.Equal(t, 1, f.orch.QuotaUsed("watch"))

	require.NoError(t, f.reg.Remove(ctx, "watch"))
	f.orch.DeviceRemoved(ctx, "watch")

	op := f.status(t, r.OperationID)
	assert.Equal(t, optrack.StatusFailed, op.Status)
	assert.Equal(t, syncerr.CodeNotFound, op.LastCode)
	assert.Zero(t, f.orch.Stats().Queued)
	assert.Zero(t, f.orch.QuotaUsed("watch"))
}

func TestProcessOnce_IntegrityMismatchQueuesResync(t *testing.T) {
	f := newFixture(t, testConfig())
	ctx := context.Background()

	var (
		mu    sync.Mutex
		kinds []ports.PayloadKind
	)
	f.relay.Attach("tablet", func(_ context.Context, p ports.Payload) error {
		mu.Lock()
		kinds = append(kinds, p.Kind)
		mu.Unlock()
		if p.Kind == ports.PayloadStateChange {
			return syncerr.IntegrityMismatch("tablet", "aaa", "bbb")
		}
		return nil
	})

	r, err := f.orch.Submit(ctx, Change{EntityType: "note", EntityID: "n1", Target: "tablet"})
	require.NoError(t, err)

	tick := f.orch.ProcessOnce(ctx)
	require.Len(t, tick.Outcomes, 1)
	out := tick.Outcomes[0]
	assert.Equal(t, ResultFailed, out.Result)
	assert.Equal(t, syncerr.CodeIntegrityMismatch, out.Code)
	assert.True(t, out.Resync)
	assert.Equal(t, optrack.StatusFailed, f.status(t, r.OperationID).Status)
	assert.Equal(t, 1, f.orch.Stats().ByTier[TierHigh])

	tick = f.orch.ProcessOnce(ctx)
	require.Len(t, tick.Outcomes, 1)
	assert.Equal(t, ResultCompleted, tick.Outcomes[0].Result)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []ports.PayloadKind{ports.PayloadStateChange, ports.PayloadFullResync}, kinds)
	assert.Equal(t, int64(1), f.metrics.Counter("sync.full_resync"))
}

func TestVerifyDevice(t *testing.T) {
	f := newFixture(t, testConfig())
	ctx := context.Background()

	d, ok := f.reg.Get("tablet")
	require.True(t, ok)
	require.NoError(t, f.orch.VerifyDevice(ctx, "tablet", d.Checksum))
	assert.Zero(t, f.orch.Stats().Queued)

	err := f.orch.VerifyDevice(ctx, "tablet", "stale")
	assert.True(t, syncerr.IsIntegrityMismatch(err))
	assert.Equal(t, 1, f.orch.Stats().Queued)
}

func TestProcessUrgent_TimeoutActivatesFallback(t *testing.T) {
	cfg := testConfig()
	cfg.CrisisDeadline = 30 * time.Millisecond
	fb := &stubFallback{}
	f := newFixture(t, cfg, WithFallback(fb))
	ctx := context.Background()
	f.relay.SetLatency("tablet", time.Second)

	r, err := f.orch.Submit(ctx, Change{EntityType: "crisis_plan", EntityID: "c1", Origin: "watch", Crisis: true})
	require.NoError(t, err)

	tick := f.orch.ProcessOnce(ctx)
	require.Len(t, tick.Outcomes, 1)
	out := tick.Outcomes[0]
	assert.Equal(t, ResultCompleted, out.Result)
	assert.Equal(t, syncerr.CodeTimeout, out.Code)
	assert.True(t, out.Fallback)
	assert.Equal(t, 1, out.Acks)
	assert.Equal(t, optrack.StatusCompleted, f.status(t, r.OperationID).Status)

	fb.mu.Lock()
	defer fb.mu.Unlock()
	require.Len(t, fb.triggers, 1)
	assert.Equal(t, "c1", fb.triggers[0].EntityID)
	assert.Equal(t, "watch", fb.triggers[0].DeviceID)
}

func TestProcessUrgent_NoAcksActivatesFallback(t *testing.T) {
	fb := &stubFallback{}
	f := newFixture(t, testConfig(), WithFallback(fb))
	ctx := context.Background()
	f.relay.SetDown("tablet", true)
	f.relay.SetDown("watch", true)

	r, err := f.orch.Submit(ctx, Change{EntityType: "crisis_plan", EntityID: "c1", Origin: "phone", Crisis: true})
	require.NoError(t, err)

	tick := f.orch.ProcessOnce(ctx)
	require.Len(t, tick.Outcomes, 1)
	out := tick.Outcomes[0]
	assert.Equal(t, ResultCompleted, out.Result)
	assert.Equal(t, "phone", out.DeviceID)
	assert.Zero(t, out.Acks)
	assert.Equal(t, syncerr.CodeTimeout, out.Code)
	assert.True(t, out.Fallback)
	assert.Equal(t, optrack.StatusCompleted, f.status(t, r.OperationID).Status)

	fb.mu.Lock()
	defer fb.mu.Unlock()
	require.Len(t, fb.triggers, 1)
	assert.Equal(t, "c1", fb.triggers[0].EntityID)
	assert.Equal(t, "crisis delivery reached no device", fb.triggers[0].Reason)
}

func TestSubmit_PinsEntityWhileCrisisActive(t *testing.T) {
	cfg := testConfig()
	cfg.MaxQueueSize = 1
	fb := &stubFallback{}
	f := newFixture(t, cfg, WithFallback(fb))
	ctx := context.Background()

	_, err := f.orch.Submit(ctx, Change{EntityType: "note", EntityID: "n1"})
	require.NoError(t, err)
	_, err = fb.Activate(ctx, crisis.LevelEmergency, crisis.Context{EntityType: "plan", EntityID: "p1"})
	require.NoError(t, err)

	r, err := f.orch.Submit(ctx, Change{EntityType: "plan", EntityID: "p1", Priority: 3})
	require.NoError(t, err, "queue limit does not apply to the crisis entity")
	assert.Equal(t, TierImmediate, r.Tier)
	assert.Equal(t, optrack.MaxPriority, f.status(t, r.OperationID).Priority)

	_, err = f.orch.Submit(ctx, Change{EntityType: "plan", EntityID: "p2", Priority: 3})
	assert.Equal(t, syncerr.CodeCapacityExceeded, syncerr.CodeOf(err))
}

func TestProcess_OperationTerminatedDuringDelivery(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	f := newFixture(t, testConfig(), WithLogger(zap.New(core)))
	ctx := context.Background()

	r, err := f.orch.Submit(ctx, Change{EntityType: "note", EntityID: "n1", Target: "tablet"})
	require.NoError(t, err)
	f.relay.Attach("tablet", func(_ context.Context, p ports.Payload) error {
		assert.NoError(t, f.tracker.Fail(p.OperationID, syncerr.Invalid("cancelled by user")))
		return errors.New("connection reset")
	})

	tick := f.orch.ProcessOnce(ctx)
	require.Len(t, tick.Outcomes, 1)
	assert.Equal(t, ResultSkipped, tick.Outcomes[0].Result)
	assert.Zero(t, f.orch.Stats().Queued, "a terminated operation is not re-queued")
	assert.Equal(t, optrack.StatusFailed, f.status(t, r.OperationID).Status)

	rejected := logs.FilterMessage("operation transition rejected").All()
	require.Len(t, rejected, 1)
	assert.Equal(t, r.OperationID, rejected[0].ContextMap()["operation_id"])
}

func TestEscalateAndPinEntity(t *testing.T) {
	f := newFixture(t, testConfig())
	ctx := context.Background()

	a, err := f.orch.Submit(ctx, Change{EntityType: "plan", EntityID: "p1"})
	require.NoError(t, err)
	_, err = f.orch.Submit(ctx, Change{EntityType: "plan", EntityID: "p1", Priority: 2})
	require.NoError(t, err)
	other, err := f.orch.Submit(ctx, Change{EntityType: "note", EntityID: "n1"})
	require.NoError(t, err)

	pinned := f.orch.PinEntity("plan", "p1")
	assert.Len(t, pinned, 2)
	assert.Equal(t, optrack.MaxPriority, f.status(t, a.OperationID).Priority)
	assert.Equal(t, 2, f.orch.Stats().ByTier[TierImmediate])

	require.NoError(t, f.orch.Escalate(other.OperationID, crisis.LevelModerate))
	op := f.status(t, other.OperationID)
	assert.Equal(t, optrack.StatusCrisisEscalated, op.Status)
	assert.Equal(t, string(crisis.LevelModerate), op.EscalationLevel)
	assert.Equal(t, 3, f.orch.Stats().ByTier[TierImmediate])

	assert.True(t, syncerr.IsNotFound(f.orch.Escalate("ghost", crisis.LevelHigh)))
}

func TestNextInterval_Adapts(t *testing.T) {
	cfg := testConfig()
	cfg.SyncInterval = time.Second
	cfg.MaxInterval = 4 * time.Second
	cfg.CrisisInterval = 100 * time.Millisecond
	cfg.LatencyThreshold = 100 * time.Millisecond
	fb := &stubFallback{}
	f := newFixture(t, cfg, WithFallback(fb))
	ctx := context.Background()

	assert.Equal(t, time.Second, f.orch.NextInterval())

	// One slow operation pushes the smoothed latency over the threshold.
	require.NoError(t, f.tracker.Start(optrack.Operation{ID: "slow", EntityType: "note", Priority: 5}))
	require.NoError(t, f.tracker.RecordStart("slow", "tablet"))
	f.clock.Advance(500 * time.Millisecond)
	require.NoError(t, f.tracker.RecordComplete("slow", optrack.Result{DeviceID: "tablet"}))

	assert.Equal(t, 2*time.Second, f.orch.NextInterval())
	assert.Equal(t, 4*time.Second, f.orch.NextInterval())
	assert.Equal(t, 4*time.Second, f.orch.NextInterval())

	_, err := f.orch.Submit(ctx, Change{EntityType: "plan", EntityID: "p1", Crisis: true})
	require.NoError(t, err)
	assert.Equal(t, 100*time.Millisecond, f.orch.NextInterval())
	f.orch.ProcessOnce(ctx)

	fb.mu.Lock()
	fb.active = true
	fb.mu.Unlock()
	assert.Equal(t, 100*time.Millisecond, f.orch.NextInterval())
	assert.Equal(t, 4*time.Second, f.orch.Stats().Interval)
}

func note(text string) conflict.Payload {
	return conflict.NewPayload(conflict.KindRecord, ir.Object{"text": ir.String(text)})
}

func TestReconcile(t *testing.T) {
	f := newFixture(t, testConfig())
	ctx := context.Background()
	now := testutil.Epoch

	_, ok, err := f.orch.Reconcile(ctx, conflict.Report{
		EntityType: "note",
		EntityID:   "n1",
		Local:      conflict.Snapshot{DeviceID: "phone", Version: 2, Timestamp: now, Priority: 5, Payload: note("same")},
		Remotes:    []conflict.Snapshot{{DeviceID: "tablet", Version: 2, Timestamp: now, Priority: 5, Payload: note("same")}},
	}, "")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Zero(t, f.orch.Stats().Queued)

	out, ok, err := f.orch.Reconcile(ctx, conflict.Report{
		EntityType: "note",
		EntityID:   "n1",
		Local:      conflict.Snapshot{DeviceID: "phone", Version: 2, Timestamp: now, Priority: 5, Payload: note("old")},
		Remotes: []conflict.Snapshot{
			{DeviceID: "tablet", Version: 3, Timestamp: now.Add(time.Second), Priority: 5, Payload: note("new")},
		},
	}, conflict.StrategyLatestWins)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, conflict.StrategyLatestWins, out.Strategy)
	assert.Equal(t, "tablet", out.WinnerDeviceID)
	assert.Equal(t, 1, f.orch.Stats().ByTier[TierHigh])

	tick := f.orch.ProcessOnce(ctx)
	require.Len(t, tick.Outcomes, 1)
	assert.Equal(t, ResultCompleted, tick.Outcomes[0].Result)
}

func TestReconcile_CrisisDataPropagatesImmediately(t *testing.T) {
	f := newFixture(t, testConfig())
	ctx := context.Background()
	now := testutil.Epoch

	out, ok, err := f.orch.Reconcile(ctx, conflict.Report{
		EntityType: "crisis_plan",
		EntityID:   "c1",
		Local:      conflict.Snapshot{DeviceID: "phone", Version: 1, Timestamp: now, Priority: 10, CrisisData: true, CrisisCapable: true, Payload: note("call")},
		Remotes: []conflict.Snapshot{
			{DeviceID: "tablet", Version: 2, Timestamp: now.Add(time.Second), Priority: 5, Payload: note("text")},
		},
	}, conflict.StrategyLatestWins)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, conflict.StrategyCrisisPriority, out.Strategy)
	assert.Equal(t, "phone", out.WinnerDeviceID)
	assert.Equal(t, 1, f.orch.Stats().ByTier[TierImmediate])
}

func TestRun_ProcessesUntilCancelled(t *testing.T) {
	cfg := testConfig()
	cfg.SyncInterval = 5 * time.Millisecond
	cfg.MaxInterval = 10 * time.Millisecond
	f := newFixture(t, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.orch.Run(ctx) }()

	r, err := f.orch.Submit(ctx, Change{EntityType: "note", EntityID: "n1", Target: "tablet"})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		op, ok := f.tracker.Get(r.OperationID)
		return ok && op.Status == optrack.StatusCompleted
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop")
	}

	f.orch.Close()
	_, err = f.orch.Submit(context.Background(), Change{EntityType: "note", EntityID: "n2"})
	assert.Error(t, err)
}
