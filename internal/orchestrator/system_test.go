package orchestrator

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/roach88/crossdevice/internal/config"
	"github.com/roach88/crossdevice/internal/crisis"
	"github.com/roach88/crossdevice/internal/device"
	"github.com/roach88/crossdevice/internal/distribution"
	"github.com/roach88/crossdevice/internal/optrack"
	"github.com/roach88/crossdevice/internal/session"
	"github.com/roach88/crossdevice/internal/store"
	"github.com/roach88/crossdevice/internal/testutil"
	"github.com/roach88/crossdevice/internal/transport"
)

func newSystem(t *testing.T, cfg config.Config, st *store.Store) (*System, *transport.Loopback) {
	t.Helper()
	clock := testutil.NewManualClock(time.Time{})
	log := zaptest.NewLogger(t)
	relay := transport.NewLoopback(transport.WithClock(clock), transport.WithLogger(log))
	sys, err := NewSystem(cfg, Deps{
		Transport: relay,
		Store:     st,
		Clock:     clock,
		IDs:       testutil.NewSequentialIDs("id"),
		Logger:    log,
	})
	require.NoError(t, err)

	ctx := context.Background()
	for _, info := range []device.Info{
		{ID: "phone", Local: true, Subscription: device.TierPremium},
		{ID: "tablet", Subscription: device.TierPremium},
		{ID: "laptop", Subscription: device.TierBasic},
	} {
		_, err := sys.Registry.Register(ctx, info)
		require.NoError(t, err)
		if !info.Local {
			relay.Attach(info.ID, nil)
		}
	}
	return sys, relay
}

func TestNewSystem_RequiresTransport(t *testing.T) {
	_, err := NewSystem(config.Default(), Deps{})
	assert.Error(t, err)
}

func TestSystem_OfflineHooksParkAndRelease(t *testing.T) {
	sys, _ := newSystem(t, config.Default(), nil)
	ctx := context.Background()

	r, err := sys.Orchestrator.Submit(ctx, Change{EntityType: "note", EntityID: "n1", Target: "tablet"})
	require.NoError(t, err)

	require.NoError(t, sys.Registry.Update(ctx, "tablet", device.Patch{Online: device.Bool(false)}))
	assert.Equal(t, 1, sys.Orchestrator.Parked("tablet"))
	assert.Empty(t, sys.Orchestrator.ProcessOnce(ctx).Outcomes)

	require.NoError(t, sys.Registry.Heartbeat(ctx, "tablet"))
	assert.Zero(t, sys.Orchestrator.Parked("tablet"))
	tick := sys.Orchestrator.ProcessOnce(ctx)
	require.Len(t, tick.Outcomes, 1)
	assert.Equal(t, ResultCompleted, tick.Outcomes[0].Result)

	op, ok := sys.Tracker.Get(r.OperationID)
	require.True(t, ok)
	assert.Equal(t, optrack.StatusCompleted, op.Status)
}

func TestSystem_DeviceRemovalEndsAndRescuesSessions(t *testing.T) {
	sys, _ := newSystem(t, config.Default(), nil)
	ctx := context.Background()

	plain, err := sys.Sessions.Start(ctx, session.StartRequest{ID: "s-plain", Kind: "journal", OwnerID: "tablet"})
	require.NoError(t, err)
	rescued, err := sys.Sessions.Start(ctx, session.StartRequest{
		ID:              "s-therapy",
		Kind:            "therapy",
		OwnerID:         "tablet",
		Participants:    []string{"laptop"},
		NeedsContinuity: true,
	})
	require.NoError(t, err)
	pinned, err := sys.Orchestrator.Submit(ctx, Change{EntityType: "note", EntityID: "n1", Target: "tablet"})
	require.NoError(t, err)

	require.NoError(t, sys.Registry.Remove(ctx, "tablet"))

	s, ok := sys.Sessions.Get(plain.ID)
	require.True(t, ok)
	assert.Equal(t, session.StatusEnded, s.Status)
	assert.Equal(t, session.ReasonDeviceRemoved, s.EndReason)

	s, ok = sys.Sessions.Get(rescued.ID)
	require.True(t, ok)
	assert.Equal(t, session.StatusActive, s.Status)
	assert.Equal(t, "laptop", s.OwnerID)
	assert.NotContains(t, s.Participants, "tablet")

	op, ok := sys.Tracker.Get(pinned.OperationID)
	require.True(t, ok)
	assert.Equal(t, optrack.StatusFailed, op.Status)
}

func TestSystem_CrisisTimeoutActivatesCoordinator(t *testing.T) {
	cfg := config.Default()
	cfg.Crisis.ActivationDeadline = 50 * time.Millisecond
	sys, relay := newSystem(t, cfg, nil)
	ctx := context.Background()
	relay.SetLatency("tablet", time.Second)

	_, err := sys.Orchestrator.Submit(ctx, Change{EntityType: "crisis_plan", EntityID: "c1", Crisis: true})
	require.NoError(t, err)

	tick := sys.Orchestrator.ProcessOnce(ctx)
	require.Len(t, tick.Outcomes, 1)
	assert.True(t, tick.Outcomes[0].Fallback)

	state := sys.Crisis.State()
	assert.True(t, state.Active)
	assert.Equal(t, crisis.LevelHigh, state.Level)
	assert.Equal(t, "c1", state.Trigger.EntityID)
	assert.Equal(t, cfg.Orchestrator.CrisisInterval, sys.Orchestrator.NextInterval())

	relay.SetLatency("tablet", 0)
	require.NoError(t, sys.Crisis.Resolve(ctx))
	assert.False(t, sys.Crisis.Active())
}

func TestSystem_ChangesToCrisisEntityArePinned(t *testing.T) {
	sys, _ := newSystem(t, config.Default(), nil)
	ctx := context.Background()

	_, err := sys.Crisis.Activate(ctx, crisis.LevelEmergency, crisis.Context{EntityType: "plan", EntityID: "p1"})
	require.NoError(t, err)

	r, err := sys.Orchestrator.Submit(ctx, Change{EntityType: "plan", EntityID: "p1", Priority: 3})
	require.NoError(t, err)
	assert.Equal(t, TierImmediate, r.Tier)
	op, ok := sys.Tracker.Get(r.OperationID)
	require.True(t, ok)
	assert.Equal(t, optrack.MaxPriority, op.Priority)

	other, err := sys.Orchestrator.Submit(ctx, Change{EntityType: "plan", EntityID: "p2", Priority: 3})
	require.NoError(t, err)
	assert.Equal(t, TierLow, other.Tier)

	require.NoError(t, sys.Crisis.Resolve(ctx))
	after, err := sys.Orchestrator.Submit(ctx, Change{EntityType: "plan", EntityID: "p1", Priority: 3})
	require.NoError(t, err)
	assert.Equal(t, TierLow, after.Tier)
}

func TestSystem_ApplyConfigSwapsPolicy(t *testing.T) {
	sys, _ := newSystem(t, config.Default(), nil)

	cfg := config.Default()
	cfg.Distribution.Strategy = distribution.StrategyRoundRobin
	sys.ApplyConfig(cfg)
	assert.Equal(t, distribution.StrategyRoundRobin, sys.Distribution.Policy().Strategy)

	cfg.Distribution.Strategy = "nearest"
	sys.ApplyConfig(cfg)
	assert.Equal(t, distribution.StrategyRoundRobin, sys.Distribution.Policy().Strategy)
}

func TestSystem_PersistsThroughStore(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "crossdevice.db")
	st, err := store.Open(path, store.WithDriver(store.DriverPure))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	cfg := config.Default()
	cfg.Crisis.ActivationDeadline = 50 * time.Millisecond
	sys, _ := newSystem(t, cfg, st)

	_, err = sys.Crisis.Activate(ctx, crisis.LevelEmergency, crisis.Context{Reason: "manual"})
	require.NoError(t, err)
	snap, err := crisis.LoadSnapshot(ctx, st)
	require.NoError(t, err)
	assert.True(t, snap.Active)
	assert.Equal(t, crisis.LevelEmergency, snap.CrisisLevel)

	restarted, err := NewSystem(cfg, Deps{Transport: transport.NewLoopback(), Store: st, Logger: zaptest.NewLogger(t)})
	require.NoError(t, err)
	n, err := restarted.Restore(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, "phone", restarted.Registry.LocalID())
}
