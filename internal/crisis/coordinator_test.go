package crisis

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/roach88/crossdevice/internal/device"
	"github.com/roach88/crossdevice/internal/ports"
	"github.com/roach88/crossdevice/internal/session"
	"github.com/roach88/crossdevice/internal/syncerr"
	"github.com/roach88/crossdevice/internal/testutil"
)

type staticDevices struct {
	local  string
	online []string
}

func (s staticDevices) ListOnline() []device.Device {
	out := make([]device.Device, 0, len(s.online))
	for _, id := range s.online {
		out = append(out, device.Device{ID: id, Online: true, Active: true, Local: id == s.local})
	}
	return out
}

func (s staticDevices) LocalID() string { return s.local }

// relay acks instantly unless the device is listed as slow, in which case
// it blocks until the caller's deadline.
type relay struct {
	mu         sync.Mutex
	slow       map[string]bool
	down       map[string]bool
	sent       []string
	broadcasts []ports.Payload
}

func (r *relay) Send(ctx context.Context, deviceID string, p ports.Payload) (ports.Ack, error) {
	r.mu.Lock()
	r.sent = append(r.sent, deviceID)
	slow, down := r.slow[deviceID], r.down[deviceID]
	r.mu.Unlock()
	if down {
		return ports.Ack{}, errors.New("unreachable")
	}
	if slow {
		<-ctx.Done()
		return ports.Ack{}, ctx.Err()
	}
	return ports.Ack{DeviceID: deviceID, ReceivedAt: time.Now()}, nil
}

func (r *relay) Broadcast(_ context.Context, p ports.Payload) ([]ports.Ack, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.broadcasts = append(r.broadcasts, p)
	return nil, nil
}

type pinRecorder struct {
	entityType, entityID string
}

func (p *pinRecorder) PinEntity(entityType, entityID string) []string {
	p.entityType, p.entityID = entityType, entityID
	return []string{"op-1", "op-2"}
}

func newCoordinator(t *testing.T, devs staticDevices, r *relay, opts ...Option) *Coordinator {
	t.Helper()
	base := []Option{WithLogger(zaptest.NewLogger(t))}
	return New(devs, r, append(base, opts...)...)
}

func TestActivate_InstantRelayWithinDeadline(t *testing.T) {
	r := &relay{}
	c := newCoordinator(t, staticDevices{local: "phone", online: []string{"phone", "tablet", "desktop"}}, r)

	res, err := c.Activate(context.Background(), LevelEmergency, Context{EntityType: "crisis_plan", EntityID: "plan-1"})
	require.NoError(t, err)

	assert.True(t, res.Accepted)
	assert.False(t, res.TimedOut)
	assert.False(t, res.FallbackUsed)
	assert.Equal(t, []string{"desktop", "tablet"}, res.Acknowledged)
	assert.Empty(t, res.Unreachable)
	assert.Less(t, res.Elapsed, 200*time.Millisecond)

	st := c.State()
	assert.True(t, st.Active)
	assert.Equal(t, LevelEmergency, st.Level)
	assert.Equal(t, []string{"desktop", "tablet"}, st.Acknowledged)
	assert.NotContains(t, r.sent, "phone", "local device is not a broadcast target")
}

func TestActivate_SlowDeviceAbandoned(t *testing.T) {
	r := &relay{slow: map[string]bool{"desktop": true}}
	cfg := DefaultConfig()
	cfg.ActivationDeadline = 50 * time.Millisecond
	c := newCoordinator(t, staticDevices{local: "phone", online: []string{"phone", "tablet", "desktop"}}, r, WithConfig(cfg))

	began := time.Now()
	res, err := c.Activate(context.Background(), LevelHigh, Context{})
	require.NoError(t, err)

	assert.Less(t, time.Since(began), time.Second)
	assert.True(t, res.TimedOut)
	assert.True(t, res.Accepted)
	assert.Equal(t, []string{"tablet"}, res.Acknowledged)
	assert.Equal(t, []string{"desktop"}, res.Unreachable)

	assert.True(t, c.Acknowledge("desktop"), "late acknowledgement is still recorded")
	assert.Equal(t, []string{"desktop", "tablet"}, c.State().Acknowledged)
}

func TestActivate_NoDevicesUsesFallback(t *testing.T) {
	c := newCoordinator(t, staticDevices{local: "phone", online: []string{"phone"}}, &relay{})

	res, err := c.Activate(context.Background(), LevelEmergency, Context{})
	require.NoError(t, err)
	assert.True(t, res.Accepted)
	assert.True(t, res.FallbackUsed)
	assert.Empty(t, res.Acknowledged)
	assert.True(t, c.State().FallbackUsed)
}

func TestActivate_AllUnreachableWithoutFallbackRejected(t *testing.T) {
	r := &relay{down: map[string]bool{"tablet": true}}
	cfg := DefaultConfig()
	cfg.Fallback = Fallback{}
	c := newCoordinator(t, staticDevices{local: "phone", online: []string{"phone", "tablet"}}, r, WithConfig(cfg))

	res, err := c.Activate(context.Background(), LevelModerate, Context{})
	require.NoError(t, err)
	assert.False(t, res.Accepted)
	assert.False(t, res.FallbackUsed)
	assert.Equal(t, []string{"tablet"}, res.Unreachable)
	assert.True(t, c.Active(), "local state is active even when unaccepted")
}

func TestActivate_HotlineAloneIsEnough(t *testing.T) {
	c := newCoordinator(t, staticDevices{local: "phone"}, &relay{})
	c.SetFallback(Fallback{HotlineAccessReady: true})

	res, err := c.Activate(context.Background(), LevelLow, Context{})
	require.NoError(t, err)
	assert.True(t, res.Accepted)
}

func TestActivate_UnknownLevel(t *testing.T) {
	c := newCoordinator(t, staticDevices{local: "phone"}, &relay{})
	_, err := c.Activate(context.Background(), Level("apocalyptic"), Context{})
	assert.Equal(t, syncerr.CodeInvalidArgument, syncerr.CodeOf(err))
	assert.False(t, c.Active())
}

func TestActivate_PinsEntityOperations(t *testing.T) {
	pins := &pinRecorder{}
	c := newCoordinator(t, staticDevices{local: "phone"}, &relay{}, WithPinner(pins))

	res, err := c.Activate(context.Background(), LevelHigh, Context{EntityType: "assessment", EntityID: "a-9"})
	require.NoError(t, err)
	assert.Equal(t, []string{"op-1", "op-2"}, res.Pinned)
	assert.Equal(t, "assessment", pins.entityType)
	assert.Equal(t, "a-9", pins.entityID)
}

func TestAffects_MatchesTriggerWhileActive(t *testing.T) {
	c := newCoordinator(t, staticDevices{local: "phone"}, &relay{})
	assert.False(t, c.Affects("plan", "p1"), "no crisis yet")

	_, err := c.Activate(context.Background(), LevelEmergency, Context{EntityType: "plan", EntityID: "p1"})
	require.NoError(t, err)
	assert.True(t, c.Affects("plan", "p1"))
	assert.False(t, c.Affects("plan", "p2"))
	assert.False(t, c.Affects("assessment", "p1"))

	require.NoError(t, c.Resolve(context.Background()))
	assert.False(t, c.Affects("plan", "p1"))
}

func TestAffects_UntypedTriggerMatchesAnyType(t *testing.T) {
	c := newCoordinator(t, staticDevices{local: "phone"}, &relay{})
	_, err := c.Activate(context.Background(), LevelHigh, Context{EntityID: "p1"})
	require.NoError(t, err)
	assert.True(t, c.Affects("plan", "p1"))
	assert.True(t, c.Affects("assessment", "p1"))
}

func TestActivate_PersistsGoldenSnapshot(t *testing.T) {
	store := testutil.NewMemStore()
	clock := testutil.NewManualClock(time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC))
	cfg := DefaultConfig()
	cfg.Fallback = Fallback{EmergencyContactsReady: true}
	c := newCoordinator(t, staticDevices{local: "phone"}, &relay{},
		WithStore(store), WithClock(clock), WithConfig(cfg))

	_, err := c.Activate(context.Background(), LevelEmergency, Context{})
	require.NoError(t, err)

	data, err := store.Load(context.Background(), SnapshotKey)
	require.NoError(t, err)
	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, "emergency_snapshot", data)

	snap, err := LoadSnapshot(context.Background(), store)
	require.NoError(t, err)
	assert.True(t, snap.Active)
	assert.Equal(t, LevelEmergency, snap.CrisisLevel)
	assert.True(t, snap.ActivatedAt.Equal(clock.Now()))
	assert.True(t, snap.EmergencyContactsReady)
	assert.False(t, snap.HotlineAccessReady)
}

func TestLoadSnapshot_Missing(t *testing.T) {
	_, err := LoadSnapshot(context.Background(), testutil.NewMemStore())
	assert.True(t, syncerr.IsNotFound(err))
}

func TestDecodeSnapshot_RequiresFields(t *testing.T) {
	_, err := DecodeSnapshot([]byte(`{"active":true,"crisisLevel":"high"}`))
	assert.Error(t, err)
}

func TestResolve_DeactivatesAndBroadcasts(t *testing.T) {
	store := testutil.NewMemStore()
	r := &relay{}
	c := newCoordinator(t, staticDevices{local: "phone", online: []string{"phone", "tablet"}}, r, WithStore(store))

	_, err := c.Activate(context.Background(), LevelHigh, Context{EntityType: "crisis_plan", EntityID: "p"})
	require.NoError(t, err)
	require.NoError(t, c.Resolve(context.Background()))

	st := c.State()
	assert.False(t, st.Active)
	assert.False(t, st.ResolvedAt.IsZero())
	assert.False(t, c.Acknowledge("tablet"), "acks ignored once resolved")

	require.Len(t, r.broadcasts, 1)
	assert.Equal(t, ports.PayloadCrisisResolve, r.broadcasts[0].Kind)

	snap, err := LoadSnapshot(context.Background(), store)
	require.NoError(t, err)
	assert.False(t, snap.Active)

	require.NoError(t, c.Resolve(context.Background()), "resolving twice is a no-op")
	assert.Len(t, r.broadcasts, 1)
}

func TestResolve_StoreFailureIsNotFatal(t *testing.T) {
	store := testutil.NewMemStore()
	c := newCoordinator(t, staticDevices{local: "phone"}, &relay{}, WithStore(store))
	_, err := c.Activate(context.Background(), LevelLow, Context{})
	require.NoError(t, err)

	store.FailWith(errors.New("disk full"))
	assert.NoError(t, c.Resolve(context.Background()))
	assert.False(t, c.Active())
}

type sessionStub struct {
	sessions map[string]session.Session
	handoffs []string
}

func (s *sessionStub) Get(id string) (session.Session, bool) {
	sess, ok := s.sessions[id]
	return sess, ok
}

func (s *sessionStub) Handoff(_ context.Context, id, target string, emergency bool) (session.HandoffResult, error) {
	if !emergency {
		return session.HandoffResult{}, errors.New("expected emergency handoff")
	}
	s.handoffs = append(s.handoffs, id+"->"+target)
	return session.HandoffResult{SessionID: id, To: target, Emergency: true}, nil
}

func TestRecallSession(t *testing.T) {
	stub := &sessionStub{sessions: map[string]session.Session{
		"remote": {ID: "remote", OwnerID: "tablet"},
		"mine":   {ID: "mine", OwnerID: "phone"},
	}}
	c := newCoordinator(t, staticDevices{local: "phone"}, &relay{}, WithSessions(stub))
	ctx := context.Background()

	require.NoError(t, c.RecallSession(ctx, "remote"))
	require.NoError(t, c.RecallSession(ctx, "mine"))
	assert.Equal(t, []string{"remote->phone"}, stub.handoffs)

	assert.True(t, syncerr.IsNotFound(c.RecallSession(ctx, "ghost")))
}
