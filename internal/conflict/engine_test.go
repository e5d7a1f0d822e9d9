package conflict

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/roach88/crossdevice/internal/ir"
	"github.com/roach88/crossdevice/internal/optrack"
	"github.com/roach88/crossdevice/internal/syncerr"
	"github.com/roach88/crossdevice/internal/testutil"
)

type memAudit struct {
	mu      sync.Mutex
	entries []AuditEntry
	block   atomic.Bool
	err     error
}

func (m *memAudit) RecordAudit(ctx context.Context, entry AuditEntry) error {
	if m.block.Load() {
		<-ctx.Done()
		return ctx.Err()
	}
	if m.err != nil {
		return m.err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, entry)
	return nil
}

type fixture struct {
	engine *Engine
	clock  *testutil.ManualClock
	audit  *memAudit
}

func newFixture(t *testing.T, opts ...Option) fixture {
	t.Helper()
	clock := testutil.NewManualClock(time.Time{})
	audit := &memAudit{}
	base := []Option{
		WithClock(clock),
		WithIDGenerator(testutil.NewSequentialIDs("cf")),
		WithAuditSink(audit),
		WithLogger(zaptest.NewLogger(t)),
	}
	return fixture{engine: New(append(base, opts...)...), clock: clock, audit: audit}
}

func snap(device string, version int64, at time.Time, p Payload) Snapshot {
	return Snapshot{DeviceID: device, Version: version, Timestamp: at, Priority: 5, Payload: p}
}

func record(kv ...any) Record {
	fields := ir.Object{}
	for i := 0; i+1 < len(kv); i += 2 {
		v, err := ir.FromAny(kv[i+1])
		if err != nil {
			panic(err)
		}
		fields[kv[i].(string)] = v
	}
	return Record{Fields: fields}
}

func TestDetect_NoConflictWhenConsistent(t *testing.T) {
	f := newFixture(t)
	now := testutil.Epoch
	_, found, err := f.engine.Detect(Report{
		EntityType: "note",
		EntityID:   "n1",
		Local:      snap("a", 3, now, record("x", 1)),
		Remotes: []Snapshot{
			snap("b", 3, now.Add(30*time.Second), record("x", 1)),
		},
	})
	require.NoError(t, err)
	assert.False(t, found)
	assert.Empty(t, f.engine.Pending())
}

func TestDetect_Kinds(t *testing.T) {
	now := testutil.Epoch
	tests := []struct {
		name   string
		local  Snapshot
		remote Snapshot
		want   Kind
	}{
		{
			name:   "skew beyond tolerance is timing",
			local:  snap("a", 1, now, record("x", 1)),
			remote: snap("b", 2, now.Add(90*time.Second), record("x", 2)),
			want:   KindTimingConflict,
		},
		{
			name:   "same content but version differs",
			local:  snap("a", 1, now, record("x", 1)),
			remote: snap("b", 2, now.Add(10*time.Second), record("x", 1)),
			want:   KindVersionMismatch,
		},
		{
			name:  "read only reporter",
			local: snap("a", 1, now, record("x", 1)),
			remote: func() Snapshot {
				s := snap("b", 1, now.Add(10*time.Second), record("x", 2))
				s.ReadOnly = true
				return s
			}(),
			want: KindAccessConflict,
		},
		{
			name:  "differing priorities",
			local: snap("a", 1, now, record("x", 1)),
			remote: func() Snapshot {
				s := snap("b", 1, now.Add(10*time.Second), record("x", 2))
				s.Priority = 9
				return s
			}(),
			want: KindPriorityConflict,
		},
		{
			name:   "within a second is concurrent",
			local:  snap("a", 1, now, record("x", 1)),
			remote: snap("b", 1, now.Add(500*time.Millisecond), record("x", 2)),
			want:   KindConcurrentEdit,
		},
		{
			name:   "plain divergence",
			local:  snap("a", 1, now, record("x", 1)),
			remote: snap("b", 1, now.Add(20*time.Second), record("x", 2)),
			want:   KindDataDivergence,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			c, found, err := f.engine.Detect(Report{
				EntityType: "note", EntityID: "n1",
				Local: tt.local, Remotes: []Snapshot{tt.remote},
			})
			require.NoError(t, err)
			require.True(t, found)
			assert.Equal(t, tt.want, c.Kind)
			assert.Len(t, c.Snapshots, 2)
			assert.Equal(t, StatePending, c.State)
		})
	}
}

func TestDetect_SessionTimingNeverSilentlyMerged(t *testing.T) {
	f := newFixture(t)
	now := testutil.Epoch
	c, found, err := f.engine.Detect(Report{
		EntityType: "session", EntityID: "s1",
		Local:   snap("a", 4, now, SessionData{Fields: ir.Object{"step": ir.Int(3)}}),
		Remotes: []Snapshot{snap("b", 4, now.Add(90*time.Second), SessionData{Fields: ir.Object{"step": ir.Int(4)}})},
	})
	require.NoError(t, err)
	require.True(t, found)
	assert.Contains(t, []Kind{KindTimingConflict, KindDataDivergence}, c.Kind)
	assert.Equal(t, StrategyMergeCRDT, c.Strategy)
	assert.Equal(t, ImpactModerate, c.Impact)
	require.Len(t, f.engine.Pending(), 1)
}

func TestDetect_RereportUpdatesPendingConflict(t *testing.T) {
	f := newFixture(t)
	now := testutil.Epoch
	r := Report{
		EntityType: "note", EntityID: "n1",
		Local:   snap("a", 1, now, record("x", 1)),
		Remotes: []Snapshot{snap("b", 1, now, record("x", 2))},
	}
	first, _, err := f.engine.Detect(r)
	require.NoError(t, err)

	r.Remotes = append(r.Remotes, snap("c", 1, now, record("x", 3)))
	second, _, err := f.engine.Detect(r)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Len(t, second.Snapshots, 3)
	assert.Len(t, f.engine.Pending(), 1)
}

func TestDetect_Validation(t *testing.T) {
	f := newFixture(t)
	_, _, err := f.engine.Detect(Report{EntityID: "x", Local: Snapshot{DeviceID: "a"}})
	assert.True(t, syncerr.Is(err, syncerr.CodeInvalidArgument))

	_, _, err = f.engine.Detect(Report{Local: snap("a", 1, testutil.Epoch, record())})
	assert.True(t, syncerr.Is(err, syncerr.CodeInvalidArgument))
}

func TestResolve_CrisisAlwaysCrisisPriority(t *testing.T) {
	now := testutil.Epoch
	for _, requested := range append([]Strategy{""}, Strategies...) {
		t.Run(string(requested), func(t *testing.T) {
			f := newFixture(t)
			older := snap("capable", 1, now, CrisisPlan{Fields: ir.Object{"contact": ir.String("old")}})
			older.CrisisCapable = true
			newer := snap("widget", 2, now.Add(5*time.Second), CrisisPlan{Fields: ir.Object{"contact": ir.String("new")}})
			newer.ClinicalScore = 99
			newer.Priority = 10

			c, found, err := f.engine.Detect(Report{EntityType: "crisis_plan", EntityID: "p1", Local: older, Remotes: []Snapshot{newer}})
			require.NoError(t, err)
			require.True(t, found)
			assert.True(t, c.CrisisDataInvolved)
			assert.Equal(t, ImpactCritical, c.Impact)

			out, err := f.engine.Resolve(context.Background(), c.ID, requested)
			require.NoError(t, err)
			assert.Equal(t, StrategyCrisisPriority, out.Strategy)
			assert.Equal(t, "capable", out.WinnerDeviceID, "crisis-capable device beats a newer incapable one")
		})
	}
}

func TestResolve_CrisisTaggedRecord(t *testing.T) {
	f := newFixture(t)
	now := testutil.Epoch
	local := snap("a", 1, now, record("mood", 2))
	local.CrisisData = true
	remote := snap("b", 1, now.Add(2*time.Second), record("mood", 1))
	remote.CrisisCapable = true

	c, _, err := f.engine.Detect(Report{EntityType: "checkin", EntityID: "c1", Local: local, Remotes: []Snapshot{remote}})
	require.NoError(t, err)
	out, err := f.engine.Resolve(context.Background(), c.ID, StrategyLatestWins)
	require.NoError(t, err)
	assert.Equal(t, StrategyCrisisPriority, out.Strategy)
	assert.Equal(t, "b", out.WinnerDeviceID)
}

func TestResolve_ClinicalPriority(t *testing.T) {
	f := newFixture(t)
	now := testutil.Epoch
	high := snap("a", 1, now, Assessment{Fields: ir.Object{"score": ir.Int(18)}})
	high.ClinicalScore = 8
	low := snap("b", 1, now.Add(10*time.Second), Assessment{Fields: ir.Object{"score": ir.Int(4)}})
	low.ClinicalScore = 3

	c, _, err := f.engine.Detect(Report{EntityType: "phq9", EntityID: "a1", Local: high, Remotes: []Snapshot{low}})
	require.NoError(t, err)
	assert.Equal(t, StrategyClinicalPriority, c.Strategy)
	assert.Equal(t, ImpactHigh, c.Impact)

	out, err := f.engine.Resolve(context.Background(), c.ID, "")
	require.NoError(t, err)
	assert.Equal(t, "a", out.WinnerDeviceID)
	assert.Equal(t, Assessment{Fields: ir.Object{"score": ir.Int(18)}}, out.Payload)
}

func TestResolve_LatestWins(t *testing.T) {
	f := newFixture(t)
	now := testutil.Epoch
	c, _, err := f.engine.Detect(Report{
		EntityType: "note", EntityID: "n1",
		Local:   snap("a", 1, now, record("x", 1)),
		Remotes: []Snapshot{snap("b", 1, now.Add(3*time.Second), record("x", 2))},
	})
	require.NoError(t, err)
	assert.Equal(t, StrategyLatestWins, c.Strategy)

	out, err := f.engine.Resolve(context.Background(), c.ID, "")
	require.NoError(t, err)
	assert.Equal(t, "b", out.WinnerDeviceID)
	assert.Equal(t, record("x", 2), out.Payload)
}

func TestResolve_MergeCRDTFieldLevel(t *testing.T) {
	f := newFixture(t)
	now := testutil.Epoch
	local := snap("a", 1, now, SessionData{
		Fields:   ir.Object{"step": ir.Int(3), "mood": ir.String("calm"), "notes": ir.String("a")},
		Modified: map[string]time.Time{"mood": now.Add(20 * time.Second)},
	})
	remote := snap("b", 1, now.Add(10*time.Second), SessionData{
		Fields: ir.Object{"step": ir.Int(4), "mood": ir.String("tense"), "timer": ir.Int(30)},
	})

	c, _, err := f.engine.Detect(Report{EntityType: "session", EntityID: "s1", Local: local, Remotes: []Snapshot{remote}})
	require.NoError(t, err)
	out, err := f.engine.Resolve(context.Background(), c.ID, "")
	require.NoError(t, err)
	assert.Equal(t, StrategyMergeCRDT, out.Strategy)
	assert.Empty(t, out.WinnerDeviceID)

	got, ok := out.Payload.(SessionData)
	require.True(t, ok)
	want := ir.Object{
		"step":  ir.Int(4),
		"mood":  ir.String("calm"),
		"notes": ir.String("a"),
		"timer": ir.Int(30),
	}
	if diff := cmp.Diff(want, got.Fields); diff != "" {
		t.Errorf("merged fields mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, now.Add(20*time.Second), got.Modified["mood"])
}

func TestResolve_PriorityMerge(t *testing.T) {
	f := newFixture(t)
	now := testutil.Epoch
	hi := snap("a", 1, now, record("x", 1))
	hi.Priority = 9
	lo := snap("b", 1, now.Add(5*time.Second), record("x", 2, "y", 3))

	c, _, err := f.engine.Detect(Report{EntityType: "note", EntityID: "n1", Local: hi, Remotes: []Snapshot{lo}})
	require.NoError(t, err)
	out, err := f.engine.Resolve(context.Background(), c.ID, StrategyPriorityMerge)
	require.NoError(t, err)
	assert.Equal(t, "a", out.WinnerDeviceID)
	if diff := cmp.Diff(record("x", 1, "y", 3), out.Payload); diff != "" {
		t.Errorf("payload mismatch (-want +got):\n%s", diff)
	}
}

func TestResolve_AuditAndHistory(t *testing.T) {
	tracker := optrack.New()
	require.NoError(t, tracker.Start(optrack.Operation{ID: "op-1", Priority: 7}))
	f := newFixture(t, WithOperations(tracker))
	now := testutil.Epoch

	c, _, err := f.engine.Detect(Report{
		EntityType: "note", EntityID: "n1", OperationID: "op-1",
		Local:   snap("a", 1, now, record("x", 1)),
		Remotes: []Snapshot{snap("b", 1, now, record("x", 2))},
	})
	require.NoError(t, err)
	out, err := f.engine.Resolve(context.Background(), c.ID, "")
	require.NoError(t, err)

	require.Len(t, f.audit.entries, 1)
	entry := f.audit.entries[0]
	assert.Equal(t, out.AuditID, entry.ID)
	assert.Equal(t, c.ID, entry.ConflictID)
	assert.Equal(t, 7, entry.OperationPriority)
	assert.Equal(t, []string{"a", "b"}, entry.DeviceIDs)
	sum, err := AuditChecksum(entry)
	require.NoError(t, err)
	assert.Equal(t, sum, entry.Checksum)

	assert.Empty(t, f.engine.Pending())
	hist := f.engine.History()
	require.Len(t, hist, 1)
	assert.Equal(t, StateResolved, hist[0].State)

	// Replaying the resolve returns the recorded outcome.
	again, err := f.engine.Resolve(context.Background(), c.ID, "")
	require.NoError(t, err)
	assert.Equal(t, out.AuditID, again.AuditID)
	assert.Len(t, f.audit.entries, 1)
}

func TestResolve_TimeoutLeavesPending(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ResolutionTimeout = 20 * time.Millisecond
	f := newFixture(t, WithConfig(cfg))
	f.audit.block.Store(true)
	now := testutil.Epoch

	c, _, err := f.engine.Detect(Report{
		EntityType: "note", EntityID: "n1",
		Local:   snap("a", 1, now, record("x", 1)),
		Remotes: []Snapshot{snap("b", 1, now, record("x", 2))},
	})
	require.NoError(t, err)

	_, err = f.engine.Resolve(context.Background(), c.ID, "")
	require.Error(t, err)
	assert.True(t, syncerr.IsTimeout(err))
	assert.True(t, syncerr.Retryable(err))

	got, ok := f.engine.Get(c.ID)
	require.True(t, ok)
	assert.Equal(t, StatePending, got.State)
	assert.Equal(t, 1, got.Attempts)

	// Next cycle succeeds.
	f.audit.block.Store(false)
	_, err = f.engine.Resolve(context.Background(), c.ID, "")
	require.NoError(t, err)
	got, _ = f.engine.Get(c.ID)
	assert.Equal(t, StateResolved, got.State)
	assert.Equal(t, 2, got.Attempts)
}

// slowOperations holds Get until release is closed.
type slowOperations struct {
	release chan struct{}
}

func (s slowOperations) Get(id string) (optrack.Operation, bool) {
	<-s.release
	return optrack.Operation{ID: id, Priority: 7}, true
}

func TestResolve_NoAuditAfterTimeout(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ResolutionTimeout = 20 * time.Millisecond
	ops := slowOperations{release: make(chan struct{})}
	f := newFixture(t, WithConfig(cfg), WithOperations(ops))
	now := testutil.Epoch

	c, _, err := f.engine.Detect(Report{
		EntityType: "note", EntityID: "n1", OperationID: "op-1",
		Local:   snap("a", 1, now, record("x", 1)),
		Remotes: []Snapshot{snap("b", 1, now, record("x", 2))},
	})
	require.NoError(t, err)

	_, err = f.engine.Resolve(context.Background(), c.ID, "")
	require.Error(t, err)
	assert.True(t, syncerr.IsTimeout(err))

	close(ops.release)
	assert.Never(t, func() bool {
		f.audit.mu.Lock()
		defer f.audit.mu.Unlock()
		return len(f.audit.entries) > 0
	}, 100*time.Millisecond, 10*time.Millisecond)

	got, _ := f.engine.Get(c.ID)
	assert.Equal(t, StatePending, got.State)
}

func TestResolve_AuditFailureRetries(t *testing.T) {
	f := newFixture(t)
	f.audit.err = errors.New("disk full")
	now := testutil.Epoch
	c, _, err := f.engine.Detect(Report{
		EntityType: "note", EntityID: "n1",
		Local:   snap("a", 1, now, record("x", 1)),
		Remotes: []Snapshot{snap("b", 1, now, record("x", 2))},
	})
	require.NoError(t, err)

	_, err = f.engine.Resolve(context.Background(), c.ID, "")
	require.Error(t, err)
	got, _ := f.engine.Get(c.ID)
	assert.Equal(t, StatePending, got.State)
}

func TestResolve_Errors(t *testing.T) {
	f := newFixture(t)
	_, err := f.engine.Resolve(context.Background(), "missing", "")
	assert.True(t, syncerr.IsNotFound(err))

	_, err = f.engine.Resolve(context.Background(), "missing", "coin_flip")
	assert.True(t, syncerr.Is(err, syncerr.CodeInvalidArgument))
}

func TestHistory_Bounded(t *testing.T) {
	cfg := DefaultConfig()
	cfg.HistorySize = 2
	f := newFixture(t, WithConfig(cfg))
	now := testutil.Epoch
	ctx := context.Background()

	var ids []string
	for _, entity := range []string{"e1", "e2", "e3"} {
		c, _, err := f.engine.Detect(Report{
			EntityType: "note", EntityID: entity,
			Local:   snap("a", 1, now, record("x", 1)),
			Remotes: []Snapshot{snap("b", 1, now, record("x", 2))},
		})
		require.NoError(t, err)
		_, err = f.engine.Resolve(ctx, c.ID, "")
		require.NoError(t, err)
		ids = append(ids, c.ID)
	}
	hist := f.engine.History()
	require.Len(t, hist, 2)
	assert.Equal(t, ids[1], hist[0].ID)
	assert.Equal(t, ids[2], hist[1].ID)
	_, ok := f.engine.Get(ids[0])
	assert.False(t, ok, "oldest entry evicted")
}

func TestExpire(t *testing.T) {
	f := newFixture(t)
	now := testutil.Epoch
	c, _, err := f.engine.Detect(Report{
		EntityType: "note", EntityID: "n1",
		Local:   snap("a", 1, now, record("x", 1)),
		Remotes: []Snapshot{snap("b", 1, now, record("x", 2))},
	})
	require.NoError(t, err)

	assert.Empty(t, f.engine.Expire(now.Add(time.Hour)))
	assert.Equal(t, []string{c.ID}, f.engine.Expire(now.Add(25*time.Hour)))

	got, ok := f.engine.Get(c.ID)
	require.True(t, ok)
	assert.Equal(t, StateFailed, got.State)
	assert.Equal(t, "expired", got.FailureReason)
	assert.Empty(t, f.engine.Pending())
}
