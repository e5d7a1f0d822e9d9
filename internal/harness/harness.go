package harness

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/roach88/crossdevice/internal/config"
	"github.com/roach88/crossdevice/internal/conflict"
	"github.com/roach88/crossdevice/internal/crisis"
	"github.com/roach88/crossdevice/internal/device"
	"github.com/roach88/crossdevice/internal/distribution"
	"github.com/roach88/crossdevice/internal/ir"
	"github.com/roach88/crossdevice/internal/optrack"
	"github.com/roach88/crossdevice/internal/orchestrator"
	"github.com/roach88/crossdevice/internal/session"
	"github.com/roach88/crossdevice/internal/store"
	"github.com/roach88/crossdevice/internal/syncerr"
	"github.com/roach88/crossdevice/internal/testutil"
	"github.com/roach88/crossdevice/internal/transport"
)

// Option configures a run.
type Option func(*options)

type options struct {
	logger *zap.Logger
	driver store.Driver
}

// WithLogger sets the logger handed to every coordinator.
func WithLogger(l *zap.Logger) Option { return func(o *options) { o.logger = l } }

// WithStoreDriver selects the SQLite driver of the scratch database.
func WithStoreDriver(d store.Driver) Option { return func(o *options) { o.driver = d } }

// runner holds one scenario execution.
//
// Time is a manual clock that only moves on advance steps, and IDs are
// sequential, so a scenario produces the same trace on every run.
// Relay latency is real time: it is what crisis deadlines are measured
// against.
type runner struct {
	sys    *orchestrator.System
	relay  *transport.Loopback
	store  *store.Store
	clock  *testutil.ManualClock
	result *Result
	seq    int64
	step   int
}

// Run executes a scenario against a freshly wired system backed by an
// in-memory database and returns the trace with any failed expectations.
// The returned error is reserved for setup failures.
func Run(ctx context.Context, s *Scenario, opts ...Option) (*Result, error) {
	o := options{logger: zap.NewNop(), driver: store.DriverCGO}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}

	cfg, err := s.Config.apply(config.Default())
	if err != nil {
		return nil, fmt.Errorf("scenario %s: %w", s.Name, err)
	}

	st, err := store.Open(":memory:", store.WithDriver(o.driver), store.WithLogger(o.logger))
	if err != nil {
		return nil, fmt.Errorf("failed to create in-memory store: %w", err)
	}
	defer st.Close()

	clock := testutil.NewManualClock(time.Time{})
	relay := transport.NewLoopback(transport.WithClock(clock), transport.WithLogger(o.logger))
	sys, err := orchestrator.NewSystem(cfg, orchestrator.Deps{
		Transport: relay,
		Store:     st,
		Clock:     clock,
		IDs:       testutil.NewSequentialIDs("id"),
		Logger:    o.logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to wire system: %w", err)
	}
	defer sys.Orchestrator.Close()

	r := &runner{sys: sys, relay: relay, store: st, clock: clock, result: NewResult()}
	if err := r.registerDevices(ctx, s.Devices); err != nil {
		return nil, fmt.Errorf("failed to register devices: %w", err)
	}

	for i, step := range s.Steps {
		r.step = i + 1
		before := len(r.result.Trace)
		err := r.execute(ctx, step)
		r.check(step.Expect, err, r.result.Trace[before:])
	}

	for i, a := range s.Assertions {
		if err := r.assert(ctx, a); err != nil {
			r.result.AddError(fmt.Sprintf("assertion %d (%s): %v", i, a.Type, err))
		}
	}
	return r.result, nil
}

func (o Overrides) apply(cfg config.Config) (config.Config, error) {
	if o.Strategy != "" {
		cfg.Distribution.Strategy = distribution.Strategy(o.Strategy)
	}
	if o.MaxConcurrent > 0 {
		cfg.Orchestrator.MaxConcurrent = o.MaxConcurrent
	}
	if o.MaxQueueSize > 0 {
		cfg.Orchestrator.MaxQueueSize = o.MaxQueueSize
	}
	if o.SendTimeout > 0 {
		cfg.Orchestrator.SendTimeout = time.Duration(o.SendTimeout)
	}
	if o.CrisisDeadline > 0 {
		cfg.Crisis.ActivationDeadline = time.Duration(o.CrisisDeadline)
	}
	if o.Fallback != nil {
		cfg.Crisis.Fallback = crisis.Fallback{
			EmergencyContactsReady: o.Fallback.EmergencyContacts,
			HotlineAccessReady:     o.Fallback.Hotline,
		}
	}
	if err := config.Validate(cfg); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

func (r *runner) record(kind string, fields ir.Object) {
	r.seq++
	r.result.Trace = append(r.result.Trace, TraceEvent{Seq: r.seq, Step: r.step, Kind: kind, Fields: fields})
}

// check compares a step's error and trace events with its expectation.
func (r *runner) check(exp *Expect, err error, events []TraceEvent) {
	want := syncerr.Code("")
	if exp != nil {
		want = syncerr.Code(exp.Error)
	}
	switch {
	case err != nil && want == "":
		r.result.AddError(fmt.Sprintf("step %d: unexpected error: %v", r.step, err))
		return
	case err == nil && want != "":
		r.result.AddError(fmt.Sprintf("step %d: expected error %s, got success", r.step, want))
		return
	case err != nil && syncerr.CodeOf(err) != want:
		r.result.AddError(fmt.Sprintf("step %d: expected error %s, got %v", r.step, want, err))
		return
	}
	if exp == nil || len(exp.Result) == 0 {
		return
	}
	if len(events) == 0 {
		r.result.AddError(fmt.Sprintf("step %d: expected result %v, step recorded nothing", r.step, exp.Result))
		return
	}
	last := events[len(events)-1]
	if ok, why := matchFields(last.Fields, exp.Result); !ok {
		r.result.AddError(fmt.Sprintf("step %d: result mismatch: %s", r.step, why))
	}
}

func (r *runner) registerDevices(ctx context.Context, specs []DeviceSpec) error {
	for _, spec := range specs {
		info := device.Info{
			ID:           spec.ID,
			Name:         spec.Name,
			Platform:     device.Platform(spec.Platform),
			Subscription: device.SubscriptionTier(spec.Subscription),
			Local:        spec.Local,
			Capabilities: device.Capabilities{
				Compute:       computeTier(spec.Compute),
				BatteryLevel:  spec.Battery,
				Network:       device.NetworkQuality(spec.Network),
				CrisisCapable: spec.CrisisCapable,
			},
		}
		if _, err := r.sys.Registry.Register(ctx, info); err != nil {
			return fmt.Errorf("register %s: %w", spec.ID, err)
		}
		// The local device is attached too so handoffs back to it
		// have an endpoint.
		r.relay.Attach(spec.ID, nil)
		r.relay.SetLatency(spec.ID, time.Duration(spec.Latency))
		r.relay.SetDown(spec.ID, spec.Down)
	}
	primary, _ := r.sys.Registry.Primary()
	r.record(EventDevice, ir.Object{
		"action":  ir.String("registered"),
		"count":   ir.Int(len(specs)),
		"local":   ir.String(r.sys.Registry.LocalID()),
		"primary": ir.String(primary.ID),
	})
	return nil
}

func computeTier(s string) device.ComputeTier {
	switch s {
	case "low":
		return device.ComputeLow
	case "high":
		return device.ComputeHigh
	case "medium":
		return device.ComputeMedium
	}
	return 0
}

func (r *runner) execute(ctx context.Context, st Step) error {
	switch {
	case st.Submit != nil:
		return r.submit(ctx, st.Submit)
	case st.Tick != nil:
		r.tick(ctx, st.Tick)
		return nil
	case st.Advance != 0:
		r.clock.Advance(time.Duration(st.Advance))
		r.record(EventAdvance, ir.Object{"by": ir.String(time.Duration(st.Advance).String())})
		return nil
	case st.Device != nil:
		return r.device(ctx, st.Device)
	case st.Session != nil:
		return r.session(ctx, st.Session)
	case st.Crisis != nil:
		return r.crisis(ctx, st.Crisis)
	case st.Reconcile != nil:
		return r.reconcile(ctx, st.Reconcile)
	case st.Policy != "":
		cfg := config.Default()
		cfg.Distribution = r.sys.Distribution.Policy()
		cfg.Distribution.Strategy = distribution.Strategy(st.Policy)
		r.sys.ApplyConfig(cfg)
		r.record(EventPolicy, ir.Object{"strategy": ir.String(string(r.sys.Distribution.Policy().Strategy))})
		return nil
	}
	return errors.New("step has no action")
}

func (r *runner) submit(ctx context.Context, s *SubmitStep) error {
	data, err := ir.ObjectFromMap(s.Data)
	if err != nil {
		return syncerr.Invalid("submit data: %v", err)
	}
	ch := orchestrator.Change{
		ID:              s.ID,
		EntityType:      s.EntityType,
		EntityID:        s.EntityID,
		Data:            data,
		Priority:        s.Priority,
		Crisis:          s.Crisis,
		EmergencyBypass: s.EmergencyBypass,
		Origin:          s.Origin,
		Target:          s.Target,
		DependsOn:       s.DependsOn,
	}
	if s.MaxRetries != nil {
		ch.Retry = optrack.RetryPolicy{
			MaxRetries:  *s.MaxRetries,
			BaseBackoff: time.Duration(s.Backoff),
			MaxBackoff:  time.Minute,
		}
	}
	rc, err := r.sys.Orchestrator.Submit(ctx, ch)
	if err != nil {
		r.record(EventRejected, ir.Object{
			"entity_id": ir.String(s.EntityID),
			"code":      ir.String(string(syncerr.CodeOf(err))),
		})
		return err
	}
	r.record(EventSubmitted, ir.Object{
		"operation_id": ir.String(rc.OperationID),
		"entity_id":    ir.String(s.EntityID),
		"tier":         ir.String(rc.Tier.String()),
	})
	return nil
}

func (r *runner) tick(ctx context.Context, t *TickStep) {
	n := max(t.Count, 1)
	for i := 0; i < n; i++ {
		for _, out := range r.sys.Orchestrator.ProcessOnce(ctx).Outcomes {
			fields := ir.Object{
				"operation_id": ir.String(out.OperationID),
				"result":       ir.String(string(out.Result)),
			}
			if out.DeviceID != "" {
				fields["device_id"] = ir.String(out.DeviceID)
			}
			if out.Code != "" {
				fields["code"] = ir.String(string(out.Code))
			}
			if out.Acks > 0 {
				fields["acks"] = ir.Int(out.Acks)
			}
			if out.Fallback {
				fields["fallback"] = ir.Bool(true)
			}
			if out.Resync {
				fields["resync"] = ir.Bool(true)
			}
			r.record(EventOutcome, fields)
		}
	}
}

func (r *runner) device(ctx context.Context, d *DeviceStep) error {
	fields := ir.Object{"device_id": ir.String(d.ID), "action": ir.String(d.Action)}
	var err error
	switch d.Action {
	case DeviceOffline:
		err = r.sys.Registry.Update(ctx, d.ID, device.Patch{Online: device.Bool(false)})
		fields["parked"] = ir.Int(r.sys.Orchestrator.Parked(d.ID))
	case DeviceOnline:
		err = r.sys.Registry.Heartbeat(ctx, d.ID)
	case DeviceRemove:
		err = r.sys.Registry.Remove(ctx, d.ID)
		r.relay.Detach(d.ID)
		if primary, ok := r.sys.Registry.Primary(); ok {
			fields["primary"] = ir.String(primary.ID)
		}
	case DeviceDown:
		r.relay.SetDown(d.ID, true)
	case DeviceUp:
		r.relay.SetDown(d.ID, false)
	case DeviceLatency:
		r.relay.SetLatency(d.ID, time.Duration(d.Latency))
	case DeviceVerify:
		sum := d.Checksum
		if sum == "current" {
			if cur, ok := r.sys.Registry.Get(d.ID); ok {
				sum = cur.Checksum
			}
		}
		err = r.sys.Orchestrator.VerifyDevice(ctx, d.ID, sum)
		fields["match"] = ir.Bool(err == nil)
		if err != nil {
			fields["code"] = ir.String(string(syncerr.CodeOf(err)))
		}
		r.record(EventVerify, fields)
		return err
	}
	if err != nil {
		fields["code"] = ir.String(string(syncerr.CodeOf(err)))
	}
	r.record(EventDevice, fields)
	return err
}

func (r *runner) session(ctx context.Context, s *SessionStep) error {
	coord := r.sys.Sessions
	fields := ir.Object{"session_id": ir.String(s.ID), "action": ir.String(s.Action)}
	var err error
	switch s.Action {
	case SessionStart:
		_, err = coord.Start(ctx, session.StartRequest{
			ID:              s.ID,
			Kind:            s.Kind,
			OwnerID:         s.Owner,
			Participants:    s.Participants,
			NeedsContinuity: s.Continuity,
		})
	case SessionHandoff:
		var res session.HandoffResult
		res, err = coord.Handoff(ctx, s.ID, s.Target, s.Emergency)
		if err == nil {
			fields["steps"] = ir.Int(len(res.Steps))
		}
	case SessionComplete:
		err = coord.Complete(ctx, s.ID)
	case SessionEnd:
		err = coord.End(ctx, s.ID, session.ReasonUserEnded)
	}
	if cur, ok := coord.Get(s.ID); ok {
		fields["owner"] = ir.String(cur.OwnerID)
		fields["status"] = ir.String(string(cur.Status))
	}
	if err != nil {
		fields["code"] = ir.String(string(syncerr.CodeOf(err)))
	}
	r.record(EventSession, fields)
	return err
}

func (r *runner) crisis(ctx context.Context, c *CrisisStep) error {
	coord := r.sys.Crisis
	fields := ir.Object{"action": ir.String(c.Action)}
	var err error
	switch c.Action {
	case CrisisActivate:
		var res crisis.Result
		res, err = coord.Activate(ctx, crisis.Level(c.Level), crisis.Context{
			EntityType: c.EntityType,
			EntityID:   c.EntityID,
			SessionID:  c.Session,
			DeviceID:   c.Device,
			Reason:     "scenario",
		})
		if err == nil {
			fields["accepted"] = ir.Bool(res.Accepted)
			fields["acknowledged"] = stringArray(res.Acknowledged)
			fields["unreachable"] = stringArray(res.Unreachable)
			fields["fallback_used"] = ir.Bool(res.FallbackUsed)
			fields["pinned"] = ir.Int(len(res.Pinned))
		}
	case CrisisResolve:
		err = coord.Resolve(ctx)
	case CrisisAcknowledge:
		fields["recorded"] = ir.Bool(coord.Acknowledge(c.Device))
	case CrisisRecall:
		err = coord.RecallSession(ctx, c.Session)
	}
	fields["active"] = ir.Bool(coord.Active())
	if err != nil {
		fields["code"] = ir.String(string(syncerr.CodeOf(err)))
	}
	r.record(EventCrisis, fields)
	return err
}

func (r *runner) reconcile(ctx context.Context, rc *ReconcileStep) error {
	now := r.clock.Now()
	local, err := snapshotFrom(rc.Local, now)
	if err != nil {
		return err
	}
	report := conflict.Report{EntityType: rc.EntityType, EntityID: rc.EntityID, Local: local}
	for _, spec := range rc.Remotes {
		snap, err := snapshotFrom(spec, now)
		if err != nil {
			return err
		}
		report.Remotes = append(report.Remotes, snap)
	}

	out, found, err := r.sys.Orchestrator.Reconcile(ctx, report, conflict.Strategy(rc.Strategy))
	fields := ir.Object{"entity_id": ir.String(rc.EntityID), "found": ir.Bool(found)}
	if found && err == nil {
		fields["strategy"] = ir.String(string(out.Strategy))
		fields["winner"] = ir.String(out.WinnerDeviceID)
		if out.Payload != nil {
			fields["result"] = out.Payload.Data()
		}
	}
	if err != nil {
		fields["code"] = ir.String(string(syncerr.CodeOf(err)))
	}
	r.record(EventConflict, fields)
	return err
}

func snapshotFrom(s SnapshotSpec, now time.Time) (conflict.Snapshot, error) {
	fields, err := ir.ObjectFromMap(s.Fields)
	if err != nil {
		return conflict.Snapshot{}, syncerr.Invalid("snapshot from %s: %v", s.Device, err)
	}
	kind := conflict.EntityKind(s.Kind)
	if kind == "" {
		kind = conflict.KindRecord
	}
	return conflict.Snapshot{
		DeviceID:      s.Device,
		Version:       s.Version,
		Timestamp:     now.Add(-time.Duration(s.Age)),
		Priority:      s.Priority,
		ClinicalScore: s.ClinicalScore,
		CrisisCapable: s.CrisisCapable,
		CrisisData:    s.CrisisData,
		ReadOnly:      s.ReadOnly,
		Payload:       conflict.NewPayload(kind, fields),
	}, nil
}

func stringArray(ids []string) ir.Array {
	sorted := append([]string(nil), ids...)
	sort.Strings(sorted)
	out := make(ir.Array, len(sorted))
	for i, id := range sorted {
		out[i] = ir.String(id)
	}
	return out
}
