// Package crisis is the privileged fast path for safety-critical state.
//
// Activation marks crisis state active, pins the priority of operations on
// the affected entity, and broadcasts to every online device in parallel
// under a hard deadline. It is accepted when any device acknowledges in
// time or when a local fallback resource is ready, so local safety access
// never depends on the network.
package crisis

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/crossdevice/internal/device"
	"github.com/roach88/crossdevice/internal/ir"
	"github.com/roach88/crossdevice/internal/ports"
	"github.com/roach88/crossdevice/internal/session"
	"github.com/roach88/crossdevice/internal/syncerr"
)

// Devices is the registry view the coordinator needs.
type Devices interface {
	ListOnline() []device.Device
	LocalID() string
}

// PriorityPinner forces every in-flight operation on an entity to the
// maximum priority and returns the affected operation IDs.
type PriorityPinner interface {
	PinEntity(entityType, entityID string) []string
}

// Sessions hands sessions off to the local device during a crisis.
type Sessions interface {
	Get(id string) (session.Session, bool)
	Handoff(ctx context.Context, id, target string, emergency bool) (session.HandoffResult, error)
}

// Config holds crisis tunables.
type Config struct {
	// ActivationDeadline bounds Activate, broadcast included.
	ActivationDeadline time.Duration

	// ResolveDeadline bounds the best-effort resolution broadcast.
	ResolveDeadline time.Duration

	// Fallback is the local resource readiness at startup.
	Fallback Fallback
}

// DefaultConfig returns a 200ms activation budget with both local
// resources ready.
func DefaultConfig() Config {
	return Config{
		ActivationDeadline: 200 * time.Millisecond,
		ResolveDeadline:    time.Second,
		Fallback:           Fallback{EmergencyContactsReady: true, HotlineAccessReady: true},
	}
}

// Result reports the outcome of an activation.
type Result struct {
	Accepted     bool
	Acknowledged []string
	Unreachable  []string
	Pinned       []string
	FallbackUsed bool
	TimedOut     bool
	Elapsed      time.Duration
}

// Coordinator owns the crisis state.
//
// Thread-safety: all methods are safe for concurrent use. Activations are
// serialized; acknowledgements may arrive concurrently at any time.
type Coordinator struct {
	activateMu sync.Mutex

	mu    sync.Mutex
	state State

	devices   Devices
	transport ports.Transport
	encryptor ports.Encryptor
	pinner    PriorityPinner
	sessions  Sessions
	store     ports.Store

	cfg     Config
	clock   ports.Clock
	metrics ports.Metrics
	logger  *zap.Logger
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithConfig sets tunables.
func WithConfig(cfg Config) Option { return func(c *Coordinator) { c.cfg = cfg } }

// WithPinner pins operation priorities on activation.
func WithPinner(p PriorityPinner) Option { return func(c *Coordinator) { c.pinner = p } }

// WithSessions enables RecallSession.
func WithSessions(s Sessions) Option { return func(c *Coordinator) { c.sessions = s } }

// WithStore persists the fallback snapshot.
func WithStore(s ports.Store) Option { return func(c *Coordinator) { c.store = s } }

// WithEncryptor sets the encryptor for broadcast bodies.
func WithEncryptor(e ports.Encryptor) Option { return func(c *Coordinator) { c.encryptor = e } }

// WithClock sets the time source.
func WithClock(clk ports.Clock) Option { return func(c *Coordinator) { c.clock = clk } }

// WithMetrics sets the telemetry sink.
func WithMetrics(m ports.Metrics) Option { return func(c *Coordinator) { c.metrics = m } }

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option { return func(c *Coordinator) { c.logger = l } }

// New creates a Coordinator in the inactive state.
func New(devices Devices, transport ports.Transport, opts ...Option) *Coordinator {
	c := &Coordinator{
		devices:   devices,
		transport: transport,
		encryptor: ports.PassthroughEncryptor{},
		cfg:       DefaultConfig(),
		clock:     ports.SystemClock{},
		metrics:   ports.NopMetrics{},
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = zap.NewNop()
	}
	c.state.Fallback = c.cfg.Fallback
	return c
}

// State returns a copy of the crisis state.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.state
	s.Acknowledged = append([]string(nil), c.state.Acknowledged...)
	return s
}

// Active reports whether a crisis is active.
func (c *Coordinator) Active() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.Active
}

// Affects reports whether an active crisis was triggered by the entity.
// An empty trigger entity type matches any type.
func (c *Coordinator) Affects(entityType, entityID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.state.Trigger
	if !c.state.Active || t.EntityID == "" || t.EntityID != entityID {
		return false
	}
	return t.EntityType == "" || t.EntityType == entityType
}

// SetFallback updates local resource readiness.
func (c *Coordinator) SetFallback(f Fallback) {
	c.mu.Lock()
	c.state.Fallback = f
	c.mu.Unlock()
	c.logger.Info("crisis fallback readiness changed",
		zap.Bool("emergency_contacts", f.EmergencyContactsReady),
		zap.Bool("hotline", f.HotlineAccessReady),
	)
}

// Activate enters crisis mode.
//
// It returns within the activation deadline. Devices that have not
// acknowledged by then are abandoned and listed as unreachable; their
// late acknowledgements are still recorded. Quota and cost limits do not
// apply here.
func (c *Coordinator) Activate(ctx context.Context, level Level, trigger Context) (Result, error) {
	if !level.Valid() {
		return Result{}, syncerr.Invalid("unknown crisis level %q", level)
	}
	c.activateMu.Lock()
	defer c.activateMu.Unlock()

	began := c.clock.Now()
	dctx, cancel := context.WithTimeout(ctx, c.cfg.ActivationDeadline)
	defer cancel()

	c.mu.Lock()
	c.state.Active = true
	c.state.Level = level
	c.state.ActivatedAt = began
	c.state.ResolvedAt = time.Time{}
	c.state.Trigger = trigger
	c.state.Acknowledged = nil
	c.state.FallbackUsed = false
	fallback := c.state.Fallback
	c.mu.Unlock()

	c.logger.Warn("crisis activated",
		zap.String("level", string(level)),
		zap.String("entity_type", trigger.EntityType),
		zap.String("entity_id", trigger.EntityID),
		zap.String("reason", trigger.Reason),
	)

	var res Result
	if c.pinner != nil && trigger.EntityID != "" {
		res.Pinned = c.pinner.PinEntity(trigger.EntityType, trigger.EntityID)
	}

	payload, err := c.payload(dctx, ports.PayloadCrisisActivate, level, trigger, began)
	if err != nil {
		return Result{}, err
	}

	targets := c.targets()
	var (
		ackMu sync.Mutex
		acked = make(map[string]bool)
		g     errgroup.Group
	)
	g.Go(func() error {
		c.persist(dctx, fallback)
		return nil
	})
	for _, id := range targets {
		g.Go(func() error {
			ack, err := c.transport.Send(dctx, id, payload)
			if err != nil {
				c.logger.Debug("crisis broadcast failed", zap.String("device_id", id), zap.Error(err))
				return nil
			}
			deviceID := ack.DeviceID
			if deviceID == "" {
				deviceID = id
			}
			ackMu.Lock()
			acked[deviceID] = true
			ackMu.Unlock()
			c.Acknowledge(deviceID)
			return nil
		})
	}

	done := make(chan struct{})
	go func() {
		_ = g.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-dctx.Done():
		res.TimedOut = true
	}

	ackMu.Lock()
	for _, id := range targets {
		if acked[id] {
			res.Acknowledged = append(res.Acknowledged, id)
		} else {
			res.Unreachable = append(res.Unreachable, id)
		}
	}
	ackMu.Unlock()

	res.Accepted = len(res.Acknowledged) > 0 || fallback.Ready()
	if len(res.Acknowledged) == 0 && fallback.Ready() {
		res.FallbackUsed = true
		c.mu.Lock()
		c.state.FallbackUsed = true
		c.mu.Unlock()
		c.metrics.Count("crisis.fallback", 1, "level", string(level))
		c.logger.Warn("crisis using local fallback",
			zap.Bool("timed_out", res.TimedOut),
			zap.Int("targets", len(targets)),
		)
	}
	res.Elapsed = c.clock.Now().Sub(began)

	c.metrics.Timing("crisis.activation", res.Elapsed, "level", string(level))
	c.metrics.Count("crisis.activated", 1, "level", string(level), "accepted", fmt.Sprint(res.Accepted))
	if res.TimedOut {
		c.metrics.Count("crisis.timeout", 1)
	}
	c.logger.Info("crisis activation complete",
		zap.Bool("accepted", res.Accepted),
		zap.Strings("acknowledged", res.Acknowledged),
		zap.Strings("unreachable", res.Unreachable),
		zap.Int("pinned", len(res.Pinned)),
		zap.Duration("elapsed", res.Elapsed),
	)
	return res, nil
}

// Acknowledge records a device acknowledgement, including ones that
// arrive after the activation deadline. Ignored when no crisis is active.
func (c *Coordinator) Acknowledge(deviceID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.state.Active {
		return false
	}
	for _, id := range c.state.Acknowledged {
		if id == deviceID {
			return true
		}
	}
	c.state.Acknowledged = append(c.state.Acknowledged, deviceID)
	sort.Strings(c.state.Acknowledged)
	return true
}

// Resolve deactivates crisis mode locally, then broadcasts the resolution
// best-effort. It does not wait for or require acknowledgements.
func (c *Coordinator) Resolve(ctx context.Context) error {
	c.activateMu.Lock()
	defer c.activateMu.Unlock()

	now := c.clock.Now()
	c.mu.Lock()
	if !c.state.Active {
		c.mu.Unlock()
		return nil
	}
	level := c.state.Level
	trigger := c.state.Trigger
	activatedAt := c.state.ActivatedAt
	c.state.Active = false
	c.state.ResolvedAt = now
	fallback := c.state.Fallback
	c.mu.Unlock()

	c.metrics.Timing("crisis.duration", now.Sub(activatedAt), "level", string(level))
	c.logger.Info("crisis resolved", zap.String("level", string(level)))

	rctx, cancel := context.WithTimeout(ctx, c.cfg.ResolveDeadline)
	defer cancel()
	c.persist(rctx, fallback)

	payload, err := c.payload(rctx, ports.PayloadCrisisResolve, level, trigger, activatedAt)
	if err != nil {
		c.logger.Warn("encode crisis resolution failed", zap.Error(err))
		return nil
	}
	if _, err := c.transport.Broadcast(rctx, payload); err != nil {
		c.metrics.Count("crisis.resolve_broadcast_failed", 1)
		c.logger.Warn("crisis resolution broadcast failed", zap.Error(err))
	}
	return nil
}

// RecallSession hands a session to the local device in emergency mode so
// the user keeps access without the remote owner.
func (c *Coordinator) RecallSession(ctx context.Context, sessionID string) error {
	if c.sessions == nil {
		return syncerr.Invalid("crisis coordinator has no session coordinator")
	}
	local := c.devices.LocalID()
	if local == "" {
		return syncerr.NotFound("device", "local")
	}
	s, ok := c.sessions.Get(sessionID)
	if !ok {
		return syncerr.NotFound("session", sessionID)
	}
	if s.OwnerID == local {
		return nil
	}
	_, err := c.sessions.Handoff(ctx, sessionID, local, true)
	return err
}

// targets returns online devices other than the local one, sorted by ID.
func (c *Coordinator) targets() []string {
	local := c.devices.LocalID()
	var ids []string
	for _, d := range c.devices.ListOnline() {
		if d.ID != local {
			ids = append(ids, d.ID)
		}
	}
	sort.Strings(ids)
	return ids
}

func (c *Coordinator) payload(ctx context.Context, kind ports.PayloadKind, level Level, trigger Context, at time.Time) (ports.Payload, error) {
	plain, err := ir.MarshalCanonical(ir.Object{
		"level":       ir.String(level),
		"entity_type": ir.String(trigger.EntityType),
		"entity_id":   ir.String(trigger.EntityID),
		"activated":   ir.Int(at.UnixMilli()),
	})
	if err != nil {
		return ports.Payload{}, fmt.Errorf("encode crisis payload: %w", err)
	}
	sealed, err := c.encryptor.Encrypt(ctx, plain, ports.SensitivityCrisis)
	if err != nil {
		return ports.Payload{}, fmt.Errorf("encrypt crisis payload: %w", err)
	}
	return ports.Payload{
		Kind:       kind,
		EntityType: trigger.EntityType,
		EntityID:   trigger.EntityID,
		SessionID:  trigger.SessionID,
		Priority:   10,
		Checksum:   c.encryptor.Checksum(plain),
		Body:       sealed,
	}, nil
}

func (c *Coordinator) persist(ctx context.Context, fallback Fallback) {
	if c.store == nil {
		return
	}
	st := c.State()
	data, err := Snapshot{
		Active:                 st.Active,
		CrisisLevel:            st.Level,
		ActivatedAt:            st.ActivatedAt,
		EmergencyContactsReady: fallback.EmergencyContactsReady,
		HotlineAccessReady:     fallback.HotlineAccessReady,
	}.Encode()
	if err != nil {
		c.logger.Error("encode crisis snapshot failed", zap.Error(err))
		return
	}
	if err := c.store.Save(ctx, SnapshotKey, data); err != nil {
		c.metrics.Count("crisis.persist_failed", 1)
		c.logger.Warn("persist crisis snapshot failed", zap.Error(err))
	}
}
