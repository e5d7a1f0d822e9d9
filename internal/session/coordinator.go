// Package session manages cross-device interactive sessions and the handoff
// of their ownership between devices.
//
// A handoff runs five sub-transfers in order and commits the new owner only
// after all of them succeed. Progress updates are monotonic; replaying an
// update is a no-op.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/roach88/crossdevice/internal/conflict"
	"github.com/roach88/crossdevice/internal/device"
	"github.com/roach88/crossdevice/internal/distribution"
	"github.com/roach88/crossdevice/internal/ir"
	"github.com/roach88/crossdevice/internal/keylock"
	"github.com/roach88/crossdevice/internal/ports"
	"github.com/roach88/crossdevice/internal/syncerr"
)

// Devices is the registry view the coordinator needs.
type Devices interface {
	Get(id string) (device.Device, bool)
}

// Placer chooses a device for an operation.
type Placer interface {
	Select(req distribution.Request) (distribution.Selection, error)
}

// Transferer performs one handoff sub-transfer.
type Transferer interface {
	Transfer(ctx context.Context, t Transfer) error
}

// Detector opens conflicts for divergent state reports.
type Detector interface {
	Detect(r conflict.Report) (conflict.Conflict, bool, error)
}

// Config holds coordinator tunables.
type Config struct {
	// HandoffTimeout bounds all five sub-transfers together.
	HandoffTimeout time.Duration
}

// DefaultConfig returns the default session configuration.
func DefaultConfig() Config {
	return Config{HandoffTimeout: 10 * time.Second}
}

// ArchiveKey is the store key of an archived session.
func ArchiveKey(id string) string { return "session/" + id }

// Coordinator owns all sessions.
//
// Thread-safety model:
//   - operations on one session hold its per-ID lock, including handoff I/O
//   - the session map is guarded by a short mutex; readers get copies
type Coordinator struct {
	mu       sync.Mutex
	sessions map[string]*Session
	locks    *keylock.Map

	devices  Devices
	transfer Transferer
	placer   Placer
	detector Detector
	store    ports.Store

	cfg     Config
	clock   ports.Clock
	ids     ports.IDGenerator
	metrics ports.Metrics
	logger  *zap.Logger
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithConfig sets tunables.
func WithConfig(cfg Config) Option { return func(c *Coordinator) { c.cfg = cfg } }

// WithPlacer lets cascades pick the handoff target through distribution.
func WithPlacer(p Placer) Option { return func(c *Coordinator) { c.placer = p } }

// WithDetector routes divergent participant reports to conflict detection.
func WithDetector(d Detector) Option { return func(c *Coordinator) { c.detector = d } }

// WithStore archives finished sessions.
func WithStore(s ports.Store) Option { return func(c *Coordinator) { c.store = s } }

// WithClock sets the time source.
func WithClock(clk ports.Clock) Option { return func(c *Coordinator) { c.clock = clk } }

// WithIDGenerator sets the generator for session IDs.
func WithIDGenerator(g ports.IDGenerator) Option { return func(c *Coordinator) { c.ids = g } }

// WithMetrics sets the telemetry sink.
func WithMetrics(m ports.Metrics) Option { return func(c *Coordinator) { c.metrics = m } }

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option { return func(c *Coordinator) { c.logger = l } }

// New creates a Coordinator.
func New(devices Devices, transfer Transferer, opts ...Option) *Coordinator {
	c := &Coordinator{
		sessions: make(map[string]*Session),
		locks:    keylock.New(),
		devices:  devices,
		transfer: transfer,
		cfg:      DefaultConfig(),
		clock:    ports.SystemClock{},
		ids:      ports.UUIDv7Generator{},
		metrics:  ports.NopMetrics{},
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = zap.NewNop()
	}
	return c
}

// Start creates a session owned by req.OwnerID. The owner is always a
// participant.
func (c *Coordinator) Start(ctx context.Context, req StartRequest) (Session, error) {
	if _, ok := c.devices.Get(req.OwnerID); !ok {
		return Session{}, syncerr.NotFound("device", req.OwnerID)
	}
	if req.ID == "" {
		req.ID = c.ids.NewID()
	}
	now := c.clock.Now()
	s := Session{
		ID:              req.ID,
		Kind:            req.Kind,
		OwnerID:         req.OwnerID,
		Participants:    []string{req.OwnerID},
		Progress:        Progress{Total: req.Total, Data: req.Data.Clone()},
		NeedsContinuity: req.NeedsContinuity,
		Status:          StatusActive,
		Handoff:         HandoffIdle,
		StartedAt:       now,
		UpdatedAt:       now,
	}
	if s.Progress.Data == nil {
		s.Progress.Data = ir.Object{}
	}
	for _, p := range req.Participants {
		if !s.HasParticipant(p) {
			s.Participants = append(s.Participants, p)
		}
	}

	c.mu.Lock()
	if _, exists := c.sessions[s.ID]; exists {
		c.mu.Unlock()
		return Session{}, &syncerr.Error{
			Code:      syncerr.CodeInvalidArgument,
			Message:   "session already exists",
			SessionID: s.ID,
		}
	}
	stored := s.clone()
	c.sessions[s.ID] = &stored
	c.mu.Unlock()

	c.metrics.Count("session.started", 1, "kind", s.Kind)
	c.logger.Info("session started",
		zap.String("session_id", s.ID),
		zap.String("owner", s.OwnerID),
		zap.Bool("needs_continuity", s.NeedsContinuity),
	)
	return s, nil
}

// Get returns a copy of a session.
func (c *Coordinator) Get(id string) (Session, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.sessions[id]
	if !ok {
		return Session{}, false
	}
	return s.clone(), true
}

// List returns all sessions ordered by start time.
func (c *Coordinator) List() []Session {
	c.mu.Lock()
	out := make([]Session, 0, len(c.sessions))
	for _, s := range c.sessions {
		out = append(out, s.clone())
	}
	c.mu.Unlock()
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].StartedAt.Before(out[j].StartedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// OwnedBy counts unfinished sessions owned by a device.
func (c *Coordinator) OwnedBy(deviceID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, s := range c.sessions {
		if s.OwnerID == deviceID && !s.Status.Finished() {
			n++
		}
	}
	return n
}

// Join adds a participant.
func (c *Coordinator) Join(ctx context.Context, id, deviceID string) error {
	if _, ok := c.devices.Get(deviceID); !ok {
		return syncerr.NotFound("device", deviceID)
	}
	return c.mutate(id, func(s *Session, now time.Time) error {
		if !s.HasParticipant(deviceID) {
			s.Participants = append(s.Participants, deviceID)
			s.UpdatedAt = now
		}
		return nil
	})
}

// UpdateProgress applies a progress report.
//
// A step or progress value lower than the stored one is rejected with
// CONTINUITY_VIOLATION. An update identical to the stored state changes
// nothing, so replays are safe.
func (c *Coordinator) UpdateProgress(ctx context.Context, id string, u Update) error {
	err := c.mutate(id, func(s *Session, now time.Time) error {
		if s.Status.Finished() {
			return &syncerr.Error{Code: syncerr.CodeInvalidArgument, Message: "session already finished", SessionID: id}
		}
		p := s.Progress
		if u.Step < p.Step || u.Value < p.Value {
			return &syncerr.Error{
				Code:      syncerr.CodeContinuityViolation,
				Message:   "progress moved backwards",
				SessionID: id,
				DeviceID:  s.OwnerID,
				Details: map[string]string{
					"stored_step":    fmt.Sprint(p.Step),
					"stored_value":   fmt.Sprint(p.Value),
					"reported_step":  fmt.Sprint(u.Step),
					"reported_value": fmt.Sprint(u.Value),
				},
			}
		}
		if u.Value > 100 {
			return &syncerr.Error{
				Code:      syncerr.CodeInvalidArgument,
				Message:   "progress value above 100",
				SessionID: id,
			}
		}
		data := u.Data
		if data == nil {
			data = p.Data
		}
		if u.Step == p.Step && u.Value == p.Value && ir.Equal(data, p.Data) {
			return nil
		}
		s.Progress.Step = u.Step
		s.Progress.Value = u.Value
		s.Progress.Data = data.Clone()
		s.UpdatedAt = now
		return nil
	})
	if syncerr.IsContinuityViolation(err) {
		c.metrics.Count("session.continuity_violation", 1)
		c.logger.Warn("continuity violation", zap.String("session_id", id), zap.Error(err))
	}
	return err
}

// CanHandoff reports why a non-emergency handoff to target is not allowed,
// or nil if it is.
func (c *Coordinator) CanHandoff(id, target string) error {
	s, ok := c.Get(id)
	if !ok {
		return syncerr.NotFound("session", id)
	}
	return c.canHandoff(s, target)
}

func (c *Coordinator) canHandoff(s Session, target string) error {
	d, ok := c.devices.Get(target)
	if !ok {
		return syncerr.NotFound("device", target)
	}
	reject := func(msg string) error {
		return &syncerr.Error{
			Code:      syncerr.CodeInvalidArgument,
			Message:   msg,
			SessionID: s.ID,
			DeviceID:  target,
		}
	}
	switch {
	case s.Status.Finished():
		return reject("session is finished")
	case s.Handoff == HandoffTransferring:
		return reject("handoff already in progress")
	case s.OwnerID == target:
		return reject("target already owns the session")
	case !d.Online || !d.Active:
		return reject("target device is not available")
	}
	if limit := d.Quota.MaxActiveSessions; limit > 0 && c.OwnedBy(target) >= limit {
		err := syncerr.CapacityExceeded("active sessions", limit)
		err.SessionID = s.ID
		err.DeviceID = target
		return err
	}
	return nil
}

// Handoff transfers ownership to target.
//
// Non-emergency handoffs are checked with CanHandoff first; emergency
// handoffs only require the target to exist and skip quota gating. All
// five sub-transfers must succeed before the owner changes. On failure
// the session stays with its original owner and HANDOFF_FAILED (or
// TIMEOUT) is returned.
func (c *Coordinator) Handoff(ctx context.Context, id, target string, emergency bool) (HandoffResult, error) {
	unlock := c.locks.Lock(id)
	defer unlock()
	return c.handoffLocked(ctx, id, target, emergency)
}

func (c *Coordinator) handoffLocked(ctx context.Context, id, target string, emergency bool) (HandoffResult, error) {
	s, ok := c.Get(id)
	if !ok {
		return HandoffResult{}, syncerr.NotFound("session", id)
	}
	if emergency {
		if _, ok := c.devices.Get(target); !ok {
			return HandoffResult{}, syncerr.NotFound("device", target)
		}
		if s.Status.Finished() {
			return HandoffResult{}, &syncerr.Error{
				Code: syncerr.CodeInvalidArgument, Message: "session is finished", SessionID: id,
			}
		}
	} else if err := c.canHandoff(s, target); err != nil {
		return HandoffResult{}, err
	}

	began := c.clock.Now()
	c.setHandoff(id, HandoffTransferring)
	c.logger.Info("handoff started",
		zap.String("session_id", id),
		zap.String("from", s.OwnerID),
		zap.String("to", target),
		zap.Bool("emergency", emergency),
	)

	hctx, cancel := context.WithTimeout(ctx, c.cfg.HandoffTimeout)
	defer cancel()

	res := HandoffResult{SessionID: id, From: s.OwnerID, To: target, Emergency: emergency}
	for _, step := range HandoffSteps {
		err := c.transfer.Transfer(hctx, Transfer{
			SessionID: id,
			Step:      step,
			From:      s.OwnerID,
			To:        target,
			Emergency: emergency,
			Session:   s,
		})
		if err == nil && hctx.Err() != nil {
			err = hctx.Err()
		}
		if err != nil {
			return HandoffResult{}, c.abortHandoff(id, s.OwnerID, target, step, err)
		}
		res.Steps = append(res.Steps, step)
	}

	now := c.clock.Now()
	c.mu.Lock()
	if cur, ok := c.sessions[id]; ok {
		cur.OwnerID = target
		if !cur.HasParticipant(target) {
			cur.Participants = append(cur.Participants, target)
		}
		cur.Handoff = HandoffCompleted
		cur.Handoffs++
		cur.UpdatedAt = now
	}
	c.mu.Unlock()

	res.Elapsed = now.Sub(began)
	c.metrics.Timing("session.handoff", res.Elapsed, "emergency", fmt.Sprint(emergency))
	c.logger.Info("handoff committed",
		zap.String("session_id", id),
		zap.String("owner", target),
		zap.Duration("elapsed", res.Elapsed),
	)
	return res, nil
}

func (c *Coordinator) abortHandoff(id, from, to string, step Step, cause error) error {
	state := HandoffFailed
	if errors.Is(cause, context.Canceled) {
		state = HandoffCancelled
	}
	c.setHandoff(id, state)
	c.metrics.Count("session.handoff_failed", 1, "step", string(step))
	c.logger.Warn("handoff aborted",
		zap.String("session_id", id),
		zap.String("owner", from),
		zap.String("target", to),
		zap.String("step", string(step)),
		zap.Error(cause),
	)
	if errors.Is(cause, context.DeadlineExceeded) {
		err := syncerr.Timeout("session handoff", c.cfg.HandoffTimeout, cause)
		err.SessionID = id
		err.DeviceID = to
		err.Details["step"] = string(step)
		return err
	}
	return &syncerr.Error{
		Code:      syncerr.CodeHandoffFailed,
		Message:   "sub-transfer failed",
		SessionID: id,
		DeviceID:  to,
		Details:   map[string]string{"step": string(step)},
		Err:       cause,
	}
}

func (c *Coordinator) setHandoff(id string, state HandoffState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.sessions[id]; ok {
		s.Handoff = state
	}
}

// Pause stores the pausing device. Progress is already persisted by
// UpdateProgress.
func (c *Coordinator) Pause(ctx context.Context, id, deviceID string) error {
	return c.mutate(id, func(s *Session, now time.Time) error {
		if s.Status != StatusActive {
			return &syncerr.Error{Code: syncerr.CodeInvalidArgument, Message: "session is not active", SessionID: id}
		}
		s.Status = StatusPaused
		s.PausedBy = deviceID
		s.UpdatedAt = now
		return nil
	})
}

// Resume continues a paused session on deviceID, handing it off first
// when deviceID is not the owner.
func (c *Coordinator) Resume(ctx context.Context, id, deviceID string) error {
	unlock := c.locks.Lock(id)
	defer unlock()

	s, ok := c.Get(id)
	if !ok {
		return syncerr.NotFound("session", id)
	}
	if s.Status != StatusPaused {
		return &syncerr.Error{Code: syncerr.CodeInvalidArgument, Message: "session is not paused", SessionID: id}
	}
	if deviceID != "" && deviceID != s.OwnerID {
		if _, err := c.handoffLocked(ctx, id, deviceID, false); err != nil {
			return err
		}
	}

	now := c.clock.Now()
	c.mu.Lock()
	if cur, ok := c.sessions[id]; ok {
		cur.Status = StatusActive
		cur.PausedBy = ""
		cur.UpdatedAt = now
	}
	c.mu.Unlock()
	c.logger.Info("session resumed", zap.String("session_id", id), zap.String("device_id", deviceID))
	return nil
}

// Complete finishes a session and archives it.
func (c *Coordinator) Complete(ctx context.Context, id string) error {
	return c.finish(ctx, id, StatusCompleted, "")
}

// End terminates a session with a reason and archives it.
func (c *Coordinator) End(ctx context.Context, id, reason string) error {
	return c.finish(ctx, id, StatusEnded, reason)
}

func (c *Coordinator) finish(ctx context.Context, id string, status Status, reason string) error {
	var snapshot Session
	err := c.mutate(id, func(s *Session, now time.Time) error {
		if s.Status.Finished() {
			return &syncerr.Error{Code: syncerr.CodeInvalidArgument, Message: "session already finished", SessionID: id}
		}
		s.Status = status
		s.EndReason = reason
		s.EndedAt = now
		s.UpdatedAt = now
		snapshot = s.clone()
		return nil
	})
	if err != nil {
		return err
	}
	c.metrics.Count("session.finished", 1, "status", string(status))
	c.logger.Info("session finished",
		zap.String("session_id", id),
		zap.String("status", string(status)),
		zap.String("reason", reason),
	)
	c.archive(ctx, snapshot)
	return nil
}

func (c *Coordinator) archive(ctx context.Context, s Session) {
	if c.store == nil {
		return
	}
	data, err := json.Marshal(s)
	if err != nil {
		c.logger.Error("encode session archive failed", zap.String("session_id", s.ID), zap.Error(err))
		return
	}
	if err := c.store.Save(ctx, ArchiveKey(s.ID), data); err != nil {
		c.logger.Warn("archive session failed", zap.String("session_id", s.ID), zap.Error(err))
	}
}

// LoadArchived reads an archived session from a store.
func LoadArchived(ctx context.Context, store ports.Store, id string) (Session, error) {
	data, err := store.Load(ctx, ArchiveKey(id))
	if errors.Is(err, ports.ErrKeyNotFound) {
		return Session{}, syncerr.NotFound("session", id)
	}
	if err != nil {
		return Session{}, fmt.Errorf("load session archive: %w", err)
	}
	var s Session
	if err := json.Unmarshal(data, &s); err != nil {
		return Session{}, fmt.Errorf("decode session archive: %w", err)
	}
	return s, nil
}

// DeviceRemoved cascades a device removal into its sessions.
//
// Sessions owned by the removed device are handed off in emergency mode to
// another online participant when continuity is required; otherwise, or
// when no such participant exists or the handoff fails, they end with
// reason device_removed. Sessions where the device was only a participant
// drop it from the participant set.
func (c *Coordinator) DeviceRemoved(ctx context.Context, deviceID string) {
	for _, s := range c.List() {
		if s.Status.Finished() || !s.HasParticipant(deviceID) {
			continue
		}
		if s.OwnerID != deviceID {
			_ = c.mutate(s.ID, func(cur *Session, now time.Time) error {
				cur.Participants = without(cur.Participants, deviceID)
				cur.UpdatedAt = now
				return nil
			})
			continue
		}

		if s.NeedsContinuity {
			if target := c.continuityTarget(s, deviceID); target != "" {
				if _, err := c.Handoff(ctx, s.ID, target, true); err == nil {
					_ = c.mutate(s.ID, func(cur *Session, now time.Time) error {
						cur.Participants = without(cur.Participants, deviceID)
						return nil
					})
					c.metrics.Count("session.rescued", 1)
					continue
				}
			}
		}
		if err := c.End(ctx, s.ID, ReasonDeviceRemoved); err != nil && !syncerr.IsNotFound(err) {
			c.logger.Warn("end session after removal failed", zap.String("session_id", s.ID), zap.Error(err))
		}
	}
}

// continuityTarget picks an online participant other than the removed
// device, asking the placer first so strategy preferences apply.
func (c *Coordinator) continuityTarget(s Session, removed string) string {
	online := make(map[string]bool)
	var ordered []string
	for _, p := range s.Participants {
		if p == removed {
			continue
		}
		if d, ok := c.devices.Get(p); ok && d.Online {
			online[p] = true
			ordered = append(ordered, p)
		}
	}
	if len(ordered) == 0 {
		return ""
	}
	if c.placer != nil {
		sel, err := c.placer.Select(distribution.Request{EntityType: "session", Exclude: []string{removed}})
		if err == nil && online[sel.DeviceID] {
			return sel.DeviceID
		}
	}
	return ordered[0]
}

// Reconcile compares a participant's view of the session against the
// stored state and opens a conflict when they diverge.
func (c *Coordinator) Reconcile(ctx context.Context, id string, remote conflict.Snapshot) (conflict.Conflict, bool, error) {
	if c.detector == nil {
		return conflict.Conflict{}, false, nil
	}
	s, ok := c.Get(id)
	if !ok {
		return conflict.Conflict{}, false, syncerr.NotFound("session", id)
	}
	local := conflict.Snapshot{
		DeviceID:  s.OwnerID,
		Version:   int64(s.Progress.Step),
		Timestamp: s.UpdatedAt,
		Priority:  5,
		Payload:   conflict.SessionData{Fields: progressFields(s.Progress)},
	}
	return c.detector.Detect(conflict.Report{
		EntityType: "session",
		EntityID:   id,
		Local:      local,
		Remotes:    []conflict.Snapshot{remote},
	})
}

// progressFields renders progress as session-data fields.
func progressFields(p Progress) ir.Object {
	fields := p.Data.Clone()
	if fields == nil {
		fields = ir.Object{}
	}
	fields["step"] = ir.Int(p.Step)
	fields["total"] = ir.Int(p.Total)
	fields["value"] = ir.Int(p.Value)
	return fields
}

// mutate applies fn under the session's per-ID lock.
func (c *Coordinator) mutate(id string, fn func(s *Session, now time.Time) error) error {
	unlock := c.locks.Lock(id)
	defer unlock()

	c.mu.Lock()
	cur, ok := c.sessions[id]
	if !ok {
		c.mu.Unlock()
		return syncerr.NotFound("session", id)
	}
	next := cur.clone()
	c.mu.Unlock()

	if err := fn(&next, c.clock.Now()); err != nil {
		return err
	}

	c.mu.Lock()
	c.sessions[id] = &next
	c.mu.Unlock()
	return nil
}

func without(ids []string, drop string) []string {
	out := ids[:0:0]
	for _, id := range ids {
		if id != drop {
			out = append(out, id)
		}
	}
	return out
}
