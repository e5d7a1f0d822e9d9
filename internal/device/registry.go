package device

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/roach88/crossdevice/internal/keylock"
	"github.com/roach88/crossdevice/internal/ports"
	"github.com/roach88/crossdevice/internal/syncerr"
)

// Repository persists device snapshots.
type Repository interface {
	SaveDevice(ctx context.Context, d Device) error
	DeleteDevice(ctx context.Context, id string) error
	LoadDevices(ctx context.Context) ([]Device, error)
}

// Config holds registry limits and liveness windows.
type Config struct {
	// MaxDevices caps registrations; further ones fail with CAPACITY_EXCEEDED.
	MaxDevices int

	// OfflineAfter marks a silent device offline during Sweep.
	OfflineAfter time.Duration

	// UnreachableAfter removes a silent device during Sweep.
	UnreachableAfter time.Duration
}

// DefaultConfig returns the default registry configuration.
func DefaultConfig() Config {
	return Config{
		MaxDevices:       10,
		OfflineAfter:     2 * time.Minute,
		UnreachableAfter: 7 * 24 * time.Hour,
	}
}

// Hook receives a device snapshot after a lifecycle change.
type Hook func(ctx context.Context, d Device)

// Registry tracks known devices.
//
// Thread-safety model:
//   - mutations of one device are serialized by a per-ID lock
//   - the device map is guarded by a short RWMutex; readers get copies
//   - hooks run after all locks are released
type Registry struct {
	mu      sync.RWMutex
	devices map[string]*Device
	seq     int64
	localID string

	locks   *keylock.Map
	cfg     Config
	clock   ports.Clock
	ids     ports.IDGenerator
	repo    Repository
	metrics ports.Metrics
	logger  *zap.Logger

	hookMu    sync.RWMutex
	onRemoved []Hook
	onOffline []Hook
	onOnline  []Hook
}

// Option configures a Registry.
type Option func(*Registry)

// WithConfig sets limits and liveness windows.
func WithConfig(cfg Config) Option { return func(r *Registry) { r.cfg = cfg } }

// WithClock sets the time source.
func WithClock(c ports.Clock) Option { return func(r *Registry) { r.clock = c } }

// WithIDGenerator sets the generator for devices registered without an ID.
func WithIDGenerator(g ports.IDGenerator) Option { return func(r *Registry) { r.ids = g } }

// WithRepository persists every mutation.
func WithRepository(repo Repository) Option { return func(r *Registry) { r.repo = repo } }

// WithMetrics sets the telemetry sink.
func WithMetrics(m ports.Metrics) Option { return func(r *Registry) { r.metrics = m } }

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option { return func(r *Registry) { r.logger = l } }

// NewRegistry creates an empty registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		devices: make(map[string]*Device),
		locks:   keylock.New(),
		cfg:     DefaultConfig(),
		clock:   ports.SystemClock{},
		ids:     ports.UUIDv7Generator{},
		metrics: ports.NopMetrics{},
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		r.logger = zap.NewNop()
	}
	return r
}

// OnRemoved registers a hook fired after a device is removed.
func (r *Registry) OnRemoved(h Hook) {
	r.hookMu.Lock()
	defer r.hookMu.Unlock()
	r.onRemoved = append(r.onRemoved, h)
}

// OnOffline registers a hook fired when a device goes offline.
func (r *Registry) OnOffline(h Hook) {
	r.hookMu.Lock()
	defer r.hookMu.Unlock()
	r.onOffline = append(r.onOffline, h)
}

// OnOnline registers a hook fired when a device comes back online.
func (r *Registry) OnOnline(h Hook) {
	r.hookMu.Lock()
	defer r.hookMu.Unlock()
	r.onOnline = append(r.onOnline, h)
}

// Register adds a device and returns its ID.
//
// Re-registering a known ID refreshes its info and marks it online.
// A new device beyond MaxDevices fails with CAPACITY_EXCEEDED.
func (r *Registry) Register(ctx context.Context, info Info) (string, error) {
	if info.ID == "" {
		info.ID = r.ids.NewID()
	}
	if info.Subscription == "" {
		info.Subscription = TierTrial
	}
	if info.Capabilities.Compute == 0 {
		info.Capabilities.Compute = ComputeMedium
	}

	unlock := r.locks.Lock(info.ID)
	now := r.clock.Now()

	r.mu.Lock()
	existing, known := r.devices[info.ID]
	if !known && r.cfg.MaxDevices > 0 && len(r.devices) >= r.cfg.MaxDevices {
		r.mu.Unlock()
		unlock()
		r.metrics.Count("device.rejected", 1, "reason", "capacity")
		err := syncerr.CapacityExceeded("devices", r.cfg.MaxDevices)
		err.DeviceID = info.ID
		return "", err
	}

	var d Device
	if known {
		d = *existing
	} else {
		r.seq++
		d = Device{ID: info.ID, Seq: r.seq, RegisteredAt: now}
	}
	wasOnline := known && d.Online
	d.Name = info.Name
	d.Platform = info.Platform
	d.Capabilities = info.Capabilities
	d.Subscription = info.Subscription
	d.Quota = QuotaFor(info.Subscription)
	d.Local = info.Local
	d.Online = true
	d.Active = true
	d.LastSeen = now
	if err := stamp(&d); err != nil {
		r.mu.Unlock()
		unlock()
		return "", err
	}
	r.devices[d.ID] = &d
	var demotedID string
	if info.Local {
		demotedID = r.setLocalLocked(d.ID)
	}
	r.electPrimaryLocked()
	snapshot := *r.devices[d.ID]
	var demoted Device
	if demotedID != "" {
		demoted = *r.devices[demotedID]
	}
	r.mu.Unlock()
	r.persist(ctx, snapshot)
	if demotedID != "" {
		r.persist(ctx, demoted)
		r.logger.Info("local device demoted", zap.String("device_id", demotedID))
	}
	unlock()

	r.metrics.Count("device.registered", 1, "platform", string(d.Platform))
	r.logger.Info("device registered",
		zap.String("device_id", d.ID),
		zap.String("platform", string(d.Platform)),
		zap.String("tier", string(d.Subscription)),
		zap.Bool("primary", snapshot.Primary),
	)
	if known && !wasOnline {
		r.fire(ctx, r.onlineHooks(), snapshot)
	}
	return d.ID, nil
}

// setLocalLocked marks id as the local device and returns the ID of the
// device it demoted, if any. Caller holds r.mu.
func (r *Registry) setLocalLocked(id string) string {
	prevID := r.localID
	r.localID = id
	if prevID == "" || prevID == id {
		return ""
	}
	prev, ok := r.devices[prevID]
	if !ok {
		return ""
	}
	d := *prev
	d.Local = false
	if err := stamp(&d); err != nil {
		r.logger.Warn("demote local device failed", zap.String("device_id", prevID), zap.Error(err))
		return ""
	}
	r.devices[prevID] = &d
	return prevID
}

// Update applies a partial state change.
func (r *Registry) Update(ctx context.Context, id string, patch Patch) error {
	unlock := r.locks.Lock(id)

	r.mu.Lock()
	cur, ok := r.devices[id]
	if !ok {
		r.mu.Unlock()
		unlock()
		return syncerr.NotFound("device", id)
	}
	d := *cur
	wasOnline := d.Online

	if patch.Name != nil {
		d.Name = *patch.Name
	}
	if patch.Capabilities != nil {
		d.Capabilities = *patch.Capabilities
	}
	if patch.BatteryLevel != nil {
		d.Capabilities.BatteryLevel = clampPercent(*patch.BatteryLevel)
	}
	if patch.Network != nil {
		d.Capabilities.Network = *patch.Network
	}
	if patch.Subscription != nil {
		d.Subscription = *patch.Subscription
		d.Quota = QuotaFor(d.Subscription)
	}
	if patch.Active != nil {
		d.Active = *patch.Active
	}
	if patch.Online != nil {
		d.Online = *patch.Online
	}
	if d.Online {
		d.LastSeen = r.clock.Now()
	}
	if err := stamp(&d); err != nil {
		r.mu.Unlock()
		unlock()
		return err
	}
	r.devices[id] = &d
	if patch.Subscription != nil {
		r.electPrimaryLocked()
	}
	snapshot := *r.devices[id]
	r.mu.Unlock()
	r.persist(ctx, snapshot)
	unlock()

	r.metrics.Count("device.updated", 1)

	switch {
	case wasOnline && !snapshot.Online:
		r.logger.Info("device offline", zap.String("device_id", id))
		r.fire(ctx, r.offlineHooks(), snapshot)
	case !wasOnline && snapshot.Online:
		r.logger.Info("device online", zap.String("device_id", id))
		r.fire(ctx, r.onlineHooks(), snapshot)
	}
	return nil
}

// Heartbeat records liveness and marks the device online.
func (r *Registry) Heartbeat(ctx context.Context, id string) error {
	return r.Update(ctx, id, Patch{Online: Bool(true)})
}

// Remove deletes a device. If it was primary a new primary is elected.
// OnRemoved hooks run after the device is gone.
func (r *Registry) Remove(ctx context.Context, id string) error {
	unlock := r.locks.Lock(id)

	r.mu.Lock()
	cur, ok := r.devices[id]
	if !ok {
		r.mu.Unlock()
		unlock()
		return syncerr.NotFound("device", id)
	}
	removed := *cur
	delete(r.devices, id)
	if r.localID == id {
		r.localID = ""
	}
	if removed.Primary {
		r.electPrimaryLocked()
	}
	r.mu.Unlock()

	if r.repo != nil {
		if err := r.repo.DeleteDevice(ctx, id); err != nil {
			r.metrics.Count("device.persist_failed", 1)
			r.logger.Warn("delete device record failed", zap.String("device_id", id), zap.Error(err))
		}
	}
	unlock()

	r.metrics.Count("device.removed", 1)
	r.logger.Info("device removed", zap.String("device_id", id), zap.Bool("was_primary", removed.Primary))

	removed.Online = false
	r.fire(ctx, r.removedHooks(), removed)
	return nil
}

// Get returns a snapshot of one device.
func (r *Registry) Get(id string) (Device, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.devices[id]
	if !ok {
		return Device{}, false
	}
	return *d, true
}

// List returns all devices in registration order.
func (r *Registry) List() []Device {
	r.mu.RLock()
	out := make([]Device, 0, len(r.devices))
	for _, d := range r.devices {
		out = append(out, *d)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out
}

// ListOnline returns online devices in registration order.
func (r *Registry) ListOnline() []Device {
	all := r.List()
	out := all[:0]
	for _, d := range all {
		if d.Online {
			out = append(out, d)
		}
	}
	return out
}

// Count returns the number of registered devices.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.devices)
}

// Primary returns the elected primary device.
func (r *Registry) Primary() (Device, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, d := range r.devices {
		if d.Primary {
			return *d, true
		}
	}
	return Device{}, false
}

// LocalID returns the ID of the device this process runs on, or "".
func (r *Registry) LocalID() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.localID
}

// Verify compares a reported checksum against the canonical copy.
func (r *Registry) Verify(id, checksum string) error {
	d, ok := r.Get(id)
	if !ok {
		return syncerr.NotFound("device", id)
	}
	if d.Checksum != checksum {
		r.metrics.Count("device.integrity_mismatch", 1)
		return syncerr.IntegrityMismatch(id, d.Checksum, checksum)
	}
	return nil
}

// Sweep marks silent devices offline and removes long-unreachable ones.
// The local device is never swept. Returns the affected IDs.
func (r *Registry) Sweep(ctx context.Context, now time.Time) (offline, removed []string) {
	for _, d := range r.List() {
		if d.Local {
			continue
		}
		silent := now.Sub(d.LastSeen)
		switch {
		case r.cfg.UnreachableAfter > 0 && silent > r.cfg.UnreachableAfter:
			if err := r.Remove(ctx, d.ID); err == nil {
				removed = append(removed, d.ID)
			}
		case d.Online && r.cfg.OfflineAfter > 0 && silent > r.cfg.OfflineAfter:
			if err := r.Update(ctx, d.ID, Patch{Online: Bool(false)}); err == nil {
				offline = append(offline, d.ID)
			}
		}
	}
	return offline, removed
}

// Restore loads persisted devices, verifying each stored checksum.
// Devices whose checksum does not match are skipped and reported as
// INTEGRITY_MISMATCH errors; the rest are restored offline until they
// check in.
func (r *Registry) Restore(ctx context.Context) (int, error) {
	if r.repo == nil {
		return 0, nil
	}
	stored, err := r.repo.LoadDevices(ctx)
	if err != nil {
		return 0, fmt.Errorf("load devices: %w", err)
	}

	var errs []error
	restored := 0
	r.mu.Lock()
	for _, d := range stored {
		sum, err := d.ComputeChecksum()
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if sum != d.Checksum {
			errs = append(errs, syncerr.IntegrityMismatch(d.ID, d.Checksum, sum))
			continue
		}
		dev := d
		if !dev.Local {
			dev.Online = false
			if err := stamp(&dev); err != nil {
				errs = append(errs, err)
				continue
			}
		}
		r.devices[dev.ID] = &dev
		if dev.Seq > r.seq {
			r.seq = dev.Seq
		}
		if dev.Local {
			r.localID = dev.ID
		}
		restored++
	}
	r.electPrimaryLocked()
	r.mu.Unlock()

	r.logger.Info("devices restored", zap.Int("count", restored), zap.Int("rejected", len(errs)))
	return restored, errors.Join(errs...)
}

// electPrimaryLocked picks the highest subscription tier, oldest first.
// Caller holds r.mu.
func (r *Registry) electPrimaryLocked() {
	var best *Device
	for _, d := range r.devices {
		if best == nil ||
			d.Subscription.Rank() > best.Subscription.Rank() ||
			(d.Subscription.Rank() == best.Subscription.Rank() && d.Seq < best.Seq) {
			best = d
		}
	}
	for _, d := range r.devices {
		d.Primary = best != nil && d.ID == best.ID
	}
}

func (r *Registry) persist(ctx context.Context, d Device) {
	if r.repo == nil {
		return
	}
	if err := r.repo.SaveDevice(ctx, d); err != nil {
		r.metrics.Count("device.persist_failed", 1)
		r.logger.Warn("persist device failed", zap.String("device_id", d.ID), zap.Error(err))
	}
}

func (r *Registry) removedHooks() []Hook {
	r.hookMu.RLock()
	defer r.hookMu.RUnlock()
	return append([]Hook(nil), r.onRemoved...)
}

func (r *Registry) offlineHooks() []Hook {
	r.hookMu.RLock()
	defer r.hookMu.RUnlock()
	return append([]Hook(nil), r.onOffline...)
}

func (r *Registry) onlineHooks() []Hook {
	r.hookMu.RLock()
	defer r.hookMu.RUnlock()
	return append([]Hook(nil), r.onOnline...)
}

func (r *Registry) fire(ctx context.Context, hooks []Hook, d Device) {
	for _, h := range hooks {
		h(ctx, d)
	}
}

// stamp bumps the state version and recomputes the checksum.
func stamp(d *Device) error {
	d.StateVersion++
	sum, err := d.ComputeChecksum()
	if err != nil {
		return fmt.Errorf("checksum device %s: %w", d.ID, err)
	}
	d.Checksum = sum
	return nil
}

func clampPercent(n int) int {
	return max(0, min(100, n))
}
