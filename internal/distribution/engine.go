// Package distribution chooses the device that executes or receives an
// operation.
//
// Crisis and emergency-bypass requests always resolve to the local device
// regardless of strategy. Other requests are placed by the active Policy,
// which can be swapped at runtime without disturbing in-flight work.
package distribution

import (
	"sort"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/roach88/crossdevice/internal/device"
	"github.com/roach88/crossdevice/internal/ports"
	"github.com/roach88/crossdevice/internal/syncerr"
)

// DeviceSource is the read-only view of the registry the engine needs.
type DeviceSource interface {
	ListOnline() []device.Device
	Primary() (device.Device, bool)
	LocalID() string
}

// Request describes an operation to place.
type Request struct {
	OperationID     string
	EntityType      string
	Crisis          bool
	EmergencyBypass bool

	// Exclude lists devices that must not be chosen, e.g. the sender.
	Exclude []string
}

// Reasons reported in a Selection.
const (
	ReasonCrisisLocal   = "crisis_local"
	ReasonStrategy      = "strategy"
	ReasonRedistributed = "redistributed"
	ReasonFallbackLocal = "fallback_local"
)

// Selection is the outcome of Select.
type Selection struct {
	DeviceID string   `json:"device_id"`
	Strategy Strategy `json:"strategy"`
	Reason   string   `json:"reason"`
}

// Engine places operations on devices.
//
// Thread-safety: all methods are safe for concurrent use. Select reads a
// registry snapshot and the current policy without holding a global lock.
type Engine struct {
	devices DeviceSource
	policy  atomic.Pointer[Policy]
	metrics ports.Metrics
	logger  *zap.Logger

	mu     sync.Mutex
	cursor string
	load   map[string]int
}

// Option configures an Engine.
type Option func(*Engine)

// WithPolicy sets the initial policy.
func WithPolicy(p Policy) Option {
	return func(e *Engine) { e.policy.Store(&p) }
}

// WithMetrics sets the telemetry sink.
func WithMetrics(m ports.Metrics) Option { return func(e *Engine) { e.metrics = m } }

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option { return func(e *Engine) { e.logger = l } }

// New creates an Engine reading devices from src.
func New(src DeviceSource, opts ...Option) *Engine {
	e := &Engine{
		devices: src,
		metrics: ports.NopMetrics{},
		logger:  zap.NewNop(),
		load:    make(map[string]int),
	}
	def := DefaultPolicy()
	e.policy.Store(&def)
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = zap.NewNop()
	}
	return e
}

// Policy returns the active policy.
func (e *Engine) Policy() Policy {
	return *e.policy.Load()
}

// SetPolicy swaps the active policy. Selections already made are not
// revisited.
func (e *Engine) SetPolicy(p Policy) error {
	if err := p.Validate(); err != nil {
		return syncerr.Invalid("%v", err)
	}
	prev := e.policy.Swap(&p)
	e.logger.Info("distribution policy updated",
		zap.String("from", string(prev.Strategy)),
		zap.String("to", string(p.Strategy)),
	)
	e.metrics.Count("distribution.policy_swapped", 1, "strategy", string(p.Strategy))
	return nil
}

// Select chooses the device for a request.
func (e *Engine) Select(req Request) (Selection, error) {
	policy := e.Policy()

	if req.Crisis || req.EmergencyBypass {
		return e.local(policy, ReasonCrisisLocal, req)
	}

	candidates := e.candidates(req, policy)
	if len(candidates) == 0 {
		return e.local(policy, ReasonFallbackLocal, req)
	}

	var ranked []device.Device
	switch policy.Strategy {
	case StrategyRoundRobin:
		return e.roundRobin(policy, candidates), nil
	case StrategyCapabilityBased:
		ranked = rankByCapability(candidates, policy)
	case StrategySubscriptionOptimized:
		ranked = rankBySubscription(candidates)
	case StrategyTherapeuticPriority:
		ranked = e.rankTherapeutic(candidates)
	default:
		ranked = candidates
	}
	if len(ranked) == 0 {
		return e.local(policy, ReasonFallbackLocal, req)
	}

	sel := Selection{DeviceID: ranked[0].ID, Strategy: policy.Strategy, Reason: ReasonStrategy}
	if alt, ok := e.redistribute(ranked, policy); ok {
		sel.DeviceID = alt
		sel.Reason = ReasonRedistributed
	}
	e.metrics.Count("distribution.selected", 1, "strategy", string(policy.Strategy), "reason", sel.Reason)
	return sel, nil
}

// Assign records an in-flight operation on a device.
func (e *Engine) Assign(deviceID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.load[deviceID]++
}

// Release records completion of an in-flight operation on a device.
func (e *Engine) Release(deviceID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.load[deviceID] <= 1 {
		delete(e.load, deviceID)
		return
	}
	e.load[deviceID]--
}

// Load returns the in-flight count for a device.
func (e *Engine) Load(deviceID string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.load[deviceID]
}

// Forget drops load accounting for a removed device.
func (e *Engine) Forget(deviceID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.load, deviceID)
}

func (e *Engine) local(policy Policy, reason string, req Request) (Selection, error) {
	id := e.devices.LocalID()
	if id == "" {
		return Selection{}, &syncerr.Error{
			Code:        syncerr.CodeNotFound,
			Message:     "no local device registered",
			OperationID: req.OperationID,
		}
	}
	e.metrics.Count("distribution.selected", 1, "strategy", string(policy.Strategy), "reason", reason)
	return Selection{DeviceID: id, Strategy: policy.Strategy, Reason: reason}, nil
}

// candidates returns online devices not excluded and below the hard
// per-device cap, in registration order.
func (e *Engine) candidates(req Request, policy Policy) []device.Device {
	skip := make(map[string]bool, len(req.Exclude))
	for _, id := range req.Exclude {
		skip[id] = true
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []device.Device
	for _, d := range e.devices.ListOnline() {
		if skip[d.ID] || !d.Active {
			continue
		}
		if policy.MaxOpsPerDevice > 0 && e.load[d.ID] >= policy.MaxOpsPerDevice {
			continue
		}
		out = append(out, d)
	}
	return out
}

// roundRobin picks the first device ID after the cursor in lexicographic
// order, wrapping around.
func (e *Engine) roundRobin(policy Policy, candidates []device.Device) Selection {
	ids := make([]string, len(candidates))
	for i, d := range candidates {
		ids[i] = d.ID
	}
	sort.Strings(ids)

	e.mu.Lock()
	next := ids[0]
	for _, id := range ids {
		if id > e.cursor {
			next = id
			break
		}
	}
	e.cursor = next
	e.mu.Unlock()

	e.metrics.Count("distribution.selected", 1, "strategy", string(policy.Strategy), "reason", ReasonStrategy)
	return Selection{DeviceID: next, Strategy: policy.Strategy, Reason: ReasonStrategy}
}

// Score is the capability score used by capability-based placement.
func Score(d device.Device, p Policy) int {
	c := d.Capabilities
	return int(c.Compute)*p.ComputeWeight + c.Network.Score()*p.NetworkWeight + c.BatteryLevel*p.BatteryWeight
}

// rankByCapability drops low-compute devices and sorts the rest by score,
// highest first. Ties keep registration order.
func rankByCapability(candidates []device.Device, p Policy) []device.Device {
	var out []device.Device
	for _, d := range candidates {
		if d.Capabilities.Compute > device.ComputeLow {
			out = append(out, d)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return Score(out[i], p) > Score(out[j], p)
	})
	return out
}

// rankBySubscription sorts by tier, highest first, then registration order.
func rankBySubscription(candidates []device.Device) []device.Device {
	out := append([]device.Device(nil), candidates...)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Subscription.Rank() > out[j].Subscription.Rank()
	})
	return out
}

// rankTherapeutic puts the primary first, then the rest in registration
// order.
func (e *Engine) rankTherapeutic(candidates []device.Device) []device.Device {
	primary, ok := e.devices.Primary()
	if !ok {
		return candidates
	}
	out := make([]device.Device, 0, len(candidates))
	for _, d := range candidates {
		if d.ID == primary.ID {
			out = append(out, d)
		}
	}
	for _, d := range candidates {
		if d.ID != primary.ID {
			out = append(out, d)
		}
	}
	return out
}

// redistribute returns the best-ranked device below the load threshold
// when the top-ranked device is above it.
func (e *Engine) redistribute(ranked []device.Device, p Policy) (string, bool) {
	if p.MaxOpsPerDevice <= 0 || p.RedistributionThreshold <= 0 {
		return "", false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	over := func(id string) bool {
		return e.load[id]*100 >= p.MaxOpsPerDevice*p.RedistributionThreshold
	}
	if !over(ranked[0].ID) {
		return "", false
	}
	for _, d := range ranked[1:] {
		if !over(d.ID) {
			return d.ID, true
		}
	}
	return "", false
}
