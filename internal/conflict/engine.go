// Package conflict detects divergence between per-device states of the same
// entity and resolves it by a strategy chosen from the data involved.
//
// Conflicts move through pending -> in_progress -> resolved | failed.
// A resolution that misses its deadline is abandoned and the conflict
// returns to pending for the next cycle. Resolved and expired conflicts
// move to a bounded history.
package conflict

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/roach88/crossdevice/internal/optrack"
	"github.com/roach88/crossdevice/internal/ports"
	"github.com/roach88/crossdevice/internal/syncerr"
)

// AuditSink persists resolution audit entries.
type AuditSink interface {
	RecordAudit(ctx context.Context, entry AuditEntry) error
}

// OperationLookup provides operation context for audit entries.
type OperationLookup interface {
	Get(id string) (optrack.Operation, bool)
}

// Config holds conflict engine tunables.
type Config struct {
	// SkewTolerance is the timestamp difference above which reports
	// conflict regardless of content.
	SkewTolerance time.Duration

	// ConcurrentWindow is the timestamp difference below which divergent
	// edits count as concurrent.
	ConcurrentWindow time.Duration

	// ResolutionTimeout bounds normal resolutions.
	ResolutionTimeout time.Duration

	// CrisisResolutionTimeout bounds resolutions of crisis-adjacent data.
	CrisisResolutionTimeout time.Duration

	// HistorySize caps the resolved-conflict history.
	HistorySize int

	// TTL expires pending conflicts that were never resolved.
	TTL time.Duration
}

// DefaultConfig returns the default conflict configuration.
func DefaultConfig() Config {
	return Config{
		SkewTolerance:           60 * time.Second,
		ConcurrentWindow:        time.Second,
		ResolutionTimeout:       10 * time.Second,
		CrisisResolutionTimeout: 30 * time.Second,
		HistorySize:             100,
		TTL:                     24 * time.Hour,
	}
}

// Engine owns active conflicts and their history.
//
// Thread-safety: all methods are safe for concurrent use. Resolution work
// runs outside the engine lock; the conflict is marked in_progress so a
// second Resolve of the same conflict is rejected.
type Engine struct {
	mu      sync.Mutex
	active  map[string]*Conflict
	byKey   map[string]string // entityType/entityID -> conflict ID
	history []Conflict

	cfg     Config
	clock   ports.Clock
	ids     ports.IDGenerator
	audit   AuditSink
	ops     OperationLookup
	metrics ports.Metrics
	logger  *zap.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithConfig sets tunables.
func WithConfig(cfg Config) Option { return func(e *Engine) { e.cfg = cfg } }

// WithClock sets the time source.
func WithClock(c ports.Clock) Option { return func(e *Engine) { e.clock = c } }

// WithIDGenerator sets the generator for conflict and audit IDs.
func WithIDGenerator(g ports.IDGenerator) Option { return func(e *Engine) { e.ids = g } }

// WithAuditSink persists an audit entry for every resolution.
func WithAuditSink(s AuditSink) Option { return func(e *Engine) { e.audit = s } }

// WithOperations supplies operation context for audit entries.
func WithOperations(o OperationLookup) Option { return func(e *Engine) { e.ops = o } }

// WithMetrics sets the telemetry sink.
func WithMetrics(m ports.Metrics) Option { return func(e *Engine) { e.metrics = m } }

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option { return func(e *Engine) { e.logger = l } }

// New creates an Engine.
func New(opts ...Option) *Engine {
	e := &Engine{
		active:  make(map[string]*Conflict),
		byKey:   make(map[string]string),
		cfg:     DefaultConfig(),
		clock:   ports.SystemClock{},
		ids:     ports.UUIDv7Generator{},
		metrics: ports.NopMetrics{},
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = zap.NewNop()
	}
	return e
}

// Get returns an active or historical conflict.
func (e *Engine) Get(id string) (Conflict, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if c, ok := e.active[id]; ok {
		return c.clone(), true
	}
	for i := len(e.history) - 1; i >= 0; i-- {
		if e.history[i].ID == id {
			return e.history[i].clone(), true
		}
	}
	return Conflict{}, false
}

// Pending returns unresolved conflicts ordered by detection time.
func (e *Engine) Pending() []Conflict {
	e.mu.Lock()
	out := make([]Conflict, 0, len(e.active))
	for _, c := range e.active {
		if c.State == StatePending {
			out = append(out, c.clone())
		}
	}
	e.mu.Unlock()
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].DetectedAt.Equal(out[j].DetectedAt) {
			return out[i].DetectedAt.Before(out[j].DetectedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// History returns finished conflicts, oldest first.
func (e *Engine) History() []Conflict {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Conflict, len(e.history))
	for i, c := range e.history {
		out[i] = c.clone()
	}
	return out
}

// Expire fails pending conflicts older than the TTL and returns their IDs.
func (e *Engine) Expire(now time.Time) []string {
	if e.cfg.TTL <= 0 {
		return nil
	}
	e.mu.Lock()
	var expired []string
	for id, c := range e.active {
		if c.State == StatePending && now.Sub(c.DetectedAt) > e.cfg.TTL {
			c.State = StateFailed
			c.FailureReason = "expired"
			c.ResolvedAt = now
			e.retireLocked(id)
			expired = append(expired, id)
		}
	}
	e.mu.Unlock()

	sort.Strings(expired)
	for _, id := range expired {
		e.logger.Info("conflict expired", zap.String("conflict_id", id))
	}
	if len(expired) > 0 {
		e.metrics.Count("conflict.expired", int64(len(expired)))
	}
	return expired
}

// retireLocked moves an active conflict to the bounded history.
// Caller holds e.mu.
func (e *Engine) retireLocked(id string) {
	c, ok := e.active[id]
	if !ok {
		return
	}
	delete(e.active, id)
	key := entityKey(c.EntityType, c.EntityID)
	if e.byKey[key] == id {
		delete(e.byKey, key)
	}
	e.history = append(e.history, c.clone())
	if limit := e.cfg.HistorySize; limit > 0 && len(e.history) > limit {
		e.history = append([]Conflict(nil), e.history[len(e.history)-limit:]...)
	}
}

func entityKey(entityType, entityID string) string {
	return entityType + "/" + entityID
}

func notFound(id string) error {
	return syncerr.NotFound("conflict", id)
}
