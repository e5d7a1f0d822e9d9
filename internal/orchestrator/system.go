package orchestrator

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/roach88/crossdevice/internal/config"
	"github.com/roach88/crossdevice/internal/conflict"
	"github.com/roach88/crossdevice/internal/crisis"
	"github.com/roach88/crossdevice/internal/device"
	"github.com/roach88/crossdevice/internal/distribution"
	"github.com/roach88/crossdevice/internal/optrack"
	"github.com/roach88/crossdevice/internal/ports"
	"github.com/roach88/crossdevice/internal/session"
	"github.com/roach88/crossdevice/internal/store"
)

// Deps are the external collaborators of a System.
type Deps struct {
	// Transport is required.
	Transport ports.Transport

	// Store persists devices, audit entries, archived operations and
	// sessions, and the crisis snapshot. Nil keeps everything in memory.
	Store *store.Store

	Encryptor ports.Encryptor
	Clock     ports.Clock
	IDs       ports.IDGenerator
	Metrics   ports.Metrics
	Logger    *zap.Logger
}

// System is the fully wired engine: every coordinator, constructed
// explicitly and connected through registry hooks.
type System struct {
	Registry     *device.Registry
	Tracker      *optrack.Tracker
	Distribution *distribution.Engine
	Conflicts    *conflict.Engine
	Sessions     *session.Coordinator
	Crisis       *crisis.Coordinator
	Orchestrator *Orchestrator

	logger *zap.Logger
}

// NewSystem builds a System from configuration.
//
// Device removal hands continuity sessions off, fails work pinned to the
// device and clears its load and quota accounting. Offline and online
// transitions park and release pinned work.
func NewSystem(cfg config.Config, deps Deps) (*System, error) {
	if deps.Transport == nil {
		return nil, errors.New("system requires a transport")
	}
	if deps.Encryptor == nil {
		deps.Encryptor = ports.PassthroughEncryptor{}
	}
	if deps.Clock == nil {
		deps.Clock = ports.SystemClock{}
	}
	if deps.IDs == nil {
		deps.IDs = ports.UUIDv7Generator{}
	}
	if deps.Metrics == nil {
		deps.Metrics = ports.NopMetrics{}
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	log := deps.Logger

	regOpts := []device.Option{
		device.WithConfig(cfg.RegistryConfig()),
		device.WithClock(deps.Clock),
		device.WithIDGenerator(deps.IDs),
		device.WithMetrics(deps.Metrics),
		device.WithLogger(log.Named("registry")),
	}
	trkOpts := []optrack.Option{
		optrack.WithConfig(cfg.TrackerConfig()),
		optrack.WithClock(deps.Clock),
		optrack.WithMetrics(deps.Metrics),
		optrack.WithLogger(log.Named("tracker")),
		optrack.WithAlertHandler(func(a optrack.Alert) {
			log.Warn("performance alert",
				zap.String("severity", string(a.Severity)),
				zap.String("kind", string(a.Kind)),
				zap.String("operation_id", a.OperationID),
				zap.Duration("elapsed", a.Elapsed),
				zap.Duration("limit", a.Limit),
			)
		}),
	}
	cflOpts := []conflict.Option{
		conflict.WithConfig(cfg.ConflictConfig()),
		conflict.WithClock(deps.Clock),
		conflict.WithIDGenerator(deps.IDs),
		conflict.WithMetrics(deps.Metrics),
		conflict.WithLogger(log.Named("conflict")),
	}
	var kv ports.Store
	if deps.Store != nil {
		kv = deps.Store
		regOpts = append(regOpts, device.WithRepository(deps.Store))
		trkOpts = append(trkOpts, optrack.WithArchive(deps.Store))
		cflOpts = append(cflOpts, conflict.WithAuditSink(deps.Store))
	}

	reg := device.NewRegistry(regOpts...)
	tracker := optrack.New(trkOpts...)
	cflOpts = append(cflOpts, conflict.WithOperations(tracker))
	conflicts := conflict.New(cflOpts...)

	placer := distribution.New(reg,
		distribution.WithPolicy(cfg.Distribution),
		distribution.WithMetrics(deps.Metrics),
		distribution.WithLogger(log.Named("distribution")),
	)

	sesOpts := []session.Option{
		session.WithConfig(cfg.SessionConfig()),
		session.WithPlacer(placer),
		session.WithDetector(conflicts),
		session.WithClock(deps.Clock),
		session.WithIDGenerator(deps.IDs),
		session.WithMetrics(deps.Metrics),
		session.WithLogger(log.Named("session")),
	}
	if kv != nil {
		sesOpts = append(sesOpts, session.WithStore(kv))
	}
	sessions := session.New(reg, session.NewTransportTransferer(deps.Transport, deps.Encryptor), sesOpts...)

	orch := New(reg, tracker, placer, deps.Transport,
		WithConfig(ConfigFrom(cfg)),
		WithConflicts(conflicts),
		WithEncryptor(deps.Encryptor),
		WithClock(deps.Clock),
		WithIDGenerator(deps.IDs),
		WithMetrics(deps.Metrics),
		WithLogger(log.Named("orchestrator")),
	)

	crsOpts := []crisis.Option{
		crisis.WithConfig(cfg.CrisisConfig()),
		crisis.WithPinner(orch),
		crisis.WithSessions(sessions),
		crisis.WithEncryptor(deps.Encryptor),
		crisis.WithClock(deps.Clock),
		crisis.WithMetrics(deps.Metrics),
		crisis.WithLogger(log.Named("crisis")),
	}
	if kv != nil {
		crsOpts = append(crsOpts, crisis.WithStore(kv))
	}
	crisisCoord := crisis.New(reg, deps.Transport, crsOpts...)
	orch.fallback = crisisCoord

	reg.OnRemoved(func(ctx context.Context, d device.Device) {
		orch.DeviceRemoved(ctx, d.ID)
		sessions.DeviceRemoved(ctx, d.ID)
	})
	reg.OnOffline(func(ctx context.Context, d device.Device) {
		orch.DeviceOffline(ctx, d.ID)
	})
	reg.OnOnline(func(ctx context.Context, d device.Device) {
		orch.DeviceOnline(ctx, d.ID)
	})

	return &System{
		Registry:     reg,
		Tracker:      tracker,
		Distribution: placer,
		Conflicts:    conflicts,
		Sessions:     sessions,
		Crisis:       crisisCoord,
		Orchestrator: orch,
		logger:       log,
	}, nil
}

// Restore reloads persisted devices.
func (s *System) Restore(ctx context.Context) (int, error) {
	return s.Registry.Restore(ctx)
}

// ApplyConfig swaps the hot-reloadable parts of cfg into the running
// system. Today that is the distribution policy.
func (s *System) ApplyConfig(cfg config.Config) {
	if err := s.Distribution.SetPolicy(cfg.Distribution); err != nil {
		s.logger.Warn("distribution policy rejected", zap.Error(err))
	}
}

// WatchConfig reloads path on change until ctx is done.
func (s *System) WatchConfig(ctx context.Context, path string) error {
	w, err := config.NewWatcher(path, s.ApplyConfig, config.WithWatchLogger(s.logger.Named("config")))
	if err != nil {
		return err
	}
	return w.Run(ctx)
}

// Run drives the orchestrator until ctx is done.
func (s *System) Run(ctx context.Context) error {
	return s.Orchestrator.Run(ctx)
}
