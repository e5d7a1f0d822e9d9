// Package config loads, validates and hot-reloads engine configuration.
//
// Values come from, in increasing precedence: built-in defaults, a YAML
// file, and CROSSDEVICE_* environment variables (CROSSDEVICE_CRISIS_ACTIVATION_DEADLINE
// overrides crisis.activation_deadline). Durations are written as Go
// duration strings ("200ms", "24h").
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/roach88/crossdevice/internal/conflict"
	"github.com/roach88/crossdevice/internal/crisis"
	"github.com/roach88/crossdevice/internal/device"
	"github.com/roach88/crossdevice/internal/distribution"
	"github.com/roach88/crossdevice/internal/optrack"
	"github.com/roach88/crossdevice/internal/session"
	"github.com/roach88/crossdevice/internal/store"
)

// EnvPrefix prefixes environment overrides.
const EnvPrefix = "CROSSDEVICE"

// Config is the complete engine configuration.
type Config struct {
	Registry     Registry            `mapstructure:"registry"`
	Tracker      Tracker             `mapstructure:"tracker"`
	Distribution distribution.Policy `mapstructure:"distribution"`
	Conflict     Conflict            `mapstructure:"conflict"`
	Session      Session             `mapstructure:"session"`
	Crisis       Crisis              `mapstructure:"crisis"`
	Orchestrator Orchestrator        `mapstructure:"orchestrator"`
	Store        Store               `mapstructure:"store"`
	Log          Log                 `mapstructure:"log"`
}

// Registry configures the device registry.
type Registry struct {
	MaxDevices       int           `mapstructure:"max_devices"`
	OfflineAfter     time.Duration `mapstructure:"offline_after"`
	UnreachableAfter time.Duration `mapstructure:"unreachable_after"`
}

// Tracker configures operation tracking and retries.
type Tracker struct {
	Retention        time.Duration `mapstructure:"retention"`
	CrisisRetention  time.Duration `mapstructure:"crisis_retention"`
	EscalationBudget time.Duration `mapstructure:"escalation_budget"`
	MaxAlerts        int           `mapstructure:"max_alerts"`
	MaxRetries       int           `mapstructure:"max_retries"`
	BaseBackoff      time.Duration `mapstructure:"base_backoff"`
	MaxBackoff       time.Duration `mapstructure:"max_backoff"`
}

// Conflict configures detection and resolution.
type Conflict struct {
	SkewTolerance           time.Duration `mapstructure:"skew_tolerance"`
	ConcurrentWindow        time.Duration `mapstructure:"concurrent_window"`
	ResolutionTimeout       time.Duration `mapstructure:"resolution_timeout"`
	CrisisResolutionTimeout time.Duration `mapstructure:"crisis_resolution_timeout"`
	HistorySize             int           `mapstructure:"history_size"`
	TTL                     time.Duration `mapstructure:"ttl"`
}

// Session configures handoffs.
type Session struct {
	HandoffTimeout time.Duration `mapstructure:"handoff_timeout"`
}

// Crisis configures the crisis fast path.
type Crisis struct {
	ActivationDeadline time.Duration   `mapstructure:"activation_deadline"`
	ResolveDeadline    time.Duration   `mapstructure:"resolve_deadline"`
	Fallback           crisis.Fallback `mapstructure:"fallback"`
}

// Orchestrator configures the sync queue and scheduling loop.
type Orchestrator struct {
	MaxConcurrent    int           `mapstructure:"max_concurrent"`
	MaxQueueSize     int           `mapstructure:"max_queue_size"`
	SyncInterval     time.Duration `mapstructure:"sync_interval"`
	CrisisInterval   time.Duration `mapstructure:"crisis_interval"`
	MaxInterval      time.Duration `mapstructure:"max_interval"`
	LatencyThreshold time.Duration `mapstructure:"latency_threshold"`
	QuotaWindow      time.Duration `mapstructure:"quota_window"`
	SendTimeout      time.Duration `mapstructure:"send_timeout"`
}

// Store configures persistence.
type Store struct {
	Path   string `mapstructure:"path"`
	Driver string `mapstructure:"driver"`
}

// Log configures the logger.
type Log struct {
	Level string `mapstructure:"level"`
}

// Default returns the built-in configuration.
func Default() Config {
	reg := device.DefaultConfig()
	trk := optrack.DefaultConfig()
	cfl := conflict.DefaultConfig()
	crs := crisis.DefaultConfig()
	return Config{
		Registry: Registry{
			MaxDevices:       reg.MaxDevices,
			OfflineAfter:     reg.OfflineAfter,
			UnreachableAfter: reg.UnreachableAfter,
		},
		Tracker: Tracker{
			Retention:        trk.Retention,
			CrisisRetention:  trk.CrisisRetention,
			EscalationBudget: trk.EscalationBudget,
			MaxAlerts:        trk.MaxAlerts,
			MaxRetries:       trk.DefaultRetry.MaxRetries,
			BaseBackoff:      trk.DefaultRetry.BaseBackoff,
			MaxBackoff:       trk.DefaultRetry.MaxBackoff,
		},
		Distribution: distribution.DefaultPolicy(),
		Conflict: Conflict{
			SkewTolerance:           cfl.SkewTolerance,
			ConcurrentWindow:        cfl.ConcurrentWindow,
			ResolutionTimeout:       cfl.ResolutionTimeout,
			CrisisResolutionTimeout: cfl.CrisisResolutionTimeout,
			HistorySize:             cfl.HistorySize,
			TTL:                     cfl.TTL,
		},
		Session: Session{HandoffTimeout: session.DefaultConfig().HandoffTimeout},
		Crisis: Crisis{
			ActivationDeadline: crs.ActivationDeadline,
			ResolveDeadline:    crs.ResolveDeadline,
			Fallback:           crs.Fallback,
		},
		Orchestrator: Orchestrator{
			MaxConcurrent:    10,
			MaxQueueSize:     1000,
			SyncInterval:     5 * time.Second,
			CrisisInterval:   500 * time.Millisecond,
			MaxInterval:      time.Minute,
			LatencyThreshold: 2 * time.Second,
			QuotaWindow:      time.Hour,
			SendTimeout:      5 * time.Second,
		},
		Store: Store{Path: "crossdevice.db", Driver: string(store.DriverCGO)},
		Log:   Log{Level: "info"},
	}
}

// Load reads configuration from path (optional) and the environment,
// then validates it. An empty path uses defaults and environment only.
func Load(path string) (Config, error) {
	v := viper.New()
	setDefaults(v, Default())

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if errors.As(err, &notFound) {
				return Config{}, fmt.Errorf("config file %s not found", path)
			}
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := Validate(c); err != nil {
		return Config{}, err
	}
	return c, nil
}

func setDefaults(v *viper.Viper, d Config) {
	v.SetDefault("registry.max_devices", d.Registry.MaxDevices)
	v.SetDefault("registry.offline_after", d.Registry.OfflineAfter)
	v.SetDefault("registry.unreachable_after", d.Registry.UnreachableAfter)

	v.SetDefault("tracker.retention", d.Tracker.Retention)
	v.SetDefault("tracker.crisis_retention", d.Tracker.CrisisRetention)
	v.SetDefault("tracker.escalation_budget", d.Tracker.EscalationBudget)
	v.SetDefault("tracker.max_alerts", d.Tracker.MaxAlerts)
	v.SetDefault("tracker.max_retries", d.Tracker.MaxRetries)
	v.SetDefault("tracker.base_backoff", d.Tracker.BaseBackoff)
	v.SetDefault("tracker.max_backoff", d.Tracker.MaxBackoff)

	v.SetDefault("distribution.strategy", string(d.Distribution.Strategy))
	v.SetDefault("distribution.compute_weight", d.Distribution.ComputeWeight)
	v.SetDefault("distribution.network_weight", d.Distribution.NetworkWeight)
	v.SetDefault("distribution.battery_weight", d.Distribution.BatteryWeight)
	v.SetDefault("distribution.max_ops_per_device", d.Distribution.MaxOpsPerDevice)
	v.SetDefault("distribution.redistribution_threshold", d.Distribution.RedistributionThreshold)

	v.SetDefault("conflict.skew_tolerance", d.Conflict.SkewTolerance)
	v.SetDefault("conflict.concurrent_window", d.Conflict.ConcurrentWindow)
	v.SetDefault("conflict.resolution_timeout", d.Conflict.ResolutionTimeout)
	v.SetDefault("conflict.crisis_resolution_timeout", d.Conflict.CrisisResolutionTimeout)
	v.SetDefault("conflict.history_size", d.Conflict.HistorySize)
	v.SetDefault("conflict.ttl", d.Conflict.TTL)

	v.SetDefault("session.handoff_timeout", d.Session.HandoffTimeout)

	v.SetDefault("crisis.activation_deadline", d.Crisis.ActivationDeadline)
	v.SetDefault("crisis.resolve_deadline", d.Crisis.ResolveDeadline)
	v.SetDefault("crisis.fallback.emergency_contacts_ready", d.Crisis.Fallback.EmergencyContactsReady)
	v.SetDefault("crisis.fallback.hotline_access_ready", d.Crisis.Fallback.HotlineAccessReady)

	v.SetDefault("orchestrator.max_concurrent", d.Orchestrator.MaxConcurrent)
	v.SetDefault("orchestrator.max_queue_size", d.Orchestrator.MaxQueueSize)
	v.SetDefault("orchestrator.sync_interval", d.Orchestrator.SyncInterval)
	v.SetDefault("orchestrator.crisis_interval", d.Orchestrator.CrisisInterval)
	v.SetDefault("orchestrator.max_interval", d.Orchestrator.MaxInterval)
	v.SetDefault("orchestrator.latency_threshold", d.Orchestrator.LatencyThreshold)
	v.SetDefault("orchestrator.quota_window", d.Orchestrator.QuotaWindow)
	v.SetDefault("orchestrator.send_timeout", d.Orchestrator.SendTimeout)

	v.SetDefault("store.path", d.Store.Path)
	v.SetDefault("store.driver", d.Store.Driver)

	v.SetDefault("log.level", d.Log.Level)
}

// RegistryConfig returns the device registry section.
func (c Config) RegistryConfig() device.Config {
	return device.Config{
		MaxDevices:       c.Registry.MaxDevices,
		OfflineAfter:     c.Registry.OfflineAfter,
		UnreachableAfter: c.Registry.UnreachableAfter,
	}
}

// TrackerConfig returns the operation tracker section.
func (c Config) TrackerConfig() optrack.Config {
	out := optrack.DefaultConfig()
	out.Retention = c.Tracker.Retention
	out.CrisisRetention = c.Tracker.CrisisRetention
	out.EscalationBudget = c.Tracker.EscalationBudget
	out.MaxAlerts = c.Tracker.MaxAlerts
	out.DefaultRetry = optrack.RetryPolicy{
		MaxRetries:  c.Tracker.MaxRetries,
		BaseBackoff: c.Tracker.BaseBackoff,
		MaxBackoff:  c.Tracker.MaxBackoff,
	}
	return out
}

// ConflictConfig returns the conflict engine section.
func (c Config) ConflictConfig() conflict.Config {
	return conflict.Config{
		SkewTolerance:           c.Conflict.SkewTolerance,
		ConcurrentWindow:        c.Conflict.ConcurrentWindow,
		ResolutionTimeout:       c.Conflict.ResolutionTimeout,
		CrisisResolutionTimeout: c.Conflict.CrisisResolutionTimeout,
		HistorySize:             c.Conflict.HistorySize,
		TTL:                     c.Conflict.TTL,
	}
}

// SessionConfig returns the session coordinator section.
func (c Config) SessionConfig() session.Config {
	return session.Config{HandoffTimeout: c.Session.HandoffTimeout}
}

// CrisisConfig returns the crisis coordinator section.
func (c Config) CrisisConfig() crisis.Config {
	return crisis.Config{
		ActivationDeadline: c.Crisis.ActivationDeadline,
		ResolveDeadline:    c.Crisis.ResolveDeadline,
		Fallback:           c.Crisis.Fallback,
	}
}

// StoreDriver returns the configured SQLite driver.
func (c Config) StoreDriver() store.Driver {
	return store.Driver(c.Store.Driver)
}
