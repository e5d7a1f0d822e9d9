package config

import (
	_ "embed"
	"fmt"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
)

//go:embed schema.cue
var schemaCUE string

// Validate checks c against the embedded CUE schema. Durations are
// checked in milliseconds.
func Validate(c Config) error {
	ctx := cuecontext.New()
	schema := ctx.CompileString(schemaCUE, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return fmt.Errorf("compile config schema: %w", err)
	}
	def := schema.LookupPath(cue.ParsePath("#Config"))
	if err := def.Err(); err != nil {
		return fmt.Errorf("lookup config schema: %w", err)
	}

	value := ctx.Encode(c.plain())
	if err := value.Err(); err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	if err := def.Unify(value).Validate(cue.Concrete(true)); err != nil {
		return fmt.Errorf("invalid config: %s", cueerrors.Details(err, nil))
	}
	return nil
}

func ms(d time.Duration) int64 { return d.Milliseconds() }

// plain renders c as the map shape the schema describes.
func (c Config) plain() map[string]any {
	return map[string]any{
		"registry": map[string]any{
			"max_devices":          c.Registry.MaxDevices,
			"offline_after_ms":     ms(c.Registry.OfflineAfter),
			"unreachable_after_ms": ms(c.Registry.UnreachableAfter),
		},
		"tracker": map[string]any{
			"retention_ms":         ms(c.Tracker.Retention),
			"crisis_retention_ms":  ms(c.Tracker.CrisisRetention),
			"escalation_budget_ms": ms(c.Tracker.EscalationBudget),
			"max_alerts":           c.Tracker.MaxAlerts,
			"max_retries":          c.Tracker.MaxRetries,
			"base_backoff_ms":      ms(c.Tracker.BaseBackoff),
			"max_backoff_ms":       ms(c.Tracker.MaxBackoff),
		},
		"distribution": map[string]any{
			"strategy":                 string(c.Distribution.Strategy),
			"compute_weight":           c.Distribution.ComputeWeight,
			"network_weight":           c.Distribution.NetworkWeight,
			"battery_weight":           c.Distribution.BatteryWeight,
			"max_ops_per_device":       c.Distribution.MaxOpsPerDevice,
			"redistribution_threshold": c.Distribution.RedistributionThreshold,
		},
		"conflict": map[string]any{
			"skew_tolerance_ms":            ms(c.Conflict.SkewTolerance),
			"concurrent_window_ms":         ms(c.Conflict.ConcurrentWindow),
			"resolution_timeout_ms":        ms(c.Conflict.ResolutionTimeout),
			"crisis_resolution_timeout_ms": ms(c.Conflict.CrisisResolutionTimeout),
			"history_size":                 c.Conflict.HistorySize,
			"ttl_ms":                       ms(c.Conflict.TTL),
		},
		"session": map[string]any{
			"handoff_timeout_ms": ms(c.Session.HandoffTimeout),
		},
		"crisis": map[string]any{
			"activation_deadline_ms": ms(c.Crisis.ActivationDeadline),
			"resolve_deadline_ms":    ms(c.Crisis.ResolveDeadline),
			"fallback": map[string]any{
				"emergency_contacts_ready": c.Crisis.Fallback.EmergencyContactsReady,
				"hotline_access_ready":     c.Crisis.Fallback.HotlineAccessReady,
			},
		},
		"orchestrator": map[string]any{
			"max_concurrent":       c.Orchestrator.MaxConcurrent,
			"max_queue_size":       c.Orchestrator.MaxQueueSize,
			"sync_interval_ms":     ms(c.Orchestrator.SyncInterval),
			"crisis_interval_ms":   ms(c.Orchestrator.CrisisInterval),
			"max_interval_ms":      ms(c.Orchestrator.MaxInterval),
			"latency_threshold_ms": ms(c.Orchestrator.LatencyThreshold),
			"quota_window_ms":      ms(c.Orchestrator.QuotaWindow),
			"send_timeout_ms":      ms(c.Orchestrator.SendTimeout),
		},
		"store": map[string]any{
			"path":   c.Store.Path,
			"driver": c.Store.Driver,
		},
		"log": map[string]any{
			"level": c.Log.Level,
		},
	}
}
