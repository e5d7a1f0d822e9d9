package optrack

import (
	"time"

	"github.com/roach88/crossdevice/internal/syncerr"
)

// Status is the lifecycle state of an operation.
type Status string

const (
	StatusQueued          Status = "queued"
	StatusProcessing      Status = "processing"
	StatusRetrying        Status = "retrying"
	StatusCompleted       Status = "completed"
	StatusFailed          Status = "failed"
	StatusCrisisEscalated Status = "crisis_escalated"
	StatusEmergencyBypass Status = "emergency_bypass"
)

// Terminal reports whether no further transitions are allowed.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Priority bounds. Crisis operations always run at MaxPriority.
const (
	MinPriority = 1
	MaxPriority = 10
)

// SLA is the declared timing contract of an operation. Zero fields are
// not checked.
type SLA struct {
	MaxExecution time.Duration `json:"max_execution"`
	MaxQueueWait time.Duration `json:"max_queue_wait"`

	// Guaranteed bounds queue wait plus execution for crisis operations.
	// Exceeding it raises a critical alert.
	Guaranteed time.Duration `json:"guaranteed,omitempty"`
}

// RetryPolicy controls re-queueing after recoverable failures.
type RetryPolicy struct {
	MaxRetries  int           `json:"max_retries"`
	BaseBackoff time.Duration `json:"base_backoff"`
	MaxBackoff  time.Duration `json:"max_backoff"`
}

// DefaultRetryPolicy returns 3 retries with 1s doubling backoff capped at 30s.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxRetries: 3, BaseBackoff: time.Second, MaxBackoff: 30 * time.Second}
}

// Backoff returns the delay before the given attempt (1-based) may run again.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if p.BaseBackoff <= 0 || attempt <= 0 {
		return 0
	}
	d := p.BaseBackoff
	for i := 1; i < attempt; i++ {
		d *= 2
		if p.MaxBackoff > 0 && d >= p.MaxBackoff {
			return p.MaxBackoff
		}
	}
	if p.MaxBackoff > 0 && d > p.MaxBackoff {
		return p.MaxBackoff
	}
	return d
}

// Operation is one tracked unit of work.
type Operation struct {
	ID         string `json:"id"`
	EntityType string `json:"entity_type"`
	EntityID   string `json:"entity_id"`
	DeviceID   string `json:"device_id,omitempty"`
	Priority   int    `json:"priority"`
	Crisis     bool   `json:"crisis"`

	Status   Status      `json:"status"`
	Attempts int         `json:"attempts"`
	Retry    RetryPolicy `json:"retry"`
	SLA      SLA         `json:"sla"`

	// DependsOn lists operations that must complete first.
	DependsOn []string `json:"depends_on,omitempty"`

	SubmittedAt   time.Time `json:"submitted_at"`
	QueuedAt      time.Time `json:"queued_at"`
	StartedAt     time.Time `json:"started_at,omitempty"`
	CompletedAt   time.Time `json:"completed_at,omitempty"`
	NextAttemptAt time.Time `json:"next_attempt_at,omitempty"`

	ExecutionTime time.Duration `json:"execution_time"`
	QueueWait     time.Duration `json:"queue_wait"`
	SLAViolated   bool          `json:"sla_violated"`

	EscalationLevel string       `json:"escalation_level,omitempty"`
	LastError       string       `json:"last_error,omitempty"`
	LastCode        syncerr.Code `json:"last_code,omitempty"`
	Checksum        string       `json:"checksum,omitempty"`
}

// Result is reported by the executor when an operation completes.
type Result struct {
	DeviceID string
	Checksum string
	Acks     int
}

// Severity of a performance alert.
type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// AlertKind identifies what an alert is about.
type AlertKind string

const (
	AlertSLAViolation       AlertKind = "sla_violation"
	AlertGuaranteedExceeded AlertKind = "guaranteed_exceeded"
	AlertEscalationSlow     AlertKind = "escalation_slow"
	AlertRetriesExhausted   AlertKind = "retries_exhausted"
)

// Alert is a performance alert raised by the tracker.
type Alert struct {
	Severity    Severity      `json:"severity"`
	Kind        AlertKind     `json:"kind"`
	OperationID string        `json:"operation_id"`
	Elapsed     time.Duration `json:"elapsed"`
	Limit       time.Duration `json:"limit"`
	At          time.Time     `json:"at"`
}

// Stats summarizes tracker state.
type Stats struct {
	Tracked        int           `json:"tracked"`
	Active         int           `json:"active"`
	Completed      int64         `json:"completed"`
	Failed         int64         `json:"failed"`
	Violations     int64         `json:"violations"`
	AverageLatency time.Duration `json:"average_latency"`
}
