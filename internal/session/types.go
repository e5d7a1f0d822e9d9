package session

import (
	"time"

	"github.com/roach88/crossdevice/internal/ir"
)

// Status is the lifecycle state of a session.
type Status string

const (
	StatusActive    Status = "active"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusEnded     Status = "ended"
)

// Finished reports whether the session is archived.
func (s Status) Finished() bool {
	return s == StatusCompleted || s == StatusEnded
}

// HandoffState is the sub-state of the most recent handoff. It moves
// independently of the owner, which only changes on a committed handoff.
type HandoffState string

const (
	HandoffIdle         HandoffState = "idle"
	HandoffTransferring HandoffState = "transferring"
	HandoffCompleted    HandoffState = "completed"
	HandoffFailed       HandoffState = "failed"
	HandoffCancelled    HandoffState = "cancelled"
)

// Reasons recorded when a session ends.
const (
	ReasonDeviceRemoved = "device_removed"
	ReasonUserEnded     = "user_ended"
)

// Step is one of the five handoff sub-transfers, in commit order.
type Step string

const (
	StepSessionData     Step = "session_data"
	StepQueueState      Step = "queue_state"
	StepPreferences     Step = "preferences"
	StepSecurityContext Step = "security_context"
	StepValidation      Step = "validation"
)

// HandoffSteps lists the sub-transfers in the order they run.
var HandoffSteps = []Step{
	StepSessionData,
	StepQueueState,
	StepPreferences,
	StepSecurityContext,
	StepValidation,
}

// Progress is the ordered position within a session.
type Progress struct {
	Step  int       `json:"step"`
	Total int       `json:"total"`
	Value int       `json:"value"` // percent complete, 0-100
	Data  ir.Object `json:"data"`
}

// Session is a cross-device interactive activity.
type Session struct {
	ID              string       `json:"id"`
	Kind            string       `json:"kind"`
	OwnerID         string       `json:"owner_id"`
	Participants    []string     `json:"participants"`
	Progress        Progress     `json:"progress"`
	NeedsContinuity bool         `json:"needs_continuity"`
	Status          Status       `json:"status"`
	Handoff         HandoffState `json:"handoff"`
	Handoffs        int          `json:"handoffs"`
	PausedBy        string       `json:"paused_by,omitempty"`
	EndReason       string       `json:"end_reason,omitempty"`
	StartedAt       time.Time    `json:"started_at"`
	UpdatedAt       time.Time    `json:"updated_at"`
	EndedAt         time.Time    `json:"ended_at,omitempty"`
}

// HasParticipant reports whether deviceID takes part in the session.
func (s Session) HasParticipant(deviceID string) bool {
	for _, p := range s.Participants {
		if p == deviceID {
			return true
		}
	}
	return false
}

func (s Session) clone() Session {
	c := s
	c.Participants = append([]string(nil), s.Participants...)
	c.Progress.Data = s.Progress.Data.Clone()
	return c
}

// StartRequest describes a new session.
type StartRequest struct {
	ID              string
	Kind            string
	OwnerID         string
	Participants    []string
	Total           int
	NeedsContinuity bool
	Data            ir.Object
}

// Update is a progress report.
type Update struct {
	Step  int
	Value int
	Data  ir.Object
}

// Transfer is one handoff sub-transfer.
type Transfer struct {
	SessionID string
	Step      Step
	From      string
	To        string
	Emergency bool
	Session   Session
}

// HandoffResult reports a committed handoff.
type HandoffResult struct {
	SessionID string        `json:"session_id"`
	From      string        `json:"from"`
	To        string        `json:"to"`
	Emergency bool          `json:"emergency"`
	Steps     []Step        `json:"steps"`
	Elapsed   time.Duration `json:"elapsed"`
}
