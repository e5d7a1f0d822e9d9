package harness

import (
	"github.com/roach88/crossdevice/internal/ir"
)

// Trace event kinds.
const (
	EventDevice    = "device"
	EventSubmitted = "submitted"
	EventRejected  = "rejected"
	EventOutcome   = "outcome"
	EventAdvance   = "advance"
	EventSession   = "session"
	EventCrisis    = "crisis"
	EventConflict  = "conflict"
	EventVerify    = "verify"
	EventPolicy    = "policy"
)

// TraceEvent is one observable effect of a scenario step.
type TraceEvent struct {
	Seq    int64     `json:"seq"`
	Step   int       `json:"step"`
	Kind   string    `json:"kind"`
	Fields ir.Object `json:"fields,omitempty"`
}

// Result is the outcome of a scenario run.
type Result struct {
	// Pass is true when every step expectation and assertion held.
	Pass bool `json:"pass"`

	// Trace holds every event in the order it was observed.
	Trace []TraceEvent `json:"trace"`

	// Errors holds failed expectations and assertions.
	Errors []string `json:"errors,omitempty"`
}

// NewResult creates a passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Errors: []string{},
	}
}

// AddError records a failure and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// Events returns the events of one kind.
func (r *Result) Events(kind string) []TraceEvent {
	var out []TraceEvent
	for _, ev := range r.Trace {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}
