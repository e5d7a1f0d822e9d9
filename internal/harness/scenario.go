package harness

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Scenario drives a fully wired system through a sequence of steps and
// checks the resulting trace and state.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Config overrides the default configuration.
	Config Overrides `yaml:"config,omitempty"`

	// Devices are registered, in order, before the first step.
	Devices []DeviceSpec `yaml:"devices"`

	// Steps run in order against the system.
	Steps []Step `yaml:"steps"`

	// Assertions validate the final trace and state.
	Assertions []Assertion `yaml:"assertions"`
}

// Duration is a time.Duration written as a Go duration string ("250ms").
type Duration time.Duration

// UnmarshalYAML parses a duration string.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*d = Duration(parsed)
	return nil
}

// Overrides are the configuration knobs a scenario may change.
type Overrides struct {
	Strategy       string        `yaml:"strategy,omitempty"`
	MaxConcurrent  int           `yaml:"max_concurrent,omitempty"`
	MaxQueueSize   int           `yaml:"max_queue_size,omitempty"`
	SendTimeout    Duration      `yaml:"send_timeout,omitempty"`
	CrisisDeadline Duration      `yaml:"crisis_deadline,omitempty"`
	Fallback       *FallbackSpec `yaml:"fallback,omitempty"`
}

// FallbackSpec sets local crisis resource readiness.
type FallbackSpec struct {
	EmergencyContacts bool `yaml:"emergency_contacts"`
	Hotline           bool `yaml:"hotline"`
}

// DeviceSpec describes a device and its relay endpoint.
type DeviceSpec struct {
	ID            string `yaml:"id"`
	Name          string `yaml:"name,omitempty"`
	Platform      string `yaml:"platform,omitempty"`
	Subscription  string `yaml:"subscription,omitempty"`
	Local         bool   `yaml:"local,omitempty"`
	Compute       string `yaml:"compute,omitempty"`
	Network       string `yaml:"network,omitempty"`
	Battery       int    `yaml:"battery,omitempty"`
	CrisisCapable bool   `yaml:"crisis_capable,omitempty"`

	// Latency delays every relay delivery to the device.
	Latency Duration `yaml:"latency,omitempty"`

	// Down makes relay deliveries to the device fail.
	Down bool `yaml:"down,omitempty"`
}

// Step is one scenario action. Exactly one action field is set.
type Step struct {
	Submit    *SubmitStep    `yaml:"submit,omitempty"`
	Tick      *TickStep      `yaml:"tick,omitempty"`
	Advance   Duration       `yaml:"advance,omitempty"`
	Device    *DeviceStep    `yaml:"device,omitempty"`
	Session   *SessionStep   `yaml:"session,omitempty"`
	Crisis    *CrisisStep    `yaml:"crisis,omitempty"`
	Reconcile *ReconcileStep `yaml:"reconcile,omitempty"`
	Policy    string         `yaml:"policy,omitempty"`

	// Expect checks the step's own result.
	Expect *Expect `yaml:"expect,omitempty"`
}

// SubmitStep submits a change to the orchestrator.
type SubmitStep struct {
	ID              string         `yaml:"id,omitempty"`
	EntityType      string         `yaml:"entity_type"`
	EntityID        string         `yaml:"entity_id"`
	Priority        int            `yaml:"priority,omitempty"`
	Crisis          bool           `yaml:"crisis,omitempty"`
	EmergencyBypass bool           `yaml:"emergency_bypass,omitempty"`
	Origin          string         `yaml:"origin,omitempty"`
	Target          string         `yaml:"target,omitempty"`
	DependsOn       []string       `yaml:"depends_on,omitempty"`
	MaxRetries      *int           `yaml:"max_retries,omitempty"`
	Backoff         Duration       `yaml:"backoff,omitempty"`
	Data            map[string]any `yaml:"data,omitempty"`
}

// TickStep runs scheduling passes.
type TickStep struct {
	// Count defaults to one pass.
	Count int `yaml:"count,omitempty"`
}

// Device step actions.
const (
	DeviceOffline = "offline"
	DeviceOnline  = "online"
	DeviceRemove  = "remove"
	DeviceDown    = "down"
	DeviceUp      = "up"
	DeviceLatency = "latency"
	DeviceVerify  = "verify"
)

// DeviceStep changes a device or its relay endpoint.
type DeviceStep struct {
	ID      string   `yaml:"id"`
	Action  string   `yaml:"action"`
	Latency Duration `yaml:"latency,omitempty"`

	// Checksum is the reported state checksum for verify. "current"
	// uses the registry's own value.
	Checksum string `yaml:"checksum,omitempty"`
}

// Session step actions.
const (
	SessionStart    = "start"
	SessionHandoff  = "handoff"
	SessionComplete = "complete"
	SessionEnd      = "end"
)

// SessionStep drives the session coordinator.
type SessionStep struct {
	Action       string   `yaml:"action"`
	ID           string   `yaml:"id"`
	Kind         string   `yaml:"kind,omitempty"`
	Owner        string   `yaml:"owner,omitempty"`
	Participants []string `yaml:"participants,omitempty"`
	Continuity   bool     `yaml:"continuity,omitempty"`
	Target       string   `yaml:"target,omitempty"`
	Emergency    bool     `yaml:"emergency,omitempty"`
}

// Crisis step actions.
const (
	CrisisActivate    = "activate"
	CrisisResolve     = "resolve"
	CrisisAcknowledge = "acknowledge"
	CrisisRecall      = "recall"
)

// CrisisStep drives the crisis coordinator.
type CrisisStep struct {
	Action     string `yaml:"action"`
	Level      string `yaml:"level,omitempty"`
	EntityType string `yaml:"entity_type,omitempty"`
	EntityID   string `yaml:"entity_id,omitempty"`
	Device     string `yaml:"device,omitempty"`
	Session    string `yaml:"session,omitempty"`
}

// ReconcileStep reports divergent state for an entity.
type ReconcileStep struct {
	EntityType string         `yaml:"entity_type"`
	EntityID   string         `yaml:"entity_id"`
	Strategy   string         `yaml:"strategy,omitempty"`
	Local      SnapshotSpec   `yaml:"local"`
	Remotes    []SnapshotSpec `yaml:"remotes"`
}

// SnapshotSpec is one device's view of an entity.
type SnapshotSpec struct {
	Device string `yaml:"device"`

	// Kind is record, assessment, session_data or crisis_plan.
	Kind          string         `yaml:"kind,omitempty"`
	Version       int64          `yaml:"version"`
	Age           Duration       `yaml:"age,omitempty"`
	Priority      int            `yaml:"priority,omitempty"`
	ClinicalScore int            `yaml:"clinical_score,omitempty"`
	CrisisCapable bool           `yaml:"crisis_capable,omitempty"`
	CrisisData    bool           `yaml:"crisis_data,omitempty"`
	ReadOnly      bool           `yaml:"read_only,omitempty"`
	Fields        map[string]any `yaml:"fields"`
}

// Expect checks a step. Error is the expected error code; empty means
// the step must succeed. Result is a subset match against the fields of
// the step's last trace event.
type Expect struct {
	Error  string         `yaml:"error,omitempty"`
	Result map[string]any `yaml:"result,omitempty"`
}

// Assertion types.
const (
	AssertTraceContains = "trace_contains"
	AssertTraceOrder    = "trace_order"
	AssertTraceCount    = "trace_count"
	AssertOperation     = "operation"
	AssertSession       = "session"
	AssertCrisis        = "crisis"
	AssertFinalState    = "final_state"
)

// Matcher selects trace events by kind and a subset of fields.
type Matcher struct {
	Kind   string         `yaml:"kind"`
	Fields map[string]any `yaml:"fields,omitempty"`
}

// Assertion validates the final trace or state.
type Assertion struct {
	Type string `yaml:"type"`

	// Event selects trace events (trace_contains, trace_count).
	Event *Matcher `yaml:"event,omitempty"`

	// Events must appear in this order (trace_order).
	Events []Matcher `yaml:"events,omitempty"`

	// Count is the expected number of matching events (trace_count).
	Count int `yaml:"count,omitempty"`

	// ID names the operation or session (operation, session).
	ID string `yaml:"id,omitempty"`

	// Table and Where select a persisted row (final_state).
	Table string         `yaml:"table,omitempty"`
	Where map[string]any `yaml:"where,omitempty"`

	// Expect is a subset match against the selected state.
	Expect map[string]any `yaml:"expect,omitempty"`
}

// LoadScenario reads and validates a scenario file. Unknown fields are
// rejected so typos surface as errors.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario decodes and validates scenario YAML.
func ParseScenario(data []byte) (*Scenario, error) {
	var s Scenario
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&s); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	if err := validateScenario(&s); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &s, nil
}

func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if len(s.Devices) == 0 {
		return fmt.Errorf("devices list is required and must be non-empty")
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}

	seen := make(map[string]bool, len(s.Devices))
	locals := 0
	for i, d := range s.Devices {
		if d.ID == "" {
			return fmt.Errorf("devices[%d]: id is required", i)
		}
		if seen[d.ID] {
			return fmt.Errorf("devices[%d]: duplicate id %q", i, d.ID)
		}
		seen[d.ID] = true
		if d.Local {
			locals++
		}
	}
	if locals != 1 {
		return fmt.Errorf("exactly one local device is required, have %d", locals)
	}

	for i, step := range s.Steps {
		if err := validateStep(i, &step); err != nil {
			return err
		}
	}
	for i, a := range s.Assertions {
		if err := validateAssertion(i, &a); err != nil {
			return err
		}
	}
	return nil
}

func validateStep(index int, st *Step) error {
	actions := 0
	for _, set := range []bool{
		st.Submit != nil,
		st.Tick != nil,
		st.Advance != 0,
		st.Device != nil,
		st.Session != nil,
		st.Crisis != nil,
		st.Reconcile != nil,
		st.Policy != "",
	} {
		if set {
			actions++
		}
	}
	if actions != 1 {
		return fmt.Errorf("steps[%d]: exactly one action is required, have %d", index, actions)
	}

	switch {
	case st.Submit != nil:
		if st.Submit.EntityType == "" {
			return fmt.Errorf("steps[%d].submit: entity_type is required", index)
		}
	case st.Device != nil:
		if st.Device.ID == "" {
			return fmt.Errorf("steps[%d].device: id is required", index)
		}
		switch st.Device.Action {
		case DeviceOffline, DeviceOnline, DeviceRemove, DeviceDown, DeviceUp, DeviceLatency, DeviceVerify:
		default:
			return fmt.Errorf("steps[%d].device: unknown action %q", index, st.Device.Action)
		}
	case st.Session != nil:
		if st.Session.ID == "" {
			return fmt.Errorf("steps[%d].session: id is required", index)
		}
		switch st.Session.Action {
		case SessionStart, SessionHandoff, SessionComplete, SessionEnd:
		default:
			return fmt.Errorf("steps[%d].session: unknown action %q", index, st.Session.Action)
		}
	case st.Crisis != nil:
		switch st.Crisis.Action {
		case CrisisActivate, CrisisResolve, CrisisAcknowledge, CrisisRecall:
		default:
			return fmt.Errorf("steps[%d].crisis: unknown action %q", index, st.Crisis.Action)
		}
	case st.Reconcile != nil:
		if st.Reconcile.EntityID == "" {
			return fmt.Errorf("steps[%d].reconcile: entity_id is required", index)
		}
		if len(st.Reconcile.Remotes) == 0 {
			return fmt.Errorf("steps[%d].reconcile: remotes are required", index)
		}
	}
	return nil
}

func validateAssertion(index int, a *Assertion) error {
	switch a.Type {
	case "":
		return fmt.Errorf("assertions[%d]: type is required", index)
	case AssertTraceContains:
		if a.Event == nil || a.Event.Kind == "" {
			return fmt.Errorf("assertions[%d]: event.kind is required for trace_contains", index)
		}
	case AssertTraceCount:
		if a.Event == nil || a.Event.Kind == "" {
			return fmt.Errorf("assertions[%d]: event.kind is required for trace_count", index)
		}
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for trace_count", index)
		}
	case AssertTraceOrder:
		if len(a.Events) < 2 {
			return fmt.Errorf("assertions[%d]: at least two events are required for trace_order", index)
		}
	case AssertOperation, AssertSession:
		if a.ID == "" {
			return fmt.Errorf("assertions[%d]: id is required for %s", index, a.Type)
		}
		if len(a.Expect) == 0 {
			return fmt.Errorf("assertions[%d]: expect is required for %s", index, a.Type)
		}
	case AssertCrisis:
		if len(a.Expect) == 0 {
			return fmt.Errorf("assertions[%d]: expect is required for crisis", index)
		}
	case AssertFinalState:
		if a.Table == "" {
			return fmt.Errorf("assertions[%d]: table is required for final_state", index)
		}
		if len(a.Expect) == 0 {
			return fmt.Errorf("assertions[%d]: expect is required for final_state", index)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	return nil
}
