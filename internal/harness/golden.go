package harness

import (
	"context"
	"testing"

	"github.com/sebdah/goldie/v2"

	"github.com/roach88/crossdevice/internal/ir"
)

// TraceJSON renders a trace as canonical JSON, one document per run.
func TraceJSON(name string, trace []TraceEvent) ([]byte, error) {
	events := make([]any, len(trace))
	for i, ev := range trace {
		m := map[string]any{
			"seq":  ev.Seq,
			"step": ev.Step,
			"kind": ev.Kind,
		}
		if len(ev.Fields) > 0 {
			m["fields"] = ev.Fields
		}
		events[i] = m
	}
	return ir.MarshalCanonical(map[string]any{
		"scenario": name,
		"trace":    events,
	})
}

// RunWithGolden runs a scenario and compares its trace with
// testdata/golden/<name>.golden. Regenerate with:
//
//	go test ./internal/harness -update
func RunWithGolden(t *testing.T, s *Scenario, opts ...Option) *Result {
	t.Helper()

	result, err := Run(context.Background(), s, opts...)
	if err != nil {
		t.Fatalf("run %s: %v", s.Name, err)
	}
	AssertGolden(t, s.Name, result)
	return result
}

// AssertGolden compares an existing result's trace with its golden file.
func AssertGolden(t *testing.T, name string, result *Result) {
	t.Helper()

	data, err := TraceJSON(name, result.Trace)
	if err != nil {
		t.Fatalf("render trace: %v", err)
	}
	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, name, data)
}
