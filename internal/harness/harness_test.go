package harness

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/roach88/crossdevice/internal/ir"
	"github.com/roach88/crossdevice/internal/store"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestScenarios(t *testing.T) {
	paths, err := filepath.Glob(filepath.Join("testdata", "scenarios", "*.yaml"))
	require.NoError(t, err)
	require.NotEmpty(t, paths)

	for _, path := range paths {
		t.Run(strings.TrimSuffix(filepath.Base(path), ".yaml"), func(t *testing.T) {
			s, err := LoadScenario(path)
			require.NoError(t, err)

			result, err := Run(context.Background(), s)
			require.NoError(t, err)
			assert.True(t, result.Pass, "failures:\n%s", strings.Join(result.Errors, "\n"))
		})
	}
}

func TestGolden_RetryThenDeliver(t *testing.T) {
	s, err := LoadScenario(filepath.Join("testdata", "scenarios", "retry_then_deliver.yaml"))
	require.NoError(t, err)

	result := RunWithGolden(t, s)
	assert.True(t, result.Pass, "failures:\n%s", strings.Join(result.Errors, "\n"))
}

func TestRun_PureDriver(t *testing.T) {
	s, err := LoadScenario(filepath.Join("testdata", "scenarios", "session_continuity.yaml"))
	require.NoError(t, err)

	result, err := Run(context.Background(), s, WithStoreDriver(store.DriverPure))
	require.NoError(t, err)
	assert.True(t, result.Pass, "failures:\n%s", strings.Join(result.Errors, "\n"))
}

func TestRun_ReportsFailures(t *testing.T) {
	s, err := ParseScenario([]byte(`
name: failing
description: "every check here fails"
devices:
  - id: phone
    local: true
steps:
  - submit: { entity_type: record, entity_id: r1 }
    expect:
      error: NOT_FOUND
  - submit: { entity_type: record, entity_id: r2, target: ghost }
  - submit: { entity_type: record, entity_id: r3 }
    expect:
      result: { tier: high }
assertions:
  - type: trace_count
    event: { kind: rejected }
    count: 0
  - type: operation
    id: missing
    expect: { status: completed }
`))
	require.NoError(t, err)

	result, err := Run(context.Background(), s)
	require.NoError(t, err)
	assert.False(t, result.Pass)
	require.Len(t, result.Errors, 5)
	assert.Contains(t, result.Errors[0], "step 1: expected error NOT_FOUND, got success")
	assert.Contains(t, result.Errors[1], "step 2: unexpected error")
	assert.Contains(t, result.Errors[2], `step 3: result mismatch: field "tier" = "normal", want "high"`)
	assert.Contains(t, result.Errors[3], "assertion 0 (trace_count)")
	assert.Contains(t, result.Errors[4], "not tracked")

	rejected := result.Events(EventRejected)
	require.Len(t, rejected, 1)
	assert.Equal(t, ir.String("NOT_FOUND"), rejected[0].Fields["code"])
	assert.Equal(t, 2, rejected[0].Step)
}

func TestRun_InvalidOverrides(t *testing.T) {
	s, err := ParseScenario([]byte(`
name: bad_policy
description: "unknown distribution strategy"
config:
  strategy: nearest
devices:
  - id: phone
    local: true
steps:
  - tick: {}
`))
	require.NoError(t, err)

	_, err = Run(context.Background(), s)
	assert.Error(t, err)
}

func TestRun_PolicyStep(t *testing.T) {
	s, err := ParseScenario([]byte(`
name: policy
description: "policy changes apply at runtime"
devices:
  - id: phone
    local: true
  - id: tablet
steps:
  - policy: round_robin
    expect:
      result: { strategy: round_robin }
`))
	require.NoError(t, err)

	result, err := Run(context.Background(), s)
	require.NoError(t, err)
	assert.True(t, result.Pass, "failures:\n%s", strings.Join(result.Errors, "\n"))
}

func TestTraceJSON(t *testing.T) {
	data, err := TraceJSON("demo", []TraceEvent{
		{Seq: 1, Step: 0, Kind: EventAdvance, Fields: ir.Object{"by": ir.String("1s")}},
		{Seq: 2, Step: 1, Kind: EventOutcome},
	})
	require.NoError(t, err)
	assert.Equal(t,
		`{"scenario":"demo","trace":[{"fields":{"by":"1s"},"kind":"advance","seq":1,"step":0},{"kind":"outcome","seq":2,"step":1}]}`,
		string(data))
}
