package harness

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/roach88/crossdevice/internal/ir"
)

// validIdentifier matches SQL identifiers. Table and column names cannot
// be bound as parameters, so anything else is refused.
var validIdentifier = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// AssertionError describes a failed assertion.
type AssertionError struct {
	Type     string
	Expected string
	Actual   string
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	return fmt.Sprintf("%s: expected %s, actual %s", e.Type, e.Expected, e.Actual)
}

func (r *runner) assert(ctx context.Context, a Assertion) error {
	switch a.Type {
	case AssertTraceContains:
		return assertTraceContains(r.result.Trace, a)
	case AssertTraceOrder:
		return assertTraceOrder(r.result.Trace, a)
	case AssertTraceCount:
		return assertTraceCount(r.result.Trace, a)
	case AssertOperation:
		return r.assertOperation(a)
	case AssertSession:
		return r.assertSession(a)
	case AssertCrisis:
		return r.assertCrisis(a)
	case AssertFinalState:
		return r.assertFinalState(ctx, a)
	}
	return fmt.Errorf("unknown assertion type %q", a.Type)
}

// matches reports whether ev is of the matcher's kind and carries every
// field the matcher names.
func (m Matcher) matches(ev TraceEvent) bool {
	if ev.Kind != m.Kind {
		return false
	}
	ok, _ := matchFields(ev.Fields, m.Fields)
	return ok
}

func (m Matcher) String() string {
	if len(m.Fields) == 0 {
		return m.Kind
	}
	return fmt.Sprintf("%s %s", m.Kind, formatFields(m.Fields))
}

func assertTraceContains(trace []TraceEvent, a Assertion) error {
	for _, ev := range trace {
		if a.Event.matches(ev) {
			return nil
		}
	}
	return &AssertionError{Type: a.Type, Expected: a.Event.String(), Actual: "not found in trace"}
}

// assertTraceOrder requires each matcher to match an event after the one
// matched by its predecessor. Other events may interleave.
func assertTraceOrder(trace []TraceEvent, a Assertion) error {
	pos := 0
	for i, m := range a.Events {
		found := false
		for pos < len(trace) {
			ev := trace[pos]
			pos++
			if m.matches(ev) {
				found = true
				break
			}
		}
		if !found {
			return &AssertionError{
				Type:     a.Type,
				Expected: fmt.Sprintf("events in order: %s", formatMatchers(a.Events)),
				Actual:   fmt.Sprintf("no %s after event %d", a.Events[i], i),
			}
		}
	}
	return nil
}

func assertTraceCount(trace []TraceEvent, a Assertion) error {
	count := 0
	for _, ev := range trace {
		if a.Event.matches(ev) {
			count++
		}
	}
	if count != a.Count {
		return &AssertionError{
			Type:     a.Type,
			Expected: fmt.Sprintf("%d occurrences of %s", a.Count, a.Event),
			Actual:   fmt.Sprintf("%d occurrences", count),
		}
	}
	return nil
}

func (r *runner) assertOperation(a Assertion) error {
	op, ok := r.sys.Tracker.Get(a.ID)
	if !ok {
		return &AssertionError{Type: a.Type, Expected: "operation " + a.ID, Actual: "not tracked"}
	}
	state := ir.Object{
		"status":     ir.String(string(op.Status)),
		"device_id":  ir.String(op.DeviceID),
		"priority":   ir.Int(op.Priority),
		"attempts":   ir.Int(op.Attempts),
		"crisis":     ir.Bool(op.Crisis),
		"last_code":  ir.String(string(op.LastCode)),
		"escalation": ir.String(op.EscalationLevel),
	}
	return expectState(a, "operation "+a.ID, state)
}

func (r *runner) assertSession(a Assertion) error {
	s, ok := r.sys.Sessions.Get(a.ID)
	if !ok {
		return &AssertionError{Type: a.Type, Expected: "session " + a.ID, Actual: "not found"}
	}
	state := ir.Object{
		"owner":        ir.String(s.OwnerID),
		"status":       ir.String(string(s.Status)),
		"end_reason":   ir.String(s.EndReason),
		"handoffs":     ir.Int(s.Handoffs),
		"participants": stringArray(s.Participants),
	}
	return expectState(a, "session "+a.ID, state)
}

func (r *runner) assertCrisis(a Assertion) error {
	st := r.sys.Crisis.State()
	state := ir.Object{
		"active":        ir.Bool(st.Active),
		"level":         ir.String(string(st.Level)),
		"fallback_used": ir.Bool(st.FallbackUsed),
		"acknowledged":  stringArray(st.Acknowledged),
		"entity_id":     ir.String(st.Trigger.EntityID),
	}
	return expectState(a, "crisis state", state)
}

func expectState(a Assertion, what string, state ir.Object) error {
	if ok, why := matchFields(state, a.Expect); !ok {
		return &AssertionError{Type: a.Type, Expected: fmt.Sprintf("%s with %s", what, formatFields(a.Expect)), Actual: why}
	}
	return nil
}

// assertFinalState selects exactly one row from a store table and
// compares a subset of its columns. Values are always bound as
// parameters.
func (r *runner) assertFinalState(ctx context.Context, a Assertion) error {
	if !validIdentifier.MatchString(a.Table) {
		return fmt.Errorf("invalid table name %q", a.Table)
	}
	where, args, err := buildWhereClause(a.Where)
	if err != nil {
		return err
	}
	query := "SELECT * FROM " + a.Table
	if where != "" {
		query += " WHERE " + where
	}

	rows, err := r.store.DB().QueryContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("query %s: %w", a.Table, err)
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return fmt.Errorf("get columns: %w", err)
	}
	if !rows.Next() {
		return &AssertionError{Type: a.Type, Expected: fmt.Sprintf("row in %s where %s", a.Table, formatFields(a.Where)), Actual: "row not found"}
	}
	values := make([]any, len(columns))
	ptrs := make([]any, len(columns))
	for i := range values {
		ptrs[i] = &values[i]
	}
	if err := rows.Scan(ptrs...); err != nil {
		return fmt.Errorf("scan row: %w", err)
	}
	if rows.Next() {
		return &AssertionError{Type: a.Type, Expected: fmt.Sprintf("one row in %s where %s", a.Table, formatFields(a.Where)), Actual: "multiple rows matched"}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("read rows: %w", err)
	}

	row := make(ir.Object, len(columns))
	for i, col := range columns {
		if v := columnValue(values[i]); v != nil {
			row[col] = v
		}
	}
	return expectState(a, a.Table+" row", row)
}

// buildWhereClause renders an AND of equality tests in sorted column
// order.
func buildWhereClause(where map[string]any) (string, []any, error) {
	if len(where) == 0 {
		return "", nil, nil
	}
	keys := sortedKeys(where)
	clauses := make([]string, 0, len(keys))
	args := make([]any, 0, len(keys))
	for _, k := range keys {
		if !validIdentifier.MatchString(k) {
			return "", nil, fmt.Errorf("invalid column name %q in where clause", k)
		}
		clauses = append(clauses, k+" = ?")
		switch v := where[k].(type) {
		case string, int, int64:
			args = append(args, v)
		case bool:
			if v {
				args = append(args, 1)
			} else {
				args = append(args, 0)
			}
		default:
			return "", nil, fmt.Errorf("unsupported value %v for column %q", v, k)
		}
	}
	return strings.Join(clauses, " AND "), args, nil
}

func columnValue(v any) ir.Value {
	switch val := v.(type) {
	case int64:
		return ir.Int(val)
	case string:
		return ir.String(val)
	case []byte:
		return ir.String(string(val))
	case bool:
		return ir.Bool(val)
	}
	return nil
}

// matchFields checks that actual carries every expected field. SQLite
// stores booleans as integers, so an expected bool also matches 0 or 1.
func matchFields(actual ir.Object, expected map[string]any) (bool, string) {
	for _, k := range sortedKeys(expected) {
		want, err := ir.FromAny(expected[k])
		if err != nil {
			return false, fmt.Sprintf("field %q: %v", k, err)
		}
		got, ok := actual[k]
		if !ok {
			return false, fmt.Sprintf("field %q missing", k)
		}
		if !valuesMatch(want, got) {
			return false, fmt.Sprintf("field %q = %s, want %s", k, render(got), render(want))
		}
	}
	return true, ""
}

func valuesMatch(want, got ir.Value) bool {
	if b, ok := want.(ir.Bool); ok {
		if n, ok := got.(ir.Int); ok {
			return bool(b) == (n != 0)
		}
	}
	return ir.Equal(want, got)
}

func render(v ir.Value) string {
	data, err := ir.MarshalCanonical(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}

func formatFields(m map[string]any) string {
	if len(m) == 0 {
		return "(any)"
	}
	parts := make([]string, 0, len(m))
	for _, k := range sortedKeys(m) {
		parts = append(parts, fmt.Sprintf("%s=%v", k, m[k]))
	}
	return strings.Join(parts, " ")
}

func formatMatchers(ms []Matcher) string {
	parts := make([]string, len(ms))
	for i, m := range ms {
		parts[i] = m.String()
	}
	return strings.Join(parts, ", ")
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
