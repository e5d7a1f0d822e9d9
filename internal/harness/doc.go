// Package harness runs YAML scenarios against a fully wired system.
//
// A scenario registers devices, then drives the orchestrator, session
// coordinator, crisis coordinator and conflict engine step by step. Every
// step records trace events; step expectations and final assertions are
// checked against the trace and against coordinator and store state.
//
// # Scenario Format
//
//	name: crisis_fanout
//	description: "Crisis change reaches every device"
//	config:
//	  crisis_deadline: 200ms
//	devices:
//	  - id: phone
//	    local: true
//	    subscription: premium
//	  - id: tablet
//	    latency: 5ms
//	steps:
//	  - submit: { id: c1, entity_type: crisis_plan, entity_id: p1, crisis: true }
//	    expect:
//	      result: { tier: immediate }
//	  - tick: {}
//	assertions:
//	  - type: operation
//	    id: c1
//	    expect: { status: completed }
//	  - type: final_state
//	    table: devices
//	    where: { id: tablet }
//	    expect: { seq: 2 }
//
// # Assertion Types
//
//   - trace_contains: an event of the kind with the given fields exists
//   - trace_order: matching events appear in order, others may interleave
//   - trace_count: exactly N matching events
//   - operation, session, crisis: coordinator state subset match
//   - final_state: one store row subset match
//
// # Determinism
//
// Runs use a manual clock that only moves on advance steps, sequential
// IDs and a private in-memory database, so traces are stable enough for
// golden comparison. Relay latency is real time.
package harness
