// Package emit provides event emission and observability for flow execution.
package emit

// Event is an observability event emitted during flow execution.
//
// The engine emits events for the full lifecycle: flow_started,
// execute_start, transition, execute_failed, compensation_start,
// compensation_action, compensation_skipped, flow_completed, flow_failed,
// flow_paused, flow_resumed, flow_cancelled, subflow_started, flow_deleted.
type Event struct {
	// FlowID identifies the flow instance that emitted this event.
	FlowID string

	// Msg names the event (e.g. "transition", "flow_failed").
	Msg string

	// State is the flow's current state at emission time; comma-joined
	// region states for parallel flows.
	State string

	// Meta contains additional structured data specific to this event.
	// Common keys: "event", "from", "to", "error", "reason", "attempts".
	Meta map[string]any
}
