package emit

import "context"

// Emitter receives observability events from flow execution.
//
// Implementations should be non-blocking, safe for concurrent use, and
// resilient: a slow or failing backend must not crash or stall a flow.
// Common patterns are buffering, filtering, fan-out to several backends and
// sampling.
type Emitter interface {
	// Emit sends one event. It must not panic; failures are handled
	// internally.
	Emit(event Event)

	// EmitBatch sends multiple events in order. Individual event failures
	// are logged and skipped; only catastrophic failures are returned.
	EmitBatch(ctx context.Context, events []Event) error

	// Flush delivers any buffered events. Safe to call multiple times.
	Flush(ctx context.Context) error
}
