package flow

import "context"

// Store is the persistence contract for flow instances and idempotency
// bindings. Implementations must return snapshots independent of the stored
// representation, and must store copies of what they are handed, so external
// mutation cannot corrupt persisted state. The store is shared across flows
// and must tolerate concurrent operations on different flow ids.
//
// Get returns (nil, nil) when the flow does not exist; Delete is a no-op for
// missing flows. Idempotency keys are write-once from the engine's viewpoint:
// saving an existing key must keep the first binding.
type Store interface {
	Save(ctx context.Context, inst *Instance) error
	Get(ctx context.Context, flowID string) (*Instance, error)
	Delete(ctx context.Context, flowID string) error
	Exists(ctx context.Context, flowID string) (bool, error)
	List(ctx context.Context, filter *Filter) ([]*Instance, error)

	HasIdempotencyKey(ctx context.Context, key string) (bool, error)
	SaveIdempotencyKey(ctx context.Context, key, flowID string) error
	FlowIDByIdempotencyKey(ctx context.Context, key string) (string, bool, error)
}

// ContextQuerier is an optional store capability: find flows whose context
// matches the given key/value map exactly.
type ContextQuerier interface {
	QueryByContext(ctx context.Context, match Context) ([]*Instance, error)
}

// Filter selects flow instances in List. Set fields form a conjunction.
// CurrentState uses set-membership semantics: every requested state must be
// the flow's current state or one of its active region states.
type Filter struct {
	Status       Status
	DefinitionID string
	Version      string
	ParentFlowID string
	CurrentState []string
}

// Matches reports whether the instance satisfies the filter. A nil filter
// matches everything.
func (f *Filter) Matches(in *Instance) bool {
	if f == nil {
		return true
	}
	if f.Status != "" && in.Status != f.Status {
		return false
	}
	if f.DefinitionID != "" && in.DefinitionID != f.DefinitionID {
		return false
	}
	if f.Version != "" && in.Version != f.Version {
		return false
	}
	if f.ParentFlowID != "" && in.ParentFlowID != f.ParentFlowID {
		return false
	}
	for _, s := range f.CurrentState {
		if !in.CurrentState.Contains(s) {
			return false
		}
	}
	return true
}
