package flow

import (
	"encoding/json"
	"strings"
	"time"
)

// Status is the lifecycle state of a flow instance.
type Status string

const (
	// StatusActive means the flow accepts events.
	StatusActive Status = "active"
	// StatusPaused means the flow rejects events until resumed.
	StatusPaused Status = "paused"
	// StatusCompensating means the compensation stack is unwinding.
	StatusCompensating Status = "compensating"
	// StatusCompleted means the flow reached a final state.
	StatusCompleted Status = "completed"
	// StatusFailed means the flow failed or was cancelled.
	StatusFailed Status = "failed"
)

// Terminal reports whether the status is completed or failed.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// StateRef is the current position of a flow: either a single state name or
// a non-empty ordered list of names, one per active parallel region. It is
// serialized as a JSON string or list of strings, discriminated by type.
type StateRef struct {
	names    []string
	parallel bool
}

// SingleStateRef references one state.
func SingleStateRef(name string) StateRef {
	return StateRef{names: []string{name}}
}

// ParallelStateRef references one state per active region, in region
// declaration order.
func ParallelStateRef(names []string) StateRef {
	copied := make([]string, len(names))
	copy(copied, names)
	return StateRef{names: copied, parallel: true}
}

// IsParallel reports whether the reference is a region list.
func (r StateRef) IsParallel() bool { return r.parallel }

// IsZero reports whether the reference is empty.
func (r StateRef) IsZero() bool { return len(r.names) == 0 }

// Name returns the single state name. For parallel references it returns the
// first region's state.
func (r StateRef) Name() string {
	if len(r.names) == 0 {
		return ""
	}
	return r.names[0]
}

// Regions returns a copy of the per-region state names. For single
// references it returns a one-element list.
func (r StateRef) Regions() []string {
	out := make([]string, len(r.names))
	copy(out, r.names)
	return out
}

// Contains reports whether name is the current state or one of the active
// region states.
func (r StateRef) Contains(name string) bool {
	for _, n := range r.names {
		if n == name {
			return true
		}
	}
	return false
}

// Equal reports value equality.
func (r StateRef) Equal(o StateRef) bool {
	if r.parallel != o.parallel || len(r.names) != len(o.names) {
		return false
	}
	for i := range r.names {
		if r.names[i] != o.names[i] {
			return false
		}
	}
	return true
}

// withRegion returns a copy with region i replaced.
func (r StateRef) withRegion(i int, name string) StateRef {
	names := r.Regions()
	names[i] = name
	return StateRef{names: names, parallel: r.parallel}
}

// String returns the state name, or the comma-joined region states.
func (r StateRef) String() string {
	return strings.Join(r.names, ",")
}

// MarshalJSON writes a string for single references and a list for parallel
// references.
func (r StateRef) MarshalJSON() ([]byte, error) {
	if r.parallel {
		return json.Marshal(r.names)
	}
	return json.Marshal(r.Name())
}

// UnmarshalJSON accepts a string or a list of strings.
func (r *StateRef) UnmarshalJSON(data []byte) error {
	trimmed := strings.TrimSpace(string(data))
	if strings.HasPrefix(trimmed, "[") {
		var names []string
		if err := json.Unmarshal(data, &names); err != nil {
			return err
		}
		*r = StateRef{names: names, parallel: true}
		return nil
	}
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	*r = StateRef{names: []string{name}}
	return nil
}

// HistoryRecord is one successful transition.
type HistoryRecord struct {
	From      StateRef  `json:"from"`
	To        StateRef  `json:"to"`
	Event     string    `json:"event"`
	Timestamp time.Time `json:"timestamp"`
}

// CompensationEntry is one recorded undo action. Action is an in-process
// callable and never serialized; ActionName carries the registry name for
// stores that persist across restarts.
type CompensationEntry struct {
	StateLabel  string     `json:"stateLabel"`
	Action      ActionFunc `json:"-"`
	ActionName  string     `json:"actionName,omitempty"`
	Timestamp   time.Time  `json:"timestamp"`
	Description string     `json:"description,omitempty"`
}

// SubFlowReference links a parent flow to a child instance. It expresses a
// relation, not ownership: the child is an independent top-level store entry.
type SubFlowReference struct {
	SubFlowID      string     `json:"subFlowId"`
	DefinitionID   string     `json:"definitionId"`
	StartedInState string     `json:"startedInState"`
	Status         Status     `json:"status"`
	StartedAt      time.Time  `json:"startedAt"`
	CompletedAt    *time.Time `json:"completedAt,omitempty"`
	Result         Context    `json:"result,omitempty"`
}

// ErrorInfo captures why a flow failed.
type ErrorInfo struct {
	Message   string    `json:"message"`
	State     string    `json:"state"`
	Timestamp time.Time `json:"timestamp"`
}

// Instance is one live execution of a definition. It is exclusively owned by
// the store; the engine holds it only for the duration of a single operation,
// and values read out of a store are snapshot copies. History and
// compensations are append-only.
type Instance struct {
	FlowID        string              `json:"flowId"`
	DefinitionID  string              `json:"definitionId"`
	Version       string              `json:"version"`
	CurrentState  StateRef            `json:"currentState"`
	Context       Context             `json:"context"`
	Status        Status              `json:"status"`
	History       []HistoryRecord     `json:"history"`
	Compensations []CompensationEntry `json:"compensations"`
	SubFlows      []SubFlowReference  `json:"subFlows"`
	ParentFlowID  string              `json:"parentFlowId,omitempty"`
	Error         *ErrorInfo          `json:"error,omitempty"`
	CreatedAt     time.Time           `json:"createdAt"`
	UpdatedAt     time.Time           `json:"updatedAt"`
}

// Clone returns a deep copy. Compensation callables are shared, everything
// else is copied, so mutating a snapshot cannot corrupt stored state.
func (in *Instance) Clone() *Instance {
	if in == nil {
		return nil
	}
	out := *in
	out.CurrentState = StateRef{names: in.CurrentState.Regions(), parallel: in.CurrentState.parallel}
	out.Context = in.Context.Clone()
	out.History = make([]HistoryRecord, len(in.History))
	copy(out.History, in.History)
	out.Compensations = make([]CompensationEntry, len(in.Compensations))
	copy(out.Compensations, in.Compensations)
	out.SubFlows = make([]SubFlowReference, len(in.SubFlows))
	for i, ref := range in.SubFlows {
		copied := ref
		copied.Result = ref.Result.Clone()
		if ref.Result == nil {
			copied.Result = nil
		}
		if ref.CompletedAt != nil {
			t := *ref.CompletedAt
			copied.CompletedAt = &t
		}
		out.SubFlows[i] = copied
	}
	if in.Error != nil {
		e := *in.Error
		out.Error = &e
	}
	return &out
}
