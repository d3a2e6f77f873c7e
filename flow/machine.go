package flow

import (
	"context"
	"fmt"
	"time"
)

// Machine executes single-step transitions against a definition. It resolves
// the candidate transition for an event, runs the exit/action/validate/entry
// sequence as one retryable unit, and reports the outcome. It never touches
// the store; lifecycle bookkeeping belongs to the Engine.
type Machine struct {
	def *Definition
}

// NewMachine creates a transition executor for the definition. The
// definition must already be validated.
func NewMachine(def *Definition) *Machine {
	return &Machine{def: def}
}

// Outcome is the result of one ExecuteTransition call. On failure To equals
// From: the state does not move.
type Outcome struct {
	From     string
	To       string
	Event    string
	Attempts int
	Err      *FlowError
}

// Success reports whether the transition was taken.
func (o Outcome) Success() bool { return o.Err == nil }

// ExecuteTransition resolves and executes a single transition from the given
// state. Candidates are the state's own transitions followed by the global
// table entries for that state, in declaration order; the first one matching
// the event whose guard passes is selected. A guard that returns an error or
// panics skips its candidate. The selected transition runs as
// exit -> action -> validate -> entry, retried per its policy; fc is mutated
// in place on the path taken.
func (m *Machine) ExecuteTransition(ctx context.Context, current, event string, fc Context) Outcome {
	node := m.def.States[current]
	if node == nil {
		return Outcome{From: current, To: current, Event: event, Err: &FlowError{
			Code:    CodeNoTransition,
			Message: fmt.Sprintf("unknown state %q", current),
			State:   current,
		}}
	}

	tr := m.resolve(ctx, node, event, fc)
	if tr == nil {
		return Outcome{From: current, To: current, Event: event, Err: &FlowError{
			Code:    CodeNoTransition,
			Message: fmt.Sprintf("no transition for event %q from state %q", event, current),
			State:   current,
		}}
	}

	policy := RetryPolicy{}
	if tr.Retry != nil {
		policy = *tr.Retry
		if policy.Backoff == "" {
			policy.Backoff = BackoffLinear
		}
		if policy.Delay == 0 {
			policy.Delay = DefaultRetryPolicy().Delay
		}
	}

	var last *FlowError
	attempts := 0
	for attempt := 0; ; attempt++ {
		attempts++
		err := m.attempt(ctx, node, tr, fc)
		if err == nil {
			return Outcome{From: current, To: tr.To, Event: event, Attempts: attempts}
		}
		last = err
		if attempt >= policy.MaxAttempts {
			break
		}
		if werr := sleepCtx(ctx, policy.delay(attempt)); werr != nil {
			last = &FlowError{Code: CodeHookError, Message: werr.Error(), State: current}
			break
		}
	}

	m.fireOnError(ctx, fc, last)
	return Outcome{From: current, To: current, Event: event, Attempts: attempts, Err: last}
}

// resolve returns the first candidate for the event whose guard passes.
func (m *Machine) resolve(ctx context.Context, node *StateNode, event string, fc Context) *Transition {
	for i := range node.Transitions {
		t := &node.Transitions[i]
		if t.Event == event && m.guardPasses(ctx, t.Guard, fc) {
			return t
		}
	}
	global := m.def.GlobalTransitions[node.Name]
	for i := range global {
		t := &global[i]
		if t.Event == event && m.guardPasses(ctx, t.Guard, fc) {
			return t
		}
	}
	return nil
}

// guardPasses treats a guard error or panic as "this candidate does not
// apply".
func (m *Machine) guardPasses(ctx context.Context, g GuardFunc, fc Context) (pass bool) {
	if g == nil {
		return true
	}
	defer func() {
		if recover() != nil {
			pass = false
		}
	}()
	ok, err := g(ctx, fc)
	return err == nil && ok
}

// attempt runs one exit/action/validate/entry sequence.
func (m *Machine) attempt(ctx context.Context, src *StateNode, tr *Transition, fc Context) *FlowError {
	if src.OnExit != nil {
		if err := runHook(ctx, src.OnExit, fc); err != nil {
			return &FlowError{
				Code:    CodeHookError,
				Message: fmt.Sprintf("exit hook of %q: %v", src.Name, err),
				State:   src.Name,
				Err:     err,
			}
		}
	}
	if tr.Action != nil {
		if err := runHook(ctx, tr.Action, fc); err != nil {
			return &FlowError{
				Code:    CodeHookError,
				Message: fmt.Sprintf("action of %q on %q: %v", tr.Event, src.Name, err),
				State:   src.Name,
				Err:     err,
			}
		}
	}
	target := m.def.States[tr.To]
	if target != nil && target.Validation != nil {
		ok, msg, err := runValidation(ctx, target.Validation.Predicate, fc)
		if err != nil {
			return &FlowError{Code: CodeValidationFailed, Message: err.Error(), State: tr.To, Err: err}
		}
		if !ok {
			if msg == "" {
				msg = target.Validation.ErrorMessage
			}
			if msg == "" {
				msg = fmt.Sprintf("validation failed entering state %q", tr.To)
			}
			return &FlowError{Code: CodeValidationFailed, Message: msg, State: tr.To}
		}
	}
	if target != nil && target.OnEntry != nil {
		if err := runHook(ctx, target.OnEntry, fc); err != nil {
			return &FlowError{
				Code:    CodeHookError,
				Message: fmt.Sprintf("entry hook of %q: %v", tr.To, err),
				State:   tr.To,
				Err:     err,
			}
		}
	}
	return nil
}

// fireOnError invokes the definition's error hook, swallowing its failures.
func (m *Machine) fireOnError(ctx context.Context, fc Context, cause *FlowError) {
	if m.def.OnError == nil {
		return
	}
	defer func() { _ = recover() }()
	m.def.OnError(ctx, fc, cause)
}

// IsFinal reports whether the named state completes the flow: kind final, or
// an atomic/compound node with IsFinal set.
func (m *Machine) IsFinal(name string) bool {
	node := m.def.States[name]
	if node == nil {
		return false
	}
	if node.Kind == KindFinal {
		return true
	}
	return (node.Kind == KindAtomic || node.Kind == KindCompound) && node.IsFinal
}

// FinalRef reports whether a state reference is final: the single state is
// final, or every active region state is final.
func (m *Machine) FinalRef(ref StateRef) bool {
	if ref.IsZero() {
		return false
	}
	for _, name := range ref.Regions() {
		if !m.IsFinal(name) {
			return false
		}
	}
	return true
}

// PossibleEvents returns the deduplicated union of transition event names
// available from the given states, in first-seen order.
func (m *Machine) PossibleEvents(states []string) []string {
	seen := make(map[string]bool)
	var events []string
	add := func(trs []Transition) {
		for _, t := range trs {
			if !seen[t.Event] {
				seen[t.Event] = true
				events = append(events, t.Event)
			}
		}
	}
	for _, name := range states {
		if node := m.def.States[name]; node != nil {
			add(node.Transitions)
		}
		add(m.def.GlobalTransitions[name])
	}
	return events
}

// runHook invokes an action, converting panics into errors.
func runHook(ctx context.Context, a ActionFunc, fc Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return a(ctx, fc)
}

// runValidation invokes a validation predicate, converting panics into errors.
func runValidation(ctx context.Context, v ValidationFunc, fc Context) (ok bool, msg string, err error) {
	defer func() {
		if r := recover(); r != nil {
			ok, msg, err = false, "", fmt.Errorf("panic: %v", r)
		}
	}()
	return v(ctx, fc)
}

// sleepCtx waits for d, honoring context cancellation.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
