package flow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/stateflow-go/stateflow/flow/emit"
)

// Engine orchestrates flow instances over a definition: it starts them,
// drives them forward one event at a time through the middleware chain and
// the state machine, unwinds compensations on failure, links sub-flows and
// persists every observable step through the store.
//
// Operations on the same flow id are serialized by an engine-internal
// per-flow lock; different flow ids advance in parallel with no
// coordination. Callers sharing a store across processes still need external
// single-writer enforcement per flow.
type Engine struct {
	def     *Definition
	machine *Machine
	store   Store

	emitter  emit.Emitter
	metrics  *Metrics
	registry *ActionRegistry

	newID        func() string
	now          func() time.Time
	pollInterval time.Duration

	mu          sync.RWMutex
	middlewares []Middleware

	locks sync.Map // flowID -> *sync.Mutex
}

// New creates an engine for the definition, validating it first.
func New(def *Definition, st Store, options ...Option) (*Engine, error) {
	if st == nil {
		return nil, newError(CodeStore, "store is required")
	}
	if err := def.Validate(); err != nil {
		return nil, err
	}
	cfg := &engineConfig{
		newID:        uuid.NewString,
		now:          time.Now,
		pollInterval: 100 * time.Millisecond,
	}
	for _, opt := range options {
		if err := opt(cfg); err != nil {
			return nil, err
		}
	}
	return &Engine{
		def:          def,
		machine:      NewMachine(def),
		store:        st,
		emitter:      cfg.emitter,
		metrics:      cfg.metrics,
		registry:     cfg.registry,
		newID:        cfg.newID,
		now:          cfg.now,
		pollInterval: cfg.pollInterval,
	}, nil
}

// Definition returns the engine's flow definition.
func (e *Engine) Definition() *Definition { return e.def }

// Use appends a middleware to the chain and returns the engine for chaining.
// The first middleware registered is outermost.
func (e *Engine) Use(m Middleware) *Engine {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.middlewares = append(e.middlewares, m)
	return e
}

// ClearMiddleware empties the middleware chain.
func (e *Engine) ClearMiddleware() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.middlewares = nil
}

// lock serializes operations on one flow id within this engine.
func (e *Engine) lock(flowID string) func() {
	v, _ := e.locks.LoadOrStore(flowID, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// StartOptions configures Start.
type StartOptions struct {
	// FlowID is the caller-supplied id; generated when empty.
	FlowID string

	// IdempotencyKey, when set and already bound, makes Start return the
	// previously created flow unchanged.
	IdempotencyKey string

	// Context is the initial flow context, copied by value.
	Context Context

	// ParentFlowID back-references the parent for sub-flows.
	ParentFlowID string
}

// ExecuteOptions configures Execute.
type ExecuteOptions struct {
	// Data is shallow-merged into the flow context before execution.
	Data Context

	// IdempotencyKey, when set and already bound, makes Execute return a
	// success no-op carrying the current state.
	IdempotencyKey string

	// TargetRegion addresses a single parallel region by zero-based index.
	// Nil broadcasts the event to every region.
	TargetRegion *int
}

// RegionIndex is a convenience for ExecuteOptions.TargetRegion.
func RegionIndex(i int) *int { return &i }

// ExecuteResult is the outcome of one Execute call. Execute always produces
// a result for execution failures; only operational errors (missing or
// inactive flow, store failure) are returned as errors instead.
type ExecuteResult struct {
	Success     bool
	State       *Instance
	Transition  *HistoryRecord
	Attempts    int
	Compensated bool
	Err         *FlowError
}

// Start creates a new flow instance, or returns the one bound to the
// idempotency key. The initial state's entry hooks run before the first
// persist; for a parallel initial state every region's entry hook runs
// concurrently. An entry failure leaves a persisted failed instance.
func (e *Engine) Start(ctx context.Context, opts StartOptions) (*Instance, error) {
	if opts.IdempotencyKey != "" {
		id, bound, err := e.store.FlowIDByIdempotencyKey(ctx, opts.IdempotencyKey)
		if err != nil {
			return nil, e.storeError(err)
		}
		if bound {
			inst, err := e.store.Get(ctx, id)
			if err != nil {
				return nil, e.storeError(err)
			}
			if inst == nil {
				return nil, &FlowError{Code: CodeNotFound, Message: fmt.Sprintf("flow %q bound to idempotency key not found", id), FlowID: id}
			}
			e.metrics.idempotentHit(e.def.ID, "start")
			return inst, nil
		}
	}

	flowID := opts.FlowID
	if flowID == "" {
		flowID = e.newID()
	}
	unlock := e.lock(flowID)
	defer unlock()

	exists, err := e.store.Exists(ctx, flowID)
	if err != nil {
		return nil, e.storeError(err)
	}
	if exists {
		return nil, &FlowError{Code: CodeDuplicate, Message: fmt.Sprintf("flow %q already exists", flowID), FlowID: flowID}
	}
	if opts.IdempotencyKey != "" {
		if err := e.store.SaveIdempotencyKey(ctx, opts.IdempotencyKey, flowID); err != nil {
			return nil, e.storeError(err)
		}
	}

	init := e.def.States[e.def.InitialState]
	ref := e.initialRef(init)
	now := e.now()
	inst := &Instance{
		FlowID:        flowID,
		DefinitionID:  e.def.ID,
		Version:       e.def.Version,
		CurrentState:  ref,
		Context:       opts.Context.Clone(),
		Status:        StatusActive,
		History:       []HistoryRecord{},
		Compensations: []CompensationEntry{},
		SubFlows:      []SubFlowReference{},
		ParentFlowID:  opts.ParentFlowID,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	e.metrics.flowStarted()
	if entryErr := e.runInitialEntry(ctx, init, inst.Context); entryErr != nil {
		inst.Status = StatusFailed
		inst.Error = &ErrorInfo{Message: entryErr.Message, State: ref.String(), Timestamp: e.now()}
		e.metrics.flowTerminal()
	} else if e.machine.FinalRef(ref) {
		inst.Status = StatusCompleted
		e.metrics.flowTerminal()
	}

	if err := e.store.Save(ctx, inst); err != nil {
		return nil, e.storeError(err)
	}

	switch inst.Status {
	case StatusFailed:
		e.emitEvent(flowID, "flow_failed", ref.String(), map[string]any{"error": inst.Error.Message})
	case StatusCompleted:
		e.emitEvent(flowID, "flow_started", ref.String(), nil)
		e.emitEvent(flowID, "flow_completed", ref.String(), nil)
	default:
		e.emitEvent(flowID, "flow_started", ref.String(), nil)
	}
	return inst.Clone(), nil
}

// initialRef computes the starting state reference: a single name, or one
// entry per region in declaration order for a parallel initial state.
func (e *Engine) initialRef(init *StateNode) StateRef {
	if init.Kind == KindParallel {
		names := make([]string, len(init.Regions))
		for i, rg := range init.Regions {
			names[i] = rg.InitialState
		}
		return ParallelStateRef(names)
	}
	return SingleStateRef(e.def.InitialState)
}

// runInitialEntry runs the initial node's entry hook and, for parallel
// initial states, every region's initial entry hook concurrently.
func (e *Engine) runInitialEntry(ctx context.Context, init *StateNode, fc Context) *FlowError {
	if init.OnEntry != nil {
		if err := runHook(ctx, init.OnEntry, fc); err != nil {
			return &FlowError{Code: CodeHookError, Message: fmt.Sprintf("entry hook of %q: %v", init.Name, err), State: init.Name, Err: err}
		}
	}
	if init.Kind != KindParallel {
		return nil
	}
	return e.enterRegions(ctx, init.Regions, fc)
}

// enterRegions runs each region's initial entry hook concurrently and
// returns the first failure.
func (e *Engine) enterRegions(ctx context.Context, regions []Region, fc Context) *FlowError {
	errCh := make(chan *FlowError, len(regions))
	var wg sync.WaitGroup
	for _, rg := range regions {
		node := e.def.States[rg.InitialState]
		if node == nil || node.OnEntry == nil {
			continue
		}
		wg.Add(1)
		go func(node *StateNode) {
			defer wg.Done()
			if err := runHook(ctx, node.OnEntry, fc); err != nil {
				errCh <- &FlowError{
					Code:    CodeHookError,
					Message: fmt.Sprintf("entry hook of %q: %v", node.Name, err),
					State:   node.Name,
					Err:     err,
				}
			}
		}(node)
	}
	wg.Wait()
	close(errCh)
	return <-errCh
}

// Execute drives the flow one event forward through the middleware chain and
// the state machine. Execution failures (no transition, hook failure after
// retries, parallel dispatch failure, middleware failure) run the
// compensation stack and come back inside the result; operational errors
// are returned directly and never mutate flow state.
func (e *Engine) Execute(ctx context.Context, flowID, event string, opts ExecuteOptions) (*ExecuteResult, error) {
	unlock := e.lock(flowID)
	defer unlock()

	inst, err := e.store.Get(ctx, flowID)
	if err != nil {
		return nil, e.storeError(err)
	}
	if inst == nil {
		return nil, &FlowError{Code: CodeNotFound, Message: fmt.Sprintf("flow %q not found", flowID), FlowID: flowID}
	}

	// Idempotency guard: a bound key answers with a no-op success carrying
	// the current snapshot, regardless of what this call would otherwise do.
	if opts.IdempotencyKey != "" {
		bound, err := e.store.HasIdempotencyKey(ctx, opts.IdempotencyKey)
		if err != nil {
			return nil, e.storeError(err)
		}
		if bound {
			e.metrics.idempotentHit(e.def.ID, "execute")
			record := &HistoryRecord{From: inst.CurrentState, To: inst.CurrentState, Event: event, Timestamp: e.now()}
			return &ExecuteResult{Success: true, State: inst, Transition: record}, nil
		}
	}

	if inst.Status != StatusActive {
		return nil, &FlowError{
			Code:    CodeNotActive,
			Message: fmt.Sprintf("flow %q is %s, not active", flowID, inst.Status),
			FlowID:  flowID,
			State:   inst.CurrentState.String(),
		}
	}

	if opts.IdempotencyKey != "" {
		if err := e.store.SaveIdempotencyKey(ctx, opts.IdempotencyKey, flowID); err != nil {
			return nil, e.storeError(err)
		}
	}

	start := e.now()
	e.emitEvent(flowID, "execute_start", inst.CurrentState.String(), map[string]any{"event": event})

	mc := &MiddlewareContext{
		FlowID:    flowID,
		Event:     event,
		FlowState: inst.Clone(),
		Options:   opts,
		StartTime: start,
	}
	core := func() (*ExecuteResult, error) {
		return e.executeCore(ctx, inst, event, opts)
	}
	e.mu.RLock()
	chain := buildChain(e.middlewares, ctx, mc, core)
	e.mu.RUnlock()

	result, err := chain()
	if err != nil {
		var fe *FlowError
		if errors.As(err, &fe) && fe.Code.operational() {
			return nil, err
		}
		// The middleware chain raised an execution failure before or after
		// the core step ran: compensate.
		ferr := &FlowError{Code: CodeHookError, Message: fmt.Sprintf("middleware: %v", err), FlowID: flowID, Err: err}
		result = e.failExecution(ctx, inst, event, ferr)
	}
	e.metrics.observeLatency(e.def.ID, event, e.now().Sub(start))
	return result, nil
}

// executeCore is the innermost execute step: merge event data, dispatch the
// transition (single-state or parallel), then either advance the instance
// and append history, or compensate.
func (e *Engine) executeCore(ctx context.Context, inst *Instance, event string, opts ExecuteOptions) (*ExecuteResult, error) {
	if opts.Data != nil {
		if inst.Context == nil {
			inst.Context = Context{}
		}
		inst.Context.Merge(opts.Data)
	}

	from := inst.CurrentState
	var to StateRef
	var attempts int
	var ferr *FlowError

	if inst.CurrentState.IsParallel() {
		to, attempts, ferr = e.dispatchParallel(ctx, inst, event, opts)
	} else {
		out := e.machine.ExecuteTransition(ctx, inst.CurrentState.Name(), event, inst.Context)
		attempts = out.Attempts
		if out.Err != nil {
			ferr = out.Err
		} else {
			to, ferr = e.enterTarget(ctx, out.To, inst.Context)
		}
	}
	e.metrics.retried(e.def.ID, event, attempts-1)

	if ferr != nil {
		ferr.FlowID = inst.FlowID
		result := e.failExecution(ctx, inst, event, ferr)
		result.Attempts = attempts
		return result, nil
	}

	record := HistoryRecord{From: from, To: to, Event: event, Timestamp: e.now()}
	inst.History = append(inst.History, record)
	inst.CurrentState = to
	inst.UpdatedAt = record.Timestamp
	completed := e.machine.FinalRef(to)
	if completed {
		inst.Status = StatusCompleted
	}

	if err := e.store.Save(ctx, inst); err != nil {
		return nil, e.storeError(err)
	}

	e.metrics.transition(e.def.ID, event, "success")
	e.emitEvent(inst.FlowID, "transition", to.String(), map[string]any{
		"event": event, "from": from.String(), "to": to.String(), "attempts": attempts,
	})
	if completed {
		e.metrics.flowTerminal()
		e.emitEvent(inst.FlowID, "flow_completed", to.String(), nil)
	}
	return &ExecuteResult{Success: true, State: inst.Clone(), Transition: &record, Attempts: attempts}, nil
}

// enterTarget resolves the state reference after a successful single-state
// transition. Entering a parallel node fans the flow out into its regions:
// the reference becomes the region initials and each region's entry hook
// runs concurrently.
func (e *Engine) enterTarget(ctx context.Context, target string, fc Context) (StateRef, *FlowError) {
	node := e.def.States[target]
	if node == nil || node.Kind != KindParallel {
		return SingleStateRef(target), nil
	}
	names := make([]string, len(node.Regions))
	for i, rg := range node.Regions {
		names[i] = rg.InitialState
	}
	if err := e.enterRegions(ctx, node.Regions, fc); err != nil {
		return StateRef{}, err
	}
	return ParallelStateRef(names), nil
}

// dispatchParallel applies the event to the region list. With TargetRegion
// set, exactly that region transitions. Otherwise the event is broadcast:
// every region attempts the transition concurrently, regions that fail for
// any reason silently keep their state, and the call fails only when no
// region accepted. A transition targeting another parallel state is fatal.
func (e *Engine) dispatchParallel(ctx context.Context, inst *Instance, event string, opts ExecuteOptions) (StateRef, int, *FlowError) {
	regions := inst.CurrentState.Regions()

	if opts.TargetRegion != nil {
		idx := *opts.TargetRegion
		if idx < 0 || idx >= len(regions) {
			return StateRef{}, 0, &FlowError{
				Code:    CodeInvalidRegion,
				Message: fmt.Sprintf("region index %d out of range [0,%d)", idx, len(regions)),
				State:   inst.CurrentState.String(),
			}
		}
		out := e.machine.ExecuteTransition(ctx, regions[idx], event, inst.Context)
		if out.Err != nil {
			return StateRef{}, out.Attempts, out.Err
		}
		if node := e.def.States[out.To]; node != nil && node.Kind == KindParallel {
			return StateRef{}, out.Attempts, e.nestedParallelError(regions[idx], out.To)
		}
		return inst.CurrentState.withRegion(idx, out.To), out.Attempts, nil
	}

	outcomes := make([]Outcome, len(regions))
	var wg sync.WaitGroup
	for i := range regions {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			outcomes[i] = e.machine.ExecuteTransition(ctx, regions[i], event, inst.Context)
		}(i)
	}
	wg.Wait()

	names := inst.CurrentState.Regions()
	accepted := 0
	maxAttempts := 0
	for i, out := range outcomes {
		if out.Attempts > maxAttempts {
			maxAttempts = out.Attempts
		}
		if out.Err != nil {
			continue
		}
		if node := e.def.States[out.To]; node != nil && node.Kind == KindParallel {
			return StateRef{}, maxAttempts, e.nestedParallelError(regions[i], out.To)
		}
		names[i] = out.To
		accepted++
	}
	if accepted == 0 {
		return StateRef{}, maxAttempts, &FlowError{
			Code:    CodeNoRegionAccepted,
			Message: fmt.Sprintf("event %q accepted by no region", event),
			State:   inst.CurrentState.String(),
		}
	}
	return ParallelStateRef(names), maxAttempts, nil
}

func (e *Engine) nestedParallelError(from, to string) *FlowError {
	return &FlowError{
		Code:    CodeNestedParallel,
		Message: fmt.Sprintf("region state %q cannot transition into parallel state %q", from, to),
		State:   from,
	}
}

// failExecution runs the compensation procedure, persists the failed
// instance and assembles the failure result.
func (e *Engine) failExecution(ctx context.Context, inst *Instance, event string, ferr *FlowError) *ExecuteResult {
	e.metrics.transition(e.def.ID, event, "failure")
	e.emitEvent(inst.FlowID, "execute_failed", inst.CurrentState.String(), map[string]any{
		"event": event, "error": ferr.Message, "code": string(ferr.Code),
	})

	compensated := e.compensate(ctx, inst, ferr.Message)
	inst.UpdatedAt = e.now()
	if err := e.store.Save(ctx, inst); err != nil {
		e.emitEvent(inst.FlowID, "flow_failed", inst.CurrentState.String(), map[string]any{"error": err.Error()})
	}
	e.metrics.flowTerminal()
	e.emitEvent(inst.FlowID, "flow_failed", inst.CurrentState.String(), map[string]any{"error": inst.Error.Message})

	record := &HistoryRecord{From: inst.CurrentState, To: inst.CurrentState, Event: event, Timestamp: e.now()}
	return &ExecuteResult{
		Success:     false,
		State:       inst.Clone(),
		Transition:  record,
		Compensated: compensated,
		Err:         ferr,
	}
}

// GetFlow returns a read-only snapshot of the instance.
func (e *Engine) GetFlow(ctx context.Context, flowID string) (*Instance, error) {
	inst, err := e.store.Get(ctx, flowID)
	if err != nil {
		return nil, e.storeError(err)
	}
	if inst == nil {
		return nil, &FlowError{Code: CodeNotFound, Message: fmt.Sprintf("flow %q not found", flowID), FlowID: flowID}
	}
	return inst, nil
}

// ListFlows returns snapshots of every instance matching the filter.
func (e *Engine) ListFlows(ctx context.Context, filter *Filter) ([]*Instance, error) {
	insts, err := e.store.List(ctx, filter)
	if err != nil {
		return nil, e.storeError(err)
	}
	return insts, nil
}

// GetPossibleTransitions returns the deduplicated union of event names
// available from the flow's current state or active region states.
func (e *Engine) GetPossibleTransitions(ctx context.Context, flowID string) ([]string, error) {
	inst, err := e.GetFlow(ctx, flowID)
	if err != nil {
		return nil, err
	}
	return e.machine.PossibleEvents(inst.CurrentState.Regions()), nil
}

// Pause sets an active flow to paused.
func (e *Engine) Pause(ctx context.Context, flowID string) error {
	return e.setStatus(ctx, flowID, StatusActive, StatusPaused, "flow_paused")
}

// Resume sets a paused flow back to active.
func (e *Engine) Resume(ctx context.Context, flowID string) error {
	return e.setStatus(ctx, flowID, StatusPaused, StatusActive, "flow_resumed")
}

func (e *Engine) setStatus(ctx context.Context, flowID string, want, next Status, msg string) error {
	unlock := e.lock(flowID)
	defer unlock()

	inst, err := e.store.Get(ctx, flowID)
	if err != nil {
		return e.storeError(err)
	}
	if inst == nil {
		return &FlowError{Code: CodeNotFound, Message: fmt.Sprintf("flow %q not found", flowID), FlowID: flowID}
	}
	if inst.Status != want {
		return &FlowError{
			Code:    CodeNotActive,
			Message: fmt.Sprintf("flow %q is %s, not %s", flowID, inst.Status, want),
			FlowID:  flowID,
		}
	}
	inst.Status = next
	inst.UpdatedAt = e.now()
	if err := e.store.Save(ctx, inst); err != nil {
		return e.storeError(err)
	}
	e.emitEvent(flowID, msg, inst.CurrentState.String(), nil)
	return nil
}

// Cancel forces the flow to failed with the message "Flow cancelled by
// user". With triggerCompensation the compensation stack unwinds first.
// Completed flows cannot be cancelled.
func (e *Engine) Cancel(ctx context.Context, flowID string, triggerCompensation bool) error {
	unlock := e.lock(flowID)
	defer unlock()

	inst, err := e.store.Get(ctx, flowID)
	if err != nil {
		return e.storeError(err)
	}
	if inst == nil {
		return &FlowError{Code: CodeNotFound, Message: fmt.Sprintf("flow %q not found", flowID), FlowID: flowID}
	}
	if inst.Status == StatusCompleted {
		return &FlowError{Code: CodeNotActive, Message: fmt.Sprintf("flow %q already completed", flowID), FlowID: flowID}
	}

	const reason = "Flow cancelled by user"
	wasTerminal := inst.Status.Terminal()
	if triggerCompensation {
		e.compensate(ctx, inst, reason)
	} else {
		now := e.now()
		inst.Status = StatusFailed
		inst.Error = &ErrorInfo{Message: reason, State: inst.CurrentState.String(), Timestamp: now}
	}
	inst.UpdatedAt = e.now()
	if err := e.store.Save(ctx, inst); err != nil {
		return e.storeError(err)
	}
	if !wasTerminal {
		e.metrics.flowTerminal()
	}
	e.emitEvent(flowID, "flow_cancelled", inst.CurrentState.String(), map[string]any{"compensated": triggerCompensation})
	return nil
}

// RecordCompensation pushes an undo action onto the flow's compensation
// stack, labeled with the current state. Recording is allowed in any status;
// entries recorded after completion are unreachable but kept for audit.
func (e *Engine) RecordCompensation(ctx context.Context, flowID string, action ActionFunc, description string) error {
	return e.recordCompensation(ctx, flowID, action, "", description)
}

// RecordNamedCompensation records an undo action by registry name, so
// durable stores can serialize the reference and rehydrate it after a
// restart.
func (e *Engine) RecordNamedCompensation(ctx context.Context, flowID, actionName, description string) error {
	if e.registry == nil {
		return newError(CodeInvalidDefinition, "no action registry configured")
	}
	action, ok := e.registry.Resolve(actionName)
	if !ok {
		return newError(CodeInvalidDefinition, fmt.Sprintf("action %q not registered", actionName))
	}
	return e.recordCompensation(ctx, flowID, action, actionName, description)
}

func (e *Engine) recordCompensation(ctx context.Context, flowID string, action ActionFunc, actionName, description string) error {
	if action == nil {
		return newError(CodeInvalidDefinition, "compensation action cannot be nil")
	}
	unlock := e.lock(flowID)
	defer unlock()

	inst, err := e.store.Get(ctx, flowID)
	if err != nil {
		return e.storeError(err)
	}
	if inst == nil {
		return &FlowError{Code: CodeNotFound, Message: fmt.Sprintf("flow %q not found", flowID), FlowID: flowID}
	}
	inst.Compensations = append(inst.Compensations, CompensationEntry{
		StateLabel:  inst.CurrentState.String(),
		Action:      action,
		ActionName:  actionName,
		Timestamp:   e.now(),
		Description: description,
	})
	inst.UpdatedAt = e.now()
	if err := e.store.Save(ctx, inst); err != nil {
		return e.storeError(err)
	}
	return nil
}

// StartSubFlow creates a child instance of subDef on the same store, linked
// to the parent by ParentFlowID, and appends a SubFlowReference to the
// parent. The child's context defaults to a by-value copy of the parent's.
func (e *Engine) StartSubFlow(ctx context.Context, parentFlowID string, subDef *Definition, opts StartOptions) (*Instance, error) {
	parent, err := e.GetFlow(ctx, parentFlowID)
	if err != nil {
		return nil, err
	}

	sub, err := e.childEngine(subDef)
	if err != nil {
		return nil, err
	}
	childCtx := opts.Context
	if childCtx == nil {
		childCtx = parent.Context
	}
	child, err := sub.Start(ctx, StartOptions{
		FlowID:         opts.FlowID,
		IdempotencyKey: opts.IdempotencyKey,
		Context:        childCtx.Clone(),
		ParentFlowID:   parent.FlowID,
	})
	if err != nil {
		return nil, err
	}

	unlock := e.lock(parentFlowID)
	defer unlock()
	parent, err = e.GetFlow(ctx, parentFlowID)
	if err != nil {
		return nil, err
	}
	parent.SubFlows = append(parent.SubFlows, SubFlowReference{
		SubFlowID:      child.FlowID,
		DefinitionID:   subDef.ID,
		StartedInState: parent.CurrentState.String(),
		Status:         child.Status,
		StartedAt:      e.now(),
	})
	parent.UpdatedAt = e.now()
	if err := e.store.Save(ctx, parent); err != nil {
		return nil, e.storeError(err)
	}
	e.emitEvent(parentFlowID, "subflow_started", parent.CurrentState.String(), map[string]any{
		"subFlowId": child.FlowID, "definitionId": subDef.ID,
	})
	return child, nil
}

// childEngine builds an engine for the sub-definition sharing this engine's
// store and collaborators. Middleware is not inherited.
func (e *Engine) childEngine(subDef *Definition) (*Engine, error) {
	if err := subDef.Validate(); err != nil {
		return nil, err
	}
	return &Engine{
		def:          subDef,
		machine:      NewMachine(subDef),
		store:        e.store,
		emitter:      e.emitter,
		metrics:      e.metrics,
		registry:     e.registry,
		newID:        e.newID,
		now:          e.now,
		pollInterval: e.pollInterval,
	}, nil
}

// WaitForSubFlow polls the store until the child reaches a terminal status,
// then mirrors that status into the parent's SubFlowReference (setting the
// completion time, and the child context as result on success). A zero
// timeout waits until the context is cancelled. Waiting on oneself fails.
func (e *Engine) WaitForSubFlow(ctx context.Context, parentFlowID, subFlowID string, timeout time.Duration) (*Instance, error) {
	if parentFlowID == subFlowID {
		return nil, &FlowError{Code: CodeSelfReference, Message: "flow cannot wait on itself", FlowID: parentFlowID}
	}
	var deadline time.Time
	if timeout > 0 {
		deadline = e.now().Add(timeout)
	}

	for {
		child, err := e.store.Get(ctx, subFlowID)
		if err != nil {
			return nil, e.storeError(err)
		}
		if child == nil {
			return nil, &FlowError{Code: CodeNotFound, Message: fmt.Sprintf("sub-flow %q not found", subFlowID), FlowID: subFlowID}
		}
		if child.Status.Terminal() {
			if err := e.finishSubFlow(ctx, parentFlowID, child); err != nil {
				return nil, err
			}
			return child, nil
		}
		if !deadline.IsZero() && !e.now().Before(deadline) {
			return nil, &FlowError{
				Code:    CodeTimeout,
				Message: fmt.Sprintf("sub-flow %q did not finish within %s", subFlowID, timeout),
				FlowID:  subFlowID,
			}
		}
		if err := sleepCtx(ctx, e.pollInterval); err != nil {
			return nil, &FlowError{Code: CodeTimeout, Message: err.Error(), FlowID: subFlowID, Err: err}
		}
	}
}

// finishSubFlow updates the parent's matching SubFlowReference with the
// child's terminal status.
func (e *Engine) finishSubFlow(ctx context.Context, parentFlowID string, child *Instance) error {
	unlock := e.lock(parentFlowID)
	defer unlock()

	parent, err := e.GetFlow(ctx, parentFlowID)
	if err != nil {
		return err
	}
	for i := range parent.SubFlows {
		if parent.SubFlows[i].SubFlowID != child.FlowID {
			continue
		}
		now := e.now()
		parent.SubFlows[i].Status = child.Status
		parent.SubFlows[i].CompletedAt = &now
		if child.Status == StatusCompleted {
			parent.SubFlows[i].Result = child.Context.Clone()
		}
		parent.UpdatedAt = now
		return e.storeErrorOrNil(e.store.Save(ctx, parent))
	}
	return nil
}

// Delete removes the flow and, best-effort, every listed sub-flow. Errors
// deleting sub-flows are swallowed; the flow itself is always removed.
func (e *Engine) Delete(ctx context.Context, flowID string) error {
	inst, err := e.GetFlow(ctx, flowID)
	if err != nil {
		return err
	}
	for _, ref := range inst.SubFlows {
		_ = e.Delete(ctx, ref.SubFlowID)
	}

	unlock := e.lock(flowID)
	defer unlock()
	if err := e.store.Delete(ctx, flowID); err != nil {
		return e.storeError(err)
	}
	if !inst.Status.Terminal() {
		e.metrics.flowTerminal()
	}
	e.emitEvent(flowID, "flow_deleted", inst.CurrentState.String(), nil)
	return nil
}

func (e *Engine) emitEvent(flowID, msg, state string, meta map[string]any) {
	if e.emitter == nil {
		return
	}
	e.emitter.Emit(emit.Event{FlowID: flowID, Msg: msg, State: state, Meta: meta})
}

func (e *Engine) storeError(err error) error {
	if fe, ok := err.(*FlowError); ok {
		return fe
	}
	return &FlowError{Code: CodeStore, Message: err.Error(), Err: err}
}

func (e *Engine) storeErrorOrNil(err error) error {
	if err == nil {
		return nil
	}
	return e.storeError(err)
}
