package flow

import (
	"context"
	"fmt"
)

// compensate unwinds the flow's compensation stack after a failure.
//
// With an empty stack the flow just fails with the reason. Otherwise the
// status moves to compensating, is persisted, and the recorded entries run
// strictly in reverse-of-recording order with the flow's current context.
// An individual action's failure or panic is emitted and skipped; iteration
// continues. Entries are never popped: they stay on the instance for audit.
// The final status is failed, with " (compensated)" appended to the reason.
//
// An infrastructure failure while entering the compensating status aborts
// the unwind: the flow fails with "Compensation failed: <cause>" and the
// return value is false.
//
// The caller persists the instance afterwards. Context mutations made by
// compensation actions are therefore durable.
func (e *Engine) compensate(ctx context.Context, inst *Instance, reason string) bool {
	now := e.now()
	state := inst.CurrentState.String()

	if len(inst.Compensations) == 0 {
		inst.Status = StatusFailed
		inst.Error = &ErrorInfo{Message: reason, State: state, Timestamp: now}
		return false
	}

	inst.Status = StatusCompensating
	inst.UpdatedAt = now
	if err := e.store.Save(ctx, inst); err != nil {
		inst.Status = StatusFailed
		inst.Error = &ErrorInfo{
			Message:   "Compensation failed: " + err.Error(),
			State:     state,
			Timestamp: e.now(),
		}
		return false
	}

	e.emitEvent(inst.FlowID, "compensation_start", state, map[string]any{
		"reason": reason, "count": len(inst.Compensations),
	})

	for i := len(inst.Compensations) - 1; i >= 0; i-- {
		entry := inst.Compensations[i]
		action := entry.Action
		if action == nil && entry.ActionName != "" && e.registry != nil {
			action, _ = e.registry.Resolve(entry.ActionName)
		}
		if action == nil {
			e.emitEvent(inst.FlowID, "compensation_skipped", state, map[string]any{
				"stateLabel": entry.StateLabel, "description": entry.Description,
				"error": "no resolvable action",
			})
			continue
		}
		if err := runHook(ctx, action, inst.Context); err != nil {
			e.emitEvent(inst.FlowID, "compensation_skipped", state, map[string]any{
				"stateLabel": entry.StateLabel, "description": entry.Description,
				"error": err.Error(),
			})
			continue
		}
		e.emitEvent(inst.FlowID, "compensation_action", state, map[string]any{
			"stateLabel": entry.StateLabel, "description": entry.Description,
		})
	}

	inst.Status = StatusFailed
	inst.Error = &ErrorInfo{
		Message:   fmt.Sprintf("%s (compensated)", reason),
		State:     state,
		Timestamp: e.now(),
	}
	e.metrics.compensated(e.def.ID)
	return true
}
