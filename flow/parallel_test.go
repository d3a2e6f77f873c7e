package flow_test

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/stateflow-go/stateflow/flow"
)

// fulfillmentDef is a parallel flow with two regions that finish on
// independent events.
func fulfillmentDef() *flow.Definition {
	return &flow.Definition{
		ID:           "fulfillment",
		InitialState: "work",
		States: map[string]*flow.StateNode{
			"work": {Kind: flow.KindParallel, Regions: []flow.Region{
				{Name: "payment", InitialState: "r1-active", States: []string{"r1-active", "r1-done"}},
				{Name: "inventory", InitialState: "r2-active", States: []string{"r2-active", "r2-done"}},
			}},
			"r1-active": {Transitions: []flow.Transition{{Event: "FINISH_R1", To: "r1-done"}}},
			"r1-done":   {Kind: flow.KindFinal},
			"r2-active": {Transitions: []flow.Transition{{Event: "FINISH_R2", To: "r2-done"}}},
			"r2-done":   {Kind: flow.KindFinal},
		},
	}
}

// TestEngine_ParallelCompletion advances the two regions one at a time; the
// flow completes only when every region is final.
func TestEngine_ParallelCompletion(t *testing.T) {
	ctx := context.Background()
	engine := newEngine(t, fulfillmentDef())

	inst, err := engine.Start(ctx, flow.StartOptions{})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if !inst.CurrentState.IsParallel() {
		t.Fatal("expected parallel current state")
	}
	if got := inst.CurrentState.String(); got != "r1-active,r2-active" {
		t.Fatalf("initial state = %s", got)
	}

	result, err := engine.Execute(ctx, inst.FlowID, "FINISH_R1", flow.ExecuteOptions{TargetRegion: flow.RegionIndex(0)})
	if err != nil || !result.Success {
		t.Fatalf("FINISH_R1 failed: %v / %+v", err, result)
	}
	if result.State.Status != flow.StatusActive {
		t.Errorf("status after one region = %s, want active", result.State.Status)
	}
	if got := result.State.CurrentState.String(); got != "r1-done,r2-active" {
		t.Errorf("state = %s", got)
	}

	result, err = engine.Execute(ctx, inst.FlowID, "FINISH_R2", flow.ExecuteOptions{TargetRegion: flow.RegionIndex(1)})
	if err != nil || !result.Success {
		t.Fatalf("FINISH_R2 failed: %v / %+v", err, result)
	}
	if result.State.Status != flow.StatusCompleted {
		t.Errorf("status = %s, want completed", result.State.Status)
	}

	// Region count is stable and history endpoints are lists.
	final, _ := engine.GetFlow(ctx, inst.FlowID)
	if len(final.CurrentState.Regions()) != 2 {
		t.Error("region count changed")
	}
	for _, rec := range final.History {
		if !rec.From.IsParallel() || !rec.To.IsParallel() {
			t.Errorf("parallel history endpoints must be lists: %+v", rec)
		}
	}
}

func TestEngine_ParallelBroadcast(t *testing.T) {
	ctx := context.Background()

	t.Run("broadcast advances only accepting regions", func(t *testing.T) {
		engine := newEngine(t, fulfillmentDef())
		inst, _ := engine.Start(ctx, flow.StartOptions{})

		result, err := engine.Execute(ctx, inst.FlowID, "FINISH_R1", flow.ExecuteOptions{})
		if err != nil || !result.Success {
			t.Fatalf("broadcast failed: %v / %+v", err, result)
		}
		if got := result.State.CurrentState.String(); got != "r1-done,r2-active" {
			t.Errorf("state = %s", got)
		}
	})

	t.Run("broadcast accepted by no region fails and compensates", func(t *testing.T) {
		engine := newEngine(t, fulfillmentDef())
		inst, _ := engine.Start(ctx, flow.StartOptions{})
		ran := false
		_ = engine.RecordCompensation(ctx, inst.FlowID, func(_ context.Context, _ flow.Context) error {
			ran = true
			return nil
		}, "")

		result, err := engine.Execute(ctx, inst.FlowID, "NOPE", flow.ExecuteOptions{})
		if err != nil {
			t.Fatalf("execution failure must come back in the result: %v", err)
		}
		if result.Success || result.Err.Code != flow.CodeNoRegionAccepted {
			t.Fatalf("expected NO_REGION_ACCEPTED, got %+v", result)
		}
		if !result.Compensated || !ran {
			t.Error("compensation must run")
		}
	})

	t.Run("broadcast event accepted by both regions", func(t *testing.T) {
		def := fulfillmentDef()
		def.States["r1-active"].Transitions = []flow.Transition{{Event: "FINISH", To: "r1-done"}}
		def.States["r2-active"].Transitions = []flow.Transition{{Event: "FINISH", To: "r2-done"}}
		engine := newEngine(t, def)
		inst, _ := engine.Start(ctx, flow.StartOptions{})

		result, err := engine.Execute(ctx, inst.FlowID, "FINISH", flow.ExecuteOptions{})
		if err != nil || !result.Success {
			t.Fatalf("broadcast failed: %v / %+v", err, result)
		}
		if result.State.Status != flow.StatusCompleted {
			t.Errorf("status = %s, want completed", result.State.Status)
		}
	})
}

func TestEngine_ParallelDispatchErrors(t *testing.T) {
	ctx := context.Background()

	t.Run("target region out of range", func(t *testing.T) {
		engine := newEngine(t, fulfillmentDef())
		inst, _ := engine.Start(ctx, flow.StartOptions{})
		result, err := engine.Execute(ctx, inst.FlowID, "FINISH_R1", flow.ExecuteOptions{TargetRegion: flow.RegionIndex(5)})
		if err != nil {
			t.Fatalf("expected failure in result: %v", err)
		}
		if result.Success || result.Err.Code != flow.CodeInvalidRegion {
			t.Fatalf("expected INVALID_REGION, got %+v", result)
		}
		if result.State.Status != flow.StatusFailed {
			t.Errorf("status = %s, want failed", result.State.Status)
		}
	})

	t.Run("region transition into parallel state is fatal", func(t *testing.T) {
		def := fulfillmentDef()
		def.States["r1-active"].Transitions = append(def.States["r1-active"].Transitions,
			flow.Transition{Event: "LOOP", To: "work"})
		engine := newEngine(t, def)
		inst, _ := engine.Start(ctx, flow.StartOptions{})

		result, err := engine.Execute(ctx, inst.FlowID, "LOOP", flow.ExecuteOptions{TargetRegion: flow.RegionIndex(0)})
		if err != nil {
			t.Fatalf("expected failure in result: %v", err)
		}
		if result.Success || result.Err.Code != flow.CodeNestedParallel {
			t.Fatalf("expected NESTED_PARALLEL, got %+v", result)
		}
	})
}

func TestEngine_ParallelEntryHooks(t *testing.T) {
	ctx := context.Background()

	t.Run("region entry hooks run concurrently at start", func(t *testing.T) {
		var entered atomic.Int32
		def := fulfillmentDef()
		def.States["r1-active"].OnEntry = func(_ context.Context, _ flow.Context) error {
			entered.Add(1)
			return nil
		}
		def.States["r2-active"].OnEntry = func(_ context.Context, _ flow.Context) error {
			entered.Add(1)
			return nil
		}
		engine := newEngine(t, def)
		if _, err := engine.Start(ctx, flow.StartOptions{}); err != nil {
			t.Fatalf("Start failed: %v", err)
		}
		if entered.Load() != 2 {
			t.Errorf("entered = %d, want 2", entered.Load())
		}
	})

	t.Run("transition into a parallel node fans out", func(t *testing.T) {
		def := fulfillmentDef()
		def.InitialState = "begin"
		def.States["begin"] = &flow.StateNode{
			Transitions: []flow.Transition{{Event: "GO", To: "work"}},
		}
		engine := newEngine(t, def)
		inst, _ := engine.Start(ctx, flow.StartOptions{})

		result, err := engine.Execute(ctx, inst.FlowID, "GO", flow.ExecuteOptions{})
		if err != nil || !result.Success {
			t.Fatalf("GO failed: %v / %+v", err, result)
		}
		if !result.State.CurrentState.IsParallel() {
			t.Fatal("expected parallel state after fan-out")
		}
		if got := result.State.CurrentState.String(); got != "r1-active,r2-active" {
			t.Errorf("state = %s", got)
		}
	})
}
