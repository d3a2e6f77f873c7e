package store

import (
	"context"
	"testing"
	"time"

	"github.com/stateflow-go/stateflow/flow"
)

func testInstance(id string, status flow.Status, state flow.StateRef) *flow.Instance {
	now := time.Now()
	return &flow.Instance{
		FlowID:       id,
		DefinitionID: "order",
		Version:      "1",
		CurrentState: state,
		Context:      flow.Context{"k": "v"},
		Status:       status,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

func TestMemStore_SaveGet(t *testing.T) {
	ctx := context.Background()
	st := NewMemStore()

	t.Run("get missing returns nil", func(t *testing.T) {
		inst, err := st.Get(ctx, "ghost")
		if err != nil || inst != nil {
			t.Fatalf("got %v / %v", inst, err)
		}
	})

	t.Run("save then get round trips", func(t *testing.T) {
		in := testInstance("f1", flow.StatusActive, flow.SingleStateRef("pending"))
		if err := st.Save(ctx, in); err != nil {
			t.Fatalf("Save failed: %v", err)
		}
		out, err := st.Get(ctx, "f1")
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if out.FlowID != "f1" || out.Status != flow.StatusActive || !out.CurrentState.Equal(in.CurrentState) {
			t.Errorf("round trip mismatch: %+v", out)
		}
	})

	t.Run("save of a snapshot is a no-op for equality", func(t *testing.T) {
		out, _ := st.Get(ctx, "f1")
		if err := st.Save(ctx, out); err != nil {
			t.Fatalf("Save failed: %v", err)
		}
		again, _ := st.Get(ctx, "f1")
		if again.FlowID != out.FlowID || again.Status != out.Status ||
			!again.CurrentState.Equal(out.CurrentState) || again.Context["k"] != out.Context["k"] {
			t.Errorf("save(get(x)) changed the instance: %+v vs %+v", again, out)
		}
	})

	t.Run("snapshots are isolated both ways", func(t *testing.T) {
		in := testInstance("f2", flow.StatusActive, flow.SingleStateRef("pending"))
		_ = st.Save(ctx, in)
		in.Context["k"] = "mutated-after-save"

		out, _ := st.Get(ctx, "f2")
		if out.Context["k"] != "v" {
			t.Error("store kept a reference to the saved instance")
		}
		out.Context["k"] = "mutated-snapshot"
		again, _ := st.Get(ctx, "f2")
		if again.Context["k"] != "v" {
			t.Error("snapshot mutation corrupted the store")
		}
	})

	t.Run("exists and delete", func(t *testing.T) {
		if ok, _ := st.Exists(ctx, "f1"); !ok {
			t.Error("f1 should exist")
		}
		if err := st.Delete(ctx, "f1"); err != nil {
			t.Fatalf("Delete failed: %v", err)
		}
		if ok, _ := st.Exists(ctx, "f1"); ok {
			t.Error("f1 should be gone")
		}
		if err := st.Delete(ctx, "f1"); err != nil {
			t.Errorf("deleting a missing flow must be a no-op: %v", err)
		}
	})
}

func TestMemStore_List(t *testing.T) {
	ctx := context.Background()
	st := NewMemStore()

	a := testInstance("a", flow.StatusActive, flow.SingleStateRef("pending"))
	b := testInstance("b", flow.StatusCompleted, flow.SingleStateRef("approved"))
	c := testInstance("c", flow.StatusActive, flow.ParallelStateRef([]string{"r1-done", "r2-active"}))
	c.ParentFlowID = "a"
	c.DefinitionID = "fulfillment"
	for _, in := range []*flow.Instance{a, b, c} {
		if err := st.Save(ctx, in); err != nil {
			t.Fatalf("Save failed: %v", err)
		}
	}

	t.Run("nil filter returns everything", func(t *testing.T) {
		out, err := st.List(ctx, nil)
		if err != nil || len(out) != 3 {
			t.Fatalf("got %d / %v", len(out), err)
		}
	})

	t.Run("status filter", func(t *testing.T) {
		out, _ := st.List(ctx, &flow.Filter{Status: flow.StatusActive})
		if len(out) != 2 {
			t.Errorf("got %d, want 2", len(out))
		}
	})

	t.Run("conjunction of fields", func(t *testing.T) {
		out, _ := st.List(ctx, &flow.Filter{Status: flow.StatusActive, DefinitionID: "fulfillment"})
		if len(out) != 1 || out[0].FlowID != "c" {
			t.Errorf("got %v", out)
		}
	})

	t.Run("parent filter", func(t *testing.T) {
		out, _ := st.List(ctx, &flow.Filter{ParentFlowID: "a"})
		if len(out) != 1 || out[0].FlowID != "c" {
			t.Errorf("got %v", out)
		}
	})

	t.Run("current state membership for parallel flows", func(t *testing.T) {
		out, _ := st.List(ctx, &flow.Filter{CurrentState: []string{"r2-active"}})
		if len(out) != 1 || out[0].FlowID != "c" {
			t.Errorf("got %v", out)
		}
	})

	t.Run("list-valued state filter requires every state", func(t *testing.T) {
		out, _ := st.List(ctx, &flow.Filter{CurrentState: []string{"r1-done", "r2-active"}})
		if len(out) != 1 || out[0].FlowID != "c" {
			t.Errorf("got %v", out)
		}
		out, _ = st.List(ctx, &flow.Filter{CurrentState: []string{"r1-done", "nope"}})
		if len(out) != 0 {
			t.Errorf("got %v, want none", out)
		}
	})
}

func TestMemStore_IdempotencyKeys(t *testing.T) {
	ctx := context.Background()
	st := NewMemStore()

	if ok, _ := st.HasIdempotencyKey(ctx, "k1"); ok {
		t.Error("unexpected key")
	}
	if err := st.SaveIdempotencyKey(ctx, "k1", "f1"); err != nil {
		t.Fatalf("SaveIdempotencyKey failed: %v", err)
	}
	if ok, _ := st.HasIdempotencyKey(ctx, "k1"); !ok {
		t.Error("key not bound")
	}
	id, ok, _ := st.FlowIDByIdempotencyKey(ctx, "k1")
	if !ok || id != "f1" {
		t.Errorf("got %q/%v", id, ok)
	}

	// Write-once: a second save keeps the first binding.
	if err := st.SaveIdempotencyKey(ctx, "k1", "f2"); err != nil {
		t.Fatalf("SaveIdempotencyKey failed: %v", err)
	}
	if id, _, _ := st.FlowIDByIdempotencyKey(ctx, "k1"); id != "f1" {
		t.Errorf("binding changed to %q", id)
	}
}

func TestMemStore_QueryByContext(t *testing.T) {
	ctx := context.Background()
	st := NewMemStore()

	a := testInstance("a", flow.StatusActive, flow.SingleStateRef("s"))
	a.Context = flow.Context{"customer": "acme", "tier": "gold"}
	b := testInstance("b", flow.StatusActive, flow.SingleStateRef("s"))
	b.Context = flow.Context{"customer": "acme", "tier": "free"}
	_ = st.Save(ctx, a)
	_ = st.Save(ctx, b)

	out, err := st.QueryByContext(ctx, flow.Context{"customer": "acme", "tier": "gold"})
	if err != nil {
		t.Fatalf("QueryByContext failed: %v", err)
	}
	if len(out) != 1 || out[0].FlowID != "a" {
		t.Errorf("got %v", out)
	}

	out, _ = st.QueryByContext(ctx, flow.Context{"customer": "acme"})
	if len(out) != 2 {
		t.Errorf("got %d, want 2", len(out))
	}
}
