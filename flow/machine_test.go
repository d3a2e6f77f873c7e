package flow

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func approvalDef() *Definition {
	return &Definition{
		ID:           "order",
		InitialState: "pending",
		States: map[string]*StateNode{
			"pending":        {Transitions: []Transition{{Event: "APPROVE", To: "approved"}}},
			"approved":       {Kind: KindFinal},
			"manager-review": {},
		},
	}
}

func mustMachine(t *testing.T, def *Definition) *Machine {
	t.Helper()
	if err := def.Validate(); err != nil {
		t.Fatalf("definition invalid: %v", err)
	}
	return NewMachine(def)
}

func TestMachine_ExecuteTransition(t *testing.T) {
	ctx := context.Background()

	t.Run("simple transition", func(t *testing.T) {
		m := mustMachine(t, approvalDef())
		out := m.ExecuteTransition(ctx, "pending", "APPROVE", Context{})
		if !out.Success() {
			t.Fatalf("transition failed: %v", out.Err)
		}
		if out.From != "pending" || out.To != "approved" || out.Event != "APPROVE" {
			t.Errorf("unexpected outcome: %+v", out)
		}
		if out.Attempts != 1 {
			t.Errorf("expected 1 attempt, got %d", out.Attempts)
		}
	})

	t.Run("no transition for event", func(t *testing.T) {
		m := mustMachine(t, approvalDef())
		out := m.ExecuteTransition(ctx, "pending", "REJECT", Context{})
		if out.Success() {
			t.Fatal("expected failure")
		}
		if out.Err.Code != CodeNoTransition {
			t.Errorf("expected NO_TRANSITION, got %s", out.Err.Code)
		}
		if out.To != "pending" {
			t.Errorf("failed transition must not move: to=%q", out.To)
		}
	})

	t.Run("guards select in declaration order", func(t *testing.T) {
		def := approvalDef()
		def.States["pending"].Transitions = []Transition{
			{Event: "APPROVE", To: "approved", Guard: func(_ context.Context, fc Context) (bool, error) {
				return fc["amount"].(int) < 10000, nil
			}},
			{Event: "APPROVE", To: "manager-review", Guard: func(_ context.Context, fc Context) (bool, error) {
				return fc["amount"].(int) >= 10000, nil
			}},
		}
		m := mustMachine(t, def)

		out := m.ExecuteTransition(ctx, "pending", "APPROVE", Context{"amount": 15000})
		if !out.Success() || out.To != "manager-review" {
			t.Fatalf("expected manager-review, got %+v", out)
		}

		out = m.ExecuteTransition(ctx, "pending", "APPROVE", Context{"amount": 500})
		if !out.Success() || out.To != "approved" {
			t.Fatalf("expected approved, got %+v", out)
		}
	})

	t.Run("guard error skips candidate", func(t *testing.T) {
		def := approvalDef()
		def.States["pending"].Transitions = []Transition{
			{Event: "APPROVE", To: "manager-review", Guard: func(_ context.Context, _ Context) (bool, error) {
				return false, errors.New("boom")
			}},
			{Event: "APPROVE", To: "approved"},
		}
		m := mustMachine(t, def)
		out := m.ExecuteTransition(ctx, "pending", "APPROVE", Context{})
		if !out.Success() || out.To != "approved" {
			t.Fatalf("expected fallthrough to approved, got %+v", out)
		}
	})

	t.Run("guard panic skips candidate", func(t *testing.T) {
		def := approvalDef()
		def.States["pending"].Transitions = []Transition{
			{Event: "APPROVE", To: "manager-review", Guard: func(_ context.Context, _ Context) (bool, error) {
				panic("bad guard")
			}},
			{Event: "APPROVE", To: "approved"},
		}
		m := mustMachine(t, def)
		out := m.ExecuteTransition(ctx, "pending", "APPROVE", Context{})
		if !out.Success() || out.To != "approved" {
			t.Fatalf("expected fallthrough to approved, got %+v", out)
		}
	})

	t.Run("all guards fail yields no transition", func(t *testing.T) {
		def := approvalDef()
		def.States["pending"].Transitions = []Transition{
			{Event: "APPROVE", To: "approved", Guard: func(_ context.Context, _ Context) (bool, error) {
				return false, nil
			}},
		}
		m := mustMachine(t, def)
		out := m.ExecuteTransition(ctx, "pending", "APPROVE", Context{})
		if out.Success() || out.Err.Code != CodeNoTransition {
			t.Fatalf("expected NO_TRANSITION, got %+v", out)
		}
	})

	t.Run("global transitions considered after local", func(t *testing.T) {
		def := approvalDef()
		def.GlobalTransitions = map[string][]Transition{
			"pending": {{Event: "CANCEL", To: "manager-review"}},
		}
		m := mustMachine(t, def)
		out := m.ExecuteTransition(ctx, "pending", "CANCEL", Context{})
		if !out.Success() || out.To != "manager-review" {
			t.Fatalf("expected global transition to fire, got %+v", out)
		}
	})

	t.Run("hook order is exit, action, validate, entry", func(t *testing.T) {
		var order []string
		step := func(name string) ActionFunc {
			return func(_ context.Context, _ Context) error {
				order = append(order, name)
				return nil
			}
		}
		def := approvalDef()
		def.States["pending"].OnExit = step("exit")
		def.States["approved"].OnEntry = step("entry")
		def.States["approved"].Validation = &Validation{
			Predicate: func(_ context.Context, _ Context) (bool, string, error) {
				order = append(order, "validate")
				return true, "", nil
			},
		}
		def.States["pending"].Transitions[0].Action = step("action")
		m := mustMachine(t, def)

		out := m.ExecuteTransition(ctx, "pending", "APPROVE", Context{})
		if !out.Success() {
			t.Fatalf("transition failed: %v", out.Err)
		}
		want := []string{"exit", "action", "validate", "entry"}
		if fmt.Sprint(order) != fmt.Sprint(want) {
			t.Errorf("hook order = %v, want %v", order, want)
		}
	})

	t.Run("context is mutated in place", func(t *testing.T) {
		def := approvalDef()
		def.States["pending"].Transitions[0].Action = func(_ context.Context, fc Context) error {
			fc["approvedBy"] = "admin"
			return nil
		}
		m := mustMachine(t, def)
		fc := Context{}
		if out := m.ExecuteTransition(ctx, "pending", "APPROVE", fc); !out.Success() {
			t.Fatalf("transition failed: %v", out.Err)
		}
		if fc["approvedBy"] != "admin" {
			t.Error("action mutation not visible")
		}
	})
}

func TestMachine_Validation(t *testing.T) {
	ctx := context.Background()

	build := func(pred ValidationFunc, msg string) *Machine {
		def := approvalDef()
		def.States["approved"].Validation = &Validation{Predicate: pred, ErrorMessage: msg}
		return NewMachine(def)
	}

	t.Run("false uses configured message", func(t *testing.T) {
		m := build(func(_ context.Context, _ Context) (bool, string, error) {
			return false, "", nil
		}, "amount too small")
		out := m.ExecuteTransition(ctx, "pending", "APPROVE", Context{})
		if out.Success() || out.Err.Code != CodeValidationFailed {
			t.Fatalf("expected VALIDATION_FAILED, got %+v", out)
		}
		if out.Err.Message != "amount too small" {
			t.Errorf("message = %q", out.Err.Message)
		}
	})

	t.Run("returned string replaces message", func(t *testing.T) {
		m := build(func(_ context.Context, _ Context) (bool, string, error) {
			return false, "custom reason", nil
		}, "configured")
		out := m.ExecuteTransition(ctx, "pending", "APPROVE", Context{})
		if out.Err == nil || out.Err.Message != "custom reason" {
			t.Fatalf("expected custom reason, got %+v", out.Err)
		}
	})

	t.Run("default message when nothing configured", func(t *testing.T) {
		m := build(func(_ context.Context, _ Context) (bool, string, error) {
			return false, "", nil
		}, "")
		out := m.ExecuteTransition(ctx, "pending", "APPROVE", Context{})
		if out.Err == nil || out.Err.Message == "" {
			t.Fatal("expected a default message")
		}
	})

	t.Run("predicate error fails validation", func(t *testing.T) {
		m := build(func(_ context.Context, _ Context) (bool, string, error) {
			return false, "", errors.New("cannot evaluate")
		}, "")
		out := m.ExecuteTransition(ctx, "pending", "APPROVE", Context{})
		if out.Err == nil || out.Err.Code != CodeValidationFailed {
			t.Fatalf("expected VALIDATION_FAILED, got %+v", out)
		}
	})
}

func TestMachine_Retry(t *testing.T) {
	ctx := context.Background()

	t.Run("fails twice then succeeds with exponential backoff", func(t *testing.T) {
		calls := 0
		def := approvalDef()
		def.States["pending"].Transitions[0].Action = func(_ context.Context, _ Context) error {
			calls++
			if calls <= 2 {
				return errors.New("transient")
			}
			return nil
		}
		def.States["pending"].Transitions[0].Retry = &RetryPolicy{
			MaxAttempts: 2, Backoff: BackoffExponential, Delay: 10 * time.Millisecond,
		}
		m := mustMachine(t, def)

		started := time.Now()
		out := m.ExecuteTransition(ctx, "pending", "APPROVE", Context{})
		elapsed := time.Since(started)

		if !out.Success() {
			t.Fatalf("expected success after retries: %v", out.Err)
		}
		if out.Attempts != 3 {
			t.Errorf("attempts = %d, want 3", out.Attempts)
		}
		if elapsed < 30*time.Millisecond {
			t.Errorf("elapsed = %v, want >= 30ms (10+20)", elapsed)
		}
	})

	t.Run("linear backoff waits cumulative delays", func(t *testing.T) {
		def := approvalDef()
		def.States["pending"].Transitions[0].Action = func(_ context.Context, _ Context) error {
			return errors.New("always")
		}
		def.States["pending"].Transitions[0].Retry = &RetryPolicy{
			MaxAttempts: 2, Backoff: BackoffLinear, Delay: 10 * time.Millisecond,
		}
		m := mustMachine(t, def)

		started := time.Now()
		out := m.ExecuteTransition(ctx, "pending", "APPROVE", Context{})
		elapsed := time.Since(started)

		if out.Success() {
			t.Fatal("expected exhaustion")
		}
		if out.Attempts != 3 {
			t.Errorf("attempts = %d, want 3", out.Attempts)
		}
		if elapsed < 30*time.Millisecond {
			t.Errorf("elapsed = %v, want >= 30ms (10+20)", elapsed)
		}
	})

	t.Run("onError fires only after exhaustion", func(t *testing.T) {
		var hookCause error
		def := approvalDef()
		def.OnError = func(_ context.Context, _ Context, cause error) {
			hookCause = cause
		}
		m := mustMachine(t, def)

		if out := m.ExecuteTransition(ctx, "pending", "APPROVE", Context{}); !out.Success() {
			t.Fatalf("transition failed: %v", out.Err)
		}
		if hookCause != nil {
			t.Error("onError must not fire on success")
		}

		def.States["pending"].Transitions[0].Action = func(_ context.Context, _ Context) error {
			return errors.New("permanent")
		}
		if out := m.ExecuteTransition(ctx, "pending", "APPROVE", Context{}); out.Success() {
			t.Fatal("expected failure")
		}
		if hookCause == nil {
			t.Error("onError must fire after exhaustion")
		}
	})

	t.Run("onError panic is swallowed", func(t *testing.T) {
		def := approvalDef()
		def.OnError = func(_ context.Context, _ Context, _ error) { panic("hook bug") }
		def.States["pending"].Transitions[0].Action = func(_ context.Context, _ Context) error {
			return errors.New("permanent")
		}
		m := mustMachine(t, def)
		out := m.ExecuteTransition(ctx, "pending", "APPROVE", Context{})
		if out.Success() || out.Err.Code != CodeHookError {
			t.Fatalf("expected HOOK_ERROR, got %+v", out)
		}
	})

	t.Run("hook panic is a retryable failure", func(t *testing.T) {
		calls := 0
		def := approvalDef()
		def.States["pending"].Transitions[0].Action = func(_ context.Context, _ Context) error {
			calls++
			if calls == 1 {
				panic("first attempt")
			}
			return nil
		}
		def.States["pending"].Transitions[0].Retry = &RetryPolicy{MaxAttempts: 1, Delay: time.Millisecond}
		m := mustMachine(t, def)
		out := m.ExecuteTransition(ctx, "pending", "APPROVE", Context{})
		if !out.Success() || out.Attempts != 2 {
			t.Fatalf("expected recovery on retry, got %+v", out)
		}
	})
}

func TestMachine_IsFinal(t *testing.T) {
	def := &Definition{
		ID:           "d",
		InitialState: "a",
		States: map[string]*StateNode{
			"a":     {},
			"f":     {Kind: KindFinal},
			"flag":  {IsFinal: true},
			"cflag": {Kind: KindCompound, InitialSubState: "a", IsFinal: true},
		},
	}
	m := mustMachine(t, def)

	for name, want := range map[string]bool{"a": false, "f": true, "flag": true, "cflag": true, "ghost": false} {
		if got := m.IsFinal(name); got != want {
			t.Errorf("IsFinal(%q) = %v, want %v", name, got, want)
		}
	}

	if !m.FinalRef(ParallelStateRef([]string{"f", "flag"})) {
		t.Error("all-final region list must be final")
	}
	if m.FinalRef(ParallelStateRef([]string{"f", "a"})) {
		t.Error("mixed region list must not be final")
	}
	if m.FinalRef(StateRef{}) {
		t.Error("zero ref must not be final")
	}
}

func TestMachine_PossibleEvents(t *testing.T) {
	def := approvalDef()
	def.States["pending"].Transitions = append(def.States["pending"].Transitions,
		Transition{Event: "REJECT", To: "manager-review"},
		Transition{Event: "APPROVE", To: "manager-review"}, // duplicate event name
	)
	def.GlobalTransitions = map[string][]Transition{
		"pending": {{Event: "CANCEL", To: "manager-review"}},
	}
	m := mustMachine(t, def)

	events := m.PossibleEvents([]string{"pending"})
	want := []string{"APPROVE", "REJECT", "CANCEL"}
	if fmt.Sprint(events) != fmt.Sprint(want) {
		t.Errorf("events = %v, want %v", events, want)
	}
}
