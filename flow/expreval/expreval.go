// Package expreval compiles expression strings into flow guards, actions
// and validations using expr-lang. It is the pluggable eval(expr, ctx)
// collaborator of the flow engine, shipped as an optional adapter; the core
// never depends on it.
package expreval

import (
	"context"
	"fmt"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/stateflow-go/stateflow/flow"
)

// Evaluator compiles and caches expression programs. Expressions are
// evaluated with the flow context as their environment, so context keys are
// addressable directly:
//
//	ev := expreval.New()
//	guard := ev.Guard(`amount < 10000`)
//
// Evaluator is safe for concurrent use.
type Evaluator struct {
	mu    sync.RWMutex
	cache map[string]*vm.Program
}

// New creates an empty evaluator.
func New() *Evaluator {
	return &Evaluator{cache: make(map[string]*vm.Program)}
}

func (e *Evaluator) program(src string) (*vm.Program, error) {
	e.mu.RLock()
	prog, ok := e.cache[src]
	e.mu.RUnlock()
	if ok {
		return prog, nil
	}

	prog, err := expr.Compile(src, expr.Env(map[string]any{}), expr.AllowUndefinedVariables())
	if err != nil {
		return nil, fmt.Errorf("failed to compile expression %q: %w", src, err)
	}

	e.mu.Lock()
	e.cache[src] = prog
	e.mu.Unlock()
	return prog, nil
}

// Eval runs the expression against the flow context and returns its value.
func (e *Evaluator) Eval(src string, fc flow.Context) (any, error) {
	prog, err := e.program(src)
	if err != nil {
		return nil, err
	}
	return expr.Run(prog, map[string]any(fc))
}

// Guard compiles the expression into a transition guard. The expression
// must produce a bool; any evaluation error makes the candidate not apply,
// per the engine's guard semantics.
func (e *Evaluator) Guard(src string) flow.GuardFunc {
	return func(_ context.Context, fc flow.Context) (bool, error) {
		v, err := e.Eval(src, fc)
		if err != nil {
			return false, err
		}
		b, ok := v.(bool)
		if !ok {
			return false, fmt.Errorf("guard %q produced %T, want bool", src, v)
		}
		return b, nil
	}
}

// Action compiles the expression into a transition action. When the
// expression produces a map, it is shallow-merged into the flow context;
// any other value is discarded. Evaluation errors fail the action.
func (e *Evaluator) Action(src string) flow.ActionFunc {
	return func(_ context.Context, fc flow.Context) error {
		v, err := e.Eval(src, fc)
		if err != nil {
			return err
		}
		if m, ok := v.(map[string]any); ok {
			for k, val := range m {
				fc[k] = val
			}
		}
		return nil
	}
}

// Validation compiles the expression into a validation predicate following
// the engine's convention: true passes, false fails with the configured
// message, a string fails with that string as the message.
func (e *Evaluator) Validation(src string) flow.ValidationFunc {
	return func(_ context.Context, fc flow.Context) (bool, string, error) {
		v, err := e.Eval(src, fc)
		if err != nil {
			return false, "", err
		}
		switch t := v.(type) {
		case bool:
			return t, "", nil
		case string:
			return false, t, nil
		default:
			return false, "", fmt.Errorf("validation %q produced %T, want bool or string", src, v)
		}
	}
}
