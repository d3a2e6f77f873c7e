package flow

import (
	"context"
	"time"
)

// MiddlewareContext carries per-execute metadata through the middleware
// chain. FlowState is the instance snapshot taken when Execute was entered;
// middlewares do not see in-flight context mutations until next returns.
type MiddlewareContext struct {
	FlowID    string
	Event     string
	FlowState *Instance
	Options   ExecuteOptions
	StartTime time.Time
}

// Middleware wraps event execution. Calling next runs the rest of the chain
// and, at the tail, the core execute step; not calling it short-circuits.
// Registration order determines nesting: the first middleware registered with
// Use is outermost. A middleware may return a modified result or an error;
// an error from the chain is treated like an execution failure and drives
// compensation.
//
// Middlewares must not re-enter the engine for the flow they are wrapping:
// operations on one flow id are serialized, so same-flow re-entry deadlocks.
type Middleware func(ctx context.Context, mc *MiddlewareContext, next Next) (*ExecuteResult, error)

// Next invokes the remainder of the middleware chain.
type Next func() (*ExecuteResult, error)

// buildChain nests the middlewares around the core step, outermost first.
// The chain is rebuilt on every execute so Use and ClearMiddleware take
// effect immediately.
func buildChain(mws []Middleware, ctx context.Context, mc *MiddlewareContext, core Next) Next {
	next := core
	for i := len(mws) - 1; i >= 0; i-- {
		m := mws[i]
		inner := next
		next = func() (*ExecuteResult, error) {
			return m(ctx, mc, inner)
		}
	}
	return next
}
