package flow

import (
	"time"

	"github.com/stateflow-go/stateflow/flow/emit"
)

// Option configures an Engine at construction time.
//
// Example:
//
//	engine, err := flow.New(def, store,
//	    flow.WithEmitter(emit.NewLogEmitter(os.Stdout, false)),
//	    flow.WithMetrics(flow.NewMetrics(registry)),
//	)
type Option func(*engineConfig) error

type engineConfig struct {
	emitter      emit.Emitter
	metrics      *Metrics
	registry     *ActionRegistry
	newID        func() string
	now          func() time.Time
	pollInterval time.Duration
}

// WithEmitter sets the observability event receiver. Nil disables emission.
func WithEmitter(emitter emit.Emitter) Option {
	return func(cfg *engineConfig) error {
		cfg.emitter = emitter
		return nil
	}
}

// WithMetrics enables Prometheus metrics collection.
func WithMetrics(metrics *Metrics) Option {
	return func(cfg *engineConfig) error {
		cfg.metrics = metrics
		return nil
	}
}

// WithActionRegistry sets the named-action registry used to resolve
// compensation actions recorded by name (and rehydrated by durable stores).
func WithActionRegistry(registry *ActionRegistry) Option {
	return func(cfg *engineConfig) error {
		cfg.registry = registry
		return nil
	}
}

// WithIDGenerator overrides flow id generation (default: random UUIDs).
func WithIDGenerator(gen func() string) Option {
	return func(cfg *engineConfig) error {
		cfg.newID = gen
		return nil
	}
}

// WithClock overrides the time source. Intended for tests.
func WithClock(now func() time.Time) Option {
	return func(cfg *engineConfig) error {
		cfg.now = now
		return nil
	}
}

// WithSubFlowPollInterval sets the cadence at which WaitForSubFlow polls the
// store. Default: 100ms.
func WithSubFlowPollInterval(d time.Duration) Option {
	return func(cfg *engineConfig) error {
		if d > 0 {
			cfg.pollInterval = d
		}
		return nil
	}
}
