// Package config loads flow definitions from YAML or JSON documents.
//
// A document mirrors the configuration model of the flow package, with
// guards, actions, entry/exit hooks and validations written as expressions
// resolved through an expreval.Evaluator:
//
//	id: order
//	initialState: pending
//	states:
//	  - name: pending
//	    transitions:
//	      - event: APPROVE
//	        to: approved
//	        guard: amount < 10000
//	  - name: approved
//	    kind: final
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/stateflow-go/stateflow/flow"
	"github.com/stateflow-go/stateflow/flow/expreval"
)

// Document is the serializable form of a flow definition.
type Document struct {
	ID           string     `yaml:"id" json:"id"`
	Version      string     `yaml:"version,omitempty" json:"version,omitempty"`
	InitialState string     `yaml:"initialState" json:"initialState"`
	States       []StateDoc `yaml:"states" json:"states"`

	// Global holds transitions that live outside any state, keyed by the
	// From field.
	Global []GlobalTransitionDoc `yaml:"globalTransitions,omitempty" json:"globalTransitions,omitempty"`
}

// StateDoc is one state of a document.
type StateDoc struct {
	Name            string          `yaml:"name" json:"name"`
	Kind            string          `yaml:"kind,omitempty" json:"kind,omitempty"`
	Transitions     []TransitionDoc `yaml:"transitions,omitempty" json:"transitions,omitempty"`
	OnEntry         string          `yaml:"onEntry,omitempty" json:"onEntry,omitempty"`
	OnExit          string          `yaml:"onExit,omitempty" json:"onExit,omitempty"`
	Validation      *ValidationDoc  `yaml:"validation,omitempty" json:"validation,omitempty"`
	Regions         []RegionDoc     `yaml:"regions,omitempty" json:"regions,omitempty"`
	InitialSubState string          `yaml:"initialSubState,omitempty" json:"initialSubState,omitempty"`
	ChildStates     []string        `yaml:"childStates,omitempty" json:"childStates,omitempty"`
	Final           bool            `yaml:"final,omitempty" json:"final,omitempty"`
}

// TransitionDoc is one transition of a document.
type TransitionDoc struct {
	Event  string    `yaml:"event" json:"event"`
	To     string    `yaml:"to" json:"to"`
	Guard  string    `yaml:"guard,omitempty" json:"guard,omitempty"`
	Action string    `yaml:"action,omitempty" json:"action,omitempty"`
	Retry  *RetryDoc `yaml:"retry,omitempty" json:"retry,omitempty"`
}

// GlobalTransitionDoc is a transition in the global table.
type GlobalTransitionDoc struct {
	From          string `yaml:"from" json:"from"`
	TransitionDoc `yaml:",inline"`
}

// RetryDoc configures transition retries.
type RetryDoc struct {
	MaxAttempts int    `yaml:"maxAttempts" json:"maxAttempts"`
	Backoff     string `yaml:"backoff,omitempty" json:"backoff,omitempty"`
	DelayMs     int    `yaml:"delayMs,omitempty" json:"delayMs,omitempty"`
}

// ValidationDoc configures a target-state validation.
type ValidationDoc struct {
	Expr         string `yaml:"expr" json:"expr"`
	ErrorMessage string `yaml:"errorMessage,omitempty" json:"errorMessage,omitempty"`
}

// RegionDoc is one region of a parallel state.
type RegionDoc struct {
	Name         string   `yaml:"name" json:"name"`
	InitialState string   `yaml:"initialState" json:"initialState"`
	States       []string `yaml:"states,omitempty" json:"states,omitempty"`
}

// LoadYAML reads and parses a YAML document file.
func LoadYAML(path string) (*Document, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- path supplied by the caller
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return ParseYAML(data)
}

// ParseYAML parses a YAML document.
func ParseYAML(data []byte) (*Document, error) {
	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to unmarshal YAML: %w", err)
	}
	return &doc, nil
}

// LoadJSON reads and parses a JSON document file.
func LoadJSON(path string) (*Document, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- path supplied by the caller
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return ParseJSON(data)
}

// ParseJSON parses a JSON document.
func ParseJSON(data []byte) (*Document, error) {
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to unmarshal JSON: %w", err)
	}
	return &doc, nil
}

// Build converts the document into a validated flow.Definition, compiling
// expressions through the evaluator. The evaluator may be nil only when the
// document contains no expressions.
func (d *Document) Build(ev *expreval.Evaluator) (*flow.Definition, error) {
	def := &flow.Definition{
		ID:           d.ID,
		Version:      d.Version,
		InitialState: d.InitialState,
		States:       make(map[string]*flow.StateNode, len(d.States)),
	}

	for _, sd := range d.States {
		node, err := sd.build(ev)
		if err != nil {
			return nil, err
		}
		if _, exists := def.States[sd.Name]; exists {
			return nil, fmt.Errorf("duplicate state %q", sd.Name)
		}
		def.States[sd.Name] = node
	}

	if len(d.Global) > 0 {
		def.GlobalTransitions = make(map[string][]flow.Transition)
		for _, gd := range d.Global {
			tr, err := gd.TransitionDoc.build(ev, gd.From)
			if err != nil {
				return nil, err
			}
			def.GlobalTransitions[gd.From] = append(def.GlobalTransitions[gd.From], tr)
		}
	}

	if err := def.Validate(); err != nil {
		return nil, err
	}
	return def, nil
}

func (sd StateDoc) build(ev *expreval.Evaluator) (*flow.StateNode, error) {
	node := &flow.StateNode{
		Name:            sd.Name,
		Kind:            flow.Kind(sd.Kind),
		InitialSubState: sd.InitialSubState,
		ChildStates:     sd.ChildStates,
		IsFinal:         sd.Final,
	}
	if node.Kind == "" {
		node.Kind = flow.KindAtomic
	}

	for _, td := range sd.Transitions {
		tr, err := td.build(ev, sd.Name)
		if err != nil {
			return nil, err
		}
		node.Transitions = append(node.Transitions, tr)
	}
	for _, rd := range sd.Regions {
		node.Regions = append(node.Regions, flow.Region{
			Name:         rd.Name,
			InitialState: rd.InitialState,
			States:       rd.States,
		})
	}

	var err error
	if node.OnEntry, err = actionExpr(ev, sd.OnEntry, sd.Name, "onEntry"); err != nil {
		return nil, err
	}
	if node.OnExit, err = actionExpr(ev, sd.OnExit, sd.Name, "onExit"); err != nil {
		return nil, err
	}
	if sd.Validation != nil {
		if ev == nil {
			return nil, fmt.Errorf("state %q: validation requires an evaluator", sd.Name)
		}
		node.Validation = &flow.Validation{
			Predicate:    ev.Validation(sd.Validation.Expr),
			ErrorMessage: sd.Validation.ErrorMessage,
		}
	}
	return node, nil
}

func (td TransitionDoc) build(ev *expreval.Evaluator, from string) (flow.Transition, error) {
	tr := flow.Transition{Event: td.Event, To: td.To}
	if td.Guard != "" {
		if ev == nil {
			return tr, fmt.Errorf("transition %q from %q: guard requires an evaluator", td.Event, from)
		}
		tr.Guard = ev.Guard(td.Guard)
	}
	if td.Action != "" {
		if ev == nil {
			return tr, fmt.Errorf("transition %q from %q: action requires an evaluator", td.Event, from)
		}
		tr.Action = ev.Action(td.Action)
	}
	if td.Retry != nil {
		policy := flow.RetryPolicy{
			MaxAttempts: td.Retry.MaxAttempts,
			Backoff:     flow.Backoff(td.Retry.Backoff),
			Delay:       time.Duration(td.Retry.DelayMs) * time.Millisecond,
		}
		tr.Retry = &policy
	}
	return tr, nil
}

func actionExpr(ev *expreval.Evaluator, src, state, hook string) (flow.ActionFunc, error) {
	if src == "" {
		return nil, nil
	}
	if ev == nil {
		return nil, fmt.Errorf("state %q: %s requires an evaluator", state, hook)
	}
	return ev.Action(src), nil
}
