// Package tools defines the tool set handed to the loop engine: named tools
// with JSON Schema inputs, an optional executable implementation, and an
// optional input-available lifecycle hook. Tools without an implementation
// are pass-through: the engine returns their input unchanged so execution can
// happen client-side.
package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/modelflow/modelflow/messages"
	"github.com/modelflow/modelflow/model"
)

type (
	// Tool describes one invocable capability exposed to the model.
	Tool struct {
		// Name is the identifier presented to the model and the primary
		// lookup key.
		Name string
		// ID is an alternate address for dynamic tools resolved by id
		// rather than map key. Optional.
		ID string
		// Description documents the tool for prompting purposes.
		Description string
		// InputSchema is the JSON Schema describing the tool arguments.
		InputSchema map[string]any
		// Execute runs the tool. Nil marks the tool as pass-through.
		Execute func(ctx context.Context, inv Invocation) (any, error)
		// OnInputAvailable is invoked for side effects (validation, eager
		// warm-up) once the complete arguments are known, before Execute.
		// Failures are logged and swallowed by the engine.
		OnInputAvailable func(ctx context.Context, inv Invocation) error
	}

	// Invocation carries the execution context of one tool call. The abort
	// signal travels on the ctx passed alongside it.
	Invocation struct {
		// ToolCallID identifies this invocation.
		ToolCallID string
		// Input is the JSON-encoded arguments generated by the model.
		Input json.RawMessage
		// Messages is a snapshot of the conversation history at call time.
		Messages []messages.Simple
	}

	// Set is an ordered collection of tools with name and id resolution.
	Set struct {
		byName map[string]*Tool
		order  []*Tool
	}

	// NotFoundError reports a tool call naming no registered tool. It is
	// fatal to the iteration that produced it.
	NotFoundError struct {
		// Name is the unresolvable tool name.
		Name string
	}
)

// Error implements error.
func (e *NotFoundError) Error() string {
	return fmt.Sprintf("tools: no tool registered for %q", e.Name)
}

// NewSet builds a set from the given tools. Registration order is preserved
// for id resolution. Duplicate names are rejected.
func NewSet(ts ...*Tool) (*Set, error) {
	s := &Set{byName: make(map[string]*Tool, len(ts))}
	for _, t := range ts {
		if t == nil || t.Name == "" {
			return nil, fmt.Errorf("tools: tool without a name")
		}
		if _, ok := s.byName[t.Name]; ok {
			return nil, fmt.Errorf("tools: duplicate tool %q", t.Name)
		}
		s.byName[t.Name] = t
		s.order = append(s.order, t)
	}
	return s, nil
}

// Resolve finds the tool addressed by name: exact name match first, then the
// first tool whose declared ID equals the name. Returns NotFoundError when
// nothing matches.
func (s *Set) Resolve(name string) (*Tool, error) {
	if s != nil {
		if t, ok := s.byName[name]; ok {
			return t, nil
		}
		for _, t := range s.order {
			if t.ID != "" && t.ID == name {
				return t, nil
			}
		}
	}
	return nil, &NotFoundError{Name: name}
}

// Definitions returns the provider-facing tool schemas in registration order.
func (s *Set) Definitions() []model.ToolDefinition {
	if s == nil {
		return nil
	}
	defs := make([]model.ToolDefinition, 0, len(s.order))
	for _, t := range s.order {
		defs = append(defs, model.ToolDefinition{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: t.InputSchema,
		})
	}
	return defs
}

// Len returns the number of registered tools.
func (s *Set) Len() int {
	if s == nil {
		return 0
	}
	return len(s.order)
}
