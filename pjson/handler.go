package pjson

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// ErrNoObjectGenerated is returned by Finalize when the model produced no
// parsable value at all.
var ErrNoObjectGenerated = errors.New("no object generated")

// ValidationError reports a final value that failed schema or membership
// validation.
type ValidationError struct {
	Value any
	Err   error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("generated value failed validation: %v", e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// ChunkInput carries the full accumulated structured-output text and the
// value emitted by the previous call, if any.
type ChunkInput struct {
	Text     string
	Previous any
}

// ChunkResult reports whether a new partial value should be emitted.
type ChunkResult struct {
	Emit  bool
	Value any
}

// Handler converts a growing structured-output buffer into a sequence of
// partial value emissions and validates the final value. Implementations are
// used from a single goroutine.
type Handler interface {
	// ProcessChunk re-parses the accumulated text and decides whether the
	// recovered value is new enough to emit.
	ProcessChunk(in ChunkInput) ChunkResult
	// Finalize validates the last emitted value once the stream completes.
	// It returns the (possibly unwrapped) final value.
	Finalize(last any) (any, error)
}

// ObjectHandler emits the repaired object whenever any of its fields deepen
// or change, and validates the final object against its schema.
type ObjectHandler struct {
	schema *jsonschema.Schema
}

// NewObjectHandler compiles the JSON schema the final object must satisfy.
// A nil schema skips final validation.
func NewObjectHandler(schema map[string]any) (*ObjectHandler, error) {
	compiled, err := compileSchema(schema)
	if err != nil {
		return nil, err
	}
	return &ObjectHandler{schema: compiled}, nil
}

func (h *ObjectHandler) ProcessChunk(in ChunkInput) ChunkResult {
	v, st := Parse(in.Text)
	if st == StateFailed {
		return ChunkResult{}
	}
	if reflect.DeepEqual(v, in.Previous) {
		return ChunkResult{}
	}
	return ChunkResult{Emit: true, Value: v}
}

func (h *ObjectHandler) Finalize(last any) (any, error) {
	if last == nil {
		return nil, ErrNoObjectGenerated
	}
	if h.schema != nil {
		if err := h.schema.Validate(last); err != nil {
			return nil, &ValidationError{Value: last, Err: err}
		}
	}
	return last, nil
}

// ArrayHandler expects the model to stream a wrapper object of the form
// {"elements": [...]} and emits the unwrapped element slice. While the parse
// is still being repaired the trailing element is considered in progress and
// is withheld; it joins the emission once the full buffer parses cleanly.
type ArrayHandler struct {
	element *jsonschema.Schema
}

// NewArrayHandler compiles the schema each final element must satisfy.
func NewArrayHandler(element map[string]any) (*ArrayHandler, error) {
	compiled, err := compileSchema(element)
	if err != nil {
		return nil, err
	}
	return &ArrayHandler{element: compiled}, nil
}

func (h *ArrayHandler) ProcessChunk(in ChunkInput) ChunkResult {
	v, st := Parse(in.Text)
	if st == StateFailed {
		return ChunkResult{}
	}
	wrapper, ok := v.(map[string]any)
	if !ok {
		return ChunkResult{}
	}
	raw, ok := wrapper["elements"].([]any)
	if !ok {
		return ChunkResult{}
	}
	elements := raw
	if st != StateSuccessful && len(elements) > 0 {
		elements = elements[:len(elements)-1]
	}
	if prev, ok := in.Previous.([]any); ok && sameElements(prev, elements) {
		return ChunkResult{}
	}
	out := make([]any, len(elements))
	copy(out, elements)
	return ChunkResult{Emit: true, Value: out}
}

func (h *ArrayHandler) Finalize(last any) (any, error) {
	elements, ok := last.([]any)
	if !ok {
		return nil, ErrNoObjectGenerated
	}
	if h.element != nil {
		for i, el := range elements {
			if err := h.element.Validate(el); err != nil {
				return nil, &ValidationError{Value: el, Err: fmt.Errorf("element %d: %w", i, err)}
			}
		}
	}
	return elements, nil
}

func sameElements(a, b []any) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !reflect.DeepEqual(a[i], b[i]) {
			return false
		}
	}
	return true
}

// EnumHandler expects the model to stream {"result": "..."} and emits the
// unwrapped value. A partial result string narrows the candidate set by
// prefix: once exactly one enum value matches, that value is emitted early.
type EnumHandler struct {
	values []string
}

// NewEnumHandler returns a handler restricted to the given enum values.
func NewEnumHandler(values []string) (*EnumHandler, error) {
	if len(values) == 0 {
		return nil, errors.New("enum output requires at least one value")
	}
	return &EnumHandler{values: values}, nil
}

func (h *EnumHandler) ProcessChunk(in ChunkInput) ChunkResult {
	v, st := Parse(in.Text)
	if st == StateFailed {
		return ChunkResult{}
	}
	wrapper, ok := v.(map[string]any)
	if !ok {
		return ChunkResult{}
	}
	partial, ok := wrapper["result"].(string)
	if !ok || partial == "" {
		return ChunkResult{}
	}
	best := partial
	var matches []string
	for _, val := range h.values {
		if strings.HasPrefix(val, partial) {
			matches = append(matches, val)
		}
	}
	switch {
	case len(matches) == 1:
		best = matches[0]
	case len(matches) == 0:
		return ChunkResult{}
	}
	if prev, ok := in.Previous.(string); ok && prev == best {
		return ChunkResult{}
	}
	return ChunkResult{Emit: true, Value: best}
}

func (h *EnumHandler) Finalize(last any) (any, error) {
	result, ok := last.(string)
	if !ok {
		return nil, ErrNoObjectGenerated
	}
	for _, val := range h.values {
		if val == result {
			return result, nil
		}
	}
	return nil, &ValidationError{Value: result, Err: fmt.Errorf("%q is not one of the allowed values", result)}
}

func compileSchema(schema map[string]any) (*jsonschema.Schema, error) {
	if schema == nil {
		return nil, nil
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("schema.json", schema); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	compiled, err := c.Compile("schema.json")
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return compiled, nil
}
