// Package event defines the canonical event vocabulary flowing through the
// loop engine: the unified representation of everything that happens during a
// model run (text deltas, tool calls, step boundaries, terminal outcomes).
// Events are immutable after construction and safe to share across the
// fan-out consumers of a run.
//
// All concrete event types embed Base, which provides the Type, RunID and
// Payload accessors. Consumers filter by Type or type-assert to concrete
// types for structured field access.
package event

import (
	"encoding/json"

	"github.com/modelflow/modelflow/model"
)

type (
	// Event is one occurrence in a model run. Implementations are the
	// concrete types of this package and nothing else; the engine relies on
	// type switches over this closed set.
	Event interface {
		// Type returns the event type constant.
		Type() Type
		// RunID returns the run that produced this event.
		RunID() string
		// Payload returns the event-specific data in JSON-serializable form.
		Payload() any
	}

	// Base provides the default Event implementation. Embed it in concrete
	// event types; field names are abbreviated because they are only reached
	// through the interface methods.
	Base struct {
		t Type
		r string
		p any
	}

	// Start opens a run. It is the first event on every stream.
	Start struct {
		Base
		Data StartPayload
	}

	// StepStart opens one model invocation step. It is emitted as soon as
	// the provider accepts the call, before any content streams.
	StepStart struct {
		Base
		Data StepStartPayload
	}

	// TextStart opens an id-scoped text block.
	TextStart struct {
		Base
		Data BlockPayload
	}

	// TextDelta carries one text fragment of an open text block.
	TextDelta struct {
		Base
		Data DeltaPayload
	}

	// TextEnd closes an id-scoped text block.
	TextEnd struct {
		Base
		Data BlockPayload
	}

	// ReasoningStart opens an id-scoped reasoning block.
	ReasoningStart struct {
		Base
		Data BlockPayload
	}

	// ReasoningDelta carries one reasoning fragment of an open block.
	ReasoningDelta struct {
		Base
		Data DeltaPayload
	}

	// ReasoningEnd closes an id-scoped reasoning block.
	ReasoningEnd struct {
		Base
		Data BlockPayload
	}

	// Source reports a citation surfaced by the provider.
	Source struct {
		Base
		Data model.SourceInfo
	}

	// File reports a file generated by the provider.
	File struct {
		Base
		Data model.FileInfo
	}

	// ToolInputStart opens an id-scoped streaming tool-argument block.
	ToolInputStart struct {
		Base
		Data ToolInputStartPayload
	}

	// ToolInputDelta carries one tool-argument JSON fragment. Fragments are
	// not guaranteed to be valid JSON on their own; the canonical arguments
	// arrive with the ToolCall event.
	ToolInputDelta struct {
		Base
		Data ToolInputDeltaPayload
	}

	// ToolInputEnd closes a streaming tool-argument block.
	ToolInputEnd struct {
		Base
		Data ToolInputEndPayload
	}

	// ToolCall reports a complete tool invocation requested by the model.
	ToolCall struct {
		Base
		Data ToolCallPayload
	}

	// ToolResult reports the outcome of an executed tool call. Results
	// appear in completion order, which may differ from call order.
	ToolResult struct {
		Base
		Data ToolResultPayload
	}

	// StepFinish closes one model invocation step.
	StepFinish struct {
		Base
		Data StepFinishPayload
	}

	// Finish closes the run after a normal stop. Exactly one of Finish,
	// Abort or a terminal Error ends every stream.
	Finish struct {
		Base
		Data FinishPayload
	}

	// Error reports a model or transport failure. A terminal Error ends the
	// stream; tool failures travel as ToolResult data instead.
	Error struct {
		Base
		Data ErrorPayload
	}

	// Abort closes the run after caller cancellation. No Finish follows.
	Abort struct {
		Base
		Data AbortPayload
	}

	// Raw forwards an untranslated provider event when raw passthrough is
	// enabled.
	Raw struct {
		Base
		Data RawPayload
	}

	// Object reports an updated partial structured-output value.
	Object struct {
		Base
		Data ObjectPayload
	}

	// StartPayload is the typed payload for Start events.
	StartPayload struct{}

	// StepStartPayload is the typed payload for StepStart events.
	StepStartPayload struct {
		// Request echoes the request sent to the provider.
		Request model.RequestEcho `json:"request"`
		// Warnings lists call preparation warnings from the provider.
		Warnings []model.Warning `json:"warnings,omitempty"`
	}

	// BlockPayload scopes block start/end events by id.
	BlockPayload struct {
		// ID identifies the content block. Blocks of the same kind may be
		// open concurrently under distinct ids.
		ID string `json:"id"`
		// ProviderMetadata carries provider-specific block metadata.
		ProviderMetadata map[string]any `json:"provider_metadata,omitempty"`
	}

	// DeltaPayload carries one text or reasoning fragment.
	DeltaPayload struct {
		// ID identifies the content block this fragment belongs to.
		ID string `json:"id"`
		// Text is the fragment. Never empty: vacuous deltas are dropped at
		// translation.
		Text string `json:"text"`
		// ProviderMetadata carries provider-specific delta metadata.
		ProviderMetadata map[string]any `json:"provider_metadata,omitempty"`
	}

	// ToolInputStartPayload opens a streaming tool-argument block.
	ToolInputStartPayload struct {
		// ToolCallID identifies the pending tool call.
		ToolCallID string `json:"tool_call_id"`
		// ToolName is the canonical tool identifier.
		ToolName string `json:"tool_name"`
	}

	// ToolInputDeltaPayload carries one tool-argument fragment.
	ToolInputDeltaPayload struct {
		// ToolCallID identifies the pending tool call.
		ToolCallID string `json:"tool_call_id"`
		// ToolName is carried forward from the opening event.
		ToolName string `json:"tool_name"`
		// Delta is the raw JSON fragment.
		Delta string `json:"delta"`
	}

	// ToolInputEndPayload closes a streaming tool-argument block.
	ToolInputEndPayload struct {
		// ToolCallID identifies the pending tool call.
		ToolCallID string `json:"tool_call_id"`
	}

	// ToolCallPayload describes a complete tool invocation request.
	ToolCallPayload struct {
		// ToolCallID uniquely identifies this invocation.
		ToolCallID string `json:"tool_call_id"`
		// ToolName identifies which tool should run.
		ToolName string `json:"tool_name"`
		// Input is the canonical JSON arguments.
		Input json.RawMessage `json:"input,omitempty"`
	}

	// ToolResultPayload describes a completed tool invocation.
	ToolResultPayload struct {
		// ToolCallID correlates with the originating ToolCall event.
		ToolCallID string `json:"tool_call_id"`
		// ToolName identifies the tool that ran.
		ToolName string `json:"tool_name"`
		// Input echoes the arguments the tool ran with.
		Input json.RawMessage `json:"input,omitempty"`
		// Output is the tool's result value. Nil when the tool failed or
		// passed through.
		Output any `json:"output,omitempty"`
		// Error is the failure message when the tool errored. Tool failures
		// are data at this layer, never control flow.
		Error string `json:"error,omitempty"`
		// PassThrough marks calls whose tool has no executable
		// implementation; the input is returned unchanged for client-side
		// execution.
		PassThrough bool `json:"pass_through,omitempty"`
	}

	// Step records one completed model invocation cycle: the assistant
	// output it produced and the metadata of the provider exchange. Steps
	// are immutable once constructed; the iteration controller appends them
	// to the run's step history and stop conditions read that history.
	Step struct {
		// Content is the ordered assistant output of the step.
		Content []model.Part `json:"content"`
		// Text is the concatenated text output of the step.
		Text string `json:"text,omitempty"`
		// FinishReason reports why the model stopped generating.
		FinishReason model.FinishReason `json:"finish_reason"`
		// Usage is the step's token accounting.
		Usage model.Usage `json:"usage"`
		// Warnings lists call preparation warnings from the provider.
		Warnings []model.Warning `json:"warnings,omitempty"`
		// Request echoes the request sent to the provider.
		Request model.RequestEcho `json:"request"`
		// Response is the provider response metadata for the step.
		Response model.ResponseEcho `json:"response"`
		// ProviderMetadata is the last provider metadata seen in the step.
		ProviderMetadata map[string]any `json:"provider_metadata,omitempty"`
	}

	// StepFinishPayload closes one model invocation step.
	StepFinishPayload struct {
		// Step is the finalized step record.
		Step Step `json:"step"`
		// Continued reports whether the loop will run another step.
		Continued bool `json:"continued"`
	}

	// FinishPayload closes the run.
	FinishPayload struct {
		// Reason is the last step's finish reason.
		Reason model.FinishReason `json:"reason"`
		// TotalUsage is the recomputed sum over all steps.
		TotalUsage model.Usage `json:"total_usage"`
		// Steps is the number of model invocations performed.
		Steps int `json:"steps"`
	}

	// ErrorPayload carries a normalized run error.
	ErrorPayload struct {
		// Err is the normalized error. Preserved as an error value so
		// consumers can unwrap; sinks serialize Message instead.
		Err error `json:"-"`
		// Message is the user-safe error text.
		Message string `json:"message"`
	}

	// AbortPayload closes the run after cancellation.
	AbortPayload struct {
		// Steps is the number of completed model invocations at abort time.
		Steps int `json:"steps"`
	}

	// RawPayload wraps an untranslated provider event.
	RawPayload struct {
		// Raw is the provider-native event value.
		Raw any `json:"raw"`
	}

	// ObjectPayload carries an updated partial structured-output value.
	ObjectPayload struct {
		// Object is the latest parsed value. For array outputs this is the
		// filtered slice of structurally complete elements.
		Object any `json:"object"`
	}
)

// Type enumerates canonical event kinds.
type Type string

// Canonical event kinds.
const (
	TypeStart          Type = "start"
	TypeStepStart      Type = "step-start"
	TypeTextStart      Type = "text-start"
	TypeTextDelta      Type = "text-delta"
	TypeTextEnd        Type = "text-end"
	TypeReasoningStart Type = "reasoning-start"
	TypeReasoningDelta Type = "reasoning-delta"
	TypeReasoningEnd   Type = "reasoning-end"
	TypeSource         Type = "source"
	TypeFile           Type = "file"
	TypeToolInputStart Type = "tool-input-start"
	TypeToolInputDelta Type = "tool-input-delta"
	TypeToolInputEnd   Type = "tool-input-end"
	TypeToolCall       Type = "tool-call"
	TypeToolResult     Type = "tool-result"
	TypeStepFinish     Type = "step-finish"
	TypeFinish         Type = "finish"
	TypeError          Type = "error"
	TypeAbort          Type = "abort"
	TypeRaw            Type = "raw"
	TypeObject         Type = "object"
)

// NewBase constructs a Base with the given type, run id and payload.
func NewBase(t Type, runID string, payload any) Base {
	return Base{t: t, r: runID, p: payload}
}

// Type implements Event.
func (e Base) Type() Type { return e.t }

// RunID implements Event.
func (e Base) RunID() string { return e.r }

// Payload implements Event.
func (e Base) Payload() any { return e.p }

// Terminal reports whether t ends a run stream.
func (t Type) Terminal() bool {
	return t == TypeFinish || t == TypeAbort || t == TypeError
}

// ToolCalls returns the tool-call parts of the step content, in order.
func (s Step) ToolCalls() []model.Part {
	var calls []model.Part
	for _, p := range s.Content {
		if p.Kind == model.PartToolCall {
			calls = append(calls, p)
		}
	}
	return calls
}

// ToolResults returns the tool-result parts of the step content, in order.
func (s Step) ToolResults() []model.Part {
	var results []model.Part
	for _, p := range s.Content {
		if p.Kind == model.PartToolResult {
			results = append(results, p)
		}
	}
	return results
}
