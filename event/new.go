package event

import (
	"encoding/json"

	"github.com/modelflow/modelflow/model"
)

// NewStart constructs the run-opening event.
func NewStart(runID string) Start {
	d := StartPayload{}
	return Start{Base: NewBase(TypeStart, runID, d), Data: d}
}

// NewStepStart constructs a step-opening event.
func NewStepStart(runID string, request model.RequestEcho, warnings []model.Warning) StepStart {
	d := StepStartPayload{Request: request, Warnings: warnings}
	return StepStart{Base: NewBase(TypeStepStart, runID, d), Data: d}
}

// NewTextStart opens an id-scoped text block.
func NewTextStart(runID, id string, meta map[string]any) TextStart {
	d := BlockPayload{ID: id, ProviderMetadata: meta}
	return TextStart{Base: NewBase(TypeTextStart, runID, d), Data: d}
}

// NewTextDelta carries one text fragment.
func NewTextDelta(runID, id, text string, meta map[string]any) TextDelta {
	d := DeltaPayload{ID: id, Text: text, ProviderMetadata: meta}
	return TextDelta{Base: NewBase(TypeTextDelta, runID, d), Data: d}
}

// NewTextEnd closes an id-scoped text block.
func NewTextEnd(runID, id string) TextEnd {
	d := BlockPayload{ID: id}
	return TextEnd{Base: NewBase(TypeTextEnd, runID, d), Data: d}
}

// NewReasoningStart opens an id-scoped reasoning block.
func NewReasoningStart(runID, id string, meta map[string]any) ReasoningStart {
	d := BlockPayload{ID: id, ProviderMetadata: meta}
	return ReasoningStart{Base: NewBase(TypeReasoningStart, runID, d), Data: d}
}

// NewReasoningDelta carries one reasoning fragment.
func NewReasoningDelta(runID, id, text string, meta map[string]any) ReasoningDelta {
	d := DeltaPayload{ID: id, Text: text, ProviderMetadata: meta}
	return ReasoningDelta{Base: NewBase(TypeReasoningDelta, runID, d), Data: d}
}

// NewReasoningEnd closes an id-scoped reasoning block.
func NewReasoningEnd(runID, id string) ReasoningEnd {
	d := BlockPayload{ID: id}
	return ReasoningEnd{Base: NewBase(TypeReasoningEnd, runID, d), Data: d}
}

// NewSource reports a citation.
func NewSource(runID string, info model.SourceInfo) Source {
	return Source{Base: NewBase(TypeSource, runID, info), Data: info}
}

// NewFile reports a generated file.
func NewFile(runID string, info model.FileInfo) File {
	return File{Base: NewBase(TypeFile, runID, info), Data: info}
}

// NewToolInputStart opens a streaming tool-argument block.
func NewToolInputStart(runID, toolCallID, toolName string) ToolInputStart {
	d := ToolInputStartPayload{ToolCallID: toolCallID, ToolName: toolName}
	return ToolInputStart{Base: NewBase(TypeToolInputStart, runID, d), Data: d}
}

// NewToolInputDelta carries one tool-argument fragment.
func NewToolInputDelta(runID, toolCallID, toolName, delta string) ToolInputDelta {
	d := ToolInputDeltaPayload{ToolCallID: toolCallID, ToolName: toolName, Delta: delta}
	return ToolInputDelta{Base: NewBase(TypeToolInputDelta, runID, d), Data: d}
}

// NewToolInputEnd closes a streaming tool-argument block.
func NewToolInputEnd(runID, toolCallID string) ToolInputEnd {
	d := ToolInputEndPayload{ToolCallID: toolCallID}
	return ToolInputEnd{Base: NewBase(TypeToolInputEnd, runID, d), Data: d}
}

// NewToolCall reports a complete tool invocation request.
func NewToolCall(runID, toolCallID, toolName string, input json.RawMessage) ToolCall {
	d := ToolCallPayload{ToolCallID: toolCallID, ToolName: toolName, Input: input}
	return ToolCall{Base: NewBase(TypeToolCall, runID, d), Data: d}
}

// NewToolResult reports a completed tool invocation.
func NewToolResult(runID string, payload ToolResultPayload) ToolResult {
	return ToolResult{Base: NewBase(TypeToolResult, runID, payload), Data: payload}
}

// NewStepFinish closes one model invocation step.
func NewStepFinish(runID string, step Step, continued bool) StepFinish {
	d := StepFinishPayload{Step: step, Continued: continued}
	return StepFinish{Base: NewBase(TypeStepFinish, runID, d), Data: d}
}

// NewFinish closes the run.
func NewFinish(runID string, reason model.FinishReason, totalUsage model.Usage, steps int) Finish {
	d := FinishPayload{Reason: reason, TotalUsage: totalUsage, Steps: steps}
	return Finish{Base: NewBase(TypeFinish, runID, d), Data: d}
}

// NewError reports a normalized run error.
func NewError(runID string, err error) Error {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	d := ErrorPayload{Err: err, Message: msg}
	return Error{Base: NewBase(TypeError, runID, d), Data: d}
}

// NewAbort closes the run after cancellation.
func NewAbort(runID string, steps int) Abort {
	d := AbortPayload{Steps: steps}
	return Abort{Base: NewBase(TypeAbort, runID, d), Data: d}
}

// NewRaw forwards an untranslated provider event.
func NewRaw(runID string, raw any) Raw {
	d := RawPayload{Raw: raw}
	return Raw{Base: NewBase(TypeRaw, runID, d), Data: d}
}

// NewObject reports an updated partial structured-output value.
func NewObject(runID string, object any) Object {
	d := ObjectPayload{Object: object}
	return Object{Base: NewBase(TypeObject, runID, d), Data: d}
}
