package model

import (
	"encoding/json"
	"time"
)

type (
	// Chunk is one provider-native streaming event in normalized form. Type
	// selects which payload fields are populated. Adapters must preserve the
	// provider's emission order and must scope text, reasoning and
	// tool-input chunks by block id so concurrently open blocks can be told
	// apart.
	Chunk struct {
		// Type is the chunk kind. One of the Chunk* constants.
		Type ChunkType

		// BlockID scopes text and reasoning chunks to a content block.
		BlockID string
		// Text is the delta payload for text and reasoning chunks.
		Text string

		// ToolCallID scopes tool-input chunks and identifies tool calls.
		ToolCallID string
		// ToolName names the tool for tool-input-start and tool-call chunks.
		// Adapters may omit it on tool-input-delta chunks; the engine
		// carries it forward from the start chunk.
		ToolName string
		// Input is the complete JSON arguments for tool-call chunks, or the
		// partial fragment for tool-input-delta chunks.
		Input json.RawMessage

		// Source is the citation payload for source chunks.
		Source *SourceInfo
		// File is the generated file payload for file chunks.
		File *FileInfo

		// Response carries provider response metadata for
		// response-metadata chunks.
		Response *ResponseEcho

		// FinishReason is set on finish chunks.
		FinishReason FinishReason
		// Usage is set on finish chunks when the provider reports it.
		Usage Usage

		// Err is set on error chunks.
		Err error

		// Raw is the untranslated provider event, populated when the call
		// requested raw passthrough.
		Raw any

		// ProviderMetadata carries provider-specific metadata attached to
		// this chunk (signatures, cache info). Carried forward by the engine
		// until overwritten.
		ProviderMetadata map[string]any
	}

	// SourceInfo describes a citation surfaced by the provider.
	SourceInfo struct {
		// ID is the provider-assigned source identifier.
		ID string
		// SourceType is "url" or "document".
		SourceType string
		// URL locates the cited material for url sources.
		URL string
		// Title names the cited material.
		Title string
		// MediaType is the IANA media type for document sources.
		MediaType string
	}

	// FileInfo describes a file generated by the provider.
	FileInfo struct {
		// MediaType is the IANA media type of the payload.
		MediaType string
		// Data is the decoded file payload.
		Data []byte
	}

	// Usage records token accounting for one invocation. All counts are
	// cumulative for the step that reports them.
	Usage struct {
		// InputTokens counts prompt tokens.
		InputTokens int
		// OutputTokens counts completion tokens.
		OutputTokens int
		// TotalTokens is the provider-reported aggregate. The engine
		// recomputes totals when summing across steps instead of trusting
		// this field.
		TotalTokens int
		// ReasoningTokens counts thinking tokens when reported.
		ReasoningTokens int
		// CachedInputTokens counts prompt tokens served from cache.
		CachedInputTokens int
	}
)

// Add returns the sum of two usage records. Input, output and reasoning
// tokens accumulate; cached tokens accumulate separately; the total is
// recomputed from the non-cached fields rather than summing the
// provider-reported totals.
func (u Usage) Add(other Usage) Usage {
	sum := Usage{
		InputTokens:       u.InputTokens + other.InputTokens,
		OutputTokens:      u.OutputTokens + other.OutputTokens,
		ReasoningTokens:   u.ReasoningTokens + other.ReasoningTokens,
		CachedInputTokens: u.CachedInputTokens + other.CachedInputTokens,
	}
	sum.TotalTokens = sum.InputTokens + sum.OutputTokens + sum.ReasoningTokens
	return sum
}

// ChunkType enumerates provider chunk kinds.
type ChunkType string

// Provider chunk kinds.
const (
	ChunkResponseMetadata ChunkType = "response-metadata"
	ChunkTextStart        ChunkType = "text-start"
	ChunkTextDelta        ChunkType = "text-delta"
	ChunkTextEnd          ChunkType = "text-end"
	ChunkReasoningStart   ChunkType = "reasoning-start"
	ChunkReasoningDelta   ChunkType = "reasoning-delta"
	ChunkReasoningEnd     ChunkType = "reasoning-end"
	ChunkToolInputStart   ChunkType = "tool-input-start"
	ChunkToolInputDelta   ChunkType = "tool-input-delta"
	ChunkToolInputEnd     ChunkType = "tool-input-end"
	ChunkToolCall         ChunkType = "tool-call"
	ChunkSource           ChunkType = "source"
	ChunkFile             ChunkType = "file"
	ChunkFinish           ChunkType = "finish"
	ChunkError            ChunkType = "error"
	ChunkRaw              ChunkType = "raw"
)

// FinishReason explains why a model invocation stopped generating.
type FinishReason string

// Finish reasons.
const (
	FinishStop          FinishReason = "stop"
	FinishLength        FinishReason = "length"
	FinishToolCalls     FinishReason = "tool-calls"
	FinishContentFilter FinishReason = "content-filter"
	FinishError         FinishReason = "error"
	FinishAbort         FinishReason = "abort"
	FinishOther         FinishReason = "other"
	FinishUnknown       FinishReason = "unknown"
)

// Terminal reports whether the finish reason ends the iteration loop: only a
// tool-calls finish invites another cycle.
func (r FinishReason) Terminal() bool {
	return r != FinishToolCalls
}

// NewResponseEcho builds response metadata with the given identifiers and the
// current time.
func NewResponseEcho(id, modelID string, headers map[string]string) *ResponseEcho {
	return &ResponseEcho{
		ID:        id,
		ModelID:   modelID,
		Timestamp: time.Now().UTC(),
		Headers:   headers,
	}
}
