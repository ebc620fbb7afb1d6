// Package model defines the provider-agnostic contract between the loop
// engine and language model transports. Implementations wrap provider SDKs
// (Anthropic, OpenAI, ...) and translate their native streaming APIs into the
// Chunk vocabulary consumed by the engine. The engine never imports a
// provider SDK directly.
package model

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

type (
	// LanguageModel is the capability the loop engine needs from a model
	// provider: open one streaming invocation. Implementations must be safe
	// for concurrent use and should honor ctx cancellation on every read.
	LanguageModel interface {
		// ProviderID identifies the backing provider (e.g. "anthropic").
		ProviderID() string
		// ModelID identifies the concrete model (e.g. "claude-sonnet-4").
		ModelID() string
		// Stream opens a model invocation and returns its event stream along
		// with side-channel metadata (warnings, request echo, raw response
		// metadata). The side channel must be populated before the first
		// Recv so callers can surface a step-start immediately.
		Stream(ctx context.Context, call Call) (*StreamResponse, error)
	}

	// Versioned is optionally implemented by models that declare a protocol
	// version. The engine rejects models whose version it does not speak.
	Versioned interface {
		ProtocolVersion() string
	}

	// Streamer delivers provider chunks. Successive calls to Recv return
	// Chunk values until io.EOF. Recv is called from a single goroutine;
	// Close releases underlying resources and is idempotent.
	Streamer interface {
		Recv() (Chunk, error)
		Close() error
	}

	// Call captures the normalized parameters of one model invocation.
	Call struct {
		// Prompt is the full conversation history in wire shape, including
		// system, user, assistant and tool messages in order.
		Prompt []Message
		// Tools describes the tool schemas exposed to the model. Empty means
		// no function calling.
		Tools []ToolDefinition
		// ToolChoice constrains how the model may select tools.
		ToolChoice ToolChoice
		// ResponseFormat requests structured output when non-nil.
		ResponseFormat *ResponseFormat
		// ProviderOptions carries provider-specific knobs opaque to the
		// engine (thinking budgets, cache hints, ...).
		ProviderOptions map[string]any
		// Temperature overrides sampling temperature when non-nil.
		Temperature *float64
		// MaxOutputTokens caps completion tokens. Zero means provider default.
		MaxOutputTokens int
		// IncludeRaw asks the adapter to surface raw provider events as
		// ChunkRaw values in addition to the translated chunks.
		IncludeRaw bool
		// Headers are extra request headers forwarded verbatim by adapters
		// that speak HTTP.
		Headers map[string]string
	}

	// StreamResponse bundles the chunk stream with side-channel metadata
	// available as soon as the invocation is accepted.
	StreamResponse struct {
		// Stream yields provider chunks until io.EOF.
		Stream Streamer
		// Warnings lists call preparation warnings (unsupported settings,
		// ignored fields). May be empty.
		Warnings []Warning
		// Request echoes the request the adapter sent, for telemetry.
		Request RequestEcho
		// Response carries raw response metadata when the transport exposes
		// it before streaming completes (HTTP headers, request ids).
		Response ResponseEcho
	}

	// Message mirrors one wire-shape chat message.
	Message struct {
		// Role is one of "system", "user", "assistant" or "tool".
		Role Role
		// Parts is the ordered content of the message.
		Parts []Part
	}

	// Part is one typed content element of a wire message. Kind selects the
	// populated fields.
	Part struct {
		// Kind is one of the Part* constants.
		Kind PartKind
		// Text is the textual payload for text and reasoning parts.
		Text string
		// ToolCallID correlates tool-call and tool-result parts.
		ToolCallID string
		// ToolName identifies the tool for tool-call and tool-result parts.
		ToolName string
		// Input is the JSON-encoded tool arguments for tool-call parts.
		Input json.RawMessage
		// Output is the tool result value for tool-result parts.
		Output any
		// Data is the binary payload for file parts.
		Data []byte
		// MediaType is the IANA media type for file parts.
		MediaType string
		// URL references external content for source and file parts.
		URL string
		// Title names the referenced source for source parts.
		Title string
		// ProviderMetadata carries provider-specific metadata attached to
		// this part (e.g. reasoning signatures).
		ProviderMetadata map[string]any
	}

	// ToolDefinition describes a tool schema passed to the provider.
	ToolDefinition struct {
		// Name is the provider-visible tool identifier.
		Name string
		// Description documents the tool for prompting purposes.
		Description string
		// InputSchema is the JSON Schema describing the tool arguments.
		InputSchema map[string]any
	}

	// ToolChoice constrains tool selection for one invocation.
	ToolChoice struct {
		// Mode is one of the ToolChoice* constants. The zero value means
		// auto.
		Mode ToolChoiceMode
		// ToolName names the forced tool when Mode is ToolChoiceTool.
		ToolName string
	}

	// ResponseFormat requests structured output from the provider.
	ResponseFormat struct {
		// Kind is "text" or "json".
		Kind string
		// Schema is the JSON Schema the output must satisfy, when known.
		Schema map[string]any
		// Name optionally labels the schema for providers that require it.
		Name string
		// Description optionally documents the schema.
		Description string
	}

	// Warning reports a non-fatal call preparation issue.
	Warning struct {
		// Code classifies the warning (e.g. "unsupported-setting").
		Code string
		// Setting names the offending setting when applicable.
		Setting string
		// Message is the human-readable detail.
		Message string
	}

	// RequestEcho echoes what was sent to the provider.
	RequestEcho struct {
		// Body is the serialized request body, when the adapter records it.
		Body string
	}

	// ResponseEcho carries raw response metadata from the transport.
	ResponseEcho struct {
		// ID is the provider-assigned response identifier.
		ID string
		// ModelID is the concrete model that answered, when reported.
		ModelID string
		// Timestamp is the provider response timestamp, when reported.
		Timestamp time.Time
		// Headers are the raw response headers for HTTP transports.
		Headers map[string]string
	}
)

// Role identifies the author of a wire message.
type Role string

// Wire message roles.
const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// PartKind discriminates wire message parts.
type PartKind string

// Wire part kinds.
const (
	PartText       PartKind = "text"
	PartReasoning  PartKind = "reasoning"
	PartFile       PartKind = "file"
	PartSource     PartKind = "source"
	PartToolCall   PartKind = "tool-call"
	PartToolResult PartKind = "tool-result"
)

// ToolChoiceMode enumerates tool selection policies.
type ToolChoiceMode string

// Tool selection policies.
const (
	ToolChoiceAuto     ToolChoiceMode = "auto"
	ToolChoiceNone     ToolChoiceMode = "none"
	ToolChoiceRequired ToolChoiceMode = "required"
	ToolChoiceTool     ToolChoiceMode = "tool"
)

// ProtocolVersion is the provider protocol this engine speaks. Models
// implementing Versioned must report it verbatim.
const ProtocolVersion = "v2"

// ErrStreamingUnsupported indicates the provider does not implement streaming
// for the requested model or parameters.
var ErrStreamingUnsupported = errors.New("model: streaming not supported")
