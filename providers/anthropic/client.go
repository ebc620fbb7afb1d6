// Package anthropic implements model.LanguageModel on top of the Anthropic
// Claude Messages API. It translates engine calls into anthropic.Message
// streaming requests using github.com/anthropics/anthropic-sdk-go and maps
// the incremental SSE events back into the engine chunk vocabulary (text,
// thinking, tool use, usage).
package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/modelflow/modelflow/model"
)

// defaultMaxTokens caps completions when the call does not set a limit; the
// Messages API requires an explicit max_tokens on every request.
const defaultMaxTokens = 4096

type (
	// MessagesClient captures the subset of the Anthropic SDK client used by
	// the adapter. It is satisfied by *sdk.MessageService so callers can pass
	// either a real client or a mock in tests.
	MessagesClient interface {
		NewStreaming(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) *ssestream.Stream[sdk.MessageStreamEventUnion]
	}

	// Options configures optional adapter behavior.
	Options struct {
		// MaxTokens sets the completion cap used when a call does not
		// specify one. Zero means defaultMaxTokens.
		MaxTokens int
	}

	// Client implements model.LanguageModel on top of Claude Messages.
	Client struct {
		msg     MessagesClient
		modelID string
		maxTok  int
	}
)

// New builds an Anthropic-backed language model from the provided Messages
// client and model identifier.
func New(msg MessagesClient, modelID string, opts Options) (*Client, error) {
	if msg == nil {
		return nil, errors.New("anthropic: messages client is required")
	}
	if modelID == "" {
		return nil, errors.New("anthropic: model identifier is required")
	}
	maxTok := opts.MaxTokens
	if maxTok <= 0 {
		maxTok = defaultMaxTokens
	}
	return &Client{msg: msg, modelID: modelID, maxTok: maxTok}, nil
}

// NewFromAPIKey constructs a client using the default Anthropic HTTP client.
func NewFromAPIKey(apiKey, modelID string) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("anthropic: api key is required")
	}
	ac := sdk.NewClient(option.WithAPIKey(apiKey))
	return New(&ac.Messages, modelID, Options{})
}

// ProviderID implements model.LanguageModel.
func (c *Client) ProviderID() string { return "anthropic" }

// ModelID implements model.LanguageModel.
func (c *Client) ModelID() string { return c.modelID }

// ProtocolVersion implements model.Versioned.
func (c *Client) ProtocolVersion() string { return model.ProtocolVersion }

// Stream invokes Messages.NewStreaming and adapts the incremental events into
// the engine chunk vocabulary.
func (c *Client) Stream(ctx context.Context, call model.Call) (*model.StreamResponse, error) {
	params, warnings, provToCanon, err := c.prepareParams(call)
	if err != nil {
		return nil, err
	}
	stream := c.msg.NewStreaming(ctx, *params)
	if err := stream.Err(); err != nil {
		return nil, fmt.Errorf("anthropic messages.new stream: %w", err)
	}

	var echo model.RequestEcho
	if body, merr := json.Marshal(params); merr == nil {
		echo.Body = string(body)
	}
	return &model.StreamResponse{
		Stream:   newStreamer(ctx, stream, call.IncludeRaw, provToCanon),
		Warnings: warnings,
		Request:  echo,
	}, nil
}

func (c *Client) prepareParams(call model.Call) (*sdk.MessageNewParams, []model.Warning, map[string]string, error) {
	if len(call.Prompt) == 0 {
		return nil, nil, nil, errors.New("anthropic: prompt messages are required")
	}
	var warnings []model.Warning

	toolParams, canonToProv, provToCanon, err := encodeTools(call.Tools)
	if err != nil {
		return nil, nil, nil, err
	}
	msgs, system, err := encodeMessages(call.Prompt, canonToProv)
	if err != nil {
		return nil, nil, nil, err
	}

	maxTokens := call.MaxOutputTokens
	if maxTokens <= 0 {
		maxTokens = c.maxTok
	}
	params := sdk.MessageNewParams{
		MaxTokens: int64(maxTokens),
		Messages:  msgs,
		Model:     sdk.Model(c.modelID),
	}
	if len(system) > 0 {
		params.System = system
	}
	if len(toolParams) > 0 {
		params.Tools = toolParams
	}
	if call.Temperature != nil {
		params.Temperature = sdk.Float(*call.Temperature)
	}
	if budget := thinkingBudget(call.ProviderOptions); budget > 0 {
		if budget >= int64(maxTokens) {
			return nil, nil, nil, fmt.Errorf("anthropic: thinking budget %d must be less than max_tokens %d", budget, maxTokens)
		}
		params.Thinking = sdk.ThinkingConfigParamOfEnabled(budget)
	}
	if call.ToolChoice.Mode != "" && call.ToolChoice.Mode != model.ToolChoiceAuto {
		tc, err := encodeToolChoice(call.ToolChoice, canonToProv)
		if err != nil {
			return nil, nil, nil, err
		}
		params.ToolChoice = tc
	}
	if call.ResponseFormat != nil {
		// The Messages API has no native response_format; structured output
		// relies on prompt adherence and wire-shape envelopes.
		warnings = append(warnings, model.Warning{
			Code:    "unsupported-setting",
			Setting: "responseFormat",
			Message: "anthropic has no native structured output mode; relying on prompt adherence",
		})
	}
	return &params, warnings, provToCanon, nil
}

func thinkingBudget(po map[string]any) int64 {
	switch v := po["thinking_budget"].(type) {
	case int:
		return int64(v)
	case int64:
		return v
	case float64:
		return int64(v)
	}
	return 0
}

func encodeMessages(msgs []model.Message, nameMap map[string]string) ([]sdk.MessageParam, []sdk.TextBlockParam, error) {
	conversation := make([]sdk.MessageParam, 0, len(msgs))
	var system []sdk.TextBlockParam

	for _, m := range msgs {
		switch m.Role {
		case model.RoleSystem:
			for _, p := range m.Parts {
				if p.Kind == model.PartText && p.Text != "" {
					system = append(system, sdk.TextBlockParam{Text: p.Text})
				}
			}
		case model.RoleUser:
			blocks := encodeContent(m.Parts, nameMap)
			if len(blocks) > 0 {
				conversation = append(conversation, sdk.NewUserMessage(blocks...))
			}
		case model.RoleAssistant:
			blocks := encodeContent(m.Parts, nameMap)
			if len(blocks) > 0 {
				conversation = append(conversation, sdk.NewAssistantMessage(blocks...))
			}
		case model.RoleTool:
			// Tool results travel in user-role messages on the wire.
			blocks := make([]sdk.ContentBlockParamUnion, 0, len(m.Parts))
			for _, p := range m.Parts {
				if p.Kind != model.PartToolResult {
					continue
				}
				blocks = append(blocks, encodeToolResult(p))
			}
			if len(blocks) > 0 {
				conversation = append(conversation, sdk.NewUserMessage(blocks...))
			}
		default:
			return nil, nil, fmt.Errorf("anthropic: unsupported message role %q", m.Role)
		}
	}
	if len(conversation) == 0 {
		return nil, nil, errors.New("anthropic: at least one user/assistant message is required")
	}
	return conversation, system, nil
}

func encodeContent(parts []model.Part, nameMap map[string]string) []sdk.ContentBlockParamUnion {
	blocks := make([]sdk.ContentBlockParamUnion, 0, len(parts))
	for _, p := range parts {
		switch p.Kind {
		case model.PartText:
			if p.Text != "" {
				blocks = append(blocks, sdk.NewTextBlock(p.Text))
			}
		case model.PartToolCall:
			name := p.ToolName
			if sanitized, ok := nameMap[name]; ok && sanitized != "" {
				name = sanitized
			}
			var input any
			if len(p.Input) > 0 {
				input = json.RawMessage(p.Input)
			} else {
				input = map[string]any{}
			}
			blocks = append(blocks, sdk.NewToolUseBlock(p.ToolCallID, input, name))
		case model.PartToolResult:
			blocks = append(blocks, encodeToolResult(p))
			// Reasoning parts are not re-encoded: Anthropic replays thinking
			// blocks from its own server-side state.
		}
	}
	return blocks
}

func encodeToolResult(p model.Part) sdk.ContentBlockParamUnion {
	var content string
	switch v := p.Output.(type) {
	case nil:
		content = ""
	case string:
		content = v
	case []byte:
		content = string(v)
	case json.RawMessage:
		content = string(v)
	default:
		if data, err := json.Marshal(v); err == nil {
			content = string(data)
		}
	}
	isError := false
	if m, ok := p.Output.(map[string]any); ok {
		_, isError = m["error"]
	}
	return sdk.NewToolResultBlock(p.ToolCallID, content, isError)
}

func encodeTools(defs []model.ToolDefinition) ([]sdk.ToolUnionParam, map[string]string, map[string]string, error) {
	if len(defs) == 0 {
		return nil, nil, nil, nil
	}
	toolList := make([]sdk.ToolUnionParam, 0, len(defs))
	canonToProv := make(map[string]string, len(defs))
	provToCanon := make(map[string]string, len(defs))

	for _, def := range defs {
		if def.Name == "" {
			continue
		}
		sanitized := sanitizeToolName(def.Name)
		if prev, ok := provToCanon[sanitized]; ok && prev != def.Name {
			return nil, nil, nil, fmt.Errorf("anthropic: tool name %q sanitizes to %q which collides with %q",
				def.Name, sanitized, prev)
		}
		provToCanon[sanitized] = def.Name
		canonToProv[def.Name] = sanitized

		schema := sdk.ToolInputSchemaParam{}
		if def.InputSchema != nil {
			schema.ExtraFields = def.InputSchema
		}
		u := sdk.ToolUnionParamOfTool(schema, sanitized)
		if u.OfTool != nil && def.Description != "" {
			u.OfTool.Description = sdk.String(def.Description)
		}
		toolList = append(toolList, u)
	}
	return toolList, canonToProv, provToCanon, nil
}

func encodeToolChoice(choice model.ToolChoice, canonToProv map[string]string) (sdk.ToolChoiceUnionParam, error) {
	switch choice.Mode {
	case model.ToolChoiceNone:
		none := sdk.NewToolChoiceNoneParam()
		return sdk.ToolChoiceUnionParam{OfNone: &none}, nil
	case model.ToolChoiceRequired:
		return sdk.ToolChoiceUnionParam{OfAny: &sdk.ToolChoiceAnyParam{}}, nil
	case model.ToolChoiceTool:
		sanitized, ok := canonToProv[choice.ToolName]
		if !ok || sanitized == "" {
			return sdk.ToolChoiceUnionParam{}, fmt.Errorf("anthropic: tool choice name %q does not match any tool", choice.ToolName)
		}
		return sdk.ToolChoiceParamOfTool(sanitized), nil
	default:
		return sdk.ToolChoiceUnionParam{}, fmt.Errorf("anthropic: unsupported tool choice mode %q", choice.Mode)
	}
}

// sanitizeToolName maps a tool identifier onto the character set Anthropic
// accepts, replacing any disallowed rune with '_'.
func sanitizeToolName(in string) string {
	out := make([]rune, 0, len(in))
	for _, r := range in {
		if (r >= 'a' && r <= 'z') ||
			(r >= 'A' && r <= 'Z') ||
			(r >= '0' && r <= '9') ||
			r == '_' || r == '-' {
			out = append(out, r)
		} else {
			out = append(out, '_')
		}
	}
	return string(out)
}
