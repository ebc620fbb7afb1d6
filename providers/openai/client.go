// Package openai implements model.LanguageModel on top of the OpenAI Chat
// Completions API. It translates engine calls into streaming ChatCompletion
// requests using github.com/openai/openai-go and maps the incremental chunks
// back into the engine chunk vocabulary (text, tool calls, usage).
package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	sdk "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/ssestream"
	"github.com/openai/openai-go/shared"

	"github.com/modelflow/modelflow/model"
)

type (
	// ChatClient captures the subset of the OpenAI SDK client used by the
	// adapter. It is satisfied by the SDK's chat completion service so
	// callers can pass either a real client or a mock in tests.
	ChatClient interface {
		NewStreaming(ctx context.Context, body sdk.ChatCompletionNewParams, opts ...option.RequestOption) *ssestream.Stream[sdk.ChatCompletionChunk]
	}

	// Options configures optional adapter behavior.
	Options struct {
		// StrictTools asks the provider to enforce tool schemas strictly.
		StrictTools bool
	}

	// Client implements model.LanguageModel on top of Chat Completions.
	Client struct {
		chat    ChatClient
		modelID string
		strict  bool
	}
)

// New builds an OpenAI-backed language model from the provided chat client
// and model identifier.
func New(chat ChatClient, modelID string, opts Options) (*Client, error) {
	if chat == nil {
		return nil, errors.New("openai: chat client is required")
	}
	if modelID == "" {
		return nil, errors.New("openai: model identifier is required")
	}
	return &Client{chat: chat, modelID: modelID, strict: opts.StrictTools}, nil
}

// NewFromAPIKey constructs a client using the default OpenAI HTTP client.
func NewFromAPIKey(apiKey, modelID string) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("openai: api key is required")
	}
	oc := sdk.NewClient(option.WithAPIKey(apiKey))
	return New(&oc.Chat.Completions, modelID, Options{})
}

// ProviderID implements model.LanguageModel.
func (c *Client) ProviderID() string { return "openai" }

// ModelID implements model.LanguageModel.
func (c *Client) ModelID() string { return c.modelID }

// ProtocolVersion implements model.Versioned.
func (c *Client) ProtocolVersion() string { return model.ProtocolVersion }

// Stream invokes Chat.Completions.NewStreaming and adapts the incremental
// chunks into the engine chunk vocabulary.
func (c *Client) Stream(ctx context.Context, call model.Call) (*model.StreamResponse, error) {
	params, warnings, err := c.prepareParams(call)
	if err != nil {
		return nil, err
	}
	stream := c.chat.NewStreaming(ctx, *params)
	if err := stream.Err(); err != nil {
		return nil, fmt.Errorf("openai chat.completions stream: %w", err)
	}

	var echo model.RequestEcho
	if body, merr := json.Marshal(params); merr == nil {
		echo.Body = string(body)
	}
	return &model.StreamResponse{
		Stream:   newStreamer(ctx, stream, call.IncludeRaw),
		Warnings: warnings,
		Request:  echo,
	}, nil
}

func (c *Client) prepareParams(call model.Call) (*sdk.ChatCompletionNewParams, []model.Warning, error) {
	if len(call.Prompt) == 0 {
		return nil, nil, errors.New("openai: prompt messages are required")
	}
	var warnings []model.Warning

	msgs, err := encodeMessages(call.Prompt)
	if err != nil {
		return nil, nil, err
	}
	params := sdk.ChatCompletionNewParams{
		Model:         shared.ChatModel(c.modelID),
		Messages:      msgs,
		StreamOptions: sdk.ChatCompletionStreamOptionsParam{IncludeUsage: sdk.Bool(true)},
	}
	if call.MaxOutputTokens > 0 {
		params.MaxTokens = sdk.Int(int64(call.MaxOutputTokens))
	}
	if call.Temperature != nil {
		params.Temperature = sdk.Float(*call.Temperature)
	}
	toolParams, err := encodeTools(call.Tools, c.strict)
	if err != nil {
		return nil, nil, err
	}
	if len(toolParams) > 0 {
		params.Tools = toolParams
	}
	if call.ToolChoice.Mode != "" && call.ToolChoice.Mode != model.ToolChoiceAuto {
		tc, err := encodeToolChoice(call.ToolChoice, call.Tools)
		if err != nil {
			return nil, nil, err
		}
		params.ToolChoice = tc
	}
	if call.ResponseFormat != nil {
		rf, warn := encodeResponseFormat(call.ResponseFormat)
		if warn != nil {
			warnings = append(warnings, *warn)
		} else {
			params.ResponseFormat = rf
		}
	}
	return &params, warnings, nil
}

func encodeMessages(msgs []model.Message) ([]sdk.ChatCompletionMessageParamUnion, error) {
	out := make([]sdk.ChatCompletionMessageParamUnion, 0, len(msgs))
	for _, m := range msgs {
		switch m.Role {
		case model.RoleSystem:
			if txt := joinText(m.Parts); txt != "" {
				out = append(out, sdk.SystemMessage(txt))
			}
		case model.RoleUser:
			if txt := joinText(m.Parts); txt != "" {
				out = append(out, sdk.UserMessage(txt))
			}
		case model.RoleAssistant:
			msg, ok := encodeAssistant(m.Parts)
			if ok {
				out = append(out, msg)
			}
		case model.RoleTool:
			for _, p := range m.Parts {
				if p.Kind != model.PartToolResult {
					continue
				}
				out = append(out, sdk.ToolMessage(stringifyOutput(p.Output), p.ToolCallID))
			}
		default:
			return nil, fmt.Errorf("openai: unsupported message role %q", m.Role)
		}
	}
	if len(out) == 0 {
		return nil, errors.New("openai: at least one message is required")
	}
	return out, nil
}

func encodeAssistant(parts []model.Part) (sdk.ChatCompletionMessageParamUnion, bool) {
	var text string
	var calls []sdk.ChatCompletionMessageToolCallParam
	for _, p := range parts {
		switch p.Kind {
		case model.PartText:
			text += p.Text
		case model.PartToolCall:
			args := string(p.Input)
			if args == "" || !json.Valid(p.Input) {
				args = "{}"
			}
			calls = append(calls, sdk.ChatCompletionMessageToolCallParam{
				ID: p.ToolCallID,
				Function: sdk.ChatCompletionMessageToolCallFunctionParam{
					Name:      p.ToolName,
					Arguments: args,
				},
			})
			// Reasoning parts are not replayed; the API has no slot for them.
		}
	}
	if len(calls) == 0 {
		if text == "" {
			return sdk.ChatCompletionMessageParamUnion{}, false
		}
		return sdk.AssistantMessage(text), true
	}
	assistant := sdk.ChatCompletionAssistantMessageParam{ToolCalls: calls}
	if text != "" {
		assistant.Content = sdk.ChatCompletionAssistantMessageParamContentUnion{OfString: sdk.String(text)}
	}
	return sdk.ChatCompletionMessageParamUnion{OfAssistant: &assistant}, true
}

func encodeTools(defs []model.ToolDefinition, strict bool) ([]sdk.ChatCompletionToolParam, error) {
	if len(defs) == 0 {
		return nil, nil
	}
	out := make([]sdk.ChatCompletionToolParam, 0, len(defs))
	for _, def := range defs {
		if def.Name == "" {
			continue
		}
		fn := shared.FunctionDefinitionParam{
			Name:   def.Name,
			Strict: sdk.Bool(strict),
		}
		if def.Description != "" {
			fn.Description = sdk.String(def.Description)
		}
		if len(def.InputSchema) > 0 {
			fn.Parameters = shared.FunctionParameters(def.InputSchema)
		}
		out = append(out, sdk.ChatCompletionToolParam{Function: fn})
	}
	return out, nil
}

func encodeToolChoice(choice model.ToolChoice, defs []model.ToolDefinition) (sdk.ChatCompletionToolChoiceOptionUnionParam, error) {
	switch choice.Mode {
	case model.ToolChoiceNone:
		return sdk.ChatCompletionToolChoiceOptionUnionParam{OfAuto: sdk.String("none")}, nil
	case model.ToolChoiceRequired:
		return sdk.ChatCompletionToolChoiceOptionUnionParam{OfAuto: sdk.String("required")}, nil
	case model.ToolChoiceTool:
		found := false
		for _, def := range defs {
			if def.Name == choice.ToolName {
				found = true
				break
			}
		}
		if !found {
			return sdk.ChatCompletionToolChoiceOptionUnionParam{},
				fmt.Errorf("openai: tool choice name %q does not match any tool", choice.ToolName)
		}
		return sdk.ChatCompletionToolChoiceOptionUnionParam{
			OfChatCompletionNamedToolChoice: &sdk.ChatCompletionNamedToolChoiceParam{
				Function: sdk.ChatCompletionNamedToolChoiceFunctionParam{Name: choice.ToolName},
			},
		}, nil
	default:
		return sdk.ChatCompletionToolChoiceOptionUnionParam{}, fmt.Errorf("openai: unsupported tool choice mode %q", choice.Mode)
	}
}

func encodeResponseFormat(rf *model.ResponseFormat) (sdk.ChatCompletionNewParamsResponseFormatUnion, *model.Warning) {
	switch rf.Kind {
	case "", "text":
		txt := shared.NewResponseFormatTextParam()
		return sdk.ChatCompletionNewParamsResponseFormatUnion{OfText: &txt}, nil
	case "json":
		if len(rf.Schema) == 0 {
			obj := shared.NewResponseFormatJSONObjectParam()
			return sdk.ChatCompletionNewParamsResponseFormatUnion{OfJSONObject: &obj}, nil
		}
		name := rf.Name
		if name == "" {
			name = "response"
		}
		js := shared.ResponseFormatJSONSchemaParam{
			JSONSchema: shared.ResponseFormatJSONSchemaJSONSchemaParam{
				Name:   name,
				Schema: rf.Schema,
			},
		}
		if rf.Description != "" {
			js.JSONSchema.Description = sdk.String(rf.Description)
		}
		return sdk.ChatCompletionNewParamsResponseFormatUnion{OfJSONSchema: &js}, nil
	default:
		return sdk.ChatCompletionNewParamsResponseFormatUnion{}, &model.Warning{
			Code:    "unsupported-setting",
			Setting: "responseFormat",
			Message: fmt.Sprintf("openai: unsupported response format kind %q", rf.Kind),
		}
	}
}

func joinText(parts []model.Part) string {
	var txt string
	for _, p := range parts {
		if p.Kind == model.PartText {
			txt += p.Text
		}
	}
	return txt
}

func stringifyOutput(out any) string {
	switch v := out.(type) {
	case nil:
		return "{}"
	case string:
		return v
	case []byte:
		return string(v)
	case json.RawMessage:
		return string(v)
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return "{}"
		}
		return string(data)
	}
}
