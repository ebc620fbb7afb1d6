package loop

import (
	"context"
	"errors"
	"io"
	"strings"

	"github.com/modelflow/modelflow/event"
	"github.com/modelflow/modelflow/messages"
	"github.com/modelflow/modelflow/model"
	"github.com/modelflow/modelflow/stream"
)

// stepOutcome carries one completed model invocation out of modelStep.
// aborted marks a step cut short by caller cancellation; its step record
// holds whatever content had been buffered, never a fabricated finish.
type stepOutcome struct {
	step      event.Step
	toolCalls []event.ToolCallPayload
	aborted   bool
}

// modelStep issues one model call, consumes its chunk stream, publishes the
// translated events, folds content blocks into the message list and builds
// the step record.
func (l *loop) modelStep(ctx context.Context) (stepOutcome, error) {
	state := newRunState()
	tr := newTranslator(l.runID)

	ctx, span := l.tel.Tracer.Start(ctx, "step")
	defer span.End()

	resp, err := l.model.Stream(ctx, l.buildCall())
	if err != nil {
		return stepOutcome{}, err
	}
	defer resp.Stream.Close()

	state.response = resp.Response
	l.out.Publish(event.NewStepStart(l.runID, resp.Request, resp.Warnings))

	var (
		content   []model.Part
		toolCalls []event.ToolCallPayload
		aborted   bool
	)

	keepPart := func(p model.Part, toMessages bool) {
		content = append(content, p)
		if toMessages {
			l.msgs.Append(model.Message{
				Role:  model.RoleAssistant,
				Parts: []model.Part{p},
			}, messages.ChannelResponse)
		}
	}

recv:
	for {
		chunk, rerr := resp.Stream.Recv()
		if rerr != nil {
			if errors.Is(rerr, io.EOF) {
				break
			}
			if l.isAbort(ctx, rerr) {
				aborted = true
				break
			}
			return stepOutcome{}, rerr
		}
		if ctx.Err() != nil {
			aborted = true
			break
		}
		l.markFirstChunk()
		if chunk.ProviderMetadata != nil {
			state.providerMeta = chunk.ProviderMetadata
		}

		switch chunk.Type {
		case model.ChunkResponseMetadata:
			if chunk.Response != nil {
				state.response = *chunk.Response
			}
			continue
		case model.ChunkFinish:
			state.finishReason = chunk.FinishReason
			state.usage = chunk.Usage
			continue
		case model.ChunkError:
			if l.isAbort(ctx, chunk.Err) {
				aborted = true
				break recv
			}
			return stepOutcome{}, chunk.Err
		case model.ChunkRaw:
			if l.opts.includeRaw {
				l.out.Publish(event.NewRaw(l.runID, chunk.Raw))
			}
			continue
		}

		ev := tr.translate(chunk)
		if ev == nil {
			continue
		}
		switch ev := ev.(type) {
		case event.TextStart:
			state.open(ev.Data.ID, model.PartText, ev.Data.ProviderMetadata)
		case event.TextDelta:
			state.write(ev.Data.ID, model.PartText, ev.Data.Text, ev.Data.ProviderMetadata)
		case event.TextEnd:
			if p, ok := state.flush(ev.Data.ID); ok {
				keepPart(p, true)
			}
		case event.ReasoningStart:
			state.open(ev.Data.ID, model.PartReasoning, ev.Data.ProviderMetadata)
		case event.ReasoningDelta:
			state.write(ev.Data.ID, model.PartReasoning, ev.Data.Text, ev.Data.ProviderMetadata)
		case event.ReasoningEnd:
			if p, ok := state.flush(ev.Data.ID); ok {
				keepPart(p, true)
			}
		case event.ToolCall:
			keepPart(model.Part{
				Kind:       model.PartToolCall,
				ToolCallID: ev.Data.ToolCallID,
				ToolName:   ev.Data.ToolName,
				Input:      ev.Data.Input,
			}, true)
			toolCalls = append(toolCalls, ev.Data)
		case event.Source:
			keepPart(model.Part{
				Kind:  model.PartSource,
				URL:   ev.Data.URL,
				Title: ev.Data.Title,
			}, false)
		case event.File:
			keepPart(model.Part{
				Kind:      model.PartFile,
				Data:      ev.Data.Data,
				MediaType: ev.Data.MediaType,
			}, false)
		}

		l.out.Publish(ev)
		l.chunkCallback(ev)
	}

	for _, p := range state.flushAll() {
		keepPart(p, true)
	}

	reason := state.finishReason
	if aborted {
		reason = model.FinishAbort
	}

	step := event.Step{
		Content:          content,
		Text:             stepText(content),
		FinishReason:     reason,
		Usage:            state.usage,
		Warnings:         resp.Warnings,
		Request:          resp.Request,
		Response:         state.response,
		ProviderMetadata: state.providerMeta,
	}
	span.SetAttributes(
		"response.id", state.response.ID,
		"response.model", state.response.ModelID,
		"finish_reason", string(reason),
		"usage.input_tokens", state.usage.InputTokens,
		"usage.output_tokens", state.usage.OutputTokens,
	)
	return stepOutcome{step: step, toolCalls: toolCalls, aborted: aborted}, nil
}

// buildCall assembles the provider call for the next cycle from the full
// message history and the run configuration.
func (l *loop) buildCall() model.Call {
	call := model.Call{
		Prompt:          l.msgs.All(),
		Tools:           l.opts.tools.Definitions(),
		ToolChoice:      l.opts.toolChoice,
		ProviderOptions: l.opts.providerOptions,
		Temperature:     l.opts.temperature,
		MaxOutputTokens: l.opts.maxOutputTokens,
		IncludeRaw:      l.opts.includeRaw,
		Headers:         l.opts.headers,
	}
	switch l.opts.outputMode {
	case stream.OutputObject:
		call.ResponseFormat = &model.ResponseFormat{Kind: "json", Schema: l.opts.outputSchema}
	case stream.OutputArray:
		call.ResponseFormat = &model.ResponseFormat{Kind: "json", Schema: arraySchema(l.opts.outputSchema)}
	case stream.OutputEnum:
		call.ResponseFormat = &model.ResponseFormat{Kind: "json", Schema: enumSchema(l.opts.enumValues)}
	}
	return call
}

// arraySchema wraps an element schema in the {"elements": [...]} envelope
// the array output handler expects on the wire.
func arraySchema(element map[string]any) map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"elements": map[string]any{
				"type":  "array",
				"items": element,
			},
		},
		"required":             []any{"elements"},
		"additionalProperties": false,
	}
}

// enumSchema wraps enum values in the {"result": "..."} envelope the enum
// output handler expects on the wire.
func enumSchema(values []string) map[string]any {
	enum := make([]any, len(values))
	for i, v := range values {
		enum[i] = v
	}
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"result": map[string]any{
				"type": "string",
				"enum": enum,
			},
		},
		"required":             []any{"result"},
		"additionalProperties": false,
	}
}

func stepText(content []model.Part) string {
	var b strings.Builder
	for _, p := range content {
		if p.Kind == model.PartText {
			b.WriteString(p.Text)
		}
	}
	return b.String()
}
