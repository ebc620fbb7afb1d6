package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/modelflow/modelflow/model"
)

// streamer adapts an Anthropic Messages SSE stream to model.Streamer. A pump
// goroutine drains the SDK stream into a buffered channel so slow consumers
// never stall the HTTP read.
type streamer struct {
	ctx    context.Context
	cancel context.CancelFunc
	stream *ssestream.Stream[sdk.MessageStreamEventUnion]

	chunks    chan model.Chunk
	toolNames map[string]string

	errMu    sync.Mutex
	errSet   bool
	finalErr error
}

func newStreamer(ctx context.Context, stream *ssestream.Stream[sdk.MessageStreamEventUnion], includeRaw bool, toolNames map[string]string) model.Streamer {
	cctx, cancel := context.WithCancel(ctx)
	s := &streamer{
		ctx:       cctx,
		cancel:    cancel,
		stream:    stream,
		chunks:    make(chan model.Chunk, 32),
		toolNames: toolNames,
	}
	go s.pump(includeRaw)
	return s
}

// Recv implements model.Streamer.
func (s *streamer) Recv() (model.Chunk, error) {
	select {
	case chunk, ok := <-s.chunks:
		if ok {
			return chunk, nil
		}
		if err := s.err(); err != nil {
			return model.Chunk{}, err
		}
		return model.Chunk{}, io.EOF
	case <-s.ctx.Done():
		err := s.ctx.Err()
		if err == nil {
			err = context.Canceled
		}
		s.setErr(err)
		return model.Chunk{}, err
	}
}

// Close implements model.Streamer.
func (s *streamer) Close() error {
	s.cancel()
	if s.stream == nil {
		return nil
	}
	return s.stream.Close()
}

func (s *streamer) pump(includeRaw bool) {
	defer close(s.chunks)
	defer func() {
		if s.stream != nil {
			_ = s.stream.Close()
		}
	}()

	p := newEventProcessor(s.emit, includeRaw, s.toolNames)
	for {
		select {
		case <-s.ctx.Done():
			s.setErr(s.ctx.Err())
			return
		default:
		}
		if !s.stream.Next() {
			if err := s.stream.Err(); err != nil {
				s.setErr(err)
			} else if err := s.ctx.Err(); err != nil {
				s.setErr(err)
			}
			return
		}
		if err := p.handle(s.stream.Current()); err != nil {
			s.setErr(err)
			return
		}
	}
}

func (s *streamer) emit(chunk model.Chunk) error {
	select {
	case <-s.ctx.Done():
		return s.ctx.Err()
	case s.chunks <- chunk:
		return nil
	}
}

func (s *streamer) setErr(err error) {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	if s.errSet {
		return
	}
	s.errSet = true
	s.finalErr = err
}

func (s *streamer) err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.finalErr
}

// eventProcessor converts Anthropic streaming events into engine chunks.
// Content blocks are keyed by the SDK's block index; the index doubles as the
// chunk block id so concurrently open blocks stay distinct downstream.
type eventProcessor struct {
	emit       func(model.Chunk) error
	includeRaw bool
	toolNames  map[string]string // wire name back to the registered name

	blockKinds map[int]string // "text", "thinking" or "tool"
	toolBlocks map[int]*toolBuffer
	signatures map[int]string

	stopReason string
	usage      model.Usage
}

type toolBuffer struct {
	id        string
	name      string
	fragments []string
}

func (tb *toolBuffer) finalInput() json.RawMessage {
	joined := strings.TrimSpace(strings.Join(tb.fragments, ""))
	if joined == "" {
		joined = "{}"
	}
	return json.RawMessage(joined)
}

func newEventProcessor(emit func(model.Chunk) error, includeRaw bool, toolNames map[string]string) *eventProcessor {
	return &eventProcessor{
		emit:       emit,
		includeRaw: includeRaw,
		toolNames:  toolNames,
		blockKinds: make(map[int]string),
		toolBlocks: make(map[int]*toolBuffer),
		signatures: make(map[int]string),
	}
}

func (p *eventProcessor) handle(event sdk.MessageStreamEventUnion) error {
	if p.includeRaw {
		if err := p.emit(model.Chunk{Type: model.ChunkRaw, Raw: event}); err != nil {
			return err
		}
	}
	switch ev := event.AsAny().(type) {
	case sdk.MessageStartEvent:
		p.usage = model.Usage{
			InputTokens:       int(ev.Message.Usage.InputTokens),
			CachedInputTokens: int(ev.Message.Usage.CacheReadInputTokens),
		}
		return p.emit(model.Chunk{
			Type:     model.ChunkResponseMetadata,
			Response: model.NewResponseEcho(ev.Message.ID, string(ev.Message.Model), nil),
		})
	case sdk.ContentBlockStartEvent:
		return p.handleBlockStart(ev)
	case sdk.ContentBlockDeltaEvent:
		return p.handleBlockDelta(ev)
	case sdk.ContentBlockStopEvent:
		return p.handleBlockStop(ev)
	case sdk.MessageDeltaEvent:
		p.stopReason = string(ev.Delta.StopReason)
		p.usage.OutputTokens = int(ev.Usage.OutputTokens)
		p.usage.TotalTokens = p.usage.InputTokens + p.usage.OutputTokens
		return nil
	case sdk.MessageStopEvent:
		return p.emit(model.Chunk{
			Type:         model.ChunkFinish,
			FinishReason: mapStopReason(p.stopReason),
			Usage:        p.usage,
		})
	}
	return nil
}

func (p *eventProcessor) handleBlockStart(ev sdk.ContentBlockStartEvent) error {
	idx := int(ev.Index)
	id := blockID(idx)
	switch block := ev.ContentBlock.AsAny().(type) {
	case sdk.TextBlock:
		p.blockKinds[idx] = "text"
		return p.emit(model.Chunk{Type: model.ChunkTextStart, BlockID: id})
	case sdk.ThinkingBlock, sdk.RedactedThinkingBlock:
		p.blockKinds[idx] = "thinking"
		return p.emit(model.Chunk{Type: model.ChunkReasoningStart, BlockID: id})
	case sdk.ToolUseBlock:
		if block.ID == "" {
			return errors.New("anthropic stream: tool use block missing id")
		}
		if block.Name == "" {
			return fmt.Errorf("anthropic stream: tool use block %q missing name", block.ID)
		}
		name := block.Name
		if canon, ok := p.toolNames[name]; ok {
			name = canon
		}
		p.blockKinds[idx] = "tool"
		p.toolBlocks[idx] = &toolBuffer{id: block.ID, name: name}
		return p.emit(model.Chunk{
			Type:       model.ChunkToolInputStart,
			ToolCallID: block.ID,
			ToolName:   name,
		})
	}
	return nil
}

func (p *eventProcessor) handleBlockDelta(ev sdk.ContentBlockDeltaEvent) error {
	idx := int(ev.Index)
	id := blockID(idx)
	switch delta := ev.Delta.AsAny().(type) {
	case sdk.TextDelta:
		if delta.Text == "" {
			return nil
		}
		return p.emit(model.Chunk{Type: model.ChunkTextDelta, BlockID: id, Text: delta.Text})
	case sdk.ThinkingDelta:
		if delta.Thinking == "" {
			return nil
		}
		return p.emit(model.Chunk{Type: model.ChunkReasoningDelta, BlockID: id, Text: delta.Thinking})
	case sdk.SignatureDelta:
		if delta.Signature != "" {
			p.signatures[idx] = delta.Signature
		}
		return nil
	case sdk.InputJSONDelta:
		if delta.PartialJSON == "" {
			return nil
		}
		tb := p.toolBlocks[idx]
		if tb == nil {
			return nil
		}
		tb.fragments = append(tb.fragments, delta.PartialJSON)
		return p.emit(model.Chunk{
			Type:       model.ChunkToolInputDelta,
			ToolCallID: tb.id,
			ToolName:   tb.name,
			Input:      json.RawMessage(delta.PartialJSON),
		})
	}
	return nil
}

func (p *eventProcessor) handleBlockStop(ev sdk.ContentBlockStopEvent) error {
	idx := int(ev.Index)
	id := blockID(idx)
	kind := p.blockKinds[idx]
	delete(p.blockKinds, idx)
	switch kind {
	case "text":
		return p.emit(model.Chunk{Type: model.ChunkTextEnd, BlockID: id})
	case "thinking":
		chunk := model.Chunk{Type: model.ChunkReasoningEnd, BlockID: id}
		if sig := p.signatures[idx]; sig != "" {
			delete(p.signatures, idx)
			chunk.ProviderMetadata = map[string]any{"anthropic": map[string]any{"signature": sig}}
		}
		return p.emit(chunk)
	case "tool":
		tb := p.toolBlocks[idx]
		delete(p.toolBlocks, idx)
		if tb == nil {
			return nil
		}
		if err := p.emit(model.Chunk{Type: model.ChunkToolInputEnd, ToolCallID: tb.id}); err != nil {
			return err
		}
		return p.emit(model.Chunk{
			Type:       model.ChunkToolCall,
			ToolCallID: tb.id,
			ToolName:   tb.name,
			Input:      tb.finalInput(),
		})
	}
	return nil
}

func blockID(idx int) string { return strconv.Itoa(idx) }

func mapStopReason(reason string) model.FinishReason {
	switch reason {
	case "end_turn", "stop_sequence":
		return model.FinishStop
	case "max_tokens":
		return model.FinishLength
	case "tool_use":
		return model.FinishToolCalls
	case "refusal":
		return model.FinishContentFilter
	case "":
		return model.FinishUnknown
	default:
		return model.FinishOther
	}
}
