package openai

import (
	"context"
	"encoding/json"
	"io"
	"sort"
	"strings"
	"sync"

	sdk "github.com/openai/openai-go"
	"github.com/openai/openai-go/packages/ssestream"

	"github.com/modelflow/modelflow/model"
)

// streamer adapts a Chat Completions SSE stream to model.Streamer. A pump
// goroutine drains the SDK stream into a buffered channel so slow consumers
// never stall the HTTP read.
type streamer struct {
	ctx    context.Context
	cancel context.CancelFunc
	stream *ssestream.Stream[sdk.ChatCompletionChunk]

	chunks chan model.Chunk

	errMu    sync.Mutex
	errSet   bool
	finalErr error
}

func newStreamer(ctx context.Context, stream *ssestream.Stream[sdk.ChatCompletionChunk], includeRaw bool) model.Streamer {
	cctx, cancel := context.WithCancel(ctx)
	s := &streamer{
		ctx:    cctx,
		cancel: cancel,
		stream: stream,
		chunks: make(chan model.Chunk, 32),
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

	p := newChunkProcessor(s.emit, includeRaw)
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
			} else if err := p.finish(); err != nil {
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

// chunkProcessor converts Chat Completions chunks into engine chunks. Unlike
// Anthropic, the API signals neither block boundaries nor an explicit message
// stop, so the processor opens the text block lazily on the first content
// delta, accumulates tool-call fragments keyed by the SDK's tool index, and
// flushes everything when the SSE stream ends.
type chunkProcessor struct {
	emit       func(model.Chunk) error
	includeRaw bool

	sawMeta  bool
	textOpen bool

	toolOrder []int
	tools     map[int]*toolAccumulator

	finishReason string
	usage        model.Usage
}

type toolAccumulator struct {
	id        string
	name      string
	fragments []string
}

func (ta *toolAccumulator) finalInput() json.RawMessage {
	joined := strings.TrimSpace(strings.Join(ta.fragments, ""))
	if joined == "" {
		joined = "{}"
	}
	return json.RawMessage(joined)
}

func newChunkProcessor(emit func(model.Chunk) error, includeRaw bool) *chunkProcessor {
	return &chunkProcessor{
		emit:       emit,
		includeRaw: includeRaw,
		tools:      make(map[int]*toolAccumulator),
	}
}

func (p *chunkProcessor) handle(chunk sdk.ChatCompletionChunk) error {
	if p.includeRaw {
		if err := p.emit(model.Chunk{Type: model.ChunkRaw, Raw: chunk}); err != nil {
			return err
		}
	}
	if !p.sawMeta && chunk.ID != "" {
		p.sawMeta = true
		if err := p.emit(model.Chunk{
			Type:     model.ChunkResponseMetadata,
			Response: model.NewResponseEcho(chunk.ID, chunk.Model, nil),
		}); err != nil {
			return err
		}
	}
	if chunk.Usage.TotalTokens > 0 || chunk.Usage.PromptTokens > 0 {
		p.usage = model.Usage{
			InputTokens:       int(chunk.Usage.PromptTokens),
			OutputTokens:      int(chunk.Usage.CompletionTokens),
			TotalTokens:       int(chunk.Usage.TotalTokens),
			ReasoningTokens:   int(chunk.Usage.CompletionTokensDetails.ReasoningTokens),
			CachedInputTokens: int(chunk.Usage.PromptTokensDetails.CachedTokens),
		}
	}
	if len(chunk.Choices) == 0 {
		return nil
	}
	choice := chunk.Choices[0]
	if choice.FinishReason != "" {
		p.finishReason = choice.FinishReason
	}
	if choice.Delta.Content != "" {
		if !p.textOpen {
			p.textOpen = true
			if err := p.emit(model.Chunk{Type: model.ChunkTextStart, BlockID: "0"}); err != nil {
				return err
			}
		}
		if err := p.emit(model.Chunk{Type: model.ChunkTextDelta, BlockID: "0", Text: choice.Delta.Content}); err != nil {
			return err
		}
	}
	for _, tc := range choice.Delta.ToolCalls {
		idx := int(tc.Index)
		acc := p.tools[idx]
		if acc == nil {
			acc = &toolAccumulator{id: tc.ID, name: tc.Function.Name}
			p.tools[idx] = acc
			p.toolOrder = append(p.toolOrder, idx)
			if err := p.emit(model.Chunk{
				Type:       model.ChunkToolInputStart,
				ToolCallID: acc.id,
				ToolName:   acc.name,
			}); err != nil {
				return err
			}
		}
		if acc.id == "" && tc.ID != "" {
			acc.id = tc.ID
		}
		if acc.name == "" && tc.Function.Name != "" {
			acc.name = tc.Function.Name
		}
		if tc.Function.Arguments == "" {
			continue
		}
		acc.fragments = append(acc.fragments, tc.Function.Arguments)
		if err := p.emit(model.Chunk{
			Type:       model.ChunkToolInputDelta,
			ToolCallID: acc.id,
			ToolName:   acc.name,
			Input:      json.RawMessage(tc.Function.Arguments),
		}); err != nil {
			return err
		}
	}
	return nil
}

// finish flushes open blocks and emits the terminal chunk once the SSE stream
// is exhausted without error.
func (p *chunkProcessor) finish() error {
	if p.textOpen {
		p.textOpen = false
		if err := p.emit(model.Chunk{Type: model.ChunkTextEnd, BlockID: "0"}); err != nil {
			return err
		}
	}
	sort.Ints(p.toolOrder)
	for _, idx := range p.toolOrder {
		acc := p.tools[idx]
		if acc == nil {
			continue
		}
		if err := p.emit(model.Chunk{Type: model.ChunkToolInputEnd, ToolCallID: acc.id}); err != nil {
			return err
		}
		if err := p.emit(model.Chunk{
			Type:       model.ChunkToolCall,
			ToolCallID: acc.id,
			ToolName:   acc.name,
			Input:      acc.finalInput(),
		}); err != nil {
			return err
		}
	}
	reason := p.finishReason
	if reason == "" && len(p.toolOrder) > 0 {
		reason = "tool_calls"
	}
	return p.emit(model.Chunk{
		Type:         model.ChunkFinish,
		FinishReason: mapFinishReason(reason),
		Usage:        p.usage,
	})
}

func mapFinishReason(reason string) model.FinishReason {
	switch reason {
	case "stop":
		return model.FinishStop
	case "length":
		return model.FinishLength
	case "tool_calls", "function_call":
		return model.FinishToolCalls
	case "content_filter":
		return model.FinishContentFilter
	case "":
		return model.FinishUnknown
	default:
		return model.FinishOther
	}
}
