package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"
	"github.com/stretchr/testify/require"

	"github.com/modelflow/modelflow/model"
)

// testDecoder feeds a fixed sequence of events to the ssestream.Stream.
type testDecoder struct {
	events []ssestream.Event
	i      int
	err    error
}

func (d *testDecoder) Event() ssestream.Event { return d.events[d.i-1] }

func (d *testDecoder) Next() bool {
	if d.err != nil {
		return false
	}
	if d.i >= len(d.events) {
		return false
	}
	d.i++
	return true
}

func (d *testDecoder) Close() error { return nil }
func (d *testDecoder) Err() error   { return d.err }

func sseEvent(t *testing.T, raw string) ssestream.Event {
	t.Helper()
	var ev sdk.MessageStreamEventUnion
	require.NoError(t, json.Unmarshal([]byte(raw), &ev))
	data, err := json.Marshal(ev)
	require.NoError(t, err)
	return ssestream.Event{Type: ev.Type, Data: data}
}

func drain(t *testing.T, s model.Streamer) []model.Chunk {
	t.Helper()
	var chunks []model.Chunk
	for {
		ch, err := s.Recv()
		if errors.Is(err, io.EOF) {
			return chunks
		}
		require.NoError(t, err)
		chunks = append(chunks, ch)
	}
}

func chunkTypes(chunks []model.Chunk) []model.ChunkType {
	ts := make([]model.ChunkType, len(chunks))
	for i, c := range chunks {
		ts[i] = c.Type
	}
	return ts
}

func TestStreamerTextAndToolCall(t *testing.T) {
	events := []ssestream.Event{
		sseEvent(t, `{
  "type": "message_start",
  "message": {
    "id": "msg-1",
    "model": "claude-sonnet-4",
    "usage": { "input_tokens": 7, "cache_read_input_tokens": 2 }
  }
}`),
		sseEvent(t, `{
  "type": "content_block_start",
  "index": 0,
  "content_block": { "type": "text", "text": "" }
}`),
		sseEvent(t, `{
  "type": "content_block_delta",
  "index": 0,
  "delta": { "type": "text_delta", "text": "Hel" }
}`),
		sseEvent(t, `{
  "type": "content_block_delta",
  "index": 0,
  "delta": { "type": "text_delta", "text": "lo" }
}`),
		sseEvent(t, `{ "type": "content_block_stop", "index": 0 }`),
		sseEvent(t, `{
  "type": "content_block_start",
  "index": 1,
  "content_block": { "type": "tool_use", "id": "toolu-1", "name": "lookup" }
}`),
		sseEvent(t, `{
  "type": "content_block_delta",
  "index": 1,
  "delta": { "type": "input_json_delta", "partial_json": "{\"q\":" }
}`),
		sseEvent(t, `{
  "type": "content_block_delta",
  "index": 1,
  "delta": { "type": "input_json_delta", "partial_json": "\"go\"}" }
}`),
		sseEvent(t, `{ "type": "content_block_stop", "index": 1 }`),
		sseEvent(t, `{
  "type": "message_delta",
  "delta": { "stop_reason": "tool_use" },
  "usage": { "output_tokens": 9 }
}`),
		sseEvent(t, `{ "type": "message_stop" }`),
	}

	stream := ssestream.NewStream[sdk.MessageStreamEventUnion](&testDecoder{events: events}, nil)
	s := newStreamer(context.Background(), stream, false, nil)
	defer func() { _ = s.Close() }()

	chunks := drain(t, s)
	require.Equal(t, []model.ChunkType{
		model.ChunkResponseMetadata,
		model.ChunkTextStart,
		model.ChunkTextDelta,
		model.ChunkTextDelta,
		model.ChunkTextEnd,
		model.ChunkToolInputStart,
		model.ChunkToolInputDelta,
		model.ChunkToolInputDelta,
		model.ChunkToolInputEnd,
		model.ChunkToolCall,
		model.ChunkFinish,
	}, chunkTypes(chunks))

	require.Equal(t, "msg-1", chunks[0].Response.ID)
	require.Equal(t, "claude-sonnet-4", chunks[0].Response.ModelID)

	require.Equal(t, "0", chunks[1].BlockID)
	require.Equal(t, "Hel", chunks[2].Text)
	require.Equal(t, "lo", chunks[3].Text)

	require.Equal(t, "toolu-1", chunks[5].ToolCallID)
	require.Equal(t, "lookup", chunks[5].ToolName)

	call := chunks[9]
	require.Equal(t, "toolu-1", call.ToolCallID)
	require.Equal(t, "lookup", call.ToolName)
	require.JSONEq(t, `{"q":"go"}`, string(call.Input))

	fin := chunks[10]
	require.Equal(t, model.FinishToolCalls, fin.FinishReason)
	require.Equal(t, 7, fin.Usage.InputTokens)
	require.Equal(t, 9, fin.Usage.OutputTokens)
	require.Equal(t, 16, fin.Usage.TotalTokens)
	require.Equal(t, 2, fin.Usage.CachedInputTokens)
}

func TestStreamerThinkingSignature(t *testing.T) {
	events := []ssestream.Event{
		sseEvent(t, `{
  "type": "message_start",
  "message": { "id": "msg-2", "model": "claude-sonnet-4", "usage": { "input_tokens": 1 } }
}`),
		sseEvent(t, `{
  "type": "content_block_start",
  "index": 0,
  "content_block": { "type": "thinking", "thinking": "" }
}`),
		sseEvent(t, `{
  "type": "content_block_delta",
  "index": 0,
  "delta": { "type": "thinking_delta", "thinking": "pondering" }
}`),
		sseEvent(t, `{
  "type": "content_block_delta",
  "index": 0,
  "delta": { "type": "signature_delta", "signature": "sig-abc" }
}`),
		sseEvent(t, `{ "type": "content_block_stop", "index": 0 }`),
		sseEvent(t, `{
  "type": "message_delta",
  "delta": { "stop_reason": "end_turn" },
  "usage": { "output_tokens": 3 }
}`),
		sseEvent(t, `{ "type": "message_stop" }`),
	}

	stream := ssestream.NewStream[sdk.MessageStreamEventUnion](&testDecoder{events: events}, nil)
	s := newStreamer(context.Background(), stream, false, nil)
	defer func() { _ = s.Close() }()

	chunks := drain(t, s)
	require.Equal(t, []model.ChunkType{
		model.ChunkResponseMetadata,
		model.ChunkReasoningStart,
		model.ChunkReasoningDelta,
		model.ChunkReasoningEnd,
		model.ChunkFinish,
	}, chunkTypes(chunks))

	require.Equal(t, "pondering", chunks[2].Text)
	meta := chunks[3].ProviderMetadata
	require.NotNil(t, meta)
	require.Equal(t, map[string]any{"signature": "sig-abc"}, meta["anthropic"])

	require.Equal(t, model.FinishStop, chunks[4].FinishReason)
}

func TestStreamerRestoresRegisteredToolName(t *testing.T) {
	events := []ssestream.Event{
		sseEvent(t, `{
  "type": "message_start",
  "message": { "id": "msg-3", "model": "claude-sonnet-4", "usage": { "input_tokens": 4 } }
}`),
		sseEvent(t, `{
  "type": "content_block_start",
  "index": 0,
  "content_block": { "type": "tool_use", "id": "toolu-7", "name": "time_now", "input": {} }
}`),
		sseEvent(t, `{
  "type": "content_block_delta",
  "index": 0,
  "delta": { "type": "input_json_delta", "partial_json": "{}" }
}`),
		sseEvent(t, `{ "type": "content_block_stop", "index": 0 }`),
		sseEvent(t, `{
  "type": "message_delta",
  "delta": { "stop_reason": "tool_use" },
  "usage": { "output_tokens": 2 }
}`),
		sseEvent(t, `{ "type": "message_stop" }`),
	}

	stream := ssestream.NewStream[sdk.MessageStreamEventUnion](&testDecoder{events: events}, nil)
	s := newStreamer(context.Background(), stream, false, map[string]string{"time_now": "time.now"})
	defer func() { _ = s.Close() }()

	chunks := drain(t, s)
	require.Equal(t, []model.ChunkType{
		model.ChunkResponseMetadata,
		model.ChunkToolInputStart,
		model.ChunkToolInputDelta,
		model.ChunkToolInputEnd,
		model.ChunkToolCall,
		model.ChunkFinish,
	}, chunkTypes(chunks))

	require.Equal(t, "time.now", chunks[1].ToolName)
	require.Equal(t, "time.now", chunks[2].ToolName)
	require.Equal(t, "time.now", chunks[4].ToolName)
	require.Equal(t, "toolu-7", chunks[4].ToolCallID)
}

func TestStreamerPropagatesDecoderError(t *testing.T) {
	boom := errors.New("connection reset")
	stream := ssestream.NewStream[sdk.MessageStreamEventUnion](&testDecoder{err: boom}, nil)
	s := newStreamer(context.Background(), stream, false, nil)
	defer func() { _ = s.Close() }()

	_, err := s.Recv()
	require.ErrorIs(t, err, boom)
}

func TestMapStopReason(t *testing.T) {
	require.Equal(t, model.FinishStop, mapStopReason("end_turn"))
	require.Equal(t, model.FinishStop, mapStopReason("stop_sequence"))
	require.Equal(t, model.FinishLength, mapStopReason("max_tokens"))
	require.Equal(t, model.FinishToolCalls, mapStopReason("tool_use"))
	require.Equal(t, model.FinishContentFilter, mapStopReason("refusal"))
	require.Equal(t, model.FinishUnknown, mapStopReason(""))
	require.Equal(t, model.FinishOther, mapStopReason("pause_turn"))
}
