package loop

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/modelflow/modelflow/event"
	"github.com/modelflow/modelflow/messages"
	"github.com/modelflow/modelflow/model"
	"github.com/modelflow/modelflow/tools"
)

// scriptedStreamer replays a fixed chunk sequence and then signals EOF.
type scriptedStreamer struct {
	chunks []model.Chunk
	idx    int
}

func (s *scriptedStreamer) Recv() (model.Chunk, error) {
	if s.idx >= len(s.chunks) {
		return model.Chunk{}, io.EOF
	}
	c := s.chunks[s.idx]
	s.idx++
	return c, nil
}

func (s *scriptedStreamer) Close() error { return nil }

// hangingStreamer never produces a chunk; Recv returns once the caller's
// context is done.
type hangingStreamer struct{ ctx context.Context }

func (s *hangingStreamer) Recv() (model.Chunk, error) {
	<-s.ctx.Done()
	return model.Chunk{}, s.ctx.Err()
}

func (s *hangingStreamer) Close() error { return nil }

// fakeModel serves one scripted turn per Stream call and records every call
// it receives. When the script runs out it serves repeatTurn.
type fakeModel struct {
	mu         sync.Mutex
	turns      [][]model.Chunk
	repeatTurn []model.Chunk
	hang       bool
	version    string
	calls      []model.Call
}

func (m *fakeModel) ProviderID() string { return "fake" }
func (m *fakeModel) ModelID() string    { return "fake-model" }

func (m *fakeModel) ProtocolVersion() string {
	if m.version != "" {
		return m.version
	}
	return model.ProtocolVersion
}

func (m *fakeModel) Stream(ctx context.Context, call model.Call) (*model.StreamResponse, error) {
	m.mu.Lock()
	m.calls = append(m.calls, call)
	n := len(m.calls)
	var turn []model.Chunk
	if n-1 < len(m.turns) {
		turn = m.turns[n-1]
	} else {
		turn = m.repeatTurn
	}
	m.mu.Unlock()

	var s model.Streamer = &scriptedStreamer{chunks: turn}
	if m.hang {
		s = &hangingStreamer{ctx: ctx}
	}
	return &model.StreamResponse{
		Stream:   s,
		Request:  model.RequestEcho{Body: "{}"},
		Response: model.ResponseEcho{ID: fmt.Sprintf("resp-%d", n)},
	}, nil
}

func (m *fakeModel) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

func (m *fakeModel) call(i int) model.Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[i]
}

func toolTurn() []model.Chunk {
	return []model.Chunk{
		{Type: model.ChunkToolInputStart, ToolCallID: "call-1", ToolName: "echo"},
		{Type: model.ChunkToolInputDelta, ToolCallID: "call-1", Input: json.RawMessage(`{"x":`)},
		{Type: model.ChunkToolInputDelta, ToolCallID: "call-1", Input: json.RawMessage(`1}`)},
		{Type: model.ChunkToolInputEnd, ToolCallID: "call-1"},
		{Type: model.ChunkToolCall, ToolCallID: "call-1", ToolName: "echo", Input: json.RawMessage(`{"x":1}`)},
		{Type: model.ChunkFinish, FinishReason: model.FinishToolCalls,
			Usage: model.Usage{InputTokens: 3, OutputTokens: 10, TotalTokens: 13}},
	}
}

func textTurn() []model.Chunk {
	return []model.Chunk{
		{Type: model.ChunkResponseMetadata, Response: model.NewResponseEcho("resp-final", "fake-model", nil)},
		{Type: model.ChunkTextStart, BlockID: "0"},
		{Type: model.ChunkTextDelta, BlockID: "0", Text: "Hello, "},
		{Type: model.ChunkTextDelta, BlockID: "0", Text: "world!"},
		{Type: model.ChunkTextEnd, BlockID: "0"},
		{Type: model.ChunkFinish, FinishReason: model.FinishStop,
			Usage: model.Usage{InputTokens: 3, OutputTokens: 10, TotalTokens: 13, CachedInputTokens: 3}},
	}
}

func userList() *messages.List {
	return messages.New(model.Message{
		Role:  model.RoleUser,
		Parts: []model.Part{{Kind: model.PartText, Text: "hi"}},
	})
}

func echoToolSet(t *testing.T, execute func(context.Context, tools.Invocation) (any, error)) *tools.Set {
	t.Helper()
	set, err := tools.NewSet(&tools.Tool{
		Name:        "echo",
		Description: "echoes its input",
		InputSchema: map[string]any{"type": "object"},
		Execute:     execute,
	})
	require.NoError(t, err)
	return set
}

func awaitDone(t *testing.T, done <-chan struct{}) {
	t.Helper()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("run never finished")
	}
}

func TestStreamTwoStepToolRun(t *testing.T) {
	fake := &fakeModel{turns: [][]model.Chunk{toolTurn(), textTurn()}}
	set := echoToolSet(t, func(ctx context.Context, inv tools.Invocation) (any, error) {
		require.Equal(t, "call-1", inv.ToolCallID)
		return map[string]any{"ok": true}, nil
	})
	list := userList()

	var chunkEvents atomic.Int32
	run, err := Stream(context.Background(), fake, list,
		WithRunID("run-1"),
		WithTools(set),
		WithStopWhen(StepCountIs(3)),
		WithOnChunk(func(event.Event) { chunkEvents.Add(1) }),
	)
	require.NoError(t, err)
	awaitDone(t, run.Done())

	ctx := context.Background()
	require.NoError(t, run.Err(ctx))

	text, err := run.Text(ctx)
	require.NoError(t, err)
	require.Equal(t, "Hello, world!", text)

	reason, err := run.FinishReason(ctx)
	require.NoError(t, err)
	require.Equal(t, model.FinishStop, reason)

	steps, err := run.Steps(ctx)
	require.NoError(t, err)
	require.Len(t, steps, 2)
	require.Equal(t, model.FinishToolCalls, steps[0].FinishReason)
	require.Equal(t, model.FinishStop, steps[1].FinishReason)

	total, err := run.TotalUsage(ctx)
	require.NoError(t, err)
	require.Equal(t, 6, total.InputTokens)
	require.Equal(t, 20, total.OutputTokens)
	require.Equal(t, 26, total.TotalTokens)
	require.Equal(t, 3, total.CachedInputTokens)

	calls, err := run.ToolCalls(ctx)
	require.NoError(t, err)
	require.Len(t, calls, 1)
	require.Equal(t, "echo", calls[0].ToolName)
	require.JSONEq(t, `{"x":1}`, string(calls[0].Input))

	results, err := run.ToolResults(ctx)
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Empty(t, results[0].Error)
	require.Equal(t, map[string]any{"ok": true}, results[0].Output)

	// The second call sees the user turn plus the assistant tool call and
	// its result.
	require.Equal(t, 2, fake.callCount())
	second := fake.call(1)
	require.Len(t, second.Prompt, 3)
	require.Equal(t, model.RoleUser, second.Prompt[0].Role)
	require.Equal(t, model.RoleAssistant, second.Prompt[1].Role)
	require.Equal(t, model.PartToolCall, second.Prompt[1].Parts[0].Kind)
	require.Equal(t, model.RoleTool, second.Prompt[2].Role)
	require.Len(t, second.Tools, 1)
	require.Equal(t, "echo", second.Tools[0].Name)

	events := collectEvents(t, run)
	require.IsType(t, event.Start{}, events[0])
	require.IsType(t, event.Finish{}, events[len(events)-1])
	var continued []bool
	for _, ev := range events {
		if sf, ok := ev.(event.StepFinish); ok {
			continued = append(continued, sf.Data.Continued)
		}
	}
	require.Equal(t, []bool{true, false}, continued)
	require.Positive(t, chunkEvents.Load())
}

func collectEvents(t *testing.T, r interface {
	Events(context.Context) <-chan event.Event
}) []event.Event {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var events []event.Event
	for ev := range r.Events(ctx) {
		events = append(events, ev)
	}
	require.NoError(t, ctx.Err())
	return events
}

func TestParallelToolCallsFoldInCompletionOrder(t *testing.T) {
	twoToolTurn := []model.Chunk{
		{Type: model.ChunkToolInputStart, ToolCallID: "call-a", ToolName: "alpha"},
		{Type: model.ChunkToolInputEnd, ToolCallID: "call-a"},
		{Type: model.ChunkToolCall, ToolCallID: "call-a", ToolName: "alpha", Input: json.RawMessage(`{"n":1}`)},
		{Type: model.ChunkToolInputStart, ToolCallID: "call-b", ToolName: "beta"},
		{Type: model.ChunkToolInputEnd, ToolCallID: "call-b"},
		{Type: model.ChunkToolCall, ToolCallID: "call-b", ToolName: "beta", Input: json.RawMessage(`{"n":2}`)},
		{Type: model.ChunkFinish, FinishReason: model.FinishToolCalls,
			Usage: model.Usage{InputTokens: 3, OutputTokens: 10, TotalTokens: 13}},
	}
	fake := &fakeModel{turns: [][]model.Chunk{twoToolTurn, textTurn()}}

	// alpha blocks until beta has finished, so the calls deadlock unless
	// they run concurrently, and beta always completes first.
	release := make(chan struct{})
	set, err := tools.NewSet(
		&tools.Tool{
			Name:        "alpha",
			InputSchema: map[string]any{"type": "object"},
			Execute: func(ctx context.Context, inv tools.Invocation) (any, error) {
				select {
				case <-release:
					return map[string]any{"tool": "alpha"}, nil
				case <-time.After(5 * time.Second):
					return nil, errors.New("beta never ran")
				}
			},
		},
		&tools.Tool{
			Name:        "beta",
			InputSchema: map[string]any{"type": "object"},
			Execute: func(ctx context.Context, inv tools.Invocation) (any, error) {
				defer close(release)
				return map[string]any{"tool": "beta"}, nil
			},
		},
	)
	require.NoError(t, err)

	run, err := Stream(context.Background(), fake, userList(),
		WithTools(set),
		WithStopWhen(StepCountIs(3)),
	)
	require.NoError(t, err)
	awaitDone(t, run.Done())

	ctx := context.Background()
	require.NoError(t, run.Err(ctx))

	calls, err := run.ToolCalls(ctx)
	require.NoError(t, err)
	require.Len(t, calls, 2)
	require.Equal(t, "alpha", calls[0].ToolName)
	require.Equal(t, "beta", calls[1].ToolName)

	// Results fold as executions finish, not in call order.
	results, err := run.ToolResults(ctx)
	require.NoError(t, err)
	require.Len(t, results, 2)
	require.Equal(t, "beta", results[0].ToolName)
	require.Equal(t, "alpha", results[1].ToolName)

	var published []string
	for _, ev := range collectEvents(t, run) {
		if tr, ok := ev.(event.ToolResult); ok {
			published = append(published, tr.Data.ToolName)
		}
	}
	require.Equal(t, []string{"beta", "alpha"}, published)

	// The follow-up prompt carries both results in the same order.
	require.Equal(t, 2, fake.callCount())
	second := fake.call(1)
	var toolMsgs []string
	for _, msg := range second.Prompt {
		if msg.Role == model.RoleTool {
			toolMsgs = append(toolMsgs, msg.Parts[0].ToolName)
		}
	}
	require.Equal(t, []string{"beta", "alpha"}, toolMsgs)
}

func TestStepCountCapsIteration(t *testing.T) {
	fake := &fakeModel{repeatTurn: toolTurn()}
	set := echoToolSet(t, func(context.Context, tools.Invocation) (any, error) {
		return "done", nil
	})

	run, err := Stream(context.Background(), fake, userList(),
		WithTools(set),
		WithStopWhen(StepCountIs(2)),
	)
	require.NoError(t, err)
	awaitDone(t, run.Done())

	ctx := context.Background()
	steps, err := run.Steps(ctx)
	require.NoError(t, err)
	require.Len(t, steps, 2)
	require.Equal(t, 2, fake.callCount())

	reason, err := run.FinishReason(ctx)
	require.NoError(t, err)
	require.Equal(t, model.FinishToolCalls, reason)
}

func TestHasToolCallStopsAfterMatchingStep(t *testing.T) {
	fake := &fakeModel{repeatTurn: toolTurn()}
	set := echoToolSet(t, func(context.Context, tools.Invocation) (any, error) {
		return "done", nil
	})

	run, err := Stream(context.Background(), fake, userList(),
		WithTools(set),
		WithStopWhen(HasToolCall("echo")),
	)
	require.NoError(t, err)
	awaitDone(t, run.Done())

	steps, err := run.Steps(context.Background())
	require.NoError(t, err)
	require.Len(t, steps, 1)
	require.Equal(t, 1, fake.callCount())
}

func TestToolExecutionErrorIsData(t *testing.T) {
	fake := &fakeModel{turns: [][]model.Chunk{toolTurn()}}
	set := echoToolSet(t, func(context.Context, tools.Invocation) (any, error) {
		return nil, errors.New("tool blew up")
	})
	list := userList()

	run, err := Stream(context.Background(), fake, list, WithTools(set))
	require.NoError(t, err)
	awaitDone(t, run.Done())

	ctx := context.Background()
	require.NoError(t, run.Err(ctx))

	results, err := run.ToolResults(ctx)
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, "tool blew up", results[0].Error)

	// The failure travels back to the model as an error-shaped result.
	all := list.All()
	last := all[len(all)-1]
	require.Equal(t, model.RoleTool, last.Role)
	require.Equal(t, map[string]any{"error": "tool blew up"}, last.Parts[0].Output)
}

func TestUnresolvedToolFailsRun(t *testing.T) {
	fake := &fakeModel{turns: [][]model.Chunk{toolTurn()}}

	errCh := make(chan error, 1)
	run, err := Stream(context.Background(), fake, userList(),
		WithOnError(func(e error) { errCh <- e }),
	)
	require.NoError(t, err)
	awaitDone(t, run.Done())

	ctx := context.Background()
	runErr := run.Err(ctx)
	var nf *tools.NotFoundError
	require.ErrorAs(t, runErr, &nf)
	require.Equal(t, "echo", nf.Name)

	select {
	case reported := <-errCh:
		require.ErrorAs(t, reported, &nf)
	case <-time.After(5 * time.Second):
		t.Fatal("error callback never invoked")
	}

	_, err = run.Text(ctx)
	require.ErrorAs(t, err, &nf)
}

func TestCancellationAborts(t *testing.T) {
	fake := &fakeModel{hang: true}

	var (
		abortedSteps []event.Step
		abortCalled  = make(chan struct{})
		errorCalled  atomic.Bool
	)
	ctx, cancel := context.WithCancel(context.Background())
	run, err := Stream(ctx, fake, userList(),
		WithOnAbort(func(steps []event.Step) {
			abortedSteps = steps
			close(abortCalled)
		}),
		WithOnError(func(error) { errorCalled.Store(true) }),
	)
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)
	cancel()
	awaitDone(t, run.Done())

	select {
	case <-abortCalled:
	case <-time.After(5 * time.Second):
		t.Fatal("abort callback never invoked")
	}
	require.False(t, errorCalled.Load())
	require.Len(t, abortedSteps, 1)
	require.Equal(t, model.FinishAbort, abortedSteps[0].FinishReason)

	bg := context.Background()
	require.NoError(t, run.Err(bg))

	reason, err := run.FinishReason(bg)
	require.NoError(t, err)
	require.Equal(t, model.FinishAbort, reason)

	events := collectEvents(t, run)
	var sawAbort bool
	for _, ev := range events {
		switch ev.(type) {
		case event.Abort:
			sawAbort = true
		case event.Finish, event.Error:
			t.Fatalf("unexpected terminal event %T after abort", ev)
		}
	}
	require.True(t, sawAbort)
}

func TestUnsupportedProtocolVersion(t *testing.T) {
	fake := &fakeModel{version: "v1"}

	run, err := Stream(context.Background(), fake, userList())
	require.Nil(t, run)
	var ue *UnsupportedModelError
	require.ErrorAs(t, err, &ue)
	require.Equal(t, "fake", ue.Provider)
	require.Equal(t, "fake-model", ue.Model)
	require.Equal(t, "v1", ue.Version)
}
