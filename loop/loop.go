// Package loop implements the agentic model-streaming loop: the iteration
// controller that drives a language model turn by turn, executes the tool
// calls each turn produces, folds everything into the conversation history,
// and publishes the whole run as a single canonical event stream with
// exactly-once aggregates.
//
// A run is started with Stream, which returns immediately with a stream.Run;
// the loop itself executes on a background goroutine until a stop condition
// fires, the model reaches a terminal finish reason, the caller cancels the
// context, or a model error occurs. Exactly one of finish, abort or error
// terminates every run stream.
package loop

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/codes"

	"github.com/modelflow/modelflow/event"
	"github.com/modelflow/modelflow/messages"
	"github.com/modelflow/modelflow/model"
	"github.com/modelflow/modelflow/pjson"
	"github.com/modelflow/modelflow/stream"
	"github.com/modelflow/modelflow/telemetry"
)

// UnsupportedModelError reports a model whose declared protocol version the
// engine does not speak. It is a configuration error, returned synchronously
// and never retried.
type UnsupportedModelError struct {
	Provider string
	Model    string
	Version  string
}

func (e *UnsupportedModelError) Error() string {
	return fmt.Sprintf("model %s/%s speaks protocol %q, engine requires %q",
		e.Provider, e.Model, e.Version, model.ProtocolVersion)
}

// Stream starts a model run and returns its output pipeline. The returned
// Run is safe to consume from multiple goroutines; the loop runs until a
// terminal event closes the stream. list carries the caller's input messages
// and receives every assistant and tool message the run generates.
func Stream(ctx context.Context, m model.LanguageModel, list *messages.List, opts ...Option) (*stream.Run, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if v, ok := m.(model.Versioned); ok && v.ProtocolVersion() != model.ProtocolVersion {
		return nil, &UnsupportedModelError{
			Provider: m.ProviderID(),
			Model:    m.ModelID(),
			Version:  v.ProtocolVersion(),
		}
	}

	handler, err := newOutputHandler(o)
	if err != nil {
		return nil, err
	}

	tel := o.telemetry.Normalize()
	if o.telemetry.Enabled {
		m = model.NewTracedModel(m, tel.Tracer, tel.Logger)
	}

	runID := o.runID
	if runID == "" {
		runID = newRunID()
	}

	streamOpts := []stream.Option{stream.WithLogger(tel.Logger)}
	if handler != nil {
		streamOpts = append(streamOpts, stream.WithOutput(o.outputMode, handler))
	}
	if o.onFinish != nil {
		streamOpts = append(streamOpts, stream.WithOnFinish(o.onFinish))
	}
	if o.onStepFinish != nil {
		streamOpts = append(streamOpts, stream.WithOnStepFinish(o.onStepFinish))
	}
	out := stream.NewRun(runID, streamOpts...)

	l := &loop{
		runID: runID,
		model: m,
		msgs:  list,
		opts:  o,
		tel:   tel,
		out:   out,
	}
	go l.run(ctx)
	return out, nil
}

func newOutputHandler(o options) (pjson.Handler, error) {
	switch o.outputMode {
	case stream.OutputObject:
		return pjson.NewObjectHandler(o.outputSchema)
	case stream.OutputArray:
		return pjson.NewArrayHandler(o.outputSchema)
	case stream.OutputEnum:
		return pjson.NewEnumHandler(o.enumValues)
	}
	return nil, nil
}

type loop struct {
	runID string
	model model.LanguageModel
	msgs  *messages.List
	opts  options
	tel   telemetry.Settings
	out   *stream.Run

	runSpan   telemetry.Span
	started   time.Time
	firstOnce sync.Once
}

// run is the iteration controller: repeated model steps, each followed by a
// concurrent fan-out over its tool calls, until the run stops.
func (l *loop) run(ctx context.Context) {
	defer l.out.CloseSend()

	l.started = time.Now()
	ctx, span := l.tel.Tracer.Start(ctx, "run")
	l.runSpan = span
	defer func() {
		l.tel.Metrics.RecordTimer("modelflow.run.duration", time.Since(l.started))
		span.End()
	}()
	span.SetAttributes(
		"run.id", l.runID,
		"model.provider", l.model.ProviderID(),
		"model.id", l.model.ModelID(),
	)
	if l.tel.FunctionID != "" {
		span.SetAttributes("function.id", l.tel.FunctionID)
	}
	for k, v := range l.tel.Metadata {
		span.SetAttributes("meta."+k, v)
	}

	l.out.Publish(event.NewStart(l.runID))

	var steps []event.Step
	for {
		if ctx.Err() != nil {
			l.abort(ctx, steps)
			return
		}

		outcome, err := l.modelStep(ctx)
		if err != nil {
			if l.isAbort(ctx, err) {
				l.abort(ctx, steps)
				return
			}
			l.fail(ctx, err)
			return
		}
		if outcome.aborted {
			steps = append(steps, outcome.step)
			l.out.Publish(event.NewStepFinish(l.runID, outcome.step, false))
			l.abort(ctx, steps)
			return
		}

		if len(outcome.toolCalls) > 0 {
			if err := l.runTools(ctx, outcome.toolCalls); err != nil {
				l.fail(ctx, err)
				return
			}
		}

		steps = append(steps, outcome.step)
		continued := l.shouldContinue(steps, outcome.step)
		l.out.Publish(event.NewStepFinish(l.runID, outcome.step, continued))
		if !continued {
			break
		}
	}

	var total model.Usage
	for _, s := range steps {
		total = total.Add(s.Usage)
	}
	reason := model.FinishUnknown
	if n := len(steps); n > 0 {
		reason = steps[n-1].FinishReason
	}
	span.SetAttributes("finish_reason", string(reason), "steps", len(steps))
	l.out.Publish(event.NewFinish(l.runID, reason, total, len(steps)))
}

// runTools fans out the step's tool calls concurrently and folds results back
// in completion order: each result is published and appended to the message
// list as it arrives. Resolution failures are fatal; the remaining in-flight
// calls are still drained before the error propagates.
func (l *loop) runTools(ctx context.Context, calls []event.ToolCallPayload) error {
	results := make(chan toolOutcome, len(calls))
	for _, call := range calls {
		go func(c event.ToolCallPayload) {
			results <- l.toolStep(ctx, c)
		}(call)
	}

	var fatal error
	for range calls {
		out := <-results
		if out.err != nil {
			if fatal == nil {
				fatal = out.err
			}
			continue
		}
		l.out.Publish(event.NewToolResult(l.runID, out.payload))
		output := out.payload.Output
		if out.payload.Error != "" {
			output = map[string]any{"error": out.payload.Error}
		}
		l.msgs.Append(model.Message{
			Role: model.RoleTool,
			Parts: []model.Part{{
				Kind:       model.PartToolResult,
				ToolCallID: out.payload.ToolCallID,
				ToolName:   out.payload.ToolName,
				Input:      out.payload.Input,
				Output:     output,
			}},
		}, messages.ChannelResponse)
	}
	return fatal
}

// shouldContinue evaluates the stop conditions over the step history. An
// undefined or terminal finish reason always stops the loop.
func (l *loop) shouldContinue(steps []event.Step, last event.Step) bool {
	if last.FinishReason == "" || last.FinishReason.Terminal() {
		return false
	}
	for _, cond := range l.opts.stopWhen {
		if cond(steps) {
			return false
		}
	}
	return true
}

// abort publishes the terminal abort event. No finish follows and the error
// callback is never invoked for an abort.
func (l *loop) abort(ctx context.Context, steps []event.Step) {
	l.runSpan.AddEvent("aborted", "steps", len(steps))
	l.out.Publish(event.NewAbort(l.runID, len(steps)))
	if l.opts.onAbort != nil {
		l.safeCall(ctx, "on_abort", func() { l.opts.onAbort(steps) })
	}
}

// fail publishes the terminal error event and stops the loop.
func (l *loop) fail(ctx context.Context, err error) {
	l.runSpan.SetStatus(codes.Error, err.Error())
	l.runSpan.RecordError(err)
	l.tel.Metrics.IncCounter("modelflow.run.errors", 1)
	l.out.Publish(event.NewError(l.runID, err))
	if l.opts.onError != nil {
		l.safeCall(ctx, "on_error", func() { l.opts.onError(err) })
	}
}

// isAbort reports whether err is caller cancellation rather than a model
// failure: the caller's signal must be set and the error abort-class.
func (l *loop) isAbort(ctx context.Context, err error) bool {
	if ctx.Err() == nil {
		return false
	}
	return err == nil ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

func (l *loop) markFirstChunk() {
	l.firstOnce.Do(func() {
		d := time.Since(l.started)
		l.runSpan.AddEvent("first_chunk", "latency_ms", d.Milliseconds())
		l.tel.Metrics.RecordTimer("modelflow.run.first_chunk", d)
	})
}

func (l *loop) chunkCallback(ev event.Event) {
	if l.opts.onChunk == nil {
		return
	}
	l.safeCall(context.Background(), "on_chunk", func() { l.opts.onChunk(ev) })
}

// safeCall shields the loop from panicking user callbacks.
func (l *loop) safeCall(ctx context.Context, name string, fn func()) {
	defer func() {
		if p := recover(); p != nil {
			l.tel.Logger.Error(ctx, "run callback panicked",
				"run_id", l.runID, "callback", name, "panic", p)
		}
	}()
	fn()
}
