// Package stream implements the multi-consumer output pipeline of a model
// run: every published canonical event is appended to a shared log that any
// number of consumers replay independently, cumulative aggregates are folded
// as events arrive, and each aggregate is exposed through a future that
// settles exactly once when the run reaches a terminal event. A producer that
// closes the stream without a terminal event rejects every pending aggregate
// so no consumer hangs.
package stream

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"

	"github.com/modelflow/modelflow/event"
	"github.com/modelflow/modelflow/model"
	"github.com/modelflow/modelflow/pjson"
	"github.com/modelflow/modelflow/telemetry"
)

// ErrTerminatedUnexpectedly rejects pending aggregates when the producer
// closes the stream without emitting a finish, abort or error event.
var ErrTerminatedUnexpectedly = errors.New("stream terminated unexpectedly without a finish, abort or error event")

// OutputMode selects the structured-output shape of a run.
type OutputMode string

// Structured-output shapes.
const (
	OutputNone   OutputMode = ""
	OutputObject OutputMode = "object"
	OutputArray  OutputMode = "array"
	OutputEnum   OutputMode = "enum"
)

// FinishInfo is the fully-resolved snapshot handed to OnFinish callbacks.
// Every field is final: the callback never observes a partial view.
type FinishInfo struct {
	// RunID identifies the run.
	RunID string
	// FinishReason is the last step's finish reason.
	FinishReason model.FinishReason
	// Steps is the complete step history.
	Steps []event.Step
	// TotalUsage is the usage sum recomputed across all steps.
	TotalUsage model.Usage
	// Text is the concatenated text output of the run.
	Text string
	// Content is the last step's assistant content.
	Content []model.Part
	// Object is the validated structured output, nil when none was
	// requested or validation failed.
	Object any
}

type options struct {
	mode         OutputMode
	handler      pjson.Handler
	onFinish     func(FinishInfo)
	onStepFinish func(event.Step)
	logger       telemetry.Logger
}

// Option configures a Run.
type Option func(*options)

// WithOutput attaches a structured-output handler. Text deltas are fed to
// the handler and each emission is published as an object event.
func WithOutput(mode OutputMode, h pjson.Handler) Option {
	return func(o *options) {
		o.mode = mode
		o.handler = h
	}
}

// WithOnFinish registers a callback invoked after a terminal finish, once
// every aggregate has resolved.
func WithOnFinish(fn func(FinishInfo)) Option {
	return func(o *options) { o.onFinish = fn }
}

// WithOnStepFinish registers a callback invoked after each step-finish event.
func WithOnStepFinish(fn func(event.Step)) Option {
	return func(o *options) { o.onStepFinish = fn }
}

// WithLogger sets the logger used for callback panics and late publishes.
func WithLogger(l telemetry.Logger) Option {
	return func(o *options) { o.logger = l }
}

// aggregates holds one future per derived value. All futures settle together
// at the terminal event.
type aggregates struct {
	text          *Future[string]
	reasoningText *Future[string]
	reasoning     *Future[[]string]
	sources       *Future[[]model.SourceInfo]
	files         *Future[[]model.FileInfo]
	toolCalls     *Future[[]event.ToolCallPayload]
	toolResults   *Future[[]event.ToolResultPayload]
	steps         *Future[[]event.Step]
	usage         *Future[model.Usage]
	totalUsage    *Future[model.Usage]
	warnings      *Future[[]model.Warning]
	providerMeta  *Future[map[string]any]
	response      *Future[model.ResponseEcho]
	request       *Future[model.RequestEcho]
	finishReason  *Future[model.FinishReason]
	object        *Future[any]
	content       *Future[[]model.Part]
}

func newAggregates() aggregates {
	return aggregates{
		text:          NewFuture[string](),
		reasoningText: NewFuture[string](),
		reasoning:     NewFuture[[]string](),
		sources:       NewFuture[[]model.SourceInfo](),
		files:         NewFuture[[]model.FileInfo](),
		toolCalls:     NewFuture[[]event.ToolCallPayload](),
		toolResults:   NewFuture[[]event.ToolResultPayload](),
		steps:         NewFuture[[]event.Step](),
		usage:         NewFuture[model.Usage](),
		totalUsage:    NewFuture[model.Usage](),
		warnings:      NewFuture[[]model.Warning](),
		providerMeta:  NewFuture[map[string]any](),
		response:      NewFuture[model.ResponseEcho](),
		request:       NewFuture[model.RequestEcho](),
		finishReason:  NewFuture[model.FinishReason](),
		object:        NewFuture[any](),
		content:       NewFuture[[]model.Part](),
	}
}

// Run is the consumable side of one model run. The loop engine publishes
// canonical events into it; any number of consumers iterate the event log or
// await aggregates concurrently. All methods are safe for concurrent use.
type Run struct {
	id  string
	cfg options

	mu     sync.Mutex
	log    []event.Event
	wake   chan struct{}
	closed bool
	runErr error
	done   chan struct{}

	textBuf         strings.Builder
	reasoningBuf    strings.Builder
	reasoningBlocks map[string]*strings.Builder
	reasoningOrder  []string
	sources         []model.SourceInfo
	files           []model.FileInfo
	toolCalls       []event.ToolCallPayload
	toolResults     []event.ToolResultPayload
	steps           []event.Step

	objBuf        strings.Builder
	lastPartial   any
	objectEmitted bool

	agg aggregates
}

// NewRun creates the pipeline for one run.
func NewRun(runID string, opts ...Option) *Run {
	var cfg options
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.logger == nil {
		cfg.logger = telemetry.NewNoopLogger()
	}
	return &Run{
		id:              runID,
		cfg:             cfg,
		wake:            make(chan struct{}),
		done:            make(chan struct{}),
		reasoningBlocks: make(map[string]*strings.Builder),
		agg:             newAggregates(),
	}
}

// ID returns the run identifier.
func (r *Run) ID() string { return r.id }

// Publish appends one event to the run and folds it into the aggregates.
// Called by the producing loop only; events published after the stream closed
// are dropped.
func (r *Run) Publish(ev event.Event) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		r.cfg.logger.Debug(context.Background(), "dropping event published after close",
			"run_id", r.id, "event_type", string(ev.Type()))
		return
	}
	r.log = append(r.log, ev)

	var (
		stepDone   *event.Step
		finishInfo *FinishInfo
	)
	switch ev := ev.(type) {
	case event.TextDelta:
		r.textBuf.WriteString(ev.Data.Text)
		if r.cfg.handler != nil {
			r.processPartial(ev.RunID(), ev.Data.Text)
		}
	case event.ReasoningStart:
		r.reasoningBlock(ev.Data.ID)
	case event.ReasoningDelta:
		r.reasoningBuf.WriteString(ev.Data.Text)
		r.reasoningBlock(ev.Data.ID).WriteString(ev.Data.Text)
	case event.Source:
		r.sources = append(r.sources, ev.Data)
	case event.File:
		r.files = append(r.files, ev.Data)
	case event.ToolCall:
		r.toolCalls = append(r.toolCalls, ev.Data)
	case event.ToolResult:
		r.toolResults = append(r.toolResults, ev.Data)
	case event.StepFinish:
		r.steps = append(r.steps, ev.Data.Step)
		step := ev.Data.Step
		stepDone = &step
	case event.Finish:
		finishInfo = r.resolveAll(ev.Data.Reason)
		r.closeLocked(nil)
	case event.Abort:
		r.resolveAll(model.FinishAbort)
		r.closeLocked(nil)
	case event.Error:
		err := ev.Data.Err
		if err == nil {
			err = errors.New(ev.Data.Message)
		}
		r.rejectAll(err)
		r.closeLocked(err)
	}
	r.broadcastLocked()
	r.mu.Unlock()

	if stepDone != nil && r.cfg.onStepFinish != nil {
		r.safeCallback("on_step_finish", func() { r.cfg.onStepFinish(*stepDone) })
	}
	if finishInfo != nil && r.cfg.onFinish != nil {
		r.safeCallback("on_finish", func() { r.cfg.onFinish(*finishInfo) })
	}
}

// CloseSend marks the producer side done. When no terminal event was
// published every pending aggregate rejects so consumers cannot hang.
func (r *Run) CloseSend() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.rejectAll(ErrTerminatedUnexpectedly)
	r.closeLocked(ErrTerminatedUnexpectedly)
	r.broadcastLocked()
}

// Done is closed once the run stream has closed.
func (r *Run) Done() <-chan struct{} { return r.done }

// Err waits for the stream to close and returns the run error: nil after a
// finish or abort, the model error after an error event, and
// ErrTerminatedUnexpectedly after a close with no terminal event.
func (r *Run) Err(ctx context.Context) error {
	select {
	case <-r.done:
		r.mu.Lock()
		defer r.mu.Unlock()
		return r.runErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Run) reasoningBlock(id string) *strings.Builder {
	b, ok := r.reasoningBlocks[id]
	if !ok {
		b = &strings.Builder{}
		r.reasoningBlocks[id] = b
		r.reasoningOrder = append(r.reasoningOrder, id)
	}
	return b
}

func (r *Run) processPartial(runID, delta string) {
	r.objBuf.WriteString(delta)
	res := r.cfg.handler.ProcessChunk(pjson.ChunkInput{Text: r.objBuf.String(), Previous: r.lastPartial})
	if !res.Emit {
		return
	}
	r.lastPartial = res.Value
	r.objectEmitted = true
	r.log = append(r.log, event.NewObject(runID, res.Value))
}

// resolveAll settles every aggregate from the folded state. Called with the
// lock held, exactly once per run.
func (r *Run) resolveAll(reason model.FinishReason) *FinishInfo {
	var (
		last       event.Step
		totalUsage model.Usage
	)
	for _, s := range r.steps {
		totalUsage = totalUsage.Add(s.Usage)
	}
	if n := len(r.steps); n > 0 {
		last = r.steps[n-1]
	}

	reasoning := make([]string, 0, len(r.reasoningOrder))
	for _, id := range r.reasoningOrder {
		reasoning = append(reasoning, r.reasoningBlocks[id].String())
	}

	r.agg.text.Resolve(r.textBuf.String())
	r.agg.reasoningText.Resolve(r.reasoningBuf.String())
	r.agg.reasoning.Resolve(reasoning)
	r.agg.sources.Resolve(r.sources)
	r.agg.files.Resolve(r.files)
	r.agg.toolCalls.Resolve(r.toolCalls)
	r.agg.toolResults.Resolve(r.toolResults)
	r.agg.steps.Resolve(r.steps)
	r.agg.usage.Resolve(last.Usage)
	r.agg.totalUsage.Resolve(totalUsage)
	r.agg.warnings.Resolve(last.Warnings)
	r.agg.providerMeta.Resolve(last.ProviderMetadata)
	r.agg.response.Resolve(last.Response)
	r.agg.request.Resolve(last.Request)
	r.agg.finishReason.Resolve(reason)
	r.agg.content.Resolve(last.Content)

	var object any
	if r.cfg.handler != nil {
		var lastEmitted any
		if r.objectEmitted {
			lastEmitted = r.lastPartial
		}
		final, err := r.cfg.handler.Finalize(lastEmitted)
		if err != nil {
			r.agg.object.Reject(err)
		} else {
			object = final
			r.agg.object.Resolve(final)
		}
	} else {
		r.agg.object.Resolve(nil)
	}

	return &FinishInfo{
		RunID:        r.id,
		FinishReason: reason,
		Steps:        r.steps,
		TotalUsage:   totalUsage,
		Text:         r.textBuf.String(),
		Content:      last.Content,
		Object:       object,
	}
}

// rejectAll rejects every still-pending aggregate. Called with the lock held.
func (r *Run) rejectAll(err error) {
	r.agg.text.Reject(err)
	r.agg.reasoningText.Reject(err)
	r.agg.reasoning.Reject(err)
	r.agg.sources.Reject(err)
	r.agg.files.Reject(err)
	r.agg.toolCalls.Reject(err)
	r.agg.toolResults.Reject(err)
	r.agg.steps.Reject(err)
	r.agg.usage.Reject(err)
	r.agg.totalUsage.Reject(err)
	r.agg.warnings.Reject(err)
	r.agg.providerMeta.Reject(err)
	r.agg.response.Reject(err)
	r.agg.request.Reject(err)
	r.agg.finishReason.Reject(err)
	r.agg.object.Reject(err)
	r.agg.content.Reject(err)
}

func (r *Run) closeLocked(err error) {
	if r.closed {
		return
	}
	r.closed = true
	r.runErr = err
	close(r.done)
}

func (r *Run) broadcastLocked() {
	close(r.wake)
	r.wake = make(chan struct{})
}

func (r *Run) safeCallback(name string, fn func()) {
	defer func() {
		if p := recover(); p != nil {
			r.cfg.logger.Error(context.Background(), "run callback panicked",
				"run_id", r.id, "callback", name, "panic", p)
		}
	}()
	fn()
}

// Events returns an independent replay of the event log: every consumer sees
// every event in publish order, including events published before the call.
// The channel closes when the run closes or ctx is done.
func (r *Run) Events(ctx context.Context) <-chan event.Event {
	out := make(chan event.Event)
	go func() {
		defer close(out)
		cursor := 0
		for {
			var (
				batch []event.Event
				wake  chan struct{}
			)
			r.mu.Lock()
			switch {
			case cursor < len(r.log):
				batch = r.log[cursor:len(r.log):len(r.log)]
				cursor = len(r.log)
			case r.closed:
				r.mu.Unlock()
				return
			default:
				wake = r.wake
			}
			r.mu.Unlock()
			for _, ev := range batch {
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
			if wake != nil {
				select {
				case <-wake:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}

// TextStream filters the run to text fragments. For array-shaped structured
// output it instead emits progressively-growing JSON array fragments, one per
// newly completed element, closing the bracket when the run finishes.
func (r *Run) TextStream(ctx context.Context) <-chan string {
	out := make(chan string)
	go func() {
		defer close(out)
		if r.cfg.mode == OutputArray {
			r.arrayTextStream(ctx, out)
			return
		}
		for ev := range r.Events(ctx) {
			td, ok := ev.(event.TextDelta)
			if !ok {
				continue
			}
			select {
			case out <- td.Data.Text:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

func (r *Run) arrayTextStream(ctx context.Context, out chan<- string) {
	send := func(s string) bool {
		select {
		case out <- s:
			return true
		case <-ctx.Done():
			return false
		}
	}
	sent := 0
	opened := false
	finished := false
	for ev := range r.Events(ctx) {
		switch ev := ev.(type) {
		case event.Object:
			elements, ok := ev.Data.Object.([]any)
			if !ok {
				continue
			}
			for ; sent < len(elements); sent++ {
				b, err := json.Marshal(elements[sent])
				if err != nil {
					continue
				}
				frag := ","
				if !opened {
					frag = "["
					opened = true
				}
				if !send(frag + string(b)) {
					return
				}
			}
		case event.Finish:
			finished = true
		}
	}
	if !finished {
		return
	}
	if !opened {
		send("[]")
		return
	}
	send("]")
}

// ObjectStream filters the run to partial structured-output values.
func (r *Run) ObjectStream(ctx context.Context) <-chan any {
	out := make(chan any)
	go func() {
		defer close(out)
		for ev := range r.Events(ctx) {
			obj, ok := ev.(event.Object)
			if !ok {
				continue
			}
			select {
			case out <- obj.Data.Object:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

// Elements decomposes an array-shaped structured output into one emission per
// newly completed element.
func (r *Run) Elements(ctx context.Context) <-chan any {
	out := make(chan any)
	go func() {
		defer close(out)
		sent := 0
		for ev := range r.Events(ctx) {
			obj, ok := ev.(event.Object)
			if !ok {
				continue
			}
			elements, ok := obj.Data.Object.([]any)
			if !ok {
				continue
			}
			for ; sent < len(elements); sent++ {
				select {
				case out <- elements[sent]:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}

// Text waits for the run to complete and returns the concatenated text.
func (r *Run) Text(ctx context.Context) (string, error) {
	return r.agg.text.Wait(ctx)
}

// ReasoningText waits for the concatenated reasoning text.
func (r *Run) ReasoningText(ctx context.Context) (string, error) {
	return r.agg.reasoningText.Wait(ctx)
}

// Reasoning waits for the per-block reasoning texts in block-open order.
func (r *Run) Reasoning(ctx context.Context) ([]string, error) {
	return r.agg.reasoning.Wait(ctx)
}

// Sources waits for the citations surfaced during the run.
func (r *Run) Sources(ctx context.Context) ([]model.SourceInfo, error) {
	return r.agg.sources.Wait(ctx)
}

// Files waits for the files generated during the run.
func (r *Run) Files(ctx context.Context) ([]model.FileInfo, error) {
	return r.agg.files.Wait(ctx)
}

// ToolCalls waits for every tool call requested during the run.
func (r *Run) ToolCalls(ctx context.Context) ([]event.ToolCallPayload, error) {
	return r.agg.toolCalls.Wait(ctx)
}

// ToolResults waits for every tool result, in completion order.
func (r *Run) ToolResults(ctx context.Context) ([]event.ToolResultPayload, error) {
	return r.agg.toolResults.Wait(ctx)
}

// Steps waits for the complete step history.
func (r *Run) Steps(ctx context.Context) ([]event.Step, error) {
	return r.agg.steps.Wait(ctx)
}

// Usage waits for the last step's token usage.
func (r *Run) Usage(ctx context.Context) (model.Usage, error) {
	return r.agg.usage.Wait(ctx)
}

// TotalUsage waits for the token usage summed across all steps. Totals are
// recomputed from input, output and reasoning tokens; cached tokens and
// provider-reported totals are excluded from the sum.
func (r *Run) TotalUsage(ctx context.Context) (model.Usage, error) {
	return r.agg.totalUsage.Wait(ctx)
}

// Warnings waits for the last step's call preparation warnings.
func (r *Run) Warnings(ctx context.Context) ([]model.Warning, error) {
	return r.agg.warnings.Wait(ctx)
}

// ProviderMetadata waits for the last provider metadata seen during the run.
func (r *Run) ProviderMetadata(ctx context.Context) (map[string]any, error) {
	return r.agg.providerMeta.Wait(ctx)
}

// Response waits for the last step's response metadata.
func (r *Run) Response(ctx context.Context) (model.ResponseEcho, error) {
	return r.agg.response.Wait(ctx)
}

// Request waits for the last step's request echo.
func (r *Run) Request(ctx context.Context) (model.RequestEcho, error) {
	return r.agg.request.Wait(ctx)
}

// FinishReason waits for the run's terminal finish reason.
func (r *Run) FinishReason(ctx context.Context) (model.FinishReason, error) {
	return r.agg.finishReason.Wait(ctx)
}

// Object waits for the validated structured-output value. It rejects with
// pjson.ErrNoObjectGenerated when the model produced none and with a
// pjson.ValidationError when the final value fails its schema.
func (r *Run) Object(ctx context.Context) (any, error) {
	return r.agg.object.Wait(ctx)
}

// Content waits for the last step's assistant content parts.
func (r *Run) Content(ctx context.Context) ([]model.Part, error) {
	return r.agg.content.Wait(ctx)
}
