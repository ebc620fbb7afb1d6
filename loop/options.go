package loop

import (
	"github.com/modelflow/modelflow/event"
	"github.com/modelflow/modelflow/model"
	"github.com/modelflow/modelflow/stream"
	"github.com/modelflow/modelflow/telemetry"
	"github.com/modelflow/modelflow/tools"
)

// StopCondition decides whether the loop should stop iterating. Predicates
// receive the accumulated step history after each cycle; any predicate
// returning true ends the run.
type StopCondition func(steps []event.Step) bool

// StepCountIs stops the loop after n model invocations.
func StepCountIs(n int) StopCondition {
	return func(steps []event.Step) bool { return len(steps) >= n }
}

// HasToolCall stops the loop once any step requested the named tool.
func HasToolCall(name string) StopCondition {
	return func(steps []event.Step) bool {
		for _, s := range steps {
			for _, p := range s.ToolCalls() {
				if p.ToolName == name {
					return true
				}
			}
		}
		return false
	}
}

type options struct {
	runID           string
	tools           *tools.Set
	toolChoice      model.ToolChoice
	stopWhen        []StopCondition
	telemetry       telemetry.Settings
	includeRaw      bool
	providerOptions map[string]any
	temperature     *float64
	maxOutputTokens int
	headers         map[string]string

	outputMode   stream.OutputMode
	outputSchema map[string]any
	enumValues   []string

	onChunk      func(event.Event)
	onError      func(error)
	onFinish     func(stream.FinishInfo)
	onStepFinish func(event.Step)
	onAbort      func(steps []event.Step)
}

// Option configures a run.
type Option func(*options)

func defaultOptions() options {
	return options{
		// A single model invocation unless the caller opts into iteration.
		stopWhen: []StopCondition{StepCountIs(1)},
	}
}

// WithRunID overrides the generated run identifier.
func WithRunID(id string) Option {
	return func(o *options) { o.runID = id }
}

// WithTools exposes a tool set to the model and executes matching calls.
func WithTools(set *tools.Set) Option {
	return func(o *options) { o.tools = set }
}

// WithToolChoice constrains how the model may select tools.
func WithToolChoice(tc model.ToolChoice) Option {
	return func(o *options) { o.toolChoice = tc }
}

// WithStopWhen replaces the stop conditions. The loop stops as soon as any
// predicate returns true over the accumulated steps.
func WithStopWhen(conds ...StopCondition) Option {
	return func(o *options) { o.stopWhen = conds }
}

// WithTelemetry configures tracing, logging and metrics for the run.
func WithTelemetry(s telemetry.Settings) Option {
	return func(o *options) { o.telemetry = s }
}

// WithRawEvents forwards untranslated provider events on the output stream.
func WithRawEvents() Option {
	return func(o *options) { o.includeRaw = true }
}

// WithProviderOptions forwards provider-specific knobs on every invocation.
func WithProviderOptions(po map[string]any) Option {
	return func(o *options) { o.providerOptions = po }
}

// WithTemperature overrides the sampling temperature.
func WithTemperature(t float64) Option {
	return func(o *options) { o.temperature = &t }
}

// WithMaxOutputTokens caps completion tokens per invocation.
func WithMaxOutputTokens(n int) Option {
	return func(o *options) { o.maxOutputTokens = n }
}

// WithHeaders forwards extra request headers to HTTP transports.
func WithHeaders(h map[string]string) Option {
	return func(o *options) { o.headers = h }
}

// WithObjectOutput requests structured output validated against schema.
// Partial values are published as object events as the model streams.
func WithObjectOutput(schema map[string]any) Option {
	return func(o *options) {
		o.outputMode = stream.OutputObject
		o.outputSchema = schema
	}
}

// WithArrayOutput requests an array of values each validated against element.
func WithArrayOutput(element map[string]any) Option {
	return func(o *options) {
		o.outputMode = stream.OutputArray
		o.outputSchema = element
	}
}

// WithEnumOutput requests one of the given values as structured output.
func WithEnumOutput(values ...string) Option {
	return func(o *options) {
		o.outputMode = stream.OutputEnum
		o.enumValues = values
	}
}

// WithOnChunk registers a callback invoked for every content event.
func WithOnChunk(fn func(event.Event)) Option {
	return func(o *options) { o.onChunk = fn }
}

// WithOnError registers a callback invoked when a model or transport error
// terminates the run. Never invoked for caller-driven aborts.
func WithOnError(fn func(error)) Option {
	return func(o *options) { o.onError = fn }
}

// WithOnFinish registers a callback invoked after a terminal finish with a
// fully-resolved snapshot.
func WithOnFinish(fn func(stream.FinishInfo)) Option {
	return func(o *options) { o.onFinish = fn }
}

// WithOnStepFinish registers a callback invoked after every completed step.
func WithOnStepFinish(fn func(event.Step)) Option {
	return func(o *options) { o.onStepFinish = fn }
}

// WithOnAbort registers a callback invoked when the run aborts, with the
// steps completed before cancellation.
func WithOnAbort(fn func(steps []event.Step)) Option {
	return func(o *options) { o.onAbort = fn }
}
