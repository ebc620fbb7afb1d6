package loop

import (
	"context"
	"encoding/json"

	"go.opentelemetry.io/otel/codes"

	"github.com/modelflow/modelflow/event"
	"github.com/modelflow/modelflow/tools"
)

// toolOutcome is the result of one tool invocation step. err is only set for
// resolution failures, which are fatal to the iteration; execution failures
// travel as data inside the payload.
type toolOutcome struct {
	payload event.ToolResultPayload
	err     error
}

// toolStep resolves and executes one buffered tool call. Independent calls
// from the same model turn run concurrently; each call's input hook and
// execution are strictly ordered within its own step.
func (l *loop) toolStep(ctx context.Context, call event.ToolCallPayload) toolOutcome {
	tool, err := l.opts.tools.Resolve(call.ToolName)
	if err != nil {
		return toolOutcome{err: err}
	}

	ctx, span := l.tel.Tracer.Start(ctx, "toolCall")
	defer span.End()
	span.SetAttributes(
		"tool.name", call.ToolName,
		"tool.call_id", call.ToolCallID,
	)
	if l.tel.RecordInputs {
		span.SetAttributes("tool.args", string(call.Input))
	}

	inv := l.invocation(call)
	if tool.OnInputAvailable != nil {
		if hookErr := tool.OnInputAvailable(ctx, inv); hookErr != nil {
			l.tel.Logger.Warn(ctx, "tool input hook failed",
				"run_id", l.runID, "tool", call.ToolName, "err", hookErr)
		}
	}

	payload := event.ToolResultPayload{
		ToolCallID: call.ToolCallID,
		ToolName:   call.ToolName,
		Input:      call.Input,
	}
	if tool.Execute == nil {
		payload.Output = call.Input
		payload.PassThrough = true
		return toolOutcome{payload: payload}
	}

	out, execErr := tool.Execute(ctx, inv)
	if execErr != nil {
		span.SetStatus(codes.Error, execErr.Error())
		span.RecordError(execErr)
		payload.Error = execErr.Error()
		return toolOutcome{payload: payload}
	}
	if l.tel.RecordOutputs {
		if b, merr := json.Marshal(out); merr == nil {
			span.SetAttributes("tool.result", string(b))
		}
	}
	payload.Output = out
	return toolOutcome{payload: payload}
}

func (l *loop) invocation(call event.ToolCallPayload) tools.Invocation {
	return tools.Invocation{
		ToolCallID: call.ToolCallID,
		Input:      call.Input,
		Messages:   l.msgs.Simplified(),
	}
}
