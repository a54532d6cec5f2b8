package engine

import (
	"context"

	"github.com/felipepimentel/pepperpy-ai-sub001/internal/events"
	"github.com/felipepimentel/pepperpy-ai-sub001/internal/execctx"
	"github.com/felipepimentel/pepperpy-ai-sub001/pkg/schema"
)

// RecoveryResult describes the outcome of routing a task failure through
// its error handler.
type RecoveryResult struct {
	// Recovered is true when the handler completed without raising: the
	// task ends Succeeded-via-recovery with Outputs.
	Recovered bool
	// Outputs are the handler-provided fallback outputs (possibly empty).
	Outputs map[string]any
	// HandlerErr is set when the handler itself raised; the task stays
	// Failed and both errors are retained on its record.
	HandlerErr error
}

// RouteTaskError routes a task failure (including timeouts) to the task's
// error handler, if any, and records the invocation on the event log. Task
// errors never escape the worker except through the returned result; only
// the controller decides, at batch boundaries, whether a failure aborts the
// workflow.
func RouteTaskError(
	ctx context.Context,
	appender events.Appender,
	executionID string,
	spec *schema.TaskSpec,
	view *execctx.View,
	taskErr error,
) RecoveryResult {
	if spec.ErrorHandler == nil {
		return RecoveryResult{}
	}

	outputs, err := spec.ErrorHandler(ctx, view, taskErr)
	if err != nil {
		return RecoveryResult{HandlerErr: err}
	}

	_ = appender.Append(ctx, &schema.Event{
		ExecutionID: executionID,
		TaskID:      spec.ID,
		Type:        schema.EventTaskRecovered,
		Payload: map[string]any{
			"error": taskErr.Error(),
		},
	})
	return RecoveryResult{Recovered: true, Outputs: outputs}
}
