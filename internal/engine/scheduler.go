package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/felipepimentel/pepperpy-ai-sub001/internal/events"
	"github.com/felipepimentel/pepperpy-ai-sub001/internal/execctx"
	"github.com/felipepimentel/pepperpy-ai-sub001/internal/expressions"
	"github.com/felipepimentel/pepperpy-ai-sub001/internal/logging"
	"github.com/felipepimentel/pepperpy-ai-sub001/internal/validation"
	"github.com/felipepimentel/pepperpy-ai-sub001/pkg/schema"
)

// BatchScheduler runs one batch of mutually independent tasks concurrently,
// bounded by the worker pool. It returns only after every task in the batch
// reaches a terminal status: the batch boundary is a synchronization
// barrier. Failure of one task never preemptively cancels its siblings;
// abort decisions belong to the controller, after the barrier.
type BatchScheduler struct {
	pool     *WorkerPool
	taskFSM  *TaskFSM
	gate     *Gate
	jq       *expressions.GoJQEngine
	outputs  *validation.OutputValidator
	breakers *CircuitBreakerRegistry // nil when disabled
	log      events.Appender
	logger   *slog.Logger
	grace    time.Duration
}

// NewBatchScheduler wires a scheduler from its collaborators.
func NewBatchScheduler(
	pool *WorkerPool,
	taskFSM *TaskFSM,
	gate *Gate,
	jq *expressions.GoJQEngine,
	outputs *validation.OutputValidator,
	breakers *CircuitBreakerRegistry,
	log events.Appender,
	logger *slog.Logger,
	grace time.Duration,
) *BatchScheduler {
	return &BatchScheduler{
		pool:     pool,
		taskFSM:  taskFSM,
		gate:     gate,
		jq:       jq,
		outputs:  outputs,
		breakers: breakers,
		log:      log,
		logger:   logger,
		grace:    grace,
	}
}

type taskResult struct {
	outputs map[string]any
	err     error
}

// RunBatch executes one batch against the execution. Tasks whose gate
// evaluates false are recorded Skipped without consuming a concurrency
// slot. All tasks observe the context as it stood at batch start.
func (s *BatchScheduler) RunBatch(ctx context.Context, exec *execution, batch []string) {
	// One frozen view per batch: siblings never observe each other's
	// in-flight outputs.
	view := exec.ec.Freeze()

	b := s.pool.NewBatch()
	for _, taskID := range batch {
		spec := exec.dag.Specs[taskID]
		taskCtx := logging.WithTaskID(ctx, taskID)

		if ctx.Err() != nil {
			s.markCancelled(taskCtx, exec, taskID)
			continue
		}

		// Gate evaluation happens before a slot is consumed.
		runIt, gateErr := s.gate.ShouldRun(taskCtx, spec, view, exec.initial)
		if gateErr != nil {
			s.failBeforeBarrier(taskCtx, exec, spec, view, gateErr)
			continue
		}
		if spec.Condition != "" || spec.ConditionFunc != nil {
			_ = s.log.Append(taskCtx, &schema.Event{
				ExecutionID: exec.id,
				TaskID:      taskID,
				Type:        schema.EventConditionEvaluated,
				Payload:     map[string]any{"result": runIt},
			})
		}
		if !runIt {
			s.markSkipped(taskCtx, exec, taskID)
			continue
		}

		inputs, inputErr := s.deriveInputs(taskCtx, spec, view, exec.initial)
		if inputErr != nil {
			s.failBeforeBarrier(taskCtx, exec, spec, view, inputErr)
			continue
		}

		id := taskID
		sp := spec
		in := inputs
		submitErr := b.Go(taskCtx, func(workerCtx context.Context) error {
			return s.executeTask(workerCtx, exec, sp, view, in)
		})
		if submitErr != nil {
			// Pool rejected: shutdown or context cancelled while waiting
			// for a slot.
			s.markCancelled(taskCtx, exec, id)
		}
	}

	b.Wait()
}

// deriveInputs computes the handler's inputs map: the workflow's initial
// inputs by default, or the result of the task's jq input query. Every task
// gets its own copy; a handler mutating its inputs must not leak into its
// siblings.
func (s *BatchScheduler) deriveInputs(ctx context.Context, spec *schema.TaskSpec, view *execctx.View, initial map[string]any) (map[string]any, error) {
	if spec.InputQuery == "" {
		inputs := make(map[string]any, len(initial))
		for k, v := range initial {
			inputs[k] = v
		}
		return inputs, nil
	}

	data := map[string]any{
		expressions.ScopeContext: view.Snapshot(),
		expressions.ScopeInputs:  initial,
	}
	out, err := s.jq.Evaluate(ctx, spec.InputQuery, data)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeTaskFailed,
			"input query %q failed: %s", spec.InputQuery, err.Error()).
			WithTask(spec.ID).WithCause(err)
	}
	if out == nil {
		return map[string]any{}, nil
	}
	m, ok := out.(map[string]any)
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeTaskFailed,
			"input query %q produced %T, want an object", spec.InputQuery, out).
			WithTask(spec.ID)
	}
	return m, nil
}

// executeTask runs a single task on a worker: circuit breaker check,
// timeout race, output validation, context merge, failure routing. The
// returned error is the task's terminal failure, nil when it succeeded,
// was recovered, or was cancelled; the pool counts these outcomes.
func (s *BatchScheduler) executeTask(ctx context.Context, exec *execution, spec *schema.TaskSpec, view *execctx.View, inputs map[string]any) error {
	taskID := spec.ID

	if err := s.taskFSM.Transition(ctx, exec.id, taskID, schema.TaskStatusPending, schema.TaskStatusRunning); err != nil {
		s.logger.ErrorContext(ctx, "task transition rejected", slog.String("error", err.Error()))
		return err
	}
	startedAt := time.Now().UTC()
	exec.updateRecord(taskID, func(r *schema.TaskRecord) {
		r.Status = schema.TaskStatusRunning
		r.StartedAt = &startedAt
	})

	if s.breakers != nil {
		if err := s.breakers.AllowRequest(taskID); err != nil {
			_ = s.log.Append(ctx, &schema.Event{
				ExecutionID: exec.id,
				TaskID:      taskID,
				Type:        schema.EventCircuitBreakerOpen,
				Payload:     s.breakers.GetStats(taskID),
			})
			return s.settleFailure(ctx, exec, spec, view, startedAt, err)
		}
	}

	taskCtx := ctx
	var cancel context.CancelFunc
	if spec.Timeout > 0 {
		taskCtx, cancel = context.WithTimeout(ctx, spec.Timeout)
		defer cancel()
	}

	resCh := make(chan taskResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				resCh <- taskResult{err: schema.NewErrorf(schema.ErrCodeTaskFailed,
					"handler panic: %v", r).WithTask(taskID)}
			}
		}()
		out, err := spec.Handler(taskCtx, view, inputs)
		resCh <- taskResult{outputs: out, err: err}
	}()

	select {
	case res := <-resCh:
		if res.err != nil && ctx.Err() != nil {
			// Handler observed the workflow cancellation and bailed out.
			s.forceCancelRunning(ctx, exec, taskID, startedAt)
			return nil
		}
		if res.err != nil && taskCtx.Err() == context.DeadlineExceeded {
			res.err = schema.NewErrorf(schema.ErrCodeTimeout,
				"task exceeded timeout of %s", spec.Timeout).WithTask(taskID).WithCause(res.err)
		}
		return s.settleResult(ctx, exec, spec, view, startedAt, res)

	case <-taskCtx.Done():
		if spec.Timeout > 0 && taskCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
			// Per-task timeout: the handler was signaled to stop; the
			// engine does not wait to find out whether it did.
			timeoutErr := schema.NewErrorf(schema.ErrCodeTimeout,
				"task exceeded timeout of %s", spec.Timeout).WithTask(taskID)
			return s.settleFailure(ctx, exec, spec, view, startedAt, timeoutErr)
		}

		// Workflow-level cancellation: cooperative first, force-terminal
		// after the grace period.
		select {
		case res := <-resCh:
			// A task that completes its work inside the grace period still
			// counts; one that bailed out is cancelled, not failed.
			if res.err != nil {
				s.forceCancelRunning(ctx, exec, taskID, startedAt)
				return nil
			}
			return s.settleResult(ctx, exec, spec, view, startedAt, res)
		case <-time.After(s.grace):
			s.forceCancelRunning(ctx, exec, taskID, startedAt)
			return nil
		}
	}
}

// settleResult finishes a task whose handler returned. It reports the
// terminal failure, nil on success or recovery.
func (s *BatchScheduler) settleResult(ctx context.Context, exec *execution, spec *schema.TaskSpec, view *execctx.View, startedAt time.Time, res taskResult) error {
	if res.err != nil {
		return s.settleFailure(ctx, exec, spec, view, startedAt, res.err)
	}

	if err := s.checkOutputs(spec, res.outputs); err != nil {
		return s.settleFailure(ctx, exec, spec, view, startedAt, err)
	}

	if s.breakers != nil {
		s.breakers.RecordSuccess(spec.ID)
	}
	return s.succeed(ctx, exec, spec, startedAt, res.outputs, false)
}

// settleFailure routes a task failure through its error handler and records
// the terminal status. It returns nil when the handler recovered the task.
func (s *BatchScheduler) settleFailure(ctx context.Context, exec *execution, spec *schema.TaskSpec, view *execctx.View, startedAt time.Time, taskErr error) error {
	taskID := spec.ID

	if s.breakers != nil {
		s.breakers.RecordFailure(taskID)
	}

	// Route through the error handler with a context detached from the
	// task's own deadline: recovery must be able to run after a timeout.
	recovery := RouteTaskError(context.WithoutCancel(ctx), s.log, exec.id, spec, view, taskErr)

	if recovery.Recovered {
		if err := s.checkOutputs(spec, recovery.Outputs); err != nil {
			return s.recordFailed(ctx, exec, taskID, startedAt, toEngineErr(taskID, taskErr), err)
		}
		return s.succeed(ctx, exec, spec, startedAt, recovery.Outputs, true)
	}

	return s.recordFailed(ctx, exec, taskID, startedAt, toEngineErr(taskID, taskErr), recovery.HandlerErr)
}

func (s *BatchScheduler) succeed(ctx context.Context, exec *execution, spec *schema.TaskSpec, startedAt time.Time, outputs map[string]any, recovered bool) error {
	taskID := spec.ID

	if err := exec.ec.Merge(taskID, outputs); err != nil {
		return s.recordFailed(ctx, exec, taskID, startedAt, toEngineErr(taskID, err), nil)
	}

	if err := s.taskFSM.Transition(ctx, exec.id, taskID, schema.TaskStatusRunning, schema.TaskStatusSucceeded); err != nil {
		s.logger.ErrorContext(ctx, "task transition rejected", slog.String("error", err.Error()))
	}

	endedAt := time.Now().UTC()
	exec.updateRecord(taskID, func(r *schema.TaskRecord) {
		r.Status = schema.TaskStatusSucceeded
		r.Outputs = outputs
		r.Recovered = recovered
		r.EndedAt = &endedAt
		r.DurationMs = endedAt.Sub(startedAt).Milliseconds()
	})
	return nil
}

func (s *BatchScheduler) recordFailed(ctx context.Context, exec *execution, taskID string, startedAt time.Time, taskErr *schema.EngineError, handlerErr error) error {
	if handlerErr != nil {
		details := map[string]any{"handler_error": handlerErr.Error()}
		for k, v := range taskErr.Details {
			details[k] = v
		}
		taskErr = taskErr.WithDetails(details)
	}

	if err := s.taskFSM.Transition(ctx, exec.id, taskID, schema.TaskStatusRunning, schema.TaskStatusFailed); err != nil {
		s.logger.ErrorContext(ctx, "task transition rejected", slog.String("error", err.Error()))
	}

	endedAt := time.Now().UTC()
	exec.updateRecord(taskID, func(r *schema.TaskRecord) {
		r.Status = schema.TaskStatusFailed
		r.Err = taskErr
		r.EndedAt = &endedAt
		r.DurationMs = endedAt.Sub(startedAt).Milliseconds()
	})
	return taskErr
}

// failBeforeBarrier handles failures raised before the handler could run
// (gate errors, input query errors). The task still passes through Running
// so its record carries start/end timestamps.
func (s *BatchScheduler) failBeforeBarrier(ctx context.Context, exec *execution, spec *schema.TaskSpec, view *execctx.View, cause error) {
	taskID := spec.ID
	if err := s.taskFSM.Transition(ctx, exec.id, taskID, schema.TaskStatusPending, schema.TaskStatusRunning); err != nil {
		s.logger.ErrorContext(ctx, "task transition rejected", slog.String("error", err.Error()))
		return
	}
	startedAt := time.Now().UTC()
	exec.updateRecord(taskID, func(r *schema.TaskRecord) {
		r.Status = schema.TaskStatusRunning
		r.StartedAt = &startedAt
	})
	s.settleFailure(ctx, exec, spec, view, startedAt, cause)
}

func (s *BatchScheduler) markSkipped(ctx context.Context, exec *execution, taskID string) {
	if err := s.taskFSM.Transition(ctx, exec.id, taskID, schema.TaskStatusPending, schema.TaskStatusSkipped); err != nil {
		s.logger.ErrorContext(ctx, "task transition rejected", slog.String("error", err.Error()))
		return
	}
	endedAt := time.Now().UTC()
	exec.updateRecord(taskID, func(r *schema.TaskRecord) {
		r.Status = schema.TaskStatusSkipped
		r.EndedAt = &endedAt
	})
}

func (s *BatchScheduler) markCancelled(ctx context.Context, exec *execution, taskID string) {
	if err := s.taskFSM.Transition(ctx, exec.id, taskID, schema.TaskStatusPending, schema.TaskStatusCancelled); err != nil {
		s.logger.ErrorContext(ctx, "task transition rejected", slog.String("error", err.Error()))
		return
	}
	endedAt := time.Now().UTC()
	exec.updateRecord(taskID, func(r *schema.TaskRecord) {
		r.Status = schema.TaskStatusCancelled
		r.EndedAt = &endedAt
	})
}

// forceCancelRunning marks a running task Cancelled: either its handler
// observed the cancellation and returned, or the grace period expired and
// the goroutine is abandoned with its eventual result discarded.
func (s *BatchScheduler) forceCancelRunning(ctx context.Context, exec *execution, taskID string, startedAt time.Time) {
	if err := s.taskFSM.Transition(ctx, exec.id, taskID, schema.TaskStatusRunning, schema.TaskStatusCancelled); err != nil {
		s.logger.ErrorContext(ctx, "task transition rejected", slog.String("error", err.Error()))
	}
	endedAt := time.Now().UTC()
	exec.updateRecord(taskID, func(r *schema.TaskRecord) {
		r.Status = schema.TaskStatusCancelled
		r.EndedAt = &endedAt
		r.DurationMs = endedAt.Sub(startedAt).Milliseconds()
	})
}

// checkOutputs enforces the declared output keys and the task's output
// schema.
func (s *BatchScheduler) checkOutputs(spec *schema.TaskSpec, outputs map[string]any) error {
	if len(spec.OutputKeys) > 0 {
		declared := make(map[string]bool, len(spec.OutputKeys))
		for _, k := range spec.OutputKeys {
			declared[k] = true
		}
		for k := range outputs {
			if !declared[k] {
				return schema.NewErrorf(schema.ErrCodeTaskFailed,
					"handler returned undeclared output key %q", k).WithTask(spec.ID)
			}
		}
	}

	if len(spec.OutputSchema) > 0 {
		if err := s.outputs.ValidateOutputs(outputs, spec.OutputSchema); err != nil {
			return schema.NewErrorf(schema.ErrCodeTaskFailed,
				"output validation: %s", err.Error()).WithTask(spec.ID).WithCause(err)
		}
	}
	return nil
}

// toEngineErr normalizes arbitrary errors to *EngineError with the task
// attached.
func toEngineErr(taskID string, err error) *schema.EngineError {
	if ee, ok := err.(*schema.EngineError); ok {
		if ee.TaskID == "" {
			ee.TaskID = taskID
		}
		return ee
	}
	return schema.NewError(schema.ErrCodeTaskFailed, err.Error()).WithTask(taskID).WithCause(err)
}
