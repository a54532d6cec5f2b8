package engine

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/felipepimentel/pepperpy-ai-sub001/internal/events"
	"github.com/felipepimentel/pepperpy-ai-sub001/internal/execctx"
	"github.com/felipepimentel/pepperpy-ai-sub001/internal/expressions"
	"github.com/felipepimentel/pepperpy-ai-sub001/internal/logging"
	"github.com/felipepimentel/pepperpy-ai-sub001/internal/validation"
	"github.com/felipepimentel/pepperpy-ai-sub001/pkg/schema"
)

// DefaultGracePeriod bounds how long a cancelled execution waits for
// running handlers to return before force-marking them Cancelled.
const DefaultGracePeriod = 5 * time.Second

// Config carries controller construction parameters. Concurrency is
// mandatory; there is no unbounded default.
type Config struct {
	Concurrency    int
	GracePeriod    time.Duration
	CircuitBreaker *CircuitBreakerConfig
	Logger         *slog.Logger
}

// execution is the controller-side state of one workflow run. Records are
// guarded by mu; the scheduler mutates them through updateRecord only.
type execution struct {
	id      string
	dag     *DAG
	ec      *execctx.Context
	initial map[string]any

	mu        sync.Mutex
	status    schema.WorkflowStatus
	records   map[string]*schema.TaskRecord
	err       *schema.EngineError
	startedAt *time.Time
	endedAt   *time.Time

	cancel          context.CancelFunc
	cancelRequested atomic.Bool
	done            chan struct{}
}

func (e *execution) updateRecord(taskID string, fn func(r *schema.TaskRecord)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if r, ok := e.records[taskID]; ok {
		fn(r)
	}
}

func (e *execution) setStatus(s schema.WorkflowStatus) {
	e.mu.Lock()
	e.status = s
	e.mu.Unlock()
}

// snapshot clones the execution state. Once the execution is terminal the
// snapshot is stable: repeated calls return identical content.
func (e *execution) snapshot() *schema.ExecutionSnapshot {
	e.mu.Lock()
	defer e.mu.Unlock()

	snap := &schema.ExecutionSnapshot{
		ExecutionID: e.id,
		Status:      e.status,
		Tasks:       make(map[string]*schema.TaskRecord, len(e.records)),
		Err:         e.err,
		StartedAt:   e.startedAt,
		EndedAt:     e.endedAt,
	}
	for id, r := range e.records {
		snap.Tasks[id] = r.Clone()
	}
	if e.status.Terminal() {
		// Fresh deep copy per call; callers mutating one snapshot's
		// outputs must not see it in the next.
		snap.Outputs = e.ec.Snapshot()
	}
	return snap
}

// Controller owns the execution registry and drives workflows batch by
// batch: submit, observe, cancel. One controller serves many concurrent
// executions over a single shared worker pool.
type Controller struct {
	cfg    Config
	pool   *WorkerPool
	sched  *BatchScheduler
	wfFSM  *WorkflowFSM
	tkFSM  *TaskFSM
	cel    *expressions.CELEngine
	expr   *expressions.ExprEngine
	jq     *expressions.GoJQEngine
	outval *validation.OutputValidator
	log    *events.Log
	hub    *events.Hub
	logger *slog.Logger

	mu     sync.RWMutex
	execs  map[string]*execution
	closed bool
}

// NewController builds a controller and its collaborators. Concurrency must
// be at least 1.
func NewController(cfg Config) (*Controller, error) {
	if cfg.Concurrency < 1 {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"concurrency must be at least 1, got %d", cfg.Concurrency)
	}
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = DefaultGracePeriod
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = slog.New(logging.NewCorrelationHandler(logger.Handler()))

	hub := events.NewHub()
	log := events.NewLog(hub)

	celEngine, err := expressions.NewCELEngine()
	if err != nil {
		return nil, err
	}
	exprEngine := expressions.NewExprEngine()
	jqEngine := expressions.NewGoJQEngine()
	outval := validation.NewOutputValidator()

	var breakers *CircuitBreakerRegistry
	if cfg.CircuitBreaker != nil {
		breakers = NewCircuitBreakerRegistry(*cfg.CircuitBreaker)
	}

	pool := NewWorkerPool(cfg.Concurrency)
	tkFSM := NewTaskFSM(log)
	gate := NewGate(celEngine, exprEngine)

	c := &Controller{
		cfg:    cfg,
		pool:   pool,
		wfFSM:  NewWorkflowFSM(log),
		tkFSM:  tkFSM,
		cel:    celEngine,
		expr:   exprEngine,
		jq:     jqEngine,
		outval: outval,
		log:    log,
		hub:    hub,
		logger: logger,
		execs:  make(map[string]*execution),
	}
	c.sched = NewBatchScheduler(pool, tkFSM, gate, jqEngine, outval, breakers, log, logger, cfg.GracePeriod)
	return c, nil
}

// Submit validates the declarations, builds the execution plan and starts
// the run asynchronously. The returned id is usable immediately with
// Status, Cancel and Wait.
func (c *Controller) Submit(ctx context.Context, specs []schema.TaskSpec, initial map[string]any) (string, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return "", schema.NewError(schema.ErrCodeConflict, "controller is shut down")
	}
	c.mu.Unlock()

	compilers := validation.Compilers{CEL: c.cel, Expr: c.expr, JQ: c.jq}
	if err := validation.ValidateSpecs(specs, compilers, c.outval); err != nil {
		return "", err
	}
	dag, err := Build(specs)
	if err != nil {
		return "", err
	}

	if initial == nil {
		initial = map[string]any{}
	}

	exec := &execution{
		id:      uuid.NewString(),
		dag:     dag,
		ec:      execctx.New(initial),
		initial: initial,
		status:  schema.WorkflowStatusCreated,
		records: make(map[string]*schema.TaskRecord, len(dag.Sorted)),
		done:    make(chan struct{}),
	}
	for _, id := range dag.Sorted {
		exec.records[id] = &schema.TaskRecord{TaskID: id, Status: schema.TaskStatusPending}
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	exec.cancel = cancel

	c.mu.Lock()
	c.execs[exec.id] = exec
	c.mu.Unlock()

	go c.run(logging.WithWorkflowID(runCtx, exec.id), exec)
	return exec.id, nil
}

// run drives the execution batch by batch and finalizes it.
func (c *Controller) run(ctx context.Context, exec *execution) {
	startedAt := time.Now().UTC()
	exec.mu.Lock()
	exec.startedAt = &startedAt
	exec.mu.Unlock()

	if err := c.wfFSM.Transition(ctx, exec.id, schema.WorkflowStatusCreated, schema.WorkflowStatusRunning); err != nil {
		c.logger.ErrorContext(ctx, "workflow transition rejected", slog.String("error", err.Error()))
	}
	exec.setStatus(schema.WorkflowStatusRunning)
	c.logger.InfoContext(ctx, "workflow started",
		slog.Int("tasks", len(exec.dag.Sorted)),
		slog.Int("batches", len(exec.dag.Batches)))

	var abortErr *schema.EngineError
	for i, batch := range exec.dag.Batches {
		if ctx.Err() != nil || exec.cancelRequested.Load() {
			break
		}

		_ = c.log.Append(ctx, &schema.Event{
			ExecutionID: exec.id,
			Type:        schema.EventBatchStarted,
			Payload:     map[string]any{"batch": i, "tasks": batch},
		})

		c.sched.RunBatch(ctx, exec, batch)

		_ = c.log.Append(ctx, &schema.Event{
			ExecutionID: exec.id,
			Type:        schema.EventBatchCompleted,
			Payload:     map[string]any{"batch": i, "tasks": batch},
		})

		if failed, taskErrs, cause := c.failedTasks(exec, batch); len(failed) > 0 {
			abortErr = schema.NewErrorf(schema.ErrCodeWorkflowAborted,
				"batch %d failed, aborting workflow", i).
				WithDetails(map[string]any{
					"failed_tasks": failed,
					"task_errors":  taskErrs,
				})
			if cause != nil {
				abortErr = abortErr.WithCause(cause)
			}
			c.logger.ErrorContext(ctx, "batch failed, aborting",
				slog.Int("batch", i),
				slog.Any("failed_tasks", failed))
			break
		}
	}

	c.finalize(ctx, exec, abortErr)
}

// failedTasks lists tasks in the batch that ended Failed, their recorded
// errors keyed by task id, and the first failure in batch order to serve
// as the abort cause.
func (c *Controller) failedTasks(exec *execution, batch []string) ([]string, map[string]string, *schema.EngineError) {
	exec.mu.Lock()
	defer exec.mu.Unlock()
	var failed []string
	taskErrs := make(map[string]string)
	var cause *schema.EngineError
	for _, id := range batch {
		r, ok := exec.records[id]
		if !ok || r.Status != schema.TaskStatusFailed {
			continue
		}
		failed = append(failed, id)
		if r.Err != nil {
			taskErrs[id] = r.Err.Error()
			if cause == nil {
				cause = r.Err
			}
		}
	}
	return failed, taskErrs, cause
}

// finalize settles every remaining task, fixes the terminal workflow
// status and releases waiters. Cancellation wins over abort.
func (c *Controller) finalize(ctx context.Context, exec *execution, abortErr *schema.EngineError) {
	cancelled := ctx.Err() != nil || exec.cancelRequested.Load()

	// Tasks that never got to run.
	exec.mu.Lock()
	var pending []string
	for id, r := range exec.records {
		if !r.Status.Terminal() && r.Status != schema.TaskStatusRunning {
			pending = append(pending, id)
		}
	}
	exec.mu.Unlock()
	for _, id := range pending {
		if err := c.tkFSM.Transition(ctx, exec.id, id, schema.TaskStatusPending, schema.TaskStatusCancelled); err != nil {
			c.logger.ErrorContext(ctx, "task transition rejected", slog.String("error", err.Error()))
		}
		endedAt := time.Now().UTC()
		exec.updateRecord(id, func(r *schema.TaskRecord) {
			r.Status = schema.TaskStatusCancelled
			r.EndedAt = &endedAt
		})
	}

	final := schema.WorkflowStatusSucceeded
	var finalErr *schema.EngineError
	switch {
	case cancelled:
		final = schema.WorkflowStatusCancelled
		finalErr = schema.NewError(schema.ErrCodeCancelled, "workflow was cancelled")
	case abortErr != nil:
		final = schema.WorkflowStatusFailed
		finalErr = abortErr
	}

	if err := c.wfFSM.Transition(ctx, exec.id, schema.WorkflowStatusRunning, final); err != nil {
		c.logger.ErrorContext(ctx, "workflow transition rejected", slog.String("error", err.Error()))
	}

	endedAt := time.Now().UTC()
	exec.mu.Lock()
	exec.status = final
	exec.err = finalErr
	exec.endedAt = &endedAt
	exec.mu.Unlock()

	c.logger.InfoContext(ctx, "workflow finished",
		slog.String("status", string(final)),
		slog.Int64("duration_ms", endedAt.Sub(*exec.startedAt).Milliseconds()))

	close(exec.done)
}

// Status returns a point-in-time snapshot of the execution. Terminal
// snapshots are stable across calls.
func (c *Controller) Status(executionID string) (*schema.ExecutionSnapshot, error) {
	exec, err := c.get(executionID)
	if err != nil {
		return nil, err
	}
	return exec.snapshot(), nil
}

// Cancel requests cooperative cancellation. Cancelling an already terminal
// execution is a no-op.
func (c *Controller) Cancel(executionID string) error {
	exec, err := c.get(executionID)
	if err != nil {
		return err
	}

	exec.mu.Lock()
	terminal := exec.status.Terminal()
	exec.mu.Unlock()
	if terminal {
		return nil
	}

	exec.cancelRequested.Store(true)
	exec.cancel()
	return nil
}

// Wait blocks until the execution reaches a terminal status or the caller's
// context expires, then returns the final snapshot.
func (c *Controller) Wait(ctx context.Context, executionID string) (*schema.ExecutionSnapshot, error) {
	exec, err := c.get(executionID)
	if err != nil {
		return nil, err
	}
	select {
	case <-exec.done:
		return exec.snapshot(), nil
	case <-ctx.Done():
		return nil, schema.NewError(schema.ErrCodeCancelled, "wait aborted: "+ctx.Err().Error()).WithCause(ctx.Err())
	}
}

// Events returns the recorded events for an execution with Seq > since.
func (c *Controller) Events(executionID string, since int64) ([]*schema.Event, error) {
	if _, err := c.get(executionID); err != nil {
		return nil, err
	}
	return c.log.Events(executionID, since), nil
}

// Subscribe streams live events matching the filter. The returned cancel
// function releases the subscription.
func (c *Controller) Subscribe(ctx context.Context, filter events.Filter) (<-chan schema.Event, func(), error) {
	return c.hub.Subscribe(ctx, filter)
}

// Release evicts a terminal execution: its registry entry and its recorded
// events are dropped. Releasing a running execution is a conflict; cancel
// and wait first.
func (c *Controller) Release(executionID string) error {
	exec, err := c.get(executionID)
	if err != nil {
		return err
	}

	exec.mu.Lock()
	status := exec.status
	exec.mu.Unlock()
	if !status.Terminal() {
		return schema.NewErrorf(schema.ErrCodeConflict,
			"execution %q is still %s", executionID, status)
	}

	c.mu.Lock()
	delete(c.execs, executionID)
	c.mu.Unlock()
	c.log.Drop(executionID)
	return nil
}

// Metrics exposes the shared worker pool counters.
func (c *Controller) Metrics() PoolMetrics {
	return c.pool.Metrics()
}

// Shutdown cancels every in-flight execution and stops the worker pool. The
// controller rejects new submissions afterwards.
func (c *Controller) Shutdown() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	execs := make([]*execution, 0, len(c.execs))
	for _, e := range c.execs {
		execs = append(execs, e)
	}
	c.mu.Unlock()

	for _, e := range execs {
		e.mu.Lock()
		terminal := e.status.Terminal()
		e.mu.Unlock()
		if !terminal {
			e.cancelRequested.Store(true)
			e.cancel()
			<-e.done
		}
	}
	c.pool.Shutdown()
}

func (c *Controller) get(executionID string) (*execution, error) {
	c.mu.RLock()
	exec, ok := c.execs[executionID]
	c.mu.RUnlock()
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "unknown execution %q", executionID)
	}
	return exec, nil
}
