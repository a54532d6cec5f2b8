// Package workflow is the public entry point of the execution engine. An
// Engine runs workflows: directed acyclic graphs of tasks executed in
// dependency order, independent tasks concurrently under a bounded worker
// pool, with conditional gates, per-task timeouts and error handlers, and
// cooperative cancellation.
package workflow

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	"github.com/felipepimentel/pepperpy-ai-sub001/internal/engine"
	"github.com/felipepimentel/pepperpy-ai-sub001/internal/events"
	"github.com/felipepimentel/pepperpy-ai-sub001/internal/trigger"
	"github.com/felipepimentel/pepperpy-ai-sub001/pkg/schema"
)

// Engine submits, observes and cancels workflow executions. A single Engine
// serves many concurrent executions over one shared worker pool.
type Engine struct {
	ctrl   *engine.Controller
	trig   *trigger.CronTrigger
	logger *slog.Logger
}

// New creates an Engine with the given maximum number of concurrently
// running tasks. Concurrency is explicit: there is no unbounded default.
func New(concurrency int, opts ...Option) (*Engine, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	cfg := engine.Config{
		Concurrency: concurrency,
		GracePeriod: o.gracePeriod,
		Logger:      o.logger,
	}
	if o.circuitBreaker != nil {
		cfg.CircuitBreaker = &engine.CircuitBreakerConfig{
			FailureThreshold: o.circuitBreaker.FailureThreshold,
			Cooldown:         o.circuitBreaker.Cooldown,
			HalfOpenMax:      o.circuitBreaker.HalfOpenMax,
		}
	}

	ctrl, err := engine.NewController(cfg)
	if err != nil {
		return nil, err
	}
	return &Engine{
		ctrl:   ctrl,
		trig:   trigger.NewCronTrigger(o.logger),
		logger: cfg.Logger,
	}, nil
}

// Submit starts a workflow asynchronously and returns its execution id. The
// whole declaration set is validated up front; nothing runs if any task is
// invalid.
func (e *Engine) Submit(ctx context.Context, wf *Workflow, inputs map[string]any) (string, error) {
	return e.ctrl.Submit(ctx, wf.Tasks(), inputs)
}

// Execute runs a workflow to completion and returns the final snapshot.
// The snapshot is returned even when the workflow failed or was cancelled;
// the error reports the terminal outcome.
func (e *Engine) Execute(ctx context.Context, wf *Workflow, inputs map[string]any) (*schema.ExecutionSnapshot, error) {
	id, err := e.ctrl.Submit(ctx, wf.Tasks(), inputs)
	if err != nil {
		return nil, err
	}
	snap, err := e.ctrl.Wait(ctx, id)
	if err != nil {
		return nil, err
	}
	if snap.Err != nil {
		return snap, snap.Err
	}
	return snap, nil
}

// Status returns a point-in-time view of an execution. Once the execution
// is terminal, repeated calls return identical snapshots.
func (e *Engine) Status(executionID string) (*schema.ExecutionSnapshot, error) {
	return e.ctrl.Status(executionID)
}

// Cancel requests cooperative cancellation of a running execution.
// Cancelling a terminal execution is a no-op.
func (e *Engine) Cancel(executionID string) error {
	return e.ctrl.Cancel(executionID)
}

// Wait blocks until the execution is terminal or ctx expires.
func (e *Engine) Wait(ctx context.Context, executionID string) (*schema.ExecutionSnapshot, error) {
	return e.ctrl.Wait(ctx, executionID)
}

// Release evicts a finished execution from the engine: its status and its
// event history become unavailable and their memory is reclaimed. Releasing
// a running execution is a conflict.
func (e *Engine) Release(executionID string) error {
	return e.ctrl.Release(executionID)
}

// Events returns recorded events for an execution with sequence numbers
// greater than since. Pass since=0 for the full history.
func (e *Engine) Events(executionID string, since int64) ([]*schema.Event, error) {
	return e.ctrl.Events(executionID, since)
}

// EventFilter narrows a live subscription. Zero values match everything.
type EventFilter struct {
	ExecutionID string
	EventTypes  []string
}

// Subscribe streams live events matching the filter. Slow consumers lose
// events rather than blocking the engine; use Events to backfill. The
// returned function releases the subscription.
func (e *Engine) Subscribe(ctx context.Context, filter EventFilter) (<-chan schema.Event, func(), error) {
	return e.ctrl.Subscribe(ctx, events.Filter{
		ExecutionID: filter.ExecutionID,
		EventTypes:  filter.EventTypes,
	})
}

// Schedule submits the workflow on a recurring cron schedule. A tick that
// fires while the previous run is still going is skipped. Call
// StartScheduler to begin firing.
func (e *Engine) Schedule(name, cronExpr string, wf *Workflow, inputs map[string]any) error {
	return e.trig.Schedule(name, cronExpr, func(ctx context.Context) {
		snap, err := e.Execute(ctx, wf, inputs)
		if err != nil {
			status := "error"
			if snap != nil {
				status = string(snap.Status)
			}
			e.logger.Error("scheduled workflow finished",
				slog.String("schedule", name),
				slog.String("status", status),
				slog.String("error", err.Error()))
			return
		}
		e.logger.Info("scheduled workflow finished",
			slog.String("schedule", name),
			slog.String("status", string(snap.Status)))
	})
}

// RemoveSchedule unregisters a recurring schedule.
func (e *Engine) RemoveSchedule(name string) error {
	return e.trig.Remove(name)
}

// StartScheduler begins firing registered schedules.
func (e *Engine) StartScheduler() {
	e.trig.Start()
}

// Metrics exposes worker pool counters for the whole engine.
func (e *Engine) Metrics() engine.PoolMetrics {
	return e.ctrl.Metrics()
}

// Shutdown stops the scheduler, cancels every in-flight execution and
// waits for them to settle. The engine rejects new submissions afterwards.
func (e *Engine) Shutdown() {
	e.trig.Stop()
	e.ctrl.Shutdown()
}

// Workflow is a set of task declarations. It is a builder: add tasks, then
// hand it to Submit or Execute. The same Workflow may be executed any
// number of times; each execution is independent.
type Workflow struct {
	specs []schema.TaskSpec
	ids   map[string]bool
}

// NewWorkflow creates an empty declaration set.
func NewWorkflow() *Workflow {
	return &Workflow{ids: make(map[string]bool)}
}

// Add registers a task declaration and returns its id, generating one when
// the declaration omits it. Duplicate ids are rejected here so the
// collision names a single call site, not the whole set.
func (w *Workflow) Add(spec schema.TaskSpec) (string, error) {
	if spec.ID == "" {
		spec.ID = uuid.NewString()
	}
	if w.ids[spec.ID] {
		return "", schema.NewErrorf(schema.ErrCodeValidation, "duplicate task id %q", spec.ID)
	}
	w.ids[spec.ID] = true
	w.specs = append(w.specs, spec)
	return spec.ID, nil
}

// Tasks returns a copy of the registered declarations.
func (w *Workflow) Tasks() []schema.TaskSpec {
	out := make([]schema.TaskSpec, len(w.specs))
	copy(out, w.specs)
	return out
}
