package engine

import (
	"context"
	"sync"

	"github.com/felipepimentel/pepperpy-ai-sub001/internal/events"
	"github.com/felipepimentel/pepperpy-ai-sub001/pkg/schema"
)

// TransitionHook is called before or after a state transition.
type TransitionHook func(from, to string) error

// --- Workflow FSM ---

type workflowHookKey struct {
	from, to schema.WorkflowStatus
}

// WorkflowFSM manages workflow lifecycle state transitions. Terminal states
// are final; no transitions leave them.
type WorkflowFSM struct {
	mu       sync.Mutex
	appender events.Appender
	before   map[workflowHookKey][]TransitionHook
	after    map[workflowHookKey][]TransitionHook
}

// NewWorkflowFSM creates a WorkflowFSM that emits events via the given appender.
func NewWorkflowFSM(appender events.Appender) *WorkflowFSM {
	return &WorkflowFSM{
		appender: appender,
		before:   make(map[workflowHookKey][]TransitionHook),
		after:    make(map[workflowHookKey][]TransitionHook),
	}
}

// OnBefore registers a hook called before a workflow transition.
func (f *WorkflowFSM) OnBefore(from, to schema.WorkflowStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := workflowHookKey{from, to}
	f.before[key] = append(f.before[key], hook)
}

// OnAfter registers a hook called after a workflow transition.
func (f *WorkflowFSM) OnAfter(from, to schema.WorkflowStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := workflowHookKey{from, to}
	f.after[key] = append(f.after[key], hook)
}

// Transition validates and executes a workflow state transition, emitting
// the corresponding event. The controller persists the new state on the
// execution itself.
func (f *WorkflowFSM) Transition(ctx context.Context, executionID string, from, to schema.WorkflowStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !isValidWorkflowTransition(from, to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid workflow transition: %s -> %s", from, to).
			WithDetails(map[string]any{"execution_id": executionID, "from": string(from), "to": string(to)})
	}

	key := workflowHookKey{from, to}

	for _, hook := range f.before[key] {
		if err := hook(string(from), string(to)); err != nil {
			return err
		}
	}

	if eventType := workflowEventType(to); eventType != "" {
		event := &schema.Event{
			ExecutionID: executionID,
			Type:        eventType,
		}
		if err := f.appender.Append(ctx, event); err != nil {
			return schema.NewErrorf(schema.ErrCodeConflict, "emit workflow event: %s", err.Error()).WithCause(err)
		}
	}

	for _, hook := range f.after[key] {
		if err := hook(string(from), string(to)); err != nil {
			return err
		}
	}

	return nil
}

func isValidWorkflowTransition(from, to schema.WorkflowStatus) bool {
	allowed, ok := ValidWorkflowTransitions[from]
	if !ok {
		return false
	}
	for _, a := range allowed {
		if a == to {
			return true
		}
	}
	return false
}

func workflowEventType(to schema.WorkflowStatus) string {
	switch to {
	case schema.WorkflowStatusRunning:
		return schema.EventWorkflowStarted
	case schema.WorkflowStatusSucceeded:
		return schema.EventWorkflowSucceeded
	case schema.WorkflowStatusFailed:
		return schema.EventWorkflowFailed
	case schema.WorkflowStatusCancelled:
		return schema.EventWorkflowCancelled
	default:
		return ""
	}
}

// --- Task FSM ---

type taskHookKey struct {
	from, to schema.TaskStatus
}

// TaskFSM manages task lifecycle state transitions.
type TaskFSM struct {
	mu       sync.Mutex
	appender events.Appender
	before   map[taskHookKey][]TransitionHook
	after    map[taskHookKey][]TransitionHook
}

// NewTaskFSM creates a TaskFSM that emits events via the given appender.
func NewTaskFSM(appender events.Appender) *TaskFSM {
	return &TaskFSM{
		appender: appender,
		before:   make(map[taskHookKey][]TransitionHook),
		after:    make(map[taskHookKey][]TransitionHook),
	}
}

// OnBefore registers a hook called before a task transition.
func (f *TaskFSM) OnBefore(from, to schema.TaskStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := taskHookKey{from, to}
	f.before[key] = append(f.before[key], hook)
}

// OnAfter registers a hook called after a task transition.
func (f *TaskFSM) OnAfter(from, to schema.TaskStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := taskHookKey{from, to}
	f.after[key] = append(f.after[key], hook)
}

// Transition validates and executes a task state transition, emitting the
// corresponding event.
func (f *TaskFSM) Transition(ctx context.Context, executionID, taskID string, from, to schema.TaskStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !isValidTaskTransition(from, to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid task transition: %s -> %s", from, to).
			WithTask(taskID).
			WithDetails(map[string]any{"execution_id": executionID, "from": string(from), "to": string(to)})
	}

	key := taskHookKey{from, to}

	for _, hook := range f.before[key] {
		if err := hook(string(from), string(to)); err != nil {
			return err
		}
	}

	if eventType := taskEventType(to); eventType != "" {
		event := &schema.Event{
			ExecutionID: executionID,
			TaskID:      taskID,
			Type:        eventType,
		}
		if err := f.appender.Append(ctx, event); err != nil {
			return schema.NewErrorf(schema.ErrCodeConflict, "emit task event: %s", err.Error()).
				WithTask(taskID).WithCause(err)
		}
	}

	for _, hook := range f.after[key] {
		if err := hook(string(from), string(to)); err != nil {
			return err
		}
	}

	return nil
}

func isValidTaskTransition(from, to schema.TaskStatus) bool {
	allowed, ok := ValidTaskTransitions[from]
	if !ok {
		return false
	}
	for _, a := range allowed {
		if a == to {
			return true
		}
	}
	return false
}

func taskEventType(to schema.TaskStatus) string {
	switch to {
	case schema.TaskStatusRunning:
		return schema.EventTaskStarted
	case schema.TaskStatusSucceeded:
		return schema.EventTaskSucceeded
	case schema.TaskStatusFailed:
		return schema.EventTaskFailed
	case schema.TaskStatusSkipped:
		return schema.EventTaskSkipped
	case schema.TaskStatusCancelled:
		return schema.EventTaskCancelled
	default:
		return ""
	}
}

// --- Transition tables ---

// ValidWorkflowTransitions defines the allowed state transitions for
// workflow executions.
var ValidWorkflowTransitions = map[schema.WorkflowStatus][]schema.WorkflowStatus{
	schema.WorkflowStatusCreated:   {schema.WorkflowStatusRunning, schema.WorkflowStatusCancelled},
	schema.WorkflowStatusRunning:   {schema.WorkflowStatusSucceeded, schema.WorkflowStatusFailed, schema.WorkflowStatusCancelled},
	schema.WorkflowStatusSucceeded: {},
	schema.WorkflowStatusFailed:    {},
	schema.WorkflowStatusCancelled: {},
}

// ValidTaskTransitions defines the allowed state transitions for tasks.
var ValidTaskTransitions = map[schema.TaskStatus][]schema.TaskStatus{
	schema.TaskStatusPending:   {schema.TaskStatusRunning, schema.TaskStatusSkipped, schema.TaskStatusCancelled},
	schema.TaskStatusRunning:   {schema.TaskStatusSucceeded, schema.TaskStatusFailed, schema.TaskStatusCancelled},
	schema.TaskStatusSkipped:   {},
	schema.TaskStatusSucceeded: {},
	schema.TaskStatusFailed:    {},
	schema.TaskStatusCancelled: {},
}
