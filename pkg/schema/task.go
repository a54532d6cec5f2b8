package schema

import (
	"context"
	"encoding/json"
	"time"
)

// ContextReader is the read-only view of the execution context handed to
// task handlers. Handlers observe the context as it stood when their batch
// started; sibling outputs from the same batch are never visible.
type ContextReader interface {
	// Get returns the value stored under key, or false if absent.
	Get(key string) (any, bool)
	// Snapshot returns a deep copy of all visible keys.
	Snapshot() map[string]any
}

// Handler is the boundary to externally supplied business logic (LLM calls,
// retrieval, I/O). The engine treats it as opaque: it receives a read-only
// context view plus derived inputs and returns the task's outputs.
type Handler func(ctx context.Context, view ContextReader, inputs map[string]any) (map[string]any, error)

// ErrorHandler is invoked when a task fails (including timeouts). If it
// returns a nil error the task is considered recovered: it ends Succeeded
// with the handler's outputs (possibly empty) and does not abort the
// workflow. If the handler itself errors, the task stays Failed.
type ErrorHandler func(ctx context.Context, view ContextReader, taskErr error) (map[string]any, error)

// ConditionFunc is a Go-native conditional gate. Returning false records the
// task as Skipped without consuming a concurrency slot.
type ConditionFunc func(view ContextReader) (bool, error)

// Condition languages accepted by TaskSpec.ConditionLang.
const (
	ConditionLangCEL  = "cel"
	ConditionLangExpr = "expr"
)

// TaskSpec declares a single task: its handler, dependencies and gates.
type TaskSpec struct {
	// ID uniquely identifies the task within a workflow. Auto-generated
	// when empty.
	ID string

	// Handler executes the task's work. Required.
	Handler Handler

	// DependsOn lists task IDs that must reach a terminal accepted state
	// before this task becomes eligible.
	DependsOn []string

	// Condition is an expression over the execution context, evaluated
	// just before execution. Empty means "always run".
	Condition string

	// ConditionLang selects the expression language for Condition:
	// "cel" (default) or "expr".
	ConditionLang string

	// ConditionFunc is the Go-native alternative to Condition. Setting
	// both is a registration error.
	ConditionFunc ConditionFunc

	// ErrorHandler, when set, may recover a failed task.
	ErrorHandler ErrorHandler

	// Timeout caps the handler's execution; zero means no cap. Exceeding
	// it cancels the task and counts as a failure.
	Timeout time.Duration

	// OutputKeys declares the context keys this task writes. Overlapping
	// declarations between tasks in the same batch are a registration
	// error. When declared, the handler may only return these keys.
	OutputKeys []string

	// InputQuery is an optional jq expression evaluated against
	// {"context": <snapshot>, "inputs": <initial inputs>} whose result
	// becomes the handler's inputs map.
	InputQuery string

	// OutputSchema optionally validates the handler's outputs against a
	// JSON Schema (draft 2020-12). A violation is a task failure.
	OutputSchema json.RawMessage
}

// TaskRecord is the execution record of a single task. It is mutated only by
// the worker assigned to the task and is immutable once Status is terminal.
type TaskRecord struct {
	TaskID     string         `json:"task_id"`
	Status     TaskStatus     `json:"status"`
	StartedAt  *time.Time     `json:"started_at,omitempty"`
	EndedAt    *time.Time     `json:"ended_at,omitempty"`
	Outputs    map[string]any `json:"outputs,omitempty"`
	Err        *EngineError   `json:"error,omitempty"`
	Recovered  bool           `json:"recovered,omitempty"`
	DurationMs int64          `json:"duration_ms,omitempty"`
}

// Clone returns an independent copy of the record.
func (r *TaskRecord) Clone() *TaskRecord {
	cp := *r
	if r.Outputs != nil {
		cp.Outputs = make(map[string]any, len(r.Outputs))
		for k, v := range r.Outputs {
			cp.Outputs[k] = v
		}
	}
	return &cp
}

// ExecutionSnapshot is a point-in-time view of a workflow execution,
// returned by Status. Snapshots of a terminal execution are identical
// across calls.
type ExecutionSnapshot struct {
	ExecutionID string                 `json:"execution_id"`
	Status      WorkflowStatus         `json:"status"`
	Tasks       map[string]*TaskRecord `json:"tasks"`
	Outputs     map[string]any         `json:"outputs,omitempty"`
	Err         *EngineError           `json:"error,omitempty"`
	StartedAt   *time.Time             `json:"started_at,omitempty"`
	EndedAt     *time.Time             `json:"ended_at,omitempty"`
}

// Event is one entry on an execution's event log.
type Event struct {
	Seq         int64          `json:"seq"`
	ExecutionID string         `json:"execution_id"`
	TaskID      string         `json:"task_id,omitempty"`
	Type        string         `json:"type"`
	Payload     map[string]any `json:"payload,omitempty"`
	At          time.Time      `json:"at"`
}
