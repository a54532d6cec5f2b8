package schema

// Event type constants emitted on the execution event log.
const (
	EventWorkflowStarted   = "workflow_started"
	EventWorkflowSucceeded = "workflow_succeeded"
	EventWorkflowFailed    = "workflow_failed"
	EventWorkflowCancelled = "workflow_cancelled"

	EventBatchStarted   = "batch_started"
	EventBatchCompleted = "batch_completed"

	EventTaskStarted   = "task_started"
	EventTaskSucceeded = "task_succeeded"
	EventTaskFailed    = "task_failed"
	EventTaskSkipped   = "task_skipped"
	EventTaskCancelled = "task_cancelled"
	EventTaskRecovered = "task_recovered"

	EventConditionEvaluated = "condition_evaluated"
	EventCircuitBreakerOpen = "circuit_breaker_open"
)

// WorkflowStatus represents the lifecycle state of a workflow execution.
type WorkflowStatus string

const (
	WorkflowStatusCreated   WorkflowStatus = "created"
	WorkflowStatusRunning   WorkflowStatus = "running"
	WorkflowStatusSucceeded WorkflowStatus = "succeeded"
	WorkflowStatusFailed    WorkflowStatus = "failed"
	WorkflowStatusCancelled WorkflowStatus = "cancelled"
)

// Terminal reports whether the workflow status is final.
func (s WorkflowStatus) Terminal() bool {
	return s == WorkflowStatusSucceeded || s == WorkflowStatusFailed || s == WorkflowStatusCancelled
}

// TaskStatus represents the lifecycle state of a task within an execution.
type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusSkipped   TaskStatus = "skipped"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusSucceeded TaskStatus = "succeeded"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusCancelled TaskStatus = "cancelled"
)

// Terminal reports whether the task status is final.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskStatusSkipped, TaskStatusSucceeded, TaskStatusFailed, TaskStatusCancelled:
		return true
	}
	return false
}
