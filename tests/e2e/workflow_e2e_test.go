package e2e

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/felipepimentel/pepperpy-ai-sub001/pkg/schema"
	"github.com/felipepimentel/pepperpy-ai-sub001/pkg/workflow"
)

func newEngine(t *testing.T, concurrency int, opts ...workflow.Option) *workflow.Engine {
	t.Helper()
	opts = append(opts, workflow.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	e, err := workflow.New(concurrency, opts...)
	require.NoError(t, err)
	t.Cleanup(e.Shutdown)
	return e
}

func addTask(t *testing.T, wf *workflow.Workflow, spec schema.TaskSpec) {
	t.Helper()
	_, err := wf.Add(spec)
	require.NoError(t, err)
}

func write(outputs map[string]any) schema.Handler {
	return func(_ context.Context, _ schema.ContextReader, _ map[string]any) (map[string]any, error) {
		return outputs, nil
	}
}

// Fan-out then fan-in: two independent producers and a consumer that needs
// both of their outputs merged into its visible context.
func TestEndToEnd_FanOutFanIn(t *testing.T) {
	e := newEngine(t, 4)

	wf := workflow.NewWorkflow()
	addTask(t, wf, schema.TaskSpec{ID: "A", Handler: write(map[string]any{"x": 1})})
	addTask(t, wf, schema.TaskSpec{ID: "B", Handler: write(map[string]any{"y": 2})})
	addTask(t, wf, schema.TaskSpec{ID: "C", DependsOn: []string{"A", "B"}, Handler: func(_ context.Context, view schema.ContextReader, _ map[string]any) (map[string]any, error) {
		x, okX := view.Get("x")
		y, okY := view.Get("y")
		if !okX || !okY {
			return nil, errors.New("missing upstream outputs")
		}
		return map[string]any{"sum": x.(int) + y.(int)}, nil
	}})

	snap, err := e.Execute(context.Background(), wf, nil)
	require.NoError(t, err)
	require.Equal(t, schema.WorkflowStatusSucceeded, snap.Status)
	assert.Equal(t, 3, snap.Outputs["sum"])
}

// A pipeline where each stage reshapes its inputs with a jq query and
// guards execution with a CEL gate.
func TestEndToEnd_GatedPipeline(t *testing.T) {
	e := newEngine(t, 2)

	var auditRan, reportRan atomic.Bool
	wf := workflow.NewWorkflow()
	addTask(t, wf, schema.TaskSpec{
		ID:      "classify",
		Handler: write(map[string]any{"severity": "high", "score": 87}),
	})
	addTask(t, wf, schema.TaskSpec{
		ID:        "audit",
		DependsOn: []string{"classify"},
		Condition: `context.severity == "high"`,
		Handler: func(_ context.Context, _ schema.ContextReader, _ map[string]any) (map[string]any, error) {
			auditRan.Store(true)
			return map[string]any{"audited": true}, nil
		},
	})
	addTask(t, wf, schema.TaskSpec{
		ID:        "report",
		DependsOn: []string{"classify"},
		Condition: `context.severity == "low"`,
		Handler: func(_ context.Context, _ schema.ContextReader, _ map[string]any) (map[string]any, error) {
			reportRan.Store(true)
			return map[string]any{"reported": true}, nil
		},
	})
	addTask(t, wf, schema.TaskSpec{
		ID:         "archive",
		DependsOn:  []string{"audit", "report"},
		InputQuery: `{flagged: (.context.audited // false)}`,
		Handler: func(_ context.Context, _ schema.ContextReader, inputs map[string]any) (map[string]any, error) {
			return map[string]any{"archived_flagged": inputs["flagged"]}, nil
		},
	})

	snap, err := e.Execute(context.Background(), wf, nil)
	require.NoError(t, err)
	require.Equal(t, schema.WorkflowStatusSucceeded, snap.Status)

	assert.True(t, auditRan.Load())
	assert.False(t, reportRan.Load())
	assert.Equal(t, schema.TaskStatusSkipped, snap.Tasks["report"].Status)
	assert.Equal(t, schema.TaskStatusSucceeded, snap.Tasks["archive"].Status)
	assert.Equal(t, true, snap.Outputs["archived_flagged"])
}

// Failure in one branch aborts the workflow at the batch boundary; the
// sibling branch completes and downstream work is cancelled.
func TestEndToEnd_AbortOnFailure(t *testing.T) {
	e := newEngine(t, 4)

	wf := workflow.NewWorkflow()
	addTask(t, wf, schema.TaskSpec{ID: "root", Handler: write(map[string]any{"seed": 1})})
	addTask(t, wf, schema.TaskSpec{ID: "bad", DependsOn: []string{"root"}, Handler: func(_ context.Context, _ schema.ContextReader, _ map[string]any) (map[string]any, error) {
		return nil, errors.New("upstream service 500")
	}})
	addTask(t, wf, schema.TaskSpec{ID: "good", DependsOn: []string{"root"}, Handler: write(map[string]any{"ok": true})})
	addTask(t, wf, schema.TaskSpec{ID: "final", DependsOn: []string{"bad", "good"}, Handler: write(nil)})

	snap, err := e.Execute(context.Background(), wf, nil)
	require.Error(t, err)
	require.Equal(t, schema.WorkflowStatusFailed, snap.Status)

	assert.Equal(t, schema.TaskStatusFailed, snap.Tasks["bad"].Status)
	assert.Equal(t, schema.TaskStatusSucceeded, snap.Tasks["good"].Status)
	assert.Equal(t, schema.TaskStatusCancelled, snap.Tasks["final"].Status)

	engErr, ok := err.(*schema.EngineError)
	require.True(t, ok)
	assert.Equal(t, schema.ErrCodeWorkflowAborted, engErr.Code)
	assert.Contains(t, engErr.Details["failed_tasks"], "bad")
}

// A timeout recovered by the error handler keeps the pipeline alive; the
// circuit breaker never trips because the task ends recovered, not failed
// enough times.
func TestEndToEnd_TimeoutRecovery(t *testing.T) {
	e := newEngine(t, 2, workflow.WithCircuitBreaker(workflow.CircuitBreakerConfig{FailureThreshold: 10}))

	wf := workflow.NewWorkflow()
	addTask(t, wf, schema.TaskSpec{
		ID:      "fetch",
		Timeout: 30 * time.Millisecond,
		Handler: func(ctx context.Context, _ schema.ContextReader, _ map[string]any) (map[string]any, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
		ErrorHandler: func(_ context.Context, _ schema.ContextReader, taskErr error) (map[string]any, error) {
			return map[string]any{"data": "cached", "stale": true}, nil
		},
	})
	addTask(t, wf, schema.TaskSpec{ID: "render", DependsOn: []string{"fetch"}, Handler: func(_ context.Context, view schema.ContextReader, _ map[string]any) (map[string]any, error) {
		data, _ := view.Get("data")
		return map[string]any{"rendered": data}, nil
	}})

	snap, err := e.Execute(context.Background(), wf, nil)
	require.NoError(t, err)
	require.Equal(t, schema.WorkflowStatusSucceeded, snap.Status)
	assert.True(t, snap.Tasks["fetch"].Recovered)
	assert.Equal(t, "cached", snap.Outputs["rendered"])
}

// Cancellation mid-flight: the running task is cancelled cooperatively and
// everything not yet started ends Cancelled.
func TestEndToEnd_CancelMidFlight(t *testing.T) {
	e := newEngine(t, 2, workflow.WithGracePeriod(100*time.Millisecond))

	started := make(chan struct{})
	wf := workflow.NewWorkflow()
	addTask(t, wf, schema.TaskSpec{ID: "long", Handler: func(ctx context.Context, _ schema.ContextReader, _ map[string]any) (map[string]any, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	}})
	addTask(t, wf, schema.TaskSpec{ID: "next", DependsOn: []string{"long"}, Handler: write(nil)})

	id, err := e.Submit(context.Background(), wf, nil)
	require.NoError(t, err)
	<-started
	require.NoError(t, e.Cancel(id))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	snap, err := e.Wait(ctx, id)
	require.NoError(t, err)

	require.Equal(t, schema.WorkflowStatusCancelled, snap.Status)
	assert.Equal(t, schema.TaskStatusCancelled, snap.Tasks["long"].Status)
	assert.Equal(t, schema.TaskStatusCancelled, snap.Tasks["next"].Status)
}

// Output contracts: declared keys and a JSON Schema are enforced on the
// producing task's outputs.
func TestEndToEnd_OutputContract(t *testing.T) {
	e := newEngine(t, 2)

	wf := workflow.NewWorkflow()
	addTask(t, wf, schema.TaskSpec{
		ID:         "emit",
		OutputKeys: []string{"count"},
		OutputSchema: []byte(`{
			"type": "object",
			"properties": {"count": {"type": "integer", "minimum": 1}},
			"required": ["count"]
		}`),
		Handler: write(map[string]any{"count": 5}),
	})

	snap, err := e.Execute(context.Background(), wf, nil)
	require.NoError(t, err)
	require.Equal(t, schema.WorkflowStatusSucceeded, snap.Status)
	assert.Equal(t, 5, snap.Outputs["count"])
}

// Live event stream across a full run, observed through the public
// subscription surface.
func TestEndToEnd_EventStream(t *testing.T) {
	e := newEngine(t, 2)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ch, unsub, err := e.Subscribe(ctx, workflow.EventFilter{
		EventTypes: []string{schema.EventWorkflowStarted, schema.EventWorkflowSucceeded},
	})
	require.NoError(t, err)
	defer unsub()

	wf := workflow.NewWorkflow()
	addTask(t, wf, schema.TaskSpec{ID: "a", Handler: write(nil)})

	id, err := e.Submit(context.Background(), wf, nil)
	require.NoError(t, err)

	var got []string
	for len(got) < 2 {
		select {
		case ev := <-ch:
			if ev.ExecutionID == id {
				got = append(got, ev.Type)
			}
		case <-ctx.Done():
			t.Fatalf("timed out, received %v", got)
		}
	}
	assert.Equal(t, []string{schema.EventWorkflowStarted, schema.EventWorkflowSucceeded}, got)

	// The recorded history carries the full lifecycle.
	evts, err := e.Events(id, 0)
	require.NoError(t, err)
	var types []string
	for _, ev := range evts {
		types = append(types, ev.Type)
	}
	assert.Contains(t, types, schema.EventTaskStarted)
	assert.Contains(t, types, schema.EventTaskSucceeded)
}

// Registration-time rejection: nothing runs when the declaration set has a
// cycle, and the error names the offending tasks.
func TestEndToEnd_RegistrationRejection(t *testing.T) {
	e := newEngine(t, 2)

	var ran atomic.Bool
	handler := func(_ context.Context, _ schema.ContextReader, _ map[string]any) (map[string]any, error) {
		ran.Store(true)
		return nil, nil
	}

	wf := workflow.NewWorkflow()
	addTask(t, wf, schema.TaskSpec{ID: "a", DependsOn: []string{"b"}, Handler: handler})
	addTask(t, wf, schema.TaskSpec{ID: "b", DependsOn: []string{"a"}, Handler: handler})

	_, err := e.Submit(context.Background(), wf, nil)
	require.Error(t, err)

	engErr, ok := err.(*schema.EngineError)
	require.True(t, ok)
	assert.Equal(t, schema.ErrCodeCycleDetected, engErr.Code)
	assert.True(t, engErr.IsRegistration())
	assert.False(t, ran.Load())
}
