// Package execctx holds the shared accumulated key/value state of a single
// workflow run. The context is the only shared mutable state in the engine:
// all writes are serialized through Merge, tasks only ever receive frozen
// read-only views.
package execctx

import (
	"sync"

	"dario.cat/mergo"

	"github.com/felipepimentel/pepperpy-ai-sub001/pkg/schema"
)

// Context is the append-only execution context of one workflow run. It is
// created at workflow start, seeded with the initial inputs, and discarded
// (or returned as the final result) when the run reaches a terminal state.
type Context struct {
	mu    sync.RWMutex
	state map[string]any
}

// New creates a Context seeded with the workflow's initial inputs.
func New(initial map[string]any) *Context {
	state := make(map[string]any, len(initial))
	for k, v := range initial {
		state[k] = deepCopy(v)
	}
	return &Context{state: state}
}

// Merge folds a completed task's outputs into the context. Nested maps are
// deep-merged, everything else overwrites. The lock is held only for the map
// update, never for the task's execution.
func (c *Context) Merge(taskID string, outputs map[string]any) error {
	if len(outputs) == 0 {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	for k, v := range outputs {
		existing, ok := c.state[k]
		em, emOK := existing.(map[string]any)
		vm, vmOK := v.(map[string]any)
		if ok && emOK && vmOK {
			merged := deepCopyMap(em)
			if err := mergo.Merge(&merged, deepCopyMap(vm), mergo.WithOverride); err != nil {
				return schema.NewErrorf(schema.ErrCodeTaskFailed,
					"merge outputs of task %s under %q: %s", taskID, k, err.Error()).
					WithTask(taskID).WithCause(err)
			}
			c.state[k] = merged
			continue
		}
		c.state[k] = deepCopy(v)
	}
	return nil
}

// Get returns the value stored under key.
func (c *Context) Get(key string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.state[key]
	if !ok {
		return nil, false
	}
	return deepCopy(v), true
}

// Snapshot returns a deep copy of the full state.
func (c *Context) Snapshot() map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return deepCopyMap(c.state)
}

// Freeze captures the context as it stands and returns an immutable View.
// The scheduler freezes once per batch so that tasks in the same batch never
// observe each other's in-flight outputs.
func (c *Context) Freeze() *View {
	return &View{state: c.Snapshot()}
}

// View is a frozen, read-only snapshot of the context handed to task
// handlers, conditional gates and error handlers.
type View struct {
	state map[string]any
}

// NewView wraps an existing map in a read-only view. Used by tests and by
// the controller for the final snapshot.
func NewView(state map[string]any) *View {
	return &View{state: deepCopyMap(state)}
}

// Get returns the value stored under key at freeze time.
func (v *View) Get(key string) (any, bool) {
	val, ok := v.state[key]
	if !ok {
		return nil, false
	}
	return deepCopy(val), true
}

// Snapshot returns a deep copy of the frozen state.
func (v *View) Snapshot() map[string]any {
	return deepCopyMap(v.state)
}

var _ schema.ContextReader = (*View)(nil)

// deepCopy copies maps and slices recursively; scalars are returned as-is.
func deepCopy(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return deepCopyMap(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = deepCopy(item)
		}
		return out
	default:
		return v
	}
}

func deepCopyMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = deepCopy(v)
	}
	return out
}
