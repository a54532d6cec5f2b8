package engine

import (
	"sort"
	"strings"

	"github.com/felipepimentel/pepperpy-ai-sub001/pkg/schema"
)

// DAG is the in-memory directed acyclic graph of a workflow. Built once from
// the task declarations, consumed by the controller to drive batch order.
type DAG struct {
	Specs   map[string]*schema.TaskSpec // task ID → declaration
	Edges   map[string][]string         // task ID → dependencies
	Reverse map[string][]string         // task ID → dependents
	Sorted  []string                    // topological order
	Batches [][]string                  // parallel execution batches

	order map[string]int // task ID → registration index, tie-break key
}

// Build validates the task declarations and produces the ordered batches.
// Validation order: duplicate IDs, unknown dependencies (all reported),
// cycle detection (Kahn's algorithm), then per-batch output key collisions.
func Build(specs []schema.TaskSpec) (*DAG, error) {
	if len(specs) == 0 {
		return nil, schema.NewError(schema.ErrCodeValidation, "workflow has no tasks")
	}

	dag := &DAG{
		Specs:   make(map[string]*schema.TaskSpec, len(specs)),
		Edges:   make(map[string][]string, len(specs)),
		Reverse: make(map[string][]string, len(specs)),
		order:   make(map[string]int, len(specs)),
	}

	// First pass: register all tasks and check for duplicates.
	for i := range specs {
		spec := &specs[i]
		if spec.ID == "" {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "task at index %d has empty ID", i)
		}
		if _, exists := dag.Specs[spec.ID]; exists {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "duplicate task ID: %s", spec.ID)
		}
		dag.Specs[spec.ID] = spec
		dag.order[spec.ID] = i
	}

	// Second pass: build adjacency lists, collecting every unknown dependency.
	var unknown []string
	for _, spec := range specs {
		id := spec.ID
		seen := make(map[string]bool, len(spec.DependsOn))
		deps := make([]string, 0, len(spec.DependsOn))
		for _, dep := range spec.DependsOn {
			if _, exists := dag.Specs[dep]; !exists {
				unknown = append(unknown, id+" -> "+dep)
				continue
			}
			if dep == id {
				return nil, schema.NewErrorf(schema.ErrCodeCycleDetected,
					"task %s depends on itself", id).WithTask(id)
			}
			if seen[dep] {
				return nil, schema.NewErrorf(schema.ErrCodeValidation,
					"task %s has duplicate dependency: %s", id, dep).WithTask(id)
			}
			seen[dep] = true
			deps = append(deps, dep)
			dag.Reverse[dep] = append(dag.Reverse[dep], id)
		}
		dag.Edges[id] = deps
	}
	if len(unknown) > 0 {
		return nil, schema.NewErrorf(schema.ErrCodeUnknownDependency,
			"unknown dependencies: %s", strings.Join(unknown, ", ")).
			WithDetails(map[string]any{"edges": unknown})
	}

	// Kahn's algorithm: topological sort + cycle detection.
	inDegree := make(map[string]int, len(dag.Specs))
	for id := range dag.Specs {
		inDegree[id] = len(dag.Edges[id])
	}

	queue := make([]string, 0)
	for id, deg := range inDegree {
		if deg == 0 {
			queue = append(queue, id)
		}
	}
	dag.sortByRegistration(queue)

	sorted := make([]string, 0, len(dag.Specs))
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		sorted = append(sorted, node)

		dependents := make([]string, len(dag.Reverse[node]))
		copy(dependents, dag.Reverse[node])
		dag.sortByRegistration(dependents)

		for _, dep := range dependents {
			inDegree[dep]--
			if inDegree[dep] == 0 {
				queue = append(queue, dep)
			}
		}
	}

	if len(sorted) != len(dag.Specs) {
		// Everything still holding a positive in-degree sits on a cycle or
		// downstream of one; name them all.
		var remaining []string
		for id, deg := range inDegree {
			if deg > 0 {
				remaining = append(remaining, id)
			}
		}
		sort.Strings(remaining)
		return nil, schema.NewErrorf(schema.ErrCodeCycleDetected,
			"workflow contains a cycle involving: %s", strings.Join(remaining, ", ")).
			WithDetails(map[string]any{"tasks": remaining})
	}

	dag.Sorted = sorted
	dag.Batches = computeBatches(dag)

	if err := checkOutputCollisions(dag); err != nil {
		return nil, err
	}

	return dag, nil
}

// computeBatches groups tasks by topological depth. Every task in a batch
// has all its dependencies satisfied by strictly earlier batches.
func computeBatches(dag *DAG) [][]string {
	depth := make(map[string]int, len(dag.Specs))
	for _, id := range dag.Sorted {
		maxDep := -1
		for _, dep := range dag.Edges[id] {
			if depth[dep] > maxDep {
				maxDep = depth[dep]
			}
		}
		depth[id] = maxDep + 1
	}

	maxLevel := 0
	for _, d := range depth {
		if d > maxLevel {
			maxLevel = d
		}
	}

	batches := make([][]string, maxLevel+1)
	for _, id := range dag.Sorted {
		d := depth[id]
		batches[d] = append(batches[d], id)
	}
	for _, batch := range batches {
		dag.sortByRegistration(batch)
	}
	return batches
}

// checkOutputCollisions rejects workflows where two tasks in the same batch
// declare overlapping output keys. Concurrent writers must have disjoint key
// sets; the engine does not arbitrate intra-batch collisions.
func checkOutputCollisions(dag *DAG) error {
	for _, batch := range dag.Batches {
		owner := make(map[string]string)
		for _, id := range batch {
			for _, key := range dag.Specs[id].OutputKeys {
				if prev, ok := owner[key]; ok {
					return schema.NewErrorf(schema.ErrCodeDuplicateOutput,
						"tasks %s and %s run concurrently and both declare output key %q",
						prev, id, key).
						WithDetails(map[string]any{"key": key, "tasks": []string{prev, id}})
				}
				owner[key] = id
			}
		}
	}
	return nil
}

// sortByRegistration orders task IDs by their registration index so batch
// membership is deterministic for tests. Execution order within a batch
// remains unspecified.
func (d *DAG) sortByRegistration(ids []string) {
	sort.Slice(ids, func(i, j int) bool {
		return d.order[ids[i]] < d.order[ids[j]]
	})
}
