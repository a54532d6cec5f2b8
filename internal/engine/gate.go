package engine

import (
	"context"

	"github.com/felipepimentel/pepperpy-ai-sub001/internal/execctx"
	"github.com/felipepimentel/pepperpy-ai-sub001/internal/expressions"
	"github.com/felipepimentel/pepperpy-ai-sub001/pkg/schema"
)

// Gate evaluates per-task conditional predicates against the execution
// context as it stood at batch start. A false result means the task is
// skipped rather than executed.
type Gate struct {
	cel  *expressions.CELEngine
	expr *expressions.ExprEngine
}

// NewGate creates a Gate backed by the given expression engines.
func NewGate(cel *expressions.CELEngine, expr *expressions.ExprEngine) *Gate {
	return &Gate{cel: cel, expr: expr}
}

// ShouldRun evaluates the task's gate. Tasks with no condition always run.
// An evaluation error or a non-boolean result is reported to the caller and
// treated as a task failure, never as a silent skip.
func (g *Gate) ShouldRun(ctx context.Context, spec *schema.TaskSpec, view *execctx.View, inputs map[string]any) (bool, error) {
	if spec.ConditionFunc != nil {
		ok, err := spec.ConditionFunc(view)
		if err != nil {
			return false, schema.NewErrorf(schema.ErrCodeTaskFailed,
				"condition func failed: %s", err.Error()).WithTask(spec.ID).WithCause(err)
		}
		return ok, nil
	}

	if spec.Condition == "" {
		return true, nil
	}

	data := map[string]any{
		expressions.ScopeContext: view.Snapshot(),
		expressions.ScopeInputs:  inputs,
		expressions.ScopeTask:    map[string]any{"id": spec.ID},
	}

	var (
		out any
		err error
	)
	switch spec.ConditionLang {
	case "", schema.ConditionLangCEL:
		out, err = g.cel.Evaluate(ctx, spec.Condition, data)
	case schema.ConditionLangExpr:
		out, err = g.expr.Evaluate(ctx, spec.Condition, data)
	default:
		return false, schema.NewErrorf(schema.ErrCodeValidation,
			"unknown condition language %q", spec.ConditionLang).WithTask(spec.ID)
	}
	if err != nil {
		return false, schema.NewErrorf(schema.ErrCodeTaskFailed,
			"condition %q failed: %s", spec.Condition, err.Error()).WithTask(spec.ID).WithCause(err)
	}

	result, ok := out.(bool)
	if !ok {
		return false, schema.NewErrorf(schema.ErrCodeTaskFailed,
			"condition %q evaluated to non-boolean %T", spec.Condition, out).WithTask(spec.ID)
	}
	return result, nil
}
