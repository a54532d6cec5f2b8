// Package validation performs registration-time checks on task declarations
// and runtime validation of task outputs. Every error it returns is fatal at
// build time: no partial workflow is ever started.
package validation

import (
	"github.com/felipepimentel/pepperpy-ai-sub001/pkg/schema"
)

// ExpressionCompiler is satisfied by the expression engines; used to reject
// malformed gate conditions and input queries before execution.
type ExpressionCompiler interface {
	Compile(expression string) error
}

// Compilers bundles the expression compilers used during registration.
type Compilers struct {
	CEL  ExpressionCompiler
	Expr ExpressionCompiler
	JQ   ExpressionCompiler
}

// ValidateSpecs performs semantic analysis on task declarations beyond graph
// structure: handler presence, gate configuration, expression and schema
// compilation, timeout sanity. Graph-level checks (unknown deps, cycles,
// batch output collisions) belong to the DAG builder.
func ValidateSpecs(specs []schema.TaskSpec, compilers Compilers, outputs *OutputValidator) error {
	for i := range specs {
		if err := validateSpec(&specs[i], compilers, outputs); err != nil {
			return err
		}
	}
	return nil
}

func validateSpec(spec *schema.TaskSpec, compilers Compilers, outputs *OutputValidator) error {
	if spec.Handler == nil {
		return schema.NewErrorf(schema.ErrCodeValidation,
			"task %s has no handler", spec.ID).WithTask(spec.ID)
	}

	if spec.Timeout < 0 {
		return schema.NewErrorf(schema.ErrCodeValidation,
			"task %s has negative timeout", spec.ID).WithTask(spec.ID)
	}

	if spec.Condition != "" && spec.ConditionFunc != nil {
		return schema.NewErrorf(schema.ErrCodeValidation,
			"task %s sets both Condition and ConditionFunc", spec.ID).WithTask(spec.ID)
	}

	if spec.Condition != "" {
		var compiler ExpressionCompiler
		switch spec.ConditionLang {
		case "", schema.ConditionLangCEL:
			compiler = compilers.CEL
		case schema.ConditionLangExpr:
			compiler = compilers.Expr
		default:
			return schema.NewErrorf(schema.ErrCodeValidation,
				"task %s has unknown condition language %q", spec.ID, spec.ConditionLang).WithTask(spec.ID)
		}
		if err := compiler.Compile(spec.Condition); err != nil {
			return schema.NewErrorf(schema.ErrCodeValidation,
				"task %s condition: %s", spec.ID, err.Error()).WithTask(spec.ID).WithCause(err)
		}
	}

	if spec.InputQuery != "" {
		if err := compilers.JQ.Compile(spec.InputQuery); err != nil {
			return schema.NewErrorf(schema.ErrCodeValidation,
				"task %s input query: %s", spec.ID, err.Error()).WithTask(spec.ID).WithCause(err)
		}
	}

	if len(spec.OutputSchema) > 0 {
		if err := outputs.CompileSchema(spec.OutputSchema); err != nil {
			return schema.NewErrorf(schema.ErrCodeValidation,
				"task %s output schema: %s", spec.ID, err.Error()).WithTask(spec.ID).WithCause(err)
		}
	}

	// A task must not declare the same output key twice.
	seen := make(map[string]bool, len(spec.OutputKeys))
	for _, key := range spec.OutputKeys {
		if key == "" {
			return schema.NewErrorf(schema.ErrCodeValidation,
				"task %s declares an empty output key", spec.ID).WithTask(spec.ID)
		}
		if seen[key] {
			return schema.NewErrorf(schema.ErrCodeValidation,
				"task %s declares duplicate output key %q", spec.ID, key).WithTask(spec.ID)
		}
		seen[key] = true
	}

	return nil
}
