// Package expressions provides the expression engines backing conditional
// gates and input queries. Three implementations: CEL (default gate
// language), Expr (alternative gate language) and GoJQ (input queries).
package expressions

import "context"

// Engine evaluates expressions against workflow execution data.
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}

// Scope keys available to gate expressions and input queries.
const (
	ScopeContext = "context"
	ScopeInputs  = "inputs"
	ScopeTask    = "task"
)
