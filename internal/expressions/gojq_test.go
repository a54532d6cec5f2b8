package expressions

import (
	"context"
	"reflect"
	"testing"
)

func TestGoJQEngine_SingleResult(t *testing.T) {
	e := NewGoJQEngine()
	data := map[string]any{
		ScopeContext: map[string]any{"user": map[string]any{"name": "ada"}},
	}

	got, err := e.Evaluate(context.Background(), `.context.user.name`, data)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "ada" {
		t.Errorf("expected ada, got %v", got)
	}
}

func TestGoJQEngine_ObjectConstruction(t *testing.T) {
	e := NewGoJQEngine()
	data := map[string]any{
		ScopeContext: map[string]any{"a": 1, "b": 2},
	}

	got, err := e.Evaluate(context.Background(), `{first: .context.a, second: .context.b}`, data)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	m, ok := got.(map[string]any)
	if !ok {
		t.Fatalf("expected object result, got %T", got)
	}
	if m["first"] != 1 || m["second"] != 2 {
		t.Errorf("unexpected object: %v", m)
	}
}

func TestGoJQEngine_MultipleResultsCollected(t *testing.T) {
	e := NewGoJQEngine()
	data := map[string]any{
		ScopeContext: map[string]any{"items": []any{"a", "b"}},
	}

	got, err := e.Evaluate(context.Background(), `.context.items[]`, data)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []any{"a", "b"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("expected %v, got %v", want, got)
	}
}

func TestGoJQEngine_NoResultIsNil(t *testing.T) {
	e := NewGoJQEngine()

	got, err := e.Evaluate(context.Background(), `.context.missing // empty`, map[string]any{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != nil {
		t.Errorf("expected nil, got %v", got)
	}
}

func TestGoJQEngine_ParseError(t *testing.T) {
	e := NewGoJQEngine()
	assertValidationError(t, e.Compile(`.context |`))
}

func TestGoJQEngine_EnvAccessSandboxed(t *testing.T) {
	e := NewGoJQEngine()

	got, err := e.Evaluate(context.Background(), `env | length`, map[string]any{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != 0 {
		t.Errorf("expected empty environment, got %v", got)
	}
}

func TestGoJQEngine_RuntimeError(t *testing.T) {
	e := NewGoJQEngine()
	_, err := e.Evaluate(context.Background(), `.context | ltrimstr("x")`, map[string]any{
		ScopeContext: map[string]any{},
	})
	assertValidationError(t, err)
}
