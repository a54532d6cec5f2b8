package validation

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/felipepimentel/pepperpy-ai-sub001/pkg/schema"
)

// OutputValidator checks task outputs against per-task JSON Schemas
// (Draft 2020-12). It is safe for concurrent use.
type OutputValidator struct {
	mu    sync.RWMutex
	cache map[string]*jsonschema.Schema
}

// NewOutputValidator creates an OutputValidator with an empty schema cache.
func NewOutputValidator() *OutputValidator {
	return &OutputValidator{
		cache: make(map[string]*jsonschema.Schema),
	}
}

// CompileSchema compiles and caches a schema. Called at registration so that
// a malformed schema fails the build, never a running workflow.
func (v *OutputValidator) CompileSchema(schemaBytes []byte) error {
	if len(schemaBytes) == 0 {
		return nil
	}
	_, err := v.getOrCompile(schemaBytes)
	return err
}

// ValidateOutputs validates a task's outputs against its declared schema.
// A nil/empty schema validates everything.
func (v *OutputValidator) ValidateOutputs(outputs map[string]any, outputSchema []byte) error {
	if len(outputSchema) == 0 {
		return nil
	}

	compiled, err := v.getOrCompile(outputSchema)
	if err != nil {
		return err
	}

	if outputs == nil {
		outputs = map[string]any{}
	}
	doc, err := toJSONValue(outputs)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to serialize outputs").WithCause(err)
	}

	if err := compiled.Validate(doc); err != nil {
		return toEngineError(err)
	}
	return nil
}

// getOrCompile returns a cached compiled schema or compiles and caches a new one.
func (v *OutputValidator) getOrCompile(schemaBytes []byte) (*jsonschema.Schema, error) {
	key := string(schemaBytes)

	v.mu.RLock()
	if cached, ok := v.cache[key]; ok {
		v.mu.RUnlock()
		return cached, nil
	}
	v.mu.RUnlock()

	v.mu.Lock()
	defer v.mu.Unlock()

	// Double-check after acquiring write lock.
	if cached, ok := v.cache[key]; ok {
		return cached, nil
	}

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(key))
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "unmarshal output schema").WithCause(err)
	}

	// Each schema gets a unique URL to avoid collisions in the compiler.
	url := fmt.Sprintf("engine://output-schema/%d", len(v.cache))

	c := jsonschema.NewCompiler()
	c.AssertFormat()
	if err := c.AddResource(url, doc); err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "add output schema resource").WithCause(err)
	}

	compiled, err := c.Compile(url)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "compile output schema").WithCause(err)
	}

	v.cache[key] = compiled
	return compiled, nil
}

// toJSONValue round-trips a Go value through JSON encoding/decoding so that
// numeric values become json.Number (required by the jsonschema library).
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}

// toEngineError converts a jsonschema.ValidationError into an EngineError
// carrying each violation.
func toEngineError(err error) *schema.EngineError {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return schema.NewError(schema.ErrCodeValidation, err.Error())
	}

	violations := collectViolations(verr)
	if len(violations) == 0 {
		return schema.NewError(schema.ErrCodeValidation, verr.Error())
	}

	return schema.NewErrorf(schema.ErrCodeValidation,
		"output schema violation: %s", strings.Join(violations, "; ")).
		WithDetails(map[string]any{"violations": violations})
}

// collectViolations flattens the leaf causes of a validation error.
func collectViolations(verr *jsonschema.ValidationError) []string {
	if len(verr.Causes) == 0 {
		loc := "/"
		if len(verr.InstanceLocation) > 0 {
			loc = "/" + strings.Join(verr.InstanceLocation, "/")
		}
		return []string{fmt.Sprintf("%s: %s", loc, verr.Error())}
	}
	var out []string
	for _, cause := range verr.Causes {
		out = append(out, collectViolations(cause)...)
	}
	return out
}
