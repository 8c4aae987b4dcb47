// Package validation guards the engine's data boundaries with JSON Schema
// (draft 2020-12). Every boundary is fail-closed: a value that cannot be
// validated never crosses.
package validation

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/calvera-dev/stepflow/pkg/schema"
)

// Validator compiles raw JSON Schemas once and caches them by content.
// Safe for concurrent use.
type Validator struct {
	mu    sync.RWMutex
	cache map[string]*jsonschema.Schema
}

// New creates an empty Validator.
func New() *Validator {
	return &Validator{cache: make(map[string]*jsonschema.Schema)}
}

// Validate checks value against the raw schema. The boundary name ("input",
// "step fetch output", "resume payload", ...) prefixes the error message so a
// caller can tell which gate rejected the data. A nil or empty schema means
// the boundary is unguarded and always passes.
func (v *Validator) Validate(boundary string, schemaRaw []byte, value any) error {
	if len(schemaRaw) == 0 {
		return nil
	}

	compiled, err := v.getOrCompile(schemaRaw)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "%s: invalid schema", boundary).WithCause(err)
	}

	doc, err := toJSONValue(value)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "%s: value is not JSON-serializable", boundary).WithCause(err)
	}

	if err := compiled.Validate(doc); err != nil {
		return toFlowError(boundary, err)
	}
	return nil
}

// getOrCompile returns a cached compiled schema or compiles and caches a new one.
func (v *Validator) getOrCompile(schemaRaw []byte) (*jsonschema.Schema, error) {
	key := string(schemaRaw)

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
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}

	// Each schema gets its own compiler and URL so resources never collide.
	url := fmt.Sprintf("stepflow://schema/%d", len(v.cache))
	c := jsonschema.NewCompiler()
	c.AssertFormat()
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}

	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}

	v.cache[key] = compiled
	return compiled, nil
}

// toJSONValue round-trips a Go value through JSON so numbers become
// json.Number, which the jsonschema library requires.
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}

// toFlowError converts a jsonschema.ValidationError into a FlowError carrying
// every leaf violation with its instance path.
func toFlowError(boundary string, err error) *schema.FlowError {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return schema.NewErrorf(schema.ErrCodeValidation, "%s: %s", boundary, err.Error())
	}

	violations := collectViolations(verr)
	if len(violations) == 0 {
		return schema.NewErrorf(schema.ErrCodeValidation, "%s: %s", boundary, verr.Error())
	}

	msg := violations[0]
	if len(violations) > 1 {
		msg = fmt.Sprintf("validation failed with %d errors", len(violations))
	}
	return schema.NewErrorf(schema.ErrCodeValidation, "%s: %s", boundary, msg).
		WithDetails(map[string]any{"boundary": boundary, "violations": violations})
}

// collectViolations walks the error tree and gathers leaf messages with their
// instance locations.
func collectViolations(verr *jsonschema.ValidationError) []string {
	if len(verr.Causes) == 0 {
		loc := "/"
		if len(verr.InstanceLocation) > 0 {
			loc = "/" + strings.Join(verr.InstanceLocation, "/")
		}
		return []string{fmt.Sprintf("%s: %s", loc, verr.Error())}
	}

	var violations []string
	for _, cause := range verr.Causes {
		violations = append(violations, collectViolations(cause)...)
	}
	return violations
}
