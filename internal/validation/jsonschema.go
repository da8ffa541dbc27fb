package validation

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/rendis/opchain/pkg/schema"
	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"
)

const chainSchemaURL = "https://opchain.dev/schemas/chain.json"

// chainSchemaJSON is the JSON Schema for ChainDefinition documents.
// Runtime fields are accepted so that persisted chains validate too.
const chainSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://opchain.dev/schemas/chain.json",
  "type": "object",
  "required": ["name", "steps"],
  "properties": {
    "id": { "type": "string" },
    "name": { "type": "string", "minLength": 1 },
    "description": { "type": "string" },
    "steps": {
      "type": "array",
      "minItems": 1,
      "items": { "$ref": "#/$defs/step" }
    },
    "variables": { "type": "object" },
    "status": { "enum": ["pending", "running", "completed", "failed", "cancelled"] },
    "createdAt": { "type": "string" },
    "startedAt": { "type": "string" },
    "completedAt": { "type": "string" }
  },
  "additionalProperties": false,
  "$defs": {
    "step": {
      "type": "object",
      "required": ["tool"],
      "properties": {
        "id": { "type": "string", "minLength": 1 },
        "tool": { "type": "string", "minLength": 1 },
        "params": { "type": "object" },
        "options": { "$ref": "#/$defs/options" },
        "status": { "enum": ["pending", "running", "completed", "failed", "skipped"] },
        "result": { "type": "object" },
        "error": { "type": "string" },
        "attempts": { "type": "integer", "minimum": 0 },
        "startTime": { "type": "string" },
        "endTime": { "type": "string" },
        "duration": { "type": "integer", "minimum": 0 }
      },
      "additionalProperties": false
    },
    "options": {
      "type": "object",
      "properties": {
        "continueOnError": { "type": "boolean" },
        "timeoutMs": { "type": "integer", "minimum": 0 },
        "maxRetries": { "type": "integer", "minimum": 0 },
        "condition": { "type": "string" },
        "storeAs": { "type": "string", "pattern": "^[A-Za-z_][A-Za-z0-9_.-]*$" }
      },
      "additionalProperties": false
    }
  }
}`

// JSONSchemaValidator validates chain documents and arbitrary JSON values
// against JSON Schema Draft 2020-12. It is safe for concurrent use.
type JSONSchemaValidator struct {
	chainSchema *jsonschema.Schema

	mu    sync.RWMutex
	cache map[string]*jsonschema.Schema
}

// NewJSONSchemaValidator creates a JSONSchemaValidator with the chain schema pre-compiled.
func NewJSONSchemaValidator() (*JSONSchemaValidator, error) {
	c := newCompiler()

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(chainSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal chain schema: %w", err)
	}
	if err := c.AddResource(chainSchemaURL, doc); err != nil {
		return nil, fmt.Errorf("add chain schema resource: %w", err)
	}
	compiled, err := c.Compile(chainSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile chain schema: %w", err)
	}

	return &JSONSchemaValidator{
		chainSchema: compiled,
		cache:       make(map[string]*jsonschema.Schema),
	}, nil
}

// ValidateChain checks the document shape of a chain definition.
func (v *JSONSchemaValidator) ValidateChain(def *schema.ChainDefinition) error {
	if def == nil {
		return schema.NewError(schema.ErrCodeValidation, "chain definition is nil")
	}
	doc, err := toJSONValue(def)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to serialize chain definition").WithCause(err)
	}
	if err := v.chainSchema.Validate(doc); err != nil {
		return toEngineError(err)
	}
	return nil
}

// ValidateInput validates input against a JSON Schema given as raw bytes.
// Compiled schemas are cached by their source text.
func (v *JSONSchemaValidator) ValidateInput(input map[string]any, inputSchema []byte) error {
	if input == nil {
		return schema.NewError(schema.ErrCodeValidation, "input is nil")
	}
	if len(inputSchema) == 0 {
		return nil
	}

	compiled, err := v.getOrCompile(inputSchema)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "invalid schema: "+err.Error()).WithCause(err)
	}

	doc, err := toJSONValue(input)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to serialize input").WithCause(err)
	}
	if err := compiled.Validate(doc); err != nil {
		return toEngineError(err)
	}
	return nil
}

func (v *JSONSchemaValidator) getOrCompile(schemaBytes []byte) (*jsonschema.Schema, error) {
	key := string(schemaBytes)

	v.mu.RLock()
	cached, ok := v.cache[key]
	v.mu.RUnlock()
	if ok {
		return cached, nil
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	if cached, ok := v.cache[key]; ok {
		return cached, nil
	}

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(key))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}

	// A fresh compiler per schema keeps resource URLs from colliding.
	url := fmt.Sprintf("opchain://schema/%d", len(v.cache))
	c := newCompiler()
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

func newCompiler() *jsonschema.Compiler {
	c := jsonschema.NewCompiler()
	c.AssertFormat()
	return c
}

// toJSONValue round-trips v through encoding/json so numbers become
// json.Number, which the jsonschema library requires.
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}

// toEngineError flattens a jsonschema.ValidationError tree into a
// VALIDATION_ERROR whose details list every leaf violation.
func toEngineError(err error) *schema.EngineError {
	var verr *jsonschema.ValidationError
	if !errors.As(err, &verr) {
		return schema.NewError(schema.ErrCodeValidation, err.Error())
	}

	violations := collectViolations(verr)
	switch len(violations) {
	case 0:
		return schema.NewError(schema.ErrCodeValidation, verr.Error())
	case 1:
		return schema.NewError(schema.ErrCodeValidation, violations[0]).
			WithDetails(map[string]any{"violations": violations})
	default:
		return schema.NewErrorf(schema.ErrCodeValidation, "validation failed with %d errors", len(violations)).
			WithDetails(map[string]any{"violations": violations})
	}
}

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
