package validation

import (
	"fmt"
	"strings"

	"github.com/rendis/opchain/internal/expressions"
	"github.com/rendis/opchain/pkg/schema"
)

// Issue codes reported by semantic checks.
const (
	CodeDuplicateStepID   = "DUPLICATE_STEP_ID"
	CodeConditionCompile  = "CONDITION_COMPILE"
	CodeUnknownReference  = "UNKNOWN_REFERENCE"
	CodeHighRetryCount    = "HIGH_RETRY_COUNT"
	CodeStoreAsShadowing  = "STORE_AS_SHADOWS_VARIABLE"
	maxRecommendedRetries = 10
)

// ToolLookup reports whether a tool name is registered.
type ToolLookup interface {
	Has(name string) bool
}

// ConditionChecker compiles a condition without evaluating it.
type ConditionChecker interface {
	Check(expression string) error
}

// ChainValidator runs the validation pipeline for chain definitions:
//  1. structural (JSON Schema)
//  2. semantic (unique step ids, registered tools)
//  3. advisory warnings (conditions that would fail open, placeholders
//     that cannot resolve, suspicious options)
//
// Warnings never make a chain invalid: a condition that does not compile
// still runs its step at execution time.
type ChainValidator struct {
	jsonSchema *JSONSchemaValidator
	tools      ToolLookup
	conditions ConditionChecker
}

// NewChainValidator creates a ChainValidator. tools and conditions may be
// nil to skip the corresponding checks.
func NewChainValidator(tools ToolLookup, conditions ConditionChecker) (*ChainValidator, error) {
	jsv, err := NewJSONSchemaValidator()
	if err != nil {
		return nil, err
	}
	return &ChainValidator{jsonSchema: jsv, tools: tools, conditions: conditions}, nil
}

// Schemas exposes the underlying JSON Schema validator.
func (cv *ChainValidator) Schemas() *JSONSchemaValidator {
	return cv.jsonSchema
}

// Validate runs the pipeline. Structural errors short-circuit the later stages.
func (cv *ChainValidator) Validate(def *schema.ChainDefinition) *schema.ValidationResult {
	result := &schema.ValidationResult{}
	if def == nil {
		result.AddError("/", schema.ErrCodeValidation, "chain definition is nil")
		return result
	}

	if err := cv.jsonSchema.ValidateChain(def); err != nil {
		addStructural(result, err)
		return result
	}

	cv.validateSteps(def, result)
	return result
}

// ValidateChain returns Validate's outcome as an error, or nil.
func (cv *ChainValidator) ValidateChain(def *schema.ChainDefinition) error {
	return cv.Validate(def).ToError()
}

func (cv *ChainValidator) validateSteps(def *schema.ChainDefinition, result *schema.ValidationResult) {
	// Names a placeholder may legitimately reference at step i.
	known := make(map[string]bool, len(def.Variables)+2*len(def.Steps))
	for k := range def.Variables {
		known[k] = true
	}

	seen := make(map[string]int, len(def.Steps))
	for i := range def.Steps {
		step := &def.Steps[i]
		path := fmt.Sprintf("steps[%d]", i)

		if step.ID != "" {
			if prev, dup := seen[step.ID]; dup {
				result.AddError(path+".id", CodeDuplicateStepID,
					fmt.Sprintf("step id %q already used by steps[%d]", step.ID, prev))
			} else {
				seen[step.ID] = i
			}
		}

		if cv.tools != nil && !cv.tools.Has(step.Tool) {
			result.AddError(path+".tool", schema.ErrCodeToolNotFound,
				fmt.Sprintf("tool %q not registered", step.Tool))
		}

		if cond := step.Options.Condition; cond != "" && cv.conditions != nil {
			if err := cv.conditions.Check(cond); err != nil {
				result.AddWarning(path+".options.condition", CodeConditionCompile,
					fmt.Sprintf("condition will fail open (step always runs): %s", err.Error()))
			}
		}

		for _, ref := range paramRefs(step.Params) {
			if !refKnown(ref, known) {
				result.AddWarning(path+".params", CodeUnknownReference,
					fmt.Sprintf("placeholder {{%s}} has no source before this step and will stay verbatim", ref))
			}
		}

		if step.Options.MaxRetries > maxRecommendedRetries {
			result.AddWarning(path+".options.maxRetries", CodeHighRetryCount,
				fmt.Sprintf("maxRetries %d exceeds %d; linear backoff makes this slow", step.Options.MaxRetries, maxRecommendedRetries))
		}

		if as := step.Options.StoreAs; as != "" {
			if _, isVar := def.Variables[as]; isVar {
				result.AddWarning(path+".options.storeAs", CodeStoreAsShadowing,
					fmt.Sprintf("storeAs %q overwrites a chain variable", as))
			}
			known[as] = true
		}
		known[step.Tool+"_result"] = true
	}
}

// refKnown accepts a reference when it or any dotted prefix is a known name.
func refKnown(ref string, known map[string]bool) bool {
	if known[ref] {
		return true
	}
	for i := len(ref) - 1; i > 0; i-- {
		if ref[i] == '.' && known[ref[:i]] {
			return true
		}
	}
	return false
}

// paramRefs collects placeholder identifiers from every string in params.
func paramRefs(v any) []string {
	var refs []string
	var walk func(any)
	walk = func(n any) {
		switch t := n.(type) {
		case string:
			refs = append(refs, expressions.Placeholders(t)...)
		case map[string]any:
			for _, e := range t {
				walk(e)
			}
		case []any:
			for _, e := range t {
				walk(e)
			}
		}
	}
	walk(v)
	return refs
}

func addStructural(result *schema.ValidationResult, err error) {
	engErr, ok := err.(*schema.EngineError)
	if !ok {
		result.AddError("/", schema.ErrCodeValidation, err.Error())
		return
	}
	if violations, ok := engErr.Details["violations"].([]string); ok {
		for _, v := range violations {
			path, msg, found := strings.Cut(v, ": ")
			if !found {
				path, msg = "/", v
			}
			result.AddError(path, schema.ErrCodeValidation, msg)
		}
		return
	}
	result.AddError("/", schema.ErrCodeValidation, engErr.Message)
}
