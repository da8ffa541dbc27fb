package schema

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidationResult_EmptyIsValid(t *testing.T) {
	r := &ValidationResult{}
	assert.True(t, r.Valid())
	assert.Nil(t, r.ToError())
}

func TestValidationResult_AddError(t *testing.T) {
	r := &ValidationResult{}
	r.AddError("steps[0].tool", ErrCodeToolNotFound, "tool not registered")

	assert.False(t, r.Valid())
	require.Len(t, r.Errors, 1)
	assert.Equal(t, "steps[0].tool", r.Errors[0].Path)
	assert.Equal(t, ErrCodeToolNotFound, r.Errors[0].Code)
	assert.Equal(t, SeverityError, r.Errors[0].Severity)
}

func TestValidationResult_WarningsDoNotInvalidate(t *testing.T) {
	r := &ValidationResult{}
	r.AddWarning("steps[1].options.condition", ErrCodeValidation, "condition does not compile")

	assert.True(t, r.Valid())
	require.Len(t, r.Warnings, 1)
	assert.Equal(t, SeverityWarning, r.Warnings[0].Severity)
}

func TestValidationResult_Merge(t *testing.T) {
	r1 := &ValidationResult{}
	r1.AddError("/", ErrCodeValidation, "err1")
	r1.AddWarning("/", ErrCodeValidation, "warn1")

	r2 := &ValidationResult{}
	r2.AddError("steps[0]", ErrCodeValidation, "err2")
	r2.AddWarning("steps[1]", ErrCodeValidation, "warn2")

	r1.Merge(r2)
	r1.Merge(nil)

	assert.Len(t, r1.Errors, 2)
	assert.Len(t, r1.Warnings, 2)
}

func TestValidationResult_ToError(t *testing.T) {
	single := &ValidationResult{}
	single.AddError("steps[0].tool", ErrCodeValidation, "tool is required")

	err := single.ToError()
	require.Error(t, err)
	var engErr *EngineError
	require.True(t, errors.As(err, &engErr))
	assert.Equal(t, ErrCodeValidation, engErr.Code)
	assert.Equal(t, "steps[0].tool: tool is required", engErr.Message)
	assert.Equal(t, 1, engErr.Details["error_count"])

	multi := &ValidationResult{}
	multi.AddError("/", ErrCodeValidation, "err1")
	multi.AddError("/", ErrCodeValidation, "err2")
	multi.AddWarning("/", ErrCodeValidation, "warn1")

	require.True(t, errors.As(multi.ToError(), &engErr))
	assert.Contains(t, engErr.Message, "2 errors")
	assert.Equal(t, 1, engErr.Details["warning_count"])
}
