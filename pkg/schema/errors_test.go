package schema

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEngineError_Format(t *testing.T) {
	err := NewError(ErrCodeTimeout, "step exceeded 50ms")
	assert.Equal(t, "[TIMEOUT_ERROR] step exceeded 50ms", err.Error())

	err = err.WithStep("fetch")
	assert.Equal(t, "[TIMEOUT_ERROR] step fetch: step exceeded 50ms", err.Error())
}

func TestEngineError_UnwrapAndCodeOf(t *testing.T) {
	root := errors.New("connection reset")
	err := NewErrorf(ErrCodeToolExecution, "tool %s failed", "http").WithCause(root)
	wrapped := fmt.Errorf("run chain: %w", err)

	assert.ErrorIs(t, wrapped, root)
	assert.Equal(t, ErrCodeToolExecution, CodeOf(wrapped))
	assert.True(t, HasCode(wrapped, ErrCodeToolExecution))
	assert.False(t, HasCode(nil, ErrCodeToolExecution))
	assert.Equal(t, "", CodeOf(root))
}

func TestEngineError_IsRetryable(t *testing.T) {
	cases := map[string]bool{
		ErrCodeValidation:        true,
		ErrCodeToolNotFound:      true,
		ErrCodeCancelled:         false,
		ErrCodeInvalidTransition: true,
		ErrCodeToolExecution:     true,
		ErrCodeTimeout:           true,
		ErrCodeStore:             true,
	}
	for code, want := range cases {
		assert.Equal(t, want, NewError(code, "x").IsRetryable(), code)
	}
}
