package engine

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/rendis/opchain/pkg/schema"
)

func TestIsRetryableError(t *testing.T) {
	assert.False(t, IsRetryableError(nil))
	assert.False(t, IsRetryableError(context.Canceled))
	assert.True(t, IsRetryableError(context.DeadlineExceeded))
	assert.True(t, IsRetryableError(errors.New("connection reset")))

	for _, code := range []string{
		schema.ErrCodeToolExecution, schema.ErrCodeTimeout, schema.ErrCodeStore,
		schema.ErrCodeValidation, schema.ErrCodeToolNotFound, schema.ErrCodeNotFound,
	} {
		assert.True(t, IsRetryableError(schema.NewError(code, "x")), code)
	}
	assert.False(t, IsRetryableError(schema.NewError(schema.ErrCodeCancelled, "x")))

	wrapped := fmt.Errorf("outer: %w", schema.NewError(schema.ErrCodeCancelled, "stopped"))
	assert.False(t, IsRetryableError(wrapped))
}

func TestLinearBackoff(t *testing.T) {
	assert.Equal(t, time.Duration(0), LinearBackoff(time.Second, 0))
	assert.Equal(t, time.Second, LinearBackoff(time.Second, 1))
	assert.Equal(t, 3*time.Second, LinearBackoff(time.Second, 3))
	assert.Equal(t, time.Duration(0), LinearBackoff(0, 3))
}

func TestExponentialBackoff(t *testing.T) {
	base := 100 * time.Millisecond
	assert.Equal(t, base, ExponentialBackoff(base, 0, 0))
	assert.Equal(t, 200*time.Millisecond, ExponentialBackoff(base, 0, 1))
	assert.Equal(t, 800*time.Millisecond, ExponentialBackoff(base, 0, 3))
	assert.Equal(t, 500*time.Millisecond, ExponentialBackoff(base, 500*time.Millisecond, 3))
	assert.Equal(t, 500*time.Millisecond, ExponentialBackoff(base, 500*time.Millisecond, 60))
	assert.Equal(t, time.Duration(0), ExponentialBackoff(0, time.Second, 2))
}

func TestWaitForBackoff(t *testing.T) {
	assert.NoError(t, WaitForBackoff(context.Background(), 0))
	assert.NoError(t, WaitForBackoff(context.Background(), time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	start := time.Now()
	assert.ErrorIs(t, WaitForBackoff(ctx, time.Minute), context.Canceled)
	assert.Less(t, time.Since(start), time.Second)
}
