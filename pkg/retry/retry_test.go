package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestWithRetries_SuccessfulFirstAttempt(t *testing.T) {
	calls := 0
	err := WithRetries(context.Background(), func(context.Context) error {
		calls++
		return nil
	}, 3, time.Millisecond, Always)

	assert.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestWithRetries_SucceedsAfterFailures(t *testing.T) {
	calls := 0
	err := WithRetries(context.Background(), func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	}, 3, time.Millisecond, Always)

	assert.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestWithRetries_ExhaustRetries(t *testing.T) {
	calls := 0
	want := errors.New("still failing")
	err := WithRetries(context.Background(), func(context.Context) error {
		calls++
		return want
	}, 2, time.Millisecond, Always)

	assert.ErrorIs(t, err, want)
	assert.Equal(t, 3, calls)
}

func TestWithRetries_NonRetryable(t *testing.T) {
	calls := 0
	fatal := errors.New("fatal")
	err := WithRetries(context.Background(), func(context.Context) error {
		calls++
		return fatal
	}, 5, time.Millisecond, func(err error) bool { return !errors.Is(err, fatal) })

	assert.ErrorIs(t, err, fatal)
	assert.Equal(t, 1, calls)
}

func TestWithRetries_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	err := WithRetries(ctx, func(context.Context) error {
		calls++
		return nil
	}, 3, time.Millisecond, Always)

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, calls)
}
