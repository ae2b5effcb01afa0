package backoff

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExponential(t *testing.T) {
	e := NewExponential(10*time.Millisecond, 50*time.Millisecond)
	assert.Equal(t, 10*time.Millisecond, e.Delay(1))
	assert.Equal(t, 20*time.Millisecond, e.Delay(2))
	assert.Equal(t, 40*time.Millisecond, e.Delay(3))
	assert.Equal(t, 50*time.Millisecond, e.Delay(4))
}

func TestExponentialWithJitterBounded(t *testing.T) {
	e := NewExponentialWithJitter(10*time.Millisecond, 30*time.Millisecond)
	for attempt := 1; attempt < 10; attempt++ {
		d := e.Delay(attempt)
		assert.GreaterOrEqual(t, d, time.Duration(0))
		assert.LessOrEqual(t, d, 30*time.Millisecond)
	}
}

func TestRetry(t *testing.T) {
	boom := errors.New("boom")

	t.Run("succeeds after failures", func(t *testing.T) {
		calls := 0
		var seen []int
		err := Retry(context.Background(), NewConstant(time.Millisecond), 0, func(context.Context) error {
			calls++
			if calls < 3 {
				return boom
			}
			return nil
		}, func(attempt int, _ error) { seen = append(seen, attempt) })
		require.NoError(t, err)
		assert.Equal(t, 3, calls)
		assert.Equal(t, []int{1, 2}, seen)
	})

	t.Run("stops at max attempts", func(t *testing.T) {
		calls := 0
		err := Retry(context.Background(), NewConstant(time.Millisecond), 2, func(context.Context) error {
			calls++
			return boom
		}, nil)
		assert.ErrorIs(t, err, boom)
		assert.Equal(t, 2, calls)
	})

	t.Run("permanent error", func(t *testing.T) {
		calls := 0
		err := Retry(context.Background(), NewConstant(time.Millisecond), 0, func(context.Context) error {
			calls++
			return &Permanent{Err: boom}
		}, nil)
		assert.ErrorIs(t, err, boom)
		assert.Equal(t, 1, calls)
	})

	t.Run("context cancelled", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		err := Retry(ctx, NewConstant(time.Hour), 0, func(context.Context) error { return boom }, nil)
		assert.ErrorIs(t, err, context.Canceled)
	})
}
