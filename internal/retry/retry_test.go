package retry_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kompose-ai/kompose/internal/retry"
)

func TestDo(t *testing.T) {
	t.Run("first attempt succeeds", func(t *testing.T) {
		calls := 0
		err := retry.Do(context.Background(), retry.Config{Attempts: 3, Interval: time.Millisecond},
			func(context.Context) error {
				calls++
				return nil
			})
		require.NoError(t, err)
		assert.Equal(t, 1, calls)
	})

	t.Run("recovers within budget", func(t *testing.T) {
		calls := 0
		err := retry.Do(context.Background(), retry.Config{Attempts: 3, Interval: time.Millisecond},
			func(context.Context) error {
				calls++
				if calls < 3 {
					return errors.New("transient")
				}
				return nil
			})
		require.NoError(t, err)
		assert.Equal(t, 3, calls)
	})

	t.Run("budget exhausted returns last error", func(t *testing.T) {
		sentinel := errors.New("flush failed")
		calls := 0
		err := retry.Do(context.Background(), retry.Config{Attempts: 2, Interval: time.Millisecond},
			func(context.Context) error {
				calls++
				return sentinel
			})
		assert.ErrorIs(t, err, sentinel)
		assert.Equal(t, 2, calls)
	})

	t.Run("cancellation stops the loop", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		calls := 0
		err := retry.Do(ctx, retry.Config{Attempts: 10, Interval: time.Hour},
			func(context.Context) error {
				calls++
				cancel()
				return errors.New("transient")
			})
		assert.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, 1, calls)
	})

	t.Run("zero attempts runs once", func(t *testing.T) {
		calls := 0
		err := retry.Do(context.Background(), retry.Config{}, func(context.Context) error {
			calls++
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, 1, calls)
	})
}
