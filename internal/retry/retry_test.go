package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errConflict = errors.New("conflict")

func TestLinearBackOff(t *testing.T) {
	b := &LinearBackOff{Base: time.Second}

	assert.Equal(t, time.Second, b.NextBackOff())
	assert.Equal(t, 2*time.Second, b.NextBackOff())
	assert.Equal(t, 3*time.Second, b.NextBackOff())

	b.Reset()
	assert.Equal(t, time.Second, b.NextBackOff())
}

func TestDoStopsAfterMaxAttempts(t *testing.T) {
	calls := 0
	var waits []time.Duration

	err := Do(context.Background(), Policy{MaxAttempts: 3, Base: time.Millisecond}, func(ctx context.Context, attempt int) error {
		calls++
		assert.Equal(t, calls, attempt)
		return errConflict
	}, func(attempt int, err error, wait time.Duration) {
		waits = append(waits, wait)
	})

	require.ErrorIs(t, err, errConflict)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []time.Duration{time.Millisecond, 2 * time.Millisecond}, waits)
}

func TestDoReturnsOnSuccess(t *testing.T) {
	calls := 0
	err := Do(context.Background(), Policy{MaxAttempts: 3, Base: time.Millisecond}, func(ctx context.Context, attempt int) error {
		calls++
		if attempt < 2 {
			return errConflict
		}
		return nil
	}, nil)

	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestDoDoesNotRetryPermanentErrors(t *testing.T) {
	denied := errors.New("denied")
	calls := 0

	err := Do(context.Background(), Policy{MaxAttempts: 3, Base: time.Millisecond}, func(ctx context.Context, attempt int) error {
		calls++
		return Permanent(denied)
	}, nil)

	assert.Equal(t, denied, err)
	assert.Equal(t, 1, calls)
}

func TestDoHonoursCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0

	err := Do(ctx, Policy{MaxAttempts: 5, Base: time.Hour}, func(ctx context.Context, attempt int) error {
		calls++
		cancel()
		return errConflict
	}, nil)

	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}
