package points

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLockTable_TimeoutIsTransient(t *testing.T) {
	// GIVEN: A key already held
	locks := NewLockTable(20 * time.Millisecond)
	release, err := locks.Acquire(context.Background(), "wallet:w1")
	require.NoError(t, err)
	defer release()

	// WHEN: Another caller waits for it
	_, err = locks.Acquire(context.Background(), "wallet:w1")

	// THEN: It gives up after the timeout with a retryable error
	require.Error(t, err)
	var lte *LockTimeoutError
	require.ErrorAs(t, err, &lte)
	assert.Equal(t, "wallet:w1", lte.Key)
	assert.True(t, IsRetryable(err))
}

func TestLockTable_CallerCancellationWins(t *testing.T) {
	locks := NewLockTable(time.Second)
	release, err := locks.Acquire(context.Background(), "benefit:b1")
	require.NoError(t, err)
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = locks.Acquire(ctx, "benefit:b1")

	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, IsRetryable(err))
}

func TestLockTable_UnrelatedKeysDoNotContend(t *testing.T) {
	locks := NewLockTable(10 * time.Millisecond)
	r1, err := locks.Acquire(context.Background(), "wallet:a")
	require.NoError(t, err)
	r2, err := locks.Acquire(context.Background(), "wallet:b")
	require.NoError(t, err)

	assert.Equal(t, 2, locks.Len())
	r1()
	r2()
	r2() // second release is a no-op
	assert.Zero(t, locks.Len())
}

func TestRetry_StopsOnNonRetryable(t *testing.T) {
	calls := 0
	err := retry(context.Background(), 3, time.Millisecond, func() error {
		calls++
		return &ValidationError{Field: "amount", Reason: "must be positive"}
	})

	assert.ErrorIs(t, err, ErrValidation)
	assert.Equal(t, 1, calls)
}

func TestRetry_BoundedAttempts(t *testing.T) {
	calls := 0
	err := retry(context.Background(), 2, time.Millisecond, func() error {
		calls++
		return &TransientError{Op: "append", Err: errors.New("busy")}
	})

	assert.ErrorIs(t, err, ErrTransient)
	assert.Equal(t, 3, calls)
}
