package backoff

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConstantBackoffPolicyIsConstant(t *testing.T) {
	p := NewConstantBackoffPolicy(50 * time.Millisecond)
	for i := 0; i < 3; i++ {
		interval, err := p.ComputeNextInterval(i)
		require.NoError(t, err)
		assert.Equal(t, 50*time.Millisecond, interval)
	}
}

func TestConstantBackoffPolicyExhaustsRetries(t *testing.T) {
	p := NewConstantBackoffPolicy(time.Millisecond)
	p.MaxRetries = 2

	_, err := p.ComputeNextInterval(2)
	assert.ErrorIs(t, err, ErrRetriesExhausted)
}

func TestConstantBackoffPolicyUnlimitedByDefault(t *testing.T) {
	p := NewConstantBackoffPolicy(time.Millisecond)
	_, err := p.ComputeNextInterval(1000)
	assert.NoError(t, err)
}

func TestRetrierNextWaitsThenSucceeds(t *testing.T) {
	r := NewRetrier(NewConstantBackoffPolicy(5 * time.Millisecond))
	start := time.Now()
	err := r.Next(context.Background())
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 5*time.Millisecond)
}

func TestRetrierNextRespectsCancellation(t *testing.T) {
	r := NewRetrier(NewConstantBackoffPolicy(time.Hour))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := r.Next(ctx)
	assert.ErrorIs(t, err, ErrOperationCanceled)
}

func TestRetrierNextReturnsErrRetriesExhausted(t *testing.T) {
	policy := NewConstantBackoffPolicy(time.Millisecond)
	policy.MaxRetries = 1
	r := NewRetrier(policy)

	require.NoError(t, r.Next(context.Background()))
	err := r.Next(context.Background())
	assert.ErrorIs(t, err, ErrRetriesExhausted)
}

func TestRetrierResetClearsRetryCount(t *testing.T) {
	policy := NewConstantBackoffPolicy(time.Millisecond)
	policy.MaxRetries = 1
	r := NewRetrier(policy)

	require.NoError(t, r.Next(context.Background()))
	require.Error(t, r.Next(context.Background()))

	r.Reset()
	assert.NoError(t, r.Next(context.Background()))
}
