package throttle

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	dErrors "covenant/pkg/domain-errors"
)

func TestBucketAdmitsWithinBurst(t *testing.T) {
	b, err := NewBucket(60, 3)
	require.NoError(t, err)

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		assert.NoError(t, b.Allow(ctx))
	}
	err = b.Allow(ctx)
	assert.True(t, dErrors.HasCode(err, dErrors.CodeRateLimited))
}

func TestBucketRefills(t *testing.T) {
	now := time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	// 60 calls/minute refills one token per second.
	b, err := NewBucket(60, 1, WithBucketClock(clock))
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, b.Allow(ctx))
	assert.True(t, dErrors.HasCode(b.Allow(ctx), dErrors.CodeRateLimited))

	now = now.Add(time.Second)
	assert.NoError(t, b.Allow(ctx))
}

func TestBucketRefillCappedAtBurst(t *testing.T) {
	now := time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	b, err := NewBucket(60, 2, WithBucketClock(clock))
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, b.Allow(ctx))
	require.NoError(t, b.Allow(ctx))

	// A long idle stretch must not bank more than the burst capacity.
	now = now.Add(time.Hour)
	assert.NoError(t, b.Allow(ctx))
	assert.NoError(t, b.Allow(ctx))
	assert.True(t, dErrors.HasCode(b.Allow(ctx), dErrors.CodeRateLimited))
}

func TestBucketRejectsInvalidRate(t *testing.T) {
	_, err := NewBucket(0, 1)
	assert.Error(t, err)
}

func TestUnlimited(t *testing.T) {
	assert.NoError(t, Unlimited{}.Allow(context.Background()))
}
