package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLimiter(t *testing.T) (*Limiter, *redis.Client) {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379", DB: 15})
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("redis not available: %v", err)
	}
	t.Cleanup(func() {
		iter := client.Scan(ctx, 0, "rl:test:*", 100).Iterator()
		for iter.Next(ctx) {
			client.Del(ctx, iter.Val())
		}
		client.Close()
	})
	return NewLimiter(client), client
}

func TestAllowUpToLimit(t *testing.T) {
	l, _ := newTestLimiter(t)
	ctx := context.Background()
	rule := Rule{Key: "rl:test:", Limit: 3, Window: time.Minute}
	id := "allow-" + time.Now().Format("150405.000000")

	for i := 0; i < 3; i++ {
		ok, err := l.Allow(ctx, id, rule)
		require.NoError(t, err)
		assert.True(t, ok, "request %d should be allowed", i+1)
	}
	ok, err := l.Allow(ctx, id, rule)
	require.NoError(t, err)
	assert.False(t, ok)

	remaining, err := l.Remaining(ctx, id, rule)
	require.NoError(t, err)
	assert.Zero(t, remaining)

	wait := l.RetryAfter(ctx, id, rule)
	assert.True(t, wait > 0 && wait <= time.Minute)
}

func TestRemainingUnknownKey(t *testing.T) {
	l, _ := newTestLimiter(t)
	rule := Rule{Key: "rl:test:", Limit: 5, Window: time.Minute}
	remaining, err := l.Remaining(context.Background(), "never-seen", rule)
	require.NoError(t, err)
	assert.Equal(t, 5, remaining)
}

func TestNilLimiterAllows(t *testing.T) {
	l := NewLimiter(nil)
	assert.Nil(t, l)

	ok, err := l.Allow(context.Background(), "x", RuleSend)
	assert.NoError(t, err)
	assert.True(t, ok)
	assert.Zero(t, l.RetryAfter(context.Background(), "x", RuleSend))
}
