package rate_limiter

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupTestRedis 需要 DQ_TEST_REDIS_ADDR 指向可用的 Redis，否则跳过
func setupTestRedis(t *testing.T) *redis.Client {
	addr := os.Getenv("DQ_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("未设置 DQ_TEST_REDIS_ADDR，跳过 Redis 测试")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, client.Ping(ctx).Err())
	t.Cleanup(func() { client.Close() })
	return client
}

func TestRecipientQuota_Key(t *testing.T) {
	q := NewRecipientQuota(nil, "dq:", 3, 0)
	assert.Equal(t, "dq:notify_quota:email:oncall@example.com", q.Key("email", " OnCall@Example.com "))
	assert.Equal(t, time.Hour, q.window)
}

func TestRecipientQuota_Unlimited(t *testing.T) {
	q := NewRecipientQuota(nil, "dq:", 0, time.Minute)
	ok, err := q.Allow(context.Background(), "webhook", "http://hook")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRecipientQuota_Redis(t *testing.T) {
	client := setupTestRedis(t)
	ctx := context.Background()
	q := NewRecipientQuota(client, "dq_test:", 2, time.Minute)
	require.NoError(t, q.Reset(ctx, "email", "a@example.com"))
	t.Cleanup(func() { _ = q.Reset(ctx, "email", "a@example.com") })

	for i := 0; i < 2; i++ {
		res, err := q.Check(ctx, "email", "a@example.com")
		require.NoError(t, err)
		assert.True(t, res.Allowed)
		assert.Equal(t, 1-i, res.Remaining)
	}

	res, err := q.Check(ctx, "email", "A@example.com")
	require.NoError(t, err)
	assert.False(t, res.Allowed, "同一接收方超出配额")
	assert.Greater(t, res.ResetAt, time.Now().Unix())

	ok, err := q.Allow(ctx, "email", "b@example.com")
	require.NoError(t, err)
	assert.True(t, ok, "不同接收方独立计数")
	_ = q.Reset(ctx, "email", "b@example.com")
}
