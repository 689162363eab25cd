/*
 * @module service/rate_limiter/recipient_quota
 * @description 基于Redis的通知配额，按(渠道,接收方)在固定窗口内限制投递次数，多实例共享计数
 * @architecture 工具层 - 提供分布式限流能力
 * @documentReference DESIGN.md
 * @stateFlow 构造Key -> Lua脚本原子计数 -> 判断是否超限
 * @rules 使用Redis INCR和EXPIRE实现固定窗口；超限时不增加计数
 * @dependencies github.com/go-redis/redis/v8
 * @refs service/notification/dispatcher.go, service/init.go
 */

package rate_limiter

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
)

// QuotaResult 配额检查结果
type QuotaResult struct {
	Allowed   bool  `json:"allowed"`
	Limit     int   `json:"limit"`
	Remaining int   `json:"remaining"`
	ResetAt   int64 `json:"reset_at"` // Unix时间戳
}

// RecipientQuota 接收方通知配额
type RecipientQuota struct {
	client *redis.Client
	prefix string
	limit  int
	window time.Duration
}

// NewRecipientQuota 创建配额，limit<=0 时不限制
func NewRecipientQuota(client *redis.Client, prefix string, limit int, window time.Duration) *RecipientQuota {
	if window <= 0 {
		window = time.Hour
	}
	return &RecipientQuota{client: client, prefix: prefix, limit: limit, window: window}
}

// 返回 {allowed, count, ttl}
const quotaScript = `
	local key = KEYS[1]
	local max_requests = tonumber(ARGV[1])
	local window = tonumber(ARGV[2])

	local current = tonumber(redis.call('GET', key) or '0')
	if current >= max_requests then
		local ttl = redis.call('TTL', key)
		if ttl < 0 then
			ttl = window
		end
		return {0, current, ttl}
	end

	local count = redis.call('INCR', key)
	if count == 1 then
		redis.call('EXPIRE', key, window)
	end
	local ttl = redis.call('TTL', key)
	if ttl < 0 then
		ttl = window
	end
	return {1, count, ttl}
`

// Key 配额计数Key，接收方不区分大小写
func (q *RecipientQuota) Key(channel, recipient string) string {
	return fmt.Sprintf("%snotify_quota:%s:%s", q.prefix, channel, strings.ToLower(strings.TrimSpace(recipient)))
}

// Check 占用一次配额并返回结果
func (q *RecipientQuota) Check(ctx context.Context, channel, recipient string) (*QuotaResult, error) {
	if q.limit <= 0 {
		return &QuotaResult{Allowed: true, Limit: -1, Remaining: -1}, nil
	}
	windowSeconds := int(q.window / time.Second)
	if windowSeconds < 1 {
		windowSeconds = 1
	}

	res, err := q.client.Eval(ctx, quotaScript, []string{q.Key(channel, recipient)}, q.limit, windowSeconds).Result()
	if err != nil {
		return nil, fmt.Errorf("通知配额检查失败: %w", err)
	}
	values, ok := res.([]interface{})
	if !ok || len(values) != 3 {
		return nil, fmt.Errorf("通知配额检查返回格式异常: %v", res)
	}
	allowed, _ := values[0].(int64)
	count, _ := values[1].(int64)
	ttl, _ := values[2].(int64)

	remaining := q.limit - int(count)
	if remaining < 0 {
		remaining = 0
	}
	return &QuotaResult{
		Allowed:   allowed == 1,
		Limit:     q.limit,
		Remaining: remaining,
		ResetAt:   time.Now().Add(time.Duration(ttl) * time.Second).Unix(),
	}, nil
}

// Allow 实现 notification.Quota
func (q *RecipientQuota) Allow(ctx context.Context, channel, recipient string) (bool, error) {
	res, err := q.Check(ctx, channel, recipient)
	if err != nil {
		return false, err
	}
	return res.Allowed, nil
}

// Reset 清空接收方计数
func (q *RecipientQuota) Reset(ctx context.Context, channel, recipient string) error {
	return q.client.Del(ctx, q.Key(channel, recipient)).Err()
}
