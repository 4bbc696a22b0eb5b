package quota

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// redisQuotaPrefix 月份键前缀，月份嵌入键名即天然实现月度滚动。
const redisQuotaPrefix = "gateway:quota:"

// redisIncrScript 原子判额加一。计数已满返回 -1，否则返回新计数。
// 键带过期时间兜底回收过往月份。
var redisIncrScript = redis.NewScript(`
local current = tonumber(redis.call('GET', KEYS[1]) or '0')
if current >= tonumber(ARGV[1]) then
  return -1
end
local new = redis.call('INCR', KEYS[1])
if new == 1 then
  redis.call('EXPIRE', KEYS[1], tonumber(ARGV[2]))
end
return new
`)

// redisKeyTTL 月份键的兜底过期时间，覆盖整月加一段余量。
const redisKeyTTL = 40 * 24 * time.Hour

// RedisCounter 基于 Redis 的配额计数器。
type RedisCounter struct {
	client *redis.Client
}

// NewRedisCounter 构造 Redis 配额计数器。
func NewRedisCounter(client *redis.Client) *RedisCounter {
	return &RedisCounter{client: client}
}

// Increment 原子判额加一。
func (c *RedisCounter) Increment(ctx context.Context, month string, max int) (int, error) {
	result, err := redisIncrScript.Run(ctx, c.client,
		[]string{redisQuotaPrefix + month},
		max, int(redisKeyTTL.Seconds())).Int()
	if err != nil {
		return 0, fmt.Errorf("quota: redis increment: %w", err)
	}
	if result < 0 {
		return 0, ErrExceeded
	}
	return result, nil
}

// Current 返回当前月份的计数。
func (c *RedisCounter) Current(ctx context.Context, month string) (int, error) {
	used, err := c.client.Get(ctx, redisQuotaPrefix+month).Int()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("quota: redis read: %w", err)
	}
	return used, nil
}
