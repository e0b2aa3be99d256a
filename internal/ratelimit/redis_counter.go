package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-redis/redis/v8"
)

// 同一个脚本内完成 INCR + 首次设置过期时间，保证多实例下计数原子
var hitScript = redis.NewScript(`
local count = redis.call("INCR", KEYS[1])
if count == 1 then
	redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
local ttl = redis.call("PTTL", KEYS[1])
if ttl < 0 then
	redis.call("PEXPIRE", KEYS[1], ARGV[1])
	ttl = tonumber(ARGV[1])
end
return {count, ttl}
`)

// RedisCounter Redis 共享的固定窗口计数器
//
// Redis 不可用或超时时放行（fail open），不重试。
type RedisCounter struct {
	client  redis.UniversalClient
	prefix  string
	max     int
	window  time.Duration
	timeout time.Duration
	logger  *slog.Logger
}

func NewRedisCounter(client redis.UniversalClient, prefix string, maxRequests int, window time.Duration, logger *slog.Logger) *RedisCounter {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisCounter{
		client:  client,
		prefix:  prefix,
		max:     maxRequests,
		window:  window,
		timeout: 50 * time.Millisecond,
		logger:  logger,
	}
}

func (c *RedisCounter) Hit(key string, now time.Time) HitResult {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	count, ttl, err := c.incr(ctx, c.prefix+key)
	if err != nil {
		c.logger.Warn("Redis 限流计数失败，放行", "key", key, "err", err)
		return HitResult{Remaining: c.max, Limit: c.max, ResetAt: now.Add(c.window)}
	}

	remaining := c.max - int(count)
	if remaining < 0 {
		remaining = 0
	}
	return HitResult{
		Limited:   int(count) > c.max,
		Remaining: remaining,
		Limit:     c.max,
		ResetAt:   now.Add(ttl),
	}
}

func (c *RedisCounter) incr(ctx context.Context, key string) (int64, time.Duration, error) {
	vals, err := hitScript.Run(ctx, c.client, []string{key}, c.window.Milliseconds()).Slice()
	if err != nil {
		return 0, 0, err
	}
	if len(vals) != 2 {
		return 0, 0, fmt.Errorf("unexpected script reply %v", vals)
	}
	count, ok1 := vals[0].(int64)
	ttl, ok2 := vals[1].(int64)
	if !ok1 || !ok2 {
		return 0, 0, fmt.Errorf("unexpected script reply %v", vals)
	}
	return count, time.Duration(ttl) * time.Millisecond, nil
}

// Sweep Redis 依赖 key 过期自动回收
func (c *RedisCounter) Sweep(time.Time) int {
	return 0
}
