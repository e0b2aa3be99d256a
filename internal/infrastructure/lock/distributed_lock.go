package lock

import (
	"context"
	"errors"
	"time"

	"github.com/go-redis/redis/v8"
)

// ============================================================================
// Redis 分布式锁
// ============================================================================
//
// 加锁：SET key value NX PX timeout
// 释放：Lua 脚本比较 value 后再 DEL，避免删掉别人的锁
//
// 【注意】锁只用于把同一笔支付回调的并发重试收拢成串行，
// 入账的正确性仍然由账本事务和幂等键保证，锁过期或 Redis 不可用都不会导致重复入账。
//
// ============================================================================

var ErrLockFailed = errors.New("获取分布式锁失败")

var unlockScript = redis.NewScript(`
	if redis.call("GET", KEYS[1]) == ARGV[1] then
		return redis.call("DEL", KEYS[1])
	else
		return 0
	end
`)

// DistributedLock 分布式锁
type DistributedLock struct {
	client     redis.UniversalClient
	key        string
	value      string // 锁持有者标识
	expiration time.Duration
}

func NewDistributedLock(client redis.UniversalClient, key, value string, expiration time.Duration) *DistributedLock {
	return &DistributedLock{
		client:     client,
		key:        key,
		value:      value,
		expiration: expiration,
	}
}

// TryLock 尝试获取锁（非阻塞）
func (l *DistributedLock) TryLock(ctx context.Context) (bool, error) {
	return l.client.SetNX(ctx, l.key, l.value, l.expiration).Result()
}

// Lock 阻塞式获取锁（带重试）
func (l *DistributedLock) Lock(ctx context.Context, retryInterval time.Duration, maxRetries int) error {
	for i := 0; i < maxRetries; i++ {
		success, err := l.TryLock(ctx)
		if err != nil {
			return err
		}
		if success {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(retryInterval):
		}
	}
	return ErrLockFailed
}

// Unlock 释放锁，只删除自己持有的锁
func (l *DistributedLock) Unlock(ctx context.Context) error {
	return unlockScript.Run(ctx, l.client, []string{l.key}, l.value).Err()
}

// NewChargeLock 支付回调锁（按支付单号维度）
// value 使用回调请求标识，便于追踪是哪个请求持有锁
func NewChargeLock(client redis.UniversalClient, chargeID, owner string) *DistributedLock {
	return NewDistributedLock(client, "credit:lock:charge:"+chargeID, owner, 30*time.Second)
}
