// Package ratelimit 固定窗口限流：计数器按档位（tier）组织，默认进程内存储，
// 个别档位可以配置为 Redis 共享计数。
package ratelimit

import (
	"sync"
	"time"
)

// HitResult 一次计数的结果
type HitResult struct {
	Tier      string
	Limited   bool
	Remaining int
	Limit     int
	ResetAt   time.Time
}

// RetryAfter 距离窗口重置还需等待的时间
func (r HitResult) RetryAfter(now time.Time) time.Duration {
	if !r.Limited || !r.ResetAt.After(now) {
		return 0
	}
	return r.ResetAt.Sub(now)
}

// Counter 按 key 在固定窗口内计数
type Counter interface {
	Hit(key string, now time.Time) HitResult
	// Sweep 清理窗口已结束的条目，返回清理数量
	Sweep(now time.Time) int
}

type windowEntry struct {
	mu      sync.Mutex
	count   int
	resetAt time.Time
	// 已被清理任务摘除，持有旧指针的请求需要重新加载
	dead bool
}

// WindowCounter 进程内固定窗口计数器，每个 key 一把锁
type WindowCounter struct {
	max     int
	window  time.Duration
	entries sync.Map // string -> *windowEntry
}

func NewWindowCounter(maxRequests int, window time.Duration) *WindowCounter {
	return &WindowCounter{max: maxRequests, window: window}
}

// Hit 计数加一
//
// 【关键点】自增和读取新值在同一把 key 锁内完成，并发请求不会丢失计数；
// 丢一次计数就等于放过一次滥用。
func (c *WindowCounter) Hit(key string, now time.Time) HitResult {
	for {
		v, ok := c.entries.Load(key)
		if !ok {
			v, _ = c.entries.LoadOrStore(key, &windowEntry{})
		}
		e := v.(*windowEntry)

		e.mu.Lock()
		if e.dead {
			e.mu.Unlock()
			continue
		}
		if e.resetAt.IsZero() || now.After(e.resetAt) {
			e.count = 0
			e.resetAt = now.Add(c.window)
		}
		e.count++
		count, resetAt := e.count, e.resetAt
		e.mu.Unlock()

		remaining := c.max - count
		if remaining < 0 {
			remaining = 0
		}
		return HitResult{
			Limited:   count > c.max,
			Remaining: remaining,
			Limit:     c.max,
			ResetAt:   resetAt,
		}
	}
}

func (c *WindowCounter) Sweep(now time.Time) int {
	removed := 0
	c.entries.Range(func(k, v any) bool {
		e := v.(*windowEntry)
		e.mu.Lock()
		if !e.resetAt.IsZero() && now.After(e.resetAt) {
			e.dead = true
			c.entries.CompareAndDelete(k, e)
			removed++
		}
		e.mu.Unlock()
		return true
	})
	return removed
}

// Len 当前跟踪的 key 数量
func (c *WindowCounter) Len() int {
	n := 0
	c.entries.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}
