package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"creditgate/internal/config"

	"github.com/go-redis/redis/v8"
)

var (
	ErrUnknownTier = errors.New("未知的限流档位")
	ErrInvalidTier = errors.New("限流档位配置不合法")
)

// Tier 限流档位
type Tier struct {
	Name        string
	MaxRequests int
	Window      time.Duration
	KeyPrefix   string
	Message     string
}

// TierKey 档位 + 计数身份，例如 ("command", "42:summary")
type TierKey struct {
	Tier     string
	Identity string
}

type tierState struct {
	tier    Tier
	counter Counter
}

// TieredLimiter 多档位限流器
//
// 在进程的组装入口创建一个实例并显式传给使用方，关闭时调用 Stop 停止清理任务。
type TieredLimiter struct {
	mu    sync.RWMutex
	tiers map[string]*tierState

	now           func() time.Time
	sweepInterval time.Duration
	stopCh        chan struct{}
	stopOnce      sync.Once
	logger        *slog.Logger
}

type Option func(*TieredLimiter)

// WithClock 替换时间源（测试用）
func WithClock(now func() time.Time) Option {
	return func(l *TieredLimiter) { l.now = now }
}

func WithSweepInterval(d time.Duration) Option {
	return func(l *TieredLimiter) { l.sweepInterval = d }
}

func WithLogger(logger *slog.Logger) Option {
	return func(l *TieredLimiter) { l.logger = logger }
}

func NewTieredLimiter(opts ...Option) *TieredLimiter {
	l := &TieredLimiter{
		tiers:         make(map[string]*tierState),
		now:           time.Now,
		sweepInterval: time.Minute,
		stopCh:        make(chan struct{}),
		logger:        slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.logger = l.logger.With("component", "ratelimit")
	return l
}

// NewFromConfig 按配置注册全部档位，backend 为 redis 的档位需要传入 client
func NewFromConfig(cfg config.RateLimitConfig, client redis.UniversalClient, opts ...Option) (*TieredLimiter, error) {
	if cfg.SweepInterval > 0 {
		opts = append([]Option{WithSweepInterval(cfg.SweepInterval)}, opts...)
	}
	l := NewTieredLimiter(opts...)

	names := make([]string, 0, len(cfg.Tiers))
	for name := range cfg.Tiers {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		tc := cfg.Tiers[name]
		tier := Tier{
			Name:        name,
			MaxRequests: tc.MaxRequests,
			Window:      tc.Window,
			KeyPrefix:   tc.KeyPrefix,
			Message:     tc.Message,
		}
		var counter Counter
		switch tc.Backend {
		case "", "memory":
			counter = NewWindowCounter(tc.MaxRequests, tc.Window)
		case "redis":
			if client == nil {
				return nil, fmt.Errorf("%w: tier %q uses redis but no client is configured", ErrInvalidTier, name)
			}
			counter = NewRedisCounter(client, "ratelimit:"+name+":", tc.MaxRequests, tc.Window, l.logger)
		default:
			return nil, fmt.Errorf("%w: tier %q has unknown backend %q", ErrInvalidTier, name, tc.Backend)
		}
		if err := l.Register(tier, counter); err != nil {
			return nil, err
		}
	}
	return l, nil
}

// Register 注册档位，counter 为 nil 时使用进程内计数器
func (l *TieredLimiter) Register(tier Tier, counter Counter) error {
	if tier.Name == "" || tier.MaxRequests <= 0 || tier.Window <= 0 {
		return fmt.Errorf("%w: %+v", ErrInvalidTier, tier)
	}
	if tier.KeyPrefix == "" {
		tier.KeyPrefix = tier.Name
	}
	if counter == nil {
		counter = NewWindowCounter(tier.MaxRequests, tier.Window)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, exists := l.tiers[tier.Name]; exists {
		return fmt.Errorf("%w: tier %q registered twice", ErrInvalidTier, tier.Name)
	}
	l.tiers[tier.Name] = &tierState{tier: tier, counter: counter}
	return nil
}

func (l *TieredLimiter) Tier(name string) (Tier, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	st, ok := l.tiers[name]
	if !ok {
		return Tier{}, false
	}
	return st.tier, true
}

func (l *TieredLimiter) state(name string) (*tierState, error) {
	l.mu.RLock()
	st, ok := l.tiers[name]
	l.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTier, name)
	}
	return st, nil
}

// Hit 对 (tier, identity) 计数一次
func (l *TieredLimiter) Hit(tier, identity string) (HitResult, error) {
	st, err := l.state(tier)
	if err != nil {
		return HitResult{}, err
	}
	return l.hit(st, identity, l.now()), nil
}

func (l *TieredLimiter) hit(st *tierState, identity string, now time.Time) HitResult {
	res := st.counter.Hit(st.tier.KeyPrefix+":"+identity, now)
	res.Tier = st.tier.Name
	return res
}

// CheckMultiple 同一身份在多个档位上各计数一次，返回最严格的结果
func (l *TieredLimiter) CheckMultiple(tiers []string, identity string) (HitResult, error) {
	keys := make([]TierKey, len(tiers))
	for i, name := range tiers {
		keys[i] = TierKey{Tier: name, Identity: identity}
	}
	return l.CheckKeys(keys)
}

// CheckKeys 每个档位使用各自的身份计数，返回最严格的结果
//
// 先校验全部档位名再计数，未知档位不会造成部分计数。
func (l *TieredLimiter) CheckKeys(keys []TierKey) (HitResult, error) {
	states := make([]*tierState, len(keys))
	for i, k := range keys {
		st, err := l.state(k.Tier)
		if err != nil {
			return HitResult{}, err
		}
		states[i] = st
	}

	now := l.now()
	results := make([]HitResult, len(keys))
	for i, k := range keys {
		results[i] = l.hit(states[i], k.Identity, now)
	}
	return MostRestrictive(results...), nil
}

// MostRestrictive 被限流的结果优先；同为限流或同为未限流时取剩余次数更少的
func MostRestrictive(results ...HitResult) HitResult {
	if len(results) == 0 {
		return HitResult{}
	}
	best := results[0]
	for _, r := range results[1:] {
		if r.Limited != best.Limited {
			if r.Limited {
				best = r
			}
			continue
		}
		if r.Remaining < best.Remaining {
			best = r
		}
	}
	return best
}

// Sweep 清理所有档位中已过期的条目
func (l *TieredLimiter) Sweep() int {
	l.mu.RLock()
	states := make([]*tierState, 0, len(l.tiers))
	for _, st := range l.tiers {
		states = append(states, st)
	}
	l.mu.RUnlock()

	now := l.now()
	removed := 0
	for _, st := range states {
		removed += st.counter.Sweep(now)
	}
	return removed
}

// Start 周期性清理过期条目，直到 ctx 取消或调用 Stop
func (l *TieredLimiter) Start(ctx context.Context) {
	l.logger.Info("限流清理任务启动", "interval", l.sweepInterval)

	ticker := time.NewTicker(l.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			l.logger.Info("收到停止信号，清理任务退出")
			return
		case <-l.stopCh:
			l.logger.Info("清理任务停止")
			return
		case <-ticker.C:
			if n := l.Sweep(); n > 0 {
				l.logger.Debug("清理过期限流条目", "removed", n)
			}
		}
	}
}

func (l *TieredLimiter) Stop() {
	l.stopOnce.Do(func() { close(l.stopCh) })
}
