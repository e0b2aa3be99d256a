package service

import (
	"context"
	"errors"
	"time"

	"creditgate/internal/config"
	"creditgate/internal/repository"

	backoff "github.com/cenkalti/backoff/v4"
)

// readPolicy 只读查询的重试策略
//
// 【关键点】只包裹只读查询。扣款、入账等写操作永远不经过这里，
// 重试写操作只能由调用方带着幂等键从头发起。
type readPolicy struct {
	build func() backoff.BackOff
}

func newReadPolicy(cfg config.ReadRetryConfig) readPolicy {
	return readPolicy{build: func() backoff.BackOff {
		b := backoff.NewExponentialBackOff()
		if cfg.InitialInterval > 0 {
			b.InitialInterval = cfg.InitialInterval
		}
		b.MaxElapsedTime = 0
		return backoff.WithMaxRetries(b, cfg.MaxRetries)
	}}
}

// noRetry 测试中使用
func noRetry() readPolicy {
	return readPolicy{build: func() backoff.BackOff {
		return backoff.WithMaxRetries(backoff.NewConstantBackOff(time.Millisecond), 0)
	}}
}

func retryRead[T any](ctx context.Context, p readPolicy, fn func() (T, error)) (T, error) {
	op := func() (T, error) {
		v, err := fn()
		if err != nil && !retryable(err) {
			return v, backoff.Permanent(err)
		}
		return v, err
	}
	return backoff.RetryWithData(op, backoff.WithContext(p.build(), ctx))
}

func retryable(err error) bool {
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return false
	case errors.Is(err, repository.ErrAccountNotFound),
		errors.Is(err, repository.ErrReferralCodeNotFound),
		errors.Is(err, repository.ErrTrialNotFound):
		return false
	default:
		return true
	}
}
