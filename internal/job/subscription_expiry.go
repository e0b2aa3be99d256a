package job

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"creditgate/internal/model"
)

// SubscriptionExpirer 由账本服务实现
type SubscriptionExpirer interface {
	ExpireSubscription(ctx context.Context, userID int64) (revoked int64, expired bool, err error)
}

type lapsedFinder interface {
	GetLapsedSubscriptions(ctx context.Context, now time.Time, limit int) ([]*model.CreditAccount, error)
}

// SubscriptionExpiryJob 定时把已过期的订阅改为 expired 并撤销订阅池剩余额度
type SubscriptionExpiryJob struct {
	accounts  lapsedFinder
	ledger    SubscriptionExpirer
	stopCh    chan struct{}
	stopOnce  sync.Once
	interval  time.Duration
	batchSize int
	now       func() time.Time
	logger    *slog.Logger
}

func NewSubscriptionExpiryJob(accounts lapsedFinder, ledger SubscriptionExpirer, interval time.Duration, logger *slog.Logger) *SubscriptionExpiryJob {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = time.Minute
	}
	return &SubscriptionExpiryJob{
		accounts:  accounts,
		ledger:    ledger,
		stopCh:    make(chan struct{}),
		interval:  interval,
		batchSize: 100,
		now:       time.Now,
		logger:    logger.With("component", "subscription_expiry"),
	}
}

func (j *SubscriptionExpiryJob) Start(ctx context.Context) {
	j.logger.Info("订阅到期任务启动", "interval", j.interval)

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			j.logger.Info("收到停止信号，任务退出")
			return
		case <-j.stopCh:
			j.logger.Info("任务停止")
			return
		case <-ticker.C:
			j.ExpireLapsed(ctx)
		}
	}
}

func (j *SubscriptionExpiryJob) Stop() {
	j.stopOnce.Do(func() { close(j.stopCh) })
}

// ExpireLapsed 处理一批已到期的订阅，返回处理成功的账户数
func (j *SubscriptionExpiryJob) ExpireLapsed(ctx context.Context) int {
	accounts, err := j.accounts.GetLapsedSubscriptions(ctx, j.now().UTC(), j.batchSize)
	if err != nil {
		j.logger.Error("查询到期订阅失败", "err", err)
		return 0
	}
	if len(accounts) == 0 {
		return 0
	}

	j.logger.Info("发现到期订阅", "count", len(accounts))
	expired := 0
	for _, account := range accounts {
		revoked, ok, err := j.ledger.ExpireSubscription(ctx, account.UserID)
		if err != nil {
			j.logger.Error("订阅到期处理失败", "user_id", account.UserID, "err", err)
			continue
		}
		if !ok {
			j.logger.Info("订阅已续期，跳过", "user_id", account.UserID)
			continue
		}
		expired++
		j.logger.Info("订阅已到期", "user_id", account.UserID, "revoked", revoked)
	}
	return expired
}
