package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"creditgate/internal/config"
	"creditgate/internal/metrics"
	"creditgate/internal/model"
	"creditgate/internal/repository"
	"creditgate/pkg/idgen"

	"gorm.io/gorm"
)

// LedgerService 额度账本：三个池的余额 + 只追加的流水
//
// 【关键点】所有写操作都是一个数据库事务：
// 1. SELECT ... FOR UPDATE 锁住账户行
// 2. 带 ">= 0" 条件的 UPDATE 修改余额
// 3. 追加一条流水
// 4. 同一事务写入 outbox 事件
// 任何一步失败整体回滚，不存在"扣了钱没记流水"的中间状态。
type LedgerService struct {
	db              *gorm.DB
	accountRepo     *repository.AccountRepository
	transactionRepo *repository.TransactionRepository
	outboxRepo      *repository.OutboxRepository
	cfg             config.LedgerConfig
	reads           readPolicy
	observer        metrics.Observer
	logger          *slog.Logger
	now             func() time.Time
}

func NewLedgerService(db *gorm.DB, cfg *config.Config, observer metrics.Observer, logger *slog.Logger) *LedgerService {
	if observer == nil {
		observer = metrics.Nop()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &LedgerService{
		db:              db,
		accountRepo:     repository.NewAccountRepository(db),
		transactionRepo: repository.NewTransactionRepository(db),
		outboxRepo:      repository.NewOutboxRepository(db, cfg.Kafka.Topic.LedgerEvents),
		cfg:             cfg.Ledger,
		reads:           newReadPolicy(cfg.Ledger.ReadRetry),
		observer:        observer,
		logger:          logger.With("component", "ledger"),
		now:             time.Now,
	}
}

type Balance struct {
	UserID                int64      `json:"user_id"`
	Free                  int64      `json:"free"`
	Paid                  int64      `json:"paid"`
	Subscription          int64      `json:"subscription"`
	Total                 int64      `json:"total"`
	SubscriptionTier      *string    `json:"subscription_tier,omitempty"`
	SubscriptionStatus    *string    `json:"subscription_status,omitempty"`
	SubscriptionExpiresAt *time.Time `json:"subscription_expires_at,omitempty"`
}

func balanceOf(a *model.CreditAccount) Balance {
	return Balance{
		UserID:                a.UserID,
		Free:                  a.FreeCredits,
		Paid:                  a.PaidCredits,
		Subscription:          a.SubscriptionCredits,
		Total:                 a.Total(),
		SubscriptionTier:      a.SubscriptionTier,
		SubscriptionStatus:    a.SubscriptionStatus,
		SubscriptionExpiresAt: a.SubscriptionExpiresAt,
	}
}

type DebitMeta struct {
	Description string
}

type DebitResult struct {
	OK            bool   `json:"ok"`
	Remaining     int64  `json:"remaining"`
	Reason        string `json:"reason,omitempty"`
	TransactionNo string `json:"transaction_no,omitempty"`
}

type CreditMeta struct {
	Type        model.TransactionType
	Description string
	// 购买必须带上支付单号，重放时直接返回 Duplicate
	IdempotencyKey string
}

type CreditResult struct {
	OK            bool   `json:"ok"`
	NewBalance    int64  `json:"new_balance"`
	Applied       int64  `json:"applied"`
	Duplicate     bool   `json:"duplicate"`
	TransactionNo string `json:"transaction_no,omitempty"`
}

// EnsureResult 账户是否本次新建，以及当前余额
type EnsureResult struct {
	Created bool
	Balance Balance
}

// LedgerEvent outbox 中的流水事件
type LedgerEvent struct {
	TransactionNo string                `json:"transaction_no"`
	UserID        int64                 `json:"user_id"`
	Type          model.TransactionType `json:"type"`
	Pool          string                `json:"pool"`
	Amount        int64                 `json:"amount"`
	BalanceAfter  int64                 `json:"balance_after"`
	At            time.Time             `json:"at"`
}

var errInsufficient = errors.New("insufficient credits")

func (s *LedgerService) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.cfg.Timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.cfg.Timeout)
}

func (s *LedgerService) observe(op string, start time.Time, err error) {
	s.observer.RecordLedgerOp(op, time.Since(start), err)
}

// planDebit 按 free -> paid -> subscription 的顺序计算每个池的扣减量
func planDebit(account *model.CreditAccount, amount int64) model.PoolDelta {
	var delta model.PoolDelta
	left := amount
	for _, pool := range model.DebitOrder {
		if left == 0 {
			break
		}
		take := account.PoolBalance(pool)
		if take > left {
			take = left
		}
		if take > 0 {
			delta.Add(pool, -take)
			left -= take
		}
	}
	return delta
}

// Debit 扣减额度，余额不足时不做任何修改，返回 OK=false
//
// 扣款不自动重试：失败直接返回给调用方，调用方不能在扣款成功之前交付付费内容。
func (s *LedgerService) Debit(ctx context.Context, userID, amount int64, meta DebitMeta) (res DebitResult, err error) {
	if userID <= 0 {
		return DebitResult{}, invalid("user_id", "must be positive")
	}
	if amount <= 0 {
		return DebitResult{}, invalid("amount", "must be positive")
	}
	start := time.Now()
	defer func() { s.observe("debit", start, err) }()

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		account, err := s.accountRepo.GetByUserIDForUpdate(ctx, tx, userID)
		if err != nil {
			return err
		}
		if account.Total() < amount {
			res = DebitResult{Remaining: account.Total()}
			return errInsufficient
		}

		delta := planDebit(account, amount)
		if err := s.accountRepo.ApplyDelta(ctx, tx, userID, delta); err != nil {
			if errors.Is(err, repository.ErrBalanceNotEnough) {
				res = DebitResult{Remaining: account.Total()}
				return errInsufficient
			}
			return err
		}

		description := meta.Description
		if description == "" {
			description = "usage"
		}
		trans, err := s.appendTransaction(ctx, tx, userID, model.TransactionTypeUsage, delta, account.Total()+delta.Sum(), description, "")
		if err != nil {
			return err
		}
		res = DebitResult{OK: true, Remaining: trans.BalanceAfter, TransactionNo: trans.TransactionNo}
		return nil
	})
	if errors.Is(err, errInsufficient) {
		res.OK = false
		res.Reason = ReasonInsufficientCredits
		return res, nil
	}
	if err != nil {
		return DebitResult{}, storeErr("debit", err)
	}
	return res, nil
}

// Credit 向指定池入账；amount 为负数时是撤销，最多撤销到该池为 0
func (s *LedgerService) Credit(ctx context.Context, userID, amount int64, pool model.Pool, meta CreditMeta) (res CreditResult, err error) {
	if err := validateCredit(userID, amount, pool, meta); err != nil {
		return CreditResult{}, err
	}
	start := time.Now()
	defer func() { s.observe("credit", start, err) }()

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		res, err = s.CreditTx(ctx, tx, userID, amount, pool, meta)
		return err
	})
	if err != nil && meta.IdempotencyKey != "" {
		// 并发重放时唯一索引冲突的一方回滚，这里按幂等键查到已提交的流水即视为重复
		if dup, ok := s.lookupDuplicate(ctx, meta.IdempotencyKey); ok {
			return dup, nil
		}
	}
	if err != nil {
		return CreditResult{}, storeErr("credit", err)
	}
	return res, nil
}

func validateCredit(userID, amount int64, pool model.Pool, meta CreditMeta) error {
	if userID <= 0 {
		return invalid("user_id", "must be positive")
	}
	if amount == 0 {
		return invalid("amount", "must not be zero")
	}
	if !pool.Valid() {
		return invalid("pool", pool.String())
	}
	if meta.Type == "" {
		return invalid("type", "required")
	}
	if meta.Type == model.TransactionTypePurchase && meta.IdempotencyKey == "" {
		return invalid("idempotency_key", "purchase requires the charge id")
	}
	if amount < 0 && meta.Type != model.TransactionTypeRevoke && meta.Type != model.TransactionTypeRefund {
		return invalid("amount", "negative amounts are only allowed for revoke or refund")
	}
	return nil
}

func (s *LedgerService) lookupDuplicate(ctx context.Context, key string) (CreditResult, bool) {
	trans, err := s.transactionRepo.GetByIdempotencyKey(context.WithoutCancel(ctx), nil, key)
	if err != nil || trans == nil {
		return CreditResult{}, false
	}
	return CreditResult{
		OK:            true,
		NewBalance:    trans.BalanceAfter,
		Duplicate:     true,
		TransactionNo: trans.TransactionNo,
	}, true
}

// CreditTx 在调用方的事务内入账，邀请奖励等需要和其他写操作一起提交的场景使用
func (s *LedgerService) CreditTx(ctx context.Context, tx *gorm.DB, userID, amount int64, pool model.Pool, meta CreditMeta) (CreditResult, error) {
	if err := validateCredit(userID, amount, pool, meta); err != nil {
		return CreditResult{}, err
	}

	// 先锁账户行再查幂等键，保证同一账户的重放排队后能看到前一次提交的流水
	account, err := s.accountRepo.GetByUserIDForUpdate(ctx, tx, userID)
	if err != nil {
		return CreditResult{}, err
	}
	if meta.IdempotencyKey != "" {
		existing, err := s.transactionRepo.GetByIdempotencyKey(ctx, tx, meta.IdempotencyKey)
		if err != nil {
			return CreditResult{}, err
		}
		if existing != nil {
			return CreditResult{
				OK:            true,
				NewBalance:    account.Total(),
				Duplicate:     true,
				TransactionNo: existing.TransactionNo,
			}, nil
		}
	}

	applied := amount
	if amount < 0 {
		if have := account.PoolBalance(pool); -amount > have {
			applied = -have
		}
	}
	if applied == 0 {
		return CreditResult{OK: true, NewBalance: account.Total()}, nil
	}

	var delta model.PoolDelta
	delta.Add(pool, applied)
	if err := s.accountRepo.ApplyDelta(ctx, tx, userID, delta); err != nil {
		return CreditResult{}, err
	}

	description := meta.Description
	if description == "" {
		description = string(meta.Type)
	}
	trans, err := s.appendTransaction(ctx, tx, userID, meta.Type, delta, account.Total()+applied, description, meta.IdempotencyKey)
	if err != nil {
		return CreditResult{}, err
	}
	return CreditResult{
		OK:            true,
		NewBalance:    trans.BalanceAfter,
		Applied:       applied,
		TransactionNo: trans.TransactionNo,
	}, nil
}

func (s *LedgerService) appendTransaction(ctx context.Context, tx *gorm.DB, userID int64, typ model.TransactionType,
	delta model.PoolDelta, balanceAfter int64, description, idempotencyKey string) (*model.CreditTransaction, error) {
	trans := &model.CreditTransaction{
		TransactionNo:     idgen.GenerateTransactionNo(),
		UserID:            userID,
		Type:              typ,
		Pool:              delta.PoolName(),
		Amount:            delta.Sum(),
		FreeDelta:         delta.Free,
		PaidDelta:         delta.Paid,
		SubscriptionDelta: delta.Subscription,
		BalanceAfter:      balanceAfter,
		Description:       description,
	}
	if idempotencyKey != "" {
		trans.IdempotencyKey = &idempotencyKey
	}
	if err := s.transactionRepo.Create(ctx, tx, trans); err != nil {
		return nil, fmt.Errorf("写入流水失败: %w", err)
	}

	event := LedgerEvent{
		TransactionNo: trans.TransactionNo,
		UserID:        userID,
		Type:          typ,
		Pool:          trans.Pool,
		Amount:        trans.Amount,
		BalanceAfter:  balanceAfter,
		At:            s.now().UTC(),
	}
	if err := s.outboxRepo.Enqueue(ctx, tx, model.EventTransactionAppended, strconv.FormatInt(userID, 10), event); err != nil {
		return nil, fmt.Errorf("写入 outbox 失败: %w", err)
	}
	return trans, nil
}

// EnsureAccount 账户不存在时创建并发放注册赠送额度，已存在时只返回余额
func (s *LedgerService) EnsureAccount(ctx context.Context, userID int64) (res EnsureResult, err error) {
	if userID <= 0 {
		return EnsureResult{}, invalid("user_id", "must be positive")
	}
	start := time.Now()
	defer func() { s.observe("ensure_account", start, err) }()

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		res, err = s.EnsureAccountTx(ctx, tx, userID)
		return err
	})
	if err != nil {
		return EnsureResult{}, storeErr("ensure_account", err)
	}
	if res.Created {
		s.logger.Info("新账户已创建", "user_id", userID, "signup_grant", s.cfg.SignupGrant)
	}
	return res, nil
}

// EnsureAccountTx 在调用方事务内保证账户存在
//
// 【关键点】INSERT ... ON CONFLICT DO NOTHING，并发注册只有一方 RowsAffected=1，
// 注册赠送的流水也只会由这一方写入。
func (s *LedgerService) EnsureAccountTx(ctx context.Context, tx *gorm.DB, userID int64) (EnsureResult, error) {
	account := &model.CreditAccount{UserID: userID, FreeCredits: s.cfg.SignupGrant}
	created, err := s.accountRepo.CreateIfAbsent(ctx, tx, account)
	if err != nil {
		return EnsureResult{}, fmt.Errorf("创建账户失败: %w", err)
	}
	if !created {
		existing, err := s.accountRepo.GetByUserID(ctx, tx, userID)
		if err != nil {
			return EnsureResult{}, err
		}
		return EnsureResult{Balance: balanceOf(existing)}, nil
	}

	if s.cfg.SignupGrant > 0 {
		delta := model.PoolDelta{Free: s.cfg.SignupGrant}
		_, err := s.appendTransaction(ctx, tx, userID, model.TransactionTypeSignup, delta, s.cfg.SignupGrant,
			"signup grant", "signup:"+strconv.FormatInt(userID, 10))
		if err != nil {
			return EnsureResult{}, err
		}
	}
	return EnsureResult{Created: true, Balance: Balance{UserID: userID, Free: s.cfg.SignupGrant, Total: s.cfg.SignupGrant}}, nil
}

func (s *LedgerService) Balance(ctx context.Context, userID int64) (b Balance, err error) {
	if userID <= 0 {
		return Balance{}, invalid("user_id", "must be positive")
	}
	start := time.Now()
	defer func() { s.observe("balance", start, err) }()

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	account, err := retryRead(ctx, s.reads, func() (*model.CreditAccount, error) {
		return s.accountRepo.GetByUserID(ctx, nil, userID)
	})
	if err != nil {
		return Balance{}, storeErr("balance", err)
	}
	return balanceOf(account), nil
}

type SubscriptionGrant struct {
	Tier      string
	Credits   int64
	ExpiresAt time.Time
	// 支付单号，订阅续费回调同样可能重放
	IdempotencyKey string
}

// ActivateSubscription 开通或续费订阅：更新档位和到期时间，并把本期额度记入订阅池
func (s *LedgerService) ActivateSubscription(ctx context.Context, userID int64, grant SubscriptionGrant) (res CreditResult, err error) {
	if userID <= 0 {
		return CreditResult{}, invalid("user_id", "must be positive")
	}
	if grant.Tier == "" {
		return CreditResult{}, invalid("tier", "required")
	}
	if grant.Credits < 0 {
		return CreditResult{}, invalid("credits", "must not be negative")
	}
	if !grant.ExpiresAt.After(s.now()) {
		return CreditResult{}, invalid("expires_at", "must be in the future")
	}
	start := time.Now()
	defer func() { s.observe("activate_subscription", start, err) }()

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := s.EnsureAccountTx(ctx, tx, userID); err != nil {
			return err
		}
		if grant.Credits > 0 {
			var err error
			res, err = s.CreditTx(ctx, tx, userID, grant.Credits, model.PoolSubscription, CreditMeta{
				Type:           model.TransactionTypeSubscription,
				Description:    "subscription " + grant.Tier,
				IdempotencyKey: grant.IdempotencyKey,
			})
			if err != nil {
				return err
			}
			if res.Duplicate {
				return nil
			}
		} else {
			account, err := s.accountRepo.GetByUserIDForUpdate(ctx, tx, userID)
			if err != nil {
				return err
			}
			res = CreditResult{OK: true, NewBalance: account.Total()}
		}
		tier := grant.Tier
		expiresAt := grant.ExpiresAt.UTC()
		return s.accountRepo.SetSubscription(ctx, tx, userID, &tier, model.SubscriptionActive, &expiresAt)
	})
	if err != nil && grant.IdempotencyKey != "" {
		if dup, ok := s.lookupDuplicate(ctx, grant.IdempotencyKey); ok {
			return dup, nil
		}
	}
	if err != nil {
		return CreditResult{}, storeErr("activate_subscription", err)
	}
	return res, nil
}

// ExpireSubscription 订阅到期：状态改为 expired，订阅池剩余额度全部撤销
// 状态不是 active 或者尚未到期时什么都不做，expired 返回 false，重复调用安全
//
// 【关键点】是否到期必须在行锁内重新判断。定时任务先查询再逐个处理，
// 两步之间可能有续费回调提交，只看查询结果会把刚续费的订阅连同新额度一起撤销。
func (s *LedgerService) ExpireSubscription(ctx context.Context, userID int64) (revoked int64, expired bool, err error) {
	if userID <= 0 {
		return 0, false, invalid("user_id", "must be positive")
	}
	start := time.Now()
	defer func() { s.observe("expire_subscription", start, err) }()

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		account, err := s.accountRepo.GetByUserIDForUpdate(ctx, tx, userID)
		if err != nil {
			return err
		}
		if account.SubscriptionStatus == nil || *account.SubscriptionStatus != model.SubscriptionActive {
			return nil
		}
		if account.SubscriptionExpiresAt == nil || !account.SubscriptionExpiresAt.Before(s.now()) {
			return nil
		}
		if err := s.accountRepo.SetSubscription(ctx, tx, userID, account.SubscriptionTier,
			model.SubscriptionExpired, account.SubscriptionExpiresAt); err != nil {
			return err
		}
		expired = true
		if account.SubscriptionCredits == 0 {
			return nil
		}
		res, err := s.CreditTx(ctx, tx, userID, -account.SubscriptionCredits, model.PoolSubscription, CreditMeta{
			Type:        model.TransactionTypeRevoke,
			Description: "subscription expired",
		})
		if err != nil {
			return err
		}
		revoked = -res.Applied
		return nil
	})
	if err != nil {
		return 0, false, storeErr("expire_subscription", err)
	}
	return revoked, expired, nil
}

type HistoryPage struct {
	List     []*model.CreditTransaction `json:"list"`
	Total    int64                      `json:"total"`
	Page     int                        `json:"page"`
	PageSize int                        `json:"page_size"`
}

func (s *LedgerService) History(ctx context.Context, userID int64, page, pageSize int) (*HistoryPage, error) {
	if userID <= 0 {
		return nil, invalid("user_id", "must be positive")
	}
	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 100 {
		pageSize = 20
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	out, err := retryRead(ctx, s.reads, func() (*HistoryPage, error) {
		list, total, err := s.transactionRepo.ListByUserID(ctx, userID, page, pageSize)
		if err != nil {
			return nil, err
		}
		return &HistoryPage{List: list, Total: total, Page: page, PageSize: pageSize}, nil
	})
	if err != nil {
		return nil, storeErr("history", err)
	}
	return out, nil
}

// ReconcileReport 流水累加结果与账户缓存余额的对比
type ReconcileReport struct {
	UserID           int64   `json:"user_id"`
	Cached           Balance `json:"cached"`
	Ledger           Balance `json:"ledger"`
	LastBalanceAfter int64   `json:"last_balance_after"`
	Transactions     int64   `json:"transactions"`
	Consistent       bool    `json:"consistent"`
}

// Reconcile 从流水重新累加三个池，与账户表核对
func (s *LedgerService) Reconcile(ctx context.Context, userID int64) (*ReconcileReport, error) {
	if userID <= 0 {
		return nil, invalid("user_id", "must be positive")
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	// 【关键点】账户行和流水汇总在同一个事务里读取，并锁住账户行，
	// 读取期间提交的扣款或入账不会让一个正确的账户被判为不一致
	type snapshot struct {
		account *model.CreditAccount
		sums    *repository.LedgerSums
	}
	snap, err := retryRead(ctx, s.reads, func() (snapshot, error) {
		var out snapshot
		err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			account, err := s.accountRepo.GetByUserIDForUpdate(ctx, tx, userID)
			if err != nil {
				return err
			}
			sums, err := s.transactionRepo.SumByUserID(ctx, tx, userID)
			if err != nil {
				return err
			}
			out = snapshot{account: account, sums: sums}
			return nil
		})
		return out, err
	})
	if err != nil {
		return nil, storeErr("reconcile", err)
	}
	account, sums := snap.account, snap.sums

	ledger := Balance{
		UserID:       userID,
		Free:         sums.Free,
		Paid:         sums.Paid,
		Subscription: sums.Subscription,
		Total:        sums.Free + sums.Paid + sums.Subscription,
	}
	cached := balanceOf(account)
	report := &ReconcileReport{
		UserID:           userID,
		Cached:           cached,
		Ledger:           ledger,
		LastBalanceAfter: sums.LastBalance,
		Transactions:     sums.Count,
	}
	report.Consistent = ledger.Free == cached.Free &&
		ledger.Paid == cached.Paid &&
		ledger.Subscription == cached.Subscription &&
		(sums.Count == 0 || sums.LastBalance == cached.Total)
	if !report.Consistent {
		s.logger.Error("对账不一致", "user_id", userID, "cached", cached, "ledger", ledger, "last_balance_after", sums.LastBalance)
	}
	return report, nil
}
