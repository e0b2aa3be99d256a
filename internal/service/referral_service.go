package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"creditgate/internal/config"
	"creditgate/internal/model"
	"creditgate/internal/repository"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"gorm.io/gorm"
)

const codeLength = 10

type ReferralResult struct {
	OK            bool     `json:"ok"`
	ReferrerID    int64    `json:"referrer_id,omitempty"`
	ReferrerBonus int64    `json:"referrer_bonus"`
	ReferredBonus int64    `json:"referred_bonus"`
	Milestones    []string `json:"milestones,omitempty"`
	Reason        string   `json:"reason,omitempty"`
}

type referralEvent struct {
	ReferrerID int64     `json:"referrer_id"`
	ReferredID int64     `json:"referred_id"`
	Code       string    `json:"code"`
	Milestones []string  `json:"milestones,omitempty"`
	At         time.Time `json:"at"`
}

// ReferralService 邀请码、邀请关系与奖励发放
type ReferralService struct {
	db           *gorm.DB
	referralRepo *repository.ReferralRepository
	accountRepo  *repository.AccountRepository
	outboxRepo   *repository.OutboxRepository
	ledger       *LedgerService
	codes        *lru.Cache[string, int64]
	cfg          config.ReferralConfig
	milestones   []config.MilestoneConfig
	timeout      time.Duration
	reads        readPolicy
	logger       *slog.Logger
	now          func() time.Time
	newCode      func() string
}

func NewReferralService(db *gorm.DB, ledger *LedgerService, cfg *config.Config, logger *slog.Logger) (*ReferralService, error) {
	if logger == nil {
		logger = slog.Default()
	}
	size := cfg.Referral.CacheSize
	if size <= 0 {
		size = 1024
	}
	// 邀请码生成后不变，缓存不需要失效
	codes, err := lru.New[string, int64](size)
	if err != nil {
		return nil, fmt.Errorf("创建邀请码缓存失败: %w", err)
	}

	milestones := append([]config.MilestoneConfig(nil), cfg.Referral.Milestones...)
	sort.Slice(milestones, func(i, j int) bool { return milestones[i].Threshold < milestones[j].Threshold })

	return &ReferralService{
		db:           db,
		referralRepo: repository.NewReferralRepository(db),
		accountRepo:  repository.NewAccountRepository(db),
		outboxRepo:   repository.NewOutboxRepository(db, cfg.Kafka.Topic.LedgerEvents),
		ledger:       ledger,
		codes:        codes,
		cfg:          cfg.Referral,
		milestones:   milestones,
		timeout:      cfg.Ledger.Timeout,
		reads:        newReadPolicy(cfg.Ledger.ReadRetry),
		logger:       logger.With("component", "referral"),
		now:          time.Now,
		newCode:      randomCode,
	}, nil
}

func randomCode() string {
	raw := strings.ReplaceAll(uuid.NewString(), "-", "")
	return strings.ToUpper(raw[:codeLength])
}

func (s *ReferralService) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.timeout)
}

// GrantCode 返回账户的邀请码，第一次调用时生成，之后不变
func (s *ReferralService) GrantCode(ctx context.Context, userID int64) (string, error) {
	if userID <= 0 {
		return "", invalid("user_id", "must be positive")
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	existing, err := s.referralRepo.GetCodeByUserID(ctx, nil, userID)
	if err == nil {
		return existing.Code, nil
	}
	if !errors.Is(err, repository.ErrReferralCodeNotFound) {
		return "", storeErr("grant_code", err)
	}

	for attempt := 0; attempt < 3; attempt++ {
		code := &model.ReferralCode{UserID: userID, Code: s.newCode()}
		created, err := s.referralRepo.CreateCodeIfAbsent(ctx, code)
		if err != nil {
			return "", storeErr("grant_code", err)
		}
		if created {
			s.codes.Add(code.Code, userID)
			return code.Code, nil
		}
		// 并发生成时另一方已经写入，或者邀请码撞了，重新读一次
		existing, err := s.referralRepo.GetCodeByUserID(ctx, nil, userID)
		if err == nil {
			return existing.Code, nil
		}
		if !errors.Is(err, repository.ErrReferralCodeNotFound) {
			return "", storeErr("grant_code", err)
		}
	}
	return "", fmt.Errorf("%w: 邀请码生成冲突次数过多", ErrStoreUnavailable)
}

// Resolve 邀请码 -> 邀请人账户，不存在时返回 false
func (s *ReferralService) Resolve(ctx context.Context, code string) (int64, bool, error) {
	code = normalizeCode(code)
	if code == "" {
		return 0, false, nil
	}
	if userID, ok := s.codes.Get(code); ok {
		return userID, true, nil
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	rc, err := retryRead(ctx, s.reads, func() (*model.ReferralCode, error) {
		return s.referralRepo.GetCode(ctx, nil, code)
	})
	if errors.Is(err, repository.ErrReferralCodeNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, storeErr("resolve", err)
	}
	s.codes.Add(rc.Code, rc.UserID)
	return rc.UserID, true, nil
}

func normalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

var (
	errAlreadyReferred  = errors.New("already referred")
	errCircularReferral = errors.New("circular referral")
	errNotNewAccount    = errors.New("not a new account")
)

// ApplyReferral 新账户使用邀请码
//
// 【关键点】邀请关系、双方奖励、里程碑奖励在同一个事务里提交，
// 任何一步失败都整体回滚，不会出现"只给了一方奖励"的情况。
// referred_id 唯一索引保证同一个新账户只能被邀请一次。
// 已经邀请过对方的账户不能再被对方邀请，注册超过 new_account_window 的账户不算新账户。
func (s *ReferralService) ApplyReferral(ctx context.Context, code string, newUserID int64) (ReferralResult, error) {
	if newUserID <= 0 {
		return ReferralResult{}, invalid("user_id", "must be positive")
	}
	referrerID, ok, err := s.Resolve(ctx, code)
	if err != nil {
		return ReferralResult{}, err
	}
	if !ok {
		return ReferralResult{Reason: ReasonInvalidCode}, nil
	}
	if referrerID == newUserID {
		return ReferralResult{Reason: ReasonSelfReferral}, nil
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	now := s.now().UTC()
	result := ReferralResult{ReferrerID: referrerID}
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		reverse, err := s.referralRepo.LinkExists(ctx, tx, newUserID, referrerID)
		if err != nil {
			return err
		}
		if reverse {
			return errCircularReferral
		}
		if err := s.checkNewAccount(ctx, tx, newUserID, now); err != nil {
			return err
		}

		linked, err := s.referralRepo.CreateLinkIfAbsent(ctx, tx, &model.ReferralLink{
			ReferrerID:   referrerID,
			ReferredID:   newUserID,
			ReferralCode: normalizeCode(code),
			GrantedAt:    now,
		})
		if err != nil {
			return err
		}
		if !linked {
			return errAlreadyReferred
		}

		referred := strconv.FormatInt(newUserID, 10)
		if _, err := s.ledger.EnsureAccountTx(ctx, tx, referrerID); err != nil {
			return err
		}
		if _, err := s.ledger.EnsureAccountTx(ctx, tx, newUserID); err != nil {
			return err
		}
		if s.cfg.ReferrerBonus > 0 {
			res, err := s.ledger.CreditTx(ctx, tx, referrerID, s.cfg.ReferrerBonus, model.PoolFree, CreditMeta{
				Type:           model.TransactionTypeReferralBonus,
				Description:    "referral bonus for inviting " + referred,
				IdempotencyKey: "referral:" + referred + ":referrer",
			})
			if err != nil {
				return err
			}
			result.ReferrerBonus = res.Applied
		}
		if s.cfg.ReferredBonus > 0 {
			res, err := s.ledger.CreditTx(ctx, tx, newUserID, s.cfg.ReferredBonus, model.PoolFree, CreditMeta{
				Type:           model.TransactionTypeReferralBonus,
				Description:    "referral bonus for joining",
				IdempotencyKey: "referral:" + referred + ":referred",
			})
			if err != nil {
				return err
			}
			result.ReferredBonus = res.Applied
		}

		result.Milestones, err = s.processMilestonesTx(ctx, tx, referrerID, now)
		if err != nil {
			return err
		}
		return s.outboxRepo.Enqueue(ctx, tx, model.EventReferralApplied, strconv.FormatInt(referrerID, 10), referralEvent{
			ReferrerID: referrerID,
			ReferredID: newUserID,
			Code:       normalizeCode(code),
			Milestones: result.Milestones,
			At:         now,
		})
	})
	switch {
	case errors.Is(err, errAlreadyReferred):
		return ReferralResult{Reason: ReasonAlreadyReferred}, nil
	case errors.Is(err, errCircularReferral):
		return ReferralResult{Reason: ReasonCircularReferral}, nil
	case errors.Is(err, errNotNewAccount):
		return ReferralResult{Reason: ReasonNotNewAccount}, nil
	}
	if err != nil {
		return ReferralResult{}, storeErr("apply_referral", err)
	}

	result.OK = true
	s.logger.Info("邀请奖励已发放", "referrer_id", referrerID, "referred_id", newUserID, "milestones", result.Milestones)
	return result, nil
}

// checkNewAccount 账户不存在视为新账户，存在时按注册时间判断
func (s *ReferralService) checkNewAccount(ctx context.Context, tx *gorm.DB, userID int64, now time.Time) error {
	if s.cfg.NewAccountWindow <= 0 {
		return nil
	}
	account, err := s.accountRepo.GetByUserID(ctx, tx, userID)
	if errors.Is(err, repository.ErrAccountNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if now.Sub(account.CreatedAt) > s.cfg.NewAccountWindow {
		return errNotNewAccount
	}
	return nil
}

// ProcessMilestones 重新检查某账户的里程碑，已发放的不会重复发放
func (s *ReferralService) ProcessMilestones(ctx context.Context, userID int64) ([]string, error) {
	if userID <= 0 {
		return nil, invalid("user_id", "must be positive")
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var granted []string
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		granted, err = s.processMilestonesTx(ctx, tx, userID, s.now().UTC())
		return err
	})
	if err != nil {
		return nil, storeErr("process_milestones", err)
	}
	return granted, nil
}

// processMilestonesTx 按 (user_id, milestone_id) 唯一插入，插入成功才发奖励
func (s *ReferralService) processMilestonesTx(ctx context.Context, tx *gorm.DB, userID int64, now time.Time) ([]string, error) {
	if len(s.milestones) == 0 {
		return nil, nil
	}
	count, err := s.referralRepo.CountByReferrer(ctx, tx, userID)
	if err != nil {
		return nil, err
	}

	var granted []string
	for _, m := range s.milestones {
		if count < m.Threshold {
			break
		}
		created, err := s.referralRepo.CreateMilestoneIfAbsent(ctx, tx, &model.ReferralMilestone{
			UserID:      userID,
			MilestoneID: m.ID,
			Threshold:   m.Threshold,
			Bonus:       m.Bonus,
			GrantedAt:   now,
		})
		if err != nil {
			return nil, err
		}
		if !created {
			continue
		}
		_, err = s.ledger.CreditTx(ctx, tx, userID, m.Bonus, model.PoolFree, CreditMeta{
			Type:           model.TransactionTypeReferralBonus,
			Description:    "referral milestone " + m.ID,
			IdempotencyKey: "milestone:" + strconv.FormatInt(userID, 10) + ":" + m.ID,
		})
		if err != nil {
			return nil, err
		}
		granted = append(granted, m.ID)
	}
	return granted, nil
}

func (s *ReferralService) Milestones(ctx context.Context, userID int64) ([]*model.ReferralMilestone, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	return retryRead(ctx, s.reads, func() ([]*model.ReferralMilestone, error) {
		return s.referralRepo.ListMilestones(ctx, userID)
	})
}

// ReferredBy 查询新账户的邀请人，未被邀请时返回 nil
func (s *ReferralService) ReferredBy(ctx context.Context, userID int64) (*model.ReferralLink, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	return retryRead(ctx, s.reads, func() (*model.ReferralLink, error) {
		return s.referralRepo.GetLinkByReferred(ctx, userID)
	})
}
