package service

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"creditgate/internal/config"
	"creditgate/internal/model"
	"creditgate/internal/repository"

	"gorm.io/gorm"
)

// TrialOutcome RecordTrial 的两种结果，重复试用是预期内的结果而不是错误
type TrialOutcome int

const (
	TrialRecorded TrialOutcome = iota
	TrialDuplicate
)

func (o TrialOutcome) String() string {
	switch o {
	case TrialRecorded:
		return "recorded"
	case TrialDuplicate:
		return "duplicate"
	default:
		return fmt.Sprintf("TrialOutcome(%d)", int(o))
	}
}

type TrialMeta struct {
	TemplateUsed string
}

type trialEvent struct {
	UserID   int64     `json:"user_id"`
	GroupID  int64     `json:"group_id"`
	Template string    `json:"template,omitempty"`
	At       time.Time `json:"at"`
}

// TrialService 每个 (用户, 群) 只有一次免费试用
type TrialService struct {
	db         *gorm.DB
	trialRepo  *repository.TrialRepository
	outboxRepo *repository.OutboxRepository
	timeout    time.Duration
	reads      readPolicy
	logger     *slog.Logger
	now        func() time.Time
}

func NewTrialService(db *gorm.DB, cfg *config.Config, logger *slog.Logger) *TrialService {
	if logger == nil {
		logger = slog.Default()
	}
	return &TrialService{
		db:         db,
		trialRepo:  repository.NewTrialRepository(db),
		outboxRepo: repository.NewOutboxRepository(db, cfg.Kafka.Topic.LedgerEvents),
		timeout:    cfg.Ledger.Timeout,
		reads:      newReadPolicy(cfg.Ledger.ReadRetry),
		logger:     logger.With("component", "trial"),
		now:        time.Now,
	}
}

func validatePair(userID, groupID int64) error {
	if userID <= 0 {
		return invalid("user_id", "must be positive")
	}
	// 群 ID 可能为负数
	if groupID == 0 {
		return invalid("group_id", "required")
	}
	return nil
}

func (s *TrialService) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.timeout)
}

func (s *TrialService) HasTrialed(ctx context.Context, userID, groupID int64) (bool, error) {
	if err := validatePair(userID, groupID); err != nil {
		return false, err
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	ok, err := retryRead(ctx, s.reads, func() (bool, error) {
		return s.trialRepo.Exists(ctx, userID, groupID)
	})
	if err != nil {
		return false, storeErr("has_trialed", err)
	}
	return ok, nil
}

// RecordTrial 记录一次试用
//
// 【关键点】唯一插入。两个几乎同时到达的请求都可能通过 HasTrialed，
// 只有一方能插入成功，另一方得到 TrialDuplicate，调用方应把它当作拒绝处理。
func (s *TrialService) RecordTrial(ctx context.Context, userID, groupID int64, meta TrialMeta) (TrialOutcome, error) {
	if err := validatePair(userID, groupID); err != nil {
		return TrialDuplicate, err
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	now := s.now().UTC()
	record := &model.TrialRecord{UserID: userID, GroupID: groupID, UsedAt: now}
	if meta.TemplateUsed != "" {
		template := meta.TemplateUsed
		record.TemplateUsed = &template
	}

	outcome := TrialDuplicate
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		inserted, err := s.trialRepo.InsertIfAbsent(ctx, tx, record)
		if err != nil {
			return err
		}
		if !inserted {
			return nil
		}
		outcome = TrialRecorded
		return s.outboxRepo.Enqueue(ctx, tx, model.EventTrialRecorded, strconv.FormatInt(userID, 10), trialEvent{
			UserID: userID, GroupID: groupID, Template: meta.TemplateUsed, At: now,
		})
	})
	if err != nil {
		return TrialDuplicate, storeErr("record_trial", err)
	}
	if outcome == TrialDuplicate {
		s.logger.Info("重复试用被拒绝", "user_id", userID, "group_id", groupID)
	}
	return outcome, nil
}

// MarkConverted 试用后付费，只会从未转化变为已转化一次
func (s *TrialService) MarkConverted(ctx context.Context, userID, groupID int64) error {
	if err := validatePair(userID, groupID); err != nil {
		return err
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	now := s.now().UTC()
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		changed, err := s.trialRepo.MarkConverted(ctx, tx, userID, groupID, now)
		if err != nil || !changed {
			return err
		}
		return s.outboxRepo.Enqueue(ctx, tx, model.EventTrialConverted, strconv.FormatInt(userID, 10), trialEvent{
			UserID: userID, GroupID: groupID, At: now,
		})
	})
	return storeErr("mark_converted", err)
}

// MarkConvertedAll 用户完成购买后，把他在所有群里的试用都标记为已转化
func (s *TrialService) MarkConvertedAll(ctx context.Context, userID int64) (int64, error) {
	if userID <= 0 {
		return 0, invalid("user_id", "must be positive")
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	now := s.now().UTC()
	var n int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		n, err = s.trialRepo.MarkAllConverted(ctx, tx, userID, now)
		if err != nil || n == 0 {
			return err
		}
		return s.outboxRepo.Enqueue(ctx, tx, model.EventTrialConverted, strconv.FormatInt(userID, 10), trialEvent{
			UserID: userID, At: now,
		})
	})
	if err != nil {
		return 0, storeErr("mark_converted_all", err)
	}
	return n, nil
}

func (s *TrialService) Get(ctx context.Context, userID, groupID int64) (*model.TrialRecord, error) {
	if err := validatePair(userID, groupID); err != nil {
		return nil, err
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	return retryRead(ctx, s.reads, func() (*model.TrialRecord, error) {
		return s.trialRepo.Get(ctx, userID, groupID)
	})
}

// GroupStats 群维度的试用转化率
func (s *TrialService) GroupStats(ctx context.Context, groupID int64) (*repository.TrialStats, error) {
	if groupID == 0 {
		return nil, invalid("group_id", "required")
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	stats, err := retryRead(ctx, s.reads, func() (*repository.TrialStats, error) {
		return s.trialRepo.StatsByGroup(ctx, groupID)
	})
	if err != nil {
		return nil, storeErr("group_stats", err)
	}
	return stats, nil
}
