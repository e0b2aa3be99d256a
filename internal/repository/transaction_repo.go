package repository

import (
	"context"
	"errors"

	"creditgate/internal/model"

	"gorm.io/gorm"
)

type TransactionRepository struct {
	db *gorm.DB
}

func NewTransactionRepository(db *gorm.DB) *TransactionRepository {
	return &TransactionRepository{db: db}
}

func (r *TransactionRepository) Create(ctx context.Context, tx *gorm.DB, trans *model.CreditTransaction) error {
	if tx == nil {
		tx = r.db
	}
	return tx.WithContext(ctx).Create(trans).Error
}

// GetByIdempotencyKey 按幂等键查询，不存在返回 nil, nil
func (r *TransactionRepository) GetByIdempotencyKey(ctx context.Context, tx *gorm.DB, key string) (*model.CreditTransaction, error) {
	if tx == nil {
		tx = r.db
	}
	var trans model.CreditTransaction
	err := tx.WithContext(ctx).Where("idempotency_key = ?", key).First(&trans).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &trans, nil
}

func (r *TransactionRepository) ListByUserID(ctx context.Context, userID int64, page, pageSize int) ([]*model.CreditTransaction, int64, error) {
	var transactions []*model.CreditTransaction
	var total int64

	query := r.db.WithContext(ctx).Model(&model.CreditTransaction{}).Where("user_id = ?", userID)

	err := query.Count(&total).Error
	if err != nil {
		return nil, 0, err
	}

	err = query.
		Order("id DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&transactions).Error

	return transactions, total, err
}

// LedgerSums 按池汇总某账户的全部流水
type LedgerSums struct {
	Free         int64
	Paid         int64
	Subscription int64
	Count        int64
	LastBalance  int64
}

// SumByUserID 从流水重新累加三个池的余额，用于对账
// 与账户行的读取放在同一事务里才能保证看到的是同一时刻的数据
func (r *TransactionRepository) SumByUserID(ctx context.Context, tx *gorm.DB, userID int64) (*LedgerSums, error) {
	if tx == nil {
		tx = r.db
	}
	var sums LedgerSums
	err := tx.WithContext(ctx).
		Model(&model.CreditTransaction{}).
		Select("COALESCE(SUM(free_delta), 0) AS free, COALESCE(SUM(paid_delta), 0) AS paid, "+
			"COALESCE(SUM(subscription_delta), 0) AS subscription, COUNT(*) AS count").
		Where("user_id = ?", userID).
		Scan(&sums).Error
	if err != nil {
		return nil, err
	}

	var last model.CreditTransaction
	err = tx.WithContext(ctx).Where("user_id = ?", userID).Order("id DESC").Limit(1).Find(&last).Error
	if err != nil {
		return nil, err
	}
	sums.LastBalance = last.BalanceAfter
	return &sums, nil
}
