package repository

import (
	"context"
	"errors"
	"time"

	"creditgate/internal/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrAccountNotFound  = errors.New("账户不存在")
	ErrBalanceNotEnough = errors.New("余额不足")
)

type AccountRepository struct {
	db *gorm.DB
}

func NewAccountRepository(db *gorm.DB) *AccountRepository {
	return &AccountRepository{db: db}
}

func (r *AccountRepository) conn(tx *gorm.DB) *gorm.DB {
	if tx == nil {
		return r.db
	}
	return tx
}

func (r *AccountRepository) GetByUserID(ctx context.Context, tx *gorm.DB, userID int64) (*model.CreditAccount, error) {
	var account model.CreditAccount
	err := r.conn(tx).WithContext(ctx).Where("user_id = ?", userID).First(&account).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrAccountNotFound
		}
		return nil, err
	}
	return &account, nil
}

// GetByUserIDForUpdate 行锁读取，必须在事务内调用
func (r *AccountRepository) GetByUserIDForUpdate(ctx context.Context, tx *gorm.DB, userID int64) (*model.CreditAccount, error) {
	var account model.CreditAccount
	err := tx.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("user_id = ?", userID).
		First(&account).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrAccountNotFound
		}
		return nil, err
	}
	return &account, nil
}

// CreateIfAbsent 插入新账户，已存在时什么都不做
// 返回 true 表示本次调用创建了账户
func (r *AccountRepository) CreateIfAbsent(ctx context.Context, tx *gorm.DB, account *model.CreditAccount) (bool, error) {
	result := r.conn(tx).WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}},
			DoNothing: true,
		}).
		Create(account)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

// ApplyDelta 按池增减余额，调用方保证 delta 不全为 0
//
// 【关键点】WHERE 条件里带上每个池变动后仍 >= 0 的约束，
// 即使上层的行锁在某些存储上不生效，也不可能把任何一个池扣成负数。
func (r *AccountRepository) ApplyDelta(ctx context.Context, tx *gorm.DB, userID int64, delta model.PoolDelta) error {
	result := tx.WithContext(ctx).
		Model(&model.CreditAccount{}).
		Where("user_id = ?", userID).
		Where("free_credits + ? >= 0", delta.Free).
		Where("paid_credits + ? >= 0", delta.Paid).
		Where("subscription_credits + ? >= 0", delta.Subscription).
		Updates(map[string]interface{}{
			"free_credits":         gorm.Expr("free_credits + ?", delta.Free),
			"paid_credits":         gorm.Expr("paid_credits + ?", delta.Paid),
			"subscription_credits": gorm.Expr("subscription_credits + ?", delta.Subscription),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		if _, err := r.GetByUserID(ctx, tx, userID); err != nil {
			return err
		}
		return ErrBalanceNotEnough
	}
	return nil
}

// SetSubscription 更新订阅档位、状态和到期时间
func (r *AccountRepository) SetSubscription(ctx context.Context, tx *gorm.DB, userID int64, tier *string, status string, expiresAt *time.Time) error {
	result := tx.WithContext(ctx).
		Model(&model.CreditAccount{}).
		Where("user_id = ?", userID).
		Updates(map[string]interface{}{
			"subscription_tier":       tier,
			"subscription_status":     status,
			"subscription_expires_at": expiresAt,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrAccountNotFound
	}
	return nil
}

// GetLapsedSubscriptions 查询已过期但仍是 active 的订阅账户
func (r *AccountRepository) GetLapsedSubscriptions(ctx context.Context, now time.Time, limit int) ([]*model.CreditAccount, error) {
	var accounts []*model.CreditAccount
	err := r.db.WithContext(ctx).
		Where("subscription_status = ? AND subscription_expires_at < ?", model.SubscriptionActive, now).
		Order("subscription_expires_at ASC").
		Limit(limit).
		Find(&accounts).Error
	return accounts, err
}
