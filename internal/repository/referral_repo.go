package repository

import (
	"context"
	"errors"

	"creditgate/internal/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var ErrReferralCodeNotFound = errors.New("邀请码不存在")

type ReferralRepository struct {
	db *gorm.DB
}

func NewReferralRepository(db *gorm.DB) *ReferralRepository {
	return &ReferralRepository{db: db}
}

func (r *ReferralRepository) conn(tx *gorm.DB) *gorm.DB {
	if tx == nil {
		return r.db
	}
	return tx
}

func (r *ReferralRepository) GetCodeByUserID(ctx context.Context, tx *gorm.DB, userID int64) (*model.ReferralCode, error) {
	var code model.ReferralCode
	err := r.conn(tx).WithContext(ctx).Where("user_id = ?", userID).First(&code).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrReferralCodeNotFound
		}
		return nil, err
	}
	return &code, nil
}

func (r *ReferralRepository) GetCode(ctx context.Context, tx *gorm.DB, code string) (*model.ReferralCode, error) {
	var rc model.ReferralCode
	err := r.conn(tx).WithContext(ctx).Where("code = ?", code).First(&rc).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrReferralCodeNotFound
		}
		return nil, err
	}
	return &rc, nil
}

// CreateCodeIfAbsent user_id 或 code 冲突时不插入，返回 false
func (r *ReferralRepository) CreateCodeIfAbsent(ctx context.Context, code *model.ReferralCode) (bool, error) {
	result := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(code)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

// CreateLinkIfAbsent 被邀请人已存在邀请关系时不插入，返回 false
func (r *ReferralRepository) CreateLinkIfAbsent(ctx context.Context, tx *gorm.DB, link *model.ReferralLink) (bool, error) {
	result := r.conn(tx).WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "referred_id"}},
			DoNothing: true,
		}).
		Create(link)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

// LinkExists 判断 referrer -> referred 这条邀请关系是否存在
func (r *ReferralRepository) LinkExists(ctx context.Context, tx *gorm.DB, referrerID, referredID int64) (bool, error) {
	var count int64
	err := r.conn(tx).WithContext(ctx).
		Model(&model.ReferralLink{}).
		Where("referrer_id = ? AND referred_id = ?", referrerID, referredID).
		Count(&count).Error
	return count > 0, err
}

func (r *ReferralRepository) GetLinkByReferred(ctx context.Context, referredID int64) (*model.ReferralLink, error) {
	var link model.ReferralLink
	err := r.db.WithContext(ctx).Where("referred_id = ?", referredID).First(&link).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &link, nil
}

func (r *ReferralRepository) CountByReferrer(ctx context.Context, tx *gorm.DB, referrerID int64) (int64, error) {
	var count int64
	err := r.conn(tx).WithContext(ctx).
		Model(&model.ReferralLink{}).
		Where("referrer_id = ?", referrerID).
		Count(&count).Error
	return count, err
}

// CreateMilestoneIfAbsent (user_id, milestone_id) 已发放时不插入，返回 false
func (r *ReferralRepository) CreateMilestoneIfAbsent(ctx context.Context, tx *gorm.DB, m *model.ReferralMilestone) (bool, error) {
	result := r.conn(tx).WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}, {Name: "milestone_id"}},
			DoNothing: true,
		}).
		Create(m)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func (r *ReferralRepository) ListMilestones(ctx context.Context, userID int64) ([]*model.ReferralMilestone, error) {
	var ms []*model.ReferralMilestone
	err := r.db.WithContext(ctx).Where("user_id = ?", userID).Order("threshold ASC").Find(&ms).Error
	return ms, err
}
