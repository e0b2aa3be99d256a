package repository

import (
	"context"
	"errors"
	"time"

	"creditgate/internal/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var ErrTrialNotFound = errors.New("试用记录不存在")

type TrialRepository struct {
	db *gorm.DB
}

func NewTrialRepository(db *gorm.DB) *TrialRepository {
	return &TrialRepository{db: db}
}

func (r *TrialRepository) Exists(ctx context.Context, userID, groupID int64) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&model.TrialRecord{}).
		Where("user_id = ? AND group_id = ?", userID, groupID).
		Count(&count).Error
	return count > 0, err
}

// InsertIfAbsent 唯一插入，(user_id, group_id) 已存在时不插入并返回 false
//
// 【关键点】不通过捕获唯一索引冲突的错误码判断"已试用"，
// 而是用 ON CONFLICT DO NOTHING + RowsAffected，结果与具体数据库无关。
func (r *TrialRepository) InsertIfAbsent(ctx context.Context, tx *gorm.DB, record *model.TrialRecord) (bool, error) {
	if tx == nil {
		tx = r.db
	}
	result := tx.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}, {Name: "group_id"}},
			DoNothing: true,
		}).
		Create(record)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

// MarkConverted 只会从 false 变成 true，返回本次是否发生了变化
func (r *TrialRepository) MarkConverted(ctx context.Context, tx *gorm.DB, userID, groupID int64, at time.Time) (bool, error) {
	if tx == nil {
		tx = r.db
	}
	result := tx.WithContext(ctx).
		Model(&model.TrialRecord{}).
		Where("user_id = ? AND group_id = ? AND converted_to_paid = ?", userID, groupID, false).
		Updates(map[string]interface{}{
			"converted_to_paid": true,
			"converted_at":      at,
		})
	return result.RowsAffected == 1, result.Error
}

// MarkAllConverted 用户付费后，把他所有未转化的试用记录标记为已转化
func (r *TrialRepository) MarkAllConverted(ctx context.Context, tx *gorm.DB, userID int64, at time.Time) (int64, error) {
	if tx == nil {
		tx = r.db
	}
	result := tx.WithContext(ctx).
		Model(&model.TrialRecord{}).
		Where("user_id = ? AND converted_to_paid = ?", userID, false).
		Updates(map[string]interface{}{
			"converted_to_paid": true,
			"converted_at":      at,
		})
	return result.RowsAffected, result.Error
}

func (r *TrialRepository) Get(ctx context.Context, userID, groupID int64) (*model.TrialRecord, error) {
	var record model.TrialRecord
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND group_id = ?", userID, groupID).
		First(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrTrialNotFound
		}
		return nil, err
	}
	return &record, nil
}

// TrialStats 群维度的试用与转化统计
type TrialStats struct {
	Trials    int64
	Converted int64
}

func (r *TrialRepository) StatsByGroup(ctx context.Context, groupID int64) (*TrialStats, error) {
	var stats TrialStats
	err := r.db.WithContext(ctx).
		Model(&model.TrialRecord{}).
		Select("COUNT(*) AS trials, COALESCE(SUM(CASE WHEN converted_to_paid THEN 1 ELSE 0 END), 0) AS converted").
		Where("group_id = ?", groupID).
		Scan(&stats).Error
	return &stats, err
}
