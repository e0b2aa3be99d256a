package repository

import (
	"context"
	"encoding/json"
	"fmt"

	"creditgate/internal/model"

	"gorm.io/gorm"
)

type OutboxRepository struct {
	db    *gorm.DB
	topic string
}

func NewOutboxRepository(db *gorm.DB, topic string) *OutboxRepository {
	return &OutboxRepository{db: db, topic: topic}
}

// Enqueue 在业务事务内写入一条待发送事件
func (r *OutboxRepository) Enqueue(ctx context.Context, tx *gorm.DB, eventType, key string, payload any) error {
	if tx == nil {
		tx = r.db
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("序列化事件失败: %w", err)
	}
	msg := &model.OutboxMessage{
		MessageKey: key,
		Topic:      r.topic,
		EventType:  eventType,
		Payload:    string(body),
		Status:     model.OutboxStatusPending,
	}
	return tx.WithContext(ctx).Create(msg).Error
}

func (r *OutboxRepository) GetPendingMessages(ctx context.Context, limit int) ([]*model.OutboxMessage, error) {
	var messages []*model.OutboxMessage
	err := r.db.WithContext(ctx).
		Where("status = ?", model.OutboxStatusPending).
		Order("id ASC").
		Limit(limit).
		Find(&messages).Error
	return messages, err
}

func (r *OutboxRepository) MarkSent(ctx context.Context, id int64) error {
	return r.db.WithContext(ctx).
		Model(&model.OutboxMessage{}).
		Where("id = ?", id).
		Update("status", model.OutboxStatusSent).Error
}

// RecordFailure 记录一次发送失败，达到最大重试次数后标记为 FAILED
func (r *OutboxRepository) RecordFailure(ctx context.Context, id int64, maxRetry int) error {
	err := r.db.WithContext(ctx).
		Model(&model.OutboxMessage{}).
		Where("id = ?", id).
		UpdateColumn("retry_count", gorm.Expr("retry_count + 1")).Error
	if err != nil {
		return err
	}
	return r.db.WithContext(ctx).
		Model(&model.OutboxMessage{}).
		Where("id = ? AND retry_count >= ?", id, maxRetry).
		Update("status", model.OutboxStatusFailed).Error
}

func (r *OutboxRepository) GetFailedMessages(ctx context.Context, limit int) ([]*model.OutboxMessage, error) {
	var messages []*model.OutboxMessage
	err := r.db.WithContext(ctx).
		Where("status = ?", model.OutboxStatusFailed).
		Order("id ASC").
		Limit(limit).
		Find(&messages).Error
	return messages, err
}

// Requeue 人工重放失败消息
func (r *OutboxRepository) Requeue(ctx context.Context, id int64) error {
	return r.db.WithContext(ctx).
		Model(&model.OutboxMessage{}).
		Where("id = ? AND status = ?", id, model.OutboxStatusFailed).
		Updates(map[string]interface{}{
			"status":      model.OutboxStatusPending,
			"retry_count": 0,
		}).Error
}
