package job

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"creditgate/internal/infrastructure/mq"
	"creditgate/internal/model"
	"creditgate/internal/repository"
)

// OutboxSender 把账本事务里写入的 outbox 事件投递到 Kafka
//
// 【关键点】至少投递一次：发送成功但标记 SENT 失败时，下一轮会再发一次，
// 消费方按 transaction_no 去重。
type OutboxSender struct {
	outboxRepo *repository.OutboxRepository
	publisher  mq.Publisher
	maxRetry   int
	stopCh     chan struct{}
	stopOnce   sync.Once
	interval   time.Duration
	batchSize  int
	logger     *slog.Logger
}

func NewOutboxSender(outboxRepo *repository.OutboxRepository, publisher mq.Publisher, maxRetry int, logger *slog.Logger) *OutboxSender {
	if logger == nil {
		logger = slog.Default()
	}
	if maxRetry <= 0 {
		maxRetry = 5
	}
	return &OutboxSender{
		outboxRepo: outboxRepo,
		publisher:  publisher,
		maxRetry:   maxRetry,
		stopCh:     make(chan struct{}),
		interval:   100 * time.Millisecond,
		batchSize:  100,
		logger:     logger.With("component", "outbox_sender"),
	}
}

func (s *OutboxSender) Start(ctx context.Context) {
	s.logger.Info("消息发送任务启动", "interval", s.interval)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("收到停止信号，任务退出")
			return
		case <-s.stopCh:
			s.logger.Info("任务停止")
			return
		case <-ticker.C:
			s.ProcessPending(ctx)
		}
	}
}

func (s *OutboxSender) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
}

// ProcessPending 发送一批待发送消息，返回成功条数
func (s *OutboxSender) ProcessPending(ctx context.Context) int {
	messages, err := s.outboxRepo.GetPendingMessages(ctx, s.batchSize)
	if err != nil {
		s.logger.Error("查询消息失败", "err", err)
		return 0
	}

	sent := 0
	for _, msg := range messages {
		if s.send(ctx, msg) {
			sent++
		}
	}
	return sent
}

// RequeueFailed 把已标记 FAILED 的消息重新放回待发送队列，返回放回的条数
func (s *OutboxSender) RequeueFailed(ctx context.Context, limit int) (int, error) {
	if limit <= 0 || limit > s.batchSize {
		limit = s.batchSize
	}
	messages, err := s.outboxRepo.GetFailedMessages(ctx, limit)
	if err != nil {
		return 0, err
	}
	for i, msg := range messages {
		if err := s.outboxRepo.Requeue(ctx, msg.ID); err != nil {
			return i, err
		}
	}
	if len(messages) > 0 {
		s.logger.Info("失败消息已重新入队", "count", len(messages))
	}
	return len(messages), nil
}

func (s *OutboxSender) send(ctx context.Context, msg *model.OutboxMessage) bool {
	err := s.publisher.Publish(msg.Topic, msg.MessageKey, msg.Payload)
	if err == nil {
		if err := s.outboxRepo.MarkSent(ctx, msg.ID); err != nil {
			s.logger.Error("更新消息状态失败", "id", msg.ID, "err", err)
			return false
		}
		s.logger.Debug("消息发送成功", "id", msg.ID, "event", msg.EventType, "key", msg.MessageKey)
		return true
	}

	s.logger.Warn("消息发送失败", "id", msg.ID, "event", msg.EventType, "retry_count", msg.RetryCount, "err", err)
	if err := s.outboxRepo.RecordFailure(ctx, msg.ID, s.maxRetry); err != nil {
		s.logger.Error("记录发送失败次数失败", "id", msg.ID, "err", err)
	}
	if msg.RetryCount+1 >= s.maxRetry {
		s.logger.Error("消息超过最大重试次数，标记为失败", "id", msg.ID, "event", msg.EventType)
	}
	return false
}
