package job

import (
	"context"
	"errors"
	"testing"
	"time"

	"creditgate/internal/config"
	"creditgate/internal/infrastructure/database"
	"creditgate/internal/infrastructure/mq"
	"creditgate/internal/model"
	"creditgate/internal/repository"
	"creditgate/internal/service"

	"github.com/IBM/sarama/mocks"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := database.Open(sqlite.Open("file:"+uuid.NewString()+"?mode=memory&cache=shared"), logger.Silent)
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	return db
}

func outboxStatus(t *testing.T, db *gorm.DB, id int64) model.OutboxMessage {
	t.Helper()
	var msg model.OutboxMessage
	require.NoError(t, db.First(&msg, id).Error)
	return msg
}

func TestOutboxSenderPublishesAndRecordsFailures(t *testing.T) {
	db := newTestDB(t)
	repo := repository.NewOutboxRepository(db, "credit.ledger.events")
	ctx := context.Background()
	require.NoError(t, repo.Enqueue(ctx, nil, model.EventTransactionAppended, "1", map[string]int{"amount": 5}))
	require.NoError(t, repo.Enqueue(ctx, nil, model.EventTrialRecorded, "2", map[string]int{"group": -1}))

	producer := mocks.NewSyncProducer(t, nil)
	producer.ExpectSendMessageAndSucceed()
	producer.ExpectSendMessageAndFail(errors.New("broker down"))
	sender := NewOutboxSender(repo, mq.NewKafkaPublisher(producer), 2, nil)

	assert.Equal(t, 1, sender.ProcessPending(ctx))
	assert.Equal(t, model.OutboxStatusSent, outboxStatus(t, db, 1).Status)
	second := outboxStatus(t, db, 2)
	assert.Equal(t, model.OutboxStatusPending, second.Status)
	assert.Equal(t, 1, second.RetryCount)

	producer.ExpectSendMessageAndFail(errors.New("broker down"))
	assert.Equal(t, 0, sender.ProcessPending(ctx))
	assert.Equal(t, model.OutboxStatusFailed, outboxStatus(t, db, 2).Status)

	requeued, err := sender.RequeueFailed(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, requeued)
	requeued, err = sender.RequeueFailed(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 0, requeued)
	assert.Equal(t, 0, outboxStatus(t, db, 2).RetryCount)

	producer.ExpectSendMessageAndSucceed()
	assert.Equal(t, 1, sender.ProcessPending(ctx))
	require.NoError(t, producer.Close())
}

func TestOutboxSenderStop(t *testing.T) {
	db := newTestDB(t)
	sender := NewOutboxSender(repository.NewOutboxRepository(db, "t"), mq.NewKafkaPublisher(mocks.NewSyncProducer(t, nil)), 1, nil)

	done := make(chan struct{})
	go func() {
		sender.Start(context.Background())
		close(done)
	}()
	sender.Stop()
	sender.Stop()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sender did not stop")
	}
}

func TestSubscriptionExpiryJob(t *testing.T) {
	db := newTestDB(t)
	cfg := config.Default()
	ledger := service.NewLedgerService(db, cfg, nil, nil)
	ctx := context.Background()

	expires := time.Now().Add(time.Hour)
	_, err := ledger.ActivateSubscription(ctx, 1, service.SubscriptionGrant{Tier: "pro", Credits: 40, ExpiresAt: expires, IdempotencyKey: "s1"})
	require.NoError(t, err)
	_, err = ledger.ActivateSubscription(ctx, 2, service.SubscriptionGrant{Tier: "pro", Credits: 40, ExpiresAt: expires.Add(48 * time.Hour), IdempotencyKey: "s2"})
	require.NoError(t, err)

	job := NewSubscriptionExpiryJob(repository.NewAccountRepository(db), ledger, time.Minute, nil)
	assert.Equal(t, 0, job.ExpireLapsed(ctx))

	require.NoError(t, db.Model(&model.CreditAccount{}).Where("user_id = ?", 1).
		Update("subscription_expires_at", time.Now().Add(-time.Minute).UTC()).Error)
	assert.Equal(t, 1, job.ExpireLapsed(ctx))
	assert.Equal(t, 0, job.ExpireLapsed(ctx))

	first, err := ledger.Balance(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(0), first.Subscription)
	assert.Equal(t, model.SubscriptionExpired, *first.SubscriptionStatus)

	second, err := ledger.Balance(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(40), second.Subscription)
}

type failingExpirer struct{ calls int }

func (f *failingExpirer) ExpireSubscription(context.Context, int64) (int64, bool, error) {
	f.calls++
	return 0, false, service.ErrStoreUnavailable
}

type renewedExpirer struct{ calls int }

func (r *renewedExpirer) ExpireSubscription(context.Context, int64) (int64, bool, error) {
	r.calls++
	return 0, false, nil
}

type staticFinder []*model.CreditAccount

func (s staticFinder) GetLapsedSubscriptions(context.Context, time.Time, int) ([]*model.CreditAccount, error) {
	return s, nil
}

func TestSubscriptionExpiryJobContinuesPastFailures(t *testing.T) {
	expirer := &failingExpirer{}
	job := NewSubscriptionExpiryJob(staticFinder{{UserID: 1}, {UserID: 2}}, expirer, 0, nil)

	assert.Equal(t, 0, job.ExpireLapsed(context.Background()))
	assert.Equal(t, 2, expirer.calls)
}

func TestSubscriptionExpiryJobSkipsRenewed(t *testing.T) {
	expirer := &renewedExpirer{}
	job := NewSubscriptionExpiryJob(staticFinder{{UserID: 1}}, expirer, 0, nil)

	assert.Equal(t, 0, job.ExpireLapsed(context.Background()))
	assert.Equal(t, 1, expirer.calls)
}
