package service

import (
	"testing"
	"time"

	"creditgate/internal/config"
	"creditgate/internal/infrastructure/database"
	"creditgate/internal/model"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// newTestDB 每个测试一个独立的内存库，单连接保证事务串行
func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := "file:" + uuid.NewString() + "?mode=memory&cache=shared&_busy_timeout=5000"
	db, err := database.Open(sqlite.Open(dsn), logger.Silent)
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	return db
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Ledger.Timeout = 5 * time.Second
	cfg.Ledger.ReadRetry.MaxRetries = 0
	cfg.Referral.Milestones = []config.MilestoneConfig{
		{ID: "referrals-2", Threshold: 2, Bonus: 10},
		{ID: "referrals-3", Threshold: 3, Bonus: 20},
	}
	return cfg
}

func newTestLedger(t *testing.T, db *gorm.DB, cfg *config.Config) *LedgerService {
	t.Helper()
	s := NewLedgerService(db, cfg, nil, nil)
	s.reads = noRetry()
	return s
}

func countOutbox(t *testing.T, db *gorm.DB, eventType string) int64 {
	t.Helper()
	var n int64
	require.NoError(t, db.Model(&model.OutboxMessage{}).Where("event_type = ?", eventType).Count(&n).Error)
	return n
}
