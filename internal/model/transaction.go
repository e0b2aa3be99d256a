package model

import (
	"time"
)

// TransactionType 流水类型
type TransactionType string

const (
	TransactionTypeSignup        TransactionType = "signup"
	TransactionTypePurchase      TransactionType = "purchase"
	TransactionTypeUsage         TransactionType = "usage"
	TransactionTypeRefund        TransactionType = "refund"
	TransactionTypeGrant         TransactionType = "grant"
	TransactionTypeRevoke        TransactionType = "revoke"
	TransactionTypeReferralBonus TransactionType = "referral_bonus"
	TransactionTypeSubscription  TransactionType = "subscription"
)

// CreditTransaction 额度流水表
//
// 【流水表设计原则】
// 1. 只追加，不修改，不删除
// 2. 按池记录变动量，账户余额可以由流水重新累加出来
// 3. BalanceAfter 只是总额的缓存投影，对账时与账户表核对
type CreditTransaction struct {
	ID                int64           `gorm:"primaryKey;autoIncrement" json:"id"`
	TransactionNo     string          `gorm:"type:varchar(64);uniqueIndex;not null" json:"transaction_no"`
	UserID            int64           `gorm:"index;not null" json:"user_id"`
	Type              TransactionType `gorm:"type:varchar(20);not null" json:"type"`
	Pool              string          `gorm:"type:varchar(16);not null" json:"pool"`
	Amount            int64           `gorm:"not null" json:"amount"` // 正数入账，负数出账
	FreeDelta         int64           `gorm:"not null;default:0" json:"free_delta"`
	PaidDelta         int64           `gorm:"not null;default:0" json:"paid_delta"`
	SubscriptionDelta int64           `gorm:"not null;default:0" json:"subscription_delta"`
	BalanceAfter      int64           `gorm:"not null" json:"balance_after"`
	Description       string          `gorm:"type:varchar(256)" json:"description"`
	IdempotencyKey    *string         `gorm:"type:varchar(128);uniqueIndex" json:"idempotency_key,omitempty"`
	CreatedAt         time.Time       `gorm:"autoCreateTime;index" json:"created_at"`
}

func (CreditTransaction) TableName() string {
	return "credit_transaction"
}
