package model

import (
	"time"
)

const (
	SubscriptionActive    = "active"
	SubscriptionCancelled = "cancelled"
	SubscriptionExpired   = "expired"
)

// CreditAccount 用户额度账户
// 三个池各自非负，只能通过账本服务修改，永不物理删除
type CreditAccount struct {
	ID                    int64      `gorm:"primaryKey;autoIncrement" json:"id"`
	UserID                int64      `gorm:"uniqueIndex;not null" json:"user_id"`
	FreeCredits           int64      `gorm:"not null;default:0" json:"free_credits"`
	PaidCredits           int64      `gorm:"not null;default:0" json:"paid_credits"`
	SubscriptionCredits   int64      `gorm:"not null;default:0" json:"subscription_credits"`
	SubscriptionTier      *string    `gorm:"type:varchar(32)" json:"subscription_tier,omitempty"`
	SubscriptionStatus    *string    `gorm:"type:varchar(16);index" json:"subscription_status,omitempty"`
	SubscriptionExpiresAt *time.Time `gorm:"index" json:"subscription_expires_at,omitempty"`
	CreatedAt             time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt             time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

func (CreditAccount) TableName() string {
	return "credit_account"
}

// Total 三个池之和
func (a *CreditAccount) Total() int64 {
	return a.FreeCredits + a.PaidCredits + a.SubscriptionCredits
}

// PoolBalance 取某个池的余额
func (a *CreditAccount) PoolBalance(p Pool) int64 {
	switch p {
	case PoolFree:
		return a.FreeCredits
	case PoolPaid:
		return a.PaidCredits
	case PoolSubscription:
		return a.SubscriptionCredits
	default:
		return 0
	}
}

// PoolDelta 三个池的变动量，正数入账，负数出账
type PoolDelta struct {
	Free         int64
	Paid         int64
	Subscription int64
}

func (d PoolDelta) Sum() int64 {
	return d.Free + d.Paid + d.Subscription
}

// Add 在指定池上累加
func (d *PoolDelta) Add(p Pool, amount int64) {
	switch p {
	case PoolFree:
		d.Free += amount
	case PoolPaid:
		d.Paid += amount
	case PoolSubscription:
		d.Subscription += amount
	}
}

// PoolName 只动了一个池时返回该池名，否则返回 mixed
func (d PoolDelta) PoolName() string {
	var touched []Pool
	if d.Free != 0 {
		touched = append(touched, PoolFree)
	}
	if d.Paid != 0 {
		touched = append(touched, PoolPaid)
	}
	if d.Subscription != 0 {
		touched = append(touched, PoolSubscription)
	}
	if len(touched) == 1 {
		return touched[0].String()
	}
	return PoolMixed
}
