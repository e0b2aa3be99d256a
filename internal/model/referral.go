package model

import "time"

// ReferralCode 每个账户一个邀请码，生成后不变
type ReferralCode struct {
	ID        int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	UserID    int64     `gorm:"uniqueIndex;not null" json:"user_id"`
	Code      string    `gorm:"type:varchar(32);uniqueIndex;not null" json:"code"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
}

func (ReferralCode) TableName() string {
	return "referral_code"
}

// ReferralLink 邀请关系，被邀请人唯一
type ReferralLink struct {
	ID           int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	ReferrerID   int64     `gorm:"index;not null" json:"referrer_id"`
	ReferredID   int64     `gorm:"uniqueIndex;not null" json:"referred_id"`
	ReferralCode string    `gorm:"type:varchar(32);not null" json:"referral_code"`
	GrantedAt    time.Time `gorm:"not null" json:"granted_at"`
}

func (ReferralLink) TableName() string {
	return "referral_link"
}

// ReferralMilestone 邀请人数达标奖励，(user_id, milestone_id) 唯一保证只发一次
type ReferralMilestone struct {
	ID          int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	UserID      int64     `gorm:"not null;uniqueIndex:uk_milestone_user" json:"user_id"`
	MilestoneID string    `gorm:"type:varchar(64);not null;uniqueIndex:uk_milestone_user" json:"milestone_id"`
	Threshold   int64     `gorm:"not null" json:"threshold"`
	Bonus       int64     `gorm:"not null" json:"bonus"`
	GrantedAt   time.Time `gorm:"not null" json:"granted_at"`
}

func (ReferralMilestone) TableName() string {
	return "referral_milestone"
}
