package model

import "time"

// TrialRecord 群内免费试用记录，(user_id, group_id) 唯一
type TrialRecord struct {
	ID              int64      `gorm:"primaryKey;autoIncrement" json:"id"`
	UserID          int64      `gorm:"not null;uniqueIndex:uk_trial_user_group" json:"user_id"`
	GroupID         int64      `gorm:"not null;uniqueIndex:uk_trial_user_group;index" json:"group_id"`
	TemplateUsed    *string    `gorm:"type:varchar(64)" json:"template_used,omitempty"`
	UsedAt          time.Time  `gorm:"not null" json:"used_at"`
	ConvertedToPaid bool       `gorm:"not null;default:false" json:"converted_to_paid"`
	ConvertedAt     *time.Time `json:"converted_at,omitempty"`
}

func (TrialRecord) TableName() string {
	return "trial_record"
}
