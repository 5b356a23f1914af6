package model

import "time"

const (
	NotificationKindNewPost = "new_post"
	NotificationKindMention = "mention"
)

// Notification 通知记录，(recipient, post, kind) 唯一，重跑任务不会重复通知
type Notification struct {
	ID          string `gorm:"primaryKey;type:varchar(36)"`
	RecipientID string `gorm:"type:varchar(36);uniqueIndex:ux_notification_dedup;index:idx_notification_recipient;not null"`
	PostID      string `gorm:"type:varchar(36);uniqueIndex:ux_notification_dedup;not null"`
	Kind        string `gorm:"type:varchar(16);uniqueIndex:ux_notification_dedup;not null"`
	ActorID     string `gorm:"type:varchar(36);not null"`
	CreatedAt   time.Time
}

func (Notification) TableName() string { return "notifications" }
