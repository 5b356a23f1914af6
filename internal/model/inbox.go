package model

import "time"

// Inbox 时间线项（按 user_id 切分），由 RefreshFollowerTimelines 重算覆盖
type Inbox struct {
	ID     string `gorm:"primaryKey;type:varchar(36)"`
	UserID string `gorm:"type:varchar(36);uniqueIndex:ux_inbox_user_post;index:idx_inbox_user_score,priority:1;not null"`
	PostID string `gorm:"type:varchar(36);uniqueIndex:ux_inbox_user_post;index:idx_inbox_post;not null"`
	// Score 帖子创建时间（纳秒），页内倒序
	Score     int64 `gorm:"index:idx_inbox_user_score,priority:2"`
	CreatedAt time.Time
}

func (Inbox) TableName() string { return "inbox" }
