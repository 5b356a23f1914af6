package model

import "time"

// Follow 关注关系（FollowerID 关注 FolloweeID）
type Follow struct {
	ID         string `gorm:"primaryKey;type:varchar(36)"`
	FollowerID string `gorm:"type:varchar(36);index:idx_follow_follower;uniqueIndex:ux_follow_pair;not null"`
	FolloweeID string `gorm:"type:varchar(36);uniqueIndex:ux_follow_pair;not null"`
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

func (Follow) TableName() string { return "follows" }
