package model

import "time"

type Tag struct {
	ID        string `gorm:"primaryKey;type:varchar(36)"`
	Name      string `gorm:"type:varchar(100);uniqueIndex;not null"`
	CreatedAt time.Time
}

func (Tag) TableName() string { return "tags" }

// PostTag 帖子与话题的关联
type PostTag struct {
	PostID    string `gorm:"primaryKey;type:varchar(36)"`
	TagID     string `gorm:"primaryKey;type:varchar(36);index"`
	CreatedAt time.Time
}

func (PostTag) TableName() string { return "post_tags" }

// PostMention 帖子中 @ 到的用户
type PostMention struct {
	PostID    string `gorm:"primaryKey;type:varchar(36)"`
	UserID    string `gorm:"primaryKey;type:varchar(36);index"`
	CreatedAt time.Time
}

func (PostMention) TableName() string { return "post_mentions" }
