package model

import "time"

// Post 帖子读模型行（聚合的持久化状态）
type Post struct {
	ID           string     `gorm:"primaryKey;type:varchar(36)"`
	AuthorID     string     `gorm:"type:varchar(36);index:idx_post_author;not null"`
	Content      string     `gorm:"type:text;not null"`
	Published    bool       `gorm:"index:idx_post_scheduled;not null;default:false"`
	PublishAt    *time.Time `gorm:"index:idx_post_scheduled"`
	LikeCount    int64      `gorm:"not null;default:0"`
	RepostCount  int64      `gorm:"not null;default:0"`
	CommentCount int64      `gorm:"not null;default:0"`
	// Version 每个事件 +1，与事件日志中的 version 对齐
	Version   int64 `gorm:"not null;default:0"`
	CreatedAt time.Time
	EditedAt  *time.Time
	UpdatedAt time.Time
	// DeletedAt 墓碑标记，行本身保留
	DeletedAt *time.Time `gorm:"index"`
}

func (Post) TableName() string { return "posts" }

// PostLike 点赞记录，(post_id, user_id) 唯一保证点赞幂等
type PostLike struct {
	PostID    string `gorm:"primaryKey;type:varchar(36)"`
	UserID    string `gorm:"primaryKey;type:varchar(36)"`
	CreatedAt time.Time
}

func (PostLike) TableName() string { return "post_likes" }
