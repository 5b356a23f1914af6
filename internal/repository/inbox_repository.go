package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/d60-Lab/feedpipe/internal/model"
)

// InboxRepository 时间线投影（每个用户能看到的帖子）
type InboxRepository interface {
	// Upsert 为 userIDs 写入 postID，已存在的忽略
	Upsert(ctx context.Context, postID string, score int64, userIDs []string) error
	// RemovePost 删除所有用户时间线里的 postID，返回受影响的用户
	RemovePost(ctx context.Context, postID string) ([]string, error)
	// ListPage 只返回仍然可见（已发布、未删除）的帖子，按 score 倒序
	ListPage(ctx context.Context, userID string, offset, limit int) ([]string, error)
}

type inboxRepository struct{ db *gorm.DB }

func NewInboxRepository(db *gorm.DB) InboxRepository { return &inboxRepository{db: db} }

func (r *inboxRepository) Upsert(ctx context.Context, postID string, score int64, userIDs []string) error {
	if len(userIDs) == 0 {
		return nil
	}
	now := time.Now().UTC()
	records := make([]model.Inbox, 0, len(userIDs))
	for _, uid := range userIDs {
		records = append(records, model.Inbox{ID: uuid.New().String(), UserID: uid, PostID: postID, Score: score, CreatedAt: now})
	}
	// upsert ignore duplicates
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).CreateInBatches(&records, 500).Error
}

func (r *inboxRepository) RemovePost(ctx context.Context, postID string) ([]string, error) {
	var users []string
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&model.Inbox{}).Where("post_id = ?", postID).Pluck("user_id", &users).Error; err != nil {
			return err
		}
		return tx.Where("post_id = ?", postID).Delete(&model.Inbox{}).Error
	})
	return users, err
}

func (r *inboxRepository) ListPage(ctx context.Context, userID string, offset, limit int) ([]string, error) {
	var ids []string
	err := r.db.WithContext(ctx).
		Table("inbox").
		Joins("JOIN posts ON posts.id = inbox.post_id").
		Where("inbox.user_id = ? AND posts.published = ? AND posts.deleted_at IS NULL", userID, true).
		Order("inbox.score DESC").
		Order("inbox.post_id DESC").
		Offset(offset).
		Limit(limit).
		Pluck("inbox.post_id", &ids).Error
	return ids, err
}
