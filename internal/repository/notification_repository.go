package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/d60-Lab/feedpipe/internal/model"
)

type NotificationRepository interface {
	// CreateMissing 逐条插入，返回本次真正新建的收件人（重跑任务不会重复通知）
	CreateMissing(ctx context.Context, postID, actorID, kind string, recipients []string) ([]string, error)
	CountByPost(ctx context.Context, postID, kind string) (int64, error)
}

type notificationRepository struct{ db *gorm.DB }

func NewNotificationRepository(db *gorm.DB) NotificationRepository {
	return &notificationRepository{db: db}
}

func (r *notificationRepository) CreateMissing(ctx context.Context, postID, actorID, kind string, recipients []string) ([]string, error) {
	created := make([]string, 0, len(recipients))
	now := time.Now().UTC()
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, rid := range recipients {
			n := &model.Notification{
				ID:          uuid.New().String(),
				RecipientID: rid,
				PostID:      postID,
				Kind:        kind,
				ActorID:     actorID,
				CreatedAt:   now,
			}
			res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(n)
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected > 0 {
				created = append(created, rid)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

func (r *notificationRepository) CountByPost(ctx context.Context, postID, kind string) (int64, error) {
	var cnt int64
	err := r.db.WithContext(ctx).Model(&model.Notification{}).
		Where("post_id = ? AND kind = ?", postID, kind).
		Count(&cnt).Error
	return cnt, err
}
