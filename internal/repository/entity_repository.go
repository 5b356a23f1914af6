package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/d60-Lab/feedpipe/internal/model"
)

// EntityRepository 帖子的话题与 @ 提及（派生数据，整体重算覆盖）
type EntityRepository interface {
	// ReplaceTags 用 names 覆盖 postID 的话题
	ReplaceTags(ctx context.Context, postID string, names []string) error
	// ReplaceMentions 用 userIDs 覆盖 postID 的提及
	ReplaceMentions(ctx context.Context, postID string, userIDs []string) error
	ListTags(ctx context.Context, postID string) ([]string, error)
	ListMentions(ctx context.Context, postID string) ([]string, error)
}

type entityRepository struct{ db *gorm.DB }

func NewEntityRepository(db *gorm.DB) EntityRepository { return &entityRepository{db: db} }

func (r *entityRepository) ReplaceTags(ctx context.Context, postID string, names []string) error {
	now := time.Now().UTC()
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("post_id = ?", postID).Delete(&model.PostTag{}).Error; err != nil {
			return err
		}
		if len(names) == 0 {
			return nil
		}
		tags := make([]model.Tag, len(names))
		for i, n := range names {
			tags[i] = model.Tag{ID: uuid.New().String(), Name: n, CreatedAt: now}
		}
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&tags).Error; err != nil {
			return err
		}
		var stored []model.Tag
		if err := tx.Where("name IN ?", names).Find(&stored).Error; err != nil {
			return err
		}
		links := make([]model.PostTag, len(stored))
		for i, t := range stored {
			links[i] = model.PostTag{PostID: postID, TagID: t.ID, CreatedAt: now}
		}
		return tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&links).Error
	})
}

func (r *entityRepository) ReplaceMentions(ctx context.Context, postID string, userIDs []string) error {
	now := time.Now().UTC()
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("post_id = ?", postID).Delete(&model.PostMention{}).Error; err != nil {
			return err
		}
		if len(userIDs) == 0 {
			return nil
		}
		rows := make([]model.PostMention, len(userIDs))
		for i, uid := range userIDs {
			rows[i] = model.PostMention{PostID: postID, UserID: uid, CreatedAt: now}
		}
		return tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&rows).Error
	})
}

func (r *entityRepository) ListTags(ctx context.Context, postID string) ([]string, error) {
	var names []string
	err := r.db.WithContext(ctx).
		Table("post_tags").
		Joins("JOIN tags ON tags.id = post_tags.tag_id").
		Where("post_tags.post_id = ?", postID).
		Order("tags.name").
		Pluck("tags.name", &names).Error
	return names, err
}

func (r *entityRepository) ListMentions(ctx context.Context, postID string) ([]string, error) {
	var ids []string
	err := r.db.WithContext(ctx).Model(&model.PostMention{}).
		Where("post_id = ?", postID).
		Order("user_id").
		Pluck("user_id", &ids).Error
	return ids, err
}
