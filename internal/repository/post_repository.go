package repository

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/d60-Lab/feedpipe/internal/domain"
	"github.com/d60-Lab/feedpipe/internal/model"
)

// PostRepository 帖子状态行（聚合的当前状态）与点赞记录
type PostRepository interface {
	Create(ctx context.Context, tx *gorm.DB, p *domain.Post) error
	GetByID(ctx context.Context, tx *gorm.DB, id string) (*domain.Post, error)
	// GetForUpdate 加行锁读取，同一聚合的命令在此串行化
	GetForUpdate(ctx context.Context, tx *gorm.DB, id string) (*domain.Post, error)
	// Save 以 expectedVersion 做 CAS，失败返回 ErrVersionConflict
	Save(ctx context.Context, tx *gorm.DB, p *domain.Post, expectedVersion int64) error
	// AdjustLikes 原子增减点赞数并推进版本
	AdjustLikes(ctx context.Context, tx *gorm.DB, id string, delta int64, expectedVersion int64, at time.Time) error
	AddLike(ctx context.Context, tx *gorm.DB, postID, userID string, at time.Time) (bool, error)
	RemoveLike(ctx context.Context, tx *gorm.DB, postID, userID string) (bool, error)
	CountLikes(ctx context.Context, postID string) (int64, error)
	ListDueScheduled(ctx context.Context, now time.Time, limit int) ([]string, error)
}

type postRepository struct{ db *gorm.DB }

func NewPostRepository(db *gorm.DB) PostRepository { return &postRepository{db: db} }

func (r *postRepository) Create(ctx context.Context, tx *gorm.DB, p *domain.Post) error {
	row := PostToModel(p)
	return conn(ctx, r.db, tx).Create(row).Error
}

func (r *postRepository) GetByID(ctx context.Context, tx *gorm.DB, id string) (*domain.Post, error) {
	var row model.Post
	if err := conn(ctx, r.db, tx).Where("id = ?", id).Take(&row).Error; err != nil {
		return nil, err
	}
	return PostFromModel(&row), nil
}

func (r *postRepository) GetForUpdate(ctx context.Context, tx *gorm.DB, id string) (*domain.Post, error) {
	var row model.Post
	err := conn(ctx, r.db, tx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", id).
		Take(&row).Error
	if err != nil {
		return nil, err
	}
	return PostFromModel(&row), nil
}

func (r *postRepository) Save(ctx context.Context, tx *gorm.DB, p *domain.Post, expectedVersion int64) error {
	row := PostToModel(p)
	res := conn(ctx, r.db, tx).Model(&model.Post{}).
		Where("id = ? AND version = ?", p.ID, expectedVersion).
		Updates(map[string]any{
			"content":       row.Content,
			"published":     row.Published,
			"publish_at":    row.PublishAt,
			"like_count":    row.LikeCount,
			"repost_count":  row.RepostCount,
			"comment_count": row.CommentCount,
			"version":       row.Version,
			"edited_at":     row.EditedAt,
			"deleted_at":    row.DeletedAt,
			"updated_at":    p.LastEventAt,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrVersionConflict
	}
	return nil
}

func (r *postRepository) AdjustLikes(ctx context.Context, tx *gorm.DB, id string, delta int64, expectedVersion int64, at time.Time) error {
	res := conn(ctx, r.db, tx).Model(&model.Post{}).
		Where("id = ? AND version = ?", id, expectedVersion).
		Updates(map[string]any{
			"like_count": gorm.Expr("CASE WHEN like_count + ? < 0 THEN 0 ELSE like_count + ? END", delta, delta),
			"version":    expectedVersion + 1,
			"updated_at": at.UTC(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrVersionConflict
	}
	return nil
}

func (r *postRepository) AddLike(ctx context.Context, tx *gorm.DB, postID, userID string, at time.Time) (bool, error) {
	like := &model.PostLike{PostID: postID, UserID: userID, CreatedAt: at.UTC()}
	// 幂等：重复点赞 RowsAffected 为 0
	res := conn(ctx, r.db, tx).Clauses(clause.OnConflict{DoNothing: true}).Create(like)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *postRepository) RemoveLike(ctx context.Context, tx *gorm.DB, postID, userID string) (bool, error) {
	res := conn(ctx, r.db, tx).
		Where("post_id = ? AND user_id = ?", postID, userID).
		Delete(&model.PostLike{})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *postRepository) CountLikes(ctx context.Context, postID string) (int64, error) {
	var cnt int64
	err := r.db.WithContext(ctx).Model(&model.PostLike{}).Where("post_id = ?", postID).Count(&cnt).Error
	return cnt, err
}

func (r *postRepository) ListDueScheduled(ctx context.Context, now time.Time, limit int) ([]string, error) {
	var ids []string
	err := r.db.WithContext(ctx).Model(&model.Post{}).
		Where("published = ? AND deleted_at IS NULL AND publish_at <= ?", false, now.UTC()).
		Order("publish_at").
		Limit(limit).
		Pluck("id", &ids).Error
	return ids, err
}

// PostToModel 聚合 -> 行
func PostToModel(p *domain.Post) *model.Post {
	return &model.Post{
		ID:           p.ID,
		AuthorID:     p.AuthorID,
		Content:      p.Content,
		Published:    p.Published,
		PublishAt:    utcPtr(p.PublishAt),
		LikeCount:    p.LikeCount,
		RepostCount:  p.RepostCount,
		CommentCount: p.CommentCount,
		Version:      p.Version,
		CreatedAt:    p.CreatedAt.UTC(),
		EditedAt:     utcPtr(p.EditedAt),
		UpdatedAt:    p.LastEventAt.UTC(),
		DeletedAt:    utcPtr(p.DeletedAt),
	}
}

// PostFromModel 行 -> 聚合
func PostFromModel(m *model.Post) *domain.Post {
	return &domain.Post{
		ID:           m.ID,
		AuthorID:     m.AuthorID,
		Content:      m.Content,
		Published:    m.Published,
		PublishAt:    utcPtr(m.PublishAt),
		LikeCount:    m.LikeCount,
		RepostCount:  m.RepostCount,
		CommentCount: m.CommentCount,
		Version:      m.Version,
		CreatedAt:    m.CreatedAt.UTC(),
		EditedAt:     utcPtr(m.EditedAt),
		DeletedAt:    utcPtr(m.DeletedAt),
		LastEventAt:  m.UpdatedAt.UTC(),
	}
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
