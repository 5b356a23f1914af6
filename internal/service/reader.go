package service

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"github.com/d60-Lab/feedpipe/internal/cache"
	"github.com/d60-Lab/feedpipe/internal/domain"
	"github.com/d60-Lab/feedpipe/internal/repository"
)

// PostView 帖子读模型，也是 post:{id} 的缓存内容
type PostView struct {
	ID           string     `json:"id"`
	AuthorID     string     `json:"author_id"`
	Content      string     `json:"content"`
	Published    bool       `json:"published"`
	PublishAt    *time.Time `json:"publish_at,omitempty"`
	LikeCount    int64      `json:"like_count"`
	RepostCount  int64      `json:"repost_count"`
	CommentCount int64      `json:"comment_count"`
	Version      int64      `json:"version"`
	CreatedAt    time.Time  `json:"created_at"`
	EditedAt     *time.Time `json:"edited_at,omitempty"`
}

func NewPostView(p *domain.Post) PostView {
	return PostView{
		ID:           p.ID,
		AuthorID:     p.AuthorID,
		Content:      p.Content,
		Published:    p.Published,
		PublishAt:    p.PublishAt,
		LikeCount:    p.LikeCount,
		RepostCount:  p.RepostCount,
		CommentCount: p.CommentCount,
		Version:      p.Version,
		CreatedAt:    p.CreatedAt,
		EditedAt:     p.EditedAt,
	}
}

type TimelinePage struct {
	UserID string     `json:"user_id"`
	Page   int        `json:"page"`
	Posts  []PostView `json:"posts"`
}

type ReaderConfig struct {
	PostTTL      time.Duration
	TimelineTTL  time.Duration
	FollowingTTL time.Duration
	PageSize     int
	// HydrateConcurrency 时间线分页并发回填帖子的上限
	HydrateConcurrency int
}

// Reader 旁路缓存读仓储：先读缓存，未命中读存储并回填
type Reader struct {
	posts   repository.PostRepository
	inbox   repository.InboxRepository
	follows repository.FollowRepository
	cache   cache.Cache
	cfg     ReaderConfig
	log     *zap.Logger
}

func NewReader(posts repository.PostRepository, inbox repository.InboxRepository, follows repository.FollowRepository, c cache.Cache, cfg ReaderConfig, log *zap.Logger) *Reader {
	if cfg.PageSize <= 0 {
		cfg.PageSize = 20
	}
	if cfg.PostTTL <= 0 {
		cfg.PostTTL = 10 * time.Minute
	}
	if cfg.TimelineTTL <= 0 {
		cfg.TimelineTTL = 2 * time.Minute
	}
	if cfg.FollowingTTL <= 0 {
		cfg.FollowingTTL = 10 * time.Minute
	}
	if cfg.HydrateConcurrency <= 0 {
		cfg.HydrateConcurrency = 8
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Reader{posts: posts, inbox: inbox, follows: follows, cache: c, cfg: cfg, log: log.Named("reader")}
}

// GetPost 已删除或不存在返回 not_found（不缓存）；未发布的帖子只对作者可见
func (r *Reader) GetPost(ctx context.Context, viewerID, postID string) (*PostView, error) {
	const op = "GetPost"
	if postID == "" {
		return nil, domain.Validation(op, "post id is required")
	}
	var view PostView
	err := r.cache.Fetch(ctx, cache.PostKey(postID), cache.PostGenKey(postID), r.cfg.PostTTL, &view,
		func(ctx context.Context) (any, error) {
			p, err := r.posts.GetByID(ctx, nil, postID)
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil, domain.NotFound(op, "post "+postID+" not found")
			}
			if err != nil {
				return nil, repository.MapError(op, err)
			}
			if p.Deleted() {
				return nil, domain.NotFound(op, "post "+postID+" not found")
			}
			return NewPostView(p), nil
		})
	if err != nil {
		return nil, err
	}
	if !view.Published && viewerID != view.AuthorID {
		return nil, domain.NotFound(op, "post "+postID+" not found")
	}
	return &view, nil
}

// GetTimelinePage page 从 1 开始。页里只缓存帖子 id，帖子内容和计数逐条经 GetPost 读取
func (r *Reader) GetTimelinePage(ctx context.Context, userID string, page int) (*TimelinePage, error) {
	const op = "GetTimelinePage"
	if userID == "" {
		return nil, domain.Validation(op, "user id is required")
	}
	if page < 1 {
		page = 1
	}

	var ids []string
	err := r.cache.Fetch(ctx, cache.TimelinePageKey(userID, page), cache.TimelineGenKey(userID), r.cfg.TimelineTTL, &ids,
		func(ctx context.Context) (any, error) {
			ids, err := r.inbox.ListPage(ctx, userID, (page-1)*r.cfg.PageSize, r.cfg.PageSize)
			if err != nil {
				return nil, repository.MapError(op, err)
			}
			if ids == nil {
				ids = []string{}
			}
			return ids, nil
		})
	if err != nil {
		return nil, err
	}

	views := make([]*PostView, len(ids))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.HydrateConcurrency)
	for i, id := range ids {
		g.Go(func() error {
			v, err := r.GetPost(gctx, userID, id)
			if domain.IsKind(err, domain.KindNotFound) {
				// 页缓存之后被删除的帖子直接跳过
				return nil
			}
			if err != nil {
				return err
			}
			views[i] = v
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	res := &TimelinePage{UserID: userID, Page: page, Posts: make([]PostView, 0, len(ids))}
	for _, v := range views {
		if v != nil {
			res.Posts = append(res.Posts, *v)
		}
	}
	return res, nil
}

// ListFollowing 关注列表分页，缓存在 following:{userId}（Redis list）
func (r *Reader) ListFollowing(ctx context.Context, userID string, page, pageSize int) ([]string, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 10
	}
	start := int64((page - 1) * pageSize)
	stop := start + int64(pageSize) - 1
	return r.cache.FetchRange(ctx, cache.FollowingKey(userID), cache.FollowingGenKey(userID), r.cfg.FollowingTTL, start, stop,
		func(ctx context.Context) ([]string, error) {
			return r.follows.ListFolloweeIDs(ctx, userID)
		})
}
