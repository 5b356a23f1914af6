package service

import (
	"context"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/d60-Lab/feedpipe/internal/cache"
	"github.com/d60-Lab/feedpipe/internal/domain"
	"github.com/d60-Lab/feedpipe/internal/queue"
	"github.com/d60-Lab/feedpipe/internal/repository"
)

// RelationshipService 关系链服务
type RelationshipService interface {
	Follow(ctx context.Context, fromUserID, toUserID string) error
	Unfollow(ctx context.Context, fromUserID, toUserID string) error
	ListFollowing(ctx context.Context, userID string, page, pageSize int) ([]string, error)
	ListFans(ctx context.Context, userID string, page, pageSize int) ([]string, error)
}

type RelationshipDeps struct {
	Tx      repository.TxRunner
	Follows repository.FollowRepository
	Fans    repository.FanRepository
	// Queue 关注写入时在同一事务里入队 ReconcileFan
	Queue      queue.Queue
	Replicator *FanReplicator
	Reader     *Reader
	Cache      cache.Cache
	Log        *zap.Logger
}

type relationshipService struct {
	tx         repository.TxRunner
	followRepo repository.FollowRepository
	fanRepo    repository.FanRepository
	queue      queue.Queue
	replicator *FanReplicator
	reader     *Reader
	cache      cache.Cache
	log        *zap.Logger
}

func NewRelationshipService(d RelationshipDeps) RelationshipService {
	log := d.Log
	if log == nil {
		log = zap.NewNop()
	}
	return &relationshipService{
		tx:         d.Tx,
		followRepo: d.Follows,
		fanRepo:    d.Fans,
		queue:      d.Queue,
		replicator: d.Replicator,
		reader:     d.Reader,
		cache:      d.Cache,
		log:        log.Named("relationship"),
	}
}

func (s *relationshipService) Follow(ctx context.Context, fromUserID, toUserID string) error {
	if fromUserID == "" || toUserID == "" {
		return domain.Validation("Follow", "both users are required")
	}
	if fromUserID == toUserID {
		return domain.Validation("Follow", "cannot follow self")
	}
	return s.change(ctx, "Follow", fromUserID, toUserID, s.followRepo.Create)
}

func (s *relationshipService) Unfollow(ctx context.Context, fromUserID, toUserID string) error {
	if fromUserID == "" || toUserID == "" {
		return domain.Validation("Unfollow", "both users are required")
	}
	return s.change(ctx, "Unfollow", fromUserID, toUserID, s.followRepo.Delete)
}

// change 关注关系写入和对账任务同一事务提交；提交后失效关注列表并走复制快速路径
func (s *relationshipService) change(ctx context.Context, op, fromUserID, toUserID string,
	write func(ctx context.Context, tx *gorm.DB, followerID, followeeID string) error) error {
	err := s.tx.InTx(ctx, func(tx *gorm.DB) error {
		if err := write(ctx, tx, fromUserID, toUserID); err != nil {
			return err
		}
		if s.queue == nil {
			return nil
		}
		task, err := ReconcileTask(toUserID, fromUserID)
		if err != nil {
			return err
		}
		return s.queue.Enqueue(ctx, tx, task)
	})
	if err != nil {
		return repository.MapError(op, err)
	}
	s.invalidateFollowing(ctx, fromUserID)
	if s.replicator != nil {
		s.replicator.Enqueue(toUserID, fromUserID)
	}
	return nil
}

func (s *relationshipService) invalidateFollowing(ctx context.Context, userID string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Invalidate(ctx, cache.FollowingTarget(userID)); err != nil {
		s.log.Warn("following invalidation failed", zap.String("user", userID), zap.Error(err))
	}
}

func (s *relationshipService) ListFollowing(ctx context.Context, userID string, page, pageSize int) ([]string, error) {
	if s.reader != nil {
		return s.reader.ListFollowing(ctx, userID, page, pageSize)
	}
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 10
	}
	items, err := s.followRepo.ListFollowings(ctx, userID, (page-1)*pageSize, pageSize)
	if err != nil {
		return nil, err
	}
	res := make([]string, len(items))
	for i, it := range items {
		res[i] = it.FolloweeID
	}
	return res, nil
}

func (s *relationshipService) ListFans(ctx context.Context, userID string, page, pageSize int) ([]string, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 10
	}
	offset := (page - 1) * pageSize
	items, err := s.fanRepo.ListFans(ctx, userID, offset, pageSize)
	if err != nil {
		return nil, err
	}
	res := make([]string, len(items))
	for i, it := range items {
		res[i] = it.FanID
	}
	return res, nil
}
