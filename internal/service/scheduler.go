package service

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/d60-Lab/feedpipe/internal/domain"
	"github.com/d60-Lab/feedpipe/internal/repository"
)

// Scheduler 定时发布：到期的定时帖子通过 PublishPost 命令发布
type Scheduler struct {
	posts        repository.PostRepository
	dispatcher   *Dispatcher
	pollInterval time.Duration
	batchSize    int
	now          func() time.Time
	log          *zap.Logger
}

func NewScheduler(posts repository.PostRepository, d *Dispatcher, pollInterval time.Duration, batchSize int, log *zap.Logger) *Scheduler {
	if pollInterval <= 0 {
		pollInterval = 5 * time.Second
	}
	if batchSize <= 0 {
		batchSize = 100
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Scheduler{posts: posts, dispatcher: d, pollInterval: pollInterval, batchSize: batchSize, now: time.Now, log: log.Named("scheduler")}
}

func (s *Scheduler) Start() func(context.Context) error {
	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(s.pollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if _, err := s.RunOnce(context.Background()); err != nil {
					s.log.Warn("publish due posts failed", zap.Error(err))
				}
			}
		}
	}()
	return func(ctx context.Context) error {
		close(stop)
		select {
		case <-done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// RunOnce 发布一批到期帖子，返回发布数量
func (s *Scheduler) RunOnce(ctx context.Context) (int, error) {
	now := s.now().UTC()
	ids, err := s.posts.ListDueScheduled(ctx, now, s.batchSize)
	if err != nil {
		return 0, err
	}
	published := 0
	for _, id := range ids {
		cmd := domain.PublishPost{
			Meta:   domain.Meta{ActorID: domain.SystemActor, At: now, RequestID: "scheduled:" + id},
			PostID: id,
		}
		if _, err := s.dispatcher.Dispatch(ctx, cmd); err != nil {
			s.log.Warn("publish scheduled post failed", zap.String("post_id", id), zap.Error(err))
			continue
		}
		published++
	}
	return published, nil
}
