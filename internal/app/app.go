// Package app 按配置装配存储、缓存、队列和各个服务。
package app

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/d60-Lab/feedpipe/config"
	"github.com/d60-Lab/feedpipe/internal/cache"
	"github.com/d60-Lab/feedpipe/internal/domain"
	"github.com/d60-Lab/feedpipe/internal/queue"
	"github.com/d60-Lab/feedpipe/internal/repository"
	"github.com/d60-Lab/feedpipe/internal/service"
)

type Repositories struct {
	Posts         repository.PostRepository
	Events        repository.EventRepository
	Follows       repository.FollowRepository
	Fans          repository.FanRepository
	Inbox         repository.InboxRepository
	Entities      repository.EntityRepository
	Users         repository.UserRepository
	Notifications repository.NotificationRepository
}

type App struct {
	Cfg   *config.Config
	DB    *gorm.DB
	Redis redis.UniversalClient
	Log   *zap.Logger

	Repos      Repositories
	Cache      *cache.RedisCache
	Queue      *queue.GormQueue
	Dispatcher *service.Dispatcher
	Reader     *service.Reader
	Replicator *service.FanReplicator
	Relations  service.RelationshipService
	Registry   *service.Registry
	Workers    *service.WorkerPool
	Scheduler  *service.Scheduler
}

// New 装配全部组件；命令和任务的 handler 缺失在这里就失败
func New(cfg *config.Config, db *gorm.DB, rdb redis.UniversalClient, log *zap.Logger) (*App, error) {
	if log == nil {
		log = zap.NewNop()
	}
	a := &App{Cfg: cfg, DB: db, Redis: rdb, Log: log}
	a.Repos = Repositories{
		Posts:         repository.NewPostRepository(db),
		Events:        repository.NewEventRepository(db),
		Follows:       repository.NewFollowRepository(db),
		Fans:          repository.NewFanRepository(db),
		Inbox:         repository.NewInboxRepository(db),
		Entities:      repository.NewEntityRepository(db),
		Users:         repository.NewUserRepository(db),
		Notifications: repository.NewNotificationRepository(db),
	}
	a.Cache = cache.NewRedisCache(rdb, log)

	reporters := queue.MultiReporter{queue.LogReporter{Log: log.Named("deadletter")}}
	if cfg.Sentry.DSN != "" {
		reporters = append(reporters, queue.SentryReporter{})
	}
	a.Queue = queue.NewGormQueue(db, log, queue.Options{
		MaxAttempts:  cfg.Queue.MaxAttempts,
		Backoff:      queue.Backoff{Base: cfg.Queue.BaseBackoff, Max: cfg.Queue.MaxBackoff, Jitter: 0.2},
		LeaseTimeout: cfg.Queue.LeaseTimeout,
		Reporter:     reporters,
	})

	a.Dispatcher = service.NewDispatcher(service.DispatcherDeps{
		Tx:      repository.NewTxRunner(db),
		Events:  a.Repos.Events,
		Posts:   a.Repos.Posts,
		Queue:   a.Queue,
		Reactor: service.NewReactor(a.Cache, log),
		Log:     log,
	})
	cmds := service.PostCommands{Posts: a.Repos.Posts, Rules: domain.Rules{MaxContentLength: cfg.Post.MaxContentLength}}
	if err := cmds.Register(a.Dispatcher); err != nil {
		return nil, err
	}
	if err := a.Dispatcher.Require(service.AllCommands...); err != nil {
		return nil, err
	}

	a.Reader = service.NewReader(a.Repos.Posts, a.Repos.Inbox, a.Repos.Follows, a.Cache, service.ReaderConfig{
		PostTTL:      cfg.Cache.PostTTL,
		TimelineTTL:  cfg.Cache.TimelineTTL,
		FollowingTTL: cfg.Cache.FollowingTTL,
		PageSize:     cfg.Cache.TimelinePageSize,
	}, log)
	a.Replicator = service.NewFanReplicator(a.Repos.Follows, a.Repos.Fans, a.Cache, 10000, log)
	a.Relations = service.NewRelationshipService(service.RelationshipDeps{
		Tx:         repository.NewTxRunner(db),
		Follows:    a.Repos.Follows,
		Fans:       a.Repos.Fans,
		Queue:      a.Queue,
		Replicator: a.Replicator,
		Reader:     a.Reader,
		Cache:      a.Cache,
		Log:        log,
	})

	a.Registry = service.NewRegistry()
	jobs := service.NewJobs(service.JobsDeps{
		Posts:         a.Repos.Posts,
		Fans:          a.Repos.Fans,
		Inbox:         a.Repos.Inbox,
		Entities:      a.Repos.Entities,
		Users:         a.Repos.Users,
		Notifications: a.Repos.Notifications,
		Cache:         a.Cache,
		Sink:          a.sink(),
		ChunkSize:     cfg.Notify.ChunkSize,
		Log:           log,
	})
	if err := jobs.Register(a.Registry); err != nil {
		return nil, err
	}
	if err := a.Replicator.Register(a.Registry); err != nil {
		return nil, err
	}
	if err := a.Registry.Require(service.AllTasks...); err != nil {
		return nil, err
	}
	a.Workers = service.NewWorkerPool(a.Queue, a.Registry, service.WorkerConfig{
		Workers:      cfg.Queue.Workers,
		PollInterval: cfg.Queue.PollInterval,
		TaskTimeout:  cfg.Queue.TaskTimeout,
	}, log)
	a.Scheduler = service.NewScheduler(a.Repos.Posts, a.Dispatcher, cfg.Scheduler.PollInterval, cfg.Scheduler.BatchSize, log)
	return a, nil
}

func (a *App) sink() service.Notifier {
	var s service.Notifier = service.LogSink{Log: a.Log.Named("notify")}
	if a.Cfg.Notify.Sink == "redis" {
		s = service.NewRedisSink(a.Redis)
	}
	return service.NewRateLimitedSink(s, a.Cfg.Notify.RateLimit, a.Cfg.Notify.Burst)
}

// StartBackground 启动复制器、worker 和定时发布；返回的函数依次停止它们
func (a *App) StartBackground(withWorkers bool) func(context.Context) error {
	var stops []func(context.Context) error
	stops = append(stops, a.Replicator.Start(4))
	if withWorkers {
		stops = append(stops, a.Workers.Start())
		if a.Cfg.Scheduler.Enabled {
			stops = append(stops, a.Scheduler.Start())
		}
	}
	return func(ctx context.Context) error {
		var errs []error
		for i := len(stops) - 1; i >= 0; i-- {
			if err := stops[i](ctx); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	}
}

func NewRedisClient(cfg config.RedisConfig) redis.UniversalClient {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
}

// NewRedis 按配置创建 redis 客户端并 ping 一次
func NewRedis(ctx context.Context, cfg config.RedisConfig) (redis.UniversalClient, error) {
	client := NewRedisClient(cfg)
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}
	return client, nil
}
