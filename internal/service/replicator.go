package service

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/d60-Lab/feedpipe/internal/cache"
	"github.com/d60-Lab/feedpipe/internal/queue"
	"github.com/d60-Lab/feedpipe/internal/repository"
)

type replicateJob struct {
	userID string
	fanID  string
	enqAt  time.Time
}

// FanPayload ReconcileFan 任务的 payload
type FanPayload struct {
	UserID string `json:"user_id"`
	FanID  string `json:"fan_id"`
}

// FanReplicator 把 follows 冗余到 fans（fan-out 任务读 fans）。
// 每次复制都按 follows 的当前状态对账，所以重复执行、乱序执行都收敛到同一结果。
// 内存通道是快速路径；关注写入时同一事务里入队的 ReconcileFan 任务保证进程崩溃或通道满时不丢。
type FanReplicator struct {
	followRepo repository.FollowRepository
	fanRepo    repository.FanRepository
	cache      cache.Cache
	ch         chan replicateJob
	inflight   sync.WaitGroup
	metricsCh  chan time.Duration
	log        *zap.Logger
}

func NewFanReplicator(followRepo repository.FollowRepository, fanRepo repository.FanRepository, c cache.Cache, queueSize int, log *zap.Logger) *FanReplicator {
	if queueSize <= 0 {
		queueSize = 10000
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &FanReplicator{
		followRepo: followRepo,
		fanRepo:    fanRepo,
		cache:      c,
		ch:         make(chan replicateJob, queueSize),
		metricsCh:  make(chan time.Duration, 1024),
		log:        log.Named("replicator"),
	}
}

// ReconcileTask 关注关系变化后要入队的持久化对账任务
func ReconcileTask(userID, fanID string) (queue.Task, error) {
	return queue.NewTask(TaskReconcileFan, queue.PriorityDefault, FanPayload{UserID: userID, FanID: fanID})
}

// Register 把 ReconcileFan 注册到任务表
func (r *FanReplicator) Register(reg *Registry) error {
	return reg.Register(TaskHandler{Type: TaskReconcileFan, Run: func(ctx context.Context, raw json.RawMessage) error {
		var p FanPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return fmt.Errorf("decode fan payload: %w", err)
		}
		if p.UserID == "" || p.FanID == "" {
			return fmt.Errorf("fan payload missing user_id or fan_id")
		}
		return r.Reconcile(ctx, p.UserID, p.FanID)
	}})
}

// Reconcile 让 fans(userID, fanID) 与 follows(fanID -> userID) 一致，然后失效粉丝的时间线
func (r *FanReplicator) Reconcile(ctx context.Context, userID, fanID string) error {
	following, err := r.followRepo.Exists(ctx, fanID, userID)
	if err != nil {
		return fmt.Errorf("read follow: %w", err)
	}
	if following {
		err = r.fanRepo.Create(ctx, userID, fanID)
	} else {
		err = r.fanRepo.Delete(ctx, userID, fanID)
	}
	if err != nil {
		return fmt.Errorf("write fan: %w", err)
	}
	if r.cache != nil {
		if err := r.cache.Invalidate(ctx, cache.TimelineTarget(fanID)); err != nil {
			return fmt.Errorf("invalidate timeline: %w", err)
		}
	}
	return nil
}

func (r *FanReplicator) Start(workers int) func(context.Context) error {
	if workers <= 0 {
		workers = 4
	}
	stopCh := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case job := <-r.ch:
					r.apply(job)
				case <-stopCh:
					return
				}
			}
		}()
	}
	return func(ctx context.Context) error {
		// 先等队列排空，再停 worker
		drained := make(chan struct{})
		go func() {
			r.inflight.Wait()
			close(drained)
		}()
		select {
		case <-drained:
		case <-ctx.Done():
		}
		close(stopCh)
		wg.Wait()
		return ctx.Err()
	}
}

func (r *FanReplicator) apply(job replicateJob) {
	defer r.inflight.Done()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := r.Reconcile(ctx, job.userID, job.fanID); err != nil {
		// 持久化任务会再对账一次
		r.log.Warn("fan replication failed",
			zap.String("user", job.userID), zap.String("fan", job.fanID), zap.Error(err))
		return
	}
	select {
	case r.metricsCh <- time.Since(job.enqAt):
	default:
	}
}

// Enqueue 快速路径；通道满时丢弃，由 ReconcileFan 任务兜底
func (r *FanReplicator) Enqueue(userID, fanID string) {
	r.inflight.Add(1)
	select {
	case r.ch <- replicateJob{userID: userID, fanID: fanID, enqAt: time.Now()}:
	default:
		r.inflight.Done()
		r.log.Warn("replicator queue full, leaving it to the durable task",
			zap.String("user", userID), zap.String("fan", fanID))
	}
}

// Metrics 返回复制落地耗时的只读通道（每处理一条发送一次 duration，消费不及时则丢弃）
func (r *FanReplicator) Metrics() <-chan time.Duration { return r.metricsCh }

// QueueLen 返回当前队列长度（采样值）
func (r *FanReplicator) QueueLen() int { return len(r.ch) }
