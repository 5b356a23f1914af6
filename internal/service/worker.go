package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/d60-Lab/feedpipe/internal/queue"
)

type WorkerConfig struct {
	Workers      int
	PollInterval time.Duration
	// TaskTimeout 单个任务的执行上限；认领后的任务不可取消，只受这个超时约束
	TaskTimeout time.Duration
}

// WorkerPool 固定数量的 worker 轮询队列；每次 tick 把队列处理到空为止
type WorkerPool struct {
	q        queue.Queue
	registry *Registry
	cfg      WorkerConfig
	log      *zap.Logger
}

func NewWorkerPool(q queue.Queue, registry *Registry, cfg WorkerConfig, log *zap.Logger) *WorkerPool {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 200 * time.Millisecond
	}
	if cfg.TaskTimeout <= 0 {
		cfg.TaskTimeout = time.Minute
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &WorkerPool{q: q, registry: registry, cfg: cfg, log: log.Named("worker")}
}

// Start 启动 worker；返回的停止函数等待进行中的任务结束（或 ctx 到期）
func (w *WorkerPool) Start() func(context.Context) error {
	stop := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < w.cfg.Workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			w.loop(stop, w.log.With(zap.Int("worker", id)))
		}(i)
	}
	return func(ctx context.Context) error {
		close(stop)
		done := make(chan struct{})
		go func() {
			wg.Wait()
			close(done)
		}()
		select {
		case <-done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (w *WorkerPool) loop(stop <-chan struct{}, log *zap.Logger) {
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			for {
				select {
				case <-stop:
					return
				default:
				}
				ran, err := w.ProcessOne(context.Background())
				if err != nil {
					log.Warn("claim failed", zap.Error(err))
					break
				}
				if !ran {
					break
				}
			}
		}
	}
}

// Drain 在当前 goroutine 里处理任务直到队列没有可执行的任务，返回处理数。
// CLI 的一次性模式和测试使用。
func (w *WorkerPool) Drain(ctx context.Context) (int, error) {
	n := 0
	for {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		ran, err := w.ProcessOne(ctx)
		if err != nil {
			return n, err
		}
		if !ran {
			return n, nil
		}
		n++
	}
}

// ProcessOne 认领并执行一个任务。队列为空时返回 false
func (w *WorkerPool) ProcessOne(ctx context.Context) (bool, error) {
	task, err := w.q.Claim(ctx)
	if err != nil {
		return false, err
	}
	if task == nil {
		return false, nil
	}

	log := w.log.With(
		zap.String("task_id", task.ID),
		zap.String("task_type", task.Type),
		zap.Int("attempt", task.Attempt))

	runErr := w.run(ctx, task)
	if runErr == nil {
		if err := w.q.Complete(ctx, task); err != nil {
			log.Warn("complete failed", zap.Error(err))
		}
		return true, nil
	}

	dead, err := w.q.Fail(ctx, task, runErr)
	if err != nil {
		log.Error("recording failure failed", zap.NamedError("task_error", runErr), zap.Error(err))
		return true, nil
	}
	if dead {
		log.Error("task exhausted retries", zap.Error(runErr))
	} else {
		log.Warn("task failed, will retry", zap.Error(runErr))
	}
	return true, nil
}

func (w *WorkerPool) run(ctx context.Context, task *queue.Task) (err error) {
	h, ok := w.registry.Get(task.Type)
	if !ok {
		return fmt.Errorf("no handler registered for task_type=%s", task.Type)
	}
	ctx, cancel := context.WithTimeout(ctx, w.cfg.TaskTimeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panic: %v", r)
		}
	}()
	return h.Run(ctx, task.Payload)
}
