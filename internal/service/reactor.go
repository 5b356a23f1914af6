package service

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/d60-Lab/feedpipe/internal/cache"
	"github.com/d60-Lab/feedpipe/internal/domain"
	"github.com/d60-Lab/feedpipe/internal/queue"
)

// Reactor 根据事件决定哪些缓存失效、哪些后续任务入队。
// 失效在提交之后执行；任务在同一个事务里入队。
type Reactor struct {
	cache cache.Cache
	log   *zap.Logger
}

func NewReactor(c cache.Cache, log *zap.Logger) *Reactor {
	if log == nil {
		log = zap.NewNop()
	}
	return &Reactor{cache: c, log: log.Named("reactor")}
}

type plannedTask struct {
	taskType string
	priority queue.Priority
}

func fanoutTasks() []plannedTask {
	return []plannedTask{
		{TaskExtractEntities, queue.PriorityHigh},
		{TaskNotifyFollowers, queue.PriorityHigh},
		{TaskRefreshFollowerTimelines, queue.PriorityDefault},
	}
}

func createdPublished(e domain.Event) bool {
	return e.Payload.Published == nil || *e.Payload.Published
}

func plan(e domain.Event) []plannedTask {
	switch e.Type {
	case domain.EventCreated:
		if createdPublished(e) {
			return fanoutTasks()
		}
		return []plannedTask{{TaskExtractEntities, queue.PriorityHigh}}
	case domain.EventUpdated:
		if e.Payload.Publishing {
			return fanoutTasks()
		}
		if e.Payload.ContentChanged {
			return []plannedTask{{TaskExtractEntities, queue.PriorityHigh}}
		}
	case domain.EventDeleted:
		return []plannedTask{
			{TaskRefreshFollowerTimelines, queue.PriorityDefault},
			{TaskExtractEntities, queue.PriorityLow},
		}
	}
	// liked / unliked 只影响计数，没有后续任务
	return nil
}

// Plan 返回需要入队的任务，同一类型只保留一个（优先级取最高）
func (r *Reactor) Plan(post *domain.Post, events []domain.Event) ([]queue.Task, error) {
	var (
		order []string
		best  = make(map[string]plannedTask)
		last  = make(map[string]domain.Event)
	)
	for _, e := range events {
		for _, pt := range plan(e) {
			cur, seen := best[pt.taskType]
			if !seen {
				order = append(order, pt.taskType)
				best[pt.taskType] = pt
			} else if pt.priority.Before(cur.priority) {
				best[pt.taskType] = pt
			}
			last[pt.taskType] = e
		}
	}

	tasks := make([]queue.Task, 0, len(order))
	for _, t := range order {
		e := last[t]
		payload := TaskPayload{PostID: e.AggregateID, Event: string(e.Type), Version: e.Version}
		if post != nil {
			payload.AuthorID = post.AuthorID
		}
		task, err := queue.NewTask(t, best[t].priority, payload)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	return tasks, nil
}

// Targets 返回事件对应的失效范围
func (r *Reactor) Targets(post *domain.Post, events []domain.Event) []cache.Target {
	var targets []cache.Target
	seen := make(map[string]struct{})
	add := func(t cache.Target) {
		if _, ok := seen[t.GenKey]; ok {
			return
		}
		seen[t.GenKey] = struct{}{}
		targets = append(targets, t)
	}
	for _, e := range events {
		add(cache.PostTarget(e.AggregateID))
		authorTimeline := false
		switch e.Type {
		case domain.EventCreated:
			authorTimeline = createdPublished(e)
		case domain.EventUpdated:
			authorTimeline = e.Payload.Publishing
		case domain.EventDeleted:
			authorTimeline = true
		}
		if authorTimeline && post != nil {
			add(cache.TimelineTarget(post.AuthorID))
		}
	}
	return targets
}

// Invalidate 提交后调用，错误交给调用方记录
func (r *Reactor) Invalidate(ctx context.Context, post *domain.Post, events []domain.Event) error {
	targets := r.Targets(post, events)
	if len(targets) == 0 || r.cache == nil {
		return nil
	}
	if err := r.cache.Invalidate(ctx, targets...); err != nil {
		return fmt.Errorf("invalidate %d targets: %w", len(targets), err)
	}
	r.log.Debug("cache invalidated", zap.String("post_id", post.ID), zap.Int("targets", len(targets)))
	return nil
}
