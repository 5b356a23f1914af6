package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/d60-Lab/feedpipe/internal/cache"
	"github.com/d60-Lab/feedpipe/internal/domain"
	"github.com/d60-Lab/feedpipe/internal/model"
	"github.com/d60-Lab/feedpipe/internal/repository"
)

type JobsDeps struct {
	Posts         repository.PostRepository
	Fans          repository.FanRepository
	Inbox         repository.InboxRepository
	Entities      repository.EntityRepository
	Users         repository.UserRepository
	Notifications repository.NotificationRepository
	Cache         cache.Cache
	Sink          Notifier
	// ChunkSize 每批处理的粉丝数
	ChunkSize int
	Log       *zap.Logger
}

// Jobs 异步任务实现。所有任务都是幂等的：重算并覆盖，或依赖唯一约束去重
type Jobs struct {
	d   JobsDeps
	log *zap.Logger
}

func NewJobs(d JobsDeps) *Jobs {
	if d.ChunkSize <= 0 {
		d.ChunkSize = 500
	}
	if d.Log == nil {
		d.Log = zap.NewNop()
	}
	if d.Sink == nil {
		d.Sink = LogSink{Log: d.Log}
	}
	return &Jobs{d: d, log: d.Log.Named("jobs")}
}

// AllTasks 启动期 Require 使用；ReconcileFan 由 FanReplicator 注册
var AllTasks = []string{TaskExtractEntities, TaskNotifyFollowers, TaskRefreshFollowerTimelines, TaskReconcileFan}

func (j *Jobs) Register(reg *Registry) error {
	for _, h := range []struct {
		t  string
		fn func(context.Context, TaskPayload) error
	}{
		{TaskExtractEntities, j.ExtractEntities},
		{TaskNotifyFollowers, j.NotifyFollowers},
		{TaskRefreshFollowerTimelines, j.RefreshFollowerTimelines},
	} {
		fn, t := h.fn, h.t
		err := reg.Register(TaskHandler{Type: t, Run: func(ctx context.Context, raw json.RawMessage) error {
			p, err := decodePayload(raw)
			if err != nil {
				return err
			}
			ctx, span := tracer.Start(ctx, "Task "+t, trace.WithAttributes(attribute.String("post.id", p.PostID)))
			defer span.End()
			if err := fn(ctx, p); err != nil {
				span.RecordError(err)
				return err
			}
			return nil
		}})
		if err != nil {
			return err
		}
	}
	return nil
}

// loadPost 不存在返回 nil, nil；任务总是读存储而不是缓存
func (j *Jobs) loadPost(ctx context.Context, id string) (*domain.Post, error) {
	p, err := j.d.Posts.GetByID(ctx, nil, id)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	return p, err
}

// ExtractEntities 重算话题与提及并覆盖；已删除的帖子清空。
// 帖子已发布时通知被提及的用户（通知按 收件人+帖子+类型 去重）。
func (j *Jobs) ExtractEntities(ctx context.Context, payload TaskPayload) error {
	p, err := j.loadPost(ctx, payload.PostID)
	if err != nil {
		return err
	}
	if p == nil || p.Deleted() {
		if err := j.d.Entities.ReplaceTags(ctx, payload.PostID, nil); err != nil {
			return err
		}
		return j.d.Entities.ReplaceMentions(ctx, payload.PostID, nil)
	}

	tags := domain.ExtractHashtags(p.Content)
	if err := j.d.Entities.ReplaceTags(ctx, p.ID, tags); err != nil {
		return fmt.Errorf("replace tags: %w", err)
	}

	names := domain.ExtractMentions(p.Content)
	byName, err := j.d.Users.ResolveUsernames(ctx, names)
	if err != nil {
		return fmt.Errorf("resolve mentions: %w", err)
	}
	mentioned := make([]string, 0, len(byName))
	for _, name := range names {
		if uid, ok := byName[name]; ok && uid != p.AuthorID {
			mentioned = append(mentioned, uid)
		}
	}
	if err := j.d.Entities.ReplaceMentions(ctx, p.ID, mentioned); err != nil {
		return fmt.Errorf("replace mentions: %w", err)
	}

	if !p.Published || len(mentioned) == 0 {
		return nil
	}
	return j.notify(ctx, p, model.NotificationKindMention, mentioned)
}

// NotifyFollowers 按批给作者的粉丝发新帖通知，只投递本次新建的通知
func (j *Jobs) NotifyFollowers(ctx context.Context, payload TaskPayload) error {
	p, err := j.loadPost(ctx, payload.PostID)
	if err != nil {
		return err
	}
	if p == nil || p.Deleted() || !p.Published {
		j.log.Debug("skip notify for invisible post", zap.String("post_id", payload.PostID))
		return nil
	}

	after := ""
	total := 0
	for {
		fans, err := j.d.Fans.ListFanIDsAfter(ctx, p.AuthorID, after, j.d.ChunkSize)
		if err != nil {
			return fmt.Errorf("list fans: %w", err)
		}
		if len(fans) == 0 {
			break
		}
		if err := j.notify(ctx, p, model.NotificationKindNewPost, fans); err != nil {
			return err
		}
		total += len(fans)
		if len(fans) < j.d.ChunkSize {
			break
		}
		after = fans[len(fans)-1]
	}
	j.log.Debug("followers notified", zap.String("post_id", p.ID), zap.Int("fans", total))
	return nil
}

func (j *Jobs) notify(ctx context.Context, p *domain.Post, kind string, recipients []string) error {
	created, err := j.d.Notifications.CreateMissing(ctx, p.ID, p.AuthorID, kind, recipients)
	if err != nil {
		return fmt.Errorf("create notifications: %w", err)
	}
	now := time.Now().UTC()
	for _, rid := range created {
		n := Notification{RecipientID: rid, PostID: p.ID, ActorID: p.AuthorID, Kind: kind, At: now}
		if err := j.d.Sink.Deliver(ctx, n); err != nil {
			// 通知记录已落库，投递失败只记录
			j.log.Warn("notification delivery failed",
				zap.String("recipient", rid), zap.String("post_id", p.ID), zap.Error(err))
		}
	}
	return nil
}

// RefreshFollowerTimelines 重算作者和粉丝的时间线投影，然后粗粒度失效他们的全部分页
func (j *Jobs) RefreshFollowerTimelines(ctx context.Context, payload TaskPayload) error {
	p, err := j.loadPost(ctx, payload.PostID)
	if err != nil {
		return err
	}

	authorID := payload.AuthorID
	if p != nil {
		authorID = p.AuthorID
	}
	affected := make(map[string]struct{})
	var users []string
	addUser := func(id string) {
		if id == "" {
			return
		}
		if _, ok := affected[id]; ok {
			return
		}
		affected[id] = struct{}{}
		users = append(users, id)
	}

	if p != nil && !p.Deleted() && p.Published {
		addUser(authorID)
		after := ""
		for {
			fans, err := j.d.Fans.ListFanIDsAfter(ctx, authorID, after, j.d.ChunkSize)
			if err != nil {
				return fmt.Errorf("list fans: %w", err)
			}
			if err := j.d.Inbox.Upsert(ctx, p.ID, p.CreatedAt.UnixNano(), fans); err != nil {
				return fmt.Errorf("upsert inbox: %w", err)
			}
			for _, f := range fans {
				addUser(f)
			}
			if len(fans) < j.d.ChunkSize {
				break
			}
			after = fans[len(fans)-1]
		}
		if err := j.d.Inbox.Upsert(ctx, p.ID, p.CreatedAt.UnixNano(), []string{authorID}); err != nil {
			return fmt.Errorf("upsert inbox: %w", err)
		}
	} else {
		removed, err := j.d.Inbox.RemovePost(ctx, payload.PostID)
		if err != nil {
			return fmt.Errorf("remove from inbox: %w", err)
		}
		addUser(authorID)
		for _, u := range removed {
			addUser(u)
		}
	}

	if j.d.Cache == nil || len(users) == 0 {
		return nil
	}
	targets := make([]cache.Target, len(users))
	for i, u := range users {
		targets[i] = cache.TimelineTarget(u)
	}
	// 失效失败返回错误，由队列重试
	if err := j.d.Cache.Invalidate(ctx, targets...); err != nil {
		return fmt.Errorf("invalidate timelines: %w", err)
	}
	return nil
}
