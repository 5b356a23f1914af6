package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/d60-Lab/feedpipe/internal/domain"
	"github.com/d60-Lab/feedpipe/internal/repository"
)

// PostCommands 帖子命令的处理函数集合
type PostCommands struct {
	Posts repository.PostRepository
	Rules domain.Rules
	NewID func() string
}

// AllCommands 启动期 Require 使用
var AllCommands = []string{
	domain.CommandCreatePost,
	domain.CommandEditPost,
	domain.CommandLikePost,
	domain.CommandUnlikePost,
	domain.CommandDeletePost,
	domain.CommandPublishPost,
}

func (h PostCommands) Register(d *Dispatcher) error {
	if h.NewID == nil {
		h.NewID = func() string { return uuid.New().String() }
	}
	handlers := []struct {
		t string
		h CommandHandler
	}{
		{domain.CommandCreatePost, h.create},
		{domain.CommandEditPost, h.edit},
		{domain.CommandLikePost, h.like},
		{domain.CommandUnlikePost, h.unlike},
		{domain.CommandDeletePost, h.delete},
		{domain.CommandPublishPost, h.publish},
	}
	for _, it := range handlers {
		if err := d.Register(it.t, it.h); err != nil {
			return err
		}
	}
	return nil
}

// commandAs 同时接受值和指针形式的命令
func commandAs[T domain.Command](op string, c domain.Command) (T, error) {
	switch v := any(c).(type) {
	case T:
		return v, nil
	case *T:
		if v != nil {
			return *v, nil
		}
	}
	var zero T
	return zero, domain.Validation(op, fmt.Sprintf("unexpected command %T", c))
}

func (h PostCommands) load(ctx context.Context, tx *gorm.DB, op, id string) (*domain.Post, error) {
	p, err := h.Posts.GetForUpdate(ctx, tx, id)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.NotFound(op, "post "+id+" not found")
	}
	return p, err
}

func (h PostCommands) create(ctx context.Context, tx *gorm.DB, c domain.Command) (Outcome, error) {
	const op = domain.CommandCreatePost
	cmd, err := commandAs[domain.CreatePost](op, c)
	if err != nil {
		return Outcome{}, err
	}
	id := cmd.PostID
	if id == "" {
		id = h.NewID()
	}
	p, evt, err := domain.NewPost(h.Rules, id, cmd.ActorID, cmd.Content, cmd.PublishAt, cmd.At.UTC())
	if err != nil {
		return Outcome{}, err
	}
	if err := h.Posts.Create(ctx, tx, p); err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return Outcome{}, domain.Conflict(op, "post "+id+" already exists")
		}
		return Outcome{}, err
	}
	return Outcome{Post: p, Events: []domain.Event{evt}}, nil
}

func (h PostCommands) edit(ctx context.Context, tx *gorm.DB, c domain.Command) (Outcome, error) {
	const op = domain.CommandEditPost
	cmd, err := commandAs[domain.EditPost](op, c)
	if err != nil {
		return Outcome{}, err
	}
	p, err := h.load(ctx, tx, op, cmd.PostID)
	if err != nil {
		return Outcome{}, err
	}
	prev := p.Version
	evt, changed, err := p.Edit(h.Rules, cmd.ActorID, cmd.Content, cmd.PublishAt, cmd.At.UTC())
	if err != nil || !changed {
		return Outcome{Post: p}, err
	}
	return h.commit(ctx, tx, p, prev, evt)
}

func (h PostCommands) like(ctx context.Context, tx *gorm.DB, c domain.Command) (Outcome, error) {
	const op = domain.CommandLikePost
	cmd, err := commandAs[domain.LikePost](op, c)
	if err != nil {
		return Outcome{}, err
	}
	p, err := h.load(ctx, tx, op, cmd.PostID)
	if err != nil {
		return Outcome{}, err
	}
	prev := p.Version
	evt, err := p.Like(cmd.ActorID, cmd.At.UTC())
	if err != nil {
		return Outcome{}, err
	}
	inserted, err := h.Posts.AddLike(ctx, tx, p.ID, cmd.ActorID, evt.OccurredAt)
	if err != nil {
		return Outcome{}, err
	}
	if !inserted {
		// 已经点过赞
		return Outcome{Post: p}, nil
	}
	return h.adjustLikes(ctx, tx, p, prev, evt, 1)
}

func (h PostCommands) unlike(ctx context.Context, tx *gorm.DB, c domain.Command) (Outcome, error) {
	const op = domain.CommandUnlikePost
	cmd, err := commandAs[domain.UnlikePost](op, c)
	if err != nil {
		return Outcome{}, err
	}
	p, err := h.load(ctx, tx, op, cmd.PostID)
	if err != nil {
		return Outcome{}, err
	}
	prev := p.Version
	evt, err := p.Unlike(cmd.ActorID, cmd.At.UTC())
	if err != nil {
		return Outcome{}, err
	}
	removed, err := h.Posts.RemoveLike(ctx, tx, p.ID, cmd.ActorID)
	if err != nil {
		return Outcome{}, err
	}
	if !removed {
		return Outcome{Post: p}, nil
	}
	return h.adjustLikes(ctx, tx, p, prev, evt, -1)
}

func (h PostCommands) delete(ctx context.Context, tx *gorm.DB, c domain.Command) (Outcome, error) {
	const op = domain.CommandDeletePost
	cmd, err := commandAs[domain.DeletePost](op, c)
	if err != nil {
		return Outcome{}, err
	}
	p, err := h.load(ctx, tx, op, cmd.PostID)
	if err != nil {
		return Outcome{}, err
	}
	prev := p.Version
	evt, err := p.Delete(cmd.ActorID, cmd.At.UTC())
	if err != nil {
		return Outcome{}, err
	}
	return h.commit(ctx, tx, p, prev, evt)
}

func (h PostCommands) publish(ctx context.Context, tx *gorm.DB, c domain.Command) (Outcome, error) {
	const op = domain.CommandPublishPost
	cmd, err := commandAs[domain.PublishPost](op, c)
	if err != nil {
		return Outcome{}, err
	}
	p, err := h.load(ctx, tx, op, cmd.PostID)
	if err != nil {
		return Outcome{}, err
	}
	if cmd.ActorID != domain.SystemActor && cmd.ActorID != p.AuthorID {
		return Outcome{}, domain.Forbidden(op, "only the author or the scheduler may publish")
	}
	prev := p.Version
	evt, changed, err := p.Publish(cmd.At.UTC())
	if err != nil || !changed {
		return Outcome{Post: p}, err
	}
	return h.commit(ctx, tx, p, prev, evt)
}

func (h PostCommands) commit(ctx context.Context, tx *gorm.DB, p *domain.Post, prev int64, evt domain.Event) (Outcome, error) {
	if err := p.Apply(evt); err != nil {
		return Outcome{}, err
	}
	if err := h.Posts.Save(ctx, tx, p, prev); err != nil {
		return Outcome{}, err
	}
	return Outcome{Post: p, Events: []domain.Event{evt}}, nil
}

// adjustLikes 计数走存储的原子增减，聚合同步应用同一事件
func (h PostCommands) adjustLikes(ctx context.Context, tx *gorm.DB, p *domain.Post, prev int64, evt domain.Event, delta int64) (Outcome, error) {
	if err := p.Apply(evt); err != nil {
		return Outcome{}, err
	}
	if err := h.Posts.AdjustLikes(ctx, tx, p.ID, delta, prev, evt.OccurredAt); err != nil {
		return Outcome{}, err
	}
	return Outcome{Post: p, Events: []domain.Event{evt}}, nil
}
