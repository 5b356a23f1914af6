package service

import (
	"context"

	"github.com/d60-Lab/feedpipe/internal/domain"
	"github.com/d60-Lab/feedpipe/internal/repository"
)

// ReplayResult 重放得到的聚合与当前状态行的对比
type ReplayResult struct {
	Replayed *domain.Post
	Stored   *domain.Post
	Events   int
	// Drift 重放结果与状态行不一致的字段
	Drift []string
}

// Replay 从事件日志重建聚合，并与 posts 表中的状态比较
func Replay(ctx context.Context, events repository.EventRepository, posts repository.PostRepository, postID string) (*ReplayResult, error) {
	log, err := events.ListByAggregate(ctx, postID)
	if err != nil {
		return nil, repository.MapError("replay", err)
	}
	replayed, err := domain.Replay(log)
	if err != nil {
		return nil, err
	}
	stored, err := posts.GetByID(ctx, nil, postID)
	if err != nil {
		return nil, repository.MapError("replay", err)
	}
	return &ReplayResult{Replayed: replayed, Stored: stored, Events: len(log), Drift: drift(replayed, stored)}, nil
}

func drift(a, b *domain.Post) []string {
	var d []string
	check := func(name string, same bool) {
		if !same {
			d = append(d, name)
		}
	}
	check("author_id", a.AuthorID == b.AuthorID)
	check("content", a.Content == b.Content)
	check("published", a.Published == b.Published)
	check("like_count", a.LikeCount == b.LikeCount)
	check("version", a.Version == b.Version)
	check("deleted", a.Deleted() == b.Deleted())
	check("edited", (a.EditedAt == nil) == (b.EditedAt == nil))
	return d
}
