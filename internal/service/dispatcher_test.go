package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
	"gorm.io/gorm"

	"github.com/d60-Lab/feedpipe/internal/domain"
	"github.com/d60-Lab/feedpipe/internal/model"
	"github.com/d60-Lab/feedpipe/internal/repository"
	"github.com/d60-Lab/feedpipe/internal/testutil"
)

func TestCreatePostAppendsOneCreatedEvent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	p := h.create(t, "alice", "hello world")
	assert.Equal(t, int64(1), p.Version)
	assert.True(t, p.Published)

	n, err := h.events.CountByType(ctx, p.ID, domain.EventCreated)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	stored, err := h.posts.GetByID(ctx, nil, p.ID)
	require.NoError(t, err)
	assert.Equal(t, "hello world", stored.Content)

	stats, err := h.queue.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), stats.Queued)
}

func TestCreatePostWithSameIDConflicts(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	cmd := domain.CreatePost{Meta: meta("alice"), PostID: "p-1", Content: "first"}
	_, err := h.dispatcher.Dispatch(ctx, cmd)
	require.NoError(t, err)

	cmd.Content = "second"
	_, err = h.dispatcher.Dispatch(ctx, cmd)
	assert.True(t, domain.IsKind(err, domain.KindConflict), "got %v", err)

	n, err := h.events.CountByType(ctx, "p-1", domain.EventCreated)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestRetryWithSameRequestIDIsIdempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	cmd := domain.CreatePost{
		Meta:    domain.Meta{ActorID: "alice", At: t0, RequestID: "req-1"},
		Content: "only once",
	}
	first, err := h.dispatcher.Dispatch(ctx, cmd)
	require.NoError(t, err)
	second, err := h.dispatcher.Dispatch(ctx, cmd)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	var posts int64
	require.NoError(t, h.db.Model(&model.Post{}).Count(&posts).Error)
	assert.Equal(t, int64(1), posts)

	stats, err := h.queue.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), stats.Queued)
}

func TestLikeIsIdempotentPerUser(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	p := h.create(t, "alice", "like me")

	for i := 0; i < 3; i++ {
		_, err := h.dispatcher.Dispatch(ctx, domain.LikePost{Meta: meta("bob"), PostID: p.ID})
		require.NoError(t, err)
	}

	got, err := h.posts.GetByID(ctx, nil, p.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.LikeCount)
	assert.Equal(t, int64(2), got.Version)

	n, err := h.events.CountByType(ctx, p.ID, domain.EventLiked)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestConcurrentLikesBySameUserCountOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	p := h.create(t, "alice", "race")

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = h.dispatcher.Dispatch(ctx, domain.LikePost{Meta: meta("bob"), PostID: p.ID})
		}()
	}
	wg.Wait()

	got, err := h.posts.GetByID(ctx, nil, p.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.LikeCount)
	likes, err := h.posts.CountLikes(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), likes)
}

func TestUnlikeNeverGoesNegative(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	p := h.create(t, "alice", "unlike")

	got, err := h.dispatcher.Dispatch(ctx, domain.UnlikePost{Meta: meta("bob"), PostID: p.ID})
	require.NoError(t, err)
	assert.Equal(t, int64(0), got.LikeCount)
	assert.Equal(t, int64(1), got.Version, "unlike without a like is a no-op")

	_, err = h.dispatcher.Dispatch(ctx, domain.LikePost{Meta: meta("bob"), PostID: p.ID})
	require.NoError(t, err)
	got, err = h.dispatcher.Dispatch(ctx, domain.UnlikePost{Meta: meta("bob"), PostID: p.ID})
	require.NoError(t, err)
	assert.Equal(t, int64(0), got.LikeCount)
}

func TestFailedTransactionPersistsNothing(t *testing.T) {
	boom := errors.New("disk full")
	var runner *testutil.FailingTxRunner
	h := newHarness(t, func(d *DispatcherDeps) {
		runner = &testutil.FailingTxRunner{FailOn: 1, Err: boom}
		d.Tx = runner
	})
	runner.DB = h.db
	ctx := context.Background()

	_, err := h.dispatcher.Dispatch(ctx, domain.CreatePost{Meta: meta("alice"), PostID: "p-x", Content: "lost"})
	require.Error(t, err)
	assert.True(t, domain.IsKind(err, domain.KindInfrastructure), "got %v", err)

	var posts, events, tasks int64
	require.NoError(t, h.db.Model(&model.Post{}).Count(&posts).Error)
	require.NoError(t, h.db.Model(&model.PostEvent{}).Count(&events).Error)
	require.NoError(t, h.db.Model(&model.QueueTask{}).Count(&tasks).Error)
	assert.Zero(t, posts)
	assert.Zero(t, events)
	assert.Zero(t, tasks)
}

func TestDispatchRejectsInvalidCommands(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.dispatcher.Dispatch(ctx, domain.CreatePost{Meta: meta(""), Content: "x"})
	assert.True(t, domain.IsKind(err, domain.KindValidation), "missing actor: %v", err)

	_, err = h.dispatcher.Dispatch(ctx, domain.CreatePost{Meta: domain.Meta{ActorID: "alice"}, Content: "x"})
	assert.True(t, domain.IsKind(err, domain.KindValidation), "missing time: %v", err)

	_, err = h.dispatcher.Dispatch(ctx, domain.CreatePost{Meta: meta("alice"), Content: "   "})
	assert.True(t, domain.IsKind(err, domain.KindValidation), "blank content: %v", err)

	_, err = h.dispatcher.Dispatch(ctx, domain.LikePost{Meta: meta("bob"), PostID: "nope"})
	assert.True(t, domain.IsKind(err, domain.KindNotFound), "unknown post: %v", err)
}

func TestMissingHandlerIsConfigurationError(t *testing.T) {
	d := NewDispatcher(DispatcherDeps{Log: testutil.Logger(t)})
	_, err := d.Dispatch(context.Background(), domain.LikePost{Meta: meta("bob"), PostID: "p"})
	assert.True(t, domain.IsKind(err, domain.KindConfiguration), "got %v", err)
	assert.True(t, domain.IsKind(d.Require(domain.CommandLikePost), domain.KindConfiguration))

	noop := func(context.Context, *gorm.DB, domain.Command) (Outcome, error) { return Outcome{}, nil }
	require.NoError(t, d.Register(domain.CommandLikePost, noop))
	assert.True(t, domain.IsKind(d.Register(domain.CommandLikePost, noop), domain.KindConfiguration))
}

func TestDeletedPostRejectsFurtherCommands(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	p := h.create(t, "alice", "short lived")

	_, err := h.dispatcher.Dispatch(ctx, domain.DeletePost{Meta: meta("bob"), PostID: p.ID})
	assert.True(t, domain.IsKind(err, domain.KindForbidden), "got %v", err)

	_, err = h.dispatcher.Dispatch(ctx, domain.DeletePost{Meta: meta("alice"), PostID: p.ID})
	require.NoError(t, err)

	_, err = h.dispatcher.Dispatch(ctx, domain.EditPost{Meta: meta("alice"), PostID: p.ID, Content: "again"})
	assert.True(t, domain.IsKind(err, domain.KindGone), "got %v", err)
	_, err = h.dispatcher.Dispatch(ctx, domain.LikePost{Meta: meta("bob"), PostID: p.ID})
	assert.True(t, domain.IsKind(err, domain.KindGone), "got %v", err)
}

func TestEditWithoutChangeAppendsNothing(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	p := h.create(t, "alice", "same")

	got, err := h.dispatcher.Dispatch(ctx, domain.EditPost{Meta: meta("alice"), PostID: p.ID, Content: "same"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.Version)

	got, err = h.dispatcher.Dispatch(ctx, domain.EditPost{Meta: meta("alice"), PostID: p.ID, Content: "changed"})
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.Version)
	assert.NotNil(t, got.EditedAt)
}

func TestRequestIDIsScopedToActorAndPost(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	p1 := h.create(t, "alice", "first")
	p2 := h.create(t, "alice", "second")

	withID := func(actor string) domain.Meta {
		m := meta(actor)
		m.RequestID = "1"
		return m
	}
	_, err := h.dispatcher.Dispatch(ctx, domain.LikePost{Meta: withID("bob"), PostID: p1.ID})
	require.NoError(t, err)

	got, err := h.dispatcher.Dispatch(ctx, domain.LikePost{Meta: withID("carol"), PostID: p2.ID})
	require.NoError(t, err)
	assert.Equal(t, p2.ID, got.ID)
	assert.Equal(t, int64(1), got.LikeCount)

	// 同一个人对另一个帖子复用请求 id 也是独立的命令
	got, err = h.dispatcher.Dispatch(ctx, domain.LikePost{Meta: withID("bob"), PostID: p2.ID})
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.LikeCount)

	for _, id := range []string{p1.ID, p2.ID} {
		stored, err := h.posts.GetByID(ctx, nil, id)
		require.NoError(t, err)
		n, err := h.events.CountByType(ctx, id, domain.EventLiked)
		require.NoError(t, err)
		assert.Equal(t, stored.LikeCount, n, id)
	}

	// bob 的重试仍然返回 p1
	again, err := h.dispatcher.Dispatch(ctx, domain.LikePost{Meta: withID("bob"), PostID: p1.ID})
	require.NoError(t, err)
	assert.Equal(t, p1.ID, again.ID)
	assert.Equal(t, int64(1), again.LikeCount)
}

func TestCreateRetryKeyIsPerActor(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	m := meta("alice")
	m.RequestID = "same"
	a, err := h.dispatcher.Dispatch(ctx, domain.CreatePost{Meta: m, Content: "from alice"})
	require.NoError(t, err)

	m.ActorID = "bob"
	b, err := h.dispatcher.Dispatch(ctx, domain.CreatePost{Meta: m, Content: "from bob"})
	require.NoError(t, err)
	assert.NotEqual(t, a.ID, b.ID)
	assert.Equal(t, "bob", b.AuthorID)
}

func TestRequestKeyForAnotherPostConflicts(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	p := h.create(t, "alice", "target")

	// 人为制造同一个键挂在别的帖子上的历史事件
	other := h.create(t, "alice", "other")
	key := idempotencyKey(domain.LikePost{Meta: domain.Meta{ActorID: "bob", RequestID: "r"}, PostID: p.ID})
	require.NoError(t, h.db.Model(&model.PostEvent{}).
		Where("aggregate_id = ? AND version = 1", other.ID).
		Update("idempotency_key", key).Error)

	_, err := h.dispatcher.Dispatch(ctx, domain.LikePost{
		Meta:   domain.Meta{ActorID: "bob", At: t0.Add(time.Minute), RequestID: "r"},
		PostID: p.ID,
	})
	assert.True(t, domain.IsKind(err, domain.KindConflict), "got %v", err)
}

func TestConcurrentLikesByDifferentUsersAreAllCounted(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	p := h.create(t, "alice", "popular")

	const n = 12
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = h.dispatcher.Dispatch(ctx, domain.LikePost{Meta: meta(fmt.Sprintf("fan-%02d", i)), PostID: p.ID})
		}(i)
	}
	wg.Wait()
	for _, err := range errs {
		require.NoError(t, err)
	}

	got, err := h.posts.GetByID(ctx, nil, p.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(n), got.LikeCount)
	assert.Equal(t, int64(n+1), got.Version)

	likes, err := h.posts.CountLikes(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(n), likes)

	events, err := h.events.ListByAggregate(ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, events, n+1)
	for i, e := range events {
		assert.Equal(t, int64(i+1), e.Version, "versions have no gaps")
		if i > 0 {
			assert.Equal(t, domain.EventLiked, e.Type)
		}
	}
}

func TestVersionConflictIsRetried(t *testing.T) {
	var runner *testutil.FailingTxRunner
	h := newHarness(t, func(d *DispatcherDeps) {
		runner = &testutil.FailingTxRunner{FailOn: 2, Err: repository.ErrVersionConflict}
		d.Tx = runner
	})
	runner.DB = h.db
	ctx := context.Background()
	p := h.create(t, "alice", "contended")

	got, err := h.dispatcher.Dispatch(ctx, domain.LikePost{Meta: meta("bob"), PostID: p.ID})
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.LikeCount)
	assert.Equal(t, int64(3), runner.Calls())

	n, err := h.events.CountByType(ctx, p.ID, domain.EventLiked)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestVersionConflictGivesUpAfterMaxAttempts(t *testing.T) {
	var runner *testutil.FailingTxRunner
	h := newHarness(t, func(d *DispatcherDeps) {
		runner = &testutil.FailingTxRunner{FailOn: -1, Err: repository.ErrVersionConflict}
		d.Tx = runner
	})
	runner.DB = h.db

	_, err := h.dispatcher.Dispatch(context.Background(), domain.CreatePost{Meta: meta("alice"), Content: "never"})
	assert.True(t, domain.IsKind(err, domain.KindConflict), "got %v", err)
	assert.Equal(t, int64(maxDispatchAttempts), runner.Calls())
}

func TestPostCommitInvalidationFailureIsLogged(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	h := newHarness(t, func(d *DispatcherDeps) { d.Log = zap.New(core) })
	h.mr.SetError("LOADING redis is loading")
	defer h.mr.SetError("")

	p, err := h.dispatcher.Dispatch(context.Background(), domain.CreatePost{Meta: meta("alice"), Content: "still committed"})
	require.NoError(t, err)

	entries := logs.FilterMessage("post-commit invalidation failed").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, domain.CommandCreatePost, fields["command"])
	assert.Equal(t, p.ID, fields["post_id"])
}
