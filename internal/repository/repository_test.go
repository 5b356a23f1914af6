package repository

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/d60-Lab/feedpipe/internal/domain"
	"github.com/d60-Lab/feedpipe/internal/model"
	"github.com/d60-Lab/feedpipe/internal/testutil"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func seedPost(t *testing.T, posts PostRepository, id, author string, at time.Time) *domain.Post {
	t.Helper()
	p, _, err := domain.NewPost(domain.Rules{}, id, author, "content "+id, nil, at)
	require.NoError(t, err)
	require.NoError(t, posts.Create(context.Background(), nil, p))
	return p
}

func TestPostSaveIsCompareAndSwap(t *testing.T) {
	db := testutil.DB(t)
	posts := NewPostRepository(db)
	ctx := context.Background()
	p := seedPost(t, posts, "p1", "alice", t0)

	evt, changed, err := p.Edit(domain.Rules{}, "alice", "edited", nil, t0.Add(time.Minute))
	require.NoError(t, err)
	require.True(t, changed)
	require.NoError(t, p.Apply(evt))
	require.NoError(t, posts.Save(ctx, nil, p, 1))

	// 旧版本再次写入失败
	err = posts.Save(ctx, nil, p, 1)
	assert.ErrorIs(t, err, ErrVersionConflict)

	got, err := posts.GetByID(ctx, nil, "p1")
	require.NoError(t, err)
	assert.Equal(t, "edited", got.Content)
	assert.Equal(t, int64(2), got.Version)
	assert.Equal(t, time.UTC, got.CreatedAt.Location())
}

func TestAdjustLikesClampsAtZero(t *testing.T) {
	db := testutil.DB(t)
	posts := NewPostRepository(db)
	ctx := context.Background()
	seedPost(t, posts, "p1", "alice", t0)

	require.NoError(t, posts.AdjustLikes(ctx, nil, "p1", -1, 1, t0))
	got, err := posts.GetByID(ctx, nil, "p1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), got.LikeCount)
	assert.Equal(t, int64(2), got.Version)

	assert.ErrorIs(t, posts.AdjustLikes(ctx, nil, "p1", 1, 1, t0), ErrVersionConflict)
}

func TestAddLikeIsIdempotent(t *testing.T) {
	db := testutil.DB(t)
	posts := NewPostRepository(db)
	ctx := context.Background()
	seedPost(t, posts, "p1", "alice", t0)

	ok, err := posts.AddLike(ctx, nil, "p1", "bob", t0)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = posts.AddLike(ctx, nil, "p1", "bob", t0)
	require.NoError(t, err)
	assert.False(t, ok)

	removed, err := posts.RemoveLike(ctx, nil, "p1", "bob")
	require.NoError(t, err)
	assert.True(t, removed)
	removed, err = posts.RemoveLike(ctx, nil, "p1", "bob")
	require.NoError(t, err)
	assert.False(t, removed)
}

func TestListDueScheduled(t *testing.T) {
	db := testutil.DB(t)
	posts := NewPostRepository(db)
	ctx := context.Background()

	for i, offset := range []time.Duration{time.Hour, 3 * time.Hour} {
		at := t0.Add(offset)
		p, _, err := domain.NewPost(domain.Rules{}, fmt.Sprintf("s%d", i), "alice", "later", &at, t0)
		require.NoError(t, err)
		require.NoError(t, posts.Create(ctx, nil, p))
	}
	seedPost(t, posts, "now", "alice", t0)

	ids, err := posts.ListDueScheduled(ctx, t0.Add(2*time.Hour), 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"s0"}, ids)
}

func TestEventAppendAndIdempotencyKey(t *testing.T) {
	db := testutil.DB(t)
	events := NewEventRepository(db)
	ctx := context.Background()

	_, created, err := domain.NewPost(domain.Rules{}, "p1", "alice", "hi", nil, t0)
	require.NoError(t, err)
	out, err := events.Append(ctx, nil, "CreatePost:r1", created)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.NotZero(t, out[0].Sequence)

	prior, err := events.FindByIdempotencyKey(ctx, nil, "CreatePost:r1")
	require.NoError(t, err)
	require.NotNil(t, prior)
	assert.Equal(t, "p1", prior.AggregateID)

	missing, err := events.FindByIdempotencyKey(ctx, nil, "CreatePost:r2")
	require.NoError(t, err)
	assert.Nil(t, missing)

	// 同一版本不能追加两次
	_, err = events.Append(ctx, nil, "", created)
	require.Error(t, err)
	assert.True(t, domain.IsKind(MapError("append", err), domain.KindConflict))

	list, err := events.ListByAggregate(ctx, "p1")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "hi", list[0].Payload.Content)
}

func TestInboxPageHidesDeletedPosts(t *testing.T) {
	db := testutil.DB(t)
	posts := NewPostRepository(db)
	inbox := NewInboxRepository(db)
	ctx := context.Background()

	older := seedPost(t, posts, "p1", "alice", t0)
	newer := seedPost(t, posts, "p2", "alice", t0.Add(time.Minute))
	require.NoError(t, inbox.Upsert(ctx, older.ID, older.CreatedAt.UnixNano(), []string{"bob", "carol"}))
	require.NoError(t, inbox.Upsert(ctx, newer.ID, newer.CreatedAt.UnixNano(), []string{"bob"}))
	require.NoError(t, inbox.Upsert(ctx, newer.ID, newer.CreatedAt.UnixNano(), []string{"bob"}))

	ids, err := inbox.ListPage(ctx, "bob", 0, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"p2", "p1"}, ids)

	evt, err := older.Delete("alice", t0.Add(time.Hour))
	require.NoError(t, err)
	require.NoError(t, older.Apply(evt))
	require.NoError(t, posts.Save(ctx, nil, older, 1))

	ids, err = inbox.ListPage(ctx, "bob", 0, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"p2"}, ids)

	users, err := inbox.RemovePost(ctx, "p1")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"bob", "carol"}, users)
}

func TestFanCursorPaging(t *testing.T) {
	db := testutil.DB(t)
	fans := NewFanRepository(db)
	ctx := context.Background()
	for _, f := range []string{"f3", "f1", "f2"} {
		require.NoError(t, fans.Create(ctx, "alice", f))
	}
	require.NoError(t, fans.Create(ctx, "alice", "f1"))

	first, err := fans.ListFanIDsAfter(ctx, "alice", "", 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"f1", "f2"}, first)
	rest, err := fans.ListFanIDsAfter(ctx, "alice", first[len(first)-1], 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"f3"}, rest)
}

func TestNotificationsAreCreatedOnce(t *testing.T) {
	db := testutil.DB(t)
	notes := NewNotificationRepository(db)
	ctx := context.Background()

	created, err := notes.CreateMissing(ctx, "p1", "alice", model.NotificationKindNewPost, []string{"bob", "carol"})
	require.NoError(t, err)
	assert.Equal(t, []string{"bob", "carol"}, created)

	created, err = notes.CreateMissing(ctx, "p1", "alice", model.NotificationKindNewPost, []string{"bob", "dave"})
	require.NoError(t, err)
	assert.Equal(t, []string{"dave"}, created)

	n, err := notes.CountByPost(ctx, "p1", model.NotificationKindNewPost)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
}

func TestEntitiesAreReplaced(t *testing.T) {
	db := testutil.DB(t)
	entities := NewEntityRepository(db)
	users := NewUserRepository(db)
	ctx := context.Background()

	require.NoError(t, entities.ReplaceTags(ctx, "p1", []string{"go", "redis"}))
	require.NoError(t, entities.ReplaceTags(ctx, "p1", []string{"go"}))
	require.NoError(t, entities.ReplaceTags(ctx, "p2", []string{"go"}))
	tags, err := entities.ListTags(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, []string{"go"}, tags)

	require.NoError(t, users.Create(ctx, &model.User{ID: "u-bob", Username: "Bob", CreatedAt: t0}))
	byName, err := users.ResolveUsernames(ctx, []string{"bob", "nobody"})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"bob": "u-bob"}, byName)

	require.NoError(t, entities.ReplaceMentions(ctx, "p1", []string{"u-bob"}))
	require.NoError(t, entities.ReplaceMentions(ctx, "p1", nil))
	mentions, err := entities.ListMentions(ctx, "p1")
	require.NoError(t, err)
	assert.Empty(t, mentions)
}

func TestMapError(t *testing.T) {
	assert.Nil(t, MapError("op", nil))
	assert.True(t, domain.IsKind(MapError("op", gorm.ErrRecordNotFound), domain.KindNotFound))
	assert.True(t, domain.IsKind(MapError("op", ErrVersionConflict), domain.KindConflict))
	assert.True(t, domain.IsKind(MapError("op", &pgconn.PgError{Code: "23505"}), domain.KindConflict))
	assert.True(t, domain.IsKind(MapError("op", &pgconn.PgError{Code: "40001"}), domain.KindInfrastructure))
	assert.True(t, domain.IsKind(MapError("op", errors.New("boom")), domain.KindInfrastructure))

	gone := domain.Gone("op", "deleted")
	assert.Same(t, gone, MapError("other", gone))

	assert.True(t, IsRetryable(&pgconn.PgError{Code: "40P01"}))
	assert.False(t, IsRetryable(errors.New("boom")))
}

func TestTxRunnerRollsBack(t *testing.T) {
	db := testutil.DB(t)
	posts := NewPostRepository(db)
	ctx := context.Background()
	boom := errors.New("boom")

	err := NewTxRunner(db).InTx(ctx, func(tx *gorm.DB) error {
		p, _, err := domain.NewPost(domain.Rules{}, "p1", "alice", "rolled back", nil, t0)
		require.NoError(t, err)
		if err := posts.Create(ctx, tx, p); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)
	_, err = posts.GetByID(ctx, nil, "p1")
	assert.ErrorIs(t, err, gorm.ErrRecordNotFound)
}

func BenchmarkFollowWriteAndFanRedundancy(b *testing.B) {
	db := testutil.DB(b)
	followRepo := NewFollowRepository(db)
	fanRepo := NewFanRepository(db)
	ctx := context.Background()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		from := fmt.Sprintf("u%04d", i%1000)
		to := fmt.Sprintf("u%04d", (i*7+1)%1000)
		if from == to {
			continue
		}
		_ = followRepo.Create(ctx, nil, from, to)
		_ = fanRepo.Create(ctx, to, from)
	}
}

func BenchmarkQueryFansAndFollowing(b *testing.B) {
	db := testutil.DB(b)
	followRepo := NewFollowRepository(db)
	fanRepo := NewFanRepository(db)
	ctx := context.Background()

	// u0 有 N 个粉丝，同时关注 N 个用户
	const N = 2000
	for i := 1; i <= N; i++ {
		uid := fmt.Sprintf("u%d", i)
		_ = followRepo.Create(ctx, nil, uid, "u0")
		_ = fanRepo.Create(ctx, "u0", uid)
		_ = followRepo.Create(ctx, nil, "u0", uid)
		_ = fanRepo.Create(ctx, uid, "u0")
	}

	b.ResetTimer()
	b.Run("ListFans", func(b *testing.B) {
		for i := 0; i < b.N; i++ {
			_, _ = fanRepo.ListFans(ctx, "u0", 0, 50)
		}
	})
	b.Run("ListFanIDsAfter", func(b *testing.B) {
		for i := 0; i < b.N; i++ {
			_, _ = fanRepo.ListFanIDsAfter(ctx, "u0", "", 500)
		}
	})
	b.Run("ListFollowing", func(b *testing.B) {
		for i := 0; i < b.N; i++ {
			_, _ = followRepo.ListFollowings(ctx, "u0", 0, 50)
		}
	})
}
