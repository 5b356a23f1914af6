package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/d60-Lab/feedpipe/internal/testutil"
)

type view struct {
	ID      string `json:"id"`
	Content string `json:"content"`
}

func TestFetchPopulatesOnMiss(t *testing.T) {
	mr, client := testutil.Redis(t)
	c := NewRedisCache(client, testutil.Logger(t))
	ctx := context.Background()

	loads := 0
	load := func(context.Context) (any, error) {
		loads++
		return view{ID: "p1", Content: "hello"}, nil
	}

	var got view
	require.NoError(t, c.Fetch(ctx, PostKey("p1"), PostGenKey("p1"), time.Minute, &got, load))
	assert.Equal(t, "hello", got.Content)
	assert.True(t, mr.Exists("post:p1"))
	assert.Equal(t, time.Minute, mr.TTL("post:p1"))

	got = view{}
	require.NoError(t, c.Fetch(ctx, PostKey("p1"), PostGenKey("p1"), time.Minute, &got, load))
	assert.Equal(t, "hello", got.Content)
	assert.Equal(t, 1, loads)
}

func TestInvalidateForcesReload(t *testing.T) {
	mr, client := testutil.Redis(t)
	c := NewRedisCache(client, testutil.Logger(t))
	ctx := context.Background()

	content := "v1"
	load := func(context.Context) (any, error) { return view{ID: "p1", Content: content}, nil }

	var got view
	require.NoError(t, c.Fetch(ctx, PostKey("p1"), PostGenKey("p1"), time.Minute, &got, load))

	content = "v2"
	require.NoError(t, c.Invalidate(ctx, PostTarget("p1")))
	assert.False(t, mr.Exists("post:p1"))
	gen, err := mr.Get("post:p1:gen")
	require.NoError(t, err)
	assert.Equal(t, "1", gen)

	require.NoError(t, c.Fetch(ctx, PostKey("p1"), PostGenKey("p1"), time.Minute, &got, load))
	assert.Equal(t, "v2", got.Content)
}

func TestStaleFillIsDiscarded(t *testing.T) {
	mr, client := testutil.Redis(t)
	c := NewRedisCache(client, testutil.Logger(t))
	ctx := context.Background()

	// an invalidation lands while the fill is reading the store
	load := func(ctx context.Context) (any, error) {
		require.NoError(t, c.Invalidate(ctx, PostTarget("p1")))
		return view{ID: "p1", Content: "old"}, nil
	}

	var got view
	require.NoError(t, c.Fetch(ctx, PostKey("p1"), PostGenKey("p1"), time.Minute, &got, load))
	assert.Equal(t, "old", got.Content, "the caller still gets its read")
	assert.False(t, mr.Exists("post:p1"), "but the stale value is never cached")
}

func TestLoadErrorsAreNotCached(t *testing.T) {
	mr, client := testutil.Redis(t)
	c := NewRedisCache(client, testutil.Logger(t))
	notFound := errors.New("not found")

	var got view
	err := c.Fetch(context.Background(), PostKey("gone"), PostGenKey("gone"), time.Minute, &got,
		func(context.Context) (any, error) { return nil, notFound })
	assert.ErrorIs(t, err, notFound)
	assert.False(t, mr.Exists("post:gone"))
}

func TestFetchFailsOpen(t *testing.T) {
	mr, client := testutil.Redis(t)
	c := NewRedisCache(client, testutil.Logger(t))
	ctx := context.Background()

	mr.SetError("ERR simulated outage")
	var got view
	err := c.Fetch(ctx, PostKey("p1"), PostGenKey("p1"), time.Minute, &got,
		func(context.Context) (any, error) { return view{ID: "p1", Content: "from store"}, nil })
	require.NoError(t, err)
	assert.Equal(t, "from store", got.Content)

	ids, err := c.FetchRange(ctx, FollowingKey("u1"), FollowingGenKey("u1"), time.Minute, 0, 1,
		func(context.Context) ([]string, error) { return []string{"a", "b", "c"}, nil })
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, ids)

	assert.Error(t, c.Invalidate(ctx, PostTarget("p1")))

	mr.SetError("")
	assert.False(t, mr.Exists("post:p1"))
}

func TestFetchRangeCachesList(t *testing.T) {
	mr, client := testutil.Redis(t)
	c := NewRedisCache(client, testutil.Logger(t))
	ctx := context.Background()

	loads := 0
	load := func(context.Context) ([]string, error) {
		loads++
		return []string{"a", "b", "c"}, nil
	}

	ids, err := c.FetchRange(ctx, FollowingKey("u1"), FollowingGenKey("u1"), time.Minute, 1, 2, load)
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "c"}, ids)

	list, err := mr.List("following:u1")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, list)

	ids, err = c.FetchRange(ctx, FollowingKey("u1"), FollowingGenKey("u1"), time.Minute, 0, 0, load)
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, ids)

	ids, err = c.FetchRange(ctx, FollowingKey("u1"), FollowingGenKey("u1"), time.Minute, 5, 9, load)
	require.NoError(t, err)
	assert.Empty(t, ids)
	assert.Equal(t, 1, loads)
}

func TestInvalidateTimelineDropsIndexedPages(t *testing.T) {
	mr, client := testutil.Redis(t)
	c := NewRedisCache(client, testutil.Logger(t))
	ctx := context.Background()

	fill := func(user string, page int) {
		var ids []string
		require.NoError(t, c.Fetch(ctx, TimelinePageKey(user, page), TimelineGenKey(user), time.Minute, &ids,
			func(context.Context) (any, error) { return []string{"p1"}, nil }))
	}
	fill("u1", 1)
	fill("u1", 2)
	fill("u2", 1)
	require.NoError(t, mr.Set("unrelated", "x"))
	assert.Equal(t, int64(2), client.SCard(ctx, TimelinePagesKey("u1")).Val())

	require.NoError(t, c.Invalidate(ctx, TimelineTarget("u1")))

	assert.False(t, mr.Exists(TimelinePageKey("u1", 1)))
	assert.False(t, mr.Exists(TimelinePageKey("u1", 2)))
	assert.Zero(t, client.SCard(ctx, TimelinePagesKey("u1")).Val())
	assert.True(t, mr.Exists(TimelinePageKey("u2", 1)))
	assert.True(t, mr.Exists("unrelated"))
	assert.Equal(t, int64(1), client.SCard(ctx, TimelinePagesKey("u2")).Val())
}

func TestPageIndexKey(t *testing.T) {
	assert.Equal(t, "timeline:u1:pages", pageIndexKey(TimelinePageKey("u1", 3)))
	assert.Equal(t, "timeline:a:b:pages", pageIndexKey(TimelinePageKey("a:b", 1)))
	assert.Empty(t, pageIndexKey(PostKey("p1")))
	assert.Empty(t, pageIndexKey(TimelineGenKey("u1")))
}
