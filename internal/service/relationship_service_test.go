package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/d60-Lab/feedpipe/internal/cache"
	"github.com/d60-Lab/feedpipe/internal/domain"
)

func TestFollowReplicatesFansAndRefreshesCaches(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	stop := h.replicator.Start(2)
	svc := h.relations

	require.NoError(t, svc.Follow(ctx, "bob", "alice"))
	following, err := svc.ListFollowing(ctx, "bob", 1, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"alice"}, following)
	assert.True(t, h.mr.Exists(cache.FollowingKey("bob")))

	require.NoError(t, svc.Follow(ctx, "bob", "carol"))
	assert.False(t, h.mr.Exists(cache.FollowingKey("bob")), "follow invalidates the cached list")
	following, err = svc.ListFollowing(ctx, "bob", 1, 10)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"alice", "carol"}, following)

	stopCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	require.NoError(t, stop(stopCtx))

	fans, err := svc.ListFans(ctx, "alice", 1, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"bob"}, fans)

	select {
	case d := <-h.replicator.Metrics():
		assert.Positive(t, d)
	default:
		t.Fatal("replication latency not reported")
	}
	assert.Zero(t, h.replicator.QueueLen())
}

func TestFollowSelfIsRejected(t *testing.T) {
	h := newHarness(t)
	err := h.relations.Follow(context.Background(), "bob", "bob")
	assert.True(t, domain.IsKind(err, domain.KindValidation))
}

func TestUnfollowRemovesFan(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	stop := h.replicator.Start(1)
	svc := h.relations

	require.NoError(t, svc.Follow(ctx, "bob", "alice"))
	require.NoError(t, svc.Unfollow(ctx, "bob", "alice"))
	require.NoError(t, stop(ctx))

	fans, err := svc.ListFans(ctx, "alice", 1, 10)
	require.NoError(t, err)
	assert.Empty(t, fans)
	following, err := svc.ListFollowing(ctx, "bob", 1, 10)
	require.NoError(t, err)
	assert.Empty(t, following)
}

func TestFanReplicationIsDurableWithoutFastPath(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	// 复制器不启动：内存里的任务等同于进程崩溃时丢失
	svc := h.relations

	require.NoError(t, svc.Follow(ctx, "bob", "alice"))
	fans, err := svc.ListFans(ctx, "alice", 1, 10)
	require.NoError(t, err)
	assert.Empty(t, fans)

	assert.Equal(t, 1, h.drain(t))
	fans, err = svc.ListFans(ctx, "alice", 1, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"bob"}, fans)

	require.NoError(t, svc.Unfollow(ctx, "bob", "alice"))
	assert.Equal(t, 1, h.drain(t))
	fans, err = svc.ListFans(ctx, "alice", 1, 10)
	require.NoError(t, err)
	assert.Empty(t, fans)
}

func TestReconcileFollowsCurrentState(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	svc := h.relations

	var ids []string
	require.NoError(t, h.cache.Fetch(ctx, cache.TimelinePageKey("bob", 1), cache.TimelineGenKey("bob"), time.Minute, &ids,
		func(context.Context) (any, error) { return []string{"stale"}, nil }))

	// follow 的任务晚于 unfollow 执行，也不会把粉丝关系加回来
	require.NoError(t, svc.Follow(ctx, "bob", "alice"))
	require.NoError(t, svc.Unfollow(ctx, "bob", "alice"))
	assert.Equal(t, 2, h.drain(t))

	fans, err := svc.ListFans(ctx, "alice", 1, 10)
	require.NoError(t, err)
	assert.Empty(t, fans)
	assert.False(t, h.mr.Exists(cache.TimelinePageKey("bob", 1)), "fan's timeline is evicted")

	// 关系已存在时对账是幂等的
	require.NoError(t, svc.Follow(ctx, "bob", "alice"))
	require.NoError(t, h.replicator.Reconcile(ctx, "alice", "bob"))
	assert.Equal(t, 1, h.drain(t))
	fans, err = svc.ListFans(ctx, "alice", 1, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"bob"}, fans)
}
