package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/d60-Lab/feedpipe/internal/cache"
	"github.com/d60-Lab/feedpipe/internal/domain"
	"github.com/d60-Lab/feedpipe/internal/model"
	"github.com/d60-Lab/feedpipe/internal/queue"
	"github.com/d60-Lab/feedpipe/internal/repository"
	"github.com/d60-Lab/feedpipe/internal/testutil"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type captureSink struct {
	mu  sync.Mutex
	got []Notification
}

func (s *captureSink) Deliver(_ context.Context, n Notification) error {
	s.mu.Lock()
	s.got = append(s.got, n)
	s.mu.Unlock()
	return nil
}

func (s *captureSink) recipients(kind string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, n := range s.got {
		if n.Kind == kind {
			out = append(out, n.RecipientID)
		}
	}
	return out
}

type harness struct {
	db    *gorm.DB
	mr    *miniredis.Miniredis
	cache *cache.RedisCache

	posts    repository.PostRepository
	events   repository.EventRepository
	fans     repository.FanRepository
	follows  repository.FollowRepository
	inbox    repository.InboxRepository
	entities repository.EntityRepository
	users    repository.UserRepository
	notes    repository.NotificationRepository

	queue      *queue.GormQueue
	dispatcher *Dispatcher
	reader     *Reader
	registry   *Registry
	workers    *WorkerPool
	replicator *FanReplicator
	relations  RelationshipService
	sink       *captureSink
}

type harnessOption func(*DispatcherDeps)

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()
	db := testutil.DB(t)
	mr, rdb := testutil.Redis(t)
	log := testutil.Logger(t)

	h := &harness{
		db:       db,
		mr:       mr,
		cache:    cache.NewRedisCache(rdb, log),
		posts:    repository.NewPostRepository(db),
		events:   repository.NewEventRepository(db),
		fans:     repository.NewFanRepository(db),
		follows:  repository.NewFollowRepository(db),
		inbox:    repository.NewInboxRepository(db),
		entities: repository.NewEntityRepository(db),
		users:    repository.NewUserRepository(db),
		notes:    repository.NewNotificationRepository(db),
		sink:     &captureSink{},
	}
	h.queue = queue.NewGormQueue(db, log, queue.Options{
		MaxAttempts:  3,
		Backoff:      queue.Backoff{Base: time.Millisecond, Max: 10 * time.Millisecond},
		LeaseTimeout: time.Minute,
	})

	deps := DispatcherDeps{
		Tx:      repository.NewTxRunner(db),
		Events:  h.events,
		Posts:   h.posts,
		Queue:   h.queue,
		Reactor: NewReactor(h.cache, log),
		Log:     log,
	}
	for _, o := range opts {
		o(&deps)
	}
	h.dispatcher = NewDispatcher(deps)
	require.NoError(t, PostCommands{Posts: h.posts, Rules: domain.Rules{MaxContentLength: 500}}.Register(h.dispatcher))
	require.NoError(t, h.dispatcher.Require(AllCommands...))

	h.reader = NewReader(h.posts, h.inbox, h.follows, h.cache, ReaderConfig{PageSize: 10}, log)

	h.registry = NewRegistry()
	jobs := NewJobs(JobsDeps{
		Posts:         h.posts,
		Fans:          h.fans,
		Inbox:         h.inbox,
		Entities:      h.entities,
		Users:         h.users,
		Notifications: h.notes,
		Cache:         h.cache,
		Sink:          h.sink,
		ChunkSize:     2,
		Log:           log,
	})
	require.NoError(t, jobs.Register(h.registry))
	h.replicator = NewFanReplicator(h.follows, h.fans, h.cache, 16, log)
	require.NoError(t, h.replicator.Register(h.registry))
	require.NoError(t, h.registry.Require(AllTasks...))
	h.relations = NewRelationshipService(RelationshipDeps{
		Tx:         repository.NewTxRunner(db),
		Follows:    h.follows,
		Fans:       h.fans,
		Queue:      h.queue,
		Replicator: h.replicator,
		Reader:     h.reader,
		Cache:      h.cache,
		Log:        log,
	})
	h.workers = NewWorkerPool(h.queue, h.registry, WorkerConfig{Workers: 1, TaskTimeout: 5 * time.Second}, log)
	return h
}

func (h *harness) user(t *testing.T, id, username string) {
	t.Helper()
	require.NoError(t, h.users.Create(context.Background(), &model.User{ID: id, Username: username, CreatedAt: t0}))
}

// follow 写 follows 和 fans 两张表（同步，跳过复制器）
func (h *harness) follow(t *testing.T, follower, followee string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, h.follows.Create(ctx, nil, follower, followee))
	require.NoError(t, h.fans.Create(ctx, followee, follower))
}

func (h *harness) drain(t *testing.T) int {
	t.Helper()
	n, err := h.workers.Drain(context.Background())
	require.NoError(t, err)
	return n
}

func (h *harness) create(t *testing.T, author, content string) *domain.Post {
	t.Helper()
	p, err := h.dispatcher.Dispatch(context.Background(), domain.CreatePost{
		Meta:    domain.Meta{ActorID: author, At: t0, RequestID: uuid.NewString()},
		Content: content,
	})
	require.NoError(t, err)
	return p
}

func meta(actor string) domain.Meta {
	return domain.Meta{ActorID: actor, At: t0.Add(time.Minute)}
}
