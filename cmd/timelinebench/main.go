package main

import (
	"context"
	"fmt"
	"math"
	"os"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/d60-Lab/feedpipe/config"
	"github.com/d60-Lab/feedpipe/internal/app"
	"github.com/d60-Lab/feedpipe/internal/domain"
	"github.com/d60-Lab/feedpipe/internal/model"
	"github.com/d60-Lab/feedpipe/pkg/database"
	"github.com/d60-Lab/feedpipe/pkg/logger"
)

func must[T any](v T, err error) T {
	if err != nil {
		panic(err)
	}
	return v
}

func pct(vs []time.Duration, p float64) time.Duration {
	if len(vs) == 0 {
		return 0
	}
	xs := append([]time.Duration(nil), vs...)
	sort.Slice(xs, func(i, j int) bool { return xs[i] < xs[j] })
	k := int(math.Ceil(p*float64(len(xs)))) - 1
	if k < 0 {
		k = 0
	}
	if k >= len(xs) {
		k = len(xs) - 1
	}
	return xs[k]
}

func avg(vs []time.Duration) time.Duration {
	if len(vs) == 0 {
		return 0
	}
	var sum time.Duration
	for _, d := range vs {
		sum += d
	}
	return sum / time.Duration(len(vs))
}

func envInt(name string, def int) int {
	if s := os.Getenv(name); s != "" {
		if v, e := strconv.Atoi(s); e == nil && v > 0 {
			return v
		}
	}
	return def
}

// 发帖 -> 队列 -> 粉丝时间线落地 的端到端耗时
func main() {
	ctx := context.Background()
	cfg := must(config.Load())
	log := must(logger.Init(cfg.Log))
	defer logger.Sync()
	db := must(database.InitDB(cfg))
	if err := database.Migrate(db); err != nil {
		panic(err)
	}
	rdb := must(app.NewRedis(ctx, cfg.Redis))

	N := envInt("N", 20000)
	POSTS := envInt("POSTS", 100)
	cfg.Queue.Workers = envInt("WORKERS", cfg.Queue.Workers)
	cfg.Notify.ChunkSize = envInt("BATCH", cfg.Notify.ChunkSize)

	a := must(app.New(cfg, db, rdb, log))

	if cfg.Database.Driver == "postgres" {
		_ = db.Exec("TRUNCATE TABLE inbox, posts, post_events, post_likes, fans, follows, users, notifications, queue_tasks RESTART IDENTITY CASCADE").Error
	}

	author := model.User{ID: "author0", Username: "author0", CreatedAt: time.Now()}
	_ = db.Where("id = ?", author.ID).FirstOrCreate(&author).Error
	users := make([]model.User, N)
	for i := 0; i < N; i++ {
		id := uuid.New().String()
		users[i] = model.User{ID: id, Username: "u" + id[:8], CreatedAt: time.Now()}
	}
	_ = db.CreateInBatches(&users, 1000).Error
	for i := 0; i < N; i++ {
		_ = a.Repos.Follows.Create(ctx, nil, users[i].ID, author.ID)
		_ = a.Repos.Fans.Create(ctx, author.ID, users[i].ID)
	}

	stop := a.StartBackground(true)
	defer func() { _ = stop(context.Background()) }()

	// 关注复制：FOLLOWS 个用户经关系服务关注 author1，统计 follows -> fans 的落地耗时
	FOLLOWS := envInt("FOLLOWS", 1000)
	if FOLLOWS > N {
		FOLLOWS = N
	}
	lagsCh := make(chan []time.Duration)
	doneCh := make(chan struct{})
	go func() {
		var lags []time.Duration
		for {
			select {
			case d := <-a.Replicator.Metrics():
				lags = append(lags, d)
			case <-doneCh:
				lagsCh <- lags
				return
			}
		}
	}()
	maxQueue := 0
	for i := 0; i < FOLLOWS; i++ {
		if err := a.Relations.Follow(ctx, users[i].ID, "author1"); err != nil {
			panic(err)
		}
		if q := a.Replicator.QueueLen(); q > maxQueue {
			maxQueue = q
		}
	}
	for a.Replicator.QueueLen() > 0 {
		time.Sleep(10 * time.Millisecond)
	}
	time.Sleep(50 * time.Millisecond)
	close(doneCh)
	lags := <-lagsCh
	fmt.Printf("Fan replication (%d follows, %d sampled): avg=%v p95=%v p99=%v max queue=%d\n",
		FOLLOWS, len(lags), avg(lags), pct(lags, 0.95), pct(lags, 0.99), maxQueue)

	pubDurations := make([]time.Duration, 0, POSTS)
	start := time.Now()
	for i := 0; i < POSTS; i++ {
		st := time.Now()
		_, err := a.Dispatcher.Dispatch(ctx, domain.CreatePost{
			Meta:    domain.Meta{ActorID: author.ID, At: time.Now().UTC(), RequestID: uuid.NewString()},
			Content: fmt.Sprintf("hello #bench %d", i),
		})
		if err != nil {
			panic(err)
		}
		pubDurations = append(pubDurations, time.Since(st))
	}

	// 最后一个粉丝的时间线收齐全部帖子即视为落地
	last := users[len(users)-1].ID
	deadline := time.Now().Add(2 * time.Minute)
	var landed int64
	for time.Now().Before(deadline) {
		_ = db.Model(&model.Inbox{}).Where("user_id = ?", last).Count(&landed).Error
		if landed >= int64(POSTS) {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}

	fmt.Printf("N=%d POSTS=%d WORKERS=%d CHUNK=%d\n", N, POSTS, cfg.Queue.Workers, cfg.Notify.ChunkSize)
	fmt.Printf("Publish tx latency: avg=%v p95=%v p99=%v\n", avg(pubDurations), pct(pubDurations, 0.95), pct(pubDurations, 0.99))
	fmt.Printf("Fanout landing (last fan, %d/%d posts): %v\n", landed, POSTS, time.Since(start))

	reads := make([]time.Duration, 0, 20)
	for i := 0; i < 20; i++ {
		st := time.Now()
		if _, err := a.Reader.GetTimelinePage(ctx, users[0].ID, 1); err != nil {
			panic(err)
		}
		reads = append(reads, time.Since(st))
	}
	fmt.Printf("Timeline read (user0, page 1): cold=%v warm avg=%v p95=%v\n", reads[0], avg(reads[1:]), pct(reads[1:], 0.95))

	stats := must(a.Queue.Stats(ctx))
	fmt.Printf("Queue: queued=%d running=%d dead=%d\n", stats.Queued, stats.Running, stats.DeadLetters)
}
