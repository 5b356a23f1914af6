package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Notification 一条待投递的通知。投递机制（推送/邮件）在系统之外
type Notification struct {
	RecipientID string    `json:"recipient_id"`
	PostID      string    `json:"post_id"`
	ActorID     string    `json:"actor_id"`
	Kind        string    `json:"kind"`
	At          time.Time `json:"at"`
}

type Notifier interface {
	Deliver(ctx context.Context, n Notification) error
}

// LogSink 只记日志，开发环境默认
type LogSink struct{ Log *zap.Logger }

func (s LogSink) Deliver(_ context.Context, n Notification) error {
	s.Log.Info("notification",
		zap.String("recipient", n.RecipientID),
		zap.String("post_id", n.PostID),
		zap.String("actor", n.ActorID),
		zap.String("kind", n.Kind))
	return nil
}

// RedisSink 发布到每个收件人的频道 notifications:{recipientId}，由推送网关订阅
type RedisSink struct {
	client redis.UniversalClient
}

func NewRedisSink(client redis.UniversalClient) *RedisSink { return &RedisSink{client: client} }

func NotificationChannel(recipientID string) string { return "notifications:" + recipientID }

func (s *RedisSink) Deliver(ctx context.Context, n Notification) error {
	payload, err := json.Marshal(n)
	if err != nil {
		return err
	}
	if err := s.client.Publish(ctx, NotificationChannel(n.RecipientID), payload).Err(); err != nil {
		return fmt.Errorf("publish notification: %w", err)
	}
	return nil
}

// RateLimitedSink 限制投递速率，保护下游
type RateLimitedSink struct {
	next    Notifier
	limiter *rate.Limiter
}

// NewRateLimitedSink perSecond <= 0 时不限速
func NewRateLimitedSink(next Notifier, perSecond float64, burst int) Notifier {
	if perSecond <= 0 {
		return next
	}
	if burst <= 0 {
		burst = 1
	}
	return &RateLimitedSink{next: next, limiter: rate.NewLimiter(rate.Limit(perSecond), burst)}
}

func (s *RateLimitedSink) Deliver(ctx context.Context, n Notification) error {
	if err := s.limiter.Wait(ctx); err != nil {
		return err
	}
	return s.next.Deliver(ctx, n)
}
