package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/d60-Lab/feedpipe/internal/domain"
	"github.com/d60-Lab/feedpipe/internal/queue"
	"github.com/d60-Lab/feedpipe/internal/repository"
)

var tracer = otel.Tracer("feedpipe.service")

// maxDispatchAttempts 版本冲突、序列化失败等可重试错误的最多执行次数
const maxDispatchAttempts = 3

// Outcome 命令处理的结果：最新聚合状态和待追加的事件（无事件表示 no-op）
type Outcome struct {
	Post   *domain.Post
	Events []domain.Event
}

// CommandHandler 在调用方事务内加载并修改聚合，写状态行；事件由 Dispatcher 追加
type CommandHandler func(ctx context.Context, tx *gorm.DB, cmd domain.Command) (Outcome, error)

type DispatcherDeps struct {
	Tx      repository.TxRunner
	Events  repository.EventRepository
	Posts   repository.PostRepository
	Queue   queue.Queue
	Reactor *Reactor
	Log     *zap.Logger
}

// Dispatcher 写入路径的唯一入口
type Dispatcher struct {
	deps     DispatcherDeps
	validate *validator.Validate
	handlers map[string]CommandHandler
	log      *zap.Logger
}

func NewDispatcher(deps DispatcherDeps) *Dispatcher {
	log := deps.Log
	if log == nil {
		log = zap.NewNop()
	}
	return &Dispatcher{
		deps:     deps,
		validate: validator.New(),
		handlers: make(map[string]CommandHandler),
		log:      log.Named("dispatcher"),
	}
}

func (d *Dispatcher) Register(cmdType string, h CommandHandler) error {
	if cmdType == "" || h == nil {
		return domain.Configuration("register", "command type and handler are required")
	}
	if _, exists := d.handlers[cmdType]; exists {
		return domain.Configuration("register", "handler already registered for "+cmdType)
	}
	d.handlers[cmdType] = h
	return nil
}

// Require 启动期检查，缺少 handler 属于配置错误
func (d *Dispatcher) Require(cmdTypes ...string) error {
	for _, t := range cmdTypes {
		if _, ok := d.handlers[t]; !ok {
			return domain.Configuration("require", "no handler registered for "+t)
		}
	}
	return nil
}

// Dispatch 校验、加载、修改、在一个事务里持久化状态+事件+任务，提交后失效缓存
func (d *Dispatcher) Dispatch(ctx context.Context, cmd domain.Command) (*domain.Post, error) {
	if cmd == nil {
		return nil, domain.Validation("dispatch", "nil command")
	}
	op := cmd.CommandType()
	ctx, span := tracer.Start(ctx, "Dispatch "+op, trace.WithAttributes(
		attribute.String("command.type", op),
		attribute.String("post.id", cmd.TargetID()),
	))
	defer span.End()

	var (
		post *domain.Post
		err  error
	)
	for attempt := 1; ; attempt++ {
		post, err = d.dispatch(ctx, op, cmd)
		// 事务整体回滚过，重放命令是安全的
		if err == nil || attempt >= maxDispatchAttempts || ctx.Err() != nil || !repository.IsRetryable(err) {
			break
		}
		d.log.Debug("retrying command after transient conflict",
			zap.String("command", op), zap.Int("attempt", attempt), zap.Error(err))
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(domain.KindOf(err)))
	}
	return post, err
}

func (d *Dispatcher) dispatch(ctx context.Context, op string, cmd domain.Command) (*domain.Post, error) {
	h, ok := d.handlers[op]
	if !ok {
		return nil, domain.Configuration(op, "no handler registered")
	}
	if err := d.validate.Struct(cmd); err != nil {
		return nil, domain.NewError(domain.KindValidation, op, err.Error(), err)
	}
	meta := cmd.Metadata()
	if meta.At.IsZero() {
		return nil, domain.Validation(op, "command time is required")
	}

	key := idempotencyKey(cmd)
	var (
		out      Outcome
		replayed bool
	)
	err := d.deps.Tx.InTx(ctx, func(tx *gorm.DB) error {
		if key != "" {
			prior, err := d.deps.Events.FindByIdempotencyKey(ctx, tx, key)
			if err != nil {
				return err
			}
			if prior != nil {
				if target := cmd.TargetID(); target != "" && prior.AggregateID != target {
					return domain.Conflict(op, "request id already used for post "+prior.AggregateID)
				}
				p, err := d.deps.Posts.GetByID(ctx, tx, prior.AggregateID)
				if err != nil {
					return err
				}
				out, replayed = Outcome{Post: p}, true
				return nil
			}
		}

		var err error
		out, err = h(ctx, tx, cmd)
		if err != nil {
			return err
		}
		if len(out.Events) == 0 {
			return nil
		}
		if out.Events, err = d.deps.Events.Append(ctx, tx, key, out.Events...); err != nil {
			return err
		}
		tasks, err := d.deps.Reactor.Plan(out.Post, out.Events)
		if err != nil {
			return fmt.Errorf("plan follow-up tasks: %w", err)
		}
		return d.deps.Queue.Enqueue(ctx, tx, tasks...)
	})
	if err != nil {
		mapped := repository.MapError(op, err)
		if key != "" && domain.IsKind(mapped, domain.KindConflict) {
			// 并发的同一次重试撞上唯一索引：返回已提交那次的结果
			if p, ok := d.replayed(ctx, key, cmd.TargetID()); ok {
				return p, nil
			}
		}
		return nil, mapped
	}

	if replayed {
		d.log.Debug("duplicate command, returning current state",
			zap.String("command", op), zap.String("idempotency_key", key))
		return out.Post, nil
	}
	if len(out.Events) > 0 {
		// 失效必须在提交之后，失败不影响命令结果，TTL 兜底
		if err := d.deps.Reactor.Invalidate(ctx, out.Post, out.Events); err != nil {
			d.log.Warn("post-commit invalidation failed",
				zap.String("command", op), zap.String("post_id", out.Post.ID), zap.Error(err))
		}
		d.log.Debug("command committed",
			zap.String("command", op),
			zap.String("post_id", out.Post.ID),
			zap.Int64("version", out.Post.Version))
	}
	return out.Post, nil
}

func (d *Dispatcher) replayed(ctx context.Context, key, target string) (*domain.Post, bool) {
	prior, err := d.deps.Events.FindByIdempotencyKey(ctx, nil, key)
	if err != nil || prior == nil {
		return nil, false
	}
	if target != "" && prior.AggregateID != target {
		return nil, false
	}
	p, err := d.deps.Posts.GetByID(ctx, nil, prior.AggregateID)
	if err != nil {
		return nil, false
	}
	return p, true
}

// idempotencyKey 按 命令类型+操作者+目标帖子 划分请求 id 的作用域：
// {type}:{actor}:{post}:{request}，没有目标的 CreatePost 为 {type}:{actor}:{request}
func idempotencyKey(cmd domain.Command) string {
	meta := cmd.Metadata()
	if meta.RequestID == "" {
		return ""
	}
	parts := []string{cmd.CommandType(), meta.ActorID}
	if target := cmd.TargetID(); target != "" {
		parts = append(parts, target)
	}
	return strings.Join(append(parts, meta.RequestID), ":")
}
