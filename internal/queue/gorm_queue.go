package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/d60-Lab/feedpipe/internal/model"
)

// ErrLeaseLost 任务已被别的 worker 重新认领（租约过期后）
var ErrLeaseLost = errors.New("queue: lease lost")

// Queue 入队可以挂在调用方事务上；认领是排他的
type Queue interface {
	Enqueue(ctx context.Context, tx *gorm.DB, tasks ...Task) error
	// Claim 没有可执行任务时返回 nil, nil
	Claim(ctx context.Context) (*Task, error)
	Complete(ctx context.Context, t *Task) error
	// Fail 记录失败；返回 true 表示任务已进入死信
	Fail(ctx context.Context, t *Task, cause error) (bool, error)
}

type Options struct {
	MaxAttempts int
	Backoff     Backoff
	// LeaseTimeout running 超过这个时间视为 worker 崩溃，可以被重新认领
	LeaseTimeout time.Duration
	Reporter     Reporter
	Now          func() time.Time
}

type GormQueue struct {
	db   *gorm.DB
	opts Options
	log  *zap.Logger
}

func NewGormQueue(db *gorm.DB, log *zap.Logger, opts Options) *GormQueue {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 5
	}
	if opts.Backoff.Base <= 0 {
		opts.Backoff = DefaultBackoff()
	}
	if opts.LeaseTimeout <= 0 {
		opts.LeaseTimeout = 5 * time.Minute
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if log == nil {
		log = zap.NewNop()
	}
	if opts.Reporter == nil {
		opts.Reporter = LogReporter{Log: log}
	}
	return &GormQueue{db: db, opts: opts, log: log.Named("queue")}
}

func (q *GormQueue) now() time.Time { return q.opts.Now().UTC() }

func (q *GormQueue) Enqueue(ctx context.Context, tx *gorm.DB, tasks ...Task) error {
	if len(tasks) == 0 {
		return nil
	}
	db := q.db
	if tx != nil {
		db = tx
	}
	now := q.now()
	rows := make([]model.QueueTask, len(tasks))
	for i, t := range tasks {
		if t.Type == "" {
			return fmt.Errorf("enqueue: task type is required")
		}
		if !t.Priority.Valid() {
			t.Priority = PriorityDefault
		}
		maxAttempts := t.MaxAttempts
		if maxAttempts <= 0 {
			maxAttempts = q.opts.MaxAttempts
		}
		availableAt := t.AvailableAt
		if availableAt.IsZero() {
			availableAt = now
		}
		payload := t.Payload
		if len(payload) == 0 {
			payload = json.RawMessage(`{}`)
		}
		rows[i] = model.QueueTask{
			ID:          uuid.New().String(),
			TaskType:    t.Type,
			Payload:     datatypes.JSON(payload),
			Priority:    string(t.Priority),
			Lane:        t.Priority.lane(),
			Status:      model.TaskStatusQueued,
			MaxAttempts: maxAttempts,
			History:     datatypes.JSON(`[]`),
			AvailableAt: availableAt.UTC(),
			CreatedAt:   now,
			UpdatedAt:   now,
		}
	}
	return db.WithContext(ctx).Create(&rows).Error
}

// Claim 选出一个可执行任务并用 lease CAS 抢占。
// postgres 下 SKIP LOCKED 让并发 worker 互不阻塞；sqlite 忽略锁子句，靠 CAS 兜底。
func (q *GormQueue) Claim(ctx context.Context) (*Task, error) {
	now := q.now()
	staleBefore := now.Add(-q.opts.LeaseTimeout)

	var claimed *model.QueueTask
	err := q.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row model.QueueTask
		err := tx.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Where("(status = ? AND available_at <= ?) OR (status = ? AND locked_at < ?)",
				model.TaskStatusQueued, now, model.TaskStatusRunning, staleBefore).
			Order("lane").
			Order("available_at").
			Order("created_at").
			Take(&row).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		if err != nil {
			return err
		}

		res := tx.Model(&model.QueueTask{}).
			Where("id = ? AND lease = ?", row.ID, row.Lease).
			Updates(map[string]any{
				"status":     model.TaskStatusRunning,
				"lease":      row.Lease + 1,
				"attempt":    row.Attempt + 1,
				"locked_at":  now,
				"updated_at": now,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			// 被别人抢走了，下一轮再来
			return nil
		}
		if row.Status == model.TaskStatusRunning {
			q.log.Warn("reclaiming task with expired lease",
				zap.String("task_id", row.ID), zap.String("task_type", row.TaskType))
		}
		row.Status = model.TaskStatusRunning
		row.Lease++
		row.Attempt++
		row.LockedAt = &now
		claimed = &row
		return nil
	})
	if err != nil || claimed == nil {
		return nil, err
	}
	return taskFromModel(claimed)
}

func (q *GormQueue) Complete(ctx context.Context, t *Task) error {
	res := q.db.WithContext(ctx).
		Where("id = ? AND lease = ?", t.ID, t.Lease).
		Delete(&model.QueueTask{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrLeaseLost
	}
	return nil
}

func (q *GormQueue) Fail(ctx context.Context, t *Task, cause error) (bool, error) {
	now := q.now()
	msg := "unknown error"
	if cause != nil {
		msg = cause.Error()
	}
	history := append(append([]Attempt(nil), t.History...), Attempt{Attempt: t.Attempt, Error: msg, At: now})
	historyJSON, err := json.Marshal(history)
	if err != nil {
		return false, err
	}

	dead := t.Attempt >= t.MaxAttempts
	err = q.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if dead {
			dl := &model.DeadLetter{
				ID:        uuid.New().String(),
				TaskID:    t.ID,
				TaskType:  t.Type,
				Payload:   datatypes.JSON(t.Payload),
				Priority:  string(t.Priority),
				Attempts:  t.Attempt,
				History:   datatypes.JSON(historyJSON),
				LastError: msg,
				CreatedAt: now,
			}
			res := tx.Where("id = ? AND lease = ?", t.ID, t.Lease).Delete(&model.QueueTask{})
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				return ErrLeaseLost
			}
			return tx.Clauses(clause.OnConflict{DoNothing: true}).Create(dl).Error
		}

		res := tx.Model(&model.QueueTask{}).
			Where("id = ? AND lease = ?", t.ID, t.Lease).
			Updates(map[string]any{
				"status":       model.TaskStatusQueued,
				"history":      datatypes.JSON(historyJSON),
				"last_error":   msg,
				"available_at": now.Add(q.opts.Backoff.Delay(t.Attempt)),
				"locked_at":    nil,
				"updated_at":   now,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrLeaseLost
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	t.History = history
	if dead {
		q.opts.Reporter.Report(ctx, DeadLetter{
			TaskID:    t.ID,
			Type:      t.Type,
			Payload:   t.Payload,
			Priority:  t.Priority,
			Attempts:  t.Attempt,
			History:   history,
			LastError: msg,
			At:        now,
		})
	}
	return dead, nil
}

// Stats 各状态任务数与死信数，给 CLI 和测试用
type Stats struct {
	Queued      int64
	Running     int64
	DeadLetters int64
}

func (q *GormQueue) Stats(ctx context.Context) (Stats, error) {
	var s Stats
	db := q.db.WithContext(ctx)
	if err := db.Model(&model.QueueTask{}).Where("status = ?", model.TaskStatusQueued).Count(&s.Queued).Error; err != nil {
		return s, err
	}
	if err := db.Model(&model.QueueTask{}).Where("status = ?", model.TaskStatusRunning).Count(&s.Running).Error; err != nil {
		return s, err
	}
	if err := db.Model(&model.DeadLetter{}).Count(&s.DeadLetters).Error; err != nil {
		return s, err
	}
	return s, nil
}

// DeadLetters 按时间倒序列出死信
func (q *GormQueue) DeadLetters(ctx context.Context, limit int) ([]DeadLetter, error) {
	var rows []model.DeadLetter
	if err := q.db.WithContext(ctx).Order("created_at DESC").Limit(limit).Find(&rows).Error; err != nil {
		return nil, err
	}
	res := make([]DeadLetter, 0, len(rows))
	for _, r := range rows {
		var history []Attempt
		if len(r.History) > 0 {
			if err := json.Unmarshal(r.History, &history); err != nil {
				return nil, fmt.Errorf("decode dead letter %s history: %w", r.ID, err)
			}
		}
		res = append(res, DeadLetter{
			TaskID:    r.TaskID,
			Type:      r.TaskType,
			Payload:   json.RawMessage(r.Payload),
			Priority:  Priority(r.Priority),
			Attempts:  r.Attempts,
			History:   history,
			LastError: r.LastError,
			At:        r.CreatedAt,
		})
	}
	return res, nil
}

func taskFromModel(m *model.QueueTask) (*Task, error) {
	var history []Attempt
	if len(m.History) > 0 {
		if err := json.Unmarshal(m.History, &history); err != nil {
			return nil, fmt.Errorf("decode task %s history: %w", m.ID, err)
		}
	}
	return &Task{
		ID:          m.ID,
		Type:        m.TaskType,
		Payload:     json.RawMessage(m.Payload),
		Priority:    Priority(m.Priority),
		Attempt:     m.Attempt,
		MaxAttempts: m.MaxAttempts,
		Lease:       m.Lease,
		History:     history,
		AvailableAt: m.AvailableAt,
		CreatedAt:   m.CreatedAt,
	}, nil
}
