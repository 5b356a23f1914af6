package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/d60-Lab/feedpipe/internal/domain"
	"github.com/d60-Lab/feedpipe/internal/model"
)

// EventRepository 只追加的事件日志
type EventRepository interface {
	// Append 追加事件并回填 Sequence；idempotencyKey 只挂在第一条事件上
	Append(ctx context.Context, tx *gorm.DB, idempotencyKey string, events ...domain.Event) ([]domain.Event, error)
	ListByAggregate(ctx context.Context, aggregateID string) ([]domain.Event, error)
	// FindByIdempotencyKey 未命中返回 nil, nil
	FindByIdempotencyKey(ctx context.Context, tx *gorm.DB, key string) (*domain.Event, error)
	CountByType(ctx context.Context, aggregateID string, t domain.EventType) (int64, error)
}

type eventRepository struct{ db *gorm.DB }

func NewEventRepository(db *gorm.DB) EventRepository { return &eventRepository{db: db} }

func (r *eventRepository) Append(ctx context.Context, tx *gorm.DB, idempotencyKey string, events ...domain.Event) ([]domain.Event, error) {
	if len(events) == 0 {
		return nil, nil
	}
	rows := make([]*model.PostEvent, len(events))
	for i, e := range events {
		if !e.Type.Valid() {
			return nil, fmt.Errorf("append: unknown event type %q", e.Type)
		}
		payload, err := json.Marshal(e.Payload)
		if err != nil {
			return nil, fmt.Errorf("append: encode payload: %w", err)
		}
		rows[i] = &model.PostEvent{
			AggregateID: e.AggregateID,
			Version:     e.Version,
			EventType:   string(e.Type),
			Payload:     datatypes.JSON(payload),
			OccurredAt:  e.OccurredAt.UTC(),
		}
		if i == 0 && idempotencyKey != "" {
			key := idempotencyKey
			rows[i].IdempotencyKey = &key
		}
	}
	// 逐条插入，保证 sequence 顺序与 version 一致
	db := conn(ctx, r.db, tx)
	out := make([]domain.Event, len(events))
	for i, row := range rows {
		if err := db.Create(row).Error; err != nil {
			return nil, err
		}
		out[i] = events[i]
		out[i].Sequence = row.Sequence
	}
	return out, nil
}

func (r *eventRepository) ListByAggregate(ctx context.Context, aggregateID string) ([]domain.Event, error) {
	var rows []model.PostEvent
	if err := r.db.WithContext(ctx).
		Where("aggregate_id = ?", aggregateID).
		Order("sequence").
		Find(&rows).Error; err != nil {
		return nil, err
	}
	res := make([]domain.Event, 0, len(rows))
	for i := range rows {
		e, err := eventFromModel(&rows[i])
		if err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, nil
}

func (r *eventRepository) FindByIdempotencyKey(ctx context.Context, tx *gorm.DB, key string) (*domain.Event, error) {
	var row model.PostEvent
	err := conn(ctx, r.db, tx).Where("idempotency_key = ?", key).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	e, err := eventFromModel(&row)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (r *eventRepository) CountByType(ctx context.Context, aggregateID string, t domain.EventType) (int64, error) {
	var cnt int64
	err := r.db.WithContext(ctx).Model(&model.PostEvent{}).
		Where("aggregate_id = ? AND event_type = ?", aggregateID, string(t)).
		Count(&cnt).Error
	return cnt, err
}

func eventFromModel(m *model.PostEvent) (domain.Event, error) {
	var payload domain.Payload
	if len(m.Payload) > 0 {
		if err := json.Unmarshal(m.Payload, &payload); err != nil {
			return domain.Event{}, fmt.Errorf("decode event %d payload: %w", m.Sequence, err)
		}
	}
	return domain.Event{
		AggregateID: m.AggregateID,
		Type:        domain.EventType(m.EventType),
		Version:     m.Version,
		Payload:     payload,
		OccurredAt:  m.OccurredAt.UTC(),
		Sequence:    m.Sequence,
	}, nil
}
