package model

import (
	"time"

	"gorm.io/datatypes"
)

// PostEvent 事件日志（只追加，不更新不删除）
type PostEvent struct {
	// Sequence 由存储分配的全局插入序
	Sequence    int64          `gorm:"primaryKey;autoIncrement"`
	AggregateID string         `gorm:"type:varchar(36);not null;uniqueIndex:ux_event_aggregate_version"`
	Version     int64          `gorm:"not null;uniqueIndex:ux_event_aggregate_version"`
	EventType   string         `gorm:"type:varchar(16);not null;index"`
	Payload     datatypes.JSON `gorm:"not null"`
	OccurredAt  time.Time      `gorm:"not null"`
	// IdempotencyKey 命令重试去重，可为空
	IdempotencyKey *string   `gorm:"type:varchar(255);uniqueIndex"`
	RecordedAt     time.Time `gorm:"autoCreateTime"`
}

func (PostEvent) TableName() string { return "post_events" }
