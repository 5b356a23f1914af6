package model

import (
	"time"

	"gorm.io/datatypes"
)

const (
	TaskStatusQueued  = "queued"
	TaskStatusRunning = "running"
)

// QueueTask 持久化任务队列（由原 outbox 演化而来：同一事务内写入，worker 认领后处理）
type QueueTask struct {
	ID       string         `gorm:"primaryKey;type:varchar(36)"`
	TaskType string         `gorm:"type:varchar(64);not null"`
	Payload  datatypes.JSON `gorm:"not null"`
	Priority string         `gorm:"type:varchar(8);not null"`
	// Lane 0=high 1=default 2=low，认领时按它升序
	Lane        int    `gorm:"not null;index:idx_task_claim,priority:2"`
	Status      string `gorm:"type:varchar(16);not null;index:idx_task_claim,priority:1"`
	Attempt     int    `gorm:"not null;default:0"`
	MaxAttempts int    `gorm:"not null"`
	// Lease 每次认领 +1，完成/失败时比对，防止过期 worker 覆盖新的认领
	Lease       int64  `gorm:"not null;default:0"`
	// History 每次失败追加 {attempt, error, at}
	History     datatypes.JSON
	LastError   string    `gorm:"type:text"`
	AvailableAt time.Time `gorm:"not null;index:idx_task_claim,priority:3"`
	LockedAt    *time.Time
	CreatedAt   time.Time `gorm:"index:idx_task_claim,priority:4"`
	UpdatedAt   time.Time
}

func (QueueTask) TableName() string { return "queue_tasks" }

// DeadLetter 重试耗尽的任务，留给人工处理
type DeadLetter struct {
	ID        string         `gorm:"primaryKey;type:varchar(36)"`
	TaskID    string         `gorm:"type:varchar(36);uniqueIndex;not null"`
	TaskType  string         `gorm:"type:varchar(64);not null;index"`
	Payload   datatypes.JSON `gorm:"not null"`
	Priority  string         `gorm:"type:varchar(8);not null"`
	Attempts  int            `gorm:"not null"`
	History   datatypes.JSON
	LastError string `gorm:"type:text"`
	CreatedAt time.Time
}

func (DeadLetter) TableName() string { return "dead_letters" }
