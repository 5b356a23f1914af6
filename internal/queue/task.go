// Package queue 持久化的优先级任务队列（存储在主库，随业务写入同一事务入队）
package queue

import (
	"encoding/json"
	"time"
)

type Priority string

const (
	PriorityHigh    Priority = "high"
	PriorityDefault Priority = "default"
	PriorityLow     Priority = "low"
)

// lane 认领顺序：数字小的先处理
func (p Priority) lane() int {
	switch p {
	case PriorityHigh:
		return 0
	case PriorityLow:
		return 2
	default:
		return 1
	}
}

// Before 报告 p 是否比 other 更先被处理
func (p Priority) Before(other Priority) bool { return p.lane() < other.lane() }

func (p Priority) Valid() bool {
	switch p {
	case PriorityHigh, PriorityDefault, PriorityLow:
		return true
	}
	return false
}

// Attempt 一次失败的记录
type Attempt struct {
	Attempt int       `json:"attempt"`
	Error   string    `json:"error"`
	At      time.Time `json:"at"`
}

// Task 队列任务。Payload 由任务类型自己解释
type Task struct {
	ID          string
	Type        string
	Payload     json.RawMessage
	Priority    Priority
	Attempt     int
	MaxAttempts int
	Lease       int64
	History     []Attempt
	AvailableAt time.Time
	CreatedAt   time.Time
}

// NewTask 用 v 的 JSON 作为 payload
func NewTask(taskType string, priority Priority, v any) (Task, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return Task{}, err
	}
	return Task{Type: taskType, Priority: priority, Payload: payload}, nil
}

// DeadLetter 重试耗尽后的任务快照
type DeadLetter struct {
	TaskID    string
	Type      string
	Payload   json.RawMessage
	Priority  Priority
	Attempts  int
	History   []Attempt
	LastError string
	At        time.Time
}
