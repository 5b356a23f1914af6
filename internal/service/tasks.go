package service

import (
	"encoding/json"
	"fmt"
)

// 任务类型，同时也是 queue_tasks.task_type 的取值
const (
	TaskExtractEntities          = "ExtractEntities"
	TaskNotifyFollowers          = "NotifyFollowers"
	TaskRefreshFollowerTimelines = "RefreshFollowerTimelines"
	// TaskReconcileFan 按 follows 对账 fans，payload 见 FanPayload
	TaskReconcileFan = "ReconcileFan"
)

// TaskPayload 任务只带 post_id 和最少的上下文，执行时总是回读最新状态
type TaskPayload struct {
	PostID   string `json:"post_id"`
	AuthorID string `json:"author_id,omitempty"`
	Event    string `json:"event,omitempty"`
	Version  int64  `json:"version,omitempty"`
}

func decodePayload(raw json.RawMessage) (TaskPayload, error) {
	var p TaskPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return p, fmt.Errorf("decode task payload: %w", err)
	}
	if p.PostID == "" {
		return p, fmt.Errorf("task payload missing post_id")
	}
	return p, nil
}
