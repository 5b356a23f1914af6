package service

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// TaskHandler 一种任务类型的执行函数。返回错误即失败，由队列决定重试还是进死信
type TaskHandler struct {
	Type string
	Run  func(ctx context.Context, payload json.RawMessage) error
}

type Registry struct {
	mu       sync.RWMutex
	handlers map[string]TaskHandler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]TaskHandler)}
}

func (r *Registry) Register(h TaskHandler) error {
	if h.Type == "" {
		return fmt.Errorf("task handler type is empty")
	}
	if h.Run == nil {
		return fmt.Errorf("nil run func for task_type=%s", h.Type)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[h.Type]; exists {
		return fmt.Errorf("handler already registered for task_type=%s", h.Type)
	}
	r.handlers[h.Type] = h
	return nil
}

func (r *Registry) Get(taskType string) (TaskHandler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[taskType]
	return h, ok
}

// Require 启动期检查：缺任何一个都返回错误
func (r *Registry) Require(types ...string) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, t := range types {
		if _, ok := r.handlers[t]; !ok {
			return fmt.Errorf("no handler registered for task_type=%s", t)
		}
	}
	return nil
}
