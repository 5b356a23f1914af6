package queue

import (
	"context"
	"fmt"

	"github.com/getsentry/sentry-go"
	"go.uber.org/zap"
)

// Reporter 死信上报，死信永远不能静默丢弃
type Reporter interface {
	Report(ctx context.Context, dl DeadLetter)
}

type LogReporter struct{ Log *zap.Logger }

func (r LogReporter) Report(_ context.Context, dl DeadLetter) {
	r.Log.Error("task dead-lettered",
		zap.String("task_id", dl.TaskID),
		zap.String("task_type", dl.Type),
		zap.String("priority", string(dl.Priority)),
		zap.Int("attempts", dl.Attempts),
		zap.ByteString("payload", dl.Payload),
		zap.String("last_error", dl.LastError),
	)
}

// SentryReporter 需要先 sentry.Init，未初始化时 CaptureException 是空操作
type SentryReporter struct{}

func (SentryReporter) Report(_ context.Context, dl DeadLetter) {
	sentry.WithScope(func(scope *sentry.Scope) {
		scope.SetTag("task_type", dl.Type)
		scope.SetTag("priority", string(dl.Priority))
		scope.SetExtra("task_id", dl.TaskID)
		scope.SetExtra("attempts", dl.Attempts)
		scope.SetExtra("payload", string(dl.Payload))
		sentry.CaptureException(fmt.Errorf("task %s dead-lettered: %s", dl.Type, dl.LastError))
	})
}

// MultiReporter 依次上报
type MultiReporter []Reporter

func (m MultiReporter) Report(ctx context.Context, dl DeadLetter) {
	for _, r := range m {
		if r != nil {
			r.Report(ctx, dl)
		}
	}
}
