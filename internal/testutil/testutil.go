// Package testutil 测试用的存储与日志夹具
package testutil

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/d60-Lab/feedpipe/internal/model"
)

var dbSeq atomic.Int64

// DB 每个测试一个独立的内存 sqlite，单连接保证事务串行
func DB(t testing.TB) *gorm.DB {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dsn := fmt.Sprintf("file:%s_%d?mode=memory&cache=shared&_busy_timeout=5000", name, dbSeq.Add(1))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	if err := db.AutoMigrate(model.All()...); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

// Redis 启动 miniredis，返回服务端句柄（用于 SetError/FastForward）和客户端
func Redis(t testing.TB) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func Logger(t testing.TB) *zap.Logger {
	return zaptest.NewLogger(t, zaptest.Level(zap.WarnLevel))
}

// FailingTxRunner 在第 FailOn 次 InTx 时返回 Err（FailOn 为 -1 时每次都失败），用来验证失败不落任何数据
type FailingTxRunner struct {
	DB     *gorm.DB
	FailOn int64
	Err    error
	calls  atomic.Int64
}

func (r *FailingTxRunner) InTx(ctx context.Context, fn func(tx *gorm.DB) error) error {
	n := r.calls.Add(1)
	return r.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := fn(tx); err != nil {
			return err
		}
		if n == r.FailOn || r.FailOn < 0 {
			// 回调已执行完，这里失败会回滚全部写入
			return r.Err
		}
		return nil
	})
}

func (r *FailingTxRunner) Calls() int64 { return r.calls.Load() }
