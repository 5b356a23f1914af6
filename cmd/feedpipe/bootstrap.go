package main

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/d60-Lab/feedpipe/config"
	"github.com/d60-Lab/feedpipe/internal/app"
	"github.com/d60-Lab/feedpipe/pkg/database"
	"github.com/d60-Lab/feedpipe/pkg/logger"
	"github.com/d60-Lab/feedpipe/pkg/telemetry"
)

type runtime struct {
	app       *app.App
	telemetry *telemetry.Telemetry
	log       *zap.Logger
}

func (r *runtime) close(ctx context.Context) {
	if err := r.telemetry.Shutdown(ctx); err != nil {
		r.log.Warn("telemetry shutdown", zap.Error(err))
	}
	if r.app.Redis != nil {
		_ = r.app.Redis.Close()
	}
	if sqlDB, err := r.app.DB.DB(); err == nil {
		_ = sqlDB.Close()
	}
	logger.Sync()
}

// bootstrap 读取配置并装配；migrate 为 true 时先建表
func bootstrap(ctx context.Context, migrate bool) (*runtime, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	log, err := logger.Init(cfg.Log)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	tel, err := telemetry.Init(ctx, *cfg)
	if err != nil {
		return nil, err
	}
	db, err := database.InitDB(cfg)
	if err != nil {
		return nil, err
	}
	if migrate {
		if err := database.Migrate(db); err != nil {
			return nil, err
		}
	}
	rdb, err := app.NewRedis(ctx, cfg.Redis)
	if err != nil {
		// 缓存不可用时读路径直接读存储
		log.Warn("redis unavailable, cache runs fail-open", zap.String("addr", cfg.Redis.Addr), zap.Error(err))
		rdb = app.NewRedisClient(cfg.Redis)
	}
	a, err := app.New(cfg, db, rdb, log)
	if err != nil {
		return nil, err
	}
	return &runtime{app: a, telemetry: tel, log: log}, nil
}
