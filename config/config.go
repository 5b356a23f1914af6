package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config 应用配置
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Cache     CacheConfig     `mapstructure:"cache"`
	Queue     QueueConfig     `mapstructure:"queue"`
	Post      PostConfig      `mapstructure:"post"`
	Notify    NotifyConfig    `mapstructure:"notify"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Log       LogConfig       `mapstructure:"log"`
	Sentry    SentryConfig    `mapstructure:"sentry"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

type ServerConfig struct {
	Addr string `mapstructure:"addr"`
	Mode string `mapstructure:"mode"` // debug, release, test
}

type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"` // postgres, sqlite
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	LogLevel        string        `mapstructure:"log_level"` // silent, error, warn, info
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// CacheConfig TTL 属于配置而不是协议
type CacheConfig struct {
	PostTTL          time.Duration `mapstructure:"post_ttl"`
	TimelineTTL      time.Duration `mapstructure:"timeline_ttl"`
	FollowingTTL     time.Duration `mapstructure:"following_ttl"`
	TimelinePageSize int           `mapstructure:"timeline_page_size"`
}

type QueueConfig struct {
	Workers      int           `mapstructure:"workers"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	MaxAttempts  int           `mapstructure:"max_attempts"`
	BaseBackoff  time.Duration `mapstructure:"base_backoff"`
	MaxBackoff   time.Duration `mapstructure:"max_backoff"`
	LeaseTimeout time.Duration `mapstructure:"lease_timeout"`
	TaskTimeout  time.Duration `mapstructure:"task_timeout"`
}

type PostConfig struct {
	MaxContentLength int `mapstructure:"max_content_length"`
}

type NotifyConfig struct {
	Sink      string  `mapstructure:"sink"` // log, redis
	ChunkSize int     `mapstructure:"chunk_size"`
	RateLimit float64 `mapstructure:"rate_limit"` // deliveries per second, 0 = unlimited
	Burst     int     `mapstructure:"burst"`
}

type SchedulerConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	BatchSize    int           `mapstructure:"batch_size"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // json, console
}

type SentryConfig struct {
	DSN         string `mapstructure:"dsn"`
	Environment string `mapstructure:"environment"`
}

type TelemetryConfig struct {
	ServiceName  string `mapstructure:"service_name"`
	OTLPEndpoint string `mapstructure:"otlp_endpoint"` // 为空则不导出 trace
	Metrics      bool   `mapstructure:"metrics"`
}

// Load 读取配置：config.yaml（可选） + FEEDPIPE_ 前缀环境变量 + 默认值
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.SetEnvPrefix("FEEDPIPE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.mode", "release")

	v.SetDefault("database.driver", "postgres")
	v.SetDefault("database.dsn", "host=localhost user=postgres password=postgres dbname=feedpipe port=5432 sslmode=disable")
	v.SetDefault("database.max_open_conns", 50)
	v.SetDefault("database.max_idle_conns", 10)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.log_level", "warn")

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("cache.post_ttl", "10m")
	v.SetDefault("cache.timeline_ttl", "2m")
	v.SetDefault("cache.following_ttl", "10m")
	v.SetDefault("cache.timeline_page_size", 20)

	v.SetDefault("queue.workers", 4)
	v.SetDefault("queue.poll_interval", "200ms")
	v.SetDefault("queue.max_attempts", 5)
	v.SetDefault("queue.base_backoff", "1s")
	v.SetDefault("queue.max_backoff", "5m")
	v.SetDefault("queue.lease_timeout", "5m")
	v.SetDefault("queue.task_timeout", "1m")

	v.SetDefault("post.max_content_length", 500)

	v.SetDefault("notify.sink", "log")
	v.SetDefault("notify.chunk_size", 500)
	v.SetDefault("notify.rate_limit", 0)
	v.SetDefault("notify.burst", 100)

	v.SetDefault("scheduler.enabled", true)
	v.SetDefault("scheduler.poll_interval", "5s")
	v.SetDefault("scheduler.batch_size", 100)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("sentry.environment", "production")

	v.SetDefault("telemetry.service_name", "feedpipe")
	v.SetDefault("telemetry.metrics", true)
}

// Validate 检查取值范围，启动期失败即退出
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "postgres", "sqlite":
	default:
		return fmt.Errorf("config: unsupported database.driver %q", c.Database.Driver)
	}
	if c.Post.MaxContentLength <= 0 {
		return fmt.Errorf("config: post.max_content_length must be > 0")
	}
	if c.Queue.Workers <= 0 {
		return fmt.Errorf("config: queue.workers must be > 0")
	}
	if c.Queue.MaxAttempts <= 0 {
		return fmt.Errorf("config: queue.max_attempts must be > 0")
	}
	if c.Cache.TimelinePageSize <= 0 {
		return fmt.Errorf("config: cache.timeline_page_size must be > 0")
	}
	if c.Notify.ChunkSize <= 0 {
		return fmt.Errorf("config: notify.chunk_size must be > 0")
	}
	switch c.Notify.Sink {
	case "log", "redis":
	default:
		return fmt.Errorf("config: unsupported notify.sink %q", c.Notify.Sink)
	}
	return nil
}
