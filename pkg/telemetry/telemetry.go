// Package telemetry 初始化 trace（OTLP/HTTP）、metric（Prometheus）和 Sentry。
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/d60-Lab/feedpipe/config"
)

// Telemetry 持有需要在退出时关闭的 provider
type Telemetry struct {
	shutdowns []func(context.Context) error
	metrics   http.Handler
}

// Init 按配置装配。OTLP endpoint 为空时不导出 trace；metrics 关闭时 MetricsHandler 返回 nil
func Init(ctx context.Context, cfg config.Config) (*Telemetry, error) {
	t := &Telemetry{}
	res := resource.NewWithAttributes("",
		attribute.String("service.name", cfg.Telemetry.ServiceName),
		attribute.String("deployment.environment", cfg.Sentry.Environment),
	)

	if cfg.Telemetry.OTLPEndpoint != "" {
		exp, err := otlptracehttp.New(ctx,
			otlptracehttp.WithEndpoint(cfg.Telemetry.OTLPEndpoint),
			otlptracehttp.WithInsecure())
		if err != nil {
			return nil, fmt.Errorf("create otlp exporter: %w", err)
		}
		tp := sdktrace.NewTracerProvider(
			sdktrace.WithBatcher(exp),
			sdktrace.WithResource(res),
		)
		otel.SetTracerProvider(tp)
		t.shutdowns = append(t.shutdowns, tp.Shutdown)
	}

	if cfg.Telemetry.Metrics {
		exp, err := promexporter.New()
		if err != nil {
			return nil, fmt.Errorf("create prometheus exporter: %w", err)
		}
		mp := sdkmetric.NewMeterProvider(sdkmetric.WithResource(res), sdkmetric.WithReader(exp))
		otel.SetMeterProvider(mp)
		t.metrics = promhttp.Handler()
		t.shutdowns = append(t.shutdowns, mp.Shutdown)
	}

	if cfg.Sentry.DSN != "" {
		if err := sentry.Init(sentry.ClientOptions{
			Dsn:         cfg.Sentry.DSN,
			Environment: cfg.Sentry.Environment,
		}); err != nil {
			return nil, fmt.Errorf("init sentry: %w", err)
		}
		t.shutdowns = append(t.shutdowns, func(context.Context) error {
			sentry.Flush(2 * time.Second)
			return nil
		})
	}
	return t, nil
}

// MetricsHandler /metrics 的 handler，未启用时为 nil
func (t *Telemetry) MetricsHandler() http.Handler {
	if t == nil {
		return nil
	}
	return t.metrics
}

func (t *Telemetry) Shutdown(ctx context.Context) error {
	if t == nil {
		return nil
	}
	var errs []error
	for _, fn := range t.shutdowns {
		if err := fn(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
