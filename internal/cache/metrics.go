package cache

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var meter = otel.Meter("feedpipe.cache")

var (
	cacheHits          metric.Int64Counter
	cacheMisses        metric.Int64Counter
	cacheErrors        metric.Int64Counter
	cacheInvalidations metric.Int64Counter
	cacheStaleFills    metric.Int64Counter

	metricsOnce sync.Once
	metricsErr  error
)

func initMetrics() error {
	metricsOnce.Do(func() {
		counters := []struct {
			dst  *metric.Int64Counter
			name string
			desc string
		}{
			{&cacheHits, "cache_hits_total", "Total number of cache hits"},
			{&cacheMisses, "cache_misses_total", "Total number of cache misses"},
			{&cacheErrors, "cache_errors_total", "Cache operations that failed open to the store"},
			{&cacheInvalidations, "cache_invalidations_total", "Total number of invalidated targets"},
			{&cacheStaleFills, "cache_stale_fills_total", "Fills discarded because the generation moved"},
		}
		for _, c := range counters {
			var err error
			*c.dst, err = meter.Int64Counter(c.name, metric.WithDescription(c.desc))
			if err != nil {
				metricsErr = err
				return
			}
		}
	})
	return metricsErr
}

func record(ctx context.Context, c *metric.Int64Counter, key string) {
	if err := initMetrics(); err != nil {
		return
	}
	(*c).Add(ctx, 1, metric.WithAttributes(attribute.String("namespace", namespace(key))))
}

func recordHit(ctx context.Context, key string)       { record(ctx, &cacheHits, key) }
func recordMiss(ctx context.Context, key string)      { record(ctx, &cacheMisses, key) }
func recordError(ctx context.Context, key string)     { record(ctx, &cacheErrors, key) }
func recordStaleFill(ctx context.Context, key string) { record(ctx, &cacheStaleFills, key) }

func recordInvalidation(ctx context.Context, key string) {
	record(ctx, &cacheInvalidations, key)
}
