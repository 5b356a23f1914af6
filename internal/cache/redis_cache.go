// Package cache Redis 旁路缓存：未命中回源、带 generation 防脏写、出错时降级直读存储
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// genTTL generation 键本身也需要过期，否则每个帖子都会留下一个永久键
const genTTL = 24 * time.Hour

var errStaleFill = errors.New("cache: generation moved during fill")

// Cache 读侧使用的旁路缓存。load 返回的错误原样透传且不会被缓存
type Cache interface {
	// Fetch 读取 JSON 值到 dst，未命中时调用 load 并回填
	Fetch(ctx context.Context, key, genKey string, ttl time.Duration, dst any, load func(context.Context) (any, error)) error
	// FetchRange 读取列表型缓存的 [start, stop] 区间（LRANGE 语义，闭区间）
	FetchRange(ctx context.Context, key, genKey string, ttl time.Duration, start, stop int64, load func(context.Context) ([]string, error)) ([]string, error)
	Invalidate(ctx context.Context, targets ...Target) error
}

type RedisCache struct {
	client redis.UniversalClient
	log    *zap.Logger
	group  singleflight.Group
}

func NewRedisCache(client redis.UniversalClient, log *zap.Logger) *RedisCache {
	if log == nil {
		log = zap.NewNop()
	}
	return &RedisCache{client: client, log: log.Named("cache")}
}

func (c *RedisCache) Fetch(ctx context.Context, key, genKey string, ttl time.Duration, dst any, load func(context.Context) (any, error)) error {
	data, err := c.client.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		if uErr := json.Unmarshal(data, dst); uErr == nil {
			recordHit(ctx, key)
			return nil
		}
		c.log.Warn("cache entry undecodable, reloading", zap.String("key", key))
	case errors.Is(err, redis.Nil):
	default:
		// fail open：缓存不可用时直接读存储
		recordError(ctx, key)
		c.log.Warn("cache get failed, reading store", zap.String("key", key), zap.Error(err))
		v, lErr := load(ctx)
		if lErr != nil {
			return lErr
		}
		return assign(v, dst)
	}

	recordMiss(ctx, key)
	v, err, _ := c.group.Do(key, func() (any, error) {
		gen, genOK := c.generation(ctx, genKey)
		v, err := load(ctx)
		if err != nil {
			return nil, err
		}
		payload, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("cache: encode %s: %w", key, err)
		}
		if genOK {
			c.storeGuarded(ctx, key, genKey, gen, func(pipe redis.Pipeliner) {
				pipe.Set(ctx, key, payload, ttl)
				if idx := pageIndexKey(key); idx != "" {
					pipe.SAdd(ctx, idx, key)
					pipe.Expire(ctx, idx, genTTL)
				}
			})
		}
		return payload, nil
	})
	if err != nil {
		return err
	}
	return json.Unmarshal(v.([]byte), dst)
}

func (c *RedisCache) FetchRange(ctx context.Context, key, genKey string, ttl time.Duration, start, stop int64, load func(context.Context) ([]string, error)) ([]string, error) {
	ids, err := c.client.LRange(ctx, key, start, stop).Result()
	if err == nil && len(ids) == 0 {
		// 空结果可能是越界，也可能是未缓存
		var n int64
		n, err = c.client.Exists(ctx, key).Result()
		if err == nil && n > 0 {
			recordHit(ctx, key)
			return ids, nil
		}
	}
	if err != nil {
		recordError(ctx, key)
		c.log.Warn("cache lrange failed, reading store", zap.String("key", key), zap.Error(err))
		all, lErr := load(ctx)
		if lErr != nil {
			return nil, lErr
		}
		return window(all, start, stop), nil
	}
	if len(ids) > 0 {
		recordHit(ctx, key)
		return ids, nil
	}

	recordMiss(ctx, key)
	v, err, _ := c.group.Do(key, func() (any, error) {
		gen, genOK := c.generation(ctx, genKey)
		all, err := load(ctx)
		if err != nil {
			return nil, err
		}
		if genOK && len(all) > 0 {
			c.storeGuarded(ctx, key, genKey, gen, func(pipe redis.Pipeliner) {
				pipe.Del(ctx, key)
				pipe.RPush(ctx, key, interfaceSlice(all)...)
				pipe.Expire(ctx, key, ttl)
			})
		}
		return all, nil
	})
	if err != nil {
		return nil, err
	}
	return window(v.([]string), start, stop), nil
}

// Invalidate 对每个目标：INCR generation（让进行中的回填作废）并删除键。
// 出错时继续处理剩余目标，TTL 是最后一道防线。
func (c *RedisCache) Invalidate(ctx context.Context, targets ...Target) error {
	var errs []error
	for _, t := range targets {
		if err := c.invalidate(ctx, t); err != nil {
			recordError(ctx, t.GenKey)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (c *RedisCache) invalidate(ctx context.Context, t Target) error {
	if t.GenKey != "" || len(t.Keys) > 0 {
		pipe := c.client.TxPipeline()
		if t.GenKey != "" {
			pipe.Incr(ctx, t.GenKey)
			pipe.Expire(ctx, t.GenKey, genTTL)
		}
		if len(t.Keys) > 0 {
			pipe.Del(ctx, t.Keys...)
		}
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("invalidate %s: %w", t.GenKey, err)
		}
	}
	if t.IndexKey != "" {
		keys, err := c.client.SMembers(ctx, t.IndexKey).Result()
		if err != nil {
			return fmt.Errorf("read index %s: %w", t.IndexKey, err)
		}
		if len(keys) > 0 {
			// 逐键删除，集群模式下各键可能落在不同节点；只移除读到的成员，期间新登记的键保留
			pipe := c.client.Pipeline()
			for _, k := range keys {
				pipe.Del(ctx, k)
			}
			pipe.SRem(ctx, t.IndexKey, interfaceSlice(keys)...)
			if _, err := pipe.Exec(ctx); err != nil {
				return fmt.Errorf("delete pages of %s: %w", t.IndexKey, err)
			}
		}
	}
	recordInvalidation(ctx, t.GenKey)
	return nil
}

// generation 读取当前 generation；读失败时不回填
func (c *RedisCache) generation(ctx context.Context, genKey string) (string, bool) {
	gen, err := c.client.Get(ctx, genKey).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		recordError(ctx, genKey)
		c.log.Warn("cache generation read failed, skipping fill", zap.String("key", genKey), zap.Error(err))
		return "", false
	}
	return gen, true
}

// storeGuarded 只有 generation 在回源期间没有变化时才写入
func (c *RedisCache) storeGuarded(ctx context.Context, key, genKey, gen string, write func(redis.Pipeliner)) {
	err := c.client.Watch(ctx, func(tx *redis.Tx) error {
		cur, err := tx.Get(ctx, genKey).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		if cur != gen {
			return errStaleFill
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			write(pipe)
			return nil
		})
		return err
	}, genKey)

	switch {
	case err == nil:
	case errors.Is(err, errStaleFill), errors.Is(err, redis.TxFailedErr):
		recordStaleFill(ctx, key)
		c.log.Debug("discarding stale cache fill", zap.String("key", key))
	default:
		recordError(ctx, key)
		c.log.Warn("cache set failed", zap.String("key", key), zap.Error(err))
	}
}

func assign(v, dst any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return json.Unmarshal(payload, dst)
}

func window(all []string, start, stop int64) []string {
	n := int64(len(all))
	if start < 0 {
		start = 0
	}
	if stop < 0 || stop >= n {
		stop = n - 1
	}
	if start >= n || start > stop {
		return []string{}
	}
	return all[start : stop+1]
}

func interfaceSlice(strs []string) []interface{} {
	result := make([]interface{}, len(strs))
	for i, s := range strs {
		result[i] = s
	}
	return result
}
