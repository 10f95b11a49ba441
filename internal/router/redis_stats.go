package router

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStatsStore is the StatsStore for multi-instance deployments.
// Counters live in minute-keyed redis keys so every instance sees the
// same burst picture; keys expire on their own once the window passes.
type RedisStatsStore struct {
	client        redis.UniversalClient
	keyPrefix     string
	windowMinutes int
}

// RedisStatsOption configures a RedisStatsStore.
type RedisStatsOption func(*RedisStatsStore)

// WithKeyPrefix overrides the default "zgate:router" key prefix.
func WithKeyPrefix(prefix string) RedisStatsOption {
	return func(r *RedisStatsStore) {
		r.keyPrefix = prefix
	}
}

// WithWindowMinutes sets the counting window. Zero or negative means
// one minute.
func WithWindowMinutes(minutes int) RedisStatsOption {
	return func(r *RedisStatsStore) {
		r.windowMinutes = minutes
	}
}

// NewRedisStatsStore creates a redis-backed stats store over a shared
// client.
func NewRedisStatsStore(client redis.UniversalClient, opts ...RedisStatsOption) *RedisStatsStore {
	store := &RedisStatsStore{
		client:        client,
		keyPrefix:     "zgate:router",
		windowMinutes: 1,
	}
	for _, opt := range opts {
		opt(store)
	}
	if store.windowMinutes <= 0 {
		store.windowMinutes = 1
	}
	return store
}

func (r *RedisStatsStore) Record429(ctx context.Context, model string) (int, error) {
	now := time.Now()
	key := r.bucketKey(model, "429", minuteKey(now))

	pipe := r.client.TxPipeline()
	pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, r.bucketTTL())
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("record 429: %w", err)
	}
	return r.windowSum(ctx, model, "429", now)
}

func (r *RedisStatsStore) Count429(ctx context.Context, model string) (int, error) {
	return r.windowSum(ctx, model, "429", time.Now())
}

func (r *RedisStatsStore) RecordRequest(ctx context.Context, model string) error {
	key := r.bucketKey(model, "req", minuteKey(time.Now()))

	pipe := r.client.TxPipeline()
	pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, r.bucketTTL())
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("record request: %w", err)
	}
	return nil
}

func (r *RedisStatsStore) MarkCooldown(ctx context.Context, model string, until time.Time) error {
	key := r.cooldownKey(model)
	if until.IsZero() {
		return r.client.Del(ctx, key).Err()
	}
	ttl := time.Until(until)
	if ttl <= 0 {
		return r.client.Del(ctx, key).Err()
	}
	// 10s buffer so readers near the deadline still see the mark.
	return r.client.Set(ctx, key, until.Unix(), ttl+10*time.Second).Err()
}

func (r *RedisStatsStore) CooldownMark(ctx context.Context, model string) (time.Time, error) {
	val, err := r.client.Get(ctx, r.cooldownKey(model)).Result()
	if err == redis.Nil {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("read cooldown mark: %w", err)
	}
	unix, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cooldown mark: %w", err)
	}
	return time.Unix(unix, 0), nil
}

// Close is a no-op; the redis client is shared and owned by the caller.
func (r *RedisStatsStore) Close() error {
	return nil
}

func (r *RedisStatsStore) windowSum(ctx context.Context, model, kind string, now time.Time) (int, error) {
	keys := make([]string, 0, r.windowMinutes)
	for i := 0; i < r.windowMinutes; i++ {
		keys = append(keys, r.bucketKey(model, kind, minuteKey(now.Add(-time.Duration(i)*time.Minute))))
	}

	vals, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return 0, fmt.Errorf("sum %s window: %w", kind, err)
	}
	total := 0
	for _, v := range vals {
		switch val := v.(type) {
		case string:
			if n, err := strconv.Atoi(val); err == nil {
				total += n
			}
		case int64:
			total += int(val)
		}
	}
	return total, nil
}

// Key layout: "zgate:router:{model}:429:2026-01-10-00-00". The hash tag
// keeps one model's keys on one cluster slot.

func (r *RedisStatsStore) bucketKey(model, kind, minute string) string {
	return fmt.Sprintf("%s:{%s}:%s:%s", r.keyPrefix, model, kind, minute)
}

func (r *RedisStatsStore) cooldownKey(model string) string {
	return fmt.Sprintf("%s:{%s}:cooldown", r.keyPrefix, model)
}

func (r *RedisStatsStore) bucketTTL() time.Duration {
	// One spare bucket so a window straddling a minute edge still reads
	// its oldest bucket.
	return time.Duration(r.windowMinutes+1) * time.Minute
}
