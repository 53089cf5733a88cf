// Package cache mirrors recent alerts into Redis so that other tools can
// read them without touching the local database.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lucid-vigil/guardian/pkg/metrics"
	"github.com/lucid-vigil/guardian/pkg/model"
	"github.com/redis/go-redis/v9"
)

// Options configures a RedisSink.
type Options struct {
	Addr        string
	Password    string
	DB          int
	Key         string
	MaxAlerts   int64
	TTL         time.Duration
	MinSeverity model.Severity
}

// RedisSink keeps the newest alerts in a sorted set scored by timestamp.
type RedisSink struct {
	client *redis.Client
	opts   Options
}

// NewRedisSink connects and pings the server.
func NewRedisSink(ctx context.Context, opts Options) (*RedisSink, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		PoolSize:     10,
		MinIdleConns: 1,
		MaxRetries:   3,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		metrics.RedisOperations.WithLabelValues("ping", "error").Inc()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	metrics.RedisOperations.WithLabelValues("ping", "success").Inc()

	if opts.Key == "" {
		opts.Key = "guardian:alerts"
	}
	return &RedisSink{client: client, opts: opts}, nil
}

func (r *RedisSink) Name() string {
	return "redis"
}

func (r *RedisSink) MinSeverity() model.Severity {
	return r.opts.MinSeverity
}

// Handle adds the alert and trims the set to MaxAlerts entries.
func (r *RedisSink) Handle(ctx context.Context, alert model.SecurityAlert) error {
	data, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("failed to marshal alert: %w", err)
	}

	pipe := r.client.TxPipeline()
	pipe.ZAdd(ctx, r.opts.Key, redis.Z{Score: float64(alert.Timestamp.UnixMilli()), Member: data})
	if r.opts.MaxAlerts > 0 {
		pipe.ZRemRangeByRank(ctx, r.opts.Key, 0, -r.opts.MaxAlerts-1)
	}
	if r.opts.TTL > 0 {
		pipe.Expire(ctx, r.opts.Key, r.opts.TTL)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		metrics.RedisOperations.WithLabelValues("store_alert", "error").Inc()
		return fmt.Errorf("failed to store alert: %w", err)
	}
	metrics.RedisOperations.WithLabelValues("store_alert", "success").Inc()
	return nil
}

// Recent returns up to limit alerts, newest first.
func (r *RedisSink) Recent(ctx context.Context, limit int64) ([]model.SecurityAlert, error) {
	if limit <= 0 {
		limit = r.opts.MaxAlerts
	}
	raw, err := r.client.ZRevRange(ctx, r.opts.Key, 0, limit-1).Result()
	if err != nil {
		metrics.RedisOperations.WithLabelValues("get_alerts", "error").Inc()
		return nil, fmt.Errorf("failed to get alerts: %w", err)
	}
	metrics.RedisOperations.WithLabelValues("get_alerts", "success").Inc()

	alerts := make([]model.SecurityAlert, 0, len(raw))
	for _, s := range raw {
		var a model.SecurityAlert
		if err := json.Unmarshal([]byte(s), &a); err != nil {
			return nil, fmt.Errorf("failed to decode alert: %w", err)
		}
		alerts = append(alerts, a)
	}
	return alerts, nil
}

// Close closes the connection pool.
func (r *RedisSink) Close() error {
	return r.client.Close()
}
