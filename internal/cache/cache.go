// Package cache provides the short-TTL string cache backing metric
// snapshots and availability checks. Redis is used when configured;
// otherwise an in-process store with the same semantics.
package cache

import (
	"context"
	"log"
	"time"

	"github.com/servoxhq/servox/internal/config"
)

type Store interface {
	Get(ctx context.Context, key string) (string, bool)
	Set(ctx context.Context, key, value string, ttl time.Duration)
	Delete(ctx context.Context, key string)
}

// New picks the backend from configuration.
func New() Store {
	if config.Cfg.RedisAddr != "" {
		log.Printf("[cache] using redis at %s", config.Cfg.RedisAddr)
		return NewRedis(config.Cfg.RedisAddr, config.Cfg.RedisPassword)
	}
	log.Printf("[cache] using in-process store")
	return NewMemory()
}
