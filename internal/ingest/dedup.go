package ingest

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"outbound-engine/internal/clock"
)

// Deduper hands out short-lived claims on idempotency keys. Claim returns
// false when the key is already held.
type Deduper interface {
	Claim(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key string) error
}

// RedisDeduper shares claims across processes with SET NX PX.
type RedisDeduper struct {
	rdb    redis.Cmdable
	prefix string
}

func NewRedisDeduper(rdb redis.Cmdable, prefix string) *RedisDeduper {
	if prefix == "" {
		prefix = "outbound:dedup:"
	}
	return &RedisDeduper{rdb: rdb, prefix: prefix}
}

func (d *RedisDeduper) Claim(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return d.rdb.SetNX(ctx, d.prefix+key, 1, ttl).Result()
}

func (d *RedisDeduper) Release(ctx context.Context, key string) error {
	return d.rdb.Del(ctx, d.prefix+key).Err()
}

// MemoryDeduper is the single-process variant.
type MemoryDeduper struct {
	mu    sync.Mutex
	clock clock.Clock
	keys  map[string]time.Time
}

func NewMemoryDeduper(clk clock.Clock) *MemoryDeduper {
	if clk == nil {
		clk = clock.Real{}
	}
	return &MemoryDeduper{clock: clk, keys: make(map[string]time.Time)}
}

func (d *MemoryDeduper) Claim(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	now := d.clock.Now()
	d.mu.Lock()
	defer d.mu.Unlock()
	if exp, ok := d.keys[key]; ok && now.Before(exp) {
		return false, nil
	}
	d.keys[key] = now.Add(ttl)
	if len(d.keys)%1024 == 0 {
		for k, exp := range d.keys {
			if !now.Before(exp) {
				delete(d.keys, k)
			}
		}
	}
	return true, nil
}

func (d *MemoryDeduper) Release(ctx context.Context, key string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.keys, key)
	return nil
}
