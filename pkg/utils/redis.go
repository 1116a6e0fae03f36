package utils

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisConfig holds connection settings. Zero values get conservative defaults.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int

	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	PoolSize     int
	PingTimeout  time.Duration
}

func (c RedisConfig) options() *redis.Options {
	opts := &redis.Options{
		Addr:            c.Addr,
		Password:        c.Password,
		DB:              c.DB,
		DialTimeout:     orDuration(c.DialTimeout, 3*time.Second),
		ReadTimeout:     orDuration(c.ReadTimeout, 2*time.Second),
		WriteTimeout:    orDuration(c.WriteTimeout, 2*time.Second),
		PoolSize:        c.PoolSize,
		PoolTimeout:     4 * time.Second,
		ConnMaxIdleTime: 5 * time.Minute,
		ConnMaxLifetime: 30 * time.Minute,
	}
	if opts.PoolSize <= 0 {
		opts.PoolSize = 20
	}
	return opts
}

func orDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

// OpenRedis connects and checks the server answers PING.
func OpenRedis(ctx context.Context, cfg RedisConfig) (*redis.Client, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis addr is required")
	}
	rdb := redis.NewClient(cfg.options())

	pingCtx, cancel := context.WithTimeout(ctx, orDuration(cfg.PingTimeout, 2*time.Second))
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return rdb, nil
}

// Call slots live in a sorted set: member = holder, score = expiry (unix ms).
// Expired members are pruned on every acquire, so a process that dies
// mid-call leaks its slot only until the lease runs out.
var acquireSlotScript = redis.NewScript(`
-- KEYS[1] slot set
-- ARGV[1] holder, ARGV[2] limit, ARGV[3] now_ms, ARGV[4] expires_ms, ARGV[5] key ttl_ms
redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', ARGV[3])
if redis.call('ZSCORE', KEYS[1], ARGV[1]) then
  redis.call('ZADD', KEYS[1], ARGV[4], ARGV[1])
  redis.call('PEXPIRE', KEYS[1], ARGV[5])
  return 1
end
if redis.call('ZCARD', KEYS[1]) >= tonumber(ARGV[2]) then
  return 0
end
redis.call('ZADD', KEYS[1], ARGV[4], ARGV[1])
redis.call('PEXPIRE', KEYS[1], ARGV[5])
return 1
`)

var releaseSlotScript = redis.NewScript(`
-- KEYS[1] slot set, ARGV[1] holder
redis.call('ZREM', KEYS[1], ARGV[1])
if redis.call('ZCARD', KEYS[1]) == 0 then
  redis.call('DEL', KEYS[1])
end
return 1
`)

// SlotLease names one holder's claim on a bounded slot set.
type SlotLease struct {
	Key    string
	Holder string
	Limit  int
	TTL    time.Duration
}

func (l SlotLease) validate() error {
	switch {
	case l.Key == "":
		return errors.New("slot key is required")
	case l.Holder == "":
		return errors.New("slot holder is required")
	case l.Limit <= 0:
		return errors.New("slot limit must be > 0")
	case l.TTL <= 0:
		return errors.New("slot ttl must be > 0")
	}
	return nil
}

// AcquireSlot takes a slot for lease.Holder unless Limit live holders exist.
// Acquiring again for the same holder renews its lease and succeeds.
func AcquireSlot(ctx context.Context, rdb redis.Scripter, lease SlotLease, now time.Time) (bool, error) {
	if rdb == nil {
		return false, errors.New("redis client is nil")
	}
	if err := lease.validate(); err != nil {
		return false, err
	}
	nowMs := now.UnixMilli()
	res, err := acquireSlotScript.Run(ctx, rdb, []string{lease.Key},
		lease.Holder,
		lease.Limit,
		strconv.FormatInt(nowMs, 10),
		strconv.FormatInt(nowMs+lease.TTL.Milliseconds(), 10),
		lease.TTL.Milliseconds(),
	).Int()
	if err != nil {
		return false, err
	}
	return res == 1, nil
}

// ReleaseSlot drops holder from the set. Releasing twice is harmless.
func ReleaseSlot(ctx context.Context, rdb redis.Scripter, key, holder string) error {
	if rdb == nil {
		return errors.New("redis client is nil")
	}
	if key == "" || holder == "" {
		return errors.New("slot key and holder are required")
	}
	return releaseSlotScript.Run(ctx, rdb, []string{key}, holder).Err()
}

// SlotsInUse counts holders whose lease is still live at now.
func SlotsInUse(ctx context.Context, rdb redis.Cmdable, key string, now time.Time) (int, error) {
	n, err := rdb.ZCount(ctx, key, "("+strconv.FormatInt(now.UnixMilli(), 10), "+inf").Result()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}
