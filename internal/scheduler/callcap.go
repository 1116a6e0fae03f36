package scheduler

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"outbound-engine/internal/campaigns"
	"outbound-engine/internal/clock"
	"outbound-engine/pkg/utils"
)

// RedisCallCap bounds simultaneous calls for the whole provider account.
// Each dial attempt holds its own lease, so a crashed process only leaks
// slots until their ttl runs out.
type RedisCallCap struct {
	rdb   redis.Cmdable
	key   string
	limit int
	ttl   time.Duration
	clock clock.Clock
}

func NewRedisCallCap(rdb redis.Cmdable, key string, limit int, ttl time.Duration) *RedisCallCap {
	if key == "" {
		key = "outbound:calls:inflight"
	}
	if ttl <= 0 {
		ttl = 2 * time.Hour
	}
	return &RedisCallCap{rdb: rdb, key: key, limit: limit, ttl: ttl, clock: clock.Real{}}
}

func (c *RedisCallCap) Acquire(ctx context.Context, holder string) (bool, error) {
	lease := utils.SlotLease{Key: c.key, Holder: holder, Limit: c.limit, TTL: c.ttl}
	return utils.AcquireSlot(ctx, c.rdb, lease, c.clock.Now())
}

func (c *RedisCallCap) Release(ctx context.Context, holder string) error {
	return utils.ReleaseSlot(ctx, c.rdb, c.key, holder)
}

func (c *RedisCallCap) InUse(ctx context.Context) (int, error) {
	return utils.SlotsInUse(ctx, c.rdb, c.key, c.clock.Now())
}

// capHolder names the slot held by one dial attempt of a contact.
func capHolder(c campaigns.Contact) string {
	return c.ID + ":" + strconv.Itoa(c.CallCount)
}
