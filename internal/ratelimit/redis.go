package ratelimit

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "ratelimit:msg:"

// incrWindow counts a hit and gives the key an expiry whenever it has none,
// so a key left without a TTL still resets after one window.
var incrWindow = redis.NewScript(`
local n = redis.call("INCR", KEYS[1])
if redis.call("PTTL", KEYS[1]) < 0 then
	redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return n
`)

// Redis shares windows across server processes.
type Redis struct {
	rdb    redis.Cmdable
	limit  int
	period time.Duration
}

func NewRedis(rdb redis.Cmdable, limit int, period time.Duration) *Redis {
	return &Redis{rdb: rdb, limit: limit, period: period}
}

func (r *Redis) TryConsume(ctx context.Context, key string) (bool, error) {
	ms := r.period.Milliseconds()
	if ms < 1 {
		ms = 1
	}
	n, err := incrWindow.Run(ctx, r.rdb, []string{keyPrefix + key}, ms).Int64()
	if err != nil {
		return false, err
	}
	return n <= int64(r.limit), nil
}
