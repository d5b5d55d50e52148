package redis

import (
	"context"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// reserveScript claims the slot when it is free and otherwise reports how
// many milliseconds remain until it frees up.
var reserveScript = goredis.NewScript(`
	if redis.call("set", KEYS[1], "1", "NX", "PX", ARGV[1]) then
		return 0
	end
	local ttl = redis.call("pttl", KEYS[1])
	if ttl < 0 then
		return 0
	end
	return ttl
`)

// IntervalLimiter enforces a minimum delay between calls sharing a key,
// across every process using the same Redis.
type IntervalLimiter struct {
	client    *Client
	keyPrefix string
}

func NewIntervalLimiter(client *Client, keyPrefix string) *IntervalLimiter {
	if keyPrefix == "" {
		keyPrefix = "clover:ratelimit:"
	}
	return &IntervalLimiter{client: client, keyPrefix: keyPrefix}
}

// Reserve claims the next slot. A zero duration means the caller may proceed
// now; otherwise it should retry after the returned delay.
func (r *IntervalLimiter) Reserve(ctx context.Context, key string, interval time.Duration) (time.Duration, error) {
	ms, err := reserveScript.Run(ctx, r.client.rdb, []string{r.keyPrefix + key}, interval.Milliseconds()).Int64()
	if err != nil {
		return 0, err
	}
	return time.Duration(ms) * time.Millisecond, nil
}

// Wait blocks until a slot is claimed or ctx is done.
func (r *IntervalLimiter) Wait(ctx context.Context, key string, interval time.Duration) error {
	for {
		delay, err := r.Reserve(ctx, key, interval)
		if err != nil {
			return err
		}
		if delay == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}
