package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"leadline/internal/domain"
)

// consumeScript increments the window counter and starts the window on the
// first hit. Returns {count, pttl}.
var consumeScript = redis.NewScript(`
local n = redis.call('INCR', KEYS[1])
if n == 1 then
  redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
local ttl = redis.call('PTTL', KEYS[1])
if ttl < 0 then
  redis.call('PEXPIRE', KEYS[1], ARGV[1])
  ttl = tonumber(ARGV[1])
end
return {n, ttl}
`)

// Redis shares buckets between processes through one counter key per
// client and window.
type Redis struct {
	client redis.UniversalClient
	prefix string
	now    func() time.Time
}

func NewRedis(client redis.UniversalClient, prefix string) *Redis {
	if prefix == "" {
		prefix = "leadline:rl:"
	}
	return &Redis{client: client, prefix: prefix, now: time.Now}
}

func (r *Redis) Consume(ctx context.Context, key string, budget Budget) (domain.RateLimitBucket, error) {
	res, err := consumeScript.Run(ctx, r.client, []string{r.prefix + key}, budget.Window.Milliseconds()).Int64Slice()
	if err != nil {
		return domain.RateLimitBucket{}, fmt.Errorf("rate limit store: %w", err)
	}
	if len(res) != 2 {
		return domain.RateLimitBucket{}, fmt.Errorf("rate limit store: unexpected reply %v", res)
	}
	count, ttl := res[0], time.Duration(res[1])*time.Millisecond
	remaining := int64(budget.Points) - count
	bucket := domain.RateLimitBucket{
		Key:             key,
		RemainingPoints: int(max(remaining, 0)),
		WindowResetAt:   r.now().Add(ttl),
	}
	if remaining < 0 {
		return bucket, domain.RateLimitError{Key: key, RetryAfter: ttl}
	}
	return bucket, nil
}
