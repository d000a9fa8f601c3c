package app

import (
	"context"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/redis/go-redis/v9"

	"github.com/govinda777/zerodev-token-shop-sub001/internal/domain"
	"github.com/govinda777/zerodev-token-shop-sub001/pkg/clock"
)

const defaultClaimLimiterPrefix = "faucet:rate_limit"

// claimWindowScript counts one attempt in the claimant's window and returns the count and the
// milliseconds left in the window. A key that lost its expiry gets a fresh one.
var claimWindowScript = redis.NewScript(`
local current = redis.call("INCR", KEYS[1])
local ttl = redis.call("PTTL", KEYS[1])
if current == 1 or ttl < 0 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
  ttl = tonumber(ARGV[1])
end
return {current, ttl}
`)

// RedisClaimRateLimiter caps claim attempts per claimant in fixed windows shared by every
// replica. It bounds how often an address can hit the ledger; the cooldown still decides
// whether a claim pays out.
type RedisClaimRateLimiter struct {
	client redis.UniversalClient
	prefix string
	limit  int
	window time.Duration
}

// NewRedisClaimRateLimiter allows limit attempts per claimant per window. Windows shorter than
// a second are rounded up to one second, the granularity of Retry-After.
func NewRedisClaimRateLimiter(client redis.UniversalClient, prefix string, limit int, window time.Duration) *RedisClaimRateLimiter {
	prefix = trimKeyPrefix(prefix)
	if window < time.Second {
		window = time.Second
	}
	return &RedisClaimRateLimiter{client: client, prefix: prefix, limit: limit, window: window}
}

func trimKeyPrefix(prefix string) string {
	prefix = strings.TrimRight(strings.TrimSpace(prefix), ":")
	if prefix == "" {
		return defaultClaimLimiterPrefix
	}
	return prefix
}

// claimKey is keyed on the checksummed address so every spelling of a wallet shares one window.
func (r *RedisClaimRateLimiter) claimKey(claimant domain.Address) string {
	return r.prefix + ":claim:" + claimant.Hex()
}

// AllowClaim records one attempt by claimant. It fails with a rate_limited FaucetError carrying
// the seconds until the window resets once the window holds more than limit attempts. Any other
// error means redis could not be asked.
func (r *RedisClaimRateLimiter) AllowClaim(ctx context.Context, claimant domain.Address) error {
	if r == nil || r.client == nil || r.limit <= 0 {
		return nil
	}

	raw, err := claimWindowScript.Run(ctx, r.client, []string{r.claimKey(claimant)}, r.window.Milliseconds()).Result()
	if err != nil {
		return errors.Wrap(err, "count claim attempt")
	}
	values, ok := raw.([]interface{})
	if !ok || len(values) != 2 {
		return errors.Newf("unexpected claim limiter reply %T", raw)
	}
	count, ok := values[0].(int64)
	if !ok {
		return errors.Newf("unexpected claim limiter count %T", values[0])
	}
	ttlMs, ok := values[1].(int64)
	if !ok {
		return errors.Newf("unexpected claim limiter ttl %T", values[1])
	}

	if count <= int64(r.limit) {
		return nil
	}
	return domain.RateLimited(retryAfter(ttlMs))
}

// retryAfter rounds the window's remaining milliseconds up to whole seconds, at least one.
func retryAfter(ttlMs int64) clock.Seconds {
	secs := (ttlMs + 999) / 1000
	if secs < 1 {
		secs = 1
	}
	return clock.Seconds(secs)
}
