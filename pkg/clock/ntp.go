package clock

import (
	"context"
	"math/rand"
	"time"

	"github.com/beevik/ntp"
	"github.com/cockroachdb/errors"
	"go.uber.org/atomic"
)

const ntpMaxTries = 3

// DefaultNTPPools are queried when no pools are configured.
var DefaultNTPPools = []string{"0.pool.ntp.org", "1.pool.ntp.org", "2.pool.ntp.org"}

// NTPClock is the host clock corrected by the offset last measured against an NTP pool.
// Until the first successful Sync the offset is zero.
type NTPClock struct {
	pools    []string
	offset   *atomic.Duration
	lastSync *atomic.Time
	now      func() time.Time
	query    func(host string) (time.Duration, error)
}

// NewNTPClock creates a clock that syncs against the given pools.
func NewNTPClock(pools []string) *NTPClock {
	if len(pools) == 0 {
		pools = DefaultNTPPools
	}
	return &NTPClock{
		pools:    pools,
		offset:   atomic.NewDuration(0),
		lastSync: atomic.NewTime(time.Time{}),
		now:      time.Now,
		query:    queryNTPOffset,
	}
}

func queryNTPOffset(host string) (time.Duration, error) {
	resp, err := ntp.Query(host)
	if err != nil {
		return 0, err
	}
	if err := resp.Validate(); err != nil {
		return 0, err
	}
	return resp.ClockOffset, nil
}

// Sync measures the offset against a random pool, trying up to three times.
func (c *NTPClock) Sync() error {
	var lastErr error
	for t := ntpMaxTries; t > 0; t-- {
		host := c.pools[rand.Intn(len(c.pools))]
		offset, err := c.query(host)
		if err != nil {
			lastErr = errors.Wrapf(err, "ntp query %s", host)
			continue
		}
		c.offset.Store(offset)
		c.lastSync.Store(c.now())
		return nil
	}
	return lastErr
}

// Offset returns the last measured offset.
func (c *NTPClock) Offset() time.Duration {
	return c.offset.Load()
}

// LastSync returns when the offset was last measured, zero if never.
func (c *NTPClock) LastSync() time.Time {
	return c.lastSync.Load()
}

// Now returns the corrected time.
func (c *NTPClock) Now() time.Time {
	return c.now().Add(c.offset.Load())
}

func (c *NTPClock) AuthoritativeNow(ctx context.Context) (SecondsTimestamp, error) {
	return FromTime(c.Now()), nil
}

func (c *NTPClock) LocalNow() MillisTimestamp {
	return FromTimeMillis(c.now())
}
