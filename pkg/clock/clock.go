/**
 * @description
 * Package clock separates the two notions of "now" the faucet works with: the
 * authoritative clock of the ledger (whole seconds since epoch) and the caller's
 * local wall clock (milliseconds since epoch). Each unit has its own type so that
 * mixing them is a compile error rather than a countdown that is 1000x off.
 *
 * @dependencies
 * - context, math, time: Standard Go libraries.
 * - github.com/cockroachdb/errors: Sentinel errors.
 */
package clock

import (
	"context"
	"math"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"
)

// DefaultDriftThreshold is the local/authoritative disagreement above which callers should warn.
const DefaultDriftThreshold Seconds = 300

// ErrUnavailable is returned when the authoritative clock cannot be read.
var ErrUnavailable = errors.New("authoritative clock unavailable")

// Seconds is a duration in whole seconds.
type Seconds int64

// Duration converts s to a time.Duration, saturating at the largest and smallest
// representable durations (about 292 years) instead of wrapping.
func (s Seconds) Duration() time.Duration {
	const limit = Seconds(math.MaxInt64 / int64(time.Second))
	switch {
	case s > limit:
		return time.Duration(math.MaxInt64)
	case s < -limit:
		return time.Duration(math.MinInt64)
	}
	return time.Duration(s) * time.Second
}

// SecondsTimestamp is an authoritative-clock instant in whole seconds since the Unix epoch.
type SecondsTimestamp int64

// Add returns t shifted by d.
func (t SecondsTimestamp) Add(d Seconds) SecondsTimestamp {
	return t + SecondsTimestamp(d)
}

// Sub returns t-u.
func (t SecondsTimestamp) Sub(u SecondsTimestamp) Seconds {
	return Seconds(t - u)
}

// Before reports whether t is strictly before u.
func (t SecondsTimestamp) Before(u SecondsTimestamp) bool {
	return t < u
}

// IsZero reports whether t is the "never" timestamp.
func (t SecondsTimestamp) IsZero() bool {
	return t == 0
}

// Time converts t to a time.Time in UTC.
func (t SecondsTimestamp) Time() time.Time {
	return time.Unix(int64(t), 0).UTC()
}

func (t SecondsTimestamp) String() string {
	return strconv.FormatInt(int64(t), 10) + "s"
}

// FromTime truncates a time.Time to an authoritative timestamp.
func FromTime(t time.Time) SecondsTimestamp {
	return SecondsTimestamp(t.Unix())
}

// MillisTimestamp is a local wall-clock instant in milliseconds since the Unix epoch.
type MillisTimestamp int64

// Sub returns the elapsed local time between u and t.
func (t MillisTimestamp) Sub(u MillisTimestamp) time.Duration {
	return time.Duration(t-u) * time.Millisecond
}

// Add returns t shifted by d, truncated to milliseconds.
func (t MillisTimestamp) Add(d time.Duration) MillisTimestamp {
	return t + MillisTimestamp(d.Milliseconds())
}

// Seconds floors t to whole seconds. It is only meant for drift estimation.
func (t MillisTimestamp) Seconds() SecondsTimestamp {
	ms := int64(t)
	if ms < 0 && ms%1000 != 0 {
		return SecondsTimestamp(ms/1000 - 1)
	}
	return SecondsTimestamp(ms / 1000)
}

func (t MillisTimestamp) String() string {
	return strconv.FormatInt(int64(t), 10) + "ms"
}

// FromTimeMillis converts a time.Time to a local timestamp.
func FromTimeMillis(t time.Time) MillisTimestamp {
	return MillisTimestamp(t.UnixMilli())
}

// Authoritative exposes the ledger's notion of now. Implementations may be stale between reads.
type Authoritative interface {
	AuthoritativeNow(ctx context.Context) (SecondsTimestamp, error)
}

// AuthoritativeFunc adapts a function to Authoritative.
type AuthoritativeFunc func(ctx context.Context) (SecondsTimestamp, error)

func (f AuthoritativeFunc) AuthoritativeNow(ctx context.Context) (SecondsTimestamp, error) {
	return f(ctx)
}

// Local exposes the caller's own wall clock.
type Local interface {
	LocalNow() MillisTimestamp
}

// SystemLocal reads the machine clock.
type SystemLocal struct{}

func (SystemLocal) LocalNow() MillisTimestamp {
	return FromTimeMillis(time.Now())
}

// Source pairs an authoritative clock with a local one.
type Source struct {
	Authoritative Authoritative
	Local         Local
}

// DriftEstimate returns |localNow/1000 - authoritativeNow| in whole seconds.
func (s Source) DriftEstimate(ctx context.Context) (Seconds, error) {
	remote, err := s.Authoritative.AuthoritativeNow(ctx)
	if err != nil {
		return 0, err
	}
	return Drift(s.Local.LocalNow(), remote), nil
}

// Drift returns the absolute disagreement between a local and an authoritative reading.
func Drift(local MillisTimestamp, remote SecondsTimestamp) Seconds {
	d := local.Seconds().Sub(remote)
	if d < 0 {
		return -d
	}
	return d
}
