// Package reconciler turns occasional reads of the faucet ledger into a countdown a client can
// render on every tick. The local clock only extrapolates forward from the last authoritative
// sample; it never decides on its own that an address may claim.
package reconciler

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/govinda777/zerodev-token-shop-sub001/internal/domain"
	"github.com/govinda777/zerodev-token-shop-sub001/pkg/clock"
)

// Status is the caller-visible state of one address.
type Status string

const (
	StatusUnknown              Status = "unknown"
	StatusCoolingDown          Status = "cooling_down"
	StatusAwaitingConfirmation Status = "awaiting_confirmation"
	StatusClaimable            Status = "claimable"
)

// Config tunes polling and the advisory flags.
type Config struct {
	// StaleAfter is the snapshot age after which the view is flagged stale.
	StaleAfter time.Duration
	// PollInterval is the background re-poll cadence of Run.
	PollInterval time.Duration
	// DriftThreshold flags a view whose local clock disagreed with the authoritative one by more than this.
	DriftThreshold clock.Seconds
	// ZeroRecheckDelay is the minimum wait between confirming polls once the countdown hit zero.
	ZeroRecheckDelay time.Duration
}

// DefaultConfig returns the defaults used by claimwatch.
func DefaultConfig() Config {
	return Config{
		StaleAfter:       2 * time.Minute,
		PollInterval:     30 * time.Second,
		DriftThreshold:   clock.DefaultDriftThreshold,
		ZeroRecheckDelay: time.Second,
	}
}

func (c Config) validate() error {
	if c.StaleAfter <= 0 {
		return domain.InvalidParameter("stale-after must be positive, got %s", c.StaleAfter)
	}
	if c.PollInterval <= 0 {
		return domain.InvalidParameter("poll interval must be positive, got %s", c.PollInterval)
	}
	if c.DriftThreshold < 0 {
		return domain.InvalidParameter("drift threshold must not be negative, got %d", c.DriftThreshold)
	}
	if c.ZeroRecheckDelay <= 0 {
		return domain.InvalidParameter("zero recheck delay must be positive, got %s", c.ZeroRecheckDelay)
	}
	return nil
}

// View is the countdown at one local instant.
type View struct {
	Address          domain.Address         `json:"address"`
	Status           Status                 `json:"status"`
	Claimable        bool                   `json:"claimable"`
	Remaining        time.Duration          `json:"-"`
	RemainingSeconds clock.Seconds          `json:"remaining_seconds"`
	NextClaimAt      clock.SecondsTimestamp `json:"next_claim_at"`
	RemoteNow        clock.SecondsTimestamp `json:"remote_now"`
	LocalObservedAt  clock.MillisTimestamp  `json:"local_observed_at"`
	TotalClaimed     domain.Amount          `json:"total_claimed"`
	SnapshotAge      time.Duration          `json:"-"`
	Stale            bool                   `json:"stale"`
	Drift            clock.Seconds          `json:"drift_seconds"`
	DriftExceeded    bool                   `json:"drift_exceeded"`
	LastError        error                  `json:"-"`
}

// Err summarizes why the view cannot be trusted: a stale view fails with domain.ErrStale, and a
// view that never got a snapshot fails with the last poll error. It is nil otherwise.
func (v View) Err() error {
	if v.Stale {
		return domain.Stale(v.SnapshotAge, v.LastError)
	}
	if v.Status == StatusUnknown {
		return v.LastError
	}
	return nil
}

// Reconciler keeps the countdown for a single address. It is safe for concurrent use; a
// poll in flight never blocks View.
type Reconciler struct {
	address domain.Address
	source  Source
	local   clock.Local
	cfg     Config
	log     *zap.SugaredLogger

	mu         sync.Mutex
	generation uint64
	snapshot   *Snapshot
	observedAt clock.MillisTimestamp
	maxElapsed time.Duration
	drift      clock.Seconds
	lastErr    error
	lastPollAt clock.MillisTimestamp

	repoll   chan struct{}
	running  atomic.Bool
	polls    atomic.Int64
	failures atomic.Int64
}

// New creates a reconciler for addr.
func New(addr domain.Address, source Source, local clock.Local, cfg Config, log *zap.SugaredLogger) (*Reconciler, error) {
	if source == nil {
		return nil, domain.InvalidParameter("snapshot source is required")
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if local == nil {
		local = clock.SystemLocal{}
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Reconciler{
		address: addr,
		source:  source,
		local:   local,
		cfg:     cfg,
		log:     log.Named("reconciler").With("address", addr.Hex()),
		repoll:  make(chan struct{}, 1),
	}, nil
}

// Address returns the observed address.
func (r *Reconciler) Address() domain.Address { return r.address }

// Polls returns the number of completed polls, successful or not.
func (r *Reconciler) Polls() int64 { return r.polls.Load() }

// Failures returns the number of failed polls.
func (r *Reconciler) Failures() int64 { return r.failures.Load() }

// Poll takes one authoritative snapshot. On failure the previous snapshot is kept and the
// countdown keeps extrapolating from it. A result that was overtaken while in flight, by a
// newer poll, an observed claim or a reset, is discarded, as is one older than the installed
// snapshot.
func (r *Reconciler) Poll(ctx context.Context) error {
	r.mu.Lock()
	startedAt := r.generation
	r.mu.Unlock()

	snap, err := r.source.Snapshot(ctx, r.address)
	observedAt := r.local.LocalNow()
	r.polls.Inc()

	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastPollAt = observedAt

	if err != nil {
		r.failures.Inc()
		r.lastErr = err
		r.log.Warnw("poll failed; keeping last snapshot", "err", err)
		return errors.Wrap(err, "poll faucet snapshot")
	}

	if startedAt != r.generation {
		r.log.Debugw("discarding snapshot overtaken while in flight", "authoritative_now", int64(snap.AuthoritativeNow))
		return nil
	}
	if cur := r.snapshot; cur != nil && (snap.ClaimCount < cur.ClaimCount || snap.AuthoritativeNow < cur.AuthoritativeNow) {
		r.log.Debugw("discarding snapshot older than the installed one",
			"claim_count", snap.ClaimCount, "installed_claim_count", cur.ClaimCount,
			"authoritative_now", int64(snap.AuthoritativeNow), "installed_authoritative_now", int64(cur.AuthoritativeNow))
		return nil
	}

	r.generation++
	r.snapshot = &snap
	r.observedAt = observedAt
	r.maxElapsed = 0
	r.lastErr = nil
	r.drift = clock.Drift(observedAt, snap.AuthoritativeNow)
	if r.drift > r.cfg.DriftThreshold {
		r.log.Warnw("local clock drift above threshold", "drift_seconds", int64(r.drift), "threshold_seconds", int64(r.cfg.DriftThreshold))
	}
	return nil
}

// View returns the countdown at the current local time.
func (r *Reconciler) View() View {
	return r.ViewAt(r.local.LocalNow())
}

// ViewAt returns the countdown at local instant t. Between polls the remaining time never
// increases, even when t goes backwards.
func (r *Reconciler) ViewAt(t clock.MillisTimestamp) View {
	r.mu.Lock()
	defer r.mu.Unlock()

	view := View{Address: r.address, Status: StatusUnknown, LastError: r.lastErr}
	if r.snapshot == nil {
		return view
	}
	snap := r.snapshot

	elapsed := t.Sub(r.observedAt)
	if elapsed < r.maxElapsed {
		elapsed = r.maxElapsed
	}
	r.maxElapsed = elapsed

	next := snap.NextClaimAt()
	remainingMs := remainingMillis(next.Sub(snap.AuthoritativeNow), elapsed)
	remaining := time.Duration(math.MaxInt64)
	if remainingMs < math.MaxInt64/int64(time.Millisecond) {
		remaining = time.Duration(remainingMs) * time.Millisecond
	}

	view.Remaining = remaining
	view.RemainingSeconds = ceilSeconds(remainingMs)
	view.NextClaimAt = next
	view.RemoteNow = snap.AuthoritativeNow
	view.LocalObservedAt = r.observedAt
	view.TotalClaimed = snap.TotalClaimed
	view.SnapshotAge = elapsed
	view.Stale = elapsed > r.cfg.StaleAfter
	view.Drift = r.drift
	view.DriftExceeded = r.drift > r.cfg.DriftThreshold

	switch {
	case remainingMs > 0:
		view.Status = StatusCoolingDown
	case snap.CanClaim && !view.Stale:
		view.Status = StatusClaimable
		view.Claimable = true
	default:
		view.Status = StatusAwaitingConfirmation
		r.requestRepollLocked()
	}
	return view
}

// ObserveClaim restarts the countdown from a claim receipt without a network read and
// schedules a confirming poll.
func (r *Reconciler) ObserveClaim(receipt domain.ClaimReceipt) {
	r.mu.Lock()
	defer r.mu.Unlock()
	defer r.requestRepollLocked()

	r.generation++
	if r.snapshot == nil {
		return
	}
	snap := *r.snapshot
	snap.AuthoritativeNow = receipt.Timestamp
	snap.LastClaimAt = receipt.Timestamp
	snap.TotalClaimed = receipt.TotalClaimed
	snap.ClaimCount++
	snap.CanClaim = snap.CooldownSeconds == 0
	r.snapshot = &snap
	r.observedAt = r.local.LocalNow()
	r.maxElapsed = 0
}

// Reset discards the current view.
func (r *Reconciler) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.generation++
	r.snapshot = nil
	r.observedAt = 0
	r.maxElapsed = 0
	r.drift = 0
	r.lastErr = nil
}

func (r *Reconciler) requestRepollLocked() {
	select {
	case r.repoll <- struct{}{}:
	default:
	}
}

// nextDelay picks the wait before the next background poll: the regular interval, cut short
// when the countdown will reach zero first.
func (r *Reconciler) nextDelay() time.Duration {
	view := r.View()
	delay := r.cfg.PollInterval
	switch view.Status {
	case StatusCoolingDown:
		if view.Remaining < delay {
			delay = view.Remaining
		}
	case StatusAwaitingConfirmation:
		delay = r.cfg.ZeroRecheckDelay
	}
	return delay
}

func (r *Reconciler) sinceLastPoll() time.Duration {
	now := r.local.LocalNow()
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.lastPollAt == 0 {
		return r.cfg.ZeroRecheckDelay
	}
	return now.Sub(r.lastPollAt)
}

// Run polls until ctx is done: once immediately, then on the background interval, when the
// countdown reaches zero, and whenever a confirming poll is requested.
func (r *Reconciler) Run(ctx context.Context) error {
	if !r.running.CompareAndSwap(false, true) {
		return errors.New("reconciler is already running")
	}
	defer r.running.Store(false)

	_ = r.Poll(ctx)
	timer := time.NewTimer(r.nextDelay())
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		case <-r.repoll:
			if wait := r.cfg.ZeroRecheckDelay - r.sinceLastPoll(); wait > 0 {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(wait):
				}
			}
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
		}

		_ = r.Poll(ctx)
		timer.Reset(r.nextDelay())
	}
}

// Session is a running Run loop.
type Session struct {
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

// Start runs the poll loop in the background until the session is stopped or ctx is done.
func (r *Reconciler) Start(ctx context.Context) *Session {
	ctx, cancel := context.WithCancel(ctx)
	s := &Session{cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(s.done)
		s.err = r.Run(ctx)
	}()
	return s
}

// Stop cancels the loop and waits for it to exit.
func (s *Session) Stop() {
	s.cancel()
	<-s.done
}

// Done is closed once the loop has exited.
func (s *Session) Done() <-chan struct{} { return s.done }

// Err returns why the loop exited. It is only meaningful after Done is closed.
func (s *Session) Err() error { return s.err }

// remainingMillis is gap minus elapsed in milliseconds, floored at zero and saturating
// instead of wrapping for gaps beyond the range of int64 milliseconds.
func remainingMillis(gap clock.Seconds, elapsed time.Duration) int64 {
	if gap <= 0 {
		return 0
	}
	if gap > math.MaxInt64/1000 {
		return math.MaxInt64
	}
	ms := int64(gap)*1000 - elapsed.Milliseconds()
	if ms < 0 {
		return 0
	}
	return ms
}

func ceilSeconds(ms int64) clock.Seconds {
	if ms <= 0 {
		return 0
	}
	s := ms / 1000
	if ms%1000 != 0 {
		s++
	}
	return clock.Seconds(s)
}
