package reconciler

import (
	"context"
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/govinda777/zerodev-token-shop-sub001/internal/domain"
	"github.com/govinda777/zerodev-token-shop-sub001/pkg/clock"
	"github.com/govinda777/zerodev-token-shop-sub001/pkg/faucetclient"
)

var alice = common.HexToAddress("0x00000000000000000000000000000000000a11ce")

const (
	baseRemote clock.SecondsTimestamp = 1_700_000_000
	baseLocal  clock.MillisTimestamp  = 1_700_000_000_000
)

// sourceStub serves a fixed snapshot, or an error when err is set.
type sourceStub struct {
	mu    sync.Mutex
	snap  Snapshot
	err   error
	calls int
}

func (s *sourceStub) Snapshot(ctx context.Context, addr domain.Address) (Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return s.snap, s.err
}

func (s *sourceStub) set(snap Snapshot, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snap = snap
	s.err = err
}

func (s *sourceStub) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func newTestReconciler(t *testing.T, source Source, local clock.Local) *Reconciler {
	t.Helper()
	r, err := New(alice, source, local, DefaultConfig(), nil)
	require.NoError(t, err)
	return r
}

func coolingSnapshot(now clock.SecondsTimestamp, lastClaim clock.SecondsTimestamp, cooldown clock.Seconds) Snapshot {
	return Snapshot{
		AuthoritativeNow: now,
		LastClaimAt:      lastClaim,
		CooldownSeconds:  cooldown,
		TotalClaimed:     25,
		ClaimCount:       1,
		CanClaim:         lastClaim.Add(cooldown).Sub(now) <= 0,
	}
}

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{name: "zero stale-after", mutate: func(c *Config) { c.StaleAfter = 0 }},
		{name: "zero poll interval", mutate: func(c *Config) { c.PollInterval = 0 }},
		{name: "negative drift threshold", mutate: func(c *Config) { c.DriftThreshold = -1 }},
		{name: "zero recheck delay", mutate: func(c *Config) { c.ZeroRecheckDelay = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			_, err := New(alice, &sourceStub{}, nil, cfg, nil)
			if !errors.Is(err, domain.ErrInvalidParameter) {
				t.Fatalf("expected invalid parameter, got %v", err)
			}
		})
	}
}

func TestViewBeforeFirstPollIsUnknown(t *testing.T) {
	r := newTestReconciler(t, &sourceStub{}, clock.NewManual(baseRemote, baseLocal))
	view := r.View()
	assert.Equal(t, StatusUnknown, view.Status)
	assert.False(t, view.Claimable)
}

func TestSecondsBoundaryIsClaimable(t *testing.T) {
	// A claim at 1_700_000_000 with a one-day cooldown is claimable at exactly 1_700_086_400.
	manual := clock.NewManual(1_700_086_400, 1_700_086_400_000)
	source := &sourceStub{snap: coolingSnapshot(1_700_086_400, 1_700_000_000, 86_400)}
	r := newTestReconciler(t, source, manual)

	require.NoError(t, r.Poll(context.Background()))
	view := r.View()

	assert.Equal(t, time.Duration(0), view.Remaining)
	assert.Equal(t, clock.Seconds(0), view.RemainingSeconds)
	assert.Equal(t, clock.SecondsTimestamp(1_700_086_400), view.NextClaimAt)
	assert.Equal(t, StatusClaimable, view.Status)
	assert.True(t, view.Claimable)
}

func TestCountdownExtrapolatesWithMillisecondPrecision(t *testing.T) {
	manual := clock.NewManual(baseRemote, baseLocal)
	source := &sourceStub{snap: coolingSnapshot(baseRemote, baseRemote-20, 60)}
	r := newTestReconciler(t, source, manual)
	require.NoError(t, r.Poll(context.Background()))

	tests := []struct {
		offset  time.Duration
		want    time.Duration
		seconds clock.Seconds
	}{
		{offset: 0, want: 40 * time.Second, seconds: 40},
		{offset: 1500 * time.Millisecond, want: 38500 * time.Millisecond, seconds: 39},
		{offset: 39999 * time.Millisecond, want: time.Millisecond, seconds: 1},
	}
	for _, tt := range tests {
		view := r.ViewAt(baseLocal.Add(tt.offset))
		if view.Remaining != tt.want || view.RemainingSeconds != tt.seconds {
			t.Fatalf("at +%s: remaining %s (%ds), want %s (%ds)", tt.offset, view.Remaining, view.RemainingSeconds, tt.want, tt.seconds)
		}
		if view.Status != StatusCoolingDown {
			t.Fatalf("at +%s: expected cooling down, got %s", tt.offset, view.Status)
		}
	}
}

func TestExtrapolationAloneNeverReportsClaimable(t *testing.T) {
	manual := clock.NewManual(baseRemote, baseLocal)
	source := &sourceStub{snap: coolingSnapshot(baseRemote, baseRemote-50, 60)}
	r := newTestReconciler(t, source, manual)
	require.NoError(t, r.Poll(context.Background()))

	view := r.ViewAt(baseLocal.Add(15 * time.Second))
	assert.Zero(t, view.Remaining)
	assert.Equal(t, StatusAwaitingConfirmation, view.Status)
	assert.False(t, view.Claimable)

	select {
	case <-r.repoll:
	default:
		t.Fatalf("expected a confirming poll to be requested")
	}

	manual.Advance(15 * time.Second)
	source.set(coolingSnapshot(baseRemote+15, baseRemote-50, 60), nil)
	require.NoError(t, r.Poll(context.Background()))
	assert.Equal(t, StatusClaimable, r.View().Status)
}

func TestRemainingNeverIncreasesWhenLocalClockStepsBack(t *testing.T) {
	manual := clock.NewManual(baseRemote, baseLocal)
	source := &sourceStub{snap: coolingSnapshot(baseRemote, baseRemote, 60)}
	r := newTestReconciler(t, source, manual)
	require.NoError(t, r.Poll(context.Background()))

	manual.AdvanceLocal(10 * time.Second)
	first := r.View()
	assert.Equal(t, 50*time.Second, first.Remaining)

	manual.SetLocal(baseLocal - 3_600_000)
	second := r.View()
	assert.LessOrEqual(t, second.Remaining, first.Remaining)
	assert.Equal(t, 50*time.Second, second.Remaining)

	manual.SetLocal(baseLocal.Add(12 * time.Second))
	assert.Equal(t, 48*time.Second, r.View().Remaining)
}

func TestFailedPollKeepsLastSnapshotAndFlagsStale(t *testing.T) {
	manual := clock.NewManual(baseRemote, baseLocal)
	source := &sourceStub{snap: coolingSnapshot(baseRemote, baseRemote, 600)}
	r := newTestReconciler(t, source, manual)
	require.NoError(t, r.Poll(context.Background()))

	source.set(Snapshot{}, errors.New("rpc unavailable"))
	manual.AdvanceLocal(3 * time.Minute)
	require.Error(t, r.Poll(context.Background()))

	view := r.View()
	assert.Equal(t, StatusCoolingDown, view.Status)
	assert.Equal(t, 420*time.Second, view.Remaining)
	assert.True(t, view.Stale)
	assert.Error(t, view.LastError)
	assert.Equal(t, int64(2), r.Polls())
	assert.Equal(t, int64(1), r.Failures())
}

func TestStaleConfirmationIsNotClaimable(t *testing.T) {
	manual := clock.NewManual(baseRemote, baseLocal)
	source := &sourceStub{snap: coolingSnapshot(baseRemote, baseRemote-100, 60)}
	r := newTestReconciler(t, source, manual)
	require.NoError(t, r.Poll(context.Background()))
	require.True(t, r.View().Claimable)

	manual.AdvanceLocal(DefaultConfig().StaleAfter + time.Second)
	view := r.View()
	assert.True(t, view.Stale)
	assert.False(t, view.Claimable)
	assert.Equal(t, StatusAwaitingConfirmation, view.Status)
}

func TestDriftIsAdvisory(t *testing.T) {
	manual := clock.NewManual(baseRemote, baseLocal.Add(10*time.Minute))
	source := &sourceStub{snap: coolingSnapshot(baseRemote, baseRemote, 60)}
	r := newTestReconciler(t, source, manual)
	require.NoError(t, r.Poll(context.Background()))

	view := r.View()
	assert.Equal(t, clock.Seconds(600), view.Drift)
	assert.True(t, view.DriftExceeded)
	assert.Equal(t, 60*time.Second, view.Remaining, "drift must not distort the countdown")
}

func TestObserveClaimRestartsCountdown(t *testing.T) {
	manual := clock.NewManual(baseRemote, baseLocal)
	source := &sourceStub{snap: coolingSnapshot(baseRemote, baseRemote-100, 60)}
	r := newTestReconciler(t, source, manual)
	require.NoError(t, r.Poll(context.Background()))
	require.True(t, r.View().Claimable)

	manual.Advance(5 * time.Second)
	r.ObserveClaim(domain.ClaimReceipt{Claimant: alice, Amount: 25, Timestamp: baseRemote + 5, TotalClaimed: 50})

	view := r.View()
	assert.Equal(t, StatusCoolingDown, view.Status)
	assert.Equal(t, 60*time.Second, view.Remaining)
	assert.Equal(t, domain.Amount(50), view.TotalClaimed)

	r.Reset()
	assert.Equal(t, StatusUnknown, r.View().Status)
}

// gatedSource serves snap. When gate is set, the next call signals entered and blocks until
// gate is closed, returning the snapshot that was current when it was called.
type gatedSource struct {
	mu      sync.Mutex
	snap    Snapshot
	gate    chan struct{}
	entered chan struct{}
	calls   int
}

func (s *gatedSource) Snapshot(ctx context.Context, addr domain.Address) (Snapshot, error) {
	s.mu.Lock()
	s.calls++
	snap, gate, entered := s.snap, s.gate, s.entered
	s.gate, s.entered = nil, nil
	s.mu.Unlock()
	if gate != nil {
		close(entered)
		select {
		case <-gate:
		case <-ctx.Done():
			return Snapshot{}, ctx.Err()
		}
	}
	return snap, nil
}

func (s *gatedSource) hold() (entered, gate chan struct{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entered, s.gate = make(chan struct{}), make(chan struct{})
	return s.entered, s.gate
}

func (s *gatedSource) set(snap Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snap = snap
}

func (s *gatedSource) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func TestPollStartedBeforeClaimDoesNotOverwriteIt(t *testing.T) {
	manual := clock.NewManual(baseRemote, baseLocal)
	source := &gatedSource{snap: coolingSnapshot(baseRemote, baseRemote-100, 60)}
	r := newTestReconciler(t, source, manual)
	require.NoError(t, r.Poll(context.Background()))
	require.True(t, r.View().Claimable)

	entered, gate := source.hold()
	done := make(chan error, 1)
	go func() { done <- r.Poll(context.Background()) }()
	<-entered

	manual.Advance(2 * time.Second)
	r.ObserveClaim(domain.ClaimReceipt{Claimant: alice, Amount: 25, Timestamp: baseRemote + 2, TotalClaimed: 50})
	require.Equal(t, StatusCoolingDown, r.View().Status)

	close(gate)
	require.NoError(t, <-done)

	view := r.View()
	assert.False(t, view.Claimable)
	assert.Equal(t, StatusCoolingDown, view.Status)
	assert.Equal(t, 60*time.Second, view.Remaining)
	assert.Equal(t, domain.Amount(50), view.TotalClaimed)
}

func TestOvertakenPollIsDiscarded(t *testing.T) {
	manual := clock.NewManual(baseRemote, baseLocal)
	source := &gatedSource{snap: coolingSnapshot(baseRemote, baseRemote-100, 60)}
	r := newTestReconciler(t, source, manual)

	entered, gate := source.hold()
	done := make(chan error, 1)
	go func() { done <- r.Poll(context.Background()) }()
	<-entered

	manual.Advance(3 * time.Second)
	claimed := coolingSnapshot(baseRemote+3, baseRemote+1, 60)
	claimed.ClaimCount = 2
	source.set(claimed)
	require.NoError(t, r.Poll(context.Background()))

	close(gate)
	require.NoError(t, <-done)

	view := r.View()
	assert.Equal(t, StatusCoolingDown, view.Status)
	assert.Equal(t, 58*time.Second, view.Remaining)
}

func TestOlderSnapshotIsDiscarded(t *testing.T) {
	manual := clock.NewManual(baseRemote, baseLocal)
	latest := coolingSnapshot(baseRemote, baseRemote-1, 60)
	latest.ClaimCount = 2
	source := &sourceStub{snap: latest}
	r := newTestReconciler(t, source, manual)
	require.NoError(t, r.Poll(context.Background()))

	tests := []struct {
		name string
		snap Snapshot
	}{
		{name: "fewer claims", snap: coolingSnapshot(baseRemote+1, baseRemote-100, 60)},
		{name: "earlier authoritative time", snap: Snapshot{AuthoritativeNow: baseRemote - 5, LastClaimAt: baseRemote - 100, CooldownSeconds: 60, ClaimCount: 2, CanClaim: true}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			source.set(tt.snap, nil)
			require.NoError(t, r.Poll(context.Background()))
			view := r.View()
			assert.False(t, view.Claimable)
			assert.Equal(t, 59*time.Second, view.Remaining)
		})
	}
}

func TestCooldownBeyondDurationRangeKeepsCoolingDown(t *testing.T) {
	manual := clock.NewManual(baseRemote, baseLocal)
	source := &sourceStub{snap: Snapshot{
		AuthoritativeNow: baseRemote,
		LastClaimAt:      baseRemote,
		CooldownSeconds:  10_000_000_000,
		ClaimCount:       1,
	}}
	r := newTestReconciler(t, source, manual)
	require.NoError(t, r.Poll(context.Background()))

	manual.AdvanceLocal(time.Hour)
	view := r.View()
	assert.Equal(t, StatusCoolingDown, view.Status)
	assert.Equal(t, clock.Seconds(10_000_000_000-3600), view.RemainingSeconds)
	assert.Equal(t, time.Duration(math.MaxInt64), view.Remaining)
	assert.Equal(t, DefaultConfig().PollInterval, r.nextDelay())
}

func TestViewErr(t *testing.T) {
	manual := clock.NewManual(baseRemote, baseLocal)
	source := &sourceStub{err: errors.New("rpc unavailable")}
	r := newTestReconciler(t, source, manual)

	require.Error(t, r.Poll(context.Background()))
	assert.EqualError(t, r.View().Err(), "rpc unavailable")

	source.set(coolingSnapshot(baseRemote, baseRemote, 600), nil)
	require.NoError(t, r.Poll(context.Background()))
	assert.NoError(t, r.View().Err())

	manual.AdvanceLocal(DefaultConfig().StaleAfter + time.Second)
	err := r.View().Err()
	assert.ErrorIs(t, err, domain.ErrStale)
	assert.Equal(t, domain.KindStale, domain.KindOf(err))
}

func TestRunConfirmsWhenCountdownReachesZero(t *testing.T) {
	now := clock.FromTime(time.Now())
	source := &gatedSource{snap: coolingSnapshot(now, now-59, 60)}
	cfg := DefaultConfig()
	cfg.PollInterval = time.Hour
	cfg.ZeroRecheckDelay = 20 * time.Millisecond
	r, err := New(alice, source, clock.SystemLocal{}, cfg, nil)
	require.NoError(t, err)

	session := r.Start(context.Background())
	defer session.Stop()
	require.Eventually(t, func() bool { return source.count() == 1 && r.View().Status == StatusCoolingDown }, time.Second, time.Millisecond)
	assert.LessOrEqual(t, r.View().Remaining, time.Second)

	source.set(coolingSnapshot(now+1, now-59, 60))
	entered, gate := source.hold()

	select {
	case <-entered:
	case <-time.After(3 * time.Second):
		t.Fatalf("no confirming poll when the countdown reached zero")
	}
	require.Eventually(t, func() bool { return r.View().Status == StatusAwaitingConfirmation }, time.Second, time.Millisecond)
	assert.False(t, r.View().Claimable)

	close(gate)
	require.Eventually(t, func() bool { return r.View().Claimable }, time.Second, time.Millisecond)
	assert.Equal(t, StatusClaimable, r.View().Status)
}

func TestNeverClaimedAddressIsClaimable(t *testing.T) {
	manual := clock.NewManual(baseRemote, baseLocal)
	source := &sourceStub{snap: Snapshot{AuthoritativeNow: baseRemote, CooldownSeconds: 60, CanClaim: true}}
	r := newTestReconciler(t, source, manual)
	require.NoError(t, r.Poll(context.Background()))

	view := r.View()
	assert.Equal(t, StatusClaimable, view.Status)
	assert.Zero(t, view.NextClaimAt)
}

func TestSessionPollsUntilStopped(t *testing.T) {
	source := &sourceStub{snap: coolingSnapshot(baseRemote, baseRemote, 3600)}
	cfg := DefaultConfig()
	cfg.PollInterval = 5 * time.Millisecond
	cfg.ZeroRecheckDelay = time.Millisecond
	r, err := New(alice, source, clock.NewManual(baseRemote, baseLocal), cfg, nil)
	require.NoError(t, err)

	session := r.Start(context.Background())
	require.Eventually(t, func() bool { return source.count() >= 3 }, time.Second, time.Millisecond)
	session.Stop()

	assert.ErrorIs(t, session.Err(), context.Canceled)
	stopped := source.count()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, stopped, source.count())
}

func TestRunRejectsSecondLoop(t *testing.T) {
	source := &sourceStub{snap: coolingSnapshot(baseRemote, baseRemote, 3600)}
	r := newTestReconciler(t, source, clock.NewManual(baseRemote, baseLocal))

	session := r.Start(context.Background())
	defer session.Stop()
	require.Eventually(t, func() bool { return source.count() >= 1 }, time.Second, time.Millisecond)

	assert.Error(t, r.Run(context.Background()))
}

func TestClientSource(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(domain.UserStats{
			Address:          alice,
			LastClaimAt:      baseRemote - 10,
			TotalClaimed:     25,
			CooldownSeconds:  60,
			ClaimCount:       1,
			AuthoritativeNow: baseRemote,
		})
	}))
	defer server.Close()

	snap, err := ClientSource{Client: faucetclient.New(server.URL)}.Snapshot(context.Background(), alice)
	require.NoError(t, err)
	assert.Equal(t, baseRemote, snap.AuthoritativeNow)
	assert.Equal(t, clock.SecondsTimestamp(baseRemote+50), snap.NextClaimAt())
	assert.False(t, snap.CanClaim)
}
