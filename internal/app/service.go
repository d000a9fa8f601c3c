/**
 * @description
 * This file contains the core business logic for the faucet service (the faucet ledger).
 * Each operation takes exactly one reading of the authoritative clock and performs at
 * most one repository transition, so every snapshot it returns is internally consistent
 * and every claim is all-or-nothing.
 *
 * @dependencies
 * - internal/store: The ledger repository.
 * - pkg/clock: The authoritative clock.
 * - go.uber.org/zap: Structured logging.
 * - github.com/cockroachdb/errors: Error wrapping.
 */

package app

import (
	"context"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/govinda777/zerodev-token-shop-sub001/internal/domain"
	"github.com/govinda777/zerodev-token-shop-sub001/internal/store"
	"github.com/govinda777/zerodev-token-shop-sub001/pkg/clock"
)

// ClaimRateLimiter throttles claim attempts per address, independently of the cooldown.
// AllowClaim fails with a rate_limited FaucetError when the attempt is over the limit; any
// other error means the limiter itself is unavailable.
type ClaimRateLimiter interface {
	AllowClaim(ctx context.Context, claimant domain.Address) error
}

// Service is the faucet ledger.
type Service struct {
	repo      store.Repository
	clock     clock.Source
	metrics   *Metrics
	log       *zap.SugaredLogger
	limiter   ClaimRateLimiter
}

// NewService creates the faucet ledger. metrics may be nil.
func NewService(repo store.Repository, source clock.Source, metrics *Metrics, log *zap.SugaredLogger) *Service {
	if source.Local == nil {
		source.Local = clock.SystemLocal{}
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Service{
		repo:    repo,
		clock:   source,
		metrics: metrics,
		log:     log.Named("ledger"),
	}
}

// SetClaimRateLimiter enables per-address attempt throttling.
func (s *Service) SetClaimRateLimiter(limiter ClaimRateLimiter) {
	s.limiter = limiter
}

// Bootstrap creates the faucet state on first start.
func (s *Service) Bootstrap(ctx context.Context, params domain.FaucetParameters, initialBalance domain.Amount) error {
	created, err := s.repo.Bootstrap(ctx, params, initialBalance)
	if err != nil {
		return errors.Wrap(err, "bootstrap faucet")
	}

	current, pool, err := s.repo.ReadFaucet(ctx)
	if err != nil {
		return errors.Wrap(err, "read faucet after bootstrap")
	}
	if created {
		s.log.Infow("faucet initialized",
			"claim_amount", current.ClaimAmount,
			"cooldown_seconds", current.CooldownSeconds,
			"owner", current.Owner.Hex(),
			"balance", pool.Balance,
		)
	} else if current != params {
		s.log.Infow("faucet already initialized; stored parameters take precedence",
			"claim_amount", current.ClaimAmount,
			"cooldown_seconds", current.CooldownSeconds,
			"owner", current.Owner.Hex(),
		)
	}
	s.metrics.setPool(pool.Balance)
	s.metrics.setCooldown(int64(current.CooldownSeconds))
	return nil
}

// AuthoritativeNow reads the authoritative clock once.
func (s *Service) AuthoritativeNow(ctx context.Context) (clock.SecondsTimestamp, error) {
	now, err := s.clock.Authoritative.AuthoritativeNow(ctx)
	if err != nil {
		return 0, domain.ClockUnavailable(err)
	}
	return now, nil
}

// RequestTokens grants claimAmount to claimant if the cooldown has passed and the pool can cover it.
func (s *Service) RequestTokens(ctx context.Context, claimant domain.Address) (receipt *domain.ClaimReceipt, err error) {
	defer func() { s.metrics.observeClaim(err) }()

	if err := s.consumeClaimAttempt(ctx, claimant); err != nil {
		return nil, err
	}

	now, err := s.AuthoritativeNow(ctx)
	if err != nil {
		return nil, err
	}

	tr, err := s.repo.ApplyClaim(ctx, claimant, now)
	if err != nil {
		if domain.KindOf(err) == "" {
			s.log.Errorw("claim transition failed", "claimant", claimant.Hex(), "err", err)
		}
		return nil, err
	}

	s.metrics.setPool(tr.Pool.Balance)
	s.log.Infow("tokens claimed",
		"claimant", claimant.Hex(),
		"amount", tr.Receipt.Amount,
		"timestamp", int64(tr.Receipt.Timestamp),
		"pool_balance", tr.Pool.Balance,
		"first_claim", tr.FirstClaim,
	)
	return &tr.Receipt, nil
}

func (s *Service) consumeClaimAttempt(ctx context.Context, claimant domain.Address) error {
	if s.limiter == nil {
		return nil
	}
	err := s.limiter.AllowClaim(ctx, claimant)
	if err == nil || domain.KindOf(err) == domain.KindRateLimited {
		return err
	}
	// The cooldown still protects the pool when redis is down.
	s.log.Warnw("claim rate limiter unavailable; allowing attempt", "claimant", claimant.Hex(), "err", err)
	return nil
}

// CanClaim reports whether the cooldown guard of RequestTokens currently passes for addr.
func (s *Service) CanClaim(ctx context.Context, addr domain.Address) (bool, error) {
	stats, err := s.GetUserStats(ctx, addr)
	if err != nil {
		return false, err
	}
	return stats.CanClaim, nil
}

// TimeUntilNextClaim returns the remaining cooldown for addr, 0 if it can claim.
func (s *Service) TimeUntilNextClaim(ctx context.Context, addr domain.Address) (clock.Seconds, error) {
	stats, err := s.GetUserStats(ctx, addr)
	if err != nil {
		return 0, err
	}
	return stats.TimeUntilNextClaim, nil
}

// GetUserStats returns one snapshot of addr computed against a single clock read.
func (s *Service) GetUserStats(ctx context.Context, addr domain.Address) (*domain.UserStats, error) {
	params, record, err := s.repo.ReadUser(ctx, addr)
	if err != nil {
		return nil, err
	}
	now, err := s.AuthoritativeNow(ctx)
	if err != nil {
		return nil, err
	}
	stats := domain.BuildUserStats(addr, params, record, now)
	return &stats, nil
}

// GetFaucetStats returns the global snapshot.
func (s *Service) GetFaucetStats(ctx context.Context) (*domain.FaucetStats, error) {
	params, pool, err := s.repo.ReadFaucet(ctx)
	if err != nil {
		return nil, err
	}
	now, err := s.AuthoritativeNow(ctx)
	if err != nil {
		return nil, err
	}
	s.metrics.setPool(pool.Balance)
	stats := domain.BuildFaucetStats(params, pool, now)
	return &stats, nil
}

// TopUp credits the pool from an external treasury.
func (s *Service) TopUp(ctx context.Context, amount domain.Amount) (*domain.PoolState, error) {
	if amount <= 0 {
		return nil, domain.InvalidParameter("top-up amount must be positive, got %d", amount)
	}
	now, err := s.AuthoritativeNow(ctx)
	if err != nil {
		return nil, err
	}
	pool, err := s.repo.CreditPool(ctx, amount, now)
	if err != nil {
		return nil, err
	}
	s.metrics.setPool(pool.Balance)
	s.log.Infow("pool topped up", "amount", amount, "balance", pool.Balance)
	return &pool, nil
}

// ClockStatus describes the service's view of both clocks.
type ClockStatus struct {
	AuthoritativeNow clock.SecondsTimestamp `json:"authoritative_now"`
	LocalNowMillis   clock.MillisTimestamp  `json:"local_now_ms"`
	DriftSeconds     clock.Seconds          `json:"drift_seconds"`
	DriftExceeded    bool                   `json:"drift_exceeded"`
}

// ClockStatus reads both clocks once and reports their disagreement.
func (s *Service) ClockStatus(ctx context.Context) (*ClockStatus, error) {
	now, err := s.AuthoritativeNow(ctx)
	if err != nil {
		return nil, err
	}
	local := s.clock.Local.LocalNow()
	drift := clock.Drift(local, now)
	if drift > clock.DefaultDriftThreshold {
		s.log.Warnw("clock drift above threshold", "drift_seconds", int64(drift), "threshold_seconds", int64(clock.DefaultDriftThreshold))
	}
	return &ClockStatus{
		AuthoritativeNow: now,
		LocalNowMillis:   local,
		DriftSeconds:     drift,
		DriftExceeded:    drift > clock.DefaultDriftThreshold,
	}, nil
}
