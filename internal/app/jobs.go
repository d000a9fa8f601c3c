/**
 * @description
 * Scheduled job implementations for the faucet service.
 */
package app

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/govinda777/zerodev-token-shop-sub001/internal/domain"
)

const jobTimeout = 30 * time.Second

// ClockSyncer re-measures the offset of a corrected clock.
type ClockSyncer interface {
	Sync() error
	Offset() time.Duration
}

// FaucetStatsReader reads the global snapshot.
type FaucetStatsReader interface {
	GetFaucetStats(ctx context.Context) (*domain.FaucetStats, error)
}

// Jobs contains the logic for all scheduled tasks.
type Jobs struct {
	syncer             ClockSyncer
	stats              FaucetStatsReader
	lowWatermarkClaims int64
	metrics            *Metrics
	logger             *zap.SugaredLogger
}

// NewJobs creates a new Jobs runner. syncer may be nil when the clock needs no syncing.
func NewJobs(syncer ClockSyncer, stats FaucetStatsReader, lowWatermarkClaims int64, metrics *Metrics, logger *zap.SugaredLogger) *Jobs {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Jobs{
		syncer:             syncer,
		stats:              stats,
		lowWatermarkClaims: lowWatermarkClaims,
		metrics:            metrics,
		logger:             logger.Named("jobs"),
	}
}

// SyncClock re-measures the NTP offset.
func (j *Jobs) SyncClock() {
	if j.syncer == nil {
		return
	}
	if err := j.syncer.Sync(); err != nil {
		j.logger.Warnw("clock sync failed; keeping previous offset", "offset", j.syncer.Offset().String(), "error", err)
		return
	}
	offset := j.syncer.Offset()
	j.metrics.setClockOffset(offset.Seconds())
	j.logger.Infow("clock synced", "offset", offset.String())
}

// MonitorPool refreshes the balance gauge and warns when the pool is running low.
func (j *Jobs) MonitorPool() {
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()

	stats, err := j.stats.GetFaucetStats(ctx)
	if err != nil {
		j.logger.Errorw("failed to read faucet stats", "error", err)
		return
	}

	j.metrics.setPool(stats.Balance)
	remainingClaims := int64(stats.Balance / stats.ClaimAmount)
	if remainingClaims < j.lowWatermarkClaims {
		j.logger.Warnw("faucet pool running low",
			"balance", stats.Balance,
			"claim_amount", stats.ClaimAmount,
			"remaining_claims", remainingClaims,
			"watermark_claims", j.lowWatermarkClaims,
		)
		return
	}
	j.logger.Debugw("faucet pool healthy", "balance", stats.Balance, "remaining_claims", remainingClaims)
}
