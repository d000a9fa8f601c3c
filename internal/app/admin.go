package app

import (
	"context"

	"go.uber.org/zap"

	"github.com/govinda777/zerodev-token-shop-sub001/internal/domain"
	"github.com/govinda777/zerodev-token-shop-sub001/internal/store"
	"github.com/govinda777/zerodev-token-shop-sub001/pkg/clock"
)

// Admin is the owner-only mutation surface. Every operation goes through authorize.
type Admin struct {
	repo    store.Repository
	ledger  *Service
	metrics *Metrics
	log     *zap.SugaredLogger
}

func NewAdmin(repo store.Repository, ledger *Service, metrics *Metrics, log *zap.SugaredLogger) *Admin {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Admin{repo: repo, ledger: ledger, metrics: metrics, log: log.Named("admin")}
}

func (a *Admin) authorize(ctx context.Context, caller domain.Address) error {
	params, _, err := a.repo.ReadFaucet(ctx)
	if err != nil {
		return err
	}
	if caller != params.Owner {
		a.log.Warnw("rejected admin call from non-owner", "caller", caller.Hex())
		return domain.ErrUnauthorized
	}
	return nil
}

// SetCooldownTime replaces the cooldown. The new value applies to every address on its next read,
// including addresses already cooling down.
func (a *Admin) SetCooldownTime(ctx context.Context, caller domain.Address, newCooldown clock.Seconds) error {
	if err := a.authorize(ctx, caller); err != nil {
		return err
	}
	if newCooldown < 0 {
		return domain.InvalidParameter("cooldown must not be negative, got %d", newCooldown)
	}

	now, err := a.ledger.AuthoritativeNow(ctx)
	if err != nil {
		return err
	}
	previous, err := a.repo.UpdateCooldown(ctx, newCooldown, caller, now)
	if err != nil {
		return err
	}

	a.metrics.setCooldown(int64(newCooldown))
	a.log.Infow("cooldown updated", "previous_seconds", int64(previous), "current_seconds", int64(newCooldown), "updated_by", caller.Hex())
	return nil
}
