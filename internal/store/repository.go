/**
 * @description
 * This file defines the Repository interface, the contract for every ledger backend.
 * A backend holds the singleton parameters and pool, the per-address claim records and
 * the event outbox, and exposes each mutation as one atomic transition: either the
 * whole transition and its outbox event are persisted, or nothing is.
 *
 * @dependencies
 * - context: For managing request-scoped deadlines and cancellation signals.
 * - internal/domain: Faucet models and transition rules.
 */

package store

import (
	"context"

	"github.com/govinda777/zerodev-token-shop-sub001/internal/domain"
	"github.com/govinda777/zerodev-token-shop-sub001/pkg/clock"
)

// OutboxMessage is an event waiting to be published.
type OutboxMessage struct {
	ID         int64
	Exchange   string
	RoutingKey string
	Payload    []byte
	Attempts   int
}

// OutboxStore is the dispatcher's view of the outbox.
type OutboxStore interface {
	ClaimOutboxMessages(ctx context.Context, limit int, staleAfterSeconds int) ([]OutboxMessage, error)
	MarkOutboxPublished(ctx context.Context, id int64) error
	MarkOutboxFailed(ctx context.Context, id int64, retryAfterSeconds int, reason string) error
}

// Repository is the versioned faucet ledger.
type Repository interface {
	// Bootstrap creates the singleton state if it does not exist yet. Existing state is left alone.
	Bootstrap(ctx context.Context, params domain.FaucetParameters, initialBalance domain.Amount) (created bool, err error)
	// ReadUser returns the parameters and the address's record from one consistent read.
	// An address that never claimed yields the zero record.
	ReadUser(ctx context.Context, addr domain.Address) (domain.FaucetParameters, domain.ClaimRecord, error)
	// ReadFaucet returns the parameters and the pool from one consistent read.
	ReadFaucet(ctx context.Context) (domain.FaucetParameters, domain.PoolState, error)
	// ApplyClaim runs domain.ApplyClaim against the current state and persists the result
	// together with its TokensClaimed event.
	ApplyClaim(ctx context.Context, claimant domain.Address, now clock.SecondsTimestamp) (domain.ClaimTransition, error)
	// UpdateCooldown replaces the cooldown and records a CooldownUpdated event. It returns the previous value.
	UpdateCooldown(ctx context.Context, cooldown clock.Seconds, updatedBy domain.Address, now clock.SecondsTimestamp) (clock.Seconds, error)
	// CreditPool adds amount to the pool and records a PoolToppedUp event.
	CreditPool(ctx context.Context, amount domain.Amount, now clock.SecondsTimestamp) (domain.PoolState, error)

	OutboxStore
}
