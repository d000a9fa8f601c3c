/**
 * @description
 * This file defines the core domain models for the faucet: the owner-mutable
 * parameters, the per-address claim record, the shared pool, the read models
 * returned to callers and the events emitted on every state change.
 *
 * It also holds the pure guard and transition functions. Storage backends call
 * ApplyClaim inside their own atomic section so that every backend enforces the
 * same rules in the same order.
 *
 * @dependencies
 * - github.com/ethereum/go-ethereum/common: Claimant and owner addresses.
 * - github.com/google/uuid: Receipt identifiers.
 */

package domain

import (
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"github.com/govinda777/zerodev-token-shop-sub001/pkg/clock"
)

// Address identifies a claimant or the owner.
type Address = common.Address

// Amount is a token quantity in the smallest unit.
type Amount int64

// ParseAddress validates and parses a 0x-prefixed hex address.
func ParseAddress(raw string) (Address, error) {
	trimmed := strings.TrimSpace(raw)
	if !common.IsHexAddress(trimmed) {
		return Address{}, InvalidParameter("invalid address %q", raw)
	}
	return common.HexToAddress(trimmed), nil
}

// FaucetParameters are the global, owner-mutable settings.
type FaucetParameters struct {
	ClaimAmount     Amount        `json:"claim_amount"`
	CooldownSeconds clock.Seconds `json:"cooldown_seconds"`
	Owner           Address       `json:"owner"`
}

// Validate checks claimAmount > 0 and cooldownSeconds >= 0.
func (p FaucetParameters) Validate() error {
	if p.ClaimAmount <= 0 {
		return InvalidParameter("claim amount must be positive, got %d", p.ClaimAmount)
	}
	if p.CooldownSeconds < 0 {
		return InvalidParameter("cooldown must not be negative, got %d", p.CooldownSeconds)
	}
	return nil
}

// ClaimRecord is created on the first successful claim and never deleted.
type ClaimRecord struct {
	Claimant     Address                `json:"claimant"`
	LastClaimAt  clock.SecondsTimestamp `json:"last_claim_at"`
	TotalClaimed Amount                 `json:"total_claimed"`
	ClaimCount   int64                  `json:"claim_count"`
}

// NeverClaimed reports whether the record is the zero record of an address that never claimed.
func (r ClaimRecord) NeverClaimed() bool {
	return r.ClaimCount == 0 && r.LastClaimAt.IsZero()
}

// PoolState is the shared token pool plus global statistics.
type PoolState struct {
	Balance            Amount `json:"balance"`
	TotalClaimedGlobal Amount `json:"total_claimed_global"`
	TotalUsers         int64  `json:"total_users"`
	Version            int64  `json:"version"`
}

// UserStats is one consistent snapshot of an address, computed against a single clock read.
type UserStats struct {
	Address            Address                `json:"address"`
	LastClaimAt        clock.SecondsTimestamp `json:"last_claim_at"`
	TotalClaimed       Amount                 `json:"total_claimed"`
	CanClaim           bool                   `json:"can_claim"`
	TimeUntilNextClaim clock.Seconds          `json:"time_until_next_claim"`
	NextClaimAt        clock.SecondsTimestamp `json:"next_claim_at"`
	CooldownSeconds    clock.Seconds          `json:"cooldown_seconds"`
	ClaimCount         int64                  `json:"claim_count"`
	AuthoritativeNow   clock.SecondsTimestamp `json:"authoritative_now"`
}

// FaucetStats is the global snapshot.
type FaucetStats struct {
	Balance            Amount                 `json:"balance"`
	TotalClaimedGlobal Amount                 `json:"total_claimed_global"`
	TotalUsers         int64                  `json:"total_users"`
	ClaimAmount        Amount                 `json:"claim_amount"`
	CooldownSeconds    clock.Seconds          `json:"cooldown_seconds"`
	Owner              Address                `json:"owner"`
	Version            int64                  `json:"version"`
	AuthoritativeNow   clock.SecondsTimestamp `json:"authoritative_now"`
}

// ClaimReceipt mirrors the TokensClaimed payload so callers can confirm without a second read.
type ClaimReceipt struct {
	ID           uuid.UUID              `json:"id"`
	Claimant     Address                `json:"claimant"`
	Amount       Amount                 `json:"amount"`
	Timestamp    clock.SecondsTimestamp `json:"timestamp"`
	TotalClaimed Amount                 `json:"total_claimed"`
	PoolBalance  Amount                 `json:"pool_balance"`
}

// Event types published through the outbox.
const (
	EventTokensClaimed   = "faucet.tokens_claimed"
	EventCooldownUpdated = "faucet.cooldown_updated"
	EventPoolToppedUp    = "faucet.pool_topped_up"
)

// TokensClaimed is emitted for every successful claim.
type TokensClaimed struct {
	ReceiptID uuid.UUID              `json:"receipt_id"`
	Claimant  Address                `json:"claimant"`
	Amount    Amount                 `json:"amount"`
	Timestamp clock.SecondsTimestamp `json:"timestamp"`
}

// CooldownUpdated is emitted when the owner changes the cooldown.
type CooldownUpdated struct {
	Previous  clock.Seconds          `json:"previous"`
	Current   clock.Seconds          `json:"current"`
	UpdatedBy Address                `json:"updated_by"`
	Timestamp clock.SecondsTimestamp `json:"timestamp"`
}

// PoolToppedUp is emitted when the pool is credited.
type PoolToppedUp struct {
	Amount     Amount                 `json:"amount"`
	NewBalance Amount                 `json:"new_balance"`
	Timestamp  clock.SecondsTimestamp `json:"timestamp"`
}

// NextClaimAt is lastClaimAt + cooldown, or zero for an address that never claimed.
func NextClaimAt(params FaucetParameters, record ClaimRecord) clock.SecondsTimestamp {
	if record.NeverClaimed() {
		return 0
	}
	return record.LastClaimAt.Add(params.CooldownSeconds)
}

// TimeUntilNextClaim is max(0, lastClaimAt + cooldown - now), and 0 without a record.
func TimeUntilNextClaim(params FaucetParameters, record ClaimRecord, now clock.SecondsTimestamp) clock.Seconds {
	if record.NeverClaimed() {
		return 0
	}
	remaining := NextClaimAt(params, record).Sub(now)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// CanClaim evaluates the cooldown guard of a claim. It ignores the pool balance and is
// true exactly when TimeUntilNextClaim is zero.
func CanClaim(params FaucetParameters, record ClaimRecord, now clock.SecondsTimestamp) bool {
	return TimeUntilNextClaim(params, record, now) == 0
}

// BuildUserStats derives the user snapshot from one parameter/record read and one clock read.
func BuildUserStats(addr Address, params FaucetParameters, record ClaimRecord, now clock.SecondsTimestamp) UserStats {
	return UserStats{
		Address:            addr,
		LastClaimAt:        record.LastClaimAt,
		TotalClaimed:       record.TotalClaimed,
		CanClaim:           CanClaim(params, record, now),
		TimeUntilNextClaim: TimeUntilNextClaim(params, record, now),
		NextClaimAt:        NextClaimAt(params, record),
		CooldownSeconds:    params.CooldownSeconds,
		ClaimCount:         record.ClaimCount,
		AuthoritativeNow:   now,
	}
}

// BuildFaucetStats derives the global snapshot.
func BuildFaucetStats(params FaucetParameters, pool PoolState, now clock.SecondsTimestamp) FaucetStats {
	return FaucetStats{
		Balance:            pool.Balance,
		TotalClaimedGlobal: pool.TotalClaimedGlobal,
		TotalUsers:         pool.TotalUsers,
		ClaimAmount:        params.ClaimAmount,
		CooldownSeconds:    params.CooldownSeconds,
		Owner:              params.Owner,
		Version:            pool.Version,
		AuthoritativeNow:   now,
	}
}

// ClaimTransition is the complete result of a successful claim. Backends persist
// Record and Pool together or not at all.
type ClaimTransition struct {
	Record     ClaimRecord
	Pool       PoolState
	Receipt    ClaimReceipt
	Event      TokensClaimed
	FirstClaim bool
}

// ApplyClaim checks the cooldown guard, then the balance guard, and computes the next state.
// The inputs are never modified.
func ApplyClaim(params FaucetParameters, record ClaimRecord, pool PoolState, claimant Address, now clock.SecondsTimestamp) (ClaimTransition, error) {
	if remaining := TimeUntilNextClaim(params, record, now); remaining > 0 {
		return ClaimTransition{}, CooldownNotPassed(remaining)
	}
	if pool.Balance < params.ClaimAmount {
		return ClaimTransition{}, InsufficientFaucetBalance(params.ClaimAmount - pool.Balance)
	}

	first := record.NeverClaimed()

	next := record
	next.Claimant = claimant
	next.LastClaimAt = now
	next.TotalClaimed += params.ClaimAmount
	next.ClaimCount++

	nextPool := pool
	nextPool.Balance -= params.ClaimAmount
	nextPool.TotalClaimedGlobal += params.ClaimAmount
	if first {
		nextPool.TotalUsers++
	}
	nextPool.Version++

	id := uuid.New()
	return ClaimTransition{
		Record: next,
		Pool:   nextPool,
		Receipt: ClaimReceipt{
			ID:           id,
			Claimant:     claimant,
			Amount:       params.ClaimAmount,
			Timestamp:    now,
			TotalClaimed: next.TotalClaimed,
			PoolBalance:  nextPool.Balance,
		},
		Event: TokensClaimed{
			ReceiptID: id,
			Claimant:  claimant,
			Amount:    params.ClaimAmount,
			Timestamp: now,
		},
		FirstClaim: first,
	}, nil
}
