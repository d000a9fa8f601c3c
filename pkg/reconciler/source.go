package reconciler

import (
	"context"

	"github.com/govinda777/zerodev-token-shop-sub001/internal/domain"
	"github.com/govinda777/zerodev-token-shop-sub001/pkg/clock"
	"github.com/govinda777/zerodev-token-shop-sub001/pkg/faucetclient"
)

// Snapshot is one logical read of an address's record and the authoritative time it was
// evaluated against.
type Snapshot struct {
	AuthoritativeNow clock.SecondsTimestamp
	LastClaimAt      clock.SecondsTimestamp
	CooldownSeconds  clock.Seconds
	TotalClaimed     domain.Amount
	ClaimCount       int64
	CanClaim         bool
}

// NextClaimAt is lastClaimAt + cooldown in authoritative seconds, zero for a fresh address.
func (s Snapshot) NextClaimAt() clock.SecondsTimestamp {
	return domain.NextClaimAt(
		domain.FaucetParameters{CooldownSeconds: s.CooldownSeconds},
		domain.ClaimRecord{LastClaimAt: s.LastClaimAt, ClaimCount: s.ClaimCount},
	)
}

// SnapshotFromStats builds a snapshot from the ledger's per-address stats.
func SnapshotFromStats(stats domain.UserStats) Snapshot {
	return Snapshot{
		AuthoritativeNow: stats.AuthoritativeNow,
		LastClaimAt:      stats.LastClaimAt,
		CooldownSeconds:  stats.CooldownSeconds,
		TotalClaimed:     stats.TotalClaimed,
		ClaimCount:       stats.ClaimCount,
		CanClaim:         stats.CanClaim,
	}
}

// Source produces snapshots.
type Source interface {
	Snapshot(ctx context.Context, addr domain.Address) (Snapshot, error)
}

// SourceFunc adapts a function to Source.
type SourceFunc func(ctx context.Context, addr domain.Address) (Snapshot, error)

func (f SourceFunc) Snapshot(ctx context.Context, addr domain.Address) (Snapshot, error) {
	return f(ctx, addr)
}

// ClientSource reads snapshots from a faucet service over HTTP. The user stats endpoint
// returns the record together with the clock reading it used, so one request is one snapshot.
type ClientSource struct {
	Client *faucetclient.Client
}

func (s ClientSource) Snapshot(ctx context.Context, addr domain.Address) (Snapshot, error) {
	stats, err := s.Client.GetUserStats(ctx, addr)
	if err != nil {
		return Snapshot{}, err
	}
	return SnapshotFromStats(*stats), nil
}
