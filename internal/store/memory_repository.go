package store

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/govinda777/zerodev-token-shop-sub001/internal/domain"
	"github.com/govinda777/zerodev-token-shop-sub001/pkg/clock"
)

const (
	outboxPending    = "pending"
	outboxProcessing = "processing"
	outboxPublished  = "published"
)

type memoryOutboxEntry struct {
	msg                 OutboxMessage
	status              string
	nextAttemptAt       time.Time
	processingStartedAt time.Time
	lastError           string
	createdAt           time.Time
}

// MemoryRepository keeps the ledger in process. A single mutex serialises every
// transition, which gives the same all-or-nothing behaviour as a database transaction.
type MemoryRepository struct {
	mu          sync.Mutex
	exchange    string
	initialized bool
	params      domain.FaucetParameters
	pool        domain.PoolState
	records     map[domain.Address]domain.ClaimRecord
	outbox      []*memoryOutboxEntry
	nextID      int64
	now         func() time.Time
}

// NewMemoryRepository creates an empty ledger whose events are addressed to exchange.
func NewMemoryRepository(exchange string) *MemoryRepository {
	return &MemoryRepository{
		exchange: exchange,
		records:  make(map[domain.Address]domain.ClaimRecord),
		now:      time.Now,
	}
}

func (r *MemoryRepository) Bootstrap(ctx context.Context, params domain.FaucetParameters, initialBalance domain.Amount) (bool, error) {
	if err := params.Validate(); err != nil {
		return false, err
	}
	if initialBalance < 0 {
		return false, domain.InvalidParameter("initial balance must not be negative, got %d", initialBalance)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.initialized {
		return false, nil
	}
	r.params = params
	r.pool = domain.PoolState{Balance: initialBalance}
	r.initialized = true
	return true, nil
}

func (r *MemoryRepository) ReadUser(ctx context.Context, addr domain.Address) (domain.FaucetParameters, domain.ClaimRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.initialized {
		return domain.FaucetParameters{}, domain.ClaimRecord{}, domain.ErrNotInitialized
	}
	return r.params, r.records[addr], nil
}

func (r *MemoryRepository) ReadFaucet(ctx context.Context) (domain.FaucetParameters, domain.PoolState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.initialized {
		return domain.FaucetParameters{}, domain.PoolState{}, domain.ErrNotInitialized
	}
	return r.params, r.pool, nil
}

func (r *MemoryRepository) ApplyClaim(ctx context.Context, claimant domain.Address, now clock.SecondsTimestamp) (domain.ClaimTransition, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.initialized {
		return domain.ClaimTransition{}, domain.ErrNotInitialized
	}

	tr, err := domain.ApplyClaim(r.params, r.records[claimant], r.pool, claimant, now)
	if err != nil {
		return domain.ClaimTransition{}, err
	}
	// Marshal before mutating so a failure leaves the state untouched.
	payload, err := json.Marshal(tr.Event)
	if err != nil {
		return domain.ClaimTransition{}, errors.Wrap(err, "marshal tokens claimed event")
	}

	r.records[claimant] = tr.Record
	r.pool = tr.Pool
	r.enqueueLocked(domain.EventTokensClaimed, payload)
	return tr, nil
}

func (r *MemoryRepository) UpdateCooldown(ctx context.Context, cooldown clock.Seconds, updatedBy domain.Address, now clock.SecondsTimestamp) (clock.Seconds, error) {
	if cooldown < 0 {
		return 0, domain.InvalidParameter("cooldown must not be negative, got %d", cooldown)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.initialized {
		return 0, domain.ErrNotInitialized
	}

	previous := r.params.CooldownSeconds
	payload, err := json.Marshal(domain.CooldownUpdated{
		Previous:  previous,
		Current:   cooldown,
		UpdatedBy: updatedBy,
		Timestamp: now,
	})
	if err != nil {
		return 0, errors.Wrap(err, "marshal cooldown updated event")
	}

	r.params.CooldownSeconds = cooldown
	r.pool.Version++
	r.enqueueLocked(domain.EventCooldownUpdated, payload)
	return previous, nil
}

func (r *MemoryRepository) CreditPool(ctx context.Context, amount domain.Amount, now clock.SecondsTimestamp) (domain.PoolState, error) {
	if amount <= 0 {
		return domain.PoolState{}, domain.InvalidParameter("top-up amount must be positive, got %d", amount)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.initialized {
		return domain.PoolState{}, domain.ErrNotInitialized
	}

	next := r.pool
	next.Balance += amount
	next.Version++
	payload, err := json.Marshal(domain.PoolToppedUp{Amount: amount, NewBalance: next.Balance, Timestamp: now})
	if err != nil {
		return domain.PoolState{}, errors.Wrap(err, "marshal pool topped up event")
	}

	r.pool = next
	r.enqueueLocked(domain.EventPoolToppedUp, payload)
	return next, nil
}

func (r *MemoryRepository) enqueueLocked(routingKey string, payload []byte) {
	r.nextID++
	now := r.now()
	r.outbox = append(r.outbox, &memoryOutboxEntry{
		msg: OutboxMessage{
			ID:         r.nextID,
			Exchange:   r.exchange,
			RoutingKey: routingKey,
			Payload:    payload,
		},
		status:        outboxPending,
		nextAttemptAt: now,
		createdAt:     now,
	})
}

func (r *MemoryRepository) ClaimOutboxMessages(ctx context.Context, limit int, staleAfterSeconds int) ([]OutboxMessage, error) {
	if limit <= 0 {
		limit = 50
	}
	if staleAfterSeconds <= 0 {
		staleAfterSeconds = 120
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	staleBefore := now.Add(-time.Duration(staleAfterSeconds) * time.Second)

	candidates := make([]*memoryOutboxEntry, 0, limit)
	for _, entry := range r.outbox {
		ready := entry.status == outboxPending && !entry.nextAttemptAt.After(now)
		stale := entry.status == outboxProcessing && entry.processingStartedAt.Before(staleBefore)
		if ready || stale {
			candidates = append(candidates, entry)
		}
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].createdAt.Before(candidates[j].createdAt)
	})
	if len(candidates) > limit {
		candidates = candidates[:limit]
	}

	messages := make([]OutboxMessage, 0, len(candidates))
	for _, entry := range candidates {
		entry.status = outboxProcessing
		entry.processingStartedAt = now
		entry.msg.Attempts++
		messages = append(messages, entry.msg)
	}
	return messages, nil
}

func (r *MemoryRepository) MarkOutboxPublished(ctx context.Context, id int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry := r.findLocked(id)
	if entry == nil {
		return errors.Newf("outbox message %d not found", id)
	}
	entry.status = outboxPublished
	entry.lastError = ""
	return nil
}

func (r *MemoryRepository) MarkOutboxFailed(ctx context.Context, id int64, retryAfterSeconds int, reason string) error {
	if retryAfterSeconds < 1 {
		retryAfterSeconds = 1
	}
	if len(reason) > 2000 {
		reason = reason[:2000]
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	entry := r.findLocked(id)
	if entry == nil {
		return errors.Newf("outbox message %d not found", id)
	}
	entry.status = outboxPending
	entry.nextAttemptAt = r.now().Add(time.Duration(retryAfterSeconds) * time.Second)
	entry.lastError = reason
	return nil
}

// PendingOutbox counts messages not yet published.
func (r *MemoryRepository) PendingOutbox() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for _, entry := range r.outbox {
		if entry.status != outboxPublished {
			n++
		}
	}
	return n
}

func (r *MemoryRepository) findLocked(id int64) *memoryOutboxEntry {
	for _, entry := range r.outbox {
		if entry.msg.ID == id {
			return entry
		}
	}
	return nil
}
