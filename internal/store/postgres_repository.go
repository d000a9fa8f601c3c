/**
 * @description
 * This file provides the PostgreSQL implementation of the `Repository` interface.
 * Every mutation runs in one transaction that first locks the singleton faucet_state
 * row, so claims are serialised globally and the pool can never be overdrawn. The
 * event for the mutation is written to event_outbox inside the same transaction.
 *
 * The database clock doubles as an authoritative clock source (AuthoritativeNow).
 *
 * @dependencies
 * - github.com/jackc/pgx/v5: The PostgreSQL driver for database operations.
 * - github.com/cockroachdb/errors: Error wrapping.
 * - internal/domain: Faucet models and transition rules.
 */

package store

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/govinda777/zerodev-token-shop-sub001/internal/domain"
	"github.com/govinda777/zerodev-token-shop-sub001/pkg/clock"
)

// PostgresRepository is the PostgreSQL-backed faucet ledger.
type PostgresRepository struct {
	db       *pgxpool.Pool
	exchange string
}

// NewPostgresRepository creates a new instance of PostgresRepository.
func NewPostgresRepository(db *pgxpool.Pool, exchange string) *PostgresRepository {
	return &PostgresRepository{db: db, exchange: exchange}
}

// AuthoritativeNow reads the database server clock in whole seconds.
func (r *PostgresRepository) AuthoritativeNow(ctx context.Context) (clock.SecondsTimestamp, error) {
	var now int64
	if err := r.db.QueryRow(ctx, `SELECT EXTRACT(EPOCH FROM clock_timestamp())::BIGINT`).Scan(&now); err != nil {
		return 0, errors.Mark(errors.Wrap(err, "read database clock"), clock.ErrUnavailable)
	}
	return clock.SecondsTimestamp(now), nil
}

func (r *PostgresRepository) Bootstrap(ctx context.Context, params domain.FaucetParameters, initialBalance domain.Amount) (bool, error) {
	if err := params.Validate(); err != nil {
		return false, err
	}
	if initialBalance < 0 {
		return false, domain.InvalidParameter("initial balance must not be negative, got %d", initialBalance)
	}

	tag, err := r.db.Exec(ctx, `
		INSERT INTO faucet_state (id, claim_amount, cooldown_seconds, owner_address, balance)
		VALUES (1, $1, $2, $3, $4)
		ON CONFLICT (id) DO NOTHING
	`, int64(params.ClaimAmount), int64(params.CooldownSeconds), params.Owner.Hex(), int64(initialBalance))
	if err != nil {
		return false, errors.Wrap(err, "bootstrap faucet state")
	}
	return tag.RowsAffected() == 1, nil
}

func (r *PostgresRepository) ReadUser(ctx context.Context, addr domain.Address) (domain.FaucetParameters, domain.ClaimRecord, error) {
	var (
		claimAmount, cooldown int64
		owner                 string
		lastClaimAt           *int64
		totalClaimed          *int64
		claimCount            *int64
	)
	err := r.db.QueryRow(ctx, `
		SELECT s.claim_amount, s.cooldown_seconds, s.owner_address,
			c.last_claim_at, c.total_claimed, c.claim_count
		FROM faucet_state s
		LEFT JOIN faucet_claims c ON c.claimant = $1
		WHERE s.id = 1
	`, addr.Hex()).Scan(&claimAmount, &cooldown, &owner, &lastClaimAt, &totalClaimed, &claimCount)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.FaucetParameters{}, domain.ClaimRecord{}, domain.ErrNotInitialized
		}
		return domain.FaucetParameters{}, domain.ClaimRecord{}, errors.Wrap(err, "read user claim record")
	}

	params := buildParams(claimAmount, cooldown, owner)
	var record domain.ClaimRecord
	if lastClaimAt != nil {
		record = domain.ClaimRecord{
			Claimant:     addr,
			LastClaimAt:  clock.SecondsTimestamp(*lastClaimAt),
			TotalClaimed: domain.Amount(derefInt64(totalClaimed)),
			ClaimCount:   derefInt64(claimCount),
		}
	}
	return params, record, nil
}

func (r *PostgresRepository) ReadFaucet(ctx context.Context) (domain.FaucetParameters, domain.PoolState, error) {
	return readStateRow(ctx, r.db, false)
}

func (r *PostgresRepository) ApplyClaim(ctx context.Context, claimant domain.Address, now clock.SecondsTimestamp) (domain.ClaimTransition, error) {
	tx, err := r.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return domain.ClaimTransition{}, errors.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback(ctx)

	// 1. Lock the singleton state; this serialises every claim.
	params, pool, err := readStateRow(ctx, tx, true)
	if err != nil {
		return domain.ClaimTransition{}, err
	}

	// 2. Lock the claimant's record, if any.
	var record domain.ClaimRecord
	var lastClaimAt, totalClaimed, claimCount int64
	err = tx.QueryRow(ctx, `
		SELECT last_claim_at, total_claimed, claim_count
		FROM faucet_claims
		WHERE claimant = $1
		FOR UPDATE
	`, claimant.Hex()).Scan(&lastClaimAt, &totalClaimed, &claimCount)
	switch {
	case err == nil:
		record = domain.ClaimRecord{
			Claimant:     claimant,
			LastClaimAt:  clock.SecondsTimestamp(lastClaimAt),
			TotalClaimed: domain.Amount(totalClaimed),
			ClaimCount:   claimCount,
		}
	case errors.Is(err, pgx.ErrNoRows):
	default:
		return domain.ClaimTransition{}, errors.Wrap(err, "failed to lock claim record")
	}

	// 3. Guards and next state.
	tr, err := domain.ApplyClaim(params, record, pool, claimant, now)
	if err != nil {
		return domain.ClaimTransition{}, err
	}

	// 4. Persist record, pool, log and event.
	_, err = tx.Exec(ctx, `
		INSERT INTO faucet_claims (claimant, last_claim_at, total_claimed, claim_count)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (claimant) DO UPDATE SET
			last_claim_at = EXCLUDED.last_claim_at,
			total_claimed = EXCLUDED.total_claimed,
			claim_count = EXCLUDED.claim_count,
			updated_at = NOW()
	`, claimant.Hex(), int64(tr.Record.LastClaimAt), int64(tr.Record.TotalClaimed), tr.Record.ClaimCount)
	if err != nil {
		return domain.ClaimTransition{}, errors.Wrap(err, "failed to upsert claim record")
	}

	_, err = tx.Exec(ctx, `
		UPDATE faucet_state
		SET balance = $1, total_claimed_global = $2, total_users = $3, version = $4, updated_at = NOW()
		WHERE id = 1
	`, int64(tr.Pool.Balance), int64(tr.Pool.TotalClaimedGlobal), tr.Pool.TotalUsers, tr.Pool.Version)
	if err != nil {
		return domain.ClaimTransition{}, errors.Wrap(err, "failed to update faucet state")
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO faucet_claim_log (id, claimant, amount, claimed_at)
		VALUES ($1, $2, $3, $4)
	`, tr.Receipt.ID, claimant.Hex(), int64(tr.Receipt.Amount), int64(tr.Receipt.Timestamp))
	if err != nil {
		return domain.ClaimTransition{}, errors.Wrap(err, "failed to log claim")
	}

	if err := enqueueEventTx(ctx, tx, r.exchange, domain.EventTokensClaimed, tr.Event); err != nil {
		return domain.ClaimTransition{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return domain.ClaimTransition{}, errors.Wrap(err, "failed to commit claim")
	}
	return tr, nil
}

func (r *PostgresRepository) UpdateCooldown(ctx context.Context, cooldown clock.Seconds, updatedBy domain.Address, now clock.SecondsTimestamp) (clock.Seconds, error) {
	if cooldown < 0 {
		return 0, domain.InvalidParameter("cooldown must not be negative, got %d", cooldown)
	}

	tx, err := r.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return 0, errors.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback(ctx)

	params, _, err := readStateRow(ctx, tx, true)
	if err != nil {
		return 0, err
	}

	_, err = tx.Exec(ctx, `
		UPDATE faucet_state
		SET cooldown_seconds = $1, version = version + 1, updated_at = NOW()
		WHERE id = 1
	`, int64(cooldown))
	if err != nil {
		return 0, errors.Wrap(err, "failed to update cooldown")
	}

	event := domain.CooldownUpdated{
		Previous:  params.CooldownSeconds,
		Current:   cooldown,
		UpdatedBy: updatedBy,
		Timestamp: now,
	}
	if err := enqueueEventTx(ctx, tx, r.exchange, domain.EventCooldownUpdated, event); err != nil {
		return 0, err
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, errors.Wrap(err, "failed to commit cooldown update")
	}
	return params.CooldownSeconds, nil
}

func (r *PostgresRepository) CreditPool(ctx context.Context, amount domain.Amount, now clock.SecondsTimestamp) (domain.PoolState, error) {
	if amount <= 0 {
		return domain.PoolState{}, domain.InvalidParameter("top-up amount must be positive, got %d", amount)
	}

	tx, err := r.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return domain.PoolState{}, errors.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback(ctx)

	if _, _, err := readStateRow(ctx, tx, true); err != nil {
		return domain.PoolState{}, err
	}

	var pool domain.PoolState
	var balance, totalClaimed int64
	err = tx.QueryRow(ctx, `
		UPDATE faucet_state
		SET balance = balance + $1, version = version + 1, updated_at = NOW()
		WHERE id = 1
		RETURNING balance, total_claimed_global, total_users, version
	`, int64(amount)).Scan(&balance, &totalClaimed, &pool.TotalUsers, &pool.Version)
	if err != nil {
		return domain.PoolState{}, errors.Wrap(err, "failed to credit pool")
	}
	pool.Balance = domain.Amount(balance)
	pool.TotalClaimedGlobal = domain.Amount(totalClaimed)

	event := domain.PoolToppedUp{Amount: amount, NewBalance: pool.Balance, Timestamp: now}
	if err := enqueueEventTx(ctx, tx, r.exchange, domain.EventPoolToppedUp, event); err != nil {
		return domain.PoolState{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return domain.PoolState{}, errors.Wrap(err, "failed to commit top-up")
	}
	return pool, nil
}

func (r *PostgresRepository) ClaimOutboxMessages(ctx context.Context, limit int, staleAfterSeconds int) ([]OutboxMessage, error) {
	if limit <= 0 {
		limit = 50
	}
	if staleAfterSeconds <= 0 {
		staleAfterSeconds = 120
	}

	query := `
		WITH candidates AS (
			SELECT id
			FROM event_outbox
			WHERE (
				(status = 'pending' AND next_attempt_at <= NOW())
				OR (status = 'processing' AND processing_started_at < NOW() - ($2 * INTERVAL '1 second'))
			)
			ORDER BY created_at
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		UPDATE event_outbox AS o
		SET status = 'processing',
			processing_started_at = NOW(),
			attempts = o.attempts + 1
		FROM candidates
		WHERE o.id = candidates.id
		RETURNING o.id, o.exchange, o.routing_key, o.payload::text, o.attempts
	`

	rows, err := r.db.Query(ctx, query, limit, staleAfterSeconds)
	if err != nil {
		return nil, errors.Wrap(err, "claim outbox messages")
	}
	defer rows.Close()

	messages := make([]OutboxMessage, 0, limit)
	for rows.Next() {
		var (
			msg         OutboxMessage
			payloadText string
		)
		if err := rows.Scan(&msg.ID, &msg.Exchange, &msg.RoutingKey, &payloadText, &msg.Attempts); err != nil {
			return nil, err
		}
		msg.Payload = []byte(payloadText)
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

func (r *PostgresRepository) MarkOutboxPublished(ctx context.Context, id int64) error {
	_, err := r.db.Exec(ctx, `
		UPDATE event_outbox
		SET status = 'published',
			published_at = NOW(),
			processing_started_at = NULL,
			last_error = NULL
		WHERE id = $1
	`, id)
	return err
}

func (r *PostgresRepository) MarkOutboxFailed(ctx context.Context, id int64, retryAfterSeconds int, reason string) error {
	if retryAfterSeconds < 1 {
		retryAfterSeconds = 1
	}
	if len(reason) > 2000 {
		reason = reason[:2000]
	}
	_, err := r.db.Exec(ctx, `
		UPDATE event_outbox
		SET status = 'pending',
			next_attempt_at = NOW() + ($2 * INTERVAL '1 second'),
			processing_started_at = NULL,
			last_error = $3
		WHERE id = $1
	`, id, retryAfterSeconds, reason)
	return err
}

// rowQuerier is satisfied by both *pgxpool.Pool and pgx.Tx.
type rowQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func readStateRow(ctx context.Context, q rowQuerier, forUpdate bool) (domain.FaucetParameters, domain.PoolState, error) {
	query := `
		SELECT claim_amount, cooldown_seconds, owner_address,
			balance, total_claimed_global, total_users, version
		FROM faucet_state
		WHERE id = 1
	`
	if forUpdate {
		query += " FOR UPDATE"
	}

	var (
		claimAmount, cooldown int64
		owner                 string
		balance, totalClaimed int64
		pool                  domain.PoolState
	)
	err := q.QueryRow(ctx, query).Scan(&claimAmount, &cooldown, &owner, &balance, &totalClaimed, &pool.TotalUsers, &pool.Version)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.FaucetParameters{}, domain.PoolState{}, domain.ErrNotInitialized
		}
		return domain.FaucetParameters{}, domain.PoolState{}, errors.Wrap(err, "read faucet state")
	}
	pool.Balance = domain.Amount(balance)
	pool.TotalClaimedGlobal = domain.Amount(totalClaimed)
	return buildParams(claimAmount, cooldown, owner), pool, nil
}

func enqueueEventTx(ctx context.Context, tx pgx.Tx, exchange, routingKey string, payload interface{}) error {
	blob, err := json.Marshal(payload)
	if err != nil {
		return errors.Wrap(err, "marshal outbox event")
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO event_outbox (exchange, routing_key, payload)
		VALUES ($1, $2, $3::jsonb)
	`, strings.TrimSpace(exchange), strings.TrimSpace(routingKey), string(blob))
	if err != nil {
		return errors.Wrap(err, "failed to enqueue outbox event")
	}
	return nil
}

func buildParams(claimAmount, cooldown int64, owner string) domain.FaucetParameters {
	return domain.FaucetParameters{
		ClaimAmount:     domain.Amount(claimAmount),
		CooldownSeconds: clock.Seconds(cooldown),
		Owner:           common.HexToAddress(owner),
	}
}

func derefInt64(v *int64) int64 {
	if v == nil {
		return 0
	}
	return *v
}
