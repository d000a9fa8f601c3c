package app

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/panjf2000/ants/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/govinda777/zerodev-token-shop-sub001/internal/store"
	"github.com/govinda777/zerodev-token-shop-sub001/pkg/rabbitmq"
)

type publisherStub struct {
	mu        sync.Mutex
	published []string
	err       error
	closed    int
}

func (p *publisherStub) Publish(ctx context.Context, exchange, routingKey string, body interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	raw, ok := body.(json.RawMessage)
	if !ok {
		return errors.Newf("unexpected body type %T", body)
	}
	p.published = append(p.published, exchange+"/"+routingKey+"/"+string(raw))
	return nil
}

func (p *publisherStub) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed++
}

type outboxStoreStub struct {
	store.OutboxStore
	messages  []store.OutboxMessage
	published []int64
	failed    map[int64]int
}

func (s *outboxStoreStub) ClaimOutboxMessages(ctx context.Context, limit int, staleAfterSeconds int) ([]store.OutboxMessage, error) {
	out := s.messages
	s.messages = nil
	return out, nil
}

func (s *outboxStoreStub) MarkOutboxPublished(ctx context.Context, id int64) error {
	s.published = append(s.published, id)
	return nil
}

func (s *outboxStoreStub) MarkOutboxFailed(ctx context.Context, id int64, retryAfterSeconds int, reason string) error {
	if s.failed == nil {
		s.failed = map[int64]int{}
	}
	s.failed[id] = retryAfterSeconds
	return nil
}

func newTestPool(t *testing.T) *ants.Pool {
	t.Helper()
	pool, err := ants.NewPool(1)
	require.NoError(t, err)
	t.Cleanup(pool.Release)
	return pool
}

func TestOutboxDispatcherPublishesPendingMessages(t *testing.T) {
	repo := &outboxStoreStub{messages: []store.OutboxMessage{
		{ID: 1, Exchange: "faucet.events", RoutingKey: "faucet.tokens_claimed", Payload: []byte(`{"amount":25}`), Attempts: 1},
		{ID: 2, Exchange: "faucet.events", RoutingKey: "faucet.pool_topped_up", Payload: []byte(`{"amount":40}`), Attempts: 1},
	}}
	publisher := &publisherStub{}
	dials := 0
	d := NewOutboxDispatcher(repo, func() (rabbitmq.Publisher, error) {
		dials++
		return publisher, nil
	}, NewMetrics(), nil)

	require.NoError(t, d.flushOnce(context.Background(), newTestPool(t)))

	assert.Equal(t, 1, dials)
	assert.ElementsMatch(t, []int64{1, 2}, repo.published)
	assert.ElementsMatch(t, []string{
		`faucet.events/faucet.tokens_claimed/{"amount":25}`,
		`faucet.events/faucet.pool_topped_up/{"amount":40}`,
	}, publisher.published)
	assert.Zero(t, publisher.closed)
}

func TestOutboxDispatcherSchedulesRetryOnFailure(t *testing.T) {
	repo := &outboxStoreStub{messages: []store.OutboxMessage{
		{ID: 7, Exchange: "faucet.events", RoutingKey: "faucet.tokens_claimed", Payload: []byte(`{}`), Attempts: 3},
		{ID: 8, Exchange: "faucet.events", RoutingKey: "faucet.tokens_claimed", Payload: []byte(`not json`), Attempts: 1},
	}}
	publisher := &publisherStub{err: errors.New("channel closed")}
	d := NewOutboxDispatcher(repo, func() (rabbitmq.Publisher, error) { return publisher, nil }, nil, nil)

	require.NoError(t, d.flushOnce(context.Background(), newTestPool(t)))

	assert.Empty(t, repo.published)
	assert.Equal(t, map[int64]int{7: 8, 8: 2}, repo.failed)
	assert.Equal(t, 1, publisher.closed, "a failed batch must drop the producer so the next one redials")
}

func TestOutboxDispatcherDialFailure(t *testing.T) {
	repo := &outboxStoreStub{messages: []store.OutboxMessage{{ID: 1, Payload: []byte(`{}`), Attempts: 1}}}
	d := NewOutboxDispatcher(repo, func() (rabbitmq.Publisher, error) {
		return nil, errors.New("connection refused")
	}, nil, nil)

	err := d.flushOnce(context.Background(), newTestPool(t))
	assert.Error(t, err)
	assert.Equal(t, map[int64]int{1: 2}, repo.failed)
}

func TestRetryDelaySeconds(t *testing.T) {
	tests := []struct {
		attempt int
		want    int
	}{
		{attempt: 0, want: 1},
		{attempt: 1, want: 2},
		{attempt: 3, want: 8},
		{attempt: 8, want: 256},
		{attempt: 9, want: 300},
		{attempt: 50, want: 300},
	}
	for _, tt := range tests {
		if got := retryDelaySeconds(tt.attempt); got != tt.want {
			t.Fatalf("retryDelaySeconds(%d) = %d, want %d", tt.attempt, got, tt.want)
		}
	}
}
