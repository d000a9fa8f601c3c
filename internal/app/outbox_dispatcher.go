package app

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/panjf2000/ants/v2"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/govinda777/zerodev-token-shop-sub001/internal/store"
	"github.com/govinda777/zerodev-token-shop-sub001/pkg/rabbitmq"
)

const (
	defaultBatchSize       = 50
	defaultPollInterval    = 1200 * time.Millisecond
	defaultStaleProcessing = 2 * time.Minute
	defaultPublishWorkers  = 8
)

// PublisherDialer opens a publisher. It is called lazily and again after a failed batch.
type PublisherDialer func() (rabbitmq.Publisher, error)

// OutboxDispatcher publishes outbox events to RabbitMQ on a bounded worker pool.
type OutboxDispatcher struct {
	repo                store.OutboxStore
	dial                PublisherDialer
	batchSize           int
	pollInterval        time.Duration
	staleProcessingTime time.Duration
	workers             int
	metrics             *Metrics
	log                 *zap.SugaredLogger

	producer rabbitmq.Publisher
}

func NewOutboxDispatcher(repo store.OutboxStore, dial PublisherDialer, metrics *Metrics, log *zap.SugaredLogger) *OutboxDispatcher {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &OutboxDispatcher{
		repo:                repo,
		dial:                dial,
		batchSize:           defaultBatchSize,
		pollInterval:        defaultPollInterval,
		staleProcessingTime: defaultStaleProcessing,
		workers:             defaultPublishWorkers,
		metrics:             metrics,
		log:                 log.Named("outbox"),
	}
}

// SetPollInterval overrides the default poll interval.
func (d *OutboxDispatcher) SetPollInterval(interval time.Duration) {
	if interval > 0 {
		d.pollInterval = interval
	}
}

// Run polls the outbox until ctx is cancelled.
func (d *OutboxDispatcher) Run(ctx context.Context) {
	pool, err := ants.NewPool(d.workers, ants.WithNonblocking(false))
	if err != nil {
		d.log.Errorw("failed to start publish pool", "err", err)
		return
	}
	defer pool.Release()
	defer d.closeProducer()

	ticker := time.NewTicker(d.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := d.flushOnce(ctx, pool); err != nil {
				d.log.Warnw("outbox flush error", "err", err)
			}
		}
	}
}

func (d *OutboxDispatcher) flushOnce(ctx context.Context, pool *ants.Pool) error {
	staleAfterSeconds := int(d.staleProcessingTime.Seconds())
	messages, err := d.repo.ClaimOutboxMessages(ctx, d.batchSize, staleAfterSeconds)
	if err != nil {
		return err
	}
	if len(messages) == 0 {
		return nil
	}

	producer, err := d.ensureProducer()
	if err != nil {
		for _, message := range messages {
			d.markFailed(ctx, message, err)
		}
		return err
	}

	var (
		wg     sync.WaitGroup
		failed atomic.Bool
	)
	for _, message := range messages {
		message := message
		wg.Add(1)
		submitErr := pool.Submit(func() {
			defer wg.Done()
			if err := publishMessage(ctx, producer, message); err != nil {
				failed.Store(true)
				d.markFailed(ctx, message, err)
				return
			}
			d.metrics.observeOutbox("published")
			if err := d.repo.MarkOutboxPublished(ctx, message.ID); err != nil {
				d.log.Errorw("failed to mark outbox message as published", "id", message.ID, "err", err)
			}
		})
		if submitErr != nil {
			wg.Done()
			d.markFailed(ctx, message, submitErr)
		}
	}
	wg.Wait()

	if failed.Load() {
		d.closeProducer()
	}
	return nil
}

func (d *OutboxDispatcher) markFailed(ctx context.Context, message store.OutboxMessage, cause error) {
	d.metrics.observeOutbox("failed")
	retryAfter := retryDelaySeconds(message.Attempts)
	d.log.Warnw("outbox publish failed", "id", message.ID, "routing_key", message.RoutingKey, "attempts", message.Attempts, "retry_after_seconds", retryAfter, "err", cause)
	if err := d.repo.MarkOutboxFailed(ctx, message.ID, retryAfter, cause.Error()); err != nil {
		d.log.Errorw("failed to mark outbox message as failed", "id", message.ID, "err", err)
	}
}

func publishMessage(ctx context.Context, producer rabbitmq.Publisher, message store.OutboxMessage) error {
	if !json.Valid(message.Payload) {
		return errors.Newf("outbox message %d has invalid json payload", message.ID)
	}
	return producer.Publish(ctx, message.Exchange, message.RoutingKey, json.RawMessage(message.Payload))
}

func (d *OutboxDispatcher) ensureProducer() (rabbitmq.Publisher, error) {
	if d.producer != nil {
		return d.producer, nil
	}
	if d.dial == nil {
		return nil, errors.New("no publisher configured")
	}
	producer, err := d.dial()
	if err != nil {
		return nil, errors.Wrap(err, "dial publisher")
	}
	d.producer = producer
	return producer, nil
}

func (d *OutboxDispatcher) closeProducer() {
	if d.producer != nil {
		d.producer.Close()
		d.producer = nil
	}
}

func retryDelaySeconds(attempt int) int {
	if attempt < 1 {
		return 1
	}
	delay := 1 << minInt(attempt, 9)
	if delay > 300 {
		return 300
	}
	return delay
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
