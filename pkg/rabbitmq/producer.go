/**
 * @description
 * This package provides a producer for publishing faucet events to RabbitMQ. The
 * outbox dispatcher is its only caller: events are written to the outbox in the
 * same transaction as the state change and published from there.
 *
 * @dependencies
 * - github.com/rabbitmq/amqp091-go: The RabbitMQ client library.
 * - go.uber.org/zap: Structured logging.
 */
package rabbitmq

import (
	"context"
	"encoding/json"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// Publisher is the interface implemented by types that can publish events.
type Publisher interface {
	Publish(ctx context.Context, exchange, routingKey string, body interface{}) error
	Close()
}

// EventProducer publishes JSON messages to durable topic exchanges.
type EventProducer struct {
	mu       sync.Mutex
	conn     *amqp.Connection
	channel  *amqp.Channel
	declared map[string]bool
	log      *zap.SugaredLogger
}

// EventProducerFallback is a no-op publisher used when RabbitMQ is not configured.
// It logs every event instead so the service can still run.
type EventProducerFallback struct {
	Log *zap.SugaredLogger
}

func (p *EventProducerFallback) Publish(ctx context.Context, exchange, routingKey string, body interface{}) error {
	if p.Log != nil {
		p.Log.Warnw("publish skipped", "mode", "fallback", "exchange", exchange, "routing_key", routingKey)
	}
	return nil
}

func (p *EventProducerFallback) Close() {}

func sanitizeAMQPURL(raw string) (string, error) {
	clean := strings.TrimSpace(raw)
	clean = strings.Trim(clean, "\"'")
	if idx := strings.Index(strings.ToLower(clean), "amqp"); idx > 0 {
		clean = clean[idx:]
	}
	u, err := url.Parse(clean)
	if err != nil {
		return "", err
	}
	if u.Scheme != "amqp" && u.Scheme != "amqps" {
		return "", errors.New("AMQP scheme must be either 'amqp://' or 'amqps://'")
	}
	return clean, nil
}

// NewEventProducer dials RabbitMQ and opens a channel.
func NewEventProducer(amqpURL string, log *zap.SugaredLogger) (*EventProducer, error) {
	cleanURL, err := sanitizeAMQPURL(amqpURL)
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}

	conn, err := amqp.DialConfig(cleanURL, amqp.Config{Dial: amqp.DefaultDial(10 * time.Second)})
	if err != nil {
		return nil, errors.Wrap(err, "dial rabbitmq")
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, errors.Wrap(err, "open rabbitmq channel")
	}

	return &EventProducer{
		conn:     conn,
		channel:  ch,
		declared: make(map[string]bool),
		log:      log.Named("rabbitmq_producer"),
	}, nil
}

// Publish sends body as JSON. A failed publish reopens the channel and retries once.
func (p *EventProducer) Publish(ctx context.Context, exchange, routingKey string, body interface{}) error {
	jsonBody, err := json.Marshal(body)
	if err != nil {
		return errors.Wrap(err, "marshal event body")
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	err = p.publishLocked(ctx, exchange, routingKey, jsonBody)
	if err == nil {
		return nil
	}
	p.log.Warnw("publish failed; reopening channel", "exchange", exchange, "routing_key", routingKey, "err", err)

	if reopenErr := p.reopenLocked(); reopenErr != nil {
		return errors.CombineErrors(err, reopenErr)
	}
	if err := p.publishLocked(ctx, exchange, routingKey, jsonBody); err != nil {
		return errors.Wrapf(err, "publish to %s after retry", exchange)
	}
	return nil
}

func (p *EventProducer) publishLocked(ctx context.Context, exchange, routingKey string, body []byte) error {
	if !p.declared[exchange] {
		if err := p.channel.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
			return errors.Wrapf(err, "declare exchange %s", exchange)
		}
		p.declared[exchange] = true
	}
	return p.channel.PublishWithContext(ctx, exchange, routingKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now(),
		Body:         body,
	})
}

func (p *EventProducer) reopenLocked() error {
	if p.conn == nil || p.conn.IsClosed() {
		return errors.New("rabbitmq connection closed")
	}
	ch, err := p.conn.Channel()
	if err != nil {
		return errors.Wrap(err, "reopen rabbitmq channel")
	}
	if p.channel != nil {
		_ = p.channel.Close()
	}
	p.channel = ch
	p.declared = make(map[string]bool)
	return nil
}

// Close closes the RabbitMQ channel and connection.
func (p *EventProducer) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.channel != nil {
		_ = p.channel.Close()
	}
	if p.conn != nil {
		_ = p.conn.Close()
	}
}
