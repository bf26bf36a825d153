package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"mlmengine/internal/domain"
	"mlmengine/pkg/errors"
	"mlmengine/pkg/logger"
)

// Channel is the part of *amqp.Channel the engine uses.
type Channel interface {
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	Qos(prefetchCount, prefetchSize int, global bool) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// Dial connects to the broker, retrying while the broker comes up.
func Dial(ctx context.Context, url string, log logger.Logger) (*amqp.Connection, error) {
	const maxRetries = 10
	retryDelay := 3 * time.Second

	var lastErr error
	for i := 0; i < maxRetries; i++ {
		conn, err := amqp.Dial(url)
		if err == nil {
			log.Info("Connected to RabbitMQ", nil)
			return conn, nil
		}
		lastErr = err

		if i < maxRetries-1 {
			log.Warn("RabbitMQ connection failed, retrying", map[string]interface{}{
				"attempt": i + 1,
				"error":   err.Error(),
				"delay":   retryDelay.String(),
			})
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(retryDelay):
			}
		}
	}
	return nil, fmt.Errorf("failed to connect to RabbitMQ after %d attempts: %w", maxRetries, lastErr)
}

func declare(ch Channel, queue string) error {
	_, err := ch.QueueDeclare(
		queue,
		true,  // durable
		false, // autoDelete
		false, // exclusive
		false, // noWait
		nil,   // args
	)
	if err != nil {
		return fmt.Errorf("failed to declare queue %s: %w", queue, err)
	}
	return nil
}

// Consumer feeds network events from a queue into the engine, one at a time.
type Consumer struct {
	ch       Channel
	queue    string
	network  NetworkService
	prefetch int
	logger   logger.Logger
}

func NewConsumer(ch Channel, queue string, network NetworkService, log logger.Logger) *Consumer {
	return &Consumer{
		ch:       ch,
		queue:    queue,
		network:  network,
		prefetch: 16,
		logger:   log,
	}
}

// Run consumes until ctx is cancelled or the delivery channel closes.
func (c *Consumer) Run(ctx context.Context) error {
	if err := declare(c.ch, c.queue); err != nil {
		return err
	}
	if err := c.ch.Qos(c.prefetch, 0, false); err != nil {
		return fmt.Errorf("failed to set prefetch: %w", err)
	}

	msgs, err := c.ch.Consume(
		c.queue,
		"",    // consumer
		false, // autoAck
		false, // exclusive
		false, // noLocal
		false, // noWait
		nil,   // args
	)
	if err != nil {
		return fmt.Errorf("failed to consume %s: %w", c.queue, err)
	}

	c.logger.Info("Network event consumer started", map[string]interface{}{"queue": c.queue})
	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-msgs:
			if !ok {
				return fmt.Errorf("delivery channel for %s closed", c.queue)
			}
			c.handle(ctx, d)
		}
	}
}

func (c *Consumer) handle(ctx context.Context, d amqp.Delivery) {
	err := c.process(ctx, d.Body)
	fields := map[string]interface{}{"delivery_tag": d.DeliveryTag}

	switch {
	case err == nil:
		_ = d.Ack(false)
	case errors.Is(err, errors.ErrDuplicateEvent):
		// already applied; redelivery after a lost ack
		fields["error"] = err.Error()
		c.logger.Debug("Duplicate network event acknowledged", fields)
		_ = d.Ack(false)
	case retryable(err):
		fields["error"] = err.Error()
		c.logger.Warn("Network event failed, requeueing", fields)
		_ = d.Nack(false, true)
	default:
		fields["error"] = err.Error()
		c.logger.Error("Network event rejected", fields)
		_ = d.Nack(false, false)
	}
}

func (c *Consumer) process(ctx context.Context, body []byte) error {
	msg, err := Decode(body)
	if err != nil {
		return err
	}
	return Dispatch(ctx, c.network, msg)
}

// LedgerPublisher announces committed commission batches on a queue.
type LedgerPublisher struct {
	ch     Channel
	queue  string
	now    func() time.Time
	logger logger.Logger
}

func NewLedgerPublisher(ch Channel, queue string, log logger.Logger) (*LedgerPublisher, error) {
	if err := declare(ch, queue); err != nil {
		return nil, err
	}
	return &LedgerPublisher{ch: ch, queue: queue, now: time.Now, logger: log}, nil
}

func (p *LedgerPublisher) Publish(ctx context.Context, summary *domain.CycleSummary, entries []*domain.CommissionEntry) error {
	if summary == nil && len(entries) == 0 {
		return nil
	}

	msg := BatchCommitted{
		Type:        TypeBatchCommitted,
		Cycle:       summary,
		Entries:     entries,
		PublishedAt: p.now().UTC(),
	}
	if msg.Entries == nil {
		msg.Entries = []*domain.CommissionEntry{}
	}
	switch {
	case summary != nil:
		msg.PeriodKey = summary.PeriodKey
	case len(entries) > 0:
		msg.PeriodKey = entries[0].PeriodKey
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal batch: %w", err)
	}

	err = p.ch.PublishWithContext(ctx,
		"",      // exchange
		p.queue, // routing key
		false,   // mandatory
		false,   // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    uuid.NewString(),
			Type:         TypeBatchCommitted,
			Timestamp:    msg.PublishedAt,
			Body:         body,
		},
	)
	if err != nil {
		return fmt.Errorf("failed to publish batch: %w", err)
	}

	p.logger.Debug("Commission batch published", map[string]interface{}{
		"queue":   p.queue,
		"period":  msg.PeriodKey,
		"entries": len(entries),
	})
	return nil
}
