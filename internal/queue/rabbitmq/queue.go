// Package rabbitmq implements the work queue on a durable RabbitMQ queue.
package rabbitmq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-orchestrator/internal/crawler"
)

// Config describes the broker connection and queue.
type Config struct {
	URL         string
	Queue       string
	ConsumerTag string
}

// channel is the subset of *amqp.Channel used by the queue.
type channel interface {
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Qos(prefetchCount, prefetchSize int, global bool) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Cancel(consumer string, noWait bool) error
	IsClosed() bool
	Close() error
}

// Queue publishes persistent messages and consumes them with manual acks.
type Queue struct {
	cfg         Config
	logger      *zap.Logger
	pubMu       sync.Mutex
	pub         channel
	openChannel func() (channel, error)
	closeConn   func() error
}

// New dials the broker and declares the durable queue.
func New(cfg Config, logger *zap.Logger) (*Queue, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("broker.rabbitmq.url is required")
	}
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("dial rabbitmq: %w", err)
	}
	open := func() (channel, error) {
		ch, err := conn.Channel()
		if err != nil {
			return nil, fmt.Errorf("open channel: %w", err)
		}
		return ch, nil
	}
	q, err := newQueue(cfg, logger, open, conn.Close)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	return q, nil
}

func newQueue(cfg Config, logger *zap.Logger, open func() (channel, error), closeConn func() error) (*Queue, error) {
	if cfg.Queue == "" {
		cfg.Queue = "crawl_jobs"
	}
	if cfg.ConsumerTag == "" {
		cfg.ConsumerTag = "crawl-worker"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	pub, err := open()
	if err != nil {
		return nil, err
	}
	if _, err := pub.QueueDeclare(cfg.Queue, true, false, false, false, nil); err != nil {
		_ = pub.Close()
		return nil, fmt.Errorf("declare queue %s: %w", cfg.Queue, err)
	}
	return &Queue{
		cfg:         cfg,
		logger:      logger,
		pub:         pub,
		openChannel: open,
		closeConn:   closeConn,
	}, nil
}

// Publish sends msg as a persistent JSON message to the default exchange.
func (q *Queue) Publish(ctx context.Context, msg crawler.JobMessage) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	q.pubMu.Lock()
	defer q.pubMu.Unlock()
	err = q.pub.PublishWithContext(ctx, "", q.cfg.Queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    msg.ID,
		Timestamp:    time.Now().UTC(),
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("publish %s: %w", msg.ID, err)
	}
	return nil
}

// Consume opens a dedicated channel with prefetch=slots and runs slots
// handlers until ctx ends or the broker closes the delivery stream.
func (q *Queue) Consume(ctx context.Context, slots int, handler crawler.Handler) error {
	if handler == nil {
		return fmt.Errorf("consume: handler is required")
	}
	if slots <= 0 {
		slots = 1
	}
	ch, err := q.openChannel()
	if err != nil {
		return err
	}
	defer func() { _ = ch.Close() }()

	if err := ch.Qos(slots, 0, false); err != nil {
		return fmt.Errorf("set qos: %w", err)
	}
	deliveries, err := ch.Consume(q.cfg.Queue, q.cfg.ConsumerTag, false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume %s: %w", q.cfg.Queue, err)
	}

	var wg sync.WaitGroup
	for i := 0; i < slots; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case raw, ok := <-deliveries:
					if !ok {
						return
					}
					q.dispatch(ctx, raw, handler)
				}
			}
		}()
	}
	wg.Wait()

	if ctx.Err() != nil {
		if err := ch.Cancel(q.cfg.ConsumerTag, false); err != nil && !errors.Is(err, amqp.ErrClosed) {
			q.logger.Warn("cancel consumer failed", zap.Error(err))
		}
		return nil
	}
	return fmt.Errorf("consume %s: delivery channel closed", q.cfg.Queue)
}

func (q *Queue) dispatch(ctx context.Context, raw amqp.Delivery, handler crawler.Handler) {
	var msg crawler.JobMessage
	if err := json.Unmarshal(raw.Body, &msg); err != nil || msg.ID == "" {
		q.logger.Error("dropping undecodable message",
			zap.String("message_id", raw.MessageId),
			zap.Int("bytes", len(raw.Body)),
			zap.Error(err),
		)
		if ackErr := raw.Ack(false); ackErr != nil {
			q.logger.Warn("ack poison message failed", zap.Error(ackErr))
		}
		return
	}
	handler(ctx, &delivery{raw: raw, msg: msg})
}

// Ping reports whether the publishing channel is still open.
func (q *Queue) Ping(context.Context) error {
	if q.pub.IsClosed() {
		return fmt.Errorf("rabbitmq channel closed")
	}
	return nil
}

// Close closes the publishing channel and the connection.
func (q *Queue) Close() error {
	var errs []error
	if err := q.pub.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
		errs = append(errs, fmt.Errorf("close channel: %w", err))
	}
	if q.closeConn != nil {
		if err := q.closeConn(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			errs = append(errs, fmt.Errorf("close connection: %w", err))
		}
	}
	return errors.Join(errs...)
}

type delivery struct {
	raw amqp.Delivery
	msg crawler.JobMessage
}

func (d *delivery) Message() crawler.JobMessage { return d.msg }

// Attempt uses the quorum-queue delivery count when present and falls back
// to the redelivered flag.
func (d *delivery) Attempt() int {
	if count, ok := deliveryCount(d.raw.Headers); ok {
		return int(count) + 1
	}
	if d.raw.Redelivered {
		return 2
	}
	return 1
}

func (d *delivery) Ack(context.Context) error {
	if err := d.raw.Ack(false); err != nil {
		return fmt.Errorf("ack %s: %w", d.msg.ID, err)
	}
	return nil
}

func (d *delivery) Nack(context.Context) error {
	if err := d.raw.Nack(false, true); err != nil {
		return fmt.Errorf("nack %s: %w", d.msg.ID, err)
	}
	return nil
}

func deliveryCount(headers amqp.Table) (int64, bool) {
	switch v := headers["x-delivery-count"].(type) {
	case int64:
		return v, true
	case int32:
		return int64(v), true
	case int:
		return int64(v), true
	default:
		return 0, false
	}
}
