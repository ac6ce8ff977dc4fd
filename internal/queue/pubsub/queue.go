// Package pubsub implements the work queue on a Google Cloud Pub/Sub topic
// and subscription.
package pubsub

import (
	"context"
	"encoding/json"
	"fmt"

	"cloud.google.com/go/pubsub"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-orchestrator/internal/crawler"
)

// Config names the project, topic and subscription used for jobs.
type Config struct {
	ProjectID    string
	Topic        string
	Subscription string
}

// Queue publishes job messages to a topic and receives them from a subscription.
type Queue struct {
	client *pubsub.Client
	topic  *pubsub.Topic
	sub    *pubsub.Subscription
	logger *zap.Logger
	owned  bool
}

// New creates a client with Application Default Credentials.
func New(ctx context.Context, cfg Config, logger *zap.Logger) (*Queue, error) {
	if cfg.ProjectID == "" {
		return nil, fmt.Errorf("broker.pubsub.project_id is required")
	}
	client, err := pubsub.NewClient(ctx, cfg.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("create pubsub client: %w", err)
	}
	q, err := NewWithClient(client, cfg, logger)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	q.owned = true
	return q, nil
}

// NewWithClient wraps an existing client; the caller keeps ownership of it.
func NewWithClient(client *pubsub.Client, cfg Config, logger *zap.Logger) (*Queue, error) {
	if client == nil {
		return nil, fmt.Errorf("pubsub client is required")
	}
	if cfg.Topic == "" || cfg.Subscription == "" {
		return nil, fmt.Errorf("pubsub topic and subscription are required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Queue{
		client: client,
		topic:  client.Topic(cfg.Topic),
		sub:    client.Subscription(cfg.Subscription),
		logger: logger,
	}, nil
}

// Publish sends msg and waits for the server to assign an id.
func (q *Queue) Publish(ctx context.Context, msg crawler.JobMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	result := q.topic.Publish(ctx, &pubsub.Message{
		Data:       data,
		Attributes: attributes(msg),
	})
	if _, err := result.Get(ctx); err != nil {
		return fmt.Errorf("publish %s: %w", msg.ID, err)
	}
	return nil
}

// Consume receives with at most slots outstanding messages until ctx ends.
func (q *Queue) Consume(ctx context.Context, slots int, handler crawler.Handler) error {
	if handler == nil {
		return fmt.Errorf("consume: handler is required")
	}
	if slots <= 0 {
		slots = 1
	}
	q.sub.ReceiveSettings.MaxOutstandingMessages = slots
	q.sub.ReceiveSettings.NumGoroutines = 1
	err := q.sub.Receive(ctx, func(ctx context.Context, m *pubsub.Message) {
		var msg crawler.JobMessage
		if err := json.Unmarshal(m.Data, &msg); err != nil || msg.ID == "" {
			q.logger.Error("dropping undecodable message",
				zap.String("message_id", m.ID),
				zap.Int("bytes", len(m.Data)),
				zap.Error(err),
			)
			m.Ack()
			return
		}
		if len(msg.Trace) == 0 {
			msg.Trace = traceFrom(m.Attributes)
		}
		handler(ctx, &delivery{m: m, msg: msg})
	})
	if err != nil {
		return fmt.Errorf("receive %s: %w", q.sub.ID(), err)
	}
	return nil
}

// Ping checks that the topic exists.
func (q *Queue) Ping(ctx context.Context) error {
	ok, err := q.topic.Exists(ctx)
	if err != nil {
		return fmt.Errorf("check topic %s: %w", q.topic.ID(), err)
	}
	if !ok {
		return fmt.Errorf("pubsub topic %s does not exist", q.topic.ID())
	}
	return nil
}

// Close flushes pending publishes and closes the client when owned.
func (q *Queue) Close() error {
	q.topic.Stop()
	if !q.owned {
		return nil
	}
	if err := q.client.Close(); err != nil {
		return fmt.Errorf("close pubsub client: %w", err)
	}
	return nil
}

const jobIDAttribute = "job_id"

// attributes carries the job id and the trace context so subscribers can
// filter and trace without decoding the body.
func attributes(msg crawler.JobMessage) map[string]string {
	attrs := make(map[string]string, len(msg.Trace)+1)
	for k, v := range msg.Trace {
		attrs[k] = v
	}
	attrs[jobIDAttribute] = msg.ID
	return attrs
}

func traceFrom(attrs map[string]string) map[string]string {
	var trace map[string]string
	for k, v := range attrs {
		if k == jobIDAttribute {
			continue
		}
		if trace == nil {
			trace = make(map[string]string, len(attrs))
		}
		trace[k] = v
	}
	return trace
}

type delivery struct {
	m   *pubsub.Message
	msg crawler.JobMessage
}

func (d *delivery) Message() crawler.JobMessage { return d.msg }

// Attempt is only reported by subscriptions with a dead-letter policy;
// otherwise every delivery looks like the first.
func (d *delivery) Attempt() int {
	if d.m.DeliveryAttempt != nil {
		return *d.m.DeliveryAttempt
	}
	return 1
}

func (d *delivery) Ack(context.Context) error {
	d.m.Ack()
	return nil
}

func (d *delivery) Nack(context.Context) error {
	d.m.Nack()
	return nil
}
