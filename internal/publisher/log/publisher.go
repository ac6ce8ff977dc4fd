// Package log publishes job events as structured log lines.
package log

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"

	"go.uber.org/zap"
)

// Publisher writes each event to a zap logger.
type Publisher struct {
	logger *zap.Logger
	seq    atomic.Uint64
}

// New creates a log Publisher.
func New(logger *zap.Logger) *Publisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Publisher{logger: logger}
}

// Publish logs the JSON payload under the topic and returns a sequence id.
func (p *Publisher) Publish(_ context.Context, topic string, payload any) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	id := fmt.Sprintf("log-%d", p.seq.Add(1))
	p.logger.Info("job event",
		zap.String("topic", topic),
		zap.String("event_id", id),
		zap.ByteString("payload", data),
	)
	return id, nil
}
