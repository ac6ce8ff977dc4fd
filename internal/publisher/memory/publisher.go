// Package memory keeps published job events in memory for tests and
// single-process runs.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/JakeFAU/crawl-orchestrator/internal/crawler"
)

// Publisher records every publish call.
type Publisher struct {
	mu       sync.RWMutex
	messages []Message
	err      error
}

// Message captures one publish call.
type Message struct {
	Topic   string
	Payload any
}

// New returns an empty Publisher.
func New() *Publisher {
	return &Publisher{}
}

// FailWith makes subsequent publishes return err; nil restores success.
func (p *Publisher) FailWith(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.err = err
}

// Publish records the message and returns a sequence id.
func (p *Publisher) Publish(_ context.Context, topic string, payload any) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return "", p.err
	}
	p.messages = append(p.messages, Message{Topic: topic, Payload: payload})
	return fmt.Sprintf("memory-%d", len(p.messages)), nil
}

// Messages returns a copy of the recorded publishes.
func (p *Publisher) Messages() []Message {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]Message, len(p.messages))
	copy(out, p.messages)
	return out
}

// Events returns the job events published to topic, in order.
func (p *Publisher) Events(topic string) []crawler.JobEvent {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var out []crawler.JobEvent
	for _, m := range p.messages {
		if ev, ok := m.Payload.(crawler.JobEvent); ok && m.Topic == topic {
			out = append(out, ev)
		}
	}
	return out
}
