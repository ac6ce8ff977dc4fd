// Package memory provides an in-process work queue for local development and tests.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/JakeFAU/crawl-orchestrator/internal/crawler"
)

var (
	// ErrClosed is returned once the queue has been closed.
	ErrClosed = errors.New("queue closed")
	// ErrFull is returned when Publish would exceed the configured capacity.
	ErrFull = errors.New("queue full")
	// ErrNotInFlight is returned when settling a delivery that was already
	// settled or whose ack deadline passed.
	ErrNotInFlight = errors.New("delivery not in flight")
)

// Config tunes the in-memory queue.
type Config struct {
	// Capacity bounds ready plus in-flight messages; zero means unbounded.
	Capacity int
	// AckDeadline is how long a delivery may stay unsettled before it is
	// redelivered; zero disables redelivery on timeout.
	AckDeadline time.Duration
}

type envelope struct {
	msg        crawler.JobMessage
	deliveries int
}

type inflight struct {
	env      envelope
	deadline time.Time
}

// Queue retains every message until it is acked. Nacked or expired
// deliveries go back to the ready list.
type Queue struct {
	mu       sync.Mutex
	ready    []envelope
	inflight map[uint64]*inflight
	next     uint64
	cfg      Config
	signal   chan struct{}
	done     chan struct{}
	closed   bool
}

// NewQueue constructs an empty queue.
func NewQueue(cfg Config) *Queue {
	return &Queue{
		inflight: make(map[uint64]*inflight),
		cfg:      cfg,
		signal:   make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
}

// Publish appends a message to the ready list.
func (q *Queue) Publish(ctx context.Context, msg crawler.JobMessage) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("publish canceled: %w", err)
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return fmt.Errorf("publish %s: %w", msg.ID, ErrClosed)
	}
	if q.cfg.Capacity > 0 && len(q.ready)+len(q.inflight) >= q.cfg.Capacity {
		return fmt.Errorf("publish %s: %w", msg.ID, ErrFull)
	}
	q.ready = append(q.ready, envelope{msg: msg})
	q.notify()
	return nil
}

// Consume runs slots workers that hand deliveries to handler until ctx ends
// or the queue is closed.
func (q *Queue) Consume(ctx context.Context, slots int, handler crawler.Handler) error {
	if handler == nil {
		return fmt.Errorf("consume: handler is required")
	}
	if slots <= 0 {
		slots = 1
	}
	var wg sync.WaitGroup
	if q.cfg.AckDeadline > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			q.reap(ctx)
		}()
	}
	for i := 0; i < slots; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				d, ok := q.take(ctx)
				if !ok {
					return
				}
				handler(ctx, d)
			}
		}()
	}
	wg.Wait()
	return nil
}

// Ping reports whether the queue still accepts work.
func (q *Queue) Ping(context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	return nil
}

// Close stops consumers; unsettled messages are dropped with the process.
func (q *Queue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil
	}
	q.closed = true
	close(q.done)
	return nil
}

// Depth reports ready and in-flight message counts.
func (q *Queue) Depth() (ready, inFlight int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ready), len(q.inflight)
}

func (q *Queue) take(ctx context.Context) (*delivery, bool) {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return nil, false
		}
		if len(q.ready) > 0 {
			env := q.ready[0]
			q.ready = q.ready[1:]
			env.deliveries++
			q.next++
			token := q.next
			entry := &inflight{env: env}
			if q.cfg.AckDeadline > 0 {
				entry.deadline = time.Now().Add(q.cfg.AckDeadline)
			}
			q.inflight[token] = entry
			if len(q.ready) > 0 {
				q.notify()
			}
			q.mu.Unlock()
			return &delivery{queue: q, token: token, msg: env.msg, attempt: env.deliveries}, true
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, false
		case <-q.done:
			return nil, false
		case <-q.signal:
		}
	}
}

func (q *Queue) settle(token uint64, requeue bool) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	entry, ok := q.inflight[token]
	if !ok {
		return ErrNotInFlight
	}
	delete(q.inflight, token)
	if requeue && !q.closed {
		q.ready = append(q.ready, entry.env)
		q.notify()
	}
	return nil
}

func (q *Queue) reap(ctx context.Context) {
	interval := q.cfg.AckDeadline / 4
	if interval < 5*time.Millisecond {
		interval = 5 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-q.done:
			return
		case now := <-ticker.C:
			q.requeueExpired(now)
		}
	}
}

func (q *Queue) requeueExpired(now time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for token, entry := range q.inflight {
		if entry.deadline.IsZero() || now.Before(entry.deadline) {
			continue
		}
		delete(q.inflight, token)
		q.ready = append(q.ready, entry.env)
	}
	if len(q.ready) > 0 {
		q.notify()
	}
}

// notify must be called with mu held.
func (q *Queue) notify() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

type delivery struct {
	queue   *Queue
	token   uint64
	msg     crawler.JobMessage
	attempt int
}

func (d *delivery) Message() crawler.JobMessage { return d.msg }

func (d *delivery) Attempt() int { return d.attempt }

func (d *delivery) Ack(context.Context) error {
	if err := d.queue.settle(d.token, false); err != nil {
		return fmt.Errorf("ack %s: %w", d.msg.ID, err)
	}
	return nil
}

func (d *delivery) Nack(context.Context) error {
	if err := d.queue.settle(d.token, true); err != nil {
		return fmt.Errorf("nack %s: %w", d.msg.ID, err)
	}
	return nil
}
