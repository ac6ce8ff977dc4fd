// Package dispatcher feeds queue deliveries to the worker pipeline.
package dispatcher

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-orchestrator/internal/crawler"
	"github.com/JakeFAU/crawl-orchestrator/internal/metrics"
)

// Config controls consumption.
type Config struct {
	// Slots is the number of deliveries handled at once.
	Slots int
	// MinBackoff and MaxBackoff bound the delay before re-attaching a consumer
	// whose stream broke.
	MinBackoff time.Duration
	MaxBackoff time.Duration
}

// Dispatcher keeps a queue consumer attached and fans deliveries out to handler.
type Dispatcher struct {
	queue   crawler.Queue
	handler crawler.Handler
	cfg     Config
	logger  *zap.Logger
}

// New creates a Dispatcher.
func New(queue crawler.Queue, handler crawler.Handler, cfg Config, logger *zap.Logger) *Dispatcher {
	if cfg.Slots <= 0 {
		cfg.Slots = 1
	}
	if cfg.MinBackoff <= 0 {
		cfg.MinBackoff = time.Second
	}
	if cfg.MaxBackoff < cfg.MinBackoff {
		cfg.MaxBackoff = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		queue:   queue,
		handler: handler,
		cfg:     cfg,
		logger:  logger,
	}
}

// Run consumes until ctx finishes. A consumer that fails is re-attached with
// exponential backoff; in-flight deliveries of a broken stream are redelivered
// by the broker.
func (d *Dispatcher) Run(ctx context.Context) error {
	backoff := d.cfg.MinBackoff
	for {
		started := time.Now()
		err := d.queue.Consume(ctx, d.cfg.Slots, d.handle)
		if ctx.Err() != nil {
			return nil
		}
		if err == nil {
			d.logger.Info("queue consumer stopped")
			return nil
		}
		if time.Since(started) > d.cfg.MaxBackoff {
			backoff = d.cfg.MinBackoff
		}
		d.logger.Error("queue consumer failed, reattaching",
			zap.Error(err),
			zap.Duration("backoff", backoff),
		)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, d.cfg.MaxBackoff)
	}
}

// handle tracks the active worker gauge and turns a handler panic into a nack.
func (d *Dispatcher) handle(ctx context.Context, delivery crawler.Delivery) {
	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("handler panic",
				zap.String("job_id", delivery.Message().ID),
				zap.String("panic", fmt.Sprint(r)),
			)
			if err := delivery.Nack(context.WithoutCancel(ctx)); err != nil {
				d.logger.Error("nack after panic failed", zap.Error(err))
			}
			metrics.ObserveDelivery(metrics.DeliveryNacked)
		}
	}()
	d.handler(ctx, delivery)
}
