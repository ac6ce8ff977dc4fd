// Package jobs implements crawl submission, status lookup and reconciliation
// of records that never reached the work queue.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-orchestrator/internal/crawler"
	"github.com/JakeFAU/crawl-orchestrator/internal/metrics"
	"github.com/JakeFAU/crawl-orchestrator/internal/telemetry"
)

// Submission outcomes recorded in metrics.
const (
	SubmissionAccepted    = "accepted"
	SubmissionInvalid     = "invalid"
	SubmissionUnavailable = "unavailable"
)

const publishTimeout = 5 * time.Second

// Service accepts crawl requests and answers status queries.
type Service struct {
	store  crawler.JobStore
	queue  crawler.Queue
	ids    crawler.IDGenerator
	clock  crawler.Clock
	logger *zap.Logger
}

// NewService constructs a Service.
func NewService(
	store crawler.JobStore,
	queue crawler.Queue,
	ids crawler.IDGenerator,
	clock crawler.Clock,
	logger *zap.Logger,
) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		store:  store,
		queue:  queue,
		ids:    ids,
		clock:  clock,
		logger: logger,
	}
}

// Submit validates req, records a pending job and publishes it. The record is
// written before the message so a worker never sees an id the store lacks.
func (s *Service) Submit(ctx context.Context, req crawler.Request) (string, error) {
	ctx, span := telemetry.Tracer().Start(ctx, "jobs.submit",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(attribute.String("crawl.url", req.URL)),
	)
	defer span.End()

	if err := req.Validate(); err != nil {
		metrics.ObserveSubmission(SubmissionInvalid)
		return "", err
	}

	id, err := s.ids.NewID()
	if err != nil {
		metrics.ObserveSubmission(SubmissionUnavailable)
		return "", &crawler.InfrastructureError{Op: "generate job id", Err: err}
	}
	span.SetAttributes(attribute.String("job.id", id))
	logger := s.logger.With(zap.String("job_id", id), zap.String("url", req.URL))

	job := crawler.NewJob(id, req, s.clock.Now())
	if err := s.store.Create(ctx, job); err != nil {
		span.RecordError(err)
		metrics.ObserveSubmission(SubmissionUnavailable)
		logger.Error("create job record failed", zap.Error(err))
		return "", &crawler.InfrastructureError{Op: "create job", Err: err}
	}

	msg := job.Message()
	msg.Trace = telemetry.Inject(ctx)
	publishCtx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	if err := s.queue.Publish(publishCtx, msg); err != nil {
		span.RecordError(err)
		metrics.ObserveSubmission(SubmissionUnavailable)
		logger.Error("publish job failed", zap.Error(err))
		s.discard(ctx, id, logger)
		return "", &crawler.InfrastructureError{Op: "publish job", Err: err}
	}

	metrics.ObserveSubmission(SubmissionAccepted)
	logger.Info("job submitted")
	return id, nil
}

// discard removes a record whose message never reached the queue. A record
// that survives is picked up by the sweeper.
func (s *Service) discard(ctx context.Context, id string, logger *zap.Logger) {
	deleteCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()
	if err := s.store.Delete(deleteCtx, id); err != nil {
		logger.Warn("discard unpublished job failed, leaving it for the sweeper", zap.Error(err))
	}
}

// Status returns the current record for id. Unknown and expired ids yield
// crawler.ErrJobNotFound.
func (s *Service) Status(ctx context.Context, id string) (crawler.Job, error) {
	job, err := s.store.Get(ctx, id)
	if err != nil {
		if errors.Is(err, crawler.ErrJobNotFound) {
			return crawler.Job{}, err
		}
		return crawler.Job{}, &crawler.InfrastructureError{Op: "get job", Err: err}
	}
	return job, nil
}

// Ready checks that the store and queue respond.
func (s *Service) Ready(ctx context.Context) error {
	if err := s.store.Ping(ctx); err != nil {
		return fmt.Errorf("store: %w", err)
	}
	if err := s.queue.Ping(ctx); err != nil {
		return fmt.Errorf("queue: %w", err)
	}
	return nil
}
