// Package worker executes crawl jobs delivered by the work queue.
package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-orchestrator/internal/crawler"
	"github.com/JakeFAU/crawl-orchestrator/internal/metrics"
	"github.com/JakeFAU/crawl-orchestrator/internal/telemetry"
)

const settleTimeout = 10 * time.Second

// Config controls Worker behavior.
type Config struct {
	// FetchTimeout bounds fetching when a request does not set timeout_seconds.
	FetchTimeout time.Duration
	// MaxFetchTimeout caps timeout_seconds overrides.
	MaxFetchTimeout time.Duration
	SnapshotPrefix  string
	ContentType     string
	// Topic receives terminal job events. Empty disables notifications.
	Topic string
}

// Dependencies are the collaborators a Worker drives. Headless, Detector,
// Access, Limiter, Blobs and Publisher are optional.
type Dependencies struct {
	Store     crawler.JobStore
	Fetcher   crawler.Fetcher
	Headless  crawler.Fetcher
	Detector  crawler.RenderDetector
	Extractor crawler.Extractor
	Access    crawler.AccessPolicy
	Limiter   crawler.RateLimiter
	Blobs     crawler.BlobStore
	Hasher    crawler.Hasher
	Publisher crawler.Publisher
	Clock     crawler.Clock
}

// Worker runs the fetch and extract pipeline for one delivery at a time.
// It is safe to call Handle from many goroutines.
type Worker struct {
	deps   Dependencies
	cfg    Config
	logger *zap.Logger
}

// New constructs a Worker.
func New(cfg Config, deps Dependencies, logger *zap.Logger) (*Worker, error) {
	if deps.Store == nil || deps.Fetcher == nil || deps.Extractor == nil || deps.Clock == nil {
		return nil, errors.New("worker requires a store, fetcher, extractor and clock")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = 30 * time.Second
	}
	if cfg.MaxFetchTimeout < cfg.FetchTimeout {
		cfg.MaxFetchTimeout = cfg.FetchTimeout
	}
	if cfg.ContentType == "" {
		cfg.ContentType = "text/html; charset=utf-8"
	}
	return &Worker{deps: deps, cfg: cfg, logger: logger}, nil
}

// Handle processes one delivery and settles it. The message is acked only once
// the job record holds a terminal state, or when the delivery can never succeed.
func (w *Worker) Handle(ctx context.Context, d crawler.Delivery) {
	msg := d.Message()
	ctx = telemetry.Extract(ctx, msg.Trace)
	ctx, span := telemetry.Tracer().Start(ctx, "worker.handle",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("job.id", msg.ID),
			attribute.Int("delivery.attempt", d.Attempt()),
		),
	)
	defer span.End()

	logger := w.logger.With(
		zap.String("job_id", msg.ID),
		zap.String("url", msg.URL),
		zap.Int("attempt", d.Attempt()),
	)

	job, err := w.deps.Store.Transition(ctx, msg.ID, crawler.MarkProcessing(w.deps.Clock.Now()))
	switch {
	case errors.Is(err, crawler.ErrJobNotFound):
		logger.Warn("job record missing, dropping delivery")
		w.settle(ctx, d, metrics.DeliveryMissing, logger)
		return
	case errors.Is(err, crawler.ErrTerminal):
		logger.Info("job already finished, acking duplicate delivery")
		w.settle(ctx, d, metrics.DeliveryDuplicate, logger)
		return
	case err != nil:
		span.RecordError(err)
		logger.Error("mark job processing failed", zap.Error(err))
		w.settle(ctx, d, metrics.DeliveryNacked, logger)
		return
	}
	logger.Debug("job processing")

	update, err := w.execute(ctx, job, logger)
	if err != nil {
		span.RecordError(err)
		logger.Error("job interrupted, leaving for redelivery", zap.Error(err))
		w.settle(ctx, d, metrics.DeliveryNacked, logger)
		return
	}

	// A finished outcome is recorded even if the worker is stopping.
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), settleTimeout)
	final, err := w.deps.Store.Transition(writeCtx, job.ID, update)
	cancel()
	switch {
	case errors.Is(err, crawler.ErrJobNotFound):
		logger.Warn("job record expired before terminal write")
		w.settle(ctx, d, metrics.DeliveryMissing, logger)
		return
	case err != nil:
		span.RecordError(err)
		logger.Error("terminal write failed", zap.Error(err))
		w.settle(ctx, d, metrics.DeliveryNacked, logger)
		return
	}

	errorKind := ""
	if final.Error != nil {
		errorKind = string(final.Error.Kind)
		span.SetStatus(codes.Error, final.Error.Message)
		logger.Info("job failed",
			zap.String("status", string(final.Status)),
			zap.String("error_kind", errorKind),
			zap.String("error", final.Error.Message),
		)
	} else {
		logger.Info("job completed", zap.String("status", string(final.Status)))
	}
	span.SetAttributes(attribute.String("job.status", string(final.Status)))
	metrics.ObserveJob(string(final.Status), errorKind)

	w.settle(ctx, d, metrics.DeliveryAcked, logger)
	w.notify(ctx, final, logger)
}

// execute runs fetch, extract and snapshot for job and returns the terminal
// update. A non-nil error means the outcome is unknown and the delivery must
// be retried.
func (w *Worker) execute(ctx context.Context, job crawler.Job, logger *zap.Logger) (crawler.Update, error) {
	opts := job.Request.Options
	fetchCtx, cancel := context.WithTimeout(ctx, w.timeoutFor(opts))
	defer cancel()

	page, err := w.fetch(fetchCtx, job, logger)
	if err != nil {
		if ctx.Err() != nil {
			return crawler.Update{}, fmt.Errorf("fetch interrupted: %w", ctx.Err())
		}
		return crawler.MarkFailed(classify(err), w.deps.Clock.Now()), nil
	}

	result, err := w.extractWith(fetchCtx, page, opts)
	if err != nil {
		if ctx.Err() != nil {
			return crawler.Update{}, fmt.Errorf("extract interrupted: %w", ctx.Err())
		}
		return crawler.MarkFailed(classify(err), w.deps.Clock.Now()), nil
	}
	result.URL = page.URL
	result.StatusCode = page.StatusCode
	result.Rendered = page.UsedHeadless
	result.DurationMs = page.Duration.Milliseconds()
	result.FetchedAt = w.deps.Clock.Now()

	if err := w.snapshot(ctx, job, page, &result); err != nil {
		return crawler.Update{}, err
	}
	return crawler.MarkCompleted(result, w.deps.Clock.Now()), nil
}

// fetch picks the plain or headless fetcher for the request. With no explicit
// render choice a plain fetch is promoted to headless when the detector asks.
func (w *Worker) fetch(ctx context.Context, job crawler.Job, logger *zap.Logger) (crawler.FetchResponse, error) {
	opts := job.Request.Options
	if w.deps.Access != nil {
		if err := w.deps.Access.Check(ctx, job.Request.URL); err != nil {
			return crawler.FetchResponse{}, &crawler.FetchError{URL: job.Request.URL, Err: err}
		}
	}
	if w.deps.Limiter != nil {
		if err := w.deps.Limiter.Wait(ctx, job.Request.URL); err != nil {
			return crawler.FetchResponse{}, fmt.Errorf("%w: %w", context.DeadlineExceeded, err)
		}
	}

	request := crawler.FetchRequest{
		JobID:        job.ID,
		URL:          job.Request.URL,
		Headers:      toHeader(opts.Headers),
		WaitSelector: opts.WaitSelector,
		Scroll:       opts.Scroll,
	}

	if opts.Render != nil && *opts.Render {
		if w.deps.Headless != nil {
			return w.fetchWith(ctx, w.deps.Headless, request, true)
		}
		logger.Warn("rendering requested but headless fetching is disabled, using plain fetch")
	}

	resp, err := w.fetchWith(ctx, w.deps.Fetcher, request, false)
	if err != nil || opts.Render != nil || w.deps.Headless == nil || w.deps.Detector == nil {
		return resp, err
	}
	if !w.deps.Detector.ShouldRender(resp) {
		return resp, nil
	}

	logger.Debug("promoting to headless fetch")
	rendered, err := w.fetchWith(ctx, w.deps.Headless, request, true)
	if err != nil {
		logger.Warn("headless promotion failed, keeping plain response", zap.Error(err))
		return resp, nil
	}
	return rendered, nil
}

type fetchOutcome struct {
	resp crawler.FetchResponse
	err  error
}

// fetchWith races fetcher against the ctx deadline so a fetcher that ignores
// cancellation cannot hold the job past its timeout.
func (w *Worker) fetchWith(
	ctx context.Context,
	fetcher crawler.Fetcher,
	request crawler.FetchRequest,
	headless bool,
) (crawler.FetchResponse, error) {
	start := time.Now()
	done := make(chan fetchOutcome, 1)
	go func() {
		resp, err := fetcher.Fetch(ctx, request)
		done <- fetchOutcome{resp: resp, err: err}
	}()

	var out fetchOutcome
	select {
	case out = <-done:
	case <-ctx.Done():
		out.err = fmt.Errorf("fetch %s: %w", request.URL, ctx.Err())
	}
	metrics.ObserveFetch(headless, time.Since(start))

	if out.err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil && !errors.Is(out.err, ctxErr) {
			return out.resp, fmt.Errorf("%w: %w", ctxErr, out.err)
		}
		return out.resp, out.err
	}
	if out.resp.URL == "" {
		out.resp.URL = request.URL
	}
	if headless {
		out.resp.UsedHeadless = true
	}
	if out.resp.StatusCode >= http.StatusBadRequest {
		return out.resp, &crawler.FetchError{
			URL:        out.resp.URL,
			StatusCode: out.resp.StatusCode,
			Err:        errors.New(http.StatusText(out.resp.StatusCode)),
		}
	}
	metrics.ObserveCrawl(metrics.SanitizeSite(out.resp.URL), out.resp.StatusCode, len(out.resp.Body))
	return out.resp, nil
}

type extractOutcome struct {
	result crawler.Result
	err    error
}

// extractWith races the extractor against the same deadline as the fetch.
func (w *Worker) extractWith(ctx context.Context, page crawler.FetchResponse, opts crawler.Options) (crawler.Result, error) {
	done := make(chan extractOutcome, 1)
	go func() {
		result, err := w.deps.Extractor.Extract(ctx, page, opts)
		done <- extractOutcome{result: result, err: err}
	}()
	select {
	case out := <-done:
		return out.result, out.err
	case <-ctx.Done():
		return crawler.Result{}, fmt.Errorf("extract %s: %w", page.URL, ctx.Err())
	}
}

// snapshot hashes the body and, when the job asked for it, stores the raw page.
func (w *Worker) snapshot(ctx context.Context, job crawler.Job, page crawler.FetchResponse, result *crawler.Result) error {
	if w.deps.Hasher == nil {
		return nil
	}
	hash, err := w.deps.Hasher.Hash(page.Body)
	if err != nil {
		return &crawler.InfrastructureError{Op: "hash body", Err: err}
	}
	result.ContentHash = hash

	if !job.Request.Options.Snapshot || w.deps.Blobs == nil {
		return nil
	}
	uri, err := w.deps.Blobs.PutObject(ctx, w.blobPath(job.ID, hash), w.cfg.ContentType, bytes.NewReader(page.Body))
	if err != nil {
		return &crawler.InfrastructureError{Op: "put snapshot", Err: err}
	}
	result.SnapshotURI = uri
	return nil
}

func (w *Worker) blobPath(jobID, hash string) string {
	prefix := strings.Trim(w.cfg.SnapshotPrefix, "/")
	if prefix == "" {
		return fmt.Sprintf("%s/%s.html", jobID, hash)
	}
	return fmt.Sprintf("%s/%s/%s.html", prefix, jobID, hash)
}

func (w *Worker) notify(ctx context.Context, job crawler.Job, logger *zap.Logger) {
	if w.cfg.Topic == "" || w.deps.Publisher == nil {
		return
	}
	id, err := w.deps.Publisher.Publish(ctx, w.cfg.Topic, job.Event())
	if err != nil {
		logger.Warn("publish job event failed", zap.Error(err))
		return
	}
	logger.Debug("job event published", zap.String("message_id", id))
}

// settle acks or nacks d according to outcome. Settlement outlives ctx so a
// stopping worker still hands the message back.
func (w *Worker) settle(ctx context.Context, d crawler.Delivery, outcome string, logger *zap.Logger) {
	settleCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), settleTimeout)
	defer cancel()

	var err error
	if outcome == metrics.DeliveryNacked {
		err = d.Nack(settleCtx)
	} else {
		err = d.Ack(settleCtx)
	}
	if err != nil {
		logger.Error("settle delivery failed", zap.String("outcome", outcome), zap.Error(err))
		return
	}
	metrics.ObserveDelivery(outcome)
}

func (w *Worker) timeoutFor(opts crawler.Options) time.Duration {
	if opts.TimeoutSeconds <= 0 {
		return w.cfg.FetchTimeout
	}
	timeout := time.Duration(opts.TimeoutSeconds) * time.Second
	if timeout > w.cfg.MaxFetchTimeout {
		return w.cfg.MaxFetchTimeout
	}
	return timeout
}

// classify maps a fetch or extract failure onto the client-facing error kinds.
func classify(err error) crawler.JobError {
	var (
		fetchErr   *crawler.FetchError
		extractErr *crawler.ExtractionError
	)
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return crawler.JobError{Kind: crawler.ErrorKindTimeout, Message: err.Error()}
	case errors.As(err, &extractErr):
		return crawler.JobError{Kind: crawler.ErrorKindExtraction, Message: extractErr.Error()}
	case errors.As(err, &fetchErr):
		return crawler.JobError{Kind: crawler.ErrorKindFetch, Message: fetchErr.Error(), StatusCode: fetchErr.StatusCode}
	default:
		return crawler.JobError{Kind: crawler.ErrorKindFetch, Message: err.Error()}
	}
}

func toHeader(headers map[string]string) http.Header {
	if len(headers) == 0 {
		return nil
	}
	out := make(http.Header, len(headers))
	for k, v := range headers {
		out.Set(k, v)
	}
	return out
}
