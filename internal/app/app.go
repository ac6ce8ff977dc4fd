// Package app builds the service graph from configuration and runs its roles.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"cloud.google.com/go/storage"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/crawl-orchestrator/internal/api"
	"github.com/JakeFAU/crawl-orchestrator/internal/clock"
	"github.com/JakeFAU/crawl-orchestrator/internal/config"
	"github.com/JakeFAU/crawl-orchestrator/internal/crawler"
	"github.com/JakeFAU/crawl-orchestrator/internal/dispatcher"
	"github.com/JakeFAU/crawl-orchestrator/internal/extract"
	collyfetcher "github.com/JakeFAU/crawl-orchestrator/internal/fetcher/colly"
	headlessfetcher "github.com/JakeFAU/crawl-orchestrator/internal/fetcher/headless"
	"github.com/JakeFAU/crawl-orchestrator/internal/hash"
	"github.com/JakeFAU/crawl-orchestrator/internal/headless/detector"
	"github.com/JakeFAU/crawl-orchestrator/internal/id/uuid"
	"github.com/JakeFAU/crawl-orchestrator/internal/jobs"
	"github.com/JakeFAU/crawl-orchestrator/internal/metrics"
	"github.com/JakeFAU/crawl-orchestrator/internal/policy/access"
	"github.com/JakeFAU/crawl-orchestrator/internal/policy/ratelimit"
	logpublisher "github.com/JakeFAU/crawl-orchestrator/internal/publisher/log"
	pubsubpublisher "github.com/JakeFAU/crawl-orchestrator/internal/publisher/pubsub"
	memoryqueue "github.com/JakeFAU/crawl-orchestrator/internal/queue/memory"
	pubsubqueue "github.com/JakeFAU/crawl-orchestrator/internal/queue/pubsub"
	"github.com/JakeFAU/crawl-orchestrator/internal/queue/rabbitmq"
	gcsstorage "github.com/JakeFAU/crawl-orchestrator/internal/storage/gcs"
	localstorage "github.com/JakeFAU/crawl-orchestrator/internal/storage/local"
	memorystorage "github.com/JakeFAU/crawl-orchestrator/internal/storage/memory"
	"github.com/JakeFAU/crawl-orchestrator/internal/storage/postgres"
	redisstore "github.com/JakeFAU/crawl-orchestrator/internal/storage/redis"
	"github.com/JakeFAU/crawl-orchestrator/internal/telemetry"
	"github.com/JakeFAU/crawl-orchestrator/internal/worker"
)

// Role selects which loops a process runs.
type Role string

// Process roles.
const (
	RoleAPI    Role = "api"
	RoleWorker Role = "worker"
	RoleAll    Role = "all"
)

// App contains the application's dependencies.
type App struct {
	cfg    config.Config
	logger *zap.Logger

	store      crawler.JobStore
	queue      crawler.Queue
	jobs       *jobs.Service
	sweeper    *jobs.Sweeper
	dispatch   *dispatcher.Dispatcher
	apiServer  *api.Server
	closers    []closer
	httpServer *http.Server
}

type closer struct {
	name string
	fn   func(ctx context.Context) error
}

// Build creates the application's dependencies. On error, everything built so
// far is closed.
func Build(ctx context.Context, cfg config.Config, logger *zap.Logger) (_ *App, err error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			_ = a.Close(context.WithoutCancel(ctx))
		}
	}()

	metrics.Init()
	tp, err := telemetry.InitTracerProvider(ctx, telemetry.Config{
		ServiceName: cfg.Tracing.ServiceName,
		SampleRatio: cfg.Tracing.SampleRatio,
	})
	if err != nil {
		return nil, fmt.Errorf("tracer init failed: %w", err)
	}
	a.onClose("tracer", tp.Shutdown)

	wall := clock.New()
	if a.store, err = a.setupStore(ctx, wall); err != nil {
		return nil, err
	}
	if a.queue, err = a.setupQueue(ctx); err != nil {
		return nil, err
	}

	a.jobs = jobs.NewService(a.store, a.queue, uuid.New(), wall, logger.Named("jobs"))
	a.sweeper = jobs.NewSweeper(a.store, a.queue, wall, jobs.SweeperConfig{
		Interval:  time.Duration(cfg.Sweeper.IntervalSeconds) * time.Second,
		Grace:     time.Duration(cfg.Sweeper.GraceSeconds) * time.Second,
		BatchSize: cfg.Sweeper.BatchSize,
	}, logger.Named("sweeper"))

	w, err := a.setupWorker(ctx, wall)
	if err != nil {
		return nil, err
	}
	a.dispatch = dispatcher.New(a.queue, w.Handle, dispatcher.Config{Slots: cfg.Worker.Concurrency}, logger.Named("dispatcher"))

	a.apiServer = api.NewServer(a.jobs, api.Config{
		APIKey:         a.apiKey(),
		RequestTimeout: time.Duration(cfg.Server.RequestTimeoutSeconds) * time.Second,
	}, logger.Named("api"))

	logger.Info("application built",
		zap.String("broker", cfg.Broker.Provider),
		zap.String("store", cfg.Store.Provider),
		zap.String("snapshots", cfg.Snapshots.Provider),
		zap.String("notify", cfg.Notify.Provider),
		zap.Int("concurrency", cfg.Worker.Concurrency),
	)
	return a, nil
}

// Handler exposes the HTTP API.
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

// Jobs exposes the submission service.
func (a *App) Jobs() *jobs.Service {
	return a.jobs
}

// SweepOnce runs a single reconciliation pass.
func (a *App) SweepOnce(ctx context.Context) (int, error) {
	return a.sweeper.Sweep(ctx)
}

// Run starts the loops for role and blocks until ctx is canceled or one of
// them fails. The HTTP server is drained within server.shutdown_timeout_seconds.
func (a *App) Run(ctx context.Context, role Role) error {
	g, gctx := errgroup.WithContext(ctx)

	if role == RoleAPI || role == RoleAll {
		a.httpServer = &http.Server{
			Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
			Handler:           a.Handler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
			if err := a.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			a.logger.Info("shutdown initiated")
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), a.shutdownTimeout())
			defer cancel()
			if err := a.httpServer.Shutdown(shutdownCtx); err != nil {
				a.logger.Error("server shutdown error", zap.Error(err))
			}
			return nil
		})
		if a.cfg.Sweeper.Enabled {
			g.Go(func() error { return a.sweeper.Run(gctx) })
		}
	}
	if role == RoleWorker || role == RoleAll {
		g.Go(func() error {
			a.logger.Info("dispatcher started", zap.Int("slots", a.cfg.Worker.Concurrency))
			return a.dispatch.Run(gctx)
		})
	}
	return g.Wait()
}

// Close releases every resource in reverse order of creation.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		c := a.closers[i]
		if err := c.fn(ctx); err != nil {
			a.logger.Warn("close failed", zap.String("component", c.name), zap.Error(err))
			errs = append(errs, fmt.Errorf("%s: %w", c.name, err))
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

func (a *App) onClose(name string, fn func(ctx context.Context) error) {
	a.closers = append(a.closers, closer{name: name, fn: fn})
}

func (a *App) onCloseErr(name string, fn func() error) {
	a.onClose(name, func(context.Context) error { return fn() })
}

func (a *App) setupStore(ctx context.Context, wall crawler.Clock) (crawler.JobStore, error) {
	ttl := a.cfg.ResultTTL()
	switch a.cfg.Store.Provider {
	case config.ProviderRedis:
		s, err := redisstore.New(ctx, redisstore.Config{
			Addr:      a.cfg.Store.Redis.Addr,
			Password:  a.cfg.Store.Redis.Password,
			DB:        a.cfg.Store.Redis.DB,
			KeyPrefix: a.cfg.Store.Redis.KeyPrefix,
			TTL:       ttl,
		}, wall, a.logger.Named("redis"))
		if err != nil {
			return nil, fmt.Errorf("redis store init failed: %w", err)
		}
		a.onCloseErr("redis store", s.Close)
		a.logger.Info("using redis result store", zap.String("addr", a.cfg.Store.Redis.Addr))
		return s, nil
	case config.ProviderPostgres:
		s, err := postgres.New(ctx, postgres.Config{
			DSN:      a.cfg.Store.Postgres.DSN,
			Table:    a.cfg.Store.Postgres.Table,
			MaxConns: a.cfg.Store.Postgres.MaxConns,
			TTL:      ttl,
		}, wall)
		if err != nil {
			return nil, fmt.Errorf("postgres store init failed: %w", err)
		}
		a.onCloseErr("postgres store", s.Close)
		a.logger.Info("using postgres result store", zap.String("table", a.cfg.Store.Postgres.Table))
		return s, nil
	default:
		s := memorystorage.NewJobStore(ttl, wall)
		a.onCloseErr("memory store", s.Close)
		a.logger.Info("using in-memory result store")
		return s, nil
	}
}

func (a *App) setupQueue(ctx context.Context) (crawler.Queue, error) {
	switch a.cfg.Broker.Provider {
	case config.ProviderRabbitMQ:
		q, err := rabbitmq.New(rabbitmq.Config{
			URL:         a.cfg.Broker.RabbitMQ.URL,
			Queue:       a.cfg.Broker.RabbitMQ.Queue,
			ConsumerTag: a.cfg.Broker.RabbitMQ.ConsumerTag,
		}, a.logger.Named("rabbitmq"))
		if err != nil {
			return nil, fmt.Errorf("rabbitmq init failed: %w", err)
		}
		a.onCloseErr("rabbitmq", q.Close)
		a.logger.Info("using rabbitmq broker", zap.String("queue", a.cfg.Broker.RabbitMQ.Queue))
		return q, nil
	case config.ProviderPubSub:
		q, err := pubsubqueue.New(ctx, pubsubqueue.Config{
			ProjectID:    a.cfg.Broker.PubSub.ProjectID,
			Topic:        a.cfg.Broker.PubSub.Topic,
			Subscription: a.cfg.Broker.PubSub.Subscription,
		}, a.logger.Named("pubsub"))
		if err != nil {
			return nil, fmt.Errorf("pubsub broker init failed: %w", err)
		}
		a.onCloseErr("pubsub broker", q.Close)
		a.logger.Info("using pubsub broker",
			zap.String("project", a.cfg.Broker.PubSub.ProjectID),
			zap.String("topic", a.cfg.Broker.PubSub.Topic),
		)
		return q, nil
	default:
		q := memoryqueue.NewQueue(memoryqueue.Config{
			Capacity:    a.cfg.Broker.Memory.Capacity,
			AckDeadline: time.Duration(a.cfg.Broker.Memory.AckDeadlineSeconds) * time.Second,
		})
		a.onCloseErr("memory broker", q.Close)
		a.logger.Info("using in-memory broker", zap.Int("capacity", a.cfg.Broker.Memory.Capacity))
		return q, nil
	}
}

func (a *App) setupBlobs(ctx context.Context) (crawler.BlobStore, error) {
	switch a.cfg.Snapshots.Provider {
	case config.ProviderGCS:
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client init failed: %w", err)
		}
		blobs, err := gcsstorage.New(client, gcsstorage.Config{Bucket: a.cfg.Snapshots.Bucket})
		if err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		a.onCloseErr("gcs snapshots", blobs.Close)
		a.logger.Info("using GCS snapshots", zap.String("bucket", a.cfg.Snapshots.Bucket))
		return blobs, nil
	case config.ProviderLocal:
		blobs, err := localstorage.New(localstorage.Config{BaseDir: a.cfg.Snapshots.Dir})
		if err != nil {
			return nil, fmt.Errorf("local blob store init failed: %w", err)
		}
		a.logger.Info("using local snapshots", zap.String("path", a.cfg.Snapshots.Dir))
		return blobs, nil
	case config.ProviderMemory:
		a.logger.Info("using in-memory snapshots")
		return memorystorage.NewBlobStore(), nil
	default:
		a.logger.Info("snapshots disabled")
		return nil, nil
	}
}

func (a *App) setupPublisher(ctx context.Context) (crawler.Publisher, error) {
	switch a.cfg.Notify.Provider {
	case config.ProviderPubSub:
		p, err := pubsubpublisher.New(ctx, a.cfg.Notify.ProjectID)
		if err != nil {
			return nil, fmt.Errorf("pubsub publisher init failed: %w", err)
		}
		a.onCloseErr("pubsub publisher", p.Close)
		a.logger.Info("publishing job events to pubsub",
			zap.String("project", a.cfg.Notify.ProjectID),
			zap.String("topic", a.cfg.Notify.Topic),
		)
		return p, nil
	case config.ProviderLog:
		a.logger.Info("logging job events", zap.String("topic", a.cfg.Notify.Topic))
		return logpublisher.New(a.logger.Named("events")), nil
	default:
		return nil, nil
	}
}

func (a *App) setupWorker(ctx context.Context, wall crawler.Clock) (*worker.Worker, error) {
	blobs, err := a.setupBlobs(ctx)
	if err != nil {
		return nil, err
	}
	publisher, err := a.setupPublisher(ctx)
	if err != nil {
		return nil, err
	}

	wcfg := a.cfg.Worker
	deps := worker.Dependencies{
		Store: a.store,
		Fetcher: collyfetcher.New(collyfetcher.Config{
			UserAgent:    wcfg.UserAgent,
			Timeout:      a.cfg.MaxFetchTimeout(),
			MaxBodySize:  wcfg.MaxBodyBytes,
			MaxRedirects: wcfg.MaxRedirects,
		}),
		Extractor: extract.New(extract.Config{
			MaxTextBytes: wcfg.MaxTextBytes,
			MaxLinks:     wcfg.MaxLinks,
		}),
		Blobs:     blobs,
		Hasher:    hash.NewSHA256(),
		Publisher: publisher,
		Clock:     wall,
	}
	if policy := access.New(access.Config{
		BlockedDomains: wcfg.BlockedDomains,
		RespectRobots:  wcfg.RespectRobots,
		UserAgent:      wcfg.UserAgent,
	}, a.logger.Named("access")); policy != nil {
		deps.Access = policy
		a.logger.Info("access policy enabled",
			zap.Bool("respect_robots", wcfg.RespectRobots),
			zap.Int("blocked_domains", len(wcfg.BlockedDomains)),
		)
	}
	if wcfg.RateLimitRPS > 0 {
		deps.Limiter = ratelimit.New(ratelimit.Config{
			DefaultRPS:   wcfg.RateLimitRPS,
			DefaultBurst: wcfg.RateLimitBurst,
		})
		a.logger.Info("rate limiter enabled",
			zap.Float64("rps", wcfg.RateLimitRPS),
			zap.Int("burst", wcfg.RateLimitBurst),
		)
	}
	if a.cfg.Headless.Enabled {
		h, err := headlessfetcher.NewChromedp(headlessfetcher.Config{
			MaxParallel:       a.cfg.Headless.MaxParallel,
			UserAgent:         wcfg.UserAgent,
			NavigationTimeout: time.Duration(a.cfg.Headless.NavTimeoutSeconds) * time.Second,
			NoSandbox:         a.cfg.Headless.NoSandbox,
		})
		if err != nil {
			a.logger.Warn("headless fetcher init failed, rendering disabled", zap.Error(err))
		} else {
			a.onCloseErr("headless fetcher", h.Close)
			deps.Headless = h
			a.logger.Info("using headless fetcher", zap.Int("max_parallel", a.cfg.Headless.MaxParallel))
			if a.cfg.Headless.AutoDetect {
				deps.Detector = detector.NewHeuristic(a.cfg.Headless.DetectorSmallBytes)
			}
		}
	}

	w, err := worker.New(worker.Config{
		FetchTimeout:    a.cfg.FetchTimeout(),
		MaxFetchTimeout: a.cfg.MaxFetchTimeout(),
		SnapshotPrefix:  a.cfg.Snapshots.Prefix,
		ContentType:     a.cfg.Snapshots.ContentType,
		Topic:           a.cfg.Notify.Topic,
	}, deps, a.logger.Named("worker"))
	if err != nil {
		return nil, fmt.Errorf("worker init failed: %w", err)
	}
	return w, nil
}

func (a *App) apiKey() string {
	if !a.cfg.Auth.Enabled {
		return ""
	}
	return a.cfg.Auth.APIKey
}

func (a *App) shutdownTimeout() time.Duration {
	if a.cfg.Server.ShutdownTimeoutSeconds <= 0 {
		return 10 * time.Second
	}
	return time.Duration(a.cfg.Server.ShutdownTimeoutSeconds) * time.Second
}
