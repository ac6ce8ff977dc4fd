package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-orchestrator/internal/crawler"
	"github.com/JakeFAU/crawl-orchestrator/internal/metrics"
)

// JobService is the job API the handlers drive.
type JobService interface {
	Submit(ctx context.Context, req crawler.Request) (string, error)
	Status(ctx context.Context, id string) (crawler.Job, error)
	Ready(ctx context.Context) error
}

// Config controls the HTTP surface.
type Config struct {
	// APIKey, when set, is required on job routes via X-API-Key.
	APIKey         string
	RequestTimeout time.Duration
	MaxBodyBytes   int64
}

// Server wires HTTP handlers to the job service.
type Server struct {
	router chi.Router
	jobs   JobService
	cfg    Config
	logger *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(jobs JobService, cfg Config, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	s := &Server{jobs: jobs, cfg: cfg, logger: logger}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(metrics.Middleware)

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Group(func(r chi.Router) {
		r.Use(timeoutMiddleware(cfg.RequestTimeout))
		if cfg.APIKey != "" {
			r.Use(apiKeyMiddleware(cfg.APIKey))
		}
		r.Post("/crawl", s.submit)
		r.Get("/result/{id}", s.result)
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

type crawlRequest struct {
	URL     string           `json:"url"`
	Options *crawler.Options `json:"options,omitempty"`
}

type submitResponse struct {
	ID string `json:"id"`
}

type resultResponse struct {
	ID        string            `json:"id"`
	Status    crawler.JobStatus `json:"status"`
	Result    *crawler.Result   `json:"result,omitempty"`
	Error     *crawler.JobError `json:"error,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.jobs.Ready(ctx); err != nil {
		s.logger.Warn("readiness check failed", zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "not ready")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) submit(w http.ResponseWriter, r *http.Request) {
	body, err := decodeCrawlRequest(http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	req := crawler.Request{URL: body.URL}
	if body.Options != nil {
		req.Options = *body.Options
	}

	id, err := s.jobs.Submit(r.Context(), req)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, submitResponse{ID: id})
}

func (s *Server) result(w http.ResponseWriter, r *http.Request) {
	job, err := s.jobs.Status(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resultResponse{
		ID:        job.ID,
		Status:    job.Status,
		Result:    job.Result,
		Error:     job.Error,
		CreatedAt: job.CreatedAt,
		UpdatedAt: job.UpdatedAt,
	})
}

// decodeCrawlRequest reads exactly one JSON object and rejects unknown keys.
func decodeCrawlRequest(r io.Reader) (crawlRequest, error) {
	var body crawlRequest
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&body); err != nil {
		return crawlRequest{}, fmt.Errorf("invalid JSON: %w", err)
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return crawlRequest{}, errors.New("invalid JSON: trailing data after request object")
	}
	return body, nil
}

func (s *Server) writeServiceError(w http.ResponseWriter, err error) {
	var verr *crawler.ValidationError
	switch {
	case errors.As(err, &verr):
		writeError(w, http.StatusBadRequest, verr.Error())
	case errors.Is(err, crawler.ErrJobNotFound):
		writeError(w, http.StatusNotFound, "job not found")
	case crawler.IsInfrastructure(err):
		s.logger.Error("service unavailable", zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "service unavailable, retry later")
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		writeError(w, http.StatusServiceUnavailable, "request timed out")
	default:
		s.logger.Error("unhandled service error", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
