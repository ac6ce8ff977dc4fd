// Package postgres provides a Postgres-backed result store.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	wallclock "github.com/JakeFAU/crawl-orchestrator/internal/clock"
	"github.com/JakeFAU/crawl-orchestrator/internal/crawler"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Config controls the Postgres connection pool used for job rows.
type Config struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	TTL             time.Duration
}

type pgxPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
	Ping(ctx context.Context) error
	Close()
}

// JobStore keeps one row per job; the JSON payload is the record, status and
// timestamps are mirrored into columns for the pending sweep and expiry.
type JobStore struct {
	pool  pgxPool
	table string
	ttl   time.Duration
	clock crawler.Clock
}

// New connects a pool and creates the table when missing.
func New(ctx context.Context, cfg Config, clock crawler.Clock) (*JobStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("store.postgres.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	store, err := NewWithPool(pool, cfg.Table, cfg.TTL, clock)
	if err != nil {
		pool.Close()
		return nil, err
	}
	if err := store.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return store, nil
}

// NewWithPool constructs a store from an existing pool (primarily for testing).
func NewWithPool(pool pgxPool, table string, ttl time.Duration, clock crawler.Clock) (*JobStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if table == "" {
		table = "crawl_jobs"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	if clock == nil {
		clock = wallclock.New()
	}
	return &JobStore{pool: pool, table: table, ttl: ttl, clock: clock}, nil
}

// EnsureSchema creates the jobs table and its pending index.
func (s *JobStore) EnsureSchema(ctx context.Context) error {
	ddl := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %[1]s (
	id TEXT PRIMARY KEY,
	status TEXT NOT NULL,
	payload JSONB NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL,
	expires_at TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS %[1]s_status_updated_idx ON %[1]s (status, updated_at);`, s.table)
	if _, err := s.pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("create jobs table: %w", err)
	}
	return nil
}

// Create inserts a pending row; an existing id yields ErrJobExists.
func (s *JobStore) Create(ctx context.Context, job crawler.Job) error {
	now := s.clock.Now()
	job.ExpiresAt = s.expiry(now)
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	query := fmt.Sprintf(`INSERT INTO %s (id, status, payload, created_at, updated_at, expires_at)
VALUES ($1, $2, $3, $4, $5, $6) ON CONFLICT (id) DO NOTHING`, s.table)
	tag, err := s.pool.Exec(ctx, query, job.ID, string(job.Status), payload, job.CreatedAt, job.UpdatedAt, nullableTime(job.ExpiresAt))
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("create %s: %w", job.ID, crawler.ErrJobExists)
	}
	return nil
}

// Get reads a live (unexpired) row.
func (s *JobStore) Get(ctx context.Context, id string) (crawler.Job, error) {
	query := fmt.Sprintf(`SELECT payload FROM %s WHERE id = $1 AND (expires_at IS NULL OR expires_at > $2)`, s.table)
	var payload []byte
	err := s.pool.QueryRow(ctx, query, id, s.clock.Now()).Scan(&payload)
	if errors.Is(err, pgx.ErrNoRows) {
		return crawler.Job{}, fmt.Errorf("get %s: %w", id, crawler.ErrJobNotFound)
	}
	if err != nil {
		return crawler.Job{}, fmt.Errorf("select job: %w", err)
	}
	return decode(payload)
}

// Transition locks the row with SELECT ... FOR UPDATE, applies update and writes it back.
func (s *JobStore) Transition(ctx context.Context, id string, update crawler.Update) (job crawler.Job, err error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return crawler.Job{}, fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	now := s.clock.Now()
	selectQuery := fmt.Sprintf(`SELECT payload FROM %s WHERE id = $1 AND (expires_at IS NULL OR expires_at > $2) FOR UPDATE`, s.table)
	var payload []byte
	if err = tx.QueryRow(ctx, selectQuery, id, now).Scan(&payload); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return crawler.Job{}, fmt.Errorf("transition %s: %w", id, crawler.ErrJobNotFound)
		}
		return crawler.Job{}, fmt.Errorf("select job for update: %w", err)
	}
	current, err := decode(payload)
	if err != nil {
		return crawler.Job{}, err
	}
	next, err := current.Apply(update)
	if err != nil {
		return current, fmt.Errorf("transition %s: %w", id, err)
	}
	next.ExpiresAt = s.expiry(now)
	payload, err = json.Marshal(next)
	if err != nil {
		return current, fmt.Errorf("marshal job: %w", err)
	}
	updateQuery := fmt.Sprintf(`UPDATE %s SET status = $2, payload = $3, updated_at = $4, expires_at = $5 WHERE id = $1`, s.table)
	if _, err = tx.Exec(ctx, updateQuery, id, string(next.Status), payload, next.UpdatedAt, nullableTime(next.ExpiresAt)); err != nil {
		return current, fmt.Errorf("update job: %w", err)
	}
	if err = tx.Commit(ctx); err != nil {
		return current, fmt.Errorf("commit tx: %w", err)
	}
	return next, nil
}

// Delete removes a row.
func (s *JobStore) Delete(ctx context.Context, id string) error {
	query := fmt.Sprintf(`DELETE FROM %s WHERE id = $1`, s.table)
	if _, err := s.pool.Exec(ctx, query, id); err != nil {
		return fmt.Errorf("delete job: %w", err)
	}
	return nil
}

// ListPending returns live pending rows last updated before the cutoff, least
// recently updated first.
func (s *JobStore) ListPending(ctx context.Context, idleBefore time.Time, limit int) ([]crawler.Job, error) {
	if limit <= 0 {
		limit = 100
	}
	query := fmt.Sprintf(`SELECT payload FROM %s WHERE status = $1 AND updated_at < $2
AND (expires_at IS NULL OR expires_at > $3) ORDER BY updated_at LIMIT $4`, s.table)
	rows, err := s.pool.Query(ctx, query, string(crawler.JobStatusPending), idleBefore, s.clock.Now(), limit)
	if err != nil {
		return nil, fmt.Errorf("select pending jobs: %w", err)
	}
	defer rows.Close()
	out := make([]crawler.Job, 0)
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan pending job: %w", err)
		}
		job, err := decode(payload)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pending jobs: %w", err)
	}
	return out, nil
}

// PurgeExpired deletes rows past their expiry.
func (s *JobStore) PurgeExpired(ctx context.Context) (int, error) {
	query := fmt.Sprintf(`DELETE FROM %s WHERE expires_at IS NOT NULL AND expires_at <= $1`, s.table)
	tag, err := s.pool.Exec(ctx, query, s.clock.Now())
	if err != nil {
		return 0, fmt.Errorf("purge expired jobs: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// Ping checks connectivity.
func (s *JobStore) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	return nil
}

// Close releases the pool.
func (s *JobStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *JobStore) expiry(now time.Time) time.Time {
	if s.ttl <= 0 {
		return time.Time{}
	}
	return now.Add(s.ttl)
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func decode(payload []byte) (crawler.Job, error) {
	var job crawler.Job
	if err := json.Unmarshal(payload, &job); err != nil {
		return crawler.Job{}, fmt.Errorf("decode job: %w", err)
	}
	return job, nil
}

