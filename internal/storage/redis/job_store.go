// Package redis implements the result store on Redis with per-key expiry.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	wallclock "github.com/JakeFAU/crawl-orchestrator/internal/clock"
	"github.com/JakeFAU/crawl-orchestrator/internal/crawler"
)

const maxTxRetries = 8

// Config controls the Redis connection and key layout.
type Config struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
	TTL       time.Duration
}

// JobStore stores each job as a JSON string under KeyPrefix+id. Pending jobs
// are also indexed in a sorted set scored by their last update, so the sweep
// never scans finished records.
type JobStore struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
	clock  crawler.Clock
	logger *zap.Logger
}

// New connects to Redis and verifies the connection.
func New(ctx context.Context, cfg Config, clock crawler.Clock, logger *zap.Logger) (*JobStore, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("redis addr is required")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return NewWithClient(client, cfg, clock, logger), nil
}

// NewWithClient wraps an existing client (primarily for testing).
func NewWithClient(client redis.UniversalClient, cfg Config, clock crawler.Clock, logger *zap.Logger) *JobStore {
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "crawl:job:"
	}
	if clock == nil {
		clock = wallclock.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &JobStore{client: client, prefix: prefix, ttl: cfg.TTL, clock: clock, logger: logger}
}

// Create writes a new record with SET NX so ids are never reused.
func (s *JobStore) Create(ctx context.Context, job crawler.Job) error {
	job.ExpiresAt = s.expiry()
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	pipe := s.client.TxPipeline()
	created := pipe.SetNX(ctx, s.key(job.ID), data, s.ttl)
	if job.Status == crawler.JobStatusPending {
		pipe.ZAddNX(ctx, s.pendingKey(), redis.Z{Score: score(job.UpdatedAt), Member: job.ID})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis setnx %s: %w", job.ID, err)
	}
	if !created.Val() {
		return fmt.Errorf("create %s: %w", job.ID, crawler.ErrJobExists)
	}
	return nil
}

// Get reads a record; expired keys are gone and report ErrJobNotFound.
func (s *JobStore) Get(ctx context.Context, id string) (crawler.Job, error) {
	raw, err := s.client.Get(ctx, s.key(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return crawler.Job{}, fmt.Errorf("get %s: %w", id, crawler.ErrJobNotFound)
	}
	if err != nil {
		return crawler.Job{}, fmt.Errorf("redis get %s: %w", id, err)
	}
	return decode(raw)
}

// Transition applies update inside WATCH/MULTI so concurrent writers serialize.
func (s *JobStore) Transition(ctx context.Context, id string, update crawler.Update) (crawler.Job, error) {
	key := s.key(id)
	var next crawler.Job
	txf := func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return crawler.ErrJobNotFound
		}
		if err != nil {
			return fmt.Errorf("redis get: %w", err)
		}
		current, err := decode(raw)
		if err != nil {
			return err
		}
		next, err = current.Apply(update)
		if err != nil {
			next = current
			return err
		}
		next.ExpiresAt = s.expiry()
		data, err := json.Marshal(next)
		if err != nil {
			return fmt.Errorf("marshal job: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, s.ttl)
			if next.Status == crawler.JobStatusPending {
				pipe.ZAdd(ctx, s.pendingKey(), redis.Z{Score: score(next.UpdatedAt), Member: id})
			} else {
				pipe.ZRem(ctx, s.pendingKey(), id)
			}
			return nil
		})
		return err
	}

	for i := 0; i < maxTxRetries; i++ {
		err := s.client.Watch(ctx, txf, key)
		switch {
		case err == nil:
			return next, nil
		case errors.Is(err, redis.TxFailedErr):
			continue
		default:
			return next, fmt.Errorf("transition %s: %w", id, err)
		}
	}
	return next, fmt.Errorf("transition %s: contention after %d attempts", id, maxTxRetries)
}

// Delete removes a record and its pending index entry.
func (s *JobStore) Delete(ctx context.Context, id string) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.key(id))
		pipe.ZRem(ctx, s.pendingKey(), id)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis del %s: %w", id, err)
	}
	return nil
}

// ListPending reads the pending index for jobs last updated before the
// cutoff. Index entries whose record expired, finished or cannot be decoded
// are dropped from the index and skipped.
func (s *JobStore) ListPending(ctx context.Context, idleBefore time.Time, limit int) ([]crawler.Job, error) {
	ids, err := s.client.ZRangeByScore(ctx, s.pendingKey(), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   "(" + strconv.FormatFloat(score(idleBefore), 'f', -1, 64),
		Count: int64(max(limit, 0)),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("redis zrangebyscore: %w", err)
	}
	if len(ids) == 0 {
		return []crawler.Job{}, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.key(id)
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis mget: %w", err)
	}

	out := make([]crawler.Job, 0, len(ids))
	var stale []any
	for i, value := range values {
		raw, ok := value.(string)
		if !ok {
			stale = append(stale, ids[i])
			continue
		}
		job, err := decode([]byte(raw))
		if err != nil {
			s.logger.Warn("skipping undecodable job record", zap.String("job_id", ids[i]), zap.Error(err))
			stale = append(stale, ids[i])
			continue
		}
		if job.Status != crawler.JobStatusPending {
			stale = append(stale, ids[i])
			continue
		}
		if job.UpdatedAt.Before(idleBefore) {
			out = append(out, job)
		}
	}
	if len(stale) > 0 {
		if err := s.client.ZRem(ctx, s.pendingKey(), stale...).Err(); err != nil {
			s.logger.Warn("prune pending index failed", zap.Int("entries", len(stale)), zap.Error(err))
		}
	}
	return out, nil
}

// Ping checks connectivity.
func (s *JobStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	return nil
}

// Close releases the client.
func (s *JobStore) Close() error {
	if err := s.client.Close(); err != nil {
		return fmt.Errorf("close redis: %w", err)
	}
	return nil
}

func (s *JobStore) key(id string) string {
	return s.prefix + strings.TrimSpace(id)
}

func (s *JobStore) pendingKey() string {
	return s.prefix + "index:pending"
}

// score orders the pending index by microseconds since the epoch, which a
// float64 holds exactly.
func score(t time.Time) float64 {
	return float64(t.UnixMicro())
}

func (s *JobStore) expiry() time.Time {
	if s.ttl <= 0 {
		return time.Time{}
	}
	return s.clock.Now().Add(s.ttl)
}

func decode(raw []byte) (crawler.Job, error) {
	var job crawler.Job
	if err := json.Unmarshal(raw, &job); err != nil {
		return crawler.Job{}, fmt.Errorf("decode job: %w", err)
	}
	return job, nil
}

