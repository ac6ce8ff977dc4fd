package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	wallclock "github.com/JakeFAU/crawl-orchestrator/internal/clock"
	"github.com/JakeFAU/crawl-orchestrator/internal/crawler"
)

// JobStore provides an in-memory result store for development/testing.
// Expired records are invisible to readers and purged lazily on write.
type JobStore struct {
	mu    sync.RWMutex
	jobs  map[string]crawler.Job
	ttl   time.Duration
	clock crawler.Clock
}

// NewJobStore constructs a JobStore. A zero ttl keeps records forever.
func NewJobStore(ttl time.Duration, clock crawler.Clock) *JobStore {
	if clock == nil {
		clock = wallclock.New()
	}
	return &JobStore{
		jobs:  make(map[string]crawler.Job),
		ttl:   ttl,
		clock: clock,
	}
}

// Create stores a new pending job.
func (s *JobStore) Create(_ context.Context, job crawler.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()
	if existing, ok := s.jobs[job.ID]; ok && !s.expired(existing, now) {
		return fmt.Errorf("create %s: %w", job.ID, crawler.ErrJobExists)
	}
	job.ExpiresAt = s.expiry(now)
	s.jobs[job.ID] = job
	return nil
}

// Get fetches a job by ID.
func (s *JobStore) Get(_ context.Context, id string) (crawler.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[id]
	if !ok || s.expired(job, s.clock.Now()) {
		return crawler.Job{}, fmt.Errorf("get %s: %w", id, crawler.ErrJobNotFound)
	}
	return job, nil
}

// Transition applies an update under the store lock and refreshes the expiry.
func (s *JobStore) Transition(_ context.Context, id string, update crawler.Update) (crawler.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()
	job, ok := s.jobs[id]
	if !ok || s.expired(job, now) {
		delete(s.jobs, id)
		return crawler.Job{}, fmt.Errorf("transition %s: %w", id, crawler.ErrJobNotFound)
	}
	next, err := job.Apply(update)
	if err != nil {
		return job, fmt.Errorf("transition %s: %w", id, err)
	}
	next.ExpiresAt = s.expiry(now)
	s.jobs[id] = next
	return next, nil
}

// Delete removes a job; deleting an unknown id is not an error.
func (s *JobStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.jobs, id)
	return nil
}

// ListPending returns pending jobs last updated before the cutoff, least
// recently updated first.
func (s *JobStore) ListPending(_ context.Context, idleBefore time.Time, limit int) ([]crawler.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	now := s.clock.Now()
	out := make([]crawler.Job, 0)
	for _, job := range s.jobs {
		if job.Status != crawler.JobStatusPending || s.expired(job, now) {
			continue
		}
		if job.UpdatedAt.Before(idleBefore) {
			out = append(out, job)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Ping always succeeds for the in-memory store.
func (s *JobStore) Ping(context.Context) error {
	return nil
}

// Close is a no-op.
func (s *JobStore) Close() error {
	return nil
}

// Purge drops expired records and reports how many were removed.
func (s *JobStore) Purge() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()
	removed := 0
	for id, job := range s.jobs {
		if s.expired(job, now) {
			delete(s.jobs, id)
			removed++
		}
	}
	return removed
}

// PurgeExpired adapts Purge to the sweeper's purge hook.
func (s *JobStore) PurgeExpired(context.Context) (int, error) {
	return s.Purge(), nil
}

func (s *JobStore) expiry(now time.Time) time.Time {
	if s.ttl <= 0 {
		return time.Time{}
	}
	return now.Add(s.ttl)
}

func (s *JobStore) expired(job crawler.Job, now time.Time) bool {
	return !job.ExpiresAt.IsZero() && !now.Before(job.ExpiresAt)
}

