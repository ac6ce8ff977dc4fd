package jobs

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-orchestrator/internal/crawler"
	queuememory "github.com/JakeFAU/crawl-orchestrator/internal/queue/memory"
	"github.com/JakeFAU/crawl-orchestrator/internal/storage/memory"
)

func TestSweepRepublishesStalePending(t *testing.T) {
	t.Parallel()

	clk := newClock()
	store := memory.NewJobStore(24*time.Hour, clk)
	queue := queuememory.NewQueue(queuememory.Config{})
	ctx := context.Background()

	stale := crawler.NewJob("stale", crawler.Request{URL: "https://a.example"}, clk.Now())
	require.NoError(t, store.Create(ctx, stale))
	started := crawler.NewJob("started", crawler.Request{URL: "https://b.example"}, clk.Now())
	require.NoError(t, store.Create(ctx, started))
	_, err := store.Transition(ctx, "started", crawler.MarkProcessing(clk.Now()))
	require.NoError(t, err)

	clk.Advance(10 * time.Minute)
	fresh := crawler.NewJob("fresh", crawler.Request{URL: "https://c.example"}, clk.Now())
	require.NoError(t, store.Create(ctx, fresh))

	sweeper := NewSweeper(store, queue, clk, SweeperConfig{Grace: 5 * time.Minute}, zap.NewNop())
	n, err := sweeper.Sweep(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	got := make(chan string, 1)
	consumeCtx, cancel := context.WithCancel(ctx)
	go func() {
		_ = queue.Consume(consumeCtx, 1, func(ctx context.Context, d crawler.Delivery) {
			got <- d.Message().ID
			_ = d.Ack(ctx)
		})
	}()
	defer cancel()
	select {
	case id := <-got:
		require.Equal(t, "stale", id)
	case <-time.After(time.Second):
		t.Fatal("republished message not consumed")
	}
}

func TestSweepPurgesExpiredRecords(t *testing.T) {
	t.Parallel()

	clk := newClock()
	store := memory.NewJobStore(time.Hour, clk)
	queue := queuememory.NewQueue(queuememory.Config{})
	ctx := context.Background()
	require.NoError(t, store.Create(ctx, crawler.NewJob("old", crawler.Request{URL: "https://a.example"}, clk.Now())))

	clk.Advance(2 * time.Hour)
	n, err := NewSweeper(store, queue, clk, SweeperConfig{}, nil).Sweep(ctx)
	require.NoError(t, err)
	require.Zero(t, n)
	require.Zero(t, store.Purge())
}

func TestSweepPublishFailure(t *testing.T) {
	t.Parallel()

	clk := newClock()
	store := memory.NewJobStore(time.Hour, clk)
	ctx := context.Background()
	require.NoError(t, store.Create(ctx, crawler.NewJob("stuck", crawler.Request{URL: "https://a.example"}, clk.Now())))
	clk.Advance(time.Minute)

	sweeper := NewSweeper(store, failingQueue{err: errors.New("broker down")}, clk, SweeperConfig{Grace: time.Second}, nil)
	n, err := sweeper.Sweep(ctx)
	require.Error(t, err)
	require.Zero(t, n)
}

func TestSweeperRunStopsOnCancel(t *testing.T) {
	t.Parallel()

	clk := newClock()
	sweeper := NewSweeper(memory.NewJobStore(time.Hour, clk), queuememory.NewQueue(queuememory.Config{}), clk,
		SweeperConfig{Interval: 5 * time.Millisecond}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	require.NoError(t, sweeper.Run(ctx))
}

func TestSweepDoesNotStackCopiesOfQueuedJob(t *testing.T) {
	t.Parallel()

	clk := newClock()
	store := memory.NewJobStore(24*time.Hour, clk)
	queue := queuememory.NewQueue(queuememory.Config{})
	ctx := context.Background()

	svc := NewService(store, queue, &seqIDs{}, clk, zap.NewNop())
	id, err := svc.Submit(ctx, crawler.Request{URL: "https://example.com"})
	require.NoError(t, err)

	sweeper := NewSweeper(store, queue, clk, SweeperConfig{Grace: 2 * time.Minute}, zap.NewNop())
	var ready []int
	for tick := 0; tick < 6; tick++ {
		clk.Advance(time.Minute)
		_, err := sweeper.Sweep(ctx)
		require.NoError(t, err)
		n, _ := queue.Depth()
		ready = append(ready, n)
	}
	// Nothing consumes the queue: one republish per grace window at most.
	require.Equal(t, []int{1, 1, 2, 2, 2, 3}, ready)

	job, err := store.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, crawler.JobStatusPending, job.Status)
	require.Equal(t, clk.Now(), job.UpdatedAt)
}

func TestConcurrentSweepersClaimOnce(t *testing.T) {
	t.Parallel()

	clk := newClock()
	store := memory.NewJobStore(24*time.Hour, clk)
	queue := queuememory.NewQueue(queuememory.Config{})
	ctx := context.Background()
	require.NoError(t, store.Create(ctx, crawler.NewJob("lost", crawler.Request{URL: "https://a.example"}, clk.Now())))
	clk.Advance(10 * time.Minute)

	cfg := SweeperConfig{Grace: 5 * time.Minute}
	listed, err := store.ListPending(ctx, clk.Now().Add(-cfg.Grace), 10)
	require.NoError(t, err)
	require.Len(t, listed, 1)

	first := NewSweeper(store, queue, clk, cfg, nil)
	// The second replica listed the job before the first one claimed it.
	second := NewSweeper(&fixedListing{JobStore: store, jobs: listed}, queue, clk, cfg, nil)

	n1, err := first.Sweep(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n1)
	n2, err := second.Sweep(ctx)
	require.NoError(t, err)
	require.Zero(t, n2)

	ready, _ := queue.Depth()
	require.Equal(t, 1, ready)
}

func TestSweepSkipsJobPickedUpAfterListing(t *testing.T) {
	t.Parallel()

	clk := newClock()
	inner := memory.NewJobStore(24*time.Hour, clk)
	queue := queuememory.NewQueue(queuememory.Config{})
	ctx := context.Background()
	require.NoError(t, inner.Create(ctx, crawler.NewJob("raced", crawler.Request{URL: "https://a.example"}, clk.Now())))
	clk.Advance(10 * time.Minute)

	store := &startOnList{JobStore: inner, now: clk.Now()}
	n, err := NewSweeper(store, queue, clk, SweeperConfig{Grace: time.Minute}, nil).Sweep(ctx)
	require.NoError(t, err)
	require.Zero(t, n)

	ready, _ := queue.Depth()
	require.Zero(t, ready)
}

// startOnList marks every listed job processing before returning, as a worker
// picking the message up between listing and claiming would.
type startOnList struct {
	crawler.JobStore
	now time.Time
}

func (s *startOnList) ListPending(ctx context.Context, idleBefore time.Time, limit int) ([]crawler.Job, error) {
	jobs, err := s.JobStore.ListPending(ctx, idleBefore, limit)
	if err != nil {
		return nil, err
	}
	for _, job := range jobs {
		if _, err := s.JobStore.Transition(ctx, job.ID, crawler.MarkProcessing(s.now)); err != nil {
			return nil, err
		}
	}
	return jobs, nil
}

type fixedListing struct {
	crawler.JobStore
	jobs []crawler.Job
}

func (s *fixedListing) ListPending(context.Context, time.Time, int) ([]crawler.Job, error) {
	return s.jobs, nil
}
