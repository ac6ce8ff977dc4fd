package memory

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/crawl-orchestrator/internal/crawler"
)

func consumeInBackground(t *testing.T, q *Queue, slots int, handler crawler.Handler) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := q.Consume(ctx, slots, handler); err != nil {
			t.Errorf("Consume() error = %v", err)
		}
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return cancel
}

func TestQueuePublishConsumeAck(t *testing.T) {
	t.Parallel()

	q := NewQueue(Config{})
	got := make(chan crawler.Delivery, 1)
	consumeInBackground(t, q, 1, func(ctx context.Context, d crawler.Delivery) {
		if err := d.Ack(ctx); err != nil {
			t.Errorf("Ack() error = %v", err)
		}
		got <- d
	})

	if err := q.Publish(context.Background(), crawler.JobMessage{ID: "job-1", URL: "https://example.com"}); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	select {
	case d := <-got:
		if d.Message().ID != "job-1" || d.Attempt() != 1 {
			t.Fatalf("unexpected delivery %+v attempt %d", d.Message(), d.Attempt())
		}
		if err := d.Ack(context.Background()); !errors.Is(err, ErrNotInFlight) {
			t.Fatalf("second Ack() error = %v, want ErrNotInFlight", err)
		}
	case <-time.After(time.Second):
		t.Fatal("delivery not received")
	}
	require.Eventually(t, func() bool {
		ready, inFlight := q.Depth()
		return ready == 0 && inFlight == 0
	}, time.Second, 5*time.Millisecond)
}

func TestQueueNackRedelivers(t *testing.T) {
	t.Parallel()

	q := NewQueue(Config{})
	attempts := make(chan int, 4)
	consumeInBackground(t, q, 2, func(ctx context.Context, d crawler.Delivery) {
		attempts <- d.Attempt()
		if d.Attempt() < 3 {
			assert.NoError(t, d.Nack(ctx))
			return
		}
		assert.NoError(t, d.Ack(ctx))
	})

	require.NoError(t, q.Publish(context.Background(), crawler.JobMessage{ID: "job-1"}))
	for want := 1; want <= 3; want++ {
		select {
		case got := <-attempts:
			require.Equal(t, want, got)
		case <-time.After(time.Second):
			t.Fatalf("attempt %d not delivered", want)
		}
	}
}

func TestQueueRedeliversAfterAckDeadline(t *testing.T) {
	t.Parallel()

	q := NewQueue(Config{AckDeadline: 30 * time.Millisecond})
	var calls atomic.Int32
	acked := make(chan int, 1)
	consumeInBackground(t, q, 1, func(ctx context.Context, d crawler.Delivery) {
		if calls.Add(1) == 1 {
			// Abandon the first delivery without settling it.
			return
		}
		assert.NoError(t, d.Ack(ctx))
		acked <- d.Attempt()
	})

	require.NoError(t, q.Publish(context.Background(), crawler.JobMessage{ID: "job-1"}))
	select {
	case attempt := <-acked:
		require.Equal(t, 2, attempt)
	case <-time.After(2 * time.Second):
		t.Fatal("abandoned delivery was not redelivered")
	}
}

func TestQueueCapacity(t *testing.T) {
	t.Parallel()

	q := NewQueue(Config{Capacity: 1})
	require.NoError(t, q.Publish(context.Background(), crawler.JobMessage{ID: "a"}))
	require.ErrorIs(t, q.Publish(context.Background(), crawler.JobMessage{ID: "b"}), ErrFull)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := q.Publish(ctx, crawler.JobMessage{ID: "c"}); err == nil ||
		err.Error() != "publish canceled: context canceled" {
		t.Fatalf("expected publish cancel error, got %v", err)
	}
}

func TestQueueSlotsBoundConcurrency(t *testing.T) {
	t.Parallel()

	q := NewQueue(Config{})
	var (
		active  atomic.Int32
		maxSeen atomic.Int32
		wg      sync.WaitGroup
	)
	wg.Add(6)
	consumeInBackground(t, q, 3, func(ctx context.Context, d crawler.Delivery) {
		defer wg.Done()
		n := active.Add(1)
		for {
			prev := maxSeen.Load()
			if n <= prev || maxSeen.CompareAndSwap(prev, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		active.Add(-1)
		assert.NoError(t, d.Ack(ctx))
	})

	for i := 0; i < 6; i++ {
		require.NoError(t, q.Publish(context.Background(), crawler.JobMessage{ID: string(rune('a' + i))}))
	}
	wg.Wait()
	require.LessOrEqual(t, maxSeen.Load(), int32(3))
	require.GreaterOrEqual(t, maxSeen.Load(), int32(2))
}

func TestQueueClose(t *testing.T) {
	t.Parallel()

	q := NewQueue(Config{})
	done := make(chan error, 1)
	go func() {
		done <- q.Consume(context.Background(), 2, func(context.Context, crawler.Delivery) {})
	}()

	require.NoError(t, q.Close())
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Consume did not return after Close")
	}
	require.ErrorIs(t, q.Publish(context.Background(), crawler.JobMessage{ID: "late"}), ErrClosed)
	require.ErrorIs(t, q.Ping(context.Background()), ErrClosed)
	// Closing twice should be safe.
	require.NoError(t, q.Close())
}
