package crawler

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestJobApply_HappyPath(t *testing.T) {
	t.Parallel()

	created := time.Unix(100, 0).UTC()
	job := NewJob("job-1", Request{URL: "https://example.com"}, created)
	require.Equal(t, JobStatusPending, job.Status)

	job, err := job.Apply(MarkProcessing(created.Add(time.Second)))
	require.NoError(t, err)
	require.Equal(t, JobStatusProcessing, job.Status)
	require.Equal(t, 1, job.Attempts)

	job, err = job.Apply(MarkCompleted(Result{URL: "https://example.com", Title: "Example"}, created.Add(2*time.Second)))
	require.NoError(t, err)
	require.Equal(t, JobStatusCompleted, job.Status)
	require.NotNil(t, job.Result)
	require.Nil(t, job.Error)
	require.Equal(t, created, job.CreatedAt)
	require.Equal(t, created.Add(2*time.Second), job.UpdatedAt)
}

func TestJobApply_TerminalNeverRegresses(t *testing.T) {
	t.Parallel()

	for _, terminal := range []Update{
		MarkCompleted(Result{URL: "https://example.com"}, time.Time{}),
		MarkFailed(JobError{Kind: ErrorKindFetch, Message: "404"}, time.Time{}),
	} {
		job := NewJob("job", Request{URL: "https://example.com"}, time.Unix(1, 0))
		job, err := job.Apply(terminal)
		require.NoError(t, err)

		_, err = job.Apply(MarkProcessing(time.Unix(2, 0)))
		require.ErrorIs(t, err, ErrTerminal)
	}
}

func TestJobApply_TerminalOverwriteIsLastWriteWins(t *testing.T) {
	t.Parallel()

	job := NewJob("job", Request{URL: "https://example.com"}, time.Unix(1, 0))
	job, err := job.Apply(MarkFailed(JobError{Kind: ErrorKindTimeout, Message: "slow"}, time.Unix(2, 0)))
	require.NoError(t, err)

	job, err = job.Apply(MarkCompleted(Result{Title: "late"}, time.Unix(3, 0)))
	require.NoError(t, err)
	require.Equal(t, JobStatusCompleted, job.Status)
	require.Nil(t, job.Error, "error must be cleared when result is set")
	require.Equal(t, "late", job.Result.Title)
}

func TestJobApply_RejectsMalformedUpdates(t *testing.T) {
	t.Parallel()

	job := NewJob("job", Request{URL: "https://example.com"}, time.Unix(1, 0))

	_, err := job.Apply(Update{Status: JobStatusPending})
	require.True(t, errors.Is(err, ErrInvalidTransition))

	_, err = job.Apply(Update{Status: JobStatusCompleted})
	require.ErrorIs(t, err, ErrInvalidTransition)

	_, err = job.Apply(Update{Status: JobStatusFailed})
	require.ErrorIs(t, err, ErrInvalidTransition)

	_, err = job.Apply(Update{Status: "bogus"})
	require.ErrorIs(t, err, ErrInvalidTransition)
}

func TestJobApply_RedeliveryKeepsProcessing(t *testing.T) {
	t.Parallel()

	job := NewJob("job", Request{URL: "https://example.com"}, time.Unix(1, 0))
	job, err := job.Apply(MarkProcessing(time.Unix(2, 0)))
	require.NoError(t, err)
	job, err = job.Apply(MarkProcessing(time.Unix(3, 0)))
	require.NoError(t, err)
	require.Equal(t, JobStatusProcessing, job.Status)
	require.Equal(t, 2, job.Attempts)
}

func TestJobApply_RepublishClaimOncePerWindow(t *testing.T) {
	t.Parallel()

	created := time.Unix(100, 0).UTC()
	job := NewJob("job", Request{URL: "https://example.com"}, created)

	_, err := job.Apply(MarkRepublished(created.Add(time.Minute), created))
	require.ErrorIs(t, err, ErrNotStale, "record touched at the cutoff is not stale")

	claimedAt := created.Add(3 * time.Minute)
	claimed, err := job.Apply(MarkRepublished(claimedAt, claimedAt.Add(-2*time.Minute)))
	require.NoError(t, err)
	require.Equal(t, JobStatusPending, claimed.Status)
	require.Equal(t, claimedAt, claimed.UpdatedAt)
	require.Equal(t, created, claimed.CreatedAt)
	require.Zero(t, claimed.Attempts)

	// A second sweeper with the same cutoff loses the claim.
	_, err = claimed.Apply(MarkRepublished(claimedAt, claimedAt.Add(-2*time.Minute)))
	require.ErrorIs(t, err, ErrNotStale)

	running, err := job.Apply(MarkProcessing(created.Add(time.Second)))
	require.NoError(t, err)
	_, err = running.Apply(MarkRepublished(claimedAt, claimedAt))
	require.ErrorIs(t, err, ErrNotStale)
}

func TestJobMessageRoundTrip(t *testing.T) {
	t.Parallel()

	render := true
	job := NewJob("job-9", Request{
		URL:     "https://example.com/a",
		Options: Options{Render: &render, Selectors: map[string]string{"h": "h1"}},
	}, time.Unix(1, 0))

	msg := job.Message()
	require.Equal(t, "job-9", msg.ID)
	require.Equal(t, job.Request, msg.Request())
}

func TestJobStatusTerminal(t *testing.T) {
	t.Parallel()

	require.False(t, JobStatusPending.Terminal())
	require.False(t, JobStatusProcessing.Terminal())
	require.True(t, JobStatusCompleted.Terminal())
	require.True(t, JobStatusFailed.Terminal())
	require.False(t, JobStatus("queued").Valid())
}

func TestIsInfrastructure(t *testing.T) {
	t.Parallel()

	base := errors.New("connection refused")
	wrapped := &InfrastructureError{Op: "store get", Err: base}
	require.True(t, IsInfrastructure(wrapped))
	require.ErrorIs(t, wrapped, base)
	require.False(t, IsInfrastructure(&FetchError{URL: "https://x", StatusCode: 404, Err: base}))
}
