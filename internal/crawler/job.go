package crawler

import (
	"fmt"
	"time"
)

// Update is a requested status change for a job record.
type Update struct {
	Status JobStatus
	Result *Result
	Error  *JobError
	At     time.Time
	// StaleBefore guards a pending update: it applies only when the record
	// was last touched before this instant.
	StaleBefore time.Time
}

// MarkProcessing builds the update a worker applies when it picks up a delivery.
func MarkProcessing(at time.Time) Update {
	return Update{Status: JobStatusProcessing, At: at}
}

// MarkRepublished claims a pending record for republishing. It succeeds only
// while the record is pending and untouched since staleBefore, and moves
// UpdatedAt to at so the record is not claimed again within the grace window.
func MarkRepublished(at, staleBefore time.Time) Update {
	return Update{Status: JobStatusPending, At: at, StaleBefore: staleBefore}
}

// MarkCompleted builds a successful terminal update.
func MarkCompleted(result Result, at time.Time) Update {
	return Update{Status: JobStatusCompleted, Result: &result, At: at}
}

// MarkFailed builds a failed terminal update.
func MarkFailed(jobErr JobError, at time.Time) Update {
	return Update{Status: JobStatusFailed, Error: &jobErr, At: at}
}

// NewJob creates a pending record for a freshly validated request.
func NewJob(id string, req Request, now time.Time) Job {
	return Job{
		ID:        id,
		Status:    JobStatusPending,
		Request:   req,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Apply returns the record after u, enforcing pending -> processing -> terminal.
// Terminal records accept another terminal write (last write wins) but never
// move back to processing. A pending update only refreshes a stale pending
// record.
func (j Job) Apply(u Update) (Job, error) {
	switch u.Status {
	case JobStatusPending:
		if u.StaleBefore.IsZero() {
			return j, fmt.Errorf("%w: pending update without a staleness bound", ErrInvalidTransition)
		}
		if j.Status != JobStatusPending || !j.UpdatedAt.Before(u.StaleBefore) {
			return j, fmt.Errorf("%w: %s since %s", ErrNotStale, j.Status, j.UpdatedAt.Format(time.RFC3339))
		}
	case JobStatusProcessing:
		if j.Status.Terminal() {
			return j, ErrTerminal
		}
		j.Attempts++
		j.Result = nil
		j.Error = nil
	case JobStatusCompleted:
		if u.Result == nil {
			return j, fmt.Errorf("%w: completed without result", ErrInvalidTransition)
		}
		res := *u.Result
		j.Result = &res
		j.Error = nil
	case JobStatusFailed:
		if u.Error == nil {
			return j, fmt.Errorf("%w: failed without error", ErrInvalidTransition)
		}
		jobErr := *u.Error
		j.Error = &jobErr
		j.Result = nil
	default:
		return j, fmt.Errorf("%w: %s -> %q", ErrInvalidTransition, j.Status, u.Status)
	}
	j.Status = u.Status
	if !u.At.IsZero() {
		j.UpdatedAt = u.At
	}
	return j, nil
}
