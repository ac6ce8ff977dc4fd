// Package crawler defines core types shared across subsystems.
package crawler

import (
	"time"
)

// JobStatus represents the lifecycle state of a crawl job.
type JobStatus string

// Job status values persisted in the result store.
const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
)

// Terminal reports whether no further transitions may leave the status.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// Valid reports whether s is a known status.
func (s JobStatus) Valid() bool {
	switch s {
	case JobStatusPending, JobStatusProcessing, JobStatusCompleted, JobStatusFailed:
		return true
	default:
		return false
	}
}

// ErrorKind classifies a terminal job failure.
type ErrorKind string

// Failure kinds surfaced to clients.
const (
	ErrorKindTimeout    ErrorKind = "timeout"
	ErrorKindFetch      ErrorKind = "fetch_error"
	ErrorKindExtraction ErrorKind = "extraction_error"
)

// Request captures what a client asked to crawl. It is immutable once a job exists.
type Request struct {
	URL     string  `json:"url" validate:"required,http_url"`
	Options Options `json:"options"`
}

// Options is the closed set of extraction knobs a client may pass.
type Options struct {
	Version        int               `json:"version,omitempty" validate:"omitempty,eq=1"`
	Render         *bool             `json:"render,omitempty"`
	WaitSelector   string            `json:"wait_selector,omitempty" validate:"max=256"`
	Scroll         bool              `json:"scroll,omitempty"`
	Selectors      map[string]string `json:"selectors,omitempty" validate:"max=32,dive,keys,required,max=64,endkeys,required,max=256"`
	IncludeLinks   bool              `json:"include_links,omitempty"`
	Snapshot       bool              `json:"snapshot,omitempty"`
	TimeoutSeconds int               `json:"timeout_seconds,omitempty" validate:"gte=0,lte=600"`
	Headers        map[string]string `json:"headers,omitempty" validate:"max=16"`
}

// OptionsVersion is the only options schema version understood by this build.
const OptionsVersion = 1

// Job is the record kept in the result store for each submitted crawl request.
type Job struct {
	ID        string    `json:"id"`
	Status    JobStatus `json:"status"`
	Request   Request   `json:"request"`
	Result    *Result   `json:"result,omitempty"`
	Error     *JobError `json:"error,omitempty"`
	Attempts  int       `json:"attempts"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	ExpiresAt time.Time `json:"expires_at,omitempty"`
}

// Result is the extracted content payload of a completed job.
type Result struct {
	URL         string              `json:"url"`
	StatusCode  int                 `json:"status_code"`
	Title       string              `json:"title,omitempty"`
	Description string              `json:"description,omitempty"`
	Text        string              `json:"text,omitempty"`
	Links       []string            `json:"links,omitempty"`
	Fields      map[string][]string `json:"fields,omitempty"`
	ContentHash string              `json:"content_hash,omitempty"`
	SnapshotURI string              `json:"snapshot_uri,omitempty"`
	Rendered    bool                `json:"rendered"`
	FetchedAt   time.Time           `json:"fetched_at"`
	DurationMs  int64               `json:"duration_ms"`
}

// JobError describes why a job failed.
type JobError struct {
	Kind       ErrorKind `json:"kind"`
	Message    string    `json:"message"`
	StatusCode int       `json:"status_code,omitempty"`
}

// JobMessage is the work queue payload. The result store stays the source of truth.
type JobMessage struct {
	ID      string            `json:"id"`
	URL     string            `json:"url"`
	Options Options           `json:"options"`
	Trace   map[string]string `json:"trace,omitempty"`
}

// Message derives the queue payload for a job.
func (j Job) Message() JobMessage {
	return JobMessage{
		ID:      j.ID,
		URL:     j.Request.URL,
		Options: j.Request.Options,
	}
}

// Request rebuilds the crawl request carried by a message.
func (m JobMessage) Request() Request {
	return Request{URL: m.URL, Options: m.Options}
}

// JobEvent is the notification published when a job reaches a terminal state.
type JobEvent struct {
	JobID       string    `json:"job_id"`
	URL         string    `json:"url"`
	Status      JobStatus `json:"status"`
	ErrorKind   ErrorKind `json:"error_kind,omitempty"`
	StatusCode  int       `json:"status_code,omitempty"`
	ContentHash string    `json:"content_hash,omitempty"`
	SnapshotURI string    `json:"snapshot_uri,omitempty"`
	Attempts    int       `json:"attempts"`
	FinishedAt  time.Time `json:"finished_at"`
}

// Event summarizes a terminal job for notification subscribers.
func (j Job) Event() JobEvent {
	ev := JobEvent{
		JobID:      j.ID,
		URL:        j.Request.URL,
		Status:     j.Status,
		Attempts:   j.Attempts,
		FinishedAt: j.UpdatedAt,
	}
	if j.Result != nil {
		ev.StatusCode = j.Result.StatusCode
		ev.ContentHash = j.Result.ContentHash
		ev.SnapshotURI = j.Result.SnapshotURI
	}
	if j.Error != nil {
		ev.ErrorKind = j.Error.Kind
		ev.StatusCode = j.Error.StatusCode
	}
	return ev
}
