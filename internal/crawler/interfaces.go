package crawler

import (
	"context"
	"io"
	"net/http"
	"time"
)

// JobStore is the result store: job records keyed by id, with expiry.
// Transition must read, apply and write atomically per id.
type JobStore interface {
	Create(ctx context.Context, job Job) error
	Get(ctx context.Context, id string) (Job, error)
	Transition(ctx context.Context, id string, update Update) (Job, error)
	Delete(ctx context.Context, id string) error
	// ListPending returns pending jobs last updated before idleBefore, least
	// recently updated first.
	ListPending(ctx context.Context, idleBefore time.Time, limit int) ([]Job, error)
	Ping(ctx context.Context) error
	Close() error
}

// Delivery is one attempt at handing a JobMessage to a consumer.
type Delivery interface {
	Message() JobMessage
	// Attempt is 1 for the first delivery and grows with each redelivery when
	// the broker reports it.
	Attempt() int
	Ack(ctx context.Context) error
	// Nack leaves the message unacknowledged so the broker redelivers it.
	Nack(ctx context.Context) error
}

// Handler processes a single delivery and settles it.
type Handler func(ctx context.Context, d Delivery)

// Queue is the durable work queue between submitters and workers.
type Queue interface {
	Publish(ctx context.Context, msg JobMessage) error
	// Consume blocks until ctx ends, running at most slots handlers at once.
	Consume(ctx context.Context, slots int, handler Handler) error
	Ping(ctx context.Context) error
	Close() error
}

// FetchRequest captures everything needed to fetch a URL.
type FetchRequest struct {
	JobID        string
	URL          string
	Headers      http.Header
	WaitSelector string
	Scroll       bool
}

// FetchResponse is the result returned by a Fetcher implementation.
type FetchResponse struct {
	URL          string
	StatusCode   int
	Headers      http.Header
	Body         []byte
	Duration     time.Duration
	UsedHeadless bool
}

// Fetcher fetches a URL and returns the body plus metadata.
type Fetcher interface {
	Fetch(ctx context.Context, request FetchRequest) (FetchResponse, error)
}

// Extractor turns fetched content into a result payload.
type Extractor interface {
	Extract(ctx context.Context, page FetchResponse, opts Options) (Result, error)
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, r io.Reader) (string, error)
}

// Publisher pushes terminal job events to a topic.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// RateLimiter throttles fetches per target host.
type RateLimiter interface {
	Wait(ctx context.Context, url string) error
}

// Hasher computes digests for snapshot naming and integrity.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces job IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}

// RenderDetector decides whether a plain fetch needs a rendered retry.
type RenderDetector interface {
	ShouldRender(resp FetchResponse) bool
}

// AccessPolicy rejects URLs that must not be fetched, such as blocked hosts
// or paths excluded by robots.txt.
type AccessPolicy interface {
	Check(ctx context.Context, rawURL string) error
}
