package crawler

import (
	"errors"
	"fmt"
)

var (
	// ErrJobNotFound is returned when an id was never issued or has expired.
	ErrJobNotFound = errors.New("job not found")
	// ErrJobExists is returned when creating a record under an id already in use.
	ErrJobExists = errors.New("job already exists")
	// ErrTerminal is returned when an update would move a finished job backwards.
	ErrTerminal = errors.New("job already in terminal state")
	// ErrInvalidTransition is returned for updates the state machine does not allow.
	ErrInvalidTransition = errors.New("invalid job status transition")
	// ErrNotStale is returned when a republish claim finds the job picked up
	// or already claimed since the sweep listed it.
	ErrNotStale = errors.New("job is not a stale pending record")
	// ErrDisallowed is returned when the access policy forbids fetching a URL.
	ErrDisallowed = errors.New("fetch disallowed")
)

// ValidationError reports malformed submission input. It never reaches the queue.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// InfrastructureError wraps store or broker failures. Workers leave the
// message unacknowledged when they see one.
type InfrastructureError struct {
	Op  string
	Err error
}

func (e *InfrastructureError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *InfrastructureError) Unwrap() error {
	return e.Err
}

// FetchError is returned by fetchers for transport failures and HTTP error statuses.
type FetchError struct {
	URL        string
	StatusCode int
	Err        error
}

func (e *FetchError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("fetch %s: status %d: %v", e.URL, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("fetch %s: %v", e.URL, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// ExtractionError is returned by extractors when content cannot be turned into a result.
type ExtractionError struct {
	Message string
	Err     error
}

func (e *ExtractionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("extract: %s: %v", e.Message, e.Err)
	}
	return "extract: " + e.Message
}

func (e *ExtractionError) Unwrap() error {
	return e.Err
}

// IsInfrastructure reports whether err should trigger broker redelivery.
func IsInfrastructure(err error) bool {
	var infra *InfrastructureError
	return errors.As(err, &infra)
}
