package dispatch

import (
	"errors"
	"fmt"
	"net/http"

	"llmhub/pkg/models"
)

var (
	// ErrNoHealthyNodes is returned when the candidate list is empty.
	ErrNoHealthyNodes = errors.New("No healthy nodes available for requested model") //nolint:staticcheck // surfaced verbatim to callers

	// ErrAllNodesFailed is matched by AllNodesFailedError.
	ErrAllNodesFailed = errors.New("All candidate nodes failed to execute the job") //nolint:staticcheck // surfaced verbatim to callers

	// ErrProvider is matched by ProviderError.
	ErrProvider = errors.New("provider rejected the request")

	errAttemptTimeout = errors.New("attempt timed out")
)

// AllNodesFailedError aggregates every failed attempt of a job.
type AllNodesFailedError struct {
	JobID    string
	Failures []models.NodeFailure
}

func (e *AllNodesFailedError) Error() string {
	return fmt.Sprintf("%s: job %s, %d failed attempts", ErrAllNodesFailed, e.JobID, len(e.Failures))
}

func (e *AllNodesFailedError) Unwrap() error {
	return ErrAllNodesFailed
}

// Detail returns the response body detail object.
func (e *AllNodesFailedError) Detail() models.AllFailedDetail {
	failures := e.Failures
	if failures == nil {
		failures = []models.NodeFailure{}
	}
	return models.AllFailedDetail{
		Message: ErrAllNodesFailed.Error(),
		Errors:  failures,
		JobID:   e.JobID,
	}
}

// ProviderError is a 4xx answer from a node or provider, relayed to the caller as is.
type ProviderError struct {
	JobID      string
	NodeID     string
	Provider   string
	StatusCode int
	Header     http.Header
	Body       []byte
}

func (e *ProviderError) Error() string {
	source := e.NodeID
	if source == "" {
		source = e.Provider
	}
	return fmt.Sprintf("%s: %s answered %d", ErrProvider, source, e.StatusCode)
}

func (e *ProviderError) Unwrap() error {
	return ErrProvider
}

// ContentType returns the relayed content type, defaulting to JSON.
func (e *ProviderError) ContentType() string {
	if ct := e.Header.Get("Content-Type"); ct != "" {
		return ct
	}
	return "application/json"
}
