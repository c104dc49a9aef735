// Package dispatch delivers jobs to worker nodes with transport and node failover.
package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"llmhub/pkg/log"
	"llmhub/pkg/models"
	"llmhub/pkg/registry"
	"llmhub/pkg/requestlog"
	"llmhub/pkg/retryclient"

	"github.com/google/uuid"
	"github.com/hashicorp/go-retryablehttp"
)

const (
	DefaultRequestTimeout = 120 * time.Second

	executePath = "/execute"
	// Upper bound on error bodies kept for failure messages and 4xx relays
	maxErrorBody = 64 << 10
	maxMessage   = 300
)

// Registry is the part of the node registry the engine writes to.
type Registry interface {
	Get(nodeID string) (registry.Node, bool)
	BeginAttempt(nodeID string) error
	RecordAttemptResult(nodeID string, success bool) error
	ReleaseAttempt(nodeID string) error
}

// Recorder receives request log entries.
type Recorder interface {
	Add(entry requestlog.Entry)
}

// Job is one unit of work to deliver.
type Job struct {
	ID        string
	CallerID  string
	RequestIP string
	Endpoint  string
	Request   models.JobRequest
}

// Response is a successful node answer. Exactly one of Body and Stream is set.
type Response struct {
	JobID      string
	NodeID     string
	Transport  TransportKind
	StatusCode int
	Header     http.Header
	Body       []byte
	Stream     io.ReadCloser
	Duration   time.Duration
}

// Engine tries candidates in order until one answers.
type Engine struct {
	registry       Registry
	recorder       Recorder
	client         *retryablehttp.Client
	requestTimeout time.Duration
}

// NewEngine creates a dispatch engine. Each transport gets a single try; failover is done here.
func NewEngine(reg Registry, recorder Recorder, requestTimeout time.Duration) *Engine {
	if requestTimeout <= 0 {
		requestTimeout = DefaultRequestTimeout
	}

	return &Engine{
		registry:       reg,
		recorder:       recorder,
		client:         retryclient.New(0, 0, 0),
		requestTimeout: requestTimeout,
	}
}

// NewJobID returns a fresh job id.
func NewJobID() string {
	return uuid.NewString()
}

type outcomeKind int

const (
	outcomeSuccess outcomeKind = iota
	outcomeTransportFailure
	outcomeProviderError
	outcomeAborted
)

type attemptOutcome struct {
	kind     outcomeKind
	response *Response
	provider *ProviderError
	failure  models.NodeFailure
	err      error
}

// Dispatch delivers job to the first candidate that answers with 2xx.
// A 4xx answer is returned as *ProviderError without trying further nodes.
// If every candidate fails the error is *AllNodesFailedError.
func (e *Engine) Dispatch(ctx context.Context, job Job, candidates []string) (*Response, error) {
	if job.ID == "" {
		job.ID = NewJobID()
	}
	if len(candidates) == 0 {
		return nil, ErrNoHealthyNodes
	}

	payload, err := json.Marshal(job.Request)
	if err != nil {
		return nil, fmt.Errorf("encode job: %w", err)
	}

	var failures []models.NodeFailure
	for _, nodeID := range candidates {
		node, ok := e.registry.Get(nodeID)
		if !ok {
			failures = append(failures, models.NodeFailure{
				NodeID: nodeID, Message: "node is no longer registered", Status: http.StatusGone,
			})
			continue
		}

		endpoints := Endpoints(node)
		if len(endpoints) == 0 {
			failures = append(failures, models.NodeFailure{
				NodeID: nodeID, Message: "node has no reachable address", Status: http.StatusServiceUnavailable,
			})
			continue
		}

		resp, nodeFailures, err := e.tryNode(ctx, job, node, endpoints, payload)
		if resp != nil || err != nil {
			return resp, err
		}
		failures = append(failures, nodeFailures...)
	}

	log.Warn().
		Str("job_id", job.ID).
		Str("model", job.Request.Model).
		Int("attempts", len(failures)).
		Msg("All candidate nodes failed")

	return nil, &AllNodesFailedError{JobID: job.ID, Failures: failures}
}

// tryNode walks the node's transports. It returns a response or a terminal error,
// or only the accumulated failures when every transport failed.
func (e *Engine) tryNode(ctx context.Context, job Job, node registry.Node, endpoints []Endpoint, payload []byte) (*Response, []models.NodeFailure, error) {
	if err := e.registry.BeginAttempt(node.ID); err != nil {
		return nil, []models.NodeFailure{{NodeID: node.ID, Message: err.Error(), Status: http.StatusGone}}, nil
	}

	var failures []models.NodeFailure
	for _, ep := range endpoints {
		start := time.Now()
		outcome := e.attempt(ctx, node.ID, ep, payload, job.Request.Stream)
		elapsed := time.Since(start)

		switch outcome.kind {
		case outcomeSuccess:
			e.settle(node.ID, true)
			outcome.response.JobID = job.ID
			outcome.response.Duration = elapsed
			e.record(job, node.ID, ep, outcome.response.StatusCode, "", elapsed)

			log.Debug().
				Str("job_id", job.ID).
				Str("node_id", node.ID).
				Str("transport", string(ep.Kind)).
				Dur("duration", elapsed).
				Msg("Job delivered")
			return outcome.response, nil, nil

		case outcomeProviderError:
			e.release(node.ID)
			outcome.provider.JobID = job.ID
			e.record(job, node.ID, ep, outcome.provider.StatusCode, outcome.provider.Error(), elapsed)
			return nil, nil, outcome.provider

		case outcomeAborted:
			e.release(node.ID)
			return nil, nil, outcome.err

		case outcomeTransportFailure:
			failures = append(failures, outcome.failure)
			e.record(job, node.ID, ep, outcome.failure.Status, outcome.failure.Message, elapsed)

			log.Warn().
				Str("job_id", job.ID).
				Str("node_id", node.ID).
				Str("transport", string(ep.Kind)).
				Int("status", outcome.failure.Status).
				Str("error", outcome.failure.Message).
				Msg("Transport attempt failed")
		}
	}

	e.settle(node.ID, false)
	return nil, failures, nil
}

// attempt performs one call against one transport under its own timeout.
func (e *Engine) attempt(ctx context.Context, nodeID string, ep Endpoint, payload []byte, stream bool) attemptOutcome {
	attemptCtx, cancel := context.WithCancelCause(ctx)
	timer := time.AfterFunc(e.requestTimeout, func() {
		cancel(errAttemptTimeout)
	})
	release := func() {
		timer.Stop()
		cancel(nil)
	}

	req, err := retryablehttp.NewRequestWithContext(attemptCtx, http.MethodPost, ep.URL(executePath), bytes.NewReader(payload))
	if err != nil {
		release()
		return e.failed(nodeID, http.StatusInternalServerError, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		timedOut := errors.Is(context.Cause(attemptCtx), errAttemptTimeout)
		release()
		if ctx.Err() != nil {
			return attemptOutcome{kind: outcomeAborted, err: ctx.Err()}
		}
		if timedOut {
			return e.failed(nodeID, http.StatusGatewayTimeout, fmt.Errorf("timed out after %s", e.requestTimeout))
		}
		return e.failed(nodeID, http.StatusServiceUnavailable, err)
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		if stream {
			// The attempt timeout covers the wait for headers, not the whole stream
			timer.Stop()
			return attemptOutcome{kind: outcomeSuccess, response: &Response{
				NodeID:     nodeID,
				Transport:  ep.Kind,
				StatusCode: resp.StatusCode,
				Header:     resp.Header,
				Stream:     &cancelOnClose{ReadCloser: resp.Body, cancel: func() { cancel(nil) }},
			}}
		}

		body, readErr := io.ReadAll(resp.Body)
		closeBody(resp.Body)
		timedOut := errors.Is(context.Cause(attemptCtx), errAttemptTimeout)
		release()
		if readErr != nil {
			if ctx.Err() != nil {
				return attemptOutcome{kind: outcomeAborted, err: ctx.Err()}
			}
			status := http.StatusServiceUnavailable
			if timedOut {
				status = http.StatusGatewayTimeout
			}
			return e.failed(nodeID, status, fmt.Errorf("read response: %w", readErr))
		}
		return attemptOutcome{kind: outcomeSuccess, response: &Response{
			NodeID:     nodeID,
			Transport:  ep.Kind,
			StatusCode: resp.StatusCode,
			Header:     resp.Header,
			Body:       body,
		}}

	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		closeBody(resp.Body)
		release()
		return attemptOutcome{kind: outcomeProviderError, provider: &ProviderError{
			NodeID:     nodeID,
			StatusCode: resp.StatusCode,
			Header:     resp.Header,
			Body:       body,
		}}

	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		closeBody(resp.Body)
		release()
		message := string(bytes.TrimSpace(body))
		if message == "" {
			message = http.StatusText(resp.StatusCode)
		}
		return e.failed(nodeID, resp.StatusCode, errors.New(message))
	}
}

func (e *Engine) failed(nodeID string, status int, err error) attemptOutcome {
	message := err.Error()
	if len(message) > maxMessage {
		message = message[:maxMessage]
	}
	return attemptOutcome{
		kind:    outcomeTransportFailure,
		failure: models.NodeFailure{NodeID: nodeID, Message: message, Status: status},
	}
}

func (e *Engine) settle(nodeID string, success bool) {
	if err := e.registry.RecordAttemptResult(nodeID, success); err != nil {
		e.logRegistryError(nodeID, err)
	}
}

func (e *Engine) release(nodeID string) {
	if err := e.registry.ReleaseAttempt(nodeID); err != nil {
		e.logRegistryError(nodeID, err)
	}
}

func (e *Engine) logRegistryError(nodeID string, err error) {
	// A node removed while a job was in flight is expected
	if errors.Is(err, registry.ErrNodeNotFound) {
		log.Debug().Str("node_id", nodeID).Msg("Node removed during dispatch")
		return
	}
	log.Error().Err(err).Str("node_id", nodeID).Msg("Registry update failed")
}

func (e *Engine) record(job Job, nodeID string, ep Endpoint, status int, errMsg string, elapsed time.Duration) {
	if e.recorder == nil {
		return
	}
	e.recorder.Add(requestlog.Entry{
		CallerID:   job.CallerID,
		RequestIP:  job.RequestIP,
		Endpoint:   job.Endpoint,
		JobID:      job.ID,
		Model:      job.Request.Model,
		NodeID:     nodeID,
		IPVersion:  string(ep.Kind),
		Provider:   "local",
		StatusCode: status,
		Success:    errMsg == "",
		Error:      errMsg,
		DurationMs: elapsed.Milliseconds(),
	})
}

func closeBody(body io.Closer) {
	if err := body.Close(); err != nil {
		log.Warn().Err(err).Msg("Failed to close node response body")
	}
}

// cancelOnClose releases the attempt context once the stream is closed.
type cancelOnClose struct {
	io.ReadCloser
	cancel func()
}

func (c *cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}
