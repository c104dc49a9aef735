// Package router runs a caller's provider plan over local nodes and the cloud.
package router

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"llmhub/pkg/cloud"
	"llmhub/pkg/dispatch"
	"llmhub/pkg/log"
	"llmhub/pkg/models"
	"llmhub/pkg/requestlog"
)

// ErrNoProvider is returned when no plan step could run, e.g. the cloud is not configured.
var ErrNoProvider = errors.New("no provider available for requested model")

// Selector ranks local candidates.
type Selector interface {
	Select(model string) []string
}

// Dispatcher delivers jobs to local nodes.
type Dispatcher interface {
	Dispatch(ctx context.Context, job dispatch.Job, candidates []string) (*dispatch.Response, error)
}

// CloudProvider is the cloud fallback.
type CloudProvider interface {
	Configured() bool
	ChatCompletion(ctx context.Context, job models.JobRequest) (*cloud.Result, error)
}

// Result is the answer of whichever provider served the job.
type Result struct {
	Provider   Provider
	JobID      string
	NodeID     string
	Transport  dispatch.TransportKind
	StatusCode int
	Header     http.Header
	Body       []byte
	Stream     io.ReadCloser
	Duration   time.Duration
}

// Router executes provider plans.
type Router struct {
	selector   Selector
	dispatcher Dispatcher
	cloud      CloudProvider
	recorder   dispatch.Recorder
}

// New creates a router. cloudProvider may be nil.
func New(selector Selector, dispatcher Dispatcher, cloudProvider CloudProvider, recorder dispatch.Recorder) *Router {
	return &Router{
		selector:   selector,
		dispatcher: dispatcher,
		cloud:      cloudProvider,
		recorder:   recorder,
	}
}

// Route tries each step of the caller's plan until one serves the job.
// A provider 4xx ends routing immediately. When every step fails, the most
// informative error is returned: node failures, then cloud failures, then
// NoHealthyNodes, then ErrNoProvider.
func (r *Router) Route(ctx context.Context, routing models.Routing, job dispatch.Job) (*Result, error) {
	if job.ID == "" {
		job.ID = dispatch.NewJobID()
	}

	var localErr, cloudErr error
	for _, step := range Plan(routing) {
		var (
			result *Result
			err    error
		)

		switch step {
		case ProviderLocal:
			result, err = r.routeLocal(ctx, job)
			if err != nil && !isTerminal(ctx, err) {
				localErr = err
				continue
			}
		case ProviderCloud, ProviderCloudFree:
			if !r.cloudAvailable(step, job.Request.Model) {
				continue
			}
			result, err = r.routeCloud(ctx, job)
			if err != nil && !isTerminal(ctx, err) {
				cloudErr = err
				continue
			}
		}

		if err != nil {
			return nil, err
		}
		result.Provider = step
		return result, nil
	}

	var allFailed *dispatch.AllNodesFailedError
	switch {
	case errors.As(localErr, &allFailed):
		return nil, localErr
	case cloudErr != nil:
		return nil, cloudErr
	case localErr != nil:
		return nil, localErr
	default:
		return nil, ErrNoProvider
	}
}

func (r *Router) routeLocal(ctx context.Context, job dispatch.Job) (*Result, error) {
	resp, err := r.dispatcher.Dispatch(ctx, job, r.selector.Select(job.Request.Model))
	if err != nil {
		if errors.Is(err, dispatch.ErrNoHealthyNodes) {
			log.Info().Str("job_id", job.ID).Str("model", job.Request.Model).Msg("No local node for model")
		}
		return nil, err
	}

	return &Result{
		JobID:      resp.JobID,
		NodeID:     resp.NodeID,
		Transport:  resp.Transport,
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       resp.Body,
		Stream:     resp.Stream,
		Duration:   resp.Duration,
	}, nil
}

func (r *Router) routeCloud(ctx context.Context, job dispatch.Job) (*Result, error) {
	start := time.Now()
	res, err := r.cloud.ChatCompletion(ctx, job.Request)
	elapsed := time.Since(start)

	if err != nil {
		var cloudErr *cloud.Error
		status := http.StatusBadGateway
		if errors.As(err, &cloudErr) {
			status = cloudErr.StatusCode
		}
		r.record(job, status, err.Error(), elapsed)

		if cloudErr != nil && cloudErr.ClientError() {
			return nil, &dispatch.ProviderError{
				JobID:      job.ID,
				Provider:   string(ProviderCloud),
				StatusCode: cloudErr.StatusCode,
				Header:     cloudErr.Header,
				Body:       cloudErr.Body,
			}
		}

		log.Warn().Err(err).Str("job_id", job.ID).Msg("Cloud provider failed")
		return nil, err
	}

	r.record(job, res.StatusCode, "", elapsed)
	return &Result{
		JobID:      job.ID,
		StatusCode: res.StatusCode,
		Header:     res.Header,
		Body:       res.Body,
		Stream:     res.Stream,
		Duration:   elapsed,
	}, nil
}

func (r *Router) cloudAvailable(step Provider, model string) bool {
	if r.cloud == nil || !r.cloud.Configured() {
		log.Debug().Str("step", string(step)).Msg("Cloud provider not configured, skipping")
		return false
	}
	if step == ProviderCloudFree && !cloud.IsFreeModel(model) {
		log.Info().Str("model", model).Msg("Model is not free, skipping free cloud tier")
		return false
	}
	return true
}

func (r *Router) record(job dispatch.Job, status int, errMsg string, elapsed time.Duration) {
	if r.recorder == nil {
		return
	}
	r.recorder.Add(requestlog.Entry{
		CallerID:   job.CallerID,
		RequestIP:  job.RequestIP,
		Endpoint:   job.Endpoint,
		JobID:      job.ID,
		Model:      job.Request.Model,
		Provider:   string(ProviderCloud),
		StatusCode: status,
		Success:    errMsg == "",
		Error:      errMsg,
		DurationMs: elapsed.Milliseconds(),
	})
}

// isTerminal reports errors that must end routing instead of moving to the next step.
func isTerminal(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return true
	}
	var providerErr *dispatch.ProviderError
	if errors.As(err, &providerErr) {
		return true
	}
	return !errors.Is(err, dispatch.ErrNoHealthyNodes) &&
		!errors.Is(err, dispatch.ErrAllNodesFailed) &&
		!errors.Is(err, cloud.ErrCloud)
}
