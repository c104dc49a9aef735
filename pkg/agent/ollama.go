package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"llmhub/pkg/models"
	"llmhub/pkg/retryclient"

	"github.com/hashicorp/go-retryablehttp"
)

const (
	tagsPath     = "/api/tags"
	generatePath = "/api/generate"
	chatPath     = "/api/chat"

	tagsRetryMax     = 2
	tagsRetryWaitMin = 500 * time.Millisecond
	tagsRetryWaitMax = 2 * time.Second
	tagsTimeout      = 15 * time.Second
)

// ErrOllamaUnavailable is returned when Ollama cannot be reached.
var ErrOllamaUnavailable = errors.New("ollama unavailable")

// Ollama talks to the local inference engine.
type Ollama struct {
	baseURL string
	tags    *retryablehttp.Client
	forward *retryablehttp.Client
}

// NewOllama creates an Ollama client for baseURL.
func NewOllama(baseURL string) *Ollama {
	return &Ollama{
		baseURL: strings.TrimRight(baseURL, "/"),
		tags:    retryclient.New(tagsRetryMax, tagsRetryWaitMin, tagsRetryWaitMax),
		forward: retryclient.New(0, 0, 0),
	}
}

type tagsResponse struct {
	Models []struct {
		Name string `json:"name"`
	} `json:"models"`
}

// ListModels returns the names of the locally installed models.
func (o *Ollama) ListModels(ctx context.Context) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, tagsTimeout)
	defer cancel()

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, o.baseURL+tagsPath, nil)
	if err != nil {
		return nil, err
	}

	resp, err := o.tags.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrOllamaUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: %s returned %d", ErrOllamaUnavailable, tagsPath, resp.StatusCode)
	}

	var tags tagsResponse
	if err := json.NewDecoder(resp.Body).Decode(&tags); err != nil {
		return nil, fmt.Errorf("decode %s: %w", tagsPath, err)
	}

	names := make([]string, 0, len(tags.Models))
	for _, m := range tags.Models {
		if m.Name != "" {
			names = append(names, m.Name)
		}
	}
	return names, nil
}

// Execute forwards a job to /api/chat when it carries messages and to
// /api/generate otherwise. The caller owns the response body.
func (o *Ollama) Execute(ctx context.Context, job models.JobRequest) (*http.Response, error) {
	path, payload := ollamaPayload(job)

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode job: %w", err)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.forward.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrOllamaUnavailable, err)
	}
	return resp, nil
}

func ollamaPayload(job models.JobRequest) (string, map[string]any) {
	payload := map[string]any{
		"model":  job.Model,
		"stream": job.Stream,
	}
	if len(job.Options) > 0 {
		payload["options"] = job.Options
	}

	if len(job.Messages) > 0 {
		payload["messages"] = job.Messages
		return chatPath, payload
	}
	payload["prompt"] = job.Prompt
	return generatePath, payload
}
