// Package cloud talks to an OpenAI-compatible cloud inference API.
package cloud

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"llmhub/pkg/log"
	"llmhub/pkg/models"
	"llmhub/pkg/retryclient"

	"github.com/hashicorp/go-retryablehttp"
)

const (
	DefaultBaseURL  = "https://openrouter.ai/api"
	DefaultTimeout  = 60 * time.Second
	DefaultRetryMax = 2

	completionsPath = "/v1/chat/completions"
	retryWaitMin    = 200 * time.Millisecond
	retryWaitMax    = 2 * time.Second
	maxErrorBody    = 64 << 10
)

// Config configures the cloud client.
type Config struct {
	BaseURL         string
	APIKey          string
	SiteURL         string
	SiteName        string
	Timeout         time.Duration
	RetryMax        int
	CostPer1KTokens float64
}

// Result is a successful cloud answer. Exactly one of Body and Stream is set.
type Result struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	Stream     io.ReadCloser
}

// Client calls the cloud chat completions endpoint.
type Client struct {
	cfg  Config
	http *retryablehttp.Client
}

// New creates a cloud client. Connection failures are retried RetryMax times.
func New(cfg Config) *Client {
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}

	return &Client{
		cfg:  cfg,
		http: retryclient.New(cfg.RetryMax, retryWaitMin, retryWaitMax),
	}
}

// Configured reports whether an API key is set.
func (c *Client) Configured() bool {
	return c != nil && c.cfg.APIKey != ""
}

// Cost returns the price of the given token count.
func (c *Client) Cost(tokens int64) float64 {
	return float64(tokens) / 1000 * c.cfg.CostPer1KTokens
}

// ChatCompletion sends job to the cloud provider.
// Non-2xx answers are returned as *Error.
func (c *Client) ChatCompletion(ctx context.Context, job models.JobRequest) (*Result, error) {
	if !c.Configured() {
		return nil, ErrNotConfigured
	}

	payload, err := json.Marshal(buildPayload(job))
	if err != nil {
		return nil, fmt.Errorf("encode cloud request: %w", err)
	}

	var cancel context.CancelFunc
	if job.Stream {
		ctx, cancel = context.WithCancel(ctx)
	} else {
		ctx, cancel = context.WithTimeout(ctx, c.cfg.Timeout)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+completionsPath, bytes.NewReader(payload))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("build cloud request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	if c.cfg.SiteURL != "" {
		req.Header.Set("HTTP-Referer", c.cfg.SiteURL)
	}
	if c.cfg.SiteName != "" {
		req.Header.Set("X-Title", c.cfg.SiteName)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		cancel()
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, &Error{StatusCode: http.StatusGatewayTimeout, Message: err.Error()}
		}
		return nil, &Error{StatusCode: http.StatusBadGateway, Message: err.Error()}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		_ = resp.Body.Close()
		cancel()
		return nil, &Error{
			StatusCode: resp.StatusCode,
			Message:    strings.TrimSpace(string(body)),
			Header:     resp.Header,
			Body:       body,
		}
	}

	if job.Stream {
		return &Result{
			StatusCode: resp.StatusCode,
			Header:     resp.Header,
			Stream:     &streamBody{ReadCloser: resp.Body, cancel: cancel},
		}, nil
	}
	defer cancel()

	body, err := io.ReadAll(resp.Body)
	if closeErr := resp.Body.Close(); closeErr != nil {
		log.Warn().Err(closeErr).Msg("Failed to close cloud response body")
	}
	if err != nil {
		return nil, &Error{StatusCode: http.StatusBadGateway, Message: err.Error()}
	}

	log.Info().
		Str("model", job.Model).
		Dur("latency", time.Since(start)).
		Msg("Cloud completion finished")

	return &Result{StatusCode: resp.StatusCode, Header: resp.Header, Body: body}, nil
}

func buildPayload(job models.JobRequest) map[string]any {
	messages := job.Messages
	if len(messages) == 0 {
		messages = []models.Message{{Role: "user", Content: job.Prompt}}
	}

	payload := map[string]any{
		"model":    job.Model,
		"messages": messages,
		"stream":   job.Stream,
	}

	for _, key := range []string{"temperature", "top_p", "seed", "stop", "frequency_penalty", "presence_penalty"} {
		if v, ok := job.Options[key]; ok {
			payload[key] = v
		}
	}
	if v, ok := job.Options["max_tokens"]; ok {
		payload["max_tokens"] = v
	} else if v, ok := job.Options["num_predict"]; ok {
		payload["max_tokens"] = v
	}

	return payload
}

// IsFreeModel reports whether model is served by the free cloud tier.
func IsFreeModel(model string) bool {
	lower := strings.ToLower(model)
	for _, marker := range []string{":free", "/free", "free:"} {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

type streamBody struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (s *streamBody) Close() error {
	err := s.ReadCloser.Close()
	s.cancel()
	return err
}
