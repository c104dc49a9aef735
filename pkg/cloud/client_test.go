package cloud

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"llmhub/pkg/models"

	"github.com/stretchr/testify/suite"
)

// ClientTestSuite tests the cloud client against a fake OpenAI-compatible API
type ClientTestSuite struct {
	suite.Suite
	server   *httptest.Server
	handler  http.HandlerFunc
	client   *Client
	lastBody map[string]any
	lastAuth string
}

func (s *ClientTestSuite) SetupTest() {
	s.lastBody = nil
	s.handler = func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"id":"c1","usage":{"prompt_tokens":3,"completion_tokens":5}}`)
	}
	s.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.Equal("/v1/chat/completions", r.URL.Path)
		s.lastAuth = r.Header.Get("Authorization")
		s.NoError(json.NewDecoder(r.Body).Decode(&s.lastBody))
		s.handler(w, r)
	}))
	s.client = New(Config{
		BaseURL:         s.server.URL + "/",
		APIKey:          "sk-test",
		Timeout:         time.Second,
		RetryMax:        1,
		CostPer1KTokens: 2,
	})
}

func (s *ClientTestSuite) TearDownTest() {
	s.server.Close()
}

// TestPromptBecomesMessages tests request translation
func (s *ClientTestSuite) TestPromptBecomesMessages() {
	result, err := s.client.ChatCompletion(context.Background(), models.JobRequest{
		Model:   "meta/llama:free",
		Prompt:  "hello",
		Options: map[string]any{"temperature": 0.3, "num_predict": 64, "top_k": 5},
	})
	s.Require().NoError(err)
	s.Equal(http.StatusOK, result.StatusCode)
	s.JSONEq(`{"id":"c1","usage":{"prompt_tokens":3,"completion_tokens":5}}`, string(result.Body))

	s.Equal("Bearer sk-test", s.lastAuth)
	s.Equal("meta/llama:free", s.lastBody["model"])
	s.Equal([]any{map[string]any{"role": "user", "content": "hello"}}, s.lastBody["messages"])
	s.InDelta(0.3, s.lastBody["temperature"], 1e-9)
	s.InDelta(64, s.lastBody["max_tokens"], 1e-9)
	s.NotContains(s.lastBody, "top_k")
}

// TestClientErrorIsReported tests 4xx handling
func (s *ClientTestSuite) TestClientErrorIsReported() {
	s.handler = func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = io.WriteString(w, `{"error":"unknown model"}`)
	}

	_, err := s.client.ChatCompletion(context.Background(), models.JobRequest{Model: "x", Prompt: "p"})

	var cloudErr *Error
	s.Require().ErrorAs(err, &cloudErr)
	s.ErrorIs(err, ErrCloud)
	s.True(cloudErr.ClientError())
	s.Equal(http.StatusUnprocessableEntity, cloudErr.StatusCode)
	s.JSONEq(`{"error":"unknown model"}`, string(cloudErr.Body))
}

// TestServerErrorIsNotClientError tests 5xx handling
func (s *ClientTestSuite) TestServerErrorIsNotClientError() {
	s.handler = func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}

	_, err := s.client.ChatCompletion(context.Background(), models.JobRequest{Model: "x", Prompt: "p"})

	var cloudErr *Error
	s.Require().ErrorAs(err, &cloudErr)
	s.False(cloudErr.ClientError())
}

// TestStream tests pass-through streaming
func (s *ClientTestSuite) TestStream() {
	s.handler = func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = io.WriteString(w, "data: {}\n\ndata: [DONE]\n\n")
	}

	result, err := s.client.ChatCompletion(context.Background(), models.JobRequest{Model: "x", Prompt: "p", Stream: true})
	s.Require().NoError(err)
	s.Require().NotNil(result.Stream)

	data, err := io.ReadAll(result.Stream)
	s.Require().NoError(err)
	s.NoError(result.Stream.Close())
	s.Contains(string(data), "[DONE]")
	s.Equal(true, s.lastBody["stream"])
}

// TestNotConfigured tests the missing key case
func (s *ClientTestSuite) TestNotConfigured() {
	client := New(Config{})
	s.False(client.Configured())

	_, err := client.ChatCompletion(context.Background(), models.JobRequest{Model: "x"})
	s.ErrorIs(err, ErrNotConfigured)
}

// TestCost tests token pricing
func (s *ClientTestSuite) TestCost() {
	s.InDelta(3.0, s.client.Cost(1500), 1e-9)
}

// TestIsFreeModel tests the free tier markers
func (s *ClientTestSuite) TestIsFreeModel() {
	s.True(IsFreeModel("meta-llama/llama-3-8b:free"))
	s.True(IsFreeModel("vendor/FREE"))
	s.True(IsFreeModel("free:small"))
	s.False(IsFreeModel("openai/gpt-4o"))
	s.False(IsFreeModel("freestyle"))
}

func TestClientSuite(t *testing.T) {
	suite.Run(t, new(ClientTestSuite))
}
