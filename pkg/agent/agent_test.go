package agent

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"llmhub/pkg/heartbeat"
	"llmhub/pkg/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/suite"
)

type fakeProbe struct{}

func (fakeProbe) Load(context.Context) (*models.NodeLoad, error) {
	return &models.NodeLoad{CPU: 0.5, Memory: 0.25}, nil
}

func (fakeProbe) Addresses(context.Context) (string, string) {
	return "198.51.100.10", "2001:db8::10"
}

func (fakeProbe) Metadata(context.Context) map[string]string {
	return map[string]string{"hostname": "gpu-box"}
}

type recordingSender struct {
	mu   sync.Mutex
	sent []models.HeartbeatRequest
}

func (r *recordingSender) Publish(_ context.Context, req models.HeartbeatRequest) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, req)
	return nil
}

func (r *recordingSender) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sent)
}

// AgentTestSuite tests the node agent against a fake Ollama.
type AgentTestSuite struct {
	suite.Suite
	ollamaSrv *httptest.Server
	tagsCalls atomic.Int32
	failTags  atomic.Int32
	lastPath  atomic.Value
	lastBody  atomic.Value
	ollama    *Ollama
	cfg       Config
}

// SetupTest starts a fake Ollama server.
func (s *AgentTestSuite) SetupTest() {
	s.tagsCalls.Store(0)
	s.failTags.Store(0)

	s.ollamaSrv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case tagsPath:
			s.tagsCalls.Add(1)
			if s.failTags.Load() > 0 {
				s.failTags.Add(-1)
				hj, ok := w.(http.Hijacker)
				if ok {
					conn, _, _ := hj.Hijack()
					conn.Close()
					return
				}
			}
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"models":[{"name":"llama3:8b"},{"name":"mistral"}]}`))
		case generatePath, chatPath:
			var body map[string]any
			_ = json.NewDecoder(r.Body).Decode(&body)
			s.lastPath.Store(r.URL.Path)
			s.lastBody.Store(body)
			if body["model"] == "missing" {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusNotFound)
				_, _ = w.Write([]byte(`{"error":"model 'missing' not found"}`))
				return
			}
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"response":"hi","done":true,"prompt_eval_count":3,"eval_count":5}`))
		default:
			http.NotFound(w, r)
		}
	}))

	s.ollama = NewOllama(s.ollamaSrv.URL + "/")
	s.cfg = Config{NodeID: "gpu-1", Port: 8001, OllamaURL: s.ollamaSrv.URL, HeartbeatInterval: time.Hour}
}

// TearDownTest stops the fake Ollama server.
func (s *AgentTestSuite) TearDownTest() {
	s.ollamaSrv.Close()
}

// TestListModels tests the tags call.
func (s *AgentTestSuite) TestListModels() {
	names, err := s.ollama.ListModels(context.Background())
	s.Require().NoError(err)
	s.Equal([]string{"llama3:8b", "mistral"}, names)
}

// TestListModelsRetries tests that dropped connections are retried.
func (s *AgentTestSuite) TestListModelsRetries() {
	s.failTags.Store(2)

	names, err := s.ollama.ListModels(context.Background())
	s.Require().NoError(err)
	s.Len(names, 2)
	s.Equal(int32(3), s.tagsCalls.Load())
}

// TestListModelsUnavailable tests the error when Ollama is down.
func (s *AgentTestSuite) TestListModelsUnavailable() {
	s.ollamaSrv.Close()
	_, err := NewOllama(s.ollamaSrv.URL).ListModels(context.Background())
	s.ErrorIs(err, ErrOllamaUnavailable)
}

// TestBuildHeartbeat tests the heartbeat content.
func (s *AgentTestSuite) TestBuildHeartbeat() {
	a := New(s.cfg, s.ollama, fakeProbe{}, &recordingSender{})
	req := a.BuildHeartbeat(context.Background())

	s.Equal("gpu-1", req.NodeID)
	s.Equal(8001, req.Port)
	s.Equal([]string{"llama3:8b", "mistral"}, req.Models)
	s.Equal("198.51.100.10", req.IPv4)
	s.Equal("2001:db8::10", req.IPv6)
	s.Require().NotNil(req.Load)
	s.InDelta(0.5, req.Load.CPU, 1e-9)
	s.Equal("gpu-box", req.Metadata["hostname"])
}

// TestBuildHeartbeatKeepsConfiguredAddress tests that configured addresses win.
func (s *AgentTestSuite) TestBuildHeartbeatKeepsConfiguredAddress() {
	s.cfg.IPv4 = "203.0.113.1"
	s.cfg.TunnelURL = "https://gpu-1.example.net"
	a := New(s.cfg, s.ollama, fakeProbe{}, &recordingSender{})

	req := a.BuildHeartbeat(context.Background())
	s.Equal("203.0.113.1", req.IPv4)
	s.Empty(req.IPv6)
	s.Equal("https://gpu-1.example.net", req.TunnelURL)
}

// TestLoopSendsImmediately tests that the first heartbeat does not wait for the interval.
func (s *AgentTestSuite) TestLoopSendsImmediately() {
	sender := &recordingSender{}
	a := New(s.cfg, s.ollama, fakeProbe{}, sender)

	a.Start()
	s.Eventually(func() bool { return sender.count() == 1 }, 5*time.Second, 10*time.Millisecond)
	a.Stop()
	a.Stop()
	s.Equal(1, sender.count())
}

// TestHTTPSender tests delivery and the node secret header.
func (s *AgentTestSuite) TestHTTPSender() {
	var gotSecret string
	hub := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSecret = r.Header.Get(heartbeat.SecretHeader)
		if r.URL.Path != heartbeatPath {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if gotSecret != "s3cret" {
			w.WriteHeader(http.StatusForbidden)
			_, _ = w.Write([]byte(`{"detail":"invalid node secret"}`))
			return
		}
		_, _ = w.Write([]byte(`{"status":"online","node_id":"gpu-1"}`))
	}))
	defer hub.Close()

	err := NewHTTPSender(hub.URL, "s3cret").Publish(context.Background(), models.HeartbeatRequest{NodeID: "gpu-1"})
	s.NoError(err)
	s.Equal("s3cret", gotSecret)

	err = NewHTTPSender(hub.URL, "wrong").Publish(context.Background(), models.HeartbeatRequest{NodeID: "gpu-1"})
	s.ErrorIs(err, ErrHeartbeatRejected)
}

func (s *AgentTestSuite) post(srv *Server, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/execute", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

// TestExecuteGenerate tests prompt jobs.
func (s *AgentTestSuite) TestExecuteGenerate() {
	srv := NewServer(s.cfg, s.ollama, nil)
	rec := s.post(srv, `{"model":"llama3","prompt":"hello","options":{"temperature":0.1}}`)

	s.Equal(http.StatusOK, rec.Code)
	s.JSONEq(`{"response":"hi","done":true,"prompt_eval_count":3,"eval_count":5}`, rec.Body.String())
	s.Equal(generatePath, s.lastPath.Load())

	body := s.lastBody.Load().(map[string]any)
	s.Equal("hello", body["prompt"])
	s.Equal(false, body["stream"])
	s.Contains(body, "options")
}

// TestExecuteChat tests message jobs.
func (s *AgentTestSuite) TestExecuteChat() {
	srv := NewServer(s.cfg, s.ollama, nil)
	rec := s.post(srv, `{"model":"llama3","messages":[{"role":"user","content":"hi"}]}`)

	s.Equal(http.StatusOK, rec.Code)
	s.Equal(chatPath, s.lastPath.Load())
	s.Contains(s.lastBody.Load().(map[string]any), "messages")
}

// TestExecuteRelaysErrors tests that Ollama errors are passed through.
func (s *AgentTestSuite) TestExecuteRelaysErrors() {
	srv := NewServer(s.cfg, s.ollama, nil)
	rec := s.post(srv, `{"model":"missing","prompt":"x"}`)

	s.Equal(http.StatusNotFound, rec.Code)
	s.Contains(rec.Body.String(), "not found")
}

// TestExecuteOllamaDown tests the 502 answer.
func (s *AgentTestSuite) TestExecuteOllamaDown() {
	s.ollamaSrv.Close()
	srv := NewServer(s.cfg, NewOllama(s.ollamaSrv.URL), nil)
	rec := s.post(srv, `{"model":"llama3","prompt":"x"}`)

	s.Equal(http.StatusBadGateway, rec.Code)
}

// TestExecuteValidation tests rejected bodies.
func (s *AgentTestSuite) TestExecuteValidation() {
	srv := NewServer(s.cfg, s.ollama, nil)
	s.Equal(http.StatusBadRequest, s.post(srv, `{"prompt":"x"}`).Code)
	s.Equal(http.StatusBadRequest, s.post(srv, `{"model":"llama3"}`).Code)
	s.Equal(http.StatusBadRequest, s.post(srv, `{bad`).Code)
}

// TestHealth tests the health endpoint.
func (s *AgentTestSuite) TestHealth() {
	srv := NewServer(s.cfg, s.ollama, nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	s.Equal(http.StatusOK, rec.Code)
	s.JSONEq(`{"status":"ok","node_id":"gpu-1"}`, rec.Body.String())
}

func TestAgentSuite(t *testing.T) {
	suite.Run(t, new(AgentTestSuite))
}

func TestClassify(t *testing.T) {
	tests := []struct {
		raw      string
		wantIPv4 string
		wantIPv6 string
	}{
		{"198.51.100.4/24", "198.51.100.4", ""},
		{"10.0.0.5/8", "10.0.0.5", ""},
		{"127.0.0.1/8", "", ""},
		{"2001:db8::1/64", "", "2001:db8::1"},
		{"fe80::1/64", "", ""},
		{"fd00::1/64", "", ""},
		{"garbage", "", ""},
	}
	for _, tt := range tests {
		v4, v6 := classify(tt.raw)
		assert.Equal(t, tt.wantIPv4, v4, tt.raw)
		assert.Equal(t, tt.wantIPv6, v6, tt.raw)
	}
}
