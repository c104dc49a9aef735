package router

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"
	"time"

	"llmhub/pkg/cloud"
	"llmhub/pkg/dispatch"
	"llmhub/pkg/models"
	"llmhub/pkg/registry"
	"llmhub/pkg/requestlog"
	"llmhub/pkg/selector"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/suite"
)

// mockCloud is a testify mock of the cloud provider
type mockCloud struct {
	mock.Mock
}

func (m *mockCloud) Configured() bool {
	return m.Called().Bool(0)
}

func (m *mockCloud) ChatCompletion(ctx context.Context, job models.JobRequest) (*cloud.Result, error) {
	args := m.Called(ctx, job)
	result, _ := args.Get(0).(*cloud.Result)
	return result, args.Error(1)
}

// RouterTestSuite tests provider plans over real local dispatch and a mocked cloud
type RouterTestSuite struct {
	suite.Suite
	registry *registry.Registry
	log      *requestlog.Log
	cloud    *mockCloud
	router   *Router
	servers  []*httptest.Server
}

func (s *RouterTestSuite) SetupTest() {
	s.registry = registry.New(nil, registry.DefaultThresholds())
	s.log = requestlog.New(50)
	s.cloud = new(mockCloud)
	engine := dispatch.NewEngine(s.registry, s.log, time.Second)
	s.router = New(selector.New(s.registry, false), engine, s.cloud, s.log)
	s.servers = nil
}

func (s *RouterTestSuite) TearDownTest() {
	for _, server := range s.servers {
		server.Close()
	}
}

func (s *RouterTestSuite) node(nodeID string, status int, body string) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(status)
		_, _ = io.WriteString(w, body)
	}))
	s.servers = append(s.servers, server)

	parsed, err := url.Parse(server.URL)
	s.Require().NoError(err)
	port, err := strconv.Atoi(parsed.Port())
	s.Require().NoError(err)

	s.registry.UpsertHeartbeat(registry.Heartbeat{
		NodeID:    nodeID,
		Addresses: registry.Addresses{IPv4: parsed.Hostname()},
		Port:      port,
		Models:    []string{"m"},
	})
}

func (s *RouterTestSuite) job(model string) dispatch.Job {
	return dispatch.Job{CallerID: "conn_1", Endpoint: "/jobs", Request: models.JobRequest{Model: model, Prompt: "p"}}
}

// TestLocalFirst tests that the preferred local step serves the job
func (s *RouterTestSuite) TestLocalFirst() {
	s.node("node-a", http.StatusOK, `{"response":"local"}`)

	result, err := s.router.Route(context.Background(), models.Routing{Prefer: "ollama", Fallback: "openrouter"}, s.job("m"))
	s.Require().NoError(err)
	s.Equal(ProviderLocal, result.Provider)
	s.Equal("node-a", result.NodeID)
	s.NotEmpty(result.JobID)
	s.cloud.AssertNotCalled(s.T(), "ChatCompletion", mock.Anything, mock.Anything)
}

// TestOllamaOnlyWithoutNodes tests NoHealthyNodes without any network call
func (s *RouterTestSuite) TestOllamaOnlyWithoutNodes() {
	_, err := s.router.Route(context.Background(), models.Routing{OllamaOnly: true, Fallback: "openrouter"}, s.job("x"))
	s.ErrorIs(err, dispatch.ErrNoHealthyNodes)
	s.cloud.AssertNotCalled(s.T(), "ChatCompletion", mock.Anything, mock.Anything)
	s.Zero(s.log.Len())
}

// TestFallsBackToCloud tests the fallback step after node exhaustion
func (s *RouterTestSuite) TestFallsBackToCloud() {
	s.node("node-a", http.StatusInternalServerError, "boom")
	s.cloud.On("Configured").Return(true)
	s.cloud.On("ChatCompletion", mock.Anything, mock.MatchedBy(func(job models.JobRequest) bool {
		return job.Model == "m"
	})).Return(&cloud.Result{StatusCode: http.StatusOK, Body: []byte(`{"id":"c"}`)}, nil)

	result, err := s.router.Route(context.Background(), models.Routing{Prefer: "local", Fallback: "cloud"}, s.job("m"))
	s.Require().NoError(err)
	s.Equal(ProviderCloud, result.Provider)
	s.JSONEq(`{"id":"c"}`, string(result.Body))
	s.cloud.AssertExpectations(s.T())

	node, _ := s.registry.Get("node-a")
	s.Equal(1, node.ConsecutiveFailures)
}

// TestNodeFailuresOutrankCloudFailure tests the final error priority
func (s *RouterTestSuite) TestNodeFailuresOutrankCloudFailure() {
	s.node("node-a", http.StatusBadGateway, "down")
	s.cloud.On("Configured").Return(true)
	s.cloud.On("ChatCompletion", mock.Anything, mock.Anything).
		Return(nil, &cloud.Error{StatusCode: http.StatusServiceUnavailable, Message: "busy"})

	_, err := s.router.Route(context.Background(), models.Routing{Prefer: "ollama", Fallback: "openrouter"}, s.job("m"))

	var allFailed *dispatch.AllNodesFailedError
	s.Require().ErrorAs(err, &allFailed)
	s.Len(allFailed.Failures, 1)
}

// TestCloudFailureOutranksNoNodes tests the final error priority without nodes
func (s *RouterTestSuite) TestCloudFailureOutranksNoNodes() {
	s.cloud.On("Configured").Return(true)
	s.cloud.On("ChatCompletion", mock.Anything, mock.Anything).
		Return(nil, &cloud.Error{StatusCode: http.StatusGatewayTimeout, Message: "slow"})

	_, err := s.router.Route(context.Background(), models.Routing{Prefer: "ollama", Fallback: "openrouter"}, s.job("m"))
	s.ErrorIs(err, cloud.ErrCloud)
}

// TestNodeClientErrorStopsPlan tests that a 4xx never reaches the fallback
func (s *RouterTestSuite) TestNodeClientErrorStopsPlan() {
	s.node("node-a", http.StatusBadRequest, `{"error":"bad"}`)

	_, err := s.router.Route(context.Background(), models.Routing{Prefer: "ollama", Fallback: "openrouter"}, s.job("m"))

	var providerErr *dispatch.ProviderError
	s.Require().ErrorAs(err, &providerErr)
	s.Equal(http.StatusBadRequest, providerErr.StatusCode)
	s.cloud.AssertNotCalled(s.T(), "ChatCompletion", mock.Anything, mock.Anything)
}

// TestCloudClientErrorIsRelayed tests cloud 4xx conversion
func (s *RouterTestSuite) TestCloudClientErrorIsRelayed() {
	s.cloud.On("Configured").Return(true)
	s.cloud.On("ChatCompletion", mock.Anything, mock.Anything).
		Return(nil, &cloud.Error{StatusCode: http.StatusUnauthorized, Body: []byte(`{"error":"key"}`)})

	_, err := s.router.Route(context.Background(), models.Routing{CloudOnly: true}, s.job("m"))

	var providerErr *dispatch.ProviderError
	s.Require().ErrorAs(err, &providerErr)
	s.Equal("cloud", providerErr.Provider)
	s.Equal(http.StatusUnauthorized, providerErr.StatusCode)

	entries := s.log.Recent(0)
	s.Require().Len(entries, 1)
	s.Equal("cloud", entries[0].Provider)
	s.False(entries[0].Success)
}

// TestFreeTierSkipsPaidModels tests the free cloud tier filter
func (s *RouterTestSuite) TestFreeTierSkipsPaidModels() {
	s.cloud.On("Configured").Return(true)

	_, err := s.router.Route(context.Background(), models.Routing{CloudOnly: true, Prefer: "openrouter:free"}, s.job("gpt-4o"))
	s.ErrorIs(err, ErrNoProvider)
	s.cloud.AssertNotCalled(s.T(), "ChatCompletion", mock.Anything, mock.Anything)
}

// TestUnconfiguredCloudIsSkipped tests the no provider outcome
func (s *RouterTestSuite) TestUnconfiguredCloudIsSkipped() {
	s.cloud.On("Configured").Return(false)

	_, err := s.router.Route(context.Background(), models.Routing{CloudOnly: true}, s.job("m"))
	s.ErrorIs(err, ErrNoProvider)
}

func TestRouterSuite(t *testing.T) {
	suite.Run(t, new(RouterTestSuite))
}

func TestPlan(t *testing.T) {
	tests := []struct {
		name    string
		routing models.Routing
		want    []Provider
	}{
		{"ollama only wins", models.Routing{OllamaOnly: true, CloudOnly: true, Prefer: "openrouter"}, []Provider{ProviderLocal}},
		{"cloud only default", models.Routing{CloudOnly: true, Prefer: "ollama"}, []Provider{ProviderCloud}},
		{"cloud only keeps free preference", models.Routing{CloudOnly: true, Prefer: "openrouter:free"}, []Provider{ProviderCloudFree}},
		{"prefer then fallback", models.Routing{Prefer: "ollama", Fallback: "openrouter"}, []Provider{ProviderLocal, ProviderCloud}},
		{"cloud preferred", models.Routing{Prefer: "cloud", Fallback: "local"}, []Provider{ProviderCloud, ProviderLocal}},
		{"same fallback dropped", models.Routing{Prefer: "ollama", Fallback: "local"}, []Provider{ProviderLocal}},
		{"empty defaults to local", models.Routing{}, []Provider{ProviderLocal}},
		{"unknown fallback dropped", models.Routing{Prefer: "ollama", Fallback: "azure"}, []Provider{ProviderLocal}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Plan(tt.routing))
		})
	}
}
