package admission

import (
	"context"
	"errors"
	"testing"
	"time"

	"llmhub/pkg/callers"
	"llmhub/pkg/models"
	"llmhub/pkg/registry"
	"llmhub/pkg/usage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/suite"
)

type mockLookup struct {
	mock.Mock
}

func (m *mockLookup) GetByKeyHash(ctx context.Context, keyHash string) (*models.Caller, error) {
	args := m.Called(ctx, keyHash)
	caller, _ := args.Get(0).(*models.Caller)
	return caller, args.Error(1)
}

// AdmissionTestSuite tests the admission Controller.
type AdmissionTestSuite struct {
	suite.Suite
	ctx    context.Context
	lookup *mockLookup
	store  *usage.MemoryStore
	clock  *registry.ManualClock
	ctrl   *Controller
	caller *models.Caller
}

// SetupTest creates a controller with one known caller.
func (s *AdmissionTestSuite) SetupTest() {
	s.ctx = context.Background()
	s.lookup = new(mockLookup)
	s.store = usage.NewMemoryStore()
	s.clock = registry.NewManualClock(time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC))
	s.ctrl = New(s.lookup, s.store, s.clock)

	s.caller = &models.Caller{
		ID:                 "conn_a",
		APIKeyHash:         callers.HashKey("sk-good"),
		Priority:           5,
		AllowedModels:      []string{"*"},
		RateLimitPerMinute: 5,
		RateLimitPerHour:   100,
		Routing:            models.Routing{Prefer: "ollama", Fallback: "openrouter"},
		IsActive:           true,
	}
	s.lookup.On("GetByKeyHash", mock.Anything, callers.HashKey("sk-good")).Return(s.caller, nil).Maybe()
	s.lookup.On("GetByKeyHash", mock.Anything, mock.Anything).Return(nil, callers.ErrCallerNotFound).Maybe()
}

// TestAdmit tests the happy path.
func (s *AdmissionTestSuite) TestAdmit() {
	grant, err := s.ctrl.Admit(s.ctx, "sk-good", "llama3")
	s.Require().NoError(err)
	s.Equal("conn_a", grant.Caller.ID)
	s.Equal("ollama", grant.Routing.Prefer)
	s.Equal(5, grant.Priority)
}

// TestAdmitCallerSkipsLookup tests admission of an already authenticated caller.
func (s *AdmissionTestSuite) TestAdmitCallerSkipsLookup() {
	lookup := new(mockLookup)
	ctrl := New(lookup, s.store, s.clock)

	grant, err := ctrl.AdmitCaller(s.ctx, s.caller, "llama3")
	s.Require().NoError(err)
	s.Equal("conn_a", grant.Caller.ID)
	lookup.AssertNotCalled(s.T(), "GetByKeyHash", mock.Anything, mock.Anything)

	s.caller.BlockedModels = []string{"llama3"}
	_, err = ctrl.AdmitCaller(s.ctx, s.caller, "llama3")
	s.ErrorIs(err, ErrModelNotAllowed)
}

// TestUnknownKey tests rejection of unknown and missing keys.
func (s *AdmissionTestSuite) TestUnknownKey() {
	_, err := s.ctrl.Admit(s.ctx, "sk-bad", "llama3")
	s.ErrorIs(err, ErrAuth)

	_, err = s.ctrl.Admit(s.ctx, "", "llama3")
	s.ErrorIs(err, ErrAuth)
}

// TestInactiveCaller tests that inactive callers are rejected.
func (s *AdmissionTestSuite) TestInactiveCaller() {
	s.caller.IsActive = false
	_, err := s.ctrl.Admit(s.ctx, "sk-good", "llama3")
	s.ErrorIs(err, ErrAuth)
}

// TestLookupFailure tests that store errors are not reported as auth errors.
func (s *AdmissionTestSuite) TestLookupFailure() {
	lookup := new(mockLookup)
	lookup.On("GetByKeyHash", mock.Anything, mock.Anything).Return(nil, callers.ErrDatabaseError)
	ctrl := New(lookup, s.store, s.clock)

	_, err := ctrl.Admit(s.ctx, "sk-good", "llama3")
	s.ErrorIs(err, callers.ErrDatabaseError)
	var rejection *Rejection
	s.False(errors.As(err, &rejection))
}

// TestModelLists tests the allow and block lists.
func (s *AdmissionTestSuite) TestModelLists() {
	s.caller.AllowedModels = []string{"llama3", "mistral"}
	s.caller.BlockedModels = []string{"mistral"}

	_, err := s.ctrl.Admit(s.ctx, "sk-good", "llama3")
	s.NoError(err)

	_, err = s.ctrl.Admit(s.ctx, "sk-good", "mistral")
	s.ErrorIs(err, ErrModelNotAllowed)

	_, err = s.ctrl.Admit(s.ctx, "sk-good", "phi3")
	s.ErrorIs(err, ErrModelNotAllowed)
}

// TestSixthRequestIsRateLimited tests the per-minute threshold.
func (s *AdmissionTestSuite) TestSixthRequestIsRateLimited() {
	for i := 0; i < 5; i++ {
		_, err := s.ctrl.Admit(s.ctx, "sk-good", "llama3")
		s.Require().NoError(err, "request %d", i+1)
		s.clock.Advance(time.Second)
	}

	_, err := s.ctrl.Admit(s.ctx, "sk-good", "llama3")
	s.Require().ErrorIs(err, ErrRateLimited)

	var rejection *Rejection
	s.Require().True(errors.As(err, &rejection))
	s.Equal(0, rejection.MinuteRemaining)
	s.Positive(rejection.RetryAfter)
	s.GreaterOrEqual(rejection.RetryAfterSeconds(), 1)

	s.clock.Advance(time.Minute)
	_, err = s.ctrl.Admit(s.ctx, "sk-good", "llama3")
	s.NoError(err)
}

// TestModelCheckPrecedesRateLimit tests that disallowed models use no rate budget.
func (s *AdmissionTestSuite) TestModelCheckPrecedesRateLimit() {
	s.caller.BlockedModels = []string{"mistral"}
	s.caller.RateLimitPerMinute = 1

	_, err := s.ctrl.Admit(s.ctx, "sk-good", "mistral")
	s.ErrorIs(err, ErrModelNotAllowed)

	_, err = s.ctrl.Admit(s.ctx, "sk-good", "llama3")
	s.NoError(err)
}

// TestTokenQuota tests daily and monthly token caps.
func (s *AdmissionTestSuite) TestTokenQuota() {
	s.caller.Quota = models.Quota{TokensPerDay: 100}
	s.caller.RateLimitPerMinute = 0

	s.ctrl.Account(s.ctx, "conn_a", usage.Delta{Success: true, TokensIn: 40, TokensOut: 59})
	_, err := s.ctrl.Admit(s.ctx, "sk-good", "llama3")
	s.NoError(err)

	s.ctrl.Account(s.ctx, "conn_a", usage.Delta{Success: true, TokensOut: 1})
	_, err = s.ctrl.Admit(s.ctx, "sk-good", "llama3")
	s.Require().ErrorIs(err, ErrQuotaExceeded)
	var rejection *Rejection
	s.Require().True(errors.As(err, &rejection))
	s.False(rejection.Spend)

	// Next day the daily cap resets
	s.clock.Advance(24 * time.Hour)
	_, err = s.ctrl.Admit(s.ctx, "sk-good", "llama3")
	s.NoError(err)

	s.caller.Quota = models.Quota{TokensPerMonth: 100}
	_, err = s.ctrl.Admit(s.ctx, "sk-good", "llama3")
	s.ErrorIs(err, ErrQuotaExceeded)
}

// TestSpendQuota tests that spend caps are flagged.
func (s *AdmissionTestSuite) TestSpendQuota() {
	s.caller.Quota = models.Quota{SpendPerMonth: 1.0}
	s.ctrl.Account(s.ctx, "conn_a", usage.Delta{Success: true, CostUSD: 1.25})

	_, err := s.ctrl.Admit(s.ctx, "sk-good", "llama3")
	var rejection *Rejection
	s.Require().True(errors.As(err, &rejection))
	s.ErrorIs(err, ErrQuotaExceeded)
	s.True(rejection.Spend)
}

// TestUsage tests usage reporting.
func (s *AdmissionTestSuite) TestUsage() {
	s.ctrl.Account(s.ctx, "conn_a", usage.Delta{Success: true, TokensIn: 3, TokensOut: 4, LatencyMs: 10})
	s.ctrl.Account(s.ctx, "conn_a", usage.Delta{Success: false, LatencyMs: 30})

	day, err := s.ctrl.Usage(s.ctx, "conn_a", false)
	s.Require().NoError(err)
	s.Equal(int64(2), day.RequestsTotal)
	s.Equal(int64(1), day.RequestsFailed)
	s.Equal(int64(7), day.TokensTotal)
	s.InDelta(20.0, day.AvgLatencyMs, 1e-9)

	month, err := s.ctrl.Usage(s.ctx, "conn_a", true)
	s.Require().NoError(err)
	s.Equal(day.RequestsTotal, month.RequestsTotal)
}

func TestAdmissionSuite(t *testing.T) {
	suite.Run(t, new(AdmissionTestSuite))
}

func TestBearerToken(t *testing.T) {
	tests := []struct {
		header string
		want   string
	}{
		{"Bearer sk-1", "sk-1"},
		{"bearer  sk-2 ", "sk-2"},
		{"Basic abc", ""},
		{"Bearer", ""},
		{"", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, BearerToken(tt.header), tt.header)
	}
}
