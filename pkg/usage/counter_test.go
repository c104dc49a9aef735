package usage

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/suite"
)

// CounterTestSuite runs the same rate window checks against every RateCounter
type CounterTestSuite struct {
	suite.Suite
	newCounter func() RateCounter
	cleanup    func()
	counter    RateCounter
	now        time.Time
}

func (s *CounterTestSuite) SetupTest() {
	s.counter = s.newCounter()
	s.now = time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
}

func (s *CounterTestSuite) TearDownTest() {
	if s.cleanup != nil {
		s.cleanup()
	}
}

func (s *CounterTestSuite) hit(callerID string, limits RateLimits, at time.Time) RateDecision {
	decision, err := s.counter.Hit(context.Background(), callerID, limits, at)
	s.Require().NoError(err)
	return decision
}

// TestSixthRequestInMinuteIsRejected tests the per-minute window
func (s *CounterTestSuite) TestSixthRequestInMinuteIsRejected() {
	limits := RateLimits{PerMinute: 5}

	for i := 0; i < 5; i++ {
		decision := s.hit("conn_a", limits, s.now.Add(time.Duration(i)*time.Second))
		s.True(decision.Allowed, "request %d", i+1)
		s.Equal(4-i, decision.MinuteRemaining)
		s.Equal(Unlimited, decision.HourRemaining)
	}

	decision := s.hit("conn_a", limits, s.now.Add(10*time.Second))
	s.False(decision.Allowed)
	s.Equal(0, decision.MinuteRemaining)
	s.Equal(50*time.Second, decision.RetryAfter)

	// The first hit leaves the window after a minute
	s.True(s.hit("conn_a", limits, s.now.Add(61*time.Second)).Allowed)
}

// TestRejectedRequestsAreNotCounted tests that only admitted hits consume the window
func (s *CounterTestSuite) TestRejectedRequestsAreNotCounted() {
	limits := RateLimits{PerMinute: 1}

	s.True(s.hit("conn_a", limits, s.now).Allowed)
	for i := 1; i <= 5; i++ {
		s.False(s.hit("conn_a", limits, s.now.Add(time.Duration(i)*time.Second)).Allowed)
	}
	s.True(s.hit("conn_a", limits, s.now.Add(61*time.Second)).Allowed)
}

// TestHourWindow tests the per-hour threshold
func (s *CounterTestSuite) TestHourWindow() {
	limits := RateLimits{PerMinute: 100, PerHour: 3}

	for i := 0; i < 3; i++ {
		s.True(s.hit("conn_a", limits, s.now.Add(time.Duration(i)*10*time.Minute)).Allowed)
	}

	decision := s.hit("conn_a", limits, s.now.Add(30*time.Minute))
	s.False(decision.Allowed)
	s.Equal(30*time.Minute, decision.RetryAfter)
	s.Equal(0, decision.HourRemaining)

	s.True(s.hit("conn_a", limits, s.now.Add(61*time.Minute)).Allowed)
}

// TestBurst tests the per-second threshold
func (s *CounterTestSuite) TestBurst() {
	limits := RateLimits{Burst: 2}

	s.True(s.hit("conn_a", limits, s.now).Allowed)
	s.True(s.hit("conn_a", limits, s.now).Allowed)

	decision := s.hit("conn_a", limits, s.now)
	s.False(decision.Allowed)
	s.Greater(decision.RetryAfter, time.Duration(0))
	s.LessOrEqual(decision.RetryAfter, time.Second)

	s.True(s.hit("conn_a", limits, s.now.Add(2*time.Second)).Allowed)
}

// TestCallersAreIsolated tests per-caller keys
func (s *CounterTestSuite) TestCallersAreIsolated() {
	limits := RateLimits{PerMinute: 1}

	s.True(s.hit("conn_a", limits, s.now).Allowed)
	s.True(s.hit("conn_b", limits, s.now).Allowed)
	s.False(s.hit("conn_a", limits, s.now).Allowed)
}

// TestUnlimited tests zero thresholds
func (s *CounterTestSuite) TestUnlimited() {
	for i := 0; i < 50; i++ {
		s.True(s.hit("conn_a", RateLimits{}, s.now).Allowed)
	}
}

// TestConcurrentHitsRespectLimit tests the atomic check-and-record
func (s *CounterTestSuite) TestConcurrentHitsRespectLimit() {
	limits := RateLimits{PerMinute: 5}
	var allowed atomic.Int32
	var wg sync.WaitGroup

	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			decision, err := s.counter.Hit(context.Background(), "conn_a", limits, s.now.Add(time.Duration(i)*time.Millisecond))
			s.NoError(err)
			if decision.Allowed {
				allowed.Add(1)
			}
		}(i)
	}
	wg.Wait()

	s.Equal(int32(5), allowed.Load())
}

func TestMemoryCounterSuite(t *testing.T) {
	suite.Run(t, &CounterTestSuite{
		newCounter: func() RateCounter { return NewMemoryStore() },
	})
}

func TestRedisCounterSuite(t *testing.T) {
	server := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	suite.Run(t, &CounterTestSuite{
		newCounter: func() RateCounter { return NewRedisCounter(client, "rate") },
		cleanup:    server.FlushAll,
	})
}

func TestOpenRedis(t *testing.T) {
	server := miniredis.RunT(t)
	addr := server.Addr()

	client, err := OpenRedis(context.Background(), "redis://"+addr)
	if err != nil {
		t.Fatalf("open redis: %v", err)
	}
	_ = client.Close()

	server.Close()
	if _, err := OpenRedis(context.Background(), "redis://"+addr); err == nil {
		t.Fatal("expected error for closed server")
	}
}
