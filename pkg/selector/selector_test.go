package selector

import (
	"testing"
	"time"

	"llmhub/pkg/models"
	"llmhub/pkg/registry"

	"github.com/stretchr/testify/suite"
)

// SelectorTestSuite tests candidate ordering against a real registry
type SelectorTestSuite struct {
	suite.Suite
	clock    *registry.ManualClock
	registry *registry.Registry
}

func (s *SelectorTestSuite) SetupTest() {
	s.clock = registry.NewManualClock(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	s.registry = registry.New(s.clock, registry.DefaultThresholds())
}

func (s *SelectorTestSuite) add(nodeID string, cpu float64, modelNames ...string) {
	s.registry.UpsertHeartbeat(registry.Heartbeat{
		NodeID: nodeID,
		Models: modelNames,
		Load:   &models.NodeLoad{CPU: cpu},
	})
}

func (s *SelectorTestSuite) busy(nodeID string, jobs int) {
	for i := 0; i < jobs; i++ {
		s.Require().NoError(s.registry.BeginAttempt(nodeID))
	}
}

func (s *SelectorTestSuite) degrade(nodeID string) {
	for i := 0; i < registry.DefaultMaxFailures; i++ {
		s.Require().NoError(s.registry.BeginAttempt(nodeID))
		s.Require().NoError(s.registry.RecordAttemptResult(nodeID, false))
	}
}

// TestFewerActiveJobsWins tests the primary sort key
func (s *SelectorTestSuite) TestFewerActiveJobsWins() {
	s.add("node-b", 0.1, "m")
	s.add("node-a", 0.9, "m")
	s.add("node-c", 0.1, "m")
	s.busy("node-b", 2)
	s.degrade("node-c")

	s.Equal([]string{"node-a", "node-b"}, New(s.registry, false).Select("m"))
}

// TestSilentNodeExcludedWithoutSweep tests the TTL exclusion between sweeps
func (s *SelectorTestSuite) TestSilentNodeExcludedWithoutSweep() {
	s.add("node-a", 0.1, "m")
	s.clock.Advance(registry.DefaultHeartbeatTTL / 2)
	s.add("node-b", 0.9, "m")

	s.clock.Advance(registry.DefaultHeartbeatTTL / 2)
	s.Equal([]string{"node-b"}, New(s.registry, true).Select("m"))
}

// TestCPUThenFailuresThenID tests the secondary keys and the tie breaker
func (s *SelectorTestSuite) TestCPUThenFailuresThenID() {
	s.add("node-d", 0.5, "m")
	s.add("node-c", 0.5, "m")
	s.add("node-b", 0.5, "m")
	s.add("node-a", 0.7, "m")

	// one lifetime failure on node-b, then a success so it stays online
	s.Require().NoError(s.registry.BeginAttempt("node-b"))
	s.Require().NoError(s.registry.RecordAttemptResult("node-b", false))

	s.Equal([]string{"node-c", "node-d", "node-b", "node-a"}, New(s.registry, false).Select("m"))
}

// TestUnreportedLoadSortsLast tests the pessimistic cpu default
func (s *SelectorTestSuite) TestUnreportedLoadSortsLast() {
	s.registry.UpsertHeartbeat(registry.Heartbeat{NodeID: "node-a", Models: []string{"m"}})
	s.add("node-b", 0.95, "m")

	s.Equal([]string{"node-b", "node-a"}, New(s.registry, false).Select("m"))
}

// TestOfflineNodesAreExcluded tests that silent nodes stay out of the list
func (s *SelectorTestSuite) TestOfflineNodesAreExcluded() {
	s.add("node-a", 0.1, "m")
	s.clock.Advance(registry.DefaultHeartbeatTTL)
	s.add("node-b", 0.1, "m")
	s.registry.Sweep()

	s.Equal([]string{"node-b"}, New(s.registry, false).Select("m"))
	s.Len(s.registry.List(), 2)
}

// TestDegradedAsLastResort tests the allow degraded flag
func (s *SelectorTestSuite) TestDegradedAsLastResort() {
	s.add("node-a", 0.9, "m")
	s.add("node-b", 0.0, "m")
	s.degrade("node-b")

	s.Equal([]string{"node-a"}, New(s.registry, false).Select("m"))
	s.Equal([]string{"node-a", "node-b"}, New(s.registry, true).Select("m"))
}

// TestNoCandidates tests the empty outcome
func (s *SelectorTestSuite) TestNoCandidates() {
	s.add("node-a", 0.1, "m")
	s.Empty(New(s.registry, true).Select("x"))
}

// TestWildcardNode tests that a wildcard node is eligible for any model
func (s *SelectorTestSuite) TestWildcardNode() {
	s.add("node-a", 0.1, models.Wildcard)
	s.Equal([]string{"node-a"}, New(s.registry, false).Select("anything"))
}

func TestSelectorSuite(t *testing.T) {
	suite.Run(t, new(SelectorTestSuite))
}
