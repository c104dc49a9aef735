package registry

import (
	"time"

	"llmhub/pkg/models"
)

const (
	DefaultHeartbeatTTL     = 90 * time.Second
	DefaultHeartbeatOffline = 180 * time.Second
	DefaultMaxFailures      = 3
)

// Thresholds configures the time and failure limits of the health state machine.
type Thresholds struct {
	TTL         time.Duration
	Offline     time.Duration
	MaxFailures int
}

// DefaultThresholds returns 90s TTL, 180s removal window and 3 consecutive failures.
func DefaultThresholds() Thresholds {
	return Thresholds{
		TTL:         DefaultHeartbeatTTL,
		Offline:     DefaultHeartbeatOffline,
		MaxFailures: DefaultMaxFailures,
	}
}

func (t Thresholds) withDefaults() Thresholds {
	if t.TTL <= 0 {
		t.TTL = DefaultHeartbeatTTL
	}
	if t.Offline <= 0 {
		t.Offline = DefaultHeartbeatOffline
	}
	if t.MaxFailures <= 0 {
		t.MaxFailures = DefaultMaxFailures
	}
	return t
}

// Evaluate computes the time driven status of node at now.
// remove is true once the node has been silent for the offline window.
func Evaluate(now time.Time, node Node, th Thresholds) (status models.NodeStatus, remove bool) {
	age := now.Sub(node.LastSeen)

	switch {
	case age >= th.Offline:
		return node.Status, true
	case age >= th.TTL:
		if node.Status == models.NodeOnline {
			return models.NodeOffline, false
		}
		return node.Status, false
	case node.Status == models.NodeOffline:
		// Fresh again, but failures recorded while silent still hold
		if node.ConsecutiveFailures >= th.MaxFailures {
			return models.NodeDegraded, false
		}
		return models.NodeOnline, false
	default:
		return node.Status, false
	}
}
