package registry

import (
	"sort"
	"sync"

	"llmhub/pkg/log"
	"llmhub/pkg/models"
)

// Registry holds the in-memory state of every known node.
// All reads and writes go through its mutex.
type Registry struct {
	nodes      map[string]*Node
	mu         sync.RWMutex
	clock      Clock
	thresholds Thresholds
}

// New creates an empty registry. A nil clock uses the system clock.
func New(clock Clock, thresholds Thresholds) *Registry {
	if clock == nil {
		clock = SystemClock{}
	}

	return &Registry{
		nodes:      make(map[string]*Node),
		clock:      clock,
		thresholds: thresholds.withDefaults(),
	}
}

// Thresholds returns the thresholds the registry evaluates against.
func (r *Registry) Thresholds() Thresholds {
	return r.thresholds
}

// UpsertHeartbeat applies a heartbeat and stamps last_seen with the registry clock.
// Failure counters are never touched here. It reports whether the node was created.
func (r *Registry) UpsertHeartbeat(hb Heartbeat) (Node, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock.Now()
	node, exists := r.nodes[hb.NodeID]
	if !exists {
		node = &Node{
			ID:       hb.NodeID,
			Metadata: make(map[string]string, len(hb.Metadata)),
			Status:   models.NodeOnline,
		}
		r.nodes[hb.NodeID] = node
	}

	node.Addresses = hb.Addresses
	if hb.Port != 0 {
		node.Port = hb.Port
	}
	node.Models = append([]string(nil), hb.Models...)
	for k, v := range hb.Metadata {
		node.Metadata[k] = v
	}
	if hb.Load != nil {
		load := *hb.Load
		node.Load = &load
	}

	// last_seen never moves backwards
	if now.After(node.LastSeen) {
		node.LastSeen = now
	}

	if exists {
		if status, _ := Evaluate(now, *node, r.thresholds); status != node.Status {
			r.transition(node, status, "heartbeat")
		}
	} else {
		log.Info().
			Str("node_id", node.ID).
			Strs("models", node.Models).
			Msg("Node registered")
	}

	return node.clone(), !exists
}

// BeginAttempt marks a job as in flight on the node.
func (r *Registry) BeginAttempt(nodeID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	node, exists := r.nodes[nodeID]
	if !exists {
		return ErrNodeNotFound
	}
	node.ActiveJobs++
	return nil
}

// RecordAttemptResult closes an attempt started with BeginAttempt and updates failure counters.
func (r *Registry) RecordAttemptResult(nodeID string, success bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	node, exists := r.nodes[nodeID]
	if !exists {
		return ErrNodeNotFound
	}

	err := r.decrement(node)

	if success {
		node.ConsecutiveFailures = 0
		if node.Status == models.NodeDegraded {
			r.transition(node, models.NodeOnline, "job succeeded")
		}
		return err
	}

	node.FailureCount++
	node.ConsecutiveFailures++
	if node.ConsecutiveFailures >= r.thresholds.MaxFailures && node.Status != models.NodeDegraded {
		r.transition(node, models.NodeDegraded, "consecutive failures")
	}
	return err
}

// ReleaseAttempt closes an attempt without counting it as a success or a failure.
func (r *Registry) ReleaseAttempt(nodeID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	node, exists := r.nodes[nodeID]
	if !exists {
		return ErrNodeNotFound
	}
	return r.decrement(node)
}

// Candidates returns every node advertising model, regardless of status.
// Status is evaluated against the clock on read, so a node that went silent
// since the last sweep is reported offline and one past the removal window is left out.
func (r *Registry) Candidates(model string) []Node {
	r.mu.RLock()
	defer r.mu.RUnlock()

	now := r.clock.Now()
	out := make([]Node, 0, len(r.nodes))
	for _, node := range r.nodes {
		if !node.Serves(model) {
			continue
		}
		status, remove := Evaluate(now, *node, r.thresholds)
		if remove {
			continue
		}
		view := node.clone()
		view.Status = status
		out = append(out, view)
	}
	return out
}

// Get returns a copy of a single node.
func (r *Registry) Get(nodeID string) (Node, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	node, exists := r.nodes[nodeID]
	if !exists {
		return Node{}, false
	}
	return node.clone(), true
}

// List returns copies of all nodes sorted by id.
func (r *Registry) List() []Node {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Node, 0, len(r.nodes))
	for _, node := range r.nodes {
		out = append(out, node.clone())
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ID < out[j].ID
	})
	return out
}

// Remove deletes a node. It reports whether the node existed.
func (r *Registry) Remove(nodeID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.nodes[nodeID]; !exists {
		return false
	}
	delete(r.nodes, nodeID)

	log.Info().Str("node_id", nodeID).Msg("Node removed")
	return true
}

// Sweep re-evaluates every node against the clock and returns the ids it removed.
func (r *Registry) Sweep() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock.Now()
	var removed []string

	for id, node := range r.nodes {
		status, remove := Evaluate(now, *node, r.thresholds)
		if remove {
			delete(r.nodes, id)
			removed = append(removed, id)
			log.Warn().
				Str("node_id", id).
				Dur("age", now.Sub(node.LastSeen)).
				Msg("Node removed after heartbeat silence")
			continue
		}
		if status != node.Status {
			r.transition(node, status, "sweep")
		}
	}

	sort.Strings(removed)
	return removed
}

// Len returns the number of registered nodes.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.nodes)
}

func (r *Registry) decrement(node *Node) error {
	if node.ActiveJobs <= 0 {
		node.ActiveJobs = 0
		log.Error().
			Str("node_id", node.ID).
			Msg("Active job counter would go negative")
		return ErrInternalRegistry
	}
	node.ActiveJobs--
	return nil
}

func (r *Registry) transition(node *Node, to models.NodeStatus, reason string) {
	event := log.Info()
	if to != models.NodeOnline {
		event = log.Warn()
	}
	event.
		Str("node_id", node.ID).
		Str("from", string(node.Status)).
		Str("to", string(to)).
		Str("reason", reason).
		Int("consecutive_failures", node.ConsecutiveFailures).
		Msg("Node status changed")

	node.Status = to
}
