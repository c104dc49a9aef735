// Package selector ranks the nodes eligible to run a job.
package selector

import (
	"sort"

	"llmhub/pkg/models"
	"llmhub/pkg/registry"
)

// Source provides the raw candidate list for a model.
type Source interface {
	Candidates(model string) []registry.Node
}

// Selector orders candidate nodes for a model.
type Selector struct {
	source        Source
	allowDegraded bool
}

// New creates a selector. When allowDegraded is set, degraded nodes are
// appended after every online node as a last resort.
func New(source Source, allowDegraded bool) *Selector {
	return &Selector{
		source:        source,
		allowDegraded: allowDegraded,
	}
}

// Select returns node ids ordered by active jobs, cpu load, lifetime failures, then id.
// An empty result means no node can take the job.
func (s *Selector) Select(model string) []string {
	var online, degraded []registry.Node

	for _, node := range s.source.Candidates(model) {
		switch node.Status {
		case models.NodeOnline:
			online = append(online, node)
		case models.NodeDegraded:
			if s.allowDegraded {
				degraded = append(degraded, node)
			}
		}
	}

	Rank(online)
	Rank(degraded)

	ids := make([]string, 0, len(online)+len(degraded))
	for _, node := range online {
		ids = append(ids, node.ID)
	}
	for _, node := range degraded {
		ids = append(ids, node.ID)
	}
	return ids
}

// Rank sorts nodes in place by the selection key.
func Rank(nodes []registry.Node) {
	sort.SliceStable(nodes, func(i, j int) bool {
		a, b := nodes[i], nodes[j]
		if a.ActiveJobs != b.ActiveJobs {
			return a.ActiveJobs < b.ActiveJobs
		}
		if a.CPU() != b.CPU() {
			return a.CPU() < b.CPU()
		}
		if a.FailureCount != b.FailureCount {
			return a.FailureCount < b.FailureCount
		}
		return a.ID < b.ID
	})
}
