package registry

import (
	"slices"
	"time"

	"llmhub/pkg/models"
)

// unreportedCPU is the score used for nodes that never reported load.
const unreportedCPU = 1.0

// Addresses lists the network paths a node advertised.
type Addresses struct {
	IPv4      string
	IPv6      string
	TunnelURL string
}

// Node is the registry's record of one worker node.
type Node struct {
	ID                  string
	Addresses           Addresses
	Port                int
	Models              []string
	Metadata            map[string]string
	Load                *models.NodeLoad
	LastSeen            time.Time
	Status              models.NodeStatus
	ActiveJobs          int
	FailureCount        int
	ConsecutiveFailures int
}

// Serves reports whether the node advertises model, or the wildcard.
func (n Node) Serves(model string) bool {
	for _, m := range n.Models {
		if m == model || m == models.Wildcard {
			return true
		}
	}
	return false
}

// CPU returns the reported cpu load, or 1.0 if the node never reported one.
func (n Node) CPU() float64 {
	if n.Load == nil {
		return unreportedCPU
	}
	return n.Load.CPU
}

// View converts the record into its API representation.
func (n Node) View() models.NodeView {
	view := models.NodeView{
		NodeID:              n.ID,
		IPv4:                n.Addresses.IPv4,
		IPv6:                n.Addresses.IPv6,
		TunnelURL:           n.Addresses.TunnelURL,
		Port:                n.Port,
		Models:              slices.Clone(n.Models),
		Metadata:            make(map[string]string, len(n.Metadata)),
		LastSeen:            n.LastSeen,
		Status:              n.Status,
		ActiveJobs:          n.ActiveJobs,
		FailureCount:        n.FailureCount,
		ConsecutiveFailures: n.ConsecutiveFailures,
	}
	if view.Models == nil {
		view.Models = []string{}
	}
	for k, v := range n.Metadata {
		view.Metadata[k] = v
	}
	if n.Load != nil {
		load := *n.Load
		view.Load = &load
	}
	return view
}

func (n *Node) clone() Node {
	out := *n
	out.Models = slices.Clone(n.Models)
	out.Metadata = make(map[string]string, len(n.Metadata))
	for k, v := range n.Metadata {
		out.Metadata[k] = v
	}
	if n.Load != nil {
		load := *n.Load
		out.Load = &load
	}
	return out
}
