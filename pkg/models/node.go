package models

import "time"

// NodeStatus is the health state of a registered node.
type NodeStatus string

const (
	NodeOnline   NodeStatus = "online"
	NodeDegraded NodeStatus = "degraded"
	NodeOffline  NodeStatus = "offline"
)

// NodeLoad represents load reported by a node, both values in 0..1.
type NodeLoad struct {
	CPU    float64 `json:"cpu"`
	Memory float64 `json:"memory"`
}

// HeartbeatRequest is the body a node posts to /nodes/heartbeat or publishes on the bus.
type HeartbeatRequest struct {
	NodeID        string            `json:"node_id"`
	IPv4          string            `json:"ipv4,omitempty"`
	IPv6          string            `json:"ipv6,omitempty"`
	TunnelURL     string            `json:"tunnel_url,omitempty"`
	CloudflareURL string            `json:"cloudflare_url,omitempty"`
	Port          int               `json:"port,omitempty"`
	Models        []string          `json:"models"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	Load          *NodeLoad         `json:"load,omitempty"`
}

// HeartbeatResponse acknowledges a heartbeat.
type HeartbeatResponse struct {
	Status string `json:"status"`
	NodeID string `json:"node_id"`
}

// NodeView is the public representation of a registry entry.
type NodeView struct {
	NodeID              string            `json:"node_id"`
	IPv4                string            `json:"ipv4,omitempty"`
	IPv6                string            `json:"ipv6,omitempty"`
	TunnelURL           string            `json:"tunnel_url,omitempty"`
	Port                int               `json:"port"`
	Models              []string          `json:"models"`
	Metadata            map[string]string `json:"metadata"`
	Load                *NodeLoad         `json:"load,omitempty"`
	LastSeen            time.Time         `json:"last_seen"`
	Status              NodeStatus        `json:"status"`
	ActiveJobs          int               `json:"active_jobs"`
	FailureCount        int               `json:"failure_count"`
	ConsecutiveFailures int               `json:"consecutive_failures"`
}

// NodeListResponse is returned by GET /nodes.
type NodeListResponse struct {
	Nodes []NodeView `json:"nodes"`
	Count int        `json:"count"`
}
