package dispatch

import (
	"net"
	"strconv"
	"strings"

	"llmhub/pkg/registry"
)

// TransportKind names a network path to a node.
type TransportKind string

const (
	TransportTunnel TransportKind = "tunnel"
	TransportIPv6   TransportKind = "ipv6"
	TransportIPv4   TransportKind = "ipv4"
)

// Endpoint is one way to reach a node.
type Endpoint struct {
	Kind    TransportKind
	BaseURL string
}

// URL joins the endpoint base with path.
func (ep Endpoint) URL(path string) string {
	return ep.BaseURL + "/" + strings.TrimLeft(path, "/")
}

// Endpoints lists the node's transports in try order: tunnel, IPv6, IPv4.
// Absent addresses are skipped.
func Endpoints(node registry.Node) []Endpoint {
	out := make([]Endpoint, 0, 3)
	port := strconv.Itoa(node.Port)

	if tunnel := strings.TrimRight(node.Addresses.TunnelURL, "/"); tunnel != "" {
		out = append(out, Endpoint{Kind: TransportTunnel, BaseURL: tunnel})
	}
	if ip := strings.Trim(node.Addresses.IPv6, "[]"); ip != "" {
		out = append(out, Endpoint{Kind: TransportIPv6, BaseURL: "http://" + net.JoinHostPort(ip, port)})
	}
	if ip := node.Addresses.IPv4; ip != "" {
		out = append(out, Endpoint{Kind: TransportIPv4, BaseURL: "http://" + net.JoinHostPort(ip, port)})
	}

	return out
}
