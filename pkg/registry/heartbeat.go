package registry

import (
	"fmt"
	"net/netip"
	"net/url"
	"regexp"
	"strings"

	"llmhub/pkg/models"
)

const (
	defaultNodePort = 8000
	maxNodePort     = 65535
)

var nodeIDPattern = regexp.MustCompile(`^[a-zA-Z0-9._-]{1,64}$`)

// Heartbeat is a validated node report ready to be applied to the registry.
type Heartbeat struct {
	NodeID    string
	Addresses Addresses
	Port      int
	Models    []string
	Metadata  map[string]string
	Load      *models.NodeLoad
}

// ParseHeartbeat validates a heartbeat body. When the body carries no IP address,
// the family matching remoteIP is filled from it.
func ParseHeartbeat(req models.HeartbeatRequest, remoteIP string) (Heartbeat, error) {
	nodeID := strings.TrimSpace(req.NodeID)
	if !nodeIDPattern.MatchString(nodeID) {
		return Heartbeat{}, fmt.Errorf("%w: %q", ErrInvalidNodeID, req.NodeID)
	}

	port := req.Port
	if port == 0 {
		port = defaultNodePort
	}
	if port < 1 || port > maxNodePort {
		return Heartbeat{}, fmt.Errorf("%w: %d", ErrInvalidPort, req.Port)
	}

	ipv4, err := parseAddr(req.IPv4, true)
	if err != nil {
		return Heartbeat{}, err
	}
	ipv6, err := parseAddr(req.IPv6, false)
	if err != nil {
		return Heartbeat{}, err
	}

	if ipv4 == "" && ipv6 == "" {
		ipv4, ipv6 = fromRemote(remoteIP)
	}

	tunnel := req.TunnelURL
	if tunnel == "" {
		tunnel = req.CloudflareURL
	}
	tunnel, err = parseTunnelURL(tunnel)
	if err != nil {
		return Heartbeat{}, err
	}

	var load *models.NodeLoad
	if req.Load != nil {
		load = &models.NodeLoad{
			CPU:    clampUnit(req.Load.CPU),
			Memory: clampUnit(req.Load.Memory),
		}
	}

	return Heartbeat{
		NodeID: nodeID,
		Addresses: Addresses{
			IPv4:      ipv4,
			IPv6:      ipv6,
			TunnelURL: tunnel,
		},
		Port:     port,
		Models:   normalizeModels(req.Models),
		Metadata: req.Metadata,
		Load:     load,
	}, nil
}

func parseAddr(raw string, wantV4 bool) (string, error) {
	raw = strings.Trim(strings.TrimSpace(raw), "[]")
	if raw == "" {
		return "", nil
	}

	addr, err := netip.ParseAddr(raw)
	if err != nil {
		return "", fmt.Errorf("%w: %q", ErrInvalidAddress, raw)
	}
	addr = addr.Unmap()
	if addr.Is4() != wantV4 {
		return "", fmt.Errorf("%w: %q has the wrong family", ErrInvalidAddress, raw)
	}
	return addr.String(), nil
}

func fromRemote(remoteIP string) (ipv4, ipv6 string) {
	addr, err := netip.ParseAddr(strings.Trim(remoteIP, "[]"))
	if err != nil {
		return "", ""
	}
	addr = addr.Unmap()
	if addr.Is4() {
		return addr.String(), ""
	}
	return "", addr.WithZone("").String()
}

func parseTunnelURL(raw string) (string, error) {
	raw = strings.TrimRight(strings.TrimSpace(raw), "/")
	if raw == "" {
		return "", nil
	}

	parsed, err := url.Parse(raw)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
		return "", fmt.Errorf("%w: tunnel url %q", ErrInvalidAddress, raw)
	}
	return raw, nil
}

func normalizeModels(in []string) []string {
	out := make([]string, 0, len(in))
	seen := make(map[string]struct{}, len(in))
	for _, m := range in {
		m = strings.TrimSpace(m)
		if m == "" {
			continue
		}
		if _, dup := seen[m]; dup {
			continue
		}
		seen[m] = struct{}{}
		out = append(out, m)
	}
	return out
}

func clampUnit(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
