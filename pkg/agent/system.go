package agent

import (
	"context"
	"net/netip"
	"strings"
	"time"

	"llmhub/pkg/models"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
	gnet "github.com/shirou/gopsutil/v3/net"
)

const cpuSampleWindow = 200 * time.Millisecond

// SystemProbe reports facts about the machine the agent runs on.
type SystemProbe interface {
	Load(ctx context.Context) (*models.NodeLoad, error)
	Addresses(ctx context.Context) (ipv4, ipv6 string)
	Metadata(ctx context.Context) map[string]string
}

// HostProbe reads load, addresses and host facts with gopsutil.
type HostProbe struct{}

// Load samples CPU and memory utilisation as fractions of 1.
func (HostProbe) Load(ctx context.Context) (*models.NodeLoad, error) {
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return nil, err
	}
	percentages, err := cpu.PercentWithContext(ctx, cpuSampleWindow, false)
	if err != nil {
		return nil, err
	}

	load := &models.NodeLoad{Memory: vm.UsedPercent / 100}
	if len(percentages) > 0 {
		load.CPU = percentages[0] / 100
	}
	return load, nil
}

// Addresses returns the first global unicast IPv4 and IPv6 address of an up interface.
func (HostProbe) Addresses(ctx context.Context) (string, string) {
	interfaces, err := gnet.InterfacesWithContext(ctx)
	if err != nil {
		return "", ""
	}

	var ipv4, ipv6 string
	for _, iface := range interfaces {
		if !hasFlag(iface.Flags, "up") || hasFlag(iface.Flags, "loopback") {
			continue
		}
		for _, a := range iface.Addrs {
			v4, v6 := classify(a.Addr)
			if ipv4 == "" {
				ipv4 = v4
			}
			if ipv6 == "" {
				ipv6 = v6
			}
		}
	}
	return ipv4, ipv6
}

// Metadata reports the hostname and platform.
func (HostProbe) Metadata(ctx context.Context) map[string]string {
	meta := make(map[string]string, 4)
	info, err := host.InfoWithContext(ctx)
	if err != nil {
		return meta
	}
	meta["hostname"] = info.Hostname
	meta["os"] = info.OS
	meta["platform"] = info.Platform
	meta["kernel"] = info.KernelVersion
	return meta
}

// classify parses an interface address in CIDR or plain form and returns it
// as ipv4 or ipv6 when it is globally routable.
func classify(raw string) (ipv4, ipv6 string) {
	if i := strings.IndexByte(raw, '/'); i >= 0 {
		raw = raw[:i]
	}
	addr, err := netip.ParseAddr(raw)
	if err != nil || !addr.IsGlobalUnicast() || (addr.Is6() && addr.IsPrivate()) {
		return "", ""
	}
	if addr.Is4() || addr.Is4In6() {
		return addr.Unmap().String(), ""
	}
	if addr.Zone() != "" {
		return "", ""
	}
	return "", addr.String()
}

func hasFlag(flags []string, name string) bool {
	for _, f := range flags {
		if f == name {
			return true
		}
	}
	return false
}
