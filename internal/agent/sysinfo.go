package agent

import (
	"context"
	"fmt"
	"net/netip"
	"slices"
	"strings"

	"github.com/shirou/gopsutil/v4/host"
	"github.com/shirou/gopsutil/v4/mem"
	psnet "github.com/shirou/gopsutil/v4/net"

	"github.com/devghori1264/greenops/internal/agentrpc"
)

// Version is reported to the server on registration.
var Version = "dev"

// Probe reads host identity and utilisation.
type Probe interface {
	Identity(ctx context.Context) (*agentrpc.RegisterRequest, error)
	Usage(ctx context.Context) (cpuPercent, memPercent *float64)
}

type hostProbe struct{}

// NewHostProbe returns a Probe backed by gopsutil.
func NewHostProbe() Probe { return hostProbe{} }

func (hostProbe) Identity(ctx context.Context) (*agentrpc.RegisterRequest, error) {
	info, err := host.InfoWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get host info: %w", err)
	}
	ifaces, err := psnet.InterfacesWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list interfaces: %w", err)
	}
	mac, ip := primaryInterface(ifaces)
	if mac == "" {
		return nil, fmt.Errorf("no network interface with a hardware address")
	}

	version := info.PlatformVersion
	if info.Platform != "" {
		version = strings.TrimSpace(info.Platform + " " + info.PlatformVersion)
	}
	return &agentrpc.RegisterRequest{
		MACAddress:   mac,
		Hostname:     info.Hostname,
		OSType:       info.OS,
		OSVersion:    version,
		AgentVersion: Version,
		IPAddress:    ip,
	}, nil
}

func (hostProbe) Usage(ctx context.Context) (*float64, *float64) {
	var cpuP, memP *float64
	if p, err := cpuPercent(ctx); err == nil {
		cpuP = &p
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		m := vm.UsedPercent
		memP = &m
	}
	return cpuP, memP
}

// primaryInterface picks the first up, non-loopback interface with a
// hardware address, preferring one that carries an IPv4 address.
func primaryInterface(ifaces psnet.InterfaceStatList) (mac, ip string) {
	for _, iface := range ifaces {
		if iface.HardwareAddr == "" || slices.Contains(iface.Flags, "loopback") || !slices.Contains(iface.Flags, "up") {
			continue
		}
		v4 := ""
		for _, a := range iface.Addrs {
			prefix, err := netip.ParsePrefix(a.Addr)
			if err != nil {
				continue
			}
			if prefix.Addr().Is4() {
				v4 = prefix.Addr().String()
				break
			}
		}
		if v4 != "" {
			return iface.HardwareAddr, v4
		}
		if mac == "" {
			mac = iface.HardwareAddr
		}
	}
	return mac, ""
}
