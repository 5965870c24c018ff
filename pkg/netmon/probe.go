package netmon

import (
	"context"
	"net"
	"strings"
)

// Probe answers whether any network transport is usable
type Probe interface {
	IsConnected(ctx context.Context) bool
}

// ProbeFunc adapts a function to Probe
type ProbeFunc func(ctx context.Context) bool

func (f ProbeFunc) IsConnected(ctx context.Context) bool { return f(ctx) }

// Transport is the kind of link an interface provides
type Transport string

const (
	TransportWiFi     Transport = "wifi"
	TransportCellular Transport = "cellular"
	TransportEthernet Transport = "ethernet"
	TransportUnknown  Transport = "unknown"
)

// ProbeConfig lists interface name fragments per transport
type ProbeConfig struct {
	CellularInterfaces []string `json:"cellular_interfaces"`
	WiFiInterfaces     []string `json:"wifi_interfaces"`
	LANInterfaces      []string `json:"lan_interfaces"`
}

// DefaultProbeConfig returns the interface patterns of common Linux drivers
func DefaultProbeConfig() *ProbeConfig {
	return &ProbeConfig{
		CellularInterfaces: []string{"wwan", "usb", "modem", "mobile", "rmnet"},
		WiFiInterfaces:     []string{"wlan", "wifi", "ath", "radio"},
		LANInterfaces:      []string{"eth", "lan", "en"},
	}
}

type ifaceInfo struct {
	name     string
	up       bool
	loopback bool
	hasAddr  bool
}

// InterfaceProbe reports connected when an up, non-loopback interface with
// an address matches one of the known transport patterns
type InterfaceProbe struct {
	config *ProbeConfig
	list   func() ([]ifaceInfo, error)
}

// NewInterfaceProbe creates the default probe
func NewInterfaceProbe(config *ProbeConfig) *InterfaceProbe {
	if config == nil {
		config = DefaultProbeConfig()
	}
	return &InterfaceProbe{config: config, list: systemInterfaces}
}

func systemInterfaces() ([]ifaceInfo, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}
	out := make([]ifaceInfo, 0, len(ifaces))
	for _, iface := range ifaces {
		addrs, err := iface.Addrs()
		out = append(out, ifaceInfo{
			name:     iface.Name,
			up:       iface.Flags&net.FlagUp != 0,
			loopback: iface.Flags&net.FlagLoopback != 0,
			hasAddr:  err == nil && len(addrs) > 0,
		})
	}
	return out, nil
}

// IsConnected implements Probe
func (p *InterfaceProbe) IsConnected(ctx context.Context) bool {
	return len(p.ActiveTransports(ctx)) > 0
}

// ActiveTransports lists the transports of usable interfaces
func (p *InterfaceProbe) ActiveTransports(ctx context.Context) []Transport {
	ifaces, err := p.list()
	if err != nil {
		return nil
	}
	var out []Transport
	for _, iface := range ifaces {
		if !iface.up || iface.loopback || !iface.hasAddr {
			continue
		}
		if t := p.Classify(iface.name); t != TransportUnknown {
			out = append(out, t)
		}
	}
	return out
}

// Classify maps an interface name to its transport
func (p *InterfaceProbe) Classify(name string) Transport {
	name = strings.ToLower(name)

	for _, pattern := range p.config.CellularInterfaces {
		if strings.Contains(name, pattern) {
			return TransportCellular
		}
	}
	for _, pattern := range p.config.WiFiInterfaces {
		if strings.Contains(name, pattern) {
			return TransportWiFi
		}
	}
	for _, pattern := range p.config.LANInterfaces {
		if strings.HasPrefix(name, pattern) {
			return TransportEthernet
		}
	}
	return TransportUnknown
}
