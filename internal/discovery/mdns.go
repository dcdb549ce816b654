// ABOUTME: mDNS advertisement and browsing for OrchestX bridges
// ABOUTME: Lets LAN clients find a bridge without the presence service
package discovery

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/hashicorp/mdns"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// ServiceType is the mDNS service type bridges advertise
const ServiceType = "_orchestx._tcp"

// Config holds discovery configuration
type Config struct {
	ServiceName  string
	Port         int
	InstrumentID string
	Path         string // WebSocket push path advertised in TXT
}

// Manager handles mDNS operations
type Manager struct {
	config Config
	ctx    context.Context
	cancel context.CancelFunc
	logger zerolog.Logger
}

// BridgeInfo describes a discovered bridge
type BridgeInfo struct {
	Name         string `json:"name"`
	Host         string `json:"host"`
	Port         int    `json:"port"`
	InstrumentID string `json:"instrumentId,omitempty"`
	Path         string `json:"path,omitempty"`
}

// Addr returns host:port of the bridge
func (b *BridgeInfo) Addr() string {
	return net.JoinHostPort(b.Host, fmt.Sprintf("%d", b.Port))
}

// NewManager creates a discovery manager
func NewManager(config Config) *Manager {
	ctx, cancel := context.WithCancel(context.Background())

	return &Manager{
		config: config,
		ctx:    ctx,
		cancel: cancel,
		logger: log.With().Str("component", "discovery").Logger(),
	}
}

// txtRecords builds the TXT fields advertised for this bridge
func (m *Manager) txtRecords() []string {
	txt := []string{}
	if m.config.InstrumentID != "" {
		txt = append(txt, "instrumentId="+m.config.InstrumentID)
	}
	if m.config.Path != "" {
		txt = append(txt, "path="+m.config.Path)
	}
	return txt
}

// Advertise advertises this bridge via mDNS until Stop is called
func (m *Manager) Advertise() error {
	ips, err := LocalIPs()
	if err != nil {
		return fmt.Errorf("failed to get local IPs: %w", err)
	}

	service, err := mdns.NewMDNSService(
		m.config.ServiceName,
		ServiceType,
		"",
		"",
		m.config.Port,
		ips,
		m.txtRecords(),
	)
	if err != nil {
		return fmt.Errorf("failed to create service: %w", err)
	}

	server, err := mdns.NewServer(&mdns.Config{Zone: service})
	if err != nil {
		return fmt.Errorf("failed to create mdns server: %w", err)
	}

	m.logger.Info().
		Str("name", m.config.ServiceName).
		Int("port", m.config.Port).
		Str("type", ServiceType).
		Msg("Advertising mDNS service")

	go func() {
		<-m.ctx.Done()
		server.Shutdown()
	}()

	return nil
}

// Browse queries the LAN once and returns every bridge that answered
// within timeout
func (m *Manager) Browse(timeout time.Duration) ([]*BridgeInfo, error) {
	entries := make(chan *mdns.ServiceEntry, 16)
	found := make(chan []*BridgeInfo, 1)

	go func() {
		seen := make(map[string]bool)
		var bridges []*BridgeInfo
		for entry := range entries {
			bridge := entryToBridge(entry)
			if bridge == nil || seen[bridge.Addr()] {
				continue
			}
			seen[bridge.Addr()] = true
			m.logger.Debug().Str("name", bridge.Name).Str("addr", bridge.Addr()).Msg("Discovered bridge")
			bridges = append(bridges, bridge)
		}
		found <- bridges
	}()

	params := &mdns.QueryParam{
		Service:     ServiceType,
		Domain:      "local",
		Timeout:     timeout,
		Entries:     entries,
		DisableIPv6: true,
	}

	err := mdns.Query(params)
	close(entries)
	bridges := <-found
	if err != nil {
		return bridges, fmt.Errorf("mdns query failed: %w", err)
	}
	return bridges, nil
}

// entryToBridge converts an mDNS answer, returning nil when it has no usable address
func entryToBridge(entry *mdns.ServiceEntry) *BridgeInfo {
	var host string
	switch {
	case entry.AddrV4 != nil:
		host = entry.AddrV4.String()
	case entry.AddrV6 != nil:
		host = entry.AddrV6.String()
	default:
		return nil
	}

	txt := parseTXT(entry.InfoFields)
	return &BridgeInfo{
		Name:         strings.TrimSuffix(entry.Name, "."+ServiceType+".local."),
		Host:         host,
		Port:         entry.Port,
		InstrumentID: txt["instrumentId"],
		Path:         txt["path"],
	}
}

// parseTXT splits key=value TXT fields
func parseTXT(fields []string) map[string]string {
	out := make(map[string]string, len(fields))
	for _, f := range fields {
		key, value, ok := strings.Cut(f, "=")
		if !ok {
			continue
		}
		out[key] = value
	}
	return out
}

// Stop stops the discovery manager
func (m *Manager) Stop() {
	m.cancel()
}

// LocalIPs returns the non-loopback IPv4 addresses of interfaces that are up
func LocalIPs() ([]net.IP, error) {
	var ips []net.IP

	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}

	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}

		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}

		for _, addr := range addrs {
			if ipnet, ok := addr.(*net.IPNet); ok && !ipnet.IP.IsLoopback() {
				if ipnet.IP.To4() != nil {
					ips = append(ips, ipnet.IP)
				}
			}
		}
	}

	return ips, nil
}
