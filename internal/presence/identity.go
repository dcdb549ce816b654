// ABOUTME: Identity helpers for presence announcements
// ABOUTME: Derives a stable instrument ID, display name and local base URL
package presence

import (
	"fmt"
	"net"
	"os"
	"strings"
)

// InstrumentID returns override if set, otherwise an ID derived from the
// hostname so it stays the same across restarts on one machine.
func InstrumentID(override, hostname string) string {
	if override != "" {
		return override
	}

	upper := strings.ToUpper(hostname)
	var b strings.Builder
	b.WriteString("INST-")
	for _, r := range upper {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		} else {
			b.WriteByte('-')
		}
	}
	return b.String()
}

// HostInstrumentID derives the instrument ID from this machine's hostname
func HostInstrumentID(override string) string {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	return InstrumentID(override, hostname)
}

// Name returns override if set, otherwise the instrument ID
func Name(override, instrumentID string) string {
	if override != "" {
		return override
	}
	return instrumentID
}

// LocalURL returns override if set, otherwise a URL built from the first
// IPv4 address in ips, falling back to localhost.
func LocalURL(override string, port int, ips []net.IP) string {
	if override != "" {
		return override
	}

	for _, ip := range ips {
		if ip4 := ip.To4(); ip4 != nil && !ip4.IsLoopback() {
			return fmt.Sprintf("http://%s:%d", ip4, port)
		}
	}
	return fmt.Sprintf("http://localhost:%d", port)
}
