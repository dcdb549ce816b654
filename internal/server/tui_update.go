// ABOUTME: TUI update helpers for server
// ABOUTME: Functions to send bridge state updates to TUI
package server

import (
	"net"
	"time"
)

const tuiRefreshInterval = time.Second

// status collects the current bridge state for display
func (s *Server) status() ServerStatus {
	port := s.config.Port
	if tcp, ok := s.Addr().(*net.TCPAddr); ok {
		port = tcp.Port
	}

	status := ServerStatus{
		Name:         s.config.Name,
		Port:         port,
		DeviceAddr:   s.config.DeviceAddr,
		InstrumentID: s.config.InstrumentID,
		Clients:      s.broadcaster.Clients(),
	}

	if s.presence != nil {
		snap := s.presence.Snapshot()
		status.PresenceState = snap.State
		status.PresenceDelay = time.Duration(snap.RetryMs) * time.Millisecond
	}

	return status
}

// updateTUI sends current bridge state to TUI
func (s *Server) updateTUI() {
	if s.tui == nil {
		return
	}
	s.tui.Update(s.status())
}

// refreshTUI pushes status periodically since frame counters and presence
// state change without any client joining or leaving
func (s *Server) refreshTUI() {
	ticker := time.NewTicker(tuiRefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopChan:
			return
		case <-ticker.C:
			s.updateTUI()
		}
	}
}
