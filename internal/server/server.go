// ABOUTME: Bridge server lifecycle
// ABOUTME: Wires the HTTP API, state push, mDNS advertisement and TUI together
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/orchestx/orchestx-bridge/internal/discovery"
	"github.com/orchestx/orchestx-bridge/internal/presence"
	"github.com/orchestx/orchestx-bridge/internal/protocol"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// PushPath is where the state push channel is mounted besides "/"
const PushPath = "/ws"

// Config holds server configuration
type Config struct {
	Port         int
	Name         string
	InstrumentID string
	DeviceAddr   string
	PollInterval time.Duration
	EnableMDNS   bool
	UseTUI       bool
}

// Device is the player control surface the API exposes
type Device interface {
	StateSource
	Playlist(ctx context.Context) (protocol.PlaylistSnapshot, error)
	Prev(ctx context.Context) error
	Next(ctx context.Context) error
	PlayPause(ctx context.Context) error
	PlayItem(ctx context.Context, index int) error
	SelectItem(ctx context.Context, index int) error
	LoadPlaylist(ctx context.Context, path string) error
	SetVolume(ctx context.Context, volume int) error
	SetViewMode(ctx context.Context, mode int) error
}

// PresenceReporter reports the presence announcer status
type PresenceReporter interface {
	Snapshot() presence.Snapshot
}

// Server is the OrchestX bridge
type Server struct {
	config   Config
	device   Device
	presence PresenceReporter
	logger   zerolog.Logger

	broadcaster *Broadcaster
	httpServer  *http.Server
	mux         *http.ServeMux

	mdnsManager *discovery.Manager

	tui       *ServerTUI
	startTime time.Time

	addrMu sync.RWMutex
	addr   net.Addr

	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a server for device. presence may be nil when the announcer
// is disabled.
func New(config Config, device Device, presence PresenceReporter) *Server {
	s := &Server{
		config:    config,
		device:    device,
		presence:  presence,
		logger:    log.With().Str("component", "server").Logger(),
		mux:       http.NewServeMux(),
		startTime: time.Now(),
		stopChan:  make(chan struct{}),
	}

	s.broadcaster = NewBroadcaster(device, BroadcasterConfig{
		Interval: config.PollInterval,
		OnChange: s.updateTUI,
	})
	s.routes()

	return s
}

// Handler returns the full HTTP handler including middleware
func (s *Server) Handler() http.Handler {
	return corsMiddleware(requestLogger(s.mux))
}

// Broadcaster returns the state push broadcaster
func (s *Server) Broadcaster() *Broadcaster {
	return s.broadcaster
}

// Addr returns the listening address once Start has bound it
func (s *Server) Addr() net.Addr {
	s.addrMu.RLock()
	defer s.addrMu.RUnlock()
	return s.addr
}

// Start runs the server until Stop is called, the TUI quits or the
// listener fails
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", s.config.Port))
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	s.addrMu.Lock()
	s.addr = ln.Addr()
	s.addrMu.Unlock()

	if s.config.UseTUI {
		s.tui = NewServerTUI(s.status())

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := s.tui.Start(); err != nil {
				s.logger.Error().Err(err).Msg("TUI error")
			}
		}()

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.refreshTUI()
		}()
	}

	s.logger.Info().
		Str("name", s.config.Name).
		Str("addr", ln.Addr().String()).
		Str("device", s.config.DeviceAddr).
		Msg("Bridge listening")

	if s.config.EnableMDNS {
		s.mdnsManager = discovery.NewManager(discovery.Config{
			ServiceName:  s.config.Name,
			Port:         ln.Addr().(*net.TCPAddr).Port,
			InstrumentID: s.config.InstrumentID,
			Path:         PushPath,
		})

		if err := s.mdnsManager.Advertise(); err != nil {
			s.logger.Warn().Err(err).Msg("Failed to start mDNS advertisement")
		}
	}

	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		if err := s.httpServer.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	var serverErr error
	var tuiQuitChan <-chan struct{}
	if s.tui != nil {
		tuiQuitChan = s.tui.QuitChan()
	}

	select {
	case <-s.stopChan:
		s.logger.Info().Msg("Server shutting down")
	case <-tuiQuitChan:
		s.logger.Info().Msg("TUI quit requested, shutting down")
		s.Stop()
	case err := <-errChan:
		s.logger.Error().Err(err).Msg("HTTP server error")
		serverErr = err
		s.Stop()
	}

	if s.tui != nil {
		s.tui.Stop()
	}

	if s.mdnsManager != nil {
		s.mdnsManager.Stop()
	}

	// Hijacked WebSocket connections are not tracked by http.Server
	s.broadcaster.Shutdown()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Error().Err(err).Msg("HTTP server shutdown error")
	}

	s.wg.Wait()
	s.logger.Info().Msg("Server stopped cleanly")

	if serverErr != nil {
		return fmt.Errorf("HTTP server failed: %w", serverErr)
	}
	return nil
}

// Stop stops the server. Safe to call more than once.
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopChan)
	})
}
