// ABOUTME: Presence client announcing this bridge to the directory service
// ABOUTME: Connectivity check, hello handshake and exponential reconnect backoff
package presence

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/orchestx/orchestx-bridge/internal/protocol"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	DefaultURL          = "wss://orchestx-reddis-production.up.railway.app/ws"
	DefaultProbeHost    = "google.com"
	DefaultMinDelay     = 1 * time.Second
	DefaultMaxDelay     = 30 * time.Second
	DefaultRecheckDelay = 10 * time.Second

	probeTimeout = 5 * time.Second
	dialTimeout  = 10 * time.Second
	writeTimeout = 5 * time.Second
)

// State is the announcer's position in its connection lifecycle
type State int

const (
	StateIdle State = iota
	StateCheckingConnectivity
	StateConnecting
	StateConnected
	StateBackoff
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateCheckingConnectivity:
		return "checkingConnectivity"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateBackoff:
		return "backoff"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Config holds announcer configuration
type Config struct {
	URL          string // directory service WebSocket URL
	InstrumentID string
	Name         string
	LocalURL     string
	ProbeHost    string // resolved to check outbound connectivity

	MinDelay     time.Duration // backoff floor
	MaxDelay     time.Duration // backoff ceiling
	RecheckDelay time.Duration // retry interval while offline
}

// Dialer opens the WebSocket connection. *websocket.Dialer satisfies it.
type Dialer interface {
	DialContext(ctx context.Context, urlStr string, requestHeader http.Header) (*websocket.Conn, *http.Response, error)
}

// Prober reports whether outbound connectivity is available
type Prober func(ctx context.Context) bool

// DNSProber checks connectivity by resolving host
func DNSProber(host string) Prober {
	return func(ctx context.Context) bool {
		_, err := net.DefaultResolver.LookupHost(ctx, host)
		return err == nil
	}
}

// timer is the pending-timer handle; *time.Timer satisfies it
type timer interface {
	Stop() bool
}

func afterFunc(d time.Duration, f func()) timer {
	return time.AfterFunc(d, f)
}

// Snapshot is a point-in-time view of the announcer
type Snapshot struct {
	State        string `json:"state"`
	DelayMs      int64  `json:"delayMs"`
	RetryMs      int64  `json:"retryMs,omitempty"` // wait of the pending timer
	URL          string `json:"url"`
	InstrumentID string `json:"instrumentId"`
	Name         string `json:"name"`
	LocalURL     string `json:"localUrl"`
}

// Announcer keeps a presence connection to the directory service. It owns
// at most one socket and at most one pending timer (connectivity recheck or
// reconnect) at any time. Once stopped it never connects again.
type Announcer struct {
	config Config
	dialer Dialer
	probe  Prober
	after  func(time.Duration, func()) timer
	logger zerolog.Logger

	mu            sync.Mutex
	state         State
	conn          *websocket.Conn
	pending       timer
	wait          time.Duration
	delay         time.Duration
	shouldConnect bool
	connecting    bool
}

// New creates an announcer
func New(config Config) *Announcer {
	if config.URL == "" {
		config.URL = DefaultURL
	}
	if config.ProbeHost == "" {
		config.ProbeHost = DefaultProbeHost
	}
	if config.MinDelay <= 0 {
		config.MinDelay = DefaultMinDelay
	}
	if config.MaxDelay <= 0 {
		config.MaxDelay = DefaultMaxDelay
	}
	if config.RecheckDelay <= 0 {
		config.RecheckDelay = DefaultRecheckDelay
	}

	return &Announcer{
		config:        config,
		dialer:        &websocket.Dialer{Proxy: http.ProxyFromEnvironment, HandshakeTimeout: dialTimeout},
		probe:         DNSProber(config.ProbeHost),
		after:         afterFunc,
		logger:        log.With().Str("component", "presence").Logger(),
		state:         StateIdle,
		delay:         config.MinDelay,
		shouldConnect: true,
	}
}

// Start begins announcing in the background
func (a *Announcer) Start() {
	a.logger.Info().
		Str("instrument_id", a.config.InstrumentID).
		Str("name", a.config.Name).
		Str("local_url", a.config.LocalURL).
		Str("url", a.config.URL).
		Msg("Presence client starting")

	go a.start()
}

// start checks connectivity and connects. It blocks for the lifetime of
// the connection it opens.
func (a *Announcer) start() {
	a.mu.Lock()
	if !a.shouldConnect || a.connecting || a.conn != nil {
		a.mu.Unlock()
		return
	}
	a.state = StateCheckingConnectivity
	a.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), probeTimeout)
	reachable := a.probe(ctx)
	cancel()

	a.mu.Lock()
	if !a.shouldConnect {
		a.mu.Unlock()
		return
	}
	if !reachable {
		a.logger.Info().Dur("recheck_in", a.config.RecheckDelay).Msg("No internet access detected, skipping presence announcement")
		a.state = StateIdle
		a.scheduleLocked(a.config.RecheckDelay)
		a.mu.Unlock()
		return
	}
	if a.connecting || a.conn != nil {
		a.mu.Unlock()
		return
	}
	a.connecting = true
	a.state = StateConnecting
	a.mu.Unlock()

	a.connect()
}

// connect dials the directory service and runs the connection
func (a *Announcer) connect() {
	a.logger.Info().Str("url", a.config.URL).Msg("Connecting to presence service")

	ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
	conn, _, err := a.dialer.DialContext(ctx, a.config.URL, nil)
	cancel()

	a.mu.Lock()
	a.connecting = false
	if err != nil {
		a.logger.Error().Err(err).Msg("Presence connection failed")
		if a.shouldConnect {
			a.scheduleReconnectLocked()
		}
		a.mu.Unlock()
		return
	}
	if !a.shouldConnect {
		// Stopped while dialing
		a.mu.Unlock()
		conn.Close()
		return
	}
	a.conn = conn
	a.state = StateConnected
	a.delay = a.config.MinDelay
	a.mu.Unlock()

	a.logger.Info().Msg("Presence connection opened")
	a.sendHello(conn)
	a.readLoop(conn)
}

// sendHello announces identity on a freshly opened connection
func (a *Announcer) sendHello(conn *websocket.Conn) {
	hello := protocol.PresenceHelloMsg{
		Type:         protocol.PresenceHello,
		InstrumentID: a.config.InstrumentID,
		Name:         a.config.Name,
		LocalURL:     a.config.LocalURL,
	}

	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteJSON(hello); err != nil {
		a.logger.Error().Err(err).Msg("Failed to send hello message")
		return
	}
	a.logger.Info().Str("instrument_id", hello.InstrumentID).Msg("Sent hello message")
}

// readLoop logs server messages until the connection ends
func (a *Announcer) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			a.handleClose(conn, err)
			return
		}
		a.handleMessage(data)
	}
}

// handleMessage logs server messages. No protocol action is taken on them.
func (a *Announcer) handleMessage(data []byte) {
	var msg protocol.PresenceServerMsg
	if err := json.Unmarshal(data, &msg); err != nil {
		a.logger.Error().Err(err).Msg("Failed to parse presence message")
		return
	}

	switch msg.Type {
	case protocol.PresenceHelloAck:
		id := msg.InstrumentID
		if id == "" {
			id = a.config.InstrumentID
		}
		a.logger.Info().Str("instrument_id", id).Msg("Registered with presence service")
	case protocol.PresenceError:
		reason := msg.Message
		if reason == "" {
			reason = msg.Error
		}
		if reason == "" {
			reason = "Unknown error"
		}
		a.logger.Error().Str("reason", reason).Msg("Presence server error")
	default:
		a.logger.Info().RawJSON("message", data).Msg("Received presence message")
	}
}

// handleClose releases the connection and schedules a reconnect
func (a *Announcer) handleClose(conn *websocket.Conn, err error) {
	ev := a.logger.Info()
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		ev = ev.Int("code", closeErr.Code).Str("reason", closeErr.Text)
	} else {
		ev = ev.Err(err)
	}
	ev.Msg("Presence connection closed")

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.conn == conn {
		a.conn = nil
	}
	conn.Close()

	if a.shouldConnect {
		a.scheduleReconnectLocked()
	}
}

// scheduleReconnectLocked schedules start after the current backoff delay
// and doubles the delay up to the ceiling. Must hold mu.
func (a *Announcer) scheduleReconnectLocked() {
	if a.pending != nil {
		return
	}

	d := a.delay
	a.logger.Info().Dur("delay", d).Msg("Scheduling reconnect")
	a.state = StateBackoff
	a.scheduleLocked(d)
	a.delay = min(a.delay*2, a.config.MaxDelay)
}

// scheduleLocked arms the single pending timer. A second request while one
// is pending is a no-op. Must hold mu.
func (a *Announcer) scheduleLocked(d time.Duration) {
	if a.pending != nil {
		return
	}

	var t timer
	t = a.after(d, func() {
		a.mu.Lock()
		if a.pending != t {
			// Cancelled after it began firing
			a.mu.Unlock()
			return
		}
		a.pending = nil
		a.wait = 0
		a.mu.Unlock()

		a.start()
	})
	a.pending = t
	a.wait = d
}

// Stop disables the announcer for good: it cancels the pending timer and
// closes the open socket. Safe to call more than once.
func (a *Announcer) Stop() {
	a.mu.Lock()
	wasStopped := !a.shouldConnect
	a.shouldConnect = false
	a.state = StateStopped
	if a.pending != nil {
		a.pending.Stop()
		a.pending = nil
		a.wait = 0
	}
	conn := a.conn
	a.conn = nil
	a.mu.Unlock()

	if conn != nil {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		conn.Close()
	}

	if !wasStopped {
		a.logger.Info().Msg("Presence client stopped")
	}
}

// Snapshot returns the current announcer status
func (a *Announcer) Snapshot() Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()

	return Snapshot{
		State:        a.state.String(),
		DelayMs:      a.delay.Milliseconds(),
		RetryMs:      a.wait.Milliseconds(),
		URL:          a.config.URL,
		InstrumentID: a.config.InstrumentID,
		Name:         a.config.Name,
		LocalURL:     a.config.LocalURL,
	}
}
