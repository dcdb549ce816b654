// ABOUTME: Per-connection player state push over WebSocket
// ABOUTME: Each client gets its own poll loop; closing one never affects another
package server

import (
	"context"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/orchestx/orchestx-bridge/internal/protocol"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	DefaultPollInterval = 500 * time.Millisecond

	writeDeadline = 5 * time.Second
)

// StateSource provides the player state pushed to clients
type StateSource interface {
	State(ctx context.Context) (protocol.PlayerState, error)
}

// BroadcasterConfig holds broadcaster settings
type BroadcasterConfig struct {
	Interval time.Duration // poll interval per connection
	OnChange func()        // called after a client connects or disconnects
}

// Broadcaster upgrades WebSocket requests and pushes the player state to
// each connection on its own timer. The channel is push-only: client
// messages are drained and discarded.
type Broadcaster struct {
	source   StateSource
	config   BroadcasterConfig
	upgrader websocket.Upgrader
	logger   zerolog.Logger

	mu      sync.RWMutex
	clients map[string]*pushClient
	closed  bool
	wg      sync.WaitGroup
}

// pushClient is one accepted WebSocket connection
type pushClient struct {
	id          string
	remoteAddr  string
	conn        *websocket.Conn
	connectedAt time.Time
	frames      atomic.Int64
	cancel      context.CancelFunc
}

// ClientInfo describes a connected push client
type ClientInfo struct {
	ID          string    `json:"id"`
	RemoteAddr  string    `json:"remoteAddr"`
	ConnectedAt time.Time `json:"connectedAt"`
	Frames      int64     `json:"frames"`
}

// NewBroadcaster creates a broadcaster reading state from source
func NewBroadcaster(source StateSource, config BroadcasterConfig) *Broadcaster {
	if config.Interval <= 0 {
		config.Interval = DefaultPollInterval
	}

	return &Broadcaster{
		source: source,
		config: config,
		upgrader: websocket.Upgrader{
			// Browser UIs are served from other origins on the LAN
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logger:  log.With().Str("component", "broadcaster").Logger(),
		clients: make(map[string]*pushClient),
	}
}

// ServeHTTP upgrades the request and pushes state until the client leaves
func (b *Broadcaster) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	b.mu.RLock()
	closed := b.closed
	b.mu.RUnlock()
	if closed {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}

	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.logger.Error().Err(err).Msg("WebSocket upgrade error")
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	client := &pushClient{
		id:          uuid.New().String(),
		remoteAddr:  r.RemoteAddr,
		conn:        conn,
		connectedAt: time.Now(),
		cancel:      cancel,
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		cancel()
		conn.Close()
		return
	}
	b.clients[client.id] = client
	b.wg.Add(1)
	active := len(b.clients)
	b.mu.Unlock()

	b.logger.Info().
		Str("id", client.id).
		Str("remote", client.remoteAddr).
		Int("active", active).
		Msg("New WebSocket connection")
	b.changed()

	defer b.remove(client)

	go b.drain(client)
	b.poll(ctx, client)
}

// drain discards inbound frames so control frames are processed and a
// closed peer is noticed
func (b *Broadcaster) drain(client *pushClient) {
	defer client.cancel()
	for {
		if _, _, err := client.conn.NextReader(); err != nil {
			return
		}
	}
}

// poll pushes one state frame per tick until ctx ends
func (b *Broadcaster) poll(ctx context.Context, client *pushClient) {
	ticker := time.NewTicker(b.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.push(ctx, client)
		}
	}
}

// push sends the current state to one client. Failures are logged only.
func (b *Broadcaster) push(ctx context.Context, client *pushClient) {
	state, err := b.source.State(ctx)
	if err != nil {
		b.logger.Error().Err(err).Str("id", client.id).Msg("Error reading player state")
		return
	}

	client.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
	if err := client.conn.WriteJSON(state); err != nil {
		b.logger.Debug().Err(err).Str("id", client.id).Msg("Error sending player state")
		return
	}
	client.frames.Add(1)
}

// remove forgets a client and releases its connection
func (b *Broadcaster) remove(client *pushClient) {
	client.cancel()
	client.conn.Close()

	b.mu.Lock()
	delete(b.clients, client.id)
	active := len(b.clients)
	b.mu.Unlock()

	b.logger.Info().Str("id", client.id).Int("active", active).Msg("Client disconnected")
	b.changed()
	b.wg.Done()
}

func (b *Broadcaster) changed() {
	if b.config.OnChange != nil {
		b.config.OnChange()
	}
}

// Count returns the number of connected clients
func (b *Broadcaster) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients)
}

// Clients lists connected clients, oldest first
func (b *Broadcaster) Clients() []ClientInfo {
	b.mu.RLock()
	clients := make([]ClientInfo, 0, len(b.clients))
	for _, c := range b.clients {
		clients = append(clients, ClientInfo{
			ID:          c.id,
			RemoteAddr:  c.remoteAddr,
			ConnectedAt: c.connectedAt,
			Frames:      c.frames.Load(),
		})
	}
	b.mu.RUnlock()

	sort.Slice(clients, func(i, j int) bool {
		return clients[i].ConnectedAt.Before(clients[j].ConnectedAt)
	})
	return clients
}

// Shutdown closes every connection, rejects new ones and waits for all
// poll loops to exit
func (b *Broadcaster) Shutdown() {
	b.mu.Lock()
	b.closed = true
	clients := make([]*pushClient, 0, len(b.clients))
	for _, c := range b.clients {
		clients = append(clients, c)
	}
	b.mu.Unlock()

	for _, c := range clients {
		c.cancel()
		msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down")
		c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	}

	b.wg.Wait()
}
