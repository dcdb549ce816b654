// ABOUTME: Tests for the WebSocket state push
// ABOUTME: Verifies per-connection isolation, failure handling and shutdown
package server

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/orchestx/orchestx-bridge/internal/protocol"
)

// countingSource returns a new item ID on every call
type countingSource struct {
	calls atomic.Int64
	fail  atomic.Bool
}

func (c *countingSource) State(ctx context.Context) (protocol.PlayerState, error) {
	n := c.calls.Add(1)
	if c.fail.Load() {
		return protocol.PlayerState{}, errors.New("malformed state")
	}
	return protocol.PlayerState{Status: protocol.StatusPlaying, ItemID: int(n)}, nil
}

func newPushServer(t *testing.T, source StateSource) (*Broadcaster, string) {
	t.Helper()

	b := NewBroadcaster(source, BroadcasterConfig{Interval: 20 * time.Millisecond})
	srv := httptest.NewServer(b)
	t.Cleanup(func() {
		b.Shutdown()
		srv.Close()
	})

	return b, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dialPush(t *testing.T, url string) *websocket.Conn {
	t.Helper()

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	return conn
}

func readState(t *testing.T, conn *websocket.Conn) protocol.PlayerState {
	t.Helper()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var state protocol.PlayerState
	if err := conn.ReadJSON(&state); err != nil {
		t.Fatalf("read state failed: %v", err)
	}
	return state
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestBroadcasterPushesState(t *testing.T) {
	source := &countingSource{}
	_, url := newPushServer(t, source)

	conn := dialPush(t, url)
	defer conn.Close()

	first := readState(t, conn)
	second := readState(t, conn)

	if first.Status != protocol.StatusPlaying {
		t.Errorf("status = %q, want playing", first.Status)
	}
	if second.ItemID <= first.ItemID {
		t.Errorf("expected a fresh query per frame, got item %d then %d", first.ItemID, second.ItemID)
	}
}

func TestBroadcasterConnectionsAreIndependent(t *testing.T) {
	source := &countingSource{}
	b, url := newPushServer(t, source)

	connA := dialPush(t, url)
	connB := dialPush(t, url)
	defer connB.Close()

	readState(t, connA)
	readState(t, connB)
	waitFor(t, "two clients", func() bool { return b.Count() == 2 })

	connA.Close()
	waitFor(t, "client A removal", func() bool { return b.Count() == 1 })

	// B keeps its own timer after A is gone
	before := readState(t, connB)
	for i := 0; i < 3; i++ {
		after := readState(t, connB)
		if after.ItemID <= before.ItemID {
			t.Fatalf("connection B stalled: item %d then %d", before.ItemID, after.ItemID)
		}
		before = after
	}
}

func TestBroadcasterEachConnectionPolls(t *testing.T) {
	source := &countingSource{}
	b, url := newPushServer(t, source)

	connA := dialPush(t, url)
	defer connA.Close()
	connB := dialPush(t, url)
	defer connB.Close()

	for i := 0; i < 3; i++ {
		readState(t, connA)
		readState(t, connB)
	}

	waitFor(t, "frame counters", func() bool {
		clients := b.Clients()
		return len(clients) == 2 && clients[0].Frames >= 3 && clients[1].Frames >= 3
	})

	clients := b.Clients()
	for _, c := range clients {
		if c.ID == "" || c.RemoteAddr == "" {
			t.Errorf("client info incomplete: %+v", c)
		}
	}
	if clients[0].ID == clients[1].ID {
		t.Error("connection IDs must be unique")
	}
}

func TestBroadcasterSkipsFailedQueries(t *testing.T) {
	source := &countingSource{}
	source.fail.Store(true)
	b, url := newPushServer(t, source)

	conn := dialPush(t, url)
	defer conn.Close()

	waitFor(t, "failed polls", func() bool { return source.calls.Load() >= 3 })

	clients := b.Clients()
	if len(clients) != 1 {
		t.Fatalf("connection should survive query failures, have %d clients", len(clients))
	}
	if clients[0].Frames != 0 {
		t.Errorf("no frame should be sent for a failed query, sent %d", clients[0].Frames)
	}

	source.fail.Store(false)
	readState(t, conn)
}

func TestBroadcasterIgnoresClientMessages(t *testing.T) {
	source := &countingSource{}
	_, url := newPushServer(t, source)

	conn := dialPush(t, url)
	defer conn.Close()

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"next"}`)); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	readState(t, conn)
	readState(t, conn)
}

func TestBroadcasterShutdown(t *testing.T) {
	source := &countingSource{}
	b := NewBroadcaster(source, BroadcasterConfig{Interval: 20 * time.Millisecond})
	srv := httptest.NewServer(b)
	defer srv.Close()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")

	conn := dialPush(t, url)
	defer conn.Close()
	readState(t, conn)

	done := make(chan struct{})
	go func() {
		b.Shutdown()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Shutdown did not return")
	}

	if b.Count() != 0 {
		t.Errorf("expected no clients after shutdown, got %d", b.Count())
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}

	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatal("expected new connections to be rejected after shutdown")
	}
	if resp == nil || resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("expected 503 after shutdown, got %v", resp)
	}
}

func TestBroadcasterOnChange(t *testing.T) {
	var changes atomic.Int64
	b := NewBroadcaster(&countingSource{}, BroadcasterConfig{
		Interval: 20 * time.Millisecond,
		OnChange: func() { changes.Add(1) },
	})
	srv := httptest.NewServer(b)
	defer srv.Close()
	defer b.Shutdown()

	conn := dialPush(t, "ws"+strings.TrimPrefix(srv.URL, "http"))
	waitFor(t, "connect notification", func() bool { return changes.Load() == 1 })

	conn.Close()
	waitFor(t, "disconnect notification", func() bool { return changes.Load() == 2 })
}

func TestBroadcasterDefaultInterval(t *testing.T) {
	b := NewBroadcaster(&countingSource{}, BroadcasterConfig{})
	if b.config.Interval != DefaultPollInterval {
		t.Errorf("interval = %v, want %v", b.config.Interval, DefaultPollInterval)
	}
}
