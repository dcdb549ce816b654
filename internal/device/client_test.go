// ABOUTME: Tests for the single-shot device command client
// ABOUTME: Runs commands against an in-process fake device over real TCP
package device

import (
	"bufio"
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/orchestx/orchestx-bridge/internal/protocol"
)

// fakeDevice accepts connections, reads one command line per connection
// and hands the connection to handle. The connection is closed when handle returns.
type fakeDevice struct {
	ln     net.Listener
	lines  chan string
	handle func(conn net.Conn, line string)
}

func newFakeDevice(t *testing.T, handle func(conn net.Conn, line string)) *fakeDevice {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}

	d := &fakeDevice{
		ln:     ln,
		lines:  make(chan string, 64),
		handle: handle,
	}
	go d.serve()
	t.Cleanup(func() { ln.Close() })
	return d
}

func (d *fakeDevice) serve() {
	for {
		conn, err := d.ln.Accept()
		if err != nil {
			return
		}
		go func() {
			defer conn.Close()
			line, err := bufio.NewReader(conn).ReadString('\n')
			if err != nil {
				return
			}
			d.lines <- line
			d.handle(conn, line)
		}()
	}
}

func (d *fakeDevice) addr() string {
	return d.ln.Addr().String()
}

// nextLine returns the next command line the device received
func (d *fakeDevice) nextLine(t *testing.T) string {
	t.Helper()
	select {
	case line := <-d.lines:
		return line
	case <-time.After(2 * time.Second):
		t.Fatal("device received no command")
		return ""
	}
}

// blockUntilCleanup returns a handler that holds the connection open silently
func blockUntilCleanup(t *testing.T) func(net.Conn, string) {
	done := make(chan struct{})
	t.Cleanup(func() { close(done) })
	return func(net.Conn, string) { <-done }
}

func replyOK(conn net.Conn, _ string) {
	conn.Write([]byte("OK"))
}

// unusedAddr returns a local address nothing listens on
func unusedAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()
	return addr
}

func TestNewClientDefaults(t *testing.T) {
	client := NewClient(Config{Addr: "127.0.0.1:1"})

	if client.config.CommandTimeout != DefaultCommandTimeout {
		t.Errorf("expected command timeout %v, got %v", DefaultCommandTimeout, client.config.CommandTimeout)
	}
	if client.config.AckGrace != DefaultAckGrace {
		t.Errorf("expected ack grace %v, got %v", DefaultAckGrace, client.config.AckGrace)
	}
	if client.config.QueryTimeout != DefaultQueryTimeout {
		t.Errorf("expected query timeout %v, got %v", DefaultQueryTimeout, client.config.QueryTimeout)
	}
	if client.Addr() != "127.0.0.1:1" {
		t.Errorf("expected addr 127.0.0.1:1, got %s", client.Addr())
	}
}

func TestCommandsWriteExactLine(t *testing.T) {
	dev := newFakeDevice(t, replyOK)
	client := NewClient(Config{Addr: dev.addr()})
	ctx := context.Background()

	tests := []struct {
		name string
		call func() error
		want string
	}{
		{"prev", func() error { return client.Prev(ctx) }, "Prev\n"},
		{"next", func() error { return client.Next(ctx) }, "Next\n"},
		{"play pause", func() error { return client.PlayPause(ctx) }, "PlayPause\n"},
		{"play item", func() error { return client.PlayItem(ctx, 4) }, "PlayItem 4\n"},
		{"select item", func() error { return client.SelectItem(ctx, 1) }, "SelectItem 1\n"},
		{"load playlist", func() error { return client.LoadPlaylist(ctx, "rock.mdl") }, "LoadPlaylist rock.mdl\n"},
		{"load playlist spaced", func() error { return client.LoadPlaylist(ctx, "my rock.mdl") }, "LoadPlaylist \"my rock.mdl\"\n"},
		{"volume low clamp", func() error { return client.SetVolume(ctx, -10) }, "SetVolume 0\n"},
		{"volume high clamp", func() error { return client.SetVolume(ctx, 999999) }, "SetVolume 65535\n"},
		{"view mode clamp", func() error { return client.SetViewMode(ctx, 9) }, "SetViewMode 5\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.call(); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got := dev.nextLine(t); got != tt.want {
				t.Errorf("device received %q, want %q", got, tt.want)
			}
		})
	}
}

func TestDoIgnoresPayload(t *testing.T) {
	dev := newFakeDevice(t, func(conn net.Conn, _ string) {
		conn.Write([]byte("anything at all, not JSON {"))
	})
	client := NewClient(Config{Addr: dev.addr()})

	if err := client.Next(context.Background()); err != nil {
		t.Errorf("expected success for any response bytes, got %v", err)
	}
}

func TestDoClosedWithoutResponse(t *testing.T) {
	dev := newFakeDevice(t, func(net.Conn, string) {})
	client := NewClient(Config{Addr: dev.addr()})

	err := client.PlayPause(context.Background())
	if !errors.Is(err, ErrNoResponse) {
		t.Errorf("expected ErrNoResponse, got %v", err)
	}
}

func TestDoTimeout(t *testing.T) {
	dev := newFakeDevice(t, blockUntilCleanup(t))
	client := NewClient(Config{Addr: dev.addr(), CommandTimeout: 100 * time.Millisecond})

	start := time.Now()
	err := client.Prev(context.Background())
	if !errors.Is(err, ErrTimeout) {
		t.Errorf("expected ErrTimeout, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("timeout took too long: %v", elapsed)
	}
}

func TestDoUnreachable(t *testing.T) {
	client := NewClient(Config{Addr: unusedAddr(t)})

	err := client.Next(context.Background())
	if err == nil {
		t.Fatal("expected transport error for unreachable device")
	}
	if errors.Is(err, ErrTimeout) {
		t.Errorf("connection refused should not be reported as timeout: %v", err)
	}
}

func TestDoCancelledContext(t *testing.T) {
	dev := newFakeDevice(t, blockUntilCleanup(t))
	client := NewClient(Config{Addr: dev.addr()})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	err := client.Next(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestSetterAssumesSuccessOnSilence(t *testing.T) {
	dev := newFakeDevice(t, blockUntilCleanup(t))
	client := NewClient(Config{
		Addr:           dev.addr(),
		AckGrace:       50 * time.Millisecond,
		CommandTimeout: 5 * time.Second,
	})

	start := time.Now()
	if err := client.SetVolume(context.Background(), 1000); err != nil {
		t.Fatalf("expected silence to count as success, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("setter waited %v, expected about the ack grace", elapsed)
	}
	if got := dev.nextLine(t); got != "SetVolume 1000\n" {
		t.Errorf("device received %q", got)
	}
}

func TestSetterAckedBeforeGrace(t *testing.T) {
	dev := newFakeDevice(t, replyOK)
	client := NewClient(Config{Addr: dev.addr(), AckGrace: 2 * time.Second})

	start := time.Now()
	if err := client.SetViewMode(context.Background(), 3); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("acked setter should not wait for grace, took %v", elapsed)
	}
}

func TestSetterClosedWithoutAck(t *testing.T) {
	dev := newFakeDevice(t, func(net.Conn, string) {})
	client := NewClient(Config{Addr: dev.addr(), AckGrace: 50 * time.Millisecond})

	if err := client.SetVolume(context.Background(), 5); err != nil {
		t.Errorf("expected success when device closes silently, got %v", err)
	}
}

func TestSetterHardTimeout(t *testing.T) {
	dev := newFakeDevice(t, blockUntilCleanup(t))
	client := NewClient(Config{
		Addr:           dev.addr(),
		AckGrace:       2 * time.Second,
		CommandTimeout: 100 * time.Millisecond,
	})

	err := client.SetVolume(context.Background(), 5)
	if !errors.Is(err, ErrTimeout) {
		t.Errorf("expected ErrTimeout when neither ack nor grace fires, got %v", err)
	}
}

func TestSetterUnreachable(t *testing.T) {
	client := NewClient(Config{Addr: unusedAddr(t)})

	if err := client.SetVolume(context.Background(), 5); err == nil {
		t.Error("expected transport error for unreachable device")
	}
}

func TestStateParses(t *testing.T) {
	dev := newFakeDevice(t, func(conn net.Conn, _ string) {
		conn.Write([]byte(`{"status":"playing","title":"Bolero","itemId":3,"length":900000,"position":1200,"volume":40000,"viewMode":2}`))
	})
	client := NewClient(Config{Addr: dev.addr()})

	state, err := client.State(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := protocol.PlayerState{
		Status:   protocol.StatusPlaying,
		Title:    "Bolero",
		ItemID:   3,
		Length:   900000,
		Position: 1200,
		Volume:   40000,
		ViewMode: 2,
	}
	if state != want {
		t.Errorf("state = %+v, want %+v", state, want)
	}
	if got := dev.nextLine(t); got != "GetState\n" {
		t.Errorf("device received %q, want %q", got, "GetState\n")
	}
}

func TestStateAcceptsFractionalNumbers(t *testing.T) {
	dev := newFakeDevice(t, func(conn net.Conn, _ string) {
		conn.Write([]byte(`{"status":"playing","title":"Bolero","itemId":3,"length":900000.0,"position":1500.5,"volume":40000,"viewMode":2}`))
	})
	client := NewClient(Config{Addr: dev.addr()})

	state, err := client.State(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if state.Position != 1500 || state.Length != 900000 {
		t.Errorf("position/length = %d/%d, want 1500/900000", state.Position, state.Length)
	}
	if state.Status != protocol.StatusPlaying || state.Volume != 40000 {
		t.Errorf("unexpected state %+v", state)
	}
}

func TestStateUnreachableReturnsErrorState(t *testing.T) {
	client := NewClient(Config{Addr: unusedAddr(t)})

	state, err := client.State(context.Background())
	if err != nil {
		t.Fatalf("State must not fail on transport errors, got %v", err)
	}
	if state != protocol.ErrorState() {
		t.Errorf("state = %+v, want error state", state)
	}
}

func TestStateTimeoutReturnsErrorState(t *testing.T) {
	dev := newFakeDevice(t, blockUntilCleanup(t))
	client := NewClient(Config{Addr: dev.addr(), CommandTimeout: 100 * time.Millisecond})

	state, err := client.State(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !state.IsError() {
		t.Errorf("expected error state, got %+v", state)
	}
}

func TestStateParseError(t *testing.T) {
	dev := newFakeDevice(t, func(conn net.Conn, _ string) {
		conn.Write([]byte("not json"))
	})
	client := NewClient(Config{Addr: dev.addr()})

	_, err := client.State(context.Background())

	var parseErr *ParseError
	if !errors.As(err, &parseErr) {
		t.Fatalf("expected *ParseError, got %v", err)
	}
	if string(parseErr.Raw) != "not json" {
		t.Errorf("expected raw payload to be kept, got %q", parseErr.Raw)
	}
	if parseErr.Command != "GetState" {
		t.Errorf("expected command GetState, got %s", parseErr.Command)
	}
}

func TestConcurrentCommandsUseSeparateConnections(t *testing.T) {
	var mu sync.Mutex
	conns := make(map[string]bool)

	dev := newFakeDevice(t, func(conn net.Conn, _ string) {
		mu.Lock()
		conns[conn.RemoteAddr().String()] = true
		mu.Unlock()
		conn.Write([]byte("OK"))
	})
	client := NewClient(Config{Addr: dev.addr()})

	const n = 8
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- client.Next(context.Background())
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Errorf("unexpected error: %v", err)
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if len(conns) != n {
		t.Errorf("expected %d distinct connections, got %d", n, len(conns))
	}
}
