// ABOUTME: Operator CLI for the OrchestX bridge and device
// ABOUTME: Sends device commands, discovers bridges and watches state pushes
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/orchestx/orchestx-bridge/internal/device"
	"github.com/orchestx/orchestx-bridge/internal/discovery"
	"github.com/orchestx/orchestx-bridge/internal/protocol"
	"github.com/orchestx/orchestx-bridge/internal/server"
	"github.com/orchestx/orchestx-bridge/internal/version"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	flag "github.com/spf13/pflag"
)

var (
	deviceAddr = flag.String("device", envString("DEVICE_ADDR", "127.0.0.1:2222"), "Device TCP address")
	bridgeAddr = flag.String("bridge", "", "Bridge host:port for watch (default: discover via mDNS)")
	timeout    = flag.Duration("timeout", 3*time.Second, "mDNS browse timeout")
	debug      = flag.Bool("debug", false, "Enable debug logging")
)

const usage = `Usage: orchestx-ctl [flags] <command> [arg]

Device commands:
  prev | next | toggle      transport control
  state                     print the player state
  playlist                  print the active playlist
  play N | select N         play or select item N
  load PATH                 load a playlist
  volume N                  set volume (0-65535)
  viewmode N                set view mode (0-5)

Bridge commands:
  discover                  list bridges on the LAN
  watch                     print state frames pushed by a bridge

Flags:
`

func main() {
	flag.Usage = func() {
		fmt.Fprint(os.Stderr, usage)
		flag.PrintDefaults()
	}
	flag.CommandLine.SetInterspersed(false)
	flag.Parse()

	level := zerolog.WarnLevel
	if *debug {
		level = zerolog.DebugLevel
	}
	zerolog.SetGlobalLevel(level)
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	args := flag.Args()
	if len(args) == 0 {
		flag.Usage()
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, args[0], args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		stop()
		os.Exit(1)
	}
}

func run(ctx context.Context, command string, args []string) error {
	switch command {
	case "discover":
		return discover()
	case "watch":
		return watch(ctx)
	case "version":
		fmt.Println(version.String())
		return nil
	}

	client := device.NewClient(device.Config{Addr: *deviceAddr})

	switch command {
	case "prev":
		return client.Prev(ctx)
	case "next":
		return client.Next(ctx)
	case "toggle":
		return client.PlayPause(ctx)
	case "state":
		state, err := client.State(ctx)
		if err != nil {
			return err
		}
		if state.IsError() {
			return fmt.Errorf("device %s did not answer", *deviceAddr)
		}
		return printJSON(state)
	case "playlist":
		playlist, err := client.Playlist(ctx)
		if err != nil {
			return err
		}
		return printJSON(playlist)
	case "load":
		if len(args) != 1 {
			return errors.New("load needs a playlist path")
		}
		return client.LoadPlaylist(ctx, args[0])
	case "play", "select", "volume", "viewmode":
		n, err := intArg(command, args)
		if err != nil {
			return err
		}
		switch command {
		case "play":
			return client.PlayItem(ctx, n)
		case "select":
			return client.SelectItem(ctx, n)
		case "volume":
			return client.SetVolume(ctx, n)
		default:
			return client.SetViewMode(ctx, n)
		}
	default:
		flag.Usage()
		return fmt.Errorf("unknown command %q", command)
	}
}

func intArg(command string, args []string) (int, error) {
	if len(args) != 1 {
		return 0, fmt.Errorf("%s needs one numeric argument", command)
	}
	n, err := strconv.Atoi(args[0])
	if err != nil {
		return 0, fmt.Errorf("%s: invalid number %q", command, args[0])
	}
	return n, nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func discover() error {
	mgr := discovery.NewManager(discovery.Config{})
	defer mgr.Stop()

	bridges, err := mgr.Browse(*timeout)
	if err != nil {
		return err
	}
	if len(bridges) == 0 {
		fmt.Println("No bridges found")
		return nil
	}

	for _, b := range bridges {
		fmt.Printf("%-24s %-21s %s\n", b.Name, b.Addr(), b.InstrumentID)
	}
	return nil
}

// findBridge returns the --bridge address or the first bridge found on the LAN
func findBridge() (string, string, error) {
	if *bridgeAddr != "" {
		return *bridgeAddr, server.PushPath, nil
	}

	mgr := discovery.NewManager(discovery.Config{})
	defer mgr.Stop()

	bridges, err := mgr.Browse(*timeout)
	if err != nil {
		return "", "", err
	}
	if len(bridges) == 0 {
		return "", "", errors.New("no bridge found, use --bridge")
	}

	path := bridges[0].Path
	if path == "" {
		path = server.PushPath
	}
	return bridges[0].Addr(), path, nil
}

func watch(ctx context.Context) error {
	addr, path, err := findBridge()
	if err != nil {
		return err
	}

	u := url.URL{Scheme: "ws", Host: addr, Path: path}
	log.Debug().Str("url", u.String()).Msg("Connecting")

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", u.String(), err)
	}
	defer conn.Close()

	go func() {
		<-ctx.Done()
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		conn.Close()
	}()

	for {
		var state protocol.PlayerState
		if err := conn.ReadJSON(&state); err != nil {
			if ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return fmt.Errorf("read failed: %w", err)
		}

		if state.IsError() {
			fmt.Println("device unreachable")
			continue
		}
		fmt.Printf("%-8s item=%-4d %6d/%-6d vol=%-5d view=%d %s\n",
			state.Status, state.ItemID, state.Position, state.Length, state.Volume, state.ViewMode, state.Title)
	}
}

func envString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
