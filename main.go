// ABOUTME: Entry point for the OrchestX bridge
// ABOUTME: Parses flags, sets up logging and runs the server and presence client
package main

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/orchestx/orchestx-bridge/internal/device"
	"github.com/orchestx/orchestx-bridge/internal/discovery"
	"github.com/orchestx/orchestx-bridge/internal/presence"
	"github.com/orchestx/orchestx-bridge/internal/server"
	"github.com/orchestx/orchestx-bridge/internal/version"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	flag "github.com/spf13/pflag"
)

var (
	port           = flag.Int("port", envInt("PORT", 3000), "HTTP and WebSocket port")
	deviceAddr     = flag.String("device", envString("DEVICE_ADDR", "127.0.0.1:2222"), "Device TCP address")
	pollInterval   = flag.Duration("poll-interval", server.DefaultPollInterval, "State push interval per WebSocket client")
	commandTimeout = flag.Duration("command-timeout", device.DefaultCommandTimeout, "Hard timeout for device commands")
	ackGrace       = flag.Duration("ack-grace", device.DefaultAckGrace, "Silence after which volume/view mode commands succeed")
	queryTimeout   = flag.Duration("query-timeout", device.DefaultQueryTimeout, "Timeout for streaming device queries")
	presenceURL    = flag.String("presence-url", envString("PRESENCE_WS_URL", presence.DefaultURL), "Presence directory WebSocket URL")
	noPresence     = flag.Bool("no-presence", false, "Disable the presence announcer")
	instrumentID   = flag.String("instrument-id", os.Getenv("INSTRUMENT_ID"), "Instrument ID (default: derived from hostname)")
	instrumentName = flag.String("instrument-name", os.Getenv("INSTRUMENT_NAME"), "Instrument display name (default: instrument ID)")
	localURL       = flag.String("local-url", defaultLocalURL(), "URL announced to the directory (default: first LAN address)")
	noMDNS         = flag.Bool("no-mdns", false, "Disable mDNS advertisement")
	useTUI         = flag.Bool("tui", false, "Show the status TUI")
	logFile        = flag.String("log-file", "", "Also write logs to this file (required with --tui)")
	debug          = flag.Bool("debug", false, "Enable debug logging")
	showVersion    = flag.Bool("version", false, "Print version and exit")
)

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Println(version.String())
		return
	}

	closeLog, err := setupLogging()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error opening log file: %v\n", err)
		os.Exit(1)
	}
	defer closeLog()

	id := presence.HostInstrumentID(*instrumentID)
	name := presence.Name(*instrumentName, id)

	log.Info().
		Str("version", version.Version).
		Int("port", *port).
		Str("device", *deviceAddr).
		Str("instrument_id", id).
		Str("name", name).
		Dur("poll_interval", *pollInterval).
		Msg("Starting " + version.Product)

	dev := device.NewClient(device.Config{
		Addr:           *deviceAddr,
		CommandTimeout: *commandTimeout,
		AckGrace:       *ackGrace,
		QueryTimeout:   *queryTimeout,
	})

	// A nil *Announcer must not reach the server as a non-nil interface
	var reporter server.PresenceReporter
	var announcer *presence.Announcer
	if !*noPresence {
		ips, err := discovery.LocalIPs()
		if err != nil {
			log.Warn().Err(err).Msg("Failed to list local addresses")
		}

		announcer = presence.New(presence.Config{
			URL:          *presenceURL,
			InstrumentID: id,
			Name:         name,
			LocalURL:     presence.LocalURL(*localURL, *port, ips),
		})
		announcer.Start()
		reporter = announcer
	}

	srv := server.New(server.Config{
		Port:         *port,
		Name:         name,
		InstrumentID: id,
		DeviceAddr:   *deviceAddr,
		PollInterval: *pollInterval,
		EnableMDNS:   !*noMDNS,
		UseTUI:       *useTUI,
	}, dev, reporter)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		log.Info().Str("signal", sig.String()).Msg("Received signal, shutting down")
		srv.Stop()
	}()

	err = srv.Start()

	if announcer != nil {
		announcer.Stop()
	}

	if err != nil {
		log.Error().Err(err).Msg("Server error")
		closeLog()
		os.Exit(1)
	}
}

// setupLogging configures the global logger. With the TUI on, logs go to
// the log file only so they don't tear the display.
func setupLogging() (func(), error) {
	zerolog.TimeFieldFormat = time.RFC3339
	if *debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	path := *logFile
	if *useTUI && path == "" {
		path = "orchestx-bridge.log"
	}

	var out io.Writer = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	closeFn := func() {}

	if path != "" {
		f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0o644)
		if err != nil {
			return nil, err
		}
		closeFn = func() { _ = f.Close() }

		fileOut := zerolog.ConsoleWriter{Out: f, TimeFormat: time.RFC3339, NoColor: true}
		if *useTUI {
			out = fileOut
		} else {
			out = zerolog.MultiLevelWriter(out, fileOut)
		}
	}

	log.Logger = zerolog.New(out).With().Timestamp().Logger()
	return closeFn, nil
}

// defaultLocalURL reads LOCAL_URL, falling back to the older LOCAL_REACT_URL
func defaultLocalURL() string {
	return envString("LOCAL_URL", os.Getenv("LOCAL_REACT_URL"))
}

func envString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
