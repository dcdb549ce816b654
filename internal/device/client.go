// ABOUTME: Single-shot command client for the device TCP protocol
// ABOUTME: One connection per command, resolved on the first response chunk
package device

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"time"

	"github.com/orchestx/orchestx-bridge/internal/protocol"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	DefaultCommandTimeout = 5 * time.Second
	DefaultAckGrace       = 500 * time.Millisecond
	DefaultQueryTimeout   = 5 * time.Second

	chunkSize = 64 * 1024
)

// Config holds device connection settings
type Config struct {
	Addr           string        // host:port of the device
	CommandTimeout time.Duration // hard ceiling for one-shot commands
	AckGrace       time.Duration // silence after which setters assume success
	QueryTimeout   time.Duration // ceiling for streaming queries
}

// Client talks to the device. Every call opens its own connection and
// closes it before returning, so calls never share a socket and no ordering
// is guaranteed between concurrent calls.
type Client struct {
	config Config
	dialer net.Dialer
	logger zerolog.Logger
}

// NewClient creates a device client
func NewClient(config Config) *Client {
	if config.CommandTimeout <= 0 {
		config.CommandTimeout = DefaultCommandTimeout
	}
	if config.AckGrace <= 0 {
		config.AckGrace = DefaultAckGrace
	}
	if config.QueryTimeout <= 0 {
		config.QueryTimeout = DefaultQueryTimeout
	}

	return &Client{
		config: config,
		logger: log.With().Str("component", "device").Str("addr", config.Addr).Logger(),
	}
}

// Addr returns the device address
func (c *Client) Addr() string {
	return c.config.Addr
}

// open dials the device and writes one command line. The returned release
// func closes the connection and must be called exactly once.
func (c *Client) open(ctx context.Context, cmd protocol.Command) (net.Conn, func(), error) {
	conn, err := c.dialer.DialContext(ctx, "tcp", c.config.Addr)
	if err != nil {
		return nil, nil, fmt.Errorf("%s: dial %s: %w", cmd.Verb, c.config.Addr, err)
	}

	// Unblock any pending read once the call's context ends
	stop := context.AfterFunc(ctx, func() {
		conn.SetDeadline(time.Now())
	})
	release := func() {
		stop()
		conn.Close()
	}

	if _, err := io.WriteString(conn, cmd.Line()); err != nil {
		release()
		return nil, nil, fmt.Errorf("%s: write: %w", cmd.Verb, err)
	}

	c.logger.Debug().Str("command", cmd.String()).Msg("Command sent")
	return conn, release, nil
}

// readChunk returns the first data chunk available on conn
func readChunk(conn net.Conn) ([]byte, error) {
	buf := make([]byte, chunkSize)
	n, err := conn.Read(buf)
	if n > 0 {
		return buf[:n], nil
	}
	if err == nil {
		err = io.ErrNoProgress
	}
	return nil, err
}

// readErr classifies a read failure
func readErr(ctx context.Context, cmd protocol.Command, err error) error {
	switch {
	case errors.Is(err, os.ErrDeadlineExceeded):
		if errors.Is(ctx.Err(), context.Canceled) {
			return fmt.Errorf("%s: %w", cmd.Verb, ctx.Err())
		}
		return fmt.Errorf("%s: %w", cmd.Verb, ErrTimeout)
	case errors.Is(err, io.EOF):
		return fmt.Errorf("%s: %w", cmd.Verb, ErrNoResponse)
	default:
		return fmt.Errorf("%s: read: %w", cmd.Verb, err)
	}
}

// Do sends a boolean-outcome command. Any response bytes mean success; the
// payload is ignored. Commands that assume an ack (volume, view mode) also
// succeed when the device stays silent for the ack grace period.
func (c *Client) Do(ctx context.Context, cmd protocol.Command) error {
	ctx, cancel := context.WithTimeout(ctx, c.config.CommandTimeout)
	defer cancel()

	conn, release, err := c.open(ctx, cmd)
	if err != nil {
		return err
	}
	defer release()

	if cmd.AssumesAck() {
		return c.awaitAck(ctx, conn, cmd)
	}

	if _, err := readChunk(conn); err != nil {
		return readErr(ctx, cmd, err)
	}
	return nil
}

// awaitAck races the first response chunk against the ack grace period
func (c *Client) awaitAck(ctx context.Context, conn net.Conn, cmd protocol.Command) error {
	conn.SetReadDeadline(time.Now().Add(c.config.AckGrace))

	_, err := readChunk(conn)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, os.ErrDeadlineExceeded) && ctx.Err() == nil:
		c.logger.Debug().Str("command", cmd.String()).Msg("No ack from device, assuming success")
		return nil
	case errors.Is(err, io.EOF):
		c.logger.Debug().Str("command", cmd.String()).Msg("Device closed without ack, assuming success")
		return nil
	default:
		return readErr(ctx, cmd, err)
	}
}

// State queries the player state. Transport failures never surface as
// errors: the synthetic error state is returned instead. Only a malformed
// response yields a *ParseError.
func (c *Client) State(ctx context.Context) (protocol.PlayerState, error) {
	cmd := protocol.NewCommand(protocol.VerbGetState)

	ctx, cancel := context.WithTimeout(ctx, c.config.CommandTimeout)
	defer cancel()

	conn, release, err := c.open(ctx, cmd)
	if err != nil {
		c.logger.Debug().Err(err).Msg("Device unreachable, reporting error state")
		return protocol.ErrorState(), nil
	}
	defer release()

	chunk, err := readChunk(conn)
	if err != nil {
		c.logger.Debug().Err(readErr(ctx, cmd, err)).Msg("No state from device, reporting error state")
		return protocol.ErrorState(), nil
	}

	var state protocol.PlayerState
	if err := json.Unmarshal(chunk, &state); err != nil {
		return protocol.PlayerState{}, &ParseError{Command: string(cmd.Verb), Raw: chunk, Err: err}
	}
	return state, nil
}

// Prev skips to the previous item
func (c *Client) Prev(ctx context.Context) error {
	return c.Do(ctx, protocol.NewCommand(protocol.VerbPrev))
}

// Next skips to the next item
func (c *Client) Next(ctx context.Context) error {
	return c.Do(ctx, protocol.NewCommand(protocol.VerbNext))
}

// PlayPause toggles playback
func (c *Client) PlayPause(ctx context.Context) error {
	return c.Do(ctx, protocol.NewCommand(protocol.VerbPlayPause))
}

// PlayItem starts the item at a 1-based index
func (c *Client) PlayItem(ctx context.Context, index int) error {
	return c.Do(ctx, protocol.PlayItem(index))
}

// SelectItem selects the item at a 1-based index without playing it
func (c *Client) SelectItem(ctx context.Context, index int) error {
	return c.Do(ctx, protocol.SelectItem(index))
}

// LoadPlaylist loads a playlist file on the device
func (c *Client) LoadPlaylist(ctx context.Context, path string) error {
	return c.Do(ctx, protocol.LoadPlaylist(path))
}

// SetVolume sets the volume, clamped to 0-65535
func (c *Client) SetVolume(ctx context.Context, volume int) error {
	return c.Do(ctx, protocol.SetVolume(volume))
}

// SetViewMode sets the view mode, clamped to 0-5
func (c *Client) SetViewMode(ctx context.Context, mode int) error {
	return c.Do(ctx, protocol.SetViewMode(mode))
}
