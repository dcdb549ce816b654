// ABOUTME: Streaming query client for responses spanning several TCP segments
// ABOUTME: Accumulates chunks until the buffer parses as one JSON document
package device

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/orchestx/orchestx-bridge/internal/protocol"
)

// assembler collects response chunks and detects a complete JSON document.
// The protocol has no length prefix, so completion is "the buffer parses".
type assembler struct {
	buf    bytes.Buffer
	chunks int
}

// feed appends a chunk and reports whether the buffer is now a complete document
func (a *assembler) feed(chunk []byte) bool {
	a.buf.Write(chunk)
	a.chunks++
	return json.Valid(a.buf.Bytes())
}

// document returns a copy of the accumulated bytes
func (a *assembler) document() json.RawMessage {
	return json.RawMessage(bytes.Clone(a.buf.Bytes()))
}

// finish makes the last parse attempt after the device closed the connection
func (a *assembler) finish() (json.RawMessage, error) {
	if a.buf.Len() == 0 {
		return nil, ErrNoData
	}
	if json.Valid(a.buf.Bytes()) {
		return a.document(), nil
	}
	return nil, fmt.Errorf("%w: %d bytes in %d chunks", ErrIncompleteResponse, a.buf.Len(), a.chunks)
}

// Query sends cmd and returns the JSON document the device answers with.
// The first successful parse wins; if the device closes first, one final
// parse is attempted. The query timeout bounds the whole exchange.
func (c *Client) Query(ctx context.Context, cmd protocol.Command) (json.RawMessage, error) {
	ctx, cancel := context.WithTimeout(ctx, c.config.QueryTimeout)
	defer cancel()

	conn, release, err := c.open(ctx, cmd)
	if err != nil {
		return nil, err
	}
	defer release()

	var doc assembler
	buf := make([]byte, chunkSize)
	for {
		n, err := conn.Read(buf)
		if n > 0 && doc.feed(buf[:n]) {
			c.logger.Debug().
				Str("command", cmd.String()).
				Int("bytes", doc.buf.Len()).
				Int("chunks", doc.chunks).
				Msg("Query response complete")
			return doc.document(), nil
		}
		if err == nil {
			continue
		}

		if errors.Is(err, io.EOF) {
			raw, ferr := doc.finish()
			if ferr != nil {
				return nil, fmt.Errorf("%s: %w", cmd.Verb, ferr)
			}
			return raw, nil
		}
		return nil, readErr(ctx, cmd, err)
	}
}

// Playlist fetches the currently loaded playlist and its play order
func (c *Client) Playlist(ctx context.Context) (protocol.PlaylistSnapshot, error) {
	cmd := protocol.NewCommand(protocol.VerbGetPlaylist)

	raw, err := c.Query(ctx, cmd)
	if err != nil {
		return protocol.PlaylistSnapshot{}, err
	}

	var playlist protocol.PlaylistSnapshot
	if err := json.Unmarshal(raw, &playlist); err != nil {
		return protocol.PlaylistSnapshot{}, &ParseError{Command: string(cmd.Verb), Raw: raw, Err: err}
	}
	playlist.Raw = raw
	return playlist, nil
}
