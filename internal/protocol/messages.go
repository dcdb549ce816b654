// ABOUTME: Message and state type definitions
// ABOUTME: Player state, playlist snapshot and presence service messages
package protocol

import (
	"encoding/json"
	"math"
)

// Playback status values reported by the device
const (
	StatusPlaying = "playing"
	StatusPaused  = "paused"
	StatusStopped = "stopped"
	StatusError   = "error"
)

// PlayerState is the device's answer to GetState
type PlayerState struct {
	Status   string `json:"status"`
	Title    string `json:"title"`
	ItemID   int    `json:"itemId"`
	Length   int64  `json:"length"`   // milliseconds
	Position int64  `json:"position"` // milliseconds
	Volume   int    `json:"volume"`   // 0-65535
	ViewMode int    `json:"viewMode"` // 0-5
}

// stateFields is the lenient wire form of PlayerState. Devices are not
// consistent about integers, so numbers may carry fractions or be quoted.
type stateFields struct {
	Status   string      `json:"status"`
	Title    string      `json:"title"`
	ItemID   json.Number `json:"itemId"`
	Length   json.Number `json:"length"`
	Position json.Number `json:"position"`
	Volume   json.Number `json:"volume"`
	ViewMode json.Number `json:"viewMode"`
}

func (s *PlayerState) UnmarshalJSON(data []byte) error {
	var f stateFields
	if err := json.Unmarshal(data, &f); err != nil {
		return err
	}

	*s = PlayerState{Status: f.Status, Title: f.Title}
	for _, field := range []struct {
		num json.Number
		dst *int64
	}{
		{f.Length, &s.Length},
		{f.Position, &s.Position},
	} {
		n, err := numberToInt(field.num)
		if err != nil {
			return err
		}
		*field.dst = int64(n)
	}
	for _, field := range []struct {
		num json.Number
		dst *int
	}{
		{f.ItemID, &s.ItemID},
		{f.Volume, &s.Volume},
		{f.ViewMode, &s.ViewMode},
	} {
		n, err := numberToInt(field.num)
		if err != nil {
			return err
		}
		*field.dst = n
	}
	return nil
}

// numberToInt converts a JSON number, truncating fractions. A missing
// field is zero.
func numberToInt(n json.Number) (int, error) {
	if n == "" {
		return 0, nil
	}
	if i, err := n.Int64(); err == nil && i >= math.MinInt && i <= math.MaxInt {
		return int(i), nil
	}
	f, err := n.Float64()
	if err != nil {
		return 0, err
	}
	return SaturateInt(f), nil
}

// SaturateInt truncates f toward zero, pinning values outside the int
// range to its bounds instead of wrapping
func SaturateInt(f float64) int {
	switch {
	case math.IsNaN(f):
		return 0
	case f >= math.MaxInt:
		return math.MaxInt
	case f <= math.MinInt:
		return math.MinInt
	}
	return int(f)
}

// ErrorState is substituted for PlayerState when the device cannot be reached.
// It is a valid state, not an error signal.
func ErrorState() PlayerState {
	return PlayerState{Status: StatusError}
}

// IsError reports whether the state is the synthetic error state
func (s PlayerState) IsError() bool {
	return s.Status == StatusError
}

// PlaylistSnapshot is the device's answer to GetPlaylist. Only the play
// order is interpreted; Raw keeps the device's document as sent.
type PlaylistSnapshot struct {
	Order []int           `json:"order"`
	Raw   json.RawMessage `json:"-"`
}

// MarshalJSON emits the device's own document when one was received
func (p PlaylistSnapshot) MarshalJSON() ([]byte, error) {
	if len(p.Raw) > 0 {
		return p.Raw, nil
	}
	type plain PlaylistSnapshot
	return json.Marshal(plain(p))
}

// ItemAt returns the item to play for a position in play order.
// Positions outside the order fall back to 0.
func (p PlaylistSnapshot) ItemAt(pos int) int {
	if pos < 0 || pos >= len(p.Order) {
		return 0
	}
	return p.Order[pos]
}

// Presence message types
const (
	PresenceHello    = "hello"
	PresenceHelloAck = "helloAck"
	PresenceError    = "error"
)

// PresenceHelloMsg announces this bridge to the directory service
type PresenceHelloMsg struct {
	Type         string `json:"type"`
	InstrumentID string `json:"instrumentId"`
	Name         string `json:"name"`
	LocalURL     string `json:"localUrl"`
}

// PresenceServerMsg covers every message the directory service sends
type PresenceServerMsg struct {
	Type         string `json:"type"`
	InstrumentID string `json:"instrumentId,omitempty"`
	Message      string `json:"message,omitempty"`
	Error        string `json:"error,omitempty"`
}
