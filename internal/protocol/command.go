// ABOUTME: Device command model for the line-oriented TCP protocol
// ABOUTME: Defines verbs, argument clamping and the exact wire serialization
package protocol

import (
	"strconv"
	"strings"
)

// Verb names a device command
type Verb string

const (
	VerbPrev         Verb = "Prev"
	VerbNext         Verb = "Next"
	VerbPlayPause    Verb = "PlayPause"
	VerbGetState     Verb = "GetState"
	VerbGetPlaylist  Verb = "GetPlaylist"
	VerbPlayItem     Verb = "PlayItem"
	VerbSelectItem   Verb = "SelectItem"
	VerbLoadPlaylist Verb = "LoadPlaylist"
	VerbSetVolume    Verb = "SetVolume"
	VerbSetViewMode  Verb = "SetViewMode"
)

// Device argument ranges
const (
	MinVolume   = 0
	MaxVolume   = 65535
	MinViewMode = 0
	MaxViewMode = 5
)

// Command is a verb plus zero or one argument
type Command struct {
	Verb   Verb
	Arg    string
	HasArg bool
}

// NewCommand builds a command without an argument
func NewCommand(verb Verb) Command {
	return Command{Verb: verb}
}

// NewCommandArg builds a command carrying one argument
func NewCommandArg(verb Verb, arg string) Command {
	return Command{Verb: verb, Arg: arg, HasArg: true}
}

// PlayItem builds a PlayItem command for a 1-based index
func PlayItem(index int) Command {
	return NewCommandArg(VerbPlayItem, strconv.Itoa(index))
}

// SelectItem builds a SelectItem command for a 1-based index
func SelectItem(index int) Command {
	return NewCommandArg(VerbSelectItem, strconv.Itoa(index))
}

// LoadPlaylist builds a LoadPlaylist command. The path is quoted on the
// wire only when it contains a space.
func LoadPlaylist(path string) Command {
	return NewCommandArg(VerbLoadPlaylist, path)
}

// SetVolume builds a SetVolume command with the volume clamped to the device range
func SetVolume(volume int) Command {
	return NewCommandArg(VerbSetVolume, strconv.Itoa(ClampVolume(volume)))
}

// SetViewMode builds a SetViewMode command with the mode clamped to the device range
func SetViewMode(mode int) Command {
	return NewCommandArg(VerbSetViewMode, strconv.Itoa(ClampViewMode(mode)))
}

// ClampVolume limits v to [MinVolume, MaxVolume]
func ClampVolume(v int) int {
	return clamp(v, MinVolume, MaxVolume)
}

// ClampViewMode limits m to [MinViewMode, MaxViewMode]
func ClampViewMode(m int) int {
	return clamp(m, MinViewMode, MaxViewMode)
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Line returns the exact bytes written to the device socket:
// "<verb> <arg>\n" or "<verb>\n".
func (c Command) Line() string {
	if !c.HasArg {
		return string(c.Verb) + "\n"
	}

	arg := c.Arg
	if c.Verb == VerbLoadPlaylist && strings.Contains(arg, " ") {
		arg = `"` + arg + `"`
	}
	return string(c.Verb) + " " + arg + "\n"
}

// String returns the command line without the trailing newline
func (c Command) String() string {
	return strings.TrimSuffix(c.Line(), "\n")
}

// AssumesAck reports whether silence from the device counts as success.
// The device does not always acknowledge volume and view mode changes.
func (c Command) AssumesAck() bool {
	return c.Verb == VerbSetVolume || c.Verb == VerbSetViewMode
}
