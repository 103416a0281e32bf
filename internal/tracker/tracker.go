// Package tracker drives a long-lived session against one tracking device:
// connect, provision port handles, start tracking, and keep the latest
// snapshot current from a background poll loop while callers read it
// concurrently.
package tracker

import (
	"time"

	"github.com/banshee-data/capitrack/internal/capi"
	"github.com/banshee-data/capitrack/internal/capi/bx"
	"github.com/banshee-data/capitrack/internal/pose"
	"github.com/banshee-data/capitrack/internal/transport"
)

// State is the session's connection stage. The tracking, streaming, paused
// and recording flags are orthogonal and only meaningful once Initialized.
type State int

const (
	Idle State = iota
	Connected
	Initialized
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Connected:
		return "connected"
	case Initialized:
		return "initialized"
	default:
		return "unknown"
	}
}

// Profile selects which binary reply format the device speaks for tracking
// data.
type Profile int

const (
	// ProfileGBF polls with the component-format command spoken by newer
	// devices.
	ProfileGBF Profile = iota
	// ProfileLegacy polls with the option-bitmask command spoken by older
	// devices.
	ProfileLegacy
)

// defaultLegacyOptions requests transforms plus passive strays, the
// conventional bitmask for legacy polling.
const defaultLegacyOptions = bx.OptTransform | bx.OptPassiveStrays

// Options configures a Session.
type Options struct {
	// Conn is the device connection. Required.
	Conn transport.Connection

	// Decoder configures reply checksum handling.
	Decoder capi.Decoder

	// Profile selects the tracking reply format. Defaults to ProfileGBF.
	Profile Profile

	// FetchCommand overrides the per-frame poll command. Defaults to
	// "BX2 --6d=tools --3d=all" for ProfileGBF and "BX 0801" for
	// ProfileLegacy.
	FetchCommand string

	// LegacyOptions is the option bitmask matching FetchCommand under
	// ProfileLegacy. Must agree with the hex argument in FetchCommand.
	LegacyOptions bx.Options

	// ConnectAttempts bounds connect retries. Defaults to 3.
	ConnectAttempts int

	// CommandTimeout bounds how long a synchronous exchange waits for its
	// reply. Defaults to 5s.
	CommandTimeout time.Duration

	// PollRestDelay is slept after a poll-loop failure or while paused,
	// keeping a broken or idle loop from spinning. Defaults to 50ms.
	PollRestDelay time.Duration

	// WiredDefinitions holds host-side tool definitions keyed by port
	// handle, used during initialization for wired tools whose onboard
	// memory holds none.
	WiredDefinitions map[int][]byte
}

// Normalize fills defaults in place and returns the options.
func (o *Options) Normalize() *Options {
	if o.FetchCommand == "" {
		switch o.Profile {
		case ProfileLegacy:
			o.FetchCommand = "BX 0801"
		default:
			o.FetchCommand = "BX2 --6d=tools --3d=all"
		}
	}
	if o.LegacyOptions == 0 {
		o.LegacyOptions = defaultLegacyOptions
	}
	if o.ConnectAttempts <= 0 {
		o.ConnectAttempts = 3
	}
	if o.CommandTimeout <= 0 {
		o.CommandTimeout = 5 * time.Second
	}
	if o.PollRestDelay <= 0 {
		o.PollRestDelay = 50 * time.Millisecond
	}
	return o
}

// Tool is one tracked rigid body in a snapshot.
type Tool struct {
	Handle      int
	Pose        pose.Pose
	Status      uint32
	FrameNumber uint32
	Markers     []pose.Position

	// MarkerErrors holds per-marker fit errors, indexed to match Markers.
	// Only populated when the fetch command requests them.
	MarkerErrors []float64
}

// Snapshot is the latest decoded tracking state. The poll loop replaces it
// wholesale; readers get a deep copy and never observe a partial update.
type Snapshot struct {
	Frame        uint32
	Tools        []Tool
	Strays       []pose.Position
	SystemStatus uint16
	Time         time.Time
}

// clone returns a deep copy safe to hand to callers.
func (s Snapshot) clone() Snapshot {
	out := s
	out.Tools = make([]Tool, len(s.Tools))
	for i, tl := range s.Tools {
		out.Tools[i] = tl
		out.Tools[i].Markers = append([]pose.Position(nil), tl.Markers...)
		out.Tools[i].MarkerErrors = append([]float64(nil), tl.MarkerErrors...)
	}
	out.Strays = append([]pose.Position(nil), s.Strays...)
	return out
}

// EventKind classifies session lifecycle events.
type EventKind int

const (
	EventConnecting EventKind = iota
	EventConnected
	EventInitialized
	EventTrackingStarted
	EventTrackingStopped
	EventStreamingStarted
	EventStreamingStopped
	EventRecordingStarted
	EventRecordingStopped
	EventReset
	EventDisconnected
	EventError
)

func (k EventKind) String() string {
	switch k {
	case EventConnecting:
		return "connecting"
	case EventConnected:
		return "connected"
	case EventInitialized:
		return "initialized"
	case EventTrackingStarted:
		return "tracking-started"
	case EventTrackingStopped:
		return "tracking-stopped"
	case EventStreamingStarted:
		return "streaming-started"
	case EventStreamingStopped:
		return "streaming-stopped"
	case EventRecordingStarted:
		return "recording-started"
	case EventRecordingStopped:
		return "recording-stopped"
	case EventReset:
		return "reset"
	case EventDisconnected:
		return "disconnected"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// Event is one lifecycle notification.
type Event struct {
	Kind    EventKind
	Message string
}

// Sink receives snapshots while recording. Begin is called when recording
// starts, Record once per successfully decoded frame, End when recording
// stops.
type Sink interface {
	Begin(tools []Tool) error
	Record(snap Snapshot) error
	End() error
}
