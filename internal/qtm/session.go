package qtm

import (
	"context"
	"fmt"
)

// Default connection constants for the capture server's real-time interface.
const (
	DefaultPort    = 22223
	DefaultVersion = "1.19"
)

// Event is one of the closed set of session events the capture server can
// report.
type Event int

const (
	EventNone Event = iota
	EventConnected
	EventConnectionClosed
	EventCaptureStarted
	EventCaptureStopped
	EventCalibrationStarted
	EventCalibrationStopped
	EventRTFromFileStarted
	EventRTFromFileStopped
	EventWaitingForTrigger
	EventCameraSettingsChanged
	EventQTMShuttingDown
	EventCaptureSaved
)

func (e Event) String() string {
	switch e {
	case EventConnected:
		return "Connected"
	case EventConnectionClosed:
		return "ConnectionClosed"
	case EventCaptureStarted:
		return "CaptureStarted"
	case EventCaptureStopped:
		return "CaptureStopped"
	case EventCalibrationStarted:
		return "CalibrationStarted"
	case EventCalibrationStopped:
		return "CalibrationStopped"
	case EventRTFromFileStarted:
		return "RTFromFileStarted"
	case EventRTFromFileStopped:
		return "RTFromFileStopped"
	case EventWaitingForTrigger:
		return "WaitingForTrigger"
	case EventCameraSettingsChanged:
		return "CameraSettingsChanged"
	case EventQTMShuttingDown:
		return "QTMShuttingDown"
	case EventCaptureSaved:
		return "CaptureSaved"
	default:
		return fmt.Sprintf("Event(%d)", int(e))
	}
}

// CommandError reports a session command that the server refused or that
// failed in transit.
type CommandError struct {
	Cmd string
	Err error
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("QTM command %q: %v", e.Cmd, e.Err)
}

func (e *CommandError) Unwrap() error { return e.Err }

// Session is the control connection to the capture server. Command methods
// fail with *CommandError. Implementations deliver events through the
// callback given at connect time and must keep the packet sink passed to
// StreamFrames non-blocking on their read loop.
type Session interface {
	// GetState asks the server to report its current event state and
	// returns it. Used right after connecting both as a liveness probe and
	// to learn whether the server is already capturing or playing back.
	GetState(ctx context.Context) (Event, error)

	// GetParameters fetches the raw parameter document for the given
	// selectors ("general", "3d", "6d").
	GetParameters(ctx context.Context, selectors ...string) ([]byte, error)

	// StreamFrames asks the server to begin frame delivery for the given
	// components ("3d", "6deuler"); decoded packets are handed to sink.
	StreamFrames(ctx context.Context, components []string, sink func(*Packet)) error

	// StreamFramesStop asks the server to stop frame delivery.
	StreamFramesStop(ctx context.Context) error

	// Disconnect closes the connection. Safe to call more than once.
	Disconnect()

	// HasTransport reports whether the underlying connection is still open.
	HasTransport() bool
}

// Dialer connects to a capture server. onEvent receives session events;
// onDisconnect fires once when the transport is lost, with the transport
// error if there was one.
type Dialer func(ctx context.Context, host string, port int, version string, onEvent func(Event), onDisconnect func(error)) (Session, error)
