package link

import "qlsl-bridge/internal/qtm"

// effect is the side effect a session event demands in the current state.
// The transition itself is pure; the caller carries out the effect.
type effect int

const (
	effectNone effect = iota
	effectStartStream
	effectStopStream
)

// startTriggers are the session events that begin a stream when the link is
// waiting: live capture, calibration, file playback, or the server reporting
// it was already delivering when we connected.
var startTriggers = map[qtm.Event]bool{
	qtm.EventCaptureStarted:     true,
	qtm.EventCalibrationStarted: true,
	qtm.EventRTFromFileStarted:  true,
	qtm.EventConnected:          true,
}

// stopTriggers are the counterparts that end a stream.
var stopTriggers = map[qtm.Event]bool{
	qtm.EventCaptureStopped:     true,
	qtm.EventCalibrationStopped: true,
	qtm.EventRTFromFileStopped:  true,
	qtm.EventConnectionClosed:   true,
	qtm.EventQTMShuttingDown:    true,
}

// transition maps (state, event) to the effect to perform. Events that do
// not apply in the current state are no-ops, which is what serializes
// start/stop cycles: a start trigger arriving while already streaming, or a
// stop trigger while not streaming, does nothing.
func transition(state State, ev qtm.Event) effect {
	switch state {
	case StateWaiting:
		if startTriggers[ev] {
			return effectStartStream
		}
	case StateStreaming:
		if stopTriggers[ev] {
			return effectStopStream
		}
	}
	return effectNone
}
