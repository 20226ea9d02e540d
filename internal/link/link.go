// Package link drives the session lifecycle of the bridge: connect to the
// capture server, start and stop streaming on session events, and shut down.
// It owns the capture session, the outlet, and the packet pipeline.
package link

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"qlsl-bridge/internal/lsl"
	"qlsl-bridge/internal/platform/metrics"
	"qlsl-bridge/internal/qtm"
)

// State is the link lifecycle state.
type State int

const (
	StateInitial State = iota
	StateWaiting
	StateStreaming
	StateStopping
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateInitial:
		return "Initial"
	case StateWaiting:
		return "Waiting"
	case StateStreaming:
		return "Streaming"
	case StateStopping:
		return "Stopping"
	case StateStopped:
		return "Stopped"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// ConnectError reports that the initial connect or handshake failed. It is
// the only error kind surfaced directly to the caller; everything after a
// successful connect is reported through the error callback.
type ConnectError struct {
	Host    string
	Port    int
	Version string
	Err     error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("failed to connect to QTM on %q:%d with protocol version %q: %v",
		e.Host, e.Port, e.Version, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// StreamConsistencyError reports a converted sample whose length does not
// match the channel count the outlet metadata declared.
type StreamConsistencyError struct {
	Got  int
	Want int
}

func (e *StreamConsistencyError) Error() string {
	return fmt.Sprintf("stream canceled: sample length %d inconsistent with declared channel count %d",
		e.Got, e.Want)
}

// Terminal error conditions reported through the error callback.
var (
	// ErrNoData means the server has no 3D or 6DOF data configured, so
	// there is nothing to stream.
	ErrNoData = errors.New("no 3D or 6DOF data available from QTM")

	// ErrTransportLost means the session disconnected without us asking.
	ErrTransportLost = errors.New("disconnected from capture server")
)

// NewOutletFunc constructs the outlet for a freshly built metadata
// description. Called once per stream start.
type NewOutletFunc func(meta *lsl.Metadata) (lsl.Outlet, error)

// Options configures a Link.
type Options struct {
	Host    string
	Port    int    // defaults to qtm.DefaultPort
	Version string // defaults to qtm.DefaultVersion

	// Dial connects to the capture server. Defaults to qtm.Dial.
	Dial qtm.Dialer

	// NewOutlet constructs the outlet at stream start. Required.
	NewOutlet NewOutletFunc

	// QueueSize bounds the packet pipeline queue. Zero means the default.
	QueueSize int

	// OnStateChanged and OnError observe the link. Either may be nil.
	OnStateChanged func(State)
	OnError        func(error)

	Logger  *slog.Logger
	Metrics *metrics.Metrics // may be nil
}

// streamContext bundles everything that exists only while streaming, so the
// link is either fully streaming or not at all.
type streamContext struct {
	cfg    *qtm.Config
	meta   *lsl.Metadata
	outlet lsl.Outlet
	pipe   *pipeline
}

// Link is the long-lived session object. It exclusively owns the capture
// session and the outlet for their lifetimes.
type Link struct {
	host    string
	port    int
	version string

	newOutlet      NewOutletFunc
	queueSize      int
	onStateChanged func(State)
	onError        func(error)
	log            *slog.Logger
	met            *metrics.Metrics

	packetCount atomic.Uint64

	mu        sync.Mutex
	state     State
	session   qtm.Session
	stream    *streamContext
	starting  bool
	startTime time.Time
	stopTime  time.Time
}

// Connect establishes a link to the capture server: dial, verify the
// session answers a state query, and move to the waiting state. On failure
// a *ConnectError is returned and no Link exists. Once a link is stopped a
// new one must be created to retry; there is no automatic reconnect.
func Connect(ctx context.Context, opts Options) (*Link, error) {
	if opts.Port == 0 {
		opts.Port = qtm.DefaultPort
	}
	if opts.Version == "" {
		opts.Version = qtm.DefaultVersion
	}
	if opts.Dial == nil {
		opts.Dial = qtm.Dial
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	l := &Link{
		host:           opts.Host,
		port:           opts.Port,
		version:        opts.Version,
		newOutlet:      opts.NewOutlet,
		queueSize:      opts.QueueSize,
		onStateChanged: opts.OnStateChanged,
		onError:        opts.OnError,
		log:            opts.Logger,
		met:            opts.Metrics,
		state:          StateInitial,
	}

	session, err := opts.Dial(ctx, opts.Host, opts.Port, opts.Version, l.onEvent, l.onDisconnect)
	if err != nil {
		return nil, &ConnectError{Host: opts.Host, Port: opts.Port, Version: opts.Version, Err: err}
	}
	if session == nil {
		return nil, &ConnectError{Host: opts.Host, Port: opts.Port, Version: opts.Version,
			Err: errors.New("no session")}
	}

	l.mu.Lock()
	l.session = session
	l.mu.Unlock()

	// Confirm the session is responsive before handing the link out. The
	// state reply also tells us what the server is doing right now.
	ev, err := session.GetState(ctx)
	if err != nil {
		// The caller never receives this link, so observers must not see
		// transitions from it.
		l.onStateChanged = nil
		l.onError = nil
		l.shutdown(nil)
		return nil, &ConnectError{Host: opts.Host, Port: opts.Port, Version: opts.Version, Err: err}
	}

	l.mu.Lock()
	l.setStateLocked(StateWaiting)
	l.mu.Unlock()
	l.notifyState(StateWaiting)

	// A server already capturing or playing back reports it in the state
	// reply. Evaluate it as a trigger now that the link is waiting; anything
	// else is a no-op.
	l.onEvent(ev)
	return l, nil
}

// State returns the current lifecycle state.
func (l *Link) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// IsStreaming reports whether the link is currently streaming.
func (l *Link) IsStreaming() bool {
	return l.State() == StateStreaming
}

// PacketCount returns the number of packets converted since the current
// stream started. Safe to read at any time from any goroutine.
func (l *Link) PacketCount() uint64 {
	return l.packetCount.Load()
}

// ElapsedTime returns how long the current stream has been running, or zero
// when not streaming.
func (l *Link) ElapsedTime() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state != StateStreaming {
		return 0
	}
	return time.Since(l.startTime)
}

// FinalTime returns the duration of the last completed stream, or zero when
// no stream has completed.
func (l *Link) FinalTime() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.stopTime.IsZero() || l.stopTime.Before(l.startTime) {
		return 0
	}
	return l.stopTime.Sub(l.startTime)
}

// Shutdown stops streaming if needed, disconnects the session, and moves
// the link to the stopped state. Idempotent.
func (l *Link) Shutdown() {
	l.shutdown(nil)
}

// onEvent is the session event callback: a synchronous transition decides
// the effect, which then runs on its own goroutine so the session's read
// loop is never blocked.
func (l *Link) onEvent(ev qtm.Event) {
	l.mu.Lock()
	eff := transition(l.state, ev)
	if eff == effectStartStream {
		if l.starting {
			eff = effectNone
		} else {
			l.starting = true
		}
	}
	l.mu.Unlock()

	switch eff {
	case effectStartStream:
		l.log.Debug("start trigger", slog.String("event", ev.String()))
		go l.startStream()
	case effectStopStream:
		l.log.Debug("stop trigger", slog.String("event", ev.String()))
		go l.stopStream()
	}
}

// onDisconnect is the session transport-loss callback. Ignored when the
// link is already stopped or stopping; otherwise it is an error.
func (l *Link) onDisconnect(err error) {
	l.mu.Lock()
	terminal := l.state == StateInitial || l.state == StateStopping || l.state == StateStopped
	l.mu.Unlock()
	if terminal {
		return
	}
	if err != nil {
		l.log.Debug("session transport lost", slog.String("error", err.Error()))
	}
	l.errShutdown(ErrTransportLost)
}

// errShutdown routes an error through the shutdown path without blocking
// the caller. Used by the pipeline consumer and the disconnect callback.
func (l *Link) errShutdown(reason error) {
	go l.shutdown(reason)
}

// startStream runs the start sequence: fetch parameters, parse, reject an
// empty configuration, build metadata, open the outlet, start the pipeline,
// request frame delivery, and only then flip to streaming. Any failure
// tears down whatever was built and shuts the link down with the error.
func (l *Link) startStream() {
	defer func() {
		l.mu.Lock()
		l.starting = false
		l.mu.Unlock()
	}()

	ctx := context.Background()

	l.mu.Lock()
	session := l.session
	l.mu.Unlock()
	if session == nil {
		return
	}

	raw, err := session.GetParameters(ctx, "general", "3d", "6d")
	if err != nil {
		l.errShutdown(fmt.Errorf("QTM error: %w", err))
		return
	}
	cfg, err := qtm.ParseParameters(raw)
	if err != nil {
		l.errShutdown(err)
		return
	}
	if cfg.ChannelCount() == 0 {
		l.log.Debug("rejecting empty configuration",
			slog.Int("marker_count", cfg.MarkerCount()),
			slog.Int("body_count", cfg.BodyCount()))
		l.errShutdown(ErrNoData)
		return
	}

	meta, err := lsl.NewMetadata(cfg, l.host, l.port)
	if err != nil {
		l.errShutdown(err)
		return
	}
	outlet, err := l.newOutlet(meta)
	if err != nil {
		l.errShutdown(fmt.Errorf("open outlet: %w", err))
		return
	}

	l.packetCount.Store(0)
	pipe := newPipeline(cfg, outlet, &l.packetCount, l.queueSize, l.log, l.met, func(got, want int) {
		l.errShutdown(&StreamConsistencyError{Got: got, Want: want})
	})
	pipe.start()

	if err := session.StreamFrames(ctx, []string{"3d", "6deuler"}, pipe.enqueue); err != nil {
		pipe.stop()
		outlet.Close()
		l.errShutdown(fmt.Errorf("QTM error: %w", err))
		return
	}

	l.mu.Lock()
	if l.state != StateWaiting {
		// Shutdown began while we were starting: discard everything we
		// built so nothing outlives it.
		l.mu.Unlock()
		if session.HasTransport() {
			if err := session.StreamFramesStop(ctx); err != nil {
				l.log.Debug("stream stop after canceled start", slog.String("error", err.Error()))
			}
		}
		pipe.stop()
		outlet.Close()
		return
	}
	l.stream = &streamContext{cfg: cfg, meta: meta, outlet: outlet, pipe: pipe}
	l.startTime = time.Now()
	l.setStateLocked(StateStreaming)
	l.mu.Unlock()
	l.notifyState(StateStreaming)

	if l.met != nil {
		l.met.IncStreamStarts()
	}
	l.log.Info("streaming started",
		slog.Int("channels", cfg.ChannelCount()),
		slog.Int("markers", cfg.MarkerCount()),
		slog.Int("bodies", cfg.BodyCount()))
}

// stopStream runs the stop sequence: ask the session to stop frame
// delivery (tolerating failure), drain the pipeline, release the stream
// context, and return to waiting unless a shutdown owns the state.
func (l *Link) stopStream() {
	l.mu.Lock()
	sc := l.stream
	l.stream = nil
	session := l.session
	l.mu.Unlock()
	if sc == nil {
		return
	}

	if session != nil && session.HasTransport() {
		if err := session.StreamFramesStop(context.Background()); err != nil {
			// The session may already be gone; stopping anyway.
			l.log.Debug("stream frames stop failed", slog.String("error", err.Error()))
		}
	}

	sc.pipe.stop()
	sc.outlet.Close()

	l.mu.Lock()
	l.stopTime = time.Now()
	backToWaiting := l.state == StateStreaming
	if backToWaiting {
		l.setStateLocked(StateWaiting)
	}
	l.mu.Unlock()
	if backToWaiting {
		l.notifyState(StateWaiting)
	}

	l.log.Info("streaming stopped", slog.Uint64("packets", l.packetCount.Load()))
}

// shutdown is the single termination path for both user-initiated stop and
// error-driven termination; reason discriminates the two. Repeated calls
// after the link stopped are no-ops, and concurrent calls produce exactly
// one stopped transition and one disconnect.
func (l *Link) shutdown(reason error) {
	l.log.Debug("shutdown enter")
	defer l.log.Debug("shutdown exit")

	l.mu.Lock()
	if l.state == StateStopping || l.state == StateStopped {
		l.mu.Unlock()
		return
	}
	wasStreaming := l.state == StateStreaming
	l.setStateLocked(StateStopping)
	l.mu.Unlock()
	l.notifyState(StateStopping)

	if wasStreaming {
		l.stopStream()
	}

	l.mu.Lock()
	session := l.session
	l.session = nil
	l.mu.Unlock()
	if session != nil && session.HasTransport() {
		session.Disconnect()
	}

	l.mu.Lock()
	l.setStateLocked(StateStopped)
	l.mu.Unlock()
	l.notifyState(StateStopped)

	if reason != nil {
		l.log.Error("link terminated", slog.String("error", reason.Error()))
		if l.met != nil {
			l.met.IncLinkErrors()
		}
		if l.onError != nil {
			l.onError(reason)
		}
	}
}

// setStateLocked records the new state. Caller holds l.mu and calls
// notifyState(s) after releasing it, so observers can call back into the
// link.
func (l *Link) setStateLocked(s State) {
	l.state = s
	if l.met != nil {
		l.met.SetLinkState(int(s))
	}
}

func (l *Link) notifyState(s State) {
	if l.onStateChanged != nil {
		l.onStateChanged(s)
	}
}
