package qtm

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Real-time protocol packet types.
const (
	packetTypeError   = 0
	packetTypeCommand = 1
	packetTypeXML     = 2
	packetTypeData    = 3
	packetTypeNoData  = 4
	packetTypeEvent   = 6
)

// Frame component types within a data packet.
const (
	componentType3D      = 1
	componentType6DEuler = 6
)

const (
	dialTimeout    = 5 * time.Second
	commandTimeout = 5 * time.Second
)

// eventIDs maps wire event identifiers to Events. Unknown identifiers are
// delivered as EventNone and ignored by the link.
var eventIDs = map[byte]Event{
	1:  EventConnected,
	2:  EventConnectionClosed,
	3:  EventCaptureStarted,
	4:  EventCaptureStopped,
	6:  EventCalibrationStarted,
	7:  EventCalibrationStopped,
	8:  EventRTFromFileStarted,
	9:  EventRTFromFileStopped,
	10: EventWaitingForTrigger,
	11: EventCameraSettingsChanged,
	20: EventQTMShuttingDown,
	21: EventCaptureSaved,
}

type reply struct {
	kind    uint32
	payload []byte
}

// Client is the TCP implementation of Session for the capture server's
// real-time interface. Packets are length-prefixed with a little-endian
// size and type header.
type Client struct {
	conn net.Conn
	log  *slog.Logger

	onEvent      func(Event)
	onDisconnect func(error)

	// cmdMu serializes commands; replies holds the response to the single
	// outstanding command.
	cmdMu   sync.Mutex
	replies chan reply
	stateCh chan Event

	sink atomic.Pointer[func(*Packet)]

	closeOnce sync.Once
	closed    atomic.Bool
}

// Dial connects to the capture server at host:port, verifies the welcome
// message, and negotiates the given protocol version. It satisfies the
// Dialer type.
func Dial(ctx context.Context, host string, port int, version string, onEvent func(Event), onDisconnect func(error)) (Session, error) {
	d := net.Dialer{Timeout: dialTimeout}
	conn, err := d.DialContext(ctx, "tcp", net.JoinHostPort(host, fmt.Sprintf("%d", port)))
	if err != nil {
		return nil, err
	}

	c := &Client{
		conn:         conn,
		log:          slog.Default(),
		onEvent:      onEvent,
		onDisconnect: onDisconnect,
		replies:      make(chan reply, 1),
		stateCh:      make(chan Event, 1),
	}

	kind, payload, err := c.readPacket()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("read welcome: %w", err)
	}
	if kind != packetTypeCommand || !strings.HasPrefix(trimCString(payload), "QTM RT Interface connected") {
		conn.Close()
		return nil, fmt.Errorf("unexpected welcome %q", trimCString(payload))
	}

	if err := c.writeCommand("Version " + version); err != nil {
		conn.Close()
		return nil, err
	}
	kind, payload, err = c.readPacket()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("negotiate version: %w", err)
	}
	if kind != packetTypeCommand || trimCString(payload) != "Version set to "+version {
		conn.Close()
		return nil, fmt.Errorf("protocol version %s rejected: %q", version, trimCString(payload))
	}

	go c.readLoop()
	return c, nil
}

// GetState implements Session. The server acknowledges GetState with an
// event packet reporting its current state, which is returned.
func (c *Client) GetState(ctx context.Context) (Event, error) {
	c.cmdMu.Lock()
	defer c.cmdMu.Unlock()

	// Drop a stale state reply from a previous probe.
	select {
	case <-c.stateCh:
	default:
	}

	if err := c.writeCommand("GetState"); err != nil {
		return EventNone, &CommandError{Cmd: "GetState", Err: err}
	}
	select {
	case ev := <-c.stateCh:
		return ev, nil
	case <-ctx.Done():
		return EventNone, &CommandError{Cmd: "GetState", Err: ctx.Err()}
	case <-time.After(commandTimeout):
		return EventNone, &CommandError{Cmd: "GetState", Err: errors.New("timed out")}
	}
}

// GetParameters implements Session.
func (c *Client) GetParameters(ctx context.Context, selectors ...string) ([]byte, error) {
	cmd := "GetParameters " + strings.Join(selectors, " ")
	r, err := c.roundTrip(ctx, cmd)
	if err != nil {
		return nil, err
	}
	if r.kind != packetTypeXML {
		return nil, &CommandError{Cmd: cmd, Err: fmt.Errorf("unexpected reply type %d", r.kind)}
	}
	return []byte(trimCString(r.payload)), nil
}

// StreamFrames implements Session. Decoded data packets are handed to sink
// from the read loop; sink must not block.
func (c *Client) StreamFrames(ctx context.Context, components []string, sink func(*Packet)) error {
	c.sink.Store(&sink)
	cmd := "StreamFrames AllFrames " + strings.Join(components, " ")
	r, err := c.roundTrip(ctx, cmd)
	if err != nil {
		c.sink.Store(nil)
		return err
	}
	if got := trimCString(r.payload); r.kind != packetTypeCommand || got != "Ok" {
		c.sink.Store(nil)
		return &CommandError{Cmd: cmd, Err: fmt.Errorf("server said %q", got)}
	}
	return nil
}

// StreamFramesStop implements Session.
func (c *Client) StreamFramesStop(ctx context.Context) error {
	c.sink.Store(nil)
	c.cmdMu.Lock()
	defer c.cmdMu.Unlock()
	// Fire and forget: the server sends no reply and the stream may already
	// be torn down.
	if err := c.writeCommand("StreamFrames Stop"); err != nil {
		return &CommandError{Cmd: "StreamFrames Stop", Err: err}
	}
	return nil
}

// Disconnect implements Session.
func (c *Client) Disconnect() {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		c.conn.Close()
	})
}

// HasTransport implements Session.
func (c *Client) HasTransport() bool {
	return !c.closed.Load()
}

func (c *Client) roundTrip(ctx context.Context, cmd string) (reply, error) {
	c.cmdMu.Lock()
	defer c.cmdMu.Unlock()

	select {
	case <-c.replies:
	default:
	}

	if err := c.writeCommand(cmd); err != nil {
		return reply{}, &CommandError{Cmd: cmd, Err: err}
	}
	select {
	case r := <-c.replies:
		if r.kind == packetTypeError {
			return reply{}, &CommandError{Cmd: cmd, Err: errors.New(trimCString(r.payload))}
		}
		return r, nil
	case <-ctx.Done():
		return reply{}, &CommandError{Cmd: cmd, Err: ctx.Err()}
	case <-time.After(commandTimeout):
		return reply{}, &CommandError{Cmd: cmd, Err: errors.New("timed out")}
	}
}

func (c *Client) readLoop() {
	var cause error
	for {
		kind, payload, err := c.readPacket()
		if err != nil {
			if !c.closed.Load() {
				cause = err
			}
			break
		}
		switch kind {
		case packetTypeEvent:
			if len(payload) < 1 {
				continue
			}
			ev := eventIDs[payload[0]]
			select {
			case c.stateCh <- ev:
			default:
			}
			if ev != EventNone && c.onEvent != nil {
				c.onEvent(ev)
			}
		case packetTypeData:
			pkt, err := parseDataPacket(payload)
			if err != nil {
				c.log.Debug("discarding malformed data packet", slog.String("error", err.Error()))
				continue
			}
			if sink := c.sink.Load(); sink != nil {
				(*sink)(pkt)
			}
		case packetTypeNoData:
			// End of a frame stream, nothing to deliver.
		default:
			select {
			case c.replies <- reply{kind: kind, payload: payload}:
			default:
				c.log.Debug("dropping unsolicited reply", slog.Int("type", int(kind)))
			}
		}
	}
	c.Disconnect()
	if c.onDisconnect != nil {
		c.onDisconnect(cause)
	}
}

func (c *Client) readPacket() (uint32, []byte, error) {
	var header [8]byte
	if _, err := io.ReadFull(c.conn, header[:]); err != nil {
		return 0, nil, err
	}
	size := binary.LittleEndian.Uint32(header[0:4])
	kind := binary.LittleEndian.Uint32(header[4:8])
	if size < 8 || size > 1<<26 {
		return 0, nil, fmt.Errorf("bad packet size %d", size)
	}
	payload := make([]byte, size-8)
	if _, err := io.ReadFull(c.conn, payload); err != nil {
		return 0, nil, err
	}
	return kind, payload, nil
}

func (c *Client) writeCommand(cmd string) error {
	// Commands are NUL-terminated strings.
	payload := append([]byte(cmd), 0)
	buf := make([]byte, 8+len(payload))
	binary.LittleEndian.PutUint32(buf[0:4], uint32(len(buf)))
	binary.LittleEndian.PutUint32(buf[4:8], packetTypeCommand)
	copy(buf[8:], payload)
	_, err := c.conn.Write(buf)
	return err
}

// parseDataPacket decodes the frame header and the 3D and 6DOF-euler
// components of a data packet. Components the packet does not carry stay nil.
func parseDataPacket(payload []byte) (*Packet, error) {
	if len(payload) < 16 {
		return nil, errors.New("data packet too short")
	}
	pkt := &Packet{
		Timestamp: binary.LittleEndian.Uint64(payload[0:8]),
		Frame:     binary.LittleEndian.Uint32(payload[8:12]),
	}
	count := binary.LittleEndian.Uint32(payload[12:16])
	rest := payload[16:]
	for i := uint32(0); i < count; i++ {
		if len(rest) < 8 {
			return nil, errors.New("truncated component header")
		}
		size := binary.LittleEndian.Uint32(rest[0:4])
		kind := binary.LittleEndian.Uint32(rest[4:8])
		if size < 8 || int(size) > len(rest) {
			return nil, fmt.Errorf("bad component size %d", size)
		}
		body := rest[8:size]
		switch kind {
		case componentType3D:
			comp, err := parse3DComponent(body)
			if err != nil {
				return nil, err
			}
			pkt.The3D = comp
		case componentType6DEuler:
			comp, err := parse6DEulerComponent(body)
			if err != nil {
				return nil, err
			}
			pkt.The6D = comp
		}
		rest = rest[size:]
	}
	return pkt, nil
}

func parse3DComponent(body []byte) (*Component3D, error) {
	// Marker count, drop rate, out-of-sync rate, then x,y,z float32 each.
	if len(body) < 8 {
		return nil, errors.New("truncated 3D component")
	}
	n := int(binary.LittleEndian.Uint32(body[0:4]))
	data := body[8:]
	if len(data) < n*12 {
		return nil, errors.New("truncated 3D marker data")
	}
	comp := &Component3D{Markers: make([]Position, 0, n)}
	for i := 0; i < n; i++ {
		off := i * 12
		comp.Markers = append(comp.Markers, Position{
			X: float64(readFloat32(data[off:])),
			Y: float64(readFloat32(data[off+4:])),
			Z: float64(readFloat32(data[off+8:])),
		})
	}
	return comp, nil
}

func parse6DEulerComponent(body []byte) (*Component6DEuler, error) {
	if len(body) < 8 {
		return nil, errors.New("truncated 6DOF component")
	}
	n := int(binary.LittleEndian.Uint32(body[0:4]))
	data := body[8:]
	if len(data) < n*24 {
		return nil, errors.New("truncated 6DOF body data")
	}
	comp := &Component6DEuler{Bodies: make([]BodyPose, 0, n)}
	for i := 0; i < n; i++ {
		off := i * 24
		comp.Bodies = append(comp.Bodies, BodyPose{
			Position: Position{
				X: float64(readFloat32(data[off:])),
				Y: float64(readFloat32(data[off+4:])),
				Z: float64(readFloat32(data[off+8:])),
			},
			Rotation: Rotation{
				A1: float64(readFloat32(data[off+12:])),
				A2: float64(readFloat32(data[off+16:])),
				A3: float64(readFloat32(data[off+20:])),
			},
		})
	}
	return comp, nil
}

func readFloat32(b []byte) float32 {
	return math.Float32frombits(binary.LittleEndian.Uint32(b))
}

func trimCString(b []byte) string {
	return strings.TrimRight(string(b), "\x00")
}
