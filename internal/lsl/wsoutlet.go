package lsl

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Message is the wire envelope the websocket outlet sends. The first message
// on every subscription carries the metadata XML; each one after that
// carries one sample.
type Message struct {
	Type     string    `json:"type"` // "metadata" or "sample"
	Metadata string    `json:"metadata,omitempty"`
	Sample   []float64 `json:"sample,omitempty"`
}

// ErrOutletClosed is returned by Push after Close.
var ErrOutletClosed = errors.New("outlet is closed")

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

func (c *wsClient) writeLoop() {
	defer c.conn.Close()
	for msg := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
}

// WSOutlet publishes metadata and samples to websocket subscribers. Each
// subscriber gets a bounded send buffer; a subscriber that falls behind is
// dropped so Push never blocks the pipeline consumer.
type WSOutlet struct {
	hub     *Hub
	meta    *Metadata
	metaMsg []byte
	buffer  int
	log     *slog.Logger

	mu      sync.Mutex
	clients map[*wsClient]struct{}
	closed  bool
}

// NewWSOutlet constructs an outlet for the given metadata with the given
// per-subscriber buffer depth. It assigns the metadata a fresh UID.
func NewWSOutlet(meta *Metadata, buffer int, log *slog.Logger) (*WSOutlet, error) {
	if buffer <= 0 {
		buffer = DefaultBufferDepth
	}
	meta.UID = uuid.NewString()
	doc, err := meta.XML()
	if err != nil {
		return nil, err
	}
	metaMsg, err := json.Marshal(Message{Type: "metadata", Metadata: string(doc)})
	if err != nil {
		return nil, err
	}
	return &WSOutlet{
		meta:    meta,
		metaMsg: metaMsg,
		buffer:  buffer,
		log:     log,
		clients: make(map[*wsClient]struct{}),
	}, nil
}

// Metadata returns the metadata this outlet publishes.
func (o *WSOutlet) Metadata() *Metadata { return o.meta }

// Push implements Outlet. The sample is fanned out to every subscriber;
// subscribers whose buffers are full are disconnected.
func (o *WSOutlet) Push(sample []float64) error {
	msg, err := json.Marshal(Message{Type: "sample", Sample: sample})
	if err != nil {
		return err
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return ErrOutletClosed
	}
	for c := range o.clients {
		select {
		case c.send <- msg:
		default:
			o.log.Debug("dropping slow outlet subscriber",
				slog.String("remote", c.conn.RemoteAddr().String()))
			delete(o.clients, c)
			close(c.send)
		}
	}
	return nil
}

// Close implements Outlet: disconnects all subscribers and detaches the
// outlet from its hub. Safe to call more than once.
func (o *WSOutlet) Close() error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil
	}
	o.closed = true
	for c := range o.clients {
		delete(o.clients, c)
		close(c.send)
	}
	o.mu.Unlock()

	if o.hub != nil {
		o.hub.detach(o)
	}
	return nil
}

// attach registers a subscriber connection and sends it the metadata
// message. Returns false if the outlet already closed.
func (o *WSOutlet) attach(conn *websocket.Conn) bool {
	c := &wsClient{conn: conn, send: make(chan []byte, o.buffer)}

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return false
	}
	c.send <- o.metaMsg
	o.clients[c] = struct{}{}
	o.mu.Unlock()

	go c.writeLoop()
	// Reader discards inbound frames and reaps the client when the peer
	// goes away.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
		o.mu.Lock()
		if _, ok := o.clients[c]; ok {
			delete(o.clients, c)
			close(c.send)
		}
		o.mu.Unlock()
	}()
	return true
}

// SubscriberCount returns the number of connected subscribers.
func (o *WSOutlet) SubscriberCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.clients)
}

// Hub is the long-lived HTTP endpoint subscribers connect to. It holds
// whichever outlet is currently live; between streams there is none and
// subscriptions are refused.
type Hub struct {
	upgrader websocket.Upgrader
	log      *slog.Logger

	mu     sync.Mutex
	active *WSOutlet
}

// NewHub returns a Hub with no active outlet.
func NewHub(log *slog.Logger) *Hub {
	return &Hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		log: log,
	}
}

// Open constructs a new outlet for meta and makes it the hub's active
// outlet, replacing any previous one.
func (h *Hub) Open(meta *Metadata, buffer int) (*WSOutlet, error) {
	o, err := NewWSOutlet(meta, buffer, h.log)
	if err != nil {
		return nil, err
	}
	o.hub = h
	h.mu.Lock()
	h.active = o
	h.mu.Unlock()
	return o, nil
}

// Active returns the currently live outlet, or nil.
func (h *Hub) Active() *WSOutlet {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.active
}

func (h *Hub) detach(o *WSOutlet) {
	h.mu.Lock()
	if h.active == o {
		h.active = nil
	}
	h.mu.Unlock()
}

// ServeHTTP upgrades the request to a websocket subscription on the active
// outlet. With no active outlet the request is refused with 503.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	active := h.Active()
	if active == nil {
		http.Error(w, "no active stream", http.StatusServiceUnavailable)
		return
	}
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Debug("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}
	if !active.attach(conn) {
		conn.Close()
	}
}
