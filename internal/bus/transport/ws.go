package transport

import (
	"context"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/extmesh/extmesh/internal/locus"
)

// Hub is the orchestrator-side broadcast channel. Every privileged context
// attaches a WebSocket connection; Send fans out to all of them, and every
// inbound frame from any connection reaches the one registered handler.
type Hub struct {
	mu      sync.Mutex
	conns   map[*hubConn]struct{}
	handler Handler
	closed  bool
}

type hubConn struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

// NewHub creates an empty hub. Connections are attached by the server as
// peers arrive.
func NewHub() *Hub {
	return &Hub{conns: make(map[*hubConn]struct{})}
}

func (h *Hub) Kind() locus.Transport {
	return locus.TransportHub
}

// Attach adopts an upgraded connection and reads it until it drops. Blocks;
// callers run it on the connection's own goroutine.
func (h *Hub) Attach(conn *websocket.Conn) {
	hc := &hubConn{conn: conn}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		conn.Close()
		return
	}
	h.conns[hc] = struct{}{}
	h.mu.Unlock()

	defer func() {
		h.mu.Lock()
		delete(h.conns, hc)
		h.mu.Unlock()
		conn.Close()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		h.mu.Lock()
		handler := h.handler
		others := make([]*hubConn, 0, len(h.conns))
		for other := range h.conns {
			if other != hc {
				others = append(others, other)
			}
		}
		h.mu.Unlock()

		if handler != nil {
			handler(data)
		}
		// Broadcast semantics: every peer hears every other peer, not just
		// the owning handler. Peers filter by envelope, not by transport.
		for _, other := range others {
			other.writeMu.Lock()
			err := other.conn.WriteMessage(websocket.TextMessage, data)
			other.writeMu.Unlock()
			if err != nil {
				h.mu.Lock()
				delete(h.conns, other)
				h.mu.Unlock()
				other.conn.Close()
			}
		}
	}
}

// Send broadcasts to every attached connection. A failed write drops only
// that connection.
func (h *Hub) Send(ctx context.Context, data []byte) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return ErrClosed
	}
	targets := make([]*hubConn, 0, len(h.conns))
	for hc := range h.conns {
		targets = append(targets, hc)
	}
	h.mu.Unlock()

	for _, hc := range targets {
		hc.writeMu.Lock()
		err := hc.conn.WriteMessage(websocket.TextMessage, data)
		hc.writeMu.Unlock()
		if err != nil {
			h.mu.Lock()
			delete(h.conns, hc)
			h.mu.Unlock()
			hc.conn.Close()
		}
	}
	return nil
}

func (h *Hub) OnMessage(handler Handler) {
	h.mu.Lock()
	h.handler = handler
	h.mu.Unlock()
}

func (h *Hub) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for hc := range h.conns {
		hc.conn.Close()
		delete(h.conns, hc)
	}
	return nil
}

// ConnCount reports attached peers.
func (h *Hub) ConnCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

// Client is the peer-side host-messaging channel: one point-to-point
// WebSocket connection to the orchestrator.
type Client struct {
	conn    *websocket.Conn
	writeMu sync.Mutex

	mu      sync.Mutex
	handler Handler
	done    chan struct{}
	once    sync.Once
}

// Dial connects to the orchestrator's attach endpoint.
func Dial(url string) (*Client, error) {
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return nil, err
	}
	c := &Client{conn: conn, done: make(chan struct{})}
	go c.readLoop()
	return c, nil
}

func (c *Client) Kind() locus.Transport {
	return locus.TransportDirect
}

func (c *Client) Send(ctx context.Context, data []byte) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *Client) OnMessage(h Handler) {
	c.mu.Lock()
	c.handler = h
	c.mu.Unlock()
}

func (c *Client) Close() error {
	c.once.Do(func() { close(c.done) })
	return c.conn.Close()
}

func (c *Client) readLoop() {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		c.mu.Lock()
		h := c.handler
		c.mu.Unlock()
		if h != nil {
			h(data)
		}
	}
}
