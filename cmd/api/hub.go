package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"chat-relay/internal/protocol"
)

const (
	// Time allowed to write an event to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10
)

// errBufferFull reports a connection whose outbound queue is full. The hub
// evicts such connections: one stalled client must not block delivery to
// anyone else.
var errBufferFull = errors.New("connection send buffer full")

// wireConn is the minimal interface the hub and the event loop need from a
// WebSocket connection. *websocket.Conn satisfies it; tests substitute
// scripted fakes.
type wireConn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	SetReadLimit(limit int64)
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
	Close() error
}

// client is one live connection: its id, the socket and the outbound queue
// drained by the write pump.
type client struct {
	id   string
	conn wireConn
	send chan []byte

	mu     sync.Mutex
	closed bool
}

// enqueue places raw bytes on the outbound queue without blocking.
func (c *client) enqueue(b []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return fmt.Errorf("connection %s closed", c.id)
	}
	select {
	case c.send <- b:
		return nil
	default:
		return errBufferFull
	}
}

// shutdown closes the outbound queue exactly once, which ends the write
// pump.
func (c *client) shutdown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// ConnectionHub tracks live connections by connection id and owns all
// writes to them. Every event pushed to a connection goes through its
// single write pump, so deliveries from different senders never interleave
// on the wire and arrive in the order they were enqueued.
type ConnectionHub struct {
	mu         sync.RWMutex
	conns      map[string]*client
	bufferSize int
	log        *slog.Logger
}

// NewConnectionHub creates a new hub instance.
func NewConnectionHub(log *slog.Logger, bufferSize int) *ConnectionHub {
	return &ConnectionHub{
		conns:      make(map[string]*client),
		bufferSize: bufferSize,
		log:        log,
	}
}

// Register assigns the connection an id, starts its write pump and returns
// the tracked client.
func (h *ConnectionHub) Register(conn wireConn) *client {
	// The generated id doubles as the presence registry key; the buffered
	// send channel is the outbound queue its write pump drains.
	c := &client{
		id:   uuid.NewString(),
		conn: conn,
		send: make(chan []byte, h.bufferSize),
	}

	h.mu.Lock()
	h.conns[c.id] = c
	h.mu.Unlock()

	// One write pump per connection; it is the only goroutine that ever
	// writes to the socket.
	go h.writePump(c)
	return c
}

// Unregister removes the connection and stops its write pump. It is safe to
// call for an already-removed id.
func (h *ConnectionHub) Unregister(connID string) {
	h.mu.Lock()
	c, ok := h.conns[connID]
	if ok {
		delete(h.conns, connID)
	}
	h.mu.Unlock()

	if ok {
		c.shutdown()
	}
}

// Push sends one event to one connection. Unknown connections return an
// error; a full buffer evicts the connection so the caller's loop is never
// blocked by a slow client.
func (h *ConnectionHub) Push(connID string, env protocol.Envelope) error {
	// Marshal once, before touching any lock.
	b, err := json.Marshal(env)
	if err != nil {
		return err
	}

	// Look up the connection under the read lock only; the channel send
	// below must not happen while holding it.
	h.mu.RLock()
	c, ok := h.conns[connID]
	h.mu.RUnlock()
	if !ok {
		return fmt.Errorf("connection %s not registered", connID)
	}

	if err := c.enqueue(b); err != nil {
		if errors.Is(err, errBufferFull) {
			// The peer stopped draining its queue. Drop the connection;
			// closing the socket makes its read loop exit too.
			h.log.Warn("evicting slow connection", "connection_id", connID)
			h.Unregister(connID)
			_ = c.conn.Close()
		}
		return err
	}
	return nil
}

// Broadcast sends one event to every live connection. Connections with full
// buffers are evicted, same as Push.
func (h *ConnectionHub) Broadcast(env protocol.Envelope) {
	b, err := json.Marshal(env)
	if err != nil {
		h.log.Error("encoding broadcast failed", "type", env.Type, "error", err)
		return
	}

	h.mu.RLock()
	conns := make([]*client, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.RUnlock()

	for _, c := range conns {
		if err := c.enqueue(b); err != nil {
			if errors.Is(err, errBufferFull) {
				h.log.Warn("evicting slow connection", "connection_id", c.id)
				h.Unregister(c.id)
				_ = c.conn.Close()
			}
		}
	}
}

// writePump drains the client's queue onto the socket and keeps the
// connection alive with pings. It exits when the queue is closed or a write
// fails; a failed write surfaces on the read side, which tears the
// connection down.
func (h *ConnectionHub) writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case b, ok := <-c.send:
			// Every write gets a fresh deadline; a peer that stops
			// reading makes the write fail instead of hanging.
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The queue was closed by Unregister: say goodbye.
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, b); err != nil {
				return
			}
		case <-ticker.C:
			// Periodic ping; the pong resets the read deadline on the
			// other side of the connection.
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
