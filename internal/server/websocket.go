package server

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/aegis-sec/aegis/internal/audit"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Dashboards connect cross-origin; auth sits in front.
	},
}

// sendBuffer bounds how many events a slow client may fall behind
// before the hub drops it.
const sendBuffer = 64

// client pairs a connection with its outbound queue. Exactly one
// goroutine (writeLoop) writes to the connection; gorilla allows a
// single concurrent writer.
type client struct {
	conn *websocket.Conn
	send chan []byte
	done chan struct{}
	once sync.Once
}

// Hub streams security events to connected WebSocket clients. It
// implements audit.Sink, so it joins the audit fanout next to the file
// and Kafka sinks. Emit is safe for concurrent use from request
// goroutines.
type Hub struct {
	mu      sync.RWMutex
	clients map[*client]bool
	logger  *zap.Logger
}

// NewHub creates an empty hub.
func NewHub(logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		clients: make(map[*client]bool),
		logger:  logger,
	}
}

// HandleWebSocket upgrades the HTTP connection and registers the client.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	c := &client{
		conn: conn,
		send: make(chan []byte, sendBuffer),
		done: make(chan struct{}),
	}

	h.mu.Lock()
	h.clients[c] = true
	h.mu.Unlock()

	go h.writeLoop(c)

	// Read loop — keep connection alive, handle disconnects.
	go func() {
		defer h.drop(c)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()
}

// writeLoop is the sole writer on c.conn.
func (h *Hub) writeLoop(c *client) {
	for {
		select {
		case data := <-c.send:
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				h.logger.Debug("websocket write failed", zap.Error(err))
				h.drop(c)
				return
			}
		case <-c.done:
			return
		}
	}
}

// drop unregisters the client and closes its connection. Safe to call
// more than once.
func (h *Hub) drop(c *client) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()

	c.once.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

// Emit broadcasts a security event to every connected client. A slow or
// dead client is dropped, never blocks the event path.
func (h *Hub) Emit(_ context.Context, ev audit.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}

	h.mu.RLock()
	targets := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	for _, c := range targets {
		select {
		case c.send <- data:
		case <-c.done:
		default:
			h.logger.Debug("websocket client too slow, dropping")
			h.drop(c)
		}
	}
	return nil
}

// Close disconnects every client.
func (h *Hub) Close() error {
	h.mu.RLock()
	clients := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		h.drop(c)
	}
	return nil
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
