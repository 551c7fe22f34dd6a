// Package ws implements the WebSocket event stream. Clients connect and
// receive environment lifecycle and test-run events as JSON text messages.
// The stream is one-way: client messages are read and discarded, which also
// surfaces disconnects.
package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/jkaninda/jaribu/internal/environment"
)

const (
	// Buffered events per client. Slow consumers that fall further behind
	// start dropping events instead of blocking publishers.
	clientBuffer = 64

	writeTimeout = 5 * time.Second
)

// Hub fans environment events out to connected WebSocket clients.
type Hub struct {
	token  string // optional bearer token; empty disables auth
	logger *slog.Logger

	mu      sync.Mutex
	clients map[*client]struct{}
	closed  bool
}

type client struct {
	conn *websocket.Conn
	send chan []byte
}

// NewHub creates a hub. token may be empty to accept unauthenticated
// connections.
func NewHub(token string, logger *slog.Logger) *Hub {
	return &Hub{
		token:   token,
		logger:  logger,
		clients: make(map[*client]struct{}),
	}
}

// Handler returns an http.Handler that upgrades connections to WebSocket.
func (h *Hub) Handler() http.Handler {
	return http.HandlerFunc(h.handleUpgrade)
}

// Publish delivers an event to every connected client. Events for clients
// whose buffers are full are dropped.
func (h *Hub) Publish(ev environment.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		h.logger.Error("encoding event", slog.String("error", err.Error()))
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			h.logger.Debug("dropping event for slow client", slog.String("type", ev.Type))
		}
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Close disconnects all clients and rejects new connections.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	clients := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.clients = make(map[*client]struct{})
	h.mu.Unlock()

	for _, c := range clients {
		c.conn.Close(websocket.StatusGoingAway, "server shutting down")
	}
}

func (h *Hub) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if h.token != "" {
		token := r.URL.Query().Get("token")
		if token == "" {
			token = r.Header.Get("Authorization")
			if len(token) > 7 && token[:7] == "Bearer " {
				token = token[7:]
			}
		}
		if token != h.token {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols: []string{"jaribu-events-v1"},
	})
	if err != nil {
		h.logger.Error("websocket accept failed", slog.String("error", err.Error()))
		return
	}

	c := &client{conn: conn, send: make(chan []byte, clientBuffer)}
	if !h.register(c) {
		conn.Close(websocket.StatusGoingAway, "server shutting down")
		return
	}
	defer h.deregister(c)

	h.logger.Debug("event stream client connected", slog.String("remote", r.RemoteAddr))

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// Reads only detect disconnects; inbound payloads are ignored.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "connection closed")
			return
		case data := <-c.send:
			if err := h.write(ctx, conn, data); err != nil {
				if websocket.CloseStatus(err) != websocket.StatusNormalClosure {
					h.logger.Debug("event stream write failed", slog.String("error", err.Error()))
				}
				return
			}
		}
	}
}

func (h *Hub) register(c *client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[c] = struct{}{}
	return true
}

func (h *Hub) deregister(c *client) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
}

func (h *Hub) write(ctx context.Context, conn *websocket.Conn, data []byte) error {
	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return conn.Write(wctx, websocket.MessageText, data)
}
