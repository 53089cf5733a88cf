package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/lucid-vigil/guardian/pkg/metrics"
	"github.com/lucid-vigil/guardian/pkg/model"
	"github.com/rs/zerolog"
)

const (
	writeWait      = 5 * time.Second
	clientQueueLen = 32
)

// Hub streams alerts to websocket clients. It is an events.Handler; each
// client has its own queue and a slow client loses alerts instead of
// stalling the others.
type Hub struct {
	minSeverity model.Severity
	logger      zerolog.Logger
	upgrader    websocket.Upgrader

	mu      sync.Mutex
	clients map[*client]struct{}
	closed  bool
}

type client struct {
	conn *websocket.Conn
	send chan []byte
	done chan struct{}
	once sync.Once
}

func (c *client) close() {
	c.once.Do(func() { close(c.done) })
}

func NewHub(logger zerolog.Logger, minSeverity model.Severity) *Hub {
	return &Hub{
		minSeverity: minSeverity,
		logger:      logger.With().Str("component", "alert_stream").Logger(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		clients: make(map[*client]struct{}),
	}
}

func (h *Hub) Name() string {
	return "websocket"
}

func (h *Hub) MinSeverity() model.Severity {
	return h.minSeverity
}

// Handle queues the alert for every connected client.
func (h *Hub) Handle(_ context.Context, alert model.SecurityAlert) error {
	payload, err := json.Marshal(alert)
	if err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- payload:
		default:
			h.logger.Debug().Str("alert_id", alert.ID).Msg("Client queue full, alert dropped")
		}
	}
	return nil
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// ServeHTTP upgrades the request and keeps the connection until the client
// goes away or the hub is closed.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug().Err(err).Msg("Websocket upgrade failed")
		return
	}

	c := &client{conn: conn, send: make(chan []byte, clientQueueLen), done: make(chan struct{})}
	if !h.add(c) {
		conn.Close()
		return
	}
	h.logger.Debug().Str("remote", r.RemoteAddr).Msg("Alert stream client connected")

	// Reads only detect the close; clients have nothing to say.
	go func() {
		defer c.close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	h.writeLoop(c)

	h.remove(c)
	conn.Close()
	h.logger.Debug().Str("remote", r.RemoteAddr).Msg("Alert stream client disconnected")
}

func (h *Hub) writeLoop(c *client) {
	for {
		select {
		case <-c.done:
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			return
		case payload := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		}
	}
}

func (h *Hub) add(c *client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[c] = struct{}{}
	metrics.WebsocketClients.Set(float64(len(h.clients)))
	return true
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.clients, c)
	metrics.WebsocketClients.Set(float64(len(h.clients)))
}

// Close disconnects every client and refuses new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for c := range h.clients {
		c.close()
	}
}
