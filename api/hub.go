package api

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"go.uber.org/atomic"

	"mixer-backend/service"
)

const writeWait = 10 * time.Second

// Hub pushes service events to every connected websocket client.
type Hub struct {
	upgrader websocket.Upgrader
	mu       sync.Mutex
	clients  map[*websocket.Conn]struct{}
	count    *atomic.Int64
	log      zerolog.Logger
}

var _ service.EventSink = (*Hub)(nil)

func NewHub(log zerolog.Logger) *Hub {
	return &Hub{
		upgrader: websocket.Upgrader{
			// origins are enforced by the CORS layer
			CheckOrigin: func(*http.Request) bool { return true },
		},
		clients: make(map[*websocket.Conn]struct{}),
		count:   atomic.NewInt64(0),
		log:     log.With().Str("component", "hub").Logger(),
	}
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int64 {
	return h.count.Load()
}

// ServeHTTP upgrades the request and keeps the client registered until the
// connection closes.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}

	h.mu.Lock()
	h.clients[conn] = struct{}{}
	h.mu.Unlock()
	h.count.Inc()
	h.log.Debug().Str("remote", r.RemoteAddr).Msg("websocket client connected")

	// clients only listen; reading detects the close
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	h.remove(conn)
}

// Broadcast writes e to every client. Clients that cannot be written to are
// dropped.
func (h *Hub) Broadcast(e service.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for conn := range h.clients {
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteJSON(e); err != nil {
			h.log.Debug().Err(err).Str("event", string(e.Type)).Msg("dropping websocket client")
			delete(h.clients, conn)
			h.count.Dec()
			_ = conn.Close()
		}
	}
}

func (h *Hub) remove(conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[conn]; ok {
		delete(h.clients, conn)
		h.count.Dec()
	}
	_ = conn.Close()
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for conn := range h.clients {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(writeWait))
		_ = conn.Close()
		delete(h.clients, conn)
		h.count.Dec()
	}
}
