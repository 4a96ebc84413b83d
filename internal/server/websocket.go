package server

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/audiolibrelab/reclink/internal/service"
	"github.com/audiolibrelab/reclink/internal/session"
)

const (
	writeWait      = 5 * time.Second
	pingInterval   = 30 * time.Second
	clientBacklog  = 256
	helloEventType = "hello"
)

// Envelope wraps every message sent on /ws. Dropped is the number of events
// this client has missed so far by reading too slowly.
type Envelope struct {
	Session string      `json:"session"`
	Type    string      `json:"type"`
	Time    time.Time   `json:"time"`
	Error   string      `json:"error,omitempty"`
	Dropped uint64      `json:"dropped,omitempty"`
	Data    interface{} `json:"data"`
}

func newEnvelope(sessionID string, e session.Event, dropped uint64) Envelope {
	env := Envelope{Session: sessionID, Type: string(e.Type()), Time: time.Now().UTC(), Dropped: dropped, Data: e}
	if c, ok := e.(session.ConnectionChanged); ok && c.Err != nil {
		env.Error = c.Err.Error()
	}
	return env
}

// hub tracks websocket clients so they can be closed on shutdown
type hub struct {
	svc      service.Service
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*websocket.Conn]struct{}
	closed  bool
}

func newHub(svc service.Service) *hub {
	return &hub{
		svc: svc,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		clients: make(map[*websocket.Conn]struct{}),
	}
}

func (h *hub) register(conn *websocket.Conn) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[conn] = struct{}{}
	return true
}

func (h *hub) unregister(conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.clients, conn)
}

func (h *hub) stop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for conn := range h.clients {
		conn.Close()
	}
	h.clients = map[*websocket.Conn]struct{}{}
}

// handleWebSocket streams session events to one client until either side
// closes.
func (h *hub) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("WebSocket upgrade failed", "error", err)
		return
	}
	if !h.register(conn) {
		conn.Close()
		return
	}
	defer func() {
		h.unregister(conn)
		conn.Close()
	}()

	sub := h.svc.Subscribe(clientBacklog)
	defer sub.Close()

	snap := h.svc.Snapshot()
	hello := Envelope{Session: snap.ID, Type: helloEventType, Time: time.Now().UTC(), Data: snap}
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(hello); err != nil {
		return
	}

	// Reads only detect the client going away.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					slog.Debug("WebSocket read error", "error", err)
				}
				return
			}
		}
	}()

	ping := time.NewTicker(pingInterval)
	defer ping.Stop()

	for {
		select {
		case <-gone:
			return
		case e, ok := <-sub.Events():
			if !ok {
				conn.SetWriteDeadline(time.Now().Add(writeWait))
				conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session closed"))
				return
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(newEnvelope(snap.ID, e, sub.Dropped())); err != nil {
				slog.Debug("WebSocket write failed", "error", err)
				return
			}
		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
