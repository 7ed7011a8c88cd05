package infra

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = (wsPongWait * 9) / 10
	wsSendBuffer = 32
)

// WSHub manages WebSocket connections and room-based message delivery.
// Rooms are owner-scoped ("owner:{id}") so session warnings reach every
// connection the owner has open.
type WSHub struct {
	mu       sync.RWMutex
	rooms    map[string]map[string]*WSConn // room -> connID -> conn
	logger   *slog.Logger
	upgrader websocket.Upgrader
}

// WSConn is a registered connection's outbound queue.
type WSConn struct {
	ID      string
	OwnerID string
	Send    chan []byte
}

// WSMessage is the payload sent over WebSocket.
type WSMessage struct {
	Event string      `json:"event"`
	Data  interface{} `json:"data"`
}

// NewWSHub creates a new WebSocket hub. checkOrigin may be nil to accept any origin.
func NewWSHub(logger *slog.Logger, checkOrigin func(*http.Request) bool) *WSHub {
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}
	return &WSHub{
		rooms:  make(map[string]map[string]*WSConn),
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     checkOrigin,
		},
	}
}

// OwnerRoom names the room holding an owner's connections.
func OwnerRoom(ownerID string) string {
	return "owner:" + ownerID
}

// Join adds a connection to a room.
func (h *WSHub) Join(room string, conn *WSConn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.rooms[room] == nil {
		h.rooms[room] = make(map[string]*WSConn)
	}
	h.rooms[room][conn.ID] = conn
}

// Leave removes a connection from a room.
func (h *WSHub) Leave(room string, connID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if conns, ok := h.rooms[room]; ok {
		delete(conns, connID)
		if len(conns) == 0 {
			delete(h.rooms, room)
		}
	}
}

// Publish sends a message to all connections in a room. Full buffers drop
// the message rather than block the publisher.
func (h *WSHub) Publish(room string, event string, data interface{}) {
	payload, err := json.Marshal(WSMessage{Event: event, Data: data})
	if err != nil {
		h.logger.Error("ws marshal error", "error", err, "room", room, "event", event)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, conn := range h.rooms[room] {
		select {
		case conn.Send <- payload:
		default:
			h.logger.Warn("ws send buffer full", "conn_id", conn.ID, "room", room)
		}
	}
}

// PublishToOwner publishes to an owner-scoped room.
func (h *WSHub) PublishToOwner(ownerID string, event string, data interface{}) {
	h.Publish(OwnerRoom(ownerID), event, data)
}

// ConnectionCount returns the total number of active connections.
func (h *WSHub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	count := 0
	for _, conns := range h.rooms {
		count += len(conns)
	}
	return count
}

// Serve upgrades the request and streams the owner's room until the peer
// disconnects or ctx is cancelled. It blocks for the connection lifetime.
func (h *WSHub) Serve(ctx context.Context, w http.ResponseWriter, r *http.Request, ownerID string) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("ws upgrade failed", "error", err)
		return
	}

	conn := &WSConn{ID: uuid.NewString(), OwnerID: ownerID, Send: make(chan []byte, wsSendBuffer)}
	room := OwnerRoom(ownerID)
	h.Join(room, conn)
	h.logger.Info("ws connected", "conn_id", conn.ID, "owner_id", ownerID)

	ctx, cancel := context.WithCancel(ctx)
	defer func() {
		cancel()
		h.Leave(room, conn.ID)
		_ = ws.Close()
		h.logger.Info("ws disconnected", "conn_id", conn.ID, "owner_id", ownerID)
	}()

	// read pump: only pongs and close frames are expected
	go func() {
		defer cancel()
		ws.SetReadLimit(512)
		_ = ws.SetReadDeadline(time.Now().Add(wsPongWait))
		ws.SetPongHandler(func(string) error {
			return ws.SetReadDeadline(time.Now().Add(wsPongWait))
		})
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			_ = ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(wsWriteWait))
			return
		case msg, ok := <-conn.Send:
			if !ok {
				return
			}
			_ = ws.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = ws.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Shutdown drops every room. Open Serve loops exit when their contexts end.
func (h *WSHub) Shutdown(_ context.Context) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for room := range h.rooms {
		delete(h.rooms, room)
	}
}
