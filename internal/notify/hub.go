package notify

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const writeWait = 5 * time.Second

type hubConn struct {
	ws *websocket.Conn
	mu sync.Mutex
}

func (c *hubConn) writeJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteJSON(v)
}

// Hub pushes events to the websocket connections of the owning account.
type Hub struct {
	mu       sync.RWMutex
	conns    map[string]map[*hubConn]struct{}
	upgrader websocket.Upgrader
	log      *zap.Logger
}

func NewHub(log *zap.Logger) *Hub {
	return &Hub{
		conns: make(map[string]map[*hubConn]struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		log: log,
	}
}

// Serve upgrades the request and blocks until the client goes away.
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request, ownerID string) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	c := &hubConn{ws: ws}
	h.add(ownerID, c)
	defer h.remove(ownerID, c)

	if err := c.writeJSON(map[string]string{"type": "connected"}); err != nil {
		return
	}
	for {
		if _, _, err := ws.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) Publish(_ context.Context, ev Event) error {
	h.mu.RLock()
	targets := make([]*hubConn, 0, len(h.conns[ev.OwnerID]))
	for c := range h.conns[ev.OwnerID] {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	for _, c := range targets {
		if err := c.writeJSON(ev); err != nil {
			h.log.Debug("dropping websocket client", zap.String("owner", ev.OwnerID), zap.Error(err))
			h.remove(ev.OwnerID, c)
		}
	}
	return nil
}

// Connections reports the number of open connections of ownerID.
func (h *Hub) Connections(ownerID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns[ownerID])
}

func (h *Hub) add(ownerID string, c *hubConn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.conns[ownerID] == nil {
		h.conns[ownerID] = make(map[*hubConn]struct{})
	}
	h.conns[ownerID][c] = struct{}{}
}

func (h *Hub) remove(ownerID string, c *hubConn) {
	h.mu.Lock()
	set := h.conns[ownerID]
	_, ok := set[c]
	delete(set, c)
	if len(set) == 0 {
		delete(h.conns, ownerID)
	}
	h.mu.Unlock()
	if ok {
		_ = c.ws.Close()
	}
}
