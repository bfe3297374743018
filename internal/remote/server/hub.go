package server

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/kimhsiao/postbills/backend/internal/logging"
	"github.com/kimhsiao/postbills/backend/internal/remote"
	"github.com/kimhsiao/postbills/backend/internal/uuid"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	sendBuffer = 16
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
}

// wsClient is one subscription socket.
type wsClient struct {
	id      string
	boardID string
	conn    *websocket.Conn
	send    chan []byte
	done    chan struct{}
	once    sync.Once
}

// close drops the connection. Safe to call more than once.
func (c *wsClient) close() {
	c.once.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

// deliver queues a frame without blocking. A client that cannot keep up is
// disconnected and has to resubscribe.
func (c *wsClient) deliver(msg []byte) {
	select {
	case <-c.done:
	case c.send <- msg:
	default:
		logging.Warn("subscriber too slow, disconnecting", map[string]interface{}{
			"client_id": c.id,
			"board_id":  c.boardID,
		})
		c.close()
	}
}

func (c *wsClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case <-c.done:
			return
		case msg := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump consumes control frames until the peer goes away.
func (c *wsClient) readPump() {
	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

// Hub tracks subscription sockets and feeds them board snapshots.
type Hub struct {
	store *remote.Memory

	mu      sync.RWMutex
	clients map[string]*wsClient
}

// NewHub creates a hub publishing changes of store.
func NewHub(store *remote.Memory) *Hub {
	return &Hub{
		store:   store,
		clients: make(map[string]*wsClient),
	}
}

// ServeWS upgrades the request and streams the board's item set until the
// peer disconnects.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	boardID := chi.URLParam(r, "boardID")
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Warn("websocket upgrade failed", map[string]interface{}{
			"board_id": boardID,
			"reason":   err.Error(),
		})
		return
	}

	c := &wsClient{
		id:      uuid.New(),
		boardID: boardID,
		conn:    conn,
		send:    make(chan []byte, sendBuffer),
		done:    make(chan struct{}),
	}
	h.register(c)
	defer h.unregister(c)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	unsub, err := h.store.Subscribe(ctx, boardID, func(docs []remote.Document) {
		msg, err := json.Marshal(remote.Frame{
			Type:      remote.FrameSnapshot,
			BoardID:   boardID,
			Items:     docs,
			Timestamp: time.Now().UnixMilli(),
		})
		if err != nil {
			logging.Error("failed to encode frame", err, map[string]interface{}{"board_id": boardID})
			return
		}
		c.deliver(msg)
	})
	if err != nil {
		logging.Error("subscribe failed", err, map[string]interface{}{"board_id": boardID})
		c.close()
		return
	}
	defer unsub()

	go c.writePump()
	c.readPump()
	c.close()
}

func (h *Hub) register(c *wsClient) {
	h.mu.Lock()
	h.clients[c.id] = c
	n := len(h.clients)
	h.mu.Unlock()
	logging.Info("subscriber connected", map[string]interface{}{
		"client_id": c.id,
		"board_id":  c.boardID,
		"total":     n,
	})
}

func (h *Hub) unregister(c *wsClient) {
	h.mu.Lock()
	delete(h.clients, c.id)
	n := len(h.clients)
	h.mu.Unlock()
	logging.Info("subscriber disconnected", map[string]interface{}{
		"client_id": c.id,
		"board_id":  c.boardID,
		"total":     n,
	})
}

// Count returns the number of connected subscribers.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// DisconnectAll drops every subscriber. Clients are expected to reconnect.
func (h *Hub) DisconnectAll() {
	h.mu.RLock()
	clients := make([]*wsClient, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		c.close()
	}
}
