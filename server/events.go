package server

import (
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/teranos/hub/logger"
	"github.com/teranos/hub/merge"
)

// WebSocket timeouts, after the gorilla chat example
const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = 54 * time.Second

	// Clients only send control frames
	maxMessageSize = 512

	statusBuffer = 8
)

// wsClient streams merge events and sync status to one websocket
type wsClient struct {
	id     string
	conn   *websocket.Conn
	events <-chan merge.Event
	cancel func()
	status chan syncStatusResponse
	done   chan struct{}
	once   sync.Once
}

func (c *wsClient) close() {
	c.once.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

func (h *Hub) upgrader() websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin:     h.checkOrigin,
	}
}

// HandleEvents upgrades to a websocket and streams every merge event as
// JSON, plus a sync_status message after each sync tick.
// GET /ws/events
func (h *Hub) HandleEvents(w http.ResponseWriter, r *http.Request) {
	if h.State() == StateDraining || h.State() == StateStopped {
		writeError(w, http.StatusServiceUnavailable, "Hub is shutting down")
		return
	}
	up := h.upgrader()
	conn, err := up.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warnw("Event stream upgrade failed",
			logger.FieldAddress, r.RemoteAddr,
			logger.FieldError, err)
		return
	}

	events, cancel := h.merger.Bus().Subscribe(h.config().Merge.EventBuffer)
	c := &wsClient{
		id:     uuid.NewString(),
		conn:   conn,
		events: events,
		cancel: cancel,
		status: make(chan syncStatusResponse, statusBuffer),
		done:   make(chan struct{}),
	}
	h.register(c)
	h.log.Debugw("Event stream connected",
		"client_id", c.id,
		logger.FieldAddress, r.RemoteAddr)

	h.wg.Add(2)
	go h.writePump(c)
	go h.readPump(c)
}

func (h *Hub) register(c *wsClient) {
	h.clientsMu.Lock()
	h.clients[c] = true
	h.clientsMu.Unlock()
}

func (h *Hub) unregister(c *wsClient) {
	h.clientsMu.Lock()
	delete(h.clients, c)
	h.clientsMu.Unlock()
	c.cancel()
	c.close()
}

// readPump discards client frames and notices disconnects
func (h *Hub) readPump(c *wsClient) {
	defer func() {
		h.unregister(c)
		h.wg.Done()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.log.Debugw("Event stream read error",
					"client_id", c.id,
					logger.FieldError, err)
			}
			return
		}
	}
}

func (h *Hub) writePump(c *wsClient) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
		h.wg.Done()
	}()

	for {
		select {
		case <-h.ctx.Done():
			return
		case <-c.done:
			return
		case ev, ok := <-c.events:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(ev); err != nil {
				h.log.Debugw("Event write failed",
					"client_id", c.id,
					logger.FieldError, err)
				return
			}
		case st := <-c.status:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(st); err != nil {
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

// broadcastSyncStatus pushes the current sync status to every client. A
// client whose queue is full misses this update.
func (h *Hub) broadcastSyncStatus() {
	st := h.syncStatus()
	st.Type = "sync_status"

	h.clientsMu.RLock()
	defer h.clientsMu.RUnlock()
	for c := range h.clients {
		select {
		case c.status <- st:
		default:
			h.drops.Add(1)
		}
	}
}

// closeClients disconnects every event stream
func (h *Hub) closeClients() {
	h.clientsMu.RLock()
	clients := make([]*wsClient, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.clientsMu.RUnlock()
	for _, c := range clients {
		c.close()
	}
}

// Clients returns the number of connected event streams
func (h *Hub) Clients() int {
	h.clientsMu.RLock()
	defer h.clientsMu.RUnlock()
	return len(h.clients)
}
