package httpapi

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"billsync/backend/internal/conflict"
	"billsync/backend/internal/domain"
	"billsync/backend/internal/orchestrator"
	"billsync/backend/internal/realtime"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	maxMessageSize = 4 * 1024
	sendBuffer     = 64
)

const (
	EventSnapshot     = "snapshot"
	EventView         = "view"
	EventConflict     = "conflict"
	EventNotification = "notification"
	EventError        = "error"
)

// Event is one message written to a stream client.
type Event struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// Hub tracks the connected stream clients and broadcasts notifications to
// them. It satisfies orchestrator.Notifier.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]*client
	logger  *slog.Logger
}

func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{clients: make(map[string]*client), logger: logger.With("component", "stream-hub")}
}

func (h *Hub) Notify(n orchestrator.Notification) {
	h.mu.RLock()
	clients := make([]*client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		c.enqueue(Event{Type: EventNotification, Data: n})
	}
}

func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) register(c *client) {
	h.mu.Lock()
	h.clients[c.id] = c
	h.mu.Unlock()
	h.logger.Debug("stream client connected", "client", c.id)
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	delete(h.clients, c.id)
	h.mu.Unlock()
	h.logger.Debug("stream client disconnected", "client", c.id)
}

type client struct {
	id     string
	conn   *websocket.Conn
	send   chan []byte
	done   chan struct{}
	once   sync.Once
	logger *slog.Logger
}

// enqueue never blocks. A client whose buffer is full is disconnected
// rather than silently missing a snapshot.
func (c *client) enqueue(ev Event) {
	msg, err := json.Marshal(ev)
	if err != nil {
		c.logger.Warn("stream event encode failed", "client", c.id, "type", ev.Type, "error", err)
		return
	}
	select {
	case <-c.done:
	case c.send <- msg:
	default:
		c.logger.Warn("stream client too slow, disconnecting", "client", c.id)
		c.close()
	}
}

func (c *client) close() {
	c.once.Do(func() { close(c.done) })
}

// readPump only watches for the peer going away; clients send nothing.
func (c *client) readPump() {
	defer c.close()
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Warn("stream read failed", "client", c.id, "error", err)
			}
			return
		}
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case <-c.done:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case msg := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.close()
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}
		}
	}
}

func (a *API) upgrader() websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == "" || a.allowedOrigin == "*" || origin == a.allowedOrigin
		},
	}
}

// serveStream upgrades the connection and keeps it open until the peer
// leaves. open starts the subscriptions feeding the client and returns
// their release function.
func (a *API) serveStream(w http.ResponseWriter, r *http.Request, open func(*client) func()) {
	upgrader := a.upgrader()
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		a.logger.Warn("stream upgrade failed", "path", r.URL.Path, "error", err)
		return
	}
	c := &client{
		id:     "stream_" + uuid.NewString(),
		conn:   conn,
		send:   make(chan []byte, sendBuffer),
		done:   make(chan struct{}),
		logger: a.logger,
	}
	a.hub.register(c)
	release := open(c)

	go c.writePump()
	c.readPump()

	release()
	a.hub.unregister(c)
}

func (a *API) streamError(c *client) func(error) {
	return func(err error) {
		classified := orchestrator.Classify(err)
		c.enqueue(Event{Type: EventError, Data: map[string]any{"error": classified.Message, "kind": classified.Kind}})
	}
}

func (a *API) forwardConflicts(c *client) func() {
	return a.sync.OnConflict(func(rec conflict.Record) {
		c.enqueue(Event{Type: EventConflict, Data: rec})
	})
}

func (a *API) handleStreamBills(w http.ResponseWriter, r *http.Request) {
	q, err := billQueryFrom(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	sq := q.Query()
	sq.Limit = 0
	sq.Cursor = ""
	if err := sq.Validate(domain.KindBill); err != nil {
		a.writeServiceError(w, err)
		return
	}

	a.serveStream(w, r, func(c *client) func() {
		unsubConflicts := a.forwardConflicts(c)
		unsubBills := a.sync.SubscribeBills(sq, func(s realtime.Snapshot[domain.Bill]) {
			c.enqueue(Event{Type: EventSnapshot, Data: s})
		}, a.streamError(c))
		return func() {
			unsubBills()
			unsubConflicts()
		}
	})
}

func (a *API) handleStreamBillProducts(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := a.service.Bills.Get(r.Context(), id); err != nil {
		a.writeServiceError(w, err)
		return
	}

	a.serveStream(w, r, func(c *client) func() {
		unsubConflicts := a.forwardConflicts(c)
		unsubView := a.sync.SubscribeBillWithProducts(id, func(v realtime.BillView) {
			c.enqueue(Event{Type: EventView, Data: v})
		}, a.streamError(c))
		return func() {
			unsubView()
			unsubConflicts()
		}
	})
}
