package rag

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/lurkshade/streampulse/internal/observe"
)

// Frame types on the question socket.
const (
	msgRAGQuery    = "rag_query"
	msgRAGResponse = "rag_response"
	msgRAGError    = "rag_error"
)

const (
	// writeWait bounds a single frame write.
	writeWait = 10 * time.Second

	// pongWait is how long a client may go silent before the read side
	// gives up. Pings go out at pingPeriod, which must be shorter.
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	// maxQueryBytes caps inbound frames. Questions are short.
	maxQueryBytes = 4096

	// sendBuffer is the per-client outbound queue. A client that can't
	// drain it is disconnected.
	sendBuffer = 16

	// queryTimeout bounds one question end to end, model call included.
	queryTimeout = 60 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The dashboard is served from its own origin.
	CheckOrigin: func(*http.Request) bool { return true },
}

// queryFrame is the inbound rag_query message.
type queryFrame struct {
	Type            string  `json:"type"`
	CorrelationID   string  `json:"correlation_id,omitempty"`
	Question        string  `json:"question"`
	TimeWindowHours float64 `json:"time_window_hours,omitempty"`
}

// wsAnswer is the rag_response frame: the answer flattened next to the
// routing fields.
type wsAnswer struct {
	Type          string `json:"type"`
	CorrelationID string `json:"correlation_id"`
	*Answer
}

// wsError is the rag_error frame.
type wsError struct {
	Type          string `json:"type"`
	CorrelationID string `json:"correlation_id"`
	Success       bool   `json:"success"`
	Error         string `json:"error"`
}

// Hub owns the question websocket clients and hands their queries to the
// orchestrator. Mount it on the service mux and start [Hub.Run] alongside
// the HTTP server.
type Hub struct {
	orch    *Orchestrator
	log     *slog.Logger
	metrics *observe.Metrics

	register   chan *wsClient
	unregister chan *wsClient

	// ctx outlives any single HTTP request; pumps and in-flight queries
	// hang off it so shutdown cancels them.
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	clients map[*wsClient]struct{}
}

// NewHub wires a hub to the orchestrator.
func NewHub(orch *Orchestrator, log *slog.Logger) *Hub {
	if log == nil {
		log = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		orch:       orch,
		log:        log.With("component", "rag_ws"),
		metrics:    observe.DefaultMetrics(),
		register:   make(chan *wsClient),
		unregister: make(chan *wsClient),
		ctx:        ctx,
		cancel:     cancel,
		clients:    map[*wsClient]struct{}{},
	}
}

// Run tracks client registrations until ctx is done, then closes every
// client. It always returns ctx.Err().
func (h *Hub) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			h.cancel()
			h.closeAll()
			return ctx.Err()

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = struct{}{}
			total := len(h.clients)
			h.mu.Unlock()
			h.metrics.RecordQueryClients(ctx, 1)
			h.log.Info("question client connected", "client", c.id, "total", total)

		case c := <-h.unregister:
			h.drop(ctx, c)
		}
	}
}

func (h *Hub) drop(ctx context.Context, c *wsClient) {
	h.mu.Lock()
	_, known := h.clients[c]
	delete(h.clients, c)
	total := len(h.clients)
	h.mu.Unlock()
	if !known {
		return
	}
	h.metrics.RecordQueryClients(ctx, -1)
	h.log.Info("question client disconnected", "client", c.id, "total", total)
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	clients := make([]*wsClient, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.clients = map[*wsClient]struct{}{}
	h.mu.Unlock()

	for _, c := range clients {
		c.close()
	}
}

// ClientCount reports the connected question clients.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// ServeHTTP upgrades the request and starts the client pumps. The hub's Run
// loop must be running.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", "err", err)
		return
	}

	c := &wsClient{
		hub:  h,
		conn: conn,
		send: make(chan []byte, sendBuffer),
		done: make(chan struct{}),
		id:   uuid.NewString(),
	}

	select {
	case h.register <- c:
	case <-h.ctx.Done():
		conn.Close()
		return
	}

	go c.writePump()
	go c.readPump()
}

// wsClient is one dashboard connection.
type wsClient struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
	done chan struct{}
	once sync.Once
	id   string
}

// close signals both pumps to stop. Safe to call from any goroutine, any
// number of times.
func (c *wsClient) close() {
	c.once.Do(func() { close(c.done) })
}

// readPump reads frames until the connection drops, spawning a goroutine
// per query so a slow model call never blocks the next question.
func (c *wsClient) readPump() {
	defer func() {
		c.close()
		select {
		case c.hub.unregister <- c:
		case <-c.hub.ctx.Done():
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxQueryBytes)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.log.Warn("question socket read failed", "client", c.id, "err", err)
			}
			return
		}
		c.handleFrame(data)
	}
}

// writePump serializes all writes to the connection and keeps the ping
// ticker going.
func (c *wsClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return

		case msg := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.hub.log.Warn("question socket write failed", "client", c.id, "err", err)
				c.close()
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}
		}
	}
}

func (c *wsClient) handleFrame(data []byte) {
	var f queryFrame
	if err := json.Unmarshal(data, &f); err != nil {
		c.sendError(uuid.NewString(), "malformed frame: not valid JSON")
		return
	}

	id := f.CorrelationID
	if id == "" {
		id = uuid.NewString()
	}
	if f.Type != msgRAGQuery {
		c.sendError(id, fmt.Sprintf("unsupported frame type %q", f.Type))
		return
	}

	go c.answer(id, f)
}

func (c *wsClient) answer(id string, f queryFrame) {
	ctx, cancel := context.WithTimeout(c.hub.ctx, queryTimeout)
	defer cancel()

	ans, err := c.hub.orch.Ask(ctx, Query{
		Question:        f.Question,
		TimeWindowHours: f.TimeWindowHours,
	})
	if err != nil {
		c.sendError(id, err.Error())
		return
	}
	c.sendJSON(wsAnswer{Type: msgRAGResponse, CorrelationID: id, Answer: ans})
}

func (c *wsClient) sendError(id, msg string) {
	c.sendJSON(wsError{Type: msgRAGError, CorrelationID: id, Success: false, Error: msg})
}

func (c *wsClient) sendJSON(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		c.hub.log.Error("frame marshal failed", "client", c.id, "err", err)
		return
	}
	select {
	case <-c.done:
	case c.send <- data:
	default:
		c.hub.log.Warn("client too slow, disconnecting", "client", c.id)
		c.close()
	}
}
