package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/onnwee/committee-portal/internal/apierr"
	"github.com/onnwee/committee-portal/internal/logger"
	"github.com/onnwee/committee-portal/internal/metrics"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = 30 * time.Second

	// Maximum message size allowed from peer
	maxMessageSize = 512

	// DefaultStreamInterval is how often the performance report is pushed.
	DefaultStreamInterval = 5 * time.Second
)

// StreamMessage is a frame sent to stream clients.
type StreamMessage struct {
	Type    string `json:"type"` // "performance"
	Payload any    `json:"payload"`
}

// streamRequest is a frame sent by clients to change their window.
type streamRequest struct {
	Type    string `json:"type"` // "window"
	Minutes int    `json:"minutes"`
}

// Client is one stream subscriber.
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte

	mu      sync.RWMutex
	minutes int
}

func (c *Client) window() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.minutes
}

// Hub pushes the performance report to every connected client on a ticker.
type Hub struct {
	report   func(minutes int) PerformanceReport
	interval time.Duration

	clients    map[*Client]bool
	register   chan *Client
	unregister chan *Client
	done       chan struct{}
	runOnce    sync.Once

	mu sync.RWMutex
}

// NewHub returns a hub; interval <= 0 uses DefaultStreamInterval.
func NewHub(report func(minutes int) PerformanceReport, interval time.Duration) *Hub {
	if interval <= 0 {
		interval = DefaultStreamInterval
	}
	return &Hub{
		report:     report,
		interval:   interval,
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
	}
}

// Run serves registrations and pushes until ctx is cancelled. Only the first
// call does anything.
func (h *Hub) Run(ctx context.Context) {
	h.runOnce.Do(func() { h.run(ctx) })
}

func (h *Hub) run(ctx context.Context) {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()
	defer h.closeAll()

	for {
		select {
		case <-ctx.Done():
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			n := len(h.clients)
			h.mu.Unlock()
			metrics.WebSocketConnections.Inc()
			logger.Info("Performance stream client connected", "total_clients", n)

		case client := <-h.unregister:
			h.drop(client)

		case <-ticker.C:
			h.Broadcast()
		}
	}
}

func (h *Hub) drop(client *Client) {
	h.mu.Lock()
	_, ok := h.clients[client]
	if ok {
		delete(h.clients, client)
		close(client.send)
	}
	n := len(h.clients)
	h.mu.Unlock()
	if ok {
		metrics.WebSocketConnections.Dec()
		logger.Info("Performance stream client disconnected", "total_clients", n)
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	for client := range h.clients {
		close(client.send)
		delete(h.clients, client)
		metrics.WebSocketConnections.Dec()
	}
	h.mu.Unlock()
	close(h.done)
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) encode(minutes int) ([]byte, error) {
	return json.Marshal(StreamMessage{Type: "performance", Payload: h.report(minutes)})
}

// Broadcast sends the current report to every client, building it once per
// distinct window. Clients whose buffer is full are disconnected.
func (h *Hub) Broadcast() {
	h.mu.RLock()
	byWindow := make(map[int][]*Client)
	for client := range h.clients {
		m := client.window()
		byWindow[m] = append(byWindow[m], client)
	}
	h.mu.RUnlock()
	if len(byWindow) == 0 {
		return
	}

	var slow []*Client
	sent := 0
	for minutes, clients := range byWindow {
		data, err := h.encode(minutes)
		if err != nil {
			logger.Error("Failed to marshal performance report", "error", err)
			continue
		}
		h.mu.RLock()
		for _, client := range clients {
			if !h.clients[client] {
				continue
			}
			select {
			case client.send <- data:
				sent++
			default:
				slow = append(slow, client)
			}
		}
		h.mu.RUnlock()
	}
	for _, client := range slow {
		logger.Warn("Stream client send buffer full, disconnecting")
		h.drop(client)
	}
	metrics.WebSocketMessagesSent.Add(float64(sent))
}

// readPump applies window changes until the connection fails.
func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logger.Warn("WebSocket unexpected close", "error", err)
			}
			return
		}
		var req streamRequest
		if err := json.Unmarshal(message, &req); err == nil && req.Type == "window" && req.Minutes > 0 {
			c.mu.Lock()
			c.minutes = req.Minutes
			c.mu.Unlock()
		}
	}
}

// writePump forwards hub messages and keeps the connection alive.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Hub closed the channel
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// StreamHandler upgrades performance stream connections.
type StreamHandler struct {
	hub      *Hub
	upgrader websocket.Upgrader
}

// NewStreamHandler accepts connections from allowedOrigins; an empty list
// accepts any origin.
func NewStreamHandler(hub *Hub, allowedOrigins []string) *StreamHandler {
	allowed := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		if o = strings.TrimSpace(o); o != "" && o != "*" {
			allowed[strings.TrimRight(o, "/")] = true
		}
	}
	return &StreamHandler{
		hub: hub,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				return origin == "" || len(allowed) == 0 || allowed[origin]
			},
		},
	}
}

// HandleWebSocket streams the performance report every interval.
// GET /api/performance/stream?minutes=N
func (h *StreamHandler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	select {
	case <-h.hub.done:
		apierr.WriteErrorWithContext(w, r, apierr.SystemUnavailable("Performance stream is shutting down"))
		return
	default:
	}

	minutes := parsePositiveInt(r.URL.Query().Get("minutes"), defaultWindowMinutes)
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		logger.WarnContext(r.Context(), "Failed to upgrade to WebSocket", "error", err)
		return
	}

	client := &Client{
		hub:     h.hub,
		conn:    conn,
		send:    make(chan []byte, 16),
		minutes: minutes,
	}
	if data, err := h.hub.encode(minutes); err == nil {
		client.send <- data
	}

	select {
	case h.hub.register <- client:
	case <-h.hub.done:
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}
