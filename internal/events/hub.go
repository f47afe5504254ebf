// Package events streams workflow status and program updates to WebSocket
// clients.
package events

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"appforge/internal/metrics"
	"appforge/internal/workflow"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Message types sent to clients.
const (
	TypeConnected = "connection:established"
	TypeStatus    = "run:status"
	TypeProgram   = "program:update"
	TypeState     = "run:state"
	TypeError     = "error"
)

// Message types accepted from clients.
const (
	CommandStop  = "run:stop"
	CommandState = "run:state"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	maxMessageSize = 512 * 1024
	sendBuffer     = 256
)

// Message is the envelope of every frame.
type Message struct {
	Type      string    `json:"type"`
	RunID     string    `json:"run_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data,omitempty"`
}

// Controller is the part of the orchestrator clients can reach.
type Controller interface {
	Stop() bool
	State() workflow.State
	Program() workflow.Program
}

// Options configures a Hub.
type Options struct {
	// AllowedOrigins restricts upgrades when non-empty. When empty, any
	// origin is accepted outside production and none in production.
	AllowedOrigins []string
	Production     bool
	Logger         *zap.Logger
}

// Hub fans events out to every connected client. It implements
// workflow.StatusSink and workflow.ProgramSink.
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan []byte
	register   chan *Client
	unregister chan *Client
	done       chan struct{}
	closeOnce  sync.Once
	mu         sync.RWMutex

	controller Controller
	upgrader   websocket.Upgrader
	logger     *zap.Logger
	metrics    *metrics.Metrics
}

// Client is a single WebSocket connection.
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte

	mu     sync.Mutex
	closed bool
}

// NewHub creates a hub and starts its event loop.
func NewHub(opts Options) *Hub {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	h := &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan []byte, sendBuffer),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		logger:     opts.Logger,
		metrics:    metrics.Get(),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     originChecker(opts.AllowedOrigins, opts.Production),
	}
	go h.run()
	return h
}

// SetController attaches the orchestrator. Call before serving.
func (h *Hub) SetController(c Controller) {
	h.controller = c
}

func originChecker(allowed []string, production bool) func(*http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		if len(allowed) > 0 {
			for _, a := range allowed {
				if a == origin {
					return true
				}
			}
			return false
		}
		return !production
	}
}

func (h *Hub) run() {
	for {
		select {
		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			h.mu.Unlock()
			h.metrics.RecordWebSocketConnection(1)
			h.logger.Debug("websocket client connected", zap.Int("clients", h.ClientCount()))

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				c.closeSend()
				h.metrics.RecordWebSocketConnection(-1)
			}
			h.mu.Unlock()
			h.logger.Debug("websocket client disconnected")

		case msg := <-h.broadcast:
			h.mu.Lock()
			for c := range h.clients {
				if !c.enqueue(msg) {
					// Slow consumer: drop it rather than block the workflow.
					delete(h.clients, c)
					c.closeSend()
					h.metrics.RecordWebSocketConnection(-1)
				}
			}
			h.mu.Unlock()

		case <-h.done:
			h.mu.Lock()
			for c := range h.clients {
				delete(h.clients, c)
				c.closeSend()
				h.metrics.RecordWebSocketConnection(-1)
			}
			h.mu.Unlock()
			return
		}
	}
}

// Close disconnects every client and stops the event loop.
func (h *Hub) Close() {
	h.closeOnce.Do(func() { close(h.done) })
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Publish sends a message to every client. It never blocks: when the
// broadcast queue is full the message is dropped.
func (h *Hub) Publish(msgType, runID string, data any) {
	payload, err := json.Marshal(&Message{Type: msgType, RunID: runID, Timestamp: time.Now(), Data: data})
	if err != nil {
		h.logger.Warn("failed to marshal websocket message", zap.String("type", msgType), zap.Error(err))
		return
	}

	select {
	case <-h.done:
		return
	default:
	}
	select {
	case h.broadcast <- payload:
		h.metrics.RecordWebSocketMessage(msgType, "out", len(payload))
	default:
		h.logger.Warn("websocket broadcast queue full, dropping message", zap.String("type", msgType))
	}
}

// OnStatus implements workflow.StatusSink.
func (h *Hub) OnStatus(ev workflow.StatusEvent) {
	h.Publish(TypeStatus, ev.RunID, ev)
}

// OnProgramChanged implements workflow.ProgramSink.
func (h *Hub) OnProgramChanged(html, css, js string) {
	h.Publish(TypeProgram, "", workflow.Program{HTML: html, CSS: css, JS: js})
}

// HandleWebSocket upgrades the request and streams events to the client.
func (h *Hub) HandleWebSocket(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	client := &Client{hub: h, conn: conn, send: make(chan []byte, sendBuffer)}
	select {
	case h.register <- client:
	case <-h.done:
		_ = conn.Close()
		return
	}

	if h.controller != nil {
		client.push(TypeState, h.controller.State())
		client.push(TypeProgram, h.controller.Program())
	}
	client.push(TypeConnected, gin.H{"message": "Connected to run stream"})

	go client.writePump()
	go client.readPump()
}

func (c *Client) push(msgType string, data any) {
	payload, err := json.Marshal(&Message{Type: msgType, Timestamp: time.Now(), Data: data})
	if err != nil {
		return
	}
	c.enqueue(payload)
}

// enqueue queues payload without blocking. It reports false when the
// client is closed or its buffer is full.
func (c *Client) enqueue(payload []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- payload:
		return true
	default:
		return false
	}
}

func (c *Client) closeSend() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// writePump sends queued messages and keeps the connection alive.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
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

// readPump handles client commands until the connection closes.
func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		_ = c.conn.Close()
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
				c.hub.logger.Debug("websocket read error", zap.Error(err))
			}
			return
		}
		c.handleMessage(message)
	}
}

func (c *Client) handleMessage(message []byte) {
	var msg struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(message, &msg); err != nil {
		c.push(TypeError, gin.H{"error": "invalid message"})
		return
	}
	c.hub.metrics.RecordWebSocketMessage(msg.Type, "in", len(message))

	ctrl := c.hub.controller
	switch msg.Type {
	case CommandStop:
		if ctrl == nil {
			return
		}
		stopping := ctrl.Stop()
		c.push(TypeState, gin.H{"stopping": stopping})
	case CommandState:
		if ctrl == nil {
			return
		}
		c.push(TypeState, ctrl.State())
	default:
		c.push(TypeError, gin.H{"error": "unknown message type: " + msg.Type})
	}
}
