package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/tphakala/pulsecheck/internal/logger"
	"github.com/tphakala/pulsecheck/internal/observability/metrics"
	"github.com/tphakala/pulsecheck/internal/quality"
)

const (
	wsWriteWait  = 2 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = wsPongWait * 9 / 10
	wsSendBuffer = 16
	wsReadLimit  = 512
)

// Hub streams every published assessment to connected WebSocket clients
// as a JSON text message. A client that falls behind loses messages rather
// than slowing the others down.
type Hub struct {
	upgrader websocket.Upgrader
	metrics  *metrics.HTTPMetrics
	log      logger.Logger

	mu      sync.Mutex
	clients map[*wsClient]struct{}
	closed  bool
	wg      sync.WaitGroup
}

type wsClient struct {
	conn      *websocket.Conn
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func (c *wsClient) stop() {
	c.closeOnce.Do(func() { close(c.done) })
}

// NewHub creates a hub. A nil m disables metrics.
func NewHub(m *metrics.HTTPMetrics) *Hub {
	return &Hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				return true // origin policy is applied by the CORS middleware
			},
		},
		metrics: m,
		log:     GetLogger().Module("ws"),
		clients: make(map[*wsClient]struct{}),
	}
}

// Run broadcasts updates until ctx is done or updates is closed.
func (h *Hub) Run(ctx context.Context, updates <-chan quality.Assessment) {
	for {
		select {
		case <-ctx.Done():
			return
		case a, ok := <-updates:
			if !ok {
				return
			}
			data, err := json.Marshal(a.Payload())
			if err != nil {
				h.log.Warn("Failed to encode assessment", logger.Error(err))
				continue
			}
			h.Broadcast(data)
		}
	}
}

// Broadcast queues data for every client without blocking.
func (h *Hub) Broadcast(data []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- data:
			h.record(true)
		default:
			h.record(false)
		}
	}
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Handle upgrades the request and serves the client until it disconnects.
func (h *Hub) Handle(c echo.Context) error {
	h.mu.Lock()
	closed := h.closed
	h.mu.Unlock()
	if closed {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "server is shutting down")
	}

	conn, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		h.log.Debug("WebSocket upgrade failed", logger.Error(err))
		return nil // upgrader has already replied
	}

	client := &wsClient{
		conn: conn,
		send: make(chan []byte, wsSendBuffer),
		done: make(chan struct{}),
	}
	if !h.register(client) {
		_ = conn.Close()
		return nil
	}
	h.log.Debug("WebSocket client connected", logger.String("remote", c.RealIP()))

	h.wg.Go(func() { h.writePump(client) })
	reason := h.readPump(client)
	h.unregister(client, reason)
	return nil
}

// Close sends a going-away frame to every client, disconnects them and
// waits for their writers to exit.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	for c := range h.clients {
		delete(h.clients, c)
		c.stop()
		if h.metrics != nil {
			h.metrics.RecordWSDisconnected("shutdown")
		}
	}
	h.mu.Unlock()
	h.wg.Wait()
}

func (h *Hub) register(c *wsClient) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[c] = struct{}{}
	if h.metrics != nil {
		h.metrics.RecordWSConnected()
	}
	return true
}

func (h *Hub) unregister(c *wsClient, reason string) {
	h.mu.Lock()
	_, ok := h.clients[c]
	delete(h.clients, c)
	h.mu.Unlock()

	c.stop()
	_ = c.conn.Close()
	if ok && h.metrics != nil {
		h.metrics.RecordWSDisconnected(reason)
	}
}

func (h *Hub) readPump(c *wsClient) string {
	c.conn.SetReadLimit(wsReadLimit)
	_ = c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			select {
			case <-c.done:
				return "shutdown"
			default:
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return "client_closed"
			}
			return "read_error"
		}
	}
}

func (h *Hub) writePump(c *wsClient) {
	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, ""),
				time.Now().Add(wsWriteWait))
			_ = c.conn.Close()
			return
		case data := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.stop()
				_ = c.conn.Close()
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				c.stop()
				_ = c.conn.Close()
				return
			}
		}
	}
}

func (h *Hub) record(delivered bool) {
	if h.metrics != nil {
		h.metrics.RecordWSMessage(delivered)
	}
}
