// Package realtime streams projected order events and arbitration outcomes
// to WebSocket subscribers.
package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/acal-network/arbitro/internal/ledger"
	"github.com/acal-network/arbitro/internal/metrics"
)

// normalCloseCodes are WebSocket close codes that indicate an expected disconnect.
var normalCloseCodes = []int{
	websocket.CloseNormalClosure,
	websocket.CloseGoingAway,
	websocket.CloseNoStatusReceived,
}

// Connection timing.
const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
	sendBuffer     = 256
)

// checkOrigin accepts non-browser clients, same-host pages and the listed
// origins. "*" accepts everything.
func checkOrigin(allowed []string) func(r *http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		if origin == "http://"+r.Host || origin == "https://"+r.Host {
			return true
		}
		for _, o := range allowed {
			if o == "*" || strings.EqualFold(o, origin) {
				return true
			}
		}
		return false
	}
}

// EventType for real-time events
type EventType string

const (
	EventOrder      EventType = "order_event"
	EventResolution EventType = "resolution"
)

// Event represents a real-time event
type Event struct {
	Type      EventType   `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data"`
}

// OrderUpdate is the payload of an order_event.
type OrderUpdate struct {
	Order *ledger.Order      `json:"order"`
	Event *ledger.OrderEvent `json:"event"`
}

// Subscription filters for a client
type Subscription struct {
	AllEvents  bool                 `json:"allEvents"`
	EventTypes []EventType          `json:"eventTypes"`
	OrderIDs   []string             `json:"orderIds"`
	Addresses  []string             `json:"addresses"` // maker or taker
	Statuses   []ledger.OrderStatus `json:"statuses"`
}

// Client represents a WebSocket connection
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
	mu   sync.RWMutex
	sub  Subscription
}

// MaxClients is the default cap on concurrent WebSocket connections.
const MaxClients = 1000

// HubOption configures a Hub.
type HubOption func(*Hub)

// WithAllowedOrigins lets browser pages from other origins subscribe.
func WithAllowedOrigins(origins []string) HubOption {
	return func(h *Hub) {
		h.upgrader.CheckOrigin = checkOrigin(origins)
	}
}

// WithMaxClients caps concurrent connections.
func WithMaxClients(n int) HubOption {
	return func(h *Hub) {
		if n > 0 {
			h.maxClients = n
		}
	}
}

// HubStats is a snapshot of hub counters.
type HubStats struct {
	ConnectedClients int   `json:"connectedClients"`
	TotalEvents      int64 `json:"totalEvents"`
	DroppedEvents    int64 `json:"droppedEvents"`
	TotalClients     int64 `json:"totalClients"`
	PeakClients      int64 `json:"peakClients"`
}

// Hub manages all WebSocket connections
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan *Event
	register   chan *Client
	unregister chan *Client
	mu         sync.RWMutex
	logger     *slog.Logger
	done       chan struct{} // closed when Run exits
	maxClients int
	upgrader   websocket.Upgrader

	totalEvents   atomic.Int64
	droppedEvents atomic.Int64
	totalClients atomic.Int64
	peakClients  atomic.Int64
}

// NewHub creates a new WebSocket hub
func NewHub(logger *slog.Logger, opts ...HubOption) *Hub {
	h := &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan *Event, sendBuffer),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		logger:     logger,
		done:       make(chan struct{}),
		maxClients: MaxClients,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     checkOrigin(nil),
		},
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Run starts the hub's main loop
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("realtime hub started")
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				close(client.send) // writePump sends CloseMessage on closed channel
				delete(h.clients, client)
			}
			h.mu.Unlock()
			metrics.ActiveWebSocketClients.Set(0)
			h.logger.Info("realtime hub stopped")
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.totalClients.Add(1)
			if current := int64(len(h.clients)); current > h.peakClients.Load() {
				h.peakClients.Store(current)
			}
			n := len(h.clients)
			h.mu.Unlock()
			metrics.ActiveWebSocketClients.Set(float64(n))
			h.logger.Debug("client connected", "total", n)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			n := len(h.clients)
			h.mu.Unlock()
			metrics.ActiveWebSocketClients.Set(float64(n))
			h.logger.Debug("client disconnected", "total", n)

		case event := <-h.broadcast:
			h.totalEvents.Add(1)
			payload := h.serialize(event)
			h.mu.RLock()
			var slow []*Client
			for client := range h.clients {
				if h.shouldSend(client, event) {
					select {
					case client.send <- payload:
					default:
						slow = append(slow, client)
					}
				}
			}
			h.mu.RUnlock()
			if len(slow) > 0 {
				h.mu.Lock()
				for _, client := range slow {
					if _, ok := h.clients[client]; ok {
						close(client.send)
						delete(h.clients, client)
					}
				}
				h.mu.Unlock()
			}
		}
	}
}

// shouldSend checks if event matches client's subscription
func (h *Hub) shouldSend(client *Client, event *Event) bool {
	client.mu.RLock()
	sub := client.sub
	client.mu.RUnlock()

	if sub.AllEvents {
		return true
	}

	if len(sub.EventTypes) > 0 && !contains(sub.EventTypes, event.Type) {
		return false
	}

	orderID, addrs, status := describe(event)

	if len(sub.OrderIDs) > 0 && !contains(sub.OrderIDs, orderID) {
		return false
	}

	if len(sub.Addresses) > 0 && addrs != nil {
		matched := false
		for _, want := range sub.Addresses {
			for _, have := range addrs {
				if have != "" && strings.EqualFold(want, have) {
					matched = true
				}
			}
		}
		if !matched {
			return false
		}
	}

	if len(sub.Statuses) > 0 && status != "" && !contains(sub.Statuses, status) {
		return false
	}

	return true
}

// describe pulls the filterable fields out of an event payload.
func describe(event *Event) (orderID string, addrs []string, status ledger.OrderStatus) {
	switch d := event.Data.(type) {
	case *OrderUpdate:
		if d.Order != nil {
			return d.Order.ID, []string{d.Order.Maker, d.Order.Taker}, d.Order.Status
		}
		if d.Event != nil {
			return d.Event.OrderID, []string{d.Event.Maker, d.Event.Taker}, ""
		}
	case *ledger.ResolutionRecord:
		return d.OrderID, nil, ""
	}
	return "", nil, ""
}

func contains[T comparable](list []T, v T) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}

func (h *Hub) serialize(event *Event) []byte {
	data, _ := json.Marshal(event)
	return data
}

// Broadcast sends an event to all matching clients
func (h *Hub) Broadcast(event *Event) {
	select {
	case h.broadcast <- event:
	default:
		h.droppedEvents.Add(1)
		h.logger.Warn("broadcast channel full, dropping event", "type", event.Type)
	}
}

// PublishOrderEvent broadcasts a projected event. It has the signature of
// ledger.ChangeFunc so it can be registered with ledger.OnChange.
func (h *Hub) PublishOrderEvent(order *ledger.Order, ev *ledger.OrderEvent) {
	h.Broadcast(&Event{
		Type:      EventOrder,
		Timestamp: time.Now(),
		Data:      &OrderUpdate{Order: order, Event: ev},
	})
}

// PublishResolution broadcasts an arbitration outcome.
func (h *Hub) PublishResolution(r *ledger.ResolutionRecord) {
	h.Broadcast(&Event{
		Type:      EventResolution,
		Timestamp: time.Now(),
		Data:      r,
	})
}

// Stats returns hub statistics
func (h *Hub) Stats() HubStats {
	h.mu.RLock()
	n := len(h.clients)
	h.mu.RUnlock()

	return HubStats{
		ConnectedClients: n,
		TotalEvents:      h.totalEvents.Load(),
		DroppedEvents:    h.droppedEvents.Load(),
		TotalClients:     h.totalClients.Load(),
		PeakClients:      h.peakClients.Load(),
	}
}

// HandleWebSocket upgrades HTTP to WebSocket
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	select {
	case <-h.done:
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	default:
	}

	h.mu.RLock()
	n := len(h.clients)
	h.mu.RUnlock()
	if n >= h.maxClients {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	client := &Client{
		hub:  h,
		conn: conn,
		send: make(chan []byte, sendBuffer),
		sub:  Subscription{AllEvents: true},
	}

	select {
	case h.register <- client:
	case <-h.done:
		_ = conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

// readPump reads subscription updates until the connection closes.
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
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, normalCloseCodes...) {
				c.hub.logger.Debug("websocket read error", "error", err)
			}
			break
		}

		var sub Subscription
		if err := json.Unmarshal(message, &sub); err != nil {
			c.hub.logger.Debug("ignoring malformed subscription", "error", err)
			continue
		}
		c.mu.Lock()
		c.sub = sub
		c.mu.Unlock()
	}
}

// writePump writes messages to WebSocket
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
				c.hub.logger.Debug("websocket write error", "error", err)
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.hub.logger.Debug("websocket ping failed", "error", err)
				return
			}
		}
	}
}
