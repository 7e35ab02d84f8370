// Package ws broadcasts mutation and progress events to websocket
// subscribers. Clients subscribe to topics; publishes fan out without
// ever blocking the publisher.
package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	sendBufferSize = 64
)

// Envelope wraps every message sent to clients.
type Envelope struct {
	Topic     string `json:"topic"`
	Payload   any    `json:"payload"`
	Timestamp int64  `json:"timestamp"`
}

// subscribeRequest is the only message clients send.
type subscribeRequest struct {
	Action string `json:"action"` // "subscribe" | "unsubscribe"
	Topic  string `json:"topic"`
}

type client struct {
	conn   *websocket.Conn
	send   chan []byte
	topics map[string]struct{}
	mu     sync.RWMutex
}

func (c *client) subscribed(topic string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.topics) == 0 {
		// No explicit subscriptions means everything.
		return true
	}
	_, ok := c.topics[topic]
	return ok
}

// Hub maintains client connections and implements cve.EventBroadcaster.
type Hub struct {
	mu       sync.RWMutex
	clients  map[*client]struct{}
	logger   *zap.Logger
	upgrader websocket.Upgrader
}

// NewHub constructs a Hub. A nil logger falls back to zap.NewNop.
func NewHub(logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		clients: make(map[*client]struct{}),
		logger:  logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
}

// Publish fans an envelope out to every subscribed client. A client
// with a full send buffer is dropped rather than blocking the caller.
func (h *Hub) Publish(_ context.Context, topic string, payload any) error {
	data, err := json.Marshal(Envelope{
		Topic:     topic,
		Payload:   payload,
		Timestamp: time.Now().UnixMilli(),
	})
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	h.mu.RLock()
	var stale []*client
	for c := range h.clients {
		if !c.subscribed(topic) {
			continue
		}
		select {
		case c.send <- data:
		default:
			stale = append(stale, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range stale {
		h.drop(c)
		h.logger.Warn("websocket client dropped due to backpressure")
	}
	return nil
}

// ServeHTTP upgrades the request and runs the client pumps.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	c := &client{
		conn:   conn,
		send:   make(chan []byte, sendBufferSize),
		topics: make(map[string]struct{}),
	}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	count := len(h.clients)
	h.mu.Unlock()
	h.logger.Debug("websocket client connected", zap.Int("clients", count))

	go h.writePump(c)
	go h.readPump(c)
}

// ClientCount reports connected clients; used by status endpoints.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.Lock()
	clients := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.clients = make(map[*client]struct{})
	h.mu.Unlock()

	for _, c := range clients {
		close(c.send)
		_ = c.conn.Close()
	}
}

func (h *Hub) drop(c *client) {
	h.mu.Lock()
	_, ok := h.clients[c]
	if ok {
		delete(h.clients, c)
	}
	h.mu.Unlock()
	if ok {
		close(c.send)
		_ = c.conn.Close()
	}
}

func (h *Hub) readPump(c *client) {
	defer h.drop(c)
	c.conn.SetReadLimit(1 << 12)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		var req subscribeRequest
		if err := c.conn.ReadJSON(&req); err != nil {
			return
		}
		if req.Topic == "" {
			continue
		}
		c.mu.Lock()
		switch req.Action {
		case "subscribe":
			c.topics[req.Topic] = struct{}{}
		case "unsubscribe":
			delete(c.topics, req.Topic)
		}
		c.mu.Unlock()
	}
}

func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case data, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
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
