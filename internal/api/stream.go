package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"futures-keeper/internal/engine"
	"futures-keeper/pkg/types"
)

// Controller is the loop surface driven by control messages.
type Controller interface {
	Start()
	Stop()
	SetWhitelist(items []types.WhitelistItem)
	SetSettings(s types.Settings) error
	SetSelectors(sel types.UISelectors)
	Settings() types.Settings
	State() engine.State
}

// Hub fans status messages out to control clients and routes their control
// messages to the loop. It remembers the active stickies and the last
// readiness so a client connecting later sees the current picture.
type Hub struct {
	ctrl       Controller
	clients    map[*Client]bool
	register   chan *Client
	unregister chan *Client
	broadcast  chan []byte
	logger     *slog.Logger

	mu       sync.Mutex
	stickies map[string]Message
	ready    *Message
}

// Client is one connected control websocket.
type Client struct {
	id   string
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
}

// NewHub creates a hub. ctrl may be nil for a status-only hub.
func NewHub(ctrl Controller, logger *slog.Logger) *Hub {
	return &Hub{
		ctrl:       ctrl,
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan []byte, 256),
		stickies:   make(map[string]Message),
		logger:     logger.With("component", "ws-hub"),
	}
}

// Attach sets the controller. Call before Run and before NewServer.
func (h *Hub) Attach(ctrl Controller) {
	h.ctrl = ctrl
}

// Run serves registrations and broadcasts until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			for client := range h.clients {
				close(client.send)
				delete(h.clients, client)
			}
			return

		case client := <-h.register:
			h.clients[client] = true
			for _, data := range h.replay() {
				select {
				case client.send <- data:
				default:
				}
			}
			h.logger.Info("client connected", "client_id", client.id, "count", len(h.clients))

		case client := <-h.unregister:
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			h.logger.Info("client disconnected", "client_id", client.id, "count", len(h.clients))

		case message := <-h.broadcast:
			for client := range h.clients {
				select {
				case client.send <- message:
				default:
					// Client can't keep up, close it
					close(client.send)
					delete(h.clients, client)
				}
			}
		}
	}
}

// replay returns the messages a new client needs to catch up.
func (h *Hub) replay() [][]byte {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out [][]byte
	if h.ready != nil {
		if data, err := json.Marshal(h.ready); err == nil {
			out = append(out, data)
		}
	}
	for _, m := range h.stickies {
		if data, err := json.Marshal(m); err == nil {
			out = append(out, data)
		}
	}
	return out
}

// Publish sends msg to every connected client.
func (h *Hub) Publish(msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("failed to marshal message", "type", msg.Type, "error", err)
		return
	}
	select {
	case h.broadcast <- data:
	default:
		h.logger.Warn("broadcast channel full, dropping message", "type", msg.Type)
	}
}

// Heartbeat implements engine.Notifier.
func (h *Hub) Heartbeat(ts time.Time, isStart, armed bool) {
	h.Publish(NewHeartbeat(ts, isStart, armed))
}

// Log implements engine.Notifier.
func (h *Hub) Log(level, text string) {
	h.Publish(NewLog(level, text))
}

// StickySet implements engine.Notifier.
func (h *Hub) StickySet(key, text string, ts time.Time) {
	msg := NewStickySet(key, text, ts)
	h.mu.Lock()
	h.stickies[key] = msg
	h.mu.Unlock()
	h.Publish(msg)
}

// StickyRemove implements engine.Notifier.
func (h *Hub) StickyRemove(key string) {
	h.mu.Lock()
	delete(h.stickies, key)
	h.mu.Unlock()
	h.Publish(NewStickyRemove(key))
}

// StickyClear implements engine.Notifier.
func (h *Hub) StickyClear() {
	h.mu.Lock()
	h.stickies = make(map[string]Message)
	h.mu.Unlock()
	h.Publish(Message{Type: TypeStickyClear})
}

// SetReady publishes executor readiness.
func (h *Hub) SetReady(ready bool) {
	msg := NewIsReady(ready)
	h.mu.Lock()
	h.ready = &msg
	h.mu.Unlock()
	h.Publish(msg)
}

// handleControl applies one inbound control message.
func (h *Hub) handleControl(raw []byte) error {
	if h.ctrl == nil {
		return fmt.Errorf("control disabled")
	}
	var msg ControlMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return fmt.Errorf("decode control message: %w", err)
	}

	switch msg.Type {
	case TypeStart:
		h.ctrl.Start()
	case TypeStop:
		h.ctrl.Stop()
	case TypeSetWhitelist:
		h.ctrl.SetWhitelist(msg.Whitelist)
	case TypeSetSettings:
		// Fields missing from the payload keep their current values.
		s := h.ctrl.Settings()
		if err := json.Unmarshal(msg.Settings, &s); err != nil {
			return fmt.Errorf("decode settings: %w", err)
		}
		if err := h.ctrl.SetSettings(s); err != nil {
			return fmt.Errorf("set settings: %w", err)
		}
	case TypeSetUISelectors:
		h.ctrl.SetSelectors(msg.Selectors)
	default:
		return fmt.Errorf("unknown control message %q", msg.Type)
	}
	h.logger.Info("control message applied", "type", msg.Type)
	return nil
}

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512 * 1024 // 512 KB
)

// writePump pumps messages from the hub to the websocket connection
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Hub closed the channel
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
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

// readPump applies control messages until the connection drops. A rejected
// message is reported as an error log line.
func (c *Client) readPump(ctx context.Context) {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-ctx.Done():
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Error("websocket error", "error", err)
			}
			return
		}
		if err := c.hub.handleControl(data); err != nil {
			c.hub.logger.Warn("control message rejected", "client_id", c.id, "error", err)
			c.hub.Log("error", "[*] control: "+err.Error())
		}
	}
}

// serveClient registers conn with the hub and starts its pumps.
func (h *Hub) serveClient(ctx context.Context, conn *websocket.Conn) {
	client := &Client{
		id:   uuid.NewString(),
		hub:  h,
		conn: conn,
		send: make(chan []byte, 256),
	}
	select {
	case h.register <- client:
	case <-ctx.Done():
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump(ctx)
}
