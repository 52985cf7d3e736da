package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nerrad567/gray-logic-mqttsync/internal/entity"
	"github.com/nerrad567/gray-logic-mqttsync/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-mqttsync/internal/infrastructure/logging"
	"github.com/nerrad567/gray-logic-mqttsync/internal/relay"
)

// WebSocket message types.
const (
	WSTypeSubscribe   = "subscribe"
	WSTypeUnsubscribe = "unsubscribe"
	WSTypePing        = "ping"
	WSTypePong        = "pong"
	WSTypeEvent       = "event"
	WSTypeSnapshot    = "snapshot"
	WSTypeResponse    = "response"
	WSTypeError       = "error"

	// WSChannelAll subscribes a client to every channel.
	WSChannelAll = "*"

	// wsSendBufferSize is the per-client outbound message buffer size.
	wsSendBufferSize = 256
)

// WSMessage is the envelope of every frame sent to a client.
type WSMessage struct {
	Type      string `json:"type"`
	ID        string `json:"id,omitempty"`
	EventType string `json:"event_type,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Payload   any    `json:"payload,omitempty"`
}

// wsRequest is a frame received from a client. The payload is decoded
// once the type is known.
type wsRequest struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// WSSubscribePayload is the payload for subscribe/unsubscribe messages.
//
// Entities narrows entity-scoped channels (entity.updated, command.sent)
// to the listed entity ids. An empty list means every entity.
type WSSubscribePayload struct {
	Channels []string `json:"channels"`
	Entities []string `json:"entities,omitempty"`
}

// WSStats holds hub counters.
type WSStats struct {
	Clients int    `json:"connected_clients"`
	Sent    uint64 `json:"messages_sent"`
	Dropped uint64 `json:"messages_dropped"`
}

// Hub fans relay events out to WebSocket clients by channel.
type Hub struct {
	cfg    config.WebSocketConfig
	logger *logging.Logger

	mu      sync.RWMutex
	clients map[*WSClient]struct{}

	sent    atomic.Uint64
	dropped atomic.Uint64
}

// WSClient is one connected WebSocket.
type WSClient struct {
	hub      *Hub
	conn     *websocket.Conn
	send     chan []byte
	snapshot func() []entity.Entity

	mu            sync.Mutex
	closed        bool
	subscriptions map[string]struct{}
	entities      map[string]struct{}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		// Origin checking is handled by CORS middleware
		return true
	},
}

// NewHub creates a new WebSocket hub.
func NewHub(cfg config.WebSocketConfig, logger *logging.Logger) *Hub {
	return &Hub{
		cfg:     cfg,
		logger:  logger,
		clients: make(map[*WSClient]struct{}),
	}
}

// Run blocks until ctx is cancelled, then disconnects every client.
func (h *Hub) Run(ctx context.Context) {
	<-ctx.Done()
	h.closeAll()
}

// Register adds a client to the hub.
func (h *Hub) Register(client *WSClient) {
	h.mu.Lock()
	h.clients[client] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	h.logger.Debug("websocket client connected", "clients", n)
}

// Unregister removes a client and closes its send channel. Safe to call
// more than once.
func (h *Hub) Unregister(client *WSClient) {
	h.mu.Lock()
	delete(h.clients, client)
	n := len(h.clients)
	h.mu.Unlock()

	client.close()
	h.logger.Debug("websocket client disconnected", "clients", n)
}

// Broadcast sends an event to every client subscribed to channel. Events
// about a single entity (entity.Update, relay.CommandResult) also honour
// the client's entity filter. It satisfies relay.Broadcaster.
func (h *Hub) Broadcast(channel string, payload any) {
	data, err := json.Marshal(WSMessage{
		Type:      WSTypeEvent,
		EventType: channel,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Payload:   payload,
	})
	if err != nil {
		h.logger.Error("failed to marshal broadcast message", "channel", channel, "error", err)
		return
	}
	entityID := entityOf(payload)

	h.mu.RLock()
	clients := make([]*WSClient, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
	}
	h.mu.RUnlock()

	recipients := 0
	for _, client := range clients {
		if client.wants(channel, entityID) && client.trySend(data) {
			recipients++
		}
	}
	if recipients > 0 {
		h.logger.Debug("broadcast sent", "channel", channel, "recipients", recipients)
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Stats returns a snapshot of the hub counters.
func (h *Hub) Stats() WSStats {
	return WSStats{
		Clients: h.ClientCount(),
		Sent:    h.sent.Load(),
		Dropped: h.dropped.Load(),
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	clients := h.clients
	h.clients = make(map[*WSClient]struct{})
	h.mu.Unlock()

	for client := range clients {
		client.close()
		if client.conn != nil {
			client.conn.Close()
		}
	}
}

func entityOf(payload any) string {
	switch p := payload.(type) {
	case entity.Update:
		return p.EntityID
	case *entity.Update:
		return p.EntityID
	case relay.CommandResult:
		return p.EntityID
	case *relay.CommandResult:
		return p.EntityID
	}
	return ""
}

// handleWebSocket upgrades the connection and registers a client.
// Initial subscriptions may be given as ?channels=entity.updated,bridge.state
// and narrowed with ?entities=current_temperature.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	client := &WSClient{
		hub:           s.hub,
		conn:          conn,
		send:          make(chan []byte, wsSendBufferSize),
		snapshot:      s.entities.Snapshot,
		subscriptions: make(map[string]struct{}),
	}
	initial := WSSubscribePayload{
		Channels: splitList(r.URL.Query().Get("channels")),
		Entities: splitList(r.URL.Query().Get("entities")),
	}
	client.subscribe(initial)

	s.hub.Register(client)
	if client.wantsSnapshot(initial.Channels) {
		client.sendSnapshot("")
	}

	go client.writePump(s.wsCfg)
	go client.readPump(s.wsCfg)
}

func splitList(v string) []string {
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func (c *WSClient) readPump(cfg config.WebSocketConfig) {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(int64(cfg.MaxMessageSize))
	deadline := time.Duration(cfg.PingInterval+cfg.PongTimeout) * time.Second
	//nolint:errcheck // Best-effort deadline on connection setup
	c.conn.SetReadDeadline(time.Now().Add(deadline))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(deadline))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("websocket read error", "error", err)
			}
			return
		}
		// Application messages count as liveness too.
		//nolint:errcheck // Best-effort deadline reset
		c.conn.SetReadDeadline(time.Now().Add(deadline))
		c.handleMessage(message)
	}
}

func (c *WSClient) writePump(cfg config.WebSocketConfig) {
	ticker := time.NewTicker(time.Duration(cfg.PingInterval) * time.Second)
	writeWait := time.Duration(cfg.PongTimeout) * time.Second
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			//nolint:errcheck // Best-effort deadline; write error caught below
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				//nolint:errcheck // Best-effort close message
				c.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			//nolint:errcheck // Best-effort deadline; ping error caught below
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *WSClient) handleMessage(data []byte) {
	var req wsRequest
	if err := json.Unmarshal(data, &req); err != nil {
		c.sendError("", "invalid JSON message")
		return
	}

	switch req.Type {
	case WSTypeSubscribe, WSTypeUnsubscribe:
		var sub WSSubscribePayload
		if len(req.Payload) == 0 || json.Unmarshal(req.Payload, &sub) != nil {
			c.sendError(req.ID, "invalid "+req.Type+" payload")
			return
		}
		if req.Type == WSTypeUnsubscribe {
			c.unsubscribe(sub)
			c.sendResponse(req.ID, WSTypeResponse, map[string]any{"unsubscribed": sub.Channels})
			return
		}
		c.subscribe(sub)
		c.hub.logger.Debug("websocket client subscribed", "channels", sub.Channels, "entities", sub.Entities)
		c.sendResponse(req.ID, WSTypeResponse, map[string]any{"subscribed": sub.Channels})
		if c.wantsSnapshot(sub.Channels) {
			c.sendSnapshot(req.ID)
		}
	case WSTypePing:
		c.sendResponse(req.ID, WSTypePong, nil)
	default:
		c.sendError(req.ID, "unknown message type: "+req.Type)
	}
}

func (c *WSClient) subscribe(sub WSSubscribePayload) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ch := range sub.Channels {
		c.subscriptions[ch] = struct{}{}
	}
	if len(sub.Entities) > 0 {
		if c.entities == nil {
			c.entities = make(map[string]struct{}, len(sub.Entities))
		}
		for _, id := range sub.Entities {
			c.entities[id] = struct{}{}
		}
	}
}

func (c *WSClient) unsubscribe(sub WSSubscribePayload) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ch := range sub.Channels {
		delete(c.subscriptions, ch)
	}
	for _, id := range sub.Entities {
		delete(c.entities, id)
	}
	if len(c.entities) == 0 {
		c.entities = nil
	}
}

// wants reports whether the client should receive an event. entityID is
// empty for events that are not about a single entity.
func (c *WSClient) wants(channel, entityID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	_, all := c.subscriptions[WSChannelAll]
	_, sub := c.subscriptions[channel]
	if !all && !sub {
		return false
	}
	if entityID == "" || c.entities == nil {
		return true
	}
	_, ok := c.entities[entityID]
	return ok
}

func (c *WSClient) wantsSnapshot(channels []string) bool {
	if c.snapshot == nil {
		return false
	}
	for _, ch := range channels {
		if ch == relay.ChannelEntityUpdated || ch == WSChannelAll {
			return true
		}
	}
	return false
}

// sendSnapshot sends the current value of every entity the client follows.
func (c *WSClient) sendSnapshot(id string) {
	all := c.snapshot()
	out := make([]entity.Entity, 0, len(all))
	for _, e := range all {
		if c.wants(relay.ChannelEntityUpdated, e.ID) {
			out = append(out, e)
		}
	}
	c.sendResponse(id, WSTypeSnapshot, out)
}

// trySend queues data without blocking. Full buffers drop the message.
func (c *WSClient) trySend(data []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- data:
		c.hub.sent.Add(1)
		return true
	default:
		c.hub.dropped.Add(1)
		return false
	}
}

func (c *WSClient) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

func (c *WSClient) sendResponse(id, msgType string, payload any) {
	data, err := json.Marshal(WSMessage{
		Type:      msgType,
		ID:        id,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Payload:   payload,
	})
	if err != nil {
		return
	}
	c.trySend(data)
}

func (c *WSClient) sendError(id, message string) {
	c.sendResponse(id, WSTypeError, map[string]string{"message": message})
}
