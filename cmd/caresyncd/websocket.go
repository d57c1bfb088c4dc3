package main

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/caredock/caresync/internal/logging"
	"github.com/caredock/caresync/internal/sync/notify"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 30 * time.Second
	wsSendBuffer = 256
)

// wsMessage is the frame pushed to a connected device. Type is "change"
// for live fan-out and "pending" for backlog replayed on connect; the
// payload is the notification envelope either way.
type wsMessage struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// wsClientMessage is a frame received from a device: acks for pending
// notifications, or an application-level ping.
type wsClientMessage struct {
	Action          string   `json:"action"`
	NotificationIDs []string `json:"notificationIds,omitempty"`
}

type wsClient struct {
	deviceID string
	conn     *websocket.Conn
	send     chan []byte
	hub      *Hub
}

// Hub keys live websocket connections by device id and acts as the
// notifier's delivery hook: a change envelope destined for a connected
// device is pushed instead of waiting for the next poll. A device
// reconnecting gets its undelivered backlog replayed, and acks received
// over the socket flip those rows to delivered.
type Hub struct {
	notifier *notify.Notifier
	upgrader websocket.Upgrader

	register   chan *wsClient
	unregister chan *wsClient

	mu      sync.RWMutex
	clients map[string]*wsClient
}

// NewHub creates a hub and starts its connection loop. allowedOrigins
// applies to browser clients only; requests without an Origin header
// (native device agents) always pass.
func NewHub(notifier *notify.Notifier, allowedOrigins []string) *Hub {
	h := &Hub{
		notifier:   notifier,
		register:   make(chan *wsClient),
		unregister: make(chan *wsClient),
		clients:    make(map[string]*wsClient),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     originChecker(allowedOrigins),
	}
	go h.run()
	return h
}

func originChecker(allowed []string) func(*http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		for _, a := range allowed {
			if a == "*" || a == origin {
				return true
			}
		}
		return false
	}
}

func (h *Hub) run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			if prev, ok := h.clients[client.deviceID]; ok {
				// Newer connection for the same device wins; closing
				// the old conn terminates both of its pumps.
				prev.conn.Close()
			}
			h.clients[client.deviceID] = client
			total := len(h.clients)
			h.mu.Unlock()
			logging.Info("realtime client connected", map[string]interface{}{
				"device_id": client.deviceID,
				"total":     total,
			})
			go h.pushBacklog(client)

		case client := <-h.unregister:
			h.mu.Lock()
			if current, ok := h.clients[client.deviceID]; ok && current == client {
				delete(h.clients, client.deviceID)
			}
			total := len(h.clients)
			h.mu.Unlock()
			logging.Info("realtime client disconnected", map[string]interface{}{
				"device_id": client.deviceID,
				"total":     total,
			})
		}
	}
}

// Deliver implements notify.DeliveryHook. Returns true only when the
// device has a live connection with send capacity; false leaves the
// notification pending for the poll path.
func (h *Hub) Deliver(deviceID string, envelope []byte) bool {
	h.mu.RLock()
	client, ok := h.clients[deviceID]
	h.mu.RUnlock()
	if !ok {
		return false
	}

	frame, err := json.Marshal(wsMessage{Type: "change", Payload: json.RawMessage(envelope)})
	if err != nil {
		return false
	}

	select {
	case client.send <- frame:
		return true
	default:
		return false
	}
}

// ClientCount returns the number of connected devices.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Shutdown closes every live connection. New registrations after
// shutdown are not prevented; callers stop the HTTP listener first.
func (h *Hub) Shutdown() {
	h.mu.RLock()
	clients := make([]*wsClient, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(wsWriteWait))
		c.conn.Close()
	}
}

// pushBacklog replays undelivered notifications to a freshly connected
// device. Rows stay pending until the device acks them.
func (h *Hub) pushBacklog(client *wsClient) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pending, err := h.notifier.Pending(ctx, client.deviceID)
	if err != nil {
		logging.Error("backlog lookup failed", err, map[string]interface{}{
			"device_id": client.deviceID,
		})
		return
	}

	for _, p := range pending {
		frame, err := json.Marshal(wsMessage{
			Type:    "pending",
			ID:      p.ID,
			Payload: json.RawMessage(p.Data),
		})
		if err != nil {
			continue
		}
		select {
		case client.send <- frame:
		default:
			return
		}
	}
}

// ServeWS handles GET /v1/sync/realtime.
func (h *Hub) ServeWS(c *gin.Context) {
	deviceID := c.Query("deviceId")
	if deviceID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "deviceId is required"})
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logging.Error("websocket upgrade failed", err, map[string]interface{}{
			"device_id": deviceID,
		})
		return
	}

	client := &wsClient{
		deviceID: deviceID,
		conn:     conn,
		send:     make(chan []byte, wsSendBuffer),
		hub:      h,
	}
	h.register <- client

	go client.writePump()
	go client.readPump()
}

// readPump consumes frames from the device until the connection drops.
func (c *wsClient) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				logging.Get().Warn("websocket read error", map[string]interface{}{
					"device_id": c.deviceID,
					"error":     err.Error(),
				})
			}
			return
		}

		var msg wsClientMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			continue
		}

		switch msg.Action {
		case "ack":
			c.handleAck(msg.NotificationIDs)
		case "ping":
			c.sendFrame(wsMessage{Type: "pong"})
		}
	}
}

func (c *wsClient) handleAck(ids []string) {
	if len(ids) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	acked, err := c.hub.notifier.Ack(ctx, c.deviceID, ids)
	if err != nil {
		logging.Error("websocket ack failed", err, map[string]interface{}{
			"device_id": c.deviceID,
		})
		return
	}
	c.sendFrame(wsMessage{Type: "ack", Payload: ackPayload(acked)})
}

func ackPayload(count int) json.RawMessage {
	data, _ := json.Marshal(map[string]int{"acknowledged": count})
	return data
}

func (c *wsClient) sendFrame(msg wsMessage) {
	frame, err := json.Marshal(msg)
	if err != nil {
		return
	}
	select {
	case c.send <- frame:
	default:
	}
}

// writePump moves frames from the send channel to the connection and
// keeps the connection alive with periodic pings. It exits when a
// write fails, which any conn.Close elsewhere guarantees; the send
// channel itself is never closed.
func (c *wsClient) writePump() {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
