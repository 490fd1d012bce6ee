package handlers

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/autoreply/wa-autoreply/internal/models"
	"github.com/autoreply/wa-autoreply/internal/whatsapp"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// Websocket timeouts
const (
	wsWriteWait      = 10 * time.Second
	wsPongWait       = 60 * time.Second
	wsPingPeriod     = (wsPongWait * 9) / 10
	wsMaxMessageSize = 1024
	wsSendBuffer     = 64
)


// Message types pushed to panel clients
const (
	MsgStatusUpdate   = "statusUpdate"
	MsgChallengeReady = "challengeReady"
)

// WSMessage is one frame sent to panel clients
type WSMessage struct {
	Type      string `json:"type"`
	DeviceID  string `json:"deviceId"`
	State     string `json:"state,omitempty"`
	ImageData string `json:"imageData,omitempty"`
}

// SnapshotFunc returns the current state of every device for a client that just joined
type SnapshotFunc func() []whatsapp.DeviceSnapshot

type wsClient struct {
	id   string
	conn *websocket.Conn
	hub  *Hub
	send chan []byte
}

// Hub fans device status changes out to every connected panel websocket
type Hub struct {
	clients    map[*wsClient]struct{}
	clientsMu  sync.RWMutex
	register   chan *wsClient
	unregister chan *wsClient
	broadcast  chan []byte
	done       chan struct{}
	stopOnce   sync.Once
	snapshot   SnapshotFunc
	upgrader   websocket.Upgrader
	log        zerolog.Logger

	originsMu sync.RWMutex
	origins   OriginPolicy
}

// NewHub creates a hub; snapshot may be nil
func NewHub(snapshot SnapshotFunc, log zerolog.Logger) *Hub {
	h := &Hub{
		clients:    make(map[*wsClient]struct{}),
		register:   make(chan *wsClient),
		unregister: make(chan *wsClient),
		broadcast:  make(chan []byte, 256),
		done:       make(chan struct{}),
		snapshot:   snapshot,
		log:        log.With().Str("component", "ws").Logger(),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

// SetOrigins replaces the origins allowed to open a websocket besides same-origin
func (h *Hub) SetOrigins(p OriginPolicy) {
	h.originsMu.Lock()
	h.origins = p
	h.originsMu.Unlock()
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	h.originsMu.RLock()
	defer h.originsMu.RUnlock()
	return h.origins.Allow(r)
}

// Run is the hub's event loop
func (h *Hub) Run() {
	for {
		select {
		case <-h.done:
			h.clientsMu.Lock()
			for c := range h.clients {
				delete(h.clients, c)
				close(c.send)
			}
			h.clientsMu.Unlock()
			return
		case c := <-h.register:
			h.clientsMu.Lock()
			h.clients[c] = struct{}{}
			total := len(h.clients)
			h.clientsMu.Unlock()
			h.log.Debug().Str("client", c.id).Int("total", total).Msg("ws client connected")
			h.replay(c)
		case c := <-h.unregister:
			h.clientsMu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			total := len(h.clients)
			h.clientsMu.Unlock()
			h.log.Debug().Str("client", c.id).Int("total", total).Msg("ws client disconnected")
		case data := <-h.broadcast:
			h.clientsMu.RLock()
			for c := range h.clients {
				h.deliver(c, data)
			}
			h.clientsMu.RUnlock()
		}
	}
}

// Stop shuts the hub down and closes every client
func (h *Hub) Stop() {
	h.stopOnce.Do(func() { close(h.done) })
}

// ClientCount returns the number of connected clients
func (h *Hub) ClientCount() int {
	h.clientsMu.RLock()
	defer h.clientsMu.RUnlock()
	return len(h.clients)
}

// StatusChanged implements whatsapp.Observer
func (h *Hub) StatusChanged(deviceID string, state models.ConnectionState) {
	h.publish(WSMessage{Type: MsgStatusUpdate, DeviceID: deviceID, State: string(state)})
}

// ChallengeReady implements whatsapp.Observer
func (h *Hub) ChallengeReady(deviceID, imageData string) {
	h.publish(WSMessage{Type: MsgChallengeReady, DeviceID: deviceID, ImageData: imageData})
}

func (h *Hub) publish(msg WSMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.log.Error().Err(err).Msg("ws marshal error")
		return
	}
	select {
	case h.broadcast <- data:
	default:
		h.log.Warn().Str("device", msg.DeviceID).Str("type", msg.Type).Msg("ws broadcast buffer full, dropping event")
	}
}

// replay sends the current state of every device to a client that just joined
func (h *Hub) replay(c *wsClient) {
	if h.snapshot == nil {
		return
	}
	for _, snap := range h.snapshot() {
		frames := []WSMessage{{Type: MsgStatusUpdate, DeviceID: snap.DeviceID, State: string(snap.State)}}
		if snap.Challenge != "" {
			frames = append(frames, WSMessage{Type: MsgChallengeReady, DeviceID: snap.DeviceID, ImageData: snap.Challenge})
		}
		for _, f := range frames {
			data, err := json.Marshal(f)
			if err != nil {
				continue
			}
			h.deliver(c, data)
		}
	}
}

func (h *Hub) deliver(c *wsClient, data []byte) {
	select {
	case c.send <- data:
	default:
		h.log.Warn().Str("client", c.id).Msg("ws client buffer full")
	}
}

// ServeWS upgrades the request and attaches the client to the hub
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn().Err(err).Msg("ws upgrade failed")
		return
	}

	c := &wsClient{
		id:   uuid.NewString(),
		conn: conn,
		hub:  h,
		send: make(chan []byte, wsSendBuffer),
	}

	select {
	case h.register <- c:
	case <-h.done:
		conn.Close()
		return
	}

	go c.writePump()
	go c.readPump()
}

// readPump discards client frames and notices disconnects
func (c *wsClient) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(wsMaxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.log.Debug().Err(err).Str("client", c.id).Msg("ws read error")
			}
			return
		}
	}
}

// writePump writes one frame per message and keeps the connection alive with pings
func (c *wsClient) writePump() {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
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
