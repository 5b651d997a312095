package api

import (
	"encoding/json"
	"log"
	"sync"

	"github.com/gorilla/websocket"

	"econlab/internal/mechanism"
)

// Hub fans events out to WebSocket clients by room. Sessions get a
// lifecycle room and a higher-frequency market sub-room; clients choose
// which to join. Delivery is best-effort: a client that cannot keep up
// drops messages rather than stalling the publisher.
type Hub struct {
	mu    sync.RWMutex
	rooms map[string]map[*Client]bool
}

// Client is one WebSocket connection and the rooms it joined.
type Client struct {
	hub   *Hub
	conn  *websocket.Conn
	send  chan []byte
	rooms map[string]bool
}

func NewHub() *Hub {
	return &Hub{rooms: make(map[string]map[*Client]bool)}
}

// Join subscribes a client to a room.
func (h *Hub) Join(c *Client, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.rooms[room] == nil {
		h.rooms[room] = make(map[*Client]bool)
	}
	h.rooms[room][c] = true
	c.rooms[room] = true
}

// Leave removes a client from every room and closes its send channel.
func (h *Hub) Leave(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for room := range c.rooms {
		if members, ok := h.rooms[room]; ok {
			delete(members, c)
			if len(members) == 0 {
				delete(h.rooms, room)
			}
		}
	}
	c.rooms = make(map[string]bool)
	close(c.send)
}

// Publish sends an event envelope to every client in a room.
// Implements the broadcaster collaborator the mechanisms and the
// orchestrator publish through.
func (h *Hub) Publish(room, event string, payload any) {
	data, err := json.Marshal(map[string]any{
		"event": event,
		"room":  room,
		"data":  payload,
	})
	if err != nil {
		log.Printf("[hub] dropping unencodable %s event: %v", event, err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for client := range h.rooms[room] {
		select {
		case client.send <- data:
		default:
			// Slow client, skip this message.
		}
	}
}

var _ mechanism.Broadcaster = (*Hub)(nil)

// subscribeMsg is the only inbound WebSocket message: room selection.
// Actions go over HTTP.
type subscribeMsg struct {
	Type      string `json:"type"` // "join"
	SessionID string `json:"session_id"`
	Market    bool   `json:"market"`
}

func (c *Client) WritePump() {
	defer c.conn.Close()

	for message := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
			return
		}
	}
}

func (c *Client) ReadPump() {
	defer func() {
		c.hub.Leave(c)
		c.conn.Close()
	}()

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}

		var msg subscribeMsg
		if err := json.Unmarshal(raw, &msg); err != nil || msg.Type != "join" || msg.SessionID == "" {
			continue
		}
		c.hub.Join(c, mechanism.SessionRoom(msg.SessionID))
		if msg.Market {
			c.hub.Join(c, mechanism.MarketRoom(msg.SessionID))
		}
	}
}
