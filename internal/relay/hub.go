package relay

import (
	"encoding/json"
	"log"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/gsaps/realtime/internal/realtime"
)

type client struct {
	id     string
	userID string
	conn   *websocket.Conn
	send   chan []byte

	mu     sync.Mutex
	closed bool
}

func newClient(conn *websocket.Conn, userID string, buffer int) *client {
	if buffer <= 0 {
		buffer = 64
	}
	c := &client{
		id:     uuid.NewString(),
		userID: userID,
		conn:   conn,
		send:   make(chan []byte, buffer),
	}
	go c.writePump()
	return c
}

func (c *client) writePump() {
	defer c.conn.Close()
	for msg := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
}

// trySend queues data without blocking. It reports false only when the
// queue is full; sends to a closed client are dropped.
func (c *client) trySend(data []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return true
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

func (c *client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// Hub tracks connected clients and the channels they joined.
type Hub struct {
	mu       sync.RWMutex
	clients  map[*client]bool
	channels map[string]map[*client]string // channel -> client -> roomId
	buffer   int
}

// NewHub returns an empty Hub whose clients queue up to buffer frames.
func NewHub(buffer int) *Hub {
	return &Hub{
		clients:  make(map[*client]bool),
		channels: make(map[string]map[*client]string),
		buffer:   buffer,
	}
}

func (h *Hub) AddClient(conn *websocket.Conn, userID string) *client {
	c := newClient(conn, userID, h.buffer)

	h.mu.Lock()
	h.clients[c] = true
	h.mu.Unlock()

	return c
}

func (h *Hub) RemoveClient(c *client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		for name, members := range h.channels {
			delete(members, c)
			if len(members) == 0 {
				delete(h.channels, name)
			}
		}
		c.close()
	}
	h.mu.Unlock()
}

// Join adds c to channel. roomID defaults to the channel's room segment.
func (h *Hub) Join(c *client, channel, roomID string) {
	if roomID == "" {
		roomID = roomOf(channel)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.clients[c] {
		return
	}
	members := h.channels[channel]
	if members == nil {
		members = make(map[*client]string)
		h.channels[channel] = members
	}
	members[c] = roomID
}

func (h *Hub) Leave(c *client, channel string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	members := h.channels[channel]
	delete(members, c)
	if len(members) == 0 {
		delete(h.channels, channel)
	}
}

// Publish sends msg to every subscriber of channel.
func (h *Hub) Publish(channel string, msg realtime.Message) {
	h.mu.RLock()
	targets := make([]*client, 0, len(h.channels[channel]))
	for c := range h.channels[channel] {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	h.deliver(targets, msg)
}

// PublishRoom sends msg to every client that joined a channel for roomID,
// except the sender.
func (h *Hub) PublishRoom(roomID string, msg realtime.Message, except *client) {
	seen := make(map[*client]bool)
	var targets []*client

	h.mu.RLock()
	for _, members := range h.channels {
		for c, room := range members {
			if room != roomID || c == except || seen[c] {
				continue
			}
			seen[c] = true
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()

	h.deliver(targets, msg)
}

// Reply sends msg to a single client.
func (h *Hub) Reply(c *client, msg realtime.Message) {
	h.deliver([]*client{c}, msg)
}

func (h *Hub) deliver(targets []*client, msg realtime.Message) {
	if len(targets) == 0 {
		return
	}
	data, err := json.Marshal(msg)
	if err != nil {
		log.Printf("relay marshal error: %v", err)
		return
	}

	for _, c := range targets {
		if !c.trySend(data) {
			// Client can't keep up, disconnect it
			log.Printf("ws client %s too slow, disconnecting", c.id)
			h.RemoveClient(c)
		}
	}
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) ChannelCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.channels)
}

// Subscribers returns how many clients joined channel.
func (h *Hub) Subscribers(channel string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.channels[channel])
}

func roomOf(channel string) string {
	if _, room, ok := strings.Cut(channel, ":"); ok {
		return room
	}
	return channel
}
