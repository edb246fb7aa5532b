package live

import (
	"log"
	"sync"

	"github.com/gorilla/websocket"
)

// client is one connected frontend. The write mutex keeps the gorilla
// single-writer rule when broadcasts and the read loop both reply.
type client struct {
	id   string
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *client) send(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteJSON(v)
}

// Hub fans events out to every connected frontend. Failed writes are
// logged and left for the connection's read loop to clean up.
type Hub struct {
	mu      sync.Mutex
	clients map[string]*client
}

func NewHub() *Hub {
	return &Hub{clients: map[string]*client{}}
}

func (h *Hub) add(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c.id] = c
}

func (h *Hub) remove(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.clients, id)
}

func (h *Hub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Broadcast sends the payload to every connected frontend.
func (h *Hub) Broadcast(payload map[string]any) {
	h.mu.Lock()
	targets := make([]*client, 0, len(h.clients))
	for _, c := range h.clients {
		targets = append(targets, c)
	}
	h.mu.Unlock()

	for _, c := range targets {
		if err := c.send(payload); err != nil {
			log.Printf("[%s] broadcast write failed: %v", c.id, err)
		}
	}
}
