package web

import (
	"sync"

	"github.com/sschepis/oboto-server/internal/events"
	"github.com/sschepis/oboto-server/internal/logger"
)

// Hub maintains the set of open client connections and fans
// pre-serialized frames out to all of them. It is the only place the
// connection set lives; everything else reaches clients through
// FanOut or a Client's own send channel.
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan []byte
	register   chan *Client
	unregister chan *Client
	mu         sync.RWMutex
	quit       chan struct{}
	stopOnce   sync.Once
}

var _ events.Fanout = (*Hub)(nil)

// NewHub creates a new hub. Run must be started before clients register.
func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan []byte, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		quit:       make(chan struct{}),
	}
}

// Run serializes registry mutations and broadcast delivery on one
// goroutine until Stop.
func (h *Hub) Run() {
	logger.Info("web: hub started")
	defer logger.Info("web: hub stopped")

	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			logger.Debug("web: client registered: %s", client.ID())

		case client := <-h.unregister:
			h.mu.Lock()
			delete(h.clients, client)
			h.mu.Unlock()
			logger.Debug("web: client unregistered: %s", client.ID())

		case frame := <-h.broadcast:
			h.deliver(frame)

		case <-h.quit:
			return
		}
	}
}

// deliver hands one frame to every open client. A client whose send
// buffer is full keeps its connection and loses this frame; a dead
// connection is reaped by its own pumps, not here.
func (h *Hub) deliver(frame []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.clients {
		select {
		case client.send <- frame:
		default:
			logger.Warn("web: client %s send buffer full, frame dropped", client.ID())
		}
	}
}

// Stop halts the run loop and closes every registered connection.
// Idempotent.
func (h *Hub) Stop() {
	h.stopOnce.Do(func() {
		close(h.quit)
		h.mu.Lock()
		for client := range h.clients {
			client.close()
		}
		h.clients = make(map[*Client]bool)
		h.mu.Unlock()
	})
}

// Register adds a client to the connection set.
func (h *Hub) Register(client *Client) {
	select {
	case h.register <- client:
	case <-h.quit:
	}
}

// Unregister removes a client from the set. The client's send channel
// stays open so late writes from in-flight handlers land in the buffer
// instead of panicking; the pumps exit through the client context.
func (h *Hub) Unregister(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.quit:
	}
}

// FanOut queues one serialized frame for every connected client. The
// broadcaster serializes upstream; the hub never inspects the bytes.
func (h *Hub) FanOut(data []byte) {
	select {
	case h.broadcast <- data:
	default:
		logger.Warn("web: broadcast queue full, frame dropped")
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
