package sse

import (
	"encoding/json"
	"sync"

	log "github.com/sirupsen/logrus"

	"gmshoot-go/internal/orchestrator"
)

// Client is a single connected SSE consumer.
type Client chan []byte

// Hub fans orchestrator events out to all connected SSE clients.
type Hub struct {
	clients map[Client]bool

	broadcast  chan []byte
	register   chan Client
	unregister chan Client

	mu sync.Mutex
}

// NewHub creates a hub. Call Run in its own goroutine before registering
// clients.
func NewHub() *Hub {
	return &Hub{
		broadcast:  make(chan []byte, 100),
		register:   make(chan Client),
		unregister: make(chan Client),
		clients:    make(map[Client]bool),
	}
}

// Run is the hub's processing loop.
func (h *Hub) Run() {
	log.Info("SSE hub started")

	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			count := len(h.clients)
			h.mu.Unlock()
			log.Infof("SSE client registered. Total clients: %d", count)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client)
				log.Infof("SSE client unregistered. Total clients: %d", len(h.clients))
			}
			h.mu.Unlock()

		case message := <-h.broadcast:
			h.mu.Lock()
			for client := range h.clients {
				select {
				case client <- message:
				default:
					// Slow or gone; drop the client rather than block the hub
					log.Warn("SSE client channel full or closed, removing client")
					delete(h.clients, client)
					close(client)
				}
			}
			h.mu.Unlock()
		}
	}
}

// Register adds a client to the hub.
func (h *Hub) Register(client Client) {
	h.register <- client
}

// Unregister removes a client from the hub.
func (h *Hub) Unregister(client Client) {
	h.unregister <- client
}

// Broadcast queues a raw message for all clients, dropping it when the
// queue is full.
func (h *Hub) Broadcast(message []byte) {
	select {
	case h.broadcast <- message:
	default:
		log.Warn("SSE broadcast channel full, message dropped")
	}
}

// BroadcastEvent serializes an orchestrator event and broadcasts it.
func (h *Hub) BroadcastEvent(e orchestrator.Event) {
	data, err := json.Marshal(e)
	if err != nil {
		log.Errorf("Failed to marshal %s event for SSE: %v", e.Type, err)
		return
	}
	h.Broadcast(data)
}

// AttachTo subscribes the hub to every orchestrator event channel.
func (h *Hub) AttachTo(o *orchestrator.Orchestrator) {
	for _, t := range []orchestrator.EventType{
		orchestrator.EventDeviceConnected,
		orchestrator.EventDeviceDisconnected,
		orchestrator.EventSessionStarted,
		orchestrator.EventSessionEnded,
		orchestrator.EventSessionStatusChanged,
		orchestrator.EventShotDetected,
		orchestrator.EventFrameUpdated,
		orchestrator.EventPushConnected,
		orchestrator.EventPushDisconnected,
		orchestrator.EventError,
	} {
		o.AddEventListener(t, h.BroadcastEvent)
	}
}
