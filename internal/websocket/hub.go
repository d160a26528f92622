package websocket

import (
	"context"
	"encoding/json"
	"log"
	"sync"

	"schoolbus-tracker/internal/models"
)

// Message types pushed to parent clients
const (
	TypePositionUpdate = "position_update"
	TypeError          = "error"
	TypePong           = "pong"
)

// Envelope is the frame every outbound message is wrapped in
type Envelope struct {
	Type string      `json:"type"`
	Data interface{} `json:"data,omitempty"`
}

// Commands is what a client can ask of its tracking session over the socket
type Commands interface {
	SelectChild(ctx context.Context, userID string, admission int) error
}

// ClientMetrics counts connected clients
type ClientMetrics interface {
	ClientConnected()
	ClientDisconnected()
}

// Hub maintains active WebSocket connections and pushes messages to them
type Hub struct {
	// Registered clients (userID -> set of connections, one per device)
	clients map[string]map[*Client]bool

	// Outbound messages addressed to a user
	broadcast chan *Message

	// Register requests from clients
	register chan *Client

	// Unregister requests from clients
	unregister chan *Client

	// Replies addressed to a single connection
	direct chan *directMessage

	// Closed when Run returns
	done chan struct{}

	commands Commands
	metrics  ClientMetrics

	// Mutex for thread-safe client map access
	mu sync.RWMutex
}

// Message represents a message to send to a specific user
type Message struct {
	UserID string
	Data   interface{}
}

type directMessage struct {
	client *Client
	data   interface{}
}

// NewHub creates a new Hub instance. commands and metrics may be nil.
func NewHub(commands Commands, metrics ClientMetrics) *Hub {
	return &Hub{
		clients:    make(map[string]map[*Client]bool),
		broadcast:  make(chan *Message, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		direct:     make(chan *directMessage, 64),
		done:       make(chan struct{}),
		commands:   commands,
		metrics:    metrics,
	}
}

// Run starts the hub's main loop. It disconnects every client when ctx is done.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for userID, set := range h.clients {
				for client := range set {
					h.drop(client)
				}
				delete(h.clients, userID)
			}
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			set, ok := h.clients[client.UserID]
			if !ok {
				set = make(map[*Client]bool)
				h.clients[client.UserID] = set
			}
			set[client] = true
			total := h.countLocked()
			h.mu.Unlock()
			if h.metrics != nil {
				h.metrics.ClientConnected()
			}
			log.Printf("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
			log.Printf("✅ [WEBSOCKET] Client CONNECTED")
			log.Printf("   User ID: %s", client.UserID)
			log.Printf("   Devices for user: %d", len(set))
			log.Printf("   Total connected clients: %d", total)
			log.Printf("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")

		case client := <-h.unregister:
			h.mu.Lock()
			if set, ok := h.clients[client.UserID]; ok && set[client] {
				delete(set, client)
				if len(set) == 0 {
					delete(h.clients, client.UserID)
				}
				h.drop(client)
				log.Printf("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
				log.Printf("🔴 [WEBSOCKET] Client DISCONNECTED")
				log.Printf("   User ID: %s", client.UserID)
				log.Printf("   Remaining connected clients: %d", h.countLocked())
				log.Printf("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
			}
			h.mu.Unlock()

		case message := <-h.broadcast:
			data, err := json.Marshal(message.Data)
			if err != nil {
				log.Printf("❌ Failed to marshal message: %v", err)
				continue
			}

			h.mu.Lock()
			for client := range h.clients[message.UserID] {
				select {
				case client.send <- data:
				default:
					// Client buffer full, disconnect
					delete(h.clients[message.UserID], client)
					h.drop(client)
					log.Printf("⚠️ Client buffer full, disconnecting: %s", message.UserID)
				}
			}
			if len(h.clients[message.UserID]) == 0 {
				delete(h.clients, message.UserID)
			}
			h.mu.Unlock()

		case message := <-h.direct:
			data, err := json.Marshal(message.data)
			if err != nil {
				log.Printf("❌ Failed to marshal message: %v", err)
				continue
			}

			h.mu.RLock()
			if h.clients[message.client.UserID][message.client] {
				select {
				case message.client.send <- data:
				default:
				}
			}
			h.mu.RUnlock()
		}
	}
}

// drop closes a client's send channel. Callers hold h.mu.
func (h *Hub) drop(client *Client) {
	close(client.send)
	if h.metrics != nil {
		h.metrics.ClientDisconnected()
	}
}

func (h *Hub) countLocked() int {
	n := 0
	for _, set := range h.clients {
		n += len(set)
	}
	return n
}

// BroadcastToUser sends a message to every connection of a specific user
func (h *Hub) BroadcastToUser(userID string, data interface{}) {
	select {
	case h.broadcast <- &Message{UserID: userID, Data: data}:
	case <-h.done:
	}
}

// sendTo queues a message for one connection. It is dropped if the connection is gone.
func (h *Hub) sendTo(client *Client, data interface{}) {
	select {
	case h.direct <- &directMessage{client: client, data: data}:
	case <-h.done:
	}
}

func (h *Hub) add(client *Client) bool {
	select {
	case h.register <- client:
		return true
	case <-h.done:
		return false
	}
}

func (h *Hub) remove(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.done:
	}
}

// PushState sends a parent their latest derived position state. Sessions of parents
// with no open connection skip the hub entirely; they get a snapshot on connect.
func (h *Hub) PushState(userID string, st models.DerivedPositionState) {
	if !h.IsUserConnected(userID) {
		return
	}
	h.BroadcastToUser(userID, Envelope{Type: TypePositionUpdate, Data: st})
}

// GetClientCount returns the number of connected clients
func (h *Hub) GetClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.countLocked()
}

// IsUserConnected checks if a user is currently connected
func (h *Hub) IsUserConnected(userID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[userID]) > 0
}
