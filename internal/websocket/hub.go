package websocket

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/orderedsub/orderedsub/internal/models"
)

const (
	// ChannelAll receives every key event
	ChannelAll = "keys"

	// SchemaVersion of the messages sent to clients
	SchemaVersion = "1.0"
)

// KeyChannel returns the channel that receives events for one ordering key
func KeyChannel(key string) string {
	return "key:" + key
}

// Hub maintains active WebSocket connections and broadcasts key events
type Hub struct {
	// Registered clients
	clients map[*Client]bool

	// Outbound messages for subscribers
	broadcast chan *Message

	// Register requests from clients
	register chan *Client

	// Unregister requests from clients
	unregister chan *Client

	// Client subscriptions
	subscriptions map[string]map[*Client]bool

	done   chan struct{}
	logger logrus.FieldLogger
	mu     sync.RWMutex
}

// Message represents a WebSocket message
type Message struct {
	SchemaVersion string           `json:"schema_version"`
	Type          string           `json:"type"`
	Channel       string           `json:"channel,omitempty"`
	EventID       string           `json:"event_id,omitempty"`
	Timestamp     string           `json:"timestamp"`
	Event         *models.KeyEvent `json:"event,omitempty"`
	Data          map[string]any   `json:"data,omitempty"`
	Error         *ErrorDetails    `json:"error,omitempty"`
}

// ErrorDetails represents error information in a WebSocket message
type ErrorDetails struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// NewHub creates a new Hub
func NewHub(logger logrus.FieldLogger) *Hub {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Hub{
		clients:       make(map[*Client]bool),
		broadcast:     make(chan *Message, 256),
		register:      make(chan *Client),
		unregister:    make(chan *Client),
		subscriptions: make(map[string]map[*Client]bool),
		done:          make(chan struct{}),
		logger:        logger.WithField("component", "ws_hub"),
	}
}

// Run starts the hub's main loop
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)

	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.subscribeLocked(client, client.initial)
			h.mu.Unlock()
			h.logger.WithFields(logrus.Fields{"client_id": client.id, "operator": client.operator}).Info("Client registered")

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
				for channel := range h.subscriptions {
					delete(h.subscriptions[channel], client)
				}
			}
			h.mu.Unlock()
			h.logger.WithField("client_id", client.id).Info("Client unregistered")

		case message := <-h.broadcast:
			h.broadcastToSubscribers(message)

		case <-ctx.Done():
			h.logger.Info("Shutting down")
			h.mu.Lock()
			for client := range h.clients {
				close(client.send)
			}
			h.clients = make(map[*Client]bool)
			h.subscriptions = make(map[string]map[*Client]bool)
			h.mu.Unlock()
			return
		}
	}
}

// PublishKeyEvent queues a key event for the subscribers of ChannelAll and
// of the key's own channel. It never blocks; events are dropped when the
// broadcast buffer is full.
func (h *Hub) PublishKeyEvent(event models.KeyEvent) {
	message := &Message{
		SchemaVersion: SchemaVersion,
		Type:          "key_event",
		Channel:       KeyChannel(event.Key),
		EventID:       uuid.NewString(),
		Timestamp:     time.Now().UTC().Format(time.RFC3339Nano),
		Event:         &event,
	}

	select {
	case h.broadcast <- message:
	default:
		h.logger.WithField("key", event.Key).Warn("Broadcast buffer full, dropping key event")
	}
}

// broadcastToSubscribers sends a message to the subscribers of its channel
// and of ChannelAll, each client at most once
func (h *Hub) broadcastToSubscribers(message *Message) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	sent := make(map[*Client]bool)
	for _, channel := range []string{ChannelAll, message.Channel} {
		for client := range h.subscriptions[channel] {
			if sent[client] {
				continue
			}
			sent[client] = true
			select {
			case client.send <- message:
			default:
				h.logger.WithField("client_id", client.id).Warn("Client send buffer full, skipping message")
			}
		}
	}
}

// Subscribe adds a client to a channel's subscription list
func (h *Hub) Subscribe(client *Client, channels []string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.subscribeLocked(client, channels)
}

func (h *Hub) subscribeLocked(client *Client, channels []string) {
	if _, ok := h.clients[client]; !ok {
		return
	}
	for _, channel := range channels {
		if h.subscriptions[channel] == nil {
			h.subscriptions[channel] = make(map[*Client]bool)
		}
		h.subscriptions[channel][client] = true
	}
}

// Unsubscribe removes a client from channel subscriptions
func (h *Hub) Unsubscribe(client *Client, channels []string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, channel := range channels {
		if subscribers, ok := h.subscriptions[channel]; ok {
			delete(subscribers, client)
		}
	}
}

// GetClientCount returns the number of connected clients
func (h *Hub) GetClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// GetSubscriptionCount returns the number of active subscriptions
func (h *Hub) GetSubscriptionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	count := 0
	for _, subscribers := range h.subscriptions {
		count += len(subscribers)
	}
	return count
}

func (h *Hub) addClient(c *Client) bool {
	select {
	case h.register <- c:
		return true
	case <-h.done:
		return false
	}
}

func (h *Hub) removeClient(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

// ToJSON marshals the message
func (m *Message) ToJSON() ([]byte, error) {
	return json.Marshal(m)
}
