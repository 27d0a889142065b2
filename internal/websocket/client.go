package websocket

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = 30 * time.Second

	// Maximum message size allowed from peer
	maxMessageSize = 64 * 1024
)

// Client is one operator connection to the key event feed
type Client struct {
	id       string
	operator string
	initial  []string

	hub  *Hub
	conn *websocket.Conn

	// Buffered channel of outbound messages
	send chan *Message

	logger logrus.FieldLogger
}

// SubscriptionRequest subscribes to or unsubscribes from channels
type SubscriptionRequest struct {
	Type     string   `json:"type"`
	Channels []string `json:"channels"`
}

// NewClient creates a client subscribed to channels once registered
func NewClient(hub *Hub, conn *websocket.Conn, operator string, channels []string) *Client {
	id := uuid.NewString()
	return &Client{
		id:       id,
		operator: operator,
		initial:  channels,
		hub:      hub,
		conn:     conn,
		send:     make(chan *Message, 256),
		logger:   hub.logger.WithField("client_id", id),
	}
}

// readPump reads subscription requests until the connection closes
func (c *Client) readPump() {
	defer func() {
		c.hub.removeClient(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.WithError(err).Warn("Unexpected close error")
			}
			return
		}

		var req SubscriptionRequest
		if err := json.Unmarshal(data, &req); err != nil {
			c.sendError("INVALID_MESSAGE", "Failed to parse message")
			continue
		}

		switch req.Type {
		case "subscribe":
			if len(req.Channels) == 0 {
				c.sendError("INVALID_SUBSCRIBE", "At least one channel is required")
				continue
			}
			c.hub.Subscribe(c, req.Channels)
			c.reply(&Message{
				Type: "ack",
				Data: map[string]any{"subscribed_channels": req.Channels},
			})
		case "unsubscribe":
			if len(req.Channels) == 0 {
				c.sendError("INVALID_UNSUBSCRIBE", "Channels are required")
				continue
			}
			c.hub.Unsubscribe(c, req.Channels)
			c.reply(&Message{
				Type: "ack",
				Data: map[string]any{"unsubscribed_channels": req.Channels},
			})
		case "pong":
		default:
			c.sendError("INVALID_MESSAGE", "Unknown message type")
		}
	}
}

// writePump pumps messages from the hub to the WebSocket connection
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Hub closed the channel
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteJSON(message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// reply queues a message for this client only. The hub lock keeps the send
// channel open while the client is registered.
func (c *Client) reply(m *Message) {
	m.SchemaVersion = SchemaVersion
	m.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)

	c.hub.mu.RLock()
	defer c.hub.mu.RUnlock()
	if !c.hub.clients[c] {
		return
	}
	select {
	case c.send <- m:
	default:
		c.logger.Warn("Failed to send reply, buffer full")
	}
}

// sendError sends an error message to the client
func (c *Client) sendError(code, message string) {
	c.reply(&Message{
		Type:  "error",
		Error: &ErrorDetails{Code: code, Message: message},
	})
}

// Run starts the client's read and write pumps
func (c *Client) Run() {
	go c.writePump()
	go c.readPump()
}
