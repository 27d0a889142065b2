package websocket

import (
	"net/http"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/orderedsub/orderedsub/internal/auth"
)

// TokenValidator checks the bearer token of a connecting client
type TokenValidator interface {
	Validate(token string) (*auth.Claims, error)
}

// Handler upgrades authenticated requests to the key event feed.
//
// Clients pass their token in the token query parameter since browsers cannot
// set headers on WebSocket requests. An optional key parameter restricts the
// initial subscription to one ordering key.
type Handler struct {
	hub      *Hub
	tokens   TokenValidator
	upgrader websocket.Upgrader
}

// NewHandler creates a new WebSocket handler. checkOrigin may be nil to
// accept only same-origin requests.
func NewHandler(hub *Hub, tokens TokenValidator, checkOrigin func(r *http.Request) bool) *Handler {
	return &Handler{
		hub:    hub,
		tokens: tokens,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     checkOrigin,
		},
	}
}

// ServeHTTP handles the HTTP request and upgrades to WebSocket
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		token = strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	}
	if token == "" {
		http.Error(w, "Token required", http.StatusUnauthorized)
		return
	}

	claims, err := h.tokens.Validate(token)
	if err != nil {
		http.Error(w, "Invalid token", http.StatusUnauthorized)
		return
	}

	channels := []string{ChannelAll}
	if key := r.URL.Query().Get("key"); key != "" {
		channels = []string{KeyChannel(key)}
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.hub.logger.WithError(err).Warn("Failed to upgrade connection")
		return
	}

	client := NewClient(h.hub, conn, claims.Operator, channels)
	if !h.hub.addClient(client) {
		conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"))
		conn.Close()
		return
	}
	client.Run()
}
