package admin

import (
	"time"

	"github.com/orderedsub/orderedsub/internal/sequencer"
)

// KeyListResponse lists tracked ordering keys
type KeyListResponse struct {
	Keys     []sequencer.KeyStatus `json:"keys"`
	Total    int                   `json:"total"`
	Paused   int                   `json:"paused"`
	Buffered int64                 `json:"buffered"`
}

// KeyActionResponse reports the result of an operator action on a key
type KeyActionResponse struct {
	Key      string              `json:"key"`
	Action   string              `json:"action"`
	Operator string              `json:"operator"`
	Status   sequencer.KeyStatus `json:"status"`
	At       time.Time           `json:"at"`
}

// HealthResponse is returned by /healthz
type HealthResponse struct {
	Status    string    `json:"status"`
	Service   string    `json:"service"`
	Keys      int       `json:"keys"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorResponse carries an error message
type ErrorResponse struct {
	Error string `json:"error"`
}
