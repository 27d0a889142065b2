package models

import "time"

// KeyEventType names a change in an ordering key's dispatch state.
type KeyEventType string

const (
	KeyEventFailed   KeyEventType = "failed"
	KeyEventPaused   KeyEventType = "paused"
	KeyEventResumed  KeyEventType = "resumed"
	KeyEventReleased KeyEventType = "released"
	KeyEventEvicted  KeyEventType = "evicted"

	// KeyEventStuck means the key waits for a message that was dead-lettered.
	KeyEventStuck KeyEventType = "stuck"
)

// KeyEvent is published to operators when a key changes state.
type KeyEvent struct {
	Type      KeyEventType `json:"type"`
	Key       string       `json:"key"`
	MessageID string       `json:"message_id,omitempty"`
	Error     string       `json:"error,omitempty"`
	Failures  int          `json:"failures,omitempty"`
	ResumeAt  time.Time    `json:"resume_at,omitempty"`
	Timestamp time.Time    `json:"timestamp"`
}
