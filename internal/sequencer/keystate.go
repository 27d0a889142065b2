package sequencer

import (
	"strings"
	"sync"
	"time"

	"github.com/orderedsub/orderedsub/internal/models"
)

// lanePrefix marks singleton lanes for messages without an ordering key. The
// NUL byte keeps lanes disjoint from any key a publisher can choose.
const lanePrefix = "\x00lane:"

// LaneKey returns the singleton lane for a key-less message. Every delivery
// of the same message maps to the same lane.
func LaneKey(id string) string {
	return lanePrefix + id
}

// IsLane reports whether key is a singleton lane.
func IsLane(key string) bool {
	return strings.HasPrefix(key, lanePrefix)
}

// Entry is one message waiting for, or undergoing, dispatch. Every delivery
// instance received for the same message ID while the entry is buffered or in
// flight is attached to it and settled with the entry's single outcome.
type Entry struct {
	Key       string
	MessageID string

	first *models.Delivery

	mu         sync.Mutex
	deliveries []*models.Delivery
}

func newEntry(key string, d *models.Delivery) *Entry {
	return &Entry{Key: key, MessageID: d.ID, first: d, deliveries: []*models.Delivery{d}}
}

// Message returns the message carried by the entry.
func (e *Entry) Message() *models.Message {
	return &e.first.Message
}

// Deliveries returns the delivery instances attached so far.
func (e *Entry) Deliveries() []*models.Delivery {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]*models.Delivery(nil), e.deliveries...)
}

func (e *Entry) attach(d *models.Delivery) {
	e.mu.Lock()
	e.deliveries = append(e.deliveries, d)
	e.mu.Unlock()
}

// keyState is the per-key sequencing state. Every field is guarded by mu.
type keyState struct {
	mu sync.Mutex

	key  string
	lane bool

	pending  []*Entry
	index    map[string]*Entry // pending and in-flight entries by message ID
	inFlight *Entry

	paused   bool
	lastErr  error
	failures int

	// awaiting is the ID of the failed message whose redelivery must be
	// dispatched before any buffered successor.
	awaiting string

	// shed lists IDs nacked back to the broker at admission, in arrival
	// order. They are readmitted strictly in this order.
	shed []string

	pausedAt   time.Time
	resumeAt   time.Time
	lastActive time.Time

	space   chan struct{}
	removed bool
}

func newKeyState(key string, now time.Time) *keyState {
	return &keyState{
		key:        key,
		lane:       IsLane(key),
		index:      make(map[string]*Entry),
		lastActive: now,
	}
}

// idle reports whether the key holds nothing and expects nothing.
func (ks *keyState) idle() bool {
	return ks.inFlight == nil &&
		len(ks.pending) == 0 &&
		!ks.paused &&
		ks.awaiting == "" &&
		len(ks.shed) == 0
}

// dispatchable reports whether TryAdvance may pop the head.
func (ks *keyState) dispatchable() bool {
	if ks.inFlight != nil || ks.paused || len(ks.pending) == 0 {
		return false
	}
	return ks.awaiting == "" || ks.pending[0].MessageID == ks.awaiting
}

func (ks *keyState) resumeIfDue(now time.Time) bool {
	if !ks.paused || ks.resumeAt.IsZero() || now.Before(ks.resumeAt) {
		return false
	}
	ks.paused = false
	ks.resumeAt = time.Time{}
	return true
}

// signalSpace wakes ingestion blocked on a full buffer.
func (ks *keyState) signalSpace() {
	if ks.space != nil {
		close(ks.space)
		ks.space = nil
	}
}

func (ks *keyState) waitSpace() <-chan struct{} {
	if ks.space == nil {
		ks.space = make(chan struct{})
	}
	return ks.space
}

func (ks *keyState) shedIndex(id string) int {
	for i, s := range ks.shed {
		if s == id {
			return i
		}
	}
	return -1
}

func (ks *keyState) status() KeyStatus {
	st := KeyStatus{
		Key:        ks.key,
		Lane:       ks.lane,
		Pending:    len(ks.pending),
		InFlight:   ks.inFlight != nil,
		Paused:     ks.paused,
		Failures:   ks.failures,
		Awaiting:   ks.awaiting,
		Shed:       len(ks.shed),
		LastActive: ks.lastActive,
		PausedAt:   ks.pausedAt,
		ResumeAt:   ks.resumeAt,
	}
	if ks.inFlight != nil {
		st.InFlightID = ks.inFlight.MessageID
	}
	if ks.lastErr != nil {
		st.LastError = ks.lastErr.Error()
	}
	return st
}

// KeyStatus is a point-in-time view of one key.
type KeyStatus struct {
	Key        string    `json:"key"`
	Lane       bool      `json:"lane,omitempty"`
	Pending    int       `json:"pending"`
	InFlight   bool      `json:"in_flight"`
	InFlightID string    `json:"in_flight_id,omitempty"`
	Paused     bool      `json:"paused"`
	LastError  string    `json:"last_error,omitempty"`
	Failures   int       `json:"failures"`
	Awaiting   string    `json:"awaiting,omitempty"`
	Shed       int       `json:"shed"`
	LastActive time.Time `json:"last_active"`
	PausedAt   time.Time `json:"paused_at,omitempty"`
	ResumeAt   time.Time `json:"resume_at,omitempty"`
}
