// Package sequencer keeps per-ordering-key FIFO buffers and a single-flight
// dispatch cursor for each key.
//
// The key registry is split into shards; a shard lock only guards lookup and
// insertion of key states, every other mutation happens under the key's own
// lock so unrelated keys never contend.
package sequencer

import (
	"context"
	"errors"
	"hash/fnv"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/orderedsub/orderedsub/internal/models"
)

const shardCount = 64

var (
	// ErrCapacity is returned when a key's buffer is full.
	ErrCapacity = errors.New("per-key buffer capacity exceeded")

	// ErrOutOfTurn is returned for a redelivery that arrives ahead of
	// messages it must follow.
	ErrOutOfTurn = errors.New("redelivery arrived out of turn")

	// ErrUnknownKey is returned for operations on a key with no state.
	ErrUnknownKey = errors.New("unknown ordering key")

	// ErrNotInFlight is returned when an outcome is reported for an entry
	// that is not the key's in-flight entry.
	ErrNotInFlight = errors.New("entry is not in flight for key")

	// ErrClosed is returned once the sequencer has been drained.
	ErrClosed = errors.New("sequencer closed")
)

// Admission describes what Enqueue did with a delivery.
type Admission int

const (
	// Rejected means the delivery was not buffered and must be nacked.
	Rejected Admission = iota
	// Queued means the delivery was appended to the key's buffer.
	Queued
	// QueuedHead means the delivery is the awaited redelivery of a failed
	// message and was placed ahead of its buffered successors.
	QueuedHead
	// Merged means the delivery duplicates a buffered or in-flight message
	// and will be settled with that message's outcome.
	Merged
)

func (a Admission) String() string {
	switch a {
	case Queued:
		return "queued"
	case QueuedHead:
		return "queued_head"
	case Merged:
		return "merged"
	default:
		return "rejected"
	}
}

// Outcome tells the dispatcher what to do with a key after a handler call.
type Outcome struct {
	// More is true when the key can dispatch its next entry right away.
	More bool
	// Paused is true when the failure paused the key.
	Paused bool
	// ResumeAfter is the automatic resume delay; zero means manual resume.
	ResumeAfter time.Duration
	// Removed is true when the key's state was discarded (singleton lanes).
	Removed bool
	// Deliveries are the entry's delivery instances, final once the outcome
	// is recorded.
	Deliveries []*models.Delivery
}

// Config configures a Sequencer.
type Config struct {
	// MaxBufferedPerKey bounds each key's buffer; zero means unbounded.
	MaxBufferedPerKey int
	Pause             PausePolicy
	// Clock is used for activity and resume timestamps; defaults to time.Now.
	Clock func() time.Time
}

type shard struct {
	mu   sync.RWMutex
	keys map[string]*keyState
}

// Sequencer is the key to KeyState registry.
type Sequencer struct {
	cfg      Config
	shards   [shardCount]*shard
	buffered atomic.Int64
	closed   atomic.Bool
}

// New creates an empty sequencer.
func New(cfg Config) (*Sequencer, error) {
	if cfg.MaxBufferedPerKey < 0 {
		return nil, errors.New("max buffered per key must not be negative")
	}
	if cfg.Pause.Mode == "" {
		cfg.Pause = DefaultPausePolicy()
	}
	if err := cfg.Pause.Validate(); err != nil {
		return nil, err
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}

	s := &Sequencer{cfg: cfg}
	for i := range s.shards {
		s.shards[i] = &shard{keys: make(map[string]*keyState)}
	}
	return s, nil
}

func (s *Sequencer) shardFor(key string) *shard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return s.shards[h.Sum32()%shardCount]
}

// acquire returns the key's state with its lock held, or nil when the key is
// absent and create is false.
func (s *Sequencer) acquire(key string, create bool) *keyState {
	sh := s.shardFor(key)
	for {
		sh.mu.RLock()
		ks := sh.keys[key]
		sh.mu.RUnlock()

		if ks == nil {
			if !create {
				return nil
			}
			sh.mu.Lock()
			ks = sh.keys[key]
			if ks == nil {
				ks = newKeyState(key, s.cfg.Clock())
				sh.keys[key] = ks
			}
			sh.mu.Unlock()
		}

		ks.mu.Lock()
		if !ks.removed {
			return ks
		}
		// evicted between lookup and lock
		ks.mu.Unlock()
	}
}

func (s *Sequencer) full(ks *keyState) bool {
	return s.cfg.MaxBufferedPerKey > 0 && len(ks.pending) >= s.cfg.MaxBufferedPerKey
}

// shedFull bounds the shed list by the buffer limit. IDs rejected beyond it
// are not remembered and come back in whatever order the broker redelivers
// them.
func (s *Sequencer) shedFull(ks *keyState) bool {
	return s.cfg.MaxBufferedPerKey > 0 && len(ks.shed) >= s.cfg.MaxBufferedPerKey
}

// recordShed records a rejected ID so it is readmitted in arrival order.
func (s *Sequencer) recordShed(ks *keyState, id string) {
	if id != "" && !s.shedFull(ks) {
		ks.shed = append(ks.shed, id)
	}
}

// Enqueue buffers a delivery for key. It never blocks. A Rejected admission
// comes with ErrCapacity or ErrOutOfTurn and the caller must nack the delivery.
func (s *Sequencer) Enqueue(key string, d *models.Delivery) (Admission, error) {
	if s.closed.Load() {
		return Rejected, ErrClosed
	}
	ks := s.acquire(key, true)
	defer ks.mu.Unlock()
	return s.admit(ks, d)
}

// EnqueueWait is Enqueue with backpressure: while the key's buffer is full and
// the key is draining, it waits for space. A key that is paused or expecting
// redeliveries cannot drain without further ingestion, so a full buffer there
// rejects instead of waiting.
func (s *Sequencer) EnqueueWait(ctx context.Context, key string, d *models.Delivery) (Admission, error) {
	for {
		if s.closed.Load() {
			return Rejected, ErrClosed
		}
		ks := s.acquire(key, true)

		bypass := d.ID != "" && (ks.index[d.ID] != nil || d.ID == ks.awaiting)
		draining := !ks.paused && ks.awaiting == "" && len(ks.shed) == 0
		if s.full(ks) && !bypass && draining {
			space := ks.waitSpace()
			ks.mu.Unlock()
			select {
			case <-space:
				continue
			case <-ctx.Done():
				return Rejected, ctx.Err()
			}
		}

		adm, err := s.admit(ks, d)
		ks.mu.Unlock()
		return adm, err
	}
}

// admit runs with ks.mu held.
func (s *Sequencer) admit(ks *keyState, d *models.Delivery) (Admission, error) {
	ks.lastActive = s.cfg.Clock()

	if d.ID != "" {
		if e, ok := ks.index[d.ID]; ok {
			e.attach(d)
			return Merged, nil
		}

		if d.ID == ks.awaiting {
			e := newEntry(ks.key, d)
			ks.pending = append([]*Entry{e}, ks.pending...)
			ks.index[d.ID] = e
			s.buffered.Add(1)
			return QueuedHead, nil
		}

		if len(ks.shed) > 0 {
			switch i := ks.shedIndex(d.ID); {
			case i == 0 && !s.full(ks):
				ks.shed = ks.shed[1:]
				s.push(ks, d)
				return Queued, nil
			case i == 0:
				return Rejected, ErrCapacity
			case i > 0:
				return Rejected, ErrOutOfTurn
			default:
				s.recordShed(ks, d.ID)
				return Rejected, ErrOutOfTurn
			}
		}
	}

	if s.full(ks) {
		s.recordShed(ks, d.ID)
		return Rejected, ErrCapacity
	}

	s.push(ks, d)
	return Queued, nil
}

func (s *Sequencer) push(ks *keyState, d *models.Delivery) {
	e := newEntry(ks.key, d)
	ks.pending = append(ks.pending, e)
	if d.ID != "" {
		ks.index[d.ID] = e
	}
	s.buffered.Add(1)
}

// TryAdvance pops the head of key's buffer and marks it in flight when the
// key is not paused, has nothing in flight and is not waiting for the
// redelivery of a failed message. It returns nil when there is no work.
func (s *Sequencer) TryAdvance(key string) *Entry {
	if s.closed.Load() {
		return nil
	}
	ks := s.acquire(key, false)
	if ks == nil {
		return nil
	}
	defer ks.mu.Unlock()

	if !ks.dispatchable() {
		return nil
	}

	e := ks.pending[0]
	ks.pending[0] = nil
	ks.pending = ks.pending[1:]
	s.buffered.Add(-1)

	if e.MessageID != "" && e.MessageID == ks.awaiting {
		ks.awaiting = ""
	}
	ks.inFlight = e
	ks.lastActive = s.cfg.Clock()
	ks.signalSpace()
	return e
}

// Seal stops attaching duplicate deliveries to key's in-flight entry and
// returns the instances attached so far. Duplicates arriving after Seal are
// admitted as new messages and left to the dedup ledger.
func (s *Sequencer) Seal(key string, e *Entry) ([]*models.Delivery, error) {
	ks := s.acquire(key, false)
	if ks == nil {
		return nil, ErrUnknownKey
	}
	defer ks.mu.Unlock()

	if ks.inFlight != e {
		return nil, ErrNotInFlight
	}
	if e.MessageID != "" && ks.index[e.MessageID] == e {
		delete(ks.index, e.MessageID)
	}
	return e.Deliveries(), nil
}

// OnOutcome records the result of the handler call for key's in-flight entry.
// Success clears any pause; failure pauses the key and makes it wait for the
// entry's redelivery. Singleton lanes are discarded instead of paused.
func (s *Sequencer) OnOutcome(key string, e *Entry, handlerErr error) (Outcome, error) {
	ks := s.acquire(key, false)
	if ks == nil {
		return Outcome{}, ErrUnknownKey
	}
	if ks.inFlight != e {
		ks.mu.Unlock()
		return Outcome{}, ErrNotInFlight
	}

	now := s.cfg.Clock()
	ks.inFlight = nil
	if e.MessageID != "" && ks.index[e.MessageID] == e {
		delete(ks.index, e.MessageID)
	}
	ks.lastActive = now

	out := Outcome{Deliveries: e.Deliveries()}
	if handlerErr == nil {
		ks.paused = false
		ks.lastErr = nil
		ks.failures = 0
		ks.pausedAt = time.Time{}
		ks.resumeAt = time.Time{}
		out.More = ks.dispatchable()
	} else {
		ks.failures++
		ks.lastErr = handlerErr
		if !ks.lane {
			ks.paused = true
			ks.pausedAt = now
			if e.MessageID != "" {
				ks.awaiting = e.MessageID
			}
			out.Paused = true
			out.ResumeAfter = s.cfg.Pause.ResumeAfter(ks.failures)
			if out.ResumeAfter > 0 {
				ks.resumeAt = now.Add(out.ResumeAfter)
			} else {
				ks.resumeAt = time.Time{}
			}
			// ingestion waiting for space must re-check: a paused key no
			// longer drains
			ks.signalSpace()
		}
	}
	lane := ks.lane
	ks.mu.Unlock()

	if lane {
		out.Removed = s.removeIfIdle(ks)
	}
	return out, nil
}

// Resume clears a key's pause. It reports whether the key has work ready.
// The key keeps waiting for the redelivery of its failed message.
func (s *Sequencer) Resume(key string) (bool, error) {
	ks := s.acquire(key, false)
	if ks == nil {
		return false, ErrUnknownKey
	}
	defer ks.mu.Unlock()

	ks.paused = false
	ks.resumeAt = time.Time{}
	ks.signalSpace()
	return ks.dispatchable(), nil
}

// Release resumes a key and forgets the redeliveries it was waiting for. It
// is the operator's way out when the broker will never redeliver them (for
// example after dead-lettering), and gives up ordering for those messages.
func (s *Sequencer) Release(key string) (bool, error) {
	ks := s.acquire(key, false)
	if ks == nil {
		return false, ErrUnknownKey
	}
	defer ks.mu.Unlock()

	ks.paused = false
	ks.resumeAt = time.Time{}
	ks.awaiting = ""
	ks.shed = nil
	ks.signalSpace()
	return ks.dispatchable(), nil
}

// Expects reports whether key is holding back successors until messageID is
// redelivered, either as its failed message or as a shed arrival.
func (s *Sequencer) Expects(key, messageID string) bool {
	if messageID == "" {
		return false
	}
	ks := s.acquire(key, false)
	if ks == nil {
		return false
	}
	defer ks.mu.Unlock()
	return ks.awaiting == messageID || ks.shedIndex(messageID) >= 0
}

// ResumeIfDue resumes key when it is paused under the backoff policy and its
// resume time has passed.
func (s *Sequencer) ResumeIfDue(key string, now time.Time) bool {
	ks := s.acquire(key, false)
	if ks == nil {
		return false
	}
	defer ks.mu.Unlock()
	return ks.resumeIfDue(now)
}

// ResumeDue resumes every backoff-paused key whose resume time has passed and
// returns their keys.
func (s *Sequencer) ResumeDue(now time.Time) []string {
	var resumed []string
	for _, ks := range s.states() {
		ks.mu.Lock()
		if !ks.removed && ks.resumeIfDue(now) {
			resumed = append(resumed, ks.key)
		}
		ks.mu.Unlock()
	}
	return resumed
}

// Evict removes keys that hold and expect nothing and have been inactive for
// at least idle. It returns the evicted keys.
func (s *Sequencer) Evict(now time.Time, idle time.Duration) []string {
	var evicted []string
	for _, sh := range s.shards {
		sh.mu.Lock()
		for key, ks := range sh.keys {
			ks.mu.Lock()
			if ks.idle() && now.Sub(ks.lastActive) >= idle {
				ks.removed = true
				delete(sh.keys, key)
				evicted = append(evicted, key)
			}
			ks.mu.Unlock()
		}
		sh.mu.Unlock()
	}
	return evicted
}

func (s *Sequencer) removeIfIdle(ks *keyState) bool {
	sh := s.shardFor(ks.key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	ks.mu.Lock()
	defer ks.mu.Unlock()

	if ks.removed || !ks.idle() || sh.keys[ks.key] != ks {
		return false
	}
	ks.removed = true
	delete(sh.keys, ks.key)
	return true
}

func (s *Sequencer) states() []*keyState {
	var out []*keyState
	for _, sh := range s.shards {
		sh.mu.RLock()
		for _, ks := range sh.keys {
			out = append(out, ks)
		}
		sh.mu.RUnlock()
	}
	return out
}

// Status returns the state of one key.
func (s *Sequencer) Status(key string) (KeyStatus, error) {
	ks := s.acquire(key, false)
	if ks == nil {
		return KeyStatus{}, ErrUnknownKey
	}
	defer ks.mu.Unlock()
	return ks.status(), nil
}

// Snapshot returns the state of every key ordered by key.
func (s *Sequencer) Snapshot() []KeyStatus {
	states := s.states()
	out := make([]KeyStatus, 0, len(states))
	for _, ks := range states {
		ks.mu.Lock()
		if !ks.removed {
			out = append(out, ks.status())
		}
		ks.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Len returns the number of tracked keys.
func (s *Sequencer) Len() int {
	n := 0
	for _, sh := range s.shards {
		sh.mu.RLock()
		n += len(sh.keys)
		sh.mu.RUnlock()
	}
	return n
}

// Buffered returns the number of buffered, not yet dispatched, entries.
func (s *Sequencer) Buffered() int64 {
	return s.buffered.Load()
}

// Close stops admission and dispatch. In-flight entries may still report
// their outcome.
func (s *Sequencer) Close() {
	s.closed.Store(true)
}

// Drain closes the sequencer and removes every buffered entry so the caller
// can nack them. In-flight entries are left to their workers.
func (s *Sequencer) Drain() []*Entry {
	s.Close()

	var drained []*Entry
	for _, ks := range s.states() {
		ks.mu.Lock()
		for _, e := range ks.pending {
			if e.MessageID != "" {
				delete(ks.index, e.MessageID)
			}
			drained = append(drained, e)
		}
		s.buffered.Add(-int64(len(ks.pending)))
		ks.pending = nil
		ks.signalSpace()
		ks.mu.Unlock()
	}
	return drained
}
