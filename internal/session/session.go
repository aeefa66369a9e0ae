package session

import (
	"sync"
	"time"

	"huddle/internal/models"
	"huddle/internal/queue"
)

type State string

const (
	StateConnecting State = "connecting"
	StateLive       State = "live"
	StateDegraded   State = "degraded"
	StatePolling    State = "polling"
	StateClosed     State = "closed"
)

// Session is one logical client connection. Ephemeral: created on connect,
// destroyed on disconnect or heartbeat timeout, never persisted.
type Session struct {
	ID     string
	UserID string

	mu            sync.Mutex
	state         State
	subs          map[string]bool
	lastHeartbeat time.Time
	lastDelivered map[string]int64 // conversationID -> highest seq handed to the transport
	outbound      *queue.Queue
}

func newSession(id, userID string, bufSize int, now time.Time) *Session {
	return &Session{
		ID:            id,
		UserID:        userID,
		state:         StateConnecting,
		subs:          make(map[string]bool),
		lastDelivered: make(map[string]int64),
		lastHeartbeat: now,
		outbound:      queue.New(bufSize),
	}
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// setState transitions the state machine, returning true if the state
// actually changed. Transitions out of Closed never happen.
func (s *Session) setState(next State) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == next || s.state == StateClosed {
		return false
	}
	s.state = next
	return true
}

func (s *Session) Mode() models.DeliveryMode {
	switch s.State() {
	case StateDegraded:
		return models.ModeDegraded
	case StatePolling:
		return models.ModePolling
	default:
		return models.ModeLive
	}
}

func (s *Session) Outbound() *queue.Queue {
	return s.outbound
}

func (s *Session) Heartbeat(now time.Time) {
	s.mu.Lock()
	s.lastHeartbeat = now
	s.mu.Unlock()
}

func (s *Session) lastSeen() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastHeartbeat
}

func (s *Session) addSub(conversationID string) {
	s.mu.Lock()
	s.subs[conversationID] = true
	s.mu.Unlock()
}

func (s *Session) removeSub(conversationID string) {
	s.mu.Lock()
	delete(s.subs, conversationID)
	delete(s.lastDelivered, conversationID)
	s.mu.Unlock()
}

func (s *Session) subscriptions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	subs := make([]string, 0, len(s.subs))
	for id := range s.subs {
		subs = append(subs, id)
	}
	return subs
}

func (s *Session) subscribed(conversationID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.subs[conversationID]
}

// ShouldDeliver is the replay deduplication gate: the transport calls it for
// every message event it is about to write. A seq at or below the last
// delivered one for that conversation is a replay duplicate and is skipped.
func (s *Session) ShouldDeliver(conversationID string, seq int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if seq <= s.lastDelivered[conversationID] {
		return false
	}
	s.lastDelivered[conversationID] = seq
	return true
}

// resetDelivered rewinds the delivery marker to the last durable ack before
// a replay, so reconciliation re-delivers exactly (ack, currentMax].
func (s *Session) resetDelivered(conversationID string, seq int64) {
	s.mu.Lock()
	s.lastDelivered[conversationID] = seq
	s.mu.Unlock()
}

// pushMode enqueues the degraded-mode signal for the client.
func (s *Session) pushMode(mode models.DeliveryMode) {
	_, _ = s.outbound.Push(models.Event{Type: models.EventMode, Mode: mode})
}
