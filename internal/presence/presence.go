// Package presence tracks who is connected and who is typing where.
//
// Typing entries carry a server-side TTL: every client observing a
// conversation must see the indicator disappear at the same moment even when
// the typist's client vanished without a stopTyping signal. A client-local
// timer cannot guarantee that, so expiry is a registry sweep that emits
// synthetic TypingStopped events through the delivery router.
package presence

import (
	"context"
	"sync"
	"time"

	"huddle/internal/models"
)

// Publisher is the slice of the delivery router the registry needs.
type Publisher interface {
	Publish(conversationID string, ev models.Event)
}

type Registry struct {
	mu     sync.Mutex
	typing map[string]map[string]time.Time // conversationID -> userID -> lastSignalAt
	online map[string]int                  // userID -> live session count

	ttl time.Duration
	now func() time.Time
}

func NewRegistry(ttl time.Duration) *Registry {
	return &Registry{
		typing: make(map[string]map[string]time.Time),
		online: make(map[string]int),
		ttl:    ttl,
		now:    time.Now,
	}
}

// SetTyping marks the user as typing. Idempotent: repeated calls refresh
// lastSignalAt.
func (r *Registry) SetTyping(conversationID, userID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	users, ok := r.typing[conversationID]
	if !ok {
		users = make(map[string]time.Time)
		r.typing[conversationID] = users
	}
	users[userID] = r.now()
}

// ClearTyping removes the entry, reporting whether it existed.
func (r *Registry) ClearTyping(conversationID, userID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	users, ok := r.typing[conversationID]
	if !ok {
		return false
	}
	if _, ok := users[userID]; !ok {
		return false
	}
	delete(users, userID)
	if len(users) == 0 {
		delete(r.typing, conversationID)
	}
	return true
}

// Typing returns the users currently typing in the conversation, skipping
// entries that are past TTL but not yet swept.
func (r *Registry) Typing(conversationID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	var users []string
	for userID, lastSignal := range r.typing[conversationID] {
		if now.Sub(lastSignal) <= r.ttl {
			users = append(users, userID)
		}
	}
	return users
}

// Expired identifies a typing entry removed by a sweep.
type Expired struct {
	ConversationID string
	UserID         string
}

// Sweep removes every typing entry older than TTL and returns the removals
// so the caller can emit synthetic TypingStopped events.
func (r *Registry) Sweep(now time.Time) []Expired {
	r.mu.Lock()
	defer r.mu.Unlock()

	var expired []Expired
	for convID, users := range r.typing {
		for userID, lastSignal := range users {
			if now.Sub(lastSignal) > r.ttl {
				delete(users, userID)
				expired = append(expired, Expired{ConversationID: convID, UserID: userID})
			}
		}
		if len(users) == 0 {
			delete(r.typing, convID)
		}
	}
	return expired
}

// Run sweeps on a fixed interval until ctx is done, publishing a synthetic
// TypingStopped for every expired entry.
func (r *Registry) Run(ctx context.Context, interval time.Duration, pub Publisher) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, e := range r.Sweep(r.now()) {
				pub.Publish(e.ConversationID, models.Event{
					Type:           models.EventTypingStopped,
					ConversationID: e.ConversationID,
					UserID:         e.UserID,
				})
			}
		}
	}
}

// Connect records a live session for the user. Returns true when this is the
// user's first session, i.e. the user just came online.
func (r *Registry) Connect(userID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.online[userID]++
	return r.online[userID] == 1
}

// Disconnect records a closed session. Returns true when it was the user's
// last session, i.e. the user went offline.
func (r *Registry) Disconnect(userID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.online[userID] == 0 {
		return false
	}
	r.online[userID]--
	if r.online[userID] == 0 {
		delete(r.online, userID)
		return true
	}
	return false
}

func (r *Registry) Online(userID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.online[userID] > 0
}
