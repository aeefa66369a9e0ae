// Package router fans incoming events out to every session subscribed to a
// conversation.
//
// State is serialized per conversation: each conversation has its own lock,
// so sequence-ordered delivery and the presence sweep can never interleave
// inconsistently for one conversation, while different conversations do not
// contend. Publish never blocks on a slow consumer; per-session buffers are
// bounded and droppable events are shed first. A session whose buffer cannot
// absorb a message is flagged degraded and handed to the fallback
// coordinator instead of losing the message.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"huddle/internal/metrics"
	"huddle/internal/models"
	"huddle/internal/queue"
	"huddle/internal/unread"

	"golang.org/x/sync/semaphore"
)

const fanoutWorkers = 8

// Demoter starts the live -> degraded -> polling migration for a session.
type Demoter interface {
	Demote(sessionID string)
}

// ParticipantSource is the slice of the store adapter the router needs to
// resolve conversation membership for unread accounting.
type ParticipantSource interface {
	Conversation(ctx context.Context, id string) (models.Conversation, error)
}

type Router struct {
	mu       sync.RWMutex
	convs    map[string]*convRoute
	sessions map[string]map[string]bool // sessionID -> conversationIDs

	unread  *unread.Counter
	parts   ParticipantSource
	demoter Demoter

	sem     *semaphore.Weighted
	metrics *metrics.Metrics
	log     *slog.Logger
}

type convRoute struct {
	mu      sync.Mutex
	lastSeq int64
	subs    map[string]*subscriber // sessionID -> subscriber
}

type subscriber struct {
	sessionID string
	userID    string
	q         *queue.Queue
	viewing   bool
	degraded  bool
}

func New(unreadCounter *unread.Counter, parts ParticipantSource, m *metrics.Metrics, log *slog.Logger) *Router {
	if log == nil {
		log = slog.Default()
	}
	return &Router{
		convs:    make(map[string]*convRoute),
		sessions: make(map[string]map[string]bool),
		unread:   unreadCounter,
		parts:    parts,
		sem:      semaphore.NewWeighted(fanoutWorkers),
		metrics:  m,
		log:      log,
	}
}

// SetDemoter wires the fallback coordinator. Set once during startup, before
// any session subscribes.
func (r *Router) SetDemoter(d Demoter) {
	r.demoter = d
}

func (r *Router) route(conversationID string) *convRoute {
	r.mu.RLock()
	cr, ok := r.convs[conversationID]
	r.mu.RUnlock()
	if ok {
		return cr
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if cr, ok = r.convs[conversationID]; !ok {
		cr = &convRoute{subs: make(map[string]*subscriber)}
		r.convs[conversationID] = cr
	}
	return cr
}

func (r *Router) Subscribe(conversationID, sessionID, userID string, q *queue.Queue) {
	r.subscribe(conversationID, sessionID, userID, q, false)
}

// SubscribeDegraded registers the subscription with delivery disarmed. The
// replay path uses it so that messages published mid-replay stay out of the
// queue; ReplayAndResume picks them up from the store and re-arms delivery.
func (r *Router) SubscribeDegraded(conversationID, sessionID, userID string, q *queue.Queue) {
	r.subscribe(conversationID, sessionID, userID, q, true)
}

func (r *Router) subscribe(conversationID, sessionID, userID string, q *queue.Queue, degraded bool) {
	cr := r.route(conversationID)

	cr.mu.Lock()
	if s, ok := cr.subs[sessionID]; ok {
		// Re-subscribing keeps the viewing marker; a promoted session that
		// was watching the conversation still is.
		s.userID = userID
		s.q = q
		s.degraded = degraded
	} else {
		cr.subs[sessionID] = &subscriber{
			sessionID: sessionID,
			userID:    userID,
			q:         q,
			degraded:  degraded,
		}
	}
	cr.mu.Unlock()

	r.mu.Lock()
	if r.sessions[sessionID] == nil {
		r.sessions[sessionID] = make(map[string]bool)
	}
	r.sessions[sessionID][conversationID] = true
	r.mu.Unlock()
}

func (r *Router) Unsubscribe(conversationID, sessionID string) {
	r.mu.RLock()
	cr, ok := r.convs[conversationID]
	r.mu.RUnlock()
	if ok {
		cr.mu.Lock()
		delete(cr.subs, sessionID)
		cr.mu.Unlock()
	}

	r.mu.Lock()
	if convs := r.sessions[sessionID]; convs != nil {
		delete(convs, conversationID)
		if len(convs) == 0 {
			delete(r.sessions, sessionID)
		}
	}
	r.mu.Unlock()
}

// UnsubscribeAll releases every subscription entry of the session
// synchronously; no references linger once the session is closed.
func (r *Router) UnsubscribeAll(sessionID string) {
	r.mu.Lock()
	convs := r.sessions[sessionID]
	delete(r.sessions, sessionID)
	routes := make([]*convRoute, 0, len(convs))
	for convID := range convs {
		if cr, ok := r.convs[convID]; ok {
			routes = append(routes, cr)
		}
	}
	r.mu.Unlock()

	for _, cr := range routes {
		cr.mu.Lock()
		delete(cr.subs, sessionID)
		cr.mu.Unlock()
	}
}

// SetViewing marks whether the session's user is actively looking at the
// conversation, suppressing unread increments for them.
func (r *Router) SetViewing(conversationID, sessionID string, viewing bool) {
	r.mu.RLock()
	cr, ok := r.convs[conversationID]
	r.mu.RUnlock()
	if !ok {
		return
	}

	cr.mu.Lock()
	if s, ok := cr.subs[sessionID]; ok {
		s.viewing = viewing
	}
	cr.mu.Unlock()
}

// Publish fans the event out to the conversation's subscribers. It never
// blocks the caller on a slow consumer.
func (r *Router) Publish(conversationID string, ev models.Event) {
	cr := r.route(conversationID)

	var overflowed []string
	var viewers []string

	cr.mu.Lock()
	switch ev.Type {
	case models.EventMessage:
		if ev.Message == nil {
			cr.mu.Unlock()
			return
		}
		if ev.Message.Seq <= cr.lastSeq {
			// Duplicate or reordered publish; the store already assigned
			// this seq and subscribers have seen it.
			r.log.Warn("ignoring out-of-order publish",
				"conversation_id", conversationID,
				"seq", ev.Message.Seq,
				"last_seq", cr.lastSeq)
			cr.mu.Unlock()
			return
		}
		cr.lastSeq = ev.Message.Seq

		for _, s := range cr.subs {
			if s.viewing {
				viewers = append(viewers, s.userID)
			}
			if s.degraded {
				continue // session is migrating; it will replay from the store
			}
			shed, err := s.q.Push(ev)
			r.metrics.EventsDropped.Add(float64(shed))
			if errors.Is(err, queue.ErrOverflow) {
				s.degraded = true
				overflowed = append(overflowed, s.sessionID)
				r.log.Warn("session buffer cannot absorb message, degrading",
					"conversation_id", conversationID,
					"session_id", s.sessionID,
					"user_id", s.userID)
				continue
			}
			if err == nil {
				r.metrics.MessagesDelivered.Inc()
			}
		}

	case models.EventUnreadCount:
		for _, s := range cr.subs {
			if s.userID != ev.UserID || s.degraded {
				continue
			}
			shed, _ := s.q.Push(ev)
			r.metrics.EventsDropped.Add(float64(shed))
		}

	default:
		// Typing signals, read receipts, presence changes: everyone but the
		// acting user.
		for _, s := range cr.subs {
			if s.userID == ev.UserID || s.degraded {
				continue
			}
			shed, _ := s.q.Push(ev)
			r.metrics.EventsDropped.Add(float64(shed))
		}
	}
	cr.mu.Unlock()

	for _, sessionID := range overflowed {
		if r.demoter != nil {
			r.demoter.Demote(sessionID)
		}
	}

	if ev.Type == models.EventMessage {
		r.fanOutUnread(conversationID, *ev.Message, viewers)
	}
}

// fanOutUnread resolves participants and bumps unread counts on a bounded
// worker, keeping the store call off the publish path and outside any
// conversation lock.
func (r *Router) fanOutUnread(conversationID string, msg models.Message, viewers []string) {
	ctx := context.Background()
	if err := r.sem.Acquire(ctx, 1); err != nil {
		return
	}
	go func() {
		defer r.sem.Release(1)

		conv, err := r.parts.Conversation(ctx, conversationID)
		if err != nil {
			r.log.Error("failed to resolve participants for unread accounting",
				"conversation_id", conversationID,
				"seq", msg.Seq,
				"error", err)
			return
		}

		for _, u := range r.unread.OnMessage(conversationID, msg, conv.Participants, viewers) {
			r.Publish(conversationID, models.Event{
				Type:           models.EventUnreadCount,
				ConversationID: conversationID,
				UserID:         u.UserID,
				Unread:         u.Count,
			})
		}
	}()
}

// ReplayAndResume pushes replayed message events onto the session's queue
// and re-arms live delivery atomically with respect to publishes on the
// conversation. fetch returns events with seq strictly greater than its
// argument in ascending order; it runs with no router lock held. The loop
// re-fetches until the replay covers everything published so far, so the
// merged stream of replayed and live events stays ordered by seq with no
// gaps: a message published mid-replay is skipped by Publish while the
// subscription is degraded, bumps lastSeq, and is picked up from the store
// before delivery is re-armed.
func (r *Router) ReplayAndResume(conversationID, sessionID string, from int64, fetch func(since int64) ([]models.Event, error)) error {
	cr := r.route(conversationID)

	last := from
	for {
		evs, err := fetch(last)
		if err != nil {
			return err
		}

		cr.mu.Lock()
		s, ok := cr.subs[sessionID]
		if !ok {
			cr.mu.Unlock()
			return fmt.Errorf("session %s is not subscribed to %s", sessionID, conversationID)
		}
		for i := range evs {
			if _, err := s.q.Push(evs[i]); err != nil {
				cr.mu.Unlock()
				return err
			}
			if evs[i].Message != nil && evs[i].Message.Seq > last {
				last = evs[i].Message.Seq
			}
		}
		if cr.lastSeq <= last {
			s.degraded = false
			cr.mu.Unlock()
			return nil
		}
		cr.mu.Unlock()
	}
}
