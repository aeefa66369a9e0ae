// Package session owns the per-connection state machine
// (Connecting -> Live -> (Degraded -> Polling | Closed)) and is the entry
// point for every client operation: subscribe, send, typing, acks, polling.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"huddle/internal/content"
	"huddle/internal/metrics"
	"huddle/internal/models"
	"huddle/internal/presence"
	"huddle/internal/ratelimit"
	"huddle/internal/router"
	"huddle/internal/store"
	"huddle/internal/unread"

	"github.com/google/uuid"
)

// Fallback is the coordinator's surface as seen from the manager.
type Fallback interface {
	// Demote starts the live -> degraded -> polling migration.
	Demote(sessionID string)
	// Promote tells the coordinator the session has a live transport again.
	Promote(sessionID string)
}

type Config struct {
	HeartbeatTimeout time.Duration
	OutboundBuffer   int
	TypingRPS        float64
	TypingBurst      int
}

type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*Session

	router   *router.Router
	presence *presence.Registry
	unread   *unread.Counter
	store    store.Store
	fallback Fallback
	limiter  *ratelimit.MapLimiter
	metrics  *metrics.Metrics
	log      *slog.Logger
	cfg      Config
	now      func() time.Time
}

func NewManager(r *router.Router, p *presence.Registry, u *unread.Counter, st store.Store, m *metrics.Metrics, cfg Config, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		sessions: make(map[string]*Session),
		router:   r,
		presence: p,
		unread:   u,
		store:    st,
		limiter:  ratelimit.New(cfg.TypingRPS, cfg.TypingBurst),
		metrics:  m,
		log:      log,
		cfg:      cfg,
		now:      time.Now,
	}
}

// SetFallback wires the coordinator. Set once during startup.
func (m *Manager) SetFallback(f Fallback) {
	m.fallback = f
}

// Connect creates a session in Connecting state for an already-validated
// user identity.
func (m *Manager) Connect(userID string) *Session {
	s := newSession(uuid.NewString(), userID, m.cfg.OutboundBuffer, m.now())

	m.mu.Lock()
	m.sessions[s.ID] = s
	m.mu.Unlock()

	m.log.Info("session connecting", "session_id", s.ID, "user_id", userID)
	return s
}

func (m *Manager) Lookup(sessionID string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[sessionID]
	return s, ok
}

// AttachLive completes a live handshake. For a fresh session this is the
// Connecting -> Live transition; for a session returning from Degraded or
// Polling it replays the store for every subscribed conversation before
// going live, deduplicated by sequence number against the live stream.
func (m *Manager) AttachLive(ctx context.Context, s *Session) error {
	prev := s.State()
	switch prev {
	case StateClosed:
		return fmt.Errorf("session %s is closed", s.ID)
	case StateConnecting:
		if s.setState(StateLive) {
			m.sessionGauge(prev, StateLive)
			m.announceOnline(s)
		}
		return nil
	case StateLive:
		return nil
	}

	// Coming back from a gap.
	if err := m.reconcile(ctx, s); err != nil {
		return err
	}

	if s.setState(StateLive) {
		m.sessionGauge(prev, StateLive)
		s.pushMode(models.ModeLive)
		m.metrics.Promotions.Inc()
		if m.fallback != nil {
			m.fallback.Promote(s.ID)
		}
		m.log.Info("session promoted to live", "session_id", s.ID, "user_id", s.UserID)
	}
	return nil
}

// reconcile replays every subscribed conversation from the user's last
// durable ack and re-arms live delivery. The subscription stays degraded
// while the replay is enqueued, so a message published mid-replay cannot
// jump ahead of lower replayed sequence numbers; the router re-fetches the
// tail and re-arms atomically, and the merge has no duplicates and no gaps.
func (m *Manager) reconcile(ctx context.Context, s *Session) error {
	s.Outbound().Drain()

	for _, convID := range s.subscriptions() {
		ack, err := m.store.LastAck(ctx, convID, s.UserID)
		if err != nil {
			return fmt.Errorf("failed to load last ack for %s: %w", convID, err)
		}

		s.resetDelivered(convID, ack)
		m.router.SubscribeDegraded(convID, s.ID, s.UserID, s.Outbound())

		err = m.router.ReplayAndResume(convID, s.ID, ack, func(since int64) ([]models.Event, error) {
			msgs, err := m.fetchOrdered(ctx, convID, since)
			if err != nil {
				return nil, err
			}
			evs := make([]models.Event, len(msgs))
			for i := range msgs {
				evs[i] = models.Event{
					Type:           models.EventMessage,
					ConversationID: convID,
					UserID:         msgs[i].SenderID,
					Message:        &msgs[i],
				}
			}
			return evs, nil
		})
		if err != nil {
			// Either the gap is larger than the buffer or the store failed;
			// this session cannot go live yet.
			m.router.Unsubscribe(convID, s.ID)
			return fmt.Errorf("replay for %s failed: %w", convID, err)
		}

		m.unread.MarkStale(convID, s.UserID)
	}
	return nil
}

// fetchOrdered fetches messages after seq and verifies strictly increasing
// order. An ordering violation is fatal for the pass: the batch is thrown
// away and a fresh snapshot fetched once more rather than presenting
// out-of-order history.
func (m *Manager) fetchOrdered(ctx context.Context, conversationID string, since int64) ([]models.Message, error) {
	for attempt := 0; attempt < 2; attempt++ {
		msgs, err := m.store.FetchSince(ctx, conversationID, since)
		if err != nil {
			return nil, err
		}
		if err := verifyOrder(conversationID, since, msgs); err != nil {
			m.log.Error("replay ordering violation, refetching snapshot",
				"conversation_id", conversationID,
				"since", since,
				"error", err)
			continue
		}
		return msgs, nil
	}
	return nil, &models.OrderingViolation{ConversationID: conversationID, LastSeq: since}
}

func verifyOrder(conversationID string, since int64, msgs []models.Message) error {
	last := since
	for _, msg := range msgs {
		if msg.Seq <= last {
			return &models.OrderingViolation{
				ConversationID: conversationID,
				LastSeq:        last,
				GotSeq:         msg.Seq,
			}
		}
		last = msg.Seq
	}
	return nil
}

// Subscribe validates membership against the store and registers the
// session for live delivery.
func (m *Manager) Subscribe(ctx context.Context, s *Session, conversationID string) error {
	conv, err := m.store.Conversation(ctx, conversationID)
	if err != nil {
		if err == models.ErrNotFound {
			return models.NewValidationError("conversation %s does not exist", conversationID)
		}
		return err
	}
	if !conv.HasParticipant(s.UserID) {
		return models.NewValidationError("user is not a participant of %s", conversationID)
	}

	m.router.Subscribe(conversationID, s.ID, s.UserID, s.Outbound())
	s.addSub(conversationID)
	return nil
}

func (m *Manager) Unsubscribe(s *Session, conversationID string) {
	m.router.Unsubscribe(conversationID, s.ID)
	s.removeSub(conversationID)
}

// SendMessage validates, appends through the store adapter (the sequence
// authority) and publishes the result. A store failure surfaces to the
// caller; messages are never fire-and-forget.
func (m *Manager) SendMessage(ctx context.Context, userID, conversationID, body string, attachmentRefs []string) (models.Message, error) {
	if body == "" && len(attachmentRefs) == 0 {
		return models.Message{}, models.NewValidationError("message needs a body or attachments")
	}

	conv, err := m.store.Conversation(ctx, conversationID)
	if err != nil {
		if err == models.ErrNotFound {
			return models.Message{}, models.NewValidationError("conversation %s does not exist", conversationID)
		}
		return models.Message{}, err
	}
	if !conv.HasParticipant(userID) {
		return models.Message{}, models.NewValidationError("user is not a participant of %s", conversationID)
	}

	msg, err := m.store.Append(ctx, conversationID, userID, content.Sanitize(body), attachmentRefs)
	if err != nil {
		m.log.Error("append failed",
			"conversation_id", conversationID,
			"user_id", userID,
			"error", err)
		return models.Message{}, err
	}

	m.router.Publish(conversationID, models.Event{
		Type:           models.EventMessage,
		ConversationID: conversationID,
		UserID:         msg.SenderID,
		Message:        &msg,
	})
	return msg, nil
}

// Typing is fire-and-forget: rate-limited, no acknowledgment.
func (m *Manager) Typing(s *Session, conversationID string) {
	if !s.subscribed(conversationID) {
		return
	}
	if !m.limiter.Allow(s.UserID, m.now()) {
		return
	}
	m.presence.SetTyping(conversationID, s.UserID)
	m.router.Publish(conversationID, models.Event{
		Type:           models.EventTypingStarted,
		ConversationID: conversationID,
		UserID:         s.UserID,
	})
}

func (m *Manager) StopTyping(s *Session, conversationID string) {
	if m.presence.ClearTyping(conversationID, s.UserID) {
		m.router.Publish(conversationID, models.Event{
			Type:           models.EventTypingStopped,
			ConversationID: conversationID,
			UserID:         s.UserID,
		})
	}
}

// AckRead records the read receipt, recomputes the unread count and fans
// both out.
func (m *Manager) AckRead(ctx context.Context, userID, conversationID string, seq int64) (int64, error) {
	if err := m.store.MarkRead(ctx, conversationID, userID, seq); err != nil {
		return 0, err
	}

	count, err := m.unread.OnReadReceipt(ctx, conversationID, userID, seq)
	if err != nil {
		return 0, err
	}

	m.router.Publish(conversationID, models.Event{
		Type:           models.EventReadReceipt,
		ConversationID: conversationID,
		UserID:         userID,
		Seq:            seq,
	})
	m.router.Publish(conversationID, models.Event{
		Type:           models.EventUnreadCount,
		ConversationID: conversationID,
		UserID:         userID,
		Unread:         count,
	})
	return count, nil
}

func (m *Manager) SetViewing(s *Session, conversationID string, viewing bool) {
	m.router.SetViewing(conversationID, s.ID, viewing)
}

// ReportTransportFailure is called by the transport when its connection
// breaks without a clean close. Not a user-visible error: the session goes
// down the demotion path.
func (m *Manager) ReportTransportFailure(s *Session) {
	if s.State() == StateLive && m.fallback != nil {
		m.log.Warn("transport failure", "session_id", s.ID, "user_id", s.UserID)
		m.fallback.Demote(s.ID)
	}
}

// Demote transitions Live -> Degraded. Called by the fallback coordinator.
func (m *Manager) Demote(sessionID string) bool {
	s, ok := m.Lookup(sessionID)
	if !ok || s.State() != StateLive {
		return false
	}
	if !s.setState(StateDegraded) {
		return false
	}
	m.sessionGauge(StateLive, StateDegraded)
	m.metrics.Demotions.Inc()
	s.pushMode(models.ModeDegraded)
	m.log.Warn("session degraded", "session_id", s.ID, "user_id", s.UserID)
	return true
}

// StartPolling transitions Degraded -> Polling: live delivery entries are
// released and the client pulls through the poll contract until a new
// handshake succeeds.
func (m *Manager) StartPolling(sessionID string) bool {
	s, ok := m.Lookup(sessionID)
	if !ok || s.State() != StateDegraded {
		return false
	}
	if !s.setState(StatePolling) {
		return false
	}
	m.sessionGauge(StateDegraded, StatePolling)
	m.router.UnsubscribeAll(s.ID)
	s.pushMode(models.ModePolling)
	m.log.Warn("session switched to polling", "session_id", s.ID, "user_id", s.UserID)
	return true
}

// Mode reports the session's delivery mode to the fallback coordinator.
func (m *Manager) Mode(sessionID string) (models.DeliveryMode, bool) {
	s, ok := m.Lookup(sessionID)
	if !ok || s.State() == StateClosed {
		return "", false
	}
	return s.Mode(), true
}

// PollResult is the polling fallback payload.
type PollResult struct {
	Messages []models.Message    `json:"messages"`
	Typing   []string            `json:"typing"`
	Unread   int64               `json:"unreadCount"`
	Mode     models.DeliveryMode `json:"mode"`
}

// Poll serves the pull contract for a session in Polling state. Safe to
// call repeatedly with the same sinceSequence: its only side effect is the
// liveness heartbeat.
func (m *Manager) Poll(ctx context.Context, sessionID, conversationID string, since int64) (PollResult, error) {
	s, ok := m.Lookup(sessionID)
	if !ok {
		return PollResult{}, models.NewValidationError("unknown session")
	}
	if st := s.State(); st != StatePolling && st != StateDegraded {
		return PollResult{}, models.NewValidationError("session is not in polling mode")
	}
	if !s.subscribed(conversationID) {
		return PollResult{}, models.NewValidationError("session is not subscribed to %s", conversationID)
	}
	s.Heartbeat(m.now())

	msgs, err := m.fetchOrdered(ctx, conversationID, since)
	if err != nil {
		return PollResult{}, err
	}

	unreadCount, err := m.unread.Get(ctx, conversationID, s.UserID)
	if err != nil {
		return PollResult{}, err
	}

	return PollResult{
		Messages: msgs,
		Typing:   m.presence.Typing(conversationID),
		Unread:   unreadCount,
		Mode:     s.Mode(),
	}, nil
}

// CloseSession tears the session down: cancels its outbound wait, releases
// subscriptions synchronously and clears the user's typing entries.
func (m *Manager) CloseSession(s *Session) {
	prev := s.State()
	if !s.setState(StateClosed) {
		return
	}
	m.sessionGauge(prev, StateClosed)

	s.Outbound().Close()
	m.router.UnsubscribeAll(s.ID)

	for _, convID := range s.subscriptions() {
		if m.presence.ClearTyping(convID, s.UserID) {
			m.router.Publish(convID, models.Event{
				Type:           models.EventTypingStopped,
				ConversationID: convID,
				UserID:         s.UserID,
			})
		}
	}

	if m.presence.Disconnect(s.UserID) {
		m.announcePresence(s, false)
	}

	m.mu.Lock()
	delete(m.sessions, s.ID)
	m.mu.Unlock()

	m.log.Info("session closed", "session_id", s.ID, "user_id", s.UserID)
}

// CheckHeartbeats demotes live sessions that went silent, closes polling
// sessions that stopped pulling and reaps sessions whose handshake never
// completed.
func (m *Manager) CheckHeartbeats(now time.Time) {
	m.mu.RLock()
	stale := make([]*Session, 0)
	for _, s := range m.sessions {
		if now.Sub(s.lastSeen()) > m.cfg.HeartbeatTimeout {
			stale = append(stale, s)
		}
	}
	m.mu.RUnlock()

	for _, s := range stale {
		switch s.State() {
		case StateLive:
			m.log.Warn("heartbeat missed", "session_id", s.ID, "user_id", s.UserID)
			if m.fallback != nil {
				m.fallback.Demote(s.ID)
			}
		case StatePolling, StateDegraded:
			if now.Sub(s.lastSeen()) > 2*m.cfg.HeartbeatTimeout {
				m.CloseSession(s)
			}
		case StateConnecting:
			// The handshake never completed; there is nothing to demote.
			m.log.Warn("abandoned handshake", "session_id", s.ID, "user_id", s.UserID)
			m.CloseSession(s)
		}
	}
}

// Run drives the heartbeat checker until ctx is done.
func (m *Manager) Run(ctx context.Context) {
	interval := m.cfg.HeartbeatTimeout / 3
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.CheckHeartbeats(m.now())
		}
	}
}

// announceOnline publishes the user's online transition to their
// conversations when their first session goes live.
func (m *Manager) announceOnline(s *Session) {
	if m.presence.Connect(s.UserID) {
		m.announcePresence(s, true)
	}
}

func (m *Manager) announcePresence(s *Session, online bool) {
	go func() {
		summaries, err := m.store.Conversations(context.Background(), s.UserID)
		if err != nil {
			m.log.Error("failed to announce presence",
				"user_id", s.UserID, "error", err)
			return
		}
		for _, summary := range summaries {
			m.router.Publish(summary.ID, models.Event{
				Type:           models.EventPresence,
				ConversationID: summary.ID,
				UserID:         s.UserID,
				Online:         online,
			})
		}
	}()
}

func (m *Manager) sessionGauge(from, to State) {
	if mode := gaugeMode(from); mode != "" {
		m.metrics.Sessions.WithLabelValues(mode).Dec()
	}
	if mode := gaugeMode(to); mode != "" {
		m.metrics.Sessions.WithLabelValues(mode).Inc()
	}
}

func gaugeMode(st State) string {
	switch st {
	case StateLive:
		return string(models.ModeLive)
	case StateDegraded:
		return string(models.ModeDegraded)
	case StatePolling:
		return string(models.ModePolling)
	default:
		return ""
	}
}
