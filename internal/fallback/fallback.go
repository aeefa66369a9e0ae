// Package fallback coordinates the live/polling duality: it drives a
// degraded session through the grace window into polling, and supervises
// promotion back to live with bounded backoff. Demotion happens at most
// once per heartbeat timeout; there are no retry storms.
package fallback

import (
	"log/slog"
	"sync"
	"time"

	"huddle/internal/models"

	"github.com/cenkalti/backoff/v4"
)

// Sessions is the slice of the session manager the coordinator drives.
type Sessions interface {
	// Demote transitions Live -> Degraded; false if the session is absent
	// or not live.
	Demote(sessionID string) bool
	// StartPolling transitions Degraded -> Polling.
	StartPolling(sessionID string) bool
	// Mode reports the session's current delivery mode; false once the
	// session is gone.
	Mode(sessionID string) (models.DeliveryMode, bool)
}

type Coordinator struct {
	sessions Sessions
	grace    time.Duration
	base     time.Duration
	cap      time.Duration
	log      *slog.Logger

	mu      sync.Mutex
	pending map[string]chan struct{}
}

func NewCoordinator(sessions Sessions, grace, base, cap time.Duration, log *slog.Logger) *Coordinator {
	if log == nil {
		log = slog.Default()
	}
	return &Coordinator{
		sessions: sessions,
		grace:    grace,
		base:     base,
		cap:      cap,
		log:      log,
		pending:  make(map[string]chan struct{}),
	}
}

// Demote initiates the Live -> Degraded -> Polling path. A session already
// being migrated is left alone.
func (c *Coordinator) Demote(sessionID string) {
	c.mu.Lock()
	if _, busy := c.pending[sessionID]; busy {
		c.mu.Unlock()
		return
	}
	promoted := make(chan struct{})
	c.pending[sessionID] = promoted
	c.mu.Unlock()

	if !c.sessions.Demote(sessionID) {
		c.clear(sessionID, promoted)
		return
	}

	go c.supervise(sessionID, promoted)
}

// Promote signals that the session reestablished a live transport. The
// session manager calls it after a successful handshake and replay; it ends
// the supervision loop.
func (c *Coordinator) Promote(sessionID string) {
	c.mu.Lock()
	promoted, ok := c.pending[sessionID]
	if ok {
		delete(c.pending, sessionID)
	}
	c.mu.Unlock()

	if ok {
		close(promoted)
	}
}

// supervise waits out the grace window, switches the session to polling if
// it has not come back, then watches for promotion with exponential
// backoff while the session remains connected at all.
func (c *Coordinator) supervise(sessionID string, promoted chan struct{}) {
	defer c.clear(sessionID, promoted)

	select {
	case <-promoted:
		return
	case <-time.After(c.grace):
	}

	mode, ok := c.sessions.Mode(sessionID)
	if !ok || mode == models.ModeLive {
		return
	}

	if !c.sessions.StartPolling(sessionID) {
		return
	}
	c.log.Info("grace window expired, session polling", "session_id", sessionID)

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.base
	b.MaxInterval = c.cap
	b.MaxElapsedTime = 0

	for {
		select {
		case <-promoted:
			return
		case <-time.After(b.NextBackOff()):
		}

		mode, ok := c.sessions.Mode(sessionID)
		if !ok || mode == models.ModeLive {
			return
		}
	}
}

// clear removes the pending entry only if it still belongs to this migration;
// a later Demote may have installed a fresh one.
func (c *Coordinator) clear(sessionID string, promoted chan struct{}) {
	c.mu.Lock()
	if c.pending[sessionID] == promoted {
		delete(c.pending, sessionID)
	}
	c.mu.Unlock()
}
