// Package unread maintains per (user, conversation) unread counts.
//
// A count is always derived from sequence numbers, never from elapsed time:
// it equals the number of messages from other senders with seq greater than
// the user's last-acknowledged seq. Cached records are invalidated after
// reconnect gaps and recomputed from the store.
package unread

import (
	"context"
	"log/slog"

	"huddle/internal/models"

	"github.com/c-pro/geche"
)

// Fetcher is the slice of the store adapter the counter needs for
// recomputing a count after a gap or a cold cache.
type Fetcher interface {
	FetchSince(ctx context.Context, conversationID string, seq int64) ([]models.Message, error)
	LastAck(ctx context.Context, conversationID, userID string) (int64, error)
}

type record struct {
	count   int64
	lastAck int64
	maxSeq  int64 // highest seq this record has accounted for
	stale   bool  // set after a delivery gap; forces recompute on next ack
}

type Counter struct {
	recs  *geche.Locker[string, *record]
	store Fetcher
	log   *slog.Logger
}

func NewCounter(store Fetcher, log *slog.Logger) *Counter {
	if log == nil {
		log = slog.Default()
	}
	return &Counter{
		recs:  geche.NewLocker[string, *record](geche.NewMapCache[string, *record]()),
		store: store,
		log:   log,
	}
}

func key(conversationID, userID string) string {
	return conversationID + "\x00" + userID
}

// Update is a changed count the router should deliver to the user.
type Update struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
	Count          int64  `json:"count"`
}

// OnMessage increments the count for every participant that neither sent the
// message nor is actively viewing the conversation. Returns the changed
// counts for delivery.
func (c *Counter) OnMessage(conversationID string, msg models.Message, participants, activeViewers []string) []Update {
	viewing := make(map[string]bool, len(activeViewers))
	for _, v := range activeViewers {
		viewing[v] = true
	}

	tx := c.recs.Lock()
	defer tx.Unlock()

	var updates []Update
	for _, userID := range participants {
		if userID == msg.SenderID || viewing[userID] {
			continue
		}
		k := key(conversationID, userID)
		rec, err := tx.Get(k)
		if err != nil {
			rec = &record{}
		}
		if msg.Seq <= rec.maxSeq {
			continue // already counted (replayed delivery)
		}
		rec.count++
		rec.maxSeq = msg.Seq
		tx.Set(k, rec)
		updates = append(updates, Update{
			ConversationID: conversationID,
			UserID:         userID,
			Count:          rec.count,
		})
	}
	return updates
}

// OnReadReceipt sets the user's count to the number of messages with seq
// greater than ackSeq and returns it. The cheap path zeroes the cached
// record when the ack covers everything it has seen; otherwise the count is
// recomputed from the store, which also heals stale records.
func (c *Counter) OnReadReceipt(ctx context.Context, conversationID, userID string, ackSeq int64) (int64, error) {
	k := key(conversationID, userID)

	tx := c.recs.Lock()
	rec, err := tx.Get(k)
	if err == nil && !rec.stale && ackSeq >= rec.maxSeq {
		rec.count = 0
		rec.lastAck = ackSeq
		tx.Set(k, rec)
		tx.Unlock()
		return 0, nil
	}
	tx.Unlock()

	// The receipt may carry a rewound seq; the durable marker is monotonic,
	// so rebuild from whichever is further ahead.
	stored, err := c.store.LastAck(ctx, conversationID, userID)
	if err != nil {
		return 0, err
	}
	if stored > ackSeq {
		ackSeq = stored
	}
	return c.recompute(ctx, conversationID, userID, ackSeq)
}

// recompute rebuilds the record from the store. The cache lock is never held
// across the store call.
func (c *Counter) recompute(ctx context.Context, conversationID, userID string, ackSeq int64) (int64, error) {
	msgs, err := c.store.FetchSince(ctx, conversationID, ackSeq)
	if err != nil {
		return 0, err
	}

	var count, maxSeq int64
	for _, m := range msgs {
		if m.Seq > maxSeq {
			maxSeq = m.Seq
		}
		if m.SenderID != userID {
			count++
		}
	}
	if maxSeq < ackSeq {
		maxSeq = ackSeq
	}

	tx := c.recs.Lock()
	tx.Set(key(conversationID, userID), &record{count: count, lastAck: ackSeq, maxSeq: maxSeq})
	tx.Unlock()
	return count, nil
}

// MarkStale flags the record so the next read receipt recomputes from the
// store. Called after a session reconnects across a delivery gap.
func (c *Counter) MarkStale(conversationID, userID string) {
	tx := c.recs.Lock()
	defer tx.Unlock()

	k := key(conversationID, userID)
	rec, err := tx.Get(k)
	if err != nil {
		rec = &record{stale: true}
	} else {
		rec.stale = true
	}
	tx.Set(k, rec)
}

// Get returns the user's unread count for the conversation. A missing or
// stale record is rebuilt from the store, so a fresh process reports real
// counts instead of zero.
func (c *Counter) Get(ctx context.Context, conversationID, userID string) (int64, error) {
	tx := c.recs.Lock()
	rec, err := tx.Get(key(conversationID, userID))
	if err == nil && !rec.stale {
		count := rec.count
		tx.Unlock()
		return count, nil
	}
	tx.Unlock()

	ack, err := c.store.LastAck(ctx, conversationID, userID)
	if err != nil {
		return 0, err
	}
	return c.recompute(ctx, conversationID, userID, ack)
}
