// Package queue provides the bounded per-session outbound event buffer.
//
// A plain buffered channel cannot express the router's drop policy: under
// pressure the oldest droppable event (typing, receipts) must be evicted
// while queued messages survive. So the buffer is a mutex-guarded slice with
// a signal channel for waiters.
package queue

import (
	"context"
	"errors"
	"sync"

	"huddle/internal/models"
)

// ErrOverflow means the queue is full of undroppable events and one more
// message arrived. The session must be migrated to polling; the message is
// not lost, it stays in the store for replay.
var ErrOverflow = errors.New("outbound queue overflow")

var errClosed = errors.New("queue closed")

type Queue struct {
	mu      sync.Mutex
	events  []models.Event
	cap     int
	dropped int
	closed  bool
	notify  chan struct{}
}

func New(capacity int) *Queue {
	return &Queue{
		cap:    capacity,
		notify: make(chan struct{}, 1),
	}
}

// Push enqueues an event and reports how many events this push shed (0 or
// 1). When the buffer is full it evicts the oldest droppable event to make
// room; if nothing is droppable, a droppable newcomer is shed and a message
// returns ErrOverflow.
func (q *Queue) Push(ev models.Event) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return 0, errClosed
	}

	shed := 0
	if len(q.events) >= q.cap {
		evicted := false
		for i, queued := range q.events {
			if queued.Droppable() {
				q.events = append(q.events[:i], q.events[i+1:]...)
				q.dropped++
				shed++
				evicted = true
				break
			}
		}
		if !evicted {
			if ev.Droppable() {
				q.dropped++
				return 1, nil
			}
			return 0, ErrOverflow
		}
	}

	q.events = append(q.events, ev)
	q.signal()
	return shed, nil
}

// Pop returns the next event, blocking until one is available, the queue is
// closed, or ctx is done.
func (q *Queue) Pop(ctx context.Context) (models.Event, error) {
	for {
		q.mu.Lock()
		if len(q.events) > 0 {
			ev := q.events[0]
			q.events = q.events[1:]
			if len(q.events) > 0 {
				q.signal()
			}
			q.mu.Unlock()
			return ev, nil
		}
		closed := q.closed
		q.mu.Unlock()

		if closed {
			return models.Event{}, errClosed
		}

		select {
		case <-q.notify:
		case <-ctx.Done():
			return models.Event{}, ctx.Err()
		}
	}
}

// Close wakes all waiters. Pending events are discarded; the session is
// going away and will reconcile from the store if it comes back.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.events = nil
	q.mu.Unlock()
	q.signal()
}

// Drain discards pending events without closing the queue. Used before a
// reconciliation replay so stale pre-gap events never reach the client.
func (q *Queue) Drain() {
	q.mu.Lock()
	q.events = nil
	q.mu.Unlock()
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.events)
}

// Dropped returns how many droppable events were shed so far.
func (q *Queue) Dropped() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}

func (q *Queue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}
