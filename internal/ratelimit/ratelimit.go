// Package ratelimit applies a token bucket per string key, used to throttle
// per-user typing signals so a misbehaving client cannot flood the router.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const idleTTL = 10 * time.Minute

type MapLimiter struct {
	limit rate.Limit
	burst int

	mu    sync.Mutex
	byKey map[string]*entry
	hits  uint64
}

type entry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// New creates a key-based limiter; returns nil if args are invalid, and a
// nil limiter allows everything.
func New(rps float64, burst int) *MapLimiter {
	if rps <= 0 || burst <= 0 {
		return nil
	}
	return &MapLimiter{
		limit: rate.Limit(rps),
		burst: burst,
		byKey: make(map[string]*entry),
	}
}

// Allow reports whether one token can be consumed for the key at now.
func (l *MapLimiter) Allow(key string, now time.Time) bool {
	if l == nil || key == "" {
		return true
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.byKey[key]
	if !ok {
		e = &entry{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.byKey[key] = e
	}
	e.lastSeen = now

	l.hits++
	if l.hits%1024 == 0 {
		l.evictIdle(now)
	}

	return e.limiter.AllowN(now, 1)
}

func (l *MapLimiter) evictIdle(now time.Time) {
	for key, e := range l.byKey {
		if now.Sub(e.lastSeen) > idleTTL {
			delete(l.byKey, key)
		}
	}
}
