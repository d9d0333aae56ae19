package session

import (
	"sync"
	"time"
)

// Limiter admits at most Limit uploads per caller in any rolling Window.
type Limiter struct {
	limit  int
	window time.Duration
	now    func() time.Time

	mu        sync.Mutex
	hits      map[string][]time.Time
	lastSweep time.Time
}

func NewLimiter(limit int, window time.Duration, now func() time.Time) *Limiter {
	if now == nil {
		now = time.Now
	}
	return &Limiter{
		limit:  limit,
		window: window,
		now:    now,
		hits:   make(map[string][]time.Time),
	}
}

// Allow records an upload for key when it fits in the window. When it does
// not, retryAfter is how long until the oldest upload leaves the window.
func (l *Limiter) Allow(key string) (bool, time.Duration) {
	if l.limit <= 0 {
		return true, 0
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	cutoff := now.Add(-l.window)
	l.sweep(now, cutoff)
	hits := live(l.hits[key], cutoff)

	if len(hits) >= l.limit {
		l.hits[key] = hits
		return false, hits[0].Add(l.window).Sub(now)
	}
	l.hits[key] = append(hits, now)
	return true, 0
}

// Refund forgets the most recent upload recorded for key.
func (l *Limiter) Refund(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	hits := l.hits[key]
	if len(hits) == 0 {
		return
	}
	if len(hits) == 1 {
		delete(l.hits, key)
		return
	}
	l.hits[key] = hits[:len(hits)-1]
}

// Len returns the number of callers with uploads inside the window.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	l.lastSweep = time.Time{}
	l.sweep(now, now.Add(-l.window))
	return len(l.hits)
}

// sweep drops callers whose uploads have all left the window, at most once
// per window.
func (l *Limiter) sweep(now, cutoff time.Time) {
	if now.Sub(l.lastSweep) < l.window {
		return
	}
	for key, hits := range l.hits {
		if len(live(hits, cutoff)) == 0 {
			delete(l.hits, key)
		}
	}
	l.lastSweep = now
}

func live(hits []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(hits) && !hits[i].After(cutoff) {
		i++
	}
	return hits[i:]
}
