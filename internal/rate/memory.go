// Package rate is a fixed-window request limiter keyed by caller.
package rate

import (
	"sync"
	"time"
)

type window struct {
	count int
	start time.Time
}

type Limiter struct {
	mu      sync.Mutex
	windows map[string]window
	lastGC  time.Time
	now     func() time.Time
}

func NewLimiter() *Limiter {
	return &Limiter{windows: map[string]window{}, lastGC: time.Now().UTC(), now: func() time.Time { return time.Now().UTC() }}
}

// Allow counts one hit for key. When the limit is reached it returns false
// and how long until the window resets.
func (l *Limiter) Allow(key string, limit int, per time.Duration) (bool, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	if now.Sub(l.lastGC) > time.Minute {
		for k, w := range l.windows {
			if now.Sub(w.start) > 3*per {
				delete(l.windows, k)
			}
		}
		l.lastGC = now
	}
	w, ok := l.windows[key]
	if !ok || now.Sub(w.start) >= per {
		l.windows[key] = window{count: 1, start: now}
		return true, 0
	}
	if w.count >= limit {
		return false, w.start.Add(per).Sub(now)
	}
	w.count++
	l.windows[key] = w
	return true, 0
}
