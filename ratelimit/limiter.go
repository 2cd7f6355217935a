// Package ratelimit provides a fixed-window request counter keyed by
// (subject, channel namespace). Counts reset at the window boundary, they are
// never decayed gradually.
package ratelimit

import (
	"sync"
	"time"
)

const (
	DefaultMaxRequests = 100
	DefaultWindow      = 60 * time.Second
)

type window struct {
	count     int
	startedAt time.Time
}

type Limiter struct {
	mu      sync.Mutex
	windows map[string]*window

	maxRequests int
	windowSize  time.Duration
	now         func() time.Time
}

type Option func(*Limiter)

// WithLimit overrides the default policy of 100 requests per 60 seconds.
func WithLimit(maxRequests int, windowSize time.Duration) Option {
	return func(l *Limiter) {
		if maxRequests > 0 {
			l.maxRequests = maxRequests
		}
		if windowSize > 0 {
			l.windowSize = windowSize
		}
	}
}

// WithClock replaces the time source. Tests use it to cross window
// boundaries without sleeping.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) {
		if now != nil {
			l.now = now
		}
	}
}

func New(opts ...Option) *Limiter {
	l := &Limiter{
		windows:     make(map[string]*window),
		maxRequests: DefaultMaxRequests,
		windowSize:  DefaultWindow,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Allow consumes one request from the window for key within namespace.
// A rejected call does not increment the count.
func (l *Limiter) Allow(key, namespace string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	id := key + "|" + namespace

	w, ok := l.windows[id]
	if !ok {
		l.windows[id] = &window{count: 1, startedAt: now}
		return true
	}

	if now.Sub(w.startedAt) >= l.windowSize {
		w.count = 1
		w.startedAt = now
		return true
	}

	if w.count >= l.maxRequests {
		return false
	}

	w.count++
	return true
}

// Remaining reports how many requests the key may still issue in the current
// window.
func (l *Limiter) Remaining(key, namespace string) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	w, ok := l.windows[key+"|"+namespace]
	if !ok || l.now().Sub(w.startedAt) >= l.windowSize {
		return l.maxRequests
	}
	remaining := l.maxRequests - w.count
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Cleanup drops windows idle for at least five window lengths. Callers run it
// on a ticker to keep the map bounded.
func (l *Limiter) Cleanup() {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	for id, w := range l.windows {
		if now.Sub(w.startedAt) > 5*l.windowSize {
			delete(l.windows, id)
		}
	}
}

func (l *Limiter) Max() int {
	return l.maxRequests
}

func (l *Limiter) Window() time.Duration {
	return l.windowSize
}
