// Package ratelimit provides a fixed-window request limiter keyed by
// client identifier. State lives in memory, restarting the process
// resets all windows.
package ratelimit

import (
	"sync"
	"time"
)

const (
	// DefaultMax is the default number of requests allowed per window.
	DefaultMax = 5
	// DefaultWindow is the default window length.
	DefaultWindow = time.Minute

	// unknownClient buckets requests without a usable client
	// identifier under a single shared quota.
	unknownClient = "unknown"

	// purgeThreshold is the number of tracked clients above which
	// stale entries are swept during Check.
	purgeThreshold = 1000
)

// Decision is the outcome of a rate limit check.
type Decision struct {
	Allowed   bool
	Remaining int
}

type entry struct {
	count   int
	resetAt time.Time
}

// Limiter counts requests per client in fixed windows. It is safe for
// concurrent use.
type Limiter struct {
	max    int
	window time.Duration

	mu      sync.Mutex
	clients map[string]*entry

	// NowFunc is used to determine the current time.
	NowFunc func() time.Time
}

// New creates a limiter allowing max requests per client per window.
func New(max int, window time.Duration) *Limiter {
	return &Limiter{
		max:     max,
		window:  window,
		clients: make(map[string]*entry),
		NowFunc: time.Now,
	}
}

// Window returns the configured window length.
func (l *Limiter) Window() time.Duration {
	return l.window
}

// Check records a request for clientID and reports whether it is
// allowed. Clients without an identifier share the "unknown" quota.
func (l *Limiter) Check(clientID string) Decision {
	if clientID == "" {
		clientID = unknownClient
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.NowFunc()

	if len(l.clients) > purgeThreshold {
		l.purge(now)
	}

	e, ok := l.clients[clientID]
	if !ok || !now.Before(e.resetAt) {
		l.clients[clientID] = &entry{
			count:   1,
			resetAt: now.Add(l.window),
		}

		return Decision{
			Allowed:   true,
			Remaining: l.max - 1,
		}
	}

	if e.count >= l.max {
		return Decision{Allowed: false}
	}

	e.count++

	return Decision{
		Allowed:   true,
		Remaining: l.max - e.count,
	}
}

// purge drops entries whose window has elapsed. Callers must hold mu.
func (l *Limiter) purge(now time.Time) {
	for id, e := range l.clients {
		if !now.Before(e.resetAt) {
			delete(l.clients, id)
		}
	}
}
