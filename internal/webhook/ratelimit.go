package webhook

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"
)

// SlidingWindowLimiter admits at most ceiling requests per identity within
// any window-long interval.
type SlidingWindowLimiter struct {
	mu        sync.Mutex
	window    time.Duration
	ceiling   int
	now       func() time.Time
	hits      map[string][]time.Time
	lastSweep time.Time
}

// NewSlidingWindowLimiter creates a limiter.
func NewSlidingWindowLimiter(window time.Duration, ceiling int) *SlidingWindowLimiter {
	return &SlidingWindowLimiter{
		window:  window,
		ceiling: ceiling,
		now:     time.Now,
		hits:    make(map[string][]time.Time),
	}
}

// WithClock sets a custom clock for tests.
func (l *SlidingWindowLimiter) WithClock(now func() time.Time) *SlidingWindowLimiter {
	l.now = now
	return l
}

// Allow records a request from identity and reports whether it is admitted.
// Rejected requests are not recorded.
func (l *SlidingWindowLimiter) Allow(identity string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.sweep(now)

	hits := trim(l.hits[identity], now.Add(-l.window))
	if len(hits) >= l.ceiling {
		l.hits[identity] = hits
		return false
	}
	l.hits[identity] = append(hits, now)
	return true
}

// RetryAfter returns how long until identity frees a slot.
func (l *SlidingWindowLimiter) RetryAfter(identity string) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	hits := trim(l.hits[identity], now.Add(-l.window))
	if len(hits) < l.ceiling {
		return 0
	}
	return hits[0].Add(l.window).Sub(now)
}

// Len returns the number of tracked identities.
func (l *SlidingWindowLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.hits)
}

// sweep drops idle identities once per window.
func (l *SlidingWindowLimiter) sweep(now time.Time) {
	if now.Sub(l.lastSweep) < l.window {
		return
	}
	l.lastSweep = now
	cutoff := now.Add(-l.window)
	for id, hits := range l.hits {
		if hits = trim(hits, cutoff); len(hits) == 0 {
			delete(l.hits, id)
		} else {
			l.hits[id] = hits
		}
	}
}

// trim drops timestamps at or before cutoff. hits is in ascending order.
func trim(hits []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(hits) && !hits[i].After(cutoff) {
		i++
	}
	return hits[i:]
}

// ClientIdentity picks the rate-limit identity of a request: X-Client-Id,
// else the first X-Forwarded-For hop, else X-Real-IP, else the remote host.
func ClientIdentity(r *http.Request) string {
	if id := strings.TrimSpace(r.Header.Get("X-Client-Id")); id != "" {
		return id
	}
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		if first = strings.TrimSpace(first); first != "" {
			return first
		}
	}
	if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); ip != "" {
		return ip
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
