package connlimit

import (
	"sync"
	"time"
)

// window is a single fixed-window counter, equivalent to one of §3's
// RateLimiterBuckets: a bucket whose window has expired behaves as fresh.
type window struct {
	limit      int
	duration   time.Duration
	mu         sync.Mutex
	counts     map[any]int
	windowEdge map[any]int64
}

func newWindow(limit int, duration time.Duration) *window {
	return &window{
		limit:      limit,
		duration:   duration,
		counts:     map[any]int{},
		windowEdge: map[any]int64{},
	}
}

// allow reports whether one more event for key is permitted in the current
// window, incrementing its count on success. A key whose window has
// expired starts fresh, per §3.
func (w *window) allow(key any, now time.Time) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	edge := now.UnixNano() / int64(w.duration)
	if w.windowEdge[key] != edge {
		w.windowEdge[key] = edge
		w.counts[key] = 0
	}
	if w.counts[key] >= w.limit {
		return false
	}
	w.counts[key]++
	return true
}

// reset clears key's counter, used when an auth failure window should be
// cleared after a successful authentication.
func (w *window) reset(key any) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.counts, key)
	delete(w.windowEdge, key)
}

// RateLimiter holds the three independent fixed-window counters from §4.3:
// connections per IP, commands per session, and auth failures per IP.
type RateLimiter struct {
	connectionsPerIP *window
	commandsPerSess  *window
	authFailuresPerIP *window
}

// Defaults per §4.3: 30 connections/min/IP, 120 commands/min/session, 5 auth
// failures per 10 minutes per IP.
func NewRateLimiter(connsPerMinPerIP, cmdsPerMinPerSession, authFailuresPer10Min int) *RateLimiter {
	if connsPerMinPerIP <= 0 {
		connsPerMinPerIP = 30
	}
	if cmdsPerMinPerSession <= 0 {
		cmdsPerMinPerSession = 120
	}
	if authFailuresPer10Min <= 0 {
		authFailuresPer10Min = 5
	}
	return &RateLimiter{
		connectionsPerIP:  newWindow(connsPerMinPerIP, time.Minute),
		commandsPerSess:   newWindow(cmdsPerMinPerSession, time.Minute),
		authFailuresPerIP: newWindow(authFailuresPer10Min, 10*time.Minute),
	}
}

// AllowConnection reports whether ip may open another connection this
// window.
func (r *RateLimiter) AllowConnection(ip string) bool {
	return r.connectionsPerIP.allow(ip, time.Now())
}

// AllowCommand reports whether session may issue another command this
// window. sessionKey should be a stable per-session identifier (e.g. the
// *smtpserver.Session pointer).
func (r *RateLimiter) AllowCommand(sessionKey any) bool {
	return r.commandsPerSess.allow(sessionKey, time.Now())
}

// RecordAuthFailure increments ip's auth-failure bucket.
func (r *RateLimiter) RecordAuthFailure(ip string) {
	r.authFailuresPerIP.mu.Lock()
	now := time.Now()
	edge := now.UnixNano() / int64(r.authFailuresPerIP.duration)
	if r.authFailuresPerIP.windowEdge[ip] != edge {
		r.authFailuresPerIP.windowEdge[ip] = edge
		r.authFailuresPerIP.counts[ip] = 0
	}
	r.authFailuresPerIP.counts[ip]++
	r.authFailuresPerIP.mu.Unlock()
}

// AllowAuth reports whether ip may attempt authentication: it fails once
// the failure bucket is full, until the window expires, per §4.3.
func (r *RateLimiter) AllowAuth(ip string) bool {
	r.authFailuresPerIP.mu.Lock()
	defer r.authFailuresPerIP.mu.Unlock()
	now := time.Now()
	edge := now.UnixNano() / int64(r.authFailuresPerIP.duration)
	if r.authFailuresPerIP.windowEdge[ip] != edge {
		return true
	}
	return r.authFailuresPerIP.counts[ip] < r.authFailuresPerIP.limit
}

// ResetAuthFailures clears ip's auth-failure bucket, called after a
// successful authentication.
func (r *RateLimiter) ResetAuthFailures(ip string) {
	r.authFailuresPerIP.reset(ip)
}
