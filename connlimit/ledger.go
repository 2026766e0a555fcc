// Package connlimit is C3: the connection manager (global/per-IP
// concurrency caps) and the rate limiter (fixed-window arrival counters).
// §9 resolves the ambiguity in the original between the two: the ledger
// here tracks concurrency (acquire/release), the limiter tracks arrivals
// per window.
package connlimit

import (
	"context"
	"sync"
	"time"
)

// idleReclaim is how long an IP entry with zero active connections is kept
// around before being dropped, per §4.3.
const idleReclaim = 5 * time.Minute

type ipEntry struct {
	count      int
	lastTouch  time.Time
}

// Ledger tracks a global active-connection count and a per-IP count, per
// §3's ConnectionLedger and §4.3's connection manager.
type Ledger struct {
	mu         sync.Mutex
	global     int
	globalMax  int
	perIPMax   int
	byIP       map[string]*ipEntry
}

// NewLedger returns a Ledger enforcing globalMax total and perIPMax
// per-source-IP concurrent connections.
func NewLedger(globalMax, perIPMax int) *Ledger {
	return &Ledger{globalMax: globalMax, perIPMax: perIPMax, byIP: map[string]*ipEntry{}}
}

// TryAcquire attempts to admit a connection from ip. It succeeds iff
// global < globalMax AND the IP's count < perIPMax, incrementing both on
// success, per §4.3.
func (l *Ledger) TryAcquire(ip string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.reclaimLocked(time.Now())

	e := l.byIP[ip]
	if e == nil {
		e = &ipEntry{}
		l.byIP[ip] = e
	}
	if l.global >= l.globalMax || e.count >= l.perIPMax {
		return false
	}
	l.global++
	e.count++
	e.lastTouch = time.Now()
	return true
}

// Release gives back a connection slot for ip.
func (l *Ledger) Release(ip string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.global > 0 {
		l.global--
	}
	if e := l.byIP[ip]; e != nil {
		if e.count > 0 {
			e.count--
		}
		e.lastTouch = time.Now()
	}
}

// WaitForCapacity polls at delay intervals until TryAcquire(ip) succeeds or
// ctx is done, per §4.3's wait_for_capacity. Pass a context.WithTimeout for
// the "timeout elapses" half of the contract.
func (l *Ledger) WaitForCapacity(ctx context.Context, ip string, delay time.Duration) bool {
	if delay <= 0 {
		delay = 100 * time.Millisecond
	}
	if l.TryAcquire(ip) {
		return true
	}
	t := time.NewTicker(delay)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return false
		case <-t.C:
			if l.TryAcquire(ip) {
				return true
			}
		}
	}
}

// reclaimLocked drops IP entries idle (zero active connections, untouched)
// for more than idleReclaim, per §3's ConnectionLedger invariant.
func (l *Ledger) reclaimLocked(now time.Time) {
	for ip, e := range l.byIP {
		if e.count == 0 && now.Sub(e.lastTouch) > idleReclaim {
			delete(l.byIP, ip)
		}
	}
}

// Global returns the current global active connection count.
func (l *Ledger) Global() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.global
}
