// Package lifecycle implements the phased startup/shutdown coordinator
// (C11): an ordered sequence of named phases at startup, each unwinding
// the phases already started if it fails, and a triple-phase shutdown
// (stop-accept, drain, final-shutdown) driven by OS signals. Grounded on
// mjl--mox's serve.go start()/shutdown() functions: the bind-then-init
// ordering and the timeout-bounded connection drain with a hard cutover
// are carried over, generalized into a reusable phase list rather than
// mox's fixed sequence of package Init/Start calls.
package lifecycle

import (
	"fmt"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/duskmail/duskmail/mlog"
)

// defaultDrainTimeout is §4.11's default bound on phase P2.
const defaultDrainTimeout = 30 * time.Second

// Phase is one named startup step. Start runs at boot; Stop, if non-nil,
// undoes it (called during fail-fast unwind or final shutdown).
type Phase struct {
	Name  string
	Start func() error
	Stop  func()
}

// Coordinator runs an ordered phase list at startup and reverses it at
// shutdown, per §4.11.
type Coordinator struct {
	log          *mlog.Log
	phases       []Phase
	started      []Phase
	drainTimeout time.Duration

	running int32 // atomic bool, 1 while accepting

	mu       sync.Mutex
	sessions map[any]func() // active-session cancel funcs, keyed by an opaque token
}

// New returns a Coordinator for the given ordered phases. drainTimeout of
// 0 uses the §4.11 default of 30s.
func New(log *mlog.Log, phases []Phase, drainTimeout time.Duration) *Coordinator {
	if drainTimeout <= 0 {
		drainTimeout = defaultDrainTimeout
	}
	return &Coordinator{log: log, phases: phases, drainTimeout: drainTimeout, sessions: map[any]func(){}}
}

// Start runs each phase in order. If one fails, every previously started
// phase is unwound in reverse order before returning the error, per
// §4.11's "failing fast and unwinding the previously started."
func (c *Coordinator) Start() error {
	atomic.StoreInt32(&c.running, 1)
	for _, p := range c.phases {
		c.log.Info("starting phase", mlog.Field("phase", p.Name))
		if err := p.Start(); err != nil {
			c.log.Errorx("phase failed, unwinding", err, mlog.Field("phase", p.Name))
			c.unwind()
			atomic.StoreInt32(&c.running, 0)
			return fmt.Errorf("phase %s: %w", p.Name, err)
		}
		c.started = append(c.started, p)
	}
	return nil
}

// unwind stops every started phase in reverse order, swallowing nothing
// audibly (each Stop is expected to log its own errors) but never
// panicking the unwind itself.
func (c *Coordinator) unwind() {
	for i := len(c.started) - 1; i >= 0; i-- {
		p := c.started[i]
		if p.Stop == nil {
			continue
		}
		c.log.Info("stopping phase", mlog.Field("phase", p.Name))
		safeStop(p.Stop)
	}
	c.started = nil
}

func safeStop(stop func()) {
	defer func() {
		if r := recover(); r != nil {
			// A phase's Stop must not be allowed to abort the rest of the
			// unwind; this is the shutdown path's last line of defense.
		}
	}()
	stop()
}

// Running reports whether the coordinator is still in its accepting
// state; accept loops and session read loops check this (indirectly,
// through closing listeners and timeouts, per §4.11) to observe shutdown.
func (c *Coordinator) Running() bool {
	return atomic.LoadInt32(&c.running) == 1
}

// TrackSession registers an active session's cancel function so the drain
// phase can force-close it if it outlives the drain timeout. It returns a
// token to pass to UntrackSession when the session ends normally.
func (c *Coordinator) TrackSession(cancel func()) any {
	token := new(int)
	c.mu.Lock()
	c.sessions[token] = cancel
	c.mu.Unlock()
	return token
}

// UntrackSession removes a session tracked by TrackSession, called when it
// completes on its own.
func (c *Coordinator) UntrackSession(token any) {
	c.mu.Lock()
	delete(c.sessions, token)
	c.mu.Unlock()
}

func (c *Coordinator) sessionCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sessions)
}

func (c *Coordinator) forceCloseSessions() {
	c.mu.Lock()
	cancels := make([]func(), 0, len(c.sessions))
	for _, cancel := range c.sessions {
		cancels = append(cancels, cancel)
	}
	c.mu.Unlock()
	for _, cancel := range cancels {
		cancel()
	}
}

// Shutdown runs §4.11's triple phase: stop-accept (flip running to false),
// drain (wait up to the configured timeout for active sessions to finish
// on their own), final shutdown (stop every phase in reverse start order,
// swallowing and logging errors).
func (c *Coordinator) Shutdown() {
	atomic.StoreInt32(&c.running, 0) // P1: stop-accept

	// P2: drain.
	deadline := time.Now().Add(c.drainTimeout)
	for c.sessionCount() > 0 && time.Now().Before(deadline) {
		time.Sleep(100 * time.Millisecond)
	}
	if n := c.sessionCount(); n > 0 {
		c.log.Warn("drain timeout exceeded, force-closing remaining sessions", mlog.Field("count", n))
		c.forceCloseSessions()
	}

	// P3: final shutdown, reverse start order.
	c.unwind()
}

// WaitForSignal blocks until SIGINT, SIGTERM, or (where available) SIGHUP
// is received, then calls Shutdown. It is meant to run on the main
// goroutine after Start has returned successfully.
func (c *Coordinator) WaitForSignal() os.Signal {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	sig := <-sigCh
	c.log.Info("received signal, shutting down", mlog.Field("signal", sig.String()))
	c.Shutdown()
	return sig
}
