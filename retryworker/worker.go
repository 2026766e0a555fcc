// Package retryworker implements the retry loop and HA leader gate (C10):
// a single background task that, per §4.10, leases one ready message from
// the queue, hands it to relay for delivery, and marks the outcome back
// onto the queue. Grounded on §4.10's literal loop description; the HA
// gate is grounded on
// _examples/original_source/src/ha/leader_election.cpp (see leader.go).
package retryworker

import (
	"time"

	"github.com/duskmail/duskmail/dnsresolve"
	"github.com/duskmail/duskmail/externals"
	"github.com/duskmail/duskmail/mailqueue"
	"github.com/duskmail/duskmail/mailstore"
	"github.com/duskmail/duskmail/metrics"
	"github.com/duskmail/duskmail/mlog"
	"github.com/duskmail/duskmail/relay"
)

// idleSleep is how long the loop sleeps between iterations when there is
// nothing to lease, or when this process is not currently the HA leader.
const idleSleep = 2 * time.Second

// Deps bundles the worker's collaborators.
type Deps struct {
	Queue      *mailqueue.Queue
	Store      *mailstore.Store
	Resolver   *dnsresolve.Resolver
	Log        *mlog.Log
	HELODomain string
	HAEnabled  bool
	LockPath   string
	Scanner    externals.Scanner // optional async virus/sandbox submission
}

// Worker runs the retry loop as a single background task until Stop is
// called.
type Worker struct {
	deps    Deps
	leader  *leaderElection
	stop    chan struct{}
	stopped chan struct{}
}

// New constructs a Worker. If deps.HAEnabled, the worker only leases and
// delivers messages while it holds the exclusive leader.lock.
func New(deps Deps) *Worker {
	var le *leaderElection
	if deps.HAEnabled {
		le = newLeaderElection(deps.LockPath)
	}
	return &Worker{deps: deps, leader: le, stop: make(chan struct{}), stopped: make(chan struct{})}
}

// Run executes the retry loop until Stop is called. It is intended to run
// in its own goroutine, one per process, per §5's "one task" model.
func (w *Worker) Run() {
	defer close(w.stopped)
	for {
		select {
		case <-w.stop:
			if w.leader != nil {
				w.leader.release()
			}
			return
		default:
		}

		if w.leader != nil && !w.leader.tryBecomeLeader() {
			sleep(w.stop, idleSleep)
			continue
		}

		if !w.iterate() {
			sleep(w.stop, idleSleep)
		}
	}
}

// Stop signals the loop to exit and blocks until it has.
func (w *Worker) Stop() {
	close(w.stop)
	<-w.stopped
}

// iterate runs one lease -> relay -> classify -> mark cycle, per §4.10
// steps (b)-(d). It returns true if a message was actually leased, so the
// caller can avoid sleeping between busy iterations.
func (w *Worker) iterate() bool {
	defer func() {
		if r := recover(); r != nil {
			w.deps.Log.Error("retry iteration panicked", mlog.Field("panic", r))
		}
	}()
	msg, err := w.deps.Queue.FetchReady()
	if err != nil {
		w.deps.Log.Errorx("fetch ready message", err)
		return false
	}
	if msg == nil {
		return false
	}

	w.submitAsyncScan(msg)

	result := relay.Deliver(w.deps.Resolver, w.deps.HELODomain, msg)
	switch {
	case result.Success:
		if err := w.deps.Queue.MarkSuccess(msg.ID); err != nil {
			w.deps.Log.Errorx("mark message delivered", err)
		}
	case result.Permanent:
		if err := w.deps.Queue.MarkPermFail(msg.ID, result.Reason); err != nil {
			w.deps.Log.Errorx("mark message permanently failed", err)
		}
	default:
		if err := w.deps.Queue.MarkTempFail(msg.ID, msg.RetryCount, result.Reason); err != nil {
			w.deps.Log.Errorx("mark message temp failed", err)
		}
	}
	return true
}

// submitAsyncScan runs the virus/sandbox check alongside delivery per
// §4.10: its result never blocks the delivery decision above, but an
// infected verdict feeds back into a retroactive quarantine of any copies
// already written to recipient mailboxes.
func (w *Worker) submitAsyncScan(msg *mailqueue.Message) {
	if w.deps.Scanner == nil {
		return
	}
	go func() {
		verdict, err := w.deps.Scanner.Scan(msg.ID, msg.Raw)
		if err != nil || !verdict.Infected {
			return
		}
		for _, rcpt := range splitRecipients(msg.To) {
			user := addrLocalpart(rcpt)
			storeID, ok := msg.StoreIDs[rcpt]
			if !ok {
				w.deps.Log.Warn("retroactive quarantine skipped: no store id for recipient", mlog.Field("user", user))
				continue
			}
			if err := w.deps.Store.ApplyRetroAction(user, storeID, mailstore.RetroQuarantine); err != nil {
				w.deps.Log.Warn("retroactive quarantine failed", mlog.Field("user", user), mlog.Field("error", err.Error()))
				continue
			}
			metrics.MessagesRetroactive.Inc()
			w.deps.Log.Warn("retroactively quarantined delivered message", mlog.Field("user", user), mlog.Field("virus", verdict.VirusName))
		}
	}()
}

func sleep(stop chan struct{}, d time.Duration) {
	select {
	case <-time.After(d):
	case <-stop:
	}
}
