package retryworker

import (
	"os"

	"golang.org/x/sys/unix"
)

// leaderElection is §4.10's HA gate: an exclusive, non-blocking file lock
// on <queue>/leader.lock. Grounded on
// _examples/original_source/src/ha/leader_election.cpp's
// open+flock(LOCK_EX|LOCK_NB) pattern, translated to unix.Flock since this
// repo targets Go rather than the original's Win32/POSIX dual path (§9
// resolves HA as POSIX-only, matching the rest of the corpus's
// golang.org/x/sys usage).
type leaderElection struct {
	path   string
	file   *os.File
	fd     int
	leader bool
}

func newLeaderElection(path string) *leaderElection {
	return &leaderElection{path: path, fd: -1}
}

// tryBecomeLeader attempts to acquire the lock, returning true if this
// process now holds leadership (or already did).
func (l *leaderElection) tryBecomeLeader() bool {
	if l.leader {
		return true
	}
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return false
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		return false
	}
	l.fd = int(f.Fd())
	l.file = f
	l.leader = true
	return true
}

func (l *leaderElection) release() {
	if !l.leader {
		return
	}
	unix.Flock(l.fd, unix.LOCK_UN)
	l.file.Close()
	l.fd = -1
	l.leader = false
}
