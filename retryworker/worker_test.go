package retryworker

import (
	"testing"
)

func TestSplitRecipients(t *testing.T) {
	got := splitRecipients("a@example.org,b@example.org")
	if len(got) != 2 || got[0] != "a@example.org" || got[1] != "b@example.org" {
		t.Fatalf("unexpected split: %v", got)
	}
	if splitRecipients("") != nil {
		t.Fatalf("expected nil for empty input")
	}
}

func TestAddrLocalpart(t *testing.T) {
	if got := addrLocalpart("alice@example.org"); got != "alice" {
		t.Fatalf("got %q", got)
	}
	if got := addrLocalpart("noat"); got != "noat" {
		t.Fatalf("got %q", got)
	}
}

func TestLeaderElectionExclusive(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/leader.lock"

	a := newLeaderElection(path)
	b := newLeaderElection(path)

	if !a.tryBecomeLeader() {
		t.Fatalf("expected a to acquire leadership")
	}
	if b.tryBecomeLeader() {
		t.Fatalf("expected b to fail to acquire leadership while a holds it")
	}
	a.release()
	if !b.tryBecomeLeader() {
		t.Fatalf("expected b to acquire leadership after a released")
	}
	b.release()
}
