package mailqueue

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestEnqueueAndFetchReady(t *testing.T) {
	dir := t.TempDir()
	q, err := Open(dir, Options{})
	if err != nil {
		t.Fatal(err)
	}
	id, err := q.Enqueue("alice@example.org", "bob@example.net", []byte("Subject: hi\r\n\r\nbody\r\n"), nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(dir, "active", id+".msg")); err != nil {
		t.Fatalf("expected file in active/: %v", err)
	}

	msg, err := q.FetchReady()
	if err != nil {
		t.Fatal(err)
	}
	if msg == nil {
		t.Fatal("expected a leasable message")
	}
	if msg.From != "alice@example.org" || msg.To != "bob@example.net" {
		t.Fatalf("unexpected envelope: %+v", msg)
	}
	if _, err := os.Stat(filepath.Join(dir, "inflight", id+".msg")); err != nil {
		t.Fatalf("expected file in inflight/: %v", err)
	}

	if err := q.MarkSuccess(id); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(dir, "inflight", id+".msg")); !os.IsNotExist(err) {
		t.Fatal("expected inflight entry removed after mark success")
	}
}

func TestEnqueuePersistsStoreIDs(t *testing.T) {
	dir := t.TempDir()
	q, err := Open(dir, Options{})
	if err != nil {
		t.Fatal(err)
	}
	ids := map[string]string{"bob@example.net": "store-id-1"}
	id, err := q.Enqueue("alice@example.org", "bob@example.net", []byte("body"), ids)
	if err != nil {
		t.Fatal(err)
	}

	msg, err := q.FetchReady()
	if err != nil {
		t.Fatal(err)
	}
	if msg == nil || msg.ID != id {
		t.Fatalf("expected to lease the enqueued message, got %+v", msg)
	}
	if msg.StoreIDs["bob@example.net"] != "store-id-1" {
		t.Fatalf("expected store id to round-trip, got %+v", msg.StoreIDs)
	}

	if err := q.MarkTempFail(id, 0, "connection refused"); err != nil {
		t.Fatal(err)
	}
	content, err := os.ReadFile(filepath.Join(dir, "failure", id+".msg"))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(content), "bob@example.net=store-id-1") {
		t.Fatalf("expected store id to survive MarkTempFail's rewrite, got %q", content)
	}
}

func TestQueueDepthCap(t *testing.T) {
	dir := t.TempDir()
	q, err := Open(dir, Options{MaxQueueDepth: 1})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := q.Enqueue("a@b", "c@d", []byte("one"), nil); err != nil {
		t.Fatal(err)
	}
	if _, err := q.Enqueue("a@b", "c@d", []byte("two"), nil); err == nil {
		t.Fatal("expected enqueue to fail once depth cap reached")
	}
}

func TestLeaseRecoveryAfterExpiry(t *testing.T) {
	dir := t.TempDir()
	q, err := Open(dir, Options{LeaseTimeout: 100 * time.Millisecond})
	if err != nil {
		t.Fatal(err)
	}
	id, err := q.Enqueue("a@b", "c@d", []byte("body"), nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := q.FetchReady(); err != nil {
		t.Fatal(err)
	}
	inflightPath := filepath.Join(dir, "inflight", id+".msg")
	past := time.Now().Add(-1 * time.Second)
	if err := os.Chtimes(inflightPath, past, past); err != nil {
		t.Fatal(err)
	}

	msg, err := q.FetchReady()
	if err != nil {
		t.Fatal(err)
	}
	if msg == nil || msg.ID != id {
		t.Fatalf("expected the same message to be re-leased, got %+v", msg)
	}

	// The re-lease above must refresh inflight/<id>.msg's mtime to now, per
	// §4.7's "mtime = lease time" and §8's S4. If it didn't, the stale mtime
	// inherited from the original enqueue/lease would make this re-leased
	// message immediately reclaim-eligible again instead of holding a full
	// lease window.
	if again, err := q.FetchReady(); err != nil {
		t.Fatal(err)
	} else if again != nil {
		t.Fatalf("expected freshly re-leased message to hold its lease window, got %+v", again)
	}
}

func TestMarkTempFailSchedulesBackoff(t *testing.T) {
	dir := t.TempDir()
	q, err := Open(dir, Options{})
	if err != nil {
		t.Fatal(err)
	}
	id, err := q.Enqueue("a@b", "c@d", []byte("body"), nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := q.FetchReady(); err != nil {
		t.Fatal(err)
	}
	if err := q.MarkTempFail(id, 2, "connection refused"); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(dir, "failure", id+".msg")); err != nil {
		t.Fatalf("expected file in failure/: %v", err)
	}

	// retryCount=2 -> backoff(2) = 1800s, should not be re-leasable yet.
	msg, err := q.FetchReady()
	if err != nil {
		t.Fatal(err)
	}
	if msg != nil {
		t.Fatalf("expected message to still be within its backoff window, got %+v", msg)
	}
}

func TestMarkPermFail(t *testing.T) {
	dir := t.TempDir()
	q, err := Open(dir, Options{})
	if err != nil {
		t.Fatal(err)
	}
	id, err := q.Enqueue("a@b", "c@d", []byte("body"), nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := q.FetchReady(); err != nil {
		t.Fatal(err)
	}
	if err := q.MarkPermFail(id, "bounced"); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(dir, "permanent_fail", id+".msg")); err != nil {
		t.Fatalf("expected file in permanent_fail/: %v", err)
	}
}

func TestOrphanTempFileRemovedOnOpen(t *testing.T) {
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, "active"), 0o700); err != nil {
		t.Fatal(err)
	}
	orphan := filepath.Join(dir, "active", "stray.msg.tmp")
	if err := os.WriteFile(orphan, []byte("partial"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := Open(dir, Options{}); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(orphan); !os.IsNotExist(err) {
		t.Fatal("expected orphan .tmp file to be removed on open")
	}
}

func TestBackoffClamping(t *testing.T) {
	if Backoff(0) != 60*time.Second {
		t.Fatalf("unexpected backoff(0): %v", Backoff(0))
	}
	if Backoff(10) != 86400*time.Second {
		t.Fatalf("unexpected clamped backoff(10): %v", Backoff(10))
	}
}

func TestStats(t *testing.T) {
	dir := t.TempDir()
	q, err := Open(dir, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := q.Enqueue("a@b", "c@d", []byte("one"), nil); err != nil {
		t.Fatal(err)
	}
	if _, err := q.Enqueue("a@b", "c@d", []byte("two"), nil); err != nil {
		t.Fatal(err)
	}
	stats, err := q.Stats()
	if err != nil {
		t.Fatal(err)
	}
	if stats.Active != 2 {
		t.Fatalf("expected 2 active entries, got %d", stats.Active)
	}
}
