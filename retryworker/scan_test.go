package retryworker

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/duskmail/duskmail/externals"
	"github.com/duskmail/duskmail/mailqueue"
	"github.com/duskmail/duskmail/mailstore"
	"github.com/duskmail/duskmail/mlog"
)

type fakeScanner struct {
	verdict externals.ScanVerdict
	err     error
}

func (f fakeScanner) Scan(hash string, raw []byte) (externals.ScanVerdict, error) {
	return f.verdict, f.err
}

func TestSubmitAsyncScanQuarantinesByStoreID(t *testing.T) {
	root := t.TempDir()
	store := mailstore.New(root)

	id, err := store.Store("alice", "bob@example.org", "alice@example.org", []byte("body"))
	if err != nil {
		t.Fatalf("store message: %v", err)
	}

	w := &Worker{deps: Deps{
		Store:   store,
		Log:     mlog.New("retryworkertest"),
		Scanner: fakeScanner{verdict: externals.ScanVerdict{Infected: true, VirusName: "EICAR"}},
	}}

	msg := &mailqueue.Message{
		ID:       "queue-id-unrelated-to-store-id",
		From:     "bob@example.org",
		To:       "alice@example.org",
		StoreIDs: map[string]string{"alice@example.org": id},
		Raw:      []byte("body"),
	}

	w.submitAsyncScan(msg)

	deadline := time.Now().Add(2 * time.Second)
	quarantinePath := filepath.Join(root, "alice", "Quarantine", id+".eml")
	for time.Now().Before(deadline) {
		if _, err := os.Stat(quarantinePath); err == nil {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("expected message quarantined at %s by store id, not queue id", quarantinePath)
}

func TestSubmitAsyncScanSkipsRecipientMissingStoreID(t *testing.T) {
	root := t.TempDir()
	store := mailstore.New(root)

	w := &Worker{deps: Deps{
		Store:   store,
		Log:     mlog.New("retryworkertest"),
		Scanner: fakeScanner{verdict: externals.ScanVerdict{Infected: true, VirusName: "EICAR"}},
	}}

	msg := &mailqueue.Message{
		ID:       "queue-id",
		From:     "bob@example.org",
		To:       "alice@example.org",
		StoreIDs: map[string]string{},
		Raw:      []byte("body"),
	}

	done := make(chan struct{})
	go func() {
		w.submitAsyncScan(msg)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("submitAsyncScan did not return")
	}
}
