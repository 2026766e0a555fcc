package mailqueue

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// FetchReady implements §4.7's fetch_ready: first promote any failure/
// entry whose scheduled retry time has arrived back into active/, then
// reclaim any inflight/ entry whose lease has expired, then attempt to
// lease one message from active/ by winning a rename race into inflight/.
// It returns (nil, nil) if nothing is currently leasable.
func (q *Queue) FetchReady() (*Message, error) {
	if err := q.promoteDueRetries(); err != nil {
		return nil, err
	}
	if err := q.reclaimExpiredLeases(); err != nil {
		return nil, err
	}
	return q.leaseOneActive()
}

// promoteDueRetries moves failure/ entries whose NEXT-RETRY timestamp has
// passed back into active/, per §8's S5 backoff property.
func (q *Queue) promoteDueRetries() error {
	entries, err := os.ReadDir(q.dir("failure"))
	if err != nil {
		return fmt.Errorf("mailqueue: list failure dir: %w", err)
	}
	now := time.Now()
	for _, e := range entries {
		path := filepath.Join(q.dir("failure"), e.Name())
		content, err := os.ReadFile(path)
		if err != nil {
			continue // raced with a concurrent worker; skip.
		}
		nextRetry := parseNextRetry(content)
		if nextRetry.After(now) {
			continue
		}
		dest := filepath.Join(q.dir("active"), e.Name())
		if err := os.Rename(path, dest); err != nil {
			continue // lost the race, or already moved; fine either way.
		}
	}
	return nil
}

// reclaimExpiredLeases moves any inflight/ entry whose mtime is older than
// leaseTimeout back into active/, per §4.7 step 1 and §8's S4.
func (q *Queue) reclaimExpiredLeases() error {
	entries, err := os.ReadDir(q.dir("inflight"))
	if err != nil {
		return fmt.Errorf("mailqueue: list inflight dir: %w", err)
	}
	now := time.Now()
	for _, e := range entries {
		info, err := e.Info()
		if err != nil {
			continue
		}
		if now.Sub(info.ModTime()) <= q.leaseTimeout {
			continue
		}
		src := filepath.Join(q.dir("inflight"), e.Name())
		dest := filepath.Join(q.dir("active"), e.Name())
		if err := os.Rename(src, dest); err != nil {
			continue // a losing race means another reclaimer got there first.
		}
		_ = os.Chtimes(dest, now, now) // reset so the eventual re-lease doesn't inherit a stale mtime
	}
	return nil
}

// leaseOneActive attempts to win a lease on one active/ entry by renaming
// it into inflight/, per §4.7 step 2-3.
func (q *Queue) leaseOneActive() (*Message, error) {
	entries, err := os.ReadDir(q.dir("active"))
	if err != nil {
		return nil, fmt.Errorf("mailqueue: list active dir: %w", err)
	}
	for _, e := range entries {
		src := filepath.Join(q.dir("active"), e.Name())
		dst := filepath.Join(q.dir("inflight"), e.Name())
		if err := os.Rename(src, dst); err != nil {
			continue // race lost to another worker; try the next entry.
		}
		_ = os.Chtimes(dst, time.Now(), time.Now()) // mtime = lease time, per §4.7/§8 S4
		msg, err := q.readLeasedMessage(e.Name())
		if err != nil {
			return nil, err
		}
		if msg == nil {
			continue // empty content moved to permanent_fail/, keep scanning.
		}
		return msg, nil
	}
	return nil, nil
}

// readLeasedMessage reads back a just-leased inflight/ entry; an empty file
// is moved straight to permanent_fail/ per §4.7 step 3.
func (q *Queue) readLeasedMessage(name string) (*Message, error) {
	path := filepath.Join(q.dir("inflight"), name)
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("mailqueue: read leased message: %w", err)
	}
	if len(content) == 0 {
		dest := filepath.Join(q.dir("permanent_fail"), name)
		if err := os.Rename(path, dest); err != nil {
			return nil, fmt.Errorf("mailqueue: move empty message to permanent_fail: %w", err)
		}
		return nil, nil
	}
	from, to, storeIDs, raw, err := parseMessage(content)
	if err != nil {
		return nil, err
	}
	id := strings.TrimSuffix(name, ".msg")
	return &Message{ID: id, From: from, To: to, StoreIDs: storeIDs, Raw: raw, RetryCount: parseRetryCount(content)}, nil
}

func parseRetryCount(content []byte) int {
	for _, line := range strings.Split(string(content), "\n") {
		if v, ok := cutPrefix(line, "RETRY: "); ok {
			if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
				return n
			}
		}
		if strings.HasPrefix(line, "---RAW---") {
			break
		}
	}
	return 0
}

func parseNextRetry(content []byte) time.Time {
	for _, line := range strings.Split(string(content), "\n") {
		if v, ok := cutPrefix(line, "NEXT-RETRY: "); ok {
			if n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64); err == nil {
				return time.Unix(n, 0)
			}
		}
		if strings.HasPrefix(line, "---RAW---") {
			break
		}
	}
	return time.Time{} // no NEXT-RETRY line: treat as immediately due.
}

// MarkSuccess removes the inflight/ entry for id, per §4.7.
func (q *Queue) MarkSuccess(id string) error {
	path := filepath.Join(q.dir("inflight"), id+".msg")
	if err := os.Remove(path); err != nil {
		return fmt.Errorf("mailqueue: mark success: %w", err)
	}
	return nil
}

// Backoff returns the retry delay for retryCount, clamped to the last
// table entry for counts >= len(backoffTable), per §4.7.
func Backoff(retryCount int) time.Duration {
	if retryCount < 0 {
		retryCount = 0
	}
	if retryCount >= len(backoffTable) {
		retryCount = len(backoffTable) - 1
	}
	return time.Duration(backoffTable[retryCount]) * time.Second
}

// MarkTempFail renames inflight/<id> into failure/<id>, rewriting the
// message with an incremented RETRY count and a NEXT-RETRY timestamp of
// now+backoff(retryCount), per §4.7.
func (q *Queue) MarkTempFail(id string, retryCount int, reason string) error {
	src := filepath.Join(q.dir("inflight"), id+".msg")
	dst := filepath.Join(q.dir("failure"), id+".msg")
	if err := os.Rename(src, dst); err != nil {
		return fmt.Errorf("mailqueue: mark temp fail: %w", err)
	}

	// The state transition above is the durable part (§8 invariant #1: the
	// file is continuously present under exactly one of the four dirs).
	// Rewriting the retry bookkeeping below is a best-effort metadata
	// update on the now-current file; writeAtomic never leaves the path
	// missing, only briefly stale.
	content, err := os.ReadFile(dst)
	if err != nil {
		return fmt.Errorf("mailqueue: read failure message: %w", err)
	}
	from, to, storeIDs, raw, err := parseMessage(content)
	if err != nil {
		return err
	}
	newRetryCount := retryCount + 1
	nextRetry := time.Now().Add(Backoff(retryCount))
	rewritten := formatMessageWithRetry(from, to, storeIDs, raw, newRetryCount, nextRetry)
	return writeAtomic(dst, rewritten)
}

func formatMessageWithRetry(from, to string, storeIDs map[string]string, raw []byte, retryCount int, nextRetry time.Time) []byte {
	header := fmt.Sprintf("FROM: %s\nTO: %s\nSTOREIDS: %s\nRETRY: %d\nNEXT-RETRY: %d\n---RAW---\n", from, to, encodeStoreIDs(storeIDs), retryCount, nextRetry.Unix())
	return append([]byte(header), raw...)
}

// MarkPermFail renames inflight/<id> into permanent_fail/<id>, per §4.7.
func (q *Queue) MarkPermFail(id, reason string) error {
	src := filepath.Join(q.dir("inflight"), id+".msg")
	dst := filepath.Join(q.dir("permanent_fail"), id+".msg")
	if err := os.Rename(src, dst); err != nil {
		return fmt.Errorf("mailqueue: mark perm fail: %w", err)
	}
	return nil
}
