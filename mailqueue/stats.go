package mailqueue

import (
	"fmt"
	"os"
	"path/filepath"
)

// Stats is the mail_queue_depth gauge breakdown, per §4.12.
type Stats struct {
	Active        int
	Inflight      int
	Retrying      int // failure/ entries with retryCount < len(backoffTable): the original's countReadyMessages semantics, repurposed as a gauge breakdown rather than a perm-fail trigger.
	Exhausted     int // failure/ entries with retryCount >= len(backoffTable)
	PermanentFail int
}

// Stats counts entries in each of the four state directories, classifying
// failure/ entries by whether they are still within the backoff table's
// retry budget.
func (q *Queue) Stats() (Stats, error) {
	var s Stats
	var err error
	if s.Active, err = countEntries(q.dir("active")); err != nil {
		return Stats{}, err
	}
	if s.Inflight, err = countEntries(q.dir("inflight")); err != nil {
		return Stats{}, err
	}
	if s.PermanentFail, err = countEntries(q.dir("permanent_fail")); err != nil {
		return Stats{}, err
	}
	entries, err := os.ReadDir(q.dir("failure"))
	if err != nil {
		return Stats{}, fmt.Errorf("mailqueue: list failure dir: %w", err)
	}
	for _, e := range entries {
		content, err := os.ReadFile(filepath.Join(q.dir("failure"), e.Name()))
		if err != nil {
			continue
		}
		if parseRetryCount(content) < len(backoffTable) {
			s.Retrying++
		} else {
			s.Exhausted++
		}
	}
	return s, nil
}

func countEntries(dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, fmt.Errorf("mailqueue: list %s: %w", dir, err)
	}
	return len(entries), nil
}
