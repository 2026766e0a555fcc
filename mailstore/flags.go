package mailstore

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Flags reads "<root>/<user>/flags.txt": one line per message id,
// whitespace-separated tokens, first token the id, per §6's IMAP boundary.
func (s *Store) Flags(user string) (map[string][]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readFlagsLocked(user)
}

func (s *Store) readFlagsLocked(user string) (map[string][]string, error) {
	path := filepath.Join(s.root, user, "flags.txt")
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return map[string][]string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("mailstore: open flags file: %w", err)
	}
	defer f.Close()

	out := map[string][]string{}
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}
		out[fields[0]] = fields[1:]
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("mailstore: read flags file: %w", err)
	}
	return out, nil
}

// SetFlags sets id's flag set and rewrites flags.txt atomically (temp+
// rename), keeping the file format IMAP session code (outside the core)
// can parse line-by-line.
func (s *Store) SetFlags(user, id string, flags []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	all, err := s.readFlagsLocked(user)
	if err != nil {
		return err
	}
	all[id] = flags

	ids := make([]string, 0, len(all))
	for k := range all {
		ids = append(ids, k)
	}
	sort.Strings(ids)

	var b strings.Builder
	for _, k := range ids {
		b.WriteString(k)
		for _, flag := range all[k] {
			b.WriteByte(' ')
			b.WriteString(flag)
		}
		b.WriteByte('\n')
	}

	dir := filepath.Join(s.root, user)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("mailstore: create user dir: %w", err)
	}
	return writeAtomic(filepath.Join(dir, "flags.txt"), []byte(b.String()))
}
