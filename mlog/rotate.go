package mlog

import (
	"fmt"
	"os"
	"sync"
)

// RotatingFile is an io.Writer over a log file that rotates to
// "<path>.1" .. "<path>.<keep>" once it exceeds maxBytes, keeping at most
// keep old generations (oldest discarded). Writes are serialized.
type RotatingFile struct {
	mu       sync.Mutex
	path     string
	maxBytes int64
	keep     int
	f        *os.File
	size     int64
}

// OpenRotatingFile opens (creating if needed) path for appending, rotating
// at maxBytes and keeping keep old generations, per §4.12.
func OpenRotatingFile(path string, maxBytes int64, keep int) (*RotatingFile, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0640)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat log file: %w", err)
	}
	return &RotatingFile{path: path, maxBytes: maxBytes, keep: keep, f: f, size: fi.Size()}, nil
}

func (r *RotatingFile) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.size+int64(len(p)) > r.maxBytes {
		if err := r.rotate(); err != nil {
			return 0, err
		}
	}
	n, err := r.f.Write(p)
	r.size += int64(n)
	return n, err
}

func (r *RotatingFile) rotate() error {
	if err := r.f.Close(); err != nil {
		return fmt.Errorf("close log file for rotation: %w", err)
	}
	for i := r.keep; i >= 1; i-- {
		src := r.generation(i)
		if i == r.keep {
			os.Remove(src)
			continue
		}
		dst := r.generation(i + 1)
		if _, err := os.Stat(src); err == nil {
			os.Rename(src, dst)
		}
	}
	if err := os.Rename(r.path, r.generation(1)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("rotate log file: %w", err)
	}
	f, err := os.OpenFile(r.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0640)
	if err != nil {
		return fmt.Errorf("reopen log file after rotation: %w", err)
	}
	r.f = f
	r.size = 0
	return nil
}

func (r *RotatingFile) generation(n int) string {
	return fmt.Sprintf("%s.%d", r.path, n)
}

// Close closes the underlying file.
func (r *RotatingFile) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.f.Close()
}
