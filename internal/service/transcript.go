package service

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// FileTranscript appends one flattened pause line per call to a plain text
// file. The file is kept open for the session and flushed per line, so the
// deferred analysis can read it even if the process dies mid-session.
type FileTranscript struct {
	path string

	mu   sync.Mutex
	f    *os.File
	size int64
}

// NewFileTranscript creates the transcript directory if needed and opens a
// fresh timestamped file in it.
func NewFileTranscript(dir string) (*FileTranscript, error) {
	if dir == "" {
		dir = "."
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating transcript dir: %w", err)
	}
	path := filepath.Join(dir, fmt.Sprintf("debug_data-%s.txt", time.Now().Format("20060102-150405")))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o644)
	if err != nil {
		return nil, fmt.Errorf("creating transcript: %w", err)
	}
	return &FileTranscript{path: path, f: f}, nil
}

// Append writes one line. Safe for concurrent use.
func (t *FileTranscript) Append(line string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.f == nil {
		return fmt.Errorf("transcript %s is closed", t.path)
	}
	n, err := t.f.WriteString(line + "\n")
	t.size += int64(n)
	if err != nil {
		return fmt.Errorf("appending to transcript: %w", err)
	}
	return t.f.Sync()
}

// Path returns the transcript file location.
func (t *FileTranscript) Path() string { return t.path }

// Size returns the bytes written so far.
func (t *FileTranscript) Size() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.size
}

// Close releases the file handle. The file itself is kept.
func (t *FileTranscript) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.f == nil {
		return nil
	}
	err := t.f.Close()
	t.f = nil
	return err
}
