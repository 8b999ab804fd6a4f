package batch

import (
	"bufio"
	"encoding/json"
	"os"
	"sync"
	"time"
)

// ArchiveSink is the advisory memory-cleanup hook of §4.9 Phase 2: a
// buffered, append-only JSONL file that chunk processing may offload
// completed results to between chunks, so the in-memory result slice
// stays bounded for very large batches.
type ArchiveSink struct {
	mu   sync.Mutex
	f    *os.File
	w    *bufio.Writer
	path string

	lastFlush time.Time
}

// NewArchiveSink opens (or creates) the file at path in append mode.
func NewArchiveSink(path string) (*ArchiveSink, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	return &ArchiveSink{f: f, w: bufio.NewWriterSize(f, 1<<20), path: path, lastFlush: time.Now()}, nil
}

// Archive appends results as JSON lines. It is safe to call this and
// return without checking the error — the hook is explicitly advisory
// and "must be safe to skip" per §4.9.
func (s *ArchiveSink) Archive(results []ItemResult) error {
	if len(results) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	enc := json.NewEncoder(s.w)
	var firstErr error
	for _, r := range results {
		if err := enc.Encode(&r); err != nil {
			_ = s.w.Flush()
			if err := enc.Encode(&r); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	if time.Since(s.lastFlush) > 100*time.Millisecond {
		_ = s.w.Flush()
		s.lastFlush = time.Now()
	}
	return firstErr
}

// Close flushes and closes the underlying file.
func (s *ArchiveSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.w.Flush()
	return s.f.Close()
}
