package obslog

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const defaultMaxBytes = 64 << 20 // 64MiB, per §4.10's "configurable byte cap"

// JobLogger writes one job's NDJSON events to {dir}/{jobId}.log, rotating
// the file to {jobId}.log.{n} once it exceeds MaxBytes. Adapted from the
// teacher's append-only JSONL sink: buffered writer, mutex-serialized
// writes, periodic flush, and a flush-then-retry-once policy on write
// failure.
type JobLogger struct {
	mu   sync.Mutex
	dir  string
	jobID string
	maxBytes int64

	f         *os.File
	w         *bufio.Writer
	written   int64
	lastFlush time.Time
	rotations int
	now       func() time.Time
}

// NewJobLogger opens (or creates) the job's log file under dir.
func NewJobLogger(dir, jobID string, maxBytes int64, now func() time.Time) (*JobLogger, error) {
	if maxBytes <= 0 {
		maxBytes = defaultMaxBytes
	}
	if now == nil {
		now = time.Now
	}
	l := &JobLogger{dir: dir, jobID: jobID, maxBytes: maxBytes, now: now, lastFlush: now()}
	if err := l.openCurrent(); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *JobLogger) path() string {
	return filepath.Join(l.dir, l.jobID+".log")
}

func (l *JobLogger) openCurrent() error {
	f, err := os.OpenFile(l.path(), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return err
	}
	l.f = f
	l.w = bufio.NewWriterSize(f, 1<<16)
	l.written = info.Size()
	return nil
}

// Log appends one event as a JSON line, rotating first if the file has
// grown past MaxBytes.
func (l *JobLogger) Log(e Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.written >= l.maxBytes {
		if err := l.rotate(); err != nil {
			return err
		}
	}

	line, err := json.Marshal(&e)
	if err != nil {
		return err
	}
	line = append(line, '\n')

	if _, err := l.w.Write(line); err != nil {
		_ = l.w.Flush()
		if _, err := l.w.Write(line); err != nil {
			return err
		}
	}
	l.written += int64(len(line))

	if l.now().Sub(l.lastFlush) > 100*time.Millisecond {
		_ = l.w.Flush()
		l.lastFlush = l.now()
	}
	return nil
}

// rotate closes the current file, renames it aside, and opens a fresh one.
func (l *JobLogger) rotate() error {
	_ = l.w.Flush()
	_ = l.f.Close()
	l.rotations++
	rotated := fmt.Sprintf("%s.%d", l.path(), l.rotations)
	if err := os.Rename(l.path(), rotated); err != nil {
		return err
	}
	return l.openCurrent()
}

// Flush forces any buffered events to disk.
func (l *JobLogger) Flush() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Flush()
}

// Close flushes and closes the underlying file.
func (l *JobLogger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	_ = l.w.Flush()
	return l.f.Close()
}
