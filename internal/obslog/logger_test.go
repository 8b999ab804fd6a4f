package obslog

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func Test_JobLogger_WritesNDJSONLines(t *testing.T) {
	dir := t.TempDir()
	now := time.Unix(0, 0)
	l, err := NewJobLogger(dir, "job-1", 0, func() time.Time { return now })
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()

	if err := l.Log(NewEvent(now, "job-1", "corr-1", EventRequest)); err != nil {
		t.Fatal(err)
	}
	if err := l.Log(NewEvent(now, "job-1", "corr-1", EventResponse)); err != nil {
		t.Fatal(err)
	}
	if err := l.Flush(); err != nil {
		t.Fatal(err)
	}

	f, err := os.Open(filepath.Join(dir, "job-1.log"))
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	var lines int
	for scanner.Scan() {
		var e Event
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			t.Fatalf("line %d not valid JSON: %v", lines, err)
		}
		lines++
	}
	if lines != 2 {
		t.Fatalf("expected 2 NDJSON lines, got %d", lines)
	}
}

func Test_JobLogger_RotatesPastByteCap(t *testing.T) {
	dir := t.TempDir()
	now := time.Unix(0, 0)
	l, err := NewJobLogger(dir, "job-2", 200, func() time.Time { return now })
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()

	for i := 0; i < 20; i++ {
		e := NewEvent(now, "job-2", "corr", EventRequest)
		e.Message = "padding-padding-padding-padding"
		if err := l.Log(e); err != nil {
			t.Fatal(err)
		}
	}
	_ = l.Flush()

	if _, err := os.Stat(filepath.Join(dir, "job-2.log.1")); err != nil {
		t.Fatalf("expected a rotated file job-2.log.1, got error: %v", err)
	}
}
