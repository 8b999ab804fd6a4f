package batch

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"politefetch/internal/breaker"
	"politefetch/internal/errtax"
	"politefetch/internal/fetchengine"
	"politefetch/internal/retry"
)

type recordingSink struct {
	mu     sync.Mutex
	events []ProgressEvent
}

func (s *recordingSink) OnProgress(e ProgressEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
}

func (s *recordingSink) countType(t string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, e := range s.events {
		if e.Type == t {
			n++
		}
	}
	return n
}

func succeedingProcessor(ctx context.Context, item Item, budget *retry.Budget) (fetchengine.Outcome, int) {
	return fetchengine.Outcome{Type: fetchengine.OutcomeSuccess, Status: 200, FinalURL: item.NormalizedURL}, 1
}

func urlsFor(n int) []string {
	out := make([]string, n)
	for i := 0; i < n; i++ {
		out[i] = fmt.Sprintf("https://example.test/page-%d", i)
	}
	return out
}

func Test_Orchestrator_EndToEndAllSucceed(t *testing.T) {
	sink := &recordingSink{}
	o := &Orchestrator{
		Config:    Config{Concurrency: 5, DelayMs: time.Millisecond, ChunkSize: 100, EnableMemoryOptimization: true, MaxUrlsPerBatch: 1500},
		Processor: succeedingProcessor,
		Sink:      sink,
	}

	inputs := urlsFor(300)
	outcome := o.Run(context.Background(), inputs)

	if outcome.State != StateCompleted {
		t.Fatalf("expected completed, got %s", outcome.State)
	}
	if outcome.Stats.Total != 300 || outcome.Stats.Succeeded != 300 || outcome.Stats.Failed != 0 {
		t.Fatalf("unexpected stats: %+v", outcome.Stats)
	}
	if len(outcome.Items) != 300 {
		t.Fatalf("expected 300 item results, got %d", len(outcome.Items))
	}
	for i, r := range outcome.Items {
		if r.Item.OriginalIndex != i {
			t.Fatalf("expected results in original order, item %d has OriginalIndex %d", i, r.Item.OriginalIndex)
		}
	}
}

func Test_Orchestrator_MaxUrlsPerBatchRejectsOversizedBatch(t *testing.T) {
	o := &Orchestrator{
		Config:    Config{MaxUrlsPerBatch: 10},
		Processor: succeedingProcessor,
	}
	outcome := o.Run(context.Background(), urlsFor(11))
	if outcome.State != StateError {
		t.Fatalf("expected error state, got %s", outcome.State)
	}
	if len(outcome.ErrorReport.Recommendations) == 0 {
		t.Fatal("expected a recommendation explaining the rejection")
	}
}

func Test_Orchestrator_CircuitOpenRoutesToRetryQueue(t *testing.T) {
	processor := func(ctx context.Context, item Item, budget *retry.Budget) (fetchengine.Outcome, int) {
		return fetchengine.Outcome{Type: fetchengine.OutcomeCircuitOpen, ErrorKind: errtax.KindCircuitOpen, Reason: "circuit open"}, 1
	}
	o := &Orchestrator{
		Config:    Config{Concurrency: 2, DelayMs: time.Millisecond},
		Processor: processor,
	}
	outcome := o.Run(context.Background(), urlsFor(5))

	if len(outcome.RetryQueue) != 5 {
		t.Fatalf("expected all 5 circuit-open items queued for retry, got %d", len(outcome.RetryQueue))
	}
	if outcome.Stats.Failed != 5 {
		t.Fatalf("expected 5 failed, got %d", outcome.Stats.Failed)
	}
	if outcome.ErrorReport.ByKind[errtax.KindCircuitOpen] != 5 {
		t.Fatalf("expected error report to count 5 circuit_open, got %+v", outcome.ErrorReport.ByKind)
	}
}

func Test_Orchestrator_PauseBlocksDispatchUntilResume(t *testing.T) {
	var dispatched atomic.Int32
	processor := func(ctx context.Context, item Item, budget *retry.Budget) (fetchengine.Outcome, int) {
		dispatched.Add(1)
		return fetchengine.Outcome{Type: fetchengine.OutcomeSuccess, Status: 200}, 1
	}
	o := &Orchestrator{
		Config:    Config{Concurrency: 1, DelayMs: time.Millisecond},
		Processor: processor,
	}
	o.Pause()

	done := make(chan BatchOutcome, 1)
	go func() {
		done <- o.Run(context.Background(), urlsFor(3))
	}()

	time.Sleep(20 * time.Millisecond)
	if dispatched.Load() != 0 {
		t.Fatalf("expected no dispatch while paused, got %d", dispatched.Load())
	}

	o.Resume()
	select {
	case outcome := <-done:
		if outcome.Stats.Succeeded != 3 {
			t.Fatalf("expected all 3 to succeed after resume, got %+v", outcome.Stats)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("orchestrator did not complete after resume")
	}
}

func Test_Orchestrator_ChunkingEmitsArchiveEvents(t *testing.T) {
	sink := &recordingSink{}
	archive, err := NewArchiveSink(t.TempDir() + "/archive.ndjson")
	if err != nil {
		t.Fatal(err)
	}
	defer archive.Close()

	o := &Orchestrator{
		Config:    Config{Concurrency: 5, DelayMs: time.Millisecond, ChunkSize: 50, EnableMemoryOptimization: true},
		Processor: succeedingProcessor,
		Sink:      sink,
		Archive:   archive,
	}
	outcome := o.Run(context.Background(), urlsFor(120))

	if outcome.Stats.Succeeded != 120 {
		t.Fatalf("expected 120 successes, got %+v", outcome.Stats)
	}
	if got := sink.countType("chunk_archived"); got != 3 {
		t.Fatalf("expected 3 chunk_archived events for 120 items / chunkSize 50, got %d", got)
	}
}

func Test_Orchestrator_AutoPauseOnCircuitOpenPausesAndResumes(t *testing.T) {
	var openState atomic.Value
	openState.Store(breaker.StateOpen)

	o := &Orchestrator{
		Config: Config{
			Concurrency:               1,
			DelayMs:                   time.Millisecond,
			AutoPauseOnCircuitOpen:    true,
			CircuitMonitoringInterval: 10 * time.Millisecond,
		},
		Processor: succeedingProcessor,
		HostStates: func() map[string]HostState {
			return map[string]HostState{
				"slow.example": {CircuitState: openState.Load().(breaker.State), RemainingMs: 20},
			}
		},
	}

	go func() {
		time.Sleep(30 * time.Millisecond)
		openState.Store(breaker.StateClosed)
	}()

	outcome := o.Run(context.Background(), urlsFor(2))
	if outcome.Stats.Succeeded != 2 {
		t.Fatalf("expected both items to eventually succeed, got %+v", outcome.Stats)
	}
}

func Test_Orchestrator_AbortStopsDispatchingFurtherItems(t *testing.T) {
	var count atomic.Int32
	o := &Orchestrator{
		Config: Config{Concurrency: 1, DelayMs: 20 * time.Millisecond},
	}
	o.Processor = func(ctx context.Context, item Item, budget *retry.Budget) (fetchengine.Outcome, int) {
		n := count.Add(1)
		if n == 2 {
			o.Abort()
		}
		return fetchengine.Outcome{Type: fetchengine.OutcomeSuccess, Status: 200}, 1
	}

	outcome := o.Run(context.Background(), urlsFor(10))
	if outcome.State != StateStopped {
		t.Fatalf("expected stopped state after abort, got %s", outcome.State)
	}
	if len(outcome.Items) >= 10 {
		t.Fatalf("expected fewer than 10 items processed after abort, got %d", len(outcome.Items))
	}
}
