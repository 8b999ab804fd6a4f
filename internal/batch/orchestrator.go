package batch

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"politefetch/internal/breaker"
	"politefetch/internal/fetchengine"
	"politefetch/internal/retry"
)

// State is the orchestrator's coarse lifecycle state, per §4.9 Phase 3.
type State string

const (
	StateValidating State = "validating"
	StateProcessing State = "processing"
	StatePaused     State = "paused"
	StateStopped    State = "stopped"
	StateCompleted  State = "completed"
	StateError      State = "error"
)

// ItemResult is one processed item's final outcome after retries.
type ItemResult struct {
	Item     Item
	Outcome  fetchengine.Outcome
	Attempts int
}

// ProgressEvent is the single typed event surface of §9 ("avoid
// callbacks for progress: prefer a single ProgressSink interface").
type ProgressEvent struct {
	Type    string // "phase_changed", "item_completed", "paused", "resumed", "chunk_archived", "chunk_started"
	Item    *Item
	Result  *ItemResult
	State   State
	Message string
	Chunk   int // 1-based chunk index, set on "chunk_started" and "chunk_archived"
}

// ProgressSink receives orchestrator progress events. Implementations
// must not block the worker pool for long.
type ProgressSink interface {
	OnProgress(ProgressEvent)
}

// Stats summarizes a completed batch run.
type Stats struct {
	Total     int
	Succeeded int
	Failed    int
	Retried int
}

// BatchOutcome is §4.9 Phase 3's compiled result.
type BatchOutcome struct {
	Items       []ItemResult
	InvalidURLs []InvalidURL
	Duplicates  []Duplicate
	ErrorReport ErrorReport
	RetryQueue  []Item
	State       State
	Stats       Stats
}

// Processor performs the fetch (including retries) for one item and
// reports its final outcome and attempt count. Callers compose this from
// a retry.Scheduler bound to the item's per-host bucket and circuit;
// this package stays agnostic of how host state is looked up. budget is
// the batch-wide retry budget Run constructs once per call and shares
// across every item, per §8's "at most MAX_RETRIES × N extra attempts".
type Processor func(ctx context.Context, item Item, budget *retry.Budget) (fetchengine.Outcome, int)

// HostState is a minimal per-host circuit snapshot, as surfaced by a
// registry, for autoPauseOnCircuitOpen.
type HostState struct {
	CircuitState breaker.State
	RemainingMs  int64
}

// Config tunes the worker pool and controls of §4.9 Phase 2. Defaults
// are §6's documented defaults.
type Config struct {
	Concurrency               int
	DelayMs                   time.Duration
	PerItemTimeout            time.Duration
	ChunkSize                 int
	MaxUrlsPerBatch           int
	EnableMemoryOptimization  bool
	CircuitMonitoringInterval time.Duration
	AutoPauseOnCircuitOpen    bool
	// MaxRetries sizes the shared per-batch retry budget Run builds
	// (MaxRetries × item count), per §8's retry-budget invariant.
	MaxRetries int
}

func (c Config) withDefaults() Config {
	out := c
	if out.Concurrency <= 0 {
		out.Concurrency = 5
	}
	if out.DelayMs <= 0 {
		out.DelayMs = 250 * time.Millisecond
	}
	if out.ChunkSize <= 0 {
		out.ChunkSize = 100
	}
	if out.MaxUrlsPerBatch <= 0 {
		out.MaxUrlsPerBatch = 1500
	}
	if out.CircuitMonitoringInterval <= 0 {
		out.CircuitMonitoringInterval = 5 * time.Second
	}
	if out.MaxRetries <= 0 {
		out.MaxRetries = retry.DefaultPolicy().MaxRetries
	}
	return out
}

// Orchestrator drives the three-phase batch pipeline of §4.9: validate
// and deduplicate, process through a bounded worker pool with
// pause/resume/abort controls and an optional memory-cleanup hook, then
// compile a BatchOutcome with a grouped error report.
type Orchestrator struct {
	Config     Config
	Processor  Processor
	Sink       ProgressSink
	Archive    *ArchiveSink
	HostStates func() map[string]HostState

	state   atomic.Value
	pauseMu sync.Mutex
	pauseCh chan struct{}
	aborted atomic.Bool
}

// State reports the orchestrator's current phase.
func (o *Orchestrator) State() State {
	if v, ok := o.state.Load().(State); ok {
		return v
	}
	return StateValidating
}

func (o *Orchestrator) setState(s State) {
	o.state.Store(s)
	o.emit(ProgressEvent{Type: "phase_changed", State: s})
}

func (o *Orchestrator) emit(e ProgressEvent) {
	if o.Sink != nil {
		o.Sink.OnProgress(e)
	}
}

// Pause suspends Phase 2 before the next item is dispatched. Idempotent.
func (o *Orchestrator) Pause() {
	o.pauseMu.Lock()
	defer o.pauseMu.Unlock()
	if o.pauseCh != nil {
		return
	}
	o.pauseCh = make(chan struct{})
	o.setState(StatePaused)
	o.emit(ProgressEvent{Type: "paused", State: StatePaused})
}

// Resume releases a Pause. Idempotent.
func (o *Orchestrator) Resume() {
	o.pauseMu.Lock()
	defer o.pauseMu.Unlock()
	if o.pauseCh == nil {
		return
	}
	close(o.pauseCh)
	o.pauseCh = nil
	o.setState(StateProcessing)
	o.emit(ProgressEvent{Type: "resumed", State: StateProcessing})
}

// Abort stops Phase 2 once in-flight items finish; queued items are
// never dispatched.
func (o *Orchestrator) Abort() {
	o.aborted.Store(true)
	o.Resume()
}

func (o *Orchestrator) waitIfPaused(ctx context.Context) error {
	for {
		o.pauseMu.Lock()
		ch := o.pauseCh
		o.pauseMu.Unlock()
		if ch == nil {
			return nil
		}
		select {
		case <-ch:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(200 * time.Millisecond):
		}
	}
}

// Run executes the full pipeline against inputs.
func (o *Orchestrator) Run(ctx context.Context, inputs []string) BatchOutcome {
	cfg := o.Config.withDefaults()
	o.aborted.Store(false)
	o.setState(StateValidating)

	if len(inputs) > cfg.MaxUrlsPerBatch {
		o.setState(StateError)
		return BatchOutcome{
			State: StateError,
			ErrorReport: ErrorReport{
				Recommendations: []string{"batch exceeds MAX_URLS_PER_BATCH; split into smaller batches"},
			},
		}
	}

	items, invalid, duplicates := ValidateAndDeduplicate(inputs)

	outcome := BatchOutcome{InvalidURLs: invalid, Duplicates: duplicates}
	outcome.Stats.Total = len(items)
	o.setState(StateProcessing)

	// One retry budget shared across every item in the batch, per §8's
	// "at most MAX_RETRIES × N extra attempts" invariant.
	budget := retry.NewBudget(int64(cfg.MaxRetries) * int64(len(items)))

	if cfg.AutoPauseOnCircuitOpen && o.HostStates != nil {
		monitorCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		go o.monitorCircuits(monitorCtx, cfg)
	}

	var (
		results    []ItemResult
		errs       []ItemError
		retryQueue []Item
	)

	for chunkIdx, chunk := range chunkItems(items, cfg) {
		if o.aborted.Load() {
			break
		}
		o.emit(ProgressEvent{Type: "chunk_started", State: StateProcessing, Chunk: chunkIdx + 1})
		chunkResults := o.runChunk(ctx, chunk, cfg, budget)

		if o.Archive != nil && cfg.EnableMemoryOptimization {
			_ = o.Archive.Archive(chunkResults)
			for i := range chunkResults {
				chunkResults[i].Outcome.Body = nil
			}
			o.emit(ProgressEvent{Type: "chunk_archived", Message: "chunk archived to sink", Chunk: chunkIdx + 1})
		}

		for _, r := range chunkResults {
			results = append(results, r)
			if r.Outcome.Type == fetchengine.OutcomeSuccess {
				outcome.Stats.Succeeded++
			} else {
				outcome.Stats.Failed++
				errs = append(errs, ItemError{URL: r.Item.NormalizedURL, Kind: r.Outcome.ErrorKind, Status: r.Outcome.Status})
				if r.Outcome.Type == fetchengine.OutcomeCircuitOpen {
					retryQueue = append(retryQueue, r.Item)
				}
			}
			if r.Attempts > 1 {
				outcome.Stats.Retried++
			}
		}

		if o.aborted.Load() {
			break
		}
	}

	outcome.Items = results
	outcome.RetryQueue = retryQueue
	outcome.ErrorReport = BuildErrorReport(errs, outcome.Stats.Total)

	if o.aborted.Load() {
		outcome.State = StateStopped
	} else {
		outcome.State = StateCompleted
	}
	o.setState(outcome.State)
	return outcome
}

// chunkItems splits items into ChunkSize-sized slices when memory
// optimization is enabled; otherwise the whole batch is one chunk.
func chunkItems(items []Item, cfg Config) [][]Item {
	if !cfg.EnableMemoryOptimization || len(items) <= cfg.ChunkSize {
		return [][]Item{items}
	}
	var chunks [][]Item
	for i := 0; i < len(items); i += cfg.ChunkSize {
		end := i + cfg.ChunkSize
		if end > len(items) {
			end = len(items)
		}
		chunks = append(chunks, items[i:end])
	}
	return chunks
}

// runChunk processes one chunk through a bounded worker pool, honoring
// pause/abort between dispatches and the configured inter-item delay.
// Results are returned in the chunk's original order; if processing
// stops early (pause-context cancellation or abort), only the dispatched
// prefix is returned.
func (o *Orchestrator) runChunk(ctx context.Context, chunk []Item, cfg Config, budget *retry.Budget) []ItemResult {
	results := make([]ItemResult, len(chunk))
	sem := semaphore.NewWeighted(int64(cfg.Concurrency))
	var wg sync.WaitGroup

	dispatched := 0
	for i, item := range chunk {
		if o.aborted.Load() {
			break
		}
		if err := o.waitIfPaused(ctx); err != nil {
			break
		}
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		dispatched++
		wg.Add(1)
		go func(idx int, it Item) {
			defer wg.Done()
			defer sem.Release(1)
			results[idx] = o.runOne(ctx, it, cfg, budget)
		}(i, item)

		if cfg.DelayMs > 0 {
			select {
			case <-time.After(cfg.DelayMs):
			case <-ctx.Done():
			}
		}
	}
	wg.Wait()
	return results[:dispatched]
}

func (o *Orchestrator) runOne(ctx context.Context, item Item, cfg Config, budget *retry.Budget) ItemResult {
	itemCtx := ctx
	if cfg.PerItemTimeout > 0 {
		var cancel context.CancelFunc
		itemCtx, cancel = context.WithTimeout(ctx, cfg.PerItemTimeout)
		defer cancel()
	}
	outcome, attempts := o.Processor(itemCtx, item, budget)
	result := ItemResult{Item: item, Outcome: outcome, Attempts: attempts}
	o.emit(ProgressEvent{Type: "item_completed", Item: &item, Result: &result})
	return result
}

// monitorCircuits implements §4.9's autoPauseOnCircuitOpen: poll host
// state on CircuitMonitoringInterval, pause on any open or half-open
// breaker, and auto-resume minObservedRemainingMs + 1s later.
func (o *Orchestrator) monitorCircuits(ctx context.Context, cfg Config) {
	ticker := time.NewTicker(cfg.CircuitMonitoringInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			states := o.HostStates()
			open := false
			var minRemaining int64 = -1
			for _, hs := range states {
				if hs.CircuitState != breaker.StateOpen && hs.CircuitState != breaker.StateHalfOpen {
					continue
				}
				open = true
				if minRemaining < 0 || hs.RemainingMs < minRemaining {
					minRemaining = hs.RemainingMs
				}
			}
			if !open {
				continue
			}
			o.Pause()
			wait := time.Duration(minRemaining)*time.Millisecond + time.Second
			select {
			case <-time.After(wait):
				o.Resume()
			case <-ctx.Done():
				return
			}
		}
	}
}
