// Package runtime is the composition root of §9's "FetcherRuntime owns
// the maps": it wires the registry, caches, logger and metrics into one
// long-lived value that the fetch engine, retry scheduler, canonicalizer,
// paginator and batch orchestrator are all constructed against, and
// coordinates their graceful shutdown the way the teacher's
// cmd/ratelimiter-api/main.go sequences worker.Stop() before
// httpServer.Shutdown(ctx).
package runtime

import (
	"context"
	"io"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"politefetch/internal/batch"
	"politefetch/internal/breaker"
	"politefetch/internal/cache"
	"politefetch/internal/canonicalize"
	"politefetch/internal/config"
	"politefetch/internal/fetchengine"
	"politefetch/internal/hostkey"
	"politefetch/internal/metrics"
	"politefetch/internal/obslog"
	"politefetch/internal/paginate"
	"politefetch/internal/ratelimit"
	"politefetch/internal/registry"
	"politefetch/internal/retry"
	"politefetch/internal/robots"
	"politefetch/internal/transport"
)

// FetcherRuntime is the composed, process-wide set of collaborators for
// one politefetch instance.
type FetcherRuntime struct {
	Config   config.Config
	Registry *registry.Registry
	Store    cache.Store
	Metrics  *metrics.Registry
	LogDir   string

	Transport     transport.Transport
	Engine        *fetchengine.Engine
	Scheduler     *retry.Scheduler
	Canonicalizer *canonicalize.Canonicalizer
	Robots        *robots.Cache
}

// Options configures New beyond what Config itself carries.
type Options struct {
	CacheAdapter  string // "", "memory", or "redis"
	RedisAddr     string
	LogDir        string // directory for per-job NDJSON logs; "" disables file logging
	UserAgent     fetchengine.HeaderPolicy
	// MetricsRegisterer, if non-nil, is where the runtime registers its
	// Prometheus collectors (typically prometheus.DefaultRegisterer, or a
	// test-local prometheus.NewRegistry()). Left nil, metrics are
	// constructed but never exposed — safe default for embedding.
	MetricsRegisterer prometheus.Registerer
}

// New builds a FetcherRuntime from cfg. It starts the registry's
// background cleanup loop immediately; callers must call Shutdown to
// stop it and release the cache store.
func New(cfg config.Config, opts Options) (*FetcherRuntime, error) {
	store, err := cache.Build(opts.CacheAdapter, cache.Options{RedisAddr: opts.RedisAddr})
	if err != nil {
		return nil, err
	}

	reg := registry.New(cfg.RegistryConfig())

	tr := transport.New(
		time.Duration(cfg.ConnectTimeoutMs)*time.Millisecond,
		90*time.Second,
		100,
	)

	engine := &fetchengine.Engine{
		Transport:    tr,
		Headers:      opts.UserAgent,
		ProbePath:    cfg.BreakerStrategy().ProbeRequestPath,
		ProbeTimeout: 5 * time.Second,
	}

	scheduler := &retry.Scheduler{Engine: engine, Policy: cfg.RetryPolicy()}

	robotsCache := robots.NewCache(time.Hour, nil, robots.NewHTTPFetcher(tr, 5*time.Second)).WithStore(store)
	canonCache := canonicalize.NewCache(30*time.Minute, nil).WithStore(store)
	canon := &canonicalize.Canonicalizer{
		Transport: tr,
		UserAgent: opts.UserAgent.UserAgent(),
		Robots:    robotsCache,
		Cache:     canonCache,
	}

	metricsReg := metrics.New()
	if opts.MetricsRegisterer != nil {
		if err := metricsReg.Register(opts.MetricsRegisterer); err != nil {
			return nil, err
		}
	}

	return &FetcherRuntime{
		Config:        cfg,
		Registry:      reg,
		Store:         store,
		Metrics:       metricsReg,
		LogDir:        opts.LogDir,
		Transport:     tr,
		Engine:        engine,
		Scheduler:     scheduler,
		Canonicalizer: canon,
		Robots:        robotsCache,
	}, nil
}

// NewJobID mints an opaque job identifier (§3 "opaque stable strings
// (UUIDs)").
func NewJobID() string { return uuid.NewString() }

// NewCorrelationID mints a per-request correlation identifier distinct
// from the job ID, so a single job's NDJSON log can still distinguish
// concurrently in-flight requests.
func NewCorrelationID() string { return uuid.NewString() }

// NewJobLogger opens an NDJSON logger for jobID under LogDir. Returns nil
// (no error) if LogDir is empty, letting callers skip logging entirely
// without a nil-check at every call site growing awkward — obslog.Event
// logging is always guarded by "if logger != nil" at the call site
// instead.
func (rt *FetcherRuntime) NewJobLogger(jobID string) (*obslog.JobLogger, error) {
	if rt.LogDir == "" {
		return nil, nil
	}
	return obslog.NewJobLogger(rt.LogDir, jobID, 0, nil)
}

// HostStates projects the registry's snapshot into the shape
// batch.Orchestrator needs for its auto-pause-on-circuit-open monitor.
func (rt *FetcherRuntime) HostStates() map[string]batch.HostState {
	snap := rt.Registry.Snapshot()
	out := make(map[string]batch.HostState, len(snap))
	for host, s := range snap {
		out[host] = batch.HostState{CircuitState: s.Circuit.State, RemainingMs: s.Circuit.RemainingMs}
	}
	return out
}

// NewOrchestrator builds a batch.Orchestrator wired against this
// runtime's registry and scheduler, with rt.processOne as its Processor
// turning a single normalized URL into a fetchengine.Outcome (a
// rt.Scheduler.Run and, for 404s, rt.Canonicalizer.Resolve).
func (rt *FetcherRuntime) NewOrchestrator(sink batch.ProgressSink, archive *batch.ArchiveSink) *batch.Orchestrator {
	return &batch.Orchestrator{
		Config:     rt.Config.BatchOrchestratorConfig(),
		Processor:  rt.processOne,
		Sink:       sink,
		Archive:    archive,
		HostStates: rt.HostStates,
	}
}

// processOne is the default batch.Processor: it runs the retry scheduler
// for normalizedURL against the batch's shared retry budget, then falls
// back to canonicalization on a client_4xx outcome carrying a 404, per
// §4.7's "canonicalization triggers on 404". It also publishes this
// request's effect on host-level metrics: request, error and retry counters plus the
// circuit-state and current-RPS gauges, which otherwise sit unpopulated.
func (rt *FetcherRuntime) processOne(ctx context.Context, item batch.Item, budget *retry.Budget) (fetchengine.Outcome, int) {
	req := &fetchengine.Request{
		URL:           item.NormalizedURL,
		TimeoutMs:     rt.Config.Batch.TimeoutMs,
		CorrelationID: NewCorrelationID(),
		RequestID:     uuid.NewString(),
	}

	hk := hostKeyFor(item.NormalizedURL)
	bucket := rt.Registry.GetBucket(hk)
	circuit := rt.Registry.GetCircuit(hk)

	result := rt.Scheduler.Run(ctx, req, bucket, circuit, budget)
	rt.observeResult(hk, bucket, circuit, result)

	if result.Outcome.Type == fetchengine.OutcomeNetwork && result.Outcome.Status == 404 {
		canonResult := rt.Canonicalizer.Resolve(ctx, item.NormalizedURL)
		if canonResult.Success {
			req.URL = canonResult.ResolvedURL
			retried := rt.Scheduler.Run(ctx, req, bucket, circuit, budget)
			rt.observeResult(hk, bucket, circuit, retried)
			return retried.Outcome, result.Attempts + retried.Attempts
		}
	}

	return result.Outcome, result.Attempts
}

// observeResult folds one scheduler result into the metrics registry:
// request/duration counters always, an error counter on failure, a retry
// counter for every attempt past the first, and the circuit-state /
// current-RPS gauges from this host's live bucket and circuit.
func (rt *FetcherRuntime) observeResult(hk string, bucket *ratelimit.Bucket, circuit *breaker.Breaker, result retry.Result) {
	if rt.Metrics == nil {
		return
	}
	success := result.Outcome.Type == fetchengine.OutcomeSuccess
	rt.Metrics.ObserveRequest(hk, success)
	rt.Metrics.ObserveDuration(hk, time.Duration(result.Outcome.ElapsedMs)*time.Millisecond)
	if !success {
		rt.Metrics.ObserveError(hk, result.Outcome.ErrorKind)
	}
	for i := 1; i < result.Attempts; i++ {
		rt.Metrics.ObserveRetry(hk)
	}
	rt.Metrics.SetCircuitState(hk, circuit.Snapshot().State)
	rt.Metrics.SetCurrentRPS(hk, bucket.CurrentRPS())
}

// NewPaginator builds a paginate.Discoverer wired against this runtime's
// scheduler and registry, for §4.8's auto-mode pagination discovery.
// letterURLForBase is optional; nil disables letter-mode fallback.
func (rt *FetcherRuntime) NewPaginator(letterURLForBase func(base, letter string) string) *paginate.Discoverer {
	return &paginate.Discoverer{
		Scheduler:        rt.Scheduler,
		BucketFor:        rt.Registry.GetBucket,
		CircuitFor:       rt.Registry.GetCircuit,
		LetterURLForBase: letterURLForBase,
	}
}

func hostKeyFor(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	return hostkey.Of(u)
}

// Shutdown drains the registry's in-flight buckets, closes the cache
// store if it owns a network connection, and stops accepting new work,
// mirroring the teacher's worker.Stop()-before-server.Shutdown(ctx)
// sequencing.
func (rt *FetcherRuntime) Shutdown(ctx context.Context) error {
	if err := rt.Registry.Shutdown(ctx); err != nil {
		return err
	}
	if closer, ok := rt.Store.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}

// DefaultBreakerStrategy exposes the effective breaker.Strategy this
// runtime was built with, for observability/debug endpoints.
func (rt *FetcherRuntime) DefaultBreakerStrategy() breaker.Strategy {
	return rt.Config.BreakerStrategy()
}

// DefaultRateProfile exposes the effective default ratelimit.Profile.
func (rt *FetcherRuntime) DefaultRateProfile() ratelimit.Profile {
	return ratelimit.DefaultProfile()
}
