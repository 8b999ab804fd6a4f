// Package main provides the entry point for politefetchd, a runnable
// demonstration of the polite HTTP fetching core.
//
// Like the teacher's ratelimiter-api demo, this binary wires the library
// packages into one process and exercises them end-to-end: it reads a
// newline-separated list of URLs, runs them through the batch
// orchestrator (validation, dedup, a rate-limited/circuit-broken worker
// pool, and canonicalization-on-404), logs NDJSON events per job, and
// prints a final summary before shutting down cleanly on SIGINT/SIGTERM.
// With -paginate it runs pagination discovery against one base URL in
// place of the batch run.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"politefetch/internal/batch"
	"politefetch/internal/config"
	"politefetch/internal/fetchengine"
	"politefetch/internal/obslog"
	"politefetch/internal/runtime"
)

// ndjsonSink adapts batch.ProgressEvent into obslog.Event lines, and
// prints a one-line human summary for phase transitions — the teacher's
// main.go prints its own periodic "Persisting batch..." progress lines
// the same way.
type ndjsonSink struct {
	logger *obslog.JobLogger
	jobID  string
	agg    *obslog.Aggregator
}

func (s *ndjsonSink) OnProgress(e batch.ProgressEvent) {
	switch e.Type {
	case "phase_changed":
		fmt.Printf("[%s] phase -> %s\n", s.jobID, e.State)
	case "paused":
		fmt.Printf("[%s] paused (circuit breaker open on at least one host)\n", s.jobID)
	case "resumed":
		fmt.Printf("[%s] resumed\n", s.jobID)
	case "item_completed":
		if e.Result != nil {
			outcome := e.Result.Outcome
			s.agg.Observe(outcome.ElapsedMs, outcome.Type == fetchengine.OutcomeSuccess, outcome.ErrorKind)
		}
	}
	if s.logger == nil {
		return
	}
	ev := obslog.NewEvent(time.Now(), s.jobID, s.jobID, obslog.EventPhase)
	ev.Message = e.Message
	if e.Result != nil {
		ev.ElapsedMs = e.Result.Outcome.ElapsedMs
		if e.Item != nil {
			ev.URL = e.Item.NormalizedURL
		}
	}
	_ = s.logger.Log(ev)
}

func main() {
	cfg := config.Default()
	fs := flag.NewFlagSet("politefetchd", flag.ExitOnError)
	applyHostLimits := config.RegisterFlags(fs, &cfg)

	inputFile := fs.String("input", "", "path to a newline-separated list of URLs to fetch (required)")
	logDir := fs.String("log-dir", "", "directory for per-job NDJSON logs; empty disables file logging")
	metricsAddr := fs.String("metrics-addr", "", "if non-empty, expose Prometheus /metrics on this address (e.g. :9090)")
	cacheAdapter := fs.String("cache-adapter", "memory", "cache backing store: memory or redis")
	redisAddr := fs.String("redis-addr", "", "redis address, required when -cache-adapter=redis")
	product := fs.String("ua-product", "politefetch", "User-Agent product token")
	contactURL := fs.String("ua-contact-url", "", "User-Agent contact URL, e.g. https://example.org/bot")
	paginateBase := fs.String("paginate", "", "if non-empty, run pagination discovery against this base URL instead of fetching -input")

	if err := fs.Parse(os.Args[1:]); err != nil {
		log.Fatalf("failed to parse flags: %v", err)
	}
	applyHostLimits()

	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}
	if *paginateBase == "" && *inputFile == "" {
		log.Fatal("-input is required (or -paginate for pagination discovery)")
	}

	var urls []string
	if *paginateBase == "" {
		var err error
		urls, err = readLines(*inputFile)
		if err != nil {
			log.Fatalf("could not read input file: %v", err)
		}
	}

	var registerer prometheus.Registerer
	if *metricsAddr != "" {
		registerer = prometheus.DefaultRegisterer
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		go func() {
			fmt.Printf("politefetchd metrics listening on %s\n", *metricsAddr)
			if err := http.ListenAndServe(*metricsAddr, mux); err != nil && err != http.ErrServerClosed {
				log.Printf("metrics server stopped: %v", err)
			}
		}()
	}

	rt, err := runtime.New(cfg, runtime.Options{
		CacheAdapter: *cacheAdapter,
		RedisAddr:    *redisAddr,
		LogDir:       *logDir,
		UserAgent: fetchengine.HeaderPolicy{
			Product:    *product,
			Version:    "1.0",
			ContactURL: *contactURL,
		},
		MetricsRegisterer: registerer,
	})
	if err != nil {
		log.Fatalf("failed to build runtime: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if *paginateBase != "" {
		result := rt.NewPaginator(nil).Discover(ctx, *paginateBase)
		fmt.Printf("politefetchd: pagination discovery for %s: mode=%s pages=%d errors=%d elapsed=%dms\n",
			result.BaseURL, result.Mode, len(result.Pages), len(result.Errors), result.TotalElapsedMs)
		for _, p := range result.Pages {
			fmt.Printf("  page=%d letter=%q status=%d url=%s\n", p.Page, p.Letter, p.Status, p.URL)
		}
		if err := rt.Shutdown(context.Background()); err != nil {
			log.Fatalf("shutdown failed: %v", err)
		}
		return
	}

	jobID := runtime.NewJobID()
	jobLogger, err := rt.NewJobLogger(jobID)
	if err != nil {
		log.Fatalf("failed to open job logger: %v", err)
	}

	startedAt := time.Now()
	agg := obslog.NewAggregator(jobID, startedAt)
	orch := rt.NewOrchestrator(&ndjsonSink{logger: jobLogger, jobID: jobID, agg: agg}, nil)

	fmt.Printf("politefetchd: starting job %s with %d URLs\n", jobID, len(urls))
	outcome := orch.Run(ctx, urls)

	fmt.Printf("politefetchd: job %s finished: %s\n", jobID, outcome.State)
	fmt.Printf("  total=%d succeeded=%d failed=%d retried=%d invalid=%d duplicates=%d\n",
		outcome.Stats.Total, outcome.Stats.Succeeded, outcome.Stats.Failed, outcome.Stats.Retried,
		len(outcome.InvalidURLs), len(outcome.Duplicates))
	for _, pattern := range outcome.ErrorReport.Patterns {
		fmt.Printf("  error[%s status=%d]: %d occurrences\n", pattern.Kind, pattern.Status, pattern.Count)
	}
	for _, rec := range outcome.ErrorReport.Recommendations {
		fmt.Printf("  recommendation: %s\n", rec)
	}

	if jobLogger != nil {
		if err := jobLogger.Close(); err != nil {
			log.Printf("failed to close job logger: %v", err)
		}
	}

	summaryDir := *logDir
	if summaryDir == "" {
		summaryDir = "."
	}
	summary := agg.Compute(time.Now())
	if err := obslog.WriteSummary(summaryDir, summary); err != nil {
		log.Printf("failed to write job summary: %v", err)
	} else {
		fmt.Printf("politefetchd: wrote summary to %s\n", filepath.Join(summaryDir, jobID+".summary.json"))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := rt.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("shutdown failed: %v", err)
	}
	fmt.Println("politefetchd: shut down cleanly")
}

func readLines(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		lines = append(lines, line)
	}
	return lines, scanner.Err()
}
