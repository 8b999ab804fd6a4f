package obslog

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"politefetch/internal/errtax"
)

// histogramBuckets are the fixed elapsed-time bucket boundaries (ms),
// in the style of the teacher's prometheus.HistogramOpts-backed KPI
// buckets: bounded memory regardless of sample count.
var histogramBuckets = []int64{10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000}

// JobSummary is the aggregate object written once per job, per §6's
// NDJSON log format ("single JSON object keyed by jobId").
type JobSummary struct {
	JobID             string           `json:"jobId"`
	TotalRequests     int              `json:"totalRequests"`
	SuccessfulRequests int             `json:"successfulRequests"`
	FailedRequests    int              `json:"failedRequests"`
	ByKind            map[string]int   `json:"byKind"`
	P50Ms             int64            `json:"p50Ms"`
	P95Ms             int64            `json:"p95Ms"`
	DurationMs        int64            `json:"durationMs"`
}

// Aggregator accumulates per-request outcomes for one job without
// retaining individual samples, bucketing elapsed times the way the
// teacher bounds its adjustment history: fixed-size regardless of
// traffic volume.
type Aggregator struct {
	jobID     string
	startedAt time.Time

	total, succeeded, failed int
	byKind                   map[errtax.Kind]int
	buckets                  []int64 // parallel to histogramBuckets, plus one overflow bucket
}

// NewAggregator starts a fresh aggregator for jobID at startedAt.
func NewAggregator(jobID string, startedAt time.Time) *Aggregator {
	return &Aggregator{
		jobID:     jobID,
		startedAt: startedAt,
		byKind:    make(map[errtax.Kind]int),
		buckets:   make([]int64, len(histogramBuckets)+1),
	}
}

// Observe records one completed request's elapsed time and outcome.
func (a *Aggregator) Observe(elapsedMs int64, success bool, kind errtax.Kind) {
	a.total++
	if success {
		a.succeeded++
	} else {
		a.failed++
		a.byKind[kind]++
	}

	idx := len(histogramBuckets)
	for i, b := range histogramBuckets {
		if elapsedMs <= b {
			idx = i
			break
		}
	}
	a.buckets[idx]++
}

// percentile returns the smallest bucket boundary whose cumulative
// fraction of samples is >= target (0..1), using the upper edge of the
// bucket as the estimate — consistent with Prometheus histogram_quantile
// semantics over fixed buckets.
func (a *Aggregator) percentile(target float64) int64 {
	if a.total == 0 {
		return 0
	}
	threshold := target * float64(a.total)
	var cumulative int64
	for i, count := range a.buckets {
		cumulative += count
		if float64(cumulative) >= threshold {
			if i < len(histogramBuckets) {
				return histogramBuckets[i]
			}
			return histogramBuckets[len(histogramBuckets)-1]
		}
	}
	return histogramBuckets[len(histogramBuckets)-1]
}

// Compute finalizes the summary as of now.
func (a *Aggregator) Compute(now time.Time) JobSummary {
	byKind := make(map[string]int, len(a.byKind))
	for k, v := range a.byKind {
		byKind[string(k)] = v
	}
	return JobSummary{
		JobID:              a.jobID,
		TotalRequests:      a.total,
		SuccessfulRequests: a.succeeded,
		FailedRequests:     a.failed,
		ByKind:             byKind,
		P50Ms:              a.percentile(0.50),
		P95Ms:              a.percentile(0.95),
		DurationMs:         now.Sub(a.startedAt).Milliseconds(),
	}
}

// WriteSummary writes s to {dir}/{jobId}.summary.json, the one JSON
// summary per completed job required by §4.10.
func WriteSummary(dir string, s JobSummary) error {
	line, err := json.MarshalIndent(&s, "", "  ")
	if err != nil {
		return err
	}
	path := filepath.Join(dir, s.JobID+".summary.json")
	return os.WriteFile(path, line, 0o644)
}
