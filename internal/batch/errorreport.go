package batch

import (
	"sort"
	"strconv"

	"politefetch/internal/errtax"
)

// ItemError is one failed item's classified outcome, keyed by its
// original URL for error-report grouping.
type ItemError struct {
	URL    string
	Kind   errtax.Kind
	Status int
}

// Pattern is §3's "Tuple (errorKind, code) counted across a batch".
type Pattern struct {
	Kind         errtax.Kind
	Status       int
	Count        int
	ExampleURLs  []string
}

// ErrorReport is §4.9 Phase 3 / §7's per-batch error report.
type ErrorReport struct {
	TotalErrors     int
	ByKind          map[errtax.Kind]int
	Patterns        []Pattern // sorted by count, descending
	Recommendations []string
	Truncated       bool
}

const (
	maxDetailedErrors = 20
	maxPatterns        = 10
	examplesPerPattern = 5
)

// BuildErrorReport groups failures by kind and (kind,status) pattern,
// sorts patterns by count, and derives recommendations from simple
// threshold rules, per §4.9/§7.
func BuildErrorReport(errs []ItemError, totalItems int) ErrorReport {
	report := ErrorReport{ByKind: make(map[errtax.Kind]int)}
	patternIndex := make(map[string]*Pattern)
	var order []string

	for _, e := range errs {
		report.TotalErrors++
		report.ByKind[e.Kind]++

		key := string(e.Kind) + ":" + statusKey(e.Status)
		p, ok := patternIndex[key]
		if !ok {
			p = &Pattern{Kind: e.Kind, Status: e.Status}
			patternIndex[key] = p
			order = append(order, key)
		}
		p.Count++
		if len(p.ExampleURLs) < examplesPerPattern {
			p.ExampleURLs = append(p.ExampleURLs, e.URL)
		}
	}

	patterns := make([]Pattern, 0, len(order))
	for _, key := range order {
		patterns = append(patterns, *patternIndex[key])
	}
	sort.Slice(patterns, func(a, b int) bool { return patterns[a].Count > patterns[b].Count })

	if len(patterns) > maxPatterns {
		report.Truncated = true
		patterns = patterns[:maxPatterns]
	}
	report.Patterns = patterns

	report.Recommendations = recommendationsFor(report.ByKind, totalItems)
	return report
}

func statusKey(status int) string {
	if status == 0 {
		return "none"
	}
	return strconv.Itoa(status)
}

// recommendationsFor derives actionable operator guidance from pattern
// thresholds, per §7's examples ("many timeouts -> raise timeout or
// lower concurrency", "429 observed -> increase delayMs").
func recommendationsFor(byKind map[errtax.Kind]int, totalItems int) []string {
	var recs []string
	if totalItems <= 0 {
		return recs
	}
	ratio := func(k errtax.Kind) float64 {
		return float64(byKind[k]) / float64(totalItems)
	}

	if ratio(errtax.KindTimeout) > 0.1 {
		recs = append(recs, "many timeouts observed: raise the per-request timeout or lower concurrency")
	}
	if byKind[errtax.KindRateLimited] > 0 {
		recs = append(recs, "429 responses observed: increase delayMs or lower RATE_LIMIT_PER_SEC for the affected hosts")
	}
	if byKind[errtax.KindCircuitOpen] > 0 {
		recs = append(recs, "circuit breaker opened during the batch: affected hosts may need a longer cooldown before retrying")
	}
	if ratio(errtax.KindServer5xx) > 0.2 {
		recs = append(recs, "high rate of server errors: the target host may be degraded; consider pausing this batch")
	}
	if byKind[errtax.KindRobotsBlocked] > 0 {
		recs = append(recs, "some URLs were blocked by robots.txt and were not fetched")
	}
	return recs
}

// TruncatedExport produces the cursor-friendly export of §7: at most
// maxDetailedErrors individual errors. The pattern list is capped at
// maxPatterns by BuildErrorReport, not here.
func (r ErrorReport) TruncatedExport(errs []ItemError) []ItemError {
	if len(errs) <= maxDetailedErrors {
		return errs
	}
	return errs[:maxDetailedErrors]
}
