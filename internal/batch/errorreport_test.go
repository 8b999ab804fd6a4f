package batch

import (
	"testing"

	"politefetch/internal/errtax"
)

func Test_BuildErrorReport_GroupsByKindAndPattern(t *testing.T) {
	errs := []ItemError{
		{URL: "https://a/1", Kind: errtax.KindTimeout, Status: 0},
		{URL: "https://a/2", Kind: errtax.KindTimeout, Status: 0},
		{URL: "https://a/3", Kind: errtax.KindRateLimited, Status: 429},
	}
	report := BuildErrorReport(errs, 10)

	if report.TotalErrors != 3 {
		t.Fatalf("expected 3 total errors, got %d", report.TotalErrors)
	}
	if report.ByKind[errtax.KindTimeout] != 2 {
		t.Fatalf("expected 2 timeouts, got %d", report.ByKind[errtax.KindTimeout])
	}
	if len(report.Patterns) == 0 || report.Patterns[0].Count < report.Patterns[len(report.Patterns)-1].Count {
		t.Fatalf("expected patterns sorted descending by count, got %+v", report.Patterns)
	}
}

func Test_BuildErrorReport_RecommendsOnRateLimited(t *testing.T) {
	errs := []ItemError{{URL: "https://a/1", Kind: errtax.KindRateLimited, Status: 429}}
	report := BuildErrorReport(errs, 5)
	found := false
	for _, r := range report.Recommendations {
		if r != "" {
			found = true
		}
	}
	if !found {
		t.Fatal("expected at least one recommendation for rate-limited errors")
	}
}

func Test_BuildErrorReport_TruncatesPatternsBeyondTen(t *testing.T) {
	var errs []ItemError
	for i := 0; i < 15; i++ {
		errs = append(errs, ItemError{URL: "https://a/x", Kind: errtax.Kind("k" + string(rune('a'+i))), Status: i})
	}
	report := BuildErrorReport(errs, 20)
	if len(report.Patterns) != maxPatterns {
		t.Fatalf("expected patterns truncated to %d, got %d", maxPatterns, len(report.Patterns))
	}
	if !report.Truncated {
		t.Fatal("expected Truncated=true")
	}
}
