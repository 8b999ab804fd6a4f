package paginate

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"politefetch/internal/breaker"
	"politefetch/internal/fetchengine"
	"politefetch/internal/ratelimit"
	"politefetch/internal/retry"
)

type fakeTransport struct {
	byURL map[string]struct {
		status int
		body   string
	}
}

func (f *fakeTransport) Do(req *http.Request) (*http.Response, error) {
	e, ok := f.byURL[req.URL.String()]
	if !ok {
		e.status = 404
	}
	return &http.Response{StatusCode: e.status, Status: http.StatusText(e.status), Header: http.Header{}, Body: io.NopCloser(strings.NewReader(e.body))}, nil
}

func noSleep(ctx context.Context, d time.Duration) error { return nil }

func newDiscoverer(tr *fakeTransport) *Discoverer {
	buckets := map[string]*ratelimit.Bucket{}
	circuits := map[string]*breaker.Breaker{}
	return &Discoverer{
		Scheduler: &retry.Scheduler{
			Engine: &fetchengine.Engine{Transport: tr, Headers: fetchengine.HeaderPolicy{Product: "politefetch", Version: "1.0"}},
			Policy: retry.Policy{MaxRetries: 1, AttemptSleep: noSleep},
		},
		BucketFor: func(hk string) *ratelimit.Bucket {
			if b, ok := buckets[hk]; ok {
				return b
			}
			b := ratelimit.New(hk, ratelimit.DefaultProfile(), nil)
			buckets[hk] = b
			return b
		},
		CircuitFor: func(hk string) *breaker.Breaker {
			if c, ok := circuits[hk]; ok {
				return c
			}
			c := breaker.New(hk, breaker.DefaultStrategy(), 10, nil)
			circuits[hk] = c
			return c
		},
		Sleep: noSleep,
	}
}

func Test_Discover_NumericModeViaRelNext(t *testing.T) {
	tr := &fakeTransport{byURL: map[string]struct {
		status int
		body   string
	}{
		"https://example.com/list": {200, `<html><body><a rel="next" href="/list?page=2">Next</a></body></html>`},
		"https://example.com/list?page=2": {200, `<html></html>`},
		"https://example.com/list?page=3": {200, `<html></html>`},
		"https://example.com/list?page=4": {200, `<html></html>`},
	}}
	d := newDiscoverer(tr)
	result := d.Discover(context.Background(), "https://example.com/list")

	if result.Mode != ModeNumeric {
		t.Fatalf("expected numeric mode, got %s", result.Mode)
	}
	if len(result.Pages) < 4 {
		t.Fatalf("expected at least 4 pages discovered before the 404 streak, got %d: %+v", len(result.Pages), result.Pages)
	}
}

func Test_Discover_StopsAfterConsecutive404s(t *testing.T) {
	byURL := map[string]struct {
		status int
		body   string
	}{
		"https://example.com/list": {200, `<html><body><a rel="next" href="/list?page=2">Next</a></body></html>`},
		"https://example.com/list?page=2": {200, ``},
		"https://example.com/list?page=3": {200, ``},
		"https://example.com/list?page=4": {200, ``},
	}
	for p := 5; p <= 9; p++ {
		byURL[fmt.Sprintf("https://example.com/list?page=%d", p)] = struct {
			status int
			body   string
		}{404, ""}
	}
	tr := &fakeTransport{byURL: byURL}
	d := newDiscoverer(tr)
	d.Consecutive404Threshold = 5
	result := d.Discover(context.Background(), "https://example.com/list")

	var maxPage int
	for _, p := range result.Pages {
		if p.Page > maxPage {
			maxPage = p.Page
		}
	}
	if maxPage != 9 {
		t.Fatalf("expected discovery to stop right after the 5th consecutive 404 (page 9), got maxPage=%d pages=%+v", maxPage, result.Pages)
	}
}

func Test_DeriveTemplate_SubstitutesLastNumber(t *testing.T) {
	tmpl, ok := deriveTemplate("https://example.com/list?page=2")
	if !ok {
		t.Fatal("expected template derivation to succeed")
	}
	if got := tmpl(5); got != "https://example.com/list?page=5" {
		t.Fatalf("expected page substitution, got %s", got)
	}
}
