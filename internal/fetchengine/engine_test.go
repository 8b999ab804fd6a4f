package fetchengine

import (
	"context"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"politefetch/internal/breaker"
	"politefetch/internal/errtax"
	"politefetch/internal/ratelimit"
)

type fakeTransport struct {
	responses []*http.Response
	errs      []error
	calls     []*http.Request
}

func (f *fakeTransport) Do(req *http.Request) (*http.Response, error) {
	i := len(f.calls)
	f.calls = append(f.calls, req)
	if i < len(f.errs) && f.errs[i] != nil {
		return nil, f.errs[i]
	}
	if i < len(f.responses) {
		return f.responses[i], nil
	}
	return f.responses[len(f.responses)-1], nil
}

func newResp(status int, header http.Header, body string) *http.Response {
	if header == nil {
		header = http.Header{}
	}
	return &http.Response{
		StatusCode: status,
		Status:     http.StatusText(status),
		Header:     header,
		Body:       io.NopCloser(strings.NewReader(body)),
	}
}

func newEngine(tr *fakeTransport) *Engine {
	return &Engine{
		Transport: tr,
		Headers:   HeaderPolicy{Product: "politefetch", Version: "1.0"},
	}
}

func Test_FetchOnce_SuccessReportsBucketAndBreaker(t *testing.T) {
	tr := &fakeTransport{responses: []*http.Response{newResp(200, nil, "ok")}}
	e := newEngine(tr)
	bucket := ratelimit.New("h", ratelimit.DefaultProfile(), nil)
	circuit := breaker.New("h", breaker.DefaultStrategy(), 3, nil)

	out := e.FetchOnce(context.Background(), &Request{URL: "https://example.com/page"}, bucket, circuit)
	if out.Type != OutcomeSuccess {
		t.Fatalf("expected success, got %+v", out)
	}
	if out.Status != 200 {
		t.Fatalf("expected status 200, got %d", out.Status)
	}
}

func Test_FetchOnce_ValidationRejectsBadScheme(t *testing.T) {
	tr := &fakeTransport{}
	e := newEngine(tr)
	bucket := ratelimit.New("h", ratelimit.DefaultProfile(), nil)
	circuit := breaker.New("h", breaker.DefaultStrategy(), 3, nil)

	out := e.FetchOnce(context.Background(), &Request{URL: "ftp://example.com/file"}, bucket, circuit)
	if out.Type != OutcomeValidation {
		t.Fatalf("expected validation outcome, got %+v", out)
	}
	if len(tr.calls) != 0 {
		t.Fatal("expected no network call for a validation failure")
	}
}

func Test_FetchOnce_CircuitOpenShortCircuitsBeforeNetworkCall(t *testing.T) {
	tr := &fakeTransport{}
	e := newEngine(tr)
	bucket := ratelimit.New("h", ratelimit.DefaultProfile(), nil)
	circuit := breaker.New("h", breaker.DefaultStrategy(), 1, nil)
	circuit.ReportOutcome(false, errtax.KindNetwork) // trips threshold=1

	out := e.FetchOnce(context.Background(), &Request{URL: "https://example.com/page"}, bucket, circuit)
	if out.Type != OutcomeCircuitOpen {
		t.Fatalf("expected circuit_open, got %+v", out)
	}
	if len(tr.calls) != 0 {
		t.Fatal("expected no network call while circuit is open")
	}
}

func Test_FetchOnce_429SetsRetryAfterAndSkipsBreaker(t *testing.T) {
	h := http.Header{}
	h.Set("Retry-After", "2")
	tr := &fakeTransport{responses: []*http.Response{newResp(429, h, "")}}
	e := newEngine(tr)
	bucket := ratelimit.New("h", ratelimit.DefaultProfile(), nil)
	circuit := breaker.New("h", breaker.DefaultStrategy(), 1, nil)

	out := e.FetchOnce(context.Background(), &Request{URL: "https://example.com/page"}, bucket, circuit)
	if out.Type != OutcomeRateLimited {
		t.Fatalf("expected rate_limited, got %+v", out)
	}
	if out.RetryAfter != 2*time.Second {
		t.Fatalf("expected 2s retry-after, got %v", out.RetryAfter)
	}
	if circuit.State() != breaker.StateClosed {
		t.Fatalf("429 must not count toward the circuit, got %s", circuit.State())
	}
}

func Test_FetchOnce_5xxCountsTowardCircuit(t *testing.T) {
	tr := &fakeTransport{responses: []*http.Response{
		newResp(503, nil, ""), newResp(503, nil, ""), newResp(503, nil, ""),
	}}
	e := newEngine(tr)
	bucket := ratelimit.New("h", ratelimit.DefaultProfile(), nil)
	circuit := breaker.New("h", breaker.DefaultStrategy(), 3, nil)

	for i := 0; i < 3; i++ {
		e.FetchOnce(context.Background(), &Request{URL: "https://example.com/page"}, bucket, circuit)
	}
	if circuit.State() != breaker.StateOpen {
		t.Fatalf("expected open after 3 consecutive 5xx, got %s", circuit.State())
	}
}

func Test_FetchOnce_FollowsRedirectAndRecordsChain(t *testing.T) {
	redirectHeader := http.Header{}
	redirectHeader.Set("Location", "https://example.com/final")
	tr := &fakeTransport{responses: []*http.Response{
		newResp(301, redirectHeader, ""),
		newResp(200, nil, "final"),
	}}
	e := newEngine(tr)
	bucket := ratelimit.New("h", ratelimit.DefaultProfile(), nil)
	circuit := breaker.New("h", breaker.DefaultStrategy(), 3, nil)

	out := e.FetchOnce(context.Background(), &Request{URL: "https://example.com/start"}, bucket, circuit)
	if out.Type != OutcomeSuccess {
		t.Fatalf("expected success, got %+v", out)
	}
	if len(out.RedirectChain) != 1 || out.RedirectChain[0].Status != 301 {
		t.Fatalf("expected one recorded 301 hop, got %+v", out.RedirectChain)
	}
	if out.FinalURL != "https://example.com/final" {
		t.Fatalf("expected final url recorded, got %s", out.FinalURL)
	}
}

func Test_FetchOnce_4xxDoesNotCountTowardCircuit(t *testing.T) {
	tr := &fakeTransport{responses: []*http.Response{
		newResp(404, nil, ""), newResp(404, nil, ""), newResp(404, nil, ""),
	}}
	e := newEngine(tr)
	bucket := ratelimit.New("h", ratelimit.DefaultProfile(), nil)
	circuit := breaker.New("h", breaker.DefaultStrategy(), 3, nil)

	for i := 0; i < 3; i++ {
		out := e.FetchOnce(context.Background(), &Request{URL: "https://example.com/missing"}, bucket, circuit)
		if out.Type != OutcomeNetwork || out.ErrorKind != errtax.KindClient4xx {
			t.Fatalf("expected network/client_4xx outcome, got %+v", out)
		}
	}
	if circuit.State() != breaker.StateClosed {
		t.Fatalf("4xx must never count toward the circuit, got %s", circuit.State())
	}
}
