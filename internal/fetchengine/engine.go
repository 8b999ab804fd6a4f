// Package fetchengine implements the single-attempt fetch of §4.5: it
// validates the URL, consults the circuit breaker, acquires a rate-limit
// token, shapes headers, issues the request with a manual redirect walk,
// and classifies the result — reporting outcomes back to the breaker and
// rate limiter as it goes.
package fetchengine

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"politefetch/internal/breaker"
	"politefetch/internal/errtax"
	"politefetch/internal/hostkey"
	"politefetch/internal/ratelimit"
	"politefetch/internal/transport"
)

// OutcomeType is the closed set of fetch outcomes from §3's "Fetch
// outcome" tagged union.
type OutcomeType string

const (
	OutcomeSuccess     OutcomeType = "success"
	OutcomeRateLimited OutcomeType = "rate_limited"
	OutcomeNetwork     OutcomeType = "network"
	OutcomeTimeout     OutcomeType = "timeout"
	OutcomeCircuitOpen OutcomeType = "circuit_open"
	OutcomeValidation  OutcomeType = "validation"
	OutcomeParse       OutcomeType = "parse"
)

// RedirectHop records one step of a followed redirect chain.
type RedirectHop struct {
	URL    string
	Status int
}

// Outcome is the result of one fetchOnce attempt. Only the fields
// relevant to Type are meaningful; this is Go's idiomatic stand-in for
// the spec's tagged union (§9 "Sum types vs. tagged strings").
type Outcome struct {
	Type OutcomeType

	Status        int
	Headers       http.Header
	Body          io.ReadCloser
	FinalURL      string
	RedirectChain []RedirectHop
	ElapsedMs     int64

	RetryAfter  time.Duration // set when Type == RateLimited and a hint was present
	RemainingMs int64         // set when Type == CircuitOpen

	ErrorKind errtax.Kind
	Reason    string
	Cause     error
}

// Request is one fetch attempt's input, per §3's "Fetch request".
type Request struct {
	URL           string
	Method        string
	Headers       http.Header
	Body          io.Reader
	TimeoutMs     int64
	MaxRedirects  int
	MaxWaitMs     int64
	CorrelationID string
	RequestID     string
}

const maxURLLength = 2048

// Engine performs single-attempt fetches against one process-wide host
// registry's buckets and breakers.
type Engine struct {
	Transport    transport.Transport
	Headers      HeaderPolicy
	ProbePath    string // strategy.ProbeRequestPath for breaker probes
	ProbeTimeout time.Duration
}

// FetchOnce performs steps 1-6 of §4.5 for one request against hostKey's
// bucket and circuit.
func (e *Engine) FetchOnce(ctx context.Context, req *Request, bucket *ratelimit.Bucket, circuit *breaker.Breaker) Outcome {
	start := time.Now()

	parsed, validationErr := validateURL(req.URL)
	if validationErr != "" {
		return Outcome{Type: OutcomeValidation, Reason: validationErr, ErrorKind: errtax.KindValidation}
	}

	hostKey := hostkey.Of(parsed)

	decision := circuit.CallGate(ctx, e.probeFunc(parsed))
	if !decision.Proceed {
		return Outcome{Type: OutcomeCircuitOpen, RemainingMs: decision.RemainingMs, ErrorKind: errtax.KindCircuitOpen}
	}

	target := parsed
	if decision.AsProbe && e.ProbePath != "" {
		target = probeURL(parsed, e.ProbePath)
	}

	maxWait := time.Duration(req.MaxWaitMs) * time.Millisecond
	if maxWait <= 0 {
		maxWait = 30 * time.Second
	}
	if err := bucket.Acquire(ctx, maxWait); err != nil {
		// Rate-limiter wait exhausted or the bucket was stopped; surface
		// as a network-style failure so the retry scheduler can decide.
		return Outcome{Type: OutcomeNetwork, ErrorKind: errtax.KindNetwork, Cause: err, Reason: err.Error()}
	}
	defer bucket.Release()

	method := req.Method
	if method == "" {
		method = http.MethodGet
	}

	timeout := time.Duration(req.TimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	maxRedirects := req.MaxRedirects
	if maxRedirects <= 0 {
		maxRedirects = 10
	}

	resp, chain, finalURL, err := e.doWithRedirects(reqCtx, method, target, req, hostKey, maxRedirects)
	elapsed := time.Since(start).Milliseconds()

	if err != nil {
		kind := errtax.Classify(err, 0)
		if reqCtx.Err() != nil {
			kind = errtax.KindTimeout
		}
		outcome := Outcome{Type: kindToOutcomeType(kind), ElapsedMs: elapsed, ErrorKind: kind, Cause: err, Reason: err.Error()}
		e.reportOutcome(bucket, circuit, outcome)
		return outcome
	}
	defer func() {
		if resp.Body != nil && resp.StatusCode >= 400 {
			resp.Body.Close()
		}
	}()

	status := resp.StatusCode
	switch {
	case status >= 200 && status < 400:
		outcome := Outcome{
			Type: OutcomeSuccess, Status: status, Headers: resp.Header, Body: resp.Body,
			FinalURL: finalURL.String(), RedirectChain: chain, ElapsedMs: elapsed,
		}
		e.reportOutcome(bucket, circuit, outcome)
		return outcome

	case status == 429:
		retryAfter := parseRetryAfter(resp.Header.Get("Retry-After"))
		outcome := Outcome{Type: OutcomeRateLimited, Status: status, Headers: resp.Header, ElapsedMs: elapsed, RetryAfter: retryAfter, ErrorKind: errtax.KindRateLimited}
		e.reportOutcome(bucket, circuit, outcome)
		return outcome

	case status >= 500:
		outcome := Outcome{Type: OutcomeNetwork, Status: status, Headers: resp.Header, ElapsedMs: elapsed, ErrorKind: errtax.KindServer5xx, Reason: resp.Status}
		e.reportOutcome(bucket, circuit, outcome)
		return outcome

	default: // 4xx
		outcome := Outcome{Type: OutcomeNetwork, Status: status, Headers: resp.Header, ElapsedMs: elapsed, ErrorKind: errtax.KindClient4xx, Reason: resp.Status}
		e.reportOutcome(bucket, circuit, outcome)
		return outcome
	}
}

// reportOutcome feeds the breaker and adaptive rate limiter, honoring
// §4.5's "do not touch breaker" exceptions for rate_limited and client_4xx.
func (e *Engine) reportOutcome(bucket *ratelimit.Bucket, circuit *breaker.Breaker, o Outcome) {
	switch o.Type {
	case OutcomeSuccess:
		bucket.Observe(ratelimit.Outcome{Status: o.Status})
		circuit.ReportOutcome(true, "")
	case OutcomeRateLimited:
		bucket.Observe(ratelimit.Outcome{Status: 429, RetryAfter: o.RetryAfter})
		// circuit is explicitly not touched for 429
	case OutcomeNetwork:
		if o.ErrorKind == errtax.KindServer5xx {
			bucket.Observe(ratelimit.Outcome{Status: o.Status})
		}
		if o.ErrorKind.CountsTowardCircuit() {
			circuit.ReportOutcome(false, o.ErrorKind)
		}
	case OutcomeTimeout:
		circuit.ReportOutcome(false, errtax.KindTimeout)
	}
}

func kindToOutcomeType(k errtax.Kind) OutcomeType {
	if k == errtax.KindTimeout {
		return OutcomeTimeout
	}
	return OutcomeNetwork
}

func (e *Engine) probeFunc(base *url.URL) breaker.ProbeFunc {
	if e.ProbePath == "" {
		return nil
	}
	return func(ctx context.Context) bool {
		pu := probeURL(base, e.ProbePath)
		timeout := e.ProbeTimeout
		if timeout <= 0 {
			timeout = 5 * time.Second
		}
		pctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		req, err := http.NewRequestWithContext(pctx, http.MethodHead, pu.String(), nil)
		if err != nil {
			return false
		}
		e.Headers.Apply(req, hostkey.Of(base), "probe", "probe")
		resp, err := e.Transport.Do(req)
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		return resp.StatusCode < 400
	}
}

func probeURL(base *url.URL, path string) *url.URL {
	u := *base
	u.Path = path
	u.RawQuery = ""
	u.Fragment = ""
	return &u
}

// doWithRedirects issues the request and manually follows redirects up to
// maxRedirects, building the chain for observability (§4.5 step 5) and
// returning the URL of the final response.
func (e *Engine) doWithRedirects(ctx context.Context, method string, target *url.URL, orig *Request, hostKey string, maxRedirects int) (*http.Response, []RedirectHop, *url.URL, error) {
	var chain []RedirectHop
	current := target
	var body io.Reader = orig.Body

	for i := 0; i <= maxRedirects; i++ {
		httpReq, err := http.NewRequestWithContext(ctx, method, current.String(), body)
		if err != nil {
			return nil, chain, current, err
		}
		if orig.Headers != nil {
			httpReq.Header = orig.Headers.Clone()
		}
		e.Headers.Apply(httpReq, hostKey, orig.CorrelationID, orig.RequestID)

		resp, err := e.Transport.Do(httpReq)
		if err != nil {
			return nil, chain, current, err
		}

		if resp.StatusCode >= 300 && resp.StatusCode < 400 {
			loc := resp.Header.Get("Location")
			resp.Body.Close()
			if loc == "" {
				return resp, chain, current, nil
			}
			next, err := current.Parse(loc)
			if err != nil {
				return resp, chain, current, nil
			}
			chain = append(chain, RedirectHop{URL: current.String(), Status: resp.StatusCode})
			current = next
			body = nil // redirects drop the body for GET-style follow-up, matching net/http defaults
			method = http.MethodGet
			continue
		}
		return resp, chain, current, nil
	}
	return nil, chain, current, &tooManyRedirectsError{Count: maxRedirects}
}

type tooManyRedirectsError struct{ Count int }

func (e *tooManyRedirectsError) Error() string {
	return "too many redirects: exceeded " + strconv.Itoa(e.Count)
}

func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		d := time.Until(t)
		if d > 0 {
			return d
		}
	}
	return 0
}

// validateURL applies §4.5 step 1's validation rules.
func validateURL(raw string) (*url.URL, string) {
	if len(raw) > maxURLLength {
		return nil, "url exceeds max length"
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, "malformed url"
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, "unsupported scheme"
	}
	if u.Hostname() == "" {
		return nil, "empty hostname"
	}
	if strings.Contains(u.Hostname(), "..") || strings.Contains(raw[strings.Index(raw, u.Host):], "//") {
		return nil, "suspicious hostname or path"
	}
	return u, ""
}
