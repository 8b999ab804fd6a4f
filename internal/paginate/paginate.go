// Package paginate implements pagination discovery (§4.8): it walks
// numeric or letter-indexed pages found by parsing link selectors on a
// base page, stopping on a consecutive-404 streak. Every fetch flows
// through the retry scheduler so rate limits and circuits are honored.
package paginate

import (
	"context"
	"net/url"
	"regexp"
	"strconv"
	"time"

	"golang.org/x/net/html"

	"politefetch/internal/breaker"
	"politefetch/internal/errtax"
	"politefetch/internal/fetchengine"
	"politefetch/internal/hostkey"
	"politefetch/internal/ratelimit"
	"politefetch/internal/retry"
)

// Mode is the discovery strategy actually used, per §3's pagination result.
type Mode string

const (
	ModeNumeric Mode = "numeric"
	ModeLetter  Mode = "letter"
	ModeMixed   Mode = "mixed"
)

// Page is one discovered page's outcome.
type Page struct {
	URL       string
	Page      int
	Letter    string
	Status    int
	ElapsedMs int64
}

// Result is §3's "Pagination result".
type Result struct {
	BaseURL        string
	Mode           Mode
	Pages          []Page
	Errors         []errtax.Kind
	TotalElapsedMs int64
}

const (
	defaultConsecutive404Threshold = 5
	defaultLetterConsecutive404Cap = 3
	defaultLetterPageCap           = 10
	defaultInterRequestPause       = 200 * time.Millisecond
	defaultInterLetterPause        = 500 * time.Millisecond
)

var defaultAlphabet = func() []string {
	out := make([]string, 0, 36)
	for c := 'a'; c <= 'z'; c++ {
		out = append(out, string(c))
	}
	for c := '0'; c <= '9'; c++ {
		out = append(out, string(c))
	}
	return out
}()

// Discoverer drives pagination discovery for one base URL, fetching
// through Scheduler and resolving each host's bucket/circuit via the
// supplied lookup functions (normally backed by internal/registry).
type Discoverer struct {
	Scheduler *retry.Scheduler
	BucketFor func(hostKey string) *ratelimit.Bucket
	CircuitFor func(hostKey string) *breaker.Breaker

	MaxPages                 int
	Consecutive404Threshold  int
	LetterConsecutive404Cap  int
	LetterPageCap            int
	Alphabet                 []string
	InterRequestPause        time.Duration
	InterLetterPause         time.Duration
	Sleep                    func(ctx context.Context, d time.Duration) error

	// LetterURLForBase builds the page-1 URL for one letter's listing,
	// e.g. substituting a sentinel "all" path segment. Required only for
	// letter-mode discovery; auto mode without it stays numeric-only.
	LetterURLForBase func(base, letter string) string
}

func (d *Discoverer) consecutive404Threshold() int {
	if d.Consecutive404Threshold > 0 {
		return d.Consecutive404Threshold
	}
	return defaultConsecutive404Threshold
}

func (d *Discoverer) letterConsecutive404Cap() int {
	if d.LetterConsecutive404Cap > 0 {
		return d.LetterConsecutive404Cap
	}
	return defaultLetterConsecutive404Cap
}

func (d *Discoverer) letterPageCap() int {
	if d.LetterPageCap > 0 {
		return d.LetterPageCap
	}
	return defaultLetterPageCap
}

func (d *Discoverer) alphabet() []string {
	if len(d.Alphabet) > 0 {
		return d.Alphabet
	}
	return defaultAlphabet
}

func (d *Discoverer) interRequestPause() time.Duration {
	if d.InterRequestPause > 0 {
		return d.InterRequestPause
	}
	return defaultInterRequestPause
}

func (d *Discoverer) interLetterPause() time.Duration {
	if d.InterLetterPause > 0 {
		return d.InterLetterPause
	}
	return defaultInterLetterPause
}

// fetchPage runs one fetch through the retry scheduler and parses a
// successful body into an *html.Node for link discovery.
func (d *Discoverer) fetchPage(ctx context.Context, target string) (status int, doc *html.Node, elapsedMs int64, kind errtax.Kind) {
	hk := hostkey.Of(mustParseURL(target))
	bucket := d.BucketFor(hk)
	circuit := d.CircuitFor(hk)

	res := d.Scheduler.Run(ctx, &fetchengine.Request{URL: target}, bucket, circuit, nil)
	out := res.Outcome
	if out.Type != fetchengine.OutcomeSuccess {
		return out.Status, nil, out.ElapsedMs, out.ErrorKind
	}
	defer out.Body.Close()
	parsed, err := html.Parse(out.Body)
	if err != nil {
		return out.Status, nil, out.ElapsedMs, errtax.KindParse
	}
	return out.Status, parsed, out.ElapsedMs, ""
}

// Discover runs §4.8's auto-mode algorithm starting from baseURL.
func (d *Discoverer) Discover(ctx context.Context, baseURL string) Result {
	start := time.Now()
	result := Result{BaseURL: baseURL}

	status, doc, elapsed, kind := d.fetchPage(ctx, baseURL)
	if doc == nil {
		result.Errors = append(result.Errors, kind)
		result.TotalElapsedMs = time.Since(start).Milliseconds()
		return result
	}
	result.Pages = append(result.Pages, Page{URL: baseURL, Page: 1, Status: status, ElapsedMs: elapsed})

	if nextHref, ok := findNextLink(doc); ok {
		result.Mode = ModeNumeric
		tmpl, ok := deriveTemplate(resolveHref(baseURL, nextHref))
		if ok {
			d.discoverNumeric(ctx, &result, tmpl, 2)
			result.TotalElapsedMs = time.Since(start).Milliseconds()
			return result
		}
	}
	if links := numericLinks(doc); len(links) > 0 {
		result.Mode = ModeNumeric
		maxSeen := 1
		for _, l := range links {
			if l.page > maxSeen {
				maxSeen = l.page
			}
		}
		if tmpl, ok := deriveTemplate(resolveHref(baseURL, links[0].href)); ok {
			d.discoverNumeric(ctx, &result, tmpl, 2)
			result.TotalElapsedMs = time.Since(start).Milliseconds()
			return result
		}
	}

	if d.LetterURLForBase != nil {
		result.Mode = ModeLetter
		d.discoverLetters(ctx, &result, baseURL)
	}

	result.TotalElapsedMs = time.Since(start).Milliseconds()
	return result
}

// discoverNumeric implements §4.8's numeric discovery, starting at
// startPage (page 1 is assumed already fetched by the caller).
func (d *Discoverer) discoverNumeric(ctx context.Context, result *Result, tmpl func(int) string, startPage int) {
	streak := 0
	maxPages := d.MaxPages
	for page := startPage; maxPages <= 0 || page <= maxPages; page++ {
		if err := d.sleep(ctx, d.interRequestPause()); err != nil {
			return
		}
		target := tmpl(page)
		status, _, elapsed, kind := d.fetchPage(ctx, target)
		if status == 404 {
			streak++
			result.Pages = append(result.Pages, Page{URL: target, Page: page, Status: status, ElapsedMs: elapsed})
			if streak >= d.consecutive404Threshold() {
				return
			}
			continue
		}
		streak = 0
		if kind != "" {
			result.Errors = append(result.Errors, kind)
			continue
		}
		result.Pages = append(result.Pages, Page{URL: target, Page: page, Status: status, ElapsedMs: elapsed})
	}
}

// discoverLetters implements §4.8's letter discovery.
func (d *Discoverer) discoverLetters(ctx context.Context, result *Result, baseURL string) {
	for _, letter := range d.alphabet() {
		if err := d.sleep(ctx, d.interLetterPause()); err != nil {
			return
		}
		letterBase := d.LetterURLForBase(baseURL, letter)
		status, _, elapsed, kind := d.fetchPage(ctx, letterBase)
		if kind != "" {
			result.Errors = append(result.Errors, kind)
			continue
		}
		result.Pages = append(result.Pages, Page{URL: letterBase, Letter: letter, Page: 1, Status: status, ElapsedMs: elapsed})

		tmpl, ok := deriveTemplate(letterBase)
		if !ok {
			continue
		}
		d.discoverLetterPages(ctx, result, letter, tmpl)
	}
}

func (d *Discoverer) discoverLetterPages(ctx context.Context, result *Result, letter string, tmpl func(int) string) {
	streak := 0
	for page := 2; page <= d.letterPageCap(); page++ {
		if err := d.sleep(ctx, d.interRequestPause()); err != nil {
			return
		}
		target := tmpl(page)
		status, _, elapsed, kind := d.fetchPage(ctx, target)
		if status == 404 {
			streak++
			result.Pages = append(result.Pages, Page{URL: target, Page: page, Letter: letter, Status: status, ElapsedMs: elapsed})
			if streak >= d.letterConsecutive404Cap() {
				return
			}
			continue
		}
		streak = 0
		if kind != "" {
			result.Errors = append(result.Errors, kind)
			continue
		}
		result.Pages = append(result.Pages, Page{URL: target, Page: page, Letter: letter, Status: status, ElapsedMs: elapsed})
	}
}

func (d *Discoverer) sleep(ctx context.Context, dur time.Duration) error {
	if d.Sleep != nil {
		return d.Sleep(ctx, dur)
	}
	timer := time.NewTimer(dur)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

var trailingDigitsRe = regexp.MustCompile(`\d+`)

// deriveTemplate finds the last run of digits in rawURL (assumed to be
// the page number) and returns a function substituting any page number
// in its place.
func deriveTemplate(rawURL string) (func(int) string, bool) {
	locs := trailingDigitsRe.FindAllStringIndex(rawURL, -1)
	if len(locs) == 0 {
		return nil, false
	}
	last := locs[len(locs)-1]
	prefix, suffix := rawURL[:last[0]], rawURL[last[1]:]
	return func(n int) string {
		return prefix + strconv.Itoa(n) + suffix
	}, true
}

func resolveHref(base, href string) string {
	b := mustParseURL(base)
	if b == nil {
		return href
	}
	u, err := b.Parse(href)
	if err != nil {
		return href
	}
	return u.String()
}

func mustParseURL(raw string) *url.URL {
	u, err := url.Parse(raw)
	if err != nil {
		return nil
	}
	return u
}
