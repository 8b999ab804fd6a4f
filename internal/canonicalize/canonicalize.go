// Package canonicalize implements the URL canonicalizer of §4.7: on a
// 404, it tries an ordered set of scheme/host/slash variants, probing
// each with a HEAD-falling-back-to-GET preflight, and memoizes
// successful resolutions for 30 minutes.
package canonicalize

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"politefetch/internal/cache"
	"politefetch/internal/errtax"
	"politefetch/internal/robots"
	"politefetch/internal/transport"
)

// Attempt is one variant tried during canonicalization.
type Attempt struct {
	Variant   string
	Status    int
	ErrorKind errtax.Kind
	ElapsedMs int64
}

// Result is §3's "Canonicalization result".
type Result struct {
	OriginalURL    string
	ResolvedURL    string
	Success        bool
	Attempts       []Attempt
	RedirectChain  []string
	TotalElapsedMs int64
	ErrorKind      errtax.Kind
}

type cacheEntry struct {
	resolved string
	at       time.Time
}

// Cache memoizes successful resolutions for 30 minutes, keyed by
// original URL (§4.7 "Successful resolutions are memoized"). An optional
// Store backs the cache for multi-process deployments; the in-process
// map always serves reads first, so Store is consulted only on a local
// miss, per §3's "process-wide LRU-by-time maps, Redis-backed optional".
type Cache struct {
	mu      sync.Mutex
	entries map[string]cacheEntry
	ttl     time.Duration
	now     func() time.Time
	store   cache.Store
}

func NewCache(ttl time.Duration, now func() time.Time) *Cache {
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	if now == nil {
		now = time.Now
	}
	return &Cache{entries: make(map[string]cacheEntry), ttl: ttl, now: now}
}

// WithStore attaches a shared backing Store, for sharing resolutions
// across processes.
func (c *Cache) WithStore(s cache.Store) *Cache {
	c.store = s
	return c
}

func (c *Cache) get(original string) (string, bool) {
	c.mu.Lock()
	e, ok := c.entries[original]
	fresh := ok && c.now().Sub(e.at) <= c.ttl
	c.mu.Unlock()
	if fresh {
		return e.resolved, true
	}
	if c.store == nil {
		return "", false
	}
	resolved, ok := c.store.Get(context.Background(), original)
	if !ok {
		return "", false
	}
	c.mu.Lock()
	c.entries[original] = cacheEntry{resolved: resolved, at: c.now()}
	c.mu.Unlock()
	return resolved, true
}

func (c *Cache) put(original, resolved string) {
	c.mu.Lock()
	c.entries[original] = cacheEntry{resolved: resolved, at: c.now()}
	c.mu.Unlock()
	if c.store != nil {
		c.store.Set(context.Background(), original, resolved, c.ttl)
	}
}

var backoffSequence = []time.Duration{500 * time.Millisecond, time.Second, 2 * time.Second}

func backoffFor(i int) time.Duration {
	if i < len(backoffSequence) {
		return backoffSequence[i]
	}
	return backoffSequence[len(backoffSequence)-1]
}

// Canonicalizer resolves a 404'd URL to a working variant.
type Canonicalizer struct {
	Transport transport.Transport
	UserAgent string
	Robots    *robots.Cache
	Cache     *Cache
	Now       func() time.Time
	Timeout   time.Duration
	Sleep     func(ctx context.Context, d time.Duration) error
}

// Resolve runs §4.7's algorithm for originalURL. It assumes the caller
// has already observed a 404 for originalURL.
func (c *Canonicalizer) Resolve(ctx context.Context, originalURL string) Result {
	start := c.nowFn()

	if cached, ok := c.Cache.get(originalURL); ok {
		if status := c.probeStatus(ctx, cached); status >= 200 && status < 400 {
			return Result{OriginalURL: originalURL, ResolvedURL: cached, Success: true, TotalElapsedMs: c.elapsed(start)}
		}
	}

	variants, err := orderedVariants(originalURL)
	if err != nil {
		return Result{OriginalURL: originalURL, Success: false, ErrorKind: errtax.KindValidation, TotalElapsedMs: c.elapsed(start)}
	}

	var attempts []Attempt
	for i, v := range variants {
		if c.Robots != nil {
			u, _ := url.Parse(v)
			if u != nil {
				origin := u.Scheme + "://" + u.Host
				if !c.Robots.Allowed(ctx, origin, c.UserAgent, u.Path) {
					return Result{
						OriginalURL: originalURL, Success: false, Attempts: attempts,
						ErrorKind: errtax.KindRobotsBlocked, TotalElapsedMs: c.elapsed(start),
					}
				}
			}
		}

		attemptStart := c.nowFn()
		status, kind := c.preflight(ctx, v)
		attempts = append(attempts, Attempt{Variant: v, Status: status, ErrorKind: kind, ElapsedMs: c.elapsed(attemptStart)})

		if status >= 200 && status < 400 {
			c.Cache.put(originalURL, v)
			return Result{
				OriginalURL: originalURL, ResolvedURL: v, Success: true,
				Attempts: attempts, TotalElapsedMs: c.elapsed(start),
			}
		}

		if i < len(variants)-1 {
			if err := c.sleep(ctx, backoffFor(i)); err != nil {
				break
			}
		}
	}

	return Result{OriginalURL: originalURL, Success: false, Attempts: attempts, ErrorKind: errtax.KindClient4xx, TotalElapsedMs: c.elapsed(start)}
}

// preflight performs a HEAD, falling back to GET if HEAD is rejected
// with 405, per §4.7/§6.
func (c *Canonicalizer) preflight(ctx context.Context, target string) (status int, kind errtax.Kind) {
	status, err := c.do(ctx, http.MethodHead, target)
	if err == nil && status == http.StatusMethodNotAllowed {
		status, err = c.do(ctx, http.MethodGet, target)
	}
	if err != nil {
		return 0, errtax.Classify(err, 0)
	}
	if status >= 500 {
		return status, errtax.KindServer5xx
	}
	if status >= 400 {
		return status, errtax.KindClient4xx
	}
	return status, ""
}

func (c *Canonicalizer) probeStatus(ctx context.Context, target string) int {
	status, err := c.do(ctx, http.MethodHead, target)
	if err != nil {
		return 0
	}
	return status
}

func (c *Canonicalizer) do(ctx context.Context, method, target string) (int, error) {
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, method, target, nil)
	if err != nil {
		return 0, err
	}
	if c.UserAgent != "" {
		req.Header.Set("User-Agent", c.UserAgent)
	}
	resp, err := c.Transport.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	return resp.StatusCode, nil
}

func (c *Canonicalizer) sleep(ctx context.Context, d time.Duration) error {
	if c.Sleep != nil {
		return c.Sleep(ctx, d)
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (c *Canonicalizer) nowFn() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

func (c *Canonicalizer) elapsed(since time.Time) int64 {
	return c.nowFn().Sub(since).Milliseconds()
}

// orderedVariants implements §4.7's 7-step ordering, deduplicating while
// preserving first occurrence and placing the original URL last.
func orderedVariants(original string) ([]string, error) {
	u, err := url.Parse(original)
	if err != nil {
		return nil, err
	}
	host := u.Hostname()
	hasWWW := strings.HasPrefix(host, "www.")
	path := u.Path
	if path == "" {
		path = "/"
	}
	hasTrailingSlash := strings.HasSuffix(path, "/")
	rest := ""
	if u.RawQuery != "" {
		rest += "?" + u.RawQuery
	}
	if u.Fragment != "" {
		rest += "#" + u.Fragment
	}

	build := func(scheme string, withWWW bool, trailingSlash bool) string {
		h := host
		if withWWW && !strings.HasPrefix(h, "www.") {
			h = "www." + h
		}
		if !withWWW && strings.HasPrefix(h, "www.") {
			h = strings.TrimPrefix(h, "www.")
		}
		p := path
		if trailingSlash && !strings.HasSuffix(p, "/") {
			p += "/"
		}
		out := scheme + "://" + h + p + rest
		return out
	}

	ordered := []string{
		build("https", hasWWW, hasTrailingSlash),                // 1. force https
		build("https", true, hasTrailingSlash),                  // 2. https + add www.
		build("https", hasWWW, true),                             // 3. https + trailing slash
		build("https", true, true),                               // 4. https + www. + trailing slash
		build(u.Scheme, false, hasTrailingSlash),                 // 5. remove www., original scheme
		build("https", false, hasTrailingSlash),                  // 6. https + remove www.
		original,                                                 // 7. original, last resort
	}

	seen := map[string]bool{original: true}
	out := make([]string, 0, len(ordered))
	for _, v := range ordered[:len(ordered)-1] {
		if seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	out = append(out, original)
	return out, nil
}
