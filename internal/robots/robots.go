// Package robots implements robots.txt fetching, parsing and per-origin
// caching (§4.7, §6 "robots.txt compliance"). Parse and fetch failures
// default to "allow", per spec.
package robots

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"politefetch/internal/cache"
)

// Rule is one parsed Disallow/Allow line for a matched user-agent block.
type Rule struct {
	Disallow bool
	Prefix   string
}

// Ruleset is the parsed directives applicable to one user-agent stem,
// falling back to "*" when no specific block matches.
type Ruleset struct {
	Rules []Rule `json:"rules"`
}

// Allows reports whether path is permitted under this ruleset. Longest
// matching prefix wins; no match means allow.
func (r Ruleset) Allows(path string) bool {
	bestLen := -1
	bestDisallow := false
	for _, rule := range r.Rules {
		if rule.Prefix == "" || strings.HasPrefix(path, rule.Prefix) {
			if len(rule.Prefix) > bestLen {
				bestLen = len(rule.Prefix)
				bestDisallow = rule.Disallow
			}
		}
	}
	return !bestDisallow
}

// Fetcher performs the actual robots.txt HTTP GET. Production code wires
// this to a transport.Transport; tests substitute a fake.
type Fetcher func(ctx context.Context, origin string) (body string, ok bool)

type cacheEntry struct {
	rules    map[string]Ruleset // user-agent stem (lowercased) -> ruleset
	fetchedAt time.Time
}

// Cache is a process-wide, origin-keyed robots.txt cache with a 1h TTL
// (§4.7). Safe for concurrent use. An optional Store shares entries
// across processes, consulted on a local miss before re-fetching.
type Cache struct {
	mu      sync.Mutex
	entries map[string]cacheEntry
	ttl     time.Duration
	now     func() time.Time
	fetch   Fetcher
	store   cache.Store
}

// NewCache constructs a Cache. ttl<=0 defaults to 1h.
func NewCache(ttl time.Duration, now func() time.Time, fetch Fetcher) *Cache {
	if ttl <= 0 {
		ttl = time.Hour
	}
	if now == nil {
		now = time.Now
	}
	return &Cache{entries: make(map[string]cacheEntry), ttl: ttl, now: now, fetch: fetch}
}

// WithStore attaches a shared backing Store.
func (c *Cache) WithStore(s cache.Store) *Cache {
	c.store = s
	return c
}

// Allowed reports whether userAgent may fetch path at origin, consulting
// (and populating) the cache. Any fetch or parse failure defaults to
// allow, per §4.7/§6.
func (c *Cache) Allowed(ctx context.Context, origin, userAgent, path string) bool {
	stem := agentStem(userAgent)
	now := c.now()

	c.mu.Lock()
	entry, ok := c.entries[origin]
	fresh := ok && now.Sub(entry.fetchedAt) < c.ttl
	c.mu.Unlock()

	if !fresh {
		entry = c.refresh(ctx, origin)
	}

	if rs, ok := entry.rules[stem]; ok {
		return rs.Allows(path)
	}
	if rs, ok := entry.rules["*"]; ok {
		return rs.Allows(path)
	}
	return true
}

func (c *Cache) refresh(ctx context.Context, origin string) cacheEntry {
	if c.store != nil {
		if raw, ok := c.store.Get(ctx, origin); ok {
			var rules map[string]Ruleset
			if err := json.Unmarshal([]byte(raw), &rules); err == nil {
				entry := cacheEntry{rules: rules, fetchedAt: c.now()}
				c.mu.Lock()
				c.entries[origin] = entry
				c.mu.Unlock()
				return entry
			}
		}
	}

	var body string
	var ok bool
	if c.fetch != nil {
		body, ok = c.fetch(ctx, origin)
	}
	entry := cacheEntry{fetchedAt: c.now()}
	if ok {
		entry.rules = Parse(body)
		if c.store != nil {
			if raw, err := json.Marshal(entry.rules); err == nil {
				c.store.Set(ctx, origin, string(raw), c.ttl)
			}
		}
	} else {
		entry.rules = map[string]Ruleset{}
	}
	c.mu.Lock()
	c.entries[origin] = entry
	c.mu.Unlock()
	return entry
}

// Parse reads robots.txt text into per-user-agent rulesets. Malformed
// lines are skipped; parsing never fails.
func Parse(body string) map[string]Ruleset {
	out := map[string]Ruleset{}
	var current []string
	scanner := bufio.NewScanner(strings.NewReader(body))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, val, ok := splitDirective(line)
		if !ok {
			continue
		}
		switch strings.ToLower(key) {
		case "user-agent":
			stem := strings.ToLower(strings.TrimSpace(val))
			current = []string{stem}
		case "disallow":
			for _, ua := range current {
				appendRule(out, ua, true, val)
			}
		case "allow":
			for _, ua := range current {
				appendRule(out, ua, false, val)
			}
		}
	}
	return out
}

func appendRule(out map[string]Ruleset, ua string, disallow bool, prefix string) {
	rs := out[ua]
	rs.Rules = append(rs.Rules, Rule{Disallow: disallow, Prefix: prefix})
	out[ua] = rs
}

func splitDirective(line string) (key, val string, ok bool) {
	idx := strings.Index(line, ":")
	if idx < 0 {
		return "", "", false
	}
	return strings.TrimSpace(line[:idx]), strings.TrimSpace(line[idx+1:]), true
}

func agentStem(userAgent string) string {
	ua := strings.ToLower(userAgent)
	if idx := strings.IndexByte(ua, '/'); idx > 0 {
		ua = ua[:idx]
	}
	return ua
}

// NewHTTPFetcher builds a Fetcher backed by client, GETting
// "{origin}/robots.txt" with a short timeout.
func NewHTTPFetcher(client interface {
	Do(req *http.Request) (*http.Response, error)
}, timeout time.Duration) Fetcher {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return func(ctx context.Context, origin string) (string, bool) {
		u, err := url.Parse(origin)
		if err != nil {
			return "", false
		}
		u.Path = "/robots.txt"
		u.RawQuery = ""
		reqCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, u.String(), nil)
		if err != nil {
			return "", false
		}
		resp, err := client.Do(req)
		if err != nil {
			return "", false
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 400 {
			return "", false
		}
		return readAll(resp.Body), true
	}
}

func readAll(r interface{ Read([]byte) (int, error) }) string {
	var sb strings.Builder
	buf := make([]byte, 4096)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			sb.Write(buf[:n])
		}
		if err != nil {
			break
		}
	}
	return sb.String()
}
