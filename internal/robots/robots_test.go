package robots

import (
	"context"
	"testing"
	"time"

	"politefetch/internal/cache"
)

func Test_Parse_DisallowBlocksMatchingPrefix(t *testing.T) {
	rules := Parse("User-agent: *\nDisallow: /private\nAllow: /private/public\n")
	rs := rules["*"]
	if rs.Allows("/private/secret") {
		t.Fatal("expected /private/secret disallowed")
	}
	if !rs.Allows("/public") {
		t.Fatal("expected /public allowed (no matching rule)")
	}
	if !rs.Allows("/private/public") {
		t.Fatal("expected longest-prefix Allow to win over a shorter Disallow")
	}
}

func Test_Cache_FetchFailureDefaultsToAllow(t *testing.T) {
	c := NewCache(time.Hour, nil, func(ctx context.Context, origin string) (string, bool) {
		return "", false
	})
	if !c.Allowed(context.Background(), "https://example.com", "politefetch/1.0", "/anything") {
		t.Fatal("expected allow when robots.txt fetch fails")
	}
}

func Test_Cache_RefreshesAfterTTLExpires(t *testing.T) {
	cur := time.Unix(0, 0)
	calls := 0
	c := NewCache(time.Minute, func() time.Time { return cur }, func(ctx context.Context, origin string) (string, bool) {
		calls++
		return "User-agent: *\nDisallow: /blocked\n", true
	})
	c.Allowed(context.Background(), "https://example.com", "ua", "/x")
	c.Allowed(context.Background(), "https://example.com", "ua", "/x")
	if calls != 1 {
		t.Fatalf("expected cached fetch to be reused within TTL, got %d calls", calls)
	}
	cur = cur.Add(2 * time.Minute)
	c.Allowed(context.Background(), "https://example.com", "ua", "/x")
	if calls != 2 {
		t.Fatalf("expected a refetch after TTL expiry, got %d calls", calls)
	}
}

func Test_Cache_SharedStoreAvoidsRefetchAcrossInstances(t *testing.T) {
	store := cache.NewMemoryStore(nil)
	calls := 0
	fetch := func(ctx context.Context, origin string) (string, bool) {
		calls++
		return "User-agent: *\nDisallow: /blocked\n", true
	}

	first := NewCache(time.Hour, nil, fetch).WithStore(store)
	first.Allowed(context.Background(), "https://example.com", "ua", "/blocked")
	if calls != 1 {
		t.Fatalf("expected one fetch to populate the shared store, got %d", calls)
	}

	second := NewCache(time.Hour, nil, fetch).WithStore(store)
	if second.Allowed(context.Background(), "https://example.com", "ua", "/blocked") {
		t.Fatal("expected the second cache to see the shared disallow rule")
	}
	if calls != 1 {
		t.Fatalf("expected the second cache to reuse the shared store instead of refetching, got %d calls", calls)
	}
}

func Test_Cache_DisallowsMatchingUserAgentStem(t *testing.T) {
	c := NewCache(time.Hour, nil, func(ctx context.Context, origin string) (string, bool) {
		return "User-agent: politefetch\nDisallow: /no-bots\n", true
	})
	if c.Allowed(context.Background(), "https://example.com", "politefetch/1.0 (+https://example.org)", "/no-bots/x") {
		t.Fatal("expected disallow for matching stem")
	}
}
