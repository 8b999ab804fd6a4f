// Package registry is the per-host state registry of §4.2: it owns every
// host's token bucket and circuit breaker, constructs them lazily from
// the host's profile, and evicts idle entries on a timer.
//
// Host-keyed state is shared process-wide and read/written concurrently
// by many workers, so lock contention on a single map mutex would become
// the bottleneck the rest of this module works hard to avoid. Following
// the teacher's own anticipation of sharding (core/shard_test.go measures
// hash-balance uniformity for a "future sharded store"), hosts are
// rendezvous-hashed across a fixed number of independently-locked shards.
// This is purely a single-process contention fix — never a mechanism for
// coordinating across separate worker instances, which §1 excludes.
package registry

import (
	"context"
	"hash/fnv"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dgryski/go-rendezvous"

	"politefetch/internal/breaker"
	"politefetch/internal/hostkey"
	"politefetch/internal/ratelimit"
)

const defaultShardCount = 16

// Config tunes registry-wide defaults; see §4.2 and §6.
type Config struct {
	Profiles          map[string]ratelimit.Profile
	Strategy          breaker.Strategy
	CircuitThreshold  int
	BucketIdleTTL     time.Duration // default 30m
	CircuitIdleTTL    time.Duration // default 15m
	CleanupInterval   time.Duration // default 5m
	ShardCount        int           // default 16
	ShutdownTimeout   time.Duration // default 30s
	Now               func() time.Time
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.BucketIdleTTL <= 0 {
		out.BucketIdleTTL = 30 * time.Minute
	}
	if out.CircuitIdleTTL <= 0 {
		out.CircuitIdleTTL = 15 * time.Minute
	}
	if out.CleanupInterval <= 0 {
		out.CleanupInterval = 5 * time.Minute
	}
	if out.ShardCount <= 0 {
		out.ShardCount = defaultShardCount
	}
	if out.ShutdownTimeout <= 0 {
		out.ShutdownTimeout = 30 * time.Second
	}
	if out.Now == nil {
		out.Now = time.Now
	}
	if out.CircuitThreshold <= 0 {
		out.CircuitThreshold = 3
	}
	return out
}

type entry struct {
	bucket       *ratelimit.Bucket
	circuit      *breaker.Breaker
	lastTouched  int64 // unix nano, atomic
}

type shard struct {
	mu   sync.Mutex
	byHost map[string]*entry
}

// Registry is the process-wide per-host state registry (§9's
// "FetcherRuntime owns the maps" is implemented one layer down: Registry
// is the map-owning piece the runtime composes).
type Registry struct {
	cfg    Config
	shards []*shard
	table  *rendezvous.Table

	stopCleanup chan struct{}
	wg          sync.WaitGroup
	stopped     atomic.Bool
}

func shardHash(s string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(s))
	return h.Sum64()
}

// New constructs a Registry and starts its background cleanup loop.
func New(cfg Config) *Registry {
	c := cfg.withDefaults()
	nodes := make([]string, c.ShardCount)
	shards := make([]*shard, c.ShardCount)
	for i := range shards {
		nodes[i] = "shard-" + strconv.Itoa(i)
		shards[i] = &shard{byHost: make(map[string]*entry)}
	}
	r := &Registry{
		cfg:         c,
		shards:      shards,
		table:       rendezvous.New(nodes, shardHash),
		stopCleanup: make(chan struct{}),
	}
	r.wg.Add(1)
	go r.cleanupLoop()
	return r
}

func (r *Registry) shardFor(hostKey string) *shard {
	node := r.table.Get(hostKey)
	idx, err := strconv.Atoi(node[len("shard-"):])
	if err != nil || idx < 0 || idx >= len(r.shards) {
		idx = int(shardHash(hostKey) % uint64(len(r.shards)))
	}
	return r.shards[idx]
}

func (r *Registry) lookupProfile(hostKey string) ratelimit.Profile {
	return ratelimit.Lookup(r.cfg.Profiles, hostKey, hostkey.Bare(hostKey))
}

func (r *Registry) getOrCreate(hostKey string) *entry {
	s := r.shardFor(hostKey)
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.byHost[hostKey]; ok {
		atomic.StoreInt64(&e.lastTouched, r.cfg.Now().UnixNano())
		return e
	}
	profile := r.lookupProfile(hostKey)
	e := &entry{
		bucket:      ratelimit.New(hostKey, profile, r.cfg.Now),
		circuit:     breaker.New(hostKey, r.cfg.Strategy, r.cfg.CircuitThreshold, r.cfg.Now),
		lastTouched: r.cfg.Now().UnixNano(),
	}
	s.byHost[hostKey] = e
	return e
}

// GetBucket returns (creating if needed) hostKey's token bucket.
func (r *Registry) GetBucket(hostKey string) *ratelimit.Bucket {
	return r.getOrCreate(hostKey).bucket
}

// GetCircuit returns (creating if needed) hostKey's circuit breaker.
func (r *Registry) GetCircuit(hostKey string) *breaker.Breaker {
	return r.getOrCreate(hostKey).circuit
}

// Touch refreshes hostKey's idle timer without constructing new state,
// used after a read-only access that should still postpone eviction.
func (r *Registry) Touch(hostKey string) {
	s := r.shardFor(hostKey)
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.byHost[hostKey]; ok {
		atomic.StoreInt64(&e.lastTouched, r.cfg.Now().UnixNano())
	}
}

func (r *Registry) cleanupLoop() {
	defer r.wg.Done()
	ticker := time.NewTicker(r.cfg.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.runCleanupCycle()
		case <-r.stopCleanup:
			return
		}
	}
}

// runCleanupCycle removes a host's entry (bucket and circuit together)
// once it has been idle longer than both BucketIdleTTL and
// CircuitIdleTTL. A circuit idle past CircuitIdleTTL alone is not
// removed or reset while its bucket is within BucketIdleTTL. A bucket
// idle past BucketIdleTTL is stopped (rejecting pending reservations).
func (r *Registry) runCleanupCycle() {
	now := r.cfg.Now()
	for _, s := range r.shards {
		s.mu.Lock()
		for host, e := range s.byHost {
			idle := now.Sub(time.Unix(0, atomic.LoadInt64(&e.lastTouched)))
			bucketStale := idle > r.cfg.BucketIdleTTL
			circuitStale := idle > r.cfg.CircuitIdleTTL
			if bucketStale {
				e.bucket.Stop()
			}
			if bucketStale && circuitStale {
				delete(s.byHost, host)
			}
		}
		s.mu.Unlock()
	}
}

// Shutdown stops the cleanup loop and drains every bucket, waiting up to
// the configured (or supplied) timeout for in-flight reservations to
// finish, per §4.2/§5's "Graceful shutdown".
func (r *Registry) Shutdown(ctx context.Context) error {
	if !r.stopped.CompareAndSwap(false, true) {
		return nil
	}
	close(r.stopCleanup)
	r.wg.Wait()

	deadline := time.Now().Add(r.cfg.ShutdownTimeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	for _, s := range r.shards {
		s.mu.Lock()
		entries := make([]*entry, 0, len(s.byHost))
		for _, e := range s.byHost {
			entries = append(entries, e)
		}
		s.mu.Unlock()
		for _, e := range entries {
			for e.bucket.InFlight() > 0 && time.Now().Before(deadline) {
				time.Sleep(10 * time.Millisecond)
			}
			e.bucket.Stop()
		}
	}
	return nil
}

// Snapshot summarizes every known host's bucket and circuit state for the
// observability endpoint of §6.
type HostSnapshot struct {
	Circuit   breaker.Snapshot
	CurrentRPS float64
	PauseUntilMs int64
}

func (r *Registry) Snapshot() map[string]HostSnapshot {
	out := make(map[string]HostSnapshot)
	for _, s := range r.shards {
		s.mu.Lock()
		for host, e := range s.byHost {
			pause := e.bucket.PauseUntil()
			var pauseMs int64
			if !pause.IsZero() {
				pauseMs = pause.UnixMilli()
			}
			out[host] = HostSnapshot{
				Circuit:      e.circuit.Snapshot(),
				CurrentRPS:   e.bucket.CurrentRPS(),
				PauseUntilMs: pauseMs,
			}
		}
		s.mu.Unlock()
	}
	return out
}
