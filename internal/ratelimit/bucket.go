// Package ratelimit implements the per-host token-bucket rate limiter
// with adaptive RPS (§4.3). A Bucket owns exactly one host's state; the
// registry (internal/registry) owns the map from host key to Bucket.
package ratelimit

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"
)

// ErrWaitExceeded is returned by Acquire when the computed wait would
// exceed the caller's maxWait, per §4.3 step 3.
type ErrWaitExceeded struct {
	Host    string
	WaitFor time.Duration
}

func (e *ErrWaitExceeded) Error() string {
	return fmt.Sprintf("rate_limit_wait_exceeded: host=%s would wait %s", e.Host, e.WaitFor)
}

// ErrStopped is returned by Acquire once the bucket has been drained by
// registry eviction or process shutdown (§4.2, §5 "Graceful shutdown").
type ErrStopped struct{ Host string }

func (e *ErrStopped) Error() string { return "rate_limit_bucket_stopped: host=" + e.Host }

// Adjustment records one adaptive-RPS change, kept in a bounded ring for
// observability (§3 "adjustmentHistory: bounded-ring-of-100").
type Adjustment struct {
	At     time.Time
	OldRPS float64
	NewRPS float64
	Reason string
}

const historyCap = 100

// Outcome is the minimal feedback the adaptive loop needs from a
// completed request. Status 0 means a transport failure with no HTTP
// response (network/timeout); RetryAfter is zero when absent.
type Outcome struct {
	Status     int
	RetryAfter time.Duration
}

// Bucket is a single host's token bucket plus its adaptive rate state.
// All mutation happens under mu; readers of exported accessors may see a
// stale-but-consistent snapshot, per §5's shared-resource policy.
type Bucket struct {
	mu sync.Mutex

	hostKey string
	profile Profile
	now     func() time.Time

	tokens         float64
	currentRPS     float64
	lastRefill     time.Time
	reservations   int

	successStreak int
	errorStreak   int
	lastRateLimitedAt time.Time
	pauseUntil        time.Time

	history []Adjustment

	stopped bool
}

// New constructs a Bucket for hostKey using profile, initialized at
// InitialRPS with a full burst of tokens. now defaults to time.Now.
func New(hostKey string, profile Profile, now func() time.Time) *Bucket {
	if now == nil {
		now = time.Now
	}
	t := now()
	return &Bucket{
		hostKey:    hostKey,
		profile:    profile,
		now:        now,
		tokens:     float64(profile.Burst),
		currentRPS: profile.InitialRPS,
		lastRefill: t,
	}
}

// refillLocked applies §4.3 step 1: refill by elapsed*currentRPS, capped
// at burst. Caller must hold mu.
func (b *Bucket) refillLocked(at time.Time) {
	elapsed := at.Sub(b.lastRefill).Seconds()
	if elapsed <= 0 {
		return
	}
	b.tokens = math.Min(float64(b.profile.Burst), b.tokens+elapsed*b.currentRPS)
	b.lastRefill = at
}

// Acquire blocks until a token has been deducted or fails with
// ErrWaitExceeded / ErrStopped / context cancellation. maxWait<=0 uses the
// §4.3 default of 30s.
func (b *Bucket) Acquire(ctx context.Context, maxWait time.Duration) error {
	if maxWait <= 0 {
		maxWait = 30 * time.Second
	}
	for {
		b.mu.Lock()
		if b.stopped {
			b.mu.Unlock()
			return &ErrStopped{Host: b.hostKey}
		}
		now := b.now()

		// While paused (post-429 backoff window), the caller must sleep
		// until pauseUntil before refill is even considered (§4.3, last
		// paragraph).
		if now.Before(b.pauseUntil) {
			waitFor := b.pauseUntil.Sub(now)
			b.mu.Unlock()
			if waitFor > maxWait {
				return &ErrWaitExceeded{Host: b.hostKey, WaitFor: waitFor}
			}
			if err := sleepCtx(ctx, waitFor); err != nil {
				return err
			}
			continue
		}

		b.refillLocked(now)
		if b.tokens >= 1 {
			b.tokens--
			b.reservations++
			b.mu.Unlock()
			return nil
		}

		waitMs := math.Ceil((1 - b.tokens) / b.currentRPS * 1000)
		waitFor := time.Duration(waitMs) * time.Millisecond
		b.mu.Unlock()

		if waitFor > maxWait {
			return &ErrWaitExceeded{Host: b.hostKey, WaitFor: waitFor}
		}

		jitterCap := math.Min(0.1*float64(waitFor), float64(100*time.Millisecond))
		jitter := time.Duration(rand.Float64() * jitterCap)
		if err := sleepCtx(ctx, waitFor+jitter); err != nil {
			return err
		}
		// Loop around: tryConsume again after the sleep (§4.3 step 4).
	}
}

// Release marks one in-flight reservation as complete. Registry shutdown
// waits for reservations to drain; idle eviction stops a bucket without
// waiting, and Release still works on a stopped bucket.
func (b *Bucket) Release() {
	b.mu.Lock()
	if b.reservations > 0 {
		b.reservations--
	}
	b.mu.Unlock()
}

// Stop marks the bucket stopped; subsequent Acquire calls fail fast with
// ErrStopped. Used by registry eviction and shutdown (§4.2, §5).
func (b *Bucket) Stop() {
	b.mu.Lock()
	b.stopped = true
	b.mu.Unlock()
}

// InFlight reports the number of outstanding reservations, used by
// registry shutdown to decide whether a drain has completed.
func (b *Bucket) InFlight() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.reservations
}

// CurrentRPS returns the live adaptive rate, always within
// [profile.MinRPS, profile.MaxRPS] per §3's invariant.
func (b *Bucket) CurrentRPS() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.currentRPS
}

// PauseUntil returns the time before which Acquire will sleep regardless
// of token availability (zero value if not paused).
func (b *Bucket) PauseUntil() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pauseUntil
}

// History returns a copy of the adjustment ring, most recent last.
func (b *Bucket) History() []Adjustment {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Adjustment, len(b.history))
	copy(out, b.history)
	return out
}

func (b *Bucket) recordLocked(old, new float64, reason string) {
	b.history = append(b.history, Adjustment{At: b.now(), OldRPS: old, NewRPS: new, Reason: reason})
	if len(b.history) > historyCap {
		b.history = b.history[len(b.history)-historyCap:]
	}
}

func (b *Bucket) setRPSLocked(newRPS float64, reason string) {
	clamped := math.Max(b.profile.MinRPS, math.Min(b.profile.MaxRPS, newRPS))
	if clamped == b.currentRPS {
		return
	}
	b.recordLocked(b.currentRPS, clamped, reason)
	b.currentRPS = clamped
}

// Observe feeds adaptive feedback from a completed attempt, per §4.3
// "Adaptive feedback". retryAfter is the parsed Retry-After duration, or
// zero if absent/not a 429.
func (b *Bucket) Observe(outcome Outcome) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	switch {
	case outcome.Status == 429:
		b.errorStreak++
		b.successStreak = 0
		b.lastRateLimitedAt = now
		if outcome.RetryAfter > 0 {
			b.pauseUntil = now.Add(outcome.RetryAfter)
		} else {
			backoffMs := math.Min(float64(b.profile.CooldownMs), 1000*math.Pow(2, math.Min(float64(b.errorStreak), 6)))
			b.pauseUntil = now.Add(time.Duration(backoffMs) * time.Millisecond)
		}
		b.setRPSLocked(b.currentRPS*b.profile.BackoffMultiplier, "429_backoff")

	case outcome.Status >= 200 && outcome.Status < 300:
		if b.errorStreak > 0 {
			b.errorStreak--
		}
		b.successStreak++
		cooldown := time.Duration(b.profile.CooldownMs) * time.Millisecond
		if b.successStreak >= b.profile.RecoveryThreshold && now.Sub(b.lastRateLimitedAt) > cooldown {
			b.setRPSLocked(b.currentRPS*b.profile.RecoveryMultiplier, "recovery")
			b.successStreak = 0
		}

	case outcome.Status >= 500:
		b.errorStreak++
		b.successStreak = 0
		if b.errorStreak > 3 {
			b.setRPSLocked(b.currentRPS*0.9, "server_5xx_streak")
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if ctx == nil {
		time.Sleep(d)
		return nil
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
