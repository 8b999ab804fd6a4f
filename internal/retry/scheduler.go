// Package retry implements the bounded retry loop of §4.6: it wraps one
// fetchengine.Engine.FetchOnce call, classifies each outcome, computes
// jittered backoff, and re-invokes up to a per-item cap and an optional
// shared per-batch retry budget.
package retry

import (
	"context"
	"math"
	"math/rand"
	"time"

	"politefetch/internal/breaker"
	"politefetch/internal/fetchengine"
	"politefetch/internal/ratelimit"
	"politefetch/pkg/vsa"
)

// Policy tunes the backoff formula and retry caps; see §6's
// BASE_BACKOFF_MS / MAX_BACKOFF_MS / JITTER_FACTOR / MAX_RETRIES.
type Policy struct {
	MaxRetries    int
	BaseBackoff   time.Duration
	MaxBackoff    time.Duration
	JitterFactor  float64
	AttemptSleep  func(ctx context.Context, d time.Duration) error // overridable for tests
}

// DefaultPolicy matches §4.6's stated defaults.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries:   3,
		BaseBackoff:  500 * time.Millisecond,
		MaxBackoff:   30 * time.Second,
		JitterFactor: 0.3,
	}
}

// Budget is the shared per-batch retry budget of §8 ("at most
// MAX_RETRIES × N extra attempts"). A nil *vsa.VSA means unlimited.
type Budget struct {
	vsa *vsa.VSA
}

// NewBudget seeds a budget that allows up to maxExtraAttempts total
// across every item sharing it.
func NewBudget(maxExtraAttempts int64) *Budget {
	return &Budget{vsa: vsa.New(maxExtraAttempts)}
}

func (b *Budget) consume() bool {
	if b == nil || b.vsa == nil {
		return true
	}
	return b.vsa.TryConsume(1)
}

// Remaining reports the budget's current availability, for observability.
func (b *Budget) Remaining() int64 {
	if b == nil || b.vsa == nil {
		return math.MaxInt64
	}
	return b.vsa.Available()
}

// Scheduler drives Engine.FetchOnce under a Policy.
type Scheduler struct {
	Engine *fetchengine.Engine
	Policy Policy
}

// Result is the scheduler's final verdict for one item, after exhausting
// retries or short-circuiting on a fail-fast kind (§7 propagation policy).
type Result struct {
	Outcome  fetchengine.Outcome
	Attempts int
}

// Run executes the retry loop for req against hostKey's bucket and
// circuit, consuming from budget (which may be nil for unlimited) on
// every retry scheduled.
func (s *Scheduler) Run(ctx context.Context, req *fetchengine.Request, bucket *ratelimit.Bucket, circuit *breaker.Breaker, budget *Budget) Result {
	maxRetries := s.Policy.MaxRetries
	if maxRetries <= 0 {
		maxRetries = DefaultPolicy().MaxRetries
	}

	attempt := 1
	for {
		out := s.Engine.FetchOnce(ctx, req, bucket, circuit)

		switch out.Type {
		case fetchengine.OutcomeSuccess:
			return Result{Outcome: out, Attempts: attempt}

		case fetchengine.OutcomeCircuitOpen, fetchengine.OutcomeValidation, fetchengine.OutcomeParse:
			// Fail-fast kinds: never retried by the scheduler (§7).
			return Result{Outcome: out, Attempts: attempt}

		case fetchengine.OutcomeRateLimited:
			if attempt >= maxRetries {
				return Result{Outcome: out, Attempts: attempt}
			}
			if !budget.consume() {
				return Result{Outcome: out, Attempts: attempt}
			}
			if err := s.sleep(ctx, s.computeBackoff(attempt, out.RetryAfter)); err != nil {
				return Result{Outcome: out, Attempts: attempt}
			}
			attempt++
			continue

		case fetchengine.OutcomeNetwork, fetchengine.OutcomeTimeout:
			if attempt >= maxRetries || !budget.consume() {
				return Result{Outcome: out, Attempts: attempt}
			}
			if err := s.sleep(ctx, s.computeBackoff(attempt, 0)); err != nil {
				return Result{Outcome: out, Attempts: attempt}
			}
			attempt++
			continue

		default:
			return Result{Outcome: out, Attempts: attempt}
		}
	}
}

// computeBackoff implements §4.6's formula:
// min(retryAfter ?? base·2^(attempt-1), maxBackoff) + uniform_jitter(0, jitterFactor·base).
func (s *Scheduler) computeBackoff(attempt int, retryAfter time.Duration) time.Duration {
	p := s.Policy
	base := p.BaseBackoff
	if base <= 0 {
		base = DefaultPolicy().BaseBackoff
	}
	maxBackoff := p.MaxBackoff
	if maxBackoff <= 0 {
		maxBackoff = DefaultPolicy().MaxBackoff
	}
	jitterFactor := p.JitterFactor
	if jitterFactor <= 0 {
		jitterFactor = DefaultPolicy().JitterFactor
	}

	var delay time.Duration
	if retryAfter > 0 {
		delay = retryAfter
	} else {
		scaled := float64(base) * math.Pow(2, float64(attempt-1))
		delay = time.Duration(scaled)
	}
	if delay > maxBackoff {
		delay = maxBackoff
	}

	jitterCap := jitterFactor * float64(base)
	jitter := time.Duration(rand.Float64() * jitterCap)
	return delay + jitter
}

func (s *Scheduler) sleep(ctx context.Context, d time.Duration) error {
	if s.Policy.AttemptSleep != nil {
		return s.Policy.AttemptSleep(ctx, d)
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
