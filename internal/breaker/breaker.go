// Package breaker implements the per-host circuit breaker of §4.4:
// closed/half-open/open states, probe-based recovery and exponential
// reset backoff. The breaker never makes the network call itself — per
// §9's "two-step protocol", CallGate returns a gate decision before the
// request and the caller reports back with ReportOutcome after, breaking
// the cyclic dependency between breaker and fetch engine.
package breaker

import (
	"context"
	"math"
	"sync"
	"time"

	"politefetch/internal/errtax"
)

// State is one of the three circuit states of §4.4.
type State string

const (
	StateClosed   State = "closed"
	StateHalfOpen State = "half_open"
	StateOpen     State = "open"
)

// ProbeFunc performs a low-impact probe request (typically HEAD on
// strategy.ProbeRequestPath) and reports whether it succeeded (status <
// 400). It must bypass the breaker itself, per §4.4.
type ProbeFunc func(ctx context.Context) bool

// Decision is the gate's verdict for one attempt, per §4.4's callGate
// contract: proceed, proceed-as-probe, or reject with remainingMs.
type Decision struct {
	Proceed     bool
	AsProbe     bool
	RemainingMs int64
}

// Breaker is one host's circuit breaker.
type Breaker struct {
	mu sync.Mutex

	hostKey  string
	strategy Strategy
	threshold int
	now      func() time.Time

	state                State
	consecutiveFailures  int
	consecutiveSuccesses int
	openedAt             time.Time
	halfOpenCalls        int
	consecutiveOpenings  int
	currentReset         time.Duration
	lastSuccess          time.Time
}

// New constructs a closed Breaker for hostKey. threshold is the
// consecutive-failure count that trips the circuit
// (CIRCUIT_BREAKER_THRESHOLD). now defaults to time.Now.
func New(hostKey string, strategy Strategy, threshold int, now func() time.Time) *Breaker {
	if now == nil {
		now = time.Now
	}
	return &Breaker{
		hostKey:      hostKey,
		strategy:     strategy,
		threshold:    threshold,
		now:          now,
		state:        StateClosed,
		currentReset: strategy.InitialReset,
	}
}

// CallGate returns the gate decision for one attempt against this host.
// probe may be nil; if strategy.ProbeRequestPath is empty the breaker
// transitions open->half-open on elapsed time alone and lets the caller's
// own request serve as the probe (AsProbe=true).
func (b *Breaker) CallGate(ctx context.Context, probe ProbeFunc) Decision {
	b.mu.Lock()

	if b.state == StateOpen {
		now := b.now()
		elapsed := now.Sub(b.openedAt)
		if elapsed < b.currentReset {
			remaining := b.currentReset - elapsed
			b.mu.Unlock()
			return Decision{RemainingMs: remaining.Milliseconds()}
		}
		if b.strategy.MaxResetAttempts > 0 && b.consecutiveOpenings >= b.strategy.MaxResetAttempts {
			b.mu.Unlock()
			return Decision{RemainingMs: b.currentReset.Milliseconds()}
		}
		b.mu.Unlock()

		ok := true
		if b.strategy.ProbeRequestPath != "" && probe != nil {
			ok = probe(ctx)
		}

		b.mu.Lock()
		if b.state != StateOpen {
			// Another goroutine already transitioned this host while we
			// were probing; defer to its decision.
			b.mu.Unlock()
			return b.CallGate(ctx, probe)
		}
		if !ok {
			b.openedAt = b.now()
			b.consecutiveOpenings++
			b.currentReset = scaleCapped(b.currentReset, b.strategy.BackoffMultiplier, b.strategy.MaxReset)
			remaining := b.currentReset
			b.mu.Unlock()
			return Decision{RemainingMs: remaining.Milliseconds()}
		}
		b.state = StateHalfOpen
		b.halfOpenCalls = 0
		b.consecutiveSuccesses = 0
	}

	if b.state == StateHalfOpen {
		if b.halfOpenCalls >= b.strategy.HalfOpenProbeLimit {
			b.mu.Unlock()
			return Decision{RemainingMs: 0}
		}
		b.halfOpenCalls++
		b.mu.Unlock()
		return Decision{Proceed: true, AsProbe: true}
	}

	b.mu.Unlock()
	return Decision{Proceed: true}
}

// ReportOutcome feeds a completed attempt's result back into the state
// machine. success=true means a 2xx/3xx response; otherwise kind
// classifies the failure and only network/timeout/server_5xx count
// toward tripping the circuit (§4.4).
func (b *Breaker) ReportOutcome(success bool, kind errtax.Kind) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		if success {
			b.consecutiveFailures = 0
			b.lastSuccess = b.now()
			return
		}
		if !kind.CountsTowardCircuit() {
			return
		}
		b.consecutiveFailures++
		if b.consecutiveFailures >= b.threshold {
			b.state = StateOpen
			b.openedAt = b.now()
			b.consecutiveOpenings++
			if b.currentReset <= 0 {
				b.currentReset = b.strategy.InitialReset
			}
		}

	case StateHalfOpen:
		if success {
			b.consecutiveSuccesses++
			b.lastSuccess = b.now()
			if b.consecutiveSuccesses >= 2 {
				b.state = StateClosed
				b.consecutiveFailures = 0
				b.halfOpenCalls = 0
				b.consecutiveOpenings = 0
				b.consecutiveSuccesses = 0
				b.currentReset = b.strategy.InitialReset
			}
			return
		}
		if !kind.CountsTowardCircuit() {
			return
		}
		b.state = StateOpen
		b.openedAt = b.now()
		b.consecutiveOpenings++
		b.currentReset = scaleCapped(b.currentReset, b.strategy.BackoffMultiplier, b.strategy.MaxReset)
		b.halfOpenCalls = 0
		b.consecutiveSuccesses = 0

	case StateOpen:
		// Outcomes shouldn't normally arrive while open (the gate rejects
		// first), but a manual probe call may race; ignore safely.
	}
}

// State returns the current circuit state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Snapshot captures enough state for the observability endpoint of §6.
type Snapshot struct {
	State       State
	RemainingMs int64
	OpenedAt    time.Time
}

// Snapshot returns the breaker's current externally-visible state.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	var remaining int64
	if b.state == StateOpen {
		remaining = (b.currentReset - b.now().Sub(b.openedAt)).Milliseconds()
		if remaining < 0 {
			remaining = 0
		}
	}
	return Snapshot{State: b.state, RemainingMs: remaining, OpenedAt: b.openedAt}
}

// Reset forces the breaker back to closed, for manual operator recovery
// once MaxResetAttempts has been exhausted (§4.4).
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = StateClosed
	b.consecutiveFailures = 0
	b.consecutiveSuccesses = 0
	b.halfOpenCalls = 0
	b.consecutiveOpenings = 0
	b.currentReset = b.strategy.InitialReset
}

func scaleCapped(d time.Duration, mult float64, max time.Duration) time.Duration {
	scaled := time.Duration(math.Round(float64(d) * mult))
	if scaled > max {
		return max
	}
	if scaled <= 0 {
		return max
	}
	return scaled
}
