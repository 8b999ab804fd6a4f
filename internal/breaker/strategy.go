package breaker

import "time"

// Strategy tunes one host's recovery behavior (§3 "Recovery strategy").
type Strategy struct {
	InitialReset      time.Duration
	MaxReset          time.Duration
	BackoffMultiplier float64 // >= 1
	ProbeRequestPath  string  // optional; empty means no probe gate
	HalfOpenProbeLimit int
	MaxResetAttempts  int // hard cap on consecutiveOpenings (§4.4)
}

// DefaultStrategy mirrors the thresholds named in §6's environment
// surface (CIRCUIT_BREAKER_RESET_MS, CIRCUIT_BREAKER_HALF_OPEN_MAX_CALLS).
func DefaultStrategy() Strategy {
	return Strategy{
		InitialReset:       30 * time.Second,
		MaxReset:           10 * time.Minute,
		BackoffMultiplier:  2.0,
		ProbeRequestPath:   "/robots.txt",
		HalfOpenProbeLimit: 1,
		MaxResetAttempts:   10,
	}
}
