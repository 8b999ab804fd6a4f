package ratelimit

import "time"

// Profile is a tuned adaptive-rate profile for one host (or the default
// profile applied to every host without a specific tuning). See §3's
// "Adaptive rate profile".
type Profile struct {
	InitialRPS        float64
	MaxRPS            float64
	MinRPS            float64
	Burst             int
	BackoffMultiplier float64 // < 1
	RecoveryMultiplier float64 // > 1
	RecoveryThreshold int
	CooldownMs        int64
}

// DefaultProfile is applied to any host without a specific tuning, mirroring
// the teacher's DefaultConfig() idiom of shipping one sane baseline and
// letting callers override per deployment.
func DefaultProfile() Profile {
	return Profile{
		InitialRPS:         2.0,
		MaxRPS:             10.0,
		MinRPS:             0.25,
		Burst:              5,
		BackoffMultiplier:  0.5,
		RecoveryMultiplier: 1.2,
		RecoveryThreshold:  10,
		CooldownMs:         int64(30 * time.Second / time.Millisecond),
	}
}

// WellKnownProfiles returns tuned profiles for hosts that warrant different
// defaults than DefaultProfile, keyed by exact host. Lookup falls back to
// the bare host (www. stripped) and finally DefaultProfile, per §4.2.
func WellKnownProfiles() map[string]Profile {
	return map[string]Profile{
		"api.github.com": {
			InitialRPS: 5, MaxRPS: 15, MinRPS: 0.5, Burst: 10,
			BackoffMultiplier: 0.5, RecoveryMultiplier: 1.25, RecoveryThreshold: 15,
			CooldownMs: int64(60 * time.Second / time.Millisecond),
		},
		"www.google.com": {
			InitialRPS: 1, MaxRPS: 3, MinRPS: 0.1, Burst: 2,
			BackoffMultiplier: 0.4, RecoveryMultiplier: 1.1, RecoveryThreshold: 20,
			CooldownMs: int64(45 * time.Second / time.Millisecond),
		},
	}
}

// Lookup resolves a host key to its profile, trying the exact host, then
// the bare host (www. stripped), then the default. bare is the bare-host
// form of hostKey, computed by the caller via hostkey.Bare.
func Lookup(profiles map[string]Profile, hostKey, bare string) Profile {
	if p, ok := profiles[hostKey]; ok {
		return p
	}
	if bare != hostKey {
		if p, ok := profiles[bare]; ok {
			return p
		}
	}
	return DefaultProfile()
}
