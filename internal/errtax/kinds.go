// Package errtax defines the closed set of error kinds the fetch-policy
// engine reasons about, and a pure classifier that maps raw failures onto
// them. Every other layer treats a Kind as a sum type: no component should
// branch on an error string.
package errtax

// Severity grades how loudly a Kind should be surfaced to observability.
type Severity string

const (
	SeverityInfo  Severity = "info"
	SeverityWarn  Severity = "warn"
	SeverityError Severity = "error"
)

// Kind is the closed set of error categories produced by the classifier.
// Every Kind is one of these exact values; Classify never returns anything
// outside this set.
type Kind string

const (
	KindNetwork           Kind = "network"
	KindTimeout           Kind = "timeout"
	KindRateLimited       Kind = "rate_limited"
	KindCircuitOpen       Kind = "circuit_open"
	KindClient4xx         Kind = "client_4xx"
	KindServer5xx         Kind = "server_5xx"
	KindValidation        Kind = "validation"
	KindParse             Kind = "parse"
	KindRobotsBlocked     Kind = "robots_blocked"
	KindDNS               Kind = "dns"
	KindSSL               Kind = "ssl"
	KindConsecutiveErrors Kind = "consecutive_errors"
	KindUnknown           Kind = "unknown"
)

// properties bundles the fixed severity/retriable facts about a Kind.
type properties struct {
	severity  Severity
	retriable bool
}

var table = map[Kind]properties{
	KindNetwork:           {SeverityError, true},
	KindTimeout:           {SeverityWarn, true},
	KindRateLimited:       {SeverityWarn, true},
	KindCircuitOpen:       {SeverityWarn, false},
	KindClient4xx:         {SeverityError, false},
	KindServer5xx:         {SeverityError, true},
	KindValidation:        {SeverityError, false},
	KindParse:             {SeverityError, false},
	KindRobotsBlocked:     {SeverityInfo, false},
	KindDNS:               {SeverityError, true},
	KindSSL:               {SeverityError, false},
	KindConsecutiveErrors: {SeverityError, false},
	KindUnknown:           {SeverityError, false},
}

// Severity reports how loudly the kind should be logged.
func (k Kind) Severity() Severity {
	if p, ok := table[k]; ok {
		return p.severity
	}
	return SeverityError
}

// Retriable reports whether the retry scheduler may attempt this kind
// again. This is a hint; §7's propagation policy is authoritative for any
// kind-specific exception (e.g. rate_limited is "retriable" here but is
// budget-capped by the scheduler, not retried forever).
func (k Kind) Retriable() bool {
	if p, ok := table[k]; ok {
		return p.retriable
	}
	return false
}

// CountsTowardCircuit reports whether an outcome of this kind should be
// counted as a circuit-breaker failure, per §4.4's transition rule:
// only network, timeout and server_5xx count.
func (k Kind) CountsTowardCircuit() bool {
	switch k {
	case KindNetwork, KindTimeout, KindServer5xx:
		return true
	default:
		return false
	}
}
