// Package config assembles the tunables named in §6 into the Config
// structs the rest of the module consumes, mirroring the teacher's
// cmd/ratelimiter-api/main.go flag-plus-threshold-registry style: the
// same knobs are exposed as flag.FlagSet entries for the CLI binary and
// as environment variables for library embedding, with one set of
// defaults shared by both paths.
package config

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"politefetch/internal/batch"
	"politefetch/internal/breaker"
	"politefetch/internal/ratelimit"
	"politefetch/internal/registry"
	"politefetch/internal/retry"
)

// Config is the fully-resolved set of tunables for one runtime instance.
type Config struct {
	MaxConcurrency   int
	RateLimitPerSec  float64
	MaxRetries       int
	BaseBackoffMs    int64
	MaxBackoffMs     int64
	JitterFactor     float64
	ConnectTimeoutMs int64
	ReadTimeoutMs    int64

	CircuitBreakerThreshold         int
	CircuitBreakerResetMs           int64
	CircuitBreakerHalfOpenMaxCalls  int

	HostLimits map[string]ratelimit.Profile

	InterRequestDelayMs int64

	Batch BatchConfig
}

// BatchConfig is the per-batch knob set of §6's second clause.
type BatchConfig struct {
	Concurrency               int
	DelayMs                   int64
	TimeoutMs                 int64
	ChunkSize                 int
	MaxUrlsPerBatch           int
	ErrorReportSize           int
	CircuitMonitoringIntervalMs int64
	AutoPauseOnCircuitOpen    bool
	EnableMemoryOptimization  bool
}

// Default mirrors the defaults stated across §4.2/§4.3/§4.4/§4.6/§4.9.
func Default() Config {
	return Config{
		MaxConcurrency:   5,
		RateLimitPerSec:  1.0,
		MaxRetries:       3,
		BaseBackoffMs:    500,
		MaxBackoffMs:     30_000,
		JitterFactor:     0.3,
		ConnectTimeoutMs: 5_000,
		ReadTimeoutMs:    15_000,

		CircuitBreakerThreshold:        3,
		CircuitBreakerResetMs:          30_000,
		CircuitBreakerHalfOpenMaxCalls: 1,

		HostLimits: map[string]ratelimit.Profile{},

		InterRequestDelayMs: 0,

		Batch: BatchConfig{
			Concurrency:                 5,
			DelayMs:                     250,
			TimeoutMs:                   15_000,
			ChunkSize:                   100,
			MaxUrlsPerBatch:             1500,
			ErrorReportSize:             50,
			CircuitMonitoringIntervalMs: 5_000,
			AutoPauseOnCircuitOpen:      true,
			EnableMemoryOptimization:    false,
		},
	}
}

// FromEnv resolves Config from the environment variables named in §6,
// falling back to Default for anything unset or malformed. Malformed
// HOST_LIMITS entries are skipped individually rather than failing the
// whole parse, matching the teacher's "never let a bad knob take down
// the process" posture.
func FromEnv() Config {
	c := Default()

	envInt(&c.MaxConcurrency, "MAX_CONCURRENCY")
	envFloat(&c.RateLimitPerSec, "RATE_LIMIT_PER_SEC")
	envInt(&c.MaxRetries, "MAX_RETRIES")
	envInt64(&c.BaseBackoffMs, "BASE_BACKOFF_MS")
	envInt64(&c.MaxBackoffMs, "MAX_BACKOFF_MS")
	envFloat(&c.JitterFactor, "JITTER_FACTOR")
	envInt64(&c.ConnectTimeoutMs, "CONNECT_TIMEOUT_MS")
	envInt64(&c.ReadTimeoutMs, "READ_TIMEOUT_MS")
	envInt(&c.CircuitBreakerThreshold, "CIRCUIT_BREAKER_THRESHOLD")
	envInt64(&c.CircuitBreakerResetMs, "CIRCUIT_BREAKER_RESET_MS")
	envInt(&c.CircuitBreakerHalfOpenMaxCalls, "CIRCUIT_BREAKER_HALF_OPEN_MAX_CALLS")
	envInt64(&c.InterRequestDelayMs, "INTER_REQUEST_DELAY_MS")

	if raw, ok := os.LookupEnv("HOST_LIMITS"); ok {
		c.HostLimits = ParseHostLimits(raw)
	}

	envInt(&c.Batch.Concurrency, "BATCH_CONCURRENCY")
	envInt64(&c.Batch.DelayMs, "BATCH_DELAY_MS")
	envInt64(&c.Batch.TimeoutMs, "BATCH_TIMEOUT_MS")
	envInt(&c.Batch.ChunkSize, "BATCH_CHUNK_SIZE")
	envInt(&c.Batch.MaxUrlsPerBatch, "BATCH_MAX_URLS_PER_BATCH")
	envInt(&c.Batch.ErrorReportSize, "BATCH_ERROR_REPORT_SIZE")
	envInt64(&c.Batch.CircuitMonitoringIntervalMs, "BATCH_CIRCUIT_MONITORING_INTERVAL_MS")
	envBool(&c.Batch.AutoPauseOnCircuitOpen, "BATCH_AUTO_PAUSE_ON_CIRCUIT_OPEN")
	envBool(&c.Batch.EnableMemoryOptimization, "BATCH_ENABLE_MEMORY_OPTIMIZATION")

	return c
}

// RegisterFlags binds every §6 knob onto fs, for the CLI entry point. It
// returns a closure the caller must invoke after fs.Parse, which folds
// the parsed --host-limits string (the one flag that can't write
// directly into a typed Config field) into c.HostLimits.
func RegisterFlags(fs *flag.FlagSet, c *Config) func() {
	fs.IntVar(&c.MaxConcurrency, "max-concurrency", c.MaxConcurrency, "maximum in-flight requests across the whole process (validated only; not applied by the runtime)")
	fs.Float64Var(&c.RateLimitPerSec, "rate-limit-per-sec", c.RateLimitPerSec, "default per-host requests per second (parsed but not applied; buckets use their rate-limit profiles)")
	fs.IntVar(&c.MaxRetries, "max-retries", c.MaxRetries, "maximum retry attempts per item")
	fs.Int64Var(&c.BaseBackoffMs, "base-backoff-ms", c.BaseBackoffMs, "base retry backoff in milliseconds")
	fs.Int64Var(&c.MaxBackoffMs, "max-backoff-ms", c.MaxBackoffMs, "retry backoff cap in milliseconds")
	fs.Float64Var(&c.JitterFactor, "jitter-factor", c.JitterFactor, "fraction of base backoff added as jitter")
	fs.Int64Var(&c.ConnectTimeoutMs, "connect-timeout-ms", c.ConnectTimeoutMs, "TCP connect timeout in milliseconds")
	fs.Int64Var(&c.ReadTimeoutMs, "read-timeout-ms", c.ReadTimeoutMs, "per-request read timeout in milliseconds (parsed but not applied; requests use batch-timeout-ms)")
	fs.IntVar(&c.CircuitBreakerThreshold, "circuit-breaker-threshold", c.CircuitBreakerThreshold, "consecutive failures before a host's circuit opens")
	fs.Int64Var(&c.CircuitBreakerResetMs, "circuit-breaker-reset-ms", c.CircuitBreakerResetMs, "initial open-circuit reset window in milliseconds")
	fs.IntVar(&c.CircuitBreakerHalfOpenMaxCalls, "circuit-breaker-half-open-max-calls", c.CircuitBreakerHalfOpenMaxCalls, "probe calls allowed while half-open")
	fs.Int64Var(&c.InterRequestDelayMs, "inter-request-delay-ms", c.InterRequestDelayMs, "fixed delay between requests to the same host (parsed but not applied)")

	hostLimits := ""
	fs.StringVar(&hostLimits, "host-limits", "", "comma-separated host=rps:burst overrides")
	fs.IntVar(&c.Batch.Concurrency, "batch-concurrency", c.Batch.Concurrency, "batch worker pool width")
	fs.Int64Var(&c.Batch.DelayMs, "batch-delay-ms", c.Batch.DelayMs, "delay between dispatching successive batch items")
	fs.Int64Var(&c.Batch.TimeoutMs, "batch-timeout-ms", c.Batch.TimeoutMs, "per-item timeout within a batch run")
	fs.IntVar(&c.Batch.ChunkSize, "batch-chunk-size", c.Batch.ChunkSize, "items processed per chunk")
	fs.IntVar(&c.Batch.MaxUrlsPerBatch, "batch-max-urls", c.Batch.MaxUrlsPerBatch, "hard cap on URLs accepted per batch run")
	fs.IntVar(&c.Batch.ErrorReportSize, "batch-error-report-size", c.Batch.ErrorReportSize, "max grouped error samples retained per kind (parsed but not applied; the error report uses fixed caps)")
	fs.Int64Var(&c.Batch.CircuitMonitoringIntervalMs, "batch-circuit-monitoring-interval-ms", c.Batch.CircuitMonitoringIntervalMs, "poll interval for the auto-pause circuit monitor")
	fs.BoolVar(&c.Batch.AutoPauseOnCircuitOpen, "batch-auto-pause-on-circuit-open", c.Batch.AutoPauseOnCircuitOpen, "pause the batch run while any host's circuit is open")
	fs.BoolVar(&c.Batch.EnableMemoryOptimization, "batch-enable-memory-optimization", c.Batch.EnableMemoryOptimization, "archive and release response bodies past each chunk boundary")

	return func() {
		if hostLimits != "" {
			c.HostLimits = ParseHostLimits(hostLimits)
		}
	}
}

// ParseHostLimits parses §6's HOST_LIMITS / --host-limits syntax:
// comma-separated "host=rps:burst" pairs. Entries that don't match are
// skipped.
func ParseHostLimits(raw string) map[string]ratelimit.Profile {
	out := map[string]ratelimit.Profile{}
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		host, rest, ok := strings.Cut(pair, "=")
		if !ok {
			continue
		}
		rpsStr, burstStr, ok := strings.Cut(rest, ":")
		if !ok {
			continue
		}
		rps, err := strconv.ParseFloat(strings.TrimSpace(rpsStr), 64)
		if err != nil {
			continue
		}
		burst, err := strconv.Atoi(strings.TrimSpace(burstStr))
		if err != nil {
			continue
		}
		profile := ratelimit.DefaultProfile()
		profile.InitialRPS = rps
		profile.MaxRPS = rps
		profile.Burst = burst
		out[strings.ToLower(strings.TrimSpace(host))] = profile
	}
	return out
}

// RegistryConfig projects Config onto registry.Config for L1.
func (c Config) RegistryConfig() registry.Config {
	return registry.Config{
		Profiles:         c.HostLimits,
		Strategy:         c.BreakerStrategy(),
		CircuitThreshold: c.CircuitBreakerThreshold,
	}
}

// BreakerStrategy projects Config onto breaker.Strategy for L3.
func (c Config) BreakerStrategy() breaker.Strategy {
	s := breaker.DefaultStrategy()
	if c.CircuitBreakerResetMs > 0 {
		s.InitialReset = time.Duration(c.CircuitBreakerResetMs) * time.Millisecond
	}
	if c.CircuitBreakerHalfOpenMaxCalls > 0 {
		s.HalfOpenProbeLimit = c.CircuitBreakerHalfOpenMaxCalls
	}
	return s
}

// RetryPolicy projects Config onto retry.Policy for L5.
func (c Config) RetryPolicy() retry.Policy {
	return retry.Policy{
		MaxRetries:   c.MaxRetries,
		BaseBackoff:  time.Duration(c.BaseBackoffMs) * time.Millisecond,
		MaxBackoff:   time.Duration(c.MaxBackoffMs) * time.Millisecond,
		JitterFactor: c.JitterFactor,
	}
}

// BatchOrchestratorConfig projects BatchConfig onto batch.Config for L8.
func (c Config) BatchOrchestratorConfig() batch.Config {
	return batch.Config{
		Concurrency:               c.Batch.Concurrency,
		DelayMs:                   time.Duration(c.Batch.DelayMs) * time.Millisecond,
		PerItemTimeout:            time.Duration(c.Batch.TimeoutMs) * time.Millisecond,
		ChunkSize:                 c.Batch.ChunkSize,
		MaxUrlsPerBatch:           c.Batch.MaxUrlsPerBatch,
		EnableMemoryOptimization:  c.Batch.EnableMemoryOptimization,
		CircuitMonitoringInterval: time.Duration(c.Batch.CircuitMonitoringIntervalMs) * time.Millisecond,
		AutoPauseOnCircuitOpen:    c.Batch.AutoPauseOnCircuitOpen,
		MaxRetries:                c.MaxRetries,
	}
}

func envInt(dst *int, name string) {
	if raw, ok := os.LookupEnv(name); ok {
		if v, err := strconv.Atoi(raw); err == nil {
			*dst = v
		}
	}
}

func envInt64(dst *int64, name string) {
	if raw, ok := os.LookupEnv(name); ok {
		if v, err := strconv.ParseInt(raw, 10, 64); err == nil {
			*dst = v
		}
	}
}

func envFloat(dst *float64, name string) {
	if raw, ok := os.LookupEnv(name); ok {
		if v, err := strconv.ParseFloat(raw, 64); err == nil {
			*dst = v
		}
	}
}

func envBool(dst *bool, name string) {
	if raw, ok := os.LookupEnv(name); ok {
		if v, err := strconv.ParseBool(raw); err == nil {
			*dst = v
		}
	}
}

// Validate reports an error for any knob that would make the runtime
// misbehave rather than merely under-perform, per §6's implied contract
// that these are operator-facing dials, not silently-clamped internals.
func (c Config) Validate() error {
	if c.MaxConcurrency <= 0 {
		return fmt.Errorf("config: MAX_CONCURRENCY must be positive, got %d", c.MaxConcurrency)
	}
	if c.Batch.Concurrency <= 0 {
		return fmt.Errorf("config: batch concurrency must be positive, got %d", c.Batch.Concurrency)
	}
	if c.Batch.MaxUrlsPerBatch <= 0 {
		return fmt.Errorf("config: batch maxUrlsPerBatch must be positive, got %d", c.Batch.MaxUrlsPerBatch)
	}
	return nil
}
