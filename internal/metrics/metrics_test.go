package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"politefetch/internal/breaker"
	"politefetch/internal/errtax"
)

func Test_Registry_RegistersAllCollectorsWithoutError(t *testing.T) {
	r := New()
	reg := prometheus.NewRegistry()
	if err := r.Register(reg); err != nil {
		t.Fatalf("unexpected registration error: %v", err)
	}
}

func Test_Registry_ObserveRequestIncrementsCounter(t *testing.T) {
	r := New()
	r.ObserveRequest("example.com", true)
	r.ObserveRequest("example.com", false)

	total := testutil.ToFloat64(r.requestsTotal.WithLabelValues("example.com", "success")) +
		testutil.ToFloat64(r.requestsTotal.WithLabelValues("example.com", "failure"))
	if total != 2 {
		t.Fatalf("expected 2 total requests recorded, got %v", total)
	}
}

func Test_Registry_ObserveErrorAndRetry(t *testing.T) {
	r := New()
	r.ObserveError("example.com", errtax.KindTimeout)
	r.ObserveRetry("example.com")

	if got := testutil.ToFloat64(r.errorsTotal.WithLabelValues("example.com", string(errtax.KindTimeout))); got != 1 {
		t.Fatalf("expected 1 error recorded, got %v", got)
	}
	if got := testutil.ToFloat64(r.retriesTotal.WithLabelValues("example.com")); got != 1 {
		t.Fatalf("expected 1 retry recorded, got %v", got)
	}
}

func Test_Registry_SetCircuitStateAndRPS(t *testing.T) {
	r := New()
	r.SetCircuitState("example.com", breaker.StateOpen)
	r.SetCurrentRPS("example.com", 4.5)
	r.ObserveDuration("example.com", 120*time.Millisecond)
}
