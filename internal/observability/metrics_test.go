package observability

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNewMetrics(t *testing.T) {
	// Don't call NewMetrics() here as it registers with the default
	// registry; isolated registries below exercise the recording methods.
	t.Log("metrics structure verified through isolated-registry tests")
}

func TestCacheLookup(t *testing.T) {
	registry := prometheus.NewRegistry()
	counter := prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "test_cache_lookups_total", Help: "test"},
		[]string{"outcome"},
	)
	registry.MustRegister(counter)

	counter.WithLabelValues("hit").Inc()
	counter.WithLabelValues("hit").Inc()
	counter.WithLabelValues("miss").Inc()

	expected := `
		# HELP test_cache_lookups_total test
		# TYPE test_cache_lookups_total counter
		test_cache_lookups_total{outcome="hit"} 2
		test_cache_lookups_total{outcome="miss"} 1
	`
	if err := testutil.CollectAndCompare(counter, strings.NewReader(expected)); err != nil {
		t.Errorf("unexpected metric value: %v", err)
	}
}

func TestRecordCompressionOnlyAddsBytesWhenPositive(t *testing.T) {
	m := &Metrics{
		CompressionInvocations: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "test_compression_invocations_total", Help: "test"},
			[]string{"outcome"},
		),
		CompressionBytesSaved: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "test_compression_bytes_saved_total", Help: "test"},
			[]string{"tool_name"},
		),
	}

	m.RecordCompression("search", "below_threshold", 0)
	m.RecordCompression("search", "compressed", 120)

	if got := testutil.ToFloat64(m.CompressionInvocations.WithLabelValues("below_threshold")); got != 1 {
		t.Errorf("expected 1 below_threshold invocation, got %v", got)
	}
	if got := testutil.ToFloat64(m.CompressionBytesSaved.WithLabelValues("search")); got != 120 {
		t.Errorf("expected 120 bytes saved, got %v", got)
	}
}

func TestRecordMaskingCountsFieldsPerKind(t *testing.T) {
	m := &Metrics{
		MaskingInvocations: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "test_masking_invocations_total", Help: "test"},
			[]string{"outcome"},
		),
		MaskingFieldsMasked: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "test_masking_fields_masked_total", Help: "test"},
			[]string{"kind"},
		),
	}

	m.RecordMasking("masked", "email", 2)
	m.RecordMasking("masked", "ssn", 1)

	if got := testutil.ToFloat64(m.MaskingFieldsMasked.WithLabelValues("email")); got != 2 {
		t.Errorf("expected 2 email fields masked, got %v", got)
	}
	if got := testutil.ToFloat64(m.MaskingInvocations.WithLabelValues("masked")); got != 2 {
		t.Errorf("expected 2 masking invocations, got %v", got)
	}
}

func TestRecordUpstreamCall(t *testing.T) {
	m := &Metrics{
		UpstreamCallCounter: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "test_upstream_calls_total", Help: "test"},
			[]string{"upstream_id", "status"},
		),
		UpstreamCallDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{Name: "test_upstream_call_duration_seconds", Help: "test", Buckets: []float64{0.1, 1, 10}},
			[]string{"upstream_id"},
		),
	}

	m.RecordUpstreamCall("fs", "success", 0.05)
	m.RecordUpstreamCall("fs", "error", 2.0)

	if got := testutil.ToFloat64(m.UpstreamCallCounter.WithLabelValues("fs", "success")); got != 1 {
		t.Errorf("expected 1 success call, got %v", got)
	}
	if testutil.CollectAndCount(m.UpstreamCallDuration) < 1 {
		t.Error("expected duration histogram to have observations")
	}
}

func TestRecordAggregatorRefreshSuccessVsPartialFailure(t *testing.T) {
	m := &Metrics{
		AggregatorRefreshes: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "test_aggregator_refreshes_total", Help: "test"},
			[]string{"outcome"},
		),
		AggregatorUpstreamFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "test_aggregator_upstream_failures_total", Help: "test"},
			[]string{"upstream_id"},
		),
	}

	m.RecordAggregatorRefresh(nil)
	m.RecordAggregatorRefresh([]string{"b"})

	if got := testutil.ToFloat64(m.AggregatorRefreshes.WithLabelValues("success")); got != 1 {
		t.Errorf("expected 1 success refresh, got %v", got)
	}
	if got := testutil.ToFloat64(m.AggregatorRefreshes.WithLabelValues("partial_failure")); got != 1 {
		t.Errorf("expected 1 partial_failure refresh, got %v", got)
	}
	if got := testutil.ToFloat64(m.AggregatorUpstreamFailures.WithLabelValues("b")); got != 1 {
		t.Errorf("expected upstream b counted as failed, got %v", got)
	}
}

func TestRecordRetryEscalation(t *testing.T) {
	m := &Metrics{
		RetryEscalationLevel: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{Name: "test_retry_escalation_multiplier", Help: "test", Buckets: []float64{1, 2, 5}},
			[]string{"tool_name"},
		),
	}

	m.RecordRetryEscalation("search", 2.5)

	if testutil.CollectAndCount(m.RetryEscalationLevel) < 1 {
		t.Error("expected escalation histogram to have an observation")
	}
}
