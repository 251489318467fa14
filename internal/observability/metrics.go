package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides a centralized interface for collecting proxy metrics.
//
// The metrics system is built on Prometheus and tracks:
//   - Cache hit/miss rates
//   - Compression invocations and bytes saved
//   - PII masking invocations and fields masked
//   - Upstream call latency and outcome
//   - Retry escalation levels reached
//   - Aggregator refresh counts and per-upstream failures
//
// Usage:
//
//	metrics := observability.NewMetrics()
//	metrics.CacheLookup("hit")
//	defer metrics.UpstreamCallDuration("fs").Observe(time.Since(start).Seconds())
type Metrics struct {
	// CacheLookups counts cache lookups by outcome.
	// Labels: outcome (hit|miss)
	CacheLookups *prometheus.CounterVec

	// CacheSize is a gauge tracking the current number of cache entries.
	CacheSize prometheus.Gauge

	// CompressionInvocations counts compressor invocations by outcome.
	// Labels: outcome (compressed|below_threshold|disabled|failed_open)
	CompressionInvocations *prometheus.CounterVec

	// CompressionBytesSaved tracks bytes removed by compression.
	// Labels: tool_name
	CompressionBytesSaved *prometheus.CounterVec

	// MaskingInvocations counts masker invocations by outcome.
	// Labels: outcome (masked|unmasked|llm_fallback|llm_fallback_failed)
	MaskingInvocations *prometheus.CounterVec

	// MaskingFieldsMasked counts individual fields masked, by PII kind.
	// Labels: kind
	MaskingFieldsMasked *prometheus.CounterVec

	// UpstreamCallDuration measures per-upstream tool-call latency.
	// Labels: upstream_id
	// Buckets: 0.01s, 0.05s, 0.1s, 0.5s, 1s, 5s, 10s, 30s
	UpstreamCallDuration *prometheus.HistogramVec

	// UpstreamCallCounter counts upstream tool calls by outcome.
	// Labels: upstream_id, status (success|error)
	UpstreamCallCounter *prometheus.CounterVec

	// RetryEscalationLevel observes the escalation multiplier applied.
	// Labels: tool_name
	RetryEscalationLevel *prometheus.HistogramVec

	// AggregatorRefreshes counts aggregator refresh passes.
	// Labels: outcome (success|partial_failure)
	AggregatorRefreshes *prometheus.CounterVec

	// AggregatorUpstreamFailures counts per-upstream refresh failures.
	// Labels: upstream_id
	AggregatorUpstreamFailures *prometheus.CounterVec
}

// NewMetrics creates and registers all Prometheus metrics. This should be
// called once at application startup; all metrics register with
// Prometheus's default registry and are served at the /metrics endpoint.
func NewMetrics() *Metrics {
	return &Metrics{
		CacheLookups: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mcpcp_cache_lookups_total",
				Help: "Total number of cache lookups by outcome",
			},
			[]string{"outcome"},
		),

		CacheSize: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "mcpcp_cache_entries",
				Help: "Current number of entries held in the tool result cache",
			},
		),

		CompressionInvocations: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mcpcp_compression_invocations_total",
				Help: "Total number of compressor invocations by outcome",
			},
			[]string{"outcome"},
		),

		CompressionBytesSaved: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mcpcp_compression_bytes_saved_total",
				Help: "Total bytes removed by compression, by tool name",
			},
			[]string{"tool_name"},
		),

		MaskingInvocations: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mcpcp_masking_invocations_total",
				Help: "Total number of PII masker invocations by outcome",
			},
			[]string{"outcome"},
		),

		MaskingFieldsMasked: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mcpcp_masking_fields_masked_total",
				Help: "Total number of fields masked, by PII kind",
			},
			[]string{"kind"},
		),

		UpstreamCallDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "mcpcp_upstream_call_duration_seconds",
				Help:    "Duration of upstream tool calls in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
			},
			[]string{"upstream_id"},
		),

		UpstreamCallCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mcpcp_upstream_calls_total",
				Help: "Total number of upstream tool calls by upstream and status",
			},
			[]string{"upstream_id", "status"},
		),

		RetryEscalationLevel: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "mcpcp_retry_escalation_multiplier",
				Help:    "Escalation multiplier applied per tool call",
				Buckets: []float64{1, 1.5, 2, 3, 5, 8, 13},
			},
			[]string{"tool_name"},
		),

		AggregatorRefreshes: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mcpcp_aggregator_refreshes_total",
				Help: "Total number of aggregator refresh passes by outcome",
			},
			[]string{"outcome"},
		),

		AggregatorUpstreamFailures: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mcpcp_aggregator_upstream_failures_total",
				Help: "Total number of upstream refresh failures by upstream",
			},
			[]string{"upstream_id"},
		),
	}
}

// CacheLookup records a cache lookup outcome ("hit" or "miss").
func (m *Metrics) CacheLookup(outcome string) {
	m.CacheLookups.WithLabelValues(outcome).Inc()
}

// SetCacheSize sets the current cache entry count.
func (m *Metrics) SetCacheSize(n int) {
	m.CacheSize.Set(float64(n))
}

// RecordCompression records a compressor invocation and, when the result
// was actually compressed, the bytes saved.
func (m *Metrics) RecordCompression(toolName, outcome string, bytesSaved int) {
	m.CompressionInvocations.WithLabelValues(outcome).Inc()
	if bytesSaved > 0 {
		m.CompressionBytesSaved.WithLabelValues(toolName).Add(float64(bytesSaved))
	}
}

// RecordMasking records a masker invocation and the number of fields
// masked for one PII kind.
func (m *Metrics) RecordMasking(outcome, kind string, fieldsMasked int) {
	m.MaskingInvocations.WithLabelValues(outcome).Inc()
	if fieldsMasked > 0 {
		m.MaskingFieldsMasked.WithLabelValues(kind).Add(float64(fieldsMasked))
	}
}

// RecordUpstreamCall records latency and outcome for one upstream tool
// call.
func (m *Metrics) RecordUpstreamCall(upstreamID, status string, durationSeconds float64) {
	m.UpstreamCallCounter.WithLabelValues(upstreamID, status).Inc()
	m.UpstreamCallDuration.WithLabelValues(upstreamID).Observe(durationSeconds)
}

// RecordRetryEscalation observes the escalation multiplier applied to one
// tool call.
func (m *Metrics) RecordRetryEscalation(toolName string, multiplier float64) {
	m.RetryEscalationLevel.WithLabelValues(toolName).Observe(multiplier)
}

// RecordAggregatorRefresh records one aggregator refresh pass, along with
// the upstream ids that failed to refresh (empty on full success).
func (m *Metrics) RecordAggregatorRefresh(failedUpstreams []string) {
	if len(failedUpstreams) == 0 {
		m.AggregatorRefreshes.WithLabelValues("success").Inc()
		return
	}
	m.AggregatorRefreshes.WithLabelValues("partial_failure").Inc()
	for _, id := range failedUpstreams {
		m.AggregatorUpstreamFailures.WithLabelValues(id).Inc()
	}
}
