// Package observability provides structured logging and Prometheus metrics
// for the proxy.
//
// # Metrics
//
// Metrics track cache hit/miss rates, compression and masking outcomes,
// per-upstream call latency, retry escalation levels, and aggregator
// refresh health. All are registered with Prometheus's default registry.
//
// Example usage:
//
//	metrics := observability.NewMetrics()
//
//	metrics.CacheLookup("hit")
//
//	start := time.Now()
//	// ... call upstream ...
//	metrics.RecordUpstreamCall("fs", "success", time.Since(start).Seconds())
//
//	metrics.RecordCompression("search", "compressed", bytesSaved)
//	metrics.RecordAggregatorRefresh(failedUpstreamIDs)
//
// # Logging
//
// Logging is built on log/slog with automatic request/session/upstream
// correlation from context and redaction of sensitive data (API keys,
// bearer tokens, passwords, JWTs) from both messages and structured args.
//
// Example usage:
//
//	logger := observability.NewLogger(observability.LogConfig{
//	    Level:  "info",
//	    Format: "json",
//	})
//
//	ctx = observability.AddRequestID(ctx, requestID)
//	ctx = observability.AddUpstreamID(ctx, "fs")
//
//	logger.Info(ctx, "calling upstream", "tool", "fs__read")
//	logger.Error(ctx, "upstream call failed", "error", err, "api_key", apiKey) // redacted
//
// # Monitoring
//
//	# cache hit ratio
//	rate(mcpcp_cache_lookups_total{outcome="hit"}[5m]) /
//	rate(mcpcp_cache_lookups_total[5m])
//
//	# upstream latency (95th percentile)
//	histogram_quantile(0.95, rate(mcpcp_upstream_call_duration_seconds_bucket[5m]))
//
//	# aggregator partial failures
//	rate(mcpcp_aggregator_refreshes_total{outcome="partial_failure"}[5m])
package observability
