// Package proxy wires the aggregator, router, masker, compressor, cache,
// and retry tracker into the five protocol request types, and owns the
// atomic configuration-generation swap used for hot reload.
package proxy

import (
	"context"
	"log/slog"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/mcpcp/proxy/internal/aggregator"
	"github.com/mcpcp/proxy/internal/compressor"
	"github.com/mcpcp/proxy/internal/mcp"
	"github.com/mcpcp/proxy/internal/observability"
	"github.com/mcpcp/proxy/internal/resolver"
	"github.com/mcpcp/proxy/internal/retrytracker"
	"github.com/mcpcp/proxy/internal/router"
)

// Generation is an atomic snapshot of every configuration-derived
// component — a single owning record swapped as a unit on hot reload.
// Clients and the resolver are exclusively owned here; the aggregator
// holds only id-keyed lookups into Clients.
type Generation struct {
	ID         string
	Clients    map[string]*mcp.Client
	Resolver   *resolver.Resolver
	Aggregator *aggregator.Aggregator
	Router     *router.Router
}

// NewGeneration builds a Generation from already-constructed components.
// Callers build the new generation off-line (connecting clients,
// populating the aggregator) before publishing it via Handler.Swap.
func NewGeneration(clients map[string]*mcp.Client, res *resolver.Resolver, agg *aggregator.Aggregator, rtr *router.Router) *Generation {
	return &Generation{
		ID:         uuid.NewString(),
		Clients:    clients,
		Resolver:   res,
		Aggregator: agg,
		Router:     rtr,
	}
}

// Cache is the subset of *toolcache.Cache the handler depends on.
type Cache interface {
	Get(key string) (*mcp.ToolCallResult, bool)
	Set(key string, value *mcp.ToolCallResult, ttlSeconds int)
}

// RetryTracker is the subset of *retrytracker.Tracker the handler depends
// on.
type RetryTracker interface {
	RecordCall(toolName string)
	GetEscalationMultiplier(toolName string, cfg retrytracker.Config) float64
}

// Compressor is the subset of *compressor.Compressor the handler depends
// on.
type Compressor interface {
	CompressToolResult(ctx context.Context, result *mcp.ToolCallResult, toolName, goal string, escalationMultiplier *float64, policy compressor.Policy) *mcp.ToolCallResult
}

// Handler owns the hot-reloadable generation plus the handler-owned
// components that persist across reloads: cache, retry tracker,
// compressor, masker.
type Handler struct {
	generation atomic.Pointer[Generation]

	cache       Cache
	tracker     RetryTracker
	compressor  Compressor
	cacheErrors bool
	logger      *slog.Logger
}

// metricsSettable is satisfied by any persistent component (cache, retry
// tracker) that exposes a SetMetrics hook. NewHandler uses it to wire
// metrics without widening Cache/RetryTracker beyond what CallTool needs.
type metricsSettable interface {
	SetMetrics(m *observability.Metrics)
}

// NewHandler builds a Handler around its persistent (non-reloaded)
// components and an initial generation. A nil metrics leaves every wired
// component's Record* calls as no-ops.
func NewHandler(gen *Generation, cache Cache, tracker RetryTracker, comp Compressor, cacheErrors bool, metrics *observability.Metrics, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	if ms, ok := cache.(metricsSettable); ok {
		ms.SetMetrics(metrics)
	}
	if ms, ok := tracker.(metricsSettable); ok {
		ms.SetMetrics(metrics)
	}
	if ms, ok := comp.(metricsSettable); ok {
		ms.SetMetrics(metrics)
	}
	h := &Handler{cache: cache, tracker: tracker, compressor: comp, cacheErrors: cacheErrors, logger: logger}
	h.generation.Store(gen)
	return h
}

// Swap atomically publishes a new generation at a quiescent point.
// In-flight requests keep the reference they captured at entry.
func (h *Handler) Swap(gen *Generation) {
	h.generation.Store(gen)
}

// Current returns the currently active generation.
func (h *Handler) Current() *Generation {
	return h.generation.Load()
}
