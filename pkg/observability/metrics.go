// Package observability holds the metrics recorder and the component health
// registry. Every degraded path in the system increments a counter here;
// silent degradation is a bug.
package observability

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

var (
	globalMetrics *Metrics
	metricsMu     sync.RWMutex
)

// Metrics is the nil-safe recorder for every instrumented concern. A nil
// *Metrics records nothing, so callers never guard their call sites.
type Metrics struct {
	llmDuration     metric.Float64Histogram
	llmCallsTotal   metric.Int64Counter
	llmErrorsTotal  metric.Int64Counter
	llmInputTokens  metric.Int64Counter
	llmOutputTokens metric.Int64Counter
	llmCostUSD      metric.Float64Counter

	breakerTransitions metric.Int64Counter
	costCapHits        metric.Int64Counter

	toolDuration   metric.Float64Histogram
	toolCallsTotal metric.Int64Counter
	toolErrors     metric.Int64Counter

	searchDuration  metric.Float64Histogram
	searchesTotal   metric.Int64Counter
	degradedMode    metric.Int64Counter
	earlyExits      metric.Int64Counter

	lockTimeouts    metric.Int64Counter
	memoryWrites    metric.Int64Counter
	promotions      metric.Int64Counter

	dedupChecks     metric.Int64Counter
	dedupDuplicates metric.Int64Counter

	streamEvents    metric.Int64Counter
	streamErrors    metric.Int64Counter
	cacheDBDrift    metric.Int64Counter

	errorsTotal metric.Int64Counter
}

// InitMetrics wires the OTel meter to a Prometheus exporter and creates all
// instruments. When disabled it returns a recorder that records nothing.
func InitMetrics(ctx context.Context, enabled bool) (*Metrics, error) {
	if !enabled {
		return &Metrics{}, nil
	}

	promExporter, err := prometheus.New()
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	meterProvider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(promExporter))
	meter := meterProvider.Meter("nalar")

	m := &Metrics{}
	var errs []error
	counter := func(name, desc string) metric.Int64Counter {
		c, err := meter.Int64Counter(name, metric.WithDescription(desc))
		if err != nil {
			errs = append(errs, err)
		}
		return c
	}
	histogram := func(name, desc string) metric.Float64Histogram {
		h, err := meter.Float64Histogram(name, metric.WithDescription(desc))
		if err != nil {
			errs = append(errs, err)
		}
		return h
	}
	fcounter := func(name, desc string) metric.Float64Counter {
		c, err := meter.Float64Counter(name, metric.WithDescription(desc))
		if err != nil {
			errs = append(errs, err)
		}
		return c
	}

	m.llmDuration = histogram("nalar_llm_request_duration_seconds", "LLM request duration in seconds")
	m.llmCallsTotal = counter("nalar_llm_calls_total", "Total LLM calls")
	m.llmErrorsTotal = counter("nalar_llm_errors_total", "Total LLM errors")
	m.llmInputTokens = counter("nalar_llm_tokens_input_total", "Total input tokens sent to LLMs")
	m.llmOutputTokens = counter("nalar_llm_tokens_output_total", "Total output tokens from LLMs")
	m.llmCostUSD = fcounter("nalar_llm_cost_usd_total", "Cumulative LLM spend in USD")

	m.breakerTransitions = counter("nalar_breaker_transitions_total", "Circuit breaker state transitions")
	m.costCapHits = counter("nalar_cost_cap_hits_total", "Queries aborted by the per-query cost cap")

	m.toolDuration = histogram("nalar_tool_execution_duration_seconds", "Tool execution duration in seconds")
	m.toolCallsTotal = counter("nalar_tool_calls_total", "Total tool calls")
	m.toolErrors = counter("nalar_tool_errors_total", "Total tool errors")

	m.searchDuration = histogram("nalar_search_duration_seconds", "Hybrid search duration in seconds")
	m.searchesTotal = counter("nalar_searches_total", "Total hybrid searches")
	m.degradedMode = counter("nalar_degraded_mode_total", "Degraded-mode activations by subsystem")
	m.earlyExits = counter("nalar_reasoning_early_exits_total", "Reasoning loop early exits")

	m.lockTimeouts = counter("nalar_lock_timeouts_total", "Keyed mutex acquisition timeouts")
	m.memoryWrites = counter("nalar_memory_writes_total", "Per-user memory writes")
	m.promotions = counter("nalar_collective_promotions_total", "Collective fact promotions")

	m.dedupChecks = counter("nalar_dedup_checks_total", "Duplicate filter validations")
	m.dedupDuplicates = counter("nalar_dedup_duplicates_total", "Duplicates detected, by layer")

	m.streamEvents = counter("nalar_stream_events_total", "Stream events emitted, by type")
	m.streamErrors = counter("nalar_stream_errors_total", "Non-fatal stream errors")
	m.cacheDBDrift = counter("nalar_cache_db_drift_total", "Conversation cache/DB inconsistencies")

	m.errorsTotal = counter("nalar_errors_total", "Errors by component and kind")

	if len(errs) > 0 {
		return nil, fmt.Errorf("failed to create instruments: %v", errs[0])
	}
	return m, nil
}

func (m *Metrics) RecordLLMCall(ctx context.Context, model string, duration time.Duration, inputTokens, outputTokens int, costUSD float64, err error) {
	if m == nil || m.llmDuration == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("model", model))
	m.llmDuration.Record(ctx, duration.Seconds(), attrs)
	m.llmCallsTotal.Add(ctx, 1, attrs)
	m.llmInputTokens.Add(ctx, int64(inputTokens), attrs)
	m.llmOutputTokens.Add(ctx, int64(outputTokens), attrs)
	m.llmCostUSD.Add(ctx, costUSD, attrs)
	if err != nil {
		m.llmErrorsTotal.Add(ctx, 1, attrs)
	}
}

func (m *Metrics) RecordBreakerTransition(ctx context.Context, model, from, to string) {
	if m == nil || m.breakerTransitions == nil {
		return
	}
	m.breakerTransitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("model", model),
		attribute.String("from", from),
		attribute.String("to", to),
	))
}

func (m *Metrics) RecordCostCapHit(ctx context.Context) {
	if m == nil || m.costCapHits == nil {
		return
	}
	m.costCapHits.Add(ctx, 1)
}

func (m *Metrics) RecordToolExecution(ctx context.Context, tool string, duration time.Duration, err error) {
	if m == nil || m.toolDuration == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("tool", tool))
	m.toolDuration.Record(ctx, duration.Seconds(), attrs)
	m.toolCallsTotal.Add(ctx, 1, attrs)
	if err != nil {
		m.toolErrors.Add(ctx, 1, attrs)
	}
}

func (m *Metrics) RecordSearch(ctx context.Context, collection string, duration time.Duration) {
	if m == nil || m.searchDuration == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("collection", collection))
	m.searchDuration.Record(ctx, duration.Seconds(), attrs)
	m.searchesTotal.Add(ctx, 1, attrs)
}

func (m *Metrics) RecordDegradedMode(ctx context.Context, subsystem string) {
	if m == nil || m.degradedMode == nil {
		return
	}
	m.degradedMode.Add(ctx, 1, metric.WithAttributes(attribute.String("subsystem", subsystem)))
}

func (m *Metrics) RecordEarlyExit(ctx context.Context, intent string) {
	if m == nil || m.earlyExits == nil {
		return
	}
	m.earlyExits.Add(ctx, 1, metric.WithAttributes(attribute.String("intent", intent)))
}

func (m *Metrics) RecordLockTimeout(ctx context.Context, key string) {
	if m == nil || m.lockTimeouts == nil {
		return
	}
	m.lockTimeouts.Add(ctx, 1, metric.WithAttributes(attribute.String("scope", key)))
}

func (m *Metrics) RecordMemoryWrite(ctx context.Context) {
	if m == nil || m.memoryWrites == nil {
		return
	}
	m.memoryWrites.Add(ctx, 1)
}

func (m *Metrics) RecordPromotion(ctx context.Context, category string) {
	if m == nil || m.promotions == nil {
		return
	}
	m.promotions.Add(ctx, 1, metric.WithAttributes(attribute.String("category", category)))
}

func (m *Metrics) RecordDedupCheck(ctx context.Context, duplicate bool, layer string) {
	if m == nil || m.dedupChecks == nil {
		return
	}
	m.dedupChecks.Add(ctx, 1)
	if duplicate {
		m.dedupDuplicates.Add(ctx, 1, metric.WithAttributes(attribute.String("layer", layer)))
	}
}

func (m *Metrics) RecordStreamEvent(ctx context.Context, eventType string) {
	if m == nil || m.streamEvents == nil {
		return
	}
	m.streamEvents.Add(ctx, 1, metric.WithAttributes(attribute.String("type", eventType)))
}

func (m *Metrics) RecordStreamError(ctx context.Context, fatal bool) {
	if m == nil || m.streamErrors == nil {
		return
	}
	m.streamErrors.Add(ctx, 1, metric.WithAttributes(attribute.Bool("fatal", fatal)))
}

func (m *Metrics) RecordCacheDBDrift(ctx context.Context) {
	if m == nil || m.cacheDBDrift == nil {
		return
	}
	m.cacheDBDrift.Add(ctx, 1)
}

// RecordError increments the labeled error counter shared by every error path.
func (m *Metrics) RecordError(ctx context.Context, component, kind string) {
	if m == nil || m.errorsTotal == nil {
		return
	}
	m.errorsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("component", component),
		attribute.String("kind", kind),
	))
}

func SetGlobalMetrics(m *Metrics) {
	metricsMu.Lock()
	defer metricsMu.Unlock()
	globalMetrics = m
}

// GetGlobalMetrics returns the process recorder. May be nil; all Record
// methods are nil-safe.
func GetGlobalMetrics() *Metrics {
	metricsMu.RLock()
	defer metricsMu.RUnlock()
	return globalMetrics
}
