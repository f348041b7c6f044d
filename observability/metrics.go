package observability

import (
	"fmt"
	"math"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type moduleMetrics struct {
	requests  *prometheus.CounterVec
	errors    *prometheus.CounterVec
	latency   *prometheus.HistogramVec
	throttles *prometheus.CounterVec
}

var (
	moduleMetricsOnce sync.Once
	moduleRegistry    *moduleMetrics

	aggregatorMetricsOnce sync.Once
	aggregatorRegistry    *AggregatorMetrics

	ledgerMetricsOnce sync.Once
	ledgerRegistry    *LedgerMetrics
)

// ModuleMetrics returns the lazily-initialised registry recording HTTP
// handler activity for every service.
func ModuleMetrics() *moduleMetrics {
	moduleMetricsOnce.Do(func() {
		moduleRegistry = &moduleMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "blockmusic",
				Subsystem: "http",
				Name:      "requests_total",
				Help:      "Total HTTP requests segmented by service, route and outcome.",
			}, []string{"module", "method", "outcome"}),
			errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "blockmusic",
				Subsystem: "http",
				Name:      "errors_total",
				Help:      "Total HTTP errors segmented by service, route and status code.",
			}, []string{"module", "method", "status"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "blockmusic",
				Subsystem: "http",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for HTTP handlers.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"module", "method"}),
			throttles: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "blockmusic",
				Subsystem: "http",
				Name:      "throttles_total",
				Help:      "Count of requests rejected by rate limiting.",
			}, []string{"module", "reason"}),
		}
		prometheus.MustRegister(
			moduleRegistry.requests,
			moduleRegistry.errors,
			moduleRegistry.latency,
			moduleRegistry.throttles,
		)
	})
	return moduleRegistry
}

// Observe records the outcome of a request. The status code should be the
// HTTP status that was ultimately written to the response writer.
func (m *moduleMetrics) Observe(module, method string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	if module == "" {
		module = "unknown"
	}
	if method == "" {
		method = "unknown"
	}
	outcome := "success"
	if status >= 400 {
		outcome = "error"
	}
	m.requests.WithLabelValues(module, method, outcome).Inc()
	if status >= 400 {
		m.errors.WithLabelValues(module, method, fmt.Sprintf("%d", status)).Inc()
	}
	m.latency.WithLabelValues(module, method).Observe(duration.Seconds())
}

// RecordThrottle increments the throttle counter. Reasons should be stable
// strings such as "rate_limit".
func (m *moduleMetrics) RecordThrottle(module, reason string) {
	if m == nil {
		return
	}
	if module == "" {
		module = "unknown"
	}
	if reason == "" {
		reason = "unspecified"
	}
	m.throttles.WithLabelValues(module, reason).Inc()
}

// AggregatorMetrics bundles the play aggregator collectors.
type AggregatorMetrics struct {
	plays         *prometheus.CounterVec
	pending       prometheus.Gauge
	flushes       *prometheus.CounterVec
	flushLatency  prometheus.Histogram
	submissions   *prometheus.CounterVec
	settledPlays  prometheus.Counter
	auditPruned   prometheus.Counter
	flushInFlight prometheus.Gauge
}

// Aggregator exposes the metrics registry for the play aggregator.
func Aggregator() *AggregatorMetrics {
	aggregatorMetricsOnce.Do(func() {
		aggregatorRegistry = &AggregatorMetrics{
			plays: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "blockmusic",
				Subsystem: "aggregator",
				Name:      "plays_total",
				Help:      "Play events received segmented by outcome.",
			}, []string{"outcome"}),
			pending: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "blockmusic",
				Subsystem: "aggregator",
				Name:      "pending_plays",
				Help:      "Plays accepted locally but not yet confirmed by the ledger.",
			}),
			flushes: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "blockmusic",
				Subsystem: "aggregator",
				Name:      "flushes_total",
				Help:      "Flush cycles segmented by outcome.",
			}, []string{"outcome"}),
			flushLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
				Namespace: "blockmusic",
				Subsystem: "aggregator",
				Name:      "flush_duration_seconds",
				Help:      "Latency distribution of flush cycles.",
				Buckets:   []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300},
			}),
			submissions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "blockmusic",
				Subsystem: "aggregator",
				Name:      "submissions_total",
				Help:      "Per-track ledger submissions segmented by result status.",
			}, []string{"status"}),
			settledPlays: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "blockmusic",
				Subsystem: "aggregator",
				Name:      "settled_plays_total",
				Help:      "Plays moved from pending to confirmed after ledger confirmation.",
			}),
			auditPruned: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "blockmusic",
				Subsystem: "aggregator",
				Name:      "audit_pruned_total",
				Help:      "Audit records removed by the retention job.",
			}),
			flushInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "blockmusic",
				Subsystem: "aggregator",
				Name:      "flush_in_flight",
				Help:      "Indicates whether a flush is currently running (1) or not (0).",
			}),
		}
		prometheus.MustRegister(
			aggregatorRegistry.plays,
			aggregatorRegistry.pending,
			aggregatorRegistry.flushes,
			aggregatorRegistry.flushLatency,
			aggregatorRegistry.submissions,
			aggregatorRegistry.settledPlays,
			aggregatorRegistry.auditPruned,
			aggregatorRegistry.flushInFlight,
		)
	})
	return aggregatorRegistry
}

// RecordPlay counts a received play event.
func (m *AggregatorMetrics) RecordPlay(outcome string) {
	if m == nil {
		return
	}
	m.plays.WithLabelValues(label(outcome)).Inc()
}

// SetPending updates the pending plays gauge.
func (m *AggregatorMetrics) SetPending(pending uint64) {
	if m == nil {
		return
	}
	m.pending.Set(float64(pending))
}

// ObserveFlush records a completed flush cycle.
func (m *AggregatorMetrics) ObserveFlush(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.flushes.WithLabelValues(label(outcome)).Inc()
	m.flushLatency.Observe(d.Seconds())
}

// RecordSubmission counts a per-track ledger submission result.
func (m *AggregatorMetrics) RecordSubmission(status string, settled uint64) {
	if m == nil {
		return
	}
	m.submissions.WithLabelValues(label(status)).Inc()
	if settled > 0 {
		m.settledPlays.Add(float64(settled))
	}
}

// RecordAuditPruned counts removed audit records.
func (m *AggregatorMetrics) RecordAuditPruned(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.auditPruned.Add(float64(n))
}

// SetFlushInFlight toggles the flush_in_flight gauge.
func (m *AggregatorMetrics) SetFlushInFlight(running bool) {
	if m == nil {
		return
	}
	if running {
		m.flushInFlight.Set(1)
		return
	}
	m.flushInFlight.Set(0)
}

// LedgerMetrics bundles the revenue ledger collectors.
type LedgerMetrics struct {
	rpcCalls   *prometheus.CounterVec
	increments *prometheus.CounterVec
	plays      prometheus.Counter
	claims     *prometheus.CounterVec
	poolTotal  *prometheus.GaugeVec
	poolHeld   *prometheus.GaugeVec
	events     *prometheus.CounterVec
}

// Ledger exposes the metrics registry for the ledger daemon.
func Ledger() *LedgerMetrics {
	ledgerMetricsOnce.Do(func() {
		ledgerRegistry = &LedgerMetrics{
			rpcCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "blockmusic",
				Subsystem: "ledger",
				Name:      "rpc_calls_total",
				Help:      "JSON-RPC calls segmented by method and outcome.",
			}, []string{"method", "outcome"}),
			increments: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "blockmusic",
				Subsystem: "ledger",
				Name:      "play_increments_total",
				Help:      "Play increment entries segmented by status.",
			}, []string{"status"}),
			plays: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "blockmusic",
				Subsystem: "ledger",
				Name:      "confirmed_plays_total",
				Help:      "Plays applied to the ledger.",
			}),
			claims: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "blockmusic",
				Subsystem: "ledger",
				Name:      "claims_total",
				Help:      "Claim attempts segmented by asset and outcome.",
			}, []string{"asset", "outcome"}),
			poolTotal: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "blockmusic",
				Subsystem: "ledger",
				Name:      "pool_revenue_total",
				Help:      "Cumulative revenue credited per asset in base units.",
			}, []string{"asset"}),
			poolHeld: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "blockmusic",
				Subsystem: "ledger",
				Name:      "pool_held",
				Help:      "Unclaimed revenue held per asset in base units.",
			}, []string{"asset"}),
			events: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "blockmusic",
				Subsystem: "ledger",
				Name:      "events_total",
				Help:      "Ledger events emitted segmented by type.",
			}, []string{"type"}),
		}
		prometheus.MustRegister(
			ledgerRegistry.rpcCalls,
			ledgerRegistry.increments,
			ledgerRegistry.plays,
			ledgerRegistry.claims,
			ledgerRegistry.poolTotal,
			ledgerRegistry.poolHeld,
			ledgerRegistry.events,
		)
	})
	return ledgerRegistry
}

// RecordRPC counts a JSON-RPC call.
func (m *LedgerMetrics) RecordRPC(method, outcome string) {
	if m == nil {
		return
	}
	m.rpcCalls.WithLabelValues(label(method), label(outcome)).Inc()
}

// RecordIncrement counts a play increment entry and the plays it applied.
func (m *LedgerMetrics) RecordIncrement(status string, applied uint64) {
	if m == nil {
		return
	}
	m.increments.WithLabelValues(label(status)).Inc()
	if applied > 0 {
		m.plays.Add(float64(applied))
	}
}

// RecordClaim counts a claim attempt.
func (m *LedgerMetrics) RecordClaim(asset, outcome string) {
	if m == nil {
		return
	}
	m.claims.WithLabelValues(labelAsset(asset), label(outcome)).Inc()
}

// SetPool updates the pool gauges for an asset.
func (m *LedgerMetrics) SetPool(asset string, total, held *big.Int) {
	if m == nil {
		return
	}
	m.poolTotal.WithLabelValues(labelAsset(asset)).Set(bigToFloat(total))
	m.poolHeld.WithLabelValues(labelAsset(asset)).Set(bigToFloat(held))
}

// RecordEvent counts an emitted ledger event.
func (m *LedgerMetrics) RecordEvent(eventType string) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(label(eventType)).Inc()
}

func label(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "unknown"
	}
	return trimmed
}

func labelAsset(asset string) string {
	trimmed := strings.TrimSpace(asset)
	if trimmed == "" {
		return "UNKNOWN"
	}
	return strings.ToUpper(trimmed)
}

func bigToFloat(value *big.Int) float64 {
	if value == nil {
		return 0
	}
	floatVal, acc := new(big.Float).SetInt(value).Float64()
	if acc != big.Exact {
		// Guard against NaN/Inf when conversion fails.
		if math.IsNaN(floatVal) || math.IsInf(floatVal, 0) {
			return 0
		}
	}
	return floatVal
}
