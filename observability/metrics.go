package observability

import (
	"math"
	"math/big"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type httpMetrics struct {
	requests  *prometheus.CounterVec
	latency   *prometheus.HistogramVec
	throttles *prometheus.CounterVec
}

var (
	httpMetricsOnce sync.Once
	httpRegistry    *httpMetrics

	vaultMetricsOnce sync.Once
	vaultRegistry    *VaultMetrics
)

// HTTP returns the lazily-initialised registry for API handlers.
func HTTP() *httpMetrics {
	httpMetricsOnce.Do(func() {
		httpRegistry = &httpMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "cruize",
				Subsystem: "http",
				Name:      "requests_total",
				Help:      "Total API requests segmented by route, method and status code.",
			}, []string{"route", "method", "status"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "cruize",
				Subsystem: "http",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for API handlers.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"route", "method"}),
			throttles: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "cruize",
				Subsystem: "http",
				Name:      "throttles_total",
				Help:      "Requests rejected by throttling policies.",
			}, []string{"route", "reason"}),
		}
		prometheus.MustRegister(httpRegistry.requests, httpRegistry.latency, httpRegistry.throttles)
	})
	return httpRegistry
}

// Observe records the outcome of a request. status is the HTTP status written
// to the client.
func (m *httpMetrics) Observe(route, method string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	if route == "" {
		route = "unknown"
	}
	m.requests.WithLabelValues(route, method, strconv.Itoa(status)).Inc()
	m.latency.WithLabelValues(route, method).Observe(duration.Seconds())
}

// RecordThrottle counts a rejected request. Reasons should be stable strings
// such as "rate_limit".
func (m *httpMetrics) RecordThrottle(route, reason string) {
	if m == nil {
		return
	}
	if reason == "" {
		reason = "unspecified"
	}
	m.throttles.WithLabelValues(route, reason).Inc()
}

// VaultMetrics tracks engine operations, reserve ledgers and price feeds.
type VaultMetrics struct {
	operations *prometheus.CounterVec
	latency    *prometheus.HistogramVec
	ledger     *prometheus.GaugeVec
	events     *prometheus.CounterVec
	price      *prometheus.GaugeVec
	freshness  *prometheus.GaugeVec
	journal    *prometheus.CounterVec
}

// Vault returns the lazily-initialised vault metrics registry.
func Vault() *VaultMetrics {
	vaultMetricsOnce.Do(func() {
		vaultRegistry = &VaultMetrics{
			operations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "cruize",
				Subsystem: "vault",
				Name:      "operations_total",
				Help:      "Vault operations segmented by operation and outcome.",
			}, []string{"operation", "outcome"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "cruize",
				Subsystem: "vault",
				Name:      "operation_duration_seconds",
				Help:      "Latency of vault operations including market calls.",
				Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60},
			}, []string{"operation"}),
			ledger: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "cruize",
				Subsystem: "vault",
				Name:      "ledger_amount",
				Help:      "Reserve ledger components in base units of the underlying asset.",
			}, []string{"asset", "component"}),
			events: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "cruize",
				Subsystem: "vault",
				Name:      "events_total",
				Help:      "Committed vault events by type.",
			}, []string{"type"}),
			price: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "cruize",
				Subsystem: "oracle",
				Name:      "price",
				Help:      "Latest aggregated price per feed, scaled to whole quote units.",
			}, []string{"feed"}),
			freshness: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "cruize",
				Subsystem: "oracle",
				Name:      "age_seconds",
				Help:      "Age of the latest aggregated price per feed.",
			}, []string{"feed"}),
			journal: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "cruize",
				Subsystem: "journal",
				Name:      "appends_total",
				Help:      "Journal appends segmented by outcome.",
			}, []string{"outcome"}),
		}
		prometheus.MustRegister(
			vaultRegistry.operations,
			vaultRegistry.latency,
			vaultRegistry.ledger,
			vaultRegistry.events,
			vaultRegistry.price,
			vaultRegistry.freshness,
			vaultRegistry.journal,
		)
	})
	return vaultRegistry
}

// Observe records a finished operation.
func (m *VaultMetrics) Observe(operation string, duration time.Duration, err error) {
	if m == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	m.operations.WithLabelValues(operation, outcome).Inc()
	m.latency.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordLedger publishes the buffer, supplied and fee totals of a reserve.
func (m *VaultMetrics) RecordLedger(asset string, buffer, supplied, fees *big.Int) {
	if m == nil {
		return
	}
	label := labelAsset(asset)
	m.ledger.WithLabelValues(label, "buffer").Set(bigToFloat(buffer))
	m.ledger.WithLabelValues(label, "supplied").Set(bigToFloat(supplied))
	m.ledger.WithLabelValues(label, "fees_paid").Set(bigToFloat(fees))
}

// RecordPrice publishes a feed's price and how old it is.
func (m *VaultMetrics) RecordPrice(feed string, value *big.Int, decimals uint8, age time.Duration) {
	if m == nil {
		return
	}
	scaled := new(big.Float).SetInt(zeroIfNil(value))
	scaled.Quo(scaled, new(big.Float).SetInt(new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)))
	price, _ := scaled.Float64()
	m.price.WithLabelValues(labelAsset(feed)).Set(price)
	m.freshness.WithLabelValues(labelAsset(feed)).Set(age.Seconds())
}

// RecordJournalAppend counts journal writes.
func (m *VaultMetrics) RecordJournalAppend(err error) {
	if m == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	m.journal.WithLabelValues(outcome).Inc()
}

func labelAsset(asset string) string {
	trimmed := strings.TrimSpace(asset)
	if trimmed == "" {
		return "unknown"
	}
	return strings.ToLower(trimmed)
}

func zeroIfNil(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return v
}

func bigToFloat(value *big.Int) float64 {
	if value == nil {
		return 0
	}
	floatVal, acc := new(big.Float).SetInt(value).Float64()
	if acc != big.Exact {
		if math.IsNaN(floatVal) || math.IsInf(floatVal, 0) {
			return 0
		}
	}
	return floatVal
}
