package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/gateway-fm/rpcfallback/pkg/types"
)

// RouterMetrics holds the Prometheus metrics of a router along with
// per-upstream counters for the status endpoint.
type RouterMetrics struct {
	// Counters
	RequestsTotal  *prometheus.CounterVec
	AttemptsTotal  *prometheus.CounterVec
	RetriesTotal   *prometheus.CounterVec
	FallbacksTotal *prometheus.CounterVec

	// Gauges
	ActiveUpstreams prometheus.Gauge
	MedianHeight    prometheus.Gauge
	UpstreamHeight  *prometheus.GaugeVec
	Halted          prometheus.Gauge

	// Histograms
	RequestLatency  *prometheus.HistogramVec
	UpstreamLatency *prometheus.HistogramVec

	mu        sync.Mutex
	upstreams map[string]*upstreamStats
}

type upstreamStats struct {
	requests uint64
	failures uint64
	latency  *LatencyStats
}

// NewRouterMetrics creates and registers all router metrics. A nil reg
// registers with the default registerer.
func NewRouterMetrics(reg prometheus.Registerer) *RouterMetrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	factory := promauto.With(reg)

	return &RouterMetrics{
		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rpcfallback_requests_total",
				Help: "Requests handled by the router by method and outcome",
			},
			[]string{"method", "outcome"},
		),

		AttemptsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rpcfallback_upstream_attempts_total",
				Help: "Calls made to each upstream by status",
			},
			[]string{"upstream", "status"},
		),

		RetriesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rpcfallback_upstream_retries_total",
				Help: "Retries scheduled against each upstream",
			},
			[]string{"upstream"},
		),

		FallbacksTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rpcfallback_fallbacks_total",
				Help: "Times a request moved past an upstream to the next one",
			},
			[]string{"upstream"},
		),

		ActiveUpstreams: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "rpcfallback_active_upstreams",
				Help: "Upstreams currently eligible to serve calls",
			},
		),

		MedianHeight: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "rpcfallback_median_block_height",
				Help: "Median block height across reachable upstreams",
			},
		),

		UpstreamHeight: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "rpcfallback_upstream_block_height",
				Help: "Last block height sampled from each upstream",
			},
			[]string{"upstream", "source"},
		),

		Halted: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "rpcfallback_chain_halted",
				Help: "1 while the chain is considered halted, 0 otherwise",
			},
		),

		RequestLatency: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "rpcfallback_request_latency_seconds",
				Help:    "End-to-end request latency by method",
				Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 3, 10},
			},
			[]string{"method"},
		),

		UpstreamLatency: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "rpcfallback_upstream_latency_seconds",
				Help:    "Latency of calls to each upstream including retries",
				Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 3},
			},
			[]string{"upstream"},
		),

		upstreams: make(map[string]*upstreamStats),
	}
}

// knownRPCMethods is a fixed set of methods to prevent cardinality explosion.
var knownRPCMethods = map[string]bool{
	"eth_blockNumber":           true,
	"eth_call":                  true,
	"eth_chainId":               true,
	"eth_estimateGas":           true,
	"eth_feeHistory":            true,
	"eth_gasPrice":              true,
	"eth_getBalance":            true,
	"eth_getBlockByHash":        true,
	"eth_getBlockByNumber":      true,
	"eth_getCode":               true,
	"eth_getLogs":               true,
	"eth_getStorageAt":          true,
	"eth_getTransactionByHash":  true,
	"eth_getTransactionCount":   true,
	"eth_getTransactionReceipt": true,
	"eth_maxPriorityFeePerGas":  true,
	"eth_sendRawTransaction":    true,
	"net_version":               true,
}

func methodLabel(method string) string {
	if knownRPCMethods[method] {
		return method
	}
	return "other"
}

// RecordRequest records a finished router request.
func (m *RouterMetrics) RecordRequest(method, outcome string, d time.Duration) {
	label := methodLabel(method)
	m.RequestsTotal.WithLabelValues(label, outcome).Inc()
	m.RequestLatency.WithLabelValues(label).Observe(d.Seconds())
}

// RecordAttempt records one call to an upstream.
func (m *RouterMetrics) RecordAttempt(upstreamID string, success bool, d time.Duration) {
	status := "success"
	if !success {
		status = "error"
	}
	m.AttemptsTotal.WithLabelValues(upstreamID, status).Inc()
	m.UpstreamLatency.WithLabelValues(upstreamID).Observe(d.Seconds())

	st := m.stats(upstreamID)
	m.mu.Lock()
	st.requests++
	if !success {
		st.failures++
	}
	m.mu.Unlock()
	st.latency.Observe(d)
}

// RecordRetry records a scheduled retry.
func (m *RouterMetrics) RecordRetry(upstreamID string) {
	m.RetriesTotal.WithLabelValues(upstreamID).Inc()
}

// RecordFallback records a request leaving an upstream for the next one.
func (m *RouterMetrics) RecordFallback(upstreamID string) {
	m.FallbacksTotal.WithLabelValues(upstreamID).Inc()
}

// RecordUpstreamHeight records a height sample.
func (m *RouterMetrics) RecordUpstreamHeight(upstreamID string, height uint64, fromCache bool) {
	source := "live"
	if fromCache {
		source = "cache"
	}
	m.UpstreamHeight.WithLabelValues(upstreamID, source).Set(float64(height))
}

// SetActiveUpstreams updates the active upstream gauge.
func (m *RouterMetrics) SetActiveUpstreams(n int) {
	m.ActiveUpstreams.Set(float64(n))
}

// SetMedianHeight updates the median height gauge.
func (m *RouterMetrics) SetMedianHeight(height uint64) {
	m.MedianHeight.Set(float64(height))
}

// SetHalted updates the halted gauge.
func (m *RouterMetrics) SetHalted(halted bool) {
	if halted {
		m.Halted.Set(1)
		return
	}
	m.Halted.Set(0)
}

func (m *RouterMetrics) stats(upstreamID string) *upstreamStats {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.upstreams[upstreamID]
	if !ok {
		st = &upstreamStats{latency: NewLatencyStats()}
		m.upstreams[upstreamID] = st
	}
	return st
}

// FillStatus copies per-upstream request counters and latencies into status.
func (m *RouterMetrics) FillStatus(status *types.RouterStatus) {
	for i := range status.Upstreams {
		us := &status.Upstreams[i]

		m.mu.Lock()
		st, ok := m.upstreams[us.ID]
		if ok {
			us.Requests = st.requests
			us.Failures = st.failures
		}
		m.mu.Unlock()

		if ok {
			us.Latency = st.latency.Snapshot()
		}
	}
}
