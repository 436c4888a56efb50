package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "giga_agent"

type moduleMetrics struct {
	toolCallTotal    *prometheus.CounterVec
	toolCallDuration *prometheus.HistogramVec
	oversizedTotal   *prometheus.CounterVec

	turnTotal        *prometheus.CounterVec
	turnIterations   prometheus.Histogram
	modelCallTotal   *prometheus.CounterVec
	modelCallLatency *prometheus.HistogramVec

	approvalsTotal *prometheus.CounterVec
	pendingThreads prometheus.Gauge

	checkpointOpDuration *prometheus.HistogramVec
	checkpointsPruned    prometheus.Counter

	httpRequestsTotal *prometheus.CounterVec
}

var (
	metricsOnce sync.Once
	metricsInst *moduleMetrics
)

func getMetrics() *moduleMetrics {
	metricsOnce.Do(func() {
		m := &moduleMetrics{
			toolCallTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "tool_calls_total",
					Help:      "Tool calls by tool, kind and outcome (success, not_found, error, skipped).",
				},
				[]string{"tool", "kind", "outcome"},
			),
			toolCallDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Namespace: namespace,
					Name:      "tool_call_duration_seconds",
					Help:      "Tool call duration in seconds by tool.",
					Buckets:   []float64{.05, .1, .5, 1, 5, 15, 60, 180, 600},
				},
				[]string{"tool"},
			),
			oversizedTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "oversized_results_total",
					Help:      "Tool results replaced by a shape schema.",
				},
				[]string{"tool"},
			),
			turnTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "turns_total",
					Help:      "Turn runs by terminal status (done, awaiting_approval, error).",
				},
				[]string{"status"},
			),
			turnIterations: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Namespace: namespace,
					Name:      "turn_model_calls",
					Help:      "Model calls made by a single run.",
					Buckets:   prometheus.LinearBuckets(1, 2, 10),
				},
			),
			modelCallTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "model_calls_total",
					Help:      "Model calls by provider and status.",
				},
				[]string{"provider", "status"},
			),
			modelCallLatency: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Namespace: namespace,
					Name:      "model_call_duration_seconds",
					Help:      "Model call duration in seconds by provider.",
					Buckets:   prometheus.DefBuckets,
				},
				[]string{"provider"},
			),
			approvalsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "approvals_total",
					Help:      "Interrupt gate decisions by type.",
				},
				[]string{"decision"},
			),
			pendingThreads: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Namespace: namespace,
					Name:      "threads_awaiting_approval",
					Help:      "Threads currently suspended at the interrupt gate.",
				},
			),
			checkpointOpDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Namespace: namespace,
					Name:      "checkpoint_op_duration_seconds",
					Help:      "Checkpoint store operation duration by operation.",
					Buckets:   prometheus.DefBuckets,
				},
				[]string{"op"},
			),
			checkpointsPruned: prometheus.NewCounter(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "checkpoints_pruned_total",
					Help:      "Checkpoints removed by the retention pruner.",
				},
			),
			httpRequestsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "http_requests_total",
					Help:      "HTTP requests served by server, route and status code.",
				},
				[]string{"server", "route", "code"},
			),
		}

		prometheus.MustRegister(
			m.toolCallTotal,
			m.toolCallDuration,
			m.oversizedTotal,
			m.turnTotal,
			m.turnIterations,
			m.modelCallTotal,
			m.modelCallLatency,
			m.approvalsTotal,
			m.pendingThreads,
			m.checkpointOpDuration,
			m.checkpointsPruned,
			m.httpRequestsTotal,
		)

		metricsInst = m
	})

	return metricsInst
}

// EnsureRegistered initializes and registers metrics the first time it is called.
func EnsureRegistered() {
	_ = getMetrics()
}

// MetricsHandler serves the default Prometheus registry.
func MetricsHandler() http.Handler {
	EnsureRegistered()
	return promhttp.Handler()
}

func RecordToolCall(tool, kind, outcome string, duration time.Duration) {
	m := getMetrics()
	m.toolCallTotal.WithLabelValues(tool, kind, outcome).Inc()
	if outcome != "skipped" {
		m.toolCallDuration.WithLabelValues(tool).Observe(duration.Seconds())
	}
}

func RecordOversizedResult(tool string) {
	getMetrics().oversizedTotal.WithLabelValues(tool).Inc()
}

func RecordTurn(status string, modelCalls int) {
	m := getMetrics()
	m.turnTotal.WithLabelValues(status).Inc()
	m.turnIterations.Observe(float64(modelCalls))
}

func RecordModelCall(provider string, duration time.Duration, success bool) {
	m := getMetrics()
	status := "error"
	if success {
		status = "success"
	}
	m.modelCallTotal.WithLabelValues(provider, status).Inc()
	m.modelCallLatency.WithLabelValues(provider).Observe(duration.Seconds())
}

func RecordApproval(decision string) {
	getMetrics().approvalsTotal.WithLabelValues(decision).Inc()
}

func AddPendingThreads(delta int) {
	getMetrics().pendingThreads.Add(float64(delta))
}

func RecordCheckpointOp(op string, duration time.Duration) {
	getMetrics().checkpointOpDuration.WithLabelValues(op).Observe(duration.Seconds())
}

func RecordCheckpointsPruned(n int64) {
	getMetrics().checkpointsPruned.Add(float64(n))
}

func RecordHTTPRequest(server, route string, code int) {
	getMetrics().httpRequestsTotal.WithLabelValues(server, route, statusLabel(code)).Inc()
}

func statusLabel(code int) string {
	switch {
	case code >= 500:
		return "5xx"
	case code >= 400:
		return "4xx"
	case code >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
