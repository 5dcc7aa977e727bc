package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "scriptnode"

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total admin HTTP requests.",
		},
		[]string{"node", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Admin HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"node", "method", "path", "status"},
	)
	runnerCommands = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "runner",
			Name:      "commands_total",
			Help:      "Commands processed by the runner.",
		},
		[]string{"kind", "outcome"},
	)
	runnerDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "runner",
			Name:      "command_duration_seconds",
			Help:      "Runner command processing time in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"kind"},
	)
	runnerHeight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "runner",
			Name:      "height",
			Help:      "Last committed height.",
		},
	)
	scriptInvocations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sandbox",
			Name:      "invocations_total",
			Help:      "Script invocations by mode and outcome.",
		},
		[]string{"mode", "outcome"},
	)
)

const (
	OutcomeOK      = "ok"
	OutcomeError   = "error"
	OutcomeFault   = "fault"
	OutcomeRouting = "routing"
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests,
			httpDuration,
			runnerCommands,
			runnerDuration,
			runnerHeight,
			scriptInvocations,
		)
	})
}

func RecordHTTPRequest(node, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(node, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(node, method, path, statusLabel).Observe(duration.Seconds())
}

func RecordCommand(kind, outcome string, duration time.Duration) {
	RegisterMetrics()
	runnerCommands.WithLabelValues(kind, outcome).Inc()
	runnerDuration.WithLabelValues(kind).Observe(duration.Seconds())
}

func RecordHeight(height int64) {
	RegisterMetrics()
	runnerHeight.Set(float64(height))
}

func RecordInvocation(mode, outcome string) {
	RegisterMetrics()
	scriptInvocations.WithLabelValues(mode, outcome).Inc()
}
