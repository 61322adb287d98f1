package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "benchctl",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		},
		[]string{"bench", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "benchctl",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"bench", "method", "path", "status"},
	)
	auxCommands = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "benchctl",
			Subsystem: "auxiliary",
			Name:      "commands_total",
			Help:      "Commands run through an auxiliary, by result.",
		},
		[]string{"aux", "result"},
	)
	auxCommandDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "benchctl",
			Subsystem: "auxiliary",
			Name:      "command_duration_seconds",
			Help:      "Time from enqueue to completion of an auxiliary command.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"aux", "result"},
	)
	auxAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "benchctl",
			Subsystem: "auxiliary",
			Name:      "attempts_total",
			Help:      "Wire send attempts made while waiting for an acknowledgement.",
		},
		[]string{"aux", "outcome"},
	)
	proxyFrames = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "benchctl",
			Subsystem: "proxy",
			Name:      "frames_total",
			Help:      "Frames moved through a proxy multiplexer.",
		},
		[]string{"proxy", "direction"},
	)
	udsRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "benchctl",
			Subsystem: "uds",
			Name:      "requests_total",
			Help:      "Diagnostic requests seen by a UDS server, by dispatch outcome.",
		},
		[]string{"aux", "outcome"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests, httpDuration,
			auxCommands, auxCommandDuration, auxAttempts,
			proxyFrames, udsRequests,
		)
	})
}

func RecordHTTPRequest(bench, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(bench, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(bench, method, path, statusLabel).Observe(duration.Seconds())
}

func RecordCommand(aux string, success bool, duration time.Duration) {
	RegisterMetrics()
	result := "failure"
	if success {
		result = "success"
	}
	auxCommands.WithLabelValues(aux, result).Inc()
	auxCommandDuration.WithLabelValues(aux, result).Observe(duration.Seconds())
}

// RecordAttempt counts one send in a send-and-wait-ack loop. outcome is
// "ack", "nack", "timeout" or "error".
func RecordAttempt(aux, outcome string) {
	RegisterMetrics()
	auxAttempts.WithLabelValues(aux, outcome).Inc()
}

func RecordProxyFrame(proxy, direction string) {
	RegisterMetrics()
	proxyFrames.WithLabelValues(proxy, direction).Inc()
}

func RecordUDSRequest(aux, outcome string) {
	RegisterMetrics()
	udsRequests.WithLabelValues(aux, outcome).Inc()
}
