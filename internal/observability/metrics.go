package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	gatewayRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "relayctl",
			Subsystem: "gateway",
			Name:      "requests_total",
			Help:      "Total control-channel requests issued to the gateway.",
		},
		[]string{"operation", "outcome"},
	)
	sendLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "relayctl",
			Subsystem: "gateway",
			Name:      "send_latency_seconds",
			Help:      "Submission-to-acknowledgment latency per send.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"transport", "outcome"},
	)
	sendBytes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "relayctl",
			Subsystem: "gateway",
			Name:      "send_bytes_total",
			Help:      "Encoded bytes reported by the gateway per successful send.",
		},
		[]string{"transport"},
	)
	pushEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "relayctl",
			Subsystem: "push",
			Name:      "events_total",
			Help:      "Inbound push-channel events by type.",
		},
		[]string{"type"},
	)
	mockRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "relayctl",
			Subsystem: "mockgw",
			Name:      "requests_total",
			Help:      "Mock gateway HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(gatewayRequests, sendLatency, sendBytes, pushEvents, mockRequests)
	})
}

func RecordGatewayRequest(operation string, success bool) {
	RegisterMetrics()
	gatewayRequests.WithLabelValues(operation, outcomeLabel(success)).Inc()
}

func RecordSend(transport string, success bool, latency time.Duration, bytes int) {
	RegisterMetrics()
	outcome := outcomeLabel(success)
	sendLatency.WithLabelValues(transport, outcome).Observe(latency.Seconds())
	if success {
		sendBytes.WithLabelValues(transport).Add(float64(bytes))
	}
}

func RecordPushEvent(eventType string) {
	RegisterMetrics()
	pushEvents.WithLabelValues(eventType).Inc()
}

func RecordMockRequest(method, path string, status int) {
	RegisterMetrics()
	mockRequests.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
}

func outcomeLabel(success bool) string {
	if success {
		return "success"
	}
	return "error"
}
