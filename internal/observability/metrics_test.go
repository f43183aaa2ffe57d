package observability

import (
	"testing"
	"time"
)

func TestRegisterMetricsAndRecordersAreSafe(t *testing.T) {
	RegisterMetrics()
	RegisterMetrics()

	RecordGatewayRequest("handshake", true)
	RecordSend("socket-streaming", true, 12*time.Millisecond, 42)
	RecordSend("socket-streaming", false, 3*time.Millisecond, 0)
	RecordPushEvent("send")
	RecordMockRequest("GET", "/v1/health", 200)
}
