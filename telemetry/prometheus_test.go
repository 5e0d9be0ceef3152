package telemetry

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

func TestPrometheusCollector_CollectEmitsRegisteredNames(t *testing.T) {
	reg := NewRegistry()
	reg.Counters.Get(CounterResponseServed).Incr()
	reg.Execution.Get("echo::ping").Observe(0.01)

	collector := NewPrometheusCollector(reg)
	ch := make(chan prometheus.Metric, 64)
	collector.Collect(ch)
	close(ch)

	var sawCounter, sawTimer bool
	for m := range ch {
		desc := m.Desc().String()
		if strings.Contains(desc, "thriftworker_counter_count") {
			sawCounter = true
		}
		if strings.Contains(desc, "thriftworker_timer_count_total") {
			sawTimer = true
		}
	}
	require.True(t, sawCounter)
	require.True(t, sawTimer)
}

func TestNewHandler_ServesMetrics(t *testing.T) {
	reg := NewRegistry()
	reg.Counters.Get(CounterPoolOverflow).Incr()

	handler := NewHandler(reg)
	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.Equal(t, 200, rec.Code)
	require.Contains(t, rec.Body.String(), "thriftworker_counter_count")
}
