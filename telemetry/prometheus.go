package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusCollector exports a Registry's dynamically-named counters and
// timers as Prometheus metrics. Counters and timers are created by name at
// runtime (service registration decides the key space), so Collect
// enumerates whatever names exist at scrape time rather than a predeclared
// set.
type PrometheusCollector struct {
	reg *Registry
}

func NewPrometheusCollector(reg *Registry) *PrometheusCollector {
	return &PrometheusCollector{reg: reg}
}

var (
	counterCountDesc = prometheus.NewDesc(
		"thriftworker_counter_count", "Observation count for a named counter.",
		[]string{"name"}, nil)
	counterSumDesc = prometheus.NewDesc(
		"thriftworker_counter_sum", "Sum of a named counter's observations.",
		[]string{"name"}, nil)

	timerCountDesc = prometheus.NewDesc(
		"thriftworker_timer_count_total", "Completed request count for a named timer.",
		[]string{"name"}, nil)
	timerSumSecondsDesc = prometheus.NewDesc(
		"thriftworker_timer_sum_seconds", "Sum of execution durations for a named timer.",
		[]string{"name"}, nil)
	timerP95SecondsDesc = prometheus.NewDesc(
		"thriftworker_timer_p95_seconds", "P2-estimated 95th percentile duration for a named timer.",
		[]string{"name"}, nil)

	timeoutCountDesc = prometheus.NewDesc(
		"thriftworker_dispatch_late_total", "Count of responses that arrived after their connection stopped being ready.",
		[]string{"name"}, nil)
)

func (c *PrometheusCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- counterCountDesc
	ch <- counterSumDesc
	ch <- timerCountDesc
	ch <- timerSumSecondsDesc
	ch <- timerP95SecondsDesc
	ch <- timeoutCountDesc
}

func (c *PrometheusCollector) Collect(ch chan<- prometheus.Metric) {
	for name, snap := range c.reg.Counters.Snapshot() {
		ch <- prometheus.MustNewConstMetric(counterCountDesc, prometheus.CounterValue, float64(snap.Count), name)
		ch <- prometheus.MustNewConstMetric(counterSumDesc, prometheus.CounterValue, snap.Sum, name)
	}
	for name, snap := range c.reg.Execution.Snapshot() {
		ch <- prometheus.MustNewConstMetric(timerCountDesc, prometheus.CounterValue, float64(snap.Count), name)
		ch <- prometheus.MustNewConstMetric(timerSumSecondsDesc, prometheus.CounterValue, snap.Sum, name)
		ch <- prometheus.MustNewConstMetric(timerP95SecondsDesc, prometheus.GaugeValue, snap.Distribution95, name)
	}
	for name, snap := range c.reg.Timeouts.Snapshot() {
		ch <- prometheus.MustNewConstMetric(timeoutCountDesc, prometheus.CounterValue, float64(snap.Count), name)
	}
}

// NewHandler builds the /metrics HTTP handler for reg, scoped to a fresh
// prometheus.Registry so this module never touches the global
// DefaultRegisterer.
func NewHandler(reg *Registry) http.Handler {
	promReg := prometheus.NewRegistry()
	promReg.MustRegister(NewPrometheusCollector(reg))
	return promhttp.HandlerFor(promReg, promhttp.HandlerOpts{})
}
