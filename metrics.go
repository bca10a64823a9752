package rpcpool

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "rpcpool"

// Metrics records call outcomes as Prometheus metrics.
type Metrics struct {
	calls    *prometheus.CounterVec
	attempts *prometheus.CounterVec
	switches *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

// NewMetrics creates the call metrics and registers them with reg.
// Metrics that are already registered are reused, so several factories can share a registry.
//
// Example:
//
//	metrics, err := rpcpool.NewMetrics(prometheus.DefaultRegisterer)
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		calls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "calls_total",
			Help:      "Calls completed through the pipeline, by outcome.",
		}, []string{"contract", "method", "outcome"}),
		attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "failed_attempts_total",
			Help:      "Failed call attempts, by endpoint and error kind.",
		}, []string{"contract", "endpoint", "kind"}),
		switches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "endpoint_switches_total",
			Help:      "Failovers from one endpoint to another.",
		}, []string{"contract"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "call_duration_seconds",
			Help:      "Call latency including retries.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"contract", "method"}),
	}

	var err error
	if m.calls, err = register(reg, m.calls); err != nil {
		return nil, err
	}
	if m.attempts, err = register(reg, m.attempts); err != nil {
		return nil, err
	}
	if m.switches, err = register(reg, m.switches); err != nil {
		return nil, err
	}
	if m.duration, err = register(reg, m.duration); err != nil {
		return nil, err
	}
	return m, nil
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) (C, error) {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing, nil
			}
		}
		return c, err
	}
	return c, nil
}

func (m *Metrics) observeCall(call *Call, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.calls.WithLabelValues(call.Contract, call.Method, outcome).Inc()
	m.duration.WithLabelValues(call.Contract, call.Method).Observe(elapsed.Seconds())
}

func (m *Metrics) observeFailedAttempt(contract, endpoint string, kind ErrorKind) {
	if m == nil {
		return
	}
	m.attempts.WithLabelValues(contract, endpoint, kind.String()).Inc()
}

func (m *Metrics) observeSwitch(contract string) {
	if m == nil {
		return
	}
	m.switches.WithLabelValues(contract).Inc()
}

var (
	endpointBusyDesc = prometheus.NewDesc(
		prometheus.BuildFQName(metricsNamespace, "endpoint", "busy"),
		"Calls in flight on the endpoint.",
		[]string{"contract", "endpoint"}, nil)
	endpointIdleDesc = prometheus.NewDesc(
		prometheus.BuildFQName(metricsNamespace, "endpoint", "idle_connections"),
		"Pooled idle connections of the endpoint.",
		[]string{"contract", "endpoint"}, nil)
	endpointHealthyDesc = prometheus.NewDesc(
		prometheus.BuildFQName(metricsNamespace, "endpoint", "healthy"),
		"1 when the endpoint is neither erroring nor disabled.",
		[]string{"contract", "endpoint"}, nil)
	endpointDisabledDesc = prometheus.NewDesc(
		prometheus.BuildFQName(metricsNamespace, "endpoint", "disabled"),
		"1 when the endpoint is disabled.",
		[]string{"contract", "endpoint"}, nil)
)

// StatusCollector exports the live endpoint state of a ServiceFactory.
type StatusCollector struct {
	factory *ServiceFactory
}

var _ prometheus.Collector = (*StatusCollector)(nil)

// NewStatusCollector creates a collector for every contract registered on f.
func NewStatusCollector(f *ServiceFactory) *StatusCollector {
	return &StatusCollector{factory: f}
}

// Describe implements prometheus.Collector.
func (c *StatusCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- endpointBusyDesc
	ch <- endpointIdleDesc
	ch <- endpointHealthyDesc
	ch <- endpointDisabledDesc
}

// Collect implements prometheus.Collector.
func (c *StatusCollector) Collect(ch chan<- prometheus.Metric) {
	for contract, statuses := range c.factory.StatusAll() {
		for _, s := range statuses {
			ch <- prometheus.MustNewConstMetric(endpointBusyDesc, prometheus.GaugeValue, float64(s.Busy), contract, s.Address)
			ch <- prometheus.MustNewConstMetric(endpointIdleDesc, prometheus.GaugeValue, float64(s.Idle), contract, s.Address)
			ch <- prometheus.MustNewConstMetric(endpointHealthyDesc, prometheus.GaugeValue, boolGauge(s.Healthy), contract, s.Address)
			ch <- prometheus.MustNewConstMetric(endpointDisabledDesc, prometheus.GaugeValue, boolGauge(s.Disabled), contract, s.Address)
		}
	}
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
