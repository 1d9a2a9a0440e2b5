package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusMetrics backs MetricsClient with a small fixed set of
// generic vectors keyed by metric name, rather than one Go variable per
// metric — the cache, queue, and evictor all share the same handful of
// shapes (counter/latency/gauge), and the label set is the name itself.
type PrometheusMetrics struct {
	namespace string
	registry  *prometheus.Registry

	mu         sync.Mutex
	counters   map[string]*prometheus.CounterVec
	histograms map[string]*prometheus.HistogramVec
	gauges     map[string]*prometheus.GaugeVec
}

// NewPrometheusMetrics creates a MetricsClient registered against reg.
// Pass prometheus.NewRegistry() for isolated tests, or a process-wide
// registry for production.
func NewPrometheusMetrics(namespace string, reg *prometheus.Registry) *PrometheusMetrics {
	return &PrometheusMetrics{
		namespace:  namespace,
		registry:   reg,
		counters:   make(map[string]*prometheus.CounterVec),
		histograms: make(map[string]*prometheus.HistogramVec),
		gauges:     make(map[string]*prometheus.GaugeVec),
	}
}

func labelNames(labels map[string]string) []string {
	names := make([]string, 0, len(labels))
	for k := range labels {
		names = append(names, k)
	}
	return names
}

func (m *PrometheusMetrics) counterVec(name string, labels map[string]string) *prometheus.CounterVec {
	m.mu.Lock()
	defer m.mu.Unlock()
	cv, ok := m.counters[name]
	if !ok {
		cv = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: m.namespace,
			Name:      name,
		}, labelNames(labels))
		m.registry.MustRegister(cv)
		m.counters[name] = cv
	}
	return cv
}

func (m *PrometheusMetrics) histogramVec(name string, labels map[string]string) *prometheus.HistogramVec {
	m.mu.Lock()
	defer m.mu.Unlock()
	hv, ok := m.histograms[name]
	if !ok {
		hv = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: m.namespace,
			Name:      name,
			Buckets:   prometheus.DefBuckets,
		}, labelNames(labels))
		m.registry.MustRegister(hv)
		m.histograms[name] = hv
	}
	return hv
}

func (m *PrometheusMetrics) gaugeVec(name string, labels map[string]string) *prometheus.GaugeVec {
	m.mu.Lock()
	defer m.mu.Unlock()
	gv, ok := m.gauges[name]
	if !ok {
		gv = prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: m.namespace,
			Name:      name,
		}, labelNames(labels))
		m.registry.MustRegister(gv)
		m.gauges[name] = gv
	}
	return gv
}

func (m *PrometheusMetrics) IncrCounter(name string, labels map[string]string) {
	m.counterVec(name, labels).With(labels).Inc()
}

func (m *PrometheusMetrics) ObserveLatency(name string, duration time.Duration, labels map[string]string) {
	m.histogramVec(name, labels).With(labels).Observe(duration.Seconds())
}

func (m *PrometheusMetrics) SetGauge(name string, value float64, labels map[string]string) {
	m.gaugeVec(name, labels).With(labels).Set(value)
}

// NoopMetrics discards everything.
type NoopMetrics struct{}

// NewNoopMetrics returns a MetricsClient that discards all calls.
func NewNoopMetrics() MetricsClient { return NoopMetrics{} }

func (NoopMetrics) IncrCounter(string, map[string]string)                    {}
func (NoopMetrics) ObserveLatency(string, time.Duration, map[string]string) {}
func (NoopMetrics) SetGauge(string, float64, map[string]string)            {}
