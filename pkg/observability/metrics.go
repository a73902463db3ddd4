package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// MetricsClient records counters, histograms and operation outcomes.
// A nil-safe noop implementation exists for tests.
type MetricsClient interface {
	IncrementCounter(name string, value float64, labels map[string]string)
	RecordHistogram(name string, value float64, labels map[string]string)
	RecordGauge(name string, value float64, labels map[string]string)
	// RecordOperation records one component operation with outcome and latency.
	RecordOperation(component, operation string, success bool, duration time.Duration)
	Close() error
}

// PrometheusMetrics is a MetricsClient backed by a Prometheus registry.
// Collectors are created lazily on first use of a metric name; the
// mutex guards the collector maps, which are written from multiple
// goroutines.
type PrometheusMetrics struct {
	registry   *prometheus.Registry
	namespace  string
	mu         sync.RWMutex
	counters   map[string]*prometheus.CounterVec
	histograms map[string]*prometheus.HistogramVec
	gauges     map[string]*prometheus.GaugeVec
	opSeconds  *prometheus.HistogramVec
	opTotal    *prometheus.CounterVec
}

// NewPrometheusMetrics creates a metrics client with its own registry.
func NewPrometheusMetrics(namespace string) *PrometheusMetrics {
	registry := prometheus.NewRegistry()
	opSeconds := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "operation_duration_seconds",
		Help:      "Latency of component operations.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"component", "operation", "success"})
	opTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "operation_total",
		Help:      "Count of component operations by outcome.",
	}, []string{"component", "operation", "success"})
	registry.MustRegister(opSeconds, opTotal)

	return &PrometheusMetrics{
		registry:   registry,
		namespace:  namespace,
		counters:   make(map[string]*prometheus.CounterVec),
		histograms: make(map[string]*prometheus.HistogramVec),
		gauges:     make(map[string]*prometheus.GaugeVec),
		opSeconds:  opSeconds,
		opTotal:    opTotal,
	}
}

// Registry exposes the underlying registry for an exporter endpoint.
func (m *PrometheusMetrics) Registry() *prometheus.Registry {
	return m.registry
}

func labelKeys(labels map[string]string) []string {
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	return keys
}

// IncrementCounter adds value to the named counter.
func (m *PrometheusMetrics) IncrementCounter(name string, value float64, labels map[string]string) {
	if vec := m.counterVec(name, labels); vec != nil {
		vec.With(labels).Add(value)
	}
}

func (m *PrometheusMetrics) counterVec(name string, labels map[string]string) *prometheus.CounterVec {
	m.mu.RLock()
	vec, ok := m.counters[name]
	m.mu.RUnlock()
	if ok {
		return vec
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if vec, ok := m.counters[name]; ok {
		return vec
	}
	vec = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: m.namespace,
		Name:      name,
		Help:      name,
	}, labelKeys(labels))
	if err := m.registry.Register(vec); err != nil {
		return nil
	}
	m.counters[name] = vec
	return vec
}

// RecordHistogram observes value on the named histogram.
func (m *PrometheusMetrics) RecordHistogram(name string, value float64, labels map[string]string) {
	if vec := m.histogramVec(name, labels); vec != nil {
		vec.With(labels).Observe(value)
	}
}

func (m *PrometheusMetrics) histogramVec(name string, labels map[string]string) *prometheus.HistogramVec {
	m.mu.RLock()
	vec, ok := m.histograms[name]
	m.mu.RUnlock()
	if ok {
		return vec
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if vec, ok := m.histograms[name]; ok {
		return vec
	}
	vec = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: m.namespace,
		Name:      name,
		Help:      name,
		Buckets:   prometheus.DefBuckets,
	}, labelKeys(labels))
	if err := m.registry.Register(vec); err != nil {
		return nil
	}
	m.histograms[name] = vec
	return vec
}

// RecordGauge sets the named gauge.
func (m *PrometheusMetrics) RecordGauge(name string, value float64, labels map[string]string) {
	if vec := m.gaugeVec(name, labels); vec != nil {
		vec.With(labels).Set(value)
	}
}

func (m *PrometheusMetrics) gaugeVec(name string, labels map[string]string) *prometheus.GaugeVec {
	m.mu.RLock()
	vec, ok := m.gauges[name]
	m.mu.RUnlock()
	if ok {
		return vec
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if vec, ok := m.gauges[name]; ok {
		return vec
	}
	vec = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: m.namespace,
		Name:      name,
		Help:      name,
	}, labelKeys(labels))
	if err := m.registry.Register(vec); err != nil {
		return nil
	}
	m.gauges[name] = vec
	return vec
}

// RecordOperation records one component operation with outcome and latency.
func (m *PrometheusMetrics) RecordOperation(component, operation string, success bool, duration time.Duration) {
	outcome := "false"
	if success {
		outcome = "true"
	}
	labels := prometheus.Labels{"component": component, "operation": operation, "success": outcome}
	m.opSeconds.With(labels).Observe(duration.Seconds())
	m.opTotal.With(labels).Inc()
}

// Close is a no-op for the Prometheus client.
func (m *PrometheusMetrics) Close() error { return nil }

// NoopMetrics discards all metrics.
type NoopMetrics struct{}

// NewNoopMetrics creates a metrics client that discards everything.
func NewNoopMetrics() MetricsClient { return &NoopMetrics{} }

func (m *NoopMetrics) IncrementCounter(name string, value float64, labels map[string]string)  {}
func (m *NoopMetrics) RecordHistogram(name string, value float64, labels map[string]string)   {}
func (m *NoopMetrics) RecordGauge(name string, value float64, labels map[string]string)       {}
func (m *NoopMetrics) RecordOperation(c, o string, success bool, duration time.Duration)      {}
func (m *NoopMetrics) Close() error                                                           { return nil }
