package telemetry

import (
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusMetrics implements Metrics by registering counters, histograms
// and gauges on demand against a prometheus.Registerer. Instrument names are
// normalized once per distinct name and cached, since repeated registration
// of the same collector panics.
type PrometheusMetrics struct {
	reg prometheus.Registerer

	mu         sync.Mutex
	counters   map[string]*prometheus.CounterVec
	histograms map[string]*prometheus.HistogramVec
	gauges     map[string]*prometheus.GaugeVec
}

// NewPrometheusMetrics constructs a Metrics recorder backed by reg. Pass
// prometheus.DefaultRegisterer to expose instruments on the default /metrics
// handler.
func NewPrometheusMetrics(reg prometheus.Registerer) *PrometheusMetrics {
	return &PrometheusMetrics{
		reg:        reg,
		counters:   make(map[string]*prometheus.CounterVec),
		histograms: make(map[string]*prometheus.HistogramVec),
		gauges:     make(map[string]*prometheus.GaugeVec),
	}
}

// IncCounter increments a counter, creating it on first use. tags are
// treated as alternating label/value pairs; the label set is fixed once a
// counter name is first seen.
func (m *PrometheusMetrics) IncCounter(name string, value float64, tags ...string) {
	labels, values := splitTags(tags)
	m.counterVec(name, labels).WithLabelValues(values...).Add(value)
}

// RecordTimer records a duration observation in seconds.
func (m *PrometheusMetrics) RecordTimer(name string, duration time.Duration, tags ...string) {
	labels, values := splitTags(tags)
	m.histogramVec(name, labels).WithLabelValues(values...).Observe(duration.Seconds())
}

// RecordGauge sets a gauge value.
func (m *PrometheusMetrics) RecordGauge(name string, value float64, tags ...string) {
	labels, values := splitTags(tags)
	m.gaugeVec(name, labels).WithLabelValues(values...).Set(value)
}

func (m *PrometheusMetrics) counterVec(name string, labels []string) *prometheus.CounterVec {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.counters[name]; ok {
		return c
	}
	c := prometheus.NewCounterVec(prometheus.CounterOpts{Name: strings.ReplaceAll(name, ".", "_")}, labels)
	m.reg.MustRegister(c)
	m.counters[name] = c
	return c
}

func (m *PrometheusMetrics) histogramVec(name string, labels []string) *prometheus.HistogramVec {
	m.mu.Lock()
	defer m.mu.Unlock()
	if h, ok := m.histograms[name]; ok {
		return h
	}
	h := prometheus.NewHistogramVec(prometheus.HistogramOpts{Name: strings.ReplaceAll(name, ".", "_")}, labels)
	m.reg.MustRegister(h)
	m.histograms[name] = h
	return h
}

func (m *PrometheusMetrics) gaugeVec(name string, labels []string) *prometheus.GaugeVec {
	m.mu.Lock()
	defer m.mu.Unlock()
	if g, ok := m.gauges[name]; ok {
		return g
	}
	g := prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: strings.ReplaceAll(name, ".", "_")}, labels)
	m.reg.MustRegister(g)
	m.gauges[name] = g
	return g
}

func splitTags(tags []string) (labels, values []string) {
	for i := 0; i+1 < len(tags); i += 2 {
		labels = append(labels, tags[i])
		values = append(values, tags[i+1])
	}
	return labels, values
}
