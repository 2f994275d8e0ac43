package metrics

import (
	"net/http"
	"sort"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Namespace prefixes every exported metric.
const Namespace = "signaling"

type collectorKey struct {
	name   string
	labels string
}

type registry struct {
	mu         sync.Mutex
	reg        *prometheus.Registry
	counters   map[collectorKey]*prometheus.CounterVec
	gauges     map[collectorKey]*prometheus.GaugeVec
	histograms map[collectorKey]*prometheus.HistogramVec
}

var _registry = newRegistry()

func newRegistry() *registry {
	return &registry{
		reg:        prometheus.NewRegistry(),
		counters:   make(map[collectorKey]*prometheus.CounterVec),
		gauges:     make(map[collectorKey]*prometheus.GaugeVec),
		histograms: make(map[collectorKey]*prometheus.HistogramVec),
	}
}

// Reset drops every collector. Intended for tests.
func Reset() {
	_registry = newRegistry()
}

// Registry exposes the underlying prometheus registry.
func Registry() *prometheus.Registry {
	return _registry.reg
}

// Handler serves the registry in the prometheus text format.
func Handler() http.Handler {
	return promhttp.HandlerFor(_registry.reg, promhttp.HandlerOpts{})
}

func metricName(group, name string) string {
	return strings.ReplaceAll(group+"_"+name, "/", "_")
}

func labelKeys(dim Dimension) []string {
	keys := make([]string, 0, len(dim))
	for k := range dim {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (r *registry) counter(name string, keys []string) *prometheus.CounterVec {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := collectorKey{name: name, labels: strings.Join(keys, ",")}
	if c, ok := r.counters[key]; ok {
		return c
	}
	c := prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: Namespace, Name: name, Help: name}, keys)
	if err := r.reg.Register(c); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			c = are.ExistingCollector.(*prometheus.CounterVec)
		}
	}
	r.counters[key] = c
	return c
}

func (r *registry) gauge(name string, keys []string) *prometheus.GaugeVec {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := collectorKey{name: name, labels: strings.Join(keys, ",")}
	if g, ok := r.gauges[key]; ok {
		return g
	}
	g := prometheus.NewGaugeVec(prometheus.GaugeOpts{Namespace: Namespace, Name: name, Help: name}, keys)
	if err := r.reg.Register(g); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			g = are.ExistingCollector.(*prometheus.GaugeVec)
		}
	}
	r.gauges[key] = g
	return g
}

func (r *registry) histogram(name string, keys []string) *prometheus.HistogramVec {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := collectorKey{name: name, labels: strings.Join(keys, ",")}
	if h, ok := r.histograms[key]; ok {
		return h
	}
	h := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: Namespace,
		Name:      name,
		Help:      name,
		Buckets:   prometheus.ExponentialBuckets(0.005, 2, 14),
	}, keys)
	if err := r.reg.Register(h); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			h = are.ExistingCollector.(*prometheus.HistogramVec)
		}
	}
	r.histograms[key] = h
	return h
}

// IncrCounterWithGroup adds v to the counter <group>_<name>.
func IncrCounterWithGroup(group, name string, v Value) {
	_registry.counter(metricName(group, name), nil).WithLabelValues().Add(float64(v))
}

// IncrCounterWithDimGroup adds v to the counter <group>_<name> labelled by dim.
// The same metric must always be used with the same set of dimension keys.
func IncrCounterWithDimGroup(group, name string, v Value, dim Dimension) {
	keys := labelKeys(dim)
	_registry.counter(metricName(group, name), keys).With(prometheus.Labels(dim)).Add(float64(v))
}

// UpdateGaugeWithGroup sets the gauge <group>_<name>.
func UpdateGaugeWithGroup(group, name string, v Value) {
	_registry.gauge(metricName(group, name), nil).WithLabelValues().Set(float64(v))
}

// UpdateGaugeWithDimGroup sets the gauge <group>_<name> labelled by dim.
func UpdateGaugeWithDimGroup(group, name string, v Value, dim Dimension) {
	keys := labelKeys(dim)
	_registry.gauge(metricName(group, name), keys).With(prometheus.Labels(dim)).Set(float64(v))
}

// ObserveWithGroup records v in the histogram <group>_<name>.
func ObserveWithGroup(group, name string, v Value, dim Dimension) {
	keys := labelKeys(dim)
	_registry.histogram(metricName(group, name), keys).With(prometheus.Labels(dim)).Observe(float64(v))
}
