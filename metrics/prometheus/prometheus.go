// Package prometheus implements metrics.Client on top of a Prometheus registry.
//
// Vectors are registered lazily the first time a metric name is used. The label set of a metric is
// fixed by that first use: later tags that were not part of it are dropped and missing ones are
// reported as empty labels.
package prometheus

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cschleiden/go-taskrun/metrics"
	"github.com/prometheus/client_golang/prometheus"
)

type vectors struct {
	mu sync.Mutex

	registerer prometheus.Registerer
	namespace  string

	counters   map[string]*prometheus.CounterVec
	histograms map[string]*prometheus.HistogramVec
	gauges     map[string]*prometheus.GaugeVec
	labels     map[string][]string
}

type client struct {
	v    *vectors
	tags metrics.Tags
}

var _ metrics.Client = (*client)(nil)

// New returns a metrics client registering its vectors with the given registerer. If registerer is
// nil, prometheus.DefaultRegisterer is used.
func New(registerer prometheus.Registerer, namespace string) metrics.Client {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	return &client{
		v: &vectors{
			registerer: registerer,
			namespace:  namespace,
			counters:   map[string]*prometheus.CounterVec{},
			histograms: map[string]*prometheus.HistogramVec{},
			gauges:     map[string]*prometheus.GaugeVec{},
			labels:     map[string][]string{},
		},
	}
}

func (c *client) Counter(name string, tags metrics.Tags, value float64) {
	tags = c.merge(tags)
	vec := c.v.counter(name, tags)
	vec.With(c.v.labelValues(name, tags)).Add(value)
}

func (c *client) Distribution(name string, tags metrics.Tags, value float64) {
	tags = c.merge(tags)
	vec := c.v.histogram(name, tags)
	vec.With(c.v.labelValues(name, tags)).Observe(value)
}

func (c *client) Gauge(name string, tags metrics.Tags, value int64) {
	tags = c.merge(tags)
	vec := c.v.gauge(name, tags)
	vec.With(c.v.labelValues(name, tags)).Set(float64(value))
}

func (c *client) Timing(name string, tags metrics.Tags, duration time.Duration) {
	name = name + ".seconds"

	tags = c.merge(tags)
	vec := c.v.histogram(name, tags)
	vec.With(c.v.labelValues(name, tags)).Observe(duration.Seconds())
}

func (c *client) WithTags(tags metrics.Tags) metrics.Client {
	return &client{
		v:    c.v,
		tags: c.merge(tags),
	}
}

func (c *client) merge(tags metrics.Tags) metrics.Tags {
	r := make(metrics.Tags, len(c.tags)+len(tags))
	for k, v := range c.tags {
		r[k] = v
	}

	for k, v := range tags {
		r[k] = v
	}

	return r
}

func (v *vectors) counter(name string, tags metrics.Tags) *prometheus.CounterVec {
	v.mu.Lock()
	defer v.mu.Unlock()

	if vec, ok := v.counters[name]; ok {
		return vec
	}

	vec := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: v.namespace,
		Name:      sanitize(name),
		Help:      name,
	}, v.fixLabels(name, tags))
	v.counters[name] = register(v.registerer, vec)

	return v.counters[name]
}

func (v *vectors) histogram(name string, tags metrics.Tags) *prometheus.HistogramVec {
	v.mu.Lock()
	defer v.mu.Unlock()

	if vec, ok := v.histograms[name]; ok {
		return vec
	}

	vec := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: v.namespace,
		Name:      sanitize(name),
		Help:      name,
		Buckets:   prometheus.DefBuckets,
	}, v.fixLabels(name, tags))
	v.histograms[name] = register(v.registerer, vec)

	return v.histograms[name]
}

func (v *vectors) gauge(name string, tags metrics.Tags) *prometheus.GaugeVec {
	v.mu.Lock()
	defer v.mu.Unlock()

	if vec, ok := v.gauges[name]; ok {
		return vec
	}

	vec := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: v.namespace,
		Name:      sanitize(name),
		Help:      name,
	}, v.fixLabels(name, tags))
	v.gauges[name] = register(v.registerer, vec)

	return v.gauges[name]
}

// fixLabels records the label names for a metric on first use. Callers hold v.mu.
func (v *vectors) fixLabels(name string, tags metrics.Tags) []string {
	keys := make([]string, 0, len(tags))
	for k := range tags {
		keys = append(keys, sanitize(k))
	}
	sort.Strings(keys)

	v.labels[name] = keys

	return keys
}

func (v *vectors) labelValues(name string, tags metrics.Tags) prometheus.Labels {
	v.mu.Lock()
	keys := v.labels[name]
	v.mu.Unlock()

	sanitized := make(map[string]string, len(tags))
	for k, val := range tags {
		sanitized[sanitize(k)] = val
	}

	labels := make(prometheus.Labels, len(keys))
	for _, k := range keys {
		labels[k] = sanitized[k]
	}

	return labels
}

// register adds the collector to the registry, reusing an identical collector registered by a
// previous client.
func register[C prometheus.Collector](r prometheus.Registerer, c C) C {
	if err := r.Register(c); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing
			}
		}

		panic(err)
	}

	return c
}

func sanitize(name string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			return r
		default:
			return '_'
		}
	}, name)
}
