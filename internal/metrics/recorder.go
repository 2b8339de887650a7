package metrics

import (
	"maps"
	"sync"
	"time"

	m "github.com/cschleiden/go-taskrun/metrics"
)

type Kind string

const (
	KindCounter      Kind = "counter"
	KindDistribution Kind = "distribution"
	KindGauge        Kind = "gauge"
	KindTiming       Kind = "timing"
)

// Sample is a single recorded measurement. Tags include the tags bound with WithTags.
type Sample struct {
	Kind  Kind
	Name  string
	Tags  m.Tags
	Value float64
}

// Recorder keeps every measurement in memory. Clients derived with WithTags share the samples of
// their parent.
type Recorder struct {
	tags m.Tags
	log  *sampleLog
}

type sampleLog struct {
	mu      sync.Mutex
	samples []Sample
}

var _ m.Client = (*Recorder)(nil)

func NewRecorder() *Recorder {
	return &Recorder{log: &sampleLog{}}
}

func (r *Recorder) Counter(name string, tags m.Tags, value float64) {
	r.record(KindCounter, name, tags, value)
}

func (r *Recorder) Distribution(name string, tags m.Tags, value float64) {
	r.record(KindDistribution, name, tags, value)
}

func (r *Recorder) Gauge(name string, tags m.Tags, value int64) {
	r.record(KindGauge, name, tags, float64(value))
}

func (r *Recorder) Timing(name string, tags m.Tags, duration time.Duration) {
	r.record(KindTiming, name, tags, duration.Seconds())
}

func (r *Recorder) WithTags(tags m.Tags) m.Client {
	merged := maps.Clone(r.tags)
	if merged == nil {
		merged = m.Tags{}
	}
	maps.Copy(merged, tags)

	return &Recorder{tags: merged, log: r.log}
}

func (r *Recorder) record(kind Kind, name string, tags m.Tags, value float64) {
	t := make(m.Tags, len(r.tags)+len(tags))
	maps.Copy(t, r.tags)
	maps.Copy(t, tags)

	r.log.mu.Lock()
	defer r.log.mu.Unlock()

	r.log.samples = append(r.log.samples, Sample{Kind: kind, Name: name, Tags: t, Value: value})
}

// Samples returns the recorded samples with the given name, in recording order.
func (r *Recorder) Samples(name string) []Sample {
	r.log.mu.Lock()
	defer r.log.mu.Unlock()

	var s []Sample
	for _, sample := range r.log.samples {
		if sample.Name == name {
			s = append(s, sample)
		}
	}

	return s
}

// Sum adds up the values of all samples with the given name.
func (r *Recorder) Sum(name string) float64 {
	var sum float64
	for _, s := range r.Samples(name) {
		sum += s.Value
	}

	return sum
}
