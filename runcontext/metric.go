package runcontext

import (
	"maps"
	"time"

	"github.com/cschleiden/go-taskrun/metrics"
)

type MetricType string

const (
	MetricTypeCounter MetricType = "counter"
	MetricTypeTimer   MetricType = "timer"
)

// MetricEntry is a metric emitted by a task. Timer values are in seconds.
type MetricEntry struct {
	Type      MetricType
	Name      string
	Value     float64
	Tags      map[string]string
	Timestamp time.Time
}

func Counter(name string, value float64, tags map[string]string) MetricEntry {
	return MetricEntry{
		Type:  MetricTypeCounter,
		Name:  name,
		Value: value,
		Tags:  maps.Clone(tags),
	}
}

func Timer(name string, d time.Duration, tags map[string]string) MetricEntry {
	return MetricEntry{
		Type:  MetricTypeTimer,
		Name:  name,
		Value: d.Seconds(),
		Tags:  maps.Clone(tags),
	}
}

// Duration returns the value of a timer entry.
func (e MetricEntry) Duration() time.Duration {
	return time.Duration(e.Value * float64(time.Second))
}

// Report forwards entries to a metrics client. tags are added to every entry.
func Report(mc metrics.Client, entries []MetricEntry, tags metrics.Tags) {
	for _, e := range entries {
		t := make(metrics.Tags, len(tags)+len(e.Tags))
		maps.Copy(t, tags)
		maps.Copy(t, e.Tags)

		switch e.Type {
		case MetricTypeTimer:
			mc.Timing(e.Name, t, e.Duration())
		default:
			mc.Counter(e.Name, t, e.Value)
		}
	}
}
