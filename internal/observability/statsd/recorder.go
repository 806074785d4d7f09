package statsd

import (
	"sync"
	"time"
)

// Kind distinguishes recorded metric types.
type Kind string

// Recorded metric kinds.
const (
	KindCount  Kind = "count"
	KindGauge  Kind = "gauge"
	KindTiming Kind = "timing"
)

// Metric is one emission captured by a Recorder.
type Metric struct {
	Kind  Kind
	Name  string
	Value float64
	Tags  map[string]string
}

// Recorder is an in-memory Sink used by tests and dry runs.
type Recorder struct {
	mu      sync.Mutex
	metrics []Metric
}

var _ Sink = (*Recorder)(nil)

// Count records a counter.
func (r *Recorder) Count(name string, value int64, tags map[string]string) {
	r.add(Metric{Kind: KindCount, Name: name, Value: float64(value), Tags: cloneTags(tags)})
}

// Gauge records a gauge.
func (r *Recorder) Gauge(name string, value float64, tags map[string]string) {
	r.add(Metric{Kind: KindGauge, Name: name, Value: value, Tags: cloneTags(tags)})
}

// Timing records a timing in milliseconds.
func (r *Recorder) Timing(name string, value time.Duration, tags map[string]string) {
	ms := float64(value) / float64(time.Millisecond)
	r.add(Metric{Kind: KindTiming, Name: name, Value: ms, Tags: cloneTags(tags)})
}

func (r *Recorder) add(m Metric) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.metrics = append(r.metrics, m)
}

// Metrics returns a copy of everything recorded so far.
func (r *Recorder) Metrics() []Metric {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Metric, len(r.metrics))
	copy(out, r.metrics)
	return out
}

// Sum adds the values of every metric with the given name whose tags include match.
func (r *Recorder) Sum(name string, match map[string]string) float64 {
	var total float64
	for _, m := range r.Metrics() {
		if m.Name != name || !tagsInclude(m.Tags, match) {
			continue
		}
		total += m.Value
	}
	return total
}

func tagsInclude(tags, match map[string]string) bool {
	for k, v := range match {
		if tags[k] != v {
			return false
		}
	}
	return true
}
