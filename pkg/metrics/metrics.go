package metrics

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
)

// Collector captures counters, gauges and histograms.
type Collector interface {
	IncCounter(name string, labels map[string]string, delta float64)
	SetGauge(name string, labels map[string]string, value float64)
	ObserveHistogram(name string, labels map[string]string, value float64)
}

type summary struct {
	count uint64
	sum   float64
}

// Registry is an in-process Collector that renders the Prometheus text
// exposition format.
type Registry struct {
	mu       sync.Mutex
	counters map[string]float64
	gauges   map[string]float64
	hists    map[string]*summary
}

func NewRegistry() *Registry {
	return &Registry{
		counters: make(map[string]float64),
		gauges:   make(map[string]float64),
		hists:    make(map[string]*summary),
	}
}

func (r *Registry) IncCounter(name string, labels map[string]string, delta float64) {
	r.mu.Lock()
	r.counters[series(name, labels)] += delta
	r.mu.Unlock()
}

func (r *Registry) SetGauge(name string, labels map[string]string, value float64) {
	r.mu.Lock()
	r.gauges[series(name, labels)] = value
	r.mu.Unlock()
}

func (r *Registry) ObserveHistogram(name string, labels map[string]string, value float64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := series(name, labels)
	s, ok := r.hists[key]
	if !ok {
		s = &summary{}
		r.hists[key] = s
	}
	s.count++
	s.sum += value
}

// Counter returns the current value of a counter series.
func (r *Registry) Counter(name string, labels map[string]string) float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counters[series(name, labels)]
}

// Gauge returns the current value of a gauge series.
func (r *Registry) Gauge(name string, labels map[string]string) float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.gauges[series(name, labels)]
}

// WriteText writes every series, sorted by name.
func (r *Registry) WriteText(w io.Writer) error {
	r.mu.Lock()
	lines := make([]string, 0, len(r.counters)+len(r.gauges)+2*len(r.hists))
	for k, v := range r.counters {
		lines = append(lines, fmt.Sprintf("%s %g", k, v))
	}
	for k, v := range r.gauges {
		lines = append(lines, fmt.Sprintf("%s %g", k, v))
	}
	for k, s := range r.hists {
		name, labels := splitSeries(k)
		lines = append(lines,
			fmt.Sprintf("%s_count%s %d", name, labels, s.count),
			fmt.Sprintf("%s_sum%s %g", name, labels, s.sum),
		)
	}
	r.mu.Unlock()

	sort.Strings(lines)
	for _, l := range lines {
		if _, err := io.WriteString(w, l+"\n"); err != nil {
			return err
		}
	}
	return nil
}

func series(name string, labels map[string]string) string {
	if len(labels) == 0 {
		return name
	}
	names := make([]string, 0, len(labels))
	for k := range labels {
		names = append(names, k)
	}
	sort.Strings(names)

	var sb strings.Builder
	sb.WriteString(name)
	sb.WriteByte('{')
	for i, k := range names {
		if i > 0 {
			sb.WriteByte(',')
		}
		fmt.Fprintf(&sb, "%s=%q", k, labels[k])
	}
	sb.WriteByte('}')
	return sb.String()
}

func splitSeries(s string) (name, labels string) {
	if i := strings.IndexByte(s, '{'); i >= 0 {
		return s[:i], s[i:]
	}
	return s, ""
}

var _ Collector = (*Registry)(nil)
