// Package metrics publishes the allocator's observability surface: bytes
// reserved from the OS, spans resident per page-count bucket, Central Cache
// fetch/release counts, and thread-cache slow-start ramp events. None of
// this is read by the core to make a decision — it is bolted onto the
// outside, so recording a metric can never change allocator behavior.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// Registry bundles every collector this allocator publishes, backed by its
// own prometheus.Registry so embedding this package never collides with a
// host process's default registry.
type Registry struct {
	reg *prometheus.Registry

	ReservedBytes   prometheus.Gauge
	BucketSpans     *prometheus.GaugeVec
	CentralFetches  *prometheus.CounterVec
	CentralReleases *prometheus.CounterVec
	CentralCarves   *prometheus.CounterVec
	SlowStartMisses *prometheus.CounterVec
	ThreadCaches    prometheus.Gauge
}

// New creates a Registry with every collector registered and ready to
// record.
func New() *Registry {
	r := &Registry{reg: prometheus.NewRegistry()}

	r.ReservedBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "ccalloc",
		Name:      "reserved_bytes",
		Help:      "Cumulative bytes reserved from the OS by the page heap.",
	})
	r.BucketSpans = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "ccalloc",
		Name:      "pageheap_bucket_spans",
		Help:      "Number of free spans currently sitting in a page-heap bucket.",
	}, []string{"pages"})
	r.CentralFetches = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ccalloc",
		Name:      "central_fetch_total",
		Help:      "Objects fetched from the central cache by class, per call to FetchRange.",
	}, []string{"class"})
	r.CentralReleases = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ccalloc",
		Name:      "central_release_total",
		Help:      "Objects released to the central cache by class.",
	}, []string{"class"})
	r.CentralCarves = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ccalloc",
		Name:      "central_span_carve_total",
		Help:      "Spans carved fresh from the page heap by a central cache bucket.",
	}, []string{"class"})
	r.SlowStartMisses = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ccalloc",
		Name:      "threadcache_slowstart_miss_total",
		Help:      "Thread-cache misses that grew max_length under the slow-start ramp.",
	}, []string{"class"})
	r.ThreadCaches = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "ccalloc",
		Name:      "thread_caches_live",
		Help:      "Number of thread caches currently registered (not yet idle-reaped).",
	})

	r.reg.MustRegister(
		r.ReservedBytes, r.BucketSpans, r.CentralFetches,
		r.CentralReleases, r.CentralCarves, r.SlowStartMisses, r.ThreadCaches,
	)
	return r
}

// Gatherer exposes the underlying prometheus.Gatherer for a host process
// that wants to serve /metrics itself.
func (r *Registry) Gatherer() prometheus.Gatherer { return r.reg }

// Snapshot collects every metric family into a flat, human-readable form,
// for cmd/ccbench's plain-text summary — it does not need a full HTTP
// exposition pipeline to print a handful of numbers.
type Snapshot struct {
	ReservedBytes   float64
	BucketSpans     map[string]float64
	CentralFetches  map[string]float64
	CentralReleases map[string]float64
	CentralCarves   map[string]float64
	SlowStartMisses map[string]float64
	ThreadCaches    float64
}

func (r *Registry) Snapshot() (Snapshot, error) {
	families, err := r.reg.Gather()
	if err != nil {
		return Snapshot{}, err
	}
	snap := Snapshot{
		BucketSpans:     map[string]float64{},
		CentralFetches:  map[string]float64{},
		CentralReleases: map[string]float64{},
		CentralCarves:   map[string]float64{},
		SlowStartMisses: map[string]float64{},
	}
	for _, fam := range families {
		name := fam.GetName()
		for _, m := range fam.GetMetric() {
			label := labelValue(m)
			var v float64
			if g := m.GetGauge(); g != nil {
				v = g.GetValue()
			} else if c := m.GetCounter(); c != nil {
				v = c.GetValue()
			}
			switch name {
			case "ccalloc_reserved_bytes":
				snap.ReservedBytes = v
			case "ccalloc_pageheap_bucket_spans":
				snap.BucketSpans[label] = v
			case "ccalloc_central_fetch_total":
				snap.CentralFetches[label] = v
			case "ccalloc_central_release_total":
				snap.CentralReleases[label] = v
			case "ccalloc_central_span_carve_total":
				snap.CentralCarves[label] = v
			case "ccalloc_threadcache_slowstart_miss_total":
				snap.SlowStartMisses[label] = v
			case "ccalloc_thread_caches_live":
				snap.ThreadCaches = v
			}
		}
	}
	return snap, nil
}

func labelValue(m *dto.Metric) string {
	for _, lp := range m.GetLabel() {
		return lp.GetValue()
	}
	return ""
}
