package prom

import (
	"github.com/prometheus/client_golang/prometheus"

	"goflare.io/tiercache/internal/stats"
	"goflare.io/tiercache/internal/tier"
)

// Adapter implements stats.Observer and exports Prometheus counters/gauges.
type Adapter struct {
	hits    *prometheus.CounterVec
	misses  prometheus.Counter
	evicts  *prometheus.CounterVec
	used    *prometheus.GaugeVec
	budget  *prometheus.GaugeVec
	fetches *prometheus.CounterVec
}

// New constructs a Prometheus adapter.
//   - reg:          registry to register metrics with (nil => prometheus.DefaultRegisterer)
//   - ns, sub:      Prometheus namespace and subsystem
//   - constLabels:  static labels applied to all metrics (may be nil)
func New(reg prometheus.Registerer, ns, sub string, constLabels prometheus.Labels) *Adapter {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	a := &Adapter{
		hits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   ns,
			Subsystem:   sub,
			Name:        "hits_total",
			Help:        "Cache hits by serving tier",
			ConstLabels: constLabels,
		}, []string{"tier"}),
		misses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   ns,
			Subsystem:   sub,
			Name:        "misses_total",
			Help:        "Lookups no tier could serve",
			ConstLabels: constLabels,
		}),
		evicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   ns,
			Subsystem:   sub,
			Name:        "evictions_total",
			Help:        "Entries evicted by tier and reason",
			ConstLabels: constLabels,
		}, []string{"tier", "reason"}),
		used: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   ns,
			Subsystem:   sub,
			Name:        "bytes_used",
			Help:        "Bytes resident per tier",
			ConstLabels: constLabels,
		}, []string{"tier"}),
		budget: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   ns,
			Subsystem:   sub,
			Name:        "bytes_budget",
			Help:        "Byte budget per tier",
			ConstLabels: constLabels,
		}, []string{"tier"}),
		fetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   ns,
			Subsystem:   sub,
			Name:        "network_fetches_total",
			Help:        "Network fetches by outcome",
			ConstLabels: constLabels,
		}, []string{"outcome"}),
	}
	reg.MustRegister(a.hits, a.misses, a.evicts, a.used, a.budget, a.fetches)
	return a
}

// Hit increments the hit counter of tier t.
func (a *Adapter) Hit(t tier.Name) { a.hits.WithLabelValues(string(t)).Inc() }

// Miss increments the miss counter.
func (a *Adapter) Miss() { a.misses.Inc() }

// Evict increments the eviction counter with tier and reason labels.
func (a *Adapter) Evict(t tier.Name, r stats.EvictReason) {
	a.evicts.WithLabelValues(string(t), r.String()).Inc()
}

// Size updates the occupancy gauges of tier t.
func (a *Adapter) Size(t tier.Name, used, budget int64) {
	a.used.WithLabelValues(string(t)).Set(float64(used))
	a.budget.WithLabelValues(string(t)).Set(float64(budget))
}

// Fetch counts one network fetch.
func (a *Adapter) Fetch(ok bool) {
	outcome := "error"
	if ok {
		outcome = "ok"
	}
	a.fetches.WithLabelValues(outcome).Inc()
}

var _ stats.Observer = (*Adapter)(nil)
