// Package metrics exposes the resolution pipeline's prometheus
// instrumentation. A Pipeline is created against a caller-provided
// registerer; a nil *Pipeline is valid and records nothing, so callers
// do not need to guard every increment.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Pipeline bundles the counters the engine increments while resolving.
type Pipeline struct {
	resolutions *prometheus.CounterVec
	merges      prometheus.Counter
	decisions   *prometheus.CounterVec
	collected   prometheus.Counter
}

// NewPipeline registers the pipeline counters on reg and returns the
// handle. Registration panics on duplicate registration, matching the
// usual prometheus contract.
func NewPipeline(reg prometheus.Registerer) *Pipeline {
	p := &Pipeline{
		resolutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "weft",
			Name:      "resolutions_total",
			Help:      "Resolutions run, by outcome.",
		}, []string{"outcome"}),
		merges: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "weft",
			Name:      "merges_total",
			Help:      "Node pairs collapsed by the merge solver.",
		}),
		decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "weft",
			Name:      "reconcile_decisions_total",
			Help:      "Reconciliation decisions, by kind.",
		}, []string{"kind"}),
		collected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "weft",
			Name:      "collected_nodes_total",
			Help:      "Nodes removed by garbage collection.",
		}),
	}
	reg.MustRegister(p.resolutions, p.merges, p.decisions, p.collected)
	return p
}

// Resolution counts one finished resolution with the given outcome
// ("committed", "discarded", "forced", "dumped").
func (p *Pipeline) Resolution(outcome string) {
	if p == nil {
		return
	}
	p.resolutions.WithLabelValues(outcome).Inc()
}

// Merges counts n collapsed node pairs.
func (p *Pipeline) Merges(n int) {
	if p == nil || n == 0 {
		return
	}
	p.merges.Add(float64(n))
}

// Decision counts one reconciliation decision of the given kind.
func (p *Pipeline) Decision(kind string) {
	if p == nil {
		return
	}
	p.decisions.WithLabelValues(kind).Inc()
}

// Collected counts n garbage-collected nodes.
func (p *Pipeline) Collected(n int) {
	if p == nil || n == 0 {
		return
	}
	p.collected.Add(float64(n))
}
