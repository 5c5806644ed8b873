package policy

import (
	"fmt"
	"sort"
	"time"

	"github.com/weftlabs/weft/internal/graph"
	"github.com/weftlabs/weft/internal/model"
)

// PortKey addresses one port of one node.
type PortKey struct {
	Node graph.NodeID
	Port string
}

// String renders the key as node.port for links and errors.
func (k PortKey) String() string { return string(k.Node) + "." + k.Port }

// Rate is the computed output characteristic of a port: the minimal
// period between bursts and the expected burst size in samples.
type Rate struct {
	Period time.Duration
	Burst  int
}

// Propagator computes per-port rates and effective connection policies.
// Effective policies are cached per (source, sink) pair. The cache is
// valid for exactly one dataflow state, identified by the transaction's
// (sequence, generation) pair: an edge change flushes it, and so does a
// new transaction, so nothing computed in a discarded transaction can
// leak into a later one. Seal and Remap carry the cache across a
// commit.
type Propagator struct {
	reg *model.Registry

	cacheSeq uint64
	cacheGen uint64
	// carried marks a cache sealed at commit time; a fresh, unmutated
	// transaction may adopt it since it views the same committed state.
	carried bool
	cache   map[[2]PortKey]graph.Policy
}

// NewPropagator creates a propagator against a registry.
func NewPropagator(reg *model.Registry) *Propagator {
	return &Propagator{reg: reg, cache: make(map[[2]PortKey]graph.Policy)}
}

// Propagate computes the rate of every triggered leaf port in the
// view. Periodic triggers take the component's activity period;
// data-driven triggers fold their source contributions additively:
// bursts sum, the period is the minimum over contributing periods.
func (p *Propagator) Propagate(tx *graph.Tx) (map[PortKey]Rate, error) {
	rates := make(map[PortKey]Rate)
	for _, id := range tx.NodeIDs() {
		n := tx.Node(id)
		m, err := p.reg.Resolve(n.Model)
		if err != nil {
			return nil, fmt.Errorf("propagate rates for %s: %w", id, err)
		}
		if m.Kind != model.KindLeaf {
			continue
		}
		for _, trig := range m.Triggers {
			key := PortKey{Node: id, Port: trig.Port}
			switch trig.Kind {
			case model.TriggerPeriodic:
				period := trig.Period
				if period == 0 {
					period = m.Period
				}
				if period == 0 {
					return nil, fmt.Errorf("node %s port %s: periodic trigger without a period", id, trig.Port)
				}
				rates[key] = Rate{Period: period, Burst: 1}
			case model.TriggerDataDriven:
				var r Rate
				for _, src := range trig.Sources {
					r.Burst += src.Samples
					if src.Period > 0 && (r.Period == 0 || src.Period < r.Period) {
						r.Period = src.Period
					}
				}
				rates[key] = r
			default:
				return nil, fmt.Errorf("node %s port %s: unknown trigger kind", id, trig.Port)
			}
		}
	}
	return rates, nil
}

// EffectivePolicy folds the policy chain between two leaf ports across
// the nested composition export links, left to right in walk order.
// The result is cached until the underlying dataflow edges change.
func (p *Propagator) EffectivePolicy(tx *graph.Tx, src, dst PortKey) (graph.Policy, error) {
	p.syncCache(tx)
	if pol, ok := p.cache[[2]PortKey{src, dst}]; ok {
		return pol, nil
	}
	chain, err := p.chain(tx, src, dst)
	if err != nil {
		return graph.Policy{}, err
	}
	folded := graph.Policy{}
	for _, link := range chain {
		folded, err = FoldPolicy(folded, link.policy, link.name)
		if err != nil {
			return graph.Policy{}, err
		}
	}
	p.cache[[2]PortKey{src, dst}] = folded
	return folded, nil
}

// syncCache flushes the cache unless it describes the transaction's
// exact dataflow state. A cache sealed at the previous commit survives
// into a fresh transaction that has not mutated any edge; anything
// else, including state left over from a discarded transaction, is
// dropped.
func (p *Propagator) syncCache(tx *graph.Tx) {
	seq, gen := tx.Sequence(), tx.FlowGeneration()
	switch {
	case seq == p.cacheSeq && gen == p.cacheGen:
	case p.carried && gen == 0:
		p.cacheSeq, p.cacheGen = seq, gen
	default:
		p.cache = make(map[[2]PortKey]graph.Policy)
		p.cacheSeq, p.cacheGen = seq, gen
		p.carried = false
	}
}

// Seal prepares the cache to outlive tx's commit. A cache that lags the
// transaction's final dataflow state is flushed; an up-to-date one is
// marked as carried. Call immediately before Tx.Commit, then Remap with
// the commit's merge table.
func (p *Propagator) Seal(tx *graph.Tx) {
	if tx.Sequence() != p.cacheSeq || tx.FlowGeneration() != p.cacheGen {
		p.cache = make(map[[2]PortKey]graph.Policy)
		p.cacheSeq, p.cacheGen = tx.Sequence(), tx.FlowGeneration()
	}
	p.carried = true
}

// Remap rewrites cached connection keys through an absorbed -> survivor
// merge table so the cache stays valid across a commit that collapsed
// nodes.
func (p *Propagator) Remap(merges map[graph.NodeID]graph.NodeID) {
	if len(merges) == 0 || len(p.cache) == 0 {
		return
	}
	next := make(map[[2]PortKey]graph.Policy, len(p.cache))
	for k, v := range p.cache {
		for i := range k {
			if s, ok := merges[k[i].Node]; ok {
				k[i].Node = s
			}
		}
		next[k] = v
	}
	p.cache = next
}

type chainLink struct {
	to     PortKey
	policy graph.Policy
	name   string
}

// chain finds the connection path from src to dst through dataflow
// edges and composition export links, breadth first for the shortest
// chain, with deterministic expansion order.
func (p *Propagator) chain(tx *graph.Tx, src, dst PortKey) ([]chainLink, error) {
	type queued struct {
		at   PortKey
		path []chainLink
	}
	visited := map[PortKey]bool{src: true}
	queue := []queued{{at: src}}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if cur.at == dst {
			return cur.path, nil
		}
		for _, link := range p.linksFrom(tx, cur.at) {
			if visited[link.to] {
				continue
			}
			visited[link.to] = true
			path := append(append([]chainLink(nil), cur.path...), link)
			queue = append(queue, queued{at: link.to, path: path})
		}
	}
	return nil, fmt.Errorf("no connection chain from %s to %s", src, dst)
}

// linksFrom enumerates the outgoing links of a port: dataflow edges
// leaving it, and export links up to the node's parents or down to the
// exporting child when the port lives on a composition boundary.
func (p *Propagator) linksFrom(tx *graph.Tx, at PortKey) []chainLink {
	var links []chainLink
	for _, e := range tx.Outgoing(at.Node, at.Port) {
		to := PortKey{Node: e.To, Port: e.ToPort}
		links = append(links, chainLink{to: to, policy: e.Policy, name: at.String() + " -> " + to.String()})
	}
	// Export up: this port is exported by a parent composition.
	for _, parent := range tx.Parents(at.Node) {
		pn := tx.Node(parent)
		comp, err := p.reg.Composition(pn.Model)
		if err != nil {
			continue
		}
		role := roleOf(tx, parent, at.Node)
		for _, ex := range comp.Exports {
			if ex.Role == role && ex.Port == at.Port {
				to := PortKey{Node: parent, Port: ex.As}
				links = append(links, chainLink{to: to, policy: HintPolicy(ex.Policy), name: at.String() + " => " + to.String()})
			}
		}
	}
	// Export down: this is a composition port forwarding to a child.
	if n := tx.Node(at.Node); n != nil {
		if comp, err := p.reg.Composition(n.Model); err == nil {
			if ex := comp.ExportFor(at.Port); ex != nil {
				if child, ok := tx.Child(at.Node, ex.Role); ok {
					to := PortKey{Node: child, Port: ex.Port}
					links = append(links, chainLink{to: to, policy: HintPolicy(ex.Policy), name: at.String() + " => " + to.String()})
				}
			}
		}
	}
	sort.Slice(links, func(i, j int) bool {
		if links[i].to.Node != links[j].to.Node {
			return links[i].to.Node < links[j].to.Node
		}
		return links[i].to.Port < links[j].to.Port
	})
	return links
}

func roleOf(tx *graph.Tx, parent, child graph.NodeID) string {
	for _, role := range tx.ChildRoles(parent) {
		if c, ok := tx.Child(parent, role); ok && c == child {
			return role
		}
	}
	return ""
}
