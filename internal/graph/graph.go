package graph

import (
	"fmt"
	"sort"
	"sync/atomic"
)

// DependencyEdge links a parent to a child under a role label. Roles
// are unique per parent; the relation is a DAG.
type DependencyEdge struct {
	Parent NodeID
	Child  NodeID
	Role   string
}

// DataflowEdge connects a source port to a sink port. The relation is a
// general multigraph and weak: dataflow edges never keep a node alive.
type DataflowEdge struct {
	From     NodeID
	FromPort string
	To       NodeID
	ToPort   string
	Policy   Policy
}

// PrecedenceEdge orders reconfiguration: Node may only be configured
// after AfterStopOf has emitted its stop event.
type PrecedenceEdge struct {
	AfterStopOf NodeID
	Node        NodeID
}

// state is the storage shared between a live Graph and its
// transactional views. Tx operates on a deep copy.
type state struct {
	nodes   map[NodeID]*Node
	deps    map[NodeID]map[string]NodeID // parent -> role -> child
	parents map[NodeID]map[NodeID]string // child -> parent -> role
	flows   []DataflowEdge
	prec    []PrecedenceEdge
	roots   map[NodeID]bool
}

func newState() *state {
	return &state{
		nodes:   make(map[NodeID]*Node),
		deps:    make(map[NodeID]map[string]NodeID),
		parents: make(map[NodeID]map[NodeID]string),
		roots:   make(map[NodeID]bool),
	}
}

func (s *state) clone() *state {
	c := newState()
	for id, n := range s.nodes {
		c.nodes[id] = n.Clone()
	}
	for p, roles := range s.deps {
		m := make(map[string]NodeID, len(roles))
		for r, ch := range roles {
			m[r] = ch
		}
		c.deps[p] = m
	}
	for ch, ps := range s.parents {
		m := make(map[NodeID]string, len(ps))
		for p, r := range ps {
			m[p] = r
		}
		c.parents[ch] = m
	}
	c.flows = append([]DataflowEdge(nil), s.flows...)
	c.prec = append([]PrecedenceEdge(nil), s.prec...)
	for id := range s.roots {
		c.roots[id] = true
	}
	return c
}

// ChangeSet describes what a commit did to the live graph.
type ChangeSet struct {
	Added   []NodeID
	Removed []NodeID
	// Merges maps each absorbed node to its survivor. External caches
	// keyed by NodeID must remap through this table.
	Merges map[NodeID]NodeID
}

// Subscriber receives the change set of every commit.
type Subscriber func(ChangeSet)

// Graph is the live component network.
type Graph struct {
	state *state
	subs  []Subscriber
	// inTx guards against two concurrent resolutions on one graph,
	// which the transaction discipline forbids.
	inTx bool
}

// New creates an empty live graph.
func New() *Graph {
	return &Graph{state: newState()}
}

// Subscribe registers a commit observer.
func (g *Graph) Subscribe(s Subscriber) {
	g.subs = append(g.subs, s)
}

// txSeq numbers transactions process-wide so external caches can tell
// two views apart even when their mutation counters coincide.
var txSeq atomic.Uint64

// Begin opens a transactional view. Only one may be open at a time.
func (g *Graph) Begin() (*Tx, error) {
	if g.inTx {
		return nil, fmt.Errorf("a resolution transaction is already open on this graph")
	}
	g.inTx = true
	pre := make(map[NodeID]bool, len(g.state.nodes))
	for id := range g.state.nodes {
		pre[id] = true
	}
	return &Tx{
		graph:       g,
		state:       g.state.clone(),
		preexisting: pre,
		merges:      make(map[NodeID]NodeID),
		freshMarks:  make(map[NodeID]bool),
		seq:         txSeq.Add(1),
	}, nil
}

// Node returns the live node for id, or nil.
func (g *Graph) Node(id NodeID) *Node {
	return g.state.nodes[id]
}

// NodeIDs returns all live node IDs, sorted.
func (g *Graph) NodeIDs() []NodeID {
	return sortedIDs(g.state.nodes)
}

// Len returns the live node count.
func (g *Graph) Len() int { return len(g.state.nodes) }

func (g *Graph) commit(tx *Tx) ChangeSet {
	cs := ChangeSet{Merges: tx.merges}
	for id := range tx.state.nodes {
		if !tx.preexisting[id] {
			cs.Added = append(cs.Added, id)
		}
	}
	for id := range tx.preexisting {
		if _, ok := tx.state.nodes[id]; !ok {
			cs.Removed = append(cs.Removed, id)
		}
	}
	sort.Slice(cs.Added, func(i, j int) bool { return cs.Added[i] < cs.Added[j] })
	sort.Slice(cs.Removed, func(i, j int) bool { return cs.Removed[i] < cs.Removed[j] })

	g.state = tx.state
	g.inTx = false
	for _, s := range g.subs {
		s(cs)
	}
	return cs
}

func (g *Graph) discard() {
	g.inTx = false
}

func sortedIDs(m map[NodeID]*Node) []NodeID {
	ids := make([]NodeID, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
