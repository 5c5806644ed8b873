package graph

import (
	"fmt"
	"sort"
)

// Tx is a copy-on-write transactional view of a Graph.
//
// All mutation during a resolution happens here. Nothing is visible to
// the live graph or its subscribers until Commit; Discard drops the
// whole view. A Tx is single-use and not safe for concurrent access.
type Tx struct {
	graph *Graph
	state *state
	// preexisting holds the IDs that were live when the Tx began;
	// everything else was created inside this transaction.
	preexisting map[NodeID]bool
	// merges accumulates absorbed -> survivor mappings so external
	// caches can be remapped after commit.
	merges map[NodeID]NodeID
	// flowGen increments on every dataflow mutation; the policy
	// connection cache keys its validity on it.
	flowGen uint64
	// freshMarks holds the roots marked during this transaction, as
	// opposed to marks inherited from the live graph.
	freshMarks map[NodeID]bool
	// seq is the process-wide transaction number; combined with flowGen
	// it identifies one exact dataflow state, across transactions.
	seq  uint64
	done bool
}

// Commit atomically publishes the view to the live graph and returns
// the change set. The Tx is unusable afterwards.
func (tx *Tx) Commit() (ChangeSet, error) {
	if tx.done {
		return ChangeSet{}, fmt.Errorf("transaction already finished")
	}
	tx.done = true
	return tx.graph.commit(tx), nil
}

// Discard drops the view. No externally visible effect may have
// occurred. Idempotent on a finished Tx.
func (tx *Tx) Discard() {
	if tx.done {
		return
	}
	tx.done = true
	tx.graph.discard()
}

// IsLive reports whether the node existed before the Tx began.
func (tx *Tx) IsLive(id NodeID) bool { return tx.preexisting[id] }

// Merges returns the absorbed -> survivor table accumulated so far.
// Chains are collapsed: the value is always a surviving node.
func (tx *Tx) Merges() map[NodeID]NodeID { return tx.merges }

// RecordMerge notes that absorbed was absorbed into survivor,
// collapsing any existing chains onto the final survivor.
func (tx *Tx) RecordMerge(absorbed, survivor NodeID) {
	for a, s := range tx.merges {
		if s == absorbed {
			tx.merges[a] = survivor
		}
	}
	tx.merges[absorbed] = survivor
}

// FlowGeneration returns the dataflow mutation counter. It restarts at
// zero for every transaction; pair it with Sequence when comparing
// states across transactions.
func (tx *Tx) FlowGeneration() uint64 { return tx.flowGen }

// Sequence returns the process-wide transaction number. No two
// transactions share one.
func (tx *Tx) Sequence() uint64 { return tx.seq }

// --- nodes ---

// AddNode inserts a node. The ID must be unused.
func (tx *Tx) AddNode(n *Node) error {
	if n.ID == "" {
		return fmt.Errorf("node has no ID")
	}
	if _, ok := tx.state.nodes[n.ID]; ok {
		return fmt.Errorf("node %s already exists", n.ID)
	}
	tx.state.nodes[n.ID] = n
	return nil
}

// Node returns the node for id, or nil.
func (tx *Tx) Node(id NodeID) *Node { return tx.state.nodes[id] }

// NodeIDs returns all node IDs in the view, sorted.
func (tx *Tx) NodeIDs() []NodeID { return sortedIDs(tx.state.nodes) }

// Len returns the node count in the view.
func (tx *Tx) Len() int { return len(tx.state.nodes) }

// RemoveNode deletes a node and every incident dependency, dataflow
// and precedence edge, and drops its root mark.
func (tx *Tx) RemoveNode(id NodeID) {
	if _, ok := tx.state.nodes[id]; !ok {
		return
	}
	for _, child := range tx.state.deps[id] {
		delete(tx.state.parents[child], id)
	}
	delete(tx.state.deps, id)
	for parent := range tx.state.parents[id] {
		for role, ch := range tx.state.deps[parent] {
			if ch == id {
				delete(tx.state.deps[parent], role)
			}
		}
	}
	delete(tx.state.parents, id)
	tx.removeFlowsIf(func(e DataflowEdge) bool { return e.From == id || e.To == id })
	kept := tx.state.prec[:0]
	for _, e := range tx.state.prec {
		if e.AfterStopOf != id && e.Node != id {
			kept = append(kept, e)
		}
	}
	tx.state.prec = kept
	delete(tx.state.roots, id)
	delete(tx.state.nodes, id)
}

// --- roots ---

// MarkRoot pins id as a requirement root for garbage collection.
func (tx *Tx) MarkRoot(id NodeID) {
	tx.state.roots[id] = true
	tx.freshMarks[id] = true
}

// UnmarkRoot removes the root pin.
func (tx *Tx) UnmarkRoot(id NodeID) {
	delete(tx.state.roots, id)
	delete(tx.freshMarks, id)
}

// FreshlyMarked reports whether id was marked as a root during this
// transaction rather than inherited from the live graph.
func (tx *Tx) FreshlyMarked(id NodeID) bool { return tx.freshMarks[id] }

// Roots returns the root set, sorted.
func (tx *Tx) Roots() []NodeID {
	ids := make([]NodeID, 0, len(tx.state.roots))
	for id := range tx.state.roots {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// --- dependency relation ---

// AddDependency links child under parent with a role label. The role
// must be free on the parent and the edge must keep the relation
// acyclic.
func (tx *Tx) AddDependency(parent NodeID, role string, child NodeID) error {
	if tx.state.nodes[parent] == nil || tx.state.nodes[child] == nil {
		return fmt.Errorf("dependency %s --%s--> %s references a missing node", parent, role, child)
	}
	if parent == child {
		return fmt.Errorf("node %s cannot depend on itself", parent)
	}
	if existing, ok := tx.state.deps[parent][role]; ok && existing != child {
		return fmt.Errorf("role %q already bound on %s", role, parent)
	}
	if tx.IsAncestor(child, parent) {
		return fmt.Errorf("dependency %s --%s--> %s would create a cycle", parent, role, child)
	}
	if tx.state.deps[parent] == nil {
		tx.state.deps[parent] = make(map[string]NodeID)
	}
	tx.state.deps[parent][role] = child
	if tx.state.parents[child] == nil {
		tx.state.parents[child] = make(map[NodeID]string)
	}
	tx.state.parents[child][parent] = role
	return nil
}

// RemoveDependency unlinks the role on parent.
func (tx *Tx) RemoveDependency(parent NodeID, role string) {
	child, ok := tx.state.deps[parent][role]
	if !ok {
		return
	}
	delete(tx.state.deps[parent], role)
	delete(tx.state.parents[child], parent)
}

// Children returns the parent's role -> child map (sorted role order
// via ChildRoles).
func (tx *Tx) Child(parent NodeID, role string) (NodeID, bool) {
	id, ok := tx.state.deps[parent][role]
	return id, ok
}

// ChildRoles returns the parent's bound roles, sorted.
func (tx *Tx) ChildRoles(parent NodeID) []string {
	roles := make([]string, 0, len(tx.state.deps[parent]))
	for r := range tx.state.deps[parent] {
		roles = append(roles, r)
	}
	sort.Strings(roles)
	return roles
}

// Parents returns the IDs of all parents of child, sorted.
func (tx *Tx) Parents(child NodeID) []NodeID {
	ids := make([]NodeID, 0, len(tx.state.parents[child]))
	for p := range tx.state.parents[child] {
		ids = append(ids, p)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// IsAncestor reports whether a is an ancestor of b in the dependency
// DAG (a == b does not count).
func (tx *Tx) IsAncestor(a, b NodeID) bool {
	if a == b {
		return false
	}
	seen := map[NodeID]bool{}
	stack := []NodeID{a}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, child := range tx.state.deps[cur] {
			if child == b {
				return true
			}
			if !seen[child] {
				seen[child] = true
				stack = append(stack, child)
			}
		}
	}
	return false
}

// Related reports whether a and b are in an ancestor/descendant
// relationship in either direction.
func (tx *Tx) Related(a, b NodeID) bool {
	return tx.IsAncestor(a, b) || tx.IsAncestor(b, a)
}

// --- dataflow relation ---

// Connect adds a dataflow edge. Duplicate edges between the same port
// pair are collapsed (the existing policy is kept).
func (tx *Tx) Connect(e DataflowEdge) error {
	if tx.state.nodes[e.From] == nil || tx.state.nodes[e.To] == nil {
		return fmt.Errorf("dataflow %s.%s -> %s.%s references a missing node", e.From, e.FromPort, e.To, e.ToPort)
	}
	for _, have := range tx.state.flows {
		if have.From == e.From && have.FromPort == e.FromPort && have.To == e.To && have.ToPort == e.ToPort {
			return nil
		}
	}
	tx.state.flows = append(tx.state.flows, e)
	tx.flowGen++
	return nil
}

// Disconnect removes the edge between the given port pair, if present.
func (tx *Tx) Disconnect(from NodeID, fromPort string, to NodeID, toPort string) {
	tx.removeFlowsIf(func(e DataflowEdge) bool {
		return e.From == from && e.FromPort == fromPort && e.To == to && e.ToPort == toPort
	})
}

// Flows returns a copy of all dataflow edges.
func (tx *Tx) Flows() []DataflowEdge {
	return append([]DataflowEdge(nil), tx.state.flows...)
}

// Incoming returns the dataflow edges arriving at a node, optionally
// filtered to one port ("" = all ports).
func (tx *Tx) Incoming(id NodeID, port string) []DataflowEdge {
	var out []DataflowEdge
	for _, e := range tx.state.flows {
		if e.To == id && (port == "" || e.ToPort == port) {
			out = append(out, e)
		}
	}
	return out
}

// Outgoing returns the dataflow edges leaving a node, optionally
// filtered to one port ("" = all ports).
func (tx *Tx) Outgoing(id NodeID, port string) []DataflowEdge {
	var out []DataflowEdge
	for _, e := range tx.state.flows {
		if e.From == id && (port == "" || e.FromPort == port) {
			out = append(out, e)
		}
	}
	return out
}

func (tx *Tx) removeFlowsIf(match func(DataflowEdge) bool) {
	kept := tx.state.flows[:0]
	removed := false
	for _, e := range tx.state.flows {
		if match(e) {
			removed = true
			continue
		}
		kept = append(kept, e)
	}
	tx.state.flows = kept
	if removed {
		tx.flowGen++
	}
}

// --- precedence relation ---

// ConfigureAfter orders node's configuration after the stop event of
// stopped. Duplicates are collapsed.
func (tx *Tx) ConfigureAfter(node, stopped NodeID) error {
	if tx.state.nodes[node] == nil || tx.state.nodes[stopped] == nil {
		return fmt.Errorf("precedence edge references a missing node")
	}
	for _, e := range tx.state.prec {
		if e.AfterStopOf == stopped && e.Node == node {
			return nil
		}
	}
	tx.state.prec = append(tx.state.prec, PrecedenceEdge{AfterStopOf: stopped, Node: node})
	return nil
}

// Precedences returns a copy of all precedence edges.
func (tx *Tx) Precedences() []PrecedenceEdge {
	return append([]PrecedenceEdge(nil), tx.state.prec...)
}

// --- merge support ---

// RedirectEdges moves every dependency, dataflow and precedence edge
// incident on from over to to, preserving role labels and policies,
// and transfers from's root mark. Dependency roles already bound on the
// receiving side win; a conflicting role bound to a different child is
// an error.
func (tx *Tx) RedirectEdges(from, to NodeID) error {
	if tx.state.nodes[from] == nil || tx.state.nodes[to] == nil {
		return fmt.Errorf("redirect %s -> %s references a missing node", from, to)
	}
	// from as a parent: its children become to's children.
	for role, child := range tx.state.deps[from] {
		if child == to {
			continue
		}
		if existing, ok := tx.state.deps[to][role]; ok {
			if existing != child {
				return fmt.Errorf("redirect %s -> %s: role %q bound to both %s and %s", from, to, role, existing, child)
			}
			continue
		}
		if tx.state.deps[to] == nil {
			tx.state.deps[to] = make(map[string]NodeID)
		}
		tx.state.deps[to][role] = child
		if tx.state.parents[child] == nil {
			tx.state.parents[child] = make(map[NodeID]string)
		}
		tx.state.parents[child][to] = role
		delete(tx.state.parents[child], from)
	}
	delete(tx.state.deps, from)
	// from as a child: its parents now point at to.
	for parent, role := range tx.state.parents[from] {
		if parent == to {
			continue
		}
		tx.state.deps[parent][role] = to
		if tx.state.parents[to] == nil {
			tx.state.parents[to] = make(map[NodeID]string)
		}
		tx.state.parents[to][parent] = role
	}
	delete(tx.state.parents, from)
	// Dataflow endpoints, dropping self-loops created by the rewrite.
	for i := range tx.state.flows {
		if tx.state.flows[i].From == from {
			tx.state.flows[i].From = to
			tx.flowGen++
		}
		if tx.state.flows[i].To == from {
			tx.state.flows[i].To = to
			tx.flowGen++
		}
	}
	tx.removeFlowsIf(func(e DataflowEdge) bool { return e.From == to && e.To == to })
	tx.dedupFlows()
	// Precedence endpoints.
	for i := range tx.state.prec {
		if tx.state.prec[i].AfterStopOf == from {
			tx.state.prec[i].AfterStopOf = to
		}
		if tx.state.prec[i].Node == from {
			tx.state.prec[i].Node = to
		}
	}
	if tx.state.roots[from] {
		delete(tx.state.roots, from)
		tx.state.roots[to] = true
		if tx.freshMarks[from] {
			delete(tx.freshMarks, from)
			tx.freshMarks[to] = true
		}
	}
	return nil
}

// dedupFlows drops dataflow edges that became identical to an earlier
// one after an endpoint rewrite. The first occurrence keeps its policy.
func (tx *Tx) dedupFlows() {
	type key struct {
		from     NodeID
		fromPort string
		to       NodeID
		toPort   string
	}
	seen := make(map[key]bool, len(tx.state.flows))
	kept := tx.state.flows[:0]
	for _, e := range tx.state.flows {
		k := key{e.From, e.FromPort, e.To, e.ToPort}
		if seen[k] {
			tx.flowGen++
			continue
		}
		seen[k] = true
		kept = append(kept, e)
	}
	tx.state.flows = kept
}

// --- garbage collection ---

// CollectGarbage removes every node unreachable from the root set
// through dependency edges. Dataflow edges are weak and do not keep
// nodes alive; nodes whose setup state is pinned survive regardless.
// Returns the removed IDs, sorted.
func (tx *Tx) CollectGarbage() []NodeID {
	reachable := make(map[NodeID]bool)
	var mark func(NodeID)
	mark = func(id NodeID) {
		if reachable[id] {
			return
		}
		reachable[id] = true
		for _, child := range tx.state.deps[id] {
			mark(child)
		}
	}
	for id := range tx.state.roots {
		mark(id)
	}
	var removed []NodeID
	for _, id := range tx.NodeIDs() {
		if reachable[id] {
			continue
		}
		if tx.state.nodes[id].Setup.Pinned() {
			continue
		}
		removed = append(removed, id)
	}
	for _, id := range removed {
		tx.RemoveNode(id)
	}
	return removed
}
