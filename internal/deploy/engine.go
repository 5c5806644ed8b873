// Package deploy reconciles a freshly synthesized component network
// against the live, already-running system while minimizing disruption.
package deploy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/weftlabs/weft/internal/graph"
	"github.com/weftlabs/weft/internal/metrics"
	"github.com/weftlabs/weft/internal/model"
	"github.com/weftlabs/weft/internal/netgen"
	"github.com/weftlabs/weft/internal/policy"
	"github.com/weftlabs/weft/internal/solver"
)

// CommitMode selects what happens to a failed resolution.
type CommitMode int

const (
	// ModeDiscard drops the transaction, the default.
	ModeDiscard CommitMode = iota
	// ModeForce commits the transaction anyway, for diagnosis on a
	// throwaway system.
	ModeForce
	// ModeDump writes the graph description files, then discards.
	ModeDump
)

// DecisionKind classifies one reconciliation decision.
type DecisionKind int

const (
	DecisionReuse DecisionKind = iota
	DecisionReplace
	DecisionSpawn
	DecisionKill
)

func (k DecisionKind) String() string {
	switch k {
	case DecisionReuse:
		return "reuse"
	case DecisionReplace:
		return "replace"
	case DecisionSpawn:
		return "spawn"
	case DecisionKill:
		return "kill"
	default:
		return "unknown"
	}
}

// Decision is one reconciliation outcome. Kill decisions carry either
// a node (stop one activity) or only a deployment name in the slot
// (kill the whole superseded process).
type Decision struct {
	Kind DecisionKind
	Node graph.NodeID
	Slot Slot
}

func (d Decision) String() string {
	if d.Node == "" {
		return fmt.Sprintf("%s %s", d.Kind, d.Slot.Deployment)
	}
	return fmt.Sprintf("%s %s @ %s", d.Kind, d.Node, d.Slot)
}

// DumpFunc writes the diagnostic graph descriptions for a failed
// transaction.
type DumpFunc func(tx *graph.Tx) error

// Engine owns one live graph and runs resolution cycles against it:
// generate, allocate deployments, reconcile, commit. Process spawns
// and kills happen strictly after commit, so a discarded resolution
// has no externally visible effect.
//
// The engine also owns the collaborator registries for the cycle; they
// are built on construction and there are no package-level mutable
// statics.
type Engine struct {
	reg       *model.Registry
	g         *graph.Graph
	gen       *netgen.Generator
	merger    *solver.MergeSolver
	prop      *policy.Propagator
	server    ProcessServer
	exec      Executor
	inventory []*Deployment

	mode CommitMode
	dump DumpFunc
	mets *metrics.Pipeline
	obs  []func(Decision)

	handles   map[string]ProcessHandle
	decisions []Decision
}

// Option configures an Engine.
type Option func(*Engine)

// WithCommitMode sets the failure handling mode.
func WithCommitMode(m CommitMode) Option { return func(e *Engine) { e.mode = m } }

// WithDumpFunc sets the dump writer used by ModeDump.
func WithDumpFunc(f DumpFunc) Option { return func(e *Engine) { e.dump = f } }

// WithMetrics attaches pipeline counters.
func WithMetrics(m *metrics.Pipeline) Option { return func(e *Engine) { e.mets = m } }

// WithObserver registers a callback invoked for every decision as it
// is recorded, before commit.
func WithObserver(f func(Decision)) Option { return func(e *Engine) { e.obs = append(e.obs, f) } }

// WithIDGenerator overrides the node ID source, for deterministic
// tests.
func WithIDGenerator(ids graph.IDGenerator) Option {
	return func(e *Engine) { e.gen = netgen.NewGenerator(e.reg, ids) }
}

// NewEngine creates an engine over a registry, a live graph and the
// process collaborators. inventory lists the deployments available for
// allocation.
func NewEngine(reg *model.Registry, g *graph.Graph, server ProcessServer, exec Executor, inventory []*Deployment, opts ...Option) *Engine {
	e := &Engine{
		reg:       reg,
		g:         g,
		gen:       netgen.NewGenerator(reg, graph.UUIDv7Generator{}),
		merger:    solver.NewMergeSolver(reg),
		prop:      policy.NewPropagator(reg),
		server:    server,
		exec:      exec,
		inventory: inventory,
		handles:   make(map[string]ProcessHandle),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Generator exposes the network generator for hook registration.
func (e *Engine) Generator() *netgen.Generator { return e.gen }

// Propagator exposes the policy propagator; its connection cache is
// remapped through the merge groups on every commit.
func (e *Engine) Propagator() *policy.Propagator { return e.prop }

// Resolve runs one full resolution cycle for the complete requirement
// set and commits it. On failure the commit mode decides whether the
// transaction is discarded, forced, or dumped; the original error is
// returned either way.
func (e *Engine) Resolve(ctx context.Context, reqs []netgen.Requirement) ([]Decision, error) {
	tx, err := e.g.Begin()
	if err != nil {
		return nil, err
	}
	roots, err := e.gen.Generate(tx, reqs)
	if err != nil {
		return nil, e.fail(tx, err)
	}
	if err := e.ComputeDeployedNetwork(tx); err != nil {
		return nil, e.fail(tx, err)
	}
	if err := e.Reconcile(tx, roots); err != nil {
		return nil, e.fail(tx, err)
	}
	return e.Commit(ctx, tx)
}

// ComputeDeployedNetwork binds every concrete, unbound leaf node to a
// (deployment, activity) slot and runs rate propagation. Slot choice
// prefers the slot of a live node the desired node can be merged into,
// then the slot of any live node with a matching activity, then a free
// slot; deployment hints narrow the deployments considered. A tie
// within the preferred tier is ambiguous and never auto-picked.
func (e *Engine) ComputeDeployedNetwork(tx *graph.Tx) error {
	liveBySlot := make(map[Slot]graph.NodeID)
	claimed := make(map[Slot]bool)
	finishing := finishingNodes(tx)
	for _, id := range tx.NodeIDs() {
		n := tx.Node(id)
		if n.Deployed == nil || finishing[id] {
			continue
		}
		s := Slot{n.Deployed.Deployment, n.Deployed.Activity}
		if tx.IsLive(id) {
			liveBySlot[s] = id
		} else {
			claimed[s] = true
		}
	}

	var unallocated []string
	var errs []error
	for _, id := range tx.NodeIDs() {
		n := tx.Node(id)
		if n.Abstract || n.Deployed != nil {
			continue
		}
		m, err := e.reg.Resolve(n.Model)
		if err != nil {
			return fmt.Errorf("allocate %s: %w", id, err)
		}
		if m.Kind != model.KindLeaf {
			continue
		}
		cands := e.candidateSlots(n, claimed)
		switch {
		case len(cands) == 0:
			unallocated = append(unallocated, fmt.Sprintf("%s (%s)", id, n.Model))
		default:
			best := e.preferredSlots(tx, n, cands, liveBySlot)
			if len(best) > 1 {
				names := make([]string, len(best))
				for i, s := range best {
					names[i] = s.String()
				}
				errs = append(errs, &AmbiguousDeploymentError{Node: string(id), Model: n.Model, Candidates: names})
				continue
			}
			s := best[0]
			n.Deployed = &graph.DeployedOn{Deployment: s.Deployment, Activity: s.Activity}
			claimed[s] = true
			slog.Debug("allocated deployment slot", "node", id, "slot", s)
		}
	}
	if len(unallocated) > 0 {
		errs = append(errs, &AllocationFailedError{Nodes: unallocated})
	}
	if err := errors.Join(errs...); err != nil {
		return err
	}
	if _, err := e.prop.Propagate(tx); err != nil {
		return fmt.Errorf("policy propagation: %w", err)
	}
	return nil
}

// candidateSlots lists the unclaimed slots whose activity model the
// node fulfills, in inventory order, narrowed to hinted deployments
// when the node carries hints that match anything.
func (e *Engine) candidateSlots(n *graph.Node, claimed map[Slot]bool) []Slot {
	deployments := e.inventory
	if len(n.DeploymentHints) > 0 {
		var hinted []*Deployment
		for _, d := range deployments {
			for _, h := range n.DeploymentHints {
				if d.MatchesHint(h) {
					hinted = append(hinted, d)
					break
				}
			}
		}
		if len(hinted) > 0 {
			deployments = hinted
		}
	}
	var out []Slot
	for _, d := range deployments {
		for _, act := range d.ActivityNames() {
			s := Slot{Deployment: d.Name, Activity: act}
			if claimed[s] {
				continue
			}
			am := d.Activities[act]
			if am == n.Model || e.reg.Fulfills(n.Model, am) {
				out = append(out, s)
			}
		}
	}
	return out
}

// preferredSlots keeps the top non-empty preference tier: slots whose
// live occupant can absorb the node, then occupied slots, then free
// ones.
func (e *Engine) preferredSlots(tx *graph.Tx, n *graph.Node, cands []Slot, liveBySlot map[Slot]graph.NodeID) []Slot {
	var absorbing, occupied, free []Slot
	for _, s := range cands {
		live, ok := liveBySlot[s]
		if !ok {
			free = append(free, s)
			continue
		}
		if ln := tx.Node(live); ln != nil && e.merger.CanAbsorb(tx, n, ln) {
			absorbing = append(absorbing, s)
		} else {
			occupied = append(occupied, s)
		}
	}
	if len(absorbing) > 0 {
		return absorbing
	}
	if len(occupied) > 0 {
		return occupied
	}
	return free
}

// Reconcile adapts the live system to the desired network on the
// transaction. Per deployed activity: reuse the live node in place
// when it can absorb the desired one without touching a static input
// port; otherwise keep the desired node as a sequenced replacement
// ordered after the live node's stop event; spawn fresh when no live
// node holds the slot. desiredRoots are the requirement roots of this
// cycle; live roots of dropped requirements are released.
func (e *Engine) Reconcile(tx *graph.Tx, desiredRoots []graph.NodeID) error {
	e.decisions = nil

	liveBySlot := make(map[Slot]graph.NodeID)
	liveDeployments := make(map[string]bool)
	finishing := finishingNodes(tx)
	for _, id := range tx.NodeIDs() {
		n := tx.Node(id)
		if !tx.IsLive(id) || n.Deployed == nil || finishing[id] {
			continue
		}
		s := Slot{n.Deployed.Deployment, n.Deployed.Activity}
		if prev, ok := liveBySlot[s]; ok {
			return &InternalError{Reason: fmt.Sprintf("nodes %s and %s both claim process identity %s", prev, id, s)}
		}
		liveBySlot[s] = id
		liveDeployments[s.Deployment] = true
	}

	for _, id := range e.desiredInFlowOrder(tx) {
		n := tx.Node(id)
		if n == nil {
			continue
		}
		s := Slot{n.Deployed.Deployment, n.Deployed.Activity}
		live, ok := liveBySlot[s]
		if !ok {
			e.record(Decision{Kind: DecisionSpawn, Node: id, Slot: s})
			continue
		}
		ln := tx.Node(live)
		if e.merger.CanAbsorb(tx, n, ln) && !e.staticInputsChange(tx, id, live) {
			// Zero disruption: the live node stays, stale non-static
			// inputs are rewired, the desired node folds into it.
			e.retargetInputs(tx, id, live)
			if err := e.merger.Merge(tx, n, ln); err != nil {
				return fmt.Errorf("reuse %s for %s: %w", live, id, err)
			}
			continue
		}
		// Sequenced replacement: the new node configures only after the
		// live one has stopped; dependents leave the dying node, which
		// lingers as finishing while its setup state pins it.
		if err := tx.ConfigureAfter(id, live); err != nil {
			return err
		}
		e.detachDependents(tx, live)
		tx.UnmarkRoot(live)
		e.record(Decision{Kind: DecisionReplace, Node: id, Slot: s})
		e.record(Decision{Kind: DecisionKill, Node: live, Slot: s})
	}

	// Unchanged desired structure above the leaves now coincides with
	// its live counterpart and folds into it.
	merges, err := e.merger.MergeIdenticalTasks(tx)
	if err != nil {
		return fmt.Errorf("reconcile merge pass: %w", err)
	}
	e.mets.Merges(merges)

	// Every live node that absorbed a desired one was reused.
	var reusedIDs []graph.NodeID
	seen := make(map[graph.NodeID]bool)
	for absorbed, survivor := range tx.Merges() {
		if tx.IsLive(absorbed) || !tx.IsLive(survivor) || seen[survivor] {
			continue
		}
		if sn := tx.Node(survivor); sn != nil && sn.Deployed != nil {
			seen[survivor] = true
			reusedIDs = append(reusedIDs, survivor)
		}
	}
	sort.Slice(reusedIDs, func(i, j int) bool { return reusedIDs[i] < reusedIDs[j] })
	for _, id := range reusedIDs {
		n := tx.Node(id)
		e.record(Decision{Kind: DecisionReuse, Node: id, Slot: Slot{n.Deployed.Deployment, n.Deployed.Activity}})
	}

	// Roots of dropped requirements no longer hold their subgraphs.
	// Marks made during this transaction (desired roots, hook-pinned
	// nodes like shared buses) stay.
	wanted := make(map[graph.NodeID]bool, len(desiredRoots))
	for _, r := range desiredRoots {
		if s, ok := tx.Merges()[r]; ok {
			r = s
		}
		wanted[r] = true
	}
	for _, r := range tx.Roots() {
		if tx.IsLive(r) && !wanted[r] && !tx.FreshlyMarked(r) {
			tx.UnmarkRoot(r)
		}
	}
	collected := tx.CollectGarbage()
	e.mets.Collected(len(collected))
	if len(collected) > 0 {
		slog.Debug("reconciliation collected nodes", "count", len(collected))
	}

	// Live deployments whose slots host nothing anymore get killed
	// outright after commit.
	needed := make(map[string]bool)
	for _, id := range tx.NodeIDs() {
		if n := tx.Node(id); n.Deployed != nil {
			needed[n.Deployed.Deployment] = true
		}
	}
	var superseded []string
	for dep := range liveDeployments {
		if !needed[dep] {
			superseded = append(superseded, dep)
		}
	}
	sort.Strings(superseded)
	for _, dep := range superseded {
		e.record(Decision{Kind: DecisionKill, Slot: Slot{Deployment: dep}})
	}
	return nil
}

// desiredInFlowOrder returns the deployed nodes created in this
// transaction, ordered so dataflow sources come before their
// consumers; ties and cycles fall back to ID order. Static input
// comparison relies on a node's sources having been matched against
// the live graph first.
func (e *Engine) desiredInFlowOrder(tx *graph.Tx) []graph.NodeID {
	desired := make(map[graph.NodeID]bool)
	for _, id := range tx.NodeIDs() {
		n := tx.Node(id)
		if !tx.IsLive(id) && n.Deployed != nil {
			desired[id] = true
		}
	}
	indeg := make(map[graph.NodeID]int, len(desired))
	for id := range desired {
		indeg[id] = 0
	}
	for _, f := range tx.Flows() {
		if desired[f.From] && desired[f.To] && f.From != f.To {
			indeg[f.To]++
		}
	}
	var out []graph.NodeID
	for len(indeg) > 0 {
		var ready []graph.NodeID
		for id, d := range indeg {
			if d == 0 {
				ready = append(ready, id)
			}
		}
		if len(ready) == 0 { // cycle: drain the rest in ID order
			for id := range indeg {
				ready = append(ready, id)
			}
			sort.Slice(ready, func(i, j int) bool { return ready[i] < ready[j] })
			return append(out, ready...)
		}
		sort.Slice(ready, func(i, j int) bool { return ready[i] < ready[j] })
		for _, id := range ready {
			out = append(out, id)
			delete(indeg, id)
			for _, f := range tx.Flows() {
				if f.From == id {
					if _, ok := indeg[f.To]; ok {
						indeg[f.To]--
					}
				}
			}
		}
	}
	return out
}

// staticInputsChange reports whether reusing live for desired would
// require rewiring a static input port of the running node.
func (e *Engine) staticInputsChange(tx *graph.Tx, desired, live graph.NodeID) bool {
	m, err := e.reg.Resolve(tx.Node(desired).Model)
	if err != nil {
		return true
	}
	for _, p := range m.Ports {
		if p.Direction != model.Input || !p.Static {
			continue
		}
		want := e.sourceSet(tx, desired, p.Name)
		if len(want) == 0 {
			continue // the desired network leaves the port alone
		}
		have := e.sourceSet(tx, live, p.Name)
		if len(want) != len(have) {
			return true
		}
		for k := range want {
			if !have[k] {
				return true
			}
		}
	}
	return false
}

// retargetInputs disconnects the live node's stale non-static input
// edges that the desired wiring no longer wants; the desired edges
// themselves arrive through the merge redirect.
func (e *Engine) retargetInputs(tx *graph.Tx, desired, live graph.NodeID) {
	m, err := e.reg.Resolve(tx.Node(desired).Model)
	if err != nil {
		return
	}
	for _, p := range m.Ports {
		if p.Direction != model.Input || p.Static {
			continue
		}
		want := e.sourceSet(tx, desired, p.Name)
		if len(want) == 0 {
			continue
		}
		for _, le := range tx.Incoming(live, p.Name) {
			if !want[e.sourceKey(tx, le.From, le.FromPort)] {
				tx.Disconnect(le.From, le.FromPort, live, p.Name)
			}
		}
	}
}

// sourceSet keys the sources feeding one input port, remapped through
// the merge table so a desired twin of an already-reused source counts
// as the live source.
func (e *Engine) sourceSet(tx *graph.Tx, id graph.NodeID, port string) map[string]bool {
	out := make(map[string]bool)
	for _, f := range tx.Incoming(id, port) {
		out[e.sourceKey(tx, f.From, f.FromPort)] = true
	}
	return out
}

func (e *Engine) sourceKey(tx *graph.Tx, from graph.NodeID, port string) string {
	if s, ok := tx.Merges()[from]; ok {
		from = s
	}
	return string(from) + "." + port
}

// detachDependents removes every dependency edge pointing at the dying
// node; its replacement arrives with its own parents from the desired
// network.
func (e *Engine) detachDependents(tx *graph.Tx, id graph.NodeID) {
	for _, parent := range tx.Parents(id) {
		for _, role := range tx.ChildRoles(parent) {
			if c, ok := tx.Child(parent, role); ok && c == id {
				tx.RemoveDependency(parent, role)
			}
		}
	}
}

func (e *Engine) record(d Decision) {
	e.decisions = append(e.decisions, d)
	e.mets.Decision(d.Kind.String())
	for _, f := range e.obs {
		f(d)
	}
}

// Commit publishes the transaction to the live graph, remaps the
// policy connection cache through the merge groups, and only then
// performs the process-level effects: spawns, activity stops and
// process kills.
func (e *Engine) Commit(ctx context.Context, tx *graph.Tx) ([]Decision, error) {
	merges := make(map[graph.NodeID]graph.NodeID, len(tx.Merges()))
	for a, s := range tx.Merges() {
		merges[a] = s
	}
	e.prop.Seal(tx)
	cs, err := tx.Commit()
	if err != nil {
		e.mets.Resolution("discarded")
		return nil, err
	}
	e.prop.Remap(merges)
	if err := e.applyDecisions(ctx); err != nil {
		return e.decisions, err
	}
	e.mets.Resolution("committed")
	slog.Info("resolution committed",
		"added", len(cs.Added), "removed", len(cs.Removed),
		"merged", len(cs.Merges), "decisions", len(e.decisions))
	return e.decisions, nil
}

// applyDecisions performs the post-commit process effects in decision
// order.
func (e *Engine) applyDecisions(ctx context.Context) error {
	for _, d := range e.decisions {
		switch d.Kind {
		case DecisionSpawn:
			if _, ok := e.handles[d.Slot.Deployment]; !ok {
				dep := e.deployment(d.Slot.Deployment)
				if dep == nil {
					return &InternalError{Reason: fmt.Sprintf("decision references unknown deployment %q", d.Slot.Deployment)}
				}
				h, err := e.server.Start(ctx, dep)
				if err != nil {
					return fmt.Errorf("start deployment %s: %w", dep.Name, err)
				}
				e.handles[dep.Name] = h
				slog.Info("started deployment", "deployment", dep.Name, "host", dep.Host, "handle", h)
			}
			if err := e.exec.ScheduleSetup(ctx, d.Node); err != nil {
				return fmt.Errorf("schedule setup of %s: %w", d.Node, err)
			}
		case DecisionReplace:
			// The precedence edge defers actual configuration until the
			// replaced node has stopped.
			if err := e.exec.ScheduleSetup(ctx, d.Node); err != nil {
				return fmt.Errorf("schedule setup of %s: %w", d.Node, err)
			}
		case DecisionKill:
			if d.Node != "" {
				if err := e.exec.ScheduleStop(ctx, d.Node); err != nil {
					return fmt.Errorf("schedule stop of %s: %w", d.Node, err)
				}
				continue
			}
			h, ok := e.handles[d.Slot.Deployment]
			if !ok {
				slog.Warn("no handle for superseded deployment", "deployment", d.Slot.Deployment)
				continue
			}
			if err := e.server.Kill(ctx, h); err != nil {
				return fmt.Errorf("kill deployment %s: %w", d.Slot.Deployment, err)
			}
			delete(e.handles, d.Slot.Deployment)
			slog.Info("killed deployment", "deployment", d.Slot.Deployment)
		}
	}
	return nil
}

// fail applies the commit mode to a failed resolution and returns the
// original error.
func (e *Engine) fail(tx *graph.Tx, err error) error {
	switch e.mode {
	case ModeForce:
		slog.Warn("committing failed resolution", "error", err)
		if _, cerr := tx.Commit(); cerr != nil {
			slog.Error("forced commit failed", "error", cerr)
		}
		e.mets.Resolution("forced")
	case ModeDump:
		if e.dump != nil {
			if derr := e.dump(tx); derr != nil {
				slog.Error("dump failed", "error", derr)
			}
		}
		tx.Discard()
		e.mets.Resolution("dumped")
	default:
		tx.Discard()
		e.mets.Resolution("discarded")
	}
	return err
}

// finishingNodes returns the nodes some replacement is waiting on.
// They are still running but no longer claim their process identity.
func finishingNodes(tx *graph.Tx) map[graph.NodeID]bool {
	out := make(map[graph.NodeID]bool)
	for _, p := range tx.Precedences() {
		out[p.AfterStopOf] = true
	}
	return out
}

func (e *Engine) deployment(name string) *Deployment {
	for _, d := range e.inventory {
		if d.Name == name {
			return d
		}
	}
	return nil
}
