package netgen

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/weftlabs/weft/internal/graph"
	"github.com/weftlabs/weft/internal/model"
	"github.com/weftlabs/weft/internal/policy"
	"github.com/weftlabs/weft/internal/solver"
)

// Hook is a postprocessing pass injected by the caller and run between
// the merge passes, e.g. device or bus attachment.
type Hook func(tx *graph.Tx) error

// Generator instantiates requirements into an abstract network on a
// transactional graph view.
type Generator struct {
	reg      *model.Registry
	resolver *solver.Resolver
	merger   *solver.MergeSolver
	ids      graph.IDGenerator
	hooks    []Hook
}

// NewGenerator creates a generator. The resolver and merge solver are
// built against the same registry.
func NewGenerator(reg *model.Registry, ids graph.IDGenerator) *Generator {
	return &Generator{
		reg:      reg,
		resolver: solver.NewResolver(reg),
		merger:   solver.NewMergeSolver(reg),
		ids:      ids,
	}
}

// Resolver exposes the specialization resolver for variant declaration.
func (g *Generator) Resolver() *solver.Resolver { return g.resolver }

// RegisterHook appends a postprocessing hook. Hooks run in registration
// order.
func (g *Generator) RegisterHook(h Hook) { g.hooks = append(g.hooks, h) }

// Generate instantiates every requirement, deduplicates the resulting
// network, runs the postprocessing hooks, prunes unresolved optional
// children and unreachable nodes, and validates the result. On error
// the transaction content is unspecified; the caller must discard it.
// Returns the requirement root node IDs in requirement order.
func (g *Generator) Generate(tx *graph.Tx, reqs []Requirement) ([]graph.NodeID, error) {
	roots := make([]graph.NodeID, 0, len(reqs))
	for _, req := range reqs {
		if err := g.reg.CheckVersion(req.Model, req.VersionConstraint); err != nil {
			return nil, fmt.Errorf("requirement %q: %w", req.Name, err)
		}
		id, err := g.instantiate(tx, req.Model, req.Selections, req.Args, req.Facets, req.DeploymentHints)
		if err != nil {
			return nil, fmt.Errorf("requirement %q: %w", req.Name, err)
		}
		tx.MarkRoot(id)
		roots = append(roots, id)
		slog.Debug("requirement instantiated", "requirement", req.Name, "model", req.Model, "root", id)
	}

	if _, err := g.merger.MergeIdenticalTasks(tx); err != nil {
		return nil, fmt.Errorf("merge pass: %w", err)
	}
	for _, hook := range g.hooks {
		if err := hook(tx); err != nil {
			return nil, fmt.Errorf("postprocessing hook: %w", err)
		}
	}
	// Hooks can create new merge opportunities (shared buses, shared
	// device-bound drivers), so merge once more.
	if _, err := g.merger.MergeIdenticalTasks(tx); err != nil {
		return nil, fmt.Errorf("merge pass after hooks: %w", err)
	}

	if err := g.dropUnresolvedOptional(tx); err != nil {
		return nil, err
	}
	collected := tx.CollectGarbage()
	if len(collected) > 0 {
		slog.Debug("collected unreachable nodes", "count", len(collected))
	}

	// Roots may have been absorbed by merges; remap before returning.
	for i, id := range roots {
		if s, ok := tx.Merges()[id]; ok {
			roots[i] = s
		}
	}
	if err := g.Validate(tx); err != nil {
		return nil, err
	}
	return roots, nil
}

// instantiate creates the node tree for one model and returns its root.
func (g *Generator) instantiate(tx *graph.Tx, name string, selections, args map[string]string, facets, hints []string) (graph.NodeID, error) {
	m, err := g.reg.Resolve(name)
	if err != nil {
		return "", err
	}
	switch m.Kind {
	case model.KindService:
		n := &graph.Node{ID: g.ids.NewID(), Model: name, Abstract: true, Reusable: true, Args: copyArgs(args), DeploymentHints: hints}
		return n.ID, tx.AddNode(n)
	case model.KindLeaf:
		n := &graph.Node{ID: g.ids.NewID(), Model: name, Reusable: true, Args: copyArgs(args), DeploymentHints: hints}
		return n.ID, tx.AddNode(n)
	case model.KindComposition:
		return g.instantiateComposition(tx, name, selections, args, facets, hints)
	default:
		return "", fmt.Errorf("model %q has unknown kind", name)
	}
}

func (g *Generator) instantiateComposition(tx *graph.Tx, name string, selections, args map[string]string, facets, hints []string) (graph.NodeID, error) {
	comp, err := g.reg.Composition(name)
	if err != nil {
		return "", err
	}
	variant, err := g.resolver.FindSpecializations(comp, selections, facets)
	if err != nil {
		return "", err
	}
	node := &graph.Node{ID: g.ids.NewID(), Model: name, Reusable: true, Args: copyArgs(args), DeploymentHints: hints}
	if len(variant.AddedServices) > 0 {
		node.Spec = &graph.SpecializationRecord{
			BaseModel:     name,
			ExtraServices: append([]string(nil), variant.AddedServices...),
		}
	}
	if err := tx.AddNode(node); err != nil {
		return "", err
	}

	roles := make([]string, 0, len(comp.Children))
	for role := range comp.Children {
		roles = append(roles, role)
	}
	sort.Strings(roles)
	children := make(map[string]graph.NodeID, len(roles))
	for _, role := range roles {
		cc := comp.Children[role]
		sel := selections[role]
		if sel == "" {
			sel = variant.Constraints[role]
		}
		if sel == "" && len(cc.Allowed) == 1 {
			sel = cc.Allowed[0]
		}
		var child graph.NodeID
		switch {
		case sel == "" && len(cc.Allowed) == 0:
			return "", &SpecError{Problems: []string{
				fmt.Sprintf("composition %s role %q has an empty allowed-model set and no selection", name, role),
			}}
		case sel == "":
			// Unresolved role: instantiate the first allowed model
			// abstractly. Optional ones are pruned later, required
			// ones fail validation.
			n := &graph.Node{ID: g.ids.NewID(), Model: cc.Allowed[0], Abstract: true, Reusable: true, DeploymentHints: hints}
			if err := tx.AddNode(n); err != nil {
				return "", err
			}
			child = n.ID
		default:
			if err := g.checkAllowed(comp, role, sel); err != nil {
				return "", err
			}
			child, err = g.instantiate(tx, sel, selections, nil, facets, hints)
			if err != nil {
				return "", fmt.Errorf("composition %s role %q: %w", name, role, err)
			}
		}
		if err := tx.AddDependency(node.ID, role, child); err != nil {
			return "", err
		}
		children[role] = child
	}
	if err := g.connectChildren(tx, comp, children); err != nil {
		return "", err
	}
	return node.ID, nil
}

// checkAllowed verifies that the selection fulfills at least one
// allowed model of the role.
func (g *Generator) checkAllowed(comp *model.Composition, role, sel string) error {
	cc := comp.Children[role]
	if len(cc.Allowed) == 0 {
		return nil
	}
	for _, a := range cc.Allowed {
		if g.reg.Fulfills(sel, a) {
			return nil
		}
	}
	return &SpecError{Problems: []string{
		fmt.Sprintf("composition %s role %q: selection %s fulfills none of %v", comp.Model.Name, role, sel, cc.Allowed),
	}}
}

// connectChildren applies the composition's connection rules. An
// explicit rule names both ports; a rule with empty port names
// auto-connects every type-matching output/input pair between the two
// roles, skipping inputs that already have a source.
func (g *Generator) connectChildren(tx *graph.Tx, comp *model.Composition, children map[string]graph.NodeID) error {
	for _, rule := range comp.Connections {
		from, okF := children[rule.FromRole]
		to, okT := children[rule.ToRole]
		if !okF || !okT {
			continue // unresolved optional endpoint
		}
		if rule.FromPort != "" {
			err := tx.Connect(graph.DataflowEdge{
				From: from, FromPort: rule.FromPort,
				To: to, ToPort: rule.ToPort,
				Policy: policy.HintPolicy(rule.Policy),
			})
			if err != nil {
				return err
			}
			continue
		}
		if err := g.autoConnect(tx, from, to, rule.Policy); err != nil {
			return err
		}
	}
	return nil
}

func (g *Generator) autoConnect(tx *graph.Tx, from, to graph.NodeID, hint model.PolicyHint) error {
	fm, err := g.reg.Resolve(tx.Node(from).Model)
	if err != nil {
		return err
	}
	tm, err := g.reg.Resolve(tx.Node(to).Model)
	if err != nil {
		return err
	}
	for _, out := range fm.Ports {
		if out.Direction != model.Output {
			continue
		}
		for _, in := range tm.Ports {
			if in.Direction != model.Input || in.DataType != out.DataType {
				continue
			}
			if !in.Multiplexing && len(tx.Incoming(to, in.Name)) > 0 {
				continue
			}
			err := tx.Connect(graph.DataflowEdge{
				From: from, FromPort: out.Name,
				To: to, ToPort: in.Name,
				Policy: policy.HintPolicy(hint),
			})
			if err != nil {
				return err
			}
		}
	}
	return nil
}

// dropUnresolvedOptional removes abstract children bound to optional
// composition roles; the nodes themselves fall to garbage collection.
func (g *Generator) dropUnresolvedOptional(tx *graph.Tx) error {
	for _, id := range tx.NodeIDs() {
		n := tx.Node(id)
		if n == nil {
			continue
		}
		comp, err := g.reg.Composition(n.Model)
		if err != nil {
			continue
		}
		for role, cc := range comp.Children {
			if !cc.Optional {
				continue
			}
			child, ok := tx.Child(id, role)
			if !ok {
				continue
			}
			if cn := tx.Node(child); cn != nil && cn.Abstract {
				tx.RemoveDependency(id, role)
				slog.Debug("dropped unresolved optional child", "composition", id, "role", role, "child", child)
			}
		}
	}
	return nil
}

// Validate checks the generated network, collecting every offender per
// category instead of stopping at the first.
func (g *Generator) Validate(tx *graph.Tx) error {
	var abstract []string
	var deviceless []string
	var problems []string
	byDevice := make(map[string][]string)

	for _, id := range tx.NodeIDs() {
		n := tx.Node(id)
		if n.Abstract {
			abstract = append(abstract, fmt.Sprintf("%s (%s)", id, n.Model))
		}
		m, err := g.reg.Resolve(n.Model)
		if err != nil {
			problems = append(problems, fmt.Sprintf("node %s references unknown model %q", id, n.Model))
			continue
		}
		for _, p := range m.Ports {
			if p.Direction != model.Input || p.Multiplexing {
				continue
			}
			sources := make(map[string]bool)
			for _, e := range tx.Incoming(id, p.Name) {
				sources[string(e.From)+"."+e.FromPort] = true
			}
			if len(sources) > 1 {
				problems = append(problems, fmt.Sprintf("input %s.%s has %d distinct sources", id, p.Name, len(sources)))
			}
		}
		if m.Device != "" && n.Device == "" {
			deviceless = append(deviceless, fmt.Sprintf("%s (%s, wants %s)", id, n.Model, m.Device))
		}
		if n.Device != "" {
			byDevice[n.Device] = append(byDevice[n.Device], string(id))
		}
	}

	conflicts := make(map[string][]string)
	for dev, nodes := range byDevice {
		if len(nodes) > 1 {
			sort.Strings(nodes)
			conflicts[dev] = nodes
		}
	}

	var errs []error
	if len(abstract) > 0 {
		errs = append(errs, &TaskAllocationFailedError{Nodes: abstract})
	}
	if len(problems) > 0 {
		errs = append(errs, &SpecError{Problems: problems})
	}
	if len(deviceless) > 0 {
		errs = append(errs, &DeviceAllocationFailedError{Nodes: deviceless})
	}
	if len(conflicts) > 0 {
		errs = append(errs, &ConflictingDeviceAllocationError{Conflicts: conflicts})
	}
	return errors.Join(errs...)
}

func copyArgs(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
