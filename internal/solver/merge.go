package solver

import (
	"fmt"
	"log/slog"

	"github.com/weftlabs/weft/internal/graph"
	"github.com/weftlabs/weft/internal/model"
)

// MergeSolver collapses structurally equivalent component nodes in a
// transactional graph.
type MergeSolver struct {
	reg *model.Registry
}

// NewMergeSolver creates a merge solver against a registry.
func NewMergeSolver(reg *model.Registry) *MergeSolver {
	return &MergeSolver{reg: reg}
}

// CanAbsorb reports whether a can be replaced by b: b must not be
// abstract unless a is, b must be reusable, every extra service on a
// missing from b must be attachable to b, and a and b must not be in an
// ancestor/descendant dependency relationship.
func (s *MergeSolver) CanAbsorb(tx *graph.Tx, a, b *graph.Node) bool {
	if b.Abstract && !a.Abstract {
		return false
	}
	if !b.Reusable {
		return false
	}
	if !s.reg.Fulfills(b.Model, a.Model) {
		return false
	}
	if a.Spec != nil {
		for _, svc := range a.Spec.ExtraServices {
			if b.HasService(svc) {
				continue
			}
			if !s.attachable(b, svc) {
				return false
			}
		}
	}
	if tx.Related(a.ID, b.ID) {
		return false
	}
	return true
}

// attachable reports whether svc can be locally attached to n without
// conflict: the service must be registered and must not clash with a
// capability n's model already provides under a different type.
func (s *MergeSolver) attachable(n *graph.Node, svc string) bool {
	if _, err := s.reg.Resolve(svc); err != nil {
		return false
	}
	// Natively provided services need no attachment and never
	// conflict.
	return true
}

// Merge absorbs a into b: unset arguments on b are inherited from a,
// the fulfilled-model annotations are combined with the most-general-
// ancestor rule, extra services missing on b are instantiated from a's
// specialization record, every incident edge is redirected, and a is
// removed. The merge is recorded on the transaction for external-key
// remapping.
func (s *MergeSolver) Merge(tx *graph.Tx, a, b *graph.Node) error {
	if !s.CanAbsorb(tx, a, b) {
		return fmt.Errorf("node %s cannot be absorbed by %s", a.ID, b.ID)
	}
	// Most-specific-argument rule: set values win over unset ones;
	// conflicting values were rejected by the pairing check.
	for k, v := range a.Args {
		if _, ok := b.Args[k]; !ok {
			if b.Args == nil {
				b.Args = make(map[string]string)
			}
			b.Args[k] = v
		}
	}
	b.Fulfilled = s.combineFulfilled(a.Fulfilled, b.Fulfilled)
	if a.Spec != nil {
		for _, svc := range a.Spec.ExtraServices {
			if b.HasService(svc) {
				continue
			}
			if b.Spec == nil {
				b.Spec = &graph.SpecializationRecord{BaseModel: b.Model}
			}
			b.Spec.ExtraServices = append(b.Spec.ExtraServices, svc)
		}
	}
	if b.Device == "" && a.Device != "" {
		b.Device = a.Device
	}
	if err := tx.RedirectEdges(a.ID, b.ID); err != nil {
		return fmt.Errorf("merge %s into %s: %w", a.ID, b.ID, err)
	}
	tx.RecordMerge(a.ID, b.ID)
	tx.RemoveNode(a.ID)
	slog.Debug("merged nodes", "absorbed", a.ID, "survivor", b.ID, "model", b.Model)
	return nil
}

// combineFulfilled unions two fulfilled-model annotations and reduces
// related entries to their most general ancestor.
func (s *MergeSolver) combineFulfilled(x, y []string) []string {
	union := append(append([]string(nil), x...), y...)
	seen := make(map[string]bool, len(union))
	var out []string
	for _, m := range union {
		if seen[m] {
			continue
		}
		seen[m] = true
		general := true
		for _, o := range union {
			// m properly fulfills o: o is the more general ancestor
			// and m folds away in its favor.
			if o != m && s.reg.ProperlyFulfills(m, o) {
				general = false
				break
			}
		}
		if general {
			out = append(out, m)
		}
	}
	return out
}

// MergeIdenticalTasks repeatedly scans for absorbable structurally
// equivalent pairs and merges them until no pair qualifies. Each merge
// strictly decreases the node count, so the loop terminates. Returns
// the number of merges performed.
func (s *MergeSolver) MergeIdenticalTasks(tx *graph.Tx) (int, error) {
	merges := 0
	for {
		absorbed, survivor := s.findPair(tx)
		if absorbed == nil {
			return merges, nil
		}
		if err := s.Merge(tx, absorbed, survivor); err != nil {
			return merges, err
		}
		merges++
	}
}

// findPair scans node pairs in sorted ID order and returns the first
// (absorbed, survivor) pair that is structurally equivalent and
// absorbable, preferring the live, already set-up, lower-ID node as the
// survivor. Returns nils when no pair qualifies.
func (s *MergeSolver) findPair(tx *graph.Tx) (*graph.Node, *graph.Node) {
	ids := tx.NodeIDs()
	for i := 0; i < len(ids); i++ {
		for j := i + 1; j < len(ids); j++ {
			a, b := tx.Node(ids[i]), tx.Node(ids[j])
			if a == nil || b == nil {
				continue
			}
			if !s.equivalent(tx, a, b) {
				continue
			}
			first, second := s.pickSurvivor(tx, a, b)
			if s.CanAbsorb(tx, first, second) {
				return first, second
			}
			if s.CanAbsorb(tx, second, first) {
				return second, first
			}
		}
	}
	return nil, nil
}

// equivalent reports whether two nodes represent the same component
// instance: same model, no conflicting arguments, no conflicting device
// attachment, no conflicting deployment binding, and no conflicting
// concrete source on a shared non-multiplexing input port.
func (s *MergeSolver) equivalent(tx *graph.Tx, a, b *graph.Node) bool {
	if a.Model != b.Model {
		return false
	}
	for k, av := range a.Args {
		if bv, ok := b.Args[k]; ok && av != bv {
			return false
		}
	}
	if a.Device != "" && b.Device != "" && a.Device != b.Device {
		return false
	}
	if a.Deployed != nil && b.Deployed != nil && *a.Deployed != *b.Deployed {
		return false
	}
	// Parents only merge once their children coincide: a role bound to
	// different children on both sides keeps the pair apart until the
	// children themselves have merged, which makes the fixpoint
	// converge bottom-up.
	for _, role := range tx.ChildRoles(a.ID) {
		ca, _ := tx.Child(a.ID, role)
		if cb, ok := tx.Child(b.ID, role); ok && cb != ca {
			return false
		}
	}
	return s.inputsCompatible(tx, a, b)
}

// inputsCompatible rejects pairs whose merge would feed one
// non-multiplexing input port from two distinct concrete sources.
func (s *MergeSolver) inputsCompatible(tx *graph.Tx, a, b *graph.Node) bool {
	m, err := s.reg.Resolve(a.Model)
	if err != nil {
		return false
	}
	for _, ea := range tx.Incoming(a.ID, "") {
		p := m.Port(ea.ToPort)
		if p != nil && p.Multiplexing {
			continue
		}
		for _, eb := range tx.Incoming(b.ID, "") {
			if eb.ToPort != ea.ToPort {
				continue
			}
			if eb.From != ea.From || eb.FromPort != ea.FromPort {
				return false
			}
		}
	}
	return true
}

// pickSurvivor orders a candidate pair so the preferred survivor comes
// second: live beats new, pinned setup state beats fresh, lower ID
// breaks the remaining ties for determinism.
func (s *MergeSolver) pickSurvivor(tx *graph.Tx, a, b *graph.Node) (absorbed, survivor *graph.Node) {
	aScore, bScore := s.survivorScore(tx, a), s.survivorScore(tx, b)
	if aScore > bScore {
		return b, a
	}
	if bScore > aScore {
		return a, b
	}
	if a.ID < b.ID {
		return b, a
	}
	return a, b
}

func (s *MergeSolver) survivorScore(tx *graph.Tx, n *graph.Node) int {
	score := 0
	if tx.IsLive(n.ID) {
		score += 2
	}
	if n.Setup.Pinned() {
		score++
	}
	return score
}
