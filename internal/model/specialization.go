package model

import (
	"fmt"
	"sort"
)

// Variant is one node of a composition's specialization tree.
//
// The tree replaces per-variant subclassing: each node is keyed by the
// (child role, refining model) pair it adds on top of its parent, and
// holds a parent pointer instead of inheriting. The effective
// constraints of a variant are the union of the constraints along its
// path to the root; building that union is cheap and done eagerly at
// declaration time.
type Variant struct {
	// Name identifies the variant in errors and facet hints,
	// "Comp[role:Model,...]" for declared variants, the composition
	// name for the root.
	Name        string
	Composition *Composition

	// Role and Model are the refinement this node adds. Empty on the
	// root.
	Role  string
	Model string

	// Constraints is the accumulated role→model map along the path
	// from the root, including this node's own refinement.
	Constraints map[string]string

	// AddedServices are extra services instances of this variant
	// attach locally, recorded on nodes as a specialization record.
	AddedServices []string

	// Exclusions names variants that must not be combined with this
	// one even when both match a selection.
	Exclusions []string

	// Default marks this variant as the declared preference used to
	// break ties among equally specific candidates.
	Default bool

	Parent   *Variant
	Children []*Variant
}

// NewVariant declares a specialization refining role to model beneath
// parent. Redeclaring an existing (role, model) child returns the
// existing node so nested declarations can be built up incrementally.
func (v *Variant) NewVariant(role, modelName string) (*Variant, error) {
	if _, ok := v.Composition.Children[role]; !ok {
		return nil, fmt.Errorf("composition %q has no child role %q", v.Composition.Model.Name, role)
	}
	if existing, ok := v.constraintFor(role); ok && existing != modelName {
		return nil, fmt.Errorf("variant %q already constrains role %q to %q", v.Name, role, existing)
	}
	for _, c := range v.Children {
		if c.Role == role && c.Model == modelName {
			return c, nil
		}
	}
	constraints := make(map[string]string, len(v.Constraints)+1)
	for r, m := range v.Constraints {
		constraints[r] = m
	}
	constraints[role] = modelName
	child := &Variant{
		Name:        VariantName(v.Composition.Model.Name, constraints),
		Composition: v.Composition,
		Role:        role,
		Model:       modelName,
		Constraints: constraints,
		Parent:      v,
	}
	v.Children = append(v.Children, child)
	return child, nil
}

func (v *Variant) constraintFor(role string) (string, bool) {
	m, ok := v.Constraints[role]
	return m, ok
}

// IsRoot reports whether this is the unspecialized composition.
func (v *Variant) IsRoot() bool {
	return v.Parent == nil
}

// Excludes reports whether this variant declares other as excluded, in
// either direction.
func (v *Variant) Excludes(other *Variant) bool {
	for _, name := range v.Exclusions {
		if name == other.Name {
			return true
		}
	}
	for _, name := range other.Exclusions {
		if name == v.Name {
			return true
		}
	}
	return false
}

// Walk visits the subtree rooted at v in depth-first declaration order.
func (v *Variant) Walk(fn func(*Variant)) {
	fn(v)
	for _, c := range v.Children {
		c.Walk(fn)
	}
}

// VariantName builds the canonical display name from a constraint map,
// with roles sorted for stability. Used for declared variants and for
// variants synthesized by combining disjoint-role candidates.
func VariantName(comp string, constraints map[string]string) string {
	roles := make([]string, 0, len(constraints))
	for r := range constraints {
		roles = append(roles, r)
	}
	sort.Strings(roles)
	name := comp + "["
	for i, r := range roles {
		if i > 0 {
			name += ","
		}
		name += r + ":" + constraints[r]
	}
	return name + "]"
}
