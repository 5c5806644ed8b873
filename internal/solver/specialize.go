package solver

import (
	"fmt"
	"log/slog"
	"sort"

	"github.com/weftlabs/weft/internal/model"
)

// Resolver selects composition specialization variants. It owns no
// state beyond the registry: the variant trees live on the composition
// descriptors.
type Resolver struct {
	reg *model.Registry
}

// NewResolver creates a resolver against a registry.
func NewResolver(reg *model.Registry) *Resolver {
	return &Resolver{reg: reg}
}

// SpecializeOption configures a variant declaration.
type SpecializeOption func(*model.Variant)

// WithExclusions declares variants this one must never be combined
// with.
func WithExclusions(names ...string) SpecializeOption {
	return func(v *model.Variant) {
		v.Exclusions = append(v.Exclusions, names...)
	}
}

// WithDefault marks the variant as the declared tie-break preference.
func WithDefault() SpecializeOption {
	return func(v *model.Variant) { v.Default = true }
}

// WithServices attaches extra local services to instances of the
// variant, recorded on nodes as a specialization record.
func WithServices(names ...string) SpecializeOption {
	return func(v *model.Variant) {
		v.AddedServices = append(v.AddedServices, names...)
	}
}

// Specialize declares a variant of comp refining role to modelName
// beneath the tree root. The refining model must be registered and must
// fulfill at least one allowed model of the role.
func (r *Resolver) Specialize(comp *model.Composition, role, modelName string, opts ...SpecializeOption) (*model.Variant, error) {
	return r.SpecializeUnder(comp.SpecializationRoot(), role, modelName, opts...)
}

// SpecializeUnder declares a nested variant beneath parent.
func (r *Resolver) SpecializeUnder(parent *model.Variant, role, modelName string, opts ...SpecializeOption) (*model.Variant, error) {
	comp := parent.Composition
	cc, err := comp.Child(role)
	if err != nil {
		return nil, err
	}
	if _, err := r.reg.Resolve(modelName); err != nil {
		return nil, fmt.Errorf("specialize %s on %q: %w", comp.Model.Name, role, err)
	}
	allowed := len(cc.Allowed) == 0
	for _, a := range cc.Allowed {
		if r.reg.Fulfills(modelName, a) {
			allowed = true
			break
		}
	}
	if !allowed {
		return nil, fmt.Errorf("specialize %s on %q: %s fulfills none of the allowed models %v",
			comp.Model.Name, role, modelName, cc.Allowed)
	}
	v, err := parent.NewVariant(role, modelName)
	if err != nil {
		return nil, err
	}
	for _, opt := range opts {
		opt(v)
	}
	return v, nil
}

// FindSpecializations returns the most specific variant of comp
// matching the explicit child selections, or the tree root when no
// variant applies.
//
// A declared variant is a candidate when, for every role it constrains
// that has an explicit selection, the selection is an equal-or-subtype
// refinement of the variant's role model. Candidates are reduced to the
// maximal set by pairwise comparison; remaining per-role ties are
// broken by facet hints first, then by declared defaults, each role
// filtered independently per the documented tie-break order. A role
// still tied after both passes fails with
// AmbiguousSpecializationError naming every tied variant.
//
// Candidates surviving on distinct roles are combined into a single
// synthesized variant whose constraints are the union, unless a
// declared exclusion forbids the combination.
func (r *Resolver) FindSpecializations(comp *model.Composition, selections map[string]string, facets []string) (*model.Variant, error) {
	root := comp.SpecializationRoot()
	candidates := r.matchingVariants(root, selections)
	if len(candidates) == 0 {
		return root, nil
	}
	maximal := r.filterMaximal(candidates)

	// Per-role tie-break: facet hints, then declared defaults, each as
	// an independent pass; the final choice is the union across roles.
	byRole := make(map[string][]*model.Variant)
	for _, v := range maximal {
		for role := range v.Constraints {
			byRole[role] = append(byRole[role], v)
		}
	}

	chosenSet := make(map[string]*model.Variant)
	roles := make([]string, 0, len(byRole))
	for role := range byRole {
		roles = append(roles, role)
	}
	sort.Strings(roles)
	for _, role := range roles {
		cands := dedupVariants(byRole[role])
		if len(cands) > 1 {
			filtered := filterByFacets(cands, facets)
			if len(filtered) > 1 {
				filtered = filterByDefault(filtered)
			}
			if len(filtered) != 1 {
				tied := filtered
				if len(tied) == 0 {
					tied = cands
				}
				return nil, &AmbiguousSpecializationError{
					Composition: comp.Model.Name,
					Role:        role,
					Variants:    variantNames(tied),
				}
			}
			cands = filtered
		}
		chosenSet[cands[0].Name] = cands[0]
	}

	chosen := make([]*model.Variant, 0, len(chosenSet))
	for _, v := range chosenSet {
		chosen = append(chosen, v)
	}
	sort.Slice(chosen, func(i, j int) bool { return chosen[i].Name < chosen[j].Name })

	// Declared exclusions forbid silent combination.
	for i := 0; i < len(chosen); i++ {
		for j := i + 1; j < len(chosen); j++ {
			if chosen[i].Excludes(chosen[j]) {
				return nil, &AmbiguousSpecializationError{
					Composition: comp.Model.Name,
					Variants:    []string{chosen[i].Name, chosen[j].Name},
				}
			}
		}
	}

	if len(chosen) == 1 {
		return chosen[0], nil
	}
	combined, err := combineVariants(comp, chosen)
	if err != nil {
		return nil, err
	}
	slog.Debug("combined disjoint specializations",
		"composition", comp.Model.Name,
		"variant", combined.Name,
		"from", variantNames(chosen),
	)
	return combined, nil
}

// matchingVariants walks the specialization tree collecting candidate
// variants. Roles without an explicit selection pass vacuously.
func (r *Resolver) matchingVariants(root *model.Variant, selections map[string]string) []*model.Variant {
	var out []*model.Variant
	root.Walk(func(v *model.Variant) {
		if v.IsRoot() {
			return
		}
		for role, constraint := range v.Constraints {
			sel, ok := selections[role]
			if !ok {
				continue
			}
			if CompareModelSets(r.reg, []string{constraint}, []string{sel}) == Unrelated {
				return
			}
		}
		out = append(out, v)
	})
	return out
}

// filterMaximal keeps only variants not strictly specialized by another
// candidate.
func (r *Resolver) filterMaximal(cands []*model.Variant) []*model.Variant {
	var out []*model.Variant
	for _, x := range cands {
		dominated := false
		for _, z := range cands {
			if z == x {
				continue
			}
			if compareVariants(r.reg, z, x) == StrictlySpecializes {
				dominated = true
				break
			}
		}
		if !dominated {
			out = append(out, x)
		}
	}
	return out
}

func filterByFacets(cands []*model.Variant, facets []string) []*model.Variant {
	if len(facets) == 0 {
		return cands
	}
	hinted := make(map[string]bool, len(facets))
	for _, f := range facets {
		hinted[f] = true
	}
	var out []*model.Variant
	for _, v := range cands {
		if hinted[v.Name] {
			out = append(out, v)
		}
	}
	if len(out) == 0 {
		return cands
	}
	return out
}

func filterByDefault(cands []*model.Variant) []*model.Variant {
	var out []*model.Variant
	for _, v := range cands {
		if v.Default {
			out = append(out, v)
		}
	}
	if len(out) == 0 {
		return cands
	}
	return out
}

// combineVariants synthesizes the union variant of pairwise
// role-disjoint candidates. It is a result value, not inserted into the
// declared tree.
func combineVariants(comp *model.Composition, parts []*model.Variant) (*model.Variant, error) {
	constraints := make(map[string]string)
	var services []string
	seenSvc := make(map[string]bool)
	for _, p := range parts {
		for role, m := range p.Constraints {
			if have, ok := constraints[role]; ok && have != m {
				return nil, &AmbiguousSpecializationError{
					Composition: comp.Model.Name,
					Role:        role,
					Variants:    variantNames(parts),
				}
			}
			constraints[role] = m
		}
		for _, s := range p.AddedServices {
			if !seenSvc[s] {
				seenSvc[s] = true
				services = append(services, s)
			}
		}
	}
	return &model.Variant{
		Name:          model.VariantName(comp.Model.Name, constraints),
		Composition:   comp,
		Constraints:   constraints,
		AddedServices: services,
	}, nil
}

func dedupVariants(in []*model.Variant) []*model.Variant {
	seen := make(map[string]bool, len(in))
	var out []*model.Variant
	for _, v := range in {
		if !seen[v.Name] {
			seen[v.Name] = true
			out = append(out, v)
		}
	}
	return out
}

func variantNames(in []*model.Variant) []string {
	names := make([]string, len(in))
	for i, v := range in {
		names[i] = v.Name
	}
	sort.Strings(names)
	return names
}
