package model

import (
	"fmt"
	"sort"

	"github.com/Masterminds/semver/v3"
)

// Registry resolves model names to immutable descriptors.
//
// Registration happens during Engine construction; Freeze() makes the
// registry immutable before the first resolution runs. Resolve on an
// unfrozen registry is allowed (tests build registries incrementally),
// but Register after Freeze is an error.
type Registry struct {
	models       map[string]*Model
	compositions map[string]*Composition
	frozen       bool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		models:       make(map[string]*Model),
		compositions: make(map[string]*Composition),
	}
}

// Register adds a model descriptor. The name must be unused and, when a
// version is set, parse as semantic version.
func (r *Registry) Register(m *Model) error {
	if r.frozen {
		return fmt.Errorf("registry is frozen, cannot register %q", m.Name)
	}
	if m.Name == "" {
		return fmt.Errorf("model name must not be empty")
	}
	if _, ok := r.models[m.Name]; ok {
		return fmt.Errorf("model %q already registered", m.Name)
	}
	if m.Version != "" {
		if _, err := semver.NewVersion(m.Version); err != nil {
			return fmt.Errorf("model %q: invalid version %q: %w", m.Name, m.Version, err)
		}
	}
	r.models[m.Name] = m
	return nil
}

// RegisterComposition adds a composition descriptor. The underlying
// Model is registered alongside it.
func (r *Registry) RegisterComposition(c *Composition) error {
	if c.Model == nil {
		return fmt.Errorf("composition has no model descriptor")
	}
	if c.Model.Kind != KindComposition {
		return fmt.Errorf("composition %q: kind is %s, want composition", c.Model.Name, c.Model.Kind)
	}
	if err := r.Register(c.Model); err != nil {
		return err
	}
	r.compositions[c.Model.Name] = c
	return nil
}

// Freeze makes the registry immutable. Idempotent.
func (r *Registry) Freeze() {
	r.frozen = true
}

// Resolve returns the descriptor for name.
func (r *Registry) Resolve(name string) (*Model, error) {
	m, ok := r.models[name]
	if !ok {
		return nil, fmt.Errorf("unknown model %q", name)
	}
	return m, nil
}

// Composition returns the composition descriptor for name.
func (r *Registry) Composition(name string) (*Composition, error) {
	c, ok := r.compositions[name]
	if !ok {
		return nil, fmt.Errorf("model %q is not a registered composition", name)
	}
	return c, nil
}

// Names returns all registered model names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.models))
	for n := range r.models {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Fulfills reports whether model a provides model b, reflexively and
// transitively through the Provides lattice. Unknown names never fulfill
// anything but themselves.
func (r *Registry) Fulfills(a, b string) bool {
	if a == b {
		return true
	}
	seen := map[string]bool{a: true}
	queue := []string{a}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		m, ok := r.models[cur]
		if !ok {
			continue
		}
		for _, p := range m.Provides {
			if p == b {
				return true
			}
			if !seen[p] {
				seen[p] = true
				queue = append(queue, p)
			}
		}
	}
	return false
}

// ProperlyFulfills reports whether a fulfills b and a != b.
func (r *Registry) ProperlyFulfills(a, b string) bool {
	return a != b && r.Fulfills(a, b)
}

// CheckVersion verifies that the named model's version satisfies the
// semver constraint. An empty constraint always passes; a constraint
// against an unversioned model fails.
func (r *Registry) CheckVersion(name, constraint string) error {
	if constraint == "" {
		return nil
	}
	m, err := r.Resolve(name)
	if err != nil {
		return err
	}
	if m.Version == "" {
		return fmt.Errorf("model %q is unversioned but constraint %q was given", name, constraint)
	}
	c, err := semver.NewConstraint(constraint)
	if err != nil {
		return fmt.Errorf("invalid version constraint %q: %w", constraint, err)
	}
	v := semver.MustParse(m.Version)
	if !c.Check(v) {
		return fmt.Errorf("model %q version %s does not satisfy constraint %q", name, m.Version, constraint)
	}
	return nil
}
