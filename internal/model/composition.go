package model

import "fmt"

// ChildConstraint restricts what may fill one child role of a
// composition. Allowed is the set of model or service names an
// assignment must fulfill; the effective allowed set is their
// intersection, which must stay satisfiable after specialization.
type ChildConstraint struct {
	Allowed []string
	// Optional children are dropped silently when no selection
	// resolves them; required children left abstract fail generation.
	Optional bool
}

// ConnectionRule wires one child output to another child input.
// Automatic rules are applied wherever port types match; explicit
// rules name both endpoints.
type ConnectionRule struct {
	FromRole, FromPort string
	ToRole, ToPort     string
	// Policy overrides the default connection policy for this link.
	// Zero value means unconstrained.
	Policy PolicyHint
}

// PolicyHint is the declarative part of a connection policy attached to
// a composition's connection or export rule. Unset fields stay
// unconstrained and fold away.
type PolicyHint struct {
	BufferKind string // "", "ring", "fifo"
	Size       int    // 0 = unconstrained
	Pull       bool
}

// Export republishes a child port on the composition boundary.
type Export struct {
	Role, Port string
	// As is the exported port name on the composition itself.
	As     string
	Policy PolicyHint
}

// Composition is an immutable composition descriptor.
type Composition struct {
	Model       *Model
	Children    map[string]ChildConstraint
	Connections []ConnectionRule
	Exports     []Export

	// root of the specialization tree; nil until the first
	// specialization is declared.
	specializations *Variant
}

// Child returns the constraint for a role.
func (c *Composition) Child(role string) (ChildConstraint, error) {
	cc, ok := c.Children[role]
	if !ok {
		return ChildConstraint{}, fmt.Errorf("composition %q has no child role %q", c.Model.Name, role)
	}
	return cc, nil
}

// Export returns the export record for an exported port name, or nil.
func (c *Composition) ExportFor(as string) *Export {
	for i := range c.Exports {
		if c.Exports[i].As == as {
			return &c.Exports[i]
		}
	}
	return nil
}

// SpecializationRoot returns the root variant of the specialization
// tree, creating it on first use. The root represents the unspecialized
// composition itself.
func (c *Composition) SpecializationRoot() *Variant {
	if c.specializations == nil {
		c.specializations = &Variant{
			Name:        c.Model.Name,
			Composition: c,
			Constraints: map[string]string{},
		}
	}
	return c.specializations
}

// HasSpecializations reports whether any variant has been declared.
func (c *Composition) HasSpecializations() bool {
	return c.specializations != nil && len(c.specializations.Children) > 0
}
