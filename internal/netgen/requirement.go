package netgen

// Requirement is the declarative target spec for one component
// instance. Requirements are consumed once per resolution cycle.
type Requirement struct {
	// Name identifies the requirement in logs and journal entries.
	Name string
	// Model names the leaf or composition model to instantiate.
	Model string
	// Selections maps composition child roles to the model or service
	// that should fill them, inherited by nested compositions.
	Selections map[string]string
	// Args are instantiation arguments for the root node.
	Args map[string]string
	// DeploymentHints name the preferred deployments for the leaves of
	// this requirement.
	DeploymentHints []string
	// Facets are specialization constraints: names of preferred
	// variants used to break specialization ties.
	Facets []string
	// VersionConstraint optionally pins the model version, in semver
	// range syntax.
	VersionConstraint string
}
