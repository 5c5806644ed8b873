package graph

import "fmt"

// NodeID identifies a component node for its whole lifetime, across
// transactions. Merges retire IDs; they are never reused.
type NodeID string

// SetupState tracks a node's configuration lifecycle. Transitions are
// NotSetup → SettingUp → Setup, with SettingUp → SetupFailed on error.
// SetupFailed is terminal until externally reset.
type SetupState int

const (
	NotSetup SetupState = iota
	SettingUp
	Setup
	SetupFailed
)

// String returns the state name used in logs and dumps.
func (s SetupState) String() string {
	switch s {
	case NotSetup:
		return "NOT_SETUP"
	case SettingUp:
		return "SETTING_UP"
	case Setup:
		return "SETUP"
	case SetupFailed:
		return "SETUP_FAILED"
	default:
		return fmt.Sprintf("SetupState(%d)", int(s))
	}
}

// Pinned reports whether a node in this state must survive garbage
// collection and cannot be silently discarded by reconciliation.
func (s SetupState) Pinned() bool {
	return s == Setup || s == SettingUp
}

// AdvanceSetup validates and applies a setup-state transition.
func (n *Node) AdvanceSetup(to SetupState) error {
	ok := false
	switch n.Setup {
	case NotSetup:
		ok = to == SettingUp
	case SettingUp:
		ok = to == Setup || to == SetupFailed
	case SetupFailed:
		ok = to == NotSetup // external reset
	case Setup:
		ok = to == NotSetup // stop + reconfigure cycle
	}
	if !ok {
		return fmt.Errorf("node %s: invalid setup transition %s -> %s", n.ID, n.Setup, to)
	}
	n.Setup = to
	return nil
}

// SpecializationRecord replaces per-instance subclassing: it names the
// base model the node was instantiated from plus the extra services the
// selected specialization attaches locally. Records compare
// structurally.
type SpecializationRecord struct {
	BaseModel     string
	ExtraServices []string
}

// DeployedOn binds a node to a (deployment, activity) slot.
type DeployedOn struct {
	Deployment string
	Activity   string
}

// Node is one component instance in the graph, abstract or concrete.
type Node struct {
	ID    NodeID
	Model string
	// Abstract nodes stand for an unresolved service requirement and
	// must all be gone after generation.
	Abstract bool
	// Reusable nodes may absorb equivalent nodes during merges and be
	// adopted by reconciliation.
	Reusable bool
	Args     map[string]string
	Setup    SetupState
	Spec     *SpecializationRecord
	// Fulfilled is the node's explicit fulfilled-model annotation,
	// refined during merges by the most-general-ancestor rule.
	Fulfilled []string
	// Device is the identity of the attached physical device, "" if
	// none. A device is attached to at most one node.
	Device   string
	Deployed *DeployedOn
	// DeploymentHints carries the requirement's preferred deployment
	// names down to the deployment allocator.
	DeploymentHints []string
}

// Clone returns a deep copy. Used by Begin to detach the transactional
// view from the live graph.
func (n *Node) Clone() *Node {
	c := *n
	if n.Args != nil {
		c.Args = make(map[string]string, len(n.Args))
		for k, v := range n.Args {
			c.Args[k] = v
		}
	}
	if n.Fulfilled != nil {
		c.Fulfilled = append([]string(nil), n.Fulfilled...)
	}
	if n.Spec != nil {
		spec := *n.Spec
		spec.ExtraServices = append([]string(nil), n.Spec.ExtraServices...)
		c.Spec = &spec
	}
	if n.Deployed != nil {
		d := *n.Deployed
		c.Deployed = &d
	}
	if n.DeploymentHints != nil {
		c.DeploymentHints = append([]string(nil), n.DeploymentHints...)
	}
	return &c
}

// HasService reports whether the node carries the named extra service
// in its specialization record.
func (n *Node) HasService(name string) bool {
	if n.Spec == nil {
		return false
	}
	for _, s := range n.Spec.ExtraServices {
		if s == name {
			return true
		}
	}
	return false
}
