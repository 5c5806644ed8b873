package model

import "time"

// Kind distinguishes the three descriptor categories.
type Kind int

const (
	// KindLeaf is a deployable component with its own activity.
	KindLeaf Kind = iota + 1
	// KindService is an abstract capability that leaf components provide.
	KindService
	// KindComposition is a component whose behavior is the wiring of
	// named child roles.
	KindComposition
)

// String returns the lowercase kind name.
func (k Kind) String() string {
	switch k {
	case KindLeaf:
		return "leaf"
	case KindService:
		return "service"
	case KindComposition:
		return "composition"
	default:
		return "unknown"
	}
}

// Direction of a port, seen from the component that owns it.
type Direction int

const (
	// Input ports receive data.
	Input Direction = iota + 1
	// Output ports produce data.
	Output
)

// Port describes one data port of a model.
type Port struct {
	Name      string
	Direction Direction
	// DataType is the wire type name. Two connected ports must agree.
	DataType string
	// Multiplexing input ports accept connections from more than one
	// concrete source. Non-multiplexing inputs accept exactly one.
	Multiplexing bool
	// Static ports can only be rewired while the hosting activity is
	// stopped. A live node whose static inputs must change cannot be
	// reused in place.
	Static bool
}

// TriggerKind selects how a port's output rate is derived.
type TriggerKind int

const (
	// TriggerPeriodic derives the rate from the component's own
	// activity period.
	TriggerPeriodic TriggerKind = iota + 1
	// TriggerDataDriven derives the rate from a named set of input
	// ports, each contributing a sample-count/period pair.
	TriggerDataDriven
)

// TriggerSource is one contribution to a data-driven trigger.
type TriggerSource struct {
	Port    string
	Samples int
	Period  time.Duration
}

// Trigger declares how one output port of a leaf model is triggered.
type Trigger struct {
	Port    string
	Kind    TriggerKind
	Period  time.Duration   // TriggerPeriodic
	Sources []TriggerSource // TriggerDataDriven
}

// Model is an immutable descriptor resolved by name through the Registry.
//
// Provides lists the names of services (or base models) this model
// fulfills directly; the registry closes the relation transitively.
type Model struct {
	Name     string
	Kind     Kind
	Version  string // semantic version, "" means unversioned
	Provides []string
	Ports    []Port
	Triggers []Trigger
	// Device names the device type this model drives, "" if none.
	// A node instantiated from a device-driving model must have a
	// concrete device attached before generation succeeds.
	Device string
	// Period is the activity period for periodic leaf components.
	Period time.Duration
}

// Port returns the named port, or nil.
func (m *Model) Port(name string) *Port {
	for i := range m.Ports {
		if m.Ports[i].Name == name {
			return &m.Ports[i]
		}
	}
	return nil
}

// Trigger returns the trigger declaration for the named port, or nil.
func (m *Model) Trigger(port string) *Trigger {
	for i := range m.Triggers {
		if m.Triggers[i].Port == port {
			return &m.Triggers[i]
		}
	}
	return nil
}
