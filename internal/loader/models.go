package loader

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/weftlabs/weft/internal/model"
)

// Catalog is the YAML description of the model space: leaf and service
// descriptors plus composition wiring. It exists so the CLI can run
// against hand-written catalogs; embedding programs register their
// models in Go directly.
type Catalog struct {
	Models       []ModelSpec       `yaml:"models"`
	Compositions []CompositionSpec `yaml:"compositions"`
}

// ModelSpec mirrors model.Model in YAML form.
type ModelSpec struct {
	Name     string        `yaml:"name"`
	Kind     string        `yaml:"kind"` // "leaf" | "service"
	Version  string        `yaml:"version"`
	Provides []string      `yaml:"provides"`
	Ports    []PortSpec    `yaml:"ports"`
	Triggers []TriggerSpec `yaml:"triggers"`
	Device   string        `yaml:"device"`
	Period   string        `yaml:"period"`
}

type PortSpec struct {
	Name         string `yaml:"name"`
	Direction    string `yaml:"direction"` // "in" | "out"
	Type         string `yaml:"type"`
	Multiplexing bool   `yaml:"multiplexing"`
	Static       bool   `yaml:"static"`
}

type TriggerSpec struct {
	Port    string              `yaml:"port"`
	Kind    string              `yaml:"kind"` // "periodic" | "data"
	Period  string              `yaml:"period"`
	Sources []TriggerSourceSpec `yaml:"sources"`
}

type TriggerSourceSpec struct {
	Port    string `yaml:"port"`
	Samples int    `yaml:"samples"`
	Period  string `yaml:"period"`
}

type CompositionSpec struct {
	Name        string               `yaml:"name"`
	Children    map[string]ChildSpec `yaml:"children"`
	Connections []ConnectionSpec     `yaml:"connections"`
	Exports     []ExportSpec         `yaml:"exports"`
}

type ChildSpec struct {
	Allowed  []string `yaml:"allowed"`
	Optional bool     `yaml:"optional"`
}

type ConnectionSpec struct {
	From     string     `yaml:"from"`
	FromPort string     `yaml:"from_port"`
	To       string     `yaml:"to"`
	ToPort   string     `yaml:"to_port"`
	Policy   PolicySpec `yaml:"policy"`
}

type ExportSpec struct {
	Role   string     `yaml:"role"`
	Port   string     `yaml:"port"`
	As     string     `yaml:"as"`
	Policy PolicySpec `yaml:"policy"`
}

type PolicySpec struct {
	Buffer string `yaml:"buffer"` // "", "ring", "fifo"
	Size   int    `yaml:"size"`
	Pull   bool   `yaml:"pull"`
}

// LoadModels reads a model catalog and registers its contents. The
// registry is left unfrozen so callers can add programmatic models
// before freezing.
func LoadModels(path string, reg *model.Registry) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open model catalog: %w", err)
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	var cat Catalog
	if err := dec.Decode(&cat); err != nil {
		return fmt.Errorf("decode model catalog %s: %w", path, err)
	}
	return cat.register(reg)
}

func (cat *Catalog) register(reg *model.Registry) error {
	for i := range cat.Models {
		m, err := cat.Models[i].compile()
		if err != nil {
			return err
		}
		if err := reg.Register(m); err != nil {
			return err
		}
	}
	for i := range cat.Compositions {
		c, err := cat.Compositions[i].compile()
		if err != nil {
			return err
		}
		if err := reg.RegisterComposition(c); err != nil {
			return err
		}
	}
	return nil
}

func (s *ModelSpec) compile() (*model.Model, error) {
	var kind model.Kind
	switch s.Kind {
	case "leaf":
		kind = model.KindLeaf
	case "service":
		kind = model.KindService
	default:
		return nil, fmt.Errorf("model %q: unknown kind %q", s.Name, s.Kind)
	}
	ports, err := compilePorts(s.Name, s.Ports)
	if err != nil {
		return nil, err
	}
	period, err := optionalDuration(s.Name, "period", s.Period)
	if err != nil {
		return nil, err
	}
	triggers := make([]model.Trigger, 0, len(s.Triggers))
	for _, t := range s.Triggers {
		trig, err := t.compile(s.Name)
		if err != nil {
			return nil, err
		}
		triggers = append(triggers, trig)
	}
	return &model.Model{
		Name:     s.Name,
		Kind:     kind,
		Version:  s.Version,
		Provides: s.Provides,
		Ports:    ports,
		Triggers: triggers,
		Device:   s.Device,
		Period:   period,
	}, nil
}

func (s *TriggerSpec) compile(owner string) (model.Trigger, error) {
	trig := model.Trigger{Port: s.Port}
	switch s.Kind {
	case "periodic":
		trig.Kind = model.TriggerPeriodic
		p, err := optionalDuration(owner, "trigger period", s.Period)
		if err != nil {
			return trig, err
		}
		trig.Period = p
	case "data":
		trig.Kind = model.TriggerDataDriven
		for _, src := range s.Sources {
			p, err := optionalDuration(owner, "trigger source period", src.Period)
			if err != nil {
				return trig, err
			}
			trig.Sources = append(trig.Sources, model.TriggerSource{
				Port:    src.Port,
				Samples: src.Samples,
				Period:  p,
			})
		}
	default:
		return trig, fmt.Errorf("model %q: unknown trigger kind %q", owner, s.Kind)
	}
	return trig, nil
}

func (s *CompositionSpec) compile() (*model.Composition, error) {
	children := make(map[string]model.ChildConstraint, len(s.Children))
	for role, c := range s.Children {
		if len(c.Allowed) == 0 {
			return nil, fmt.Errorf("composition %q: role %q allows no models", s.Name, role)
		}
		children[role] = model.ChildConstraint{Allowed: c.Allowed, Optional: c.Optional}
	}
	conns := make([]model.ConnectionRule, 0, len(s.Connections))
	for _, c := range s.Connections {
		conns = append(conns, model.ConnectionRule{
			FromRole: c.From,
			FromPort: c.FromPort,
			ToRole:   c.To,
			ToPort:   c.ToPort,
			Policy:   c.Policy.compile(),
		})
	}
	exports := make([]model.Export, 0, len(s.Exports))
	for _, e := range s.Exports {
		exports = append(exports, model.Export{
			Role:   e.Role,
			Port:   e.Port,
			As:     e.As,
			Policy: e.Policy.compile(),
		})
	}
	return &model.Composition{
		Model:       &model.Model{Name: s.Name, Kind: model.KindComposition},
		Children:    children,
		Connections: conns,
		Exports:     exports,
	}, nil
}

func (s PolicySpec) compile() model.PolicyHint {
	return model.PolicyHint{BufferKind: s.Buffer, Size: s.Size, Pull: s.Pull}
}

func compilePorts(owner string, specs []PortSpec) ([]model.Port, error) {
	ports := make([]model.Port, 0, len(specs))
	for _, p := range specs {
		var dir model.Direction
		switch p.Direction {
		case "in":
			dir = model.Input
		case "out":
			dir = model.Output
		default:
			return nil, fmt.Errorf("model %q port %q: unknown direction %q", owner, p.Name, p.Direction)
		}
		ports = append(ports, model.Port{
			Name:         p.Name,
			Direction:    dir,
			DataType:     p.Type,
			Multiplexing: p.Multiplexing,
			Static:       p.Static,
		})
	}
	return ports, nil
}

func optionalDuration(owner, what, s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("model %q: bad %s %q: %w", owner, what, s, err)
	}
	return d, nil
}
