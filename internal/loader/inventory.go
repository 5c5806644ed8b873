package loader

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/weftlabs/weft/internal/deploy"
)

// Inventory is the YAML description of the deployable world: the
// deployment processes the engine may start and the physical devices
// the device hook may attach.
type Inventory struct {
	Deployments []DeploymentSpec    `yaml:"deployments"`
	Devices     map[string][]string `yaml:"devices"`
}

// DeploymentSpec mirrors deploy.Deployment in YAML form.
type DeploymentSpec struct {
	Name       string            `yaml:"name"`
	Host       string            `yaml:"host"`
	Group      string            `yaml:"group"`
	Activities map[string]string `yaml:"activities"`
}

// LoadInventory reads and validates an inventory file. Unknown fields
// are rejected to catch typos in hand-written inventories.
func LoadInventory(path string) (*Inventory, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open inventory: %w", err)
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	var inv Inventory
	if err := dec.Decode(&inv); err != nil {
		return nil, fmt.Errorf("decode inventory %s: %w", path, err)
	}
	if err := inv.validate(); err != nil {
		return nil, fmt.Errorf("inventory %s: %w", path, err)
	}
	return &inv, nil
}

func (inv *Inventory) validate() error {
	seen := make(map[string]bool, len(inv.Deployments))
	for i, d := range inv.Deployments {
		if d.Name == "" {
			return fmt.Errorf("deployment %d has no name", i)
		}
		if seen[d.Name] {
			return fmt.Errorf("duplicate deployment name %q", d.Name)
		}
		seen[d.Name] = true
		if len(d.Activities) == 0 {
			return fmt.Errorf("deployment %q declares no activities", d.Name)
		}
		for act, m := range d.Activities {
			if m == "" {
				return fmt.Errorf("deployment %q activity %q has no model", d.Name, act)
			}
		}
	}
	return nil
}

// DeploymentList converts the specs into the engine's deployment
// records, in declaration order.
func (inv *Inventory) DeploymentList() []*deploy.Deployment {
	out := make([]*deploy.Deployment, len(inv.Deployments))
	for i, d := range inv.Deployments {
		out[i] = &deploy.Deployment{
			Name:       d.Name,
			Host:       d.Host,
			Group:      d.Group,
			Activities: d.Activities,
		}
	}
	return out
}
