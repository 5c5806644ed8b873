package netgen

import (
	"fmt"
	"log/slog"
	"sort"

	"github.com/weftlabs/weft/internal/graph"
	"github.com/weftlabs/weft/internal/model"
)

// NewDeviceHook builds a postprocessing hook that attaches concrete
// devices to device-driving nodes. inventory maps a device type to the
// ordered identities available for it. Nodes are visited in sorted ID
// order; already-attached devices (live nodes adopted into the
// transaction) stay reserved. Nodes that cannot be served are left
// unattached for validation to report.
func NewDeviceHook(reg *model.Registry, inventory map[string][]string) Hook {
	return func(tx *graph.Tx) error {
		used := make(map[string]bool)
		for _, id := range tx.NodeIDs() {
			if dev := tx.Node(id).Device; dev != "" {
				used[dev] = true
			}
		}
		for _, id := range tx.NodeIDs() {
			n := tx.Node(id)
			if n.Device != "" {
				continue
			}
			m, err := reg.Resolve(n.Model)
			if err != nil || m.Device == "" {
				continue
			}
			for _, dev := range inventory[m.Device] {
				if used[dev] {
					continue
				}
				n.Device = dev
				used[dev] = true
				slog.Debug("attached device", "node", id, "device", dev, "type", m.Device)
				break
			}
		}
		return nil
	}
}

// NewBusHook builds a postprocessing hook that inserts one shared bus
// node per transaction and wires every type-matching client port to
// it: client outputs matching a bus input type feed the bus, bus
// outputs feed unconnected client inputs of the matching type. The bus
// node is reused when an instance of busModel already exists, which is
// what makes the follow-up merge pass worthwhile.
func NewBusHook(reg *model.Registry, ids graph.IDGenerator, busModel string) Hook {
	return func(tx *graph.Tx) error {
		bm, err := reg.Resolve(busModel)
		if err != nil {
			return fmt.Errorf("bus hook: %w", err)
		}
		clients := busClients(tx, reg, bm, busModel)
		if len(clients) == 0 {
			return nil
		}
		bus := findOrCreateBus(tx, ids, busModel)
		for _, id := range clients {
			cm, err := reg.Resolve(tx.Node(id).Model)
			if err != nil {
				continue
			}
			for _, cp := range cm.Ports {
				for _, bp := range bm.Ports {
					if cp.DataType != bp.DataType {
						continue
					}
					switch {
					case cp.Direction == model.Output && bp.Direction == model.Input:
						if err := tx.Connect(graph.DataflowEdge{From: id, FromPort: cp.Name, To: bus, ToPort: bp.Name}); err != nil {
							return err
						}
					case cp.Direction == model.Input && bp.Direction == model.Output:
						if !cp.Multiplexing && len(tx.Incoming(id, cp.Name)) > 0 {
							continue
						}
						if err := tx.Connect(graph.DataflowEdge{From: bus, FromPort: bp.Name, To: id, ToPort: cp.Name}); err != nil {
							return err
						}
					}
				}
			}
		}
		return nil
	}
}

// busClients returns the sorted IDs of nodes sharing a port data type
// with the bus model, excluding bus instances themselves.
func busClients(tx *graph.Tx, reg *model.Registry, bm *model.Model, busModel string) []graph.NodeID {
	types := make(map[string]bool, len(bm.Ports))
	for _, p := range bm.Ports {
		types[p.DataType] = true
	}
	var out []graph.NodeID
	for _, id := range tx.NodeIDs() {
		n := tx.Node(id)
		if n.Model == busModel {
			continue
		}
		m, err := reg.Resolve(n.Model)
		if err != nil {
			continue
		}
		for _, p := range m.Ports {
			if types[p.DataType] {
				out = append(out, id)
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func findOrCreateBus(tx *graph.Tx, ids graph.IDGenerator, busModel string) graph.NodeID {
	for _, id := range tx.NodeIDs() {
		if tx.Node(id).Model == busModel {
			// Re-pin a bus adopted from the live graph: its old root
			// mark is released when the requirement set changes.
			tx.MarkRoot(id)
			return id
		}
	}
	bus := &graph.Node{ID: ids.NewID(), Model: busModel, Reusable: true}
	// The bus hangs off the nodes it serves through dataflow only, and
	// dataflow edges are weak, so pin it as a root.
	_ = tx.AddNode(bus)
	tx.MarkRoot(bus.ID)
	return bus.ID
}
