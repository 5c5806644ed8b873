// Package dump renders a transactional graph view into the two
// diagnostic description files written on resolution failure: a
// dataflow view and a hierarchy view. Output ordering is fully
// deterministic so dumps diff cleanly across runs.
package dump

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"golang.org/x/text/collate"
	"golang.org/x/text/language"

	"github.com/weftlabs/weft/internal/graph"
)

// Dumper writes sequentially numbered graph descriptions into one
// directory. Safe for concurrent use.
type Dumper struct {
	dir    string
	prefix string

	mu  sync.Mutex
	seq int

	coll *collate.Collator
}

// NewDumper creates a dumper writing <prefix>-<seq>-dataflow.txt and
// <prefix>-<seq>-hierarchy.txt files under dir.
func NewDumper(dir, prefix string) *Dumper {
	return &Dumper{dir: dir, prefix: prefix, coll: collate.New(language.Und)}
}

// Dump writes both views for the given transaction and returns the two
// file paths.
func (d *Dumper) Dump(tx *graph.Tx) (dataflow, hierarchy string, err error) {
	d.mu.Lock()
	d.seq++
	seq := d.seq
	d.mu.Unlock()

	if err := os.MkdirAll(d.dir, 0o755); err != nil {
		return "", "", fmt.Errorf("create dump dir: %w", err)
	}
	dataflow = filepath.Join(d.dir, fmt.Sprintf("%s-%d-dataflow.txt", d.prefix, seq))
	hierarchy = filepath.Join(d.dir, fmt.Sprintf("%s-%d-hierarchy.txt", d.prefix, seq))
	if err := os.WriteFile(dataflow, []byte(d.DataflowView(tx)), 0o644); err != nil {
		return "", "", fmt.Errorf("write dataflow view: %w", err)
	}
	if err := os.WriteFile(hierarchy, []byte(d.HierarchyView(tx)), 0o644); err != nil {
		return "", "", fmt.Errorf("write hierarchy view: %w", err)
	}
	return dataflow, hierarchy, nil
}

// DataflowView lists every node with its attributes, then every
// dataflow edge with its policy.
func (d *Dumper) DataflowView(tx *graph.Tx) string {
	var b strings.Builder
	b.WriteString("== nodes ==\n")
	for _, id := range d.sortedNodeIDs(tx) {
		b.WriteString(d.nodeLine(tx, id))
		b.WriteByte('\n')
	}
	b.WriteString("== flows ==\n")
	flows := tx.Flows()
	lines := make([]string, 0, len(flows))
	for _, f := range flows {
		line := fmt.Sprintf("%s.%s -> %s.%s", f.From, f.FromPort, f.To, f.ToPort)
		if !f.Policy.Unconstrained() {
			line += " policy=" + f.Policy.String()
		}
		lines = append(lines, line)
	}
	d.sortLines(lines)
	for _, l := range lines {
		b.WriteString(l)
		b.WriteByte('\n')
	}
	return b.String()
}

// HierarchyView renders the dependency forest from the roots down,
// then any detached nodes, then the precedence edges.
func (d *Dumper) HierarchyView(tx *graph.Tx) string {
	var b strings.Builder
	b.WriteString("== hierarchy ==\n")
	seen := make(map[graph.NodeID]bool)
	for _, root := range tx.Roots() {
		d.writeSubtree(&b, tx, root, 0, " root", seen)
	}
	var detached []graph.NodeID
	for _, id := range d.sortedNodeIDs(tx) {
		if !seen[id] && len(tx.Parents(id)) == 0 {
			detached = append(detached, id)
		}
	}
	if len(detached) > 0 {
		b.WriteString("== detached ==\n")
		for _, id := range detached {
			d.writeSubtree(&b, tx, id, 0, "", seen)
		}
	}
	precs := tx.Precedences()
	if len(precs) > 0 {
		b.WriteString("== precedence ==\n")
		lines := make([]string, 0, len(precs))
		for _, p := range precs {
			lines = append(lines, fmt.Sprintf("configure %s after stop of %s", p.Node, p.AfterStopOf))
		}
		d.sortLines(lines)
		for _, l := range lines {
			b.WriteString(l)
			b.WriteByte('\n')
		}
	}
	return b.String()
}

func (d *Dumper) writeSubtree(b *strings.Builder, tx *graph.Tx, id graph.NodeID, depth int, suffix string, seen map[graph.NodeID]bool) {
	n := tx.Node(id)
	if n == nil {
		return
	}
	indent := strings.Repeat("  ", depth)
	fmt.Fprintf(b, "%s%s (%s)%s\n", indent, id, n.Model, suffix)
	if seen[id] {
		return // shared subtree already expanded
	}
	seen[id] = true
	for _, role := range tx.ChildRoles(id) {
		child, ok := tx.Child(id, role)
		if !ok {
			continue
		}
		fmt.Fprintf(b, "%s  %s:\n", indent, role)
		d.writeSubtree(b, tx, child, depth+2, "", seen)
	}
}

func (d *Dumper) nodeLine(tx *graph.Tx, id graph.NodeID) string {
	n := tx.Node(id)
	parts := []string{string(id), "model=" + n.Model, "state=" + n.Setup.String()}
	if n.Abstract {
		parts = append(parts, "abstract")
	}
	if len(n.Args) > 0 {
		keys := make([]string, 0, len(n.Args))
		for k := range n.Args {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		kv := make([]string, len(keys))
		for i, k := range keys {
			kv[i] = k + "=" + n.Args[k]
		}
		parts = append(parts, "args{"+strings.Join(kv, ",")+"}")
	}
	if n.Device != "" {
		parts = append(parts, "device="+n.Device)
	}
	if n.Deployed != nil {
		parts = append(parts, "deployed="+n.Deployed.Deployment+"/"+n.Deployed.Activity)
	}
	return strings.Join(parts, " ")
}

func (d *Dumper) sortedNodeIDs(tx *graph.Tx) []graph.NodeID {
	ids := tx.NodeIDs()
	sort.SliceStable(ids, func(i, j int) bool {
		return d.coll.CompareString(string(ids[i]), string(ids[j])) < 0
	})
	return ids
}

func (d *Dumper) sortLines(lines []string) {
	sort.SliceStable(lines, func(i, j int) bool {
		return d.coll.CompareString(lines[i], lines[j]) < 0
	})
}
