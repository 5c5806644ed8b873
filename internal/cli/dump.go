package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/weftlabs/weft/internal/deploy"
	"github.com/weftlabs/weft/internal/dump"
	"github.com/weftlabs/weft/internal/graph"
	"github.com/weftlabs/weft/internal/netgen"
)

// DumpOptions holds flags for the dump command.
type DumpOptions struct {
	Root   *RootOptions
	Bundle bundleOptions
}

// NewDumpCommand creates the dump command.
func NewDumpCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &DumpOptions{Root: rootOpts}

	cmd := &cobra.Command{
		Use:   "dump",
		Short: "Print the generated network's description views",
		Long: `Dump generates the network for a requirement bundle, allocates its
deployment slots and prints the dataflow and hierarchy views without
committing anything. When generation fails the partial network is
printed anyway, for postmortem inspection.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDump(cmd, opts)
		},
	}

	registerBundleFlags(cmd, &opts.Bundle)
	return cmd
}

// dumpReport carries both views through the output formatter.
type dumpReport struct {
	Dataflow  string `json:"dataflow"`
	Hierarchy string `json:"hierarchy"`
}

func (r dumpReport) String() string {
	return r.Dataflow + "\n" + r.Hierarchy
}

func runDump(cmd *cobra.Command, opts *DumpOptions) error {
	p := newPrinter(cmd, opts.Root)

	reg, reqs, inv, err := loadWorld(&opts.Bundle)
	if err != nil {
		return err
	}

	g := graph.New()
	eng := deploy.NewEngine(reg, g, deploy.NewFakeProcessServer(), deploy.NewRecordingExecutor(), inv.DeploymentList())
	if len(inv.Devices) > 0 {
		eng.Generator().RegisterHook(netgen.NewDeviceHook(reg, inv.Devices))
	}

	tx, err := g.Begin()
	if err != nil {
		return unusable("begin transaction", err)
	}
	defer tx.Discard()

	_, gerr := eng.Generator().Generate(tx, reqs)
	if gerr == nil {
		gerr = eng.ComputeDeployedNetwork(tx)
	}

	d := dump.NewDumper("", "")
	report := dumpReport{Dataflow: d.DataflowView(tx), Hierarchy: d.HierarchyView(tx)}

	if gerr != nil {
		// Postmortem: show what was generated before the failure.
		if ferr := p.Fail(errorCode(gerr), gerr.Error(), report); ferr != nil {
			return ferr
		}
		if p.format == "text" {
			fmt.Fprintln(p.out, report)
		}
		return failed("generation failed", gerr)
	}
	return p.Result(report)
}
