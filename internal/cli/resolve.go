package cli

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/weftlabs/weft/internal/deploy"
	"github.com/weftlabs/weft/internal/dump"
	"github.com/weftlabs/weft/internal/graph"
	"github.com/weftlabs/weft/internal/journal"
	"github.com/weftlabs/weft/internal/metrics"
	"github.com/weftlabs/weft/internal/netgen"
)

// ResolveOptions holds flags for the resolve command.
type ResolveOptions struct {
	Root    *RootOptions
	Bundle  bundleOptions
	Journal string
	DumpDir string
	Force   bool
}

// NewResolveCommand creates the resolve command.
func NewResolveCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ResolveOptions{Root: rootOpts}

	cmd := &cobra.Command{
		Use:   "resolve",
		Short: "Resolve a requirement bundle into a deployment plan",
		Long: `Resolve loads the model catalog, the requirement bundle and the
deployment inventory, runs a full resolution cycle against an empty
live graph and prints the reconciliation decisions. Process effects run
against an in-memory process server, so the command computes the plan
without touching the running system.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runResolve(cmd, opts)
		},
	}

	registerBundleFlags(cmd, &opts.Bundle)
	cmd.Flags().StringVar(&opts.Journal, "journal", "", "record the resolution in this SQLite journal")
	cmd.Flags().StringVar(&opts.DumpDir, "dump-dir", "", "write graph description dumps here when resolution fails")
	cmd.Flags().BoolVar(&opts.Force, "force", false, "commit the transaction even when resolution fails")

	return cmd
}

func runResolve(cmd *cobra.Command, opts *ResolveOptions) error {
	p := newPrinter(cmd, opts.Root)

	reg, reqs, inv, err := loadWorld(&opts.Bundle)
	if err != nil {
		return err
	}
	p.Verbosef("loaded %d requirements against %d deployments", len(reqs), len(inv.Deployments))

	engineOpts := []deploy.Option{
		deploy.WithMetrics(metrics.NewPipeline(prometheus.NewRegistry())),
	}
	switch {
	case opts.Force:
		engineOpts = append(engineOpts, deploy.WithCommitMode(deploy.ModeForce))
	case opts.DumpDir != "":
		dumper := dump.NewDumper(opts.DumpDir, "resolve")
		engineOpts = append(engineOpts,
			deploy.WithCommitMode(deploy.ModeDump),
			deploy.WithDumpFunc(func(tx *graph.Tx) error {
				dataflow, hierarchy, derr := dumper.Dump(tx)
				if derr != nil {
					return derr
				}
				p.Verbosef("failure dump written: %s %s", dataflow, hierarchy)
				return nil
			}))
	}

	g := graph.New()
	server := deploy.NewFakeProcessServer()
	exec := deploy.NewRecordingExecutor()
	eng := deploy.NewEngine(reg, g, server, exec, inv.DeploymentList(), engineOpts...)
	if len(inv.Devices) > 0 {
		eng.Generator().RegisterHook(netgen.NewDeviceHook(reg, inv.Devices))
	}

	startedAt := time.Now()
	decs, rerr := eng.Resolve(cmd.Context(), reqs)

	if opts.Journal != "" {
		if jerr := recordResolution(cmd, opts.Journal, startedAt, reqs, decs, rerr); jerr != nil {
			return jerr
		}
	}

	if rerr != nil {
		_ = p.Fail(errorCode(rerr), rerr.Error(), nil)
		return failed("resolution failed", rerr)
	}
	return p.Result(decisionReport(decs))
}

func recordResolution(cmd *cobra.Command, path string, startedAt time.Time, reqs []netgen.Requirement, decs []deploy.Decision, rerr error) error {
	j, err := journal.Open(path)
	if err != nil {
		return unusable("open journal", err)
	}
	defer j.Close()

	outcome := "committed"
	errMsg := ""
	if rerr != nil {
		outcome = "discarded"
		errMsg = rerr.Error()
	}
	if _, err := j.RecordResolution(cmd.Context(), startedAt, outcome, len(reqs), errMsg, decs); err != nil {
		return unusable("record resolution", err)
	}
	return nil
}

// decisionJSON is one reconciliation decision in JSON output.
type decisionJSON struct {
	Kind       string `json:"kind"`
	Node       string `json:"node,omitempty"`
	Deployment string `json:"deployment,omitempty"`
	Activity   string `json:"activity,omitempty"`
}

// decisionReport renders the decision list for both output formats:
// Success prints it verbatim in text mode and marshals it in JSON mode.
type decisionReport []deploy.Decision

func (r decisionReport) String() string {
	if len(r) == 0 {
		return "no changes"
	}
	var b strings.Builder
	for _, d := range r {
		fmt.Fprintf(&b, "%-7s", d.Kind)
		if d.Node != "" {
			fmt.Fprintf(&b, " %s", d.Node)
		}
		if d.Slot.Deployment != "" {
			fmt.Fprintf(&b, " @ %s", d.Slot)
		}
		b.WriteByte('\n')
	}
	return strings.TrimRight(b.String(), "\n")
}

func (r decisionReport) MarshalJSON() ([]byte, error) {
	out := make([]decisionJSON, len(r))
	for i, d := range r {
		out[i] = decisionJSON{
			Kind:       d.Kind.String(),
			Node:       string(d.Node),
			Deployment: d.Slot.Deployment,
			Activity:   d.Slot.Activity,
		}
	}
	return json.Marshal(out)
}

// errorCode maps engine errors to stable machine-readable codes.
func errorCode(err error) string {
	switch {
	case deploy.IsAmbiguousDeployment(err):
		return "E_AMBIGUOUS"
	case deploy.IsAllocationFailed(err):
		return "E_NO_SLOT"
	case netgen.IsTaskAllocationFailed(err):
		return "E_UNRESOLVED"
	case netgen.IsSpecError(err):
		return "E_SPEC"
	default:
		return "E_RESOLVE"
	}
}
