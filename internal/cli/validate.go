package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/weftlabs/weft/internal/loader"
	"github.com/weftlabs/weft/internal/model"
)

// ValidateOptions holds flags for the validate command.
type ValidateOptions struct {
	Root   *RootOptions
	Bundle bundleOptions
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ValidateOptions{Root: rootOpts}

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate a model catalog, requirement bundle and inventory",
		Long: `Validate loads every input in collect-all mode and reports all
errors it finds, including requirements and inventory activities that
name models missing from the catalog.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(cmd, opts)
		},
	}

	registerBundleFlags(cmd, &opts.Bundle)
	return cmd
}

func runValidate(cmd *cobra.Command, opts *ValidateOptions) error {
	p := newPrinter(cmd, opts.Root)

	var problems []string

	reg := model.NewRegistry()
	if err := loader.LoadModels(opts.Bundle.Models, reg); err != nil {
		problems = append(problems, err.Error())
	}
	reg.Freeze()

	reqs, errs := loader.LoadRequirements(opts.Bundle.Requirements, loader.LoadModeCollectAll)
	for _, err := range errs {
		problems = append(problems, err.Error())
	}
	for _, r := range reqs {
		if _, err := reg.Resolve(r.Model); err != nil {
			problems = append(problems, fmt.Sprintf("requirement %q: %v", r.Name, err))
		}
	}

	inv, err := loader.LoadInventory(opts.Bundle.Inventory)
	if err != nil {
		problems = append(problems, err.Error())
	} else {
		for _, d := range inv.DeploymentList() {
			for _, act := range d.ActivityNames() {
				if _, err := reg.Resolve(d.Activities[act]); err != nil {
					problems = append(problems, fmt.Sprintf("deployment %q activity %q: %v", d.Name, act, err))
				}
			}
		}
	}

	if len(problems) > 0 {
		_ = p.Fail("E_INVALID", fmt.Sprintf("%d problems found", len(problems)), problems)
		return failed("validation failed", nil)
	}
	return p.Result(message("all inputs valid"))
}
