package cli

import (
	"github.com/spf13/cobra"

	"github.com/weftlabs/weft/internal/loader"
	"github.com/weftlabs/weft/internal/model"
	"github.com/weftlabs/weft/internal/netgen"
)

// bundleOptions are the input flags shared by resolve, validate and
// dump: where to find the model catalog, the requirement bundle and the
// deployment inventory.
type bundleOptions struct {
	Models       string
	Requirements string
	Inventory    string
}

func registerBundleFlags(cmd *cobra.Command, opts *bundleOptions) {
	cmd.Flags().StringVar(&opts.Models, "models", "", "path to the YAML model catalog (required)")
	cmd.Flags().StringVar(&opts.Requirements, "requirements", "", "directory with the CUE requirement bundle (required)")
	cmd.Flags().StringVar(&opts.Inventory, "inventory", "", "path to the YAML deployment inventory (required)")
	_ = cmd.MarkFlagRequired("models")
	_ = cmd.MarkFlagRequired("requirements")
	_ = cmd.MarkFlagRequired("inventory")
}

// loadWorld reads the three inputs and returns them ready for the
// engine. All load failures map to ExitCommandError.
func loadWorld(opts *bundleOptions) (*model.Registry, []netgen.Requirement, *loader.Inventory, error) {
	reg := model.NewRegistry()
	if err := loader.LoadModels(opts.Models, reg); err != nil {
		return nil, nil, nil, unusable("load model catalog", err)
	}
	reg.Freeze()

	reqs, errs := loader.LoadRequirements(opts.Requirements, loader.LoadModeFailFast)
	if len(errs) > 0 {
		return nil, nil, nil, unusable("load requirements", errs[0])
	}

	inv, err := loader.LoadInventory(opts.Inventory)
	if err != nil {
		return nil, nil, nil, unusable("load inventory", err)
	}
	return reg, reqs, inv, nil
}
