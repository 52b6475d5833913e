package cli

import (
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/pushdash/internal/watch"
)

// NewSpecsCommand creates the specs command.
func NewSpecsCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "specs",
		Short: "List the watch specifications",
		Long: `List the watch specifications of the dashboard catalog: name, role,
storage class, cardinality, target path and number of seed records.

Without --role every role's specifications are listed.

Examples:
  pushdash specs
  pushdash specs --role admin --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSpecs(rootOpts, cmd)
		},
	}
}

func runSpecs(opts *RootOptions, cmd *cobra.Command) error {
	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}
	catalog, err := watch.DefaultCatalog(watch.Seeds{Products: cfg.ProductSeeds(), Settings: cfg.Settings()})
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid catalog", err)
	}

	specs := catalog.All()
	if cmd.Flags().Changed("role") {
		role, err := opts.role()
		if err != nil {
			return err
		}
		specs = catalog.ForRole(role)
	}

	rows := specRows(specs)
	return opts.formatter(cmd).Success(rows, func(w io.Writer) { renderSpecs(w, rows) })
}
