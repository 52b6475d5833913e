package cli

import (
	"fmt"
	"log/slog"
	"slices"

	"github.com/spf13/cobra"

	"github.com/roach88/pushdash/internal/push"
	"github.com/roach88/pushdash/internal/remote"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose  bool
	Format   string // "json" | "text"
	Config   string
	EnvFile  string
	Backend  string
	DB       string
	Identity string
	Role     string

	// Clock and IDs override the session clock and id generator (for testing).
	Clock push.Clock
	IDs   remote.IDGenerator
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// DefaultIdentity is the session identity when --identity is not given.
const DefaultIdentity = "me"

// NewRootCommand creates the root command for the pushdash CLI.
func NewRootCommand() *cobra.Command {
	return newRootCommand(&RootOptions{})
}

func newRootCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pushdash",
		Short: "pushdash - affiliate push dashboard",
		Long: `An affiliate dashboard over a remote document store.

Mirrors the caller's profile, ledger, pool accounts, products, settings and
team, derives balance, tier and daily push quotas from them, and runs the
push workflow and pool account purchases against the store.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return NewExitError(ExitCommandError,
					fmt.Sprintf("invalid format %q: must be one of %v", opts.Format, ValidFormats))
			}
			setupLogging(cmd, opts.Verbose)
			return nil
		},
	}

	flags := cmd.PersistentFlags()
	flags.BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	flags.StringVar(&opts.Format, "format", "text", "output format (json|text)")
	flags.StringVar(&opts.Config, "config", "", "path to a YAML config file")
	flags.StringVar(&opts.EnvFile, "env-file", "", "load PUSHDASH_* variables from a .env file")
	flags.StringVar(&opts.Backend, "backend", "", "document store backend (memory|sqlite|dynamodb)")
	flags.StringVar(&opts.DB, "db", "", "path to the SQLite database")
	flags.StringVar(&opts.Identity, "identity", DefaultIdentity, "signed-in identity")
	flags.StringVar(&opts.Role, "role", "user", "session role (user|admin)")

	cmd.AddCommand(NewSpecsCommand(opts))
	cmd.AddCommand(NewDashboardCommand(opts))
	cmd.AddCommand(NewPushCommand(opts))
	cmd.AddCommand(NewPurchaseCommand(opts))
	cmd.AddCommand(NewTeamCommand(opts))
	cmd.AddCommand(NewAdminCommand(opts))
	cmd.AddCommand(NewTestCommand(opts))

	return cmd
}

// setupLogging installs the default slog handler on stderr.
func setupLogging(cmd *cobra.Command, verbose bool) {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	handler := slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level})
	slog.SetDefault(slog.New(handler))
}

func isValidFormat(format string) bool {
	return slices.Contains(ValidFormats, format)
}

// formatter builds the output formatter for a command.
func (o *RootOptions) formatter(cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{
		Format:    o.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   o.Verbose,
	}
}
