package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/pushdash/internal/callable"
	"github.com/roach88/pushdash/internal/watch"
)

// AdminStatusOptions holds flags for admin status.
type AdminStatusOptions struct {
	*RootOptions
	Frozen bool
	Hidden bool
}

// AdminDepositOptions holds flags for admin deposit.
type AdminDepositOptions struct {
	*RootOptions
	Amount int64
	Note   string
}

// NewAdminCommand creates the admin command group. Its subcommands always
// run with the admin role.
func NewAdminCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "admin",
		Short: "Administrative actions",
	}
	cmd.AddCommand(newAdminStatusCommand(rootOpts))
	cmd.AddCommand(newAdminDepositCommand(rootOpts))
	return cmd
}

func newAdminStatusCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &AdminStatusOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "status <user>",
		Short: "Freeze/unfreeze or hide/show a user",
		Long: `Change a user's flags. Only the flags given are changed.

Examples:
  pushdash admin status alice --frozen
  pushdash admin status alice --frozen=false --hidden`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			change := callable.StatusChange{}
			if cmd.Flags().Changed("frozen") {
				change.Frozen = &opts.Frozen
			}
			if cmd.Flags().Changed("hidden") {
				change.Hidden = &opts.Hidden
			}
			return runAdminStatus(opts, cmd, args[0], change)
		},
	}

	cmd.Flags().BoolVar(&opts.Frozen, "frozen", false, "freeze the user")
	cmd.Flags().BoolVar(&opts.Hidden, "hidden", false, "hide the user")

	return cmd
}

func runAdminStatus(opts *AdminStatusOptions, cmd *cobra.Command, target string, change callable.StatusChange) error {
	ctx, cancel := signalContext(cmd.Context())
	defer cancel()

	e, err := opts.openEnv(ctx, watch.RoleAdmin)
	if err != nil {
		return err
	}
	defer e.Close()

	out := opts.formatter(cmd)
	if err := e.session.SetUserStatus(ctx, target, change); err != nil {
		return refuse(out, "status change", err)
	}

	result := map[string]any{"target": target}
	if change.Frozen != nil {
		result["frozen"] = *change.Frozen
	}
	if change.Hidden != nil {
		result["hidden"] = *change.Hidden
	}
	return out.Success(result, func(w io.Writer) {
		fmt.Fprintf(w, "%s Updated %s\n", okColor.Sprint("✓"), target)
	})
}

func newAdminDepositCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &AdminDepositOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "deposit <user>",
		Short: "Credit a user's ledger",
		Long: `Record a deposit in a user's ledger. The amount is in minor units.

Examples:
  pushdash admin deposit alice --amount 5000 --note "welcome bonus"`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAdminDeposit(opts, cmd, args[0])
		},
	}

	cmd.Flags().Int64Var(&opts.Amount, "amount", 0, "amount in minor units (required)")
	cmd.Flags().StringVar(&opts.Note, "note", "", "description shown in the ledger")
	_ = cmd.MarkFlagRequired("amount")

	return cmd
}

func runAdminDeposit(opts *AdminDepositOptions, cmd *cobra.Command, target string) error {
	ctx, cancel := signalContext(cmd.Context())
	defer cancel()

	e, err := opts.openEnv(ctx, watch.RoleAdmin)
	if err != nil {
		return err
	}
	defer e.Close()

	out := opts.formatter(cmd)
	rec, err := e.session.Deposit(ctx, target, opts.Amount, opts.Note)
	if err != nil {
		return refuse(out, "deposit", err)
	}

	result := map[string]any{
		"record_id":    rec.ID,
		"target":       target,
		"amount_minor": rec.AmountMinor,
	}
	return out.Success(result, func(w io.Writer) {
		fmt.Fprintf(w, "%s Deposited %s to %s\n", okColor.Sprint("✓"), formatMinor(rec.AmountMinor), target)
	})
}
