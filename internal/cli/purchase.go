package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/pushdash/internal/callable"
)

// PurchaseOptions holds flags for the purchase command.
type PurchaseOptions struct {
	*RootOptions
	Name     string
	Platform string
}

// purchaseOutput is the JSON payload of a purchase.
type purchaseOutput struct {
	AccountID    string `json:"account_id"`
	Account      string `json:"account"`
	Platform     string `json:"platform,omitempty"`
	PriceMinor   int64  `json:"price_minor"`
	BalanceMinor int64  `json:"balance_minor"`
}

// NewPurchaseCommand creates the purchase command.
func NewPurchaseCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &PurchaseOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "purchase",
		Short: "Buy a pool account",
		Long: `Buy a pool account for the signed-in identity. The price is debited from
the balance in the same transaction that claims the account name; a taken
name gets a -2, -3, ... suffix.

Exit codes:
  0 - Account purchased
  1 - Purchase refused (insufficient funds, frozen account, bad name)
  2 - Command error

Examples:
  pushdash purchase --identity alice --name Fox --platform douyin`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPurchase(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Name, "name", "", "preferred account name")
	cmd.Flags().StringVar(&opts.Platform, "platform", "", "platform label")

	return cmd
}

func runPurchase(opts *PurchaseOptions, cmd *cobra.Command) error {
	role, err := opts.role()
	if err != nil {
		return err
	}
	ctx, cancel := signalContext(cmd.Context())
	defer cancel()

	e, err := opts.openEnv(ctx, role)
	if err != nil {
		return err
	}
	defer e.Close()

	out := opts.formatter(cmd)
	res, err := e.session.Purchase(ctx, callable.PurchaseRequest{Name: opts.Name, Platform: opts.Platform})
	if err != nil {
		return refuse(out, "purchase", err)
	}

	result := purchaseOutput{
		AccountID:    res.Account.ID,
		Account:      res.Account.DisplayName,
		Platform:     res.Account.PlatformLabel,
		PriceMinor:   -res.Record.AmountMinor,
		BalanceMinor: res.BalanceMinor,
	}
	return out.Success(result, func(w io.Writer) {
		fmt.Fprintf(w, "%s Purchased %s for %s, balance %s\n",
			okColor.Sprint("✓"), result.Account, formatMinor(result.PriceMinor), formatMinor(result.BalanceMinor))
	})
}
