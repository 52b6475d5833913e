package cli

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/pushdash/internal/model"
	"github.com/roach88/pushdash/internal/push"
)

// DefaultPlatform is the target platform when --platform is not given.
const DefaultPlatform = "douyin"

// PushOptions holds flags for the push command.
type PushOptions struct {
	*RootOptions
	Product  string
	Account  string
	Platform string
}

// pushOutput is the JSON payload of a settled push.
type pushOutput struct {
	RecordID    string `json:"record_id"`
	Product     string `json:"product"`
	Account     string `json:"account"`
	AmountMinor int64  `json:"amount_minor"`
	Progress    int    `json:"progress"`
}

// candidateOutput lists the accounts a product can still be pushed to.
type candidateOutput struct {
	Product    string   `json:"product"`
	Candidates []string `json:"candidates"`
}

// NewPushCommand creates the push command.
func NewPushCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &PushOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "push",
		Short: "Push a product through a pool account",
		Long: `Run the push workflow: compose the product, select a pool account and
advance progress in five steps. A commission is recorded when progress
reaches 100%. Interrupting with Ctrl-C cancels the push and nothing is
recorded.

Without --account the pool accounts still available for the product today
are listed.

Exit codes:
  0 - Push settled (or candidates listed)
  1 - Push refused or cancelled (quota reached, account used today, frozen)
  2 - Command error

Examples:
  pushdash push --product Starter
  pushdash push --product Starter --account Fox`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPush(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Product, "product", "", "product name (required)")
	cmd.Flags().StringVar(&opts.Account, "account", "", "pool account name or id")
	cmd.Flags().StringVar(&opts.Platform, "platform", DefaultPlatform, "target platform")
	_ = cmd.MarkFlagRequired("product")

	return cmd
}

func runPush(opts *PushOptions, cmd *cobra.Command) error {
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
	progress := push.WithProgress(func(percent int) {
		if !out.JSON() {
			fmt.Fprintf(out.Writer, "  %3d%%\n", percent)
		}
	})
	w, err := e.session.NewPush(progress)
	if err != nil {
		return refuse(out, "push", err)
	}
	defer w.Dispose()

	product, ok := productByName(e.session.Products(), opts.Product)
	if !ok {
		return refuse(out, "push", fmt.Errorf("%w: %q", push.ErrInactiveProduct, opts.Product))
	}
	if err := w.Compose(product, opts.Platform); err != nil {
		return refuse(out, "push", err)
	}

	if opts.Account == "" {
		list := candidateOutput{Product: product.Name, Candidates: []string{}}
		for _, pa := range w.Candidates() {
			list.Candidates = append(list.Candidates, pa.DisplayName)
		}
		return out.Success(list, func(wr io.Writer) {
			if len(list.Candidates) == 0 {
				fmt.Fprintf(wr, "No pool account can push %s today.\n", list.Product)
				return
			}
			fmt.Fprintf(wr, "Available for %s: %s\n", list.Product, strings.Join(list.Candidates, ", "))
		})
	}

	if err := w.Select(ctx, accountID(e.session.PoolAccounts(), opts.Account)); err != nil {
		return refuse(out, "push", err)
	}

	select {
	case <-w.Done():
	case <-ctx.Done():
		if w.Cancel() {
			out.VerboseLog("push cancelled at %d%%", w.Progress())
		}
		<-w.Done()
	}

	rec, err := w.Result()
	if err != nil {
		return refuse(out, "push", err)
	}

	result := pushOutput{
		RecordID:    rec.ID,
		AmountMinor: rec.AmountMinor,
		Progress:    w.Progress(),
	}
	if rec.PushDetails != nil {
		result.Product = rec.PushDetails.ProductName
		result.Account = rec.PushDetails.AccountName
	}
	return out.Success(result, func(wr io.Writer) {
		fmt.Fprintf(wr, "%s Pushed %s via %s, earned %s\n",
			okColor.Sprint("✓"), result.Product, result.Account, formatMinor(result.AmountMinor))
	})
}

func productByName(products []model.Product, name string) (model.Product, bool) {
	for _, p := range products {
		if p.Name == name {
			return p, true
		}
	}
	return model.Product{}, false
}

// accountID maps a display name to its pool account id. Anything else is
// passed through as an id.
func accountID(accounts []model.PoolAccount, nameOrID string) string {
	for _, pa := range accounts {
		if pa.DisplayName == nameOrID {
			return pa.ID
		}
	}
	return nameOrID
}
