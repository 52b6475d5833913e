package cli

import (
	"io"
	"reflect"

	"github.com/spf13/cobra"

	"github.com/roach88/pushdash/internal/metrics"
	"github.com/roach88/pushdash/internal/session"
	"github.com/roach88/pushdash/internal/views"
)

// DashboardOptions holds flags for the dashboard command.
type DashboardOptions struct {
	*RootOptions
	Follow      bool
	MetricsAddr string
}

// NewDashboardCommand creates the dashboard command.
func NewDashboardCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &DashboardOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "dashboard",
		Short: "Show the caller's dashboard",
		Long: `Open a session, wait until every mirror has caught up with the store and
print the dashboard: balance, tier, pool accounts, today's quotas, pushed
accounts and team size.

With --follow the dashboard is printed again whenever a mirror changes,
until interrupted. With --metrics-addr (or metrics.addr in the config) a
status server exposes /metrics, /healthz and /dashboard while following.

Examples:
  pushdash dashboard --backend sqlite --db ./pushdash.db --identity alice
  pushdash dashboard --follow --metrics-addr :9090
  pushdash dashboard --role admin --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDashboard(opts, cmd)
		},
	}

	cmd.Flags().BoolVarP(&opts.Follow, "follow", "f", false, "re-print on every change")
	cmd.Flags().StringVar(&opts.MetricsAddr, "metrics-addr", "", "serve /metrics, /healthz and /dashboard on this address")

	return cmd
}

func runDashboard(opts *DashboardOptions, cmd *cobra.Command) error {
	role, err := opts.role()
	if err != nil {
		return err
	}
	ctx, cancel := signalContext(cmd.Context())
	defer cancel()

	changes := make(chan struct{}, 1)
	collector := metrics.NewCollector(metrics.DefaultNamespace)
	e, err := opts.openEnv(ctx, role,
		session.WithMetrics(collector),
		session.WithOnChange(func(string) {
			select {
			case changes <- struct{}{}:
			default:
			}
		}),
	)
	if err != nil {
		return err
	}
	defer e.Close()

	out := opts.formatter(cmd)
	last := e.session.Dashboard()
	if err := printDashboard(out, last); err != nil {
		return err
	}

	addr := opts.MetricsAddr
	if addr == "" {
		addr = e.cfg.Metrics.Addr
	}
	if !opts.Follow && addr == "" {
		return nil
	}

	serverErr := make(chan error, 1)
	if addr != "" {
		go func() { serverErr <- serveStatus(ctx, addr, newStatusRouter(e.session, collector)) }()
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-serverErr:
			if err != nil {
				return WrapExitError(ExitCommandError, "status server failed", err)
			}
		case <-changes:
			if !opts.Follow {
				continue
			}
			d := e.session.Dashboard()
			if reflect.DeepEqual(d, last) {
				continue
			}
			last = d
			if err := printDashboard(out, d); err != nil {
				return err
			}
		}
	}
}

func printDashboard(out *OutputFormatter, d views.Dashboard) error {
	return out.Success(d, func(w io.Writer) { renderDashboard(w, d) })
}
