package cli

import (
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/pushdash/internal/views"
)

// teamNode is the JSON form of a forest node.
type teamNode struct {
	Identity string     `json:"identity"`
	Role     string     `json:"role,omitempty"`
	Referrer string     `json:"referrer,omitempty"`
	Children []teamNode `json:"children,omitempty"`
}

// teamOutput is the JSON payload of the team command.
type teamOutput struct {
	Members int        `json:"members"`
	Roots   []teamNode `json:"roots"`
	Cycles  [][]string `json:"cycles,omitempty"`
}

// NewTeamCommand creates the team command.
func NewTeamCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "team",
		Short: "Show the referral forest",
		Long: `Print the referral forest built from the team collection. Members whose
referrer is unknown are roots; members on a referral cycle are reported
as faults and left out of the tree.

Examples:
  pushdash team
  pushdash team --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTeam(rootOpts, cmd)
		},
	}
}

func runTeam(opts *RootOptions, cmd *cobra.Command) error {
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

	forest := e.session.Forest()
	return opts.formatter(cmd).Success(teamJSON(forest), func(w io.Writer) { renderForest(w, forest) })
}

func teamJSON(f *views.Forest) teamOutput {
	out := teamOutput{Members: f.Len(), Roots: []teamNode{}}
	for _, r := range f.Roots {
		out.Roots = append(out.Roots, nodeJSON(r))
	}
	for _, c := range f.Faults {
		out.Cycles = append(out.Cycles, c.Members)
	}
	return out
}

func nodeJSON(n *views.Node) teamNode {
	t := teamNode{
		Identity: n.Member.Identity,
		Role:     n.Member.Role,
		Referrer: n.Member.ReferrerID,
	}
	for _, c := range n.Children {
		t.Children = append(t.Children, nodeJSON(c))
	}
	return t
}
