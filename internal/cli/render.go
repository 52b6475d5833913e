package cli

import (
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"

	"github.com/roach88/pushdash/internal/views"
	"github.com/roach88/pushdash/internal/watch"
)

var (
	okColor    = color.New(color.FgGreen)
	warnColor  = color.New(color.FgYellow)
	failColor  = color.New(color.FgRed)
	labelColor = color.New(color.FgCyan)
)

// formatMinor renders minor units with two decimals: 150075 -> "1500.75".
func formatMinor(minor int64) string {
	sign := ""
	if minor < 0 {
		sign = "-"
		minor = -minor
	}
	return fmt.Sprintf("%s%d.%02d", sign, minor/100, minor%100)
}

func tierLabel(t views.Tier) string {
	switch t {
	case views.TierHigh:
		return color.New(color.FgHiMagenta).Sprint(string(t))
	case views.TierMid:
		return labelColor.Sprint(string(t))
	}
	return string(t)
}

func renderDashboard(w io.Writer, d views.Dashboard) {
	fmt.Fprintf(w, "%s (%s) %s\n", d.Identity, d.Role, d.Day)
	if d.Frozen {
		fmt.Fprintf(w, "  %s\n", failColor.Sprint("FROZEN"))
	}
	fmt.Fprintf(w, "  Balance:    %s\n", formatMinor(d.BalanceMinor))
	fmt.Fprintf(w, "  Tier:       %s (%d purchases)\n", tierLabel(d.Tier), d.PurchaseCount)
	fmt.Fprintf(w, "  Accounts:   %d\n", d.PoolAccounts)
	fmt.Fprintf(w, "  Team:       %d members, %d direct\n", d.TeamSize, d.DirectReferrals)
	if d.Users > 0 {
		fmt.Fprintf(w, "  Users:      %d (%d frozen)\n", d.Users, d.FrozenUsers)
	}

	if len(d.Quotas) > 0 {
		fmt.Fprintln(w, "  Quotas:")
		for _, q := range d.Quotas {
			mark := okColor.Sprint("✓")
			if q.Remaining() == 0 {
				mark = warnColor.Sprint("!")
			}
			fmt.Fprintf(w, "    %s %-12s %d/%d\n", mark, q.Product, q.Used, q.Limit)
		}
	}
	if len(d.PushedToday) > 0 {
		fmt.Fprintf(w, "  Pushed today: %s\n", strings.Join(d.PushedToday, ", "))
	}
	for _, f := range d.Faults {
		fmt.Fprintf(w, "  %s %s\n", failColor.Sprint("fault:"), f)
	}
}

func renderForest(w io.Writer, f *views.Forest) {
	if f.Len() == 0 && len(f.Faults) == 0 {
		fmt.Fprintln(w, "No team members.")
		return
	}
	for _, root := range f.Roots {
		renderNode(w, root, "", "")
	}
	for _, c := range f.Faults {
		fmt.Fprintf(w, "%s %s\n", failColor.Sprint("cycle:"), strings.Join(c.Members, " -> "))
	}
}

func renderNode(w io.Writer, n *views.Node, first, rest string) {
	label := n.Member.Identity
	if n.Member.Role != "" {
		label += " (" + n.Member.Role + ")"
	}
	if size := n.Size(); size > 1 {
		label += fmt.Sprintf(" [%d]", size-1)
	}
	fmt.Fprintf(w, "%s%s\n", first, label)
	for i, c := range n.Children {
		branch, next := "├─ ", "│  "
		if i == len(n.Children)-1 {
			branch, next = "└─ ", "   "
		}
		renderNode(w, c, rest+branch, rest+next)
	}
}

// specRow is one line of the specs listing.
type specRow struct {
	Name        string `json:"name"`
	Role        string `json:"role"`
	Storage     string `json:"storage"`
	Cardinality string `json:"cardinality"`
	Target      string `json:"target"`
	Seeds       int    `json:"seeds,omitempty"`
}

func specRows(specs []watch.Spec) []specRow {
	rows := make([]specRow, 0, len(specs))
	for _, s := range specs {
		rows = append(rows, specRow{
			Name:        s.Name(),
			Role:        string(s.Role()),
			Storage:     s.Storage().String(),
			Cardinality: s.Cardinality().String(),
			Target:      targetLabel(s.Storage(), s.Target()),
			Seeds:       len(s.SeedDefaults()),
		})
	}
	return rows
}

func targetLabel(storage watch.StorageClass, t watch.Target) string {
	prefix := ""
	if storage == watch.PerIdentity {
		prefix = "users/{identity}"
	}
	switch t := t.(type) {
	case watch.DocumentOf:
		if t.Collection == "" {
			return prefix
		}
		return join(prefix, t.Collection+"/"+t.ID)
	case watch.CollectionOf:
		return join(prefix, t.Collection)
	case watch.GroupOf:
		return "**/" + t.Group
	}
	return "?"
}

func join(prefix, path string) string {
	if prefix == "" {
		return path
	}
	return prefix + "/" + path
}

func renderSpecs(w io.Writer, rows []specRow) {
	for _, r := range rows {
		seeds := ""
		if r.Seeds > 0 {
			seeds = fmt.Sprintf(" seeds=%d", r.Seeds)
		}
		fmt.Fprintf(w, "%-6s %-16s %-12s %-10s %s%s\n", r.Role, r.Name, r.Storage, r.Cardinality, r.Target, seeds)
	}
}
