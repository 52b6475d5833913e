package views

import (
	"errors"
	"fmt"
	"strings"

	"github.com/roach88/pushdash/internal/model"
)

// ErrReferralCycle marks a referral chain that loops back on itself.
var ErrReferralCycle = errors.New("referral cycle")

// CycleError reports the members of one referral cycle, in chain order
// starting from the member first reached.
// A self-referencing member is a cycle of one.
type CycleError struct {
	Members []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("%v: %s", ErrReferralCycle, strings.Join(e.Members, " -> "))
}

func (e *CycleError) Is(target error) bool { return target == ErrReferralCycle }

// Node is one member in the referral forest.
type Node struct {
	Member   model.TeamMember
	Children []*Node
}

// Size returns the number of members in this subtree, including the node itself.
func (n *Node) Size() int {
	size := 1
	for _, c := range n.Children {
		size += c.Size()
	}
	return size
}

// Forest is the referral structure assembled from team members.
type Forest struct {
	// Roots are members whose referrer is unknown, empty or excluded, in delivery order.
	Roots []*Node
	// Nodes indexes every member that made it into the forest by identity.
	Nodes map[string]*Node
	// Faults lists every detected cycle. Members on a cycle are not in Nodes.
	Faults []*CycleError
}

// DirectReferrals returns how many members name identity as their referrer.
func (f *Forest) DirectReferrals(identity string) int {
	if n, ok := f.Nodes[identity]; ok {
		return len(n.Children)
	}
	return 0
}

// Len returns the number of members in the forest.
func (f *Forest) Len() int { return len(f.Nodes) }

// Err joins every fault, or returns nil.
func (f *Forest) Err() error {
	errs := make([]error, len(f.Faults))
	for i, c := range f.Faults {
		errs[i] = c
	}
	return errors.Join(errs...)
}

// walk states for cycle detection
const (
	unvisited = iota
	onPath
	done
)

// BuildForest assembles members into a forest.
//
// Every referrerId chain is walked with an explicit visited set; a chain
// that re-enters the current path is a cycle. Cycle members are reported in
// Faults and left out of the forest. A member whose referrer is on a cycle
// becomes a root. When two members share an identity the first one wins.
func BuildForest(members []model.TeamMember) *Forest {
	byID := make(map[string]model.TeamMember, len(members))
	order := make([]string, 0, len(members))
	for _, m := range members {
		if m.Identity == "" {
			continue
		}
		if _, dup := byID[m.Identity]; dup {
			continue
		}
		byID[m.Identity] = m
		order = append(order, m.Identity)
	}

	state := make(map[string]int, len(order))
	onCycle := make(map[string]bool)
	var faults []*CycleError

	for _, start := range order {
		if state[start] != unvisited {
			continue
		}
		var path []string
		id := start
		for {
			if _, known := byID[id]; !known || state[id] == done {
				break
			}
			if state[id] == onPath {
				i := indexOf(path, id)
				cycle := append([]string(nil), path[i:]...)
				for _, c := range cycle {
					onCycle[c] = true
				}
				faults = append(faults, &CycleError{Members: cycle})
				break
			}
			state[id] = onPath
			path = append(path, id)
			id = byID[id].ReferrerID
		}
		for _, p := range path {
			state[p] = done
		}
	}

	f := &Forest{Nodes: make(map[string]*Node, len(order)), Faults: faults}
	for _, id := range order {
		if !onCycle[id] {
			f.Nodes[id] = &Node{Member: byID[id]}
		}
	}
	for _, id := range order {
		n, ok := f.Nodes[id]
		if !ok {
			continue
		}
		if parent, ok := f.Nodes[n.Member.ReferrerID]; ok {
			parent.Children = append(parent.Children, n)
		} else {
			f.Roots = append(f.Roots, n)
		}
	}
	return f
}

func indexOf(s []string, v string) int {
	for i, x := range s {
		if x == v {
			return i
		}
	}
	return -1
}
