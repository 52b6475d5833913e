package views

import (
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/roach88/pushdash/internal/model"
)

// Inputs are the decoded mirror contents a dashboard is computed from.
type Inputs struct {
	Identity string
	Role     string
	Now      time.Time
	Location *time.Location

	Profile      model.UserProfile
	Ledger       []model.LedgerRecord
	PoolAccounts []model.PoolAccount
	Products     []model.Product
	Settings     model.Settings
	Team         []model.TeamMember
	// Users is only populated for admin sessions.
	Users []model.UserProfile
}

// Dashboard is the aggregate shown to an affiliate or admin.
type Dashboard struct {
	Identity        string   `json:"identity"`
	Role            string   `json:"role"`
	Day             string   `json:"day"`
	Frozen          bool     `json:"frozen"`
	BalanceMinor    int64    `json:"balance_minor"`
	PurchaseCount   int      `json:"purchase_count"`
	Tier            Tier     `json:"tier"`
	PoolAccounts    int      `json:"pool_accounts"`
	Quotas          []Quota  `json:"quotas"`
	PushedToday     []string `json:"pushed_today"`
	TeamSize        int      `json:"team_size"`
	DirectReferrals int      `json:"direct_referrals"`
	Users           int      `json:"users,omitempty"`
	FrozenUsers     int      `json:"frozen_users,omitempty"`
	Faults          []string `json:"faults,omitempty"`
}

// Compute derives a dashboard. It never mutates its inputs.
func Compute(in Inputs) Dashboard {
	loc := in.Location
	if loc == nil {
		loc = time.Local
	}
	purchases := PurchaseCount(in.Ledger)
	forest := BuildForest(in.Team)

	d := Dashboard{
		Identity:        in.Identity,
		Role:            in.Role,
		Day:             DayKey(in.Now, loc),
		Frozen:          in.Profile.Frozen,
		BalanceMinor:    Balance(in.Ledger),
		PurchaseCount:   purchases,
		Tier:            Classify(purchases, ThresholdsFrom(in.Settings)),
		PoolAccounts:    len(in.PoolAccounts),
		PushedToday:     PushedAccountsToday(in.Ledger, in.Now, loc),
		TeamSize:        forest.Len(),
		DirectReferrals: forest.DirectReferrals(in.Identity),
		Users:           len(in.Users),
	}
	for _, p := range in.Products {
		if !p.Active {
			continue
		}
		d.Quotas = append(d.Quotas, UsageFor(in.Ledger, p, in.Settings, in.Now, loc))
	}
	slices.SortStableFunc(d.Quotas, func(a, b Quota) int { return strings.Compare(a.Product, b.Product) })

	for _, u := range in.Users {
		if u.Frozen {
			d.FrozenUsers++
		}
	}
	for _, c := range forest.Faults {
		d.Faults = append(d.Faults, c.Error())
	}
	return d
}

// Memo caches the last computed dashboard under a key built from mirror
// versions and the calendar day. Safe for concurrent use.
type Memo struct {
	mu       sync.Mutex
	key      string
	value    Dashboard
	computed int
}

// MemoKey builds a key from mirror versions and a day.
func MemoKey(day string, versions ...int64) string {
	var b strings.Builder
	b.WriteString(day)
	for _, v := range versions {
		b.WriteByte('|')
		b.WriteString(strconv.FormatInt(v, 10))
	}
	return b.String()
}

// Get returns the cached dashboard for key, computing it on a miss. Each
// caller gets its own copy of the slices.
func (m *Memo) Get(key string, compute func() Dashboard) Dashboard {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.computed == 0 || m.key != key {
		m.value = compute()
		m.key = key
		m.computed++
	}
	return m.value.clone()
}

func (d Dashboard) clone() Dashboard {
	d.Quotas = slices.Clone(d.Quotas)
	d.PushedToday = slices.Clone(d.PushedToday)
	d.Faults = slices.Clone(d.Faults)
	return d
}

// Computations returns how many times Get recomputed.
func (m *Memo) Computations() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.computed
}
