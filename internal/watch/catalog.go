package watch

import (
	"fmt"

	"github.com/roach88/pushdash/internal/doc"
	"github.com/roach88/pushdash/internal/model"
	"github.com/roach88/pushdash/internal/query"
)

// Spec names of the dashboard catalog.
const (
	SpecProfile         = "profile"
	SpecTransactions    = "transactions"
	SpecPoolAccounts    = "poolAccounts"
	SpecProducts        = "products"
	SpecSettings        = "settings"
	SpecTeam            = "team"
	SpecUsers           = "users"
	SpecAllTransactions = "allTransactions"
	SpecAllPoolAccounts = "allPoolAccounts"
)

// Catalog is the master list of specifications. Declaration order is preserved.
type Catalog struct {
	specs []Spec
}

// NewCatalog builds a catalog. (role, name) pairs must be unique; the same
// name or path may appear under different roles.
func NewCatalog(specs ...Spec) (*Catalog, error) {
	seen := make(map[string]bool, len(specs))
	for _, s := range specs {
		key := string(s.Role()) + "/" + s.Name()
		if seen[key] {
			return nil, fmt.Errorf("%w: duplicate spec %q for role %q", ErrInvalidSpec, s.Name(), s.Role())
		}
		seen[key] = true
	}
	return &Catalog{specs: append([]Spec(nil), specs...)}, nil
}

// ForRole returns the specifications tagged with role, in declaration order.
func (c *Catalog) ForRole(role Role) []Spec {
	var out []Spec
	for _, s := range c.specs {
		if s.Role() == role {
			out = append(out, s)
		}
	}
	return out
}

// All returns every specification.
func (c *Catalog) All() []Spec {
	return append([]Spec(nil), c.specs...)
}

// Seeds supplies the default records written into empty shared targets.
type Seeds struct {
	Products []model.Product
	Settings model.Settings
}

// DefaultCatalog returns the dashboard's master list.
//
// user: own profile, ledger and pool accounts, active products, settings, team.
// admin: own profile, all users, every ledger and pool account (collection
// groups), all products, settings, team.
func DefaultCatalog(seeds Seeds) (*Catalog, error) {
	productSeeds := make([]doc.Object, 0, len(seeds.Products))
	for _, p := range seeds.Products {
		productSeeds = append(productSeeds, p.Fields())
	}
	settingsSeed := seeds.Settings.Fields()

	var specs []Spec
	add := func(name string, role Role, storage StorageClass, target Target, opts ...Option) error {
		s, err := New(name, role, storage, target, opts...)
		if err != nil {
			return err
		}
		specs = append(specs, s)
		return nil
	}
	products := func(role Role, opts ...Option) error {
		if len(productSeeds) > 0 {
			opts = append(opts, WithSeed(productSeeds...))
		}
		return add(SpecProducts, role, Shared, CollectionOf{Collection: model.CollProducts}, opts...)
	}
	profile := func(role Role) error {
		seed := model.UserProfile{Role: string(role)}.Fields()
		return add(SpecProfile, role, PerIdentity, DocumentOf{}, WithSeed(seed))
	}

	steps := []func() error{
		func() error { return profile(RoleUser) },
		func() error {
			return add(SpecTransactions, RoleUser, PerIdentity, CollectionOf{Collection: model.CollTransactions})
		},
		func() error {
			return add(SpecPoolAccounts, RoleUser, PerIdentity, CollectionOf{Collection: model.CollPoolAccounts})
		},
		func() error {
			return products(RoleUser, WithPredicates(query.Where("active", doc.Bool(true))))
		},
		func() error {
			return add(SpecSettings, RoleUser, Shared,
				DocumentOf{Collection: model.CollSettings, ID: model.SettingsDocID}, WithSeed(settingsSeed))
		},
		func() error { return add(SpecTeam, RoleUser, Shared, CollectionOf{Collection: model.CollTeam}) },

		func() error { return profile(RoleAdmin) },
		func() error { return add(SpecUsers, RoleAdmin, Shared, CollectionOf{Collection: model.CollUsers}) },
		func() error {
			return add(SpecAllTransactions, RoleAdmin, Shared, GroupOf{Group: model.CollTransactions})
		},
		func() error {
			return add(SpecAllPoolAccounts, RoleAdmin, Shared, GroupOf{Group: model.CollPoolAccounts})
		},
		func() error { return products(RoleAdmin) },
		func() error {
			return add(SpecSettings, RoleAdmin, Shared,
				DocumentOf{Collection: model.CollSettings, ID: model.SettingsDocID}, WithSeed(settingsSeed))
		},
		func() error { return add(SpecTeam, RoleAdmin, Shared, CollectionOf{Collection: model.CollTeam}) },
	}
	for _, step := range steps {
		if err := step(); err != nil {
			return nil, err
		}
	}
	return NewCatalog(specs...)
}
