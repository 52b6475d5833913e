package watch

import (
	"errors"
	"fmt"

	"github.com/roach88/pushdash/internal/doc"
	"github.com/roach88/pushdash/internal/query"
	"github.com/roach88/pushdash/internal/remote"
)

// ErrInvalidSpec is returned when a specification cannot be constructed.
var ErrInvalidSpec = errors.New("watch: invalid specification")

// Role scopes the set of specifications a session opens.
type Role string

const (
	RoleUser  Role = "user"
	RoleAdmin Role = "admin"
)

// ParseRole validates a role tag.
func ParseRole(s string) (Role, error) {
	switch Role(s) {
	case RoleUser, RoleAdmin:
		return Role(s), nil
	}
	return "", fmt.Errorf("unknown role %q: must be %q or %q", s, RoleUser, RoleAdmin)
}

// StorageClass says whether a target is shared or scoped to the session identity.
type StorageClass int

const (
	Shared StorageClass = iota + 1
	PerIdentity
)

func (s StorageClass) String() string {
	switch s {
	case Shared:
		return "shared"
	case PerIdentity:
		return "per-identity"
	}
	return fmt.Sprintf("StorageClass(%d)", int(s))
}

// Cardinality is the shape of a mirror.
type Cardinality int

const (
	SingleDocument Cardinality = iota + 1
	Collection
	CrossCollectionGroup
)

func (c Cardinality) String() string {
	switch c {
	case SingleDocument:
		return "document"
	case Collection:
		return "collection"
	case CrossCollectionGroup:
		return "group"
	}
	return fmt.Sprintf("Cardinality(%d)", int(c))
}

// SeedPolicy says whether defaults are written into an observed-empty target.
type SeedPolicy int

const (
	Never SeedPolicy = iota
	SeedIfEmpty
)

// Target is the closed union of watch target shapes.
type Target interface {
	Cardinality() Cardinality
}

// DocumentOf watches one document. With PerIdentity storage and an empty
// Collection it addresses users/{identity} itself.
type DocumentOf struct {
	Collection string
	ID         string
}

func (DocumentOf) Cardinality() Cardinality { return SingleDocument }

// CollectionOf watches one collection.
type CollectionOf struct {
	Collection string
}

func (CollectionOf) Cardinality() Cardinality { return Collection }

// GroupOf watches every same-named collection across parent documents.
type GroupOf struct {
	Group string
}

func (GroupOf) Cardinality() Cardinality { return CrossCollectionGroup }

// Spec declares one subscription. Construct with New; a Spec is immutable.
type Spec struct {
	name       string
	role       Role
	storage    StorageClass
	target     Target
	predicates []query.Predicate
	defaults   []doc.Object
	seedPolicy SeedPolicy
}

// Option configures a Spec at construction.
type Option func(*Spec)

// WithPredicates sets the ordered filter clauses.
func WithPredicates(preds ...query.Predicate) Option {
	return func(s *Spec) {
		s.predicates = append([]query.Predicate(nil), preds...)
	}
}

// WithSeed sets default records and the SeedIfEmpty policy.
func WithSeed(defaults ...doc.Object) Option {
	return func(s *Spec) {
		s.defaults = make([]doc.Object, len(defaults))
		for i, d := range defaults {
			s.defaults[i] = d.Clone()
		}
		s.seedPolicy = SeedIfEmpty
	}
}

// New builds and validates a specification.
func New(name string, role Role, storage StorageClass, target Target, opts ...Option) (Spec, error) {
	s := Spec{
		name:    name,
		role:    role,
		storage: storage,
		target:  target,
	}
	for _, opt := range opts {
		opt(&s)
	}
	if err := s.validate(); err != nil {
		return Spec{}, fmt.Errorf("%w %q: %v", ErrInvalidSpec, name, err)
	}
	return s, nil
}

// MustNew is like New but panics on error. Use only for static catalogs and tests.
func MustNew(name string, role Role, storage StorageClass, target Target, opts ...Option) Spec {
	s, err := New(name, role, storage, target, opts...)
	if err != nil {
		panic(err)
	}
	return s
}

func (s Spec) validate() error {
	if s.name == "" {
		return errors.New("name is required")
	}
	if _, err := ParseRole(string(s.role)); err != nil {
		return err
	}
	if s.storage != Shared && s.storage != PerIdentity {
		return fmt.Errorf("unknown storage class %v", s.storage)
	}
	if s.target == nil {
		return errors.New("target is required")
	}
	if s.seedPolicy == SeedIfEmpty && len(s.defaults) == 0 {
		return errors.New("SeedIfEmpty needs at least one default record")
	}

	switch t := s.target.(type) {
	case DocumentOf:
		if len(s.predicates) > 0 {
			return errors.New("a single document takes no predicates")
		}
		if s.storage == Shared || t.Collection != "" {
			if t.Collection == "" {
				return errors.New("shared document needs a collection")
			}
			if err := remote.ValidateID(t.ID); err != nil {
				return err
			}
		}
	case CollectionOf:
		if t.Collection == "" {
			return errors.New("collection is required")
		}
	case GroupOf:
		if s.storage != Shared {
			return errors.New("a collection group spans identities and must be shared")
		}
		if s.seedPolicy == SeedIfEmpty {
			return errors.New("a collection group has no single collection to seed")
		}
	default:
		return fmt.Errorf("unsupported target %T", s.target)
	}

	// Resolve against a placeholder identity to validate the concrete path.
	resolved, err := s.Resolve("u")
	if err != nil {
		return err
	}
	return resolved.Validate()
}

// Resolve returns the remote target for a session identity.
func (s Spec) Resolve(identity string) (remote.Target, error) {
	if s.storage == PerIdentity {
		if err := remote.ValidateID(identity); err != nil {
			return nil, fmt.Errorf("identity: %w", err)
		}
	}
	switch t := s.target.(type) {
	case DocumentOf:
		if s.storage == PerIdentity {
			if t.Collection == "" {
				return remote.DocumentTarget{Collection: remote.UsersCollection, ID: identity}, nil
			}
			return remote.DocumentTarget{Collection: remote.UserPath(identity, t.Collection), ID: t.ID}, nil
		}
		return remote.DocumentTarget{Collection: t.Collection, ID: t.ID}, nil
	case CollectionOf:
		coll := t.Collection
		if s.storage == PerIdentity {
			coll = remote.UserPath(identity, coll)
		}
		return remote.CollectionTarget{Collection: coll, Where: s.Predicates()}, nil
	case GroupOf:
		return remote.GroupTarget{Group: t.Group, Where: s.Predicates()}, nil
	}
	return nil, fmt.Errorf("%w: unsupported target %T", ErrInvalidSpec, s.target)
}

// Name returns the logical target id.
func (s Spec) Name() string { return s.name }

// Role returns the role tag.
func (s Spec) Role() Role { return s.role }

// Storage returns the storage class.
func (s Spec) Storage() StorageClass { return s.storage }

// Target returns the target shape.
func (s Spec) Target() Target { return s.target }

// Cardinality returns the target's cardinality.
func (s Spec) Cardinality() Cardinality { return s.target.Cardinality() }

// SeedPolicy returns the seed policy.
func (s Spec) SeedPolicy() SeedPolicy { return s.seedPolicy }

// Predicates returns a copy of the filter clauses.
func (s Spec) Predicates() []query.Predicate {
	if len(s.predicates) == 0 {
		return nil
	}
	return append([]query.Predicate(nil), s.predicates...)
}

// SeedDefaults returns copies of the default records.
func (s Spec) SeedDefaults() []doc.Object {
	out := make([]doc.Object, len(s.defaults))
	for i, d := range s.defaults {
		out[i] = d.Clone()
	}
	return out
}

func (s Spec) String() string {
	return fmt.Sprintf("%s[%s %s %s]", s.name, s.role, s.storage, s.Cardinality())
}
