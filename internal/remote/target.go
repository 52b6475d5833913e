package remote

import (
	"fmt"
	"strings"

	"github.com/roach88/pushdash/internal/doc"
	"github.com/roach88/pushdash/internal/query"
)

// UsersCollection roots every identity-scoped path.
const UsersCollection = "users"

// Target is a closed union of the three things a subscription can watch.
//
//   - DocumentTarget: one document
//   - CollectionTarget: every document of one collection matching Where
//   - GroupTarget: every document of every same-named collection matching Where
//
// Each variant carries only the fields it needs and validates itself.
type Target interface {
	target()
	Validate() error
	String() string
}

// DocumentTarget addresses a single document.
type DocumentTarget struct {
	Collection string
	ID         string
}

func (DocumentTarget) target() {}

// Validate checks the collection path and document id.
func (t DocumentTarget) Validate() error {
	if err := ValidateCollection(t.Collection); err != nil {
		return err
	}
	return ValidateID(t.ID)
}

func (t DocumentTarget) String() string { return t.Collection + "/" + t.ID }

// CollectionTarget addresses the documents of one collection.
type CollectionTarget struct {
	Collection string
	Where      []query.Predicate
}

func (CollectionTarget) target() {}

// Validate checks the collection path and predicates.
func (t CollectionTarget) Validate() error {
	if err := ValidateCollection(t.Collection); err != nil {
		return err
	}
	if err := query.Validate(t.Where); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidTarget, err)
	}
	return nil
}

func (t CollectionTarget) String() string { return t.Collection }

// GroupTarget addresses every collection whose last path segment is Group,
// under any parent document ("transactions" matches users/u1/transactions and
// users/u2/transactions).
type GroupTarget struct {
	Group string
	Where []query.Predicate
}

func (GroupTarget) target() {}

// Validate checks the group name and predicates.
func (t GroupTarget) Validate() error {
	if t.Group == "" || strings.Contains(t.Group, "/") {
		return fmt.Errorf("%w: group %q must be a single segment", ErrInvalidTarget, t.Group)
	}
	if err := query.Validate(t.Where); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidTarget, err)
	}
	return nil
}

func (t GroupTarget) String() string { return "group:" + t.Group }

// ValidateCollection checks that path names a collection: non-empty segments
// alternating collection/document, ending on a collection.
func ValidateCollection(path string) error {
	if path == "" {
		return fmt.Errorf("%w: empty collection path", ErrInvalidTarget)
	}
	segs := strings.Split(path, "/")
	if len(segs)%2 == 0 {
		return fmt.Errorf("%w: %q is a document path, not a collection", ErrInvalidTarget, path)
	}
	for _, s := range segs {
		if s == "" {
			return fmt.Errorf("%w: empty segment in %q", ErrInvalidTarget, path)
		}
	}
	return nil
}

// ValidateID checks a document id.
func ValidateID(id string) error {
	if id == "" || strings.Contains(id, "/") {
		return fmt.Errorf("%w: invalid document id %q", ErrInvalidTarget, id)
	}
	return nil
}

// UserPath builds an identity-scoped collection path: users/{identity}/{collection}.
func UserPath(identity, collection string) string {
	return UsersCollection + "/" + identity + "/" + collection
}

// LastSegment returns the final segment of a collection path (its group name).
func LastSegment(collection string) string {
	if i := strings.LastIndexByte(collection, '/'); i >= 0 {
		return collection[i+1:]
	}
	return collection
}

// Affects reports whether a write to collection can change what target sees.
func Affects(t Target, collection string) bool {
	switch tt := t.(type) {
	case DocumentTarget:
		return tt.Collection == collection
	case CollectionTarget:
		return tt.Collection == collection
	case GroupTarget:
		return LastSegment(collection) == tt.Group
	}
	return false
}

// Match reports whether d belongs to target's result set.
func Match(t Target, d Document) bool {
	switch tt := t.(type) {
	case DocumentTarget:
		return tt.Collection == d.Collection && tt.ID == d.ID
	case CollectionTarget:
		return tt.Collection == d.Collection && query.Eval(tt.Where, d.Fields)
	case GroupTarget:
		return LastSegment(d.Collection) == tt.Group && query.Eval(tt.Where, d.Fields)
	}
	return false
}

// Where returns the predicates of a target, nil for documents.
func Where(t Target) []query.Predicate {
	switch tt := t.(type) {
	case CollectionTarget:
		return tt.Where
	case GroupTarget:
		return tt.Where
	}
	return nil
}

// Document is one stored document.
type Document struct {
	Collection string
	ID         string
	Fields     doc.Object
	// Version increments on every write; optimistic transactions compare it.
	Version int64
}

// Path returns collection/id.
func (d Document) Path() string { return d.Collection + "/" + d.ID }

// Snapshot is one delivery of a subscription: the full current result set, or an error.
type Snapshot struct {
	Target Target
	// Docs holds the result in arrival order. For a DocumentTarget it has at most one entry.
	Docs []Document
	// Exists is set for a DocumentTarget whose document is present.
	Exists bool
	Err    error
}

// Doc returns the single document of a DocumentTarget snapshot.
func (s Snapshot) Doc() (Document, bool) {
	if !s.Exists || len(s.Docs) == 0 {
		return Document{}, false
	}
	return s.Docs[0], true
}

// Write is a closed union of the writes a batch may contain.
type Write interface {
	write()
	Key() (collection, id string)
}

// SetWrite creates or overwrites a document.
type SetWrite struct {
	Collection string
	ID         string
	Fields     doc.Object
}

func (SetWrite) write() {}

// Key returns the document addressed by the write.
func (w SetWrite) Key() (string, string) { return w.Collection, w.ID }

// UpdateWrite merges top-level fields into an existing document.
type UpdateWrite struct {
	Collection string
	ID         string
	Fields     doc.Object
}

func (UpdateWrite) write() {}

// Key returns the document addressed by the write.
func (w UpdateWrite) Key() (string, string) { return w.Collection, w.ID }

// DeleteWrite removes a document.
type DeleteWrite struct {
	Collection string
	ID         string
}

func (DeleteWrite) write() {}

// Key returns the document addressed by the write.
func (w DeleteWrite) Key() (string, string) { return w.Collection, w.ID }

// ValidateWrites checks every write's address.
func ValidateWrites(writes []Write) error {
	for i, w := range writes {
		if w == nil {
			return fmt.Errorf("write %d: %w: nil write", i, ErrInvalidTarget)
		}
		c, id := w.Key()
		if err := ValidateCollection(c); err != nil {
			return fmt.Errorf("write %d: %w", i, err)
		}
		if err := ValidateID(id); err != nil {
			return fmt.Errorf("write %d: %w", i, err)
		}
	}
	return nil
}
