// Package memory is an in-process document store implementing remote.Adapter.
//
// It keeps documents in insertion order, runs transactions under a single
// lock, and publishes changes through a remote.Hub exactly like the durable
// backends. Tests, demos and the scenario harness run against it.
package memory

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/roach88/pushdash/internal/doc"
	"github.com/roach88/pushdash/internal/remote"
)

// Op names an operation for failure injection.
type Op string

const (
	OpSet         Op = "set"
	OpUpdate      Op = "update"
	OpDelete      Op = "delete"
	OpBatch       Op = "batch"
	OpTransaction Op = "transaction"
	OpQuery       Op = "query"
)

// Stats counts committed operations.
type Stats struct {
	Sets         int
	Updates      int
	Deletes      int
	Batches      int
	Transactions int
}

type entry struct {
	fields  doc.Object
	version int64
	seq     int64
}

// Store is the in-memory adapter.
type Store struct {
	mu    sync.Mutex
	colls map[string]map[string]*entry
	seq   int64
	stats Stats
	fail  map[Op][]error

	ids remote.IDGenerator
	hub *remote.Hub
}

// Option configures a Store.
type Option func(*Store)

// WithIDGenerator overrides the UUIDv7 default.
func WithIDGenerator(g remote.IDGenerator) Option {
	return func(s *Store) {
		s.ids = g
	}
}

// New creates an empty store.
func New(opts ...Option) *Store {
	s := &Store{
		colls: make(map[string]map[string]*entry),
		fail:  make(map[Op][]error),
		ids:   remote.UUIDv7Generator{},
	}
	for _, opt := range opts {
		opt(s)
	}
	s.hub = remote.NewHub(s)
	return s
}

var _ remote.Adapter = (*Store)(nil)

// Close stops every subscription.
func (s *Store) Close() error {
	s.hub.Close()
	return nil
}

// FailNext makes the next op fail with err. Calls queue up per op.
func (s *Store) FailNext(op Op, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fail[op] = append(s.fail[op], err)
}

// Stats returns a copy of the committed-operation counters.
func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// takeFailure pops an injected failure. Caller holds s.mu.
func (s *Store) takeFailure(op Op) error {
	q := s.fail[op]
	if len(q) == 0 {
		return nil
	}
	s.fail[op] = q[1:]
	return q[0]
}

// NewID returns a fresh id.
func (s *Store) NewID() string {
	return s.ids.Generate()
}

// Subscribe implements remote.Adapter.
func (s *Store) Subscribe(ctx context.Context, target remote.Target, fn func(remote.Snapshot)) (remote.Subscription, error) {
	return s.hub.Subscribe(ctx, target, fn)
}

// QueryTarget implements remote.Querier.
func (s *Store) QueryTarget(_ context.Context, target remote.Target) ([]remote.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFailure(OpQuery); err != nil {
		return nil, err
	}
	return s.queryLocked(target), nil
}

// queryLocked returns matching documents ordered by arrival. Caller holds s.mu.
func (s *Store) queryLocked(target remote.Target) []remote.Document {
	var out []remote.Document
	var seqs []int64
	for coll, docs := range s.colls {
		if !remote.Affects(target, coll) {
			continue
		}
		for id, e := range docs {
			d := remote.Document{Collection: coll, ID: id, Fields: e.fields.Clone(), Version: e.version}
			if remote.Match(target, d) {
				out = append(out, d)
				seqs = append(seqs, e.seq)
			}
		}
	}
	idx := make([]int, len(out))
	for i := range idx {
		idx[i] = i
	}
	slices.SortFunc(idx, func(a, b int) int {
		switch {
		case seqs[a] < seqs[b]:
			return -1
		case seqs[a] > seqs[b]:
			return 1
		}
		return 0
	})
	sorted := make([]remote.Document, len(out))
	for i, j := range idx {
		sorted[i] = out[j]
	}
	return sorted
}

// Get implements remote.Adapter.
func (s *Store) Get(_ context.Context, collection, id string) (remote.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getLocked(collection, id)
}

func (s *Store) getLocked(collection, id string) (remote.Document, error) {
	e, ok := s.colls[collection][id]
	if !ok {
		return remote.Document{}, fmt.Errorf("get %s/%s: %w", collection, id, remote.ErrNotFound)
	}
	return remote.Document{Collection: collection, ID: id, Fields: e.fields.Clone(), Version: e.version}, nil
}

// Set implements remote.Adapter.
func (s *Store) Set(ctx context.Context, collection, id string, fields doc.Object) error {
	return s.single(OpSet, remote.SetWrite{Collection: collection, ID: id, Fields: fields})
}

// Update implements remote.Adapter.
func (s *Store) Update(ctx context.Context, collection, id string, partial doc.Object) error {
	return s.single(OpUpdate, remote.UpdateWrite{Collection: collection, ID: id, Fields: partial})
}

// Delete implements remote.Adapter.
func (s *Store) Delete(ctx context.Context, collection, id string) error {
	return s.single(OpDelete, remote.DeleteWrite{Collection: collection, ID: id})
}

func (s *Store) single(op Op, w remote.Write) error {
	if err := remote.ValidateWrites([]remote.Write{w}); err != nil {
		return err
	}
	coll, _ := w.Key()

	s.mu.Lock()
	if err := s.takeFailure(op); err != nil {
		s.mu.Unlock()
		return fmt.Errorf("%s: %w", op, err)
	}
	if err := s.checkLocked(w, nil); err != nil {
		s.mu.Unlock()
		return err
	}
	s.applyLocked(w)
	switch op {
	case OpSet:
		s.stats.Sets++
	case OpUpdate:
		s.stats.Updates++
	case OpDelete:
		s.stats.Deletes++
	}
	s.mu.Unlock()

	s.hub.Notify(coll)
	return nil
}

// RunBatch implements remote.Adapter.
func (s *Store) RunBatch(ctx context.Context, writes []remote.Write) error {
	if err := remote.ValidateWrites(writes); err != nil {
		return &remote.TransactionError{Op: "batch", Err: err}
	}

	s.mu.Lock()
	if err := s.takeFailure(OpBatch); err != nil {
		s.mu.Unlock()
		return &remote.TransactionError{Op: "batch", Err: err}
	}
	staged := make(map[string]bool)
	for _, w := range writes {
		if err := s.checkLocked(w, staged); err != nil {
			s.mu.Unlock()
			return &remote.TransactionError{Op: "batch", Err: err}
		}
	}
	colls := s.commitLocked(writes)
	s.stats.Batches++
	s.mu.Unlock()

	s.hub.Notify(colls...)
	return nil
}

// checkLocked verifies a write can apply. staged tracks existence changes made
// earlier in the same batch (path → exists). Caller holds s.mu.
func (s *Store) checkLocked(w remote.Write, staged map[string]bool) error {
	coll, id := w.Key()
	path := coll + "/" + id
	exists, ok := staged[path]
	if !ok {
		_, exists = s.colls[coll][id]
	}
	switch w.(type) {
	case remote.UpdateWrite:
		if !exists {
			return fmt.Errorf("update %s: %w", path, remote.ErrNotFound)
		}
	case remote.SetWrite:
		exists = true
	case remote.DeleteWrite:
		exists = false
	}
	if staged != nil {
		staged[path] = exists
	}
	return nil
}

func (s *Store) commitLocked(writes []remote.Write) []string {
	var colls []string
	for _, w := range writes {
		s.applyLocked(w)
		c, _ := w.Key()
		if !slices.Contains(colls, c) {
			colls = append(colls, c)
		}
	}
	return colls
}

func (s *Store) applyLocked(w remote.Write) {
	coll, id := w.Key()
	docs := s.colls[coll]
	if docs == nil {
		docs = make(map[string]*entry)
		s.colls[coll] = docs
	}
	switch ww := w.(type) {
	case remote.SetWrite:
		if e, ok := docs[id]; ok {
			e.fields = ww.Fields.Clone()
			e.version++
			return
		}
		s.seq++
		docs[id] = &entry{fields: ww.Fields.Clone(), version: 1, seq: s.seq}
	case remote.UpdateWrite:
		e := docs[id]
		e.fields = e.fields.Merge(ww.Fields)
		e.version++
	case remote.DeleteWrite:
		delete(docs, id)
	}
}

// RunTransaction implements remote.Adapter. The store lock is held for the
// whole of fn: fn must only use tx, never the Store itself.
func (s *Store) RunTransaction(ctx context.Context, fn func(ctx context.Context, tx remote.Tx) error) error {
	s.mu.Lock()
	if err := s.takeFailure(OpTransaction); err != nil {
		s.mu.Unlock()
		return &remote.TransactionError{Op: "transaction", Err: err}
	}

	tx := &memTx{s: s, staged: make(map[string]bool)}
	if err := fn(ctx, tx); err != nil {
		s.mu.Unlock()
		return &remote.TransactionError{Op: "transaction", Err: err}
	}
	if err := ctx.Err(); err != nil {
		s.mu.Unlock()
		return &remote.TransactionError{Op: "transaction", Err: err}
	}
	colls := s.commitLocked(tx.writes)
	s.stats.Transactions++
	s.mu.Unlock()

	if len(colls) > 0 {
		s.hub.Notify(colls...)
	}
	return nil
}

type memTx struct {
	s      *Store
	writes []remote.Write
	staged map[string]bool
}

func (t *memTx) Get(_ context.Context, collection, id string) (remote.Document, error) {
	if len(t.writes) > 0 {
		return remote.Document{}, remote.ErrReadAfterWrite
	}
	return t.s.getLocked(collection, id)
}

func (t *memTx) Query(_ context.Context, target remote.CollectionTarget) ([]remote.Document, error) {
	if len(t.writes) > 0 {
		return nil, remote.ErrReadAfterWrite
	}
	if err := target.Validate(); err != nil {
		return nil, err
	}
	return t.s.queryLocked(target), nil
}

func (t *memTx) stage(w remote.Write) error {
	if err := remote.ValidateWrites([]remote.Write{w}); err != nil {
		return err
	}
	if err := t.s.checkLocked(w, t.staged); err != nil {
		return err
	}
	t.writes = append(t.writes, w)
	return nil
}

func (t *memTx) Set(collection, id string, fields doc.Object) error {
	return t.stage(remote.SetWrite{Collection: collection, ID: id, Fields: fields})
}

func (t *memTx) Create(collection, id string, fields doc.Object) error {
	path := collection + "/" + id
	exists, ok := t.staged[path]
	if !ok {
		_, exists = t.s.colls[collection][id]
	}
	if exists {
		return fmt.Errorf("create %s: %w", path, remote.ErrAlreadyExists)
	}
	return t.Set(collection, id, fields)
}

func (t *memTx) Update(collection, id string, partial doc.Object) error {
	return t.stage(remote.UpdateWrite{Collection: collection, ID: id, Fields: partial})
}

func (t *memTx) Delete(collection, id string) error {
	return t.stage(remote.DeleteWrite{Collection: collection, ID: id})
}

// Seed writes fixture documents, bypassing failure injection and stats.
func (s *Store) Seed(collection string, docs ...remote.Document) {
	s.mu.Lock()
	for _, d := range docs {
		s.applyLocked(remote.SetWrite{Collection: collection, ID: d.ID, Fields: d.Fields})
	}
	s.mu.Unlock()
	s.hub.Notify(collection)
}
