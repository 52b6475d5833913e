package dynamo

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/roach88/pushdash/internal/doc"
	"github.com/roach88/pushdash/internal/remote"
)

// MaxTransactionItems is the DynamoDB limit on items in one TransactWriteItems call.
const MaxTransactionItems = 100

type docRef struct {
	collection string
	id         string
}

func (r docRef) path() string { return r.collection + "/" + r.id }

// base is a document as a commit saw it. The zero value is a missing document.
type base struct {
	exists  bool
	version int64
	seq     int64
	fields  doc.Object
}

func (s *Store) base(ctx context.Context, r docRef) (base, error) {
	d, seq, err := s.get(ctx, r.collection, r.id)
	if errors.Is(err, remote.ErrNotFound) {
		return base{}, nil
	}
	if err != nil {
		return base{}, err
	}
	return base{exists: true, version: d.Version, seq: seq, fields: d.Fields}, nil
}

// Set implements remote.Adapter.
func (s *Store) Set(ctx context.Context, collection, id string, fields doc.Object) error {
	return s.single(ctx, remote.SetWrite{Collection: collection, ID: id, Fields: fields})
}

// Update implements remote.Adapter.
func (s *Store) Update(ctx context.Context, collection, id string, partial doc.Object) error {
	return s.single(ctx, remote.UpdateWrite{Collection: collection, ID: id, Fields: partial})
}

// Delete implements remote.Adapter.
func (s *Store) Delete(ctx context.Context, collection, id string) error {
	return s.single(ctx, remote.DeleteWrite{Collection: collection, ID: id})
}

func (s *Store) single(ctx context.Context, w remote.Write) error {
	if err := remote.ValidateWrites([]remote.Write{w}); err != nil {
		return err
	}
	var colls []string
	err := remote.RetryConflicts(ctx, func() error {
		var err error
		colls, err = s.commit(ctx, []remote.Write{w}, nil)
		return err
	})
	if err != nil {
		return err
	}
	s.hub.Notify(colls...)
	return nil
}

// RunBatch implements remote.Adapter.
func (s *Store) RunBatch(ctx context.Context, writes []remote.Write) error {
	if err := remote.ValidateWrites(writes); err != nil {
		return &remote.TransactionError{Op: "batch", Err: err}
	}
	var colls []string
	err := remote.RetryConflicts(ctx, func() error {
		var err error
		colls, err = s.commit(ctx, writes, nil)
		return err
	})
	if err != nil {
		return &remote.TransactionError{Op: "batch", Err: err}
	}
	s.hub.Notify(colls...)
	return nil
}

// RunTransaction implements remote.Adapter. fn runs once per attempt and
// must not have side effects outside tx.
func (s *Store) RunTransaction(ctx context.Context, fn func(ctx context.Context, tx remote.Tx) error) error {
	var colls []string
	err := remote.RetryConflicts(ctx, func() error {
		tx := &dynTx{
			ctx:     ctx,
			s:       s,
			reads:   make(map[docRef]base),
			staged:  make(map[docRef]bool),
			creates: make(map[docRef]bool),
		}
		if err := fn(ctx, tx); err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		var err error
		colls, err = s.commit(ctx, tx.writes, tx)
		return err
	})
	if err != nil {
		return &remote.TransactionError{Op: "transaction", Err: err}
	}
	if len(colls) > 0 {
		s.hub.Notify(colls...)
	}
	return nil
}

// pending is the state a document will have once a commit applies.
type pending struct {
	exists bool
	fresh  bool // needs a new seq
	fields doc.Object
}

// action is one item of a commit. put and delete are exclusive; neither set
// makes it a condition check.
type action struct {
	ref    docRef
	put    map[string]types.AttributeValue
	delete bool
	expect base
	create bool
}

// commit folds writes into one action per document, conditions each on the
// version it was planned against and applies them in one call. tx supplies
// reads already made and the documents that must not have changed.
func (s *Store) commit(ctx context.Context, writes []remote.Write, tx *dynTx) ([]string, error) {
	if len(writes) == 0 {
		return nil, nil
	}

	var (
		order []docRef
		bases = make(map[docRef]base)
		final = make(map[docRef]*pending)
		fresh int
	)
	for _, w := range writes {
		c, id := w.Key()
		r := docRef{collection: c, id: id}
		st, ok := final[r]
		if !ok {
			b, seen := base{}, false
			if tx != nil {
				b, seen = tx.reads[r]
			}
			if !seen {
				var err error
				if b, err = s.base(ctx, r); err != nil {
					return nil, err
				}
			}
			bases[r] = b
			order = append(order, r)
			st = &pending{exists: b.exists, fields: b.fields}
			final[r] = st
		}

		switch ww := w.(type) {
		case remote.SetWrite:
			st.fresh = st.fresh || !st.exists
			st.exists, st.fields = true, ww.Fields.Clone()
		case remote.UpdateWrite:
			if !st.exists {
				return nil, fmt.Errorf("update %s: %w", r.path(), remote.ErrNotFound)
			}
			st.fields = st.fields.Merge(ww.Fields)
		case remote.DeleteWrite:
			st.exists, st.fresh, st.fields = false, false, nil
		default:
			return nil, fmt.Errorf("%w: unknown write %T", remote.ErrInvalidTarget, w)
		}
	}
	for _, r := range order {
		if st := final[r]; st.exists && st.fresh {
			fresh++
		}
	}

	var next int64
	if fresh > 0 {
		var err error
		if next, err = s.allocateSeqs(ctx, fresh); err != nil {
			return nil, err
		}
	}

	var (
		acts  []action
		colls []string
	)
	for _, r := range order {
		st, b := final[r], bases[r]
		a := action{ref: r, expect: b}
		if tx != nil {
			a.create = tx.creates[r]
		}
		switch {
		case st.exists:
			seq := b.seq
			if st.fresh {
				seq = next
				next++
			}
			item, err := encodeItem(r.collection, r.id, seq, b.version+1, st.fields)
			if err != nil {
				return nil, err
			}
			a.put = item
		case b.exists:
			a.delete = true
		default:
			// Created and deleted again, or deleting a missing document.
		}
		acts = append(acts, a)
		if (a.put != nil || a.delete) && !slices.Contains(colls, r.collection) {
			colls = append(colls, r.collection)
		}
	}

	if tx != nil {
		var checks []docRef
		for r := range tx.reads {
			if _, written := final[r]; !written {
				checks = append(checks, r)
			}
		}
		slices.SortFunc(checks, func(a, b docRef) int { return strings.Compare(a.path(), b.path()) })
		for _, r := range checks {
			acts = append(acts, action{ref: r, expect: tx.reads[r]})
		}
	}

	if err := s.apply(ctx, acts); err != nil {
		return nil, err
	}
	return colls, nil
}

// condition builds the optimistic check of an action.
func condition(b base) (string, map[string]string, map[string]types.AttributeValue) {
	if !b.exists {
		return "attribute_not_exists(#pk)", map[string]string{"#pk": attrPK}, nil
	}
	return "#version = :version",
		map[string]string{"#version": attrVersion},
		map[string]types.AttributeValue{":version": &types.AttributeValueMemberN{Value: strconv.FormatInt(b.version, 10)}}
}

func (s *Store) apply(ctx context.Context, acts []action) error {
	writes := 0
	for _, a := range acts {
		if a.put != nil || a.delete {
			writes++
		}
	}
	if writes == 0 {
		return nil
	}
	if len(acts) > MaxTransactionItems {
		return fmt.Errorf("%d items exceed the %d item transaction limit", len(acts), MaxTransactionItems)
	}

	if len(acts) == 1 {
		return mapCommitError(s.applyOne(ctx, acts[0]), acts)
	}

	items := make([]types.TransactWriteItem, len(acts))
	for i, a := range acts {
		expr, names, values := condition(a.expect)
		switch {
		case a.put != nil:
			items[i] = types.TransactWriteItem{Put: &types.Put{
				TableName:                 aws.String(s.table),
				Item:                      a.put,
				ConditionExpression:       aws.String(expr),
				ExpressionAttributeNames:  names,
				ExpressionAttributeValues: values,
			}}
		case a.delete:
			items[i] = types.TransactWriteItem{Delete: &types.Delete{
				TableName:                 aws.String(s.table),
				Key:                       docKey(a.ref.collection, a.ref.id),
				ConditionExpression:       aws.String(expr),
				ExpressionAttributeNames:  names,
				ExpressionAttributeValues: values,
			}}
		default:
			items[i] = types.TransactWriteItem{ConditionCheck: &types.ConditionCheck{
				TableName:                 aws.String(s.table),
				Key:                       docKey(a.ref.collection, a.ref.id),
				ConditionExpression:       aws.String(expr),
				ExpressionAttributeNames:  names,
				ExpressionAttributeValues: values,
			}}
		}
	}

	_, err := s.api.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{TransactItems: items})
	return mapCommitError(err, acts)
}

func (s *Store) applyOne(ctx context.Context, a action) error {
	expr, names, values := condition(a.expect)
	if a.put != nil {
		_, err := s.api.PutItem(ctx, &dynamodb.PutItemInput{
			TableName:                 aws.String(s.table),
			Item:                      a.put,
			ConditionExpression:       aws.String(expr),
			ExpressionAttributeNames:  names,
			ExpressionAttributeValues: values,
		})
		return err
	}
	_, err := s.api.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName:                 aws.String(s.table),
		Key:                       docKey(a.ref.collection, a.ref.id),
		ConditionExpression:       aws.String(expr),
		ExpressionAttributeNames:  names,
		ExpressionAttributeValues: values,
	})
	return err
}

// mapCommitError turns a failed condition into ErrAlreadyExists for a
// tx.Create and ErrConflict for everything else.
func mapCommitError(err error, acts []action) error {
	if err == nil {
		return nil
	}

	failed := func(i int) error {
		if i < 0 || i >= len(acts) {
			return fmt.Errorf("commit: %w", remote.ErrConflict)
		}
		if acts[i].create {
			return fmt.Errorf("create %s: %w", acts[i].ref.path(), remote.ErrAlreadyExists)
		}
		return fmt.Errorf("%s: %w", acts[i].ref.path(), remote.ErrConflict)
	}

	var txErr *types.TransactionCanceledException
	if errors.As(err, &txErr) {
		for i, reason := range txErr.CancellationReasons {
			if reason.Code == nil {
				continue
			}
			switch *reason.Code {
			case "ConditionalCheckFailed":
				return failed(i)
			case "TransactionConflict":
				return fmt.Errorf("commit: %w", remote.ErrConflict)
			}
		}
		return err
	}

	var condErr *types.ConditionalCheckFailedException
	if errors.As(err, &condErr) {
		return failed(0)
	}
	var conflictErr *types.TransactionConflictException
	if errors.As(err, &conflictErr) {
		return fmt.Errorf("commit: %w", remote.ErrConflict)
	}
	return err
}

// dynTx records what it reads so the commit can check nothing it saw has
// changed. Query results are not recorded: they are not protected against
// concurrent writers.
type dynTx struct {
	ctx     context.Context
	s       *Store
	reads   map[docRef]base
	writes  []remote.Write
	staged  map[docRef]bool
	creates map[docRef]bool
}

func (t *dynTx) read(ctx context.Context, r docRef) (base, error) {
	if b, ok := t.reads[r]; ok {
		return b, nil
	}
	b, err := t.s.base(ctx, r)
	if err != nil {
		return base{}, err
	}
	t.reads[r] = b
	return b, nil
}

func (t *dynTx) Get(ctx context.Context, collection, id string) (remote.Document, error) {
	if len(t.writes) > 0 {
		return remote.Document{}, remote.ErrReadAfterWrite
	}
	r := docRef{collection: collection, id: id}
	b, err := t.read(ctx, r)
	if err != nil {
		return remote.Document{}, err
	}
	if !b.exists {
		return remote.Document{}, fmt.Errorf("get %s: %w", r.path(), remote.ErrNotFound)
	}
	return remote.Document{Collection: collection, ID: id, Fields: b.fields.Clone(), Version: b.version}, nil
}

func (t *dynTx) Query(ctx context.Context, target remote.CollectionTarget) ([]remote.Document, error) {
	if len(t.writes) > 0 {
		return nil, remote.ErrReadAfterWrite
	}
	return t.s.QueryTarget(ctx, target)
}

func (t *dynTx) exists(r docRef) (bool, error) {
	if e, ok := t.staged[r]; ok {
		return e, nil
	}
	// Existence checks made while staging still count as reads.
	b, err := t.read(t.ctx, r)
	if err != nil {
		return false, err
	}
	return b.exists, nil
}

func (t *dynTx) stage(w remote.Write) error {
	if err := remote.ValidateWrites([]remote.Write{w}); err != nil {
		return err
	}
	c, id := w.Key()
	r := docRef{collection: c, id: id}
	switch w.(type) {
	case remote.SetWrite:
		t.staged[r] = true
	case remote.UpdateWrite:
		ok, err := t.exists(r)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("update %s: %w", r.path(), remote.ErrNotFound)
		}
		t.staged[r] = true
	case remote.DeleteWrite:
		t.staged[r] = false
	}
	t.writes = append(t.writes, w)
	return nil
}

func (t *dynTx) Set(collection, id string, fields doc.Object) error {
	return t.stage(remote.SetWrite{Collection: collection, ID: id, Fields: fields})
}

func (t *dynTx) Create(collection, id string, fields doc.Object) error {
	r := docRef{collection: collection, id: id}
	ok, err := t.exists(r)
	if err != nil {
		return err
	}
	if ok {
		return fmt.Errorf("create %s: %w", r.path(), remote.ErrAlreadyExists)
	}
	if err := t.Set(collection, id, fields); err != nil {
		return err
	}
	t.creates[r] = true
	return nil
}

func (t *dynTx) Update(collection, id string, partial doc.Object) error {
	return t.stage(remote.UpdateWrite{Collection: collection, ID: id, Fields: partial})
}

func (t *dynTx) Delete(collection, id string) error {
	return t.stage(remote.DeleteWrite{Collection: collection, ID: id})
}
