// Package remotetest is a conformance suite for remote.Adapter backends.
//
// Each backend's tests call Run with a factory; the suite checks the
// semantics the sync engine and the callable endpoints rely on: arrival
// order, snapshots after commits, atomic batches and transactions, and the
// reads-before-writes rule.
package remotetest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/pushdash/internal/doc"
	"github.com/roach88/pushdash/internal/query"
	"github.com/roach88/pushdash/internal/remote"
)

// Backend is an adapter that can also answer target queries directly.
type Backend interface {
	remote.Adapter
	remote.Querier
}

// Factory returns a fresh, empty backend. It registers its own cleanup.
type Factory func(t *testing.T) Backend

// Run runs every conformance test against backends from open.
func Run(t *testing.T, open Factory) {
	tests := []struct {
		name string
		fn   func(t *testing.T, b Backend)
	}{
		{"SubscribeDeliversInitialAndChanges", testSubscribeDeliversInitialAndChanges},
		{"SubscribeDocumentTarget", testSubscribeDocumentTarget},
		{"OverwriteKeepsArrivalOrder", testOverwriteKeepsArrivalOrder},
		{"GroupTargetSpansParents", testGroupTargetSpansParents},
		{"Predicates", testPredicates},
		{"UpdateMergesTopLevel", testUpdateMergesTopLevel},
		{"UpdateMissingDocument", testUpdateMissingDocument},
		{"Delete", testDelete},
		{"BatchIsAtomic", testBatchIsAtomic},
		{"TransactionRollsBackOnError", testTransactionRollsBackOnError},
		{"TransactionCreateAndReadOrdering", testTransactionCreateAndReadOrdering},
		{"TransactionNotifiesSubscribers", testTransactionNotifiesSubscribers},
		{"UnsubscribeStopsDelivery", testUnsubscribeStopsDelivery},
		{"RejectsInvalidTarget", testRejectsInvalidTarget},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.fn(t, open(t))
		})
	}
}

// Collect subscribes and returns a channel receiving every snapshot.
func Collect(t *testing.T, a remote.Adapter, target remote.Target) <-chan remote.Snapshot {
	t.Helper()
	ch := make(chan remote.Snapshot, 32)
	sub, err := a.Subscribe(context.Background(), target, func(snap remote.Snapshot) {
		ch <- snap
	})
	require.NoError(t, err)
	t.Cleanup(sub.Unsubscribe)
	return ch
}

// Next waits for the next snapshot.
func Next(t *testing.T, ch <-chan remote.Snapshot) remote.Snapshot {
	t.Helper()
	select {
	case snap := <-ch:
		return snap
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for snapshot")
		return remote.Snapshot{}
	}
}

func ids(docs []remote.Document) []string {
	out := make([]string, len(docs))
	for i, d := range docs {
		out[i] = d.ID
	}
	return out
}

func testSubscribeDeliversInitialAndChanges(t *testing.T, b Backend) {
	ctx := context.Background()
	ch := Collect(t, b, remote.CollectionTarget{Collection: "products"})

	snap := Next(t, ch)
	require.NoError(t, snap.Err)
	assert.Empty(t, snap.Docs)

	require.NoError(t, b.Set(ctx, "products", "p1", doc.Object{"name": doc.String("A")}))
	snap = Next(t, ch)
	require.Len(t, snap.Docs, 1)
	assert.Equal(t, "p1", snap.Docs[0].ID)
	assert.Equal(t, "products", snap.Docs[0].Collection)

	require.NoError(t, b.Set(ctx, "products", "p0", doc.Object{"name": doc.String("B")}))
	snap = Next(t, ch)
	// Arrival order, not id order
	assert.Equal(t, []string{"p1", "p0"}, ids(snap.Docs))
}

func testSubscribeDocumentTarget(t *testing.T, b Backend) {
	ch := Collect(t, b, remote.DocumentTarget{Collection: "settings", ID: "global"})
	snap := Next(t, ch)
	require.NoError(t, snap.Err)
	assert.False(t, snap.Exists)

	require.NoError(t, b.Set(context.Background(), "settings", "global", doc.Object{"defaultPushLimit": doc.Int(3)}))
	snap = Next(t, ch)
	d, ok := snap.Doc()
	require.True(t, ok)
	assert.Equal(t, doc.Int(3), d.Fields["defaultPushLimit"])
}

func testOverwriteKeepsArrivalOrder(t *testing.T, b Backend) {
	ctx := context.Background()
	require.NoError(t, b.Set(ctx, "c", "x", doc.Object{"n": doc.Int(1)}))
	require.NoError(t, b.Set(ctx, "c", "y", doc.Object{"n": doc.Int(2)}))
	require.NoError(t, b.Set(ctx, "c", "x", doc.Object{"n": doc.Int(3)}))

	docs, err := b.QueryTarget(ctx, remote.CollectionTarget{Collection: "c"})
	require.NoError(t, err)
	assert.Equal(t, []string{"x", "y"}, ids(docs))
	assert.Equal(t, doc.Int(3), docs[0].Fields["n"])

	d, err := b.Get(ctx, "c", "x")
	require.NoError(t, err)
	assert.Equal(t, doc.Object{"n": doc.Int(3)}, d.Fields, "set replaces the whole document")
	assert.Greater(t, d.Version, docs[1].Version, "overwrite bumps the version")
}

func testGroupTargetSpansParents(t *testing.T, b Backend) {
	ctx := context.Background()
	require.NoError(t, b.Set(ctx, remote.UserPath("u1", "transactions"), "t1", doc.Object{"amount": doc.Int(100)}))
	require.NoError(t, b.Set(ctx, remote.UserPath("u2", "transactions"), "t2", doc.Object{"amount": doc.Int(-50)}))
	require.NoError(t, b.Set(ctx, remote.UserPath("u2", "poolAccounts"), "a1", doc.Object{}))

	docs, err := b.QueryTarget(ctx, remote.GroupTarget{Group: "transactions"})
	require.NoError(t, err)
	assert.Equal(t, []string{"t1", "t2"}, ids(docs))
	assert.Equal(t, remote.UserPath("u2", "transactions"), docs[1].Collection)

	docs, err = b.QueryTarget(ctx, remote.GroupTarget{
		Group: "transactions",
		Where: []query.Predicate{query.Compare{Field: "amount", Op: query.OpLess, Value: doc.Int(0)}},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"t2"}, ids(docs))
}

func testPredicates(t *testing.T, b Backend) {
	ctx := context.Background()
	rows := []struct {
		id     string
		fields doc.Object
	}{
		{"a", doc.Object{"active": doc.Bool(true), "limit": doc.Int(3), "name": doc.String("alpha"),
			"details": doc.Object{"product": doc.String("P")}}},
		{"b", doc.Object{"active": doc.Bool(false), "limit": doc.Int(7), "name": doc.String("beta")}},
		{"c", doc.Object{"active": doc.Bool(true), "limit": doc.String("7"), "tags": doc.Array{doc.String("x")}}},
		{"d", doc.Object{"name": doc.String("delta")}},
	}
	for _, r := range rows {
		require.NoError(t, b.Set(ctx, "items", r.id, r.fields))
	}

	tests := []struct {
		name  string
		where []query.Predicate
		want  []string
	}{
		{"equals bool", []query.Predicate{query.Where("active", doc.Bool(true))}, []string{"a", "c"}},
		{"equals is typed", []query.Predicate{query.Where("limit", doc.Int(7))}, []string{"b"}},
		{"nested path", []query.Predicate{query.Where("details.product", doc.String("P"))}, []string{"a"}},
		{"greater", []query.Predicate{query.Compare{Field: "limit", Op: query.OpGreater, Value: doc.Int(3)}}, []string{"b"}},
		{"string compare", []query.Predicate{query.Compare{Field: "name", Op: query.OpGreaterEqual, Value: doc.String("b")}}, []string{"b", "d"}},
		{"not equal skips missing", []query.Predicate{query.Compare{Field: "active", Op: query.OpNotEqual, Value: doc.Bool(true)}}, []string{"b"}},
		{"in", []query.Predicate{query.In{Field: "name", Values: []doc.Value{doc.String("alpha"), doc.String("delta")}}}, []string{"a", "d"}},
		{"array equality", []query.Predicate{query.Where("tags", doc.Array{doc.String("x")})}, []string{"c"}},
		{"conjunction", []query.Predicate{query.Where("active", doc.Bool(true)), query.Where("name", doc.String("alpha"))}, []string{"a"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			docs, err := b.QueryTarget(ctx, remote.CollectionTarget{Collection: "items", Where: tt.where})
			require.NoError(t, err)
			assert.Equal(t, tt.want, ids(docs))
		})
	}
}

func testUpdateMergesTopLevel(t *testing.T, b Backend) {
	ctx := context.Background()
	require.NoError(t, b.Set(ctx, "users", "u1", doc.Object{"role": doc.String("user"), "frozen": doc.Bool(false)}))
	require.NoError(t, b.Update(ctx, "users", "u1", doc.Object{"frozen": doc.Bool(true)}))

	d, err := b.Get(ctx, "users", "u1")
	require.NoError(t, err)
	assert.Equal(t, doc.Object{"role": doc.String("user"), "frozen": doc.Bool(true)}, d.Fields)
}

func testUpdateMissingDocument(t *testing.T, b Backend) {
	err := b.Update(context.Background(), "users", "nobody", doc.Object{"frozen": doc.Bool(true)})
	assert.ErrorIs(t, err, remote.ErrNotFound)
}

func testDelete(t *testing.T, b Backend) {
	ctx := context.Background()
	require.NoError(t, b.Set(ctx, "a", "1", doc.Object{}))
	require.NoError(t, b.Delete(ctx, "a", "1"))
	_, err := b.Get(ctx, "a", "1")
	assert.ErrorIs(t, err, remote.ErrNotFound)
	assert.NoError(t, b.Delete(ctx, "a", "1"), "deleting a missing document is not an error")
}

func testBatchIsAtomic(t *testing.T, b Backend) {
	ctx := context.Background()

	err := b.RunBatch(ctx, []remote.Write{
		remote.SetWrite{Collection: "products", ID: "p1", Fields: doc.Object{"name": doc.String("A")}},
		remote.UpdateWrite{Collection: "products", ID: "missing", Fields: doc.Object{}},
	})
	require.Error(t, err)
	assert.True(t, remote.IsTransactionError(err))
	assert.ErrorIs(t, err, remote.ErrNotFound)

	_, err = b.Get(ctx, "products", "p1")
	assert.ErrorIs(t, err, remote.ErrNotFound, "first write must not be applied")

	// Set-then-update within one batch is fine.
	require.NoError(t, b.RunBatch(ctx, []remote.Write{
		remote.SetWrite{Collection: "products", ID: "p1", Fields: doc.Object{"name": doc.String("A")}},
		remote.UpdateWrite{Collection: "products", ID: "p1", Fields: doc.Object{"active": doc.Bool(true)}},
	}))
	d, err := b.Get(ctx, "products", "p1")
	require.NoError(t, err)
	assert.Equal(t, doc.Bool(true), d.Fields["active"])
	assert.Equal(t, doc.String("A"), d.Fields["name"])
}

func testTransactionRollsBackOnError(t *testing.T, b Backend) {
	ctx := context.Background()
	boom := errors.New("boom")

	err := b.RunTransaction(ctx, func(ctx context.Context, tx remote.Tx) error {
		if err := tx.Set("a", "1", doc.Object{}); err != nil {
			return err
		}
		return boom
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.True(t, remote.IsTransactionError(err))

	_, err = b.Get(ctx, "a", "1")
	assert.ErrorIs(t, err, remote.ErrNotFound)
}

func testTransactionCreateAndReadOrdering(t *testing.T, b Backend) {
	ctx := context.Background()
	require.NoError(t, b.Set(ctx, "names", "taken", doc.Object{}))

	err := b.RunTransaction(ctx, func(ctx context.Context, tx remote.Tx) error {
		return tx.Create("names", "taken", doc.Object{})
	})
	assert.ErrorIs(t, err, remote.ErrAlreadyExists)

	err = b.RunTransaction(ctx, func(ctx context.Context, tx remote.Tx) error {
		if err := tx.Create("names", "free", doc.Object{}); err != nil {
			return err
		}
		_, err := tx.Get(ctx, "names", "free")
		return err
	})
	assert.ErrorIs(t, err, remote.ErrReadAfterWrite)

	err = b.RunTransaction(ctx, func(ctx context.Context, tx remote.Tx) error {
		if err := tx.Create("names", "twice", doc.Object{}); err != nil {
			return err
		}
		return tx.Create("names", "twice", doc.Object{})
	})
	assert.ErrorIs(t, err, remote.ErrAlreadyExists, "a staged create counts")

	require.NoError(t, b.RunTransaction(ctx, func(ctx context.Context, tx remote.Tx) error {
		docs, err := tx.Query(ctx, remote.CollectionTarget{Collection: "names"})
		if err != nil {
			return err
		}
		if len(docs) != 1 {
			return errors.New("expected one name")
		}
		return tx.Create("names", "free", doc.Object{})
	}))
	_, err = b.Get(ctx, "names", "free")
	assert.NoError(t, err)
}

func testTransactionNotifiesSubscribers(t *testing.T, b Backend) {
	ch := Collect(t, b, remote.GroupTarget{Group: "ledger"})
	Next(t, ch)

	require.NoError(t, b.RunTransaction(context.Background(), func(ctx context.Context, tx remote.Tx) error {
		if err := tx.Create(remote.UserPath("u1", "ledger"), "r1", doc.Object{"amount": doc.Int(-5)}); err != nil {
			return err
		}
		return tx.Create("claims", "k", doc.Object{})
	}))
	snap := Next(t, ch)
	assert.Equal(t, []string{"r1"}, ids(snap.Docs))
}

func testUnsubscribeStopsDelivery(t *testing.T, b Backend) {
	ctx := context.Background()

	ch := make(chan remote.Snapshot, 8)
	sub, err := b.Subscribe(ctx, remote.CollectionTarget{Collection: "a"}, func(snap remote.Snapshot) { ch <- snap })
	require.NoError(t, err)
	Next(t, ch)

	sub.Unsubscribe()
	sub.Unsubscribe()
	require.NoError(t, b.Set(ctx, "a", "1", doc.Object{}))

	select {
	case <-ch:
		t.Fatal("unexpected delivery after unsubscribe")
	case <-time.After(50 * time.Millisecond):
	}
}

func testRejectsInvalidTarget(t *testing.T, b Backend) {
	_, err := b.Subscribe(context.Background(), remote.CollectionTarget{Collection: "users/u1"}, func(remote.Snapshot) {})
	assert.ErrorIs(t, err, remote.ErrInvalidTarget)

	err = b.Set(context.Background(), "", "x", doc.Object{})
	assert.Error(t, err)
}
