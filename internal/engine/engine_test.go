package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/pushdash/internal/doc"
	"github.com/roach88/pushdash/internal/query"
	"github.com/roach88/pushdash/internal/remote"
	"github.com/roach88/pushdash/internal/remote/memory"
	"github.com/roach88/pushdash/internal/testutil"
	"github.com/roach88/pushdash/internal/watch"
)

const waitFor = 2 * time.Second

var (
	productsSpec = watch.MustNew("products", watch.RoleUser, watch.Shared,
		watch.CollectionOf{Collection: "products"},
		watch.WithSeed(doc.Object{"name": doc.String("A")}, doc.Object{"name": doc.String("B")}))
	teamSpec = watch.MustNew("team", watch.RoleUser, watch.Shared,
		watch.CollectionOf{Collection: "team"})
	settingsSpec = watch.MustNew("settings", watch.RoleUser, watch.Shared,
		watch.DocumentOf{Collection: "settings", ID: "global"})
	activeProductsSpec = watch.MustNew("products", watch.RoleUser, watch.Shared,
		watch.CollectionOf{Collection: "products"},
		watch.WithPredicates(query.Where("active", doc.Bool(true))),
		watch.WithSeed(doc.Object{"name": doc.String("A"), "active": doc.Bool(true)}))
	profileSpec = watch.MustNew("profile", watch.RoleUser, watch.PerIdentity,
		watch.DocumentOf{}, watch.WithSeed(doc.Object{"role": doc.String("user")}))
)

// recorder collects engine callbacks.
type recorder struct {
	mu      sync.Mutex
	ready   int
	errs    []error
	changes []string
}

func (r *recorder) options() []EngineOption {
	return []EngineOption{
		WithOnReady(func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.ready++
		}),
		WithOnError(func(_ string, err error) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.errs = append(r.errs, err)
		}),
		WithOnChange(func(name string) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.changes = append(r.changes, name)
		}),
	}
}

func (r *recorder) readyCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ready
}

func (r *recorder) errors() []error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]error(nil), r.errs...)
}

func (r *recorder) changeCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.changes)
}

// start runs e in the background and returns a channel carrying Run's result.
func start(t *testing.T, e *Engine) <-chan error {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()
	return done
}

func waitSubscribed(t *testing.T, a *testutil.FakeAdapter, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return len(a.Subscriptions()) == n }, waitFor, time.Millisecond)
}

func waitReady(t *testing.T, e *Engine) {
	t.Helper()
	select {
	case <-e.Ready():
	case <-time.After(waitFor):
		t.Fatal("engine never became ready")
	}
}

func TestEngine_ReadyOnceInAnyOrder(t *testing.T) {
	a := testutil.NewFakeAdapter()
	rec := &recorder{}
	e, err := New(a, "u1", []watch.Spec{teamSpec, settingsSpec, productsSpec}, rec.options()...)
	require.NoError(t, err)
	start(t, e)
	waitSubscribed(t, a, 3)

	// Reverse order, with a repeat before the last spec arrives.
	product := remote.Document{Collection: "products", ID: "p1", Fields: doc.Object{"name": doc.String("P")}}
	require.True(t, a.DeliverDocs("products", product))
	require.True(t, a.DeliverDoc("settings/global", nil))
	require.True(t, a.DeliverDocs("products", product))
	assert.Never(t, e.IsReady, 20*time.Millisecond, time.Millisecond)

	require.True(t, a.DeliverDocs("team"))
	waitReady(t, e)
	assert.Equal(t, 1, rec.readyCount())

	require.True(t, a.DeliverDocs("team"))
	require.Eventually(t, func() bool { return rec.changeCount() == 5 }, waitFor, time.Millisecond)
	assert.Equal(t, 1, rec.readyCount())
}

func TestEngine_ZeroSpecsReadyImmediately(t *testing.T) {
	rec := &recorder{}
	e, err := New(testutil.NewFakeAdapter(), "u1", nil, rec.options()...)
	require.NoError(t, err)
	start(t, e)
	waitReady(t, e)
	assert.Equal(t, 1, rec.readyCount())
}

func TestEngine_RejectsDuplicateSpecNames(t *testing.T) {
	_, err := New(testutil.NewFakeAdapter(), "u1", []watch.Spec{teamSpec, teamSpec})
	assert.Error(t, err)
}

func TestEngine_SubscriptionErrorCountsTowardReadiness(t *testing.T) {
	a := testutil.NewFakeAdapter()
	rec := &recorder{}
	e, err := New(a, "u1", []watch.Spec{teamSpec, settingsSpec}, rec.options()...)
	require.NoError(t, err)
	start(t, e)
	waitSubscribed(t, a, 2)

	member := remote.Document{Collection: "team", ID: "u1", Fields: doc.Object{}}
	require.True(t, a.DeliverDocs("team", member))
	require.True(t, a.DeliverErr("team", errors.New("permission denied")))
	require.True(t, a.DeliverErr("settings/global", errors.New("unavailable")))
	waitReady(t, e)

	require.Eventually(t, func() bool { return len(rec.errors()) == 2 }, waitFor, time.Millisecond)
	for _, err := range rec.errors() {
		assert.True(t, IsSubscriptionError(err))
	}

	m, ok := e.Mirror("team")
	require.True(t, ok)
	state := m.State()
	assert.Len(t, state.Docs, 1, "mirror keeps last-known value")
	assert.EqualError(t, state.Err, "permission denied")
}

func TestEngine_SubscribeFailure(t *testing.T) {
	a := testutil.NewFakeAdapter()
	a.FailSubscribe("team", errors.New("refused"))
	rec := &recorder{}
	e, err := New(a, "u1", []watch.Spec{teamSpec}, rec.options()...)
	require.NoError(t, err)
	start(t, e)

	waitReady(t, e)
	require.Len(t, rec.errors(), 1)
	assert.True(t, IsSubscriptionError(rec.errors()[0]))
}

func TestEngine_UnresolvableIdentity(t *testing.T) {
	rec := &recorder{}
	e, err := New(testutil.NewFakeAdapter(), "", []watch.Spec{profileSpec}, rec.options()...)
	require.NoError(t, err)
	start(t, e)

	waitReady(t, e)
	require.Len(t, rec.errors(), 1)
	var se *SubscriptionError
	require.ErrorAs(t, rec.errors()[0], &se)
	assert.Equal(t, "profile", se.Spec)
}

func TestEngine_SnapshotsAppliedInOrder(t *testing.T) {
	a := testutil.NewFakeAdapter()
	e, err := New(a, "u1", []watch.Spec{teamSpec})
	require.NoError(t, err)
	start(t, e)
	waitSubscribed(t, a, 1)

	for _, n := range []int{1, 2, 3} {
		docs := make([]remote.Document, n)
		for i := range docs {
			docs[i] = remote.Document{Collection: "team", ID: string(rune('a' + i))}
		}
		require.True(t, a.DeliverDocs("team", docs...))
	}

	m, _ := e.Mirror("team")
	require.Eventually(t, func() bool { return len(m.Docs()) == 3 }, waitFor, time.Millisecond)
	assert.Equal(t, int64(3), m.State().Version)
}

func TestEngine_SeedsEmptyCollectionOnce(t *testing.T) {
	store := memory.New(memory.WithIDGenerator(testutil.NewSequenceGenerator("p")))
	t.Cleanup(func() { _ = store.Close() })

	e, err := New(store, "u1", []watch.Spec{productsSpec})
	require.NoError(t, err)
	start(t, e)
	waitReady(t, e)

	m, _ := e.Mirror("products")
	docs := m.Docs()
	require.Len(t, docs, 2, "ready implies the seeded records are mirrored")
	assert.Equal(t, doc.String("A"), docs[0].Fields["name"])
	assert.Equal(t, doc.String("B"), docs[1].Fields["name"])
	assert.Equal(t, 1, store.Stats().Batches)

	// Emptying the target again does not reseed in the same session.
	ctx := context.Background()
	for _, d := range docs {
		require.NoError(t, store.Delete(ctx, "products", d.ID))
	}
	require.Eventually(t, m.Empty, waitFor, time.Millisecond)
	assert.Never(t, func() bool { return !m.Empty() }, 50*time.Millisecond, 5*time.Millisecond)
	assert.Equal(t, 1, store.Stats().Batches)
}

func TestEngine_SeedsMissingDocument(t *testing.T) {
	store := memory.New()
	t.Cleanup(func() { _ = store.Close() })

	e, err := New(store, "u1", []watch.Spec{profileSpec})
	require.NoError(t, err)
	start(t, e)
	waitReady(t, e)

	m, _ := e.Mirror("profile")
	fields, ok := m.Fields()
	require.True(t, ok)
	assert.Equal(t, doc.String("user"), fields["role"])

	got, err := store.Get(context.Background(), "users", "u1")
	require.NoError(t, err)
	assert.Equal(t, doc.String("user"), got.Fields["role"])
}

func TestEngine_NoSeedWhenPresent(t *testing.T) {
	store := memory.New()
	t.Cleanup(func() { _ = store.Close() })
	store.Seed("products", remote.Document{ID: "existing", Fields: doc.Object{"name": doc.String("X")}})

	e, err := New(store, "u1", []watch.Spec{productsSpec})
	require.NoError(t, err)
	start(t, e)
	waitReady(t, e)

	m, _ := e.Mirror("products")
	require.Len(t, m.Docs(), 1)
	assert.Equal(t, 0, store.Stats().Batches)
}

func TestEngine_SeedWriteFailure(t *testing.T) {
	a := testutil.NewFakeAdapter()
	a.FailNext(memory.OpBatch, errors.New("quota"))
	rec := &recorder{}
	e, err := New(a, "u1", []watch.Spec{productsSpec}, rec.options()...)
	require.NoError(t, err)
	start(t, e)
	waitSubscribed(t, a, 1)

	require.True(t, a.DeliverDocs("products"))
	waitReady(t, e)

	require.Len(t, rec.errors(), 1)
	assert.True(t, IsSeedWriteError(rec.errors()[0]))
	m, _ := e.Mirror("products")
	assert.True(t, m.Empty())
	assert.EqualError(t, m.State().SeedErr, "quota")
	assert.False(t, m.AwaitingSeed(), "a failed seed is a fault, not pending")

	// The next empty snapshot retries.
	require.True(t, a.DeliverDocs("products"))
	require.Eventually(t, func() bool { return len(m.Docs()) == 2 }, waitFor, time.Millisecond)
	assert.NoError(t, m.State().SeedErr)
	assert.Len(t, rec.errors(), 1)
	assert.Equal(t, 1, a.Stats().Batches)
}

func TestEngine_FilteredSeedSkipsInactiveCatalog(t *testing.T) {
	store := memory.New(memory.WithIDGenerator(testutil.NewSequenceGenerator("p")))
	t.Cleanup(func() { _ = store.Close() })
	store.Seed("products", remote.Document{ID: "p0", Fields: doc.Object{
		"name": doc.String("Alpha"), "active": doc.Bool(false),
	}})

	rec := &recorder{}
	e, err := New(store, "u1", []watch.Spec{activeProductsSpec}, rec.options()...)
	require.NoError(t, err)
	start(t, e)
	waitReady(t, e)

	m, _ := e.Mirror("products")
	assert.True(t, m.Empty())
	assert.False(t, m.AwaitingSeed())
	assert.NoError(t, m.State().SeedErr)
	assert.Empty(t, rec.errors())

	all, err := store.QueryTarget(context.Background(), remote.CollectionTarget{Collection: "products"})
	require.NoError(t, err)
	require.Len(t, all, 1, "retired catalog is not re-seeded")
	assert.Equal(t, "p0", all[0].ID)
	assert.Equal(t, 0, store.Stats().Transactions)
}

func TestEngine_FilteredSeedWritesEmptyCollection(t *testing.T) {
	store := memory.New(memory.WithIDGenerator(testutil.NewSequenceGenerator("p")))
	t.Cleanup(func() { _ = store.Close() })

	e, err := New(store, "u1", []watch.Spec{activeProductsSpec})
	require.NoError(t, err)
	start(t, e)
	waitReady(t, e)

	m, _ := e.Mirror("products")
	require.Len(t, m.Docs(), 1)
	assert.Equal(t, doc.String("A"), m.Docs()[0].Fields["name"])
	assert.Equal(t, 1, store.Stats().Transactions)
	assert.Equal(t, 0, store.Stats().Batches)
}

func TestEngine_NoMirrorChangeAfterDispose(t *testing.T) {
	a := testutil.NewFakeAdapter()
	e, err := New(a, "u1", []watch.Spec{teamSpec})
	require.NoError(t, err)
	m, _ := e.Mirror("team")

	e.Dispose()
	assert.False(t, e.publish(m, &MirrorState{Loaded: true, Version: 1}))
	assert.False(t, m.State().Loaded)
}

func TestEngine_DisposeDiscardsLateEvents(t *testing.T) {
	a := testutil.NewFakeAdapter()
	rec := &recorder{}
	e, err := New(a, "u1", []watch.Spec{teamSpec, settingsSpec}, rec.options()...)
	require.NoError(t, err)
	done := start(t, e)
	waitSubscribed(t, a, 2)

	e.Dispose()
	e.Dispose()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatal("Run did not return after Dispose")
	}
	for _, s := range a.Subscriptions() {
		assert.True(t, s.Cancelled())
	}
	assert.False(t, a.DeliverDocs("team"))

	m, _ := e.Mirror("team")
	assert.False(t, m.State().Loaded)
	assert.False(t, e.IsReady())
	assert.Zero(t, rec.changeCount())
}

func TestEngine_DisposeBeforeRun(t *testing.T) {
	a := testutil.NewFakeAdapter()
	e, err := New(a, "u1", []watch.Spec{teamSpec})
	require.NoError(t, err)
	e.Dispose()

	require.NoError(t, e.Run(context.Background()))
	assert.Empty(t, a.Subscriptions())
}

func TestEngine_RunTwice(t *testing.T) {
	e, err := New(testutil.NewFakeAdapter(), "u1", nil)
	require.NoError(t, err)
	start(t, e)
	waitReady(t, e)
	assert.ErrorIs(t, e.Run(context.Background()), ErrAlreadyRunning)
}

func TestEngine_ContextCancelDisposes(t *testing.T) {
	a := testutil.NewFakeAdapter()
	e, err := New(a, "u1", []watch.Spec{teamSpec})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()
	waitSubscribed(t, a, 1)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(waitFor):
		t.Fatal("Run did not return after cancel")
	}
	assert.True(t, e.Disposed())
}
