package push

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/pushdash/internal/model"
	"github.com/roach88/pushdash/internal/remote"
	"github.com/roach88/pushdash/internal/remote/memory"
	"github.com/roach88/pushdash/internal/testutil"
	"github.com/roach88/pushdash/internal/views"
)

var (
	loc     = time.FixedZone("UTC+8", 8*60*60)
	now     = time.Date(2026, 10, 17, 10, 0, 0, 0, loc)
	product = model.Product{ID: "p1", Name: "P", PushLimit: 3, Active: true, CommissionMinor: 700}
	fox     = model.PoolAccount{ID: "a1", DisplayName: "fox", PlatformLabel: "weibo"}
	owl     = model.PoolAccount{ID: "a2", DisplayName: "owl", PlatformLabel: "douyin"}
)

type staticSource struct {
	profile  model.UserProfile
	ledger   []model.LedgerRecord
	accounts []model.PoolAccount
	settings model.Settings
}

func (s *staticSource) Profile() model.UserProfile        { return s.profile }
func (s *staticSource) Ledger() []model.LedgerRecord      { return s.ledger }
func (s *staticSource) PoolAccounts() []model.PoolAccount { return s.accounts }
func (s *staticSource) Settings() model.Settings          { return s.settings }

func pushedToday(account string) model.LedgerRecord {
	return model.LedgerRecord{
		Kind:        model.KindCommission,
		AmountMinor: 700,
		Timestamp:   now.Add(-time.Hour),
		PushDetails: &model.PushDetails{ProductName: product.Name, AccountName: account},
	}
}

type harness struct {
	store    *memory.Store
	clock    *testutil.FakeClock
	source   *staticSource
	mu       sync.Mutex
	progress []int
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		store: memory.New(),
		clock: testutil.NewFakeClock(now),
		source: &staticSource{
			accounts: []model.PoolAccount{fox, owl},
			settings: model.Settings{CommissionMinor: 500, DefaultPushLimit: 5},
		},
	}
	t.Cleanup(func() { _ = h.store.Close() })
	return h
}

func (h *harness) workflow() *Workflow {
	return New(h.store, "u1", h.source,
		WithClock(h.clock),
		WithLocation(loc),
		WithProgress(func(p int) {
			h.mu.Lock()
			defer h.mu.Unlock()
			h.progress = append(h.progress, p)
		}),
	)
}

func (h *harness) ledger(t *testing.T) []remote.Document {
	t.Helper()
	docs, err := h.store.QueryTarget(context.Background(),
		remote.CollectionTarget{Collection: remote.UserPath("u1", model.CollTransactions)})
	require.NoError(t, err)
	return docs
}

func waitDone(t *testing.T, w *Workflow) {
	t.Helper()
	select {
	case <-w.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("workflow did not finish")
	}
}

func TestWorkflow_SettleAppendsOneCommission(t *testing.T) {
	h := newHarness(t)
	w := h.workflow()

	require.NoError(t, w.Compose(product, "douyin"))
	assert.Equal(t, SelectingAccount, w.Phase())
	require.NoError(t, w.Select(context.Background(), fox.ID))
	assert.Equal(t, Pushing, w.Phase())

	for i := 0; i < Steps; i++ {
		h.clock.Tick()
	}
	waitDone(t, w)

	rec, err := w.Result()
	require.NoError(t, err)
	assert.Equal(t, Settled, w.Phase())
	assert.Equal(t, model.KindCommission, rec.Kind)
	assert.Equal(t, int64(700), rec.AmountMinor, "product commission overrides the default")
	assert.Equal(t, &model.PushDetails{
		ProductName:     "P",
		AccountName:     "fox",
		AccountPlatform: "weibo",
		TargetPlatform:  "douyin",
	}, rec.PushDetails)

	docs := h.ledger(t)
	require.Len(t, docs, 1)
	assert.Equal(t, rec.ID, docs[0].ID)

	h.mu.Lock()
	assert.Equal(t, []int{20, 40, 60, 80, 100}, h.progress)
	h.mu.Unlock()
	assert.Eventually(t, func() bool { return h.clock.Tickers() == 0 }, time.Second, time.Millisecond, "ticker stopped")
}

func TestWorkflow_DefaultCommission(t *testing.T) {
	h := newHarness(t)
	w := h.workflow()
	p := product
	p.CommissionMinor = 0

	require.NoError(t, w.Compose(p, "douyin"))
	require.NoError(t, w.Select(context.Background(), owl.ID))
	for i := 0; i < Steps; i++ {
		h.clock.Tick()
	}
	waitDone(t, w)

	rec, err := w.Result()
	require.NoError(t, err)
	assert.Equal(t, int64(500), rec.AmountMinor)
}

func TestWorkflow_CancelAtSixtyPercentWritesNothing(t *testing.T) {
	h := newHarness(t)
	w := h.workflow()
	require.NoError(t, w.Compose(product, "douyin"))
	require.NoError(t, w.Select(context.Background(), fox.ID))

	for i := 0; i < 3; i++ {
		h.clock.Tick()
	}
	require.Eventually(t, func() bool { return w.Progress() == 60 }, time.Second, time.Millisecond)

	assert.True(t, w.Cancel())
	assert.False(t, w.Cancel(), "second cancel has no effect")
	waitDone(t, w)

	// Remaining ticks are never applied.
	h.clock.Tick()
	h.clock.Tick()

	_, err := w.Result()
	assert.ErrorIs(t, err, ErrCancelled)
	assert.Equal(t, Cancelled, w.Phase())
	assert.Equal(t, 60, w.Progress())
	assert.Empty(t, h.ledger(t))
	assert.Equal(t, 0, h.store.Stats().Transactions)
}

func TestWorkflow_CancelAfterFinalTickIsTooLate(t *testing.T) {
	h := newHarness(t)
	w := h.workflow()
	require.NoError(t, w.Compose(product, "douyin"))
	require.NoError(t, w.Select(context.Background(), fox.ID))

	for i := 0; i < Steps; i++ {
		h.clock.Tick()
	}
	waitDone(t, w)

	assert.False(t, w.Cancel())
	_, err := w.Result()
	require.NoError(t, err)
	assert.Len(t, h.ledger(t), 1)
}

func TestWorkflow_ContextCancelStopsPush(t *testing.T) {
	h := newHarness(t)
	w := h.workflow()
	require.NoError(t, w.Compose(product, "douyin"))

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, w.Select(ctx, fox.ID))
	h.clock.Tick()
	cancel()
	waitDone(t, w)

	_, err := w.Result()
	assert.ErrorIs(t, err, ErrCancelled)
	assert.Empty(t, h.ledger(t))
}

func TestWorkflow_QuotaRefusal(t *testing.T) {
	h := newHarness(t)
	h.source.ledger = []model.LedgerRecord{pushedToday("x"), pushedToday("y"), pushedToday("z")}
	w := h.workflow()

	err := w.Compose(product, "douyin")
	require.Error(t, err)
	assert.True(t, views.IsQuotaExceeded(err))
	assert.Equal(t, Composing, w.Phase())
	assert.Equal(t, memory.Stats{}, h.store.Stats(), "refusal performs no mutation")
}

func TestWorkflow_AccountSelection(t *testing.T) {
	h := newHarness(t)
	h.source.ledger = []model.LedgerRecord{pushedToday("fox")}
	w := h.workflow()
	require.NoError(t, w.Compose(product, "douyin"))

	candidates := w.Candidates()
	require.Len(t, candidates, 1)
	assert.Equal(t, "owl", candidates[0].DisplayName)

	assert.ErrorIs(t, w.Select(context.Background(), fox.ID), ErrAccountUsedToday)
	assert.ErrorIs(t, w.Select(context.Background(), "nope"), ErrUnknownAccount)
	assert.Equal(t, SelectingAccount, w.Phase())

	require.NoError(t, w.Select(context.Background(), owl.ID))
	w.Dispose()
	waitDone(t, w)
}

func TestWorkflow_PhaseGuards(t *testing.T) {
	h := newHarness(t)
	w := h.workflow()

	assert.ErrorIs(t, w.Select(context.Background(), fox.ID), ErrWrongPhase)
	assert.False(t, w.Cancel())

	inactive := product
	inactive.Active = false
	assert.ErrorIs(t, w.Compose(inactive, "douyin"), ErrInactiveProduct)

	require.NoError(t, w.Compose(product, "douyin"))
	assert.ErrorIs(t, w.Compose(product, "douyin"), ErrWrongPhase)
}

func TestWorkflow_FrozenAccountCannotPush(t *testing.T) {
	h := newHarness(t)
	h.source.profile = model.UserProfile{Frozen: true}
	w := h.workflow()
	assert.ErrorIs(t, w.Compose(product, "douyin"), ErrAccountFrozen)
}

func TestWorkflow_DuplicatePushRefused(t *testing.T) {
	h := newHarness(t)

	// Two sessions with stale mirrors push the same account on the same day.
	first := h.workflow()
	require.NoError(t, first.Compose(product, "douyin"))
	require.NoError(t, first.Select(context.Background(), fox.ID))
	for i := 0; i < Steps; i++ {
		h.clock.Tick()
	}
	waitDone(t, first)
	_, err := first.Result()
	require.NoError(t, err)

	second := h.workflow()
	require.NoError(t, second.Compose(product, "douyin"))
	require.NoError(t, second.Select(context.Background(), fox.ID))
	for i := 0; i < Steps; i++ {
		h.clock.Tick()
	}
	waitDone(t, second)

	_, err = second.Result()
	assert.ErrorIs(t, err, ErrDuplicatePush)
	assert.Equal(t, Failed, second.Phase())
	assert.Equal(t, Settled, first.Phase())
	assert.Len(t, h.ledger(t), 1)
}

func TestWorkflow_StoreFailureIsNotSettled(t *testing.T) {
	h := newHarness(t)
	h.store.FailNext(memory.OpTransaction, errors.New("store down"))
	w := h.workflow()
	require.NoError(t, w.Compose(product, "douyin"))
	require.NoError(t, w.Select(context.Background(), fox.ID))
	for i := 0; i < Steps; i++ {
		h.clock.Tick()
	}
	waitDone(t, w)

	rec, err := w.Result()
	assert.ErrorContains(t, err, "store down")
	assert.Empty(t, rec.ID)
	assert.Equal(t, Failed, w.Phase())
	assert.False(t, w.Cancel())
	assert.Empty(t, h.ledger(t))
}

// gatedStore holds transactions until gate is closed.
type gatedStore struct {
	*memory.Store
	gate chan struct{}
}

func (g *gatedStore) RunTransaction(ctx context.Context, fn func(context.Context, remote.Tx) error) error {
	<-g.gate
	return g.Store.RunTransaction(ctx, fn)
}

func TestWorkflow_PushingUntilAppendCommits(t *testing.T) {
	h := newHarness(t)
	g := &gatedStore{Store: h.store, gate: make(chan struct{})}
	w := New(g, "u1", h.source, WithClock(h.clock), WithLocation(loc))
	require.NoError(t, w.Compose(product, "douyin"))
	require.NoError(t, w.Select(context.Background(), fox.ID))
	for i := 0; i < Steps; i++ {
		h.clock.Tick()
	}
	require.Eventually(t, func() bool { return w.Progress() == 100 }, time.Second, time.Millisecond)

	assert.Equal(t, Pushing, w.Phase())
	assert.False(t, w.Cancel(), "cancel after the final tick is too late")
	assert.Empty(t, h.ledger(t))

	close(g.gate)
	waitDone(t, w)
	_, err := w.Result()
	require.NoError(t, err)
	assert.Equal(t, Settled, w.Phase())
	assert.Len(t, h.ledger(t), 1)
}
