package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/pushdash/internal/callable"
	"github.com/roach88/pushdash/internal/doc"
	"github.com/roach88/pushdash/internal/model"
	"github.com/roach88/pushdash/internal/remote"
	"github.com/roach88/pushdash/internal/remote/memory"
	"github.com/roach88/pushdash/internal/testutil"
	"github.com/roach88/pushdash/internal/views"
	"github.com/roach88/pushdash/internal/watch"
)

var (
	loc   = time.FixedZone("UTC+8", 8*60*60)
	now   = time.Date(2026, 10, 17, 10, 0, 0, 0, loc)
	rules = Rules{
		Settings: model.Settings{
			DefaultPushLimit:      5,
			CommissionMinor:       300,
			MidTier:               20,
			HighTier:              100,
			PoolAccountPriceMinor: 2000,
		},
		Products: []model.Product{{Name: "Alpha", PushLimit: 2, Active: true}},
		Location: loc,
	}
)

func deposit(id string, amount int64) remote.Document {
	rec := model.LedgerRecord{
		ID:          id,
		Kind:        model.KindDeposit,
		AmountMinor: amount,
		Timestamp:   now.Add(-24 * time.Hour),
		Status:      model.StatusSuccess,
	}
	return remote.Document{ID: id, Fields: rec.Fields()}
}

func poolAccount(id, name string) remote.Document {
	a := model.PoolAccount{ID: id, DisplayName: name, PlatformLabel: "weibo", CreatedAt: now.Add(-48 * time.Hour)}
	return remote.Document{ID: id, Fields: a.Fields()}
}

func openSession(t *testing.T, store *memory.Store, clock *testutil.FakeClock, id Identity) *Session {
	t.Helper()
	s, err := Open(context.Background(), store, id, rules,
		WithClock(clock),
		WithIDGenerator(testutil.NewSequenceGenerator(id.ID)),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, s.WaitReady(ctx))
	return s
}

func newStore(t *testing.T) *memory.Store {
	t.Helper()
	store := memory.New()
	t.Cleanup(func() { _ = store.Close() })
	return store
}

// settled waits until the seeded documents are mirrored.
func settled(t *testing.T, s *Session) {
	t.Helper()
	require.Eventually(t, func() bool {
		return hasDoc(s, watch.SpecSettings) && hasDoc(s, watch.SpecProfile) && len(s.Products()) == len(rules.Products)
	}, 2*time.Second, 5*time.Millisecond)
}

func hasDoc(s *Session, spec string) bool {
	m, ok := s.Engine().Mirror(spec)
	if !ok {
		return false
	}
	_, ok = m.Fields()
	return ok
}

func TestOpen_Validation(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	_, err := Open(ctx, store, Identity{ID: "", Role: watch.RoleUser}, rules)
	assert.Error(t, err)
	_, err = Open(ctx, store, Identity{ID: "u1", Role: "guest"}, rules)
	assert.Error(t, err)
	_, err = Open(ctx, nil, Identity{ID: "u1", Role: watch.RoleUser}, rules)
	assert.Error(t, err)
}

func TestUserSession_SeedsAndComputesDashboard(t *testing.T) {
	store := newStore(t)
	store.Seed(remote.UserPath("u1", model.CollTransactions), deposit("d1", 5000))
	store.Seed(remote.UserPath("u1", model.CollPoolAccounts), poolAccount("a1", "fox"))
	clock := testutil.NewFakeClock(now)

	s := openSession(t, store, clock, Identity{ID: "u1", Role: watch.RoleUser})
	settled(t, s)

	d := s.Dashboard()
	assert.Equal(t, "u1", d.Identity)
	assert.Equal(t, "user", d.Role)
	assert.Equal(t, "2026-10-17", d.Day)
	assert.Equal(t, int64(5000), d.BalanceMinor)
	assert.Equal(t, views.TierEntry, d.Tier)
	assert.Equal(t, 1, d.PoolAccounts)
	require.Len(t, d.Quotas, 1)
	assert.Equal(t, views.Quota{Product: "Alpha", Used: 0, Limit: 2}, d.Quotas[0])
	assert.Empty(t, s.Faults())

	settings, err := store.Get(context.Background(), model.CollSettings, model.SettingsDocID)
	require.NoError(t, err)
	assert.NotEmpty(t, settings.Fields, "shared settings seeded")
	profile, err := store.Get(context.Background(), model.CollUsers, "u1")
	require.NoError(t, err)
	assert.Equal(t, doc.String("user"), profile.Fields["role"])
}

func TestUserSession_DashboardIsMemoized(t *testing.T) {
	store := newStore(t)
	clock := testutil.NewFakeClock(now)
	s := openSession(t, store, clock, Identity{ID: "u1", Role: watch.RoleUser})
	settled(t, s)

	first := s.Dashboard()
	n := s.memo.Computations()
	assert.Equal(t, first, s.Dashboard())
	assert.Equal(t, n, s.memo.Computations(), "unchanged mirrors reuse the cached dashboard")

	clock.Advance(24 * time.Hour)
	next := s.Dashboard()
	assert.Equal(t, n+1, s.memo.Computations(), "a new calendar day recomputes")
	assert.Equal(t, "2026-10-18", next.Day)
}

func TestUserSession_PushSettlesIntoMirrors(t *testing.T) {
	store := newStore(t)
	store.Seed(remote.UserPath("u1", model.CollPoolAccounts), poolAccount("a1", "fox"))
	clock := testutil.NewFakeClock(now)
	s := openSession(t, store, clock, Identity{ID: "u1", Role: watch.RoleUser})
	settled(t, s)
	require.Eventually(t, func() bool { return len(s.PoolAccounts()) == 1 }, 2*time.Second, 5*time.Millisecond)

	w, err := s.NewPush()
	require.NoError(t, err)
	require.NoError(t, w.Compose(s.Products()[0], "douyin"))
	require.NoError(t, w.Select(context.Background(), "a1"))
	for i := 0; i < 5; i++ {
		clock.Tick()
	}
	select {
	case <-w.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("push did not settle")
	}
	rec, err := w.Result()
	require.NoError(t, err)
	assert.Equal(t, int64(300), rec.AmountMinor, "commission from settings")

	require.Eventually(t, func() bool {
		d := s.Dashboard()
		return d.BalanceMinor == 300 && len(d.Quotas) == 1 && d.Quotas[0].Used == 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"fox"}, s.Dashboard().PushedToday)
}

func TestUserSession_Purchase(t *testing.T) {
	store := newStore(t)
	store.Seed(remote.UserPath("u1", model.CollTransactions), deposit("d1", 5000))
	clock := testutil.NewFakeClock(now)
	s := openSession(t, store, clock, Identity{ID: "u1", Role: watch.RoleUser})
	settled(t, s)

	res, err := s.Purchase(context.Background(), callable.PurchaseRequest{Name: "Owl", Platform: "weibo"})
	require.NoError(t, err)
	assert.Equal(t, int64(3000), res.BalanceMinor)

	require.Eventually(t, func() bool {
		d := s.Dashboard()
		return d.PoolAccounts == 1 && d.PurchaseCount == 1 && d.BalanceMinor == 3000
	}, 2*time.Second, 5*time.Millisecond)

	err = s.SetUserStatus(context.Background(), "u2", callable.StatusChange{})
	assert.ErrorIs(t, err, callable.ErrForbidden, "user sessions cannot call admin endpoints")
}

func TestAdminSession_SeesEveryUser(t *testing.T) {
	store := newStore(t)
	store.Seed(model.CollUsers,
		remote.Document{ID: "u1", Fields: model.UserProfile{Role: "user", Frozen: true}.Fields()},
		remote.Document{ID: "u2", Fields: model.UserProfile{Role: "user"}.Fields()},
	)
	store.Seed(remote.UserPath("u1", model.CollTransactions), deposit("d1", 700))
	store.Seed(remote.UserPath("root", model.CollTransactions), deposit("d2", 900))
	clock := testutil.NewFakeClock(now)

	s := openSession(t, store, clock, Identity{ID: "root", Role: watch.RoleAdmin})
	settled(t, s)
	require.Eventually(t, func() bool { return s.Dashboard().Users == 3 }, 2*time.Second, 5*time.Millisecond)

	d := s.Dashboard()
	assert.Equal(t, 1, d.FrozenUsers)
	assert.Equal(t, int64(900), d.BalanceMinor, "own slice of the ledger group")

	all := s.AllLedgers()
	require.Len(t, all["u1"], 1)
	assert.Equal(t, int64(700), all["u1"][0].AmountMinor)

	no := false
	require.NoError(t, s.SetUserStatus(context.Background(), "u1", callable.StatusChange{Frozen: &no}))
	require.Eventually(t, func() bool { return s.Dashboard().FrozenUsers == 0 }, 2*time.Second, 5*time.Millisecond)

	_, err := s.Deposit(context.Background(), "u2", 100, "bonus")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(s.AllLedgers()["u2"]) == 1 }, 2*time.Second, 5*time.Millisecond)
}

func TestSession_Close(t *testing.T) {
	store := newStore(t)
	clock := testutil.NewFakeClock(now)
	s := openSession(t, store, clock, Identity{ID: "u1", Role: watch.RoleUser})

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	assert.True(t, s.Engine().Disposed())

	_, err := s.NewPush()
	assert.ErrorIs(t, err, ErrClosed)
	_, err = s.Purchase(context.Background(), callable.PurchaseRequest{Name: "x"})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestSession_ParentContextCancel(t *testing.T) {
	store := newStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	s, err := Open(ctx, store, Identity{ID: "u1", Role: watch.RoleUser}, rules)
	require.NoError(t, err)

	cancel()
	require.Eventually(t, func() bool { return s.Engine().Disposed() }, 2*time.Second, 5*time.Millisecond)
	assert.NoError(t, s.Close())
}

func TestSession_SettleCatchesUpWithWrites(t *testing.T) {
	store := newStore(t)
	clock := testutil.NewFakeClock(now)
	s := openSession(t, store, clock, Identity{ID: "u1", Role: watch.RoleUser})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, s.Settle(ctx))
	assert.True(t, hasDoc(s, watch.SpecSettings), "seeded specs have data once settled")

	store.Seed(remote.UserPath("u1", model.CollTransactions), deposit("d1", 1200))
	require.NoError(t, s.Settle(ctx))
	assert.Equal(t, int64(1200), s.Dashboard().BalanceMinor)
}

func TestSession_SettleNeedsQueryableAdapter(t *testing.T) {
	// Only the Adapter methods are promoted, not QueryTarget.
	type adapterOnly struct{ remote.Adapter }
	s, err := Open(context.Background(), adapterOnly{newStore(t)}, Identity{ID: "u1", Role: watch.RoleUser}, rules)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	assert.ErrorIs(t, s.Settle(context.Background()), ErrNotQueryable)
}

func settleWithin(t *testing.T, s *Session, d time.Duration) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	require.NoError(t, s.Settle(ctx))
}

func TestUserSession_RetiredCatalogNotReseeded(t *testing.T) {
	store := newStore(t)
	store.Seed(model.CollProducts, remote.Document{ID: "p0", Fields: doc.Object{
		"name": doc.String("Alpha"), "active": doc.Bool(false),
	}})

	s := openSession(t, store, testutil.NewFakeClock(now), Identity{ID: "u1", Role: watch.RoleUser})
	settleWithin(t, s, 2*time.Second)

	assert.Empty(t, s.Products())
	assert.Empty(t, s.Dashboard().Quotas)
	assert.Empty(t, s.Faults())

	all, err := store.QueryTarget(context.Background(), remote.CollectionTarget{Collection: model.CollProducts})
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "p0", all[0].ID)
}

func TestSession_SeedFailureIsAFault(t *testing.T) {
	store := newStore(t)
	store.FailNext(memory.OpTransaction, errors.New("unavailable"))

	s := openSession(t, store, testutil.NewFakeClock(now), Identity{ID: "u1", Role: watch.RoleUser})
	settleWithin(t, s, 2*time.Second)

	faults := s.Faults()
	require.Contains(t, faults, watch.SpecProducts)
	assert.ErrorContains(t, faults[watch.SpecProducts], "unavailable")
	assert.Empty(t, s.Products())
}

func TestSession_ReferralCycleIsAFault(t *testing.T) {
	store := newStore(t)
	for _, m := range []model.TeamMember{
		{Identity: "u1", Role: "user"},
		{Identity: "x", Role: "user", ReferrerID: "y"},
		{Identity: "y", Role: "user", ReferrerID: "x"},
	} {
		store.Seed(model.CollTeam, remote.Document{ID: m.Identity, Fields: m.Fields()})
	}

	s := openSession(t, store, testutil.NewFakeClock(now), Identity{ID: "u1", Role: watch.RoleUser})
	settleWithin(t, s, 2*time.Second)

	faults := s.Faults()
	require.Contains(t, faults, watch.SpecTeam)
	assert.ErrorIs(t, faults[watch.SpecTeam], views.ErrReferralCycle)
}
