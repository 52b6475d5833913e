package remote

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
)

func TestTargetValidate(t *testing.T) {
	valid := []Target{
		DocumentTarget{Collection: "users", ID: "u1"},
		DocumentTarget{Collection: "users/u1/profile", ID: "main"},
		CollectionTarget{Collection: "products"},
		CollectionTarget{Collection: UserPath("u1", "transactions")},
		GroupTarget{Group: "transactions"},
	}
	for _, tgt := range valid {
		assert.NoError(t, tgt.Validate(), tgt.String())
	}

	invalid := []Target{
		DocumentTarget{Collection: "users", ID: ""},
		DocumentTarget{Collection: "users", ID: "a/b"},
		DocumentTarget{Collection: "users/u1", ID: "x"},
		CollectionTarget{Collection: ""},
		CollectionTarget{Collection: "users//x"},
		CollectionTarget{Collection: "products", Where: []query.Predicate{query.Where("", doc.Int(1))}},
		GroupTarget{Group: "users/u1/transactions"},
		GroupTarget{Group: ""},
	}
	for _, tgt := range invalid {
		assert.ErrorIs(t, tgt.Validate(), ErrInvalidTarget, tgt.String())
	}
}

func TestAffectsAndMatch(t *testing.T) {
	ledger := UserPath("u1", "transactions")
	d := Document{Collection: ledger, ID: "t1", Fields: doc.Object{"type": doc.String("commission")}}

	group := GroupTarget{Group: "transactions"}
	assert.True(t, Affects(group, ledger))
	assert.True(t, Match(group, d))
	assert.False(t, Affects(group, UserPath("u1", "poolAccounts")))

	coll := CollectionTarget{Collection: ledger, Where: []query.Predicate{query.Where("type", doc.String("deposit"))}}
	assert.True(t, Affects(coll, ledger))
	assert.False(t, Match(coll, d))

	one := DocumentTarget{Collection: ledger, ID: "t1"}
	assert.True(t, Match(one, d))
	assert.False(t, Match(DocumentTarget{Collection: ledger, ID: "t2"}, d))
}

func TestLastSegment(t *testing.T) {
	assert.Equal(t, "transactions", LastSegment("users/u1/transactions"))
	assert.Equal(t, "products", LastSegment("products"))
}

func TestValidateWrites(t *testing.T) {
	require.NoError(t, ValidateWrites([]Write{
		SetWrite{Collection: "a", ID: "1"},
		UpdateWrite{Collection: "a", ID: "1"},
		DeleteWrite{Collection: "a", ID: "1"},
	}))
	assert.ErrorIs(t, ValidateWrites([]Write{SetWrite{Collection: "a/b", ID: "1"}}), ErrInvalidTarget)
	assert.ErrorIs(t, ValidateWrites([]Write{nil}), ErrInvalidTarget)
}

func TestRetryConflicts(t *testing.T) {
	calls := 0
	err := RetryConflicts(context.Background(), func() error {
		calls++
		if calls < 3 {
			return ErrConflict
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)

	calls = 0
	err = RetryConflicts(context.Background(), func() error {
		calls++
		return ErrConflict
	})
	assert.ErrorIs(t, err, ErrConflict)
	assert.Equal(t, MaxTransactionAttempts, calls)

	boom := errors.New("boom")
	calls = 0
	err = RetryConflicts(context.Background(), func() error {
		calls++
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, calls)
}

// blockingQuerier lets a test hold a query open to observe coalescing.
type blockingQuerier struct {
	mu      sync.Mutex
	calls   int
	release chan struct{}
	started chan struct{}
}

func (q *blockingQuerier) QueryTarget(ctx context.Context, _ Target) ([]Document, error) {
	q.mu.Lock()
	q.calls++
	n := q.calls
	q.mu.Unlock()

	q.started <- struct{}{}
	<-q.release
	return []Document{{Collection: "a", ID: "n", Fields: doc.Object{"n": doc.Int(int64(n))}}}, nil
}

func TestHubCoalescesNotifications(t *testing.T) {
	q := &blockingQuerier{release: make(chan struct{}), started: make(chan struct{}, 8)}
	h := NewHub(q)
	defer h.Close()

	got := make(chan Snapshot, 8)
	sub, err := h.Subscribe(context.Background(), CollectionTarget{Collection: "a"}, func(s Snapshot) { got <- s })
	require.NoError(t, err)
	defer sub.Unsubscribe()

	<-q.started // initial query running
	h.Notify("a")
	h.Notify("a")
	h.Notify("a")
	h.Notify("other")
	q.release <- struct{}{}

	<-q.started // exactly one follow-up query
	q.release <- struct{}{}

	first := <-got
	second := <-got
	assert.Equal(t, doc.Int(1), first.Docs[0].Fields["n"])
	assert.Equal(t, doc.Int(2), second.Docs[0].Fields["n"])

	select {
	case <-q.started:
		t.Fatal("notifications were not coalesced")
	case <-time.After(50 * time.Millisecond):
	}
	assert.Equal(t, 1, h.Len())
}

func TestHubClosedRejectsSubscribe(t *testing.T) {
	h := NewHub(&blockingQuerier{release: make(chan struct{}), started: make(chan struct{}, 1)})
	h.Close()
	_, err := h.Subscribe(context.Background(), GroupTarget{Group: "a"}, func(Snapshot) {})
	assert.ErrorIs(t, err, ErrClosed)
}
