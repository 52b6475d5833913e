package testutil

import (
	"context"
	"sync"

	"github.com/roach88/pushdash/internal/remote"
	"github.com/roach88/pushdash/internal/remote/memory"
)

// FakeAdapter is a remote.Adapter whose subscriptions are driven by the test.
//
// Reads, writes and transactions go to an embedded memory.Store. Subscribe
// only records the callback; nothing is delivered until the test calls
// Deliver, so arrival order is fully under test control.
type FakeAdapter struct {
	*memory.Store

	mu       sync.Mutex
	subs     []*FakeSubscription
	failures map[string]error
}

// NewFakeAdapter creates an adapter over an empty memory store.
func NewFakeAdapter(opts ...memory.Option) *FakeAdapter {
	return &FakeAdapter{Store: memory.New(opts...), failures: make(map[string]error)}
}

// FakeSubscription is one recorded Subscribe call.
type FakeSubscription struct {
	Target remote.Target

	mu        sync.Mutex
	fn        func(remote.Snapshot)
	cancelled bool
}

// Unsubscribe stops future deliveries.
func (s *FakeSubscription) Unsubscribe() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelled = true
}

// Cancelled reports whether Unsubscribe was called.
func (s *FakeSubscription) Cancelled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelled
}

func (s *FakeSubscription) deliver(snap remote.Snapshot) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancelled {
		return false
	}
	snap.Target = s.Target
	s.fn(snap)
	return true
}

// FailSubscribe makes the next Subscribe for target (by its String form) fail with err.
func (a *FakeAdapter) FailSubscribe(target string, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.failures[target] = err
}

// Subscribe records the subscription.
func (a *FakeAdapter) Subscribe(_ context.Context, target remote.Target, fn func(remote.Snapshot)) (remote.Subscription, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err, ok := a.failures[target.String()]; ok {
		delete(a.failures, target.String())
		return nil, err
	}
	s := &FakeSubscription{Target: target, fn: fn}
	a.subs = append(a.subs, s)
	return s, nil
}

// Subscriptions returns every recorded subscription in call order.
func (a *FakeAdapter) Subscriptions() []*FakeSubscription {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]*FakeSubscription(nil), a.subs...)
}

// Sub returns the most recent subscription for target.
func (a *FakeAdapter) Sub(target string) (*FakeSubscription, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for i := len(a.subs) - 1; i >= 0; i-- {
		if a.subs[i].Target.String() == target {
			return a.subs[i], true
		}
	}
	return nil, false
}

// Deliver hands snap to the subscription for target. It reports false when
// no live subscription exists.
func (a *FakeAdapter) Deliver(target string, snap remote.Snapshot) bool {
	s, ok := a.Sub(target)
	if !ok {
		return false
	}
	return s.deliver(snap)
}

// DeliverDocs delivers a collection snapshot.
func (a *FakeAdapter) DeliverDocs(target string, docs ...remote.Document) bool {
	return a.Deliver(target, remote.Snapshot{Docs: docs})
}

// DeliverDoc delivers a single-document snapshot. A nil doc means missing.
func (a *FakeAdapter) DeliverDoc(target string, d *remote.Document) bool {
	if d == nil {
		return a.Deliver(target, remote.Snapshot{})
	}
	return a.Deliver(target, remote.Snapshot{Docs: []remote.Document{*d}, Exists: true})
}

// DeliverErr delivers a subscription error.
func (a *FakeAdapter) DeliverErr(target string, err error) bool {
	return a.Deliver(target, remote.Snapshot{Err: err})
}
