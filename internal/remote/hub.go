package remote

import (
	"context"
	"log/slog"
	"sync"
)

// Querier evaluates a target against committed state.
// Backends implement it; the Hub calls it to build every snapshot.
type Querier interface {
	QueryTarget(ctx context.Context, target Target) ([]Document, error)
}

// Hub fans committed changes out to subscriptions.
//
// Every subscription owns one delivery goroutine. Notify marks affected
// subscriptions dirty; the goroutine re-queries and delivers a full snapshot.
// Notifications arriving while a query runs coalesce into one more query, so
// deliveries for one subscription are serial and in commit order, and the
// last snapshot always reflects the latest commit.
type Hub struct {
	q Querier

	mu     sync.Mutex
	subs   map[uint64]*hubSub
	next   uint64
	closed bool
}

// NewHub creates a hub over q.
func NewHub(q Querier) *Hub {
	return &Hub{
		q:    q,
		subs: make(map[uint64]*hubSub),
	}
}

type hubSub struct {
	hub    *Hub
	id     uint64
	target Target
	fn     func(Snapshot)
	dirty  chan struct{} // buffered 1, coalesces
	cancel context.CancelFunc
	once   sync.Once
}

// Subscribe validates target, registers fn and schedules the initial snapshot.
func (h *Hub) Subscribe(ctx context.Context, target Target, fn func(Snapshot)) (Subscription, error) {
	if target == nil {
		return nil, ErrInvalidTarget
	}
	if err := target.Validate(); err != nil {
		return nil, err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, ErrClosed
	}

	subCtx, cancel := context.WithCancel(ctx)
	h.next++
	s := &hubSub{
		hub:    h,
		id:     h.next,
		target: target,
		fn:     fn,
		dirty:  make(chan struct{}, 1),
		cancel: cancel,
	}
	h.subs[s.id] = s
	s.dirty <- struct{}{}

	go s.run(subCtx)

	slog.Debug("subscription opened", "target", target.String(), "sub_id", s.id)
	return s, nil
}

// Notify marks every subscription affected by a write to collections dirty.
func (h *Hub) Notify(collections ...string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, s := range h.subs {
		for _, c := range collections {
			if Affects(s.target, c) {
				s.mark()
				break
			}
		}
	}
}

// Refresh marks every subscription dirty. Backends whose changes can come
// from other processes call it on a timer.
func (h *Hub) Refresh() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, s := range h.subs {
		s.mark()
	}
}

// Close stops every subscription.
func (h *Hub) Close() {
	h.mu.Lock()
	subs := h.subs
	h.subs = make(map[uint64]*hubSub)
	h.closed = true
	h.mu.Unlock()

	for _, s := range subs {
		s.cancel()
	}
}

// Len returns the number of live subscriptions.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

func (s *hubSub) mark() {
	select {
	case s.dirty <- struct{}{}:
	default:
	}
}

func (s *hubSub) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.dirty:
		}

		docs, err := s.hub.q.QueryTarget(ctx, s.target)
		if ctx.Err() != nil {
			return
		}

		snap := Snapshot{Target: s.target, Err: err}
		if err == nil {
			snap.Docs = docs
			if _, isDoc := s.target.(DocumentTarget); isDoc {
				snap.Exists = len(docs) > 0
			}
		} else {
			slog.Warn("subscription query failed", "target", s.target.String(), "error", err)
		}
		s.fn(snap)
	}
}

// Unsubscribe removes the subscription. Safe to call more than once and from inside fn.
func (s *hubSub) Unsubscribe() {
	s.once.Do(func() {
		s.cancel()
		s.hub.mu.Lock()
		delete(s.hub.subs, s.id)
		s.hub.mu.Unlock()
		slog.Debug("subscription closed", "target", s.target.String(), "sub_id", s.id)
	})
}
