package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/roach88/pushdash/internal/remote"
	"github.com/roach88/pushdash/internal/watch"
)

// ErrAlreadyRunning is returned when Run is called twice.
var ErrAlreadyRunning = errors.New("engine: already running")

// errTargetNotEmpty aborts a seed transaction that found documents the
// spec's predicates filtered out.
var errTargetNotEmpty = errors.New("engine: target collection is not empty")

// Metrics receives engine observations. Implemented by metrics.Collector.
type Metrics interface {
	SnapshotApplied(spec string, docs int)
	SubscriptionFailed(spec string)
	SeedWritten(spec string, records int)
	SeedFailed(spec string)
	Ready(elapsed time.Duration)
}

type noopMetrics struct{}

func (noopMetrics) SnapshotApplied(string, int) {}
func (noopMetrics) SubscriptionFailed(string)   {}
func (noopMetrics) SeedWritten(string, int)     {}
func (noopMetrics) SeedFailed(string)           {}
func (noopMetrics) Ready(time.Duration)         {}

// Engine keeps one mirror per watch spec in step with the remote store.
//
// CRITICAL: Mirrors are written only by the Run loop goroutine. Adapter
// callbacks enqueue snapshots; the loop applies them in delivery order.
//
// Thread-safety model:
//   - Run(): must be called from exactly one goroutine
//   - Dispose(), Mirror(), Ready(): safe from any goroutine
//   - OnReady, OnError and OnChange callbacks run on the Run goroutine
type Engine struct {
	adapter  remote.Adapter
	identity string
	mirrors  []*Mirror
	byName   map[string]*Mirror
	resolve  []error // per spec; non-nil when the target could not be resolved
	queue    *eventQueue
	clock    *Clock
	ids      remote.IDGenerator
	metrics  Metrics

	onReady  func()
	onError  func(name string, err error)
	onChange func(name string)

	// Loop-owned.
	seen      []bool
	seenCount int
	seeded    []bool

	ready     chan struct{}
	readyOnce sync.Once
	started   time.Time

	mu       sync.Mutex
	running  bool
	subs     []remote.Subscription
	disposed atomic.Bool
}

// EngineOption allows configuration of engine parameters.
type EngineOption func(*Engine)

// WithOnReady sets a callback fired exactly once, when every spec has
// delivered at least one snapshot or error.
func WithOnReady(fn func()) EngineOption {
	return func(e *Engine) { e.onReady = fn }
}

// WithOnError sets a callback for subscription and seed failures.
func WithOnError(fn func(name string, err error)) EngineOption {
	return func(e *Engine) { e.onError = fn }
}

// WithOnChange sets a callback fired after every mirror update.
func WithOnChange(fn func(name string)) EngineOption {
	return func(e *Engine) { e.onChange = fn }
}

// WithIDGenerator sets the generator for seeded document ids.
// Default: the adapter's NewID.
func WithIDGenerator(g remote.IDGenerator) EngineOption {
	return func(e *Engine) { e.ids = g }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m Metrics) EngineOption {
	return func(e *Engine) {
		if m != nil {
			e.metrics = m
		}
	}
}

// New creates an engine for identity over specs. Spec names must be unique.
//
// A spec whose target cannot be resolved for identity does not fail New; it
// surfaces as a SubscriptionError once Run starts, like any other failed
// subscription.
func New(adapter remote.Adapter, identity string, specs []watch.Spec, opts ...EngineOption) (*Engine, error) {
	if adapter == nil {
		return nil, errors.New("engine: nil adapter")
	}
	e := &Engine{
		adapter:  adapter,
		identity: identity,
		mirrors:  make([]*Mirror, len(specs)),
		byName:   make(map[string]*Mirror, len(specs)),
		resolve:  make([]error, len(specs)),
		queue:    newEventQueue(),
		clock:    NewClock(),
		metrics:  noopMetrics{},
		seen:     make([]bool, len(specs)),
		seeded:   make([]bool, len(specs)),
		ready:    make(chan struct{}),
	}
	for i, spec := range specs {
		if _, dup := e.byName[spec.Name()]; dup {
			return nil, fmt.Errorf("engine: duplicate spec %q", spec.Name())
		}
		target, err := spec.Resolve(identity)
		if err != nil {
			e.resolve[i] = err
		}
		m := newMirror(spec, target)
		e.mirrors[i] = m
		e.byName[spec.Name()] = m
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Identity returns the session identity the engine was built for.
func (e *Engine) Identity() string { return e.identity }

// Mirror returns the mirror for a spec name.
func (e *Engine) Mirror(name string) (*Mirror, bool) {
	m, ok := e.byName[name]
	return m, ok
}

// Mirrors returns every mirror in spec order.
func (e *Engine) Mirrors() []*Mirror {
	return append([]*Mirror(nil), e.mirrors...)
}

// Ready returns a channel closed once the engine is ready.
func (e *Engine) Ready() <-chan struct{} { return e.ready }

// IsReady reports whether the engine is ready.
func (e *Engine) IsReady() bool {
	select {
	case <-e.ready:
		return true
	default:
		return false
	}
}

// Disposed reports whether Dispose has been called.
func (e *Engine) Disposed() bool { return e.disposed.Load() }

// Run opens one subscription per spec, then applies snapshots until ctx is
// cancelled or Dispose is called.
//
// ERROR HANDLING: subscription and seed failures are logged, reported through
// OnError and processing continues. They never stop the loop.
func (e *Engine) Run(ctx context.Context) error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return ErrAlreadyRunning
	}
	e.running = true
	e.started = time.Now()
	e.mu.Unlock()

	slog.Info("engine starting", "identity", e.identity, "specs", len(e.mirrors))

	if len(e.mirrors) == 0 {
		e.markReady()
	}
	e.subscribeAll(ctx)

	for {
		if ev, ok := e.queue.TryDequeue(); ok {
			e.apply(ctx, ev)
			continue
		}

		select {
		case <-ctx.Done():
			slog.Info("engine stopping: context cancelled")
			e.Dispose()
			return ctx.Err()

		case <-e.queue.Wait():
			if e.queue.Closed() {
				slog.Info("engine stopping: disposed")
				return nil
			}
		}
	}
}

func (e *Engine) subscribeAll(ctx context.Context) {
	for i, m := range e.mirrors {
		i := i
		if e.disposed.Load() {
			return
		}
		if err := e.resolve[i]; err != nil {
			e.queue.Enqueue(event{spec: i, snap: remote.Snapshot{Err: err}})
			continue
		}

		sub, err := e.adapter.Subscribe(ctx, m.target, func(s remote.Snapshot) {
			e.queue.Enqueue(event{spec: i, snap: s})
		})
		if err != nil {
			e.queue.Enqueue(event{spec: i, snap: remote.Snapshot{Target: m.target, Err: err}})
			continue
		}

		e.mu.Lock()
		if e.disposed.Load() {
			e.mu.Unlock()
			sub.Unsubscribe()
			return
		}
		e.subs = append(e.subs, sub)
		e.mu.Unlock()

		slog.Debug("subscribed", "spec", m.spec.Name(), "target", m.target.String())
	}
}

// apply replaces one mirror's state from a snapshot.
// CRITICAL: Called only from the Run goroutine.
func (e *Engine) apply(ctx context.Context, ev event) {
	if e.disposed.Load() {
		return
	}
	m := e.mirrors[ev.spec]
	name := m.spec.Name()
	prev := m.state.Load()

	if ev.snap.Err != nil {
		next := *prev
		next.Loaded = true
		next.Err = ev.snap.Err
		next.Version = e.clock.Next()
		if !e.publish(m, &next) {
			return
		}

		err := &SubscriptionError{Spec: name, Err: ev.snap.Err}
		slog.Error("subscription failed",
			"spec", name,
			"error", ev.snap.Err,
			"event", "subscription_error",
		)
		e.metrics.SubscriptionFailed(name)
		e.reportError(name, err)
	} else {
		next := &MirrorState{Loaded: true, Version: e.clock.Next()}
		if m.spec.Cardinality() == watch.SingleDocument {
			if d, ok := ev.snap.Doc(); ok {
				next.Exists = true
				next.Doc = d
			}
		} else {
			next.Docs = ev.snap.Docs
		}
		if !e.publish(m, next) {
			return
		}
		e.metrics.SnapshotApplied(name, len(next.Docs))

		slog.Debug("snapshot applied",
			"spec", name,
			"docs", len(next.Docs),
			"exists", next.Exists,
			"version", next.Version,
		)

		if e.shouldSeed(ev.spec, prev, next) {
			e.seed(ctx, ev.spec)
		} else {
			m.seedDone.Store(true)
		}
	}

	e.markSeen(ev.spec)
	if e.onChange != nil && !e.disposed.Load() {
		e.onChange(name)
	}
}

func (e *Engine) shouldSeed(i int, prev, next *MirrorState) bool {
	m := e.mirrors[i]
	if m.spec.SeedPolicy() != watch.SeedIfEmpty || e.seeded[i] {
		return false
	}
	if prev.Exists || len(prev.Docs) > 0 {
		return false
	}
	return !next.Exists && len(next.Docs) == 0
}

// seed writes the spec's defaults into its observed-empty target.
//
// A spec seeds at most once per engine. A failed attempt is recorded on the
// mirror as SeedErr and retried on the next empty snapshot. When the spec
// filters its collection, the seed runs in a transaction that first checks
// the unfiltered collection and writes nothing if any document exists.
func (e *Engine) seed(ctx context.Context, i int) {
	m := e.mirrors[i]
	defer m.seedDone.Store(true)
	if e.disposed.Load() {
		return
	}
	name := m.spec.Name()
	defaults := m.spec.SeedDefaults()

	var (
		next *MirrorState
		err  error
	)
	switch t := m.target.(type) {
	case remote.DocumentTarget:
		err = e.adapter.Set(ctx, t.Collection, t.ID, defaults[0])
		next = &MirrorState{
			Loaded: true,
			Exists: true,
			Doc:    remote.Document{Collection: t.Collection, ID: t.ID, Fields: defaults[0]},
		}

	case remote.CollectionTarget:
		writes := make([]remote.Write, 0, len(defaults))
		docs := make([]remote.Document, 0, len(defaults))
		for _, fields := range defaults {
			id := e.newID()
			writes = append(writes, remote.SetWrite{Collection: t.Collection, ID: id, Fields: fields})
			docs = append(docs, remote.Document{Collection: t.Collection, ID: id, Fields: fields})
		}
		if len(t.Where) == 0 {
			err = e.adapter.RunBatch(ctx, writes)
		} else {
			err = e.adapter.RunTransaction(ctx, seedUnfiltered(t.Collection, writes))
		}
		next = &MirrorState{Loaded: true, Docs: docs}

	default:
		err = fmt.Errorf("cannot seed target %v", m.target)
	}

	if errors.Is(err, errTargetNotEmpty) {
		e.seeded[i] = true
		slog.Debug("seed skipped: collection has filtered-out documents", "spec", name)
		return
	}
	if err != nil {
		slog.Error("seed write failed",
			"spec", name,
			"error", err,
			"event", "seed_error",
		)
		e.metrics.SeedFailed(name)
		failed := *m.state.Load()
		failed.SeedErr = err
		failed.Version = e.clock.Next()
		if e.publish(m, &failed) {
			e.reportError(name, &SeedWriteError{Spec: name, Err: err})
		}
		return
	}
	e.seeded[i] = true

	next.Version = e.clock.Next()
	if !e.publish(m, next) {
		return
	}
	records := len(next.Docs)
	if next.Exists {
		records = 1
	}
	e.metrics.SeedWritten(name, records)
	slog.Info("seeded empty target", "spec", name, "records", records)
}

// seedUnfiltered writes the seed only when collection holds no document at all.
func seedUnfiltered(collection string, writes []remote.Write) func(context.Context, remote.Tx) error {
	return func(ctx context.Context, tx remote.Tx) error {
		existing, err := tx.Query(ctx, remote.CollectionTarget{Collection: collection})
		if err != nil {
			return err
		}
		if len(existing) > 0 {
			return errTargetNotEmpty
		}
		for _, w := range writes {
			sw := w.(remote.SetWrite)
			if err := tx.Set(sw.Collection, sw.ID, sw.Fields); err != nil {
				return err
			}
		}
		return nil
	}
}

// publish swaps in a mirror state unless the engine has been disposed.
// Holding e.mu orders the swap against Dispose: once Dispose returns, no
// mirror changes.
func (e *Engine) publish(m *Mirror, s *MirrorState) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.disposed.Load() {
		return false
	}
	m.swap(s)
	return true
}

func (e *Engine) newID() string {
	if e.ids != nil {
		return e.ids.Generate()
	}
	return e.adapter.NewID()
}

func (e *Engine) reportError(name string, err error) {
	if e.onError != nil {
		e.onError(name, err)
	}
}

func (e *Engine) markSeen(i int) {
	if e.seen[i] {
		return
	}
	e.seen[i] = true
	e.seenCount++
	if e.seenCount == len(e.mirrors) {
		e.markReady()
	}
}

func (e *Engine) markReady() {
	e.readyOnce.Do(func() {
		close(e.ready)
		elapsed := time.Since(e.started)
		e.metrics.Ready(elapsed)
		slog.Info("engine ready", "identity", e.identity, "specs", len(e.mirrors), "elapsed", elapsed)
		if e.onReady != nil {
			e.onReady()
		}
	})
}

// Dispose cancels every subscription and stops the Run loop. Queued and
// late-arriving snapshots are discarded. Safe to call more than once and
// from any goroutine.
func (e *Engine) Dispose() {
	e.mu.Lock()
	if e.disposed.Swap(true) {
		e.mu.Unlock()
		return
	}
	subs := e.subs
	e.subs = nil
	e.mu.Unlock()

	for _, s := range subs {
		s.Unsubscribe()
	}
	e.queue.Close()
	slog.Info("engine disposed", "identity", e.identity, "subscriptions", len(subs))
}
