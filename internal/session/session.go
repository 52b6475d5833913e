package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/roach88/pushdash/internal/callable"
	"github.com/roach88/pushdash/internal/engine"
	"github.com/roach88/pushdash/internal/model"
	"github.com/roach88/pushdash/internal/push"
	"github.com/roach88/pushdash/internal/remote"
	"github.com/roach88/pushdash/internal/views"
	"github.com/roach88/pushdash/internal/watch"
)

// ErrClosed is returned by operations on a closed session.
var ErrClosed = errors.New("session: closed")

// Identity is the signed-in caller.
type Identity struct {
	ID   string
	Role watch.Role
}

// Rules are the business rules a session runs with. Settings double as the
// fallback for values missing from settings/global and as its seed.
type Rules struct {
	Settings     model.Settings
	Products     []model.Product
	Location     *time.Location
	TickInterval time.Duration
}

// Metrics receives engine and push telemetry. Implemented by metrics.Collector.
type Metrics interface {
	engine.Metrics
	push.Metrics
}

// Option configures a Session.
type Option func(*Session)

// WithClock sets the clock used for calendar days and push ticks.
func WithClock(c push.Clock) Option {
	return func(s *Session) { s.clock = c }
}

// WithIDGenerator sets the generator for seeded and created document ids.
func WithIDGenerator(g remote.IDGenerator) Option {
	return func(s *Session) { s.ids = g }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m Metrics) Option {
	return func(s *Session) { s.metrics = m }
}

// WithOnChange sets a callback fired after any mirror changes.
func WithOnChange(fn func(spec string)) Option {
	return func(s *Session) { s.onChange = fn }
}

// WithOnError sets a callback for subscription and seed failures.
func WithOnError(fn func(spec string, err error)) Option {
	return func(s *Session) { s.onError = fn }
}

// WithCatalog replaces the default catalog.
func WithCatalog(c *watch.Catalog) Option {
	return func(s *Session) { s.catalog = c }
}

// Session is one signed-in dashboard: a running engine over the role's
// specs plus the actions available to the caller. A role change means
// closing the session and opening another.
type Session struct {
	client   remote.Adapter
	identity Identity
	rules    Rules

	clock    push.Clock
	ids      remote.IDGenerator
	metrics  Metrics
	onChange func(string)
	onError  func(string, error)
	catalog  *watch.Catalog

	engine  *engine.Engine
	service *callable.Service
	memo    views.Memo

	cancel context.CancelFunc
	done   chan struct{}
	runErr error

	mu     sync.Mutex
	closed bool
	pushes []*push.Workflow
}

// Open builds the role-scoped engine for identity and starts it. The session
// is usable immediately; mirrors fill in as snapshots arrive and Ready fires
// once every spec has reported.
func Open(ctx context.Context, client remote.Adapter, identity Identity, rules Rules, opts ...Option) (*Session, error) {
	if client == nil {
		return nil, errors.New("session: nil client")
	}
	if err := remote.ValidateID(identity.ID); err != nil {
		return nil, fmt.Errorf("session: identity: %w", err)
	}
	if _, err := watch.ParseRole(string(identity.Role)); err != nil {
		return nil, fmt.Errorf("session: %w", err)
	}
	if rules.Location == nil {
		rules.Location = time.Local
	}
	if rules.TickInterval <= 0 {
		rules.TickInterval = push.DefaultTickInterval
	}

	s := &Session{
		client:   client,
		identity: identity,
		rules:    rules,
		clock:    push.SystemClock(),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.catalog == nil {
		c, err := watch.DefaultCatalog(watch.Seeds{Products: rules.Products, Settings: rules.Settings})
		if err != nil {
			return nil, fmt.Errorf("session: catalog: %w", err)
		}
		s.catalog = c
	}

	engineOpts := []engine.EngineOption{
		engine.WithOnChange(s.changed),
		engine.WithOnError(s.failed),
	}
	serviceOpts := []callable.Option{
		callable.WithNow(s.clock.Now),
		callable.WithDefaults(rules.Settings),
	}
	if s.ids != nil {
		engineOpts = append(engineOpts, engine.WithIDGenerator(s.ids))
		serviceOpts = append(serviceOpts, callable.WithIDGenerator(s.ids))
	}
	if s.metrics != nil {
		engineOpts = append(engineOpts, engine.WithMetrics(s.metrics))
	}

	eng, err := engine.New(client, identity.ID, s.catalog.ForRole(identity.Role), engineOpts...)
	if err != nil {
		return nil, fmt.Errorf("session: %w", err)
	}
	s.engine = eng
	s.service = callable.NewService(client, serviceOpts...)

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	go func() {
		defer close(s.done)
		s.runErr = eng.Run(runCtx)
	}()

	slog.Info("session opened", "identity", identity.ID, "role", identity.Role)
	return s, nil
}

func (s *Session) changed(spec string) {
	if s.onChange != nil {
		s.onChange(spec)
	}
}

func (s *Session) failed(spec string, err error) {
	if s.onError != nil {
		s.onError(spec, err)
	}
}

// Identity returns the signed-in caller.
func (s *Session) Identity() Identity { return s.identity }

// Rules returns the rules the session was opened with.
func (s *Session) Rules() Rules { return s.rules }

// Engine returns the underlying sync engine.
func (s *Session) Engine() *engine.Engine { return s.engine }

// Ready returns a channel closed once every spec has delivered a snapshot or error.
func (s *Session) Ready() <-chan struct{} { return s.engine.Ready() }

// WaitReady blocks until the session is ready or ctx is done.
func (s *Session) WaitReady(ctx context.Context) error {
	select {
	case <-s.engine.Ready():
		return nil
	case <-s.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Faults returns what currently degrades the session, by spec name:
// subscription errors, failed seeds and referral cycles in the team mirror.
func (s *Session) Faults() map[string]error {
	out := make(map[string]error)
	for _, m := range s.engine.Mirrors() {
		st := m.State()
		if err := errors.Join(st.Err, st.SeedErr); err != nil {
			out[m.Spec().Name()] = err
		}
	}
	if _, ok := s.engine.Mirror(watch.SpecTeam); ok {
		if err := s.Forest().Err(); err != nil {
			out[watch.SpecTeam] = errors.Join(out[watch.SpecTeam], err)
		}
	}
	return out
}

// Dashboard returns the derived dashboard. It is recomputed only when a
// mirror changed or the calendar day rolled over.
func (s *Session) Dashboard() views.Dashboard {
	now := s.clock.Now()
	mirrors := s.engine.Mirrors()
	versions := make([]int64, 0, len(mirrors))
	for _, m := range mirrors {
		versions = append(versions, m.State().Version)
	}
	key := views.MemoKey(views.DayKey(now, s.rules.Location), versions...)
	return s.memo.Get(key, func() views.Dashboard {
		return views.Compute(s.inputs(now))
	})
}

func (s *Session) inputs(now time.Time) views.Inputs {
	in := views.Inputs{
		Identity:     s.identity.ID,
		Role:         string(s.identity.Role),
		Now:          now,
		Location:     s.rules.Location,
		Profile:      s.Profile(),
		Ledger:       s.Ledger(),
		PoolAccounts: s.PoolAccounts(),
		Products:     s.Products(),
		Settings:     s.Settings(),
		Team:         s.Team(),
	}
	if s.identity.Role == watch.RoleAdmin {
		in.Users = s.Users()
	}
	return in
}

// Forest returns the referral forest of the team mirror.
func (s *Session) Forest() *views.Forest {
	return views.BuildForest(s.Team())
}

// NewPush starts a push workflow for the caller. The workflow reads the
// session's mirrors when composing and selecting.
func (s *Session) NewPush(opts ...push.Option) (*push.Workflow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	base := []push.Option{
		push.WithClock(s.clock),
		push.WithLocation(s.rules.Location),
		push.WithTickInterval(s.rules.TickInterval),
	}
	if s.metrics != nil {
		base = append(base, push.WithMetrics(s.metrics))
	}
	w := push.New(s.client, s.identity.ID, s, append(base, opts...)...)
	s.pushes = append(s.pushes, w)
	return w, nil
}

// Purchase buys a pool account for the caller.
func (s *Session) Purchase(ctx context.Context, req callable.PurchaseRequest) (callable.PurchaseResult, error) {
	if s.isClosed() {
		return callable.PurchaseResult{}, ErrClosed
	}
	return s.service.CreateUniquePoolAccount(ctx, s.identity.ID, req)
}

// SetUserStatus freezes or hides another user. Admin sessions only.
func (s *Session) SetUserStatus(ctx context.Context, target string, change callable.StatusChange) error {
	if s.isClosed() {
		return ErrClosed
	}
	return s.service.ToggleUserStatus(ctx, s.actor(), target, change)
}

// Deposit credits another user's ledger. Admin sessions only.
func (s *Session) Deposit(ctx context.Context, target string, amountMinor int64, note string) (model.LedgerRecord, error) {
	if s.isClosed() {
		return model.LedgerRecord{}, ErrClosed
	}
	return s.service.Deposit(ctx, s.actor(), target, amountMinor, note)
}

func (s *Session) actor() callable.Actor {
	return callable.Actor{ID: s.identity.ID, Role: s.identity.Role}
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Close disposes every push workflow and the engine, then waits for the
// engine loop to exit. Safe to call more than once.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	pushes := s.pushes
	s.pushes = nil
	s.mu.Unlock()

	for _, w := range pushes {
		w.Dispose()
	}
	s.engine.Dispose()
	<-s.done
	s.cancel()

	slog.Info("session closed", "identity", s.identity.ID)
	if s.runErr != nil && !errors.Is(s.runErr, context.Canceled) {
		return s.runErr
	}
	return nil
}
