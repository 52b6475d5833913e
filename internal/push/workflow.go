package push

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/roach88/pushdash/internal/doc"
	"github.com/roach88/pushdash/internal/model"
	"github.com/roach88/pushdash/internal/remote"
	"github.com/roach88/pushdash/internal/views"
)

var (
	ErrWrongPhase       = errors.New("push: operation not allowed in this phase")
	ErrUnknownAccount   = errors.New("push: unknown pool account")
	ErrAccountUsedToday = errors.New("push: pool account already pushed today")
	ErrInactiveProduct  = errors.New("push: product is not active")
	ErrAccountFrozen    = errors.New("push: account is frozen")
	ErrDuplicatePush    = errors.New("push: already recorded for this day, product and account")
	ErrCancelled        = errors.New("push: cancelled")
)

// Phase is a workflow state.
type Phase int

const (
	Composing Phase = iota
	SelectingAccount
	Pushing
	Settled
	Cancelled
	// Failed means the final tick was reached but the commission was not written.
	Failed
)

func (p Phase) String() string {
	switch p {
	case Composing:
		return "composing"
	case SelectingAccount:
		return "selecting_account"
	case Pushing:
		return "pushing"
	case Settled:
		return "settled"
	case Cancelled:
		return "cancelled"
	case Failed:
		return "failed"
	}
	return fmt.Sprintf("Phase(%d)", int(p))
}

const (
	// Steps is the number of ticks from 0% to 100%.
	Steps = 5
	// StepPercent is the progress added per tick.
	StepPercent = 100 / Steps
	// DefaultTickInterval is the wall time between ticks.
	DefaultTickInterval = 400 * time.Millisecond
)

// Clock supplies wall time and tickers. testutil.FakeClock satisfies it.
type Clock interface {
	Now() time.Time
	NewTicker(d time.Duration) (<-chan time.Time, func())
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

func (systemClock) NewTicker(d time.Duration) (<-chan time.Time, func()) {
	t := time.NewTicker(d)
	return t.C, t.Stop
}

// SystemClock returns the real clock.
func SystemClock() Clock { return systemClock{} }

// Source reads the current mirrored state the workflow decides on.
type Source interface {
	Profile() model.UserProfile
	Ledger() []model.LedgerRecord
	PoolAccounts() []model.PoolAccount
	Settings() model.Settings
}

// Metrics receives push outcomes. Implemented by metrics.Collector.
type Metrics interface {
	PushOutcome(outcome string)
}

type noopMetrics struct{}

func (noopMetrics) PushOutcome(string) {}

// Outcome labels reported to Metrics.
const (
	OutcomeSettled   = "settled"
	OutcomeCancelled = "cancelled"
	OutcomeQuota     = "quota_exceeded"
	OutcomeDuplicate = "duplicate"
	OutcomeFailed    = "failed"
)

// Option configures a Workflow.
type Option func(*Workflow)

// WithClock sets the clock. Default: SystemClock.
func WithClock(c Clock) Option {
	return func(w *Workflow) { w.clock = c }
}

// WithLocation sets the calendar-day location. Default: time.Local.
func WithLocation(loc *time.Location) Option {
	return func(w *Workflow) { w.loc = loc }
}

// WithTickInterval sets the tick interval. Default: DefaultTickInterval.
func WithTickInterval(d time.Duration) Option {
	return func(w *Workflow) { w.interval = d }
}

// WithProgress sets a callback receiving the percentage after every tick.
// It runs on the workflow goroutine.
func WithProgress(fn func(percent int)) Option {
	return func(w *Workflow) { w.onProgress = fn }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m Metrics) Option {
	return func(w *Workflow) {
		if m != nil {
			w.metrics = m
		}
	}
}

// Workflow is one push attempt:
//
//	Composing -> SelectingAccount -> Pushing -> Settled
//	                                 Pushing -> Cancelled
//	                                 Pushing -> Failed
//
// The workflow stays in Pushing while the commission is appended; Settled
// means the record was written.
//
// Thread-safety: all methods are safe for concurrent use. Ticks, Cancel and
// the settle decision are serialized by one mutex, so a cancel racing the
// final tick resolves to exactly one of: no write, or one write.
type Workflow struct {
	adapter  remote.Adapter
	identity string
	source   Source

	clock      Clock
	loc        *time.Location
	interval   time.Duration
	onProgress func(int)
	metrics    Metrics

	mu             sync.Mutex
	phase          Phase
	product        model.Product
	targetPlatform string
	account        model.PoolAccount
	progress       int
	settling       bool // final tick taken, append in flight
	cancel         context.CancelFunc
	done           chan struct{}
	record         model.LedgerRecord
	err            error
}

// New starts a workflow in Composing.
func New(adapter remote.Adapter, identity string, source Source, opts ...Option) *Workflow {
	w := &Workflow{
		adapter:  adapter,
		identity: identity,
		source:   source,
		clock:    SystemClock(),
		loc:      time.Local,
		interval: DefaultTickInterval,
		metrics:  noopMetrics{},
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Phase returns the current phase.
func (w *Workflow) Phase() Phase {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.phase
}

// Progress returns the current percentage.
func (w *Workflow) Progress() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.progress
}

// Compose chooses the product and target platform. On a quota refusal the
// error is a *views.QuotaExceededError and the phase stays Composing.
func (w *Workflow) Compose(product model.Product, targetPlatform string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.phase != Composing {
		return fmt.Errorf("%w: compose in %s", ErrWrongPhase, w.phase)
	}
	if err := w.admissibleLocked(product); err != nil {
		return err
	}
	w.product = product
	w.targetPlatform = targetPlatform
	w.phase = SelectingAccount
	return nil
}

// admissibleLocked checks account status, product state and today's quota.
// The quota check reads the local mirror and is advisory.
func (w *Workflow) admissibleLocked(product model.Product) error {
	if w.source.Profile().Frozen {
		return ErrAccountFrozen
	}
	if !product.Active {
		return fmt.Errorf("%w: %s", ErrInactiveProduct, product.Name)
	}
	err := views.CheckQuota(w.source.Ledger(), product, w.source.Settings(), w.clock.Now(), w.loc)
	if err != nil {
		w.metrics.PushOutcome(OutcomeQuota)
		slog.Info("push refused", "identity", w.identity, "product", product.Name, "error", err)
	}
	return err
}

// Candidates returns the pool accounts not yet pushed today.
func (w *Workflow) Candidates() []model.PoolAccount {
	used := w.usedToday()
	var out []model.PoolAccount
	for _, a := range w.source.PoolAccounts() {
		if !used[a.DisplayName] {
			out = append(out, a)
		}
	}
	return out
}

func (w *Workflow) usedToday() map[string]bool {
	used := make(map[string]bool)
	for _, name := range views.PushedAccountsToday(w.source.Ledger(), w.clock.Now(), w.loc) {
		used[name] = true
	}
	return used
}

// Select picks the pool account and starts pushing. The workflow runs until
// it settles or is cancelled; ctx bounds it like Cancel does.
func (w *Workflow) Select(ctx context.Context, accountID string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.phase != SelectingAccount {
		return fmt.Errorf("%w: select in %s", ErrWrongPhase, w.phase)
	}
	var (
		account model.PoolAccount
		found   bool
	)
	for _, a := range w.source.PoolAccounts() {
		if a.ID == accountID {
			account, found = a, true
			break
		}
	}
	if !found {
		return fmt.Errorf("%w: %s", ErrUnknownAccount, accountID)
	}
	if w.usedToday()[account.DisplayName] {
		return fmt.Errorf("%w: %s", ErrAccountUsedToday, account.DisplayName)
	}
	// The mirror may have moved since Compose.
	if err := w.admissibleLocked(w.product); err != nil {
		return err
	}

	w.account = account
	w.phase = Pushing
	w.progress = 0

	runCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	ticks, stop := w.clock.NewTicker(w.interval)

	slog.Info("push started",
		"identity", w.identity,
		"product", w.product.Name,
		"account", account.DisplayName,
		"target_platform", w.targetPlatform,
	)
	go w.run(runCtx, ticks, stop)
	return nil
}

func (w *Workflow) run(ctx context.Context, ticks <-chan time.Time, stop func()) {
	defer stop()
	for {
		select {
		case <-ctx.Done():
			w.mu.Lock()
			if w.phase == Pushing && !w.settling {
				w.phase = Cancelled
				w.finishLocked(model.LedgerRecord{}, ErrCancelled)
				w.metrics.PushOutcome(OutcomeCancelled)
			}
			w.mu.Unlock()
			return

		case <-ticks:
			w.mu.Lock()
			if w.phase != Pushing {
				w.mu.Unlock()
				return
			}
			w.progress += StepPercent
			progress := w.progress
			if progress >= 100 {
				// Point of no return: Cancel no longer takes effect.
				w.settling = true
			}
			w.mu.Unlock()

			w.report(progress)
			if progress < 100 {
				continue
			}

			rec, err := w.appendCommission(context.WithoutCancel(ctx))
			w.mu.Lock()
			w.settling = false
			if err != nil {
				w.phase = Failed
			} else {
				w.phase = Settled
			}
			w.finishLocked(rec, err)
			w.mu.Unlock()
			return
		}
	}
}

func (w *Workflow) report(progress int) {
	if w.onProgress != nil {
		w.onProgress(progress)
	}
}

// appendCommission writes the single commission record for this push. The
// document id is derived from (identity, day, product, account), so a second
// settle of the same push, from any session, is refused by the create.
func (w *Workflow) appendCommission(ctx context.Context) (model.LedgerRecord, error) {
	w.mu.Lock()
	product, account, target := w.product, w.account, w.targetPlatform
	w.mu.Unlock()

	now := w.clock.Now().Truncate(time.Millisecond)
	settings := w.source.Settings()
	amount := product.CommissionMinor
	if amount <= 0 {
		amount = settings.CommissionMinor
	}

	day := views.DayKey(now, w.loc)
	rec := model.LedgerRecord{
		ID:          doc.Key(doc.DomainPush, w.identity, day, product.Name, account.DisplayName),
		Kind:        model.KindCommission,
		AmountMinor: amount,
		Timestamp:   now,
		Status:      model.StatusSuccess,
		Description: "push commission: " + product.Name,
		PushDetails: &model.PushDetails{
			ProductName:     product.Name,
			AccountName:     account.DisplayName,
			AccountPlatform: account.PlatformLabel,
			TargetPlatform:  target,
		},
	}

	coll := remote.UserPath(w.identity, model.CollTransactions)
	err := w.adapter.RunTransaction(ctx, func(ctx context.Context, tx remote.Tx) error {
		return tx.Create(coll, rec.ID, rec.Fields())
	})
	switch {
	case errors.Is(err, remote.ErrAlreadyExists):
		w.metrics.PushOutcome(OutcomeDuplicate)
		slog.Warn("duplicate push refused",
			"identity", w.identity,
			"product", product.Name,
			"account", account.DisplayName,
			"day", day,
		)
		return model.LedgerRecord{}, fmt.Errorf("%w: %s/%s on %s", ErrDuplicatePush, product.Name, account.DisplayName, day)
	case err != nil:
		w.metrics.PushOutcome(OutcomeFailed)
		slog.Error("push settle failed", "identity", w.identity, "product", product.Name, "error", err)
		return model.LedgerRecord{}, fmt.Errorf("append commission: %w", err)
	}

	w.metrics.PushOutcome(OutcomeSettled)
	slog.Info("push settled",
		"identity", w.identity,
		"product", product.Name,
		"account", account.DisplayName,
		"amount_minor", amount,
		"record_id", rec.ID,
	)
	return rec, nil
}

func (w *Workflow) finishLocked(rec model.LedgerRecord, err error) {
	select {
	case <-w.done:
		return
	default:
	}
	w.record = rec
	w.err = err
	if w.cancel != nil {
		w.cancel()
	}
	close(w.done)
}

// Cancel stops a push in progress. It reports whether the cancel took
// effect; after the final tick it is too late and nothing changes.
func (w *Workflow) Cancel() bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.phase != Pushing || w.settling {
		return false
	}
	w.phase = Cancelled
	w.finishLocked(model.LedgerRecord{}, ErrCancelled)
	w.metrics.PushOutcome(OutcomeCancelled)
	slog.Info("push cancelled", "identity", w.identity, "product", w.product.Name, "progress", w.progress)
	return true
}

// Dispose releases the workflow. A push in progress is cancelled.
func (w *Workflow) Dispose() {
	w.Cancel()
}

// Done is closed once the workflow settles, fails or is cancelled.
func (w *Workflow) Done() <-chan struct{} { return w.done }

// Result returns the appended record, or why there is none. Valid after Done.
func (w *Workflow) Result() (model.LedgerRecord, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.record, w.err
}
