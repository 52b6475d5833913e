package callable

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"

	"github.com/roach88/pushdash/internal/doc"
	"github.com/roach88/pushdash/internal/model"
	"github.com/roach88/pushdash/internal/remote"
	"github.com/roach88/pushdash/internal/views"
	"github.com/roach88/pushdash/internal/watch"
)

var (
	ErrInsufficientFunds = errors.New("callable: insufficient funds")
	ErrAccountFrozen     = errors.New("callable: account is frozen")
	ErrForbidden         = errors.New("callable: admin role required")
	ErrInvalidName       = errors.New("callable: invalid pool account name")
	ErrNameExhausted     = errors.New("callable: no free pool account name")
	ErrInvalidAmount     = errors.New("callable: amount must be positive")
	ErrNoChange          = errors.New("callable: no status change requested")
)

// MaxNameSuffix bounds the -2, -3, ... suffixes tried for a taken name.
const MaxNameSuffix = 50

// DefaultAccountName is used when a purchase names no account.
const DefaultAccountName = "account"

// Actor is the authenticated caller of an endpoint.
type Actor struct {
	ID   string
	Role watch.Role
}

// Service implements the callable endpoints against a remote adapter.
//
// Thread-safety: safe for concurrent use; all state lives in the store.
type Service struct {
	adapter  remote.Adapter
	now      func() time.Time
	ids      remote.IDGenerator
	defaults model.Settings
}

// Option configures a Service.
type Option func(*Service)

// WithNow sets the time source.
func WithNow(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithIDGenerator sets the generator for new document ids. Default: the adapter's NewID.
func WithIDGenerator(g remote.IDGenerator) Option {
	return func(s *Service) { s.ids = g }
}

// WithDefaults sets the business rules used when settings/global is missing a value.
func WithDefaults(settings model.Settings) Option {
	return func(s *Service) { s.defaults = settings }
}

// NewService creates a Service.
func NewService(adapter remote.Adapter, opts ...Option) *Service {
	s := &Service{adapter: adapter, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) newID() string {
	if s.ids != nil {
		return s.ids.Generate()
	}
	return s.adapter.NewID()
}

// PurchaseRequest asks for a new pool account.
type PurchaseRequest struct {
	// Name is the preferred display name. A taken name gets a -2, -3, ... suffix.
	Name     string
	Platform string
}

// PurchaseResult is what a purchase created.
type PurchaseResult struct {
	Account      model.PoolAccount
	Record       model.LedgerRecord
	BalanceMinor int64
}

// CreateUniquePoolAccount buys a pool account for identity. In one
// transaction it checks the buyer's balance, claims a name unique among all
// pool accounts, creates the account and debits the price. Nothing is
// written unless all of it commits.
func (s *Service) CreateUniquePoolAccount(ctx context.Context, identity string, req PurchaseRequest) (PurchaseResult, error) {
	if err := remote.ValidateID(identity); err != nil {
		return PurchaseResult{}, err
	}
	base, display, err := normalizeName(req.Name)
	if err != nil {
		return PurchaseResult{}, err
	}

	var result PurchaseResult
	err = remote.RetryConflicts(ctx, func() error {
		return s.adapter.RunTransaction(ctx, func(ctx context.Context, tx remote.Tx) error {
			r, err := s.purchase(ctx, tx, identity, base, display, req.Platform)
			result = r
			return err
		})
	})
	if err != nil {
		slog.Warn("pool account purchase failed", "identity", identity, "name", display, "error", err)
		return PurchaseResult{}, err
	}

	slog.Info("pool account purchased",
		"identity", identity,
		"account", result.Account.DisplayName,
		"price_minor", -result.Record.AmountMinor,
		"balance_minor", result.BalanceMinor,
	)
	return result, nil
}

// purchase is one transaction attempt. Every read precedes the first write.
func (s *Service) purchase(ctx context.Context, tx remote.Tx, identity, base, display, platform string) (PurchaseResult, error) {
	profile, err := readProfile(ctx, tx, identity)
	if err != nil {
		return PurchaseResult{}, err
	}
	if profile.Frozen {
		return PurchaseResult{}, ErrAccountFrozen
	}

	settings, err := s.readSettings(ctx, tx)
	if err != nil {
		return PurchaseResult{}, err
	}
	price := settings.PoolAccountPriceMinor

	ledgerColl := remote.UserPath(identity, model.CollTransactions)
	docs, err := tx.Query(ctx, remote.CollectionTarget{Collection: ledgerColl})
	if err != nil {
		return PurchaseResult{}, fmt.Errorf("read ledger: %w", err)
	}
	ledger, errs := model.DecodeAll(docs, model.LedgerFromDoc)
	for _, e := range errs {
		slog.Warn("skipping undecodable ledger record", "identity", identity, "error", e)
	}
	balance := views.Balance(ledger)
	if balance < price {
		return PurchaseResult{}, fmt.Errorf("%w: balance %d, price %d", ErrInsufficientFunds, balance, price)
	}

	key, name, err := claimableName(ctx, tx, base, display)
	if err != nil {
		return PurchaseResult{}, err
	}

	now := s.now().Truncate(time.Millisecond)
	account := model.PoolAccount{
		ID:            s.newID(),
		DisplayName:   name,
		PlatformLabel: platform,
		CreatedAt:     now,
	}
	record := model.LedgerRecord{
		ID:          s.newID(),
		Kind:        model.KindExpense,
		AmountMinor: -price,
		Timestamp:   now,
		Status:      model.StatusSuccess,
		Description: model.PurchaseDescription(name),
	}

	claim := doc.Object{
		"identity":    doc.String(identity),
		"accountId":   doc.String(account.ID),
		"displayName": doc.String(name),
	}
	if err := tx.Create(model.CollPoolNames, key, claim); err != nil {
		return PurchaseResult{}, err
	}
	if err := tx.Create(remote.UserPath(identity, model.CollPoolAccounts), account.ID, account.Fields()); err != nil {
		return PurchaseResult{}, err
	}
	if err := tx.Create(ledgerColl, record.ID, record.Fields()); err != nil {
		return PurchaseResult{}, err
	}
	return PurchaseResult{Account: account, Record: record, BalanceMinor: balance - price}, nil
}

func readProfile(ctx context.Context, tx remote.Tx, identity string) (model.UserProfile, error) {
	d, err := tx.Get(ctx, model.CollUsers, identity)
	if errors.Is(err, remote.ErrNotFound) {
		return model.UserProfile{Identity: identity}, nil
	}
	if err != nil {
		return model.UserProfile{}, fmt.Errorf("read profile: %w", err)
	}
	return model.ProfileFromDoc(d)
}

func (s *Service) readSettings(ctx context.Context, tx remote.Tx) (model.Settings, error) {
	d, err := tx.Get(ctx, model.CollSettings, model.SettingsDocID)
	if errors.Is(err, remote.ErrNotFound) {
		return s.defaults, nil
	}
	if err != nil {
		return model.Settings{}, fmt.Errorf("read settings: %w", err)
	}
	return model.SettingsFromDoc(d.Fields, s.defaults)
}

// normalizeName returns the claim key (NFC, case-folded) and display form (NFC) of name.
func normalizeName(name string) (key, display string, err error) {
	display = strings.TrimSpace(norm.NFC.String(name))
	if display == "" {
		display = DefaultAccountName
	}
	if strings.ContainsAny(display, "/") || len(display) > 64 {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	key = norm.NFC.String(cases.Fold().String(display))
	return key, display, nil
}

// claimableName finds the first free claim key: base, base-2, base-3, ...
func claimableName(ctx context.Context, tx remote.Tx, base, display string) (string, string, error) {
	for n := 1; n <= MaxNameSuffix; n++ {
		key, name := base, display
		if n > 1 {
			suffix := "-" + strconv.Itoa(n)
			key, name = base+suffix, display+suffix
		}
		_, err := tx.Get(ctx, model.CollPoolNames, key)
		if errors.Is(err, remote.ErrNotFound) {
			return key, name, nil
		}
		if err != nil {
			return "", "", fmt.Errorf("read name claim %s: %w", key, err)
		}
	}
	return "", "", fmt.Errorf("%w: %q", ErrNameExhausted, display)
}

// StatusChange flips user flags. Nil fields are left alone.
type StatusChange struct {
	Frozen *bool
	Hidden *bool
}

// ToggleUserStatus freezes/unfreezes or hides/shows a user. Admin only.
func (s *Service) ToggleUserStatus(ctx context.Context, actor Actor, target string, change StatusChange) error {
	if actor.Role != watch.RoleAdmin {
		return ErrForbidden
	}
	partial := doc.Object{}
	if change.Frozen != nil {
		partial["frozen"] = doc.Bool(*change.Frozen)
	}
	if change.Hidden != nil {
		partial["hidden"] = doc.Bool(*change.Hidden)
	}
	if len(partial) == 0 {
		return ErrNoChange
	}
	if err := s.adapter.Update(ctx, model.CollUsers, target, partial); err != nil {
		return fmt.Errorf("toggle status of %s: %w", target, err)
	}
	slog.Info("user status changed", "actor", actor.ID, "target", target, "frozen", change.Frozen, "hidden", change.Hidden)
	return nil
}

// Deposit credits a user's ledger. Admin only.
func (s *Service) Deposit(ctx context.Context, actor Actor, target string, amountMinor int64, note string) (model.LedgerRecord, error) {
	if actor.Role != watch.RoleAdmin {
		return model.LedgerRecord{}, ErrForbidden
	}
	if amountMinor <= 0 {
		return model.LedgerRecord{}, fmt.Errorf("%w: %d", ErrInvalidAmount, amountMinor)
	}
	if err := remote.ValidateID(target); err != nil {
		return model.LedgerRecord{}, err
	}
	record := model.LedgerRecord{
		ID:          s.newID(),
		Kind:        model.KindDeposit,
		AmountMinor: amountMinor,
		Timestamp:   s.now().Truncate(time.Millisecond),
		Status:      model.StatusSuccess,
		Description: note,
	}
	coll := remote.UserPath(target, model.CollTransactions)
	if err := s.adapter.Set(ctx, coll, record.ID, record.Fields()); err != nil {
		return model.LedgerRecord{}, fmt.Errorf("deposit to %s: %w", target, err)
	}
	slog.Info("deposit recorded", "actor", actor.ID, "target", target, "amount_minor", amountMinor, "record_id", record.ID)
	return record, nil
}
