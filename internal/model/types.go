package model

import (
	"strings"
	"time"
)

// Collection names. Per-identity collections live under users/{identity}/.
const (
	CollTransactions  = "transactions"
	CollPoolAccounts  = "poolAccounts"
	CollProducts      = "products"
	CollSettings      = "settings"
	CollTeam          = "team"
	CollUsers         = "users"
	CollPoolNames     = "poolAccountNames"
	SettingsDocID     = "global"
	purchaseMarker    = "pool account purchase"
	purchaseMarkerSep = ": "
)

// LedgerKind is the kind of a ledger record.
type LedgerKind string

const (
	KindDeposit    LedgerKind = "deposit"
	KindExpense    LedgerKind = "expense"
	KindCommission LedgerKind = "commission"
)

// Valid reports whether k is a known kind.
func (k LedgerKind) Valid() bool {
	switch k {
	case KindDeposit, KindExpense, KindCommission:
		return true
	}
	return false
}

// LedgerStatus is the settlement status of a ledger record.
type LedgerStatus string

const (
	StatusSuccess LedgerStatus = "success"
	StatusFailed  LedgerStatus = "failed"
)

// LedgerRecord is an append-only financial event. Balance is never stored,
// only derived from the sum of AmountMinor.
type LedgerRecord struct {
	ID          string
	Kind        LedgerKind
	AmountMinor int64 // signed minor units
	Timestamp   time.Time
	Status      LedgerStatus
	Description string
	PushDetails *PushDetails
}

// PushDetails links a commission record to the push that earned it.
type PushDetails struct {
	ProductName     string
	AccountName     string
	AccountPlatform string
	TargetPlatform  string
}

// PoolAccount is a named push target owned by one identity.
type PoolAccount struct {
	ID            string
	DisplayName   string
	PlatformLabel string
	CreatedAt     time.Time
}

// TeamMember is one node of the referral forest. ReferrerID is a weak
// back-reference to another member's Identity.
type TeamMember struct {
	ID         string
	Identity   string
	Role       string
	ReferrerID string
}

// Product is a catalog entry that can be pushed.
type Product struct {
	ID   string
	Name string
	// PushLimit is the daily push limit; 0 means the default limit applies.
	PushLimit int
	Active    bool
	// CommissionMinor overrides the default per-push commission when > 0.
	CommissionMinor int64
}

// UserProfile is the users/{identity} document.
type UserProfile struct {
	Identity string
	Role     string
	Frozen   bool
	Hidden   bool
}

// Settings are the shared business rules document (settings/global).
type Settings struct {
	DefaultPushLimit      int
	CommissionMinor       int64
	MidTier               int
	HighTier              int
	PoolAccountPriceMinor int64
}

// PurchaseDescription is the ledger description of a pool-account purchase.
func PurchaseDescription(accountName string) string {
	return purchaseMarker + purchaseMarkerSep + accountName
}

// IsPurchase reports whether a ledger description marks a pool-account purchase.
func IsPurchase(description string) bool {
	return strings.HasPrefix(description, purchaseMarker)
}
