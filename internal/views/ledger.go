package views

import (
	"time"

	"github.com/roach88/pushdash/internal/model"
)

// Balance is the signed sum of every record's amount.
func Balance(records []model.LedgerRecord) int64 {
	var sum int64
	for _, r := range records {
		sum += r.AmountMinor
	}
	return sum
}

// DayKey returns the calendar day of t in loc as YYYY-MM-DD.
func DayKey(t time.Time, loc *time.Location) string {
	if loc == nil {
		loc = time.Local
	}
	return t.In(loc).Format(time.DateOnly)
}

// SameDay reports whether a and b fall on the same calendar day in loc.
func SameDay(a, b time.Time, loc *time.Location) bool {
	return DayKey(a, loc) == DayKey(b, loc)
}

// pushedOn reports whether r is a commission earned on day's calendar day.
func pushedOn(r model.LedgerRecord, day time.Time, loc *time.Location) bool {
	return r.Kind == model.KindCommission &&
		r.PushDetails != nil &&
		!r.Timestamp.IsZero() &&
		SameDay(r.Timestamp, day, loc)
}

// DailyPushCount counts commission records for product on day's calendar day in loc.
func DailyPushCount(records []model.LedgerRecord, product string, day time.Time, loc *time.Location) int {
	n := 0
	for _, r := range records {
		if pushedOn(r, day, loc) && r.PushDetails.ProductName == product {
			n++
		}
	}
	return n
}

// PushedAccountsToday returns the account names pushed on day's calendar day,
// in ledger order without duplicates.
func PushedAccountsToday(records []model.LedgerRecord, day time.Time, loc *time.Location) []string {
	seen := make(map[string]bool)
	var out []string
	for _, r := range records {
		if !pushedOn(r, day, loc) {
			continue
		}
		name := r.PushDetails.AccountName
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		out = append(out, name)
	}
	return out
}

// PurchaseCount counts expense records marked as pool-account purchases.
func PurchaseCount(records []model.LedgerRecord) int {
	n := 0
	for _, r := range records {
		if r.Kind == model.KindExpense && model.IsPurchase(r.Description) {
			n++
		}
	}
	return n
}
