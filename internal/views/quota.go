package views

import (
	"errors"
	"fmt"
	"time"

	"github.com/roach88/pushdash/internal/model"
)

// DefaultPushLimit applies when neither the product nor settings name a limit.
const DefaultPushLimit = 5

// QuotaFor resolves a product's daily push limit: the product's own limit,
// then the configured default, then DefaultPushLimit.
func QuotaFor(p model.Product, s model.Settings) int {
	switch {
	case p.PushLimit > 0:
		return p.PushLimit
	case s.DefaultPushLimit > 0:
		return s.DefaultPushLimit
	default:
		return DefaultPushLimit
	}
}

// Quota is one product's usage for a calendar day.
type Quota struct {
	Product string `json:"product"`
	Used    int    `json:"used"`
	Limit   int    `json:"limit"`
}

// Remaining returns how many pushes are left today, never negative.
func (q Quota) Remaining() int {
	if q.Used >= q.Limit {
		return 0
	}
	return q.Limit - q.Used
}

// Exceeded reports whether another push would go over the limit.
func (q Quota) Exceeded() bool { return q.Used >= q.Limit }

// UsageFor computes a product's quota usage on now's calendar day in loc.
func UsageFor(records []model.LedgerRecord, p model.Product, s model.Settings, now time.Time, loc *time.Location) Quota {
	return Quota{
		Product: p.Name,
		Used:    DailyPushCount(records, p.Name, now, loc),
		Limit:   QuotaFor(p, s),
	}
}

// CheckQuota returns *QuotaExceededError if the product has no pushes left today.
func CheckQuota(records []model.LedgerRecord, p model.Product, s model.Settings, now time.Time, loc *time.Location) error {
	q := UsageFor(records, p, s, now, loc)
	if q.Exceeded() {
		return &QuotaExceededError{Product: q.Product, Count: q.Used, Limit: q.Limit}
	}
	return nil
}

// QuotaExceededError is returned when a product's daily push limit is reached.
type QuotaExceededError struct {
	Product string
	Count   int
	Limit   int
}

// Error implements the error interface.
func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("product %s reached its daily push limit: %d of %d", e.Product, e.Count, e.Limit)
}

// IsQuotaExceeded returns true if the error is a QuotaExceededError.
// Uses errors.As to handle wrapped errors.
func IsQuotaExceeded(err error) bool {
	var qe *QuotaExceededError
	return errors.As(err, &qe)
}
