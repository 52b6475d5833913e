package harness

import (
	"context"
	"errors"

	"github.com/roach88/pushdash/internal/callable"
	"github.com/roach88/pushdash/internal/push"
	"github.com/roach88/pushdash/internal/remote"
	"github.com/roach88/pushdash/internal/session"
	"github.com/roach88/pushdash/internal/views"
)

// OutcomeOK is the outcome of a step that succeeded.
const OutcomeOK = "ok"

var outcomes = []struct {
	err  error
	name string
}{
	{callable.ErrInsufficientFunds, "insufficient_funds"},
	{callable.ErrAccountFrozen, "account_frozen"},
	{push.ErrAccountFrozen, "account_frozen"},
	{callable.ErrForbidden, "forbidden"},
	{callable.ErrInvalidName, "invalid_name"},
	{callable.ErrNameExhausted, "name_exhausted"},
	{callable.ErrInvalidAmount, "invalid_amount"},
	{callable.ErrNoChange, "no_change"},
	{push.ErrAccountUsedToday, "account_used_today"},
	{push.ErrInactiveProduct, "inactive_product"},
	{push.ErrDuplicatePush, "duplicate_push"},
	{push.ErrCancelled, "cancelled"},
	{push.ErrUnknownAccount, "unknown_account"},
	{push.ErrWrongPhase, "wrong_phase"},
	{remote.ErrNotFound, "not_found"},
	{remote.ErrAlreadyExists, "already_exists"},
	{remote.ErrConflict, "conflict"},
	{session.ErrClosed, "closed"},
	{context.DeadlineExceeded, "timeout"},
}

// Outcome names the result of an action: "ok", a stable snake_case name
// for known failures, or "error".
func Outcome(err error) string {
	if err == nil {
		return OutcomeOK
	}
	if views.IsQuotaExceeded(err) {
		return "quota_exceeded"
	}
	for _, o := range outcomes {
		if errors.Is(err, o.err) {
			return o.name
		}
	}
	return "error"
}
