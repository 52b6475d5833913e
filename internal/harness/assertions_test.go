package harness

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/roach88/pushdash/internal/callable"
	"github.com/roach88/pushdash/internal/push"
	"github.com/roach88/pushdash/internal/views"
)

func TestSubsetMatch(t *testing.T) {
	actual := plain(map[string]any{
		"balance": int64(1500),
		"tier":    "entry",
		"quotas":  []any{map[string]any{"product": "A", "used": 1}},
		"nested":  map[string]any{"a": 1, "b": 2},
	})
	tests := []struct {
		name     string
		expected map[string]any
		want     bool
	}{
		{"subset", map[string]any{"balance": 1500}, true},
		{"mismatch", map[string]any{"balance": 1501}, false},
		{"missing key", map[string]any{"frozen": true}, false},
		{"missing key, empty expected", map[string]any{"faults": []any{}}, true},
		{"nested subset", map[string]any{"nested": map[string]any{"b": 2}}, true},
		{"slices compare whole", map[string]any{"quotas": []any{map[string]any{"product": "A"}}}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, subsetMatch(actual, plain(tt.expected)))
		})
	}
	assert.True(t, subsetMatch(nil, []any{}), "null and empty list are both empty")
	assert.False(t, subsetMatch(false, float64(0)))
}

func TestTraceAssertions(t *testing.T) {
	trace := []TraceEvent{
		{Step: 1, Action: ActionPush, Outcome: OutcomeOK},
		{Step: 2, Action: ActionPush, Outcome: "quota_exceeded"},
		{Step: 3, Action: ActionPurchase, Outcome: OutcomeOK},
	}
	assert.NoError(t, assertTraceContains(trace, Assertion{Action: ActionPush, Outcome: "quota_exceeded"}))
	assert.Error(t, assertTraceContains(trace, Assertion{Action: ActionDeposit}))
	assert.NoError(t, assertTraceCount(trace, Assertion{Action: ActionPush, Count: 2}))
	assert.NoError(t, assertTraceCount(trace, Assertion{Action: ActionPush, Outcome: OutcomeOK, Count: 1}))

	err := assertTraceCount(trace, Assertion{Action: ActionPurchase, Count: 0})
	var ae *AssertionError
	assert.True(t, errors.As(err, &ae))
	assert.Contains(t, err.Error(), "[3] purchase")
}

func TestOutcome(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, OutcomeOK},
		{fmt.Errorf("wrapped: %w", callable.ErrInsufficientFunds), "insufficient_funds"},
		{push.ErrAccountFrozen, "account_frozen"},
		{callable.ErrAccountFrozen, "account_frozen"},
		{&views.QuotaExceededError{Product: "P", Count: 3, Limit: 3}, "quota_exceeded"},
		{push.ErrCancelled, "cancelled"},
		{errors.New("boom"), "error"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Outcome(tt.err))
	}
}
