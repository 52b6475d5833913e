package query

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/pushdash/internal/doc"
)

func TestEval(t *testing.T) {
	fields := doc.Object{
		"active": doc.Bool(true),
		"amount": doc.Int(500),
		"type":   doc.String("commission"),
		"pushDetails": doc.Object{
			"productName": doc.String("P"),
		},
	}

	tests := []struct {
		name  string
		preds []Predicate
		want  bool
	}{
		{"empty matches", nil, true},
		{"equals", []Predicate{Where("active", doc.Bool(true))}, true},
		{"equals mismatch", []Predicate{Where("active", doc.Bool(false))}, false},
		{"nested equals", []Predicate{Where("pushDetails.productName", doc.String("P"))}, true},
		{"missing field", []Predicate{Where("nope", doc.String("P"))}, false},
		{"greater", []Predicate{Compare{Field: "amount", Op: OpGreater, Value: doc.Int(100)}}, true},
		{"less equal", []Predicate{Compare{Field: "amount", Op: OpLessEqual, Value: doc.Int(500)}}, true},
		{"less", []Predicate{Compare{Field: "amount", Op: OpLess, Value: doc.Int(500)}}, false},
		{"string compare", []Predicate{Compare{Field: "type", Op: OpGreaterEqual, Value: doc.String("c")}}, true},
		{"mixed types never match", []Predicate{Compare{Field: "amount", Op: OpGreater, Value: doc.String("1")}}, false},
		{"not equal", []Predicate{Compare{Field: "type", Op: OpNotEqual, Value: doc.String("deposit")}}, true},
		{"not equal missing", []Predicate{Compare{Field: "nope", Op: OpNotEqual, Value: doc.String("x")}}, false},
		{"in", []Predicate{In{Field: "type", Values: []doc.Value{doc.String("deposit"), doc.String("commission")}}}, true},
		{"in miss", []Predicate{In{Field: "type", Values: []doc.Value{doc.String("deposit")}}}, false},
		{"conjunction", []Predicate{
			Where("active", doc.Bool(true)),
			Compare{Field: "amount", Op: OpGreater, Value: doc.Int(1000)},
		}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Eval(tt.preds, fields))
		})
	}
}

func TestValidate(t *testing.T) {
	require.NoError(t, Validate([]Predicate{
		Where("active", doc.Bool(true)),
		Compare{Field: "amount", Op: OpLess, Value: doc.Int(3)},
		In{Field: "type", Values: []doc.Value{doc.String("a")}},
	}))

	bad := [][]Predicate{
		{Where("", doc.Bool(true))},
		{Where("a..b", doc.Bool(true))},
		{Compare{Field: "a", Op: "~", Value: doc.Int(1)}},
		{Compare{Field: "a", Op: OpLess, Value: doc.Bool(true)}},
		{In{Field: "a"}},
		{nil},
	}
	for _, preds := range bad {
		err := Validate(preds)
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrInvalidPredicate)
	}
}
