package query

import (
	"errors"
	"fmt"
	"strings"

	"github.com/roach88/pushdash/internal/doc"
)

// ErrInvalidPredicate is returned by Validate for malformed clauses.
var ErrInvalidPredicate = errors.New("invalid predicate")

// Validate checks every clause. Validation is a pure function.
func Validate(preds []Predicate) error {
	for i, p := range preds {
		if err := validateOne(p); err != nil {
			return fmt.Errorf("predicate %d: %w", i, err)
		}
	}
	return nil
}

func validateOne(p Predicate) error {
	switch pred := p.(type) {
	case Equals:
		return validateField(pred.Field)
	case Compare:
		if err := validateField(pred.Field); err != nil {
			return err
		}
		switch pred.Op {
		case OpLess, OpLessEqual, OpGreater, OpGreaterEqual, OpNotEqual:
		default:
			return fmt.Errorf("%w: unknown operator %q", ErrInvalidPredicate, pred.Op)
		}
		switch pred.Value.(type) {
		case doc.Int, doc.String:
		default:
			if pred.Op != OpNotEqual {
				return fmt.Errorf("%w: %s needs an int or string operand", ErrInvalidPredicate, pred.Op)
			}
		}
		return nil
	case In:
		if err := validateField(pred.Field); err != nil {
			return err
		}
		if len(pred.Values) == 0 {
			return fmt.Errorf("%w: in %q has no values", ErrInvalidPredicate, pred.Field)
		}
		return nil
	case nil:
		return fmt.Errorf("%w: nil", ErrInvalidPredicate)
	default:
		return fmt.Errorf("%w: unsupported type %T", ErrInvalidPredicate, p)
	}
}

func validateField(field string) error {
	if field == "" {
		return fmt.Errorf("%w: empty field", ErrInvalidPredicate)
	}
	for _, part := range strings.Split(field, ".") {
		if part == "" {
			return fmt.Errorf("%w: malformed field path %q", ErrInvalidPredicate, field)
		}
	}
	return nil
}

// Eval reports whether fields satisfy every predicate.
// A missing field never matches, including for OpNotEqual.
func Eval(preds []Predicate, fields doc.Object) bool {
	for _, p := range preds {
		if !evalOne(p, fields) {
			return false
		}
	}
	return true
}

func evalOne(p Predicate, fields doc.Object) bool {
	switch pred := p.(type) {
	case Equals:
		v, ok := fields.Lookup(pred.Field)
		return ok && doc.Equal(v, pred.Value)
	case Compare:
		v, ok := fields.Lookup(pred.Field)
		if !ok {
			return false
		}
		if pred.Op == OpNotEqual {
			return !doc.Equal(v, pred.Value)
		}
		c, ok := compare(v, pred.Value)
		if !ok {
			return false
		}
		switch pred.Op {
		case OpLess:
			return c < 0
		case OpLessEqual:
			return c <= 0
		case OpGreater:
			return c > 0
		case OpGreaterEqual:
			return c >= 0
		}
		return false
	case In:
		v, ok := fields.Lookup(pred.Field)
		if !ok {
			return false
		}
		for _, want := range pred.Values {
			if doc.Equal(v, want) {
				return true
			}
		}
		return false
	default:
		return false
	}
}

// compare orders two scalars of the same kind.
func compare(a, b doc.Value) (int, bool) {
	switch av := a.(type) {
	case doc.Int:
		bv, ok := b.(doc.Int)
		if !ok {
			return 0, false
		}
		switch {
		case av < bv:
			return -1, true
		case av > bv:
			return 1, true
		}
		return 0, true
	case doc.String:
		bv, ok := b.(doc.String)
		if !ok {
			return 0, false
		}
		return strings.Compare(string(av), string(bv)), true
	}
	return 0, false
}
