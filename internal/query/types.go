package query

import "github.com/roach88/pushdash/internal/doc"

// Predicate is one filter clause of a watch target.
//
// This is a sealed interface - only types in this package implement it.
// Backends switch exhaustively over the concrete types to compile them.
//
// Predicate types:
//   - Equals: field == value
//   - Compare: field <op> value
//   - In: field is one of values
//
// A target's predicates form an ordered conjunction. There is no OR.
type Predicate interface {
	predicateNode()
}

// Op is a comparison operator for Compare.
type Op string

const (
	OpLess         Op = "<"
	OpLessEqual    Op = "<="
	OpGreater      Op = ">"
	OpGreaterEqual Op = ">="
	OpNotEqual     Op = "!="
)

// Equals matches documents whose field equals Value.
// Field may be a dotted path into nested objects ("pushDetails.productName").
type Equals struct {
	Field string
	Value doc.Value
}

func (Equals) predicateNode() {}

// Compare matches documents whose field compares to Value with Op.
// Ints compare numerically, strings lexically; mixed types never match.
type Compare struct {
	Field string
	Op    Op
	Value doc.Value
}

func (Compare) predicateNode() {}

// In matches documents whose field equals any of Values.
type In struct {
	Field  string
	Values []doc.Value
}

func (In) predicateNode() {}

// Where is a convenience constructor for the common equality clause.
func Where(field string, value doc.Value) Predicate {
	return Equals{Field: field, Value: value}
}
