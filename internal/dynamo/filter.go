package dynamo

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/roach88/pushdash/internal/doc"
	"github.com/roach88/pushdash/internal/query"
)

// maxInValues is the DynamoDB limit on IN operands.
const maxInValues = 100

// filter is a compiled FilterExpression. Field names and values are always
// placeholders; only operators from the fixed query.Op set reach Expr.
//
// Predicates DynamoDB cannot express exactly (arrays, objects, nulls inside
// IN) are left out. Callers re-check every result with query.Eval, so the
// filter only narrows what the table returns.
type filter struct {
	Expr   string
	Names  map[string]string
	Values map[string]types.AttributeValue

	placeholders map[string]string // attribute name -> placeholder
}

func (f *filter) name(part string) string {
	if ph, ok := f.placeholders[part]; ok {
		return ph
	}
	ph := "#f" + strconv.Itoa(len(f.Names))
	f.Names[ph] = part
	f.placeholders[part] = ph
	return ph
}

func (f *filter) value(av types.AttributeValue) string {
	ph := ":w" + strconv.Itoa(len(f.Values))
	f.Values[ph] = av
	return ph
}

// path returns the document path of a dotted field inside the fields map.
func (f *filter) path(field string) string {
	parts := []string{f.name(attrFields)}
	for _, p := range strings.Split(field, ".") {
		parts = append(parts, f.name(p))
	}
	return strings.Join(parts, ".")
}

// compileFilter compiles preds. An empty result means no filter.
func compileFilter(preds []query.Predicate) filter {
	f := filter{
		Names:        map[string]string{},
		Values:       map[string]types.AttributeValue{},
		placeholders: map[string]string{},
	}
	var clauses []string
	for _, p := range preds {
		if c, ok := f.compile(p); ok {
			clauses = append(clauses, c)
		}
	}
	if len(clauses) == 0 {
		return filter{}
	}
	f.Expr = strings.Join(clauses, " AND ")
	return f
}

func (f *filter) compile(p query.Predicate) (string, bool) {
	switch pred := p.(type) {
	case query.Equals:
		return f.equals(pred.Field, pred.Value)

	case query.Compare:
		if pred.Op == query.OpNotEqual {
			eq, ok := f.equals(pred.Field, pred.Value)
			if !ok {
				return "", false
			}
			return fmt.Sprintf("(attribute_exists(%s) AND NOT %s)", f.path(pred.Field), eq), true
		}
		switch pred.Value.(type) {
		case doc.Int, doc.String:
		default:
			return "", false
		}
		switch pred.Op {
		case query.OpLess, query.OpLessEqual, query.OpGreater, query.OpGreaterEqual:
		default:
			return "", false
		}
		av, _ := scalarValue(pred.Value)
		return fmt.Sprintf("%s %s %s", f.path(pred.Field), pred.Op, f.value(av)), true

	case query.In:
		if len(pred.Values) > maxInValues {
			return "", false
		}
		avs := make([]types.AttributeValue, 0, len(pred.Values))
		for _, v := range pred.Values {
			av, ok := scalarValue(v)
			if !ok {
				return "", false
			}
			avs = append(avs, av)
		}
		operands := make([]string, len(avs))
		for i, av := range avs {
			operands[i] = f.value(av)
		}
		return fmt.Sprintf("%s IN (%s)", f.path(pred.Field), strings.Join(operands, ", ")), true
	}
	return "", false
}

func (f *filter) equals(field string, v doc.Value) (string, bool) {
	if _, isNull := v.(doc.Null); isNull {
		typ := f.value(&types.AttributeValueMemberS{Value: "NULL"})
		return fmt.Sprintf("attribute_type(%s, %s)", f.path(field), typ), true
	}
	av, ok := scalarValue(v)
	if !ok {
		return "", false
	}
	return fmt.Sprintf("%s = %s", f.path(field), f.value(av)), true
}

// scalarValue converts a non-null scalar. DynamoDB comparisons are typed, so
// N 1 never equals S "1".
func scalarValue(v doc.Value) (types.AttributeValue, bool) {
	switch val := v.(type) {
	case doc.Int:
		return &types.AttributeValueMemberN{Value: strconv.FormatInt(int64(val), 10)}, true
	case doc.String:
		return &types.AttributeValueMemberS{Value: string(val)}, true
	case doc.Bool:
		return &types.AttributeValueMemberBOOL{Value: bool(val)}, true
	}
	return nil, false
}
