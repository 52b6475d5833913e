package store

import (
	"fmt"
	"strings"

	"github.com/roach88/pushdash/internal/doc"
	"github.com/roach88/pushdash/internal/query"
)

// whereClause is a compiled predicate list.
//
// CRITICAL: values and JSON paths are always bound as parameters, never
// interpolated. Only operators from the fixed query.Op set reach the SQL text.
type whereClause struct {
	SQL    string
	Params []any
	// Residual holds predicates SQLite cannot evaluate exactly. They are
	// applied in Go to every scanned row.
	Residual []query.Predicate
}

// compileWhere compiles predicates over the fields column. An empty
// conjunction compiles to "1 = 1".
func compileWhere(preds []query.Predicate) whereClause {
	var (
		parts []string
		out   whereClause
	)
	for _, p := range preds {
		sql, params, ok := compilePredicate(p)
		if !ok {
			out.Residual = append(out.Residual, p)
			continue
		}
		parts = append(parts, sql)
		out.Params = append(out.Params, params...)
	}
	if len(parts) == 0 {
		out.SQL = "1 = 1"
		return out
	}
	out.SQL = strings.Join(parts, " AND ")
	return out
}

func compilePredicate(p query.Predicate) (string, []any, bool) {
	switch pred := p.(type) {
	case query.Equals:
		path, ok := jsonPath(pred.Field)
		if !ok {
			return "", nil, false
		}
		return compileEquals(path, pred.Value)

	case query.Compare:
		path, ok := jsonPath(pred.Field)
		if !ok {
			return "", nil, false
		}
		if pred.Op == query.OpNotEqual {
			eq, params, ok := compileEquals(path, pred.Value)
			if !ok {
				return "", nil, false
			}
			return "(json_type(fields, ?) IS NOT NULL AND NOT " + eq + ")", append([]any{path}, params...), true
		}
		op, ok := sqlOperator(pred.Op)
		if !ok {
			return "", nil, false
		}
		typ, arg, ok := scalar(pred.Value)
		if !ok || (typ != "integer" && typ != "text") {
			return "", nil, false
		}
		sql := fmt.Sprintf("(json_type(fields, ?) = '%s' AND json_extract(fields, ?) %s ?)", typ, op)
		return sql, []any{path, path, arg}, true

	case query.In:
		path, ok := jsonPath(pred.Field)
		if !ok {
			return "", nil, false
		}
		var (
			alts   []string
			params []any
		)
		for _, v := range pred.Values {
			eq, p, ok := compileEquals(path, v)
			if !ok {
				return "", nil, false
			}
			alts = append(alts, eq)
			params = append(params, p...)
		}
		if len(alts) == 0 {
			return "1 = 0", nil, true
		}
		return "(" + strings.Join(alts, " OR ") + ")", params, true
	}
	return "", nil, false
}

// compileEquals matches both the JSON type and the value, so 1 never equals "1".
func compileEquals(path string, v doc.Value) (string, []any, bool) {
	typ, arg, ok := scalar(v)
	if !ok {
		return "", nil, false
	}
	switch typ {
	case "true", "false", "null":
		return "(json_type(fields, ?) = '" + typ + "')", []any{path}, true
	}
	return "(json_type(fields, ?) = '" + typ + "' AND json_extract(fields, ?) = ?)", []any{path, path, arg}, true
}

// scalar returns the SQLite json_type name of v and its bound value.
func scalar(v doc.Value) (string, any, bool) {
	switch val := v.(type) {
	case doc.Int:
		return "integer", int64(val), true
	case doc.String:
		return "text", string(val), true
	case doc.Bool:
		if val {
			return "true", nil, true
		}
		return "false", nil, true
	case doc.Null:
		return "null", nil, true
	}
	return "", nil, false
}

func sqlOperator(op query.Op) (string, bool) {
	switch op {
	case query.OpLess, query.OpLessEqual, query.OpGreater, query.OpGreaterEqual:
		return string(op), true
	}
	return "", false
}

// jsonPath converts a dotted field path to a quoted SQLite JSON path:
// "pushDetails.productName" -> $."pushDetails"."productName".
func jsonPath(field string) (string, bool) {
	var b strings.Builder
	b.WriteByte('$')
	for _, part := range strings.Split(field, ".") {
		if part == "" || strings.ContainsAny(part, "\"\\") {
			return "", false
		}
		b.WriteString(`."`)
		b.WriteString(part)
		b.WriteByte('"')
	}
	return b.String(), true
}
