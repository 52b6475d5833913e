package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/pushdash/internal/doc"
	"github.com/roach88/pushdash/internal/query"
	"github.com/roach88/pushdash/internal/remote"
)

func TestCompileWhere_Empty(t *testing.T) {
	w := compileWhere(nil)
	assert.Equal(t, "1 = 1", w.SQL)
	assert.Empty(t, w.Params)
	assert.Empty(t, w.Residual)
}

func TestCompileWhere_Equals(t *testing.T) {
	w := compileWhere([]query.Predicate{query.Where("pushDetails.productName", doc.String("P"))})

	assert.Equal(t, `(json_type(fields, ?) = 'text' AND json_extract(fields, ?) = ?)`, w.SQL)
	assert.Equal(t, []any{`$."pushDetails"."productName"`, `$."pushDetails"."productName"`, "P"}, w.Params)
	assert.Empty(t, w.Residual)
}

func TestCompileWhere_Bool(t *testing.T) {
	w := compileWhere([]query.Predicate{query.Where("active", doc.Bool(true))})
	assert.Equal(t, `(json_type(fields, ?) = 'true')`, w.SQL)
	assert.Equal(t, []any{`$."active"`}, w.Params)
}

func TestCompileWhere_Compare(t *testing.T) {
	w := compileWhere([]query.Predicate{query.Compare{Field: "amount", Op: query.OpLessEqual, Value: doc.Int(0)}})
	assert.Equal(t, `(json_type(fields, ?) = 'integer' AND json_extract(fields, ?) <= ?)`, w.SQL)
	assert.Equal(t, []any{`$."amount"`, `$."amount"`, int64(0)}, w.Params)
}

func TestCompileWhere_ValuesNeverInterpolated(t *testing.T) {
	evil := `x' OR 1=1 --`
	w := compileWhere([]query.Predicate{
		query.Where("name", doc.String(evil)),
		query.In{Field: "kind", Values: []doc.Value{doc.String(evil), doc.Int(1)}},
	})
	assert.NotContains(t, w.SQL, evil)
	assert.Contains(t, w.Params, evil)
}

func TestCompileWhere_Residual(t *testing.T) {
	arr := query.Where("tags", doc.Array{doc.String("x")})
	quoted := query.Where(`we"ird`, doc.Int(1))
	boolCompare := query.Compare{Field: "active", Op: query.OpLess, Value: doc.Bool(true)}

	w := compileWhere([]query.Predicate{arr, query.Where("a", doc.Int(1)), quoted, boolCompare})
	assert.Equal(t, []query.Predicate{arr, quoted, boolCompare}, w.Residual)
	assert.Equal(t, `(json_type(fields, ?) = 'integer' AND json_extract(fields, ?) = ?)`, w.SQL)
}

// TestCompileWhere_MatchesEval checks that compiled SQL selects exactly the
// documents query.Eval accepts.
func TestCompileWhere_MatchesEval(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	docs := []doc.Object{
		{"n": doc.Int(1), "s": doc.String("a"), "b": doc.Bool(true)},
		{"n": doc.Int(2), "s": doc.String("b"), "b": doc.Bool(false)},
		{"n": doc.String("2"), "s": doc.Int(5)},
		{"n": doc.Null{}, "nested": doc.Object{"k": doc.String("v")}},
		{},
	}
	for i, f := range docs {
		require.NoError(t, s.Set(ctx, "c", string(rune('a'+i)), f))
	}

	preds := []query.Predicate{
		query.Where("n", doc.Int(2)),
		query.Where("n", doc.String("2")),
		query.Where("n", doc.Null{}),
		query.Where("b", doc.Bool(false)),
		query.Where("nested.k", doc.String("v")),
		query.Compare{Field: "n", Op: query.OpGreaterEqual, Value: doc.Int(1)},
		query.Compare{Field: "s", Op: query.OpLess, Value: doc.String("b")},
		query.Compare{Field: "n", Op: query.OpNotEqual, Value: doc.Int(1)},
		query.Compare{Field: "b", Op: query.OpNotEqual, Value: doc.Bool(true)},
		query.In{Field: "s", Values: []doc.Value{doc.String("b"), doc.Int(5)}},
	}
	for _, p := range preds {
		target := remote.CollectionTarget{Collection: "c", Where: []query.Predicate{p}}
		got, err := s.QueryTarget(ctx, target)
		require.NoError(t, err)

		var want []string
		for i, f := range docs {
			if query.Eval([]query.Predicate{p}, f) {
				want = append(want, string(rune('a'+i)))
			}
		}
		var gotIDs []string
		for _, d := range got {
			gotIDs = append(gotIDs, d.ID)
		}
		assert.Equal(t, want, gotIDs, "predicate %#v", p)
	}
}
