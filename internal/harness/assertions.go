package harness

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"strings"

	"github.com/roach88/pushdash/internal/doc"
	"github.com/roach88/pushdash/internal/remote"
)

// AssertionError is returned when an assertion fails.
type AssertionError struct {
	Type     string
	Expected string
	Actual   string
	Trace    []TraceEvent
}

func (e *AssertionError) Error() string {
	var buf strings.Builder
	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)
	if len(e.Trace) > 0 {
		fmt.Fprintf(&buf, "\nFull trace:\n")
		for _, event := range e.Trace {
			fmt.Fprintf(&buf, "  [%d] %s %v -> %s\n", event.Step, event.Action, event.Args, event.Outcome)
		}
	}
	return buf.String()
}

// evaluate checks every assertion and returns the failure messages.
func (h *Harness) evaluate(ctx context.Context, result *Result, assertions []Assertion) []string {
	var failures []string
	for i, a := range assertions {
		var err error
		switch a.Type {
		case AssertDashboard:
			err = assertDashboard(result, a)
		case AssertDocument:
			err = assertDocument(ctx, h.store, a)
		case AssertCount:
			err = assertCount(ctx, h.store, a)
		case AssertTraceContains:
			err = assertTraceContains(result.Trace, a)
		case AssertTraceCount:
			err = assertTraceCount(result.Trace, a)
		default:
			err = fmt.Errorf("assertion[%d]: unknown assertion type %q", i, a.Type)
		}
		if err != nil {
			failures = append(failures, err.Error())
		}
	}
	return failures
}

func assertDashboard(result *Result, a Assertion) error {
	actual := plain(result.Dashboard)
	if subsetMatch(actual, plain(a.Expect)) {
		return nil
	}
	return &AssertionError{
		Type:     AssertDashboard,
		Expected: fmt.Sprintf("%v", a.Expect),
		Actual:   fmt.Sprintf("%v", actual),
	}
}

func assertDocument(ctx context.Context, store remote.Adapter, a Assertion) error {
	d, err := store.Get(ctx, a.Collection, a.ID)
	if err != nil {
		return &AssertionError{
			Type:     AssertDocument,
			Expected: fmt.Sprintf("%s/%s with %v", a.Collection, a.ID, a.Expect),
			Actual:   err.Error(),
		}
	}
	actual := plain(doc.ToAny(d.Fields))
	if subsetMatch(actual, plain(a.Expect)) {
		return nil
	}
	return &AssertionError{
		Type:     AssertDocument,
		Expected: fmt.Sprintf("%s/%s with %v", a.Collection, a.ID, a.Expect),
		Actual:   fmt.Sprintf("%v", actual),
	}
}

func assertCount(ctx context.Context, q remote.Querier, a Assertion) error {
	docs, err := q.QueryTarget(ctx, remote.CollectionTarget{Collection: a.Collection})
	if err != nil {
		return fmt.Errorf("count %s: %w", a.Collection, err)
	}
	if len(docs) != a.Count {
		return &AssertionError{
			Type:     AssertCount,
			Expected: fmt.Sprintf("%d documents in %s", a.Count, a.Collection),
			Actual:   fmt.Sprintf("%d documents", len(docs)),
		}
	}
	return nil
}

func matchesEvent(event TraceEvent, a Assertion) bool {
	return event.Action == a.Action && (a.Outcome == "" || event.Outcome == a.Outcome)
}

func assertTraceContains(trace []TraceEvent, a Assertion) error {
	for _, event := range trace {
		if matchesEvent(event, a) {
			return nil
		}
	}
	return &AssertionError{
		Type:     AssertTraceContains,
		Expected: fmt.Sprintf("action %s with outcome %q", a.Action, a.Outcome),
		Actual:   "not found in trace",
		Trace:    trace,
	}
}

func assertTraceCount(trace []TraceEvent, a Assertion) error {
	count := 0
	for _, event := range trace {
		if matchesEvent(event, a) {
			count++
		}
	}
	if count != a.Count {
		return &AssertionError{
			Type:     AssertTraceCount,
			Expected: fmt.Sprintf("%d occurrences of %s", a.Count, a.Action),
			Actual:   fmt.Sprintf("%d occurrences", count),
			Trace:    trace,
		}
	}
	return nil
}

// plain round-trips v through JSON so YAML ints, int64s and struct fields
// compare as the same float64s, maps and slices.
func plain(v any) any {
	data, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return v
	}
	return out
}

// subsetMatch reports whether every key in expected is present in actual
// with a matching value. Maps match recursively by subset; everything else,
// slices included, must be equal.
func subsetMatch(actual, expected any) bool {
	if isEmpty(expected) && isEmpty(actual) {
		return reflect.TypeOf(expected) == reflect.TypeOf(actual) || isNilOrCollection(actual) && isNilOrCollection(expected)
	}
	em, ok := expected.(map[string]any)
	if !ok {
		return reflect.DeepEqual(actual, expected)
	}
	am, ok := actual.(map[string]any)
	if !ok {
		return false
	}
	for k, ev := range em {
		av, exists := am[k]
		if !exists {
			// An omitted empty field matches an expected empty value.
			if isEmpty(ev) {
				continue
			}
			return false
		}
		if !subsetMatch(av, ev) {
			return false
		}
	}
	return true
}

func isNilOrCollection(v any) bool {
	switch v.(type) {
	case nil, []any, map[string]any:
		return true
	}
	return false
}

func isEmpty(v any) bool {
	switch val := v.(type) {
	case nil:
		return true
	case []any:
		return len(val) == 0
	case map[string]any:
		return len(val) == 0
	case float64:
		return val == 0
	case string:
		return val == ""
	case bool:
		return !val
	}
	return false
}
