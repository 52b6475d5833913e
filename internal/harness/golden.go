package harness

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/sebdah/goldie/v2"

	"github.com/roach88/pushdash/internal/doc"
)

// Snapshot is what a golden file records: the trace and the final dashboard.
type Snapshot struct {
	ScenarioName string       `json:"scenario_name"`
	Trace        []TraceEvent `json:"trace"`
	Dashboard    any          `json:"dashboard"`
}

// MarshalSnapshot renders a result as canonical JSON (sorted keys, no
// whitespace), so equal runs produce identical bytes.
func MarshalSnapshot(name string, result *Result) ([]byte, error) {
	raw, err := json.Marshal(Snapshot{
		ScenarioName: name,
		Trace:        result.Trace,
		Dashboard:    result.Dashboard,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal snapshot: %w", err)
	}
	v, err := doc.Decode(raw)
	if err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	return doc.MarshalCanonical(v)
}

// RunWithGolden executes a scenario and compares its snapshot against
// testdata/golden/{scenario.Name}.golden. Regenerate with:
//
//	go test ./internal/harness -update
func RunWithGolden(t *testing.T, scenario *Scenario) (*Result, error) {
	t.Helper()

	result, err := Run(scenario)
	if err != nil {
		return nil, err
	}
	if err := AssertGolden(t, scenario.Name, result); err != nil {
		return nil, err
	}
	return result, nil
}

// AssertGolden compares an existing result against its golden file.
func AssertGolden(t *testing.T, name string, result *Result) error {
	t.Helper()

	data, err := MarshalSnapshot(name, result)
	if err != nil {
		return err
	}
	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, name, data)
	return nil
}
