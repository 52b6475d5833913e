package harness

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunWithGolden(t *testing.T) {
	for _, name := range []string{"purchase-and-push", "cancel-push"} {
		t.Run(name, func(t *testing.T) {
			result, err := RunWithGolden(t, load(t, name))
			require.NoError(t, err)
			assert.True(t, result.Pass)
		})
	}
}

func TestMarshalSnapshot_IsCanonical(t *testing.T) {
	result := NewResult()
	result.Trace = append(result.Trace, TraceEvent{
		Step:    1,
		Action:  ActionAdvance,
		Args:    map[string]any{"duration": "1h"},
		Outcome: OutcomeOK,
	})
	result.Dashboard.Identity = "u1"

	a, err := MarshalSnapshot("s", result)
	require.NoError(t, err)
	b, err := MarshalSnapshot("s", result)
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.Contains(t, string(a), `"trace":[{"action":"advance","args":{"duration":"1h"},"outcome":"ok","step":1}]`)
	assert.NotContains(t, string(a), " ")
}
