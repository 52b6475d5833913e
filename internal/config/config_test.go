package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/pushdash/internal/model"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, model.Settings{
		DefaultPushLimit:      5,
		CommissionMinor:       500,
		MidTier:               20,
		HighTier:              100,
		PoolAccountPriceMinor: 2000,
	}, cfg.Settings())
}

func TestLoad_FullFile(t *testing.T) {
	cfg, err := Load(filepath.Join("testdata", "full.yaml"))
	require.NoError(t, err)

	assert.Equal(t, BackendSQLite, cfg.Backend)
	assert.Equal(t, "/var/lib/pushdash/data.db", cfg.SQLite.Path)
	assert.Equal(t, "pushdash", cfg.Dynamo.Table, "untouched keys keep defaults")
	assert.Equal(t, 5*time.Second, cfg.Dynamo.RefreshInterval)
	assert.True(t, cfg.Dynamo.Stream)
	assert.Equal(t, 2*time.Second, cfg.Dynamo.StreamInterval)
	assert.Equal(t, 250*time.Millisecond, cfg.Push.TickInterval)
	assert.Equal(t, int64(650), cfg.Rules.CommissionMinor)

	products := cfg.ProductSeeds()
	require.Len(t, products, 2)
	assert.Equal(t, model.Product{Name: "Alpha", PushLimit: 2, Active: true}, products[0])
	assert.Equal(t, model.Product{Name: "Beta", Active: false, CommissionMinor: 900}, products[1])

	rules, err := cfg.SessionRules()
	require.NoError(t, err)
	assert.Equal(t, "Asia/Shanghai", rules.Location.String())
	assert.Equal(t, 250*time.Millisecond, rules.TickInterval)
	assert.Equal(t, 10, rules.Settings.MidTier)
}

func TestLoad_PartialKeepsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join("testdata", "partial.yaml"))
	require.NoError(t, err)
	assert.Equal(t, int64(800), cfg.Rules.CommissionMinor)
	assert.Equal(t, 5, cfg.Rules.DefaultPushLimit)
	assert.Equal(t, BackendMemory, cfg.Backend)
	assert.Len(t, cfg.Products, 2)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestParse_Rejects(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"unknown key", "colour: blue\n"},
		{"unknown backend", "backend: postgres\n"},
		{"negative commission", "rules:\n  commission_minor: -1\n"},
		{"zero push limit", "rules:\n  default_push_limit: 0\n"},
		{"bad duration", "push:\n  tick_interval: soon\n"},
		{"product without name", "products:\n  - push_limit: 2\n"},
		{"tiers inverted", "rules:\n  mid_tier: 50\n  high_tier: 10\n"},
		{"duplicate product", "products:\n  - name: A\n  - name: A\n"},
		{"unknown timezone", "timezone: Mars/Olympus\n"},
		{"not yaml", "backend: [\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Parse([]byte(tt.yaml), Default())
			assert.ErrorIs(t, err, ErrInvalidConfig)
		})
	}
}

func TestLoad_UnknownKeyFile(t *testing.T) {
	_, err := Load(filepath.Join("testdata", "unknown_key.yaml"))
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestParse_EmptyDocument(t *testing.T) {
	cfg := Default()
	require.NoError(t, Parse([]byte("# nothing\n"), cfg))
	assert.Equal(t, Default(), cfg)
}

func TestApplyEnv(t *testing.T) {
	cfg := Default()
	env := map[string]string{
		EnvBackend:  "dynamodb",
		EnvTable:    "dash-prod",
		EnvRegion:   "eu-west-1",
		EnvEndpoint: "http://localhost:8000",
		EnvTimezone: "UTC",
		EnvDB:       "   ",
	}
	cfg.ApplyEnv(func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	})

	assert.Equal(t, BackendDynamo, cfg.Backend)
	assert.Equal(t, "dash-prod", cfg.Dynamo.Table)
	assert.Equal(t, "eu-west-1", cfg.Dynamo.Region)
	assert.Equal(t, "http://localhost:8000", cfg.Dynamo.Endpoint)
	assert.Equal(t, "UTC", cfg.Timezone)
	assert.Equal(t, "pushdash.db", cfg.SQLite.Path, "blank values are ignored")
}

func TestLoadEnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("PUSHDASH_TEST_ONLY=from-file\n"), 0o600))
	t.Setenv("PUSHDASH_TEST_ONLY", "")
	require.NoError(t, os.Unsetenv("PUSHDASH_TEST_ONLY"))

	require.NoError(t, LoadEnvFile(path))
	assert.Equal(t, "from-file", os.Getenv("PUSHDASH_TEST_ONLY"))

	require.NoError(t, LoadEnvFile(""))
	assert.Error(t, LoadEnvFile(filepath.Join(t.TempDir(), "missing.env")))
}
