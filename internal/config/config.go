package config

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/roach88/pushdash/internal/model"
	"github.com/roach88/pushdash/internal/session"
)

//go:embed schema.cue
var schemaSource string

// ErrInvalidConfig wraps every validation failure.
var ErrInvalidConfig = errors.New("invalid config")

// Backend names.
const (
	BackendMemory = "memory"
	BackendSQLite = "sqlite"
	BackendDynamo = "dynamodb"
)

// Environment variables that override file values.
const (
	EnvBackend     = "PUSHDASH_BACKEND"
	EnvDB          = "PUSHDASH_DB"
	EnvTable       = "PUSHDASH_DYNAMO_TABLE"
	EnvRegion      = "PUSHDASH_AWS_REGION"
	EnvEndpoint    = "PUSHDASH_DYNAMO_ENDPOINT"
	EnvTimezone    = "PUSHDASH_TIMEZONE"
	EnvMetricsAddr = "PUSHDASH_METRICS_ADDR"
)

// Config is the full runtime configuration.
type Config struct {
	Backend  string          `yaml:"backend"`
	SQLite   SQLiteConfig    `yaml:"sqlite"`
	Dynamo   DynamoConfig    `yaml:"dynamodb"`
	Timezone string          `yaml:"timezone"`
	Metrics  MetricsConfig   `yaml:"metrics"`
	Push     PushConfig      `yaml:"push"`
	Rules    RulesConfig     `yaml:"rules"`
	Products []ProductConfig `yaml:"products"`
}

type SQLiteConfig struct {
	Path string `yaml:"path"`
}

type DynamoConfig struct {
	Table    string `yaml:"table"`
	Region   string `yaml:"region"`
	Endpoint string `yaml:"endpoint"`
	// CreateTable creates the table and its group index when missing (DynamoDB Local).
	CreateTable bool `yaml:"create_table"`
	// RefreshInterval re-queries live views so other writers' changes appear.
	RefreshInterval time.Duration `yaml:"refresh_interval"`
	// Stream follows the table's DynamoDB stream so other writers' changes
	// appear without waiting for a refresh.
	Stream bool `yaml:"stream"`
	// StreamInterval is the pause between stream polls.
	StreamInterval time.Duration `yaml:"stream_interval"`
}

type MetricsConfig struct {
	// Addr is the listen address of the /metrics endpoint; empty disables it.
	Addr string `yaml:"addr"`
}

type PushConfig struct {
	TickInterval time.Duration `yaml:"tick_interval"`
}

// RulesConfig holds the business rules. They seed settings/global and fill
// values missing from it.
type RulesConfig struct {
	DefaultPushLimit      int   `yaml:"default_push_limit"`
	CommissionMinor       int64 `yaml:"commission_minor"`
	MidTier               int   `yaml:"mid_tier"`
	HighTier              int   `yaml:"high_tier"`
	PoolAccountPriceMinor int64 `yaml:"pool_account_price_minor"`
}

// ProductConfig is one product catalog seed.
type ProductConfig struct {
	ID              string `yaml:"id"`
	Name            string `yaml:"name"`
	PushLimit       int    `yaml:"push_limit"`
	Active          *bool  `yaml:"active"`
	CommissionMinor int64  `yaml:"commission_minor"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Backend:  BackendMemory,
		SQLite:   SQLiteConfig{Path: "pushdash.db"},
		Dynamo:   DynamoConfig{Table: "pushdash", RefreshInterval: 5 * time.Second, StreamInterval: time.Second},
		Timezone: "Local",
		Push:     PushConfig{TickInterval: 400 * time.Millisecond},
		Rules: RulesConfig{
			DefaultPushLimit:      5,
			CommissionMinor:       500,
			MidTier:               20,
			HighTier:              100,
			PoolAccountPriceMinor: 2000,
		},
		Products: []ProductConfig{
			{Name: "Starter", PushLimit: 5},
			{Name: "Premium", PushLimit: 3, CommissionMinor: 1200},
		},
	}
}

// Load reads a YAML file over the defaults. An empty path returns Default().
// The file is checked against the embedded CUE schema before decoding.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := Parse(data, cfg); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse validates data and decodes it into cfg. Keys absent from data keep
// the values already in cfg.
func Parse(data []byte, cfg *Config) error {
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if raw == nil {
		return nil
	}
	if err := validateSchema(raw); err != nil {
		return err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return cfg.Validate()
}

func validateSchema(raw map[string]any) error {
	ctx := cuecontext.New()
	schema := ctx.CompileString(schemaSource, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return fmt.Errorf("compile schema: %w", err)
	}
	def := schema.LookupPath(cue.ParsePath("#Config"))
	value := def.Unify(ctx.Encode(raw))
	if err := value.Validate(cue.Concrete(true)); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return nil
}

// Validate checks constraints that span fields.
func (c *Config) Validate() error {
	switch c.Backend {
	case BackendMemory, BackendSQLite, BackendDynamo:
	default:
		return fmt.Errorf("%w: unknown backend %q", ErrInvalidConfig, c.Backend)
	}
	if c.Rules.HighTier <= c.Rules.MidTier {
		return fmt.Errorf("%w: high_tier (%d) must exceed mid_tier (%d)",
			ErrInvalidConfig, c.Rules.HighTier, c.Rules.MidTier)
	}
	if c.Push.TickInterval <= 0 {
		return fmt.Errorf("%w: push.tick_interval must be positive", ErrInvalidConfig)
	}
	if _, err := c.Location(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	seen := make(map[string]bool, len(c.Products))
	for _, p := range c.Products {
		if seen[p.Name] {
			return fmt.Errorf("%w: duplicate product %q", ErrInvalidConfig, p.Name)
		}
		seen[p.Name] = true
	}
	return nil
}

// LoadEnvFile loads KEY=value pairs from path into the process environment.
// Variables already set are not overridden.
func LoadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load env file: %w", err)
	}
	return nil
}

// ApplyEnv overrides file values with PUSHDASH_* variables. lookup is
// os.LookupEnv outside tests.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) {
	set := func(key string, dst *string) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	set(EnvBackend, &c.Backend)
	set(EnvDB, &c.SQLite.Path)
	set(EnvTable, &c.Dynamo.Table)
	set(EnvRegion, &c.Dynamo.Region)
	set(EnvEndpoint, &c.Dynamo.Endpoint)
	set(EnvTimezone, &c.Timezone)
	set(EnvMetricsAddr, &c.Metrics.Addr)
}

// Location resolves Timezone.
func (c *Config) Location() (*time.Location, error) {
	if c.Timezone == "" || c.Timezone == "Local" {
		return time.Local, nil
	}
	return time.LoadLocation(c.Timezone)
}

// Settings maps the business rules to the settings/global document.
func (c *Config) Settings() model.Settings {
	return model.Settings{
		DefaultPushLimit:      c.Rules.DefaultPushLimit,
		CommissionMinor:       c.Rules.CommissionMinor,
		MidTier:               c.Rules.MidTier,
		HighTier:              c.Rules.HighTier,
		PoolAccountPriceMinor: c.Rules.PoolAccountPriceMinor,
	}
}

// ProductSeeds returns the product catalog written into an empty products
// collection. Products are active unless configured otherwise.
func (c *Config) ProductSeeds() []model.Product {
	out := make([]model.Product, 0, len(c.Products))
	for _, p := range c.Products {
		active := true
		if p.Active != nil {
			active = *p.Active
		}
		out = append(out, model.Product{
			ID:              p.ID,
			Name:            p.Name,
			PushLimit:       p.PushLimit,
			Active:          active,
			CommissionMinor: p.CommissionMinor,
		})
	}
	return out
}

// SessionRules bundles what a session needs from the configuration.
func (c *Config) SessionRules() (session.Rules, error) {
	loc, err := c.Location()
	if err != nil {
		return session.Rules{}, err
	}
	return session.Rules{
		Settings:     c.Settings(),
		Products:     c.ProductSeeds(),
		Location:     loc,
		TickInterval: c.Push.TickInterval,
	}, nil
}
