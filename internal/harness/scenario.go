package harness

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/roach88/pushdash/internal/watch"
)

// Scenario is one reproducible run of the dashboard.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Identity and Role select the session under test.
	Identity string `yaml:"identity"`
	Role     string `yaml:"role"`

	// Now is the fake clock's start time (RFC 3339). Default: 2026-01-01T09:00:00Z.
	Now string `yaml:"now,omitempty"`

	// Timezone names the calendar-day location. Default: UTC.
	Timezone string `yaml:"timezone,omitempty"`

	// Documents are written to the store before the session opens.
	Documents []Document `yaml:"documents,omitempty"`

	// Setup steps run with admin rights once the session has settled.
	// They are expected to succeed.
	Setup []Step `yaml:"setup,omitempty"`

	// Flow steps run through the session, with optional expectations.
	Flow []Step `yaml:"flow"`

	Assertions []Assertion `yaml:"assertions"`
}

// Document is a raw fixture document.
type Document struct {
	Collection string         `yaml:"collection"`
	ID         string         `yaml:"id"`
	Fields     map[string]any `yaml:"fields"`
}

// Step is one action.
type Step struct {
	// Action is one of the Action* constants.
	Action string         `yaml:"action"`
	Args   map[string]any `yaml:"args"`

	// Expect validates the outcome. Nil means the step must succeed.
	Expect *Expect `yaml:"expect,omitempty"`
}

// Expect is the expected outcome of a step.
type Expect struct {
	// Outcome is "ok" or an error outcome such as "insufficient_funds".
	Outcome string `yaml:"outcome"`

	// Result is a subset match against the step result.
	Result map[string]any `yaml:"result,omitempty"`
}

// Assertion validates the final state or the trace.
type Assertion struct {
	Type string `yaml:"type"`

	// Collection and ID address a document (document, count).
	Collection string `yaml:"collection,omitempty"`
	ID         string `yaml:"id,omitempty"`

	// Action and Outcome select trace events (trace_contains, trace_count).
	Action  string `yaml:"action,omitempty"`
	Outcome string `yaml:"outcome,omitempty"`

	// Expect is a subset match (dashboard, document).
	Expect map[string]any `yaml:"expect,omitempty"`

	// Count is the expected number of documents or trace events.
	Count int `yaml:"count,omitempty"`
}

// Step actions.
const (
	ActionPurchase  = "purchase"
	ActionPush      = "push"
	ActionDeposit   = "deposit"
	ActionSetStatus = "set_status"
	ActionAdvance   = "advance"
)

// Assertion types.
const (
	AssertDashboard     = "dashboard"
	AssertDocument      = "document"
	AssertCount         = "count"
	AssertTraceContains = "trace_contains"
	AssertTraceCount    = "trace_count"
)

const defaultNow = "2026-01-01T09:00:00Z"

// LoadScenario reads and parses a scenario YAML file. Unknown fields are
// rejected so typos surface as errors.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario decodes and validates scenario YAML.
func ParseScenario(data []byte) (*Scenario, error) {
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if s.Identity == "" {
		return fmt.Errorf("identity is required")
	}
	if _, err := watch.ParseRole(s.Role); err != nil {
		return err
	}
	if _, err := s.start(); err != nil {
		return err
	}
	if _, err := s.location(); err != nil {
		return err
	}
	if len(s.Flow) == 0 {
		return fmt.Errorf("flow list is required and must be non-empty")
	}
	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}

	for i, d := range s.Documents {
		if d.Collection == "" || d.ID == "" {
			return fmt.Errorf("documents[%d]: collection and id are required", i)
		}
	}
	for i, step := range s.Setup {
		if err := validateStep(step); err != nil {
			return fmt.Errorf("setup[%d]: %w", i, err)
		}
		if step.Expect != nil {
			return fmt.Errorf("setup[%d]: setup steps cannot carry expectations", i)
		}
	}
	for i, step := range s.Flow {
		if err := validateStep(step); err != nil {
			return fmt.Errorf("flow[%d]: %w", i, err)
		}
		if step.Expect != nil && step.Expect.Outcome == "" {
			return fmt.Errorf("flow[%d].expect: outcome is required", i)
		}
	}
	for i, a := range s.Assertions {
		if err := validateAssertion(a); err != nil {
			return fmt.Errorf("assertions[%d]: %w", i, err)
		}
	}
	return nil
}

func validateStep(step Step) error {
	switch step.Action {
	case ActionPurchase, ActionPush, ActionDeposit, ActionSetStatus, ActionAdvance:
	case "":
		return fmt.Errorf("action is required")
	default:
		return fmt.Errorf("unknown action %q", step.Action)
	}
	if step.Args == nil {
		return fmt.Errorf("args is required (use empty map if no args)")
	}
	return nil
}

func validateAssertion(a Assertion) error {
	switch a.Type {
	case AssertDashboard:
		if len(a.Expect) == 0 {
			return fmt.Errorf("expect is required for dashboard")
		}
	case AssertDocument:
		if a.Collection == "" || a.ID == "" {
			return fmt.Errorf("collection and id are required for document")
		}
		if len(a.Expect) == 0 {
			return fmt.Errorf("expect is required for document")
		}
	case AssertCount:
		if a.Collection == "" {
			return fmt.Errorf("collection is required for count")
		}
		if a.Count < 0 {
			return fmt.Errorf("count must be non-negative")
		}
	case AssertTraceContains, AssertTraceCount:
		if a.Action == "" {
			return fmt.Errorf("action is required for %s", a.Type)
		}
		if a.Count < 0 {
			return fmt.Errorf("count must be non-negative")
		}
	case "":
		return fmt.Errorf("type is required")
	default:
		return fmt.Errorf("unknown assertion type %q", a.Type)
	}
	return nil
}

func (s *Scenario) start() (time.Time, error) {
	raw := s.Now
	if raw == "" {
		raw = defaultNow
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("now: %w", err)
	}
	return t, nil
}

func (s *Scenario) location() (*time.Location, error) {
	if s.Timezone == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(s.Timezone)
	if err != nil {
		return nil, fmt.Errorf("timezone: %w", err)
	}
	return loc, nil
}
