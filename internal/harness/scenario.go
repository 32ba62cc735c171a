package harness

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/roach88/shelf/internal/queryir"
)

// Scenario defines a live-query scenario: a rules file, seed rows, a set of
// subscriptions, a sequence of writes, and assertions on the result.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Rules is the CUE rules source (the same format as the server's rules
	// file) declaring every collection the scenario touches.
	Rules string `yaml:"rules"`

	// Actors maps names used by subscriptions and steps to identities.
	Actors map[string]ActorSpec `yaml:"actors,omitempty"`

	// Seed rows are written as the system actor before any subscription
	// opens. Collections are seeded in name order.
	Seed map[string][]map[string]any `yaml:"seed,omitempty"`

	// Subscriptions are opened after seeding, in order.
	Subscriptions []SubscriptionSpec `yaml:"subscriptions"`

	// Steps are applied one at a time. After each step every subscription
	// must converge to a fresh read of its query.
	Steps []Step `yaml:"steps"`

	// Assertions validate the final views and stored rows.
	Assertions []Assertion `yaml:"assertions"`
}

// ActorSpec is an authenticated identity.
type ActorSpec struct {
	ID   string `yaml:"id"`
	Role string `yaml:"role,omitempty"`
}

// SubscriptionSpec opens one live query.
type SubscriptionSpec struct {
	Name string `yaml:"name"`
	// Actor names an entry of Scenario.Actors. Empty subscribes anonymously.
	Actor string           `yaml:"actor,omitempty"`
	Query queryir.Request `yaml:"query"`
}

// Step operations.
const (
	OpInsert = "insert"
	OpUpdate = "update"
	OpDelete = "delete"
)

// Step is one write.
type Step struct {
	Op         string `yaml:"op"`
	Collection string `yaml:"collection"`
	// ID selects the row for update and delete. Inserts take the id from
	// Data, or get a generated one.
	ID   string         `yaml:"id,omitempty"`
	Data map[string]any `yaml:"data,omitempty"`
	// Actor names an entry of Scenario.Actors. Empty writes as the system
	// actor, which bypasses the rules.
	Actor string `yaml:"actor,omitempty"`
	// ExpectError is the error code the write must fail with:
	// denied, validation, not_found or conflict.
	ExpectError string `yaml:"expect_error,omitempty"`
}

// Label describes the step in traces and error messages.
func (s Step) Label() string {
	id := s.ID
	if id == "" {
		if v, ok := s.Data["id"].(string); ok {
			id = v
		}
	}
	parts := []string{s.Op, s.Collection}
	if id != "" {
		parts = append(parts, id)
	}
	if s.Actor != "" {
		parts = append(parts, "as", s.Actor)
	}
	return strings.Join(parts, " ")
}

// Assertion validates the outcome of a scenario.
type Assertion struct {
	// Type is one of view, final_state or absent.
	Type string `yaml:"type"`

	// Subscription names the subscription (view).
	Subscription string `yaml:"subscription,omitempty"`
	// IDs is the expected row order of the view (view).
	IDs []string `yaml:"ids,omitempty"`
	// Total is the expected total of the view (view).
	Total *int `yaml:"total,omitempty"`

	// Collection and ID select a stored row (final_state, absent).
	Collection string `yaml:"collection,omitempty"`
	ID         string `yaml:"id,omitempty"`
	// Expect contains expected field values (final_state).
	// Subset match - only specified fields are validated.
	Expect map[string]any `yaml:"expect,omitempty"`
}

// Assertion type constants.
const (
	AssertView       = "view"
	AssertFinalState = "final_state"
	AssertAbsent     = "absent"
)

// Error codes a step may expect.
var errorCodes = []string{CodeDenied, CodeValidation, CodeNotFound, CodeConflict}

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses scenario YAML.
func ParseScenario(data []byte) (*Scenario, error) {
	// Strict field validation catches typos like "assertion:" vs "assertions:"
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

// LoadScenarios loads every *.yaml scenario in dir, sorted by file name.
func LoadScenarios(dir string) ([]*Scenario, error) {
	paths, err := filepath.Glob(filepath.Join(dir, "*.yaml"))
	if err != nil {
		return nil, err
	}
	if len(paths) == 0 {
		return nil, fmt.Errorf("no scenarios in %s", dir)
	}
	sort.Strings(paths)

	out := make([]*Scenario, 0, len(paths))
	names := make(map[string]string, len(paths))
	for _, p := range paths {
		s, err := LoadScenario(p)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", filepath.Base(p), err)
		}
		if prev, dup := names[s.Name]; dup {
			return nil, fmt.Errorf("%s: scenario name %q already used by %s", filepath.Base(p), s.Name, prev)
		}
		names[s.Name] = filepath.Base(p)
		out = append(out, s)
	}
	return out, nil
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if strings.TrimSpace(s.Rules) == "" {
		return fmt.Errorf("rules is required")
	}
	if len(s.Subscriptions) == 0 {
		return fmt.Errorf("subscriptions list is required and must be non-empty")
	}
	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}

	for name, a := range s.Actors {
		if a.ID == "" {
			return fmt.Errorf("actors.%s: id is required", name)
		}
	}

	subs := make(map[string]bool, len(s.Subscriptions))
	for i, sub := range s.Subscriptions {
		if sub.Name == "" {
			return fmt.Errorf("subscriptions[%d]: name is required", i)
		}
		if subs[sub.Name] {
			return fmt.Errorf("subscriptions[%d]: duplicate name %q", i, sub.Name)
		}
		subs[sub.Name] = true
		if err := s.checkActor(sub.Actor); err != nil {
			return fmt.Errorf("subscriptions[%d]: %w", i, err)
		}
		if sub.Query.Collection == "" {
			return fmt.Errorf("subscriptions[%d]: query.collection is required", i)
		}
	}

	for i, step := range s.Steps {
		if err := s.validateStep(step); err != nil {
			return fmt.Errorf("steps[%d]: %w", i, err)
		}
	}

	for i, a := range s.Assertions {
		if err := validateAssertion(a, subs); err != nil {
			return fmt.Errorf("assertions[%d]: %w", i, err)
		}
	}
	return nil
}

func (s *Scenario) checkActor(name string) error {
	if name == "" {
		return nil
	}
	if _, ok := s.Actors[name]; !ok {
		return fmt.Errorf("unknown actor %q", name)
	}
	return nil
}

func (s *Scenario) validateStep(step Step) error {
	if step.Collection == "" {
		return fmt.Errorf("collection is required")
	}
	switch step.Op {
	case OpInsert:
		if len(step.Data) == 0 {
			return fmt.Errorf("data is required for insert")
		}
	case OpUpdate:
		if step.ID == "" || len(step.Data) == 0 {
			return fmt.Errorf("id and data are required for update")
		}
	case OpDelete:
		if step.ID == "" {
			return fmt.Errorf("id is required for delete")
		}
	default:
		return fmt.Errorf("unknown op %q", step.Op)
	}
	if step.ExpectError != "" && !contains(errorCodes, step.ExpectError) {
		return fmt.Errorf("expect_error must be one of %v", errorCodes)
	}
	return s.checkActor(step.Actor)
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(a Assertion, subs map[string]bool) error {
	switch a.Type {
	case AssertView:
		if !subs[a.Subscription] {
			return fmt.Errorf("unknown subscription %q", a.Subscription)
		}
		if a.IDs == nil && a.Total == nil {
			return fmt.Errorf("view needs ids or total")
		}
	case AssertFinalState:
		if a.Collection == "" || a.ID == "" {
			return fmt.Errorf("collection and id are required for final_state")
		}
		if len(a.Expect) == 0 {
			return fmt.Errorf("expect is required for final_state")
		}
	case AssertAbsent:
		if a.Collection == "" || a.ID == "" {
			return fmt.Errorf("collection and id are required for absent")
		}
	case "":
		return fmt.Errorf("type is required")
	default:
		return fmt.Errorf("unknown assertion type %q", a.Type)
	}
	return nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
