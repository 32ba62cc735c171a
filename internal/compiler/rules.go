package compiler

import (
	"fmt"
	"os"
	"sort"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"

	"github.com/roach88/shelf/internal/queryir"
	"github.com/roach88/shelf/internal/rules"
)

// schemaSource constrains the shape of a rules file. Definitions are closed,
// so misspelled keys are rejected instead of silently ignored.
const schemaSource = `
#Level: "public" | "authenticated" | "owner" | "admin" | "deny"

#Collection: {
	fields: [...string]
	ownerField?: string
	rules?: {
		get?:    #Level
		list?:   #Level
		create?: #Level
		update?: #Level
		delete?: #Level
	}
	immutable?: [...string]
	broadcast?: #Level
}

collections: [string]: #Collection
`

// defaultSource is merged into every configuration for collections the file
// does not define.
const defaultSource = `
collections: {
	task: {
		fields: ["id", "type", "payload", "status", "priority", "retryCount",
			"createdAt", "startedAt", "completedAt", "error", "claimToken"]
		rules: {get: "admin", list: "admin", create: "admin", update: "admin", delete: "admin"}
		broadcast: "admin"
	}
	storage_stats: {
		fields: ["id", "root", "files", "directories", "bytes", "scannedAt"]
		rules: {get: "admin", list: "admin", create: "deny", update: "deny", delete: "deny"}
		broadcast: "admin"
	}
}
`

// Config is a compiled rules file.
type Config struct {
	Policies map[string]*rules.Policy
	Schema   queryir.Schema
}

// Table returns the rule table for the engine. Every collection's policy
// serves as both its database and its broadcast rule.
func (c *Config) Table() rules.Table {
	t := rules.Table{
		Database:  make(map[string]rules.Rule, len(c.Policies)),
		Broadcast: make(map[string]rules.BroadcastRule, len(c.Policies)),
	}
	for name, p := range c.Policies {
		t.Database[name] = p
		t.Broadcast[name] = p
	}
	return t
}

// Collections returns the configured collection names, sorted.
func (c *Config) Collections() []string {
	names := make([]string, 0, len(c.Policies))
	for name := range c.Policies {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

type collectionSpec struct {
	Fields     []string          `json:"fields"`
	OwnerField string            `json:"ownerField"`
	Rules      map[string]string `json:"rules"`
	Immutable  []string          `json:"immutable"`
	Broadcast  string            `json:"broadcast"`
}

// LoadRulesFile reads and compiles a CUE rules file. An empty path yields
// the default configuration.
func LoadRulesFile(path string) (*Config, error) {
	ctx := cuecontext.New()
	if path == "" {
		return CompileRules(ctx.CompileString("collections: {}"))
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rules file: %w", err)
	}
	v := ctx.CompileBytes(data, cue.Filename(path))
	return CompileRules(v)
}

// DefaultConfig returns the built-in configuration for the task and
// storage_stats collections.
func DefaultConfig() *Config {
	cfg, err := CompileRules(cuecontext.New().CompileString("collections: {}"))
	if err != nil {
		panic(fmt.Sprintf("compiler: default rules: %v", err))
	}
	return cfg
}

// CompileRules compiles a CUE value holding a top-level collections struct.
//
// Example:
//
//	collections: file: {
//		fields: ["id", "name", "ownerId"]
//		ownerField: "ownerId"
//		rules: {get: "owner", list: "owner"}
//		broadcast: "owner"
//	}
func CompileRules(v cue.Value) (*Config, error) {
	if err := v.Err(); err != nil {
		return nil, formatCUEError(err)
	}
	ctx := v.Context()
	schema := ctx.CompileString(schemaSource, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return nil, formatCUEError(err)
	}

	unified := schema.Unify(v)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return nil, formatCUEError(err)
	}

	cfg := &Config{Policies: map[string]*rules.Policy{}, Schema: queryir.NewSchema()}
	if err := compileCollections(cfg, unified); err != nil {
		return nil, err
	}

	defaults := schema.Unify(ctx.CompileString(defaultSource, cue.Filename("defaults.cue")))
	if err := defaults.Validate(cue.Concrete(true)); err != nil {
		return nil, formatCUEError(err)
	}
	builtin := &Config{Policies: map[string]*rules.Policy{}, Schema: queryir.NewSchema()}
	if err := compileCollections(builtin, defaults); err != nil {
		return nil, err
	}
	for name, p := range builtin.Policies {
		if _, ok := cfg.Policies[name]; ok {
			continue
		}
		cfg.Policies[name] = p
		cfg.Schema.Add(name, builtin.Schema.Fields(name)...)
	}
	return cfg, nil
}

func compileCollections(cfg *Config, v cue.Value) error {
	colls := v.LookupPath(cue.ParsePath("collections"))
	if !colls.Exists() {
		return &CompileError{Field: "collections", Message: "collections is required", Pos: v.Pos()}
	}
	iter, err := colls.Fields()
	if err != nil {
		return formatCUEError(err)
	}
	for iter.Next() {
		name := iter.Selector().Unquoted()
		p, fields, err := compileCollection(name, iter.Value())
		if err != nil {
			return err
		}
		cfg.Policies[name] = p
		cfg.Schema.Add(name, fields...)
	}
	return nil
}

func compileCollection(name string, v cue.Value) (*rules.Policy, []string, error) {
	field := func(f string) string { return name + "." + f }

	var spec collectionSpec
	if err := v.Decode(&spec); err != nil {
		return nil, nil, formatCUEError(err)
	}

	known := make(map[string]bool, len(spec.Fields))
	for _, f := range spec.Fields {
		if pf, err := queryir.ParseField(f); err != nil || pf.IsNested() {
			return nil, nil, &CompileError{Field: field("fields"), Message: fmt.Sprintf("invalid field name %q", f), Pos: v.Pos()}
		}
		if known[f] {
			return nil, nil, &CompileError{Field: field("fields"), Message: fmt.Sprintf("duplicate field %q", f), Pos: v.Pos()}
		}
		known[f] = true
	}

	p := &rules.Policy{
		Collection: name,
		OwnerField: spec.OwnerField,
		Levels:     make(map[rules.Operation]rules.Level, len(spec.Rules)),
		Immutable:  spec.Immutable,
		Broadcast:  rules.Level(spec.Broadcast),
	}
	if p.Broadcast == "" {
		p.Broadcast = rules.LevelAuthenticated
	}
	for op, level := range spec.Rules {
		p.Levels[rules.Operation(op)] = rules.Level(level)
	}

	if p.OwnerField != "" && !known[p.OwnerField] {
		return nil, nil, &CompileError{
			Field:   field("ownerField"),
			Message: fmt.Sprintf("owner field %q is not a declared field", p.OwnerField),
			Pos:     v.LookupPath(cue.ParsePath("ownerField")).Pos(),
		}
	}
	usesOwner := p.Broadcast == rules.LevelOwner
	for _, op := range rules.Operations {
		if p.Level(op) == rules.LevelOwner {
			usesOwner = true
		}
	}
	if usesOwner && p.OwnerField == "" {
		return nil, nil, &CompileError{Field: field("ownerField"), Message: "owner level requires ownerField", Pos: v.Pos()}
	}
	for _, f := range p.Immutable {
		if !known[f] {
			return nil, nil, &CompileError{
				Field:   field("immutable"),
				Message: fmt.Sprintf("immutable field %q is not a declared field", f),
				Pos:     v.LookupPath(cue.ParsePath("immutable")).Pos(),
			}
		}
	}
	return p, spec.Fields, nil
}
