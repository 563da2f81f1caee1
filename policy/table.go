// Package policy decides how detected conflicts are resolved. A rule table
// keyed by entity type and field selects a strategy per field; healthcare
// safety overrides for critical fields are enforced centrally here and are
// not subject to caller discretion.
package policy

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Strategy selects how a conflicting field is resolved.
type Strategy string

const (
	// StrategyAutoMergeCRDT merges the field with its CRDT merge function.
	StrategyAutoMergeCRDT Strategy = "auto-merge-crdt"

	// StrategyLastWriterWins resolves registers by causal order with the
	// deterministic replica-ID tie-break for concurrent writes.
	StrategyLastWriterWins Strategy = "last-writer-wins"

	// StrategyUnionPreserveAll merges set-like fields by union so no element
	// is ever lost. Register fields cannot be unioned and escalate to
	// manual review instead.
	StrategyUnionPreserveAll Strategy = "union-preserve-all"

	// StrategyManualReview refuses automatic resolution; the conflict is
	// queued for a human decision.
	StrategyManualReview Strategy = "mandatory-manual-review"
)

func (s Strategy) valid() bool {
	switch s {
	case StrategyAutoMergeCRDT, StrategyLastWriterWins, StrategyUnionPreserveAll, StrategyManualReview:
		return true
	}
	return false
}

// FieldPolicy configures one field of one entity type.
type FieldPolicy struct {
	Name     string   `yaml:"name"`
	Strategy Strategy `yaml:"strategy"`

	// Critical marks a field whose concurrent modification can never be
	// auto-resolved for patient-safety reasons. Critical fields are forced
	// to mandatory-manual-review or union-preserve-all regardless of the
	// configured strategy.
	Critical bool `yaml:"critical"`
}

// EntityPolicy configures an entity type's default and per-field strategies.
type EntityPolicy struct {
	Type            string        `yaml:"type"`
	DefaultStrategy Strategy      `yaml:"default_strategy"`
	Fields          []FieldPolicy `yaml:"fields"`
}

// Config is the serializable form of a policy table.
type Config struct {
	DefaultStrategy Strategy       `yaml:"default_strategy"`
	Entities        []EntityPolicy `yaml:"entities"`
}

type ruleKey struct {
	entityType string
	field      string
}

// Table is the compiled policy lookup. Lookups are read-only after
// construction, so a Table is safe for concurrent use.
type Table struct {
	strategies   map[ruleKey]Strategy
	critical     map[ruleKey]bool
	typeDefaults map[string]Strategy
	fallback     Strategy
}

// NewTable compiles a Config into a Table, applying the central critical-field
// override: a critical field configured with any strategy other than
// union-preserve-all is forced to mandatory-manual-review.
func NewTable(cfg Config) (*Table, error) {
	fallback := cfg.DefaultStrategy
	if fallback == "" {
		fallback = StrategyAutoMergeCRDT
	}
	if !fallback.valid() {
		return nil, fmt.Errorf("invalid default strategy %q", fallback)
	}

	t := &Table{
		strategies:   make(map[ruleKey]Strategy),
		critical:     make(map[ruleKey]bool),
		typeDefaults: make(map[string]Strategy),
		fallback:     fallback,
	}

	for _, ep := range cfg.Entities {
		if ep.Type == "" {
			return nil, fmt.Errorf("entity policy with empty type")
		}
		if ep.DefaultStrategy != "" {
			if !ep.DefaultStrategy.valid() {
				return nil, fmt.Errorf("entity %q: invalid default strategy %q", ep.Type, ep.DefaultStrategy)
			}
			t.typeDefaults[ep.Type] = ep.DefaultStrategy
		}
		for _, fp := range ep.Fields {
			if fp.Name == "" {
				return nil, fmt.Errorf("entity %q: field policy with empty name", ep.Type)
			}
			strategy := fp.Strategy
			if strategy == "" {
				strategy = t.defaultFor(ep.Type)
			}
			if !strategy.valid() {
				return nil, fmt.Errorf("entity %q field %q: invalid strategy %q", ep.Type, fp.Name, strategy)
			}
			if fp.Critical && strategy != StrategyUnionPreserveAll {
				strategy = StrategyManualReview
			}
			key := ruleKey{entityType: ep.Type, field: fp.Name}
			t.strategies[key] = strategy
			t.critical[key] = fp.Critical
		}
	}

	return t, nil
}

// ParseConfig builds a Table from YAML bytes.
func ParseConfig(data []byte) (*Table, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse policy config: %w", err)
	}
	return NewTable(cfg)
}

// LoadConfig builds a Table from a YAML file.
func LoadConfig(path string) (*Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy config %s: %w", path, err)
	}
	return ParseConfig(data)
}

func (t *Table) defaultFor(entityType string) Strategy {
	if s, ok := t.typeDefaults[entityType]; ok {
		return s
	}
	return t.fallback
}

// StrategyFor returns the effective strategy for a field, with the critical
// override already applied.
func (t *Table) StrategyFor(entityType, field string) Strategy {
	if s, ok := t.strategies[ruleKey{entityType: entityType, field: field}]; ok {
		return s
	}
	return t.defaultFor(entityType)
}

// IsCritical reports whether a field is flagged critical.
func (t *Table) IsCritical(entityType, field string) bool {
	return t.critical[ruleKey{entityType: entityType, field: field}]
}

// AnyCritical reports whether any of the named fields is critical.
func (t *Table) AnyCritical(entityType string, fields []string) bool {
	for _, f := range fields {
		if t.IsCritical(entityType, f) {
			return true
		}
	}
	return false
}

// DefaultTable returns the built-in healthcare policy: critical patient
// fields (blood type, allergies, active medications) can never be
// auto-collapsed, allergy history only ever grows, contact details resolve
// by last writer.
func DefaultTable() *Table {
	t, err := NewTable(Config{
		DefaultStrategy: StrategyAutoMergeCRDT,
		Entities: []EntityPolicy{
			{
				Type: "patient",
				Fields: []FieldPolicy{
					{Name: "blood_type", Strategy: StrategyManualReview, Critical: true},
					{Name: "allergies", Strategy: StrategyUnionPreserveAll, Critical: true},
					{Name: "active_medications", Strategy: StrategyUnionPreserveAll, Critical: true},
					{Name: "phone", Strategy: StrategyLastWriterWins},
					{Name: "address", Strategy: StrategyLastWriterWins},
				},
			},
			{
				Type: "prescription",
				Fields: []FieldPolicy{
					{Name: "dosage", Strategy: StrategyManualReview, Critical: true},
					{Name: "medication", Strategy: StrategyManualReview, Critical: true},
					{Name: "notes", Strategy: StrategyLastWriterWins},
				},
			},
		},
	})
	if err != nil {
		// The built-in table is statically valid.
		panic(err)
	}
	return t
}
