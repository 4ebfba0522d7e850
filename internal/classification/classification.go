// Package classification maps rule categories to data sensitivity tiers.
//
// The table is an authoring aid: it suggests a severity when an admin defines
// a rule by category. Scans never consult it; a rule's own severity decides.
package classification

import (
	"fmt"
	"strings"
)

// Level is a sensitivity tier, ordered Public < Internal < Confidential < Restricted
type Level int

const (
	Public Level = iota
	Internal
	Confidential
	Restricted
)

var levelNames = [...]string{"public", "internal", "confidential", "restricted"}

func (l Level) String() string {
	if l < Public || l > Restricted {
		return fmt.Sprintf("Level(%d)", int(l))
	}
	return levelNames[l]
}

// ParseLevel parses a tier name (case-insensitive)
func ParseLevel(s string) (Level, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	for i, n := range levelNames {
		if n == name {
			return Level(i), nil
		}
	}
	return 0, fmt.Errorf("unknown classification level: %q", s)
}

func (l Level) MarshalText() ([]byte, error) {
	if l < Public || l > Restricted {
		return nil, fmt.Errorf("invalid classification level: %d", int(l))
	}
	return []byte(l.String()), nil
}

func (l *Level) UnmarshalText(text []byte) error {
	parsed, err := ParseLevel(string(text))
	if err != nil {
		return err
	}
	*l = parsed
	return nil
}

// Compare returns -1, 0 or +1 as a is less, equal or more sensitive than b
func Compare(a, b Level) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// Action is what the gate does with content of a given tier
type Action string

const (
	ActionAllow Action = "allow"
	ActionWarn  Action = "warn"
	ActionBlock Action = "block"
)

// DefaultLevel is returned for categories the table does not know
const DefaultLevel = Internal

// Table is a read-only category lookup; build one per configuration.
type Table struct {
	categories map[string]Level
	actions    [Restricted + 1]Action
}

// DefaultCategories returns the built-in category tiers
func DefaultCategories() map[string]Level {
	return map[string]Level{
		"api_keys":     Restricted,
		"credentials":  Restricted,
		"secrets":      Restricted,
		"private_keys": Restricted,
		"pii":          Confidential,
		"financial":    Confidential,
		"health":       Confidential,
		"internal":     Internal,
		"custom":       Internal,
		"public":       Public,
	}
}

// DefaultTable returns the table built from DefaultCategories
func DefaultTable() *Table {
	return NewTable(nil)
}

// NewTable builds a table from the defaults plus overrides. Category keys are
// matched case-insensitively.
func NewTable(overrides map[string]Level) *Table {
	t := &Table{
		categories: make(map[string]Level),
		actions: [...]Action{
			Public:       ActionAllow,
			Internal:     ActionWarn,
			Confidential: ActionBlock,
			Restricted:   ActionBlock,
		},
	}
	for category, level := range DefaultCategories() {
		t.categories[category] = level
	}
	for category, level := range overrides {
		t.categories[normalize(category)] = level
	}
	return t
}

// ClassificationFor returns the tier of a category, Internal when unknown
func (t *Table) ClassificationFor(category string) Level {
	if level, ok := t.categories[normalize(category)]; ok {
		return level
	}
	return DefaultLevel
}

// DefaultActionFor returns the action associated with a tier
func (t *Table) DefaultActionFor(level Level) Action {
	if level < Public || level > Restricted {
		return t.actions[DefaultLevel]
	}
	return t.actions[level]
}

// SuggestSeverity proposes "block" or "warn" for a new rule in category.
// Rules cannot carry "allow", so allow-tier categories suggest "warn".
func (t *Table) SuggestSeverity(category string) Action {
	if t.DefaultActionFor(t.ClassificationFor(category)) == ActionBlock {
		return ActionBlock
	}
	return ActionWarn
}

// Categories returns a copy of the known category tiers
func (t *Table) Categories() map[string]Level {
	out := make(map[string]Level, len(t.categories))
	for k, v := range t.categories {
		out[k] = v
	}
	return out
}

func normalize(category string) string {
	return strings.ToLower(strings.TrimSpace(category))
}
