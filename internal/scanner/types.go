package scanner

import (
	"fmt"
	"strings"
)

// PatternType selects how a rule's pattern is interpreted
type PatternType int

const (
	PatternExact PatternType = iota
	PatternGlob
	PatternRegex
)

// String returns the wire name of the pattern type
func (p PatternType) String() string {
	switch p {
	case PatternExact:
		return "exact"
	case PatternGlob:
		return "glob"
	case PatternRegex:
		return "regex"
	default:
		return fmt.Sprintf("PatternType(%d)", int(p))
	}
}

// ParsePatternType parses "exact", "glob" or "regex" (case-insensitive)
func ParsePatternType(s string) (PatternType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "exact":
		return PatternExact, nil
	case "glob":
		return PatternGlob, nil
	case "regex":
		return PatternRegex, nil
	default:
		return 0, fmt.Errorf("unknown pattern type: %q", s)
	}
}

func (p PatternType) MarshalText() ([]byte, error) {
	switch p {
	case PatternExact, PatternGlob, PatternRegex:
		return []byte(p.String()), nil
	default:
		return nil, fmt.Errorf("invalid pattern type: %d", int(p))
	}
}

func (p *PatternType) UnmarshalText(text []byte) error {
	parsed, err := ParsePatternType(string(text))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// Severity is the action a matching rule asks for
type Severity string

const (
	SeverityBlock Severity = "block"
	SeverityWarn  Severity = "warn"
)

// ParseSeverity parses "block" or "warn" (case-insensitive)
func ParseSeverity(s string) (Severity, error) {
	switch Severity(strings.ToLower(strings.TrimSpace(s))) {
	case SeverityBlock:
		return SeverityBlock, nil
	case SeverityWarn:
		return SeverityWarn, nil
	default:
		return "", fmt.Errorf("unknown severity: %q", s)
	}
}

// rank orders severities for presentation; block sorts first.
func (s Severity) rank() int {
	if s == SeverityBlock {
		return 0
	}
	return 1
}

// Rule is a single detection definition owned by an organization
type Rule struct {
	ID          string      `json:"id" yaml:"id"`
	Name        string      `json:"name,omitempty" yaml:"name,omitempty"`
	Pattern     string      `json:"pattern" yaml:"pattern"`
	PatternType PatternType `json:"pattern_type" yaml:"pattern_type"`
	Category    string      `json:"category" yaml:"category"`
	Severity    Severity    `json:"severity" yaml:"severity"`
	IsActive    bool        `json:"is_active" yaml:"is_active"`
}

// ScanOptions carries the per-scan entropy settings
type ScanOptions struct {
	EnableEntropyDetection bool    `json:"enable_entropy_detection" mapstructure:"enable_entropy_detection"`
	EntropyThreshold       float64 `json:"entropy_threshold" mapstructure:"entropy_threshold"`
	EntropyMinLength       int     `json:"entropy_min_length" mapstructure:"entropy_min_length"`
	EntropyMaxLength       int     `json:"entropy_max_length" mapstructure:"entropy_max_length"`
}

const (
	DefaultEntropyThreshold = 4.0
	DefaultEntropyMinLength = 16
	DefaultEntropyMaxLength = 128

	// EntropyBlockThreshold is the bits/char at or above which an entropy hit blocks.
	// It is unrelated to ScanOptions.EntropyThreshold, which only gates inclusion.
	EntropyBlockThreshold = 4.5
)

// DefaultScanOptions returns options with entropy detection disabled
func DefaultScanOptions() ScanOptions {
	return ScanOptions{
		EnableEntropyDetection: false,
		EntropyThreshold:       DefaultEntropyThreshold,
		EntropyMinLength:       DefaultEntropyMinLength,
		EntropyMaxLength:       DefaultEntropyMaxLength,
	}
}

// Violation is a pattern rule that matched the scanned content
type Violation struct {
	RuleID              string   `json:"rule_id"`
	RuleName            string   `json:"rule_name,omitempty"`
	Category            string   `json:"category"`
	Severity            Severity `json:"severity"`
	MatchedTextRedacted string   `json:"matched_text_redacted"`

	// Match is the unredacted first match. It is never serialized; the
	// audit trail keeps only its hash.
	Match string `json:"-"`
}

// EntropyViolation is a high-entropy span that looks like a secret
type EntropyViolation struct {
	TextRedacted string   `json:"text_redacted"`
	Entropy      float64  `json:"entropy_bits_per_char"`
	Severity     Severity `json:"severity"`

	Match string `json:"-"`
}

// ScanResult is the outcome of a single scan
type ScanResult struct {
	Passed            bool               `json:"passed"`
	Violations        []Violation        `json:"violations"`
	EntropyViolations []EntropyViolation `json:"entropy_violations,omitempty"`
}

// HasFindings reports whether anything matched, regardless of severity
func (r ScanResult) HasFindings() bool {
	return len(r.Violations) > 0 || len(r.EntropyViolations) > 0
}

// PatternTestResult previews a single pattern against sample text
type PatternTestResult struct {
	Matched     bool   `json:"matched"`
	MatchedText string `json:"matched_text,omitempty"`
}
