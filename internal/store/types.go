package store

import (
	"fmt"
	"time"

	"github.com/raaihank/promptshield/internal/scanner"
)

// Config contains database configuration
type Config struct {
	Driver          string        `yaml:"driver" mapstructure:"driver"`
	DatabaseURL     string        `yaml:"database_url" mapstructure:"database_url"`
	MaxOpenConns    int           `yaml:"max_open_conns" mapstructure:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns" mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time" mapstructure:"conn_max_idle_time"`
}

// RuleRecord is a stored detection rule
type RuleRecord struct {
	ID             string    `db:"id" json:"id"`
	OrganizationID string    `db:"organization_id" json:"organization_id"`
	Name           string    `db:"name" json:"name"`
	Pattern        string    `db:"pattern" json:"pattern"`
	PatternType    string    `db:"pattern_type" json:"pattern_type"`
	Category       string    `db:"category" json:"category"`
	Severity       string    `db:"severity" json:"severity"`
	IsActive       bool      `db:"is_active" json:"is_active"`
	SortOrder      int       `db:"sort_order" json:"sort_order"`
	CreatedAt      time.Time `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time `db:"updated_at" json:"updated_at"`
}

// NewRuleRecord converts a scanner rule into its stored form
func NewRuleRecord(orgID string, rule scanner.Rule, sortOrder int) *RuleRecord {
	return &RuleRecord{
		ID:             rule.ID,
		OrganizationID: orgID,
		Name:           rule.Name,
		Pattern:        rule.Pattern,
		PatternType:    rule.PatternType.String(),
		Category:       rule.Category,
		Severity:       string(rule.Severity),
		IsActive:       rule.IsActive,
		SortOrder:      sortOrder,
	}
}

// ToRule converts the stored row back into a scanner rule
func (r *RuleRecord) ToRule() (scanner.Rule, error) {
	pt, err := scanner.ParsePatternType(r.PatternType)
	if err != nil {
		return scanner.Rule{}, fmt.Errorf("rule %s: %w", r.ID, err)
	}
	sev, err := scanner.ParseSeverity(r.Severity)
	if err != nil {
		return scanner.Rule{}, fmt.Errorf("rule %s: %w", r.ID, err)
	}

	return scanner.Rule{
		ID:          r.ID,
		Name:        r.Name,
		Pattern:     r.Pattern,
		PatternType: pt,
		Category:    r.Category,
		Severity:    sev,
		IsActive:    r.IsActive,
	}, nil
}

// Settings are an organization's scan settings
type Settings struct {
	OrganizationID   string    `db:"organization_id" json:"organization_id"`
	EntropyEnabled   bool      `db:"entropy_enabled" json:"entropy_enabled"`
	EntropyThreshold float64   `db:"entropy_threshold" json:"entropy_threshold"`
	EntropyMinLength int       `db:"entropy_min_length" json:"entropy_min_length"`
	UpdatedAt        time.Time `db:"updated_at" json:"updated_at"`
}

// Options turns stored settings into scan options; maxLength is not stored per organization
func (s *Settings) Options(maxLength int) scanner.ScanOptions {
	return scanner.ScanOptions{
		EnableEntropyDetection: s.EntropyEnabled,
		EntropyThreshold:       s.EntropyThreshold,
		EntropyMinLength:       s.EntropyMinLength,
		EntropyMaxLength:       maxLength,
	}
}

// AuditRecord is one gate decision. Findings holds the matches as JSON:
// redacted and hashed, plus the raw match only when the gate is configured
// to keep it. The content itself is stored as a hash.
type AuditRecord struct {
	ID             string    `db:"id" json:"id"`
	OrganizationID string    `db:"organization_id" json:"organization_id"`
	UserID         string    `db:"user_id" json:"user_id"`
	RequestID      string    `db:"request_id" json:"request_id"`
	Destination    string    `db:"destination" json:"destination"`
	Decision       string    `db:"decision" json:"decision"`
	Passed         bool      `db:"passed" json:"passed"`
	Degraded       bool      `db:"degraded" json:"degraded"`
	ViolationCount int       `db:"violation_count" json:"violation_count"`
	EntropyCount   int       `db:"entropy_count" json:"entropy_count"`
	ContentSHA256  string    `db:"content_sha256" json:"content_sha256"`
	ContentLength  int       `db:"content_length" json:"content_length"`
	Findings       string    `db:"findings" json:"findings"`
	DurationMS     float64   `db:"duration_ms" json:"duration_ms"`
	CreatedAt      time.Time `db:"created_at" json:"created_at"`
}

// AuditFinding is one entry of AuditRecord.Findings
type AuditFinding struct {
	Kind     string  `json:"kind"` // rule or entropy
	RuleID   string  `json:"rule_id,omitempty"`
	Category string  `json:"category,omitempty"`
	Severity string  `json:"severity"`
	Redacted string  `json:"redacted"`
	SHA256   string  `json:"sha256"`
	Match    string  `json:"match,omitempty"`
	Entropy  float64 `json:"entropy,omitempty"`
}

// AuditStats summarises an organization's decisions
type AuditStats struct {
	Total    int64 `db:"total" json:"total"`
	Blocked  int64 `db:"blocked" json:"blocked"`
	Warned   int64 `db:"warned" json:"warned"`
	Allowed  int64 `db:"allowed" json:"allowed"`
	Degraded int64 `db:"degraded" json:"degraded"`
}
