package ruleimport

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

// RuleRow is a single rule as it appears in an import file
type RuleRow struct {
	ID          string `csv:"id" parquet:"id" json:"id" yaml:"id"`
	Name        string `csv:"name" parquet:"name,optional" json:"name" yaml:"name"`
	Pattern     string `csv:"pattern" parquet:"pattern" json:"pattern" yaml:"pattern"`
	PatternType string `csv:"pattern_type" parquet:"pattern_type" json:"pattern_type" yaml:"pattern_type"`
	Category    string `csv:"category" parquet:"category,optional" json:"category" yaml:"category"`
	Severity    string `csv:"severity" parquet:"severity" json:"severity" yaml:"severity"`
	IsActive    *bool  `csv:"is_active" parquet:"is_active" json:"is_active" yaml:"is_active"`
}

// ImportResult represents the result of importing a rule file
type ImportResult struct {
	TotalRecords int64             `json:"total_records"`
	Imported     int64             `json:"imported"`
	Invalid      int64             `json:"invalid"`
	Skipped      int64             `json:"skipped"` // ids owned by another organization
	Duration     time.Duration     `json:"duration"`
	Errors       []ValidationError `json:"errors,omitempty"`
}

// Config contains import configuration
type Config struct {
	BatchSize       int    `yaml:"batch_size" mapstructure:"batch_size"`
	DefaultCategory string `yaml:"default_category" mapstructure:"default_category"`
	DryRun          bool   `yaml:"dry_run" mapstructure:"dry_run"`
}

// DefaultConfig returns the import settings used by the CLI
func DefaultConfig() *Config {
	return &Config{
		BatchSize:       500,
		DefaultCategory: "custom",
	}
}

// ValidationError represents a rule that could not be imported
type ValidationError struct {
	Row     int64  `json:"row"`
	RuleID  string `json:"rule_id,omitempty"`
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("row %d (%s): %s: %s", e.Row, e.RuleID, e.Field, e.Message)
}

// FileFormat represents supported file formats
type FileFormat string

const (
	FormatCSV     FileFormat = "csv"
	FormatParquet FileFormat = "parquet"
	FormatJSON    FileFormat = "json"
	FormatYAML    FileFormat = "yaml"
)

// DetectFileFormat detects file format from extension
func DetectFileFormat(filename string) (FileFormat, error) {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".csv":
		return FormatCSV, nil
	case ".parquet":
		return FormatParquet, nil
	case ".json", ".ndjson", ".jsonl":
		return FormatJSON, nil
	case ".yaml", ".yml":
		return FormatYAML, nil
	default:
		return "", fmt.Errorf("unsupported rule file extension: %q", filepath.Ext(filename))
	}
}
