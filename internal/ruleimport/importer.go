package ruleimport

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/raaihank/promptshield/internal/scanner"
	"github.com/raaihank/promptshield/internal/store"
	"go.uber.org/zap"
)

// RuleWriter persists imported rules; *store.Store implements it
type RuleWriter interface {
	UpsertRules(ctx context.Context, records []*store.RuleRecord) (*store.BatchResult, error)
}

// Invalidator drops cached rule sets after an import; *cache.RuleSetCache implements it
type Invalidator interface {
	Invalidate(ctx context.Context, orgIDs ...string) error
}

// Importer loads rule files into an organization's rule set
type Importer struct {
	writer      RuleWriter
	invalidator Invalidator
	config      *Config
	logger      *zap.Logger
}

// NewImporter creates an importer. invalidator may be nil.
func NewImporter(writer RuleWriter, invalidator Invalidator, config *Config, logger *zap.Logger) *Importer {
	if config == nil {
		config = DefaultConfig()
	}
	if config.BatchSize <= 0 {
		config.BatchSize = DefaultConfig().BatchSize
	}
	return &Importer{
		writer:      writer,
		invalidator: invalidator,
		config:      config,
		logger:      logger,
	}
}

// ImportFile validates every row of a rule file and upserts the valid ones
// in batches. Invalid rows are reported in the result, not returned as errors.
func (i *Importer) ImportFile(ctx context.Context, orgID, path string) (*ImportResult, error) {
	if orgID == "" {
		return nil, fmt.Errorf("organization id is required")
	}

	format, err := DetectFileFormat(path)
	if err != nil {
		return nil, err
	}

	i.logger.Info("Starting rule import",
		zap.String("file", path),
		zap.String("format", string(format)),
		zap.String("organization_id", orgID),
		zap.Int("batch_size", i.config.BatchSize),
		zap.Bool("dry_run", i.config.DryRun))

	start := time.Now()
	result := &ImportResult{}
	v := newValidator(i.config.DefaultCategory)
	batch := make([]*store.RuleRecord, 0, i.config.BatchSize)

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		if i.config.DryRun {
			result.Imported += int64(len(batch))
		} else {
			res, err := i.writer.UpsertRules(ctx, batch)
			if err != nil {
				return fmt.Errorf("batch upsert failed: %w", err)
			}
			result.Imported += res.Upserted
			result.Skipped += res.Skipped
		}
		batch = batch[:0]
		return nil
	}

	err = readFile(path, format, func(row RuleRow, rowErr error) error {
		result.TotalRecords++

		rule, verr := v.validate(result.TotalRecords, row, rowErr)
		if verr != nil {
			result.Invalid++
			result.Errors = append(result.Errors, *verr)
			i.logger.Debug("Invalid rule row", zap.Error(verr))
			return nil
		}

		batch = append(batch, store.NewRuleRecord(orgID, rule, int(result.TotalRecords)))
		if len(batch) >= i.config.BatchSize {
			return flush()
		}
		return nil
	})
	if err == nil {
		err = flush()
	}
	result.Duration = time.Since(start)
	if err != nil {
		return result, fmt.Errorf("rule import failed: %w", err)
	}

	if result.Imported > 0 && !i.config.DryRun && i.invalidator != nil {
		if err := i.invalidator.Invalidate(ctx, orgID); err != nil {
			i.logger.Warn("Failed to invalidate cached rule set", zap.Error(err))
		}
	}

	i.logger.Info("Rule import completed",
		zap.Int64("total_records", result.TotalRecords),
		zap.Int64("imported", result.Imported),
		zap.Int64("invalid", result.Invalid),
		zap.Int64("skipped", result.Skipped),
		zap.Duration("duration", result.Duration))

	return result, nil
}

// LoadRulesFile reads a rule file into memory without touching a store
func LoadRulesFile(path string) ([]scanner.Rule, []ValidationError, error) {
	format, err := DetectFileFormat(path)
	if err != nil {
		return nil, nil, err
	}

	var (
		rules   []scanner.Rule
		invalid []ValidationError
		row     int64
	)
	v := newValidator(DefaultConfig().DefaultCategory)

	err = readFile(path, format, func(r RuleRow, rowErr error) error {
		row++
		rule, verr := v.validate(row, r, rowErr)
		if verr != nil {
			invalid = append(invalid, *verr)
			return nil
		}
		rules = append(rules, rule)
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	return rules, invalid, nil
}

// validator converts rows into rules and rejects duplicate ids within a file
type validator struct {
	defaultCategory string
	seen            map[string]int64
}

func newValidator(defaultCategory string) *validator {
	if defaultCategory == "" {
		defaultCategory = "custom"
	}
	return &validator{defaultCategory: defaultCategory, seen: make(map[string]int64)}
}

func (v *validator) validate(rowNum int64, row RuleRow, rowErr error) (scanner.Rule, *ValidationError) {
	fail := func(field, msg string) (scanner.Rule, *ValidationError) {
		return scanner.Rule{}, &ValidationError{Row: rowNum, RuleID: row.ID, Field: field, Message: msg}
	}

	if rowErr != nil {
		field, msg, ok := strings.Cut(rowErr.Error(), ": ")
		if !ok {
			field, msg = "row", rowErr.Error()
		}
		return fail(field, msg)
	}

	id := strings.TrimSpace(row.ID)
	if id == "" {
		return fail("id", "is required")
	}
	if first, dup := v.seen[id]; dup {
		return fail("id", fmt.Sprintf("duplicates row %d", first))
	}

	patternType, err := scanner.ParsePatternType(row.PatternType)
	if err != nil {
		return fail("pattern_type", err.Error())
	}
	severity, err := scanner.ParseSeverity(row.Severity)
	if err != nil {
		return fail("severity", err.Error())
	}
	if err := scanner.ValidatePattern(row.Pattern, patternType); err != nil {
		msg := err.Error()
		if errors.Is(err, scanner.ErrEmptyPattern) {
			msg = "is required"
		}
		return fail("pattern", msg)
	}

	v.seen[id] = rowNum

	name := strings.TrimSpace(row.Name)
	if name == "" {
		name = id
	}
	category := strings.ToLower(strings.TrimSpace(row.Category))
	if category == "" {
		category = v.defaultCategory
	}
	active := true
	if row.IsActive != nil {
		active = *row.IsActive
	}

	return scanner.Rule{
		ID:          id,
		Name:        name,
		Pattern:     row.Pattern,
		PatternType: patternType,
		Category:    category,
		Severity:    severity,
		IsActive:    active,
	}, nil
}
