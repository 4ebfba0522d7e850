package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/raaihank/promptshield/internal/scanner"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a rule or settings row does not exist
var ErrNotFound = errors.New("not found")

// Store persists detection rules, organization settings and the scan audit log
type Store struct {
	db     *sqlx.DB
	logger *zap.Logger
}

// NewStore opens the database and configures the connection pool
func NewStore(config *Config, logger *zap.Logger) (*Store, error) {
	driver := config.Driver
	if driver == "" {
		driver = "postgres"
	}

	db, err := sqlx.Open(driver, config.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	if config.MaxOpenConns > 0 {
		db.SetMaxOpenConns(config.MaxOpenConns)
	}
	if config.MaxIdleConns > 0 {
		db.SetMaxIdleConns(config.MaxIdleConns)
	}
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	store := &Store{
		db:     db,
		logger: logger,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := store.Ping(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	logger.Info("Rule store initialized",
		zap.String("driver", driver),
		zap.String("database_url", maskDatabaseURL(config.DatabaseURL)),
		zap.Int("max_open_conns", config.MaxOpenConns),
		zap.Int("max_idle_conns", config.MaxIdleConns))

	return store, nil
}

// Ping checks the database connection
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}
	return nil
}

// ActiveRules returns an organization's active rules in evaluation order.
// Rows that no longer parse are skipped and logged.
func (s *Store) ActiveRules(ctx context.Context, orgID string) ([]scanner.Rule, error) {
	query := s.db.Rebind(`
		SELECT id, organization_id, name, pattern, pattern_type, category, severity,
			is_active, sort_order, created_at, updated_at
		FROM dlp_rules
		WHERE organization_id = ? AND is_active = ?
		ORDER BY sort_order, id`)

	var records []RuleRecord
	if err := s.db.SelectContext(ctx, &records, query, orgID, true); err != nil {
		return nil, fmt.Errorf("failed to load rules: %w", err)
	}

	rules := make([]scanner.Rule, 0, len(records))
	for i := range records {
		rule, err := records[i].ToRule()
		if err != nil {
			s.logger.Warn("Skipping unreadable rule",
				zap.String("organization_id", orgID),
				zap.Error(err))
			continue
		}
		rules = append(rules, rule)
	}

	return rules, nil
}

// ListRules returns every rule of an organization, active or not
func (s *Store) ListRules(ctx context.Context, orgID string) ([]RuleRecord, error) {
	query := s.db.Rebind(`
		SELECT id, organization_id, name, pattern, pattern_type, category, severity,
			is_active, sort_order, created_at, updated_at
		FROM dlp_rules
		WHERE organization_id = ?
		ORDER BY sort_order, id`)

	var records []RuleRecord
	if err := s.db.SelectContext(ctx, &records, query, orgID); err != nil {
		return nil, fmt.Errorf("failed to list rules: %w", err)
	}
	return records, nil
}

const upsertRuleQuery = `
	INSERT INTO dlp_rules (id, organization_id, name, pattern, pattern_type, category, severity,
		is_active, sort_order, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT (id) DO UPDATE SET
		name = excluded.name,
		pattern = excluded.pattern,
		pattern_type = excluded.pattern_type,
		category = excluded.category,
		severity = excluded.severity,
		is_active = excluded.is_active,
		sort_order = excluded.sort_order,
		updated_at = excluded.updated_at
	WHERE dlp_rules.organization_id = excluded.organization_id`

// UpsertRule inserts or replaces a rule. A rule id owned by another
// organization is left untouched.
func (s *Store) UpsertRule(ctx context.Context, record *RuleRecord) error {
	if err := validateRecord(record); err != nil {
		return err
	}

	now := time.Now().UTC()
	record.CreatedAt, record.UpdatedAt = now, now

	if _, err := s.db.ExecContext(ctx, s.db.Rebind(upsertRuleQuery), ruleArgs(record)...); err != nil {
		s.logger.Error("Failed to upsert rule",
			zap.Error(err),
			zap.String("rule_id", record.ID))
		return fmt.Errorf("failed to upsert rule: %w", err)
	}

	s.logger.Debug("Rule upserted",
		zap.String("organization_id", record.OrganizationID),
		zap.String("rule_id", record.ID))
	return nil
}

// UpsertRules writes a batch of rules in one transaction
func (s *Store) UpsertRules(ctx context.Context, records []*RuleRecord) (*BatchResult, error) {
	result := &BatchResult{}
	if len(records) == 0 {
		return result, nil
	}

	start := time.Now()
	for _, record := range records {
		if err := validateRecord(record); err != nil {
			return nil, err
		}
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PreparexContext(ctx, tx.Rebind(upsertRuleQuery))
	if err != nil {
		return nil, fmt.Errorf("failed to prepare upsert: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UTC()
	for _, record := range records {
		record.CreatedAt, record.UpdatedAt = now, now

		res, err := stmt.ExecContext(ctx, ruleArgs(record)...)
		if err != nil {
			return nil, fmt.Errorf("failed to upsert rule %s: %w", record.ID, err)
		}
		if n, err := res.RowsAffected(); err == nil && n == 0 {
			result.Skipped++
			continue
		}
		result.Upserted++
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit rules: %w", err)
	}

	result.Duration = time.Since(start)
	s.logger.Info("Batch upsert completed",
		zap.Int64("upserted", result.Upserted),
		zap.Int64("skipped", result.Skipped),
		zap.Duration("duration", result.Duration))

	return result, nil
}

// DeleteRule removes a rule from an organization
func (s *Store) DeleteRule(ctx context.Context, orgID, ruleID string) error {
	res, err := s.db.ExecContext(ctx,
		s.db.Rebind(`DELETE FROM dlp_rules WHERE organization_id = ? AND id = ?`),
		orgID, ruleID)
	if err != nil {
		return fmt.Errorf("failed to delete rule: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to delete rule: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// Settings returns an organization's scan settings or ErrNotFound
func (s *Store) Settings(ctx context.Context, orgID string) (*Settings, error) {
	query := s.db.Rebind(`
		SELECT organization_id, entropy_enabled, entropy_threshold, entropy_min_length, updated_at
		FROM organization_settings
		WHERE organization_id = ?`)

	var settings Settings
	if err := s.db.GetContext(ctx, &settings, query, orgID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to load settings: %w", err)
	}
	return &settings, nil
}

// UpsertSettings stores an organization's scan settings
func (s *Store) UpsertSettings(ctx context.Context, settings *Settings) error {
	if settings.OrganizationID == "" {
		return fmt.Errorf("organization id is required")
	}
	if settings.EntropyMinLength > 0 && settings.EntropyMinLength < scanner.DefaultEntropyMinLength {
		return fmt.Errorf("entropy min length %d is below %d", settings.EntropyMinLength, scanner.DefaultEntropyMinLength)
	}

	settings.UpdatedAt = time.Now().UTC()
	query := s.db.Rebind(`
		INSERT INTO organization_settings (organization_id, entropy_enabled, entropy_threshold, entropy_min_length, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (organization_id) DO UPDATE SET
			entropy_enabled = excluded.entropy_enabled,
			entropy_threshold = excluded.entropy_threshold,
			entropy_min_length = excluded.entropy_min_length,
			updated_at = excluded.updated_at`)

	if _, err := s.db.ExecContext(ctx, query,
		settings.OrganizationID,
		settings.EntropyEnabled,
		settings.EntropyThreshold,
		settings.EntropyMinLength,
		settings.UpdatedAt,
	); err != nil {
		return fmt.Errorf("failed to upsert settings: %w", err)
	}
	return nil
}

// InsertAudit appends a gate decision to the audit log
func (s *Store) InsertAudit(ctx context.Context, record *AuditRecord) error {
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO scan_audit_log (id, organization_id, user_id, request_id, destination, decision,
			passed, degraded, violation_count, entropy_count, content_sha256, content_length,
			findings, duration_ms, created_at)
		VALUES (:id, :organization_id, :user_id, :request_id, :destination, :decision,
			:passed, :degraded, :violation_count, :entropy_count, :content_sha256, :content_length,
			:findings, :duration_ms, :created_at)`

	if _, err := s.db.NamedExecContext(ctx, query, record); err != nil {
		s.logger.Error("Failed to insert audit record",
			zap.Error(err),
			zap.String("audit_id", record.ID))
		return fmt.Errorf("failed to insert audit record: %w", err)
	}
	return nil
}

// RecentAudit returns the newest audit records of an organization
func (s *Store) RecentAudit(ctx context.Context, orgID string, limit int) ([]AuditRecord, error) {
	if limit <= 0 {
		limit = 50
	}

	query := s.db.Rebind(`
		SELECT id, organization_id, user_id, request_id, destination, decision, passed, degraded,
			violation_count, entropy_count, content_sha256, content_length, findings, duration_ms, created_at
		FROM scan_audit_log
		WHERE organization_id = ?
		ORDER BY created_at DESC, id
		LIMIT ?`)

	var records []AuditRecord
	if err := s.db.SelectContext(ctx, &records, query, orgID, limit); err != nil {
		return nil, fmt.Errorf("failed to load audit records: %w", err)
	}
	return records, nil
}

// Stats returns decision counts for an organization
func (s *Store) Stats(ctx context.Context, orgID string) (*AuditStats, error) {
	query := s.db.Rebind(`
		SELECT
			COUNT(*) AS total,
			COUNT(CASE WHEN decision = 'block' THEN 1 END) AS blocked,
			COUNT(CASE WHEN decision = 'warn' THEN 1 END) AS warned,
			COUNT(CASE WHEN decision = 'allow' THEN 1 END) AS allowed,
			COUNT(CASE WHEN degraded THEN 1 END) AS degraded
		FROM scan_audit_log
		WHERE organization_id = ?`)

	var stats AuditStats
	if err := s.db.GetContext(ctx, &stats, query, orgID); err != nil {
		return nil, fmt.Errorf("failed to get audit stats: %w", err)
	}
	return &stats, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// BatchResult reports a batch upsert
type BatchResult struct {
	Upserted int64         `json:"upserted"`
	Skipped  int64         `json:"skipped"` // ids owned by another organization
	Duration time.Duration `json:"duration_ns"`
}

func validateRecord(record *RuleRecord) error {
	if record.ID == "" || record.OrganizationID == "" {
		return fmt.Errorf("rule id and organization id are required")
	}
	if _, err := record.ToRule(); err != nil {
		return err
	}
	pt, _ := scanner.ParsePatternType(record.PatternType)
	if err := scanner.ValidatePattern(record.Pattern, pt); err != nil {
		return fmt.Errorf("rule %s: %w", record.ID, err)
	}
	return nil
}

func ruleArgs(r *RuleRecord) []interface{} {
	return []interface{}{
		r.ID,
		r.OrganizationID,
		r.Name,
		r.Pattern,
		r.PatternType,
		r.Category,
		r.Severity,
		r.IsActive,
		r.SortOrder,
		r.CreatedAt,
		r.UpdatedAt,
	}
}

// maskDatabaseURL masks the password of a database URL for logging
func maskDatabaseURL(url string) string {
	at := strings.LastIndex(url, "@")
	if at < 0 {
		return url
	}

	userPart := url[:at]
	scheme := strings.Index(userPart, "://")
	colon := strings.LastIndex(userPart, ":")
	if colon <= scheme+2 {
		return url
	}
	return userPart[:colon+1] + "***" + url[at:]
}
