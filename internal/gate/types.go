package gate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/raaihank/promptshield/internal/cache"
	"github.com/raaihank/promptshield/internal/classification"
	"github.com/raaihank/promptshield/internal/config"
	"github.com/raaihank/promptshield/internal/scanner"
	"github.com/raaihank/promptshield/internal/store"
	"github.com/raaihank/promptshield/internal/websocket"
)

var (
	// ErrContentTooLarge is returned when content exceeds MaxContentBytes
	ErrContentTooLarge = errors.New("content exceeds maximum size")
	// ErrMissingIdentity is returned when a request carries no organization
	ErrMissingIdentity = errors.New("organization id is required")
)

// FailurePolicy decides what happens when a scan cannot complete
type FailurePolicy string

const (
	// FailClosed blocks content that could not be scanned
	FailClosed FailurePolicy = "closed"
	// FailOpen lets content that could not be scanned through
	FailOpen FailurePolicy = "open"
)

// ParseFailurePolicy parses "closed" or "open"
func ParseFailurePolicy(s string) (FailurePolicy, error) {
	switch FailurePolicy(s) {
	case FailClosed, FailOpen:
		return FailurePolicy(s), nil
	default:
		return "", fmt.Errorf("unknown failure policy: %q", s)
	}
}

// Options tune the gate. They can be replaced at runtime with UpdateOptions.
type Options struct {
	ScanTimeout     time.Duration
	FailurePolicy   FailurePolicy
	MaxContentBytes int64
	AuditEnabled    bool
	AuditRawMatches bool
	AuditTimeout    time.Duration

	// Defaults apply to organizations without a settings row
	Defaults scanner.ScanOptions
}

// OptionsFromConfig builds gate options and the classification table from configuration
func OptionsFromConfig(cfg *config.Config) (Options, *classification.Table, error) {
	policy, err := ParseFailurePolicy(cfg.Gate.FailurePolicy)
	if err != nil {
		return Options{}, nil, err
	}
	table, err := cfg.ClassificationTable()
	if err != nil {
		return Options{}, nil, err
	}

	return Options{
		ScanTimeout:     cfg.Gate.ScanTimeout,
		FailurePolicy:   policy,
		MaxContentBytes: cfg.Gate.MaxContentBytes,
		AuditEnabled:    cfg.Gate.AuditEnabled,
		AuditRawMatches: cfg.Gate.AuditRawMatches,
		Defaults:        cfg.ScanDefaults(),
	}, table, nil
}

// Request is one piece of outbound content to evaluate
type Request struct {
	OrganizationID string `json:"organization_id"`
	UserID         string `json:"user_id,omitempty"`
	Content        string `json:"content"`
	Destination    string `json:"destination,omitempty"`
	RequestID      string `json:"request_id,omitempty"`
}

// Decision is the gate's verdict on a request. The embedded result only
// ever exposes redacted match text.
type Decision struct {
	scanner.ScanResult

	Action     classification.Action `json:"action"`
	Degraded   bool                  `json:"degraded,omitempty"`
	Reason     string                `json:"reason,omitempty"`
	RequestID  string                `json:"request_id"`
	AuditID    string                `json:"audit_id,omitempty"`
	DurationMS float64               `json:"duration_ms"`
}

// Classification describes a category's tier for rule authoring
type Classification struct {
	Category          string                `json:"category"`
	Level             classification.Level  `json:"level"`
	DefaultAction     classification.Action `json:"default_action"`
	SuggestedSeverity classification.Action `json:"suggested_severity"`
}

// Stats counts decisions since start
type Stats struct {
	TotalScans int64 `json:"total_scans"`
	Allowed    int64 `json:"allowed"`
	Warned     int64 `json:"warned"`
	Blocked    int64 `json:"blocked"`
	Degraded   int64 `json:"degraded"`
	Rejected   int64 `json:"rejected"`
}

// Store is the persistence the gate needs; *store.Store implements it
type Store interface {
	ActiveRules(ctx context.Context, orgID string) ([]scanner.Rule, error)
	Settings(ctx context.Context, orgID string) (*store.Settings, error)
	InsertAudit(ctx context.Context, record *store.AuditRecord) error
	Ping(ctx context.Context) error
}

// SnapshotCache holds rule set snapshots; *cache.RuleSetCache implements it
type SnapshotCache interface {
	Get(ctx context.Context, orgID string) (*cache.Snapshot, bool)
	Set(ctx context.Context, snapshot *cache.Snapshot) error
	Invalidate(ctx context.Context, orgIDs ...string) error
}

// Publisher receives decisions for the live feed; *websocket.Hub implements it
type Publisher interface {
	PublishDecision(decision websocket.ScanDecisionEvent)
	PublishInvalidation(orgIDs []string)
}
