package gate

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/raaihank/promptshield/internal/cache"
	"github.com/raaihank/promptshield/internal/scanner"
	"github.com/raaihank/promptshield/internal/store"
	"go.uber.org/zap"
)

const maxAuditLimit = 500

// AdminStore manages an organization's rules and settings and reads its
// audit log; *store.Store implements it
type AdminStore interface {
	ListRules(ctx context.Context, orgID string) ([]store.RuleRecord, error)
	UpsertRule(ctx context.Context, record *store.RuleRecord) error
	DeleteRule(ctx context.Context, orgID, ruleID string) error
	Settings(ctx context.Context, orgID string) (*store.Settings, error)
	UpsertSettings(ctx context.Context, settings *store.Settings) error
	RecentAudit(ctx context.Context, orgID string, limit int) ([]store.AuditRecord, error)
	Stats(ctx context.Context, orgID string) (*store.AuditStats, error)
}

// CacheStatsReader reports rule set cache statistics; *cache.RuleSetCache implements it
type CacheStatsReader interface {
	GetStats(ctx context.Context) (*cache.CacheStats, error)
}

// ServerOption configures optional server features
type ServerOption func(*Server)

// WithAdminStore enables the rule, settings and audit endpoints
func WithAdminStore(admin AdminStore) ServerOption {
	return func(s *Server) { s.admin = admin }
}

// WithCacheStats adds rule set cache statistics to /info
func WithCacheStats(stats CacheStatsReader) ServerOption {
	return func(s *Server) { s.cacheStats = stats }
}

type ruleRequest struct {
	Name        string `json:"name"`
	Pattern     string `json:"pattern"`
	PatternType string `json:"pattern_type"`
	Category    string `json:"category"`
	Severity    string `json:"severity"`
	IsActive    *bool  `json:"is_active,omitempty"`
	SortOrder   int    `json:"sort_order"`
}

type settingsRequest struct {
	EntropyEnabled   bool    `json:"entropy_enabled"`
	EntropyThreshold float64 `json:"entropy_threshold"`
	EntropyMinLength int     `json:"entropy_min_length"`
}

type categoryResponse struct {
	Categories []Classification `json:"categories"`
}

func (s *Server) setupAdminRoutes(api *mux.Router) {
	api.HandleFunc("/classifications", s.handleListClassifications).Methods(http.MethodGet)

	if s.admin == nil {
		return
	}
	api.HandleFunc("/rules", s.handleListRules).Methods(http.MethodGet)
	api.HandleFunc("/rules/{id}", s.handlePutRule).Methods(http.MethodPut)
	api.HandleFunc("/rules/{id}", s.handleDeleteRule).Methods(http.MethodDelete)
	api.HandleFunc("/settings", s.handleGetSettings).Methods(http.MethodGet)
	api.HandleFunc("/settings", s.handlePutSettings).Methods(http.MethodPut)
	api.HandleFunc("/audit", s.handleAudit).Methods(http.MethodGet)
	api.HandleFunc("/stats", s.handleAuditStats).Methods(http.MethodGet)
}

// handleListClassifications lists every known category with its tier
func (s *Server) handleListClassifications(w http.ResponseWriter, r *http.Request) {
	categories := s.gate.Categories()
	names := make([]string, 0, len(categories))
	for name := range categories {
		names = append(names, name)
	}
	sort.Strings(names)

	resp := categoryResponse{Categories: make([]Classification, 0, len(names))}
	for _, name := range names {
		resp.Categories = append(resp.Categories, s.gate.Classify(name))
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleListRules returns the calling organization's rules, inactive ones included
func (s *Server) handleListRules(w http.ResponseWriter, r *http.Request) {
	id := getIdentity(r.Context())
	records, err := s.admin.ListRules(r.Context(), id.OrganizationID)
	if err != nil {
		s.adminError(w, r, "Failed to list rules", err)
		return
	}
	if records == nil {
		records = []store.RuleRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"rules": records})
}

// handlePutRule creates or replaces one rule and drops the cached rule set
func (s *Server) handlePutRule(w http.ResponseWriter, r *http.Request) {
	var body ruleRequest
	if !s.decodeBody(w, r, &body) {
		return
	}

	id := getIdentity(r.Context())
	record := &store.RuleRecord{
		ID:             mux.Vars(r)["id"],
		OrganizationID: id.OrganizationID,
		Name:           body.Name,
		Pattern:        body.Pattern,
		PatternType:    body.PatternType,
		Category:       body.Category,
		Severity:       body.Severity,
		IsActive:       body.IsActive == nil || *body.IsActive,
		SortOrder:      body.SortOrder,
	}
	if record.Name == "" {
		record.Name = record.ID
	}
	if record.PatternType == "" {
		record.PatternType = scanner.PatternRegex.String()
	}
	if err := validateRuleRecord(record); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	if err := s.admin.UpsertRule(r.Context(), record); err != nil {
		s.adminError(w, r, "Failed to store rule", err)
		return
	}
	s.invalidate(r.Context(), id.OrganizationID)
	writeJSON(w, http.StatusOK, record)
}

// handleDeleteRule removes one rule and drops the cached rule set
func (s *Server) handleDeleteRule(w http.ResponseWriter, r *http.Request) {
	id := getIdentity(r.Context())
	ruleID := mux.Vars(r)["id"]

	err := s.admin.DeleteRule(r.Context(), id.OrganizationID, ruleID)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, r, http.StatusNotFound, "rule not found")
		return
	}
	if err != nil {
		s.adminError(w, r, "Failed to delete rule", err)
		return
	}
	s.invalidate(r.Context(), id.OrganizationID)
	w.WriteHeader(http.StatusNoContent)
}

// handleGetSettings returns stored settings, or the server defaults when none are stored
func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	id := getIdentity(r.Context())
	settings, err := s.admin.Settings(r.Context(), id.OrganizationID)
	if errors.Is(err, store.ErrNotFound) {
		defaults := s.gate.Options().Defaults
		settings = &store.Settings{
			OrganizationID:   id.OrganizationID,
			EntropyEnabled:   defaults.EnableEntropyDetection,
			EntropyThreshold: defaults.EntropyThreshold,
			EntropyMinLength: defaults.EntropyMinLength,
		}
	} else if err != nil {
		s.adminError(w, r, "Failed to load settings", err)
		return
	}
	writeJSON(w, http.StatusOK, settings)
}

// handlePutSettings stores the calling organization's entropy settings
func (s *Server) handlePutSettings(w http.ResponseWriter, r *http.Request) {
	var body settingsRequest
	if !s.decodeBody(w, r, &body) {
		return
	}
	if body.EntropyThreshold < 0 {
		writeError(w, r, http.StatusBadRequest, "entropy_threshold must not be negative")
		return
	}
	if body.EntropyMinLength != 0 && body.EntropyMinLength < scanner.DefaultEntropyMinLength {
		writeError(w, r, http.StatusBadRequest, "entropy_min_length is below "+strconv.Itoa(scanner.DefaultEntropyMinLength))
		return
	}

	id := getIdentity(r.Context())
	settings := &store.Settings{
		OrganizationID:   id.OrganizationID,
		EntropyEnabled:   body.EntropyEnabled,
		EntropyThreshold: body.EntropyThreshold,
		EntropyMinLength: body.EntropyMinLength,
	}
	if err := s.admin.UpsertSettings(r.Context(), settings); err != nil {
		s.adminError(w, r, "Failed to store settings", err)
		return
	}
	s.invalidate(r.Context(), id.OrganizationID)
	writeJSON(w, http.StatusOK, settings)
}

// handleAudit returns the newest audit records; limit defaults to 50
func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, r, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxAuditLimit)
	}

	id := getIdentity(r.Context())
	records, err := s.admin.RecentAudit(r.Context(), id.OrganizationID, limit)
	if err != nil {
		s.adminError(w, r, "Failed to load audit records", err)
		return
	}
	if records == nil {
		records = []store.AuditRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"records": records})
}

// handleAuditStats returns the calling organization's stored decision counts
func (s *Server) handleAuditStats(w http.ResponseWriter, r *http.Request) {
	id := getIdentity(r.Context())
	stats, err := s.admin.Stats(r.Context(), id.OrganizationID)
	if err != nil {
		s.adminError(w, r, "Failed to load audit stats", err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// invalidate drops a cached rule set after a change. A failure only delays
// the change until the snapshot expires.
func (s *Server) invalidate(ctx context.Context, orgID string) {
	if err := s.gate.Invalidate(ctx, orgID); err != nil {
		s.logger.Warn("Failed to invalidate rule set",
			zap.String("organization_id", orgID),
			zap.Error(err))
	}
}

func (s *Server) adminError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	s.logger.WithRequestID(getRequestID(r.Context())).Error(msg, zap.Error(err))
	writeError(w, r, http.StatusInternalServerError, "internal error")
}

func validateRuleRecord(record *store.RuleRecord) error {
	rule, err := record.ToRule()
	if err != nil {
		return err
	}
	return scanner.ValidatePattern(rule.Pattern, rule.PatternType)
}
