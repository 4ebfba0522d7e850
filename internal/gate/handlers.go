package gate

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/raaihank/promptshield/internal/classification"
	"github.com/raaihank/promptshield/internal/scanner"
	"go.uber.org/zap"
)

// JSON escaping can grow content up to six bytes per input byte
const jsonOverhead = 6

type scanRequest struct {
	Content     string `json:"content"`
	Destination string `json:"destination,omitempty"`
}

type patternTestRequest struct {
	Sample      string `json:"sample"`
	Pattern     string `json:"pattern"`
	PatternType string `json:"pattern_type"`
}

type patternTestResponse struct {
	scanner.PatternTestResult
	Error string `json:"error,omitempty"`
}

type errorResponse struct {
	Error     string `json:"error"`
	RequestID string `json:"request_id,omitempty"`
}

// handleScan evaluates content for the calling organization
func (s *Server) handleScan(w http.ResponseWriter, r *http.Request) {
	var body scanRequest
	if !s.decodeBody(w, r, &body) {
		return
	}

	id := getIdentity(r.Context())
	decision, err := s.gate.Evaluate(r.Context(), Request{
		OrganizationID: id.OrganizationID,
		UserID:         id.UserID,
		Content:        body.Content,
		Destination:    body.Destination,
		RequestID:      getRequestID(r.Context()),
	})
	switch {
	case errors.Is(err, ErrContentTooLarge):
		writeError(w, r, http.StatusRequestEntityTooLarge, err.Error())
		return
	case errors.Is(err, ErrMissingIdentity):
		writeError(w, r, http.StatusUnauthorized, err.Error())
		return
	case err != nil:
		s.logger.Error("Scan request failed", zap.Error(err))
		writeError(w, r, http.StatusInternalServerError, "internal error")
		return
	}

	status := http.StatusOK
	if decision.Degraded && decision.Action == classification.ActionBlock {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, decision)
}

// handleTestPattern previews a pattern against sample text
func (s *Server) handleTestPattern(w http.ResponseWriter, r *http.Request) {
	var body patternTestRequest
	if !s.decodeBody(w, r, &body) {
		return
	}

	patternType, err := scanner.ParsePatternType(body.PatternType)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	result, err := s.gate.TestPattern(body.Sample, body.Pattern, patternType)
	resp := patternTestResponse{PatternTestResult: result}
	if err != nil {
		resp.Error = err.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleClassification describes a category's tier
func (s *Server) handleClassification(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.gate.Classify(mux.Vars(r)["category"]))
}

// handleInvalidate drops the calling organization's cached rule set
func (s *Server) handleInvalidate(w http.ResponseWriter, r *http.Request) {
	id := getIdentity(r.Context())
	if err := s.gate.Invalidate(r.Context(), id.OrganizationID); err != nil {
		s.logger.Error("Failed to invalidate rule set",
			zap.String("organization_id", id.OrganizationID),
			zap.Error(err))
		writeError(w, r, http.StatusBadGateway, "failed to invalidate cached rules")
		return
	}
	writeJSON(w, http.StatusOK, map[string][]string{"invalidated": {id.OrganizationID}})
}

// handleHealth handles health check requests
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := s.gate.Ping(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status":    "unhealthy",
			"error":     err.Error(),
			"timestamp": time.Now().Format(time.RFC3339),
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":    "healthy",
		"timestamp": time.Now().Format(time.RFC3339),
	})
}

// handleInfo handles info requests
func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	opts := s.gate.Options()
	info := map[string]interface{}{
		"name":               "promptshield",
		"version":            s.version,
		"uptime":             time.Since(s.started).Round(time.Second).String(),
		"failure_policy":     opts.FailurePolicy,
		"scan_timeout":       opts.ScanTimeout.String(),
		"max_content_bytes":  opts.MaxContentBytes,
		"entropy_defaults":   opts.Defaults,
		"rate_limit_enabled": s.limiter != nil,
		"websocket_enabled":  s.hub != nil,
		"stats":              s.gate.Stats(),
	}
	if s.hub != nil {
		info["websocket"] = s.hub.GetStats()
	}
	if s.cacheStats != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		stats, err := s.cacheStats.GetStats(ctx)
		if err != nil {
			s.logger.Debug("Cache stats incomplete", zap.Error(err))
		}
		info["cache"] = stats
	}
	writeJSON(w, http.StatusOK, info)
}

// decodeBody reads a bounded JSON body, writing 413 or 400 on failure
func (s *Server) decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	limit := s.gate.Options().MaxContentBytes
	if limit > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, limit*jsonOverhead+4096)
	}

	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, r, http.StatusRequestEntityTooLarge, ErrContentTooLarge.Error())
			return false
		}
		writeError(w, r, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg, RequestID: getRequestID(r.Context())})
}
