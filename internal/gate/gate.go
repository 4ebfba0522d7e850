package gate

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/raaihank/promptshield/internal/cache"
	"github.com/raaihank/promptshield/internal/classification"
	"github.com/raaihank/promptshield/internal/logger"
	"github.com/raaihank/promptshield/internal/scanner"
	"github.com/raaihank/promptshield/internal/store"
	"github.com/raaihank/promptshield/internal/websocket"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// Gate evaluates outbound content against an organization's rules and
// turns scan outcomes, including failures, into allow/warn/block decisions.
type Gate struct {
	scanner   *scanner.Scanner
	store     Store
	cache     SnapshotCache
	publisher Publisher
	logger    *logger.Logger

	sem     *semaphore.Weighted
	options atomic.Pointer[Options]
	table   atomic.Pointer[classification.Table]

	total, allowed, warned, blocked, degraded, rejected atomic.Int64
}

// New creates a gate. cache and publisher may be nil.
func New(sc *scanner.Scanner, st Store, ca SnapshotCache, pub Publisher, maxConcurrent int64, opts Options, table *classification.Table, log *logger.Logger) *Gate {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	if table == nil {
		table = classification.DefaultTable()
	}

	g := &Gate{
		scanner:   sc,
		store:     st,
		cache:     ca,
		publisher: pub,
		logger:    log.WithComponent("gate"),
		sem:       semaphore.NewWeighted(maxConcurrent),
	}
	g.UpdateOptions(opts, table)
	return g
}

// UpdateOptions swaps the options and classification table used by new evaluations
func (g *Gate) UpdateOptions(opts Options, table *classification.Table) {
	if opts.FailurePolicy == "" {
		opts.FailurePolicy = FailClosed
	}
	if opts.ScanTimeout <= 0 {
		opts.ScanTimeout = 2 * time.Second
	}
	if opts.AuditTimeout <= 0 {
		opts.AuditTimeout = 2 * time.Second
	}
	g.options.Store(&opts)
	if table != nil {
		g.table.Store(table)
	}
}

// Options returns the options currently in effect
func (g *Gate) Options() Options {
	return *g.options.Load()
}

// scanOutcome carries a scan's result back from the worker goroutine
type scanOutcome struct {
	result scanner.ScanResult
	err    error
}

// Evaluate scans a request and decides what to do with it. Only invalid
// requests return an error; scan failures yield a degraded decision that
// follows the failure policy.
func (g *Gate) Evaluate(ctx context.Context, req Request) (*Decision, error) {
	start := time.Now()
	opts := g.Options()

	if req.OrganizationID == "" {
		g.rejected.Add(1)
		return nil, ErrMissingIdentity
	}
	if opts.MaxContentBytes > 0 && int64(len(req.Content)) > opts.MaxContentBytes {
		g.rejected.Add(1)
		return nil, fmt.Errorf("%w: %d > %d bytes", ErrContentTooLarge, len(req.Content), opts.MaxContentBytes)
	}
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}

	log := g.logger.WithRequestID(req.RequestID).WithOrganization(req.OrganizationID)

	scanCtx, cancel := context.WithTimeout(ctx, opts.ScanTimeout)
	defer cancel()

	result, err := g.runScan(scanCtx, req)

	decision := &Decision{RequestID: req.RequestID}
	if err != nil {
		g.degrade(decision, opts.FailurePolicy, err)
		log.Error("Scan failed, applying failure policy",
			zap.String("failure_policy", string(opts.FailurePolicy)),
			zap.String("action", string(decision.Action)),
			zap.Error(err))
	} else {
		decision.ScanResult = result
		decision.Action = ActionFor(result)
	}
	decision.DurationMS = float64(time.Since(start).Microseconds()) / 1000
	g.count(decision)

	if opts.AuditEnabled {
		g.audit(ctx, opts, req, decision, result, log)
	}
	g.publish(req, decision)

	log.Info("Scan decision",
		zap.String("action", string(decision.Action)),
		zap.Bool("degraded", decision.Degraded),
		zap.Int("violations", len(decision.Violations)),
		zap.Int("entropy_violations", len(decision.EntropyViolations)),
		zap.Float64("duration_ms", decision.DurationMS))

	return decision, nil
}

// runScan bounds concurrency and latency of a single scan. The worker keeps
// its semaphore slot until it actually finishes, even after a timeout.
func (g *Gate) runScan(ctx context.Context, req Request) (scanner.ScanResult, error) {
	if err := g.sem.Acquire(ctx, 1); err != nil {
		return scanner.ScanResult{}, fmt.Errorf("scan capacity exhausted: %w", err)
	}

	done := make(chan scanOutcome, 1)
	go func() {
		defer g.sem.Release(1)
		defer func() {
			if r := recover(); r != nil {
				done <- scanOutcome{err: fmt.Errorf("scan panicked: %v", r)}
			}
		}()

		snapshot, err := g.snapshot(ctx, req.OrganizationID)
		if err != nil {
			done <- scanOutcome{err: err}
			return
		}

		result, err := g.scanner.ScanContext(ctx, req.Content, snapshot.Rules, snapshot.Options)
		done <- scanOutcome{result: result, err: err}
	}()

	select {
	case out := <-done:
		return out.result, out.err
	case <-ctx.Done():
		return scanner.ScanResult{}, fmt.Errorf("scan did not finish: %w", ctx.Err())
	}
}

// snapshot loads the organization's rules and options, cache first
func (g *Gate) snapshot(ctx context.Context, orgID string) (*cache.Snapshot, error) {
	if g.cache != nil {
		if snap, ok := g.cache.Get(ctx, orgID); ok {
			return snap, nil
		}
	}

	rules, err := g.store.ActiveRules(ctx, orgID)
	if err != nil {
		return nil, fmt.Errorf("rule store unavailable: %w", err)
	}

	defaults := g.Options().Defaults
	scanOpts := defaults
	settings, err := g.store.Settings(ctx, orgID)
	switch {
	case err == nil:
		scanOpts = settings.Options(defaults.EntropyMaxLength)
	case !errors.Is(err, store.ErrNotFound):
		return nil, fmt.Errorf("settings unavailable: %w", err)
	}

	snap := &cache.Snapshot{
		OrganizationID: orgID,
		Rules:          rules,
		Options:        scanOpts,
	}

	if g.cache != nil {
		if err := g.cache.Set(ctx, snap); err != nil {
			g.logger.Warn("Failed to cache rule set",
				zap.String("organization_id", orgID),
				zap.Error(err))
		}
	}

	return snap, nil
}

// degrade fills a decision for a scan that could not complete
func (g *Gate) degrade(d *Decision, policy FailurePolicy, cause error) {
	d.Degraded = true
	d.Reason = reasonFor(cause)
	d.ScanResult = scanner.ScanResult{Violations: []scanner.Violation{}}

	if policy == FailOpen {
		d.Action = classification.ActionAllow
		d.Passed = true
		return
	}
	d.Action = classification.ActionBlock
	d.Passed = false
}

// reasonFor is the client-facing cause of a degraded decision. Details stay in the log.
func reasonFor(err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "scan timed out"
	case errors.Is(err, context.Canceled):
		return "request canceled"
	default:
		return "scan unavailable"
	}
}

// ActionFor maps a scan result to an action: block when it did not pass,
// warn when anything matched, allow otherwise
func ActionFor(r scanner.ScanResult) classification.Action {
	switch {
	case !r.Passed:
		return classification.ActionBlock
	case r.HasFindings():
		return classification.ActionWarn
	default:
		return classification.ActionAllow
	}
}

func (g *Gate) count(d *Decision) {
	g.total.Add(1)
	if d.Degraded {
		g.degraded.Add(1)
	}
	switch d.Action {
	case classification.ActionBlock:
		g.blocked.Add(1)
	case classification.ActionWarn:
		g.warned.Add(1)
	default:
		g.allowed.Add(1)
	}
}

// audit records the decision. Failures are logged and never change the decision.
func (g *Gate) audit(ctx context.Context, opts Options, req Request, d *Decision, result scanner.ScanResult, log *logger.Logger) {
	findings := make([]store.AuditFinding, 0, len(result.Violations)+len(result.EntropyViolations))
	for _, v := range result.Violations {
		findings = append(findings, store.AuditFinding{
			Kind:     "rule",
			RuleID:   v.RuleID,
			Category: v.Category,
			Severity: string(v.Severity),
			Redacted: v.MatchedTextRedacted,
			SHA256:   sha256Hex(v.Match),
			Match:    rawMatch(opts, v.Match),
		})
	}
	for _, e := range result.EntropyViolations {
		findings = append(findings, store.AuditFinding{
			Kind:     "entropy",
			Severity: string(e.Severity),
			Redacted: e.TextRedacted,
			SHA256:   sha256Hex(e.Match),
			Match:    rawMatch(opts, e.Match),
			Entropy:  e.Entropy,
		})
	}

	encoded, err := json.Marshal(findings)
	if err != nil {
		log.Error("Failed to encode audit findings", zap.Error(err))
		return
	}

	record := &store.AuditRecord{
		ID:             uuid.NewString(),
		OrganizationID: req.OrganizationID,
		UserID:         req.UserID,
		RequestID:      req.RequestID,
		Destination:    req.Destination,
		Decision:       string(d.Action),
		Passed:         d.Passed,
		Degraded:       d.Degraded,
		ViolationCount: len(result.Violations),
		EntropyCount:   len(result.EntropyViolations),
		ContentSHA256:  sha256Hex(req.Content),
		ContentLength:  len(req.Content),
		Findings:       string(encoded),
		DurationMS:     d.DurationMS,
	}

	// The audit write outlives a client that has already gone away.
	auditCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), opts.AuditTimeout)
	defer cancel()

	if err := g.store.InsertAudit(auditCtx, record); err != nil {
		log.Error("Failed to write audit record", zap.Error(err))
		return
	}
	d.AuditID = record.ID
}

func rawMatch(opts Options, match string) string {
	if !opts.AuditRawMatches {
		return ""
	}
	return match
}

func (g *Gate) publish(req Request, d *Decision) {
	if g.publisher == nil {
		return
	}

	findings := make([]websocket.DecisionFinding, 0, len(d.Violations))
	for _, v := range d.Violations {
		findings = append(findings, websocket.DecisionFinding{
			RuleID:   v.RuleID,
			RuleName: v.RuleName,
			Category: v.Category,
			Severity: string(v.Severity),
			Redacted: v.MatchedTextRedacted,
		})
	}

	g.publisher.PublishDecision(websocket.ScanDecisionEvent{
		RequestID:       req.RequestID,
		OrganizationID:  req.OrganizationID,
		UserID:          req.UserID,
		Destination:     req.Destination,
		Action:          string(d.Action),
		Degraded:        d.Degraded,
		Reason:          d.Reason,
		Findings:        findings,
		EntropyFindings: len(d.EntropyViolations),
		ProcessingMS:    d.DurationMS,
	})
}

// TestPattern previews a pattern against sample text. An invalid pattern
// reports no match together with the reason.
func (g *Gate) TestPattern(sample, pattern string, patternType scanner.PatternType) (scanner.PatternTestResult, error) {
	result := g.scanner.TestPattern(sample, pattern, patternType)
	return result, scanner.ValidatePattern(pattern, patternType)
}

// Classify describes a category for rule authoring
func (g *Gate) Classify(category string) Classification {
	table := g.table.Load()
	level := table.ClassificationFor(category)
	return Classification{
		Category:          category,
		Level:             level,
		DefaultAction:     table.DefaultActionFor(level),
		SuggestedSeverity: table.SuggestSeverity(category),
	}
}

// Categories returns every category the classification table knows
func (g *Gate) Categories() map[string]classification.Level {
	return g.table.Load().Categories()
}

// Invalidate drops cached rule sets so the next scan reloads them from the store
func (g *Gate) Invalidate(ctx context.Context, orgIDs ...string) error {
	if g.cache != nil {
		if err := g.cache.Invalidate(ctx, orgIDs...); err != nil {
			return err
		}
	}
	if g.publisher != nil {
		g.publisher.PublishInvalidation(orgIDs)
	}
	return nil
}

// Ping checks the gate's backing store
func (g *Gate) Ping(ctx context.Context) error {
	return g.store.Ping(ctx)
}

// Stats returns decision counters
func (g *Gate) Stats() Stats {
	return Stats{
		TotalScans: g.total.Load(),
		Allowed:    g.allowed.Load(),
		Warned:     g.warned.Load(),
		Blocked:    g.blocked.Load(),
		Degraded:   g.degraded.Load(),
		Rejected:   g.rejected.Load(),
	}
}

func sha256Hex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}
