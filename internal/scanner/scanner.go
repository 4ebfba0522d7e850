package scanner

import (
	"context"
	"sort"

	"go.uber.org/zap"
)

// Scanner runs an organization's rules and the entropy analyzer over text.
// It holds no per-scan state and is safe for concurrent use.
type Scanner struct {
	matcher *Matcher
	logger  *zap.Logger
}

// New creates a scanner around a shared matcher
func New(matcher *Matcher, logger *zap.Logger) *Scanner {
	if logger == nil {
		logger = zap.NewNop()
	}
	if matcher == nil {
		matcher = NewMatcher(DefaultCacheConfig(), logger)
	}
	return &Scanner{
		matcher: matcher,
		logger:  logger,
	}
}

// Scan evaluates content against rules and options
func (s *Scanner) Scan(content string, rules []Rule, opts ScanOptions) ScanResult {
	// A background context never expires, so the error is always nil.
	result, _ := s.ScanContext(context.Background(), content, rules, opts)
	return result
}

// ScanContext is Scan with cancellation. The context is checked between
// rules and before entropy analysis; on expiry the partial result is
// discarded and ctx.Err() returned.
func (s *Scanner) ScanContext(ctx context.Context, content string, rules []Rule, opts ScanOptions) (ScanResult, error) {
	violations := make([]Violation, 0)

	for _, rule := range rules {
		if !rule.IsActive {
			continue
		}
		if err := ctx.Err(); err != nil {
			return ScanResult{}, err
		}

		match, ok := s.matcher.find(content, rule.Pattern, rule.PatternType)
		if !ok {
			continue
		}

		violations = append(violations, Violation{
			RuleID:              rule.ID,
			RuleName:            rule.Name,
			Category:            rule.Category,
			Severity:            rule.Severity,
			MatchedTextRedacted: Redact(match),
			Match:               match,
		})
	}

	var entropyViolations []EntropyViolation
	if opts.EnableEntropyDetection {
		if err := ctx.Err(); err != nil {
			return ScanResult{}, err
		}

		for _, hit := range DetectEntropy(content, opts.EntropyThreshold, opts.EntropyMinLength, opts.EntropyMaxLength) {
			entropyViolations = append(entropyViolations, EntropyViolation{
				TextRedacted: Redact(hit.Text),
				Entropy:      hit.Entropy,
				Severity:     hit.Severity,
				Match:        hit.Text,
			})
		}
	}

	sort.SliceStable(violations, func(i, j int) bool {
		return violations[i].Severity.rank() < violations[j].Severity.rank()
	})

	result := ScanResult{
		Passed:            !anyBlocking(violations, entropyViolations),
		Violations:        violations,
		EntropyViolations: entropyViolations,
	}

	s.logger.Debug("Scan completed",
		zap.Int("rules", len(rules)),
		zap.Int("violations", len(result.Violations)),
		zap.Int("entropy_violations", len(result.EntropyViolations)),
		zap.Bool("passed", result.Passed),
	)

	return result, nil
}

// TestPattern previews one pattern against sample text using the same
// matching path as Scan
func (s *Scanner) TestPattern(sample, pattern string, patternType PatternType) PatternTestResult {
	redacted, ok := s.matcher.Match(sample, pattern, patternType)
	if !ok {
		return PatternTestResult{Matched: false}
	}
	return PatternTestResult{
		Matched:     true,
		MatchedText: redacted,
	}
}

func anyBlocking(violations []Violation, entropy []EntropyViolation) bool {
	for _, v := range violations {
		if v.Severity == SeverityBlock {
			return true
		}
	}
	for _, v := range entropy {
		if v.Severity == SeverityBlock {
			return true
		}
	}
	return false
}
