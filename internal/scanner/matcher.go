package scanner

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"go.uber.org/zap"
)

// MaxPatternLength bounds user-authored glob and regex patterns. Exact
// patterns compile to a quoted literal and are not capped.
const MaxPatternLength = 1024

var (
	ErrEmptyPattern   = errors.New("pattern is empty")
	ErrPatternTooLong = fmt.Errorf("pattern exceeds %d characters", MaxPatternLength)
)

// CacheConfig sizes the compiled pattern cache
type CacheConfig struct {
	TTL      time.Duration
	Capacity uint64
}

// DefaultCacheConfig returns the cache sizing used when none is configured
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{
		TTL:      10 * time.Minute,
		Capacity: 4096,
	}
}

// compiled is a cache entry; re is nil when the pattern failed to compile.
type compiled struct {
	re  *regexp.Regexp
	err error
}

// Matcher evaluates single patterns against text. Compiled expressions are
// cached, so one Matcher should be shared by all scans in a process.
type Matcher struct {
	cache  *ttlcache.Cache[string, compiled]
	logger *zap.Logger
}

// NewMatcher creates a matcher with a bounded compiled-pattern cache
func NewMatcher(cfg CacheConfig, logger *zap.Logger) *Matcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultCacheConfig().TTL
	}
	if cfg.Capacity == 0 {
		cfg.Capacity = DefaultCacheConfig().Capacity
	}

	cache := ttlcache.New[string, compiled](
		ttlcache.WithTTL[string, compiled](cfg.TTL),
		ttlcache.WithCapacity[string, compiled](cfg.Capacity),
	)

	return &Matcher{
		cache:  cache,
		logger: logger,
	}
}

// Start runs the expiry loop and blocks until Stop is called
func (m *Matcher) Start() {
	m.cache.Start()
}

// Stop halts the expiry loop
func (m *Matcher) Stop() {
	m.cache.Stop()
}

// Match returns the first match of pattern in content, redacted for display
func (m *Matcher) Match(content, pattern string, patternType PatternType) (string, bool) {
	match, ok := m.find(content, pattern, patternType)
	if !ok {
		return "", false
	}
	return Redact(match), true
}

// find returns the unredacted first match. Patterns that fail to compile
// never match.
func (m *Matcher) find(content, pattern string, patternType PatternType) (string, bool) {
	re, err := m.compile(pattern, patternType)
	if err != nil {
		return "", false
	}

	loc := re.FindStringIndex(content)
	if loc == nil {
		return "", false
	}
	return content[loc[0]:loc[1]], true
}

func (m *Matcher) compile(pattern string, patternType PatternType) (*regexp.Regexp, error) {
	key := patternType.String() + "\x00" + pattern
	if item := m.cache.Get(key); item != nil {
		entry := item.Value()
		return entry.re, entry.err
	}

	re, err := compilePattern(pattern, patternType)
	if err != nil {
		m.logger.Debug("Skipping invalid pattern",
			zap.String("pattern_type", patternType.String()),
			zap.Int("pattern_length", len(pattern)),
			zap.Error(err),
		)
	}

	m.cache.Set(key, compiled{re: re, err: err}, ttlcache.DefaultTTL)
	return re, err
}

// ValidatePattern reports why a pattern would never match, or nil
func ValidatePattern(pattern string, patternType PatternType) error {
	_, err := compilePattern(pattern, patternType)
	return err
}

// compilePattern translates every pattern type into a case-insensitive
// RE2 expression. RE2 runs in linear time, so hostile rules cannot stall a scan.
func compilePattern(pattern string, patternType PatternType) (*regexp.Regexp, error) {
	if pattern == "" {
		return nil, ErrEmptyPattern
	}
	if patternType != PatternExact && len([]rune(pattern)) > MaxPatternLength {
		return nil, ErrPatternTooLong
	}

	var expr string
	switch patternType {
	case PatternExact:
		expr = regexp.QuoteMeta(pattern)
	case PatternGlob:
		expr = globToRegex(pattern)
	case PatternRegex:
		expr = pattern
	default:
		return nil, fmt.Errorf("unsupported pattern type: %s", patternType)
	}

	re, err := regexp.Compile("(?i)" + expr)
	if err != nil {
		return nil, fmt.Errorf("invalid %s pattern: %w", patternType, err)
	}
	return re, nil
}

// globToRegex escapes everything except * and ?, which become .* and .
func globToRegex(glob string) string {
	var b strings.Builder
	for _, r := range glob {
		switch r {
		case '*':
			b.WriteString(".*")
		case '?':
			b.WriteString(".")
		default:
			b.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	return b.String()
}
