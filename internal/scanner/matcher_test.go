package scanner

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestMatcher() *Matcher {
	return NewMatcher(DefaultCacheConfig(), zap.NewNop())
}

func TestMatcherExact(t *testing.T) {
	m := newTestMatcher()

	t.Run("CaseInsensitiveSubstring", func(t *testing.T) {
		redacted, ok := m.Match("My API_Key is SECRET123", "secret123", PatternExact)
		require.True(t, ok)
		assert.Equal(t, "SE*****23", redacted)
	})

	t.Run("PreservesOriginalCasing", func(t *testing.T) {
		match, ok := m.find("My API_Key is SECRET123", "secret123", PatternExact)
		require.True(t, ok)
		assert.Equal(t, "SECRET123", match)
	})

	t.Run("NoMatch", func(t *testing.T) {
		_, ok := m.Match("nothing here", "secret123", PatternExact)
		assert.False(t, ok)
	})

	t.Run("MetacharactersAreLiteral", func(t *testing.T) {
		_, ok := m.Match("price is 100 dollars", "1.0", PatternExact)
		assert.False(t, ok)

		redacted, ok := m.Match("version (1.0) released", "(1.0)", PatternExact)
		require.True(t, ok)
		assert.Equal(t, "(1*0)", redacted)
	})
}

func TestMatcherGlob(t *testing.T) {
	m := newTestMatcher()

	t.Run("StarMatchesSuffix", func(t *testing.T) {
		match, ok := m.find("token: sk-abcdef123", "sk-*", PatternGlob)
		require.True(t, ok)
		assert.Equal(t, "sk-abcdef123", match)

		redacted, ok := m.Match("token: sk-abcdef123", "sk-*", PatternGlob)
		require.True(t, ok)
		assert.Equal(t, "sk********23", redacted)
	})

	t.Run("DifferentPrefixDoesNotMatch", func(t *testing.T) {
		_, ok := m.Match("token: pk-abcdef123", "sk-*", PatternGlob)
		assert.False(t, ok)
	})

	t.Run("QuestionMarkMatchesOneCharacter", func(t *testing.T) {
		match, ok := m.find("xxABCxx", "a?c", PatternGlob)
		require.True(t, ok)
		assert.Equal(t, "ABC", match)

		_, ok = m.find("xxACxx", "a?c", PatternGlob)
		assert.False(t, ok)
	})

	t.Run("OtherMetacharactersEscaped", func(t *testing.T) {
		_, ok := m.find("fileXtxt", "file.txt", PatternGlob)
		assert.False(t, ok)

		_, ok = m.find("open file.txt now", "file.txt", PatternGlob)
		assert.True(t, ok)

		_, ok = m.find("a+b", "a+b", PatternGlob)
		assert.True(t, ok)
	})
}

func TestMatcherRegex(t *testing.T) {
	m := newTestMatcher()

	t.Run("CaseInsensitive", func(t *testing.T) {
		match, ok := m.find("the SECRET42 value", `secret\d+`, PatternRegex)
		require.True(t, ok)
		assert.Equal(t, "SECRET42", match)
	})

	t.Run("FirstMatchOnly", func(t *testing.T) {
		match, ok := m.find("id-111 and id-222", `id-\d+`, PatternRegex)
		require.True(t, ok)
		assert.Equal(t, "id-111", match)
	})

	t.Run("InvalidPatternNeverMatches", func(t *testing.T) {
		_, ok := m.Match("(((", "(", PatternRegex)
		assert.False(t, ok)

		// served from the cache the second time
		_, ok = m.Match("(((", "(", PatternRegex)
		assert.False(t, ok)
	})
}

func TestMatcherDegeneratePatterns(t *testing.T) {
	m := newTestMatcher()

	for _, pt := range []PatternType{PatternExact, PatternGlob, PatternRegex} {
		_, ok := m.Match("anything", "", pt)
		assert.False(t, ok, "empty %s pattern should not match", pt)
	}

	_, ok := m.Match("anything", "x", PatternType(42))
	assert.False(t, ok)

	long := strings.Repeat("a", MaxPatternLength+1)
	_, ok = m.Match(long, long, PatternRegex)
	assert.False(t, ok)
	_, ok = m.Match(long, long, PatternGlob)
	assert.False(t, ok)
}

func TestMatcherLongExactPattern(t *testing.T) {
	m := newTestMatcher()

	phrase := strings.Repeat("Confidential merger terms (draft) v2. ", 40)
	require.Greater(t, len([]rune(phrase)), MaxPatternLength)
	require.NoError(t, ValidatePattern(phrase, PatternExact))

	redacted, ok := m.Match("forwarding: "+strings.ToUpper(phrase)+" end", phrase, PatternExact)
	require.True(t, ok)
	assert.Equal(t, Redact(strings.ToUpper(phrase)), redacted)

	_, ok = m.Match("forwarding: "+phrase[:MaxPatternLength], phrase, PatternExact)
	assert.False(t, ok)
}

func TestValidatePattern(t *testing.T) {
	assert.NoError(t, ValidatePattern("secret", PatternExact))
	assert.NoError(t, ValidatePattern("sk-*", PatternGlob))
	assert.NoError(t, ValidatePattern(`\d{3}-\d{2}-\d{4}`, PatternRegex))

	assert.Error(t, ValidatePattern("(", PatternRegex))
	assert.ErrorIs(t, ValidatePattern("", PatternGlob), ErrEmptyPattern)
	assert.ErrorIs(t, ValidatePattern(strings.Repeat("x", MaxPatternLength+1), PatternRegex), ErrPatternTooLong)
	assert.ErrorIs(t, ValidatePattern(strings.Repeat("x", MaxPatternLength+1), PatternGlob), ErrPatternTooLong)
	assert.NoError(t, ValidatePattern(strings.Repeat("x", MaxPatternLength+1), PatternExact))

	for _, rule := range DefaultRules() {
		assert.NoError(t, ValidatePattern(rule.Pattern, rule.PatternType), rule.ID)
	}
}

func TestRedact(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"Empty", "", "****"},
		{"FourChars", "abcd", "****"},
		{"FiveChars", "abcde", "ab*de"},
		{"Unicode", "héllo wörld", "hé*******ld"},
		{"CappedStars", strings.Repeat("x", 100), "xx" + strings.Repeat("*", 20) + "xx"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Redact(tt.in))
		})
	}
}

func TestPatternTypeText(t *testing.T) {
	for _, name := range []string{"exact", "glob", "regex", "REGEX"} {
		var pt PatternType
		require.NoError(t, pt.UnmarshalText([]byte(name)))
		assert.Equal(t, strings.ToLower(name), pt.String())
	}

	var pt PatternType
	assert.Error(t, pt.UnmarshalText([]byte("wildcard")))

	_, err := PatternType(9).MarshalText()
	assert.Error(t, err)
}
