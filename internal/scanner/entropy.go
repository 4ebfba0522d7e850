package scanner

import (
	"maps"
	"math"
	"slices"
	"strings"
)

// candidateFloor is the shortest run ever scored, whatever the configured minimum.
const candidateFloor = 16

// EntropyHit is a candidate span whose entropy reached the threshold
type EntropyHit struct {
	Text     string
	Offset   int
	Entropy  float64
	Severity Severity
}

var urlSchemes = map[string]struct{}{
	"http":   {},
	"https":  {},
	"ftp":    {},
	"sftp":   {},
	"ws":     {},
	"wss":    {},
	"file":   {},
	"mailto": {},
	"data":   {},
	"git":    {},
	"ssh":    {},
	"s3":     {},
	"gs":     {},
}

var nullLikeLiterals = map[string]struct{}{
	"true":      {},
	"false":     {},
	"null":      {},
	"undefined": {},
	"none":      {},
	"nil":       {},
}

// DetectEntropy reports high-entropy runs of token characters in content.
// Runs are extracted in one maximal-munch pass and never overlap.
func DetectEntropy(content string, threshold float64, minLength, maxLength int) []EntropyHit {
	if minLength < candidateFloor {
		minLength = candidateFloor
	}
	if maxLength <= 0 {
		maxLength = DefaultEntropyMaxLength
	}

	var hits []EntropyHit
	start := -1
	for i := 0; i <= len(content); i++ {
		if i < len(content) && isTokenByte(content[i]) {
			if start < 0 {
				start = i
			}
			continue
		}
		if start < 0 {
			continue
		}

		run := content[start:i]
		if len(run) >= minLength && len(run) <= maxLength && !isLikelyFalsePositive(content, start, run) {
			h := ShannonEntropy(run)
			if h >= threshold {
				hits = append(hits, EntropyHit{
					Text:     run,
					Offset:   start,
					Entropy:  h,
					Severity: entropySeverity(h),
				})
			}
		}
		start = -1
	}

	return hits
}

// ShannonEntropy returns the entropy of s in bits per character
func ShannonEntropy(s string) float64 {
	if s == "" {
		return 0
	}

	var ascii [128]int
	var other map[rune]int
	total := 0
	for _, r := range s {
		total++
		if r < 128 {
			ascii[r]++
			continue
		}
		if other == nil {
			other = make(map[rune]int)
		}
		other[r]++
	}

	n := float64(total)
	entropy := 0.0
	// Fixed summation order keeps the result bit-for-bit reproducible.
	for _, count := range ascii {
		if count > 0 {
			p := float64(count) / n
			entropy -= p * math.Log2(p)
		}
	}
	if len(other) > 0 {
		for _, r := range slices.Sorted(maps.Keys(other)) {
			p := float64(other[r]) / n
			entropy -= p * math.Log2(p)
		}
	}

	return entropy
}

func entropySeverity(h float64) Severity {
	if h >= EntropyBlockThreshold {
		return SeverityBlock
	}
	return SeverityWarn
}

// isTokenByte matches [A-Za-z0-9+/=_-]
func isTokenByte(c byte) bool {
	switch {
	case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		return true
	case c == '+', c == '/', c == '=', c == '_', c == '-':
		return true
	}
	return false
}

// isLikelyFalsePositive applies the cheap heuristics that discard a run
// before it is scored. content and start give the run's surroundings.
func isLikelyFalsePositive(content string, start int, run string) bool {
	if distinctBytes(run) <= 2 {
		return true
	}
	if allBytes(run, isDigit) {
		return true
	}
	if allBytes(run, isLower) || allBytes(run, isUpper) {
		return true
	}
	if _, ok := nullLikeLiterals[strings.ToLower(run)]; ok {
		return true
	}
	if allBytes(run, func(c byte) bool { return isUpper(c) || c == '_' }) {
		return true
	}
	if isURLRemainder(content, start, run) {
		return true
	}
	if isHashDigest(run) {
		return true
	}
	return false
}

// isURLRemainder reports whether the run lies in the host or path of a URL
// with a well-known scheme, e.g. "//host/path" or the tail of "mailto:".
// Query strings and fragments are still scanned.
func isURLRemainder(content string, start int, run string) bool {
	if strings.HasPrefix(run, "//") {
		return true
	}

	j := start
	for j > 0 && !isURLDelimiter(content[j-1]) {
		if c := content[j-1]; c == '?' || c == '#' {
			return false
		}
		j--
	}

	token := content[j:start]
	for i := 0; i < len(token); i++ {
		if token[i] != ':' {
			continue
		}
		k := i
		for k > 0 && (isLower(token[k-1]) || isUpper(token[k-1]) || isDigit(token[k-1])) {
			k--
		}
		if _, ok := urlSchemes[strings.ToLower(token[k:i])]; ok {
			return true
		}
	}
	return false
}

func isURLDelimiter(c byte) bool {
	return c <= ' ' || strings.IndexByte("\"'`<>()[]{}|\\^", c) >= 0
}

func isHashDigest(run string) bool {
	switch len(run) {
	case 32, 40, 64:
		return allBytes(run, isHex)
	}
	return false
}

func distinctBytes(s string) int {
	var seen [256]bool
	n := 0
	for i := 0; i < len(s); i++ {
		if !seen[s[i]] {
			seen[s[i]] = true
			n++
		}
	}
	return n
}

func allBytes(s string, pred func(byte) bool) bool {
	for i := 0; i < len(s); i++ {
		if !pred(s[i]) {
			return false
		}
	}
	return true
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }
func isLower(c byte) bool { return c >= 'a' && c <= 'z' }
func isUpper(c byte) bool { return c >= 'A' && c <= 'Z' }

func isHex(c byte) bool {
	return isDigit(c) || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')
}
