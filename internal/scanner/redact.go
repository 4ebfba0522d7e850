package scanner

import "strings"

const maxRedactionStars = 20

// Redact obscures text for display. Strings of four characters or fewer
// become "****"; longer ones keep two characters at each end.
func Redact(s string) string {
	runes := []rune(s)
	if len(runes) <= 4 {
		return "****"
	}

	stars := len(runes) - 4
	if stars > maxRedactionStars {
		stars = maxRedactionStars
	}

	var b strings.Builder
	b.Grow(4 + stars)
	b.WriteString(string(runes[:2]))
	b.WriteString(strings.Repeat("*", stars))
	b.WriteString(string(runes[len(runes)-2:]))
	return b.String()
}
