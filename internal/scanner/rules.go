package scanner

// DefaultRules returns the built-in starter pack. The seed-rules command
// copies it into an organization and the scan command falls back to it when
// no rule file is given.
func DefaultRules() []Rule {
	return []Rule{
		{
			ID:          "builtin-private-key",
			Name:        "Private key block",
			Pattern:     `-----BEGIN ((RSA|EC|DSA|OPENSSH|PGP) )?PRIVATE KEY( BLOCK)?-----`,
			PatternType: PatternRegex,
			Category:    "private_keys",
			Severity:    SeverityBlock,
			IsActive:    true,
		},
		{
			ID:          "builtin-aws-access-key",
			Name:        "AWS access key id",
			Pattern:     `\b(AKIA|ASIA)[0-9A-Z]{16}\b`,
			PatternType: PatternRegex,
			Category:    "api_keys",
			Severity:    SeverityBlock,
			IsActive:    true,
		},
		{
			ID:          "builtin-openai-key",
			Name:        "OpenAI-style secret key",
			Pattern:     `\bsk-[A-Za-z0-9_-]{20,}`,
			PatternType: PatternRegex,
			Category:    "api_keys",
			Severity:    SeverityBlock,
			IsActive:    true,
		},
		{
			ID:          "builtin-us-ssn",
			Name:        "US social security number",
			Pattern:     `\b\d{3}-\d{2}-\d{4}\b`,
			PatternType: PatternRegex,
			Category:    "pii",
			Severity:    SeverityBlock,
			IsActive:    true,
		},
		{
			ID:          "builtin-credit-card",
			Name:        "Payment card number",
			Pattern:     `\b(?:\d[ -]?){13,16}\b`,
			PatternType: PatternRegex,
			Category:    "financial",
			Severity:    SeverityWarn,
			IsActive:    true,
		},
		{
			ID:          "builtin-email",
			Name:        "Email address",
			Pattern:     `[a-z0-9._%+-]+@[a-z0-9.-]+\.[a-z]{2,}`,
			PatternType: PatternRegex,
			Category:    "pii",
			Severity:    SeverityWarn,
			IsActive:    true,
		},
		{
			ID:          "builtin-password-assignment",
			Name:        "Password assignment",
			Pattern:     "password=*",
			PatternType: PatternGlob,
			Category:    "credentials",
			Severity:    SeverityWarn,
			IsActive:    true,
		},
	}
}
