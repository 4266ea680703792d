package vault

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

// Sanitize redacts credential-like values from source text. It masks the
// value of assignments whose name looks like a credential, bearer tokens and
// well-known vendor token shapes with asterisks of the same length, keeping
// the surrounding syntax. Comment lines that mention credentials are replaced
// wholesale.
//
// This is a best-effort heuristic. It will miss secrets with unusual names or
// shapes and can mask values that are not secrets.
func Sanitize(code string) string {
	lines := strings.Split(code, "\n")
	for i, line := range lines {
		if isCredentialComment(line) {
			lines[i] = redactComment(line)
		}
	}
	out := strings.Join(lines, "\n")

	out = maskGroup(assignmentPattern, out, 2)
	out = maskGroup(bearerPattern, out, 2)
	for _, re := range vendorTokenPatterns {
		out = maskGroup(re, out, 0)
	}
	return out
}

var (
	credentialKeyword = regexp.MustCompile(`(?i)api[_-]?key|secret|password|passwd|token|credential`)

	// assignmentPattern captures the name/operator prefix and the value of
	// credential-like assignments: API_KEY = "v", "password": "v", token: v.
	assignmentPattern = regexp.MustCompile(
		`(?i)(\b[\w.-]*(?:api[_-]?key|secret|password|passwd|token|credential)[\w.-]*["']?\s*(?::=|[:=])\s*["'` + "`" + `]?)([^"'` + "`" + `\s,;)}]+)`)

	bearerPattern = regexp.MustCompile(`(?i)(bearer\s+)([A-Za-z0-9\-._~+/]+=*)`)

	// Well-known vendor token shapes: OpenAI/Anthropic, GitHub classic and
	// fine-grained, Slack, AWS access key IDs, Google API keys, Hugging Face.
	vendorTokenPatterns = []*regexp.Regexp{
		regexp.MustCompile(`\bsk-(?:proj-|ant-)?[A-Za-z0-9_-]{20,}`),
		regexp.MustCompile(`\bgh[pousr]_[A-Za-z0-9]{36,}`),
		regexp.MustCompile(`\bgithub_pat_[A-Za-z0-9_]{22,}`),
		regexp.MustCompile(`\bxox[abprs]-[A-Za-z0-9-]{10,}`),
		regexp.MustCompile(`\b(?:AKIA|ASIA)[0-9A-Z]{16}\b`),
		regexp.MustCompile(`\bAIza[0-9A-Za-z_-]{35}`),
		regexp.MustCompile(`\bhf_[A-Za-z0-9]{30,}`),
	}

	commentPrefixes = []string{"//", "#", "/*", "*", "--", "<!--"}
)

func isCredentialComment(line string) bool {
	trimmed := strings.TrimSpace(line)
	for _, p := range commentPrefixes {
		if strings.HasPrefix(trimmed, p) {
			return credentialKeyword.MatchString(trimmed)
		}
	}
	return false
}

func redactComment(line string) string {
	indent := line[:len(line)-len(strings.TrimLeft(line, " \t"))]
	trimmed := strings.TrimSpace(line)
	for _, p := range commentPrefixes {
		if strings.HasPrefix(trimmed, p) {
			return indent + p + " [REDACTED]"
		}
	}
	return indent + "[REDACTED]"
}

// maskGroup replaces the given capture group of every match with asterisks.
func maskGroup(re *regexp.Regexp, s string, group int) string {
	matches := re.FindAllStringSubmatchIndex(s, -1)
	if len(matches) == 0 {
		return s
	}

	var b strings.Builder
	b.Grow(len(s))
	last := 0
	for _, m := range matches {
		start, end := m[2*group], m[2*group+1]
		if start < 0 {
			continue
		}
		b.WriteString(s[last:start])
		b.WriteString(strings.Repeat("*", utf8.RuneCountInString(s[start:end])))
		last = end
	}
	b.WriteString(s[last:])
	return b.String()
}
