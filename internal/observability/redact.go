package observability

import "regexp"

// RedactionPlaceholder replaces secret material in emitted text.
const RedactionPlaceholder = "[REDACTED]"

var (
	bearerTokenPattern = regexp.MustCompile(`(?i)(bearer\s+)([A-Za-z0-9\-\._~+/]+=*)`)

	sensitiveKeyValuePattern = regexp.MustCompile(
		`(?i)((?:"|')?(?:api[_-]?key|access[_-]?token|refresh[_-]?token|token|secret|password|credential)(?:"|')?\s*(?:=|:)\s*(?:"|')?)([^"'\s,;]+)((?:"|')?)`,
	)

	standaloneSecretPattern = regexp.MustCompile(
		`(?i)(sk-[A-Za-z0-9]{16,}|ghp_[A-Za-z0-9]{16,}|xox[a-z]-[A-Za-z0-9\-]{10,}|ya29\.[A-Za-z0-9\-_]+|pat_[A-Za-z0-9]{16,})`,
	)
)

// Redact masks bearer tokens, credential-looking key/value pairs, and
// well-known secret shapes in s. Applied to log lines and to event payload
// text before it leaves the process.
func Redact(s string) string {
	out := bearerTokenPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := bearerTokenPattern.FindStringSubmatch(match)
		if len(parts) != 3 {
			return match
		}
		return parts[1] + RedactionPlaceholder
	})

	out = sensitiveKeyValuePattern.ReplaceAllStringFunc(out, func(match string) string {
		parts := sensitiveKeyValuePattern.FindStringSubmatch(match)
		if len(parts) != 4 {
			return match
		}
		return parts[1] + RedactionPlaceholder + parts[3]
	})

	return standaloneSecretPattern.ReplaceAllString(out, RedactionPlaceholder)
}

// SanitizeAPIKey masks an API key for display, keeping just enough of the
// prefix and suffix to identify it.
func SanitizeAPIKey(key string) string {
	if len(key) <= 12 {
		return "***"
	}
	return key[:8] + "..." + key[len(key)-4:]
}
